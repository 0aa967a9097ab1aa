// snfctl is the remote CLI client for snfd.
//
// It connects to the snfd gRPC API. With arguments it runs a single
// command; without, it starts an interactive shell.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/psaab/snfpath/pkg/grpcapi"
	"github.com/psaab/snfpath/pkg/hooks"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:50051", "snfd gRPC address")
	timeout := flag.Duration("timeout", 5*time.Second, "per-request timeout")
	flag.Parse()

	client, err := grpcapi.Dial(*addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "snfctl: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	c := &ctl{client: client, timeout: *timeout}

	// Verify connectivity
	ctx, cancel := c.ctx()
	st, err := client.Status(ctx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "snfctl: cannot reach snfd at %s: %v\n", *addr, err)
		os.Exit(1)
	}

	if flag.NArg() > 0 {
		if err := c.dispatch(strings.Join(flag.Args(), " ")); err != nil && err != errExit {
			fmt.Fprintf(os.Stderr, "snfctl: %v\n", err)
			os.Exit(1)
		}
		return
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "snf> ",
		HistoryFile:     "/tmp/snfctl_history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "snfctl: readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	fmt.Printf("snfctl: connected to snfd %s (%s dataplane, uptime: %s)\n", *addr, st.DataplaneType, st.Uptime)
	fmt.Println("Type 'help' for commands")
	fmt.Println()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				break
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if err := c.dispatch(line); err != nil {
			if err == errExit {
				break
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

var errExit = fmt.Errorf("exit")

var completer = readline.NewPrefixCompleter(
	readline.PcItem("status"),
	readline.PcItem("hooks"),
	readline.PcItem("state"),
	readline.PcItem("states"),
	readline.PcItem("report"),
	readline.PcItem("shadow"),
	readline.PcItem("fib",
		readline.PcItem("set"),
		readline.PcItem("delete"),
	),
	readline.PcItem("events",
		readline.PcItem("drop-filter"),
		readline.PcItem("redirect"),
		readline.PcItem("count-filter"),
		readline.PcItem("queue-stats"),
		readline.PcItem("pass"),
	),
	readline.PcItem("help"),
	readline.PcItem("exit"),
)

type ctl struct {
	client  *grpcapi.Client
	timeout time.Duration
}

func (c *ctl) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.timeout)
}

func (c *ctl) dispatch(line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}

	switch parts[0] {
	case "status":
		return c.showStatus()
	case "hooks":
		return c.showHooks()
	case "state":
		return c.showState(parts[1:])
	case "states":
		return c.showStates()
	case "report":
		return c.showReport()
	case "shadow":
		return c.showShadow()
	case "fib":
		return c.handleFIB(parts[1:])
	case "events":
		return c.showEvents(parts[1:])
	case "quit", "exit":
		return errExit
	case "?", "help":
		showHelp()
		return nil
	default:
		return fmt.Errorf("unknown command: %s", parts[0])
	}
}

func showHelp() {
	fmt.Println("Commands:")
	fmt.Println("  status                          Daemon and dataplane status")
	fmt.Println("  hooks                           Per-hook verdict counters")
	fmt.Println("  state [key]                     State element (default key 1)")
	fmt.Println("  states                          All state elements")
	fmt.Println("  report                          Last timer report")
	fmt.Println("  shadow                          Shadow table hit counts")
	fmt.Println("  fib                             Forwarding table")
	fmt.Println("  fib set <iif> <oif> [dst] [src] Provision a forwarding slot")
	fmt.Println("  fib delete <iif>                Clear a forwarding slot")
	fmt.Println("  events [hook] [count]           Recent hook events")
	fmt.Println("  exit                            Leave the shell")
}

func (c *ctl) showStatus() error {
	ctx, cancel := c.ctx()
	defer cancel()
	st, err := c.client.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Uptime:          %s\n", st.Uptime)
	fmt.Printf("Dataplane:       %s (loaded: %v)\n", st.DataplaneType, st.DataplaneLoaded)
	if len(st.Hooks) > 0 {
		fmt.Printf("Hooks:           %s\n", strings.Join(st.Hooks, ", "))
	}
	fmt.Printf("FIB entries:     %d\n", st.FIBEntries)
	fmt.Printf("State elements:  %d\n", st.States)
	fmt.Printf("Events:          %d\n", st.Events)
	return nil
}

func (c *ctl) showHooks() error {
	ctx, cancel := c.ctx()
	defer cancel()
	hs, err := c.client.HookStats(ctx)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(hs))
	for name := range hs {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Printf("%-14s %10s %10s %10s %10s %10s %8s\n",
		"Hook", "Runs", "Passed", "Dropped", "Redirected", "Malformed", "Errors")
	for _, name := range names {
		s := hs[name]
		fmt.Printf("%-14s %10d %10d %10d %10d %10d %8d\n",
			name, s.Runs, s.Passed, s.Dropped, s.Redirects, s.Malformed, s.Errors)
	}
	return nil
}

// parseUint accepts decimal or 0x-prefixed values.
func parseUint(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return uint32(v), nil
}

func (c *ctl) showState(args []string) error {
	key := hooks.KeyProtoIP
	if len(args) > 0 {
		k, err := parseUint(args[0])
		if err != nil {
			return err
		}
		key = k
	}
	ctx, cancel := c.ctx()
	defer cancel()
	st, err := c.client.State(ctx, key)
	if err != nil {
		return err
	}
	fmt.Printf("Key:          %d\n", st.Key)
	fmt.Printf("Initialized:  %v\n", st.Initialized)
	fmt.Printf("Counter:      %d\n", st.Counter)
	fmt.Printf("Pair:         a=%d b=%d\n", st.A, st.B)
	fmt.Printf("Timer:        initialized=%v armed=%v fires=%d\n", st.TimerInit, st.TimerArmed, st.TimerFires)
	return nil
}

func (c *ctl) showStates() error {
	ctx, cancel := c.ctx()
	defer cancel()
	states, err := c.client.States(ctx)
	if err != nil {
		return err
	}
	if len(states) == 0 {
		fmt.Println("no state elements")
		return nil
	}
	fmt.Printf("%-8s %-5s %12s %12s %12s %-6s %6s\n", "Key", "Init", "Counter", "A", "B", "Timer", "Fires")
	for _, st := range states {
		timer := "-"
		if st.TimerArmed {
			timer = "armed"
		} else if st.TimerInit {
			timer = "idle"
		}
		fmt.Printf("%-8d %-5v %12d %12d %12d %-6s %6d\n",
			st.Key, st.Initialized, st.Counter, st.A, st.B, timer, st.TimerFires)
	}
	return nil
}

func (c *ctl) showReport() error {
	ctx, cancel := c.ctx()
	defer cancel()
	rep, err := c.client.Report(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Key:      %d\n", rep.Key)
	fmt.Printf("Counter:  %d\n", rep.Counter)
	fmt.Printf("Pair:     a=%d b=%d\n", rep.A, rep.B)
	fmt.Printf("Clock:    %s\n", rep.Clock)
	fmt.Printf("Time:     %s\n", rep.Time.Format(time.RFC3339))
	return nil
}

func (c *ctl) showShadow() error {
	ctx, cancel := c.ctx()
	defer cancel()
	entries, err := c.client.Shadow(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("shadow table empty")
		return nil
	}
	fmt.Printf("%-12s %10s\n", "Key", "Hits")
	for _, e := range entries {
		fmt.Printf("%-12d %10d\n", e.Key, e.Hits)
	}
	return nil
}

func (c *ctl) handleFIB(args []string) error {
	if len(args) == 0 {
		return c.showFIB()
	}
	switch args[0] {
	case "set":
		if len(args) < 3 {
			return fmt.Errorf("usage: fib set <iif> <oif> [dst-mac] [src-mac]")
		}
		iif, err := parseUint(args[1])
		if err != nil {
			return err
		}
		oif, err := parseUint(args[2])
		if err != nil {
			return err
		}
		e := grpcapi.ForwardingEntry{IIF: iif, Ifindex: oif}
		if len(args) > 3 {
			e.HDest = args[3]
		}
		if len(args) > 4 {
			e.HSource = args[4]
		}
		ctx, cancel := c.ctx()
		defer cancel()
		got, err := c.client.SetForwarding(ctx, e)
		if err != nil {
			return err
		}
		fmt.Printf("iif %d -> oif %d dst %s src %s\n", got.IIF, got.Ifindex, got.HDest, got.HSource)
		return nil

	case "delete":
		if len(args) < 2 {
			return fmt.Errorf("usage: fib delete <iif>")
		}
		iif, err := parseUint(args[1])
		if err != nil {
			return err
		}
		ctx, cancel := c.ctx()
		defer cancel()
		if err := c.client.DeleteForwarding(ctx, iif); err != nil {
			return err
		}
		fmt.Printf("iif %d cleared\n", iif)
		return nil

	default:
		return fmt.Errorf("fib: unknown subcommand %q", args[0])
	}
}

func (c *ctl) showFIB() error {
	ctx, cancel := c.ctx()
	defer cancel()
	entries, err := c.client.Forwarding(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("forwarding table empty")
		return nil
	}
	fmt.Printf("%-5s %-7s %-19s %-19s\n", "IIF", "OIF", "Destination MAC", "Source MAC")
	for _, e := range entries {
		fmt.Printf("%-5d %-7d %-19s %-19s\n", e.IIF, e.Ifindex, e.HDest, e.HSource)
	}
	return nil
}

func (c *ctl) showEvents(args []string) error {
	q := grpcapi.EventQuery{Limit: 20}
	for _, a := range args {
		if n, err := strconv.Atoi(a); err == nil {
			q.Limit = n
			continue
		}
		q.Hook = a
	}
	ctx, cancel := c.ctx()
	defer cancel()
	events, err := c.client.Events(ctx, q)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("no events")
		return nil
	}
	for _, ev := range events {
		fmt.Printf("%6d %s %-12s %-12s if=%d", ev.Seq, ev.Time.Format("15:04:05.000"), ev.Hook, ev.Type, ev.Ifindex)
		if ev.OutIf != 0 {
			fmt.Printf(" out=%d", ev.OutIf)
		}
		if ev.Key != 0 {
			fmt.Printf(" key=%d counter=%d a=%d b=%d", ev.Key, ev.Counter, ev.A, ev.B)
		}
		if ev.Detail != "" {
			fmt.Printf(" %s", ev.Detail)
		}
		fmt.Println()
	}
	return nil
}
