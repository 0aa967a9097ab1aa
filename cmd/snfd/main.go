// snfd runs the stateful packet-path hooks.
//
// It loads the userspace dataplane (or attaches to maps pinned by the
// kernel programs), provisions the forwarding table, optionally replays a
// capture through the hook chain and serves the HTTP and gRPC APIs.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/psaab/snfpath/pkg/daemon"
	"github.com/psaab/snfpath/pkg/dataplane"
	"github.com/psaab/snfpath/pkg/hooks"
)

// listFlag collects a repeatable string flag.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func main() {
	var fibRules, apiUsers, apiKeys listFlag

	dpType := flag.String("dataplane", dataplane.TypeUserspace,
		"dataplane backend ("+strings.Join(dataplane.Backends(), ", ")+")")
	pinDir := flag.String("pin-dir", "", "bpffs directory holding the pinned maps (ebpf backend)")
	apiAddr := flag.String("api-addr", "127.0.0.1:8080", "HTTP API listen address (empty to disable)")
	httpsAddr := flag.String("https-addr", "", "HTTPS API listen address")
	useTLS := flag.Bool("tls", false, "serve the API over HTTPS with a self-signed certificate")
	grpcAddr := flag.String("grpc-addr", "127.0.0.1:50051", "gRPC API listen address (empty to disable)")
	replay := flag.String("replay", "", "pcap file to replay through the hook chain")
	replayIfindex := flag.Uint("replay-ifindex", 1, "ingress ifindex reported for replayed frames")
	replayHooks := flag.String("replay-hooks", strings.Join(daemon.DefaultReplayHooks, ","), "hook chain for replayed frames")
	replayWorkers := flag.Int("replay-workers", 0, "replay worker count (0 = one per CPU)")
	replayExit := flag.Bool("replay-exit", false, "exit once the replay finished")
	fibSync := flag.Duration("fib-sync", 0, "re-resolve -fib rules at this interval (0 = once at startup)")
	timer := flag.Duration("timer", hooks.DefaultTimeout, "state element reporting timer")
	periodic := flag.Bool("periodic", false, "re-arm the reporting timer after every fire")
	strictDrop := flag.Bool("strict-drop", false, "drop frames the drop filter cannot parse")
	traceRate := flag.Int("trace-rate", 100, "debug traces per second (0 = unlimited)")
	sweep := flag.Duration("sweep", 10*time.Second, "state table sweep interval")
	events := flag.Int("events", 1000, "event ring buffer size")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Var(&fibRules, "fib", "forwarding rule iif>oif[@gateway] (repeatable)")
	flag.Var(&apiUsers, "api-user", "API basic auth credentials user:password (repeatable)")
	flag.Var(&apiKeys, "api-key", "API key (repeatable)")
	flag.Parse()

	// Set up structured logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))

	users := make(map[string]string, len(apiUsers))
	for _, u := range apiUsers {
		name, pass, ok := strings.Cut(u, ":")
		if !ok || name == "" {
			fmt.Fprintf(os.Stderr, "snfd: -api-user %q: want user:password\n", u)
			os.Exit(2)
		}
		users[name] = pass
	}

	var chain []string
	for _, h := range strings.Split(*replayHooks, ",") {
		if h = strings.TrimSpace(h); h != "" {
			chain = append(chain, h)
		}
	}

	d := daemon.New(daemon.Options{
		Dataplane:     *dpType,
		PinDir:        *pinDir,
		APIAddr:       *apiAddr,
		HTTPSAddr:     *httpsAddr,
		TLS:           *useTLS,
		APIUsers:      users,
		APIKeys:       apiKeys,
		GRPCAddr:      *grpcAddr,
		Replay:        *replay,
		ReplayIfindex: uint32(*replayIfindex),
		ReplayHooks:   chain,
		ReplayWorkers: *replayWorkers,
		ExitOnReplay:  *replayExit,
		FIBRules:      fibRules,
		FIBSync:       *fibSync,
		Timer:         *timer,
		Periodic:      *periodic,
		StrictDrop:    *strictDrop,
		TraceRate:     *traceRate,
		SweepInterval: *sweep,
		EventBuffer:   *events,
	})

	if err := d.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "snfd: %v\n", err)
		os.Exit(1)
	}
}
