// Package daemon implements the snfd daemon lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/vishvananda/netlink"

	"github.com/psaab/snfpath/pkg/api"
	"github.com/psaab/snfpath/pkg/dataplane"
	_ "github.com/psaab/snfpath/pkg/dataplane/pinned" // registers the "ebpf" backend
	"github.com/psaab/snfpath/pkg/fib"
	"github.com/psaab/snfpath/pkg/grpcapi"
	"github.com/psaab/snfpath/pkg/hooks"
	"github.com/psaab/snfpath/pkg/logging"
	"github.com/psaab/snfpath/pkg/stats"
)

// DefaultReplayHooks is the hook chain each replayed frame runs through,
// in attach-point order.
var DefaultReplayHooks = []string{
	dataplane.HookDropFilter,
	dataplane.HookRedirect,
	dataplane.HookCountFilter,
	dataplane.HookQueueStats,
}

// Options configures the daemon.
type Options struct {
	Dataplane string // "userspace" (default) or "ebpf"
	PinDir    string

	APIAddr   string // empty disables the HTTP API
	HTTPSAddr string
	TLS       bool
	APIUsers  map[string]string
	APIKeys   []string
	GRPCAddr  string // empty disables gRPC

	Replay        string // pcap file
	ReplayIfindex uint32
	ReplayHooks   []string
	ReplayWorkers int  // default runtime.NumCPU()
	ExitOnReplay  bool // shut down once the replay finished

	FIBRules []string      // "iif>oif[@gateway]"
	FIBSync  time.Duration // 0 = resolve once at startup

	Timer      time.Duration
	Periodic   bool
	StrictDrop bool
	TraceRate  int // debug traces per second, 0 = unlimited

	SweepInterval time.Duration
	EventBuffer   int
}

// Daemon is the main snfd daemon.
type Daemon struct {
	opts     Options
	dp       dataplane.DataPlane
	eventBuf *logging.EventBuffer
	syncer   *fib.Syncer
	sweeper  *stats.Sweeper
}

// New creates a new Daemon.
func New(opts Options) *Daemon {
	if opts.Dataplane == "" {
		opts.Dataplane = dataplane.TypeUserspace
	}
	if opts.Timer <= 0 {
		opts.Timer = hooks.DefaultTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 10 * time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 1000
	}
	if len(opts.ReplayHooks) == 0 {
		opts.ReplayHooks = DefaultReplayHooks
	}
	return &Daemon{
		opts:     opts,
		eventBuf: logging.NewEventBuffer(opts.EventBuffer),
	}
}

// DataPlane returns the dataplane once Run has loaded it.
func (d *Daemon) DataPlane() dataplane.DataPlane { return d.dp }

// Run starts the daemon and blocks until shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("starting snfd",
		"dataplane", d.opts.Dataplane,
		"pid", os.Getpid())

	rules, err := parseRules(d.opts.FIBRules)
	if err != nil {
		return err
	}

	if err := d.loadDataplane(); err != nil {
		return err
	}

	// Handle signals for clean shutdown
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	var wg sync.WaitGroup
	goRun := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	if len(rules) > 0 {
		d.syncer = fib.NewSyncer(d.dp, nil, rules)
		if d.opts.FIBSync > 0 {
			goRun(func() { d.syncer.Run(ctx, d.opts.FIBSync) })
		} else {
			d.syncer.SyncOnce()
		}
	}

	d.sweeper = stats.NewSweeper(d.dp, d.opts.SweepInterval)
	goRun(func() { d.sweeper.Run(ctx) })

	errCh := make(chan error, 3)

	if d.opts.APIAddr != "" {
		srv := api.NewServer(api.Config{
			Addr:      d.opts.APIAddr,
			HTTPSAddr: d.opts.HTTPSAddr,
			TLS:       d.opts.TLS,
			Auth:      d.authConfig(),
			DP:        d.dp,
			EventBuf:  d.eventBuf,
			Sweeper:   d.sweeper,
			Syncer:    d.syncer,
		})
		goRun(func() {
			if err := srv.Run(ctx); err != nil {
				errCh <- fmt.Errorf("HTTP API: %w", err)
			}
		})
	}

	if d.opts.GRPCAddr != "" {
		srv := grpcapi.NewServer(d.opts.GRPCAddr, grpcapi.Config{DP: d.dp, EventBuf: d.eventBuf})
		goRun(func() {
			if err := srv.Run(ctx); err != nil {
				errCh <- fmt.Errorf("gRPC: %w", err)
			}
		})
	}

	var replayDone <-chan struct{}
	if d.opts.Replay != "" {
		done := make(chan struct{})
		if d.opts.ExitOnReplay {
			replayDone = done
		}
		goRun(func() {
			defer close(done)
			res, err := d.replayFile(ctx, d.opts.Replay)
			if err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("replay: %w", err)
				return
			}
			res.log()
		})
	}

	var runErr error
	select {
	case runErr = <-errCh:
	case <-replayDone:
		slog.Info("replay finished, shutting down")
	case <-ctx.Done():
		slog.Info("signal received, shutting down")
	}

	// Cancel context to stop background goroutines, then wait for them.
	stop()
	wg.Wait()

	logFinalStats(d.dp)
	if err := d.dp.Close(); err != nil {
		slog.Warn("closing dataplane", "err", err)
	}

	slog.Info("shutdown complete")
	return runErr
}

// loadDataplane builds and loads the configured backend. The netlink
// collaborators are optional: without a handle queue stats are not read and
// redirect egress is not checked.
func (d *Daemon) loadDataplane() error {
	dpOpts := dataplane.Options{
		PinDir:     d.opts.PinDir,
		StrictDrop: d.opts.StrictDrop,
		Timeout:    d.opts.Timer,
		Periodic:   d.opts.Periodic,
		Tracer:     logging.NewTracer(slog.Default(), d.opts.TraceRate),
		Events:     d.eventBuf,
	}

	if h, err := netlink.NewHandle(); err != nil {
		slog.Warn("netlink unavailable, queue stats and egress checks disabled", "err", err)
	} else {
		if qs, err := dataplane.NewNetlinkQStats(h); err == nil {
			dpOpts.QStats = qs
		}
		if tx, err := dataplane.NewNetlinkTxPorts(h); err == nil {
			dpOpts.TxPorts = tx
		}
	}

	dp, err := dataplane.NewDataPlane(d.opts.Dataplane, dpOpts)
	if err != nil {
		return err
	}
	if err := dp.Load(); err != nil {
		return fmt.Errorf("load %s dataplane: %w", dp.Type(), err)
	}
	d.dp = dp
	return nil
}

func (d *Daemon) authConfig() *api.AuthConfig {
	if len(d.opts.APIUsers) == 0 && len(d.opts.APIKeys) == 0 {
		return nil
	}
	cfg := &api.AuthConfig{Users: d.opts.APIUsers, APIKeys: make(map[string]bool)}
	for _, k := range d.opts.APIKeys {
		cfg.APIKeys[k] = true
	}
	return cfg
}

func parseRules(specs []string) ([]fib.Rule, error) {
	rules := make([]fib.Rule, 0, len(specs))
	for _, s := range specs {
		r, err := fib.ParseRule(s)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// logFinalStats logs per-hook verdict counters before shutdown.
func logFinalStats(dp dataplane.DataPlane) {
	if !dp.IsLoaded() {
		return
	}
	for _, name := range dp.Hooks() {
		st := dp.HookStats()[name]
		if st.Runs == 0 {
			continue
		}
		slog.Info("final statistics",
			"hook", name,
			"runs", st.Runs,
			"passed", st.Passed,
			"dropped", st.Dropped,
			"redirected", st.Redirects,
			"malformed", st.Malformed,
			"errors", st.Errors)
	}
	if rep := dp.LastReport(); rep != nil {
		slog.Info("last timer report", "key", rep.Key, "counter", rep.Counter, "a", rep.A, "b", rep.B)
	}
}
