// Package stats periodically walks the dataplane tables and keeps an
// occupancy snapshot for the introspection surfaces.
package stats

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/psaab/snfpath/pkg/dataplane"
	"github.com/psaab/snfpath/pkg/fib"
)

// Snapshot is the result of one sweep. Values are eventually consistent
// with the live tables.
type Snapshot struct {
	Time        time.Time `json:"time"`
	Boottime    uint64    `json:"boottime_seconds"`
	States      int       `json:"states"`
	Initialized int       `json:"initialized"`
	TimersArmed int       `json:"timers_armed"`
	TornPairs   int       `json:"torn_pairs"`
	MaxCounter  uint64    `json:"max_counter"`
	ShadowSlots int       `json:"shadow_slots"`
	ShadowHits  uint64    `json:"shadow_hits"`
	FIBEntries  int       `json:"fib_entries"`
}

// Sweeper performs periodic table sweeps.
type Sweeper struct {
	dp       dataplane.DataPlane
	interval time.Duration

	last   atomic.Pointer[Snapshot]
	sweeps atomic.Uint64
}

// NewSweeper creates a sweeper over dp.
func NewSweeper(dp dataplane.DataPlane, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Sweeper{dp: dp, interval: interval}
}

// Run sweeps once immediately and then every interval. It blocks until
// ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	slog.Info("table sweeper started", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sweep()
	for {
		select {
		case <-ctx.Done():
			slog.Info("table sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Latest returns the most recent snapshot, or nil before the first sweep.
func (s *Sweeper) Latest() *Snapshot { return s.last.Load() }

// Sweeps returns how many sweeps have completed.
func (s *Sweeper) Sweeps() uint64 { return s.sweeps.Load() }

// Sweep walks every table once and publishes the snapshot.
func (s *Sweeper) Sweep() *Snapshot {
	snap := &Snapshot{Time: time.Now(), Boottime: boottimeSeconds()}

	err := s.dp.IterateStates(func(st dataplane.StateInfo) bool {
		snap.States++
		if st.Initialized {
			snap.Initialized++
		}
		if st.TimerArmed {
			snap.TimersArmed++
		}
		if st.B != st.A<<1 {
			snap.TornPairs++
		}
		if st.Counter > snap.MaxCounter {
			snap.MaxCounter = st.Counter
		}
		return true
	})
	if err != nil {
		slog.Debug("sweep: state iteration failed", "err", err)
	}

	err = s.dp.IterateShadow(func(_, hits uint32) bool {
		snap.ShadowSlots++
		snap.ShadowHits += uint64(hits)
		return true
	})
	if err != nil {
		slog.Debug("sweep: shadow iteration failed", "err", err)
	}

	err = s.dp.IterateForwarding(func(uint32, fib.Entry) bool {
		snap.FIBEntries++
		return true
	})
	if err != nil {
		slog.Debug("sweep: forwarding iteration failed", "err", err)
	}

	if snap.TornPairs > 0 {
		slog.Error("sweep: state pair invariant violated", "elements", snap.TornPairs)
	}

	prev := s.last.Swap(snap)
	s.sweeps.Add(1)
	if prev == nil || prev.States != snap.States || prev.FIBEntries != snap.FIBEntries {
		slog.Info("table sweep",
			"states", snap.States,
			"shadow_slots", snap.ShadowSlots,
			"shadow_hits", snap.ShadowHits,
			"fib_entries", snap.FIBEntries)
	}
	return snap
}

// boottimeSeconds returns CLOCK_BOOTTIME in seconds, the clock the state
// timers are bound to.
func boottimeSeconds() uint64 {
	var ts unix.Timespec
	_ = unix.ClockGettime(unix.CLOCK_BOOTTIME, &ts)
	return uint64(ts.Sec)
}
