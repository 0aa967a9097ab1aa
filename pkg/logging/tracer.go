package logging

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Tracer prints per-packet diagnostics at debug level. Output is throttled
// by a token bucket so a busy hook cannot flood the log; suppressed lines
// are counted.
type Tracer struct {
	logger     *slog.Logger
	limiter    *rate.Limiter
	suppressed atomic.Uint64
}

// NewTracer creates a tracer allowing perSecond lines per second with a
// burst of the same size. perSecond <= 0 disables the limit. A nil logger
// uses slog.Default().
func NewTracer(logger *slog.Logger, perSecond int) *Tracer {
	if logger == nil {
		logger = slog.Default()
	}
	lim := rate.NewLimiter(rate.Inf, 0)
	if perSecond > 0 {
		lim = rate.NewLimiter(rate.Limit(perSecond), perSecond)
	}
	return &Tracer{logger: logger, limiter: lim}
}

// Enabled reports whether trace lines would be printed at all.
func (t *Tracer) Enabled() bool {
	return t != nil && t.logger.Enabled(context.Background(), slog.LevelDebug)
}

// Trace prints msg with attrs when debug logging is on and the rate limit
// allows it.
func (t *Tracer) Trace(msg string, args ...any) {
	if !t.Enabled() {
		return
	}
	if !t.limiter.Allow() {
		t.suppressed.Add(1)
		return
	}
	t.logger.Debug(msg, args...)
}

// Suppressed returns how many lines the rate limit has dropped.
func (t *Tracer) Suppressed() uint64 {
	if t == nil {
		return 0
	}
	return t.suppressed.Load()
}
