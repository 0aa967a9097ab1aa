package hooks

import (
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/psaab/snfpath/pkg/logging"
	"github.com/psaab/snfpath/pkg/packet"
	"github.com/psaab/snfpath/pkg/statetable"
)

// State keys.
const (
	KeyProtoUndef uint32 = 0
	KeyProtoIP    uint32 = 1
)

const (
	StateMaxEntries  = 256
	ShadowMaxEntries = 1024
	DefaultTimeout   = 5 * time.Second
)

// CountFilterConfig configures a CountFilter. Zero values take defaults.
type CountFilterConfig struct {
	Timeout  time.Duration
	Periodic bool // re-arm after each report
	Clock    statetable.Clock

	Tracer *logging.Tracer
	Events Events
}

// Report is what the reporting timer produced the last time it fired.
type Report struct {
	Key     uint32        `json:"key"`
	Counter uint64        `json:"counter"`
	A       uint64        `json:"a"`
	B       uint64        `json:"b"`
	Clock   time.Duration `json:"clock_ns"`
	Time    time.Time     `json:"time"`
}

// CountFilter counts IPv4 packets in a shared state element, keeps the
// element's reporting timer armed and mirrors every count into the shadow
// table.
type CountFilter struct {
	cfg    CountFilterConfig
	states *statetable.States
	shadow *statetable.Shadow

	reports    atomic.Uint64
	lastReport atomic.Pointer[Report]
	counters
}

// NewCountFilter creates the filter and its tables.
func NewCountFilter(cfg CountFilterConfig) *CountFilter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Clock == 0 {
		cfg.Clock = statetable.ClockBoottime
	}
	f := &CountFilter{
		cfg:    cfg,
		shadow: statetable.NewShadow(ShadowMaxEntries),
	}
	f.states = statetable.NewStates(StateMaxEntries, cfg.Clock, f.onTimer)
	return f
}

func (f *CountFilter) Name() string { return "count-filter" }

func (f *CountFilter) Run(p Packet) Verdict {
	if p.Protocol != packet.EthPIPv4 {
		return f.record(verdictPass)
	}
	c := packet.NewCursor(p.Data)
	if _, _, err := c.Ethernet(); err != nil {
		f.counters.malformed.Add(1)
		return f.record(verdictPass)
	}
	if _, _, err := c.IPv4(); err != nil {
		f.counters.malformed.Add(1)
		return f.record(verdictPass)
	}

	e, err := f.states.GetOrCreate(KeyProtoIP)
	if err != nil {
		f.counters.errors.Add(1)
		slog.Debug("count-filter: state create failed", "ifindex", p.Ifindex, "err", err)
		emit(f.cfg.Events, logging.EventRecord{
			Hook:    f.Name(),
			Type:    logging.EventCreateFail,
			Ifindex: p.Ifindex,
			Key:     KeyProtoIP,
			Detail:  err.Error(),
		})
		return f.record(verdictDrop)
	}

	n := e.Inc()

	if err := e.Timer().Start(f.cfg.Timeout); err != nil && !errors.Is(err, statetable.ErrTimerNotInit) {
		f.counters.errors.Add(1)
		slog.Debug("count-filter: timer start failed", "ifindex", p.Ifindex, "err", err)
		emit(f.cfg.Events, logging.EventRecord{
			Hook:    f.Name(),
			Type:    logging.EventTimerFail,
			Ifindex: p.Ifindex,
			Key:     KeyProtoIP,
			Counter: n,
			Detail:  err.Error(),
		})
		return f.record(verdictDrop)
	}

	pair := e.Update()
	f.cfg.Tracer.Trace("count-filter: pair updated", "counter", n, "a", pair.A, "b", pair.B)

	if err := f.shadow.Hit(n); err != nil {
		f.cfg.Tracer.Trace("count-filter: shadow update failed", "counter", n, "err", err)
	}
	return f.record(verdictPass)
}

func (f *CountFilter) onTimer(key uint32, e *statetable.Element) {
	pair := e.Update()
	r := &Report{
		Key:     key,
		Counter: e.Counter(),
		A:       pair.A,
		B:       pair.B,
		Clock:   e.Timer().LastFire(),
		Time:    time.Now(),
	}
	f.lastReport.Store(r)
	f.reports.Add(1)

	slog.Info("count-filter report", "key", key, "counter", r.Counter, "a", r.A, "b", r.B)
	emit(f.cfg.Events, logging.EventRecord{
		Time:    r.Time,
		Hook:    f.Name(),
		Type:    logging.EventTimer,
		Key:     key,
		Counter: r.Counter,
		A:       r.A,
		B:       r.B,
	})

	if f.cfg.Periodic {
		if err := e.Timer().Start(f.cfg.Timeout); err != nil && !errors.Is(err, statetable.ErrTimerClosed) {
			slog.Warn("count-filter: re-arm failed", "key", key, "err", err)
		}
	}
}

// States returns the state-element table.
func (f *CountFilter) States() *statetable.States { return f.states }

// Shadow returns the shadow hit table.
func (f *CountFilter) Shadow() *statetable.Shadow { return f.shadow }

// LastReport returns the most recent timer report, or nil.
func (f *CountFilter) LastReport() *Report { return f.lastReport.Load() }

// Reports returns how many times a reporting timer has fired.
func (f *CountFilter) Reports() uint64 { return f.reports.Load() }

// Timeout returns the configured timer delay.
func (f *CountFilter) Timeout() time.Duration { return f.cfg.Timeout }

// Stats returns the filter's verdict counters.
func (f *CountFilter) Stats() Stats { return f.snapshot() }

// Close stops every element timer.
func (f *CountFilter) Close() { f.states.Close() }
