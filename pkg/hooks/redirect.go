package hooks

import (
	"log/slog"

	"github.com/psaab/snfpath/pkg/fib"
	"github.com/psaab/snfpath/pkg/logging"
	"github.com/psaab/snfpath/pkg/packet"
)

// FIB is the read side of the forwarding table.
type FIB interface {
	Lookup(iif uint32) (*fib.Entry, bool)
}

// TxPorts checks that an egress interface can take redirected frames.
type TxPorts interface {
	Ready(ifindex uint32) error
}

// RedirectHook rewrites the Ethernet addresses of matching frames from the
// forwarding table and sends them out the table's egress interface.
type RedirectHook struct {
	// Proto is the EtherType that is redirected; others pass.
	Proto uint16

	fib    FIB
	tx     TxPorts
	tracer *logging.Tracer
	events Events
	counters
}

// NewRedirect returns a redirect hook for IPv6 frames. tx may be nil.
func NewRedirect(table FIB, tx TxPorts, tracer *logging.Tracer, events Events) *RedirectHook {
	return &RedirectHook{
		Proto:  packet.EthPIPv6,
		fib:    table,
		tx:     tx,
		tracer: tracer,
		events: events,
	}
}

func (r *RedirectHook) Name() string { return "redirect" }

// Run modifies p.Data in place when it returns a Redirect verdict.
func (r *RedirectHook) Run(p Packet) Verdict {
	c := packet.NewCursor(p.Data)
	eth, proto, err := c.Ethernet()
	if err != nil {
		r.counters.malformed.Add(1)
		return r.record(verdictPass)
	}
	if proto != r.Proto {
		return r.record(verdictPass)
	}

	e, ok := r.fib.Lookup(p.Ifindex)
	if !ok {
		r.tracer.Trace("redirect: no forwarding entry", "ifindex", p.Ifindex)
		return r.record(verdictPass)
	}

	eth.SetDest(e.HDest)
	eth.SetSource(e.HSource)

	v := Verdict{Action: Redirect, Ifindex: e.Ifindex}
	if r.tx != nil {
		if err := r.tx.Ready(e.Ifindex); err != nil {
			// The verdict stands; the caller's transmit path decides.
			r.counters.errors.Add(1)
			slog.Debug("redirect: egress not ready", "iif", p.Ifindex, "oif", e.Ifindex, "err", err)
			emit(r.events, logging.EventRecord{
				Hook:    r.Name(),
				Type:    logging.EventRedirectTx,
				Ifindex: p.Ifindex,
				OutIf:   e.Ifindex,
				Detail:  err.Error(),
			})
			return r.record(v)
		}
	}

	r.tracer.Trace("redirect", "iif", p.Ifindex, "oif", e.Ifindex, "dst", eth.Dest(), "src", eth.Source())
	emit(r.events, logging.EventRecord{
		Hook:    r.Name(),
		Type:    logging.EventRedirect,
		Ifindex: p.Ifindex,
		OutIf:   e.Ifindex,
	})
	return r.record(v)
}

// Stats returns the hook's verdict counters.
func (r *RedirectHook) Stats() Stats { return r.snapshot() }
