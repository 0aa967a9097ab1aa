package hooks

import (
	"github.com/psaab/snfpath/pkg/logging"
	"github.com/psaab/snfpath/pkg/packet"
)

// FailPolicy decides the verdict for a frame the parser cannot read.
type FailPolicy uint8

const (
	FailOpen   FailPolicy = iota // let it through
	FailClosed                   // drop it
)

func (p FailPolicy) String() string {
	if p == FailClosed {
		return "fail-closed"
	}
	return "fail-open"
}

// DropFilter drops IPv6 frames whose next header is Blocked and passes
// everything else.
type DropFilter struct {
	Blocked uint8
	Policy  FailPolicy

	tracer *logging.Tracer
	events Events
	counters
}

// NewDropFilter returns a filter blocking ICMPv6 with the given fail policy.
func NewDropFilter(policy FailPolicy, tracer *logging.Tracer, events Events) *DropFilter {
	return &DropFilter{
		Blocked: packet.ProtoICMPv6,
		Policy:  policy,
		tracer:  tracer,
		events:  events,
	}
}

func (f *DropFilter) Name() string { return "drop-filter" }

func (f *DropFilter) Run(p Packet) Verdict {
	c := packet.NewCursor(p.Data)
	_, proto, err := c.Ethernet()
	if err != nil {
		return f.record(f.unreadable(p, err))
	}
	if proto != packet.EthPIPv6 {
		return f.record(verdictPass)
	}
	_, next, err := c.IPv6()
	if err != nil {
		return f.record(f.unreadable(p, err))
	}
	if next != f.Blocked {
		return f.record(verdictPass)
	}

	f.tracer.Trace("drop-filter: dropping", "ifindex", p.Ifindex, "nexthdr", next)
	emit(f.events, logging.EventRecord{
		Hook:    f.Name(),
		Type:    logging.EventDrop,
		Ifindex: p.Ifindex,
		Detail:  "blocked next header",
	})
	return f.record(verdictDrop)
}

func (f *DropFilter) unreadable(p Packet, err error) Verdict {
	f.counters.malformed.Add(1)
	f.tracer.Trace("drop-filter: unreadable frame", "ifindex", p.Ifindex, "len", len(p.Data), "policy", f.Policy.String(), "err", err)
	if f.Policy == FailClosed {
		return verdictDrop
	}
	return verdictPass
}

// Stats returns the filter's verdict counters.
func (f *DropFilter) Stats() Stats { return f.snapshot() }
