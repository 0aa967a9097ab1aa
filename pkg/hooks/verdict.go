// Package hooks implements the per-packet decision logic run at the
// interception points: ingress protocol filtering, L2 rewrite-and-redirect,
// per-flow counting with a reporting timer, and queue statistics.
//
// Every hook is safe to run from many goroutines at once, never blocks and
// never returns an error across the hook boundary: failures resolve into a
// Verdict according to the hook's fail policy.
package hooks

import (
	"fmt"
	"sync/atomic"

	"github.com/psaab/snfpath/pkg/logging"
)

// Action is the outcome of a hook.
type Action uint8

const (
	Pass Action = iota
	Drop
	Redirect
)

func (a Action) String() string {
	switch a {
	case Pass:
		return "pass"
	case Drop:
		return "drop"
	case Redirect:
		return "redirect"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

// Verdict is returned by every hook. Ifindex is the egress interface when
// Action is Redirect.
type Verdict struct {
	Action  Action
	Ifindex uint32
}

func (v Verdict) String() string {
	if v.Action == Redirect {
		return fmt.Sprintf("redirect(%d)", v.Ifindex)
	}
	return v.Action.String()
}

var (
	verdictPass = Verdict{Action: Pass}
	verdictDrop = Verdict{Action: Drop}
)

// Packet is the context handed to a hook. Protocol is the declared
// link-layer protocol in host byte order, as the attach point reports it;
// hooks that need it do not trust the frame alone.
type Packet struct {
	Data     []byte
	Ifindex  uint32
	Protocol uint16
}

// Hook is a packet interception point.
type Hook interface {
	Name() string
	Run(Packet) Verdict
}

// Events receives hook events. *logging.EventBuffer implements it.
type Events interface {
	Add(rec logging.EventRecord)
}

// Stats is a snapshot of a hook's verdict counters.
type Stats struct {
	Runs      uint64 `json:"runs"`
	Passed    uint64 `json:"passed"`
	Dropped   uint64 `json:"dropped"`
	Redirects uint64 `json:"redirected"`
	Malformed uint64 `json:"malformed"`
	Errors    uint64 `json:"errors"`
}

type counters struct {
	runs      atomic.Uint64
	passed    atomic.Uint64
	dropped   atomic.Uint64
	redirects atomic.Uint64
	malformed atomic.Uint64
	errors    atomic.Uint64
}

func (c *counters) record(v Verdict) Verdict {
	c.runs.Add(1)
	switch v.Action {
	case Pass:
		c.passed.Add(1)
	case Drop:
		c.dropped.Add(1)
	case Redirect:
		c.redirects.Add(1)
	}
	return v
}

func (c *counters) snapshot() Stats {
	return Stats{
		Runs:      c.runs.Load(),
		Passed:    c.passed.Load(),
		Dropped:   c.dropped.Load(),
		Redirects: c.redirects.Load(),
		Malformed: c.malformed.Load(),
		Errors:    c.errors.Load(),
	}
}

func emit(ev Events, rec logging.EventRecord) {
	if ev != nil {
		ev.Add(rec)
	}
}
