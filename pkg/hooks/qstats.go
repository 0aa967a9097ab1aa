package hooks

import (
	"fmt"
	"sync"

	"github.com/psaab/snfpath/pkg/logging"
)

// NetemHandle is the qdisc handle (31:) whose statistics QueueStats reads.
const NetemHandle uint32 = 0x310000

// QStats are the queue counters of a qdisc.
type QStats struct {
	Qlen    uint32 `json:"qlen"`
	Backlog uint32 `json:"backlog"`
}

// QStatsReader reads qdisc queue counters of an interface.
type QStatsReader interface {
	QueueStats(ifindex, handle uint32) (QStats, error)
}

// QueueStats reads the netem queue counters of the packet's interface and
// reports them. An event is recorded whenever an interface's counters
// differ from the previous read. It never changes the packet's fate.
type QueueStats struct {
	Handle uint32

	reader QStatsReader
	tracer *logging.Tracer
	events Events

	last sync.Map // ifindex -> QStats
	counters
}

// NewQueueStats returns a queue-stats hook reading NetemHandle.
func NewQueueStats(reader QStatsReader, tracer *logging.Tracer, events Events) *QueueStats {
	return &QueueStats{
		Handle: NetemHandle,
		reader: reader,
		tracer: tracer,
		events: events,
	}
}

func (q *QueueStats) Name() string { return "queue-stats" }

func (q *QueueStats) Run(p Packet) Verdict {
	if q.reader == nil {
		return q.record(verdictPass)
	}
	st, err := q.reader.QueueStats(p.Ifindex, q.Handle)
	if err != nil {
		q.counters.errors.Add(1)
		q.tracer.Trace("queue-stats: read failed", "ifindex", p.Ifindex, "handle", q.Handle, "err", err)
		return q.record(verdictPass)
	}
	prev, seen := q.last.Swap(p.Ifindex, st)
	q.tracer.Trace("queue-stats", "ifindex", p.Ifindex, "qlen", st.Qlen, "backlog", st.Backlog)
	if !seen || prev.(QStats) != st {
		emit(q.events, logging.EventRecord{
			Hook:    q.Name(),
			Type:    logging.EventQueueStats,
			Ifindex: p.Ifindex,
			Detail:  fmt.Sprintf("qlen=%d backlog=%d", st.Qlen, st.Backlog),
		})
	}
	return q.record(verdictPass)
}

// Last returns the most recent counters read per interface.
func (q *QueueStats) Last() map[uint32]QStats {
	out := make(map[uint32]QStats)
	q.last.Range(func(k, v any) bool {
		out[k.(uint32)] = v.(QStats)
		return true
	})
	return out
}

// Stats returns the hook's verdict counters.
func (q *QueueStats) Stats() Stats { return q.snapshot() }

// PassThrough passes every packet.
type PassThrough struct {
	counters
}

func (*PassThrough) Name() string { return "pass" }

func (h *PassThrough) Run(Packet) Verdict { return h.record(verdictPass) }

// Stats returns the hook's verdict counters.
func (h *PassThrough) Stats() Stats { return h.snapshot() }
