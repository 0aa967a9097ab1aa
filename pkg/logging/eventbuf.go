package logging

import (
	"strings"
	"sync"
	"time"
)

// Event types recorded by the hooks.
const (
	EventDrop       = "DROP"
	EventRedirect   = "REDIRECT"
	EventRedirectTx = "REDIRECT_TX_FAIL"
	EventCreateFail = "CREATE_FAIL"
	EventTimerFail  = "TIMER_FAIL"
	EventTimer      = "TIMER"
	EventQueueStats = "QSTATS"
)

// EventRecord is a formatted event stored in the event buffer.
type EventRecord struct {
	Seq     uint64
	Time    time.Time
	Hook    string // "drop-filter", "redirect", ...
	Type    string // "DROP", "TIMER", ...
	Ifindex uint32
	OutIf   uint32 // for REDIRECT
	Key     uint32 // state key, for TIMER and CREATE_FAIL
	Counter uint64
	A       uint64
	B       uint64
	Detail  string
}

// EventBuffer is a thread-safe circular buffer for recent events.
type EventBuffer struct {
	mu    sync.RWMutex
	buf   []EventRecord
	size  int
	head  int    // next write position
	count int    // number of events stored
	seq   uint64 // monotonically increasing sequence number

	subMu sync.RWMutex
	subs  map[*Subscription]struct{}
}

// Subscription receives new events from an EventBuffer.
type Subscription struct {
	C  chan EventRecord
	eb *EventBuffer
}

// Close unsubscribes.
func (s *Subscription) Close() {
	s.eb.unsubscribe(s)
}

// NewEventBuffer creates a new event buffer with the given capacity.
func NewEventBuffer(size int) *EventBuffer {
	if size < 1 {
		size = 1
	}
	return &EventBuffer{
		buf:  make([]EventRecord, size),
		size: size,
		subs: make(map[*Subscription]struct{}),
	}
}

// Add appends an event to the buffer, overwriting the oldest if full.
// Subscribers are notified non-blocking. A zero Time is stamped with now.
func (eb *EventBuffer) Add(rec EventRecord) {
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	eb.mu.Lock()
	eb.seq++
	rec.Seq = eb.seq
	eb.buf[eb.head] = rec
	eb.head = (eb.head + 1) % eb.size
	if eb.count < eb.size {
		eb.count++
	}
	eb.mu.Unlock()

	eb.subMu.RLock()
	for sub := range eb.subs {
		select {
		case sub.C <- rec:
		default: // drop if subscriber is slow
		}
	}
	eb.subMu.RUnlock()
}

// Seq returns the sequence number of the newest event.
func (eb *EventBuffer) Seq() uint64 {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return eb.seq
}

// Subscribe returns a Subscription that receives new events.
// Call Close() on the subscription when done.
func (eb *EventBuffer) Subscribe(bufSize int) *Subscription {
	if bufSize < 1 {
		bufSize = 64
	}
	sub := &Subscription{
		C:  make(chan EventRecord, bufSize),
		eb: eb,
	}
	eb.subMu.Lock()
	eb.subs[sub] = struct{}{}
	eb.subMu.Unlock()
	return sub
}

func (eb *EventBuffer) unsubscribe(sub *Subscription) {
	eb.subMu.Lock()
	delete(eb.subs, sub)
	eb.subMu.Unlock()
}

// EventFilter specifies criteria for filtering events.
type EventFilter struct {
	Hook    string // case-insensitive exact match
	Type    string // case-insensitive substring match
	Ifindex uint32 // match ingress or egress; 0 = no filter
}

// IsEmpty returns true if no filter criteria are set.
func (f EventFilter) IsEmpty() bool {
	return f.Hook == "" && f.Type == "" && f.Ifindex == 0
}

// Matches reports whether rec satisfies the filter.
func (f EventFilter) Matches(rec *EventRecord) bool {
	if f.Ifindex != 0 && rec.Ifindex != f.Ifindex && rec.OutIf != f.Ifindex {
		return false
	}
	if f.Hook != "" && !strings.EqualFold(rec.Hook, f.Hook) {
		return false
	}
	if f.Type != "" && !strings.Contains(strings.ToLower(rec.Type), strings.ToLower(f.Type)) {
		return false
	}
	return true
}

// LatestFiltered returns the most recent n events matching the filter, newest first.
func (eb *EventBuffer) LatestFiltered(n int, f EventFilter) []EventRecord {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if n <= 0 {
		return nil
	}

	var result []EventRecord
	for i := 0; i < eb.count && len(result) < n; i++ {
		idx := (eb.head - 1 - i + eb.size) % eb.size
		if f.Matches(&eb.buf[idx]) {
			result = append(result, eb.buf[idx])
		}
	}
	return result
}

// Latest returns the most recent n events, newest first.
func (eb *EventBuffer) Latest(n int) []EventRecord {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if n > eb.count {
		n = eb.count
	}
	if n <= 0 {
		return nil
	}

	result := make([]EventRecord, n)
	for i := 0; i < n; i++ {
		// Walk backwards from the most recent entry
		idx := (eb.head - 1 - i + eb.size) % eb.size
		result[i] = eb.buf[idx]
	}
	return result
}
