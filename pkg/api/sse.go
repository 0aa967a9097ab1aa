package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/psaab/snfpath/pkg/logging"
)

// setSSEHeaders configures the response for Server-Sent Events streaming.
func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// writeSSEEvent writes a single SSE event to the response.
func writeSSEEvent(w http.ResponseWriter, id string, event string, data string) {
	fmt.Fprintf(w, "id: %s\n", id)
	if event != "" {
		fmt.Fprintf(w, "event: %s\n", event)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// eventStreamHandler streams hook events via SSE. It accepts the same
// hook, type and ifindex filters as the events list. The SSE id is the
// event buffer sequence number so a client can spot gaps.
func (s *Server) eventStreamHandler(w http.ResponseWriter, r *http.Request) {
	if s.eventBuf == nil {
		writeError(w, http.StatusServiceUnavailable, "event buffer not available")
		return
	}

	filter := eventFilter(r)

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	sub := s.eventBuf.Subscribe(128)
	defer sub.Close()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-sub.C:
			if !filter.IsEmpty() && !filter.Matches(&rec) {
				continue
			}
			data, err := json.Marshal(eventEntryFromRecord(rec))
			if err != nil {
				continue
			}
			writeSSEEvent(w, strconv.FormatUint(rec.Seq, 10), rec.Type, string(data))
		}
	}
}

func eventEntryFromRecord(rec logging.EventRecord) EventEntry {
	return EventEntry{
		Seq:     rec.Seq,
		Time:    rec.Time.Format(time.RFC3339Nano),
		Hook:    rec.Hook,
		Type:    rec.Type,
		Ifindex: rec.Ifindex,
		OutIf:   rec.OutIf,
		Key:     rec.Key,
		Counter: rec.Counter,
		A:       rec.A,
		B:       rec.B,
		Detail:  rec.Detail,
	}
}
