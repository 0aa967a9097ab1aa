package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/psaab/snfpath/pkg/logging"
)

func TestSetSSEHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	setSSEHeaders(w)

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q, want no-cache", cc)
	}
	if cn := w.Header().Get("Connection"); cn != "keep-alive" {
		t.Errorf("Connection = %q, want keep-alive", cn)
	}
}

func TestWriteSSEEvent(t *testing.T) {
	w := httptest.NewRecorder()
	writeSSEEvent(w, "42", "TIMER", `{"key":1}`)

	body := w.Body.String()
	if !strings.Contains(body, "id: 42\n") {
		t.Errorf("missing id line in %q", body)
	}
	if !strings.Contains(body, "event: TIMER\n") {
		t.Errorf("missing event line in %q", body)
	}
	if !strings.Contains(body, "data: {\"key\":1}\n") {
		t.Errorf("missing data line in %q", body)
	}
	if !strings.HasSuffix(body, "\n\n") {
		t.Errorf("SSE event should end with double newline")
	}
}

func TestWriteSSEEventNoEventType(t *testing.T) {
	w := httptest.NewRecorder()
	writeSSEEvent(w, "1", "", "hello")

	body := w.Body.String()
	if strings.Contains(body, "event:") {
		t.Errorf("should not have event line when empty, got %q", body)
	}
	if !strings.Contains(body, "data: hello\n") {
		t.Errorf("missing data line")
	}
}

// streamEvents runs the stream handler for path, feeds it recs and returns
// the body once the handler has exited.
func streamEvents(t *testing.T, path string, recs ...logging.EventRecord) string {
	t.Helper()
	buf := logging.NewEventBuffer(100)
	s := &Server{eventBuf: buf}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest("GET", path, nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.eventStreamHandler(w, req)
		close(done)
	}()

	// Wait for the subscription.
	time.Sleep(50 * time.Millisecond)
	for _, rec := range recs {
		buf.Add(rec)
	}
	time.Sleep(50 * time.Millisecond)

	cancel()
	<-done

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	return w.Body.String()
}

func TestEventStreamHandler(t *testing.T) {
	body := streamEvents(t, "/api/v1/events/stream", logging.EventRecord{
		Hook:    "count-filter",
		Type:    logging.EventTimer,
		Key:     1,
		Counter: 4,
		A:       1,
		B:       2,
	})

	if !strings.Contains(body, "event: TIMER") {
		t.Errorf("expected TIMER event in response, got %q", body)
	}
	if !strings.Contains(body, "id: 1\n") {
		t.Errorf("expected buffer sequence as id, got %q", body)
	}
	if !strings.Contains(body, `"counter":4`) {
		t.Errorf("expected counter in event data, got %q", body)
	}
}

func TestEventStreamFilter(t *testing.T) {
	body := streamEvents(t, "/api/v1/events/stream?hook=redirect",
		logging.EventRecord{Hook: "drop-filter", Type: logging.EventDrop, Ifindex: 2},
		logging.EventRecord{Hook: "redirect", Type: logging.EventRedirectTx, Ifindex: 2, OutIf: 5},
	)

	if strings.Contains(body, "event: DROP") {
		t.Errorf("filtered event leaked: %q", body)
	}
	if !strings.Contains(body, "event: REDIRECT_TX_FAIL") {
		t.Errorf("expected REDIRECT_TX_FAIL event, got %q", body)
	}
	if !strings.Contains(body, "id: 2\n") {
		t.Errorf("id should be the buffer sequence, got %q", body)
	}
}

func TestEventStreamNoBuffer(t *testing.T) {
	s := &Server{}
	w := httptest.NewRecorder()
	s.eventStreamHandler(w, httptest.NewRequest("GET", "/api/v1/events/stream", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", w.Code)
	}
}
