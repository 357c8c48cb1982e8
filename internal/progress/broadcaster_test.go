package progress

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestBroadcasterDeliversEventsAndSnapshot(t *testing.T) {
	b := NewBroadcaster()

	req := httptest.NewRequest("GET", "/events?session_id=session_abc1234567", nil)
	w := httptest.NewRecorder()

	go b.ServeHTTP(w, req)
	time.Sleep(50 * time.Millisecond)

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %s", ct)
	}

	payload := map[string]any{"stage": "diarized", "progress": 35}
	b.Broadcast("session_abc1234567", "progress", payload)
	time.Sleep(50 * time.Millisecond)

	body := w.Body.String()
	if !strings.Contains(body, `"session_id":"session_abc1234567"`) {
		t.Fatalf("expected connected message in body, got: %s", body)
	}
	expected, _ := json.Marshal(Event{Type: "progress", Payload: payload})
	if !strings.Contains(body, string(expected)) {
		t.Fatalf("expected broadcast message %s in body: %s", expected, body)
	}

	snap, ok := b.Snapshot("session_abc1234567")
	if !ok {
		t.Fatal("expected a snapshot to be recorded after broadcast")
	}
	if snap.Type != "progress" {
		t.Fatalf("expected snapshot type 'progress', got %s", snap.Type)
	}
}

func TestSnapshotAbsentByDefault(t *testing.T) {
	b := NewBroadcaster()
	if _, ok := b.Snapshot("session_nonexistent1"); ok {
		t.Fatal("expected no snapshot for a session with no broadcasts")
	}
}

func TestSlowSubscriberDoesNotBlockBroadcast(t *testing.T) {
	b := NewBroadcaster()
	ch := make(chan Event)
	sub := Subscription{SessionID: "session_slowclient01", Channel: ch}
	b.register <- sub

	done := make(chan struct{})
	go func() {
		b.Broadcast("session_slowclient01", "progress", map[string]any{"stage": "ingesting"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked on a slow, non-consuming subscriber")
	}

	b.unregister <- sub
}
