// Package progress is the status-broadcasting side of the Pipeline
// Orchestrator (spec §4.12/§6): an in-process pub/sub broadcaster backing
// GET /processing_status/<session_id>, plus a small in-memory snapshot
// cache so a client that connects after a stage already finished still
// gets its last known state. Grounded verbatim on internal/sse/
// broadcaster.go (register/unregister/broadcast channels, slow-client
// skip, keep-alive heartbeat), generalized from per-transcription-job ids
// to per-session ids and given a status snapshot the teacher's broadcaster
// didn't keep.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"scriberr/pkg/logger"
)

// Event is a single status update delivered to subscribers of a session.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Subscription represents a client's subscription to one session's events.
type Subscription struct {
	SessionID string
	Channel   chan Event
}

type message struct {
	SessionID string
	Event     Event
}

// Broadcaster fans out per-session progress events to SSE subscribers and
// keeps the latest snapshot for polling callers (GET /processing_status).
type Broadcaster struct {
	subscribers map[string]map[chan Event]bool
	register    chan Subscription
	unregister  chan Subscription
	broadcast   chan message
	shutdown    chan struct{}
	mutex       sync.RWMutex

	snapMu    sync.RWMutex
	snapshots map[string]Event

	mirror *RedisMirror
}

// NewBroadcaster starts a Broadcaster's dispatch loop.
func NewBroadcaster() *Broadcaster {
	b := &Broadcaster{
		subscribers: make(map[string]map[chan Event]bool),
		register:    make(chan Subscription),
		unregister:  make(chan Subscription),
		broadcast:   make(chan message),
		shutdown:    make(chan struct{}),
		snapshots:   make(map[string]Event),
	}
	go b.listen()
	return b
}

// WithRedisMirror attaches a RedisMirror so every broadcast is also
// republished for other API instances to observe (spec §5: "Session-level
// processing can run in parallel across sessions"; this extends that
// across process instances). Returns the receiver for chaining.
func (b *Broadcaster) WithRedisMirror(m *RedisMirror) *Broadcaster {
	b.mirror = m
	return b
}

func (b *Broadcaster) listen() {
	for {
		select {
		case sub := <-b.register:
			b.mutex.Lock()
			if b.subscribers[sub.SessionID] == nil {
				b.subscribers[sub.SessionID] = make(map[chan Event]bool)
			}
			b.subscribers[sub.SessionID][sub.Channel] = true
			b.mutex.Unlock()
			logger.Debug("New progress subscriber", "session_id", sub.SessionID)

		case sub := <-b.unregister:
			b.mutex.Lock()
			if clients, ok := b.subscribers[sub.SessionID]; ok {
				delete(clients, sub.Channel)
				close(sub.Channel)
				if len(clients) == 0 {
					delete(b.subscribers, sub.SessionID)
				}
			}
			b.mutex.Unlock()

		case msg := <-b.broadcast:
			b.snapMu.Lock()
			b.snapshots[msg.SessionID] = msg.Event
			b.snapMu.Unlock()

			if b.mirror != nil {
				b.mirror.Publish(context.Background(), msg.SessionID, msg.Event)
			}

			b.mutex.RLock()
			if clients, ok := b.subscribers[msg.SessionID]; ok {
				for ch := range clients {
					select {
					case ch <- msg.Event:
					default:
						logger.Warn("Skipping slow progress subscriber", "session_id", msg.SessionID)
					}
				}
			}
			b.mutex.RUnlock()

		case <-b.shutdown:
			b.mutex.Lock()
			for _, clients := range b.subscribers {
				for ch := range clients {
					close(ch)
				}
			}
			b.subscribers = nil
			b.mutex.Unlock()
			return
		}
	}
}

// Shutdown stops the broadcaster and closes every subscriber channel.
func (b *Broadcaster) Shutdown() { close(b.shutdown) }

// Broadcast sends an event to a session's subscribers and records it as
// the session's latest known snapshot.
func (b *Broadcaster) Broadcast(sessionID, eventType string, payload any) {
	b.broadcast <- message{SessionID: sessionID, Event: Event{Type: eventType, Payload: payload}}
}

// Snapshot returns the last event broadcast for sessionID, for
// GET /processing_status's polling callers (spec §6).
func (b *Broadcaster) Snapshot(sessionID string) (Event, bool) {
	b.snapMu.RLock()
	ev, ok := b.snapshots[sessionID]
	b.snapMu.RUnlock()
	if ok {
		return ev, true
	}
	if b.mirror != nil {
		return b.mirror.Snapshot(context.Background(), sessionID)
	}
	return Event{}, false
}

// ServeHTTP streams a session's progress as Server-Sent Events.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch := make(chan Event)
	sub := Subscription{SessionID: sessionID, Channel: ch}
	b.register <- sub
	defer func() {
		select {
		case b.unregister <- sub:
		case <-b.shutdown:
		}
	}()

	fmt.Fprintf(w, "data: {\"type\":\"connected\",\"session_id\":\"%s\"}\n\n", sessionID)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				logger.Error("Failed to marshal progress event", "error", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-time.After(30 * time.Second):
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
