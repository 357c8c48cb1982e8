package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"scriberr/pkg/logger"
)

// RedisMirror republishes every broadcast event to a Redis channel/key so
// multiple API instances behind a load balancer can all serve
// GET /processing_status and the SSE endpoint for a session regardless of
// which instance's Orchestrator produced the update. Optional: only
// constructed when config.ProgressBackend == "redis".
type RedisMirror struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisMirror dials addr and returns a mirror ready to attach to a
// Broadcaster with Broadcaster.WithRedisMirror.
func NewRedisMirror(addr string) *RedisMirror {
	return &RedisMirror{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    24 * time.Hour,
	}
}

// Publish stores ev as the session's latest snapshot under the key
// dub:progress:<sessionID> (expiring after the mirror's TTL) and publishes
// it on the Redis channel of the same name. Failures are logged, not
// returned.
func (m *RedisMirror) Publish(ctx context.Context, sessionID string, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Warn("progress: failed to marshal event for redis mirror", "session_id", sessionID, "error", err)
		return
	}
	key := fmt.Sprintf("dub:progress:%s", sessionID)
	if err := m.client.Set(ctx, key, data, m.ttl).Err(); err != nil {
		logger.Warn("progress: redis mirror set failed", "session_id", sessionID, "error", err)
	}
	if err := m.client.Publish(ctx, key, data).Err(); err != nil {
		logger.Warn("progress: redis mirror publish failed", "session_id", sessionID, "error", err)
	}
}

// Snapshot reads the last mirrored event for sessionID from Redis,
// letting any instance answer GET /processing_status even for sessions
// whose pipeline ran on a different instance.
func (m *RedisMirror) Snapshot(ctx context.Context, sessionID string) (Event, bool) {
	key := fmt.Sprintf("dub:progress:%s", sessionID)
	data, err := m.client.Get(ctx, key).Bytes()
	if err != nil {
		return Event{}, false
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, false
	}
	return ev, true
}

// Close releases the underlying Redis connection.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
