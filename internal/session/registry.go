package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/argusvoice/argus/internal/observe"
)

// NewID mints a server-assigned session identifier.
func NewID() string { return uuid.NewString() }

// Registry tracks live coordinators by session ID. It optionally runs a
// janitor that reaps sessions whose clients have gone quiet: a phone that
// dropped off the network without closing the websocket would otherwise pin
// a model session open indefinitely.
type Registry struct {
	metrics *observe.Metrics

	mu       sync.Mutex
	sessions map[string]*Coordinator
}

// NewRegistry creates an empty [Registry]. Metrics may be nil.
func NewRegistry(metrics *observe.Metrics) *Registry {
	return &Registry{
		metrics:  metrics,
		sessions: make(map[string]*Coordinator),
	}
}

// Add registers a coordinator under its ID.
func (r *Registry) Add(c *Coordinator) {
	r.mu.Lock()
	r.sessions[c.ID()] = c
	n := len(r.sessions)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ActiveSessions.Add(context.Background(), 1)
	}
	slog.Info("session registered", "session_id", c.ID(), "active", n)
}

// Remove deregisters the session if present. It does not close the
// coordinator; the owning connection handler does that.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	_, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	n := len(r.sessions)
	r.mu.Unlock()

	if ok {
		if r.metrics != nil {
			r.metrics.ActiveSessions.Add(context.Background(), -1)
		}
		slog.Info("session deregistered", "session_id", id, "active", n)
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// snapshot returns the current coordinators without holding the lock during
// iteration, so reaping can call Close without deadlocking on re-entry.
func (r *Registry) snapshot() []*Coordinator {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Coordinator, 0, len(r.sessions))
	for _, c := range r.sessions {
		out = append(out, c)
	}
	return out
}

// CloseAll closes every live session. Used on server shutdown.
func (r *Registry) CloseAll() {
	for _, c := range r.snapshot() {
		c.NotifyShutdown()
		_ = c.Close()
		r.Remove(c.ID())
	}
}

// RunJanitor reaps sessions idle longer than ttl, checking every interval,
// until ctx is cancelled. A non-positive ttl disables reaping entirely.
func (r *Registry) RunJanitor(ctx context.Context, ttl, interval time.Duration) {
	if ttl <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			for _, c := range r.snapshot() {
				if idle := now.Sub(c.LastActivity()); idle > ttl {
					slog.Info("reaping idle session",
						"session_id", c.ID(), "idle", idle)
					_ = c.Close()
					r.Remove(c.ID())
				}
			}
		}
	}
}
