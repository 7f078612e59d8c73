package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/jonboulle/clockwork"
)

// RegistryOption represents the options for the session registry.
type RegistryOption func(*SessionRegistry)

// SessionRegistry owns the mapping from session identifier to live session for the streamable
// HTTP transport. The mapping is bounded: when full, the least recently used session is closed
// to make room, and sessions idle for longer than the configured TTL are closed by Sweep.
//
// SessionRegistry is safe for concurrent use. It must be created with NewSessionRegistry.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions *simplelru.LRU[string, *session]
	// evictReason is read by the eviction callback, which runs with mu held.
	evictReason string

	capacity      int
	idleTTL       time.Duration
	sweepInterval time.Duration
	newID         func() string

	clock   clockwork.Clock
	metrics *Metrics
	logger  *slog.Logger
}

var (
	defaultRegistryCapacity      = 1000
	defaultRegistryIdleTTL       = 30 * time.Minute
	defaultRegistrySweepInterval = time.Minute
)

// NewSessionRegistry creates a registry. Zero-valued options fall back to a capacity of 1000
// sessions, a 30 minute idle TTL and a one minute sweep interval.
func NewSessionRegistry(options ...RegistryOption) (*SessionRegistry, error) {
	r := &SessionRegistry{
		newID:  func() string { return uuid.New().String() },
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}
	if r.capacity == 0 {
		r.capacity = defaultRegistryCapacity
	}
	if r.idleTTL == 0 {
		r.idleTTL = defaultRegistryIdleTTL
	}
	if r.sweepInterval == 0 {
		r.sweepInterval = defaultRegistrySweepInterval
	}

	sessions, err := simplelru.NewLRU[string, *session](r.capacity, r.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create session cache: %w", err)
	}
	r.sessions = sessions

	return r, nil
}

// WithRegistryCapacity sets the maximum number of concurrently open sessions.
func WithRegistryCapacity(capacity int) RegistryOption {
	return func(r *SessionRegistry) {
		r.capacity = capacity
	}
}

// WithRegistryIdleTTL sets how long a session may go unused before it is closed.
func WithRegistryIdleTTL(ttl time.Duration) RegistryOption {
	return func(r *SessionRegistry) {
		r.idleTTL = ttl
	}
}

// WithRegistrySweepInterval sets how often Run sweeps idle sessions.
func WithRegistrySweepInterval(interval time.Duration) RegistryOption {
	return func(r *SessionRegistry) {
		r.sweepInterval = interval
	}
}

// WithRegistryClock replaces the clock used for idle tracking.
func WithRegistryClock(clock clockwork.Clock) RegistryOption {
	return func(r *SessionRegistry) {
		r.clock = clock
	}
}

// WithRegistryIDGenerator replaces the session identifier generator.
func WithRegistryIDGenerator(newID func() string) RegistryOption {
	return func(r *SessionRegistry) {
		r.newID = newID
	}
}

// WithRegistryMetrics sets the collectors updated on session open and close.
func WithRegistryMetrics(metrics *Metrics) RegistryOption {
	return func(r *SessionRegistry) {
		r.metrics = metrics
	}
}

// WithRegistryLogger sets the logger for the registry.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *SessionRegistry) {
		r.logger = logger.With(
			slog.String("package", "daycontext-mcp"),
			slog.String("component", "registry"),
		)
	}
}

// resolve finds the session a frame belongs to, creating one for an initialize frame that
// carries no identifier. The boolean reports whether the session was created by this call.
func (r *SessionRegistry) resolve(sessionID string, f Frame, build func(id string) *session) (*session, bool, error) {
	if sessionID != "" {
		sess, err := r.lookup(sessionID)
		return sess, false, err
	}
	if f.Method != methodInitialize {
		return nil, false, ErrNoSession
	}
	return r.create(build), true, nil
}

func (r *SessionRegistry) create(build func(id string) *session) *session {
	id := r.newID()
	sess := build(id)

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	sess.createdAt = now
	sess.lastUsed = now

	if r.sessions.Contains(id) {
		// Last registration wins. The displaced session is closed, never merged.
		r.removeLocked(id, closeReasonReplaced)
	}

	r.evictReason = closeReasonEvicted
	r.sessions.Add(id, sess)
	r.metrics.sessionOpened()
	r.logger.Debug("session created", slog.String("sessionID", id), slog.Int("sessions", r.sessions.Len()))

	return sess
}

func (r *SessionRegistry) lookup(id string) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions.Get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}

	now := r.clock.Now()
	if now.Sub(sess.lastUsed) > r.idleTTL {
		r.removeLocked(id, closeReasonIdle)
		return nil, ErrSessionNotFound
	}
	if sess.isClosed() {
		r.removeLocked(id, closeReasonClient)
		return nil, ErrSessionNotFound
	}
	sess.lastUsed = now

	return sess, nil
}

// touch records use of a session, as a lookup does.
func (r *SessionRegistry) touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, ok := r.sessions.Get(id); ok {
		sess.lastUsed = r.clock.Now()
	}
}

// Close releases the session and removes it from the registry. Closing an unknown or already
// closed session is a no-op.
func (r *SessionRegistry) Close(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.sessions.Contains(id) {
		return
	}
	r.removeLocked(id, closeReasonClient)
}

// Sweep closes every session idle for longer than the TTL and reports how many were closed.
func (r *SessionRegistry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	removed := 0
	// Keys are ordered oldest first, but lastUsed can also be bumped by touch, so every
	// session is checked.
	for _, id := range r.sessions.Keys() {
		sess, ok := r.sessions.Peek(id)
		if !ok {
			continue
		}
		if now.Sub(sess.lastUsed) > r.idleTTL {
			r.removeLocked(id, closeReasonIdle)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Info("swept idle sessions", slog.Int("removed", removed), slog.Int("sessions", r.sessions.Len()))
	}
	return removed
}

// Run sweeps idle sessions periodically until ctx is done.
func (r *SessionRegistry) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			r.Sweep()
		}
	}
}

// Len returns the number of registered sessions.
func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.sessions.Len()
}

// Shutdown closes every session.
func (r *SessionRegistry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.evictReason = closeReasonShutdown
	r.sessions.Purge()
}

// removeLocked closes a session and drops it from the map. r.mu must be held.
func (r *SessionRegistry) removeLocked(id string, reason string) {
	r.evictReason = reason
	r.sessions.Remove(id)
}

// onEvict runs inside simplelru with r.mu held, for explicit removals, purges and capacity
// evictions alike.
func (r *SessionRegistry) onEvict(id string, sess *session) {
	sess.close()
	r.metrics.sessionClosed(r.evictReason)
	r.logger.Debug("session closed", slog.String("sessionID", id), slog.String("reason", r.evictReason))
}
