package mcp

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type sessionState int

const (
	sessionOpen sessionState = iota
	sessionReady
	sessionClosed
)

// session is the per-client transport state: the tool server bound to the client, the
// negotiated protocol version, and the open/closed lifecycle.
//
// Frames on a stateful session are handled one at a time. The stateless session shared by the
// JSON-RPC and raw endpoints handles frames concurrently and may be initialized repeatedly.
type session struct {
	id        string
	tools     ToolServer
	stateless bool
	logger    *slog.Logger

	// frameLock serializes frame handling.
	frameLock sync.Mutex

	mu              sync.Mutex
	state           sessionState
	initialized     bool
	protocolVersion string
	clientInfo      Info
	streaming       bool

	// createdAt and lastUsed are owned by the registry and guarded by its lock.
	createdAt time.Time
	lastUsed  time.Time

	done      chan struct{}
	closeOnce sync.Once
}

func newSession(id string, tools ToolServer, stateless bool, logger *slog.Logger) *session {
	return &session{
		id:        id,
		tools:     tools,
		stateless: stateless,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// handle runs one frame through the server's dispatch table. It fails with ErrSessionNotFound
// once the session is closed, including when the close raced with the lookup.
func (s *session) handle(ctx context.Context, srv Server, f Frame) (*JSONRPCMessage, error) {
	if !s.stateless {
		s.frameLock.Lock()
		defer s.frameLock.Unlock()
	}
	if s.isClosed() {
		return nil, ErrSessionNotFound
	}
	return srv.handle(ctx, s, f), nil
}

// call is handle without the JSON-RPC envelope, for surfaces that shape their own responses.
func (s *session) call(ctx context.Context, srv Server, f Frame) (any, error) {
	if !s.stateless {
		s.frameLock.Lock()
		defer s.frameLock.Unlock()
	}
	if s.isClosed() {
		return nil, ErrSessionNotFound
	}
	result, err := srv.dispatch(ctx, s, f)
	srv.metrics.observeFrame(f, err)
	return result, err
}

func (s *session) initialize(protocolVersion string, clientInfo Info) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized && !s.stateless {
		return ErrAlreadyInitialized
	}
	s.initialized = true
	s.protocolVersion = protocolVersion
	s.clientInfo = clientInfo
	return nil
}

func (s *session) markReady() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == sessionOpen {
		s.state = sessionReady
	}
}

// attachStream claims the session's single server-to-client stream.
func (s *session) attachStream() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.streaming || s.state == sessionClosed {
		return false
	}
	s.streaming = true
	return true
}

func (s *session) detachStream() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.streaming = false
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state == sessionClosed
}

// close releases the session. It is safe to call more than once.
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = sessionClosed
		s.mu.Unlock()

		close(s.done)
	})
}
