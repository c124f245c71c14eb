package sessions

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/v4ler11/sovereign-mcp/mcp"
)

var (
	// ErrSessionNotFound indicates the session id maps to no live session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrAlreadyInitialized indicates an initialize attempt on a session whose
	// handshake already started or completed.
	ErrAlreadyInitialized = errors.New("session already initialized")
	// ErrNotInitialized indicates a capability call on a session that has not
	// completed the initialize exchange.
	ErrNotInitialized = errors.New("session not initialized")
	// ErrSubscriptionReplaced ends a subscription that was displaced by a
	// newer subscriber on the same session.
	ErrSubscriptionReplaced = errors.New("subscription replaced")
	// ErrSessionTerminated is the cancellation cause used when a session is
	// deleted or expires with invocations still in flight.
	ErrSessionTerminated = errors.New("session terminated")
)

// State is the lifecycle state of a session.
type State string

const (
	// StateUninitialized is the state of a freshly created session. Only
	// initialize (and ping) are served.
	StateUninitialized State = "uninitialized"
	// StateInitializing means the initialize request succeeded and the server
	// is waiting for the client's initialized notification. Capability calls
	// are already permitted.
	StateInitializing State = "initializing"
	// StateReady means the handshake is complete.
	StateReady State = "ready"
)

// Session is the per-client protocol state record. All methods are safe for
// concurrent use; a session is shared by every connection handler that
// presents its id.
type Session struct {
	id        string
	createdAt time.Time

	mu              sync.Mutex
	state           State
	protocolVersion string
	clientInfo      mcp.ImplementationInfo
	lastAccess      time.Time

	// in-flight invocations keyed by request id
	inflight map[string]context.CancelCauseFunc
}

// New constructs an uninitialized session with the given opaque id.
func New(id string) *Session {
	now := time.Now()
	return &Session{
		id:         id,
		createdAt:  now,
		state:      StateUninitialized,
		lastAccess: now,
		inflight:   make(map[string]context.CancelCauseFunc),
	}
}

// ID returns the opaque session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ProtocolVersion returns the protocol version negotiated at initialize, or
// the empty string before then.
func (s *Session) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

// ClientInfo returns the client identity declared at initialize.
func (s *Session) ClientInfo() mcp.ImplementationInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientInfo
}

// BeginInitialize moves the session from Uninitialized to Initializing,
// recording the negotiated protocol version and client identity. It fails
// with ErrAlreadyInitialized on any later state.
func (s *Session) BeginInitialize(protocolVersion string, clientInfo mcp.ImplementationInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateUninitialized {
		return ErrAlreadyInitialized
	}
	s.state = StateInitializing
	s.protocolVersion = protocolVersion
	s.clientInfo = clientInfo
	return nil
}

// ConfirmInitialized records the client's initialized notification, completing
// the handshake. It is a no-op unless the session is Initializing.
func (s *Session) ConfirmInitialized() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateInitializing {
		s.state = StateReady
	}
}

// CanServe reports whether capability calls may be dispatched: the initialize
// request must have succeeded, though the confirming notification may still
// be outstanding.
func (s *Session) CanServe() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != StateUninitialized
}

// Touch refreshes the idle clock.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastAccess = time.Now()
	s.mu.Unlock()
}

// LastAccess returns the time of the most recent client contact.
func (s *Session) LastAccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

// TrackInvocation registers an in-flight invocation so it can be cancelled by
// id or swept when the session dies.
func (s *Session) TrackInvocation(requestID string, cancel context.CancelCauseFunc) {
	s.mu.Lock()
	s.inflight[requestID] = cancel
	s.mu.Unlock()
}

// FinishInvocation drops the tracking entry for a completed invocation.
func (s *Session) FinishInvocation(requestID string) {
	s.mu.Lock()
	delete(s.inflight, requestID)
	s.mu.Unlock()
}

// CancelInvocation cancels one in-flight invocation. It reports whether the
// request id was known.
func (s *Session) CancelInvocation(requestID string, cause error) bool {
	s.mu.Lock()
	cancel, ok := s.inflight[requestID]
	delete(s.inflight, requestID)
	s.mu.Unlock()
	if ok {
		cancel(cause)
	}
	return ok
}

// CancelAllInvocations cancels everything in flight; used on stream teardown
// and session death.
func (s *Session) CancelAllInvocations(cause error) {
	s.mu.Lock()
	cancels := make([]context.CancelCauseFunc, 0, len(s.inflight))
	for id, cancel := range s.inflight {
		cancels = append(cancels, cancel)
		delete(s.inflight, id)
	}
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel(cause)
	}
}

// InflightCount returns the number of tracked invocations.
func (s *Session) InflightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}
