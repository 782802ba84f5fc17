// Package s2c implements C6: a per-session bounded channel to the SSE
// writer, plus a table correlating server-initiated request ids to
// late-arriving client responses.
package s2c

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// DefaultCapacity is the default bounded channel size, spec.md §4.6's
// "e.g. capacity 16" default.
const DefaultCapacity = 16

// TimeoutError is returned by SendRequestAndWait when the deadline elapses
// before the client responds.
type TimeoutError struct {
	SessionID string
	RequestID string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("s2c: request %s on session %s timed out", e.RequestID, e.SessionID)
}

// ChannelClosedError is returned when the session's channel is full or has
// been unregistered, treated as a transport failure for the pending
// request per spec.md §5.
type ChannelClosedError struct {
	SessionID string
}

func (e *ChannelClosedError) Error() string {
	return fmt.Sprintf("s2c: channel for session %s is closed or full", e.SessionID)
}

type pendingKey struct {
	sessionID string
	requestID string
}

// Manager owns every session's outbound channel to its SSE writer and the
// id-keyed oneshot table for server-initiated requests.
type Manager struct {
	log *slog.Logger

	mu       sync.Mutex
	channels map[string]chan json.RawMessage
	pending  map[pendingKey]chan json.RawMessage
}

// NewManager creates an empty Manager.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log,
		channels: make(map[string]chan json.RawMessage),
		pending:  make(map[pendingKey]chan json.RawMessage),
	}
}

// RegisterChannel creates and returns the receiver end of a session's
// bounded outbound channel, owned by the SSE writer task.
func (m *Manager) RegisterChannel(sessionID string, capacity int) <-chan json.RawMessage {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	ch := make(chan json.RawMessage, capacity)

	m.mu.Lock()
	m.channels[sessionID] = ch
	m.mu.Unlock()
	return ch
}

// UnregisterChannel drops a session's channel on stream close, draining
// any pending one-shot slots for that session with a cancelled error.
func (m *Manager) UnregisterChannel(sessionID string) {
	m.mu.Lock()
	delete(m.channels, sessionID)
	var drained []chan json.RawMessage
	for key, ch := range m.pending {
		if key.sessionID == sessionID {
			drained = append(drained, ch)
			delete(m.pending, key)
		}
	}
	m.mu.Unlock()

	for _, ch := range drained {
		close(ch)
	}
}

// Unregister implements gwsession.ChannelManager.
func (m *Manager) Unregister(sessionID string) { m.UnregisterChannel(sessionID) }

// CancelPending implements gwsession.ChannelManager: removes a single
// pending slot without touching the session's channel registration.
func (m *Manager) CancelPending(sessionID, requestID string) {
	key := pendingKey{sessionID: sessionID, requestID: requestID}
	m.mu.Lock()
	ch, ok := m.pending[key]
	if ok {
		delete(m.pending, key)
	}
	m.mu.Unlock()
	if ok {
		close(ch)
	}
}

// SendRequestAndWait installs a one-shot response slot keyed by requestID,
// pushes payload onto the session's outbound channel, and awaits the slot
// until ctx is done. A full channel is treated as a transport failure for
// the pending request, per spec.md §5.
func (m *Manager) SendRequestAndWait(ctx context.Context, sessionID, requestID string, payload json.RawMessage) (json.RawMessage, error) {
	key := pendingKey{sessionID: sessionID, requestID: requestID}
	slot := make(chan json.RawMessage, 1)

	m.mu.Lock()
	ch, ok := m.channels[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, &ChannelClosedError{SessionID: sessionID}
	}
	m.pending[key] = slot
	m.mu.Unlock()

	select {
	case ch <- payload:
	default:
		m.mu.Lock()
		delete(m.pending, key)
		m.mu.Unlock()
		return nil, &ChannelClosedError{SessionID: sessionID}
	}

	select {
	case resp, ok := <-slot:
		if !ok {
			return nil, &ChannelClosedError{SessionID: sessionID}
		}
		return resp, nil
	case <-ctx.Done():
		m.mu.Lock()
		delete(m.pending, key)
		m.mu.Unlock()
		return nil, &TimeoutError{SessionID: sessionID, RequestID: requestID}
	}
}

// HandleClientResponse is invoked from the POST handler when the incoming
// body classifies as a JSON-RPC Response. It fulfills the matching pending
// slot if present; a miss is a silent drop, per spec.md §4.6.
func (m *Manager) HandleClientResponse(sessionID, requestID string, response json.RawMessage) bool {
	key := pendingKey{sessionID: sessionID, requestID: requestID}

	m.mu.Lock()
	slot, ok := m.pending[key]
	if ok {
		delete(m.pending, key)
	}
	m.mu.Unlock()

	if !ok {
		m.log.Debug("s2c: response matched no pending request", "session", sessionID, "request", requestID)
		return false
	}
	slot <- response
	return true
}
