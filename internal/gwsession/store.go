package gwsession

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultInactivityThreshold is the default eviction age for idle sessions,
// spec.md §4.5's "e.g. 30 min" default (tunable, not a contract).
const DefaultInactivityThreshold = 30 * time.Minute

// ChannelManager is the subset of C6 the session store needs in order to
// cancel outstanding server-initiated requests and free the SSE channel
// when a session is removed or evicted.
type ChannelManager interface {
	Unregister(sessionID string)
	CancelPending(sessionID, requestID string)
}

// Store is an in-memory session_id -> Session map. Session ids are
// cryptographically unguessable (google/uuid) and are the server's only
// authenticator beyond the bearer token, per spec.md §9.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	inactivityThreshold time.Duration
	channels            ChannelManager
	mirror              *redisMirror
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithInactivityThreshold overrides DefaultInactivityThreshold.
func WithInactivityThreshold(d time.Duration) Option {
	return func(s *Store) { s.inactivityThreshold = d }
}

// WithChannelManager wires the C6 collaborator used to cancel pending
// server-initiated requests on session removal.
func WithChannelManager(cm ChannelManager) Option {
	return func(s *Store) { s.channels = cm }
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		sessions:             make(map[string]*Session),
		inactivityThreshold:  DefaultInactivityThreshold,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create allocates and stores a fresh Session, uninitialized until the
// client sends the "initialized" notification.
func (s *Store) Create() *Session {
	now := time.Now()
	sess := &Session{
		ID:          uuid.NewString(),
		ConnectedAt: now,
		LastActive:  now,
		RootsState:  RootsCreated,
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	s.mirror.save(context.Background(), sess)
	return sess
}

// Get returns the session, or false if unknown. When a Redis mirror is
// configured and id is not in the local map, Get reads through to Redis and
// caches the result locally, so a session created by another process
// sharing the same connection string is visible here too.
func (s *Store) Get(id string) (*Session, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		return sess, true
	}
	if s.mirror == nil {
		return nil, false
	}

	loaded, ok := s.mirror.load(context.Background(), id)
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[id]; ok {
		return existing, true
	}
	s.sessions[id] = loaded
	return loaded, true
}

// IsValid reports whether id names a live session.
func (s *Store) IsValid(id string) bool {
	_, ok := s.Get(id)
	return ok
}

// Remove deletes the session and cancels any pending server-initiated
// request plus its SSE channel registration.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if !ok {
		return
	}
	s.mirror.delete(context.Background(), id)

	if s.channels == nil {
		return
	}
	s.channels.Unregister(id)
	if sess.PendingRootsReqID != "" {
		s.channels.CancelPending(id, sess.PendingRootsReqID)
	}
}

// mutate looks up id, applies fn under the write lock, and mirrors the
// result to Redis (if configured) after releasing it, matching Create's and
// Remove's existing convention of never holding s.mu across network I/O.
// Every mutator below is a thin wrapper around this so none of them forget
// to write through the mirror, per DESIGN.md's swappable-store claim.
func (s *Store) mutate(id string, fn func(*Session)) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	fn(sess)
	s.mu.Unlock()

	s.mirror.save(context.Background(), sess)
	return true
}

// Touch bumps last_active, returning false if the session is unknown.
func (s *Store) Touch(id string) bool {
	return s.mutate(id, func(sess *Session) {
		sess.LastActive = time.Now()
	})
}

// SetManualOverride installs a manual project override, which wins over
// any automatic routing until explicitly cleared.
func (s *Store) SetManualOverride(id string, ctx ProjectContext) bool {
	ctx.Source = SourceOverride
	return s.mutate(id, func(sess *Session) {
		sess.ManualOverride = &ctx
	})
}

// ClearManualOverride removes a previously set manual override.
func (s *Store) ClearManualOverride(id string) bool {
	return s.mutate(id, func(sess *Session) {
		sess.ManualOverride = nil
	})
}

// SetProjectContext records an automatically-detected project context.
func (s *Store) SetProjectContext(id string, ctx ProjectContext) bool {
	ctx.Source = SourceAuto
	return s.mutate(id, func(sess *Session) {
		sess.ProjectContext = &ctx
	})
}

// EffectiveProject returns the session's manual-override-aware project
// context, or nil.
func (s *Store) EffectiveProject(id string) *ProjectContext {
	sess, ok := s.Get(id)
	if !ok {
		return nil
	}
	return sess.EffectiveProject()
}

// SetRootsCapability records the client's advertised roots support.
func (s *Store) SetRootsCapability(id string, supports, listChanged bool) bool {
	return s.mutate(id, func(sess *Session) {
		sess.SupportsRoots = supports
		sess.RootsListChanged = listChanged
	})
}

// SetRootsPaths records the decoded roots paths from a successful
// roots/list round trip and, if any are present, sets work_dir to the
// first, per spec.md §4.8 step 3.
func (s *Store) SetRootsPaths(id string, paths []string) bool {
	return s.mutate(id, func(sess *Session) {
		sess.RootsPaths = paths
		sess.RootsState = RootsKnown
		sess.RootsTimedOut = false
		if len(paths) > 0 {
			sess.WorkDir = paths[0]
		}
	})
}

// SetWorkDir explicitly sets the session's working directory.
func (s *Store) SetWorkDir(id, dir string) bool {
	return s.mutate(id, func(sess *Session) {
		sess.WorkDir = dir
	})
}

// SetProtocolVersion records the negotiated protocol version.
func (s *Store) SetProtocolVersion(id, version string) bool {
	return s.mutate(id, func(sess *Session) {
		sess.ProtocolVersion = version
	})
}

// MarkInitialized sets the initialized flag on the "initialized"
// notification.
func (s *Store) MarkInitialized(id string) bool {
	return s.mutate(id, func(sess *Session) {
		sess.Initialized = true
	})
}

// SetRootsState transitions the session's roots discovery state machine.
func (s *Store) SetRootsState(id string, state RootsState, pendingReqID string) bool {
	return s.mutate(id, func(sess *Session) {
		sess.RootsState = state
		sess.PendingRootsReqID = pendingReqID
	})
}

// MarkRootsTimedOut records a timed-out roots/list round trip without
// failing anything else about the session, per spec.md §7.
func (s *Store) MarkRootsTimedOut(id string) bool {
	return s.mutate(id, func(sess *Session) {
		sess.RootsState = RootsFailed
		sess.PendingRootsReqID = ""
		sess.RootsTimedOut = true
	})
}

// EvictInactive removes every session whose last_active predates the
// configured inactivity threshold, returning the removed ids.
func (s *Store) EvictInactive() []string {
	cutoff := time.Now().Add(-s.inactivityThreshold)

	s.mu.Lock()
	var toEvict []string
	for id, sess := range s.sessions {
		if sess.LastActive.Before(cutoff) {
			toEvict = append(toEvict, id)
		}
	}
	s.mu.Unlock()

	for _, id := range toEvict {
		s.Remove(id)
	}
	return toEvict
}

// RunEvictionLoop evicts inactive sessions on the given interval until ctx
// is done.
func (s *Store) RunEvictionLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.EvictInactive()
		}
	}
}

// Count returns the number of live sessions, for diagnostics.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

var errUnknownSession = fmt.Errorf("gwsession: unknown session")

// ErrUnknownSession is returned by operations that require an existing
// session id.
func ErrUnknownSession() error { return errUnknownSession }
