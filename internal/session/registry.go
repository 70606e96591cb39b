package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("session not found")

// Session models one ongoing call. The registry owns all Session values;
// callers receive snapshots and mutate through Registry.Update so no
// internal pointer crosses a lock boundary. The inbound queue is shared by
// reference on purpose: it carries its own synchronization.
type Session struct {
	ID               string
	ConversationID   string
	Caller           string
	BackendSessionID string

	SpeechInProgress       bool
	RunInProgress          bool
	GenerationInProgress   bool
	LastUnstableTranscript string
	SessionEnding          bool

	CreatedAt      time.Time
	LastActivityAt time.Time
	Metadata       map[string]string

	Inbound *Queue
}

// Registry is the concurrent session store plus the bidirectional
// conversation-id index. One RWMutex guards the three maps; both index
// directions are always updated inside the same critical section so the
// conversation-id<->session-id mapping stays a bijection.
type Registry struct {
	mu            sync.RWMutex
	sessions      map[string]*Session
	convToSession map[string]string
	sessionToConv map[string]string
	onRemove      func(*Session)
}

func NewRegistry() *Registry {
	return &Registry{
		sessions:      make(map[string]*Session),
		convToSession: make(map[string]string),
		sessionToConv: make(map[string]string),
	}
}

// SetRemoveHook registers a callback invoked (outside the registry lock)
// for every session removed explicitly or by the janitor.
func (r *Registry) SetRemoveHook(hook func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemove = hook
}

// Create allocates a session. convID may be empty (outbound calls bind the
// carrier id later via BindConversation). Never performs I/O.
func (r *Registry) Create(convID, caller string) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		ConversationID: convID,
		Caller:         caller,
		CreatedAt:      now,
		LastActivityAt: now,
		Metadata:       make(map[string]string),
		Inbound:        NewQueue(defaultQueueCapacity),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
	if convID != "" {
		r.convToSession[convID] = s.ID
		r.sessionToConv[s.ID] = convID
	}
	return clone(s)
}

func (r *Registry) Get(sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (r *Registry) GetByConversation(convID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.convToSession[convID]
	if !ok {
		return nil, ErrNotFound
	}
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// Update applies fn to the session under the write lock and refreshes
// LastActivityAt. fn must be pure in-memory mutation: no I/O, no calls
// back into the registry.
func (r *Registry) Update(sessionID string, fn func(*Session)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	fn(s)
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// UpdateByConversation is Update keyed by the carrier conversation id.
func (r *Registry) UpdateByConversation(convID string, fn func(*Session)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.convToSession[convID]
	if !ok {
		return ErrNotFound
	}
	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	fn(s)
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// BindConversation attaches a carrier conversation id to an existing
// session, replacing any previous binding for that session. Both index
// directions change atomically.
func (r *Registry) BindConversation(sessionID, convID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if prev, ok := r.sessionToConv[sessionID]; ok {
		delete(r.convToSession, prev)
	}
	s.ConversationID = convID
	s.LastActivityAt = time.Now().UTC()
	r.convToSession[convID] = sessionID
	r.sessionToConv[sessionID] = convID
	return nil
}

// Remove deletes the session and both index entries. Idempotent: a second
// call returns ErrNotFound with no side effects. The removed session is
// returned so the caller can drain its queue before discarding it.
func (r *Registry) Remove(sessionID string) (*Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	delete(r.sessions, sessionID)
	if convID, ok := r.sessionToConv[sessionID]; ok {
		delete(r.sessionToConv, sessionID)
		delete(r.convToSession, convID)
	}
	hook := r.onRemove
	removed := clone(s)
	r.mu.Unlock()

	if hook != nil {
		hook(removed)
	}
	return removed, nil
}

// SweepExpired removes every session idle longer than maxAge and returns
// how many were removed. The cutoff is computed before the write lock is
// taken, so a session created mid-sweep always has LastActivityAt past the
// cutoff and survives the pass.
func (r *Registry) SweepExpired(maxAge time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxAge)

	r.mu.Lock()
	var expired []*Session
	for id, s := range r.sessions {
		if s.LastActivityAt.After(cutoff) {
			continue
		}
		delete(r.sessions, id)
		if convID, ok := r.sessionToConv[id]; ok {
			delete(r.sessionToConv, id)
			delete(r.convToSession, convID)
		}
		expired = append(expired, clone(s))
	}
	hook := r.onRemove
	r.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
	return len(expired)
}

// StartJanitor runs SweepExpired on a fixed interval until ctx is done.
func (r *Registry) StartJanitor(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.SweepExpired(maxAge)
			}
		}
	}()
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func clone(s *Session) *Session {
	c := *s
	c.Metadata = make(map[string]string, len(s.Metadata))
	for k, v := range s.Metadata {
		c.Metadata[k] = v
	}
	return &c
}
