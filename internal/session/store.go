package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"fable/internal/utils/id"
	"fable/pkg/types/stream"
)

// Store abstracts session storage. The gateway ships the in-memory
// implementation only; the interface exists so handlers and the coordinator
// stay decoupled from the container.
type Store interface {
	Create(ctx context.Context, title string) (*Session, error)
	Get(ctx context.Context, sessionID string) (*Session, error)
	Save(ctx context.Context, sess *Session) error
	List(ctx context.Context) ([]Summary, error)
	Delete(ctx context.Context, sessionID string) error
}

// MemoryStore keeps sessions in a map guarded by an RWMutex. Get and List
// return copies, so a handler's read snapshot never races the recorder's
// writes going through Save.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Create allocates a session with a fresh id.
func (s *MemoryStore) Create(_ context.Context, title string) (*Session, error) {
	now := s.now()
	sess := &Session{
		ID:        id.NewSessionID(),
		Title:     title,
		Messages:  []stream.UIMessage{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return sess.Clone(), nil
}

// Get returns a deep copy of the session.
func (s *MemoryStore) Get(_ context.Context, sessionID string) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return sess.Clone(), nil
}

// Save replaces the stored session by id and refreshes UpdatedAt. The stored
// copy is detached from the caller's.
func (s *MemoryStore) Save(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; !ok {
		return ErrNotFound
	}
	stored := sess.Clone()
	stored.UpdatedAt = s.now()
	s.sessions[sess.ID] = stored
	return nil
}

// List returns summaries sorted by UpdatedAt descending.
func (s *MemoryStore) List(_ context.Context) ([]Summary, error) {
	s.mu.RLock()
	summaries := make([]Summary, 0, len(s.sessions))
	for _, sess := range s.sessions {
		summaries = append(summaries, sess.Summary())
	}
	s.mu.RUnlock()

	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].UpdatedAt.Equal(summaries[j].UpdatedAt) {
			return summaries[i].ID < summaries[j].ID
		}
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries, nil
}

// Delete removes the session. Deleting an unknown id is not an error.
func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	return nil
}
