package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

var ErrNotFound = errors.New("session not found")

// Store is keyed session persistence. The workflow suspends between
// operator turns and resumes from here.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore is a threadsafe in-memory store. Default backend, also used
// throughout the tests.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[string]*Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Session)}
}

func (m *MemoryStore) Create(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byID[s.ID]; exists {
		return &ProtocolError{Op: "Store.Create", Reason: "session id already exists"}
	}
	m.byID[s.ID] = cloneSession(s)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(s), nil
}

func (m *MemoryStore) Update(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[s.ID]; !ok {
		return ErrNotFound
	}
	m.byID[s.ID] = cloneSession(s)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[id]; !ok {
		return ErrNotFound
	}
	delete(m.byID, id)
	return nil
}

// cloneSession deep-copies through JSON so no caller can mutate stored state
// behind the store's back. Sessions are small; the cost is irrelevant here.
func cloneSession(s *Session) *Session {
	data, err := json.Marshal(s)
	if err != nil {
		// Session fields are all plain serializable types.
		panic("session: marshal failed: " + err.Error())
	}
	var out Session
	if err := json.Unmarshal(data, &out); err != nil {
		panic("session: unmarshal failed: " + err.Error())
	}
	return &out
}
