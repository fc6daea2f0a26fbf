package rptest

import (
	"context"
	"sync"

	"oidcrp/rp"
)

// StateStore is a map-backed rp.StateStore.
type StateStore struct {
	mu     sync.Mutex
	states map[string]rp.AuthRequestState
}

// NewStateStore returns an empty store.
func NewStateStore() *StateStore {
	return &StateStore{states: map[string]rp.AuthRequestState{}}
}

func (s *StateStore) SaveState(_ context.Context, st rp.AuthRequestState) error {
	s.mu.Lock()
	s.states[st.State] = st
	s.mu.Unlock()
	return nil
}

func (s *StateStore) ConsumeState(_ context.Context, state string) (rp.AuthRequestState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[state]
	delete(s.states, state)
	return st, ok, nil
}

// Len reports how many records are pending.
func (s *StateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

// All returns a copy of the pending records.
func (s *StateStore) All() []rp.AuthRequestState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]rp.AuthRequestState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st)
	}
	return out
}
