package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"oidcrp/rp"
)

const janitorInterval = time.Minute

// SessionStore keeps signed-in principals keyed by session id.
type SessionStore interface {
	SaveSession(ctx context.Context, id string, p *rp.Principal, ttl time.Duration) error
	GetSession(ctx context.Context, id string) (*rp.Principal, bool, error)
	DeleteSession(ctx context.Context, id string) error
}

// Store holds both login correlation state and sessions.
type Store interface {
	rp.StateStore
	SessionStore
	Close() error
}

// InMemoryStore keeps ephemeral state for logins and sessions in process.
// Expired entries are evicted by the cache janitor.
type InMemoryStore struct {
	mu       sync.Mutex
	states   *gocache.Cache
	sessions *gocache.Cache
}

// NewInMemoryStore constructs the store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		states:   gocache.New(rp.DefaultStateLifetime, janitorInterval),
		sessions: gocache.New(rp.DefaultSessionLifetime, janitorInterval),
	}
}

// SaveState stores a login or sign-out record until it expires.
func (s *InMemoryStore) SaveState(_ context.Context, st rp.AuthRequestState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	s.states.Set(st.State, b, ttlUntil(st.ExpiresAt))
	return nil
}

// ConsumeState fetches and removes a record.
func (s *InMemoryStore) ConsumeState(_ context.Context, state string) (rp.AuthRequestState, bool, error) {
	s.mu.Lock()
	v, ok := s.states.Get(state)
	if ok {
		s.states.Delete(state)
	}
	s.mu.Unlock()
	if !ok {
		return rp.AuthRequestState{}, false, nil
	}
	var st rp.AuthRequestState
	if err := json.Unmarshal(v.([]byte), &st); err != nil {
		return rp.AuthRequestState{}, false, fmt.Errorf("decode state: %w", err)
	}
	return st, true, nil
}

// SaveSession stores or replaces a session.
func (s *InMemoryStore) SaveSession(_ context.Context, id string, p *rp.Principal, ttl time.Duration) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	s.sessions.Set(id, b, ttl)
	return nil
}

// GetSession retrieves a session by ID.
func (s *InMemoryStore) GetSession(_ context.Context, id string) (*rp.Principal, bool, error) {
	v, ok := s.sessions.Get(id)
	if !ok {
		return nil, false, nil
	}
	var p rp.Principal
	if err := json.Unmarshal(v.([]byte), &p); err != nil {
		return nil, false, fmt.Errorf("decode session: %w", err)
	}
	return &p, true, nil
}

// DeleteSession removes a session.
func (s *InMemoryStore) DeleteSession(_ context.Context, id string) error {
	s.sessions.Delete(id)
	return nil
}

func (s *InMemoryStore) Close() error { return nil }

// ttlUntil converts an absolute expiry into a cache TTL. Past expiries keep
// the entry for a second so the caller still sees the expired record.
func ttlUntil(t time.Time) time.Duration {
	d := time.Until(t)
	if d <= 0 {
		return time.Second
	}
	return d
}
