package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/tatkal-scheduler/internal/clock"
	"github.com/example/tatkal-scheduler/internal/domain"
)

// Memory is an in-process Backend. Transition holds the lock across the
// compare and the write, so concurrent callers on one process see the same
// guarantees a database row gives replicas.
type Memory struct {
	clock clock.Clock

	mu      sync.Mutex
	intents map[string]*domain.Intent
	users   map[string]User
}

func NewMemory(c clock.Clock) *Memory {
	if c == nil {
		c = clock.Real{}
	}
	return &Memory{
		clock:   c,
		intents: make(map[string]*domain.Intent),
		users:   make(map[string]User),
	}
}

func (m *Memory) Put(ctx context.Context, in *domain.Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.intents[in.ID]; ok {
		return &domain.Error{Kind: domain.KindValidation, Message: "put intent", IntentID: in.ID, Err: errors.New("duplicate id")}
	}
	c := in.Clone()
	if c.Version == 0 {
		c.Version = 1
	}
	m.intents[in.ID] = c
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (*domain.Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.intents[id]
	if !ok {
		return nil, domain.NewNotFound(id)
	}
	return in.Clone(), nil
}

func (m *Memory) Transition(ctx context.Context, id string, from, to domain.State, mutate Mutator) (*domain.Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.intents[id]
	if !ok {
		return nil, domain.NewNotFound(id)
	}
	next, err := apply(cur, from, to, mutate, m.clock.Now())
	if err != nil {
		return nil, err
	}
	m.intents[id] = next
	return next.Clone(), nil
}

func (m *Memory) ListArmable(ctx context.Context, before time.Time, limit int) ([]*domain.Intent, error) {
	return m.ListInState(ctx, domain.StatePending, before, limit)
}

func (m *Memory) ListInState(ctx context.Context, state domain.State, fireBefore time.Time, limit int) ([]*domain.Intent, error) {
	m.mu.Lock()
	var out []*domain.Intent
	for _, in := range m.intents {
		if in.State == state && !in.TargetFireAt.After(fireBefore) {
			out = append(out, in.Clone())
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].TargetFireAt.Equal(out[j].TargetFireAt) {
			return out[i].TargetFireAt.Before(out[j].TargetFireAt)
		}
		return out[i].ID < out[j].ID
	})
	if n := limitOrDefault(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (m *Memory) ListByOwner(ctx context.Context, ownerID string) ([]*domain.Intent, error) {
	m.mu.Lock()
	var out []*domain.Intent
	for _, in := range m.intents {
		if in.OwnerID == ownerID {
			out = append(out, in.Clone())
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CreateUser(ctx context.Context, u User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.Username]; ok {
		return fmt.Errorf("user %q already exists", u.Username)
	}
	m.users[u.Username] = u
	return nil
}

func (m *Memory) GetUserByUsername(ctx context.Context, username string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[username]
	if !ok {
		return User{}, &domain.Error{Kind: domain.KindNotFound, Message: "user not found"}
	}
	return u, nil
}

func (m *Memory) Close() error { return nil }

var _ Backend = (*Memory)(nil)
