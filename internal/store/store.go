// Package store is the durable repository of booking intents.
//
// Transition is a compare-and-swap on state and is the only mutual-exclusion
// primitive the scheduler replicas share. Every backend implements it as a
// single conditional write.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/example/tatkal-scheduler/internal/domain"
)

// Mutator edits the copy of an intent being written by Transition.
// Identity, journey, passengers, payment and fire instant are restored after
// it runs.
type Mutator func(*domain.Intent)

type Store interface {
	// Put inserts a new intent. Ids are never reused.
	Put(ctx context.Context, in *domain.Intent) error
	Get(ctx context.Context, id string) (*domain.Intent, error)

	// Transition moves id from -> to if the stored state still equals from,
	// returning the written intent. A lost race returns a KindConflict error
	// and the mutator's changes are discarded.
	Transition(ctx context.Context, id string, from, to domain.State, mutate Mutator) (*domain.Intent, error)

	// ListArmable returns PENDING intents firing at or before before, soonest first.
	ListArmable(ctx context.Context, before time.Time, limit int) ([]*domain.Intent, error)
	ListInState(ctx context.Context, state domain.State, fireBefore time.Time, limit int) ([]*domain.Intent, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*domain.Intent, error)

	Close() error
}

// User is a local account that owns intents.
type User struct {
	ID           string
	Username     string
	PasswordHash []byte
	CreatedAt    time.Time
}

type Users interface {
	CreateUser(ctx context.Context, u User) error
	GetUserByUsername(ctx context.Context, username string) (User, error)
}

// Backend is what the server wires: intents and users on one database.
type Backend interface {
	Store
	Users
}

// apply builds the row Transition will write from the current row.
func apply(cur *domain.Intent, from, to domain.State, mutate Mutator, now time.Time) (*domain.Intent, error) {
	if !domain.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrIllegalTransition, from, to)
	}
	if cur.State != from {
		return nil, domain.NewConflict(cur.ID, from)
	}
	next := cur.Clone()
	if mutate != nil {
		mutate(next)
	}
	if next.AttemptCount != cur.AttemptCount && !(from == domain.StateAttempting && to == domain.StateAttempting) {
		return nil, fmt.Errorf("%w: attemptCount may only change while ATTEMPTING", domain.ErrIllegalTransition)
	}
	if next.AttemptCount < cur.AttemptCount {
		return nil, fmt.Errorf("%w: attemptCount decreased", domain.ErrIllegalTransition)
	}

	fixed := cur.Clone()
	next.ID = fixed.ID
	next.OwnerID = fixed.OwnerID
	next.Journey = fixed.Journey
	next.Passengers = fixed.Passengers
	next.PaymentRef = fixed.PaymentRef
	next.TargetFireAt = fixed.TargetFireAt
	next.CreatedAt = fixed.CreatedAt

	next.State = to
	next.Version = cur.Version + 1
	next.UpdatedAt = now.UTC()
	return next, nil
}

func limitOrDefault(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}
