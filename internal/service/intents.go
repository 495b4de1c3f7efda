// Package service holds the owner-facing intent use cases shared by the
// HTTP API and the CLI.
package service

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/tatkal-scheduler/internal/clock"
	"github.com/example/tatkal-scheduler/internal/domain"
	"github.com/example/tatkal-scheduler/internal/store"
	"github.com/example/tatkal-scheduler/internal/tatkal"
)

type Notifier interface {
	Notify(ctx context.Context, in *domain.Intent) error
}

// SubmitRequest is the owner-supplied part of an intent.
type SubmitRequest struct {
	Journey    domain.Journey     `json:"journey"`
	Passengers []domain.Passenger `json:"passengers"`
	PaymentRef string             `json:"paymentRef"`
}

type Intents struct {
	store    store.Store
	notifier Notifier
	clock    clock.Clock

	// ExpiryGrace matches the scheduler's: a submission later than
	// fire + ExpiryGrace could never be attempted.
	ExpiryGrace time.Duration
	Retry       store.RetryPolicy
}

func NewIntents(s store.Store, n Notifier, c clock.Clock, expiryGrace time.Duration) *Intents {
	if c == nil {
		c = clock.Real{}
	}
	if expiryGrace <= 0 {
		// Same default the scheduler falls back to.
		expiryGrace = time.Minute
	}
	return &Intents{store: s, notifier: n, clock: c, ExpiryGrace: expiryGrace}
}

// Submit validates req, resolves its fire instant and stores it PENDING.
func (s *Intents) Submit(ctx context.Context, ownerID string, req SubmitRequest) (*domain.Intent, error) {
	j := req.Journey.Normalize()
	ps := make([]domain.Passenger, len(req.Passengers))
	for i, p := range req.Passengers {
		ps[i] = domain.Passenger{
			Name:   strings.TrimSpace(p.Name),
			Age:    p.Age,
			Gender: strings.ToUpper(strings.TrimSpace(p.Gender)),
		}
	}
	paymentRef := strings.TrimSpace(req.PaymentRef)

	if err := domain.Validate(ownerID, j, ps, paymentRef); err != nil {
		return nil, err
	}
	fireAt, err := tatkal.ResolveJourney(j)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if now.After(fireAt.Add(s.ExpiryGrace)) {
		return nil, domain.NewValidationError("booking window closed at " + fireAt.Format(time.RFC3339))
	}

	in := &domain.Intent{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		Journey:      j,
		Passengers:   ps,
		PaymentRef:   paymentRef,
		State:        domain.StatePending,
		TargetFireAt: fireAt,
		Version:      1,
		CreatedAt:    now.UTC(),
		UpdatedAt:    now.UTC(),
	}
	if err := store.RetryErr(ctx, s.Retry, func() error { return s.store.Put(ctx, in) }); err != nil {
		return nil, err
	}
	log.Printf("service: intent %s submitted by %s, fires at %s", in.ID, ownerID, fireAt.Format(time.RFC3339))
	return in, nil
}

// Get returns the intent if ownerID owns it. Someone else's intent is
// reported as not found.
func (s *Intents) Get(ctx context.Context, ownerID, id string) (*domain.Intent, error) {
	in, err := store.Retry(ctx, s.Retry, func() (*domain.Intent, error) {
		return s.store.Get(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	if in.OwnerID != ownerID {
		return nil, domain.NewNotFound(id)
	}
	return in, nil
}

func (s *Intents) List(ctx context.Context, ownerID string) ([]*domain.Intent, error) {
	return store.Retry(ctx, s.Retry, func() ([]*domain.Intent, error) {
		return s.store.ListByOwner(ctx, ownerID)
	})
}

// Cancel moves a PENDING or ARMED intent to CANCELLED. An intent already
// cancelled or expired is returned as is. Once an attempt has begun the
// answer is ALREADY_ATTEMPTING.
func (s *Intents) Cancel(ctx context.Context, ownerID, id string) (*domain.Intent, error) {
	in, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	for {
		switch in.State {
		case domain.StateCancelled, domain.StateExpired:
			return in, nil
		case domain.StateAttempting, domain.StateSucceeded, domain.StateFailed:
			return nil, domain.NewAlreadyAttempting(id, in.State)
		}

		from := in.State
		done, err := store.TransitionFrom(ctx, s.Retry, s.store, in, domain.StateCancelled, nil)
		if err == nil {
			log.Printf("service: %s %s -> CANCELLED", id, from)
			if s.notifier != nil {
				if nerr := s.notifier.Notify(ctx, done); nerr != nil {
					log.Printf("service: notify %s: %v", id, nerr)
				}
			}
			return done, nil
		}
		if !domain.IsKind(err, domain.KindConflict) {
			return nil, err
		}
		// Moved under us (armed, fired or expired); look again.
		if in, err = s.Get(ctx, ownerID, id); err != nil {
			return nil, err
		}
	}
}
