// Package notify reports terminal intents to their owners.
//
// Notify is called by whoever won the compare-and-swap into a terminal
// state. The transport is at-least-once; the dedupe mark on (intent id,
// state) keeps a redelivery from reaching the owner twice.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/example/tatkal-scheduler/internal/domain"
)

// Transport hands an outcome to the push/email side.
type Transport interface {
	Send(ctx context.Context, o domain.Outcome) error
}

// Deduper records which (intent, state) pairs have been delivered.
type Deduper interface {
	// Mark returns false if key was already marked.
	Mark(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

type Notifier struct {
	transport Transport
	dedupe    Deduper

	// MaxElapsed bounds delivery retries. Zero means 30s.
	MaxElapsed time.Duration
	// InitialInterval is the first retry delay. Zero means 100ms.
	InitialInterval time.Duration
}

func New(t Transport, d Deduper) *Notifier {
	if d == nil {
		d = NewMemoryDeduper()
	}
	return &Notifier{transport: t, dedupe: d}
}

// Key is the dedupe key for an intent in a terminal state.
func Key(id string, s domain.State) string {
	return fmt.Sprintf("%s:%s", id, s)
}

var ErrNotTerminal = errors.New("notify: intent is not terminal")

// Notify delivers the outcome of in. A second call for the same intent and
// state is a no-op.
func (n *Notifier) Notify(ctx context.Context, in *domain.Intent) error {
	if !in.State.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrNotTerminal, in.ID, in.State)
	}
	key := Key(in.ID, in.State)
	first, err := n.dedupe.Mark(ctx, key)
	if err != nil {
		return fmt.Errorf("notify: mark %s: %w", key, err)
	}
	if !first {
		log.Printf("notify: %s already delivered", key)
		return nil
	}

	o := domain.OutcomeOf(in)
	err = backoff.Retry(func() error {
		return n.transport.Send(ctx, o)
	}, backoff.WithContext(n.backOff(), ctx))
	if err != nil {
		if rerr := n.dedupe.Release(context.WithoutCancel(ctx), key); rerr != nil {
			log.Printf("notify: release %s: %v", key, rerr)
		}
		return fmt.Errorf("notify: deliver %s: %w", key, err)
	}
	log.Printf("notify: delivered %s to owner %s", key, in.OwnerID)
	return nil
}

func (n *Notifier) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	if n.InitialInterval > 0 {
		b.InitialInterval = n.InitialInterval
	}
	b.MaxElapsedTime = 30 * time.Second
	if n.MaxElapsed > 0 {
		b.MaxElapsedTime = n.MaxElapsed
	}
	return b
}

// MemoryDeduper keeps marks for the life of the process.
type MemoryDeduper struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{seen: make(map[string]struct{})}
}

func (m *MemoryDeduper) Mark(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[key]; ok {
		return false, nil
	}
	m.seen[key] = struct{}{}
	return true, nil
}

func (m *MemoryDeduper) Release(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.seen, key)
	m.mu.Unlock()
	return nil
}

// LogTransport writes outcomes to the process log. Used when no broker is
// configured.
type LogTransport struct{}

func (LogTransport) Send(_ context.Context, o domain.Outcome) error {
	b, err := json.Marshal(o)
	if err != nil {
		return err
	}
	log.Printf("notify: outcome %s", b)
	return nil
}
