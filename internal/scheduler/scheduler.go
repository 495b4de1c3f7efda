// Package scheduler arms intents ahead of their opening instant and hands
// them to the executor when it arrives.
//
// Replicas share nothing but the store. Arming (PENDING -> ARMED) and firing
// (ARMED -> ATTEMPTING) are both compare-and-swap transitions, so whichever
// replica loses a race simply forgets the intent.
package scheduler

import (
	"container/heap"
	"context"
	"log"
	"sync"
	"time"

	"github.com/example/tatkal-scheduler/internal/clock"
	"github.com/example/tatkal-scheduler/internal/domain"
	"github.com/example/tatkal-scheduler/internal/store"
)

type Config struct {
	// ReplicaID is recorded as armedBy on every intent this replica arms.
	ReplicaID string
	// SweepInterval is how often the store is polled.
	SweepInterval time.Duration
	// ArmingWindow is how far ahead of its fire instant an intent is armed.
	ArmingWindow time.Duration
	// ExpiryGrace is how late an intent may still be armed or fired.
	ExpiryGrace time.Duration
	// StaleAttempt is how long after its fire instant an ATTEMPTING intent
	// nobody is working on gets failed.
	StaleAttempt time.Duration
	// BatchSize caps rows read per list call.
	BatchSize int
}

func DefaultConfig() Config {
	return Config{
		SweepInterval: 2 * time.Second,
		ArmingWindow:  10 * time.Minute,
		ExpiryGrace:   time.Minute,
		StaleAttempt:  10 * time.Minute,
		BatchSize:     200,
	}
}

type Executor interface {
	Execute(ctx context.Context, in *domain.Intent) error
}

type Notifier interface {
	Notify(ctx context.Context, in *domain.Intent) error
}

type Scheduler struct {
	store    store.Store
	exec     Executor
	notifier Notifier
	clock    clock.Clock
	cfg      Config

	// Retry governs store calls. Zero uses store.DefaultRetry.
	Retry store.RetryPolicy

	mu       sync.Mutex
	queue    queue
	queued   map[string]*entry
	inFlight map[string]struct{}

	wake chan struct{}
	wg   sync.WaitGroup
}

func New(s store.Store, ex Executor, n Notifier, c clock.Clock, cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.ArmingWindow <= 0 {
		cfg.ArmingWindow = def.ArmingWindow
	}
	if cfg.ExpiryGrace <= 0 {
		cfg.ExpiryGrace = def.ExpiryGrace
	}
	if cfg.StaleAttempt <= 0 {
		cfg.StaleAttempt = def.StaleAttempt
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if c == nil {
		c = clock.Real{}
	}
	return &Scheduler{
		store:    s,
		exec:     ex,
		notifier: n,
		clock:    c,
		cfg:      cfg,
		queued:   make(map[string]*entry),
		inFlight: make(map[string]struct{}),
		wake:     make(chan struct{}, 1),
	}
}

// Run sweeps and fires until ctx is done, then waits for in-flight
// attempts. Attempts run detached from ctx so shutdown never aborts an
// external call halfway.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Printf("scheduler: replica %s starting (sweep=%s arming=%s grace=%s)",
		s.cfg.ReplicaID, s.cfg.SweepInterval, s.cfg.ArmingWindow, s.cfg.ExpiryGrace)

	// kick immediately
	s.Sweep(ctx)

	sweep := s.clock.NewTimer(s.cfg.SweepInterval)
	defer sweep.Stop()
	fire := s.clock.NewTimer(s.untilNext())
	defer fire.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-sweep.C():
			s.Sweep(ctx)
			sweep.Reset(s.cfg.SweepInterval)
		case <-fire.C():
			s.fireDue(ctx)
		case <-s.wake:
		}
		fire.Reset(s.untilNext())
	}
}

// Wait blocks until every attempt handed to the executor has returned.
func (s *Scheduler) Wait() { s.wg.Wait() }

// Queued reports whether id is in this replica's heap.
func (s *Scheduler) Queued(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.queued[id]
	return ok
}

// Len is the number of armed intents waiting in the heap.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// untilNext is the delay to the head of the heap, or one sweep interval
// when the heap is empty.
func (s *Scheduler) untilNext() time.Duration {
	s.mu.Lock()
	head := s.queue.peek()
	s.mu.Unlock()
	if head == nil {
		return s.cfg.SweepInterval
	}
	return head.fireAt.Sub(s.clock.Now())
}

// Sweep arms what is inside the arming window, expires what can no longer
// be attempted and recovers this replica's orphans.
func (s *Scheduler) Sweep(ctx context.Context) {
	now := s.clock.Now()
	horizon := now.Add(s.cfg.ArmingWindow)

	pending, err := store.Retry(ctx, s.Retry, func() ([]*domain.Intent, error) {
		return s.store.ListArmable(ctx, horizon, s.cfg.BatchSize)
	})
	if err != nil {
		log.Printf("scheduler: list armable failed: %v", err)
	}
	for _, in := range pending {
		if s.pastGrace(in, now) {
			s.expire(ctx, in)
			continue
		}
		s.arm(ctx, in)
	}

	armed, err := store.Retry(ctx, s.Retry, func() ([]*domain.Intent, error) {
		return s.store.ListInState(ctx, domain.StateArmed, horizon, s.cfg.BatchSize)
	})
	if err != nil {
		log.Printf("scheduler: list armed failed: %v", err)
	}
	for _, in := range armed {
		switch {
		case s.pastGrace(in, now):
			s.expire(ctx, in)
		case in.ArmedBy == s.cfg.ReplicaID && !s.tracked(in.ID):
			log.Printf("scheduler: %s recovered into heap", in.ID)
			s.push(in)
		}
	}

	stale, err := store.Retry(ctx, s.Retry, func() ([]*domain.Intent, error) {
		return s.store.ListInState(ctx, domain.StateAttempting, now.Add(-s.cfg.StaleAttempt), s.cfg.BatchSize)
	})
	if err != nil {
		log.Printf("scheduler: list attempting failed: %v", err)
	}
	for _, in := range stale {
		if s.running(in.ID) {
			continue
		}
		s.abandon(ctx, in)
	}
}

func (s *Scheduler) pastGrace(in *domain.Intent, now time.Time) bool {
	return now.After(in.TargetFireAt.Add(s.cfg.ExpiryGrace))
}

// arm claims in for this replica. A lost race is expected and silent.
func (s *Scheduler) arm(ctx context.Context, in *domain.Intent) bool {
	armed, err := store.TransitionFrom(ctx, s.Retry, s.store, in, domain.StateArmed, func(i *domain.Intent) {
		i.ArmedBy = s.cfg.ReplicaID
	})
	if err != nil {
		if !domain.IsKind(err, domain.KindConflict) {
			log.Printf("scheduler: arm %s: %v", in.ID, err)
		}
		return false
	}
	log.Printf("scheduler: %s PENDING -> ARMED, fires at %s", armed.ID, armed.TargetFireAt.Format(time.RFC3339))
	s.push(armed)
	return true
}

func (s *Scheduler) push(in *domain.Intent) {
	s.mu.Lock()
	if _, ok := s.queued[in.ID]; ok {
		s.mu.Unlock()
		return
	}
	e := &entry{intent: in, fireAt: in.TargetFireAt}
	heap.Push(&s.queue, e)
	s.queued[in.ID] = e
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) tracked(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, q := s.queued[id]
	_, f := s.inFlight[id]
	return q || f
}

func (s *Scheduler) running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inFlight[id]
	return ok
}

// fireDue pops every entry whose instant has arrived and starts it.
func (s *Scheduler) fireDue(ctx context.Context) {
	for {
		now := s.clock.Now()
		s.mu.Lock()
		head := s.queue.peek()
		if head == nil || head.fireAt.After(now) {
			s.mu.Unlock()
			return
		}
		heap.Pop(&s.queue)
		delete(s.queued, head.intent.ID)
		s.mu.Unlock()

		s.start(ctx, head.intent)
	}
}

func (s *Scheduler) start(ctx context.Context, in *domain.Intent) {
	attempting, err := store.TransitionFrom(ctx, s.Retry, s.store, in, domain.StateAttempting, nil)
	if err != nil {
		if domain.IsKind(err, domain.KindConflict) {
			log.Printf("scheduler: %s no longer ARMED, dropped", in.ID)
		} else {
			// Still ARMED by us; the next sweep puts it back.
			log.Printf("scheduler: fire %s: %v", in.ID, err)
		}
		return
	}
	log.Printf("scheduler: %s ARMED -> ATTEMPTING", attempting.ID)

	s.mu.Lock()
	s.inFlight[attempting.ID] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inFlight, attempting.ID)
			s.mu.Unlock()
		}()
		if err := s.exec.Execute(context.WithoutCancel(ctx), attempting); err != nil {
			log.Printf("scheduler: execute %s: %v", attempting.ID, err)
		}
	}()
}

func (s *Scheduler) expire(ctx context.Context, in *domain.Intent) {
	from := in.State
	done, err := store.TransitionFrom(ctx, s.Retry, s.store, in, domain.StateExpired, func(i *domain.Intent) {
		i.LastError = "opening window passed before the intent was attempted"
	})
	if err != nil {
		if !domain.IsKind(err, domain.KindConflict) {
			log.Printf("scheduler: expire %s: %v", in.ID, err)
		}
		return
	}
	log.Printf("scheduler: %s %s -> EXPIRED", done.ID, from)
	s.notify(ctx, done)
}

func (s *Scheduler) abandon(ctx context.Context, in *domain.Intent) {
	done, err := store.TransitionFrom(ctx, s.Retry, s.store, in, domain.StateFailed, func(i *domain.Intent) {
		i.LastError = "attempt abandoned"
		i.LastErrorKind = domain.KindExternalUnavailable
	})
	if err != nil {
		if !domain.IsKind(err, domain.KindConflict) {
			log.Printf("scheduler: abandon %s: %v", in.ID, err)
		}
		return
	}
	log.Printf("scheduler: %s ATTEMPTING -> FAILED (abandoned after %d attempt(s))", done.ID, done.AttemptCount)
	s.notify(ctx, done)
}

func (s *Scheduler) notify(ctx context.Context, in *domain.Intent) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, in); err != nil {
		log.Printf("scheduler: notify %s: %v", in.ID, err)
	}
}
