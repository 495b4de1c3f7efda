// Package executor races the external booking endpoint for intents the
// scheduler has moved to ATTEMPTING.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/example/tatkal-scheduler/internal/booking"
	"github.com/example/tatkal-scheduler/internal/clock"
	"github.com/example/tatkal-scheduler/internal/domain"
	"github.com/example/tatkal-scheduler/internal/store"
)

type Config struct {
	// MaxAttempts caps external calls per intent.
	MaxAttempts int
	// RetryBackoff is the fixed pause between transient failures.
	RetryBackoff time.Duration
	// RequestTimeout bounds a single external call.
	RequestTimeout time.Duration
	// AttemptWindow is how long after the fire instant a call is still worth
	// making.
	AttemptWindow time.Duration
	// MaxConcurrent caps in-flight external calls for the whole process.
	MaxConcurrent int64
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		RetryBackoff:   300 * time.Millisecond,
		RequestTimeout: 3 * time.Second,
		AttemptWindow:  2 * time.Minute,
		MaxConcurrent:  32,
	}
}

// Notifier is told about every terminal state this executor writes.
type Notifier interface {
	Notify(ctx context.Context, in *domain.Intent) error
}

type Executor struct {
	store    store.Store
	booker   booking.Booker
	notifier Notifier
	clock    clock.Clock
	cfg      Config
	sem      *semaphore.Weighted

	// Retry governs store writes. Zero uses store.DefaultRetry.
	Retry store.RetryPolicy
}

func New(s store.Store, b booking.Booker, n Notifier, c clock.Clock, cfg Config) *Executor {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryBackoff < 0 {
		cfg.RetryBackoff = 0
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.AttemptWindow <= 0 {
		cfg.AttemptWindow = def.AttemptWindow
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if c == nil {
		c = clock.Real{}
	}
	return &Executor{
		store:    s,
		booker:   b,
		notifier: n,
		clock:    c,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
	}
}

var errWindowClosed = errors.New("booking window closed")

// Execute drives in from ATTEMPTING to SUCCEEDED or FAILED. The caller must
// already have won ARMED -> ATTEMPTING for in.
//
// A lost compare-and-swap means another process finished the intent; Execute
// stops quietly. A store outage that outlasts the retry policy is returned
// and the intent stays ATTEMPTING for the scheduler's stale sweep.
func (e *Executor) Execute(ctx context.Context, in *domain.Intent) error {
	if in.State != domain.StateAttempting {
		return fmt.Errorf("executor: %s is %s, not ATTEMPTING", in.ID, in.State)
	}
	token := booking.IdempotencyToken(in.ID)
	deadline := in.TargetFireAt.Add(e.cfg.AttemptWindow)
	cur := in
	var lastErr error

	for {
		if cur.AttemptCount >= e.cfg.MaxAttempts {
			return e.fail(ctx, cur, domain.KindExternalUnavailable, fmt.Sprintf("gave up after %d attempts: %v", cur.AttemptCount, lastErr))
		}
		if err := e.acquire(ctx, deadline); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			msg := errWindowClosed.Error()
			if lastErr != nil {
				msg = fmt.Sprintf("%s: %v", msg, lastErr)
			}
			return e.fail(ctx, cur, domain.KindExternalUnavailable, msg)
		}

		// Set rather than incremented so a retried write that already
		// landed counts once.
		n := cur.AttemptCount + 1
		next, err := e.transition(ctx, cur, domain.StateAttempting, func(i *domain.Intent) {
			i.AttemptCount = n
		})
		if err != nil {
			e.sem.Release(1)
			return e.lost(cur, "record attempt", err)
		}
		cur = next

		res, err := e.call(ctx, cur, token)
		switch {
		case err == nil && res.Status == booking.StatusConfirmed:
			return e.finish(ctx, cur, domain.StateSucceeded, func(i *domain.Intent) {
				i.Result = &domain.ResultDetails{PNR: res.PNR, Seats: append([]string(nil), res.Seats...)}
				i.LastError = ""
				i.LastErrorKind = ""
			})
		case err == nil:
			return e.finish(ctx, cur, domain.StateFailed, func(i *domain.Intent) {
				i.LastError = res.Reason
				i.LastErrorKind = ""
			})
		case ctx.Err() != nil:
			// Shutdown mid-attempt. Leave the row ATTEMPTING; the stale sweep
			// settles it.
			return ctx.Err()
		}

		lastErr = err
		what := "transient"
		if !booking.IsTransient(err) {
			what = "error"
		}
		log.Printf("executor: %s attempt %d/%d %s: %v", cur.ID, cur.AttemptCount, e.cfg.MaxAttempts, what, err)
		if cur.AttemptCount < e.cfg.MaxAttempts {
			if !clock.Sleep(e.clock, e.cfg.RetryBackoff, ctx.Done()) {
				return ctx.Err()
			}
		}
	}
}

// acquire takes a concurrency slot, giving up when the attempt window closes
// first. A slot obtained after the window has closed is handed back.
func (e *Executor) acquire(ctx context.Context, deadline time.Time) error {
	wait := deadline.Sub(e.clock.Now())
	if wait < 0 {
		return errWindowClosed
	}
	if !e.sem.TryAcquire(1) {
		qctx, cancel := context.WithCancel(ctx)
		defer cancel()
		t := e.clock.NewTimer(wait)
		defer t.Stop()
		go func() {
			select {
			case <-t.C():
				cancel()
			case <-qctx.Done():
			}
		}()
		if err := e.sem.Acquire(qctx, 1); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errWindowClosed
		}
	}
	if e.clock.Now().After(deadline) {
		e.sem.Release(1)
		return errWindowClosed
	}
	return nil
}

// call makes one external request and releases the slot acquire took.
func (e *Executor) call(ctx context.Context, in *domain.Intent, token string) (booking.Result, error) {
	defer e.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()
	return e.booker.Book(ctx, in, token)
}

func (e *Executor) fail(ctx context.Context, in *domain.Intent, kind domain.Kind, msg string) error {
	return e.finish(ctx, in, domain.StateFailed, func(i *domain.Intent) {
		i.LastError = msg
		i.LastErrorKind = kind
	})
}

func (e *Executor) finish(ctx context.Context, in *domain.Intent, to domain.State, mutate store.Mutator) error {
	done, err := e.transition(ctx, in, to, mutate)
	if err != nil {
		return e.lost(in, "finish", err)
	}
	log.Printf("executor: %s ATTEMPTING -> %s after %d attempt(s)", done.ID, to, done.AttemptCount)
	if e.notifier != nil {
		if err := e.notifier.Notify(ctx, done); err != nil {
			log.Printf("executor: notify %s: %v", done.ID, err)
		}
	}
	return nil
}

func (e *Executor) transition(ctx context.Context, cur *domain.Intent, to domain.State, mutate store.Mutator) (*domain.Intent, error) {
	return store.TransitionFrom(ctx, e.Retry, e.store, cur, to, mutate)
}

func (e *Executor) lost(in *domain.Intent, op string, err error) error {
	if domain.IsKind(err, domain.KindConflict) {
		log.Printf("executor: %s %s: intent moved on elsewhere, stopping", in.ID, op)
		return nil
	}
	return fmt.Errorf("executor: %s %s: %w", in.ID, op, err)
}
