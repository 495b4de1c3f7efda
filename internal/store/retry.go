package store

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/example/tatkal-scheduler/internal/domain"
)

// RetryPolicy bounds Retry. The zero value uses DefaultRetry.
type RetryPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	MaxElapsed time.Duration
}

var DefaultRetry = RetryPolicy{
	Initial:    50 * time.Millisecond,
	Max:        time.Second,
	MaxElapsed: 10 * time.Second,
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	if p == (RetryPolicy{}) {
		p = DefaultRetry
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.MaxElapsedTime = p.MaxElapsed
	return backoff.WithContext(b, ctx)
}

// Retry runs op until it succeeds, fails with anything other than
// KindStoreUnavailable, or the policy gives up.
func Retry[T any](ctx context.Context, p RetryPolicy, op func() (T, error)) (T, error) {
	return backoff.RetryWithData(func() (T, error) {
		v, err := op()
		if err != nil && !domain.IsKind(err, domain.KindStoreUnavailable) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, p.backOff(ctx))
}

// RetryErr is Retry for operations without a result.
func RetryErr(ctx context.Context, p RetryPolicy, op func() error) error {
	_, err := Retry(ctx, p, func() (struct{}, error) { return struct{}{}, op() })
	return err
}

// TransitionFrom runs Transition from known's state under the retry policy.
//
// A write can commit and still report KindStoreUnavailable (the connection
// drops after COMMIT). The retry then reads our own row and fails with
// KindConflict. When that happens and the stored row is exactly the one we
// would have written from known's version, the earlier try is taken as the
// winner and the row is returned.
func TransitionFrom(ctx context.Context, p RetryPolicy, s Store, known *domain.Intent, to domain.State, mutate Mutator) (*domain.Intent, error) {
	ambiguous := false
	next, err := Retry(ctx, p, func() (*domain.Intent, error) {
		out, err := s.Transition(ctx, known.ID, known.State, to, mutate)
		if domain.IsKind(err, domain.KindStoreUnavailable) {
			ambiguous = true
		}
		return out, err
	})
	if err == nil || !ambiguous || !domain.IsKind(err, domain.KindConflict) {
		return next, err
	}

	want, aerr := apply(known, known.State, to, mutate, time.Time{})
	if aerr != nil {
		return nil, err
	}
	cur, gerr := Retry(ctx, p, func() (*domain.Intent, error) {
		return s.Get(ctx, known.ID)
	})
	if gerr != nil || !sameWrite(cur, want) {
		return nil, err
	}
	return cur, nil
}

// sameWrite compares the fields a transition decides. UpdatedAt is ignored.
func sameWrite(got, want *domain.Intent) bool {
	if got.State != want.State || got.Version != want.Version ||
		got.ArmedBy != want.ArmedBy || got.AttemptCount != want.AttemptCount ||
		got.LastError != want.LastError || got.LastErrorKind != want.LastErrorKind {
		return false
	}
	if (got.Result == nil) != (want.Result == nil) {
		return false
	}
	return got.Result == nil || got.Result.PNR == want.Result.PNR
}
