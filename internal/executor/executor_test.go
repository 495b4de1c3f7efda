package executor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/example/tatkal-scheduler/internal/booking"
	"github.com/example/tatkal-scheduler/internal/clock"
	"github.com/example/tatkal-scheduler/internal/domain"
	"github.com/example/tatkal-scheduler/internal/store"
)

var fireAt = time.Date(2024, 8, 19, 4, 30, 0, 0, time.UTC)

type mockBooker struct{ mock.Mock }

func (m *mockBooker) Book(ctx context.Context, in *domain.Intent, token string) (booking.Result, error) {
	args := m.Called(in.ID, token)
	return args.Get(0).(booking.Result), args.Error(1)
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []*domain.Intent
}

func (r *recordingNotifier) Notify(_ context.Context, in *domain.Intent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, in.Clone())
	return nil
}

type fixture struct {
	store    *store.Memory
	clock    *clock.Manual
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := clock.NewManual(fireAt)
	return &fixture{store: store.NewMemory(c), clock: c, notifier: &recordingNotifier{}}
}

func (f *fixture) attempting(t *testing.T, id string) *domain.Intent {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.Put(ctx, &domain.Intent{
		ID:           id,
		OwnerID:      "u-1",
		Journey:      domain.Journey{TrainNumber: "12951", Date: "2024-08-20", FromStation: "NDLS", ToStation: "MMCT", TravelClass: "3A"},
		Passengers:   []domain.Passenger{{Name: "Asha", Age: 34, Gender: "F"}},
		PaymentRef:   "pay-1",
		State:        domain.StatePending,
		TargetFireAt: fireAt,
		CreatedAt:    fireAt.Add(-2 * time.Hour),
	}))
	_, err := f.store.Transition(ctx, id, domain.StatePending, domain.StateArmed, nil)
	require.NoError(t, err)
	in, err := f.store.Transition(ctx, id, domain.StateArmed, domain.StateAttempting, nil)
	require.NoError(t, err)
	return in
}

func (f *fixture) executor(b booking.Booker, cfg Config) *Executor {
	cfg.RetryBackoff = 0
	return New(f.store, b, f.notifier, f.clock, cfg)
}

func TestExecute_Confirmed(t *testing.T) {
	f := newFixture(t)
	in := f.attempting(t, "i-1")
	b := &mockBooker{}
	b.On("Book", "i-1", booking.IdempotencyToken("i-1")).
		Return(booking.Result{Status: booking.StatusConfirmed, PNR: "4512345678", Seats: []string{"B2-14"}}, nil).Once()

	require.NoError(t, f.executor(b, Config{}).Execute(context.Background(), in))

	got, err := f.store.Get(context.Background(), "i-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateSucceeded, got.State)
	assert.Equal(t, 1, got.AttemptCount)
	require.NotNil(t, got.Result)
	assert.Equal(t, "4512345678", got.Result.PNR)
	require.Len(t, f.notifier.got, 1)
	assert.Equal(t, domain.StateSucceeded, f.notifier.got[0].State)
	b.AssertExpectations(t)
}

func TestExecute_Rejected(t *testing.T) {
	f := newFixture(t)
	in := f.attempting(t, "i-1")
	b := &mockBooker{}
	b.On("Book", "i-1", mock.Anything).
		Return(booking.Result{Status: booking.StatusRejected, Reason: "sold out"}, nil).Once()

	require.NoError(t, f.executor(b, Config{}).Execute(context.Background(), in))

	got, err := f.store.Get(context.Background(), "i-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, got.State)
	assert.Equal(t, "sold out", got.LastError)
	assert.Equal(t, 1, got.AttemptCount)
	b.AssertNumberOfCalls(t, "Book", 1)
}

func TestExecute_TransientThenConfirmed(t *testing.T) {
	f := newFixture(t)
	in := f.attempting(t, "i-1")
	b := &mockBooker{}
	b.On("Book", "i-1", mock.Anything).Return(booking.Result{}, &booking.TransientError{StatusCode: 503}).Once()
	b.On("Book", "i-1", mock.Anything).Return(booking.Result{Status: booking.StatusConfirmed, PNR: "P1"}, nil).Once()

	require.NoError(t, f.executor(b, Config{MaxAttempts: 3}).Execute(context.Background(), in))

	got, err := f.store.Get(context.Background(), "i-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateSucceeded, got.State)
	assert.Equal(t, 2, got.AttemptCount)
	b.AssertExpectations(t)
}

func TestExecute_ExhaustsRetries(t *testing.T) {
	f := newFixture(t)
	in := f.attempting(t, "i-1")
	b := &mockBooker{}
	b.On("Book", "i-1", mock.Anything).Return(booking.Result{}, &booking.TransientError{StatusCode: 503})

	require.NoError(t, f.executor(b, Config{MaxAttempts: 3}).Execute(context.Background(), in))

	got, err := f.store.Get(context.Background(), "i-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, got.State)
	assert.Equal(t, domain.KindExternalUnavailable, got.LastErrorKind)
	assert.Equal(t, 3, got.AttemptCount)
	b.AssertNumberOfCalls(t, "Book", 3)
	require.Len(t, f.notifier.got, 1)
	assert.Equal(t, domain.KindExternalUnavailable, f.notifier.got[0].LastErrorKind)
}

func TestExecute_WindowClosedNeverCalls(t *testing.T) {
	f := newFixture(t)
	in := f.attempting(t, "i-1")
	f.clock.Advance(10 * time.Minute)
	b := &mockBooker{}

	require.NoError(t, f.executor(b, Config{AttemptWindow: time.Minute}).Execute(context.Background(), in))

	got, err := f.store.Get(context.Background(), "i-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, got.State)
	assert.Equal(t, domain.KindExternalUnavailable, got.LastErrorKind)
	assert.Contains(t, got.LastError, "window closed")
	assert.Equal(t, 0, got.AttemptCount)
	b.AssertNotCalled(t, "Book", mock.Anything, mock.Anything)
}

func TestExecute_LostRaceStopsQuietly(t *testing.T) {
	f := newFixture(t)
	in := f.attempting(t, "i-1")
	_, err := f.store.Transition(context.Background(), "i-1", domain.StateAttempting, domain.StateFailed, nil)
	require.NoError(t, err)
	b := &mockBooker{}

	require.NoError(t, f.executor(b, Config{}).Execute(context.Background(), in))
	b.AssertNotCalled(t, "Book", mock.Anything, mock.Anything)
	assert.Empty(t, f.notifier.got)
}

func TestExecute_RequiresAttempting(t *testing.T) {
	f := newFixture(t)
	in := f.attempting(t, "i-1")
	in.State = domain.StateArmed
	assert.Error(t, f.executor(&mockBooker{}, Config{}).Execute(context.Background(), in))
}

// idempotentEndpoint confirms at most one booking per Idempotency-Key. The
// first request for a key fails with 503 after recording the booking, which
// is the ambiguous failure a retry must not double-book.
type idempotentEndpoint struct {
	mu       sync.Mutex
	bookings map[string]string
	requests int
}

func (e *idempotentEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests++
	key := r.Header.Get("Idempotency-Key")
	pnr, seen := e.bookings[key]
	if !seen {
		e.bookings[key] = "PNR-" + key[:8]
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "CONFIRMED", "pnr": pnr})
}

func TestExecute_RetriesCarryIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	in := f.attempting(t, "i-1")
	ep := &idempotentEndpoint{bookings: map[string]string{}}
	srv := httptest.NewServer(ep)
	defer srv.Close()

	require.NoError(t, f.executor(booking.New(srv.URL), Config{MaxAttempts: 3}).Execute(context.Background(), in))

	got, err := f.store.Get(context.Background(), "i-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateSucceeded, got.State)
	assert.Equal(t, 2, ep.requests)
	assert.Len(t, ep.bookings, 1, "retries must not create a second booking")
	assert.Equal(t, ep.bookings[booking.IdempotencyToken("i-1")], got.Result.PNR)
}

type blockingBooker struct {
	mu      sync.Mutex
	active  int
	peak    int
	ids     []string
	release chan struct{}
}

func (b *blockingBooker) Book(ctx context.Context, in *domain.Intent, token string) (booking.Result, error) {
	b.mu.Lock()
	b.ids = append(b.ids, in.ID)
	b.active++
	if b.active > b.peak {
		b.peak = b.active
	}
	b.mu.Unlock()
	<-b.release
	b.mu.Lock()
	b.active--
	b.mu.Unlock()
	return booking.Result{Status: booking.StatusConfirmed, PNR: in.ID}, nil
}

func TestExecute_ConcurrencyCap(t *testing.T) {
	f := newFixture(t)
	b := &blockingBooker{release: make(chan struct{})}
	ex := f.executor(b, Config{MaxConcurrent: 2})

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		in := f.attempting(t, id)
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, ex.Execute(context.Background(), in))
		}()
	}

	assert.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.active == 2
	}, time.Second, 5*time.Millisecond)
	close(b.release)
	wg.Wait()

	assert.Equal(t, 2, b.peak)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		got, err := f.store.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, domain.StateSucceeded, got.State)
	}
}

func TestExecute_WindowClosesWhileWaitingForSlot(t *testing.T) {
	f := newFixture(t)
	b := &blockingBooker{release: make(chan struct{})}
	ex := f.executor(b, Config{MaxConcurrent: 1, AttemptWindow: time.Minute})
	first := f.attempting(t, "first")
	second := f.attempting(t, "second")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, ex.Execute(context.Background(), first))
	}()
	assert.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.active == 1
	}, time.Second, 5*time.Millisecond)

	secondDone := make(chan struct{})
	go func() {
		defer wg.Done()
		defer close(secondDone)
		assert.NoError(t, ex.Execute(context.Background(), second))
	}()
	// second is queued behind the slot with its window timer armed.
	assert.Eventually(t, func() bool { return f.clock.Waiters() == 1 }, time.Second, 5*time.Millisecond)

	f.clock.Advance(10 * time.Minute)
	select {
	case <-secondDone:
	case <-time.After(time.Second):
		t.Fatal("second intent still waiting for a slot after its window closed")
	}
	close(b.release)
	wg.Wait()

	got, err := f.store.Get(context.Background(), "second")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, got.State)
	assert.Equal(t, domain.KindExternalUnavailable, got.LastErrorKind)
	assert.Contains(t, got.LastError, "window closed")
	assert.Equal(t, 0, got.AttemptCount)
	assert.Equal(t, []string{"first"}, b.ids)
	assert.Equal(t, domain.StateSucceeded, stateOf(t, f.store, "first"))
}

// lostAck commits the first terminal write and then reports the store as
// unavailable, as a connection reset after COMMIT would.
type lostAck struct {
	*store.Memory
	mu      sync.Mutex
	dropped bool
}

func (l *lostAck) Transition(ctx context.Context, id string, from, to domain.State, mutate store.Mutator) (*domain.Intent, error) {
	out, err := l.Memory.Transition(ctx, id, from, to, mutate)
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil && to != domain.StateAttempting && !l.dropped {
		l.dropped = true
		return nil, domain.NewStoreUnavailable("transition", errors.New("connection reset"))
	}
	return out, err
}

func TestExecute_TerminalWriteCommittedDespiteErrorNotifiesOnce(t *testing.T) {
	f := newFixture(t)
	in := f.attempting(t, "i-1")
	b := &mockBooker{}
	b.On("Book", "i-1", mock.Anything).
		Return(booking.Result{Status: booking.StatusConfirmed, PNR: "4512345678"}, nil).Once()

	st := &lostAck{Memory: f.store}
	ex := New(st, b, f.notifier, f.clock, Config{})
	ex.Retry = store.RetryPolicy{Initial: time.Millisecond, Max: time.Millisecond, MaxElapsed: time.Second}
	require.NoError(t, ex.Execute(context.Background(), in))

	assert.True(t, st.dropped)
	assert.Equal(t, domain.StateSucceeded, stateOf(t, f.store, "i-1"))
	require.Len(t, f.notifier.got, 1)
	assert.Equal(t, domain.StateSucceeded, f.notifier.got[0].State)
	assert.Equal(t, "4512345678", f.notifier.got[0].Result.PNR)
	b.AssertExpectations(t)
}

func TestExecute_RetriedAttemptBumpCountsOnce(t *testing.T) {
	f := newFixture(t)
	in := f.attempting(t, "i-1")
	b := &mockBooker{}
	b.On("Book", "i-1", mock.Anything).
		Return(booking.Result{Status: booking.StatusConfirmed, PNR: "P1"}, nil).Once()

	st := &bumpLost{Memory: f.store}
	ex := New(st, b, f.notifier, f.clock, Config{})
	ex.Retry = store.RetryPolicy{Initial: time.Millisecond, Max: time.Millisecond, MaxElapsed: time.Second}
	require.NoError(t, ex.Execute(context.Background(), in))

	got, err := f.store.Get(context.Background(), "i-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateSucceeded, got.State)
	assert.Equal(t, 1, got.AttemptCount)
	require.Len(t, f.notifier.got, 1)
	b.AssertExpectations(t)
}

// bumpLost drops the acknowledgement of the first attemptCount bump.
type bumpLost struct {
	*store.Memory
	dropped bool
}

func (l *bumpLost) Transition(ctx context.Context, id string, from, to domain.State, mutate store.Mutator) (*domain.Intent, error) {
	out, err := l.Memory.Transition(ctx, id, from, to, mutate)
	if err == nil && from == domain.StateAttempting && to == domain.StateAttempting && !l.dropped {
		l.dropped = true
		return nil, domain.NewStoreUnavailable("transition", errors.New("connection reset"))
	}
	return out, err
}

func stateOf(t *testing.T, s store.Store, id string) domain.State {
	t.Helper()
	in, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	return in.State
}
