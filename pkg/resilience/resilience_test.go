package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "test", RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond}, func() error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryGivesUp(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "test", RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond}, func() error {
		calls++
		return errFlaky
	})
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 2, calls)
}

func TestRetryStopsOnPermanent(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "test", RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond}, func() error {
		calls++
		return Permanent(errFlaky)
	})
	assert.Equal(t, errFlaky, err)
	assert.Equal(t, 1, calls)
	assert.Nil(t, Permanent(nil))
}

func TestRetryableClassifiesErrors(t *testing.T) {
	errFatal := errors.New("fatal")
	calls := 0
	cfg := RetryConfig{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		Retryable:    func(err error) bool { return !errors.Is(err, errFatal) },
	}
	err := Retry(context.Background(), "test", cfg, func() error {
		calls++
		if calls == 2 {
			return errFatal
		}
		return errFlaky
	})
	assert.Equal(t, errFatal, err)
	assert.Equal(t, 2, calls)
}

func TestBackoffIsCapped(t *testing.T) {
	cfg := RetryConfig{InitialDelay: time.Second, MaxDelay: 3 * time.Second}.withDefaults()
	assert.InDelta(t, float64(time.Second), float64(backoff(1, cfg)), float64(150*time.Millisecond))
	assert.Equal(t, 3*time.Second, backoff(10, cfg))
}

func TestRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, "test", RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond}, func() error {
		return errFlaky
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCircuitBreakerLifecycle(t *testing.T) {
	var mu sync.Mutex
	var states []State
	cb := NewCircuitBreaker("redis", CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     20 * time.Millisecond,
		OnStateChange: func(name string, to State) {
			assert.Equal(t, "redis", name)
			mu.Lock()
			states = append(states, to)
			mu.Unlock()
		},
	})
	fail := func() error { return errFlaky }
	ok := func() error { return nil }

	assert.ErrorIs(t, cb.Execute(fail), errFlaky)
	assert.Equal(t, StateClosed, cb.GetState())
	assert.ErrorIs(t, cb.Execute(fail), errFlaky)
	assert.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	time.Sleep(25 * time.Millisecond)
	require.NoError(t, cb.Execute(ok))
	assert.Equal(t, StateClosed, cb.GetState())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, states)
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("pg", CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond})
	_ = cb.Execute(func() error { return errFlaky })
	time.Sleep(15 * time.Millisecond)
	_ = cb.Execute(func() error { return errFlaky })
	assert.Equal(t, StateOpen, cb.GetState())
	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, "pg", cb.Name())
}

func TestCircuitBreakerIgnoresCancellation(t *testing.T) {
	cb := NewCircuitBreaker("redis", CircuitBreakerConfig{FailureThreshold: 1})
	assert.ErrorIs(t, cb.Execute(func() error { return context.Canceled }), context.Canceled)
	assert.Equal(t, StateClosed, cb.GetState())

	strict := NewCircuitBreaker("kafka", CircuitBreakerConfig{
		FailureThreshold: 1,
		IsFailure:        func(err error) bool { return errors.Is(err, errFlaky) },
	})
	_ = strict.Execute(func() error { return errors.New("bad request") })
	assert.Equal(t, StateClosed, strict.GetState())
	_ = strict.Execute(func() error { return errFlaky })
	assert.Equal(t, StateOpen, strict.GetState())
}

func TestCircuitBreakerLimitsProbes(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker("pg", CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})
	cb.now = func() time.Time { return now }

	_ = cb.Execute(func() error { return errFlaky })
	now = now.Add(time.Minute)
	assert.Equal(t, StateHalfOpen, cb.GetState())

	inProbe := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(func() error {
			close(inProbe)
			<-release
			return nil
		})
	}()
	<-inProbe
	assert.ErrorIs(t, cb.Execute(func() error { return nil }), ErrCircuitOpen)
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestTimeout(t *testing.T) {
	v, err := Timeout(context.Background(), time.Second, "fast", func(context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	_, err = Timeout(context.Background(), 10*time.Millisecond, "slow", func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	err = WithTimeout(context.Background(), 0, "unbounded", func(context.Context) error { return errFlaky })
	assert.ErrorIs(t, err, errFlaky)
}

func TestSleepStopsOnCancel(t *testing.T) {
	require.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)

	d := Backoff(10, RetryConfig{InitialDelay: time.Second, MaxDelay: 3 * time.Second})
	assert.Equal(t, 3*time.Second, d)
}
