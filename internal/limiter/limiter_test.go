package limiter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDo_BoundsConcurrency(t *testing.T) {
	l := New(Config{MaxConcurrent: 2, CallTimeout: time.Second})

	var current, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Do(context.Background(), l, func(ctx context.Context) (int, error) {
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				current.Add(-1)
				return 0, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Equal(t, int64(6), l.Stats().Calls)
	assert.Equal(t, int64(0), l.Stats().InFlight)
}

func TestDo_TimeoutReleasesSlotAndDropsLateResult(t *testing.T) {
	l := New(Config{MaxConcurrent: 1, CallTimeout: 20 * time.Millisecond})

	release := make(chan struct{})
	finished := make(chan struct{})
	got, err := Do(context.Background(), l, func(ctx context.Context) (string, error) {
		defer close(finished)
		<-release
		return "late", nil
	})
	require.ErrorIs(t, err, ErrCallTimeout)
	assert.Empty(t, got)
	assert.Equal(t, int64(0), l.Stats().InFlight)
	assert.Equal(t, int64(1), l.Stats().Timeouts)

	// the slot is free even though the first call is still running
	v, err := Do(context.Background(), l, func(ctx context.Context) (string, error) {
		return "next", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "next", v)

	close(release)
	<-finished
}

func TestDo_CallContextCarriesTimeout(t *testing.T) {
	l := New(Config{MaxConcurrent: 1, CallTimeout: 10 * time.Millisecond})

	_, err := Do(context.Background(), l, func(ctx context.Context) (struct{}, error) {
		<-ctx.Done()
		return struct{}{}, ctx.Err()
	})
	assert.ErrorIs(t, err, ErrCallTimeout)
}

func TestDo_ParentCancelIsNotATimeout(t *testing.T) {
	l := New(Config{MaxConcurrent: 1, CallTimeout: time.Second})
	require.NoError(t, l.Acquire(context.Background()))
	defer l.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := Do(ctx, l, func(ctx context.Context) (int, error) { return 1, nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrCallTimeout)
	assert.Equal(t, int64(0), l.Stats().Waiting)
}

func TestDo_PropagatesError(t *testing.T) {
	l := New(DefaultConfig())
	boom := errors.New("provider error")

	_, err := Do(context.Background(), l, func(ctx context.Context) (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(0), l.Stats().InFlight)
}

func TestAcquire_FIFO(t *testing.T) {
	l := New(Config{MaxConcurrent: 1, CallTimeout: time.Second})
	require.NoError(t, l.Acquire(context.Background()))

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := l.Acquire(context.Background()); err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			l.Release()
		}(i)
		want := int64(i)
		waitFor(t, func() bool { return l.Stats().Waiting == want })
		time.Sleep(5 * time.Millisecond) // let the waiter enter the semaphore queue
	}

	l.Release()
	wg.Wait()
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestNew_Defaults(t *testing.T) {
	l := New(Config{})
	assert.Equal(t, DefaultMaxConcurrent, l.Stats().MaxConcurrent)
	assert.Equal(t, DefaultCallTimeout, l.CallTimeout())
}
