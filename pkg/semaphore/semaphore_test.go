package semaphore

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/resilient-fetch/pkg/log"
	"github.com/Sriram-PR/resilient-fetch/pkg/utils"
)

func newTestSemaphore(max int64, fair bool) *Semaphore {
	return New(max, fair, log.Discard())
}

// waitForWaiters polls until n goroutines are queued.
func waitForWaiters(t *testing.T, s *Semaphore, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State().Waiting == n }, time.Second, time.Millisecond)
}

func assertInvariants(t *testing.T, s *Semaphore) {
	t.Helper()
	st := s.State()
	assert.GreaterOrEqual(t, st.Available, int64(0))
	assert.LessOrEqual(t, st.Available, st.MaxConcurrency)
	if st.InFlight <= st.MaxConcurrency {
		assert.Equal(t, st.MaxConcurrency, st.Available+st.InFlight)
	}
	assert.LessOrEqual(t, st.TotalReleased, st.TotalAcquired)
}

func TestSemaphore_AcquireTimeoutScenario(t *testing.T) {
	s := newTestSemaphore(3, false)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Acquire(ctx, 100*time.Millisecond))
	}
	assert.Equal(t, int64(0), s.Available())

	start := time.Now()
	err := s.Acquire(ctx, 100*time.Millisecond)
	elapsed := time.Since(start)

	require.Error(t, err)
	var acqErr *utils.SemaphoreAcquisitionError
	require.ErrorAs(t, err, &acqErr)
	assert.ErrorIs(t, err, utils.ErrSemaphoreTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, utils.KindSemaphoreAcquisition, utils.KindOf(err))
	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond)
	assert.Less(t, elapsed, time.Second)

	st := s.State()
	assert.Equal(t, 0, st.Waiting, "timed out waiter must leave the queue")
	assert.Equal(t, int64(3), st.InFlight)
	assertInvariants(t, s)
}

func TestSemaphore_CanceledContext(t *testing.T) {
	s := newTestSemaphore(1, false)
	require.True(t, s.TryAcquire())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Acquire(ctx, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, utils.ErrSemaphoreTimeout)
}

func TestSemaphore_InvariantsUnderRandomOps(t *testing.T) {
	s := newTestSemaphore(4, false)
	rng := rand.New(rand.NewSource(42))
	held := 0

	for i := 0; i < 500; i++ {
		switch rng.Intn(3) {
		case 0:
			if s.TryAcquire() {
				held++
			}
		case 1:
			s.Release()
			if held > 0 {
				held--
			}
		case 2:
			s.Resize(int64(rng.Intn(6) + 1))
		}
		assertInvariants(t, s)
		assert.Equal(t, int64(held), s.State().InFlight)
	}
}

func TestSemaphore_ExtraReleaseIsNoop(t *testing.T) {
	s := newTestSemaphore(2, false)
	require.True(t, s.TryAcquire())
	s.Release()
	s.Release()
	s.Release()

	st := s.State()
	assert.Equal(t, int64(2), st.Available)
	assert.Equal(t, int64(0), st.InFlight)
	assert.Equal(t, int64(2), st.Anomalies)
	assert.Equal(t, int64(1), st.TotalAcquired)
	assert.Equal(t, int64(1), st.TotalReleased)
}

func TestSemaphore_FIFOOrder(t *testing.T) {
	s := newTestSemaphore(1, false)
	require.True(t, s.TryAcquire())

	order := make(chan int, 3)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if !assert.NoError(t, s.Acquire(context.Background(), 0)) {
				return
			}
			order <- id
			s.Release()
		}(i)
		waitForWaiters(t, s, i+1)
	}

	s.Release()
	wg.Wait()
	close(order)

	var got []int
	for id := range order {
		got = append(got, id)
	}
	assert.Equal(t, []int{0, 1, 2}, got)
}

func TestSemaphore_WithMultipleIsAtomic(t *testing.T) {
	s := newTestSemaphore(3, false)
	require.True(t, s.TryAcquire())

	ran := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.WithMultiple(context.Background(), 3, 0, func(ctx context.Context) error {
			assert.Equal(t, int64(0), s.Available())
			close(ran)
			return nil
		})
	}()
	waitForWaiters(t, s, 1)

	// Two slots are free but the bulk waiter holds none of them.
	st := s.State()
	assert.Equal(t, int64(2), st.Available)
	assert.Equal(t, int64(1), st.InFlight)

	select {
	case <-ran:
		t.Fatal("WithMultiple ran before all slots were free")
	case <-time.After(20 * time.Millisecond):
	}

	s.Release()
	require.NoError(t, <-errCh)
	<-ran
	assert.Equal(t, int64(3), s.Available())
	assertInvariants(t, s)
}

func TestSemaphore_WithScopeReleasesOnErrorAndPanic(t *testing.T) {
	s := newTestSemaphore(1, false)
	boom := errors.New("boom")

	err := s.WithScope(context.Background(), 0, func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(1), s.Available())

	assert.Panics(t, func() {
		_ = s.WithScope(context.Background(), 0, func(ctx context.Context) error { panic("fn panicked") })
	})
	assert.Equal(t, int64(1), s.Available())
}

func TestSemaphore_ResizeDoesNotRevoke(t *testing.T) {
	s := newTestSemaphore(3, false)
	for i := 0; i < 3; i++ {
		require.True(t, s.TryAcquire())
	}

	s.Resize(1)
	st := s.State()
	assert.Equal(t, int64(1), st.MaxConcurrency)
	assert.Equal(t, int64(3), st.InFlight)
	assert.Equal(t, int64(0), st.Available)

	s.Release()
	s.Release()
	assert.Equal(t, int64(0), s.Available(), "ceiling only drops as slots are released")
	assert.False(t, s.TryAcquire())

	s.Release()
	assert.Equal(t, int64(1), s.Available())
	assertInvariants(t, s)
}

func TestSemaphore_ResizeUpWakesWaiters(t *testing.T) {
	s := newTestSemaphore(1, false)
	require.True(t, s.TryAcquire())

	done := make(chan error, 1)
	go func() { done <- s.Acquire(context.Background(), time.Second) }()
	waitForWaiters(t, s, 1)

	s.Resize(2)
	require.NoError(t, <-done)
	assert.Equal(t, int64(2), s.State().InFlight)
}

func TestSemaphore_Drain(t *testing.T) {
	s := newTestSemaphore(2, false)
	require.True(t, s.TryAcquire())

	drained := make(chan func(), 1)
	go func() {
		release, err := s.Drain(context.Background())
		assert.NoError(t, err)
		drained <- release
	}()
	waitForWaiters(t, s, 1)

	s.Release()
	release := <-drained
	assert.Equal(t, int64(0), s.Available())
	assert.Equal(t, int64(2), s.State().InFlight)

	release()
	release() // idempotent
	assert.Equal(t, int64(2), s.Available())
	assert.Equal(t, int64(0), s.State().Anomalies)
}

func TestSemaphore_FairTryAcquire(t *testing.T) {
	for _, fair := range []bool{true, false} {
		s := newTestSemaphore(2, fair)
		require.True(t, s.TryAcquire())

		go func() { _ = s.AcquireN(context.Background(), 2, 200*time.Millisecond) }()
		waitForWaiters(t, s, 1)

		got := s.TryAcquire()
		assert.Equal(t, !fair, got, "fair=%v", fair)
	}
}

func TestSemaphore_WaitAvailable(t *testing.T) {
	s := newTestSemaphore(1, false)
	require.NoError(t, s.WaitAvailable(context.Background()))
	require.True(t, s.TryAcquire())

	done := make(chan error, 1)
	go func() { done <- s.WaitAvailable(context.Background()) }()

	select {
	case <-done:
		t.Fatal("WaitAvailable returned while no slot was free")
	case <-time.After(20 * time.Millisecond):
	}

	s.Release()
	require.NoError(t, <-done)
	assert.Equal(t, int64(1), s.Available(), "WaitAvailable must not reserve")

	require.True(t, s.TryAcquire())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.WaitAvailable(ctx), context.DeadlineExceeded)
}
