package wait

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

	"github.com/dhruvsoni1802/browser-bidi/internal/errext"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestUntilResolvesOnInterval(t *testing.T) {
	var calls atomic.Int32
	v, err := Until(context.Background(), func(context.Context) (int, bool, error) {
		n := calls.Add(1)
		return int(n), n == 3, nil
	}, Interval(5*time.Millisecond), WithTimeout(time.Second))

	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

func TestTimeout(t *testing.T) {
	start := time.Now()
	task := Start(context.Background(), func(context.Context) (struct{}, bool, error) {
		return struct{}{}, false, nil
	}, Immediate(), WithTimeout(50*time.Millisecond), WithName("waitForFunction"))

	out := task.Outcome()
	elapsed := time.Since(start)

	assert.Equal(t, TimedOut, out.Status)
	var te *errext.TimeoutError
	require.ErrorAs(t, out.Err, &te)
	assert.Equal(t, "waitForFunction", te.Op)
	assert.Equal(t, 50*time.Millisecond, te.Timeout)
	assert.GreaterOrEqual(t, te.Elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestCancel(t *testing.T) {
	task := Start(context.Background(), func(context.Context) (string, bool, error) {
		return "", false, nil
	}, Immediate())
	task.Cancel()

	v, err := task.Result()
	require.NoError(t, err)
	assert.Empty(t, v)
	assert.Equal(t, Cancelled, task.Outcome().Status)
}

func TestConditionError(t *testing.T) {
	boom := errors.New("evaluation failed")
	_, err := Until(context.Background(), func(context.Context) (int, bool, error) {
		return 0, false, boom
	}, Interval(time.Millisecond))
	require.ErrorIs(t, err, boom)
}

// A signal fired while the first evaluation is still running must lead to a
// second evaluation.
func TestNoMissedWakeup(t *testing.T) {
	trigger := Immediate()
	var state atomic.Bool
	var evals atomic.Int32

	task := Start(context.Background(), func(context.Context) (bool, bool, error) {
		if evals.Add(1) == 1 {
			state.Store(true)
			trigger.Fire()
			return false, false, nil
		}
		return true, state.Load(), nil
	}, trigger, WithTimeout(time.Second))

	v, err := task.Result()
	require.NoError(t, err)
	assert.True(t, v)
	assert.Equal(t, int32(2), evals.Load())
}

func TestExternalSignalReleasedOnce(t *testing.T) {
	var (
		mu       sync.Mutex
		notify   func()
		releases int
	)
	signal := ExternalSignal(func(fn func()) func() {
		mu.Lock()
		notify = fn
		mu.Unlock()
		return func() {
			mu.Lock()
			releases++
			mu.Unlock()
		}
	})

	// Subscribed before Start returns.
	var ready atomic.Bool
	task := Start(context.Background(), func(context.Context) (string, bool, error) {
		return "loaded", ready.Load(), nil
	}, signal, WithTimeout(time.Second))

	mu.Lock()
	require.NotNil(t, notify)
	fire := notify
	mu.Unlock()

	ready.Store(true)
	fire()

	v, err := task.Result()
	require.NoError(t, err)
	assert.Equal(t, "loaded", v)

	task.Cancel()
	mu.Lock()
	assert.Equal(t, 1, releases)
	mu.Unlock()
}

func TestParentContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	task := Start(ctx, func(context.Context) (int, bool, error) {
		return 0, false, nil
	}, Interval(time.Millisecond))

	cancel()
	<-task.Done()
	assert.Equal(t, Cancelled, task.Outcome().Status)
}
