package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RequiresFunc(t *testing.T) {
	_, err := New[int](Config{}, nil, nil)
	assert.Error(t, err)
}

func TestSubmitWait(t *testing.T) {
	p, err := New(Config{Workers: 4, QueueSize: 16}, func(_ context.Context, task *Task[int]) *Result {
		return &Result{Success: true, Data: task.Payload * 2}
	}, nil)
	require.NoError(t, err)
	p.Start()
	defer p.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := p.SubmitWait(context.Background(), &Task[int]{ID: "t", Payload: i})
			if !assert.NoError(t, err) {
				return
			}
			assert.True(t, result.Success)
			assert.Equal(t, i*2, result.Data, "each caller receives its own result")
			assert.Equal(t, "t", result.TaskID)
		}(i)
	}
	wg.Wait()

	stats := p.Stats()
	assert.Equal(t, int64(10), stats.Submitted)
	assert.Equal(t, int64(10), stats.Completed)
	assert.True(t, p.IsHealthy())
}

func TestRetries(t *testing.T) {
	var calls atomic.Int32
	p, err := New(Config{Workers: 1, MaxRetries: 2, RetryDelay: time.Millisecond}, func(context.Context, *Task[string]) *Result {
		if calls.Add(1) < 3 {
			return &Result{Error: errors.New("transient")}
		}
		return &Result{Success: true}
	}, nil)
	require.NoError(t, err)
	p.Start()
	defer p.Stop()

	result, err := p.SubmitWait(context.Background(), &Task[string]{ID: "r"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, int64(2), p.Stats().Retried)
}

func TestRetries_Exhausted(t *testing.T) {
	boom := errors.New("boom")
	p, err := New(Config{Workers: 1, MaxRetries: 1, RetryDelay: time.Millisecond}, func(context.Context, *Task[string]) *Result {
		return &Result{Error: boom}
	}, nil)
	require.NoError(t, err)
	p.Start()
	defer p.Stop()

	result, err := p.SubmitWait(context.Background(), &Task[string]{ID: "x"})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Error, boom)
	assert.Equal(t, int64(1), p.Stats().Failed)
}

func TestPanicBecomesFailure(t *testing.T) {
	p, err := New(Config{Workers: 1}, func(context.Context, *Task[string]) *Result {
		panic("bad script")
	}, nil)
	require.NoError(t, err)
	p.Start()
	defer p.Stop()

	result, err := p.SubmitWait(context.Background(), &Task[string]{ID: "p"})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error.Error(), "bad script")
}

func TestSubmitWait_ContextDone(t *testing.T) {
	release := make(chan struct{})
	p, err := New(Config{Workers: 1}, func(context.Context, *Task[string]) *Result {
		<-release
		return &Result{Success: true}
	}, nil)
	require.NoError(t, err)
	p.Start()
	defer p.Stop()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = p.SubmitWait(ctx, &Task[string]{ID: "slow"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubmit_QueueFullAndStopped(t *testing.T) {
	release := make(chan struct{})
	p, err := New(Config{Workers: 1, QueueSize: 1}, func(context.Context, *Task[int]) *Result {
		<-release
		return &Result{Success: true}
	}, nil)
	require.NoError(t, err)
	p.Start()

	require.NoError(t, p.Submit(&Task[int]{ID: "running"}))
	require.Eventually(t, func() bool { return p.Stats().Busy == 1 }, time.Second, time.Millisecond)
	require.NoError(t, p.Submit(&Task[int]{ID: "queued"}))
	assert.ErrorIs(t, p.Submit(&Task[int]{ID: "rejected"}), ErrQueueFull)

	close(release)
	require.NoError(t, p.Stop())
	assert.ErrorIs(t, p.Submit(&Task[int]{ID: "late"}), ErrShuttingDown)
	assert.Equal(t, int64(2), p.Stats().Completed)
}
