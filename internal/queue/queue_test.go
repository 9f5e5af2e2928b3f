package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func TestSubmitReturnsResult(t *testing.T) {
	q := New(3, arbor.NewLogger())
	defer q.Close()

	result, err := q.Submit(func(ctx context.Context) (interface{}, error) {
		return "done", nil
	}, PriorityNormal, nil)
	require.NoError(t, err)

	select {
	case res := <-result:
		require.NoError(t, res.Err)
		assert.Equal(t, "done", res.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestPanickingTaskFreesSlotAndFailsSubmitter(t *testing.T) {
	q := New(1, arbor.NewLogger())
	defer q.Close()

	first, err := q.Submit(func(ctx context.Context) (interface{}, error) {
		panic("bad provider adapter")
	}, PriorityNormal, nil)
	require.NoError(t, err)

	second, err := q.Submit(func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	}, PriorityNormal, nil)
	require.NoError(t, err)

	select {
	case res := <-first:
		require.Error(t, res.Err)
		assert.Contains(t, res.Err.Error(), "panicked")
	case <-time.After(2 * time.Second):
		t.Fatal("panicking task never reported a result")
	}

	select {
	case res := <-second:
		require.NoError(t, res.Err)
		assert.Equal(t, "ok", res.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("task after panic never dispatched")
	}

	// Bookkeeping runs after the result send; allow it to settle.
	assert.Eventually(t, func() bool {
		status := q.Status()
		return status.Depth == 0 && status.Active == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDispatchOrderPriorityThenFIFO(t *testing.T) {
	q := New(1, arbor.NewLogger())
	defer q.Close()

	// Occupy the single slot so subsequent submissions queue up.
	gate := make(chan struct{})
	blockerDone, err := q.Submit(func(ctx context.Context) (interface{}, error) {
		<-gate
		return nil, nil
	}, PriorityCritical, nil)
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	record := func(name string) Work {
		return func(ctx context.Context) (interface{}, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		}
	}

	submissions := []struct {
		name     string
		priority int
	}{
		{"low", PriorityLow},
		{"high", PriorityHigh},
		{"normal-1", PriorityNormal},
		{"critical", PriorityCritical},
		{"normal-2", PriorityNormal},
	}

	results := make([]<-chan Result, 0, len(submissions))
	for _, s := range submissions {
		res, err := q.Submit(record(s.name), s.priority, nil)
		require.NoError(t, err)
		results = append(results, res)
	}

	close(gate)
	<-blockerDone
	for _, res := range results {
		select {
		case <-res:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for task")
		}
	}

	assert.Equal(t, []string{"critical", "high", "normal-1", "normal-2", "low"}, order)
}

func TestConcurrencyBound(t *testing.T) {
	const concurrency = 3
	q := New(concurrency, arbor.NewLogger())
	defer q.Close()

	var running atomic.Int32
	var peak atomic.Int32

	work := func(ctx context.Context) (interface{}, error) {
		current := running.Add(1)
		for {
			old := peak.Load()
			if current <= old || peak.CompareAndSwap(old, current) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return nil, nil
	}

	var results []<-chan Result
	for i := 0; i < 10; i++ {
		res, err := q.Submit(work, PriorityNormal, nil)
		require.NoError(t, err)
		results = append(results, res)
	}
	for _, res := range results {
		select {
		case <-res:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for task")
		}
	}

	assert.LessOrEqual(t, peak.Load(), int32(concurrency))
	assert.Greater(t, peak.Load(), int32(0))
}

func TestClearCancelsPendingOnly(t *testing.T) {
	q := New(1, arbor.NewLogger())
	defer q.Close()

	gate := make(chan struct{})
	blocker, err := q.Submit(func(ctx context.Context) (interface{}, error) {
		<-gate
		return "ran", nil
	}, PriorityNormal, nil)
	require.NoError(t, err)

	pending, err := q.Submit(func(ctx context.Context) (interface{}, error) {
		return "never", nil
	}, PriorityNormal, nil)
	require.NoError(t, err)

	cancelled := q.Clear()
	assert.Equal(t, 1, cancelled)

	res := <-pending
	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, ErrQueueCancelled))

	// The dispatched task is unaffected by Clear.
	close(gate)
	blockerRes := <-blocker
	require.NoError(t, blockerRes.Err)
	assert.Equal(t, "ran", blockerRes.Value)
}

func TestStatusBuckets(t *testing.T) {
	q := New(1, arbor.NewLogger())
	defer q.Close()

	gate := make(chan struct{})
	defer close(gate)
	_, err := q.Submit(func(ctx context.Context) (interface{}, error) {
		<-gate
		return nil, nil
	}, PriorityCritical, nil)
	require.NoError(t, err)

	for _, p := range []int{PriorityCritical, PriorityHigh, PriorityNormal, PriorityNormal, PriorityLow, PriorityBackground} {
		_, err := q.Submit(func(ctx context.Context) (interface{}, error) { return nil, nil }, p, nil)
		require.NoError(t, err)
	}

	status := q.Status()
	assert.Equal(t, 6, status.Depth)
	assert.Equal(t, 1, status.Active)
	assert.Equal(t, 1, status.ByPriority["critical"])
	assert.Equal(t, 1, status.ByPriority["high"])
	assert.Equal(t, 2, status.ByPriority["normal"])
	assert.Equal(t, 1, status.ByPriority["low"])
	assert.Equal(t, 1, status.ByPriority["background"])
}

func TestOnChangeFires(t *testing.T) {
	q := New(1, arbor.NewLogger())
	defer q.Close()

	var notifications atomic.Int32
	q.OnChange(func(depth int) {
		notifications.Add(1)
	})

	res, err := q.Submit(func(ctx context.Context) (interface{}, error) { return nil, nil }, PriorityNormal, nil)
	require.NoError(t, err)
	<-res

	assert.Eventually(t, func() bool {
		return notifications.Load() >= 2 // enqueue + completion
	}, time.Second, 10*time.Millisecond)
}

func TestSubmitAfterClose(t *testing.T) {
	q := New(1, arbor.NewLogger())
	q.Close()

	_, err := q.Submit(func(ctx context.Context) (interface{}, error) { return nil, nil }, PriorityNormal, nil)
	assert.ErrorIs(t, err, ErrQueueClosed)
}
