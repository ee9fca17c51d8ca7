package uiqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueReturnsOperationResult(t *testing.T) {
	q := NewSerialQueue()
	defer q.Stop()

	v, err := q.Enqueue(context.Background(), func() (interface{}, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestEnqueuePropagatesOperationError(t *testing.T) {
	q := NewSerialQueue()
	defer q.Stop()

	boom := errors.New("boom")
	_, err := q.Enqueue(context.Background(), func() (interface{}, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestPanicInOneOperationDoesNotWedgeTheQueue(t *testing.T) {
	q := NewSerialQueue()
	defer q.Stop()

	_, err := q.Enqueue(context.Background(), func() (interface{}, error) {
		panic("nope")
	})
	assert.Error(t, err)

	v, err := q.Enqueue(context.Background(), func() (interface{}, error) {
		return "still alive", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "still alive", v)
}

func TestOperationsRunInSubmissionOrder(t *testing.T) {
	q := NewSerialQueue()
	defer q.Stop()

	// Hold the worker on a first operation so the later submissions
	// queue up behind it in a known order.
	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = q.Enqueue(context.Background(), func() (interface{}, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.Enqueue(context.Background(), func() (interface{}, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			})
		}()
		for len(q.jobs) < i+1 { // wait until submission i is queued
			time.Sleep(time.Millisecond)
		}
	}
	close(release)
	wg.Wait()
	assert.Len(t, order, 20)
	want := make([]int, 20)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, order)
}

func TestEnqueueAfterStopFails(t *testing.T) {
	q := NewSerialQueue()
	q.Stop()
	_, err := q.Enqueue(context.Background(), func() (interface{}, error) {
		return nil, nil
	})
	assert.Error(t, err)
}
