package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/readlater-archiver/internal/archive"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	result := make(chan archive.Job, 1)
	errCh := make(chan error, 1)

	go func() {
		job, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- job
	}()

	time.Sleep(10 * time.Millisecond) // allow goroutine to block
	require.NoError(t, q.Enqueue(context.Background(), archive.Job{ItemID: "item-1"}))

	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		assert.Equal(t, "item-1", got.ItemID)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return job")
	}
}

func TestQueueIsUnboundedFIFO(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	for i := 0; i < 1000; i++ {
		require.NoError(t, q.Enqueue(context.Background(), archive.Job{ItemID: fmt.Sprint(i)}))
	}
	assert.Equal(t, 1000, q.Len())
	for i := 0; i < 1000; i++ {
		job, err := q.Dequeue(context.Background())
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprint(i), job.ItemID)
	}
	assert.Zero(t, q.Len())
}

func TestQueueConcurrentConsumersSeeEveryJob(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	const jobs = 200
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := q.Dequeue(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				seen[job.ItemID]++
				mu.Unlock()
			}
		}()
	}
	for i := 0; i < jobs; i++ {
		require.NoError(t, q.Enqueue(context.Background(), archive.Job{ItemID: fmt.Sprint(i)}))
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == jobs
	}, time.Second, 5*time.Millisecond)
	cancel()
	wg.Wait()
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s delivered %d times", id, n)
	}
}

func TestQueueDequeueRespectsContext(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	require.NoError(t, q.Enqueue(context.Background(), archive.Job{ItemID: "left"}))
	q.Close()
	q.Close()

	require.ErrorIs(t, q.Enqueue(context.Background(), archive.Job{}), ErrClosed)

	job, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "left", job.ItemID)

	_, err = q.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestQueueEnqueueCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewQueue().Enqueue(ctx, archive.Job{})
	require.ErrorIs(t, err, context.Canceled)
}
