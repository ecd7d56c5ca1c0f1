package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPayload struct {
	Value string `json:"value"`
}

func startScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	s.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
}

func TestEnqueueRunsHandler(t *testing.T) {
	s := New()
	got := make(chan string, 1)

	require.NoError(t, s.RegisterQueue("work", 1, 4, func(ctx context.Context, job *Job) error {
		var p testPayload
		if err := job.Decode(&p); err != nil {
			return err
		}
		got <- p.Value
		return nil
	}))
	startScheduler(t, s)

	job, err := s.Enqueue("work", testPayload{Value: "hello"})
	require.NoError(t, err)

	select {
	case v := <-got:
		assert.Equal(t, "hello", v)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}

	<-job.Done()
	assert.Equal(t, StatusSucceeded, job.Status())
}

func TestEnqueueUnknownQueue(t *testing.T) {
	s := New()
	startScheduler(t, s)

	_, err := s.Enqueue("nope", testPayload{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown queue")
}

func TestEnqueueAndWaitSuccess(t *testing.T) {
	s := New()
	require.NoError(t, s.RegisterQueue("work", 1, 4, func(ctx context.Context, job *Job) error {
		job.SetProgress("doing it")
		return nil
	}))
	startScheduler(t, s)

	job, err := s.EnqueueAndWait(context.Background(), "work", testPayload{Value: "x"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, job.Status())
	assert.Equal(t, "doing it", job.Progress())
}

func TestEnqueueAndWaitFailedJob(t *testing.T) {
	s := New()
	require.NoError(t, s.RegisterQueue("work", 1, 4, func(ctx context.Context, job *Job) error {
		return errors.New("boom")
	}))
	startScheduler(t, s)

	job, err := s.EnqueueAndWait(context.Background(), "work", testPayload{}, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, StatusFailed, job.Status())
	assert.Equal(t, "boom", job.Err())
}

func TestEnqueueAndWaitTimeout(t *testing.T) {
	s := New()
	release := make(chan struct{})
	require.NoError(t, s.RegisterQueue("slow", 1, 4, func(ctx context.Context, job *Job) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}))
	startScheduler(t, s)

	_, err := s.EnqueueAndWait(context.Background(), "slow", testPayload{}, 20*time.Millisecond)
	close(release)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestNestedEnqueueAndWaitAcrossQueues(t *testing.T) {
	s := New()
	var childRan atomic.Bool

	require.NoError(t, s.RegisterQueue("child", 1, 4, func(ctx context.Context, job *Job) error {
		childRan.Store(true)
		return nil
	}))
	require.NoError(t, s.RegisterQueue("parent", 1, 4, func(ctx context.Context, job *Job) error {
		_, err := s.EnqueueAndWait(ctx, "child", testPayload{Value: "nested"}, time.Second)
		return err
	}))
	startScheduler(t, s)

	job, err := s.EnqueueAndWait(context.Background(), "parent", testPayload{}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, job.Status())
	assert.True(t, childRan.Load())
}

func TestQueueFullRejectsEnqueue(t *testing.T) {
	s := New()
	block := make(chan struct{})
	require.NoError(t, s.RegisterQueue("tiny", 1, 1, func(ctx context.Context, job *Job) error {
		<-block
		return nil
	}))
	startScheduler(t, s)

	// First job occupies the worker, second fills the buffer.
	_, err := s.Enqueue("tiny", testPayload{})
	require.NoError(t, err)

	// The worker may not have picked up the first job yet; keep filling
	// until the buffer rejects.
	var full error
	for i := 0; i < 3; i++ {
		if _, err := s.Enqueue("tiny", testPayload{}); err != nil {
			full = err
			break
		}
	}
	close(block)
	require.Error(t, full)
	assert.Contains(t, full.Error(), "full")
}

func TestGetReturnsJob(t *testing.T) {
	s := New()
	require.NoError(t, s.RegisterQueue("work", 1, 4, func(ctx context.Context, job *Job) error {
		return nil
	}))
	startScheduler(t, s)

	job, err := s.Enqueue("work", testPayload{})
	require.NoError(t, err)

	found, ok := s.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, job.ID, found.ID)

	_, ok = s.Get("missing")
	assert.False(t, ok)
}

func TestRegisterQueueAfterStart(t *testing.T) {
	s := New()
	startScheduler(t, s)

	err := s.RegisterQueue("late", 1, 4, func(ctx context.Context, job *Job) error { return nil })
	require.Error(t, err)
}
