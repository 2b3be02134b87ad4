// Copyright 2025 TransHub Authors
// SPDX-License-Identifier: Apache-2.0

package transync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryTaskQueue_EnqueueLeaseComplete(t *testing.T) {
	ctx := context.Background()
	queue := NewMemoryTaskQueue(QueueConfig{})

	id, err := queue.Enqueue(ctx, "reindex_entries", map[string]any{"session_id": "s1"}, EnqueueOptions{})
	require.NoError(t, err)

	task, err := queue.Lease(ctx, "worker-a", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Equal(t, id, task.ID)
	require.Equal(t, TaskLeased, task.State)
	require.Equal(t, 1, task.Attempt)

	require.NoError(t, queue.Complete(ctx, id, "worker-a"))

	done, err := queue.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, TaskDone, done.State)
	require.Empty(t, done.LeaseOwner)
}

func TestMemoryTaskQueue_LeaseExclusivity(t *testing.T) {
	ctx := context.Background()
	queue := NewMemoryTaskQueue(QueueConfig{})
	_, err := queue.Enqueue(ctx, "reindex_entries", nil, EnqueueOptions{})
	require.NoError(t, err)

	var (
		mu      sync.Mutex
		granted int
		wg      sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, err := queue.Lease(ctx, "worker", time.Minute)
			require.NoError(t, err)
			if task != nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, granted, "a validly-leased task must never be granted twice")
}

func TestMemoryTaskQueue_ExpiredLeaseIsReclaimable(t *testing.T) {
	ctx := context.Background()
	queue := NewMemoryTaskQueue(QueueConfig{})
	id, err := queue.Enqueue(ctx, "reindex_entries", nil, EnqueueOptions{})
	require.NoError(t, err)

	_, err = queue.Lease(ctx, "worker-a", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	task, err := queue.Lease(ctx, "worker-b", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Equal(t, id, task.ID)
	require.Equal(t, 2, task.Attempt)

	// The original holder lost the lease.
	err = queue.Complete(ctx, id, "worker-a")
	require.ErrorIs(t, err, ErrLeaseConflict)
}

func TestMemoryTaskQueue_PriorityAndCreationOrder(t *testing.T) {
	ctx := context.Background()
	queue := NewMemoryTaskQueue(QueueConfig{})

	low, err := queue.Enqueue(ctx, "t", nil, EnqueueOptions{Priority: 1})
	require.NoError(t, err)
	high, err := queue.Enqueue(ctx, "t", nil, EnqueueOptions{Priority: 5})
	require.NoError(t, err)
	high2, err := queue.Enqueue(ctx, "t", nil, EnqueueOptions{Priority: 5})
	require.NoError(t, err)

	first, err := queue.Lease(ctx, "w", time.Minute)
	require.NoError(t, err)
	require.Equal(t, high, first.ID, "highest priority wins")

	second, err := queue.Lease(ctx, "w", time.Minute)
	require.NoError(t, err)
	require.Equal(t, high2, second.ID, "ties break on creation order")

	third, err := queue.Lease(ctx, "w", time.Minute)
	require.NoError(t, err)
	require.Equal(t, low, third.ID)
}

func TestMemoryTaskQueue_NotBefore(t *testing.T) {
	ctx := context.Background()
	queue := NewMemoryTaskQueue(QueueConfig{})
	_, err := queue.Enqueue(ctx, "t", nil, EnqueueOptions{Delay: 50 * time.Millisecond})
	require.NoError(t, err)

	task, err := queue.Lease(ctx, "w", time.Minute)
	require.NoError(t, err)
	require.Nil(t, task, "delayed task must not be eligible yet")

	time.Sleep(60 * time.Millisecond)
	task, err = queue.Lease(ctx, "w", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)
}

func TestMemoryTaskQueue_FailRetryPreservesAttempt(t *testing.T) {
	ctx := context.Background()
	queue := NewMemoryTaskQueue(QueueConfig{})
	id, err := queue.Enqueue(ctx, "t", nil, EnqueueOptions{})
	require.NoError(t, err)

	_, err = queue.Lease(ctx, "w", time.Minute)
	require.NoError(t, err)
	require.NoError(t, queue.Fail(ctx, id, "w", "handler exploded"))

	task, err := queue.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, TaskErr, task.State)
	require.Equal(t, "handler exploded", task.LastError)
	require.Equal(t, 1, task.Attempt)

	require.NoError(t, queue.Retry(ctx, id))
	task, err = queue.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, TaskPending, task.State)
	require.Equal(t, 1, task.Attempt, "retry preserves the attempt count")
	require.Empty(t, task.LeaseOwner)
}

func TestMemoryTaskQueue_DeadPromotion(t *testing.T) {
	ctx := context.Background()
	queue := NewMemoryTaskQueue(QueueConfig{MaxAttempts: 2})
	id, err := queue.Enqueue(ctx, "t", nil, EnqueueOptions{})
	require.NoError(t, err)

	// Attempt 1: err.
	_, err = queue.Lease(ctx, "w", time.Minute)
	require.NoError(t, err)
	require.NoError(t, queue.Fail(ctx, id, "w", "first failure"))
	require.NoError(t, queue.Retry(ctx, id))

	// Attempt 2 reaches the threshold: dead.
	_, err = queue.Lease(ctx, "w", time.Minute)
	require.NoError(t, err)
	require.NoError(t, queue.Fail(ctx, id, "w", "second failure"))

	task, err := queue.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, TaskDead, task.State)

	require.ErrorIs(t, queue.Retry(ctx, id), ErrTaskDead)
}

func TestMemoryTaskQueue_Dedupe(t *testing.T) {
	ctx := context.Background()
	queue := NewMemoryTaskQueue(QueueConfig{})

	id, err := queue.Enqueue(ctx, "t", nil, EnqueueOptions{DedupeKey: "reindex:s1"})
	require.NoError(t, err)

	_, err = queue.Enqueue(ctx, "t", nil, EnqueueOptions{DedupeKey: "reindex:s1"})
	require.ErrorIs(t, err, ErrDuplicateTask)
	require.True(t, IsDuplicateTask(err))

	// Terminal tasks no longer hold the key.
	_, err = queue.Lease(ctx, "w", time.Minute)
	require.NoError(t, err)
	require.NoError(t, queue.Complete(ctx, id, "w"))

	_, err = queue.Enqueue(ctx, "t", nil, EnqueueOptions{DedupeKey: "reindex:s1"})
	require.NoError(t, err)
}

func TestMemoryTaskQueue_CleanupAndStats(t *testing.T) {
	ctx := context.Background()
	queue := NewMemoryTaskQueue(QueueConfig{})

	doneID, err := queue.Enqueue(ctx, "t", nil, EnqueueOptions{})
	require.NoError(t, err)
	_, err = queue.Enqueue(ctx, "t", nil, EnqueueOptions{})
	require.NoError(t, err)

	_, err = queue.Lease(ctx, "w", time.Minute)
	require.NoError(t, err)
	require.NoError(t, queue.Complete(ctx, doneID, "w"))

	stats, err := queue.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]int{TaskDone: 1, TaskPending: 1}, stats)

	removed, err := queue.Cleanup(ctx, []string{TaskDone}, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = queue.Get(ctx, doneID)
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestMemoryTaskQueue_EmptyLease(t *testing.T) {
	queue := NewMemoryTaskQueue(QueueConfig{})
	task, err := queue.Lease(context.Background(), "w", time.Minute)
	require.NoError(t, err)
	require.Nil(t, task, "no eligible task is an empty result, not an error")
}
