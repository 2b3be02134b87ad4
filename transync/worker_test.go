// Copyright 2025 TransHub Authors
// SPDX-License-Identifier: Apache-2.0

package transync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWorkerPool_ProcessesTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := NewMemoryTaskQueue(QueueConfig{})
	id, err := queue.Enqueue(ctx, TaskTypeReindexEntries,
		map[string]any{"session_id": "s1", "entry_count": 3}, EnqueueOptions{})
	require.NoError(t, err)

	var (
		mu      sync.Mutex
		handled []string
	)
	pool := NewWorkerPool(queue, WorkerConfig{Workers: 2, PollInterval: 5 * time.Millisecond}, testLogger())
	pool.Register(TaskTypeReindexEntries, func(_ context.Context, task *Task) error {
		var payload struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return err
		}
		mu.Lock()
		handled = append(handled, payload.SessionID)
		mu.Unlock()
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		task, err := queue.Get(ctx, id)
		return err == nil && task.State == TaskDone
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"s1"}, handled)
}

func TestWorkerPool_HandlerFailureMovesTaskToErr(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := NewMemoryTaskQueue(QueueConfig{})
	id, err := queue.Enqueue(ctx, TaskTypeReindexEntries, nil, EnqueueOptions{})
	require.NoError(t, err)

	pool := NewWorkerPool(queue, WorkerConfig{Workers: 1, PollInterval: 5 * time.Millisecond}, testLogger())
	pool.Register(TaskTypeReindexEntries, func(context.Context, *Task) error {
		return errors.New("reindex backend unavailable")
	})

	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		task, err := queue.Get(ctx, id)
		return err == nil && task.State == TaskErr
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	task, err := queue.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "reindex backend unavailable", task.LastError)
}

func TestWorkerPool_UnregisteredTypeFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := NewMemoryTaskQueue(QueueConfig{})
	id, err := queue.Enqueue(ctx, "unknown_type", nil, EnqueueOptions{})
	require.NoError(t, err)

	pool := NewWorkerPool(queue, WorkerConfig{Workers: 1, PollInterval: 5 * time.Millisecond}, testLogger())

	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		task, err := queue.Get(ctx, id)
		return err == nil && task.State == TaskErr
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
