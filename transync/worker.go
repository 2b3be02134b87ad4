// Copyright 2025 TransHub Authors
// SPDX-License-Identifier: Apache-2.0

package transync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// TaskHandler processes one leased task. Returning nil completes the task;
// returning an error records it and moves the task to err (or dead once the
// attempt threshold is reached). Handlers must be idempotent: the queue is
// at-least-once and an expired lease hands the task to another worker.
type TaskHandler func(ctx context.Context, task *Task) error

// WorkerConfig tunes a WorkerPool.
type WorkerConfig struct {
	Workers       int
	PollInterval  time.Duration
	LeaseDuration time.Duration
}

func (c *WorkerConfig) normalize() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = DefaultLeaseDuration
	}
}

// WorkerPool leases tasks from a TaskQueue and dispatches them to handlers
// registered per task type. It decouples commit-time ingestion from
// asynchronous processing.
type WorkerPool struct {
	queue    TaskQueue
	logger   *slog.Logger
	config   WorkerConfig
	owner    string
	handlers map[string]TaskHandler
}

func NewWorkerPool(queue TaskQueue, config WorkerConfig, logger *slog.Logger) *WorkerPool {
	config.normalize()
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		queue:    queue,
		logger:   logger,
		config:   config,
		owner:    "worker-" + uuid.NewString(),
		handlers: make(map[string]TaskHandler),
	}
}

// Register installs the handler for a task type. Not safe to call after Run.
func (p *WorkerPool) Register(taskType string, handler TaskHandler) {
	p.handlers[taskType] = handler
}

// Run blocks until ctx is cancelled, fanning out config.Workers lease loops.
func (p *WorkerPool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.config.Workers; i++ {
		worker := fmt.Sprintf("%s-%d", p.owner, i)
		g.Go(func() error {
			return p.loop(ctx, worker)
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (p *WorkerPool) loop(ctx context.Context, owner string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		task, err := p.queue.Lease(ctx, owner, p.config.LeaseDuration)
		if err != nil {
			p.logger.Error("Task lease failed", "owner", owner, "error", err)
			if err := sleepWithContext(ctx, p.config.PollInterval); err != nil {
				return err
			}
			continue
		}
		if task == nil {
			if err := sleepWithContext(ctx, p.config.PollInterval); err != nil {
				return err
			}
			continue
		}

		p.dispatch(ctx, owner, task)
	}
}

func (p *WorkerPool) dispatch(ctx context.Context, owner string, task *Task) {
	handler, ok := p.handlers[task.Type]
	if !ok {
		p.logger.Warn("No handler registered for task type", "type", task.Type, "task_id", task.ID)
		if err := p.queue.Fail(ctx, task.ID, owner, "no handler for type "+task.Type); err != nil {
			p.logger.Error("Failed to record task failure", "task_id", task.ID, "error", err)
		}
		return
	}

	if err := handler(ctx, task); err != nil {
		p.logger.Warn("Task handler failed",
			"type", task.Type, "task_id", task.ID, "attempt", task.Attempt, "error", err)
		if failErr := p.queue.Fail(ctx, task.ID, owner, err.Error()); failErr != nil {
			p.logger.Error("Failed to record task failure", "task_id", task.ID, "error", failErr)
		}
		return
	}

	if err := p.queue.Complete(ctx, task.ID, owner); err != nil {
		// Lease may have expired mid-handler; another worker will redo the
		// task, which handlers must tolerate.
		p.logger.Warn("Failed to complete task", "task_id", task.ID, "error", err)
	}
}
