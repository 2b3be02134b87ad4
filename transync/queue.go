// Copyright 2025 TransHub Authors
// SPDX-License-Identifier: Apache-2.0

package transync

import (
	"context"
	"encoding/json"
	"time"
)

// Task is one unit of asynchronous work. State machine:
// pending -> leased -> {done | err}; err may be reset to pending via Retry,
// and Fail promotes a task to the terminal dead state once its attempt count
// reaches the configured threshold.
type Task struct {
	ID             int64           `json:"id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	State          string          `json:"state"`
	Priority       int             `json:"priority"`
	NotBefore      *time.Time      `json:"not_before,omitempty"`
	DedupeKey      string          `json:"dedupe_key,omitempty"`
	Attempt        int             `json:"attempt"`
	LastError      string          `json:"last_error,omitempty"`
	LeaseOwner     string          `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// EnqueueOptions tune one Enqueue call.
type EnqueueOptions struct {
	// Priority orders eligible tasks descending; ties break on creation time.
	Priority int
	// Delay postpones eligibility (sets not_before).
	Delay time.Duration
	// DedupeKey rejects a second non-terminal task sharing the key with
	// ErrDuplicateTask; work is never silently duplicated.
	DedupeKey string
}

// QueueConfig holds queue-wide policy.
type QueueConfig struct {
	// MaxAttempts is the attempt threshold at which Fail promotes a task to
	// the terminal dead state instead of err. Zero means DefaultMaxAttempts.
	MaxAttempts int
}

func (c QueueConfig) maxAttempts() int {
	if c.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return c.MaxAttempts
}

// TaskQueue is a durable, lease-based work queue with at-least-once
// delivery. Lease acquisition and completion are transactional with the
// persisted state change: two callers can never hold the same lease at once.
type TaskQueue interface {
	// Enqueue persists a new pending task. payload is JSON-marshalled.
	Enqueue(ctx context.Context, taskType string, payload any, opts EnqueueOptions) (int64, error)

	// Lease atomically claims the highest-priority, earliest-created task
	// that is pending (or leased with an expired lease) and whose not_before
	// has passed, assigning owner/expiry and incrementing the attempt count.
	// No eligible task yields (nil, nil), not an error.
	Lease(ctx context.Context, owner string, duration time.Duration) (*Task, error)

	// Complete marks a task done. The caller must hold a valid, unexpired
	// lease; otherwise ErrLeaseConflict.
	Complete(ctx context.Context, id int64, owner string) error

	// Fail records the error and moves the task to err, or to dead once the
	// attempt threshold is reached. Same lease requirement as Complete.
	Fail(ctx context.Context, id int64, owner string, errMsg string) error

	// Retry explicitly resets an err task to pending, clearing lease fields
	// and preserving the attempt count. Dead tasks are rejected with
	// ErrTaskDead.
	Retry(ctx context.Context, id int64) error

	// Get returns the task by id, or ErrTaskNotFound.
	Get(ctx context.Context, id int64) (*Task, error)

	// Cleanup deletes tasks in the given states created before cutoff and
	// returns how many were removed.
	Cleanup(ctx context.Context, states []string, cutoff time.Time) (int, error)

	// Stats returns a per-state task count.
	Stats(ctx context.Context) (map[string]int, error)
}

// leaseValid reports whether owner currently holds a live lease on t.
func leaseValid(t *Task, owner string, now time.Time) bool {
	return t.State == TaskLeased &&
		t.LeaseOwner == owner &&
		t.LeaseExpiresAt != nil &&
		now.Before(*t.LeaseExpiresAt)
}

// leaseEligible reports whether t can be claimed at now: pending, or leased
// with an expired lease, and past its not_before.
func leaseEligible(t *Task, now time.Time) bool {
	switch t.State {
	case TaskPending:
	case TaskLeased:
		if t.LeaseExpiresAt == nil || now.Before(*t.LeaseExpiresAt) {
			return false
		}
	default:
		return false
	}
	return t.NotBefore == nil || !now.Before(*t.NotBefore)
}

// nonTerminal reports whether state still owes work (dedupe scope).
func nonTerminal(state string) bool {
	return state == TaskPending || state == TaskLeased || state == TaskErr
}
