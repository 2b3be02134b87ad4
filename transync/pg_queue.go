// Copyright 2025 TransHub Authors
// SPDX-License-Identifier: Apache-2.0

package transync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGTaskQueue is the Postgres-backed work queue. Lease acquisition rides on
// FOR UPDATE SKIP LOCKED so concurrent workers never contend on the same row,
// and state changes are guarded by the lease owner/expiry columns.
type PGTaskQueue struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	config QueueConfig
}

func NewPGTaskQueue(pool *pgxpool.Pool, config QueueConfig, logger *slog.Logger) *PGTaskQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &PGTaskQueue{pool: pool, logger: logger, config: config}
}

const taskColumns = `id, type, payload, state, priority, not_before, dedupe_key,
	attempt, COALESCE(last_error, ''), COALESCE(lease_owner, ''), lease_expires_at,
	created_at, updated_at`

func (q *PGTaskQueue) Enqueue(ctx context.Context, taskType string, payload any, opts EnqueueOptions) (int64, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode task payload: %w", err)
	}
	var notBefore *time.Time
	if opts.Delay > 0 {
		t := time.Now().Add(opts.Delay)
		notBefore = &t
	}
	var dedupeKey *string
	if opts.DedupeKey != "" {
		dedupeKey = &opts.DedupeKey
	}

	var id int64
	err = q.pool.QueryRow(ctx, /*language=postgresql*/ `
		INSERT INTO transync.work_queue (type, payload, priority, not_before, dedupe_key)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		taskType, body, opts.Priority, notBefore, dedupeKey).Scan(&id)
	if isUniqueViolation(err) {
		return 0, fmt.Errorf("%w: dedupe key %q", ErrDuplicateTask, opts.DedupeKey)
	}
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	return id, nil
}

func (q *PGTaskQueue) Lease(ctx context.Context, owner string, duration time.Duration) (*Task, error) {
	if duration <= 0 {
		duration = DefaultLeaseDuration
	}

	// The subquery picks one eligible row and locks it; SKIP LOCKED lets
	// parallel workers each claim a different task in one round trip.
	row := q.pool.QueryRow(ctx, /*language=postgresql*/ `
		UPDATE transync.work_queue q
		SET state = 'leased',
			lease_owner = $1,
			lease_expires_at = now() + $2,
			attempt = q.attempt + 1,
			updated_at = now()
		FROM (
			SELECT id FROM transync.work_queue
			WHERE (state = 'pending'
				OR (state = 'leased' AND lease_expires_at <= now()))
				AND (not_before IS NULL OR not_before <= now())
			ORDER BY priority DESC, created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		) picked
		WHERE q.id = picked.id
		RETURNING `+taskColumns, owner, duration)

	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease task: %w", err)
	}
	return task, nil
}

func (q *PGTaskQueue) Complete(ctx context.Context, id int64, owner string) error {
	tag, err := q.pool.Exec(ctx, /*language=postgresql*/ `
		UPDATE transync.work_queue
		SET state = 'done', lease_owner = NULL, lease_expires_at = NULL, updated_at = now()
		WHERE id = $1 AND state = 'leased' AND lease_owner = $2 AND lease_expires_at > now()`,
		id, owner)
	if err != nil {
		return fmt.Errorf("complete task %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return q.leaseMismatch(ctx, id)
	}
	return nil
}

func (q *PGTaskQueue) Fail(ctx context.Context, id int64, owner string, errMsg string) error {
	tag, err := q.pool.Exec(ctx, /*language=postgresql*/ `
		UPDATE transync.work_queue
		SET state = CASE WHEN attempt >= $3 THEN 'dead' ELSE 'err' END,
			last_error = $4,
			lease_owner = NULL, lease_expires_at = NULL, updated_at = now()
		WHERE id = $1 AND state = 'leased' AND lease_owner = $2 AND lease_expires_at > now()`,
		id, owner, q.config.maxAttempts(), errMsg)
	if err != nil {
		return fmt.Errorf("fail task %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return q.leaseMismatch(ctx, id)
	}
	return nil
}

// leaseMismatch distinguishes a missing task from a lost lease after a
// guarded UPDATE matched no row.
func (q *PGTaskQueue) leaseMismatch(ctx context.Context, id int64) error {
	var exists bool
	if err := q.pool.QueryRow(ctx, /*language=postgresql*/ `
		SELECT EXISTS (SELECT 1 FROM transync.work_queue WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("inspect task %d: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	return fmt.Errorf("%w: task %d", ErrLeaseConflict, id)
}

func (q *PGTaskQueue) Retry(ctx context.Context, id int64) error {
	var state string
	err := q.pool.QueryRow(ctx, /*language=postgresql*/ `
		UPDATE transync.work_queue
		SET state = CASE WHEN state = 'err' THEN 'pending' ELSE state END,
			lease_owner = CASE WHEN state = 'err' THEN NULL ELSE lease_owner END,
			lease_expires_at = CASE WHEN state = 'err' THEN NULL ELSE lease_expires_at END,
			updated_at = CASE WHEN state = 'err' THEN now() ELSE updated_at END
		WHERE id = $1
		RETURNING state`, id).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("retry task %d: %w", id, err)
	}
	switch state {
	case TaskPending:
		return nil
	case TaskDead:
		return fmt.Errorf("%w: task %d", ErrTaskDead, id)
	default:
		return fmt.Errorf("retry task %d: not in err state (state=%s)", id, state)
	}
}

func (q *PGTaskQueue) Get(ctx context.Context, id int64) (*Task, error) {
	row := q.pool.QueryRow(ctx, /*language=postgresql*/ `
		SELECT `+taskColumns+` FROM transync.work_queue WHERE id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %d: %w", id, err)
	}
	return task, nil
}

func (q *PGTaskQueue) Cleanup(ctx context.Context, states []string, cutoff time.Time) (int, error) {
	tag, err := q.pool.Exec(ctx, /*language=postgresql*/ `
		DELETE FROM transync.work_queue
		WHERE state = ANY($1) AND created_at < $2`, states, cutoff)
	if err != nil {
		return 0, fmt.Errorf("queue cleanup: %w", err)
	}
	removed := int(tag.RowsAffected())
	if removed > 0 {
		q.logger.Info("Cleaned up finished tasks", "removed", removed, "states", states)
	}
	return removed, nil
}

func (q *PGTaskQueue) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := q.pool.Query(ctx, /*language=postgresql*/ `
		SELECT state, COUNT(*) FROM transync.work_queue GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		stats[state] = count
	}
	return stats, rows.Err()
}

func scanTask(row pgx.Row) (*Task, error) {
	var (
		task      Task
		dedupeKey *string
	)
	err := row.Scan(&task.ID, &task.Type, &task.Payload, &task.State, &task.Priority,
		&task.NotBefore, &dedupeKey, &task.Attempt, &task.LastError,
		&task.LeaseOwner, &task.LeaseExpiresAt, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if dedupeKey != nil {
		task.DedupeKey = *dedupeKey
	}
	return &task, nil
}
