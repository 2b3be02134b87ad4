// Copyright 2025 TransHub Authors
// SPDX-License-Identifier: Apache-2.0

package transync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// In-memory implementations of BlobStore, EntryStore and TaskQueue. They
// back single-process deployments, examples and tests; the Postgres
// implementations in pg_*.go are the durable counterparts.

// MemoryBlobStore is a mutex-guarded, map-backed BlobStore.
type MemoryBlobStore struct {
	mu     sync.Mutex
	blocks map[string]*memBlock
}

type memBlock struct {
	data  []byte
	block ContentBlock
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blocks: make(map[string]*memBlock)}
}

func (s *MemoryBlobStore) Put(_ context.Context, data []byte, compression string) (ContentBlock, error) {
	if compression == "" {
		compression = CompressionNone
	}
	cid := ComputeCID(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.blocks[cid]; ok {
		return existing.block, nil
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	blk := &memBlock{
		data: stored,
		block: ContentBlock{
			CID:         cid,
			Size:        int64(len(data)),
			Compression: compression,
			CreatedAt:   time.Now().UTC(),
		},
	}
	s.blocks[cid] = blk
	return blk.block, nil
}

func (s *MemoryBlobStore) Get(_ context.Context, cid string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blk, ok := s.blocks[cid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBlockNotFound, cid)
	}
	out := make([]byte, len(blk.data))
	copy(out, blk.data)
	return out, nil
}

func (s *MemoryBlobStore) Has(_ context.Context, cid string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blocks[cid]
	return ok, nil
}

func (s *MemoryBlobStore) ListCIDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cids := make([]string, 0, len(s.blocks))
	for cid := range s.blocks {
		cids = append(cids, cid)
	}
	sort.Strings(cids)
	return cids, nil
}

func (s *MemoryBlobStore) AddRef(_ context.Context, cid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	blk, ok := s.blocks[cid]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBlockNotFound, cid)
	}
	blk.block.RefCount++
	return nil
}

func (s *MemoryBlobStore) Release(_ context.Context, cid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	blk, ok := s.blocks[cid]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBlockNotFound, cid)
	}
	if blk.block.RefCount > 0 {
		blk.block.RefCount--
	}
	return nil
}

func (s *MemoryBlobStore) CollectGarbage(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for cid, blk := range s.blocks {
		if blk.block.RefCount == 0 && blk.block.CreatedAt.Before(cutoff) {
			delete(s.blocks, cid)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryBlobStore) Stats(_ context.Context) (BlobStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats BlobStats
	for _, blk := range s.blocks {
		stats.Blocks++
		stats.TotalBytes += blk.block.Size
		if blk.block.RefCount == 0 {
			stats.Orphans++
		}
	}
	return stats, nil
}

// MemoryEntryStore is a mutex-guarded, map-backed EntryStore.
type MemoryEntryStore struct {
	mu      sync.Mutex
	entries map[string]*TranslationEntry // keyed by uid
}

func NewMemoryEntryStore() *MemoryEntryStore {
	return &MemoryEntryStore{entries: make(map[string]*TranslationEntry)}
}

func (s *MemoryEntryStore) FindByUID(_ context.Context, uid string) (*TranslationEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[uid].Clone(), nil
}

func (s *MemoryEntryStore) FindByUIDAHash(_ context.Context, uidaHash string) (*TranslationEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.entries {
		if entry.UIDAHash == uidaHash {
			return entry.Clone(), nil
		}
	}
	return nil, nil
}

func (s *MemoryEntryStore) FindByFileKey(_ context.Context, languageFileUID, key string) (*TranslationEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.entries {
		if entry.LanguageFileUID == languageFileUID && entry.Key == key {
			return entry.Clone(), nil
		}
	}
	return nil, nil
}

func (s *MemoryEntryStore) Create(_ context.Context, entry *TranslationEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[entry.UID]; exists {
		return fmt.Errorf("entry %s already exists", entry.UID)
	}
	s.entries[entry.UID] = entry.Clone()
	return nil
}

func (s *MemoryEntryStore) Update(_ context.Context, entry *TranslationEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[entry.UID]; !exists {
		return fmt.Errorf("entry %s does not exist", entry.UID)
	}
	s.entries[entry.UID] = entry.Clone()
	return nil
}

func (s *MemoryEntryStore) Delete(_ context.Context, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, uid)
	return nil
}

// Len reports how many entries are stored.
func (s *MemoryEntryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// MemoryTaskQueue is a mutex-guarded TaskQueue with the same lease semantics
// as the Postgres implementation.
type MemoryTaskQueue struct {
	mu     sync.Mutex
	nextID int64
	tasks  map[int64]*Task
	config QueueConfig
}

func NewMemoryTaskQueue(config QueueConfig) *MemoryTaskQueue {
	return &MemoryTaskQueue{tasks: make(map[int64]*Task), config: config}
}

func (q *MemoryTaskQueue) Enqueue(_ context.Context, taskType string, payload any, opts EnqueueOptions) (int64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal task payload: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if opts.DedupeKey != "" {
		for _, t := range q.tasks {
			if t.DedupeKey == opts.DedupeKey && nonTerminal(t.State) {
				return 0, fmt.Errorf("%w: dedupe_key %q held by task %d", ErrDuplicateTask, opts.DedupeKey, t.ID)
			}
		}
	}

	now := time.Now().UTC()
	q.nextID++
	task := &Task{
		ID:        q.nextID,
		Type:      taskType,
		Payload:   raw,
		State:     TaskPending,
		Priority:  opts.Priority,
		DedupeKey: opts.DedupeKey,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if opts.Delay > 0 {
		nb := now.Add(opts.Delay)
		task.NotBefore = &nb
	}
	q.tasks[task.ID] = task
	return task.ID, nil
}

func (q *MemoryTaskQueue) Lease(_ context.Context, owner string, duration time.Duration) (*Task, error) {
	if duration <= 0 {
		duration = DefaultLeaseDuration
	}
	now := time.Now().UTC()

	q.mu.Lock()
	defer q.mu.Unlock()

	var best *Task
	for _, t := range q.tasks {
		if !leaseEligible(t, now) {
			continue
		}
		if best == nil ||
			t.Priority > best.Priority ||
			(t.Priority == best.Priority && t.CreatedAt.Before(best.CreatedAt)) ||
			(t.Priority == best.Priority && t.CreatedAt.Equal(best.CreatedAt) && t.ID < best.ID) {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}

	expires := now.Add(duration)
	best.State = TaskLeased
	best.LeaseOwner = owner
	best.LeaseExpiresAt = &expires
	best.Attempt++
	best.UpdatedAt = now

	cp := *best
	return &cp, nil
}

func (q *MemoryTaskQueue) Complete(_ context.Context, id int64, owner string) error {
	return q.finish(id, owner, TaskDone, "")
}

func (q *MemoryTaskQueue) Fail(_ context.Context, id int64, owner string, errMsg string) error {
	return q.finish(id, owner, TaskErr, errMsg)
}

func (q *MemoryTaskQueue) finish(id int64, owner, state, errMsg string) error {
	now := time.Now().UTC()

	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	if !leaseValid(task, owner, now) {
		return fmt.Errorf("%w: task %d not leased by %q", ErrLeaseConflict, id, owner)
	}

	if state == TaskErr && task.Attempt >= q.config.maxAttempts() {
		state = TaskDead
	}
	task.State = state
	task.LastError = errMsg
	task.LeaseOwner = ""
	task.LeaseExpiresAt = nil
	task.UpdatedAt = now
	return nil
}

func (q *MemoryTaskQueue) Retry(_ context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	if task.State == TaskDead {
		return fmt.Errorf("%w: task %d", ErrTaskDead, id)
	}
	if task.State != TaskErr {
		return fmt.Errorf("retry requires state %q, task %d is %q", TaskErr, id, task.State)
	}
	task.State = TaskPending
	task.LeaseOwner = ""
	task.LeaseExpiresAt = nil
	task.UpdatedAt = time.Now().UTC()
	return nil
}

func (q *MemoryTaskQueue) Get(_ context.Context, id int64) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	cp := *task
	return &cp, nil
}

func (q *MemoryTaskQueue) Cleanup(_ context.Context, states []string, cutoff time.Time) (int, error) {
	stateSet := make(map[string]bool, len(states))
	for _, s := range states {
		stateSet[s] = true
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	removed := 0
	for id, task := range q.tasks {
		if stateSet[task.State] && task.CreatedAt.Before(cutoff) {
			delete(q.tasks, id)
			removed++
		}
	}
	return removed, nil
}

func (q *MemoryTaskQueue) Stats(_ context.Context) (map[string]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := make(map[string]int)
	for _, task := range q.tasks {
		stats[task.State]++
	}
	return stats, nil
}
