// Copyright 2025 TransHub Authors
// SPDX-License-Identifier: Apache-2.0

package transync

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SyncSession wraps one handshake's lifetime: active until committed,
// cancelled, or expired. It owns the chunk assemblies created for it.
type SyncSession struct {
	ID            string    `json:"session_id"`
	ClientID      string    `json:"client_id"`
	State         string    `json:"state"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	ChunkSize     int       `json:"chunk_size"`
	TotalCIDs     int       `json:"total_cids"`
	CompletedCIDs int       `json:"completed_cids"`

	assemblies map[string]*chunkAssembly
	// committing claims the session for one exclusive commit; chunk writes,
	// cancels and second commits are rejected while it is held.
	committing bool
}

func (s *SyncSession) terminal() bool {
	return s.State != SessionActive
}

// SessionStore owns all live sync sessions and their buffered chunk data.
// It is created and torn down by the embedding application and passed into
// handshake/chunk/commit operations explicitly; there is no ambient global
// session state. State transitions are monotonic: a terminal session never
// becomes active again.
type SessionStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]*SyncSession
	logger   *slog.Logger
}

// NewSessionStore creates an empty store. ttl<=0 falls back to
// DefaultSessionTTL.
func NewSessionStore(ttl time.Duration, logger *slog.Logger) *SessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionStore{
		ttl:      ttl,
		sessions: make(map[string]*SyncSession),
		logger:   logger,
	}
}

// Create registers a new active session. An empty sessionID gets a generated
// uuid. Re-using the id of a live session replaces it and releases the old
// session's buffers.
func (st *SessionStore) Create(clientID, sessionID string, chunkSize int) *SyncSession {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSizeBytes
	}
	now := time.Now()
	session := &SyncSession{
		ID:         sessionID,
		ClientID:   clientID,
		State:      SessionActive,
		CreatedAt:  now,
		ExpiresAt:  now.Add(st.ttl),
		ChunkSize:  chunkSize,
		assemblies: make(map[string]*chunkAssembly),
	}

	st.mu.Lock()
	if old, ok := st.sessions[sessionID]; ok {
		releaseAll(old)
	}
	st.sessions[sessionID] = session
	st.mu.Unlock()

	st.logger.Info("Sync session created",
		"session_id", sessionID, "client_id", clientID, "expires_at", session.ExpiresAt)
	return session
}

// Get returns the session if it is active, lazily expiring it when the TTL
// has passed. Terminal sessions yield ErrSessionNotActive (or
// ErrSessionExpired); unknown ids yield ErrSessionNotFound.
func (st *SessionStore) Get(sessionID string) (*SyncSession, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.activeLocked(sessionID)
}

func (st *SessionStore) activeLocked(sessionID string) (*SyncSession, error) {
	session, ok := st.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if session.State == SessionActive && time.Now().After(session.ExpiresAt) {
		session.State = SessionExpired
		releaseAll(session)
		st.logger.Info("Sync session expired", "session_id", sessionID)
	}
	switch session.State {
	case SessionActive:
		return session, nil
	case SessionExpired:
		return nil, fmt.Errorf("%w: %s", ErrSessionExpired, sessionID)
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrSessionNotActive, sessionID, session.State)
	}
}

// SetTotalCIDs records how many CIDs the handshake reported missing.
func (st *SessionStore) SetTotalCIDs(sessionID string, n int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if session, ok := st.sessions[sessionID]; ok {
		session.TotalCIDs = n
	}
}

// WriteChunk validates the session, finds or opens the assembly for cid and
// writes one slot. The assembly lookup runs under the store lock so a
// concurrent cancel/expiry cannot race the write-permission check; the slot
// write itself is serialized by the per-assembly mutex.
func (st *SessionStore) WriteChunk(sessionID, cid string, index, totalChunks int, data []byte) (chunkProgress, error) {
	if totalChunks < 1 {
		return chunkProgress{}, fmt.Errorf("%w: total_chunks must be >= 1, got %d", ErrChunkCountMismatch, totalChunks)
	}

	st.mu.Lock()
	session, err := st.activeLocked(sessionID)
	if err != nil {
		st.mu.Unlock()
		return chunkProgress{}, err
	}
	if session.committing {
		st.mu.Unlock()
		return chunkProgress{}, fmt.Errorf("%w: %s commit in progress", ErrSessionNotActive, sessionID)
	}
	assembly, ok := session.assemblies[cid]
	if !ok {
		assembly = newChunkAssembly(cid, totalChunks)
		session.assemblies[cid] = assembly
	}
	st.mu.Unlock()

	return assembly.writeSlot(index, data, totalChunks)
}

// Assemble returns the reassembled payload for cid, or (nil, false) when the
// transfer is unknown or incomplete.
func (st *SessionStore) Assemble(sessionID, cid string) ([]byte, bool) {
	st.mu.Lock()
	session, ok := st.sessions[sessionID]
	if !ok {
		st.mu.Unlock()
		return nil, false
	}
	assembly, ok := session.assemblies[cid]
	st.mu.Unlock()
	if !ok {
		return nil, false
	}
	return assembly.assemble()
}

// Complete transitions an active session to completed and releases its
// buffered chunk data.
func (st *SessionStore) Complete(sessionID string, completedCIDs int) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	session, err := st.activeLocked(sessionID)
	if err != nil {
		return err
	}
	session.State = SessionCompleted
	session.CompletedCIDs = completedCIDs
	releaseAll(session)
	st.logger.Info("Sync session completed", "session_id", sessionID, "completed_cids", completedCIDs)
	return nil
}

// Cancel transitions a session to cancelled. Further chunk writes are
// rejected and buffered chunk data is released immediately. Cancelling a
// terminal session is an error; cancelling an unknown one is ErrSessionNotFound.
func (st *SessionStore) Cancel(sessionID string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	session, err := st.activeLocked(sessionID)
	if err != nil {
		return err
	}
	if session.committing {
		return fmt.Errorf("%w: %s commit in progress", ErrSessionNotActive, sessionID)
	}
	session.State = SessionCancelled
	releaseAll(session)
	st.logger.Info("Sync session cancelled", "session_id", sessionID)
	return nil
}

// BeginCommit claims an active session for one exclusive commit. While the
// claim is held, chunk writes, cancels and concurrent commits are rejected,
// so a commit either observes the cancel before it starts or finishes before
// the cancel lands. EndCommit releases the claim.
func (st *SessionStore) BeginCommit(sessionID string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	session, err := st.activeLocked(sessionID)
	if err != nil {
		return err
	}
	if session.committing {
		return fmt.Errorf("%w: %s commit in progress", ErrSessionNotActive, sessionID)
	}
	session.committing = true
	return nil
}

// EndCommit releases the commit claim. A failed commit leaves the session
// active; a successful one has already transitioned it via Complete.
func (st *SessionStore) EndCommit(sessionID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if session, ok := st.sessions[sessionID]; ok {
		session.committing = false
	}
}

// Snapshot returns a copy of the session record regardless of state, for
// inspection endpoints.
func (st *SessionStore) Snapshot(sessionID string) (SyncSession, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	session, ok := st.sessions[sessionID]
	if !ok {
		return SyncSession{}, false
	}
	cp := *session
	cp.assemblies = nil
	return cp, true
}

// Sweep expires sessions past their TTL and drops terminal sessions from the
// map, reclaiming their buffers. It returns the number of sessions removed
// and is meant to run periodically.
func (st *SessionStore) Sweep(now time.Time) int {
	st.mu.Lock()
	defer st.mu.Unlock()

	removed := 0
	for id, session := range st.sessions {
		if session.State == SessionActive && now.After(session.ExpiresAt) {
			session.State = SessionExpired
			releaseAll(session)
			st.logger.Info("Sync session expired", "session_id", id)
		}
		if session.terminal() {
			delete(st.sessions, id)
			removed++
		}
	}
	return removed
}

// ActiveCount reports how many sessions are currently active.
func (st *SessionStore) ActiveCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	n := 0
	for _, session := range st.sessions {
		if session.State == SessionActive {
			n++
		}
	}
	return n
}

func releaseAll(session *SyncSession) {
	for _, assembly := range session.assemblies {
		assembly.release()
	}
	session.assemblies = make(map[string]*chunkAssembly)
}
