// Copyright 2025 TransHub Authors
// SPDX-License-Identifier: Apache-2.0

package transync

import (
	"fmt"
	"sync"
)

// chunkAssembly tracks the multi-chunk upload of one CID within one session.
// The slot array is allocated on first chunk; writes are idempotent per index
// and synchronized, since two chunk uploads for the same CID can legally race.
type chunkAssembly struct {
	mu          sync.Mutex
	cid         string
	totalChunks int
	slots       [][]byte
	received    int
	bytes       int64
	released    bool
}

func newChunkAssembly(cid string, totalChunks int) *chunkAssembly {
	return &chunkAssembly{
		cid:         cid,
		totalChunks: totalChunks,
		slots:       make([][]byte, totalChunks),
	}
}

// chunkProgress is a point-in-time snapshot taken after a slot write.
type chunkProgress struct {
	received      int
	totalChunks   int
	bytesReceived int64
	complete      bool
	// nextIndex is the lowest-index empty slot, or -1 when complete. It lets
	// interrupted uploads resume without re-sending filled slots.
	nextIndex int
}

// writeSlot stores data at index, overwriting (not duplicating) any previous
// bytes for the same index, and re-evaluates completion.
func (a *chunkAssembly) writeSlot(index int, data []byte, declaredTotal int) (chunkProgress, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// A cancel or expiry can release the buffers between the session-state
	// check and this write; the write must be rejected, not land in a
	// released assembly.
	if a.released {
		return chunkProgress{}, fmt.Errorf("%w: chunk buffers for %s were released", ErrSessionNotActive, a.cid)
	}
	if declaredTotal != a.totalChunks {
		return chunkProgress{}, fmt.Errorf("%w: cid %s was opened with total_chunks=%d, got %d",
			ErrChunkCountMismatch, a.cid, a.totalChunks, declaredTotal)
	}
	if index < 0 || index >= a.totalChunks {
		return chunkProgress{}, fmt.Errorf("%w: index %d not in [0,%d)", ErrChunkIndexOutOfRange, index, a.totalChunks)
	}

	if prev := a.slots[index]; prev != nil {
		a.bytes -= int64(len(prev))
		a.received--
	}
	a.slots[index] = data
	a.bytes += int64(len(data))
	a.received++

	return a.progressLocked(), nil
}

func (a *chunkAssembly) progressLocked() chunkProgress {
	p := chunkProgress{
		received:      a.received,
		totalChunks:   a.totalChunks,
		bytesReceived: a.bytes,
		complete:      a.received == a.totalChunks,
		nextIndex:     -1,
	}
	if !p.complete {
		for i, slot := range a.slots {
			if slot == nil {
				p.nextIndex = i
				break
			}
		}
	}
	return p
}

// assemble concatenates the slots into the full payload. It returns false if
// any slot is still empty.
func (a *chunkAssembly) assemble() ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.released || a.received != a.totalChunks {
		return nil, false
	}
	full := make([]byte, 0, a.bytes)
	for _, slot := range a.slots {
		full = append(full, slot...)
	}
	return full, true
}

// release drops the buffered chunk data so a cancelled or expired session
// does not pin possibly-large payloads in memory. A released assembly rejects
// all further writes.
func (a *chunkAssembly) release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.released = true
	a.slots = nil
	a.received = 0
	a.bytes = 0
}
