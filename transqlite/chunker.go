// Copyright 2025 TransHub Authors
// SPDX-License-Identifier: Apache-2.0

package transqlite

import "github.com/transhub/go-transync/transync"

// Chunk is one upload unit of a staged payload. Hash is the CID of the
// chunk's own bytes and proves per-chunk transit integrity; the server
// re-verifies the full payload against the target CID at commit time.
type Chunk struct {
	Index int
	Data  []byte
	Size  int64
	Hash  string
}

// SplitChunks slices data into chunkSize pieces. An empty payload still
// yields one empty chunk so the server can assemble and verify it.
func SplitChunks(data []byte, chunkSize int) []Chunk {
	if chunkSize <= 0 {
		chunkSize = transync.DefaultChunkSizeBytes
	}
	if len(data) == 0 {
		return []Chunk{{Index: 0, Data: []byte{}, Size: 0, Hash: transync.ComputeCID(nil)}}
	}

	total := (len(data) + chunkSize - 1) / chunkSize
	chunks := make([]Chunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(data) {
			end = len(data)
		}
		piece := data[start:end]
		chunks = append(chunks, Chunk{
			Index: i,
			Data:  piece,
			Size:  int64(len(piece)),
			Hash:  transync.ComputeCID(piece),
		})
	}
	return chunks
}
