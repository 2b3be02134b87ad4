// Copyright 2025 TransHub Authors
// SPDX-License-Identifier: Apache-2.0

package transync

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"

	"golang.org/x/crypto/blake2b"
)

// BloomFilter is a fixed-size bit vector with k independent keyed hashes.
// Membership tests never report a false negative; the false-positive rate is
// a function of bits, hashes and the inserted cardinality and is an accepted,
// parameterized trade-off of the reconciliation protocol.
type BloomFilter struct {
	bits   uint64
	hashes int
	bitset []byte
}

// NewBloomFilter creates an empty filter. bits must be a positive multiple
// of 8 and hashes must be in [1,32].
func NewBloomFilter(bits, hashes int) (*BloomFilter, error) {
	if bits <= 0 || bits%8 != 0 {
		return nil, fmt.Errorf("%w: bits must be a positive multiple of 8, got %d", ErrBadEncoding, bits)
	}
	if hashes < 1 || hashes > 32 {
		return nil, fmt.Errorf("%w: hashes must be in [1,32], got %d", ErrBadEncoding, hashes)
	}
	return &BloomFilter{
		bits:   uint64(bits),
		hashes: hashes,
		bitset: make([]byte, bits/8),
	}, nil
}

// DecodeBloomFilter reconstructs a filter from its base64 wire form together
// with the (bits, hashes) parameters from the handshake.
func DecodeBloomFilter(b64 string, bits, hashes int) (*BloomFilter, error) {
	f, err := NewBloomFilter(bits, hashes)
	if err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: bloom filter is not valid base64: %v", ErrBadEncoding, err)
	}
	if len(raw) != len(f.bitset) {
		return nil, fmt.Errorf("%w: bloom filter length %d does not match bits=%d", ErrBadEncoding, len(raw), bits)
	}
	f.bitset = raw
	return f, nil
}

// Bits returns the configured bit-vector size.
func (f *BloomFilter) Bits() int { return int(f.bits) }

// Hashes returns the configured hash count.
func (f *BloomFilter) Hashes() int { return f.hashes }

// Add sets all k bits for id.
func (f *BloomFilter) Add(id string) {
	for i := 0; i < f.hashes; i++ {
		idx := f.bitIndex(i, id)
		f.bitset[idx/8] |= 1 << (idx % 8)
	}
}

// MightContain reports true iff all k bits for id are set. A false result is
// definitive: the id was never added.
func (f *BloomFilter) MightContain(id string) bool {
	for i := 0; i < f.hashes; i++ {
		idx := f.bitIndex(i, id)
		if f.bitset[idx/8]&(1<<(idx%8)) == 0 {
			return false
		}
	}
	return true
}

// bitIndex derives the i-th bit position for id using a keyed blake2b-64
// digest, one independent key per hash function.
func (f *BloomFilter) bitIndex(i int, id string) uint64 {
	h, err := blake2b.New(8, []byte("hash"+strconv.Itoa(i)))
	if err != nil {
		// Only reachable with an oversized key; the keys here are tiny.
		panic(err)
	}
	h.Write([]byte(id))
	return binary.BigEndian.Uint64(h.Sum(nil)) % f.bits
}

// EncodeBase64 serializes the bit vector for the handshake request.
func (f *BloomFilter) EncodeBase64() string {
	return base64.StdEncoding.EncodeToString(f.bitset)
}

// EstimatedFalsePositiveRate returns the theoretical false-positive
// probability after n insertions: (1 - e^(-kn/m))^k.
func (f *BloomFilter) EstimatedFalsePositiveRate(n int) float64 {
	if n <= 0 {
		return 0
	}
	k := float64(f.hashes)
	m := float64(f.bits)
	return math.Pow(1-math.Exp(-k*float64(n)/m), k)
}

// MissingCIDs tests each server-side CID against the client's filter and
// returns those the client is definitely missing. CIDs the filter claims to
// contain are assumed present and are not resent. Order follows serverCIDs;
// callers must not rely on it.
func MissingCIDs(clientFilter *BloomFilter, serverCIDs []string) []string {
	missing := make([]string, 0)
	for _, cid := range serverCIDs {
		if !clientFilter.MightContain(cid) {
			missing = append(missing, cid)
		}
	}
	return missing
}
