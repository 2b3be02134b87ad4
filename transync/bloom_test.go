// Copyright 2025 TransHub Authors
// SPDX-License-Identifier: Apache-2.0

package transync

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBloomFilter_NoFalseNegatives(t *testing.T) {
	filter, err := NewBloomFilter(8192, 7)
	require.NoError(t, err)

	ids := make([]string, 500)
	for i := range ids {
		ids[i] = ComputeCID([]byte(fmt.Sprintf("block-%d", i)))
		filter.Add(ids[i])
	}
	for _, id := range ids {
		require.True(t, filter.MightContain(id), "inserted id reported absent: %s", id)
	}
}

func TestBloomFilter_EmpiricalFalsePositiveRate(t *testing.T) {
	// Deliberately small filter so the rate is measurable.
	const (
		bits   = 1024
		hashes = 3
		n      = 200
		probes = 5000
	)
	filter, err := NewBloomFilter(bits, hashes)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		filter.Add(fmt.Sprintf("member-%d", i))
	}

	falsePositives := 0
	for i := 0; i < probes; i++ {
		if filter.MightContain(fmt.Sprintf("non-member-%d", i)) {
			falsePositives++
		}
	}
	empirical := float64(falsePositives) / probes
	theoretical := filter.EstimatedFalsePositiveRate(n)

	require.Greater(t, theoretical, 0.01) // sanity: the setup is measurable
	require.InDelta(t, theoretical, empirical, theoretical, // within a factor of two
		"empirical rate %f too far from theoretical %f", empirical, theoretical)
}

func TestBloomFilter_EncodeDecodeRoundTrip(t *testing.T) {
	filter, err := NewBloomFilter(4096, 5)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		filter.Add(fmt.Sprintf("cid-%d", i))
	}

	decoded, err := DecodeBloomFilter(filter.EncodeBase64(), 4096, 5)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		require.True(t, decoded.MightContain(fmt.Sprintf("cid-%d", i)))
	}
}

func TestDecodeBloomFilter_LengthMismatch(t *testing.T) {
	filter, err := NewBloomFilter(4096, 5)
	require.NoError(t, err)

	_, err = DecodeBloomFilter(filter.EncodeBase64(), 8192, 5)
	require.ErrorIs(t, err, ErrBadEncoding)

	_, err = DecodeBloomFilter("not base64!!!", 4096, 5)
	require.ErrorIs(t, err, ErrBadEncoding)
}

func TestNewBloomFilter_Validation(t *testing.T) {
	_, err := NewBloomFilter(0, 7)
	require.ErrorIs(t, err, ErrBadEncoding)
	_, err = NewBloomFilter(1000, 7) // not a multiple of 8
	require.ErrorIs(t, err, ErrBadEncoding)
	_, err = NewBloomFilter(8192, 0)
	require.ErrorIs(t, err, ErrBadEncoding)
	_, err = NewBloomFilter(8192, 33)
	require.ErrorIs(t, err, ErrBadEncoding)
}

func TestMissingCIDs(t *testing.T) {
	a := ComputeCID([]byte("payload A"))
	b := ComputeCID([]byte("payload B"))
	c := ComputeCID([]byte("payload C"))

	// Client holds {A,B}; server holds {A,B,C}. Sized for a negligible
	// false-positive rate so the comparison is exact.
	clientFilter, err := NewBloomFilter(DefaultBloomBits, DefaultBloomHashes)
	require.NoError(t, err)
	clientFilter.Add(a)
	clientFilter.Add(b)

	missing := MissingCIDs(clientFilter, []string{a, b, c})
	require.Equal(t, []string{c}, missing)
}
