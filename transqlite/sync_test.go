// Copyright 2025 TransHub Authors
// SPDX-License-Identifier: Apache-2.0

package transqlite

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/transhub/go-transync/transync"
)

type syncTestEnv struct {
	server  *httptest.Server
	service *transync.SyncService
	blobs   *transync.MemoryBlobStore
	entries *transync.MemoryEntryStore
}

func newSyncTestEnv(t *testing.T) *syncTestEnv {
	t.Helper()
	blobs := transync.NewMemoryBlobStore()
	entries := transync.NewMemoryEntryStore()
	svc, err := transync.NewSyncService(transync.Dependencies{
		Blobs:   blobs,
		Entries: entries,
		Queue:   transync.NewMemoryTaskQueue(transync.QueueConfig{}),
	}, nil, testLogger())
	require.NoError(t, err)

	mux := http.NewServeMux()
	transync.NewHTTPSyncHandlers(svc, testLogger()).Register(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &syncTestEnv{server: server, service: svc, blobs: blobs, entries: entries}
}

func newSyncedClient(t *testing.T, env *syncTestEnv, config *Config) *Client {
	t.Helper()
	if config == nil {
		config = DefaultConfig()
		config.BloomBits = 8192
		config.BloomHashes = 7
	}
	client, err := NewClient(openTestDB(t), env.server.URL, "client-"+t.Name(), config, testLogger())
	require.NoError(t, err)
	return client
}

func TestSyncOnce_UploadsPendingAndCommits(t *testing.T) {
	ctx := context.Background()
	env := newSyncTestEnv(t)

	// Small chunks force a multi-chunk upload path.
	client := newSyncedClient(t, env, &Config{
		ChunkSizeBytes:      64,
		MaxConcurrentChunks: 2,
		BloomBits:           8192,
		BloomHashes:         7,
		MaxRetries:          2,
		BackoffMin:          time.Millisecond,
	})

	longText := string(bytes.Repeat([]byte("lorem ipsum "), 30))
	cid, err := client.StageEntries(ctx, []transync.EntryDelta{
		{
			Operation:       transync.OpCreate,
			Key:             "block.copper",
			SrcText:         "Copper Block",
			DstText:         longText,
			Status:          "translated",
			LanguageFileUID: "lf-1",
		},
		{
			Operation:       transync.OpCreate,
			Key:             "block.tin",
			SrcText:         "Tin Block",
			DstText:         "Bloque de estaño",
			Status:          "translated",
			LanguageFileUID: "lf-1",
		},
	})
	require.NoError(t, err)

	result, err := client.SyncOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{cid}, result.UploadedCIDs)
	require.NotNil(t, result.Commit)
	require.Equal(t, 2, result.Commit.EntriesCreated)
	require.Zero(t, result.Commit.EntriesErrors)
	require.Equal(t, 2, env.entries.Len())

	has, err := env.blobs.Has(ctx, cid)
	require.NoError(t, err)
	require.True(t, has)

	pending, err := client.PendingCIDs(ctx)
	require.NoError(t, err)
	require.Empty(t, pending, "a committed payload is no longer pending")

	// A second pass has nothing to push and performs no commit.
	result, err = client.SyncOnce(ctx)
	require.NoError(t, err)
	require.Empty(t, result.UploadedCIDs)
	require.Nil(t, result.Commit)
}

func TestSyncOnce_ReportsMissingCIDs(t *testing.T) {
	ctx := context.Background()
	env := newSyncTestEnv(t)
	client := newSyncedClient(t, env, nil)

	serverOnly, err := env.blobs.Put(ctx, []byte("server only content"), "")
	require.NoError(t, err)

	sharedData := []byte("shared content")
	_, err = env.blobs.Put(ctx, sharedData, "")
	require.NoError(t, err)
	sharedCID, err := client.StagePayload(ctx, sharedData)
	require.NoError(t, err)
	require.NoError(t, client.markSynced(ctx, []string{sharedCID}))

	result, err := client.SyncOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{serverOnly.CID}, result.MissingCIDs,
		"only content absent from the client's filter is reported missing")
}

func TestSyncOnce_IdempotentReplay(t *testing.T) {
	ctx := context.Background()
	env := newSyncTestEnv(t)

	deltas := []transync.EntryDelta{{
		Operation:       transync.OpCreate,
		Key:             "menu.options",
		SrcText:         "Options",
		DstText:         "Opciones",
		Status:          "translated",
		LanguageFileUID: "lf-1",
	}}

	first := newSyncedClient(t, env, nil)
	_, err := first.StageEntries(ctx, deltas)
	require.NoError(t, err)
	_, err = first.SyncOnce(ctx)
	require.NoError(t, err)

	// A second client pushing identical deltas converges on the same row.
	second := newSyncedClient(t, env, nil)
	_, err = second.StageEntries(ctx, deltas)
	require.NoError(t, err)
	result, err := second.SyncOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, result.Commit.EntriesConflicts)
	require.Equal(t, 1, env.entries.Len())
}

func TestDoJSON_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "flaky", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(backend.Close)

	client, err := NewClient(openTestDB(t), backend.URL, "client-1", &Config{
		MaxRetries: 5,
		BackoffMin: time.Millisecond,
		BackoffMax: 2 * time.Millisecond,
	}, testLogger())
	require.NoError(t, err)

	var out map[string]bool
	require.NoError(t, client.doJSON(context.Background(), http.MethodPost, "/anything", map[string]string{}, &out))
	require.True(t, out["ok"])
	require.Equal(t, int32(3), calls.Load())
}

func TestDoJSON_RetryBudgetIsFirstTryPlusRetries(t *testing.T) {
	var calls atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	t.Cleanup(backend.Close)

	client, err := NewClient(openTestDB(t), backend.URL, "client-1", &Config{
		MaxRetries: 2,
		BackoffMin: time.Millisecond,
		BackoffMax: 2 * time.Millisecond,
	}, testLogger())
	require.NoError(t, err)

	err = client.doJSON(context.Background(), http.MethodPost, "/anything", map[string]string{}, nil)
	require.Error(t, err)
	require.Equal(t, int32(3), calls.Load(), "MaxRetries=2 means one attempt plus two retries")

	// MaxRetries=0 still makes the initial attempt.
	calls.Store(0)
	client.config.MaxRetries = 0
	err = client.doJSON(context.Background(), http.MethodPost, "/anything", map[string]string{}, nil)
	require.Error(t, err)
	require.Equal(t, int32(1), calls.Load())
}

func TestDoJSON_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"validation_error","message":"bad filter"}`))
	}))
	t.Cleanup(backend.Close)

	client, err := NewClient(openTestDB(t), backend.URL, "client-1", &Config{
		MaxRetries: 5,
		BackoffMin: time.Millisecond,
	}, testLogger())
	require.NoError(t, err)

	err = client.doJSON(context.Background(), http.MethodPost, "/anything", map[string]string{}, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "validation_error")
	require.Equal(t, int32(1), calls.Load(), "4xx means the request is wrong, not the network")
}
