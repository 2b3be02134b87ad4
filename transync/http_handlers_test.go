// Copyright 2025 TransHub Authors
// SPDX-License-Identifier: Apache-2.0

package transync

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*httptest.Server, *SyncService) {
	t.Helper()
	svc, err := NewSyncService(Dependencies{
		Blobs:   NewMemoryBlobStore(),
		Entries: NewMemoryEntryStore(),
		Queue:   NewMemoryTaskQueue(QueueConfig{}),
	}, nil, testLogger())
	require.NoError(t, err)

	mux := http.NewServeMux()
	NewHTTPSyncHandlers(svc, testLogger()).Register(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, svc
}

func postJSON(t *testing.T, url string, body any, out any) *http.Response {
	t.Helper()
	return doJSONRequest(t, http.MethodPost, url, body, out)
}

func doJSONRequest(t *testing.T, method, url string, body any, out any) *http.Response {
	t.Helper()
	encoded, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(method, url, bytes.NewReader(encoded))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 400 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func testHandshakeRequest(t *testing.T) *HandshakeRequest {
	t.Helper()
	filter, err := NewBloomFilter(8192, 7)
	require.NoError(t, err)
	return &HandshakeRequest{
		ProtocolVersion: ProtocolVersion,
		ClientID:        "http-client",
		BloomBits:       filter.Bits(),
		BloomHashes:     filter.Hashes(),
		BloomFilter:     filter.EncodeBase64(),
	}
}

func TestHTTPHandlers_FullFlow(t *testing.T) {
	server, _ := newTestServer(t)

	var handshake HandshakeResponse
	resp := postJSON(t, server.URL+"/sync/handshake", testHandshakeRequest(t), &handshake)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, handshake.SessionID)

	payload, err := NewDeltaCodec(testLogger()).EncodePayload([]EntryDelta{{
		Operation:       OpCreate,
		Key:             "menu.exit",
		SrcText:         "Exit",
		DstText:         "Salir",
		Status:          "translated",
		LanguageFileUID: "lf-1",
	}})
	require.NoError(t, err)
	cid := ComputeCID(payload)

	var chunkResp ChunkUploadResponse
	resp = doJSONRequest(t, http.MethodPut, server.URL+"/sync/chunk", &ChunkUploadRequest{
		SessionID:   handshake.SessionID,
		CID:         cid,
		ChunkIndex:  0,
		TotalChunks: 1,
		Data:        base64.StdEncoding.EncodeToString(payload),
		DataSize:    int64(len(payload)),
		ChunkHash:   ComputeCID(payload),
	}, &chunkResp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, ChunkCompleted, chunkResp.Status)

	var commit CommitResponse
	resp = postJSON(t, server.URL+"/sync/commit", &CommitRequest{
		SessionID:     handshake.SessionID,
		CompletedCIDs: []string{cid},
	}, &commit)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, commit.EntriesCreated)
	require.Zero(t, commit.EntriesErrors)

	var stats SyncStatistics
	resp = doJSONRequest(t, http.MethodGet, server.URL+"/sync/statistics", nil, &stats)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, int64(1), stats.Blobs.Blocks)
}

func TestHTTPHandlers_ErrorMapping(t *testing.T) {
	server, svc := newTestServer(t)

	// Unknown session: 404.
	resp := postJSON(t, server.URL+"/sync/commit", &CommitRequest{SessionID: "nope"}, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Validation error: 400.
	var handshake HandshakeResponse
	resp = postJSON(t, server.URL+"/sync/handshake", testHandshakeRequest(t), &handshake)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSONRequest(t, http.MethodPut, server.URL+"/sync/chunk", &ChunkUploadRequest{
		SessionID: handshake.SessionID,
		CID:       "bogus-cid",
	}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Incomplete transfer on commit: 409.
	payload := []byte("two chunk payload")
	cid := ComputeCID(payload)
	resp = doJSONRequest(t, http.MethodPut, server.URL+"/sync/chunk", &ChunkUploadRequest{
		SessionID:   handshake.SessionID,
		CID:         cid,
		ChunkIndex:  0,
		TotalChunks: 2,
		Data:        base64.StdEncoding.EncodeToString(payload[:8]),
		DataSize:    8,
		ChunkHash:   ComputeCID(payload[:8]),
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, server.URL+"/sync/commit", &CommitRequest{
		SessionID:     handshake.SessionID,
		CompletedCIDs: []string{cid},
	}, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	// Cancelled session rejects writes with 409.
	require.NoError(t, svc.CancelSession(context.Background(), handshake.SessionID))
	resp = doJSONRequest(t, http.MethodPut, server.URL+"/sync/chunk", &ChunkUploadRequest{
		SessionID:   handshake.SessionID,
		CID:         cid,
		ChunkIndex:  1,
		TotalChunks: 2,
		Data:        base64.StdEncoding.EncodeToString(payload[8:]),
		DataSize:    int64(len(payload) - 8),
		ChunkHash:   ComputeCID(payload[8:]),
	}, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	// Wrong method: 405.
	resp = doJSONRequest(t, http.MethodGet, server.URL+"/sync/handshake", nil, nil)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHTTPHandlers_SessionEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	var handshake HandshakeResponse
	resp := postJSON(t, server.URL+"/sync/handshake", testHandshakeRequest(t), &handshake)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var session SyncSession
	resp = doJSONRequest(t, http.MethodGet, server.URL+"/sync/session?session_id="+handshake.SessionID, nil, &session)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, SessionActive, session.State)

	resp = doJSONRequest(t, http.MethodDelete, server.URL+"/sync/session?session_id="+handshake.SessionID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSONRequest(t, http.MethodGet, server.URL+"/sync/session?session_id="+handshake.SessionID, nil, &session)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, SessionCancelled, session.State)

	resp = doJSONRequest(t, http.MethodGet, server.URL+"/sync/session", nil, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
