// Copyright 2025 TransHub Authors
// SPDX-License-Identifier: Apache-2.0

package transync

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPSyncHandlers is thin glue exposing the sync engine over HTTP. Routing,
// auth and anything beyond request decode / error mapping belongs to the
// embedding application.
type HTTPSyncHandlers struct {
	service *SyncService
	logger  *slog.Logger
}

func NewHTTPSyncHandlers(service *SyncService, logger *slog.Logger) *HTTPSyncHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSyncHandlers{service: service, logger: logger}
}

// HandleHandshake processes POST /sync/handshake.
func (h *HTTPSyncHandlers) HandleHandshake(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}
	var req HandshakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse handshake request")
		return
	}
	resp, err := h.service.Handshake(r.Context(), &req)
	if err != nil {
		h.writeServiceError(w, err, "handshake_failed")
		return
	}
	h.writeJSON(w, resp)
}

// HandleChunkUpload processes PUT /sync/chunk.
func (h *HTTPSyncHandlers) HandleChunkUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only PUT method is allowed")
		return
	}
	var req ChunkUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse chunk upload request")
		return
	}
	resp, err := h.service.UploadChunk(r.Context(), &req)
	if err != nil {
		h.writeServiceError(w, err, "chunk_upload_failed")
		return
	}
	h.writeJSON(w, resp)
}

// HandleCommit processes POST /sync/commit.
func (h *HTTPSyncHandlers) HandleCommit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}
	var req CommitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse commit request")
		return
	}
	resp, err := h.service.Commit(r.Context(), &req)
	if err != nil {
		h.writeServiceError(w, err, "commit_failed")
		return
	}
	h.writeJSON(w, resp)
}

// HandleSession processes GET (inspect) and DELETE (cancel) on
// /sync/session?session_id=...
func (h *HTTPSyncHandlers) HandleSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "session_id is required")
		return
	}
	switch r.Method {
	case http.MethodGet:
		session, ok := h.service.SessionInfo(r.Context(), sessionID)
		if !ok {
			h.writeError(w, http.StatusNotFound, "session_not_found", "No such session")
			return
		}
		h.writeJSON(w, session)
	case http.MethodDelete:
		if err := h.service.CancelSession(r.Context(), sessionID); err != nil {
			h.writeServiceError(w, err, "cancel_failed")
			return
		}
		h.writeJSON(w, map[string]string{"session_id": sessionID, "status": SessionCancelled})
	default:
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET and DELETE are allowed")
	}
}

// HandleStatistics processes GET /sync/statistics.
func (h *HTTPSyncHandlers) HandleStatistics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}
	stats, err := h.service.Statistics(r.Context())
	if err != nil {
		h.logger.Error("Statistics failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "statistics_failed", "Failed to gather statistics")
		return
	}
	h.writeJSON(w, stats)
}

// HandleQueueCleanup processes POST /sync/queue/cleanup?states=done,err&older_than_days=7.
func (h *HTTPSyncHandlers) HandleQueueCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}
	if h.service.queue == nil {
		h.writeError(w, http.StatusNotFound, "queue_unavailable", "No work queue configured")
		return
	}

	states := []string{TaskDone, TaskErr}
	if raw := r.URL.Query().Get("states"); raw != "" {
		states = states[:0]
		for _, s := range strings.Split(raw, ",") {
			switch s {
			case TaskDone, TaskErr, TaskDead:
				states = append(states, s)
			default:
				h.writeError(w, http.StatusBadRequest, "invalid_request", "states must be done, err or dead")
				return
			}
		}
	}
	days := 7
	if raw := r.URL.Query().Get("older_than_days"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "older_than_days must be a positive integer")
			return
		}
		days = v
	}

	cutoff := time.Now().AddDate(0, 0, -days)
	removed, err := h.service.queue.Cleanup(r.Context(), states, cutoff)
	if err != nil {
		h.logger.Error("Queue cleanup failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "cleanup_failed", "Failed to clean up queue")
		return
	}
	h.writeJSON(w, map[string]any{"deleted_count": removed, "states": states, "older_than_days": days})
}

// Register attaches all handlers to mux under /sync.
func (h *HTTPSyncHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("/sync/handshake", h.HandleHandshake)
	mux.HandleFunc("/sync/chunk", h.HandleChunkUpload)
	mux.HandleFunc("/sync/commit", h.HandleCommit)
	mux.HandleFunc("/sync/session", h.HandleSession)
	mux.HandleFunc("/sync/statistics", h.HandleStatistics)
	mux.HandleFunc("/sync/queue/cleanup", h.HandleQueueCleanup)
}

// writeServiceError maps the engine's error taxonomy to HTTP statuses.
func (h *HTTPSyncHandlers) writeServiceError(w http.ResponseWriter, err error, fallbackCode string) {
	var incomplete *IncompleteTransferError
	switch {
	case errors.As(err, &incomplete):
		h.writeError(w, http.StatusConflict, "incomplete_transfer", incomplete.Error())
	case IsValidationError(err):
		h.writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, ErrSessionNotFound):
		h.writeError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, ErrSessionExpired), errors.Is(err, ErrSessionNotActive):
		h.writeError(w, http.StatusConflict, "session_not_active", err.Error())
	case errors.Is(err, ErrContentMismatch):
		h.writeError(w, http.StatusConflict, "content_mismatch", err.Error())
	default:
		h.logger.Error("Sync operation failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, fallbackCode, "Internal error")
	}
}

func (h *HTTPSyncHandlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *HTTPSyncHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(ErrorResponse{Error: errorCode, Message: message}); err != nil {
		h.logger.Error("Failed to encode error response", "error", err)
	}

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
