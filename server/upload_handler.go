package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"echofm/logger"

	"github.com/gorilla/mux"
)

// StartUploadHandler creates a new chunked upload session.
func (h *APIHandler) StartUploadHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Filename string `json:"filename"`
		FileSize int64  `json:"fileSize"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	session, err := h.uploadManager.StartSession(r.Context(), req.Filename, req.FileSize)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

// UploadChunkHandler appends one chunk to a session. The chunk body is the
// raw bytes; the offset comes from the X-Upload-Offset header and must
// equal the session's current bytesUploaded.
func (h *APIHandler) UploadChunkHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]

	offset, err := strconv.ParseInt(r.Header.Get("X-Upload-Offset"), 10, 64)
	if err != nil {
		http.Error(w, "X-Upload-Offset header is required", http.StatusBadRequest)
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, h.cfg.MaxUploadSize+1))
	if err != nil {
		logger.Warn("failed to read chunk body", logger.ErrorField(err))
		http.Error(w, "Failed to read chunk body", http.StatusBadRequest)
		return
	}
	if len(data) == 0 {
		http.Error(w, "Empty chunk", http.StatusBadRequest)
		return
	}

	session, err := h.uploadManager.AppendChunk(r.Context(), sessionID, offset, data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// FinalizeUploadHandler completes a session and returns the new song.
func (h *APIHandler) FinalizeUploadHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]

	song, err := h.uploadManager.FinalizeSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, song)
}

// AbortUploadHandler cancels an in-flight session.
func (h *APIHandler) AbortUploadHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]

	if err := h.uploadManager.AbortSession(r.Context(), sessionID, "aborted by client"); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "aborted"})
}

// UploadProgressHandler reports a session's current state.
func (h *APIHandler) UploadProgressHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]

	session, err := h.uploadManager.Progress(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}
