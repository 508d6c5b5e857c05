package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"echofm/config"
	"echofm/core/auth"
	"echofm/core/backup"
	"echofm/core/library"
	"echofm/core/upload"
	"echofm/logger"
	"echofm/repository"
)

// APIHandler handles all API requests.
type APIHandler struct {
	uploadManager *upload.Manager
	resolver      *library.Resolver
	reconciler    *backup.Reconciler
	songRepo      repository.SongRepository
	userRepo      repository.UserRepository
	syncLogRepo   repository.SyncLogRepository
	statusRepo    repository.StorageStatusRepository
	cfg           *config.Config
}

// NewAPIHandler creates a new API handler.
func NewAPIHandler(
	uploadManager *upload.Manager,
	resolver *library.Resolver,
	reconciler *backup.Reconciler,
	songRepo repository.SongRepository,
	userRepo repository.UserRepository,
	syncLogRepo repository.SyncLogRepository,
	statusRepo repository.StorageStatusRepository,
	cfg *config.Config,
) *APIHandler {
	return &APIHandler{
		uploadManager: uploadManager,
		resolver:      resolver,
		reconciler:    reconciler,
		songRepo:      songRepo,
		userRepo:      userRepo,
		syncLogRepo:   syncLogRepo,
		statusRepo:    statusRepo,
		cfg:           cfg,
	}
}

// writeJSON writes v as a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", logger.ErrorField(err))
	}
}

// writeError maps an engine error to an HTTP status and writes a JSON
// error body. Unknown errors become opaque 500s.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := "internal server error"

	switch {
	case errors.Is(err, upload.ErrInvalidInput):
		status, message = http.StatusBadRequest, err.Error()
	case errors.Is(err, upload.ErrInsufficientStorage):
		status, message = http.StatusInsufficientStorage, err.Error()
	case errors.Is(err, upload.ErrSessionNotFound), errors.Is(err, library.ErrSongNotFound):
		status, message = http.StatusNotFound, err.Error()
	case errors.Is(err, upload.ErrInvalidState), errors.Is(err, upload.ErrOffsetMismatch):
		status, message = http.StatusConflict, err.Error()
	case errors.Is(err, upload.ErrSizeMismatch):
		status, message = http.StatusBadRequest, err.Error()
	case errors.Is(err, library.ErrUnavailable):
		status, message = http.StatusServiceUnavailable, err.Error()
	case errors.Is(err, library.ErrCorrupt):
		status, message = http.StatusInternalServerError, err.Error()
	case errors.Is(err, backup.ErrCycleInFlight):
		status, message = http.StatusConflict, err.Error()
	case errors.Is(err, upload.ErrStorageWrite):
		status, message = http.StatusInternalServerError, err.Error()
	default:
		logger.Error("unhandled API error", logger.ErrorField(err))
	}

	writeJSON(w, status, map[string]string{"error": message})
}

// AuthMiddleware checks for a valid JWT token on protected endpoints.
func (h *APIHandler) AuthMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
			return
		}

		claims, err := auth.ParseToken(parts[1])
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), "userID", claims.UserID)
		ctx = context.WithValue(ctx, "username", claims.Username)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// GetUserIDFromContext extracts the user ID from the request context.
func GetUserIDFromContext(ctx context.Context) (int64, error) {
	userID, ok := ctx.Value("userID").(int64)
	if !ok {
		return 0, fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}
