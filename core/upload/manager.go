package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"echofm/config"
	"echofm/core/utils"
	"echofm/logger"
	"echofm/model"
	"echofm/repository"

	"github.com/google/uuid"
)

// Session-level error kinds. Callers classify with errors.Is; the HTTP
// layer maps them to status codes.
var (
	ErrInvalidInput        = errors.New("invalid upload input")
	ErrInsufficientStorage = errors.New("insufficient storage on primary tier")
	ErrSessionNotFound     = errors.New("upload session not found")
	ErrInvalidState        = errors.New("operation not valid for session state")
	ErrOffsetMismatch      = errors.New("chunk offset does not match bytes uploaded")
	ErrSizeMismatch        = errors.New("uploaded bytes do not match declared size")
	ErrStorageWrite        = errors.New("storage write failure")
)

var (
	nonAlphaNumeric = regexp.MustCompile(`[^a-zA-Z0-9_\-\.]`)
	multipleSpaces  = regexp.MustCompile(`\s+`)
)

// allowedExtensions are the audio formats the library accepts.
var allowedExtensions = map[string]bool{
	".mp3": true, ".wav": true, ".flac": true, ".m4a": true, ".aac": true, ".ogg": true,
}

// ProgressMirror receives session progress snapshots, typically backed by
// Redis for cheap polling. May be nil.
type ProgressMirror interface {
	SetUploadProgress(ctx context.Context, session *model.UploadSession) error
}

// Manager owns the chunked-upload state machine. Chunks append strictly in
// order (the session's BytesUploaded is always the resume offset) and a
// finished file becomes catalog-visible only through the atomic rename in
// FinalizeSession. A session is mutated only under its own lock, so two
// callers can never interleave appends on the same session.
type Manager struct {
	cfg        *config.Config
	sessions   repository.UploadSessionRepository
	songs      repository.SongRepository
	statusRepo repository.StorageStatusRepository
	mirror     ProgressMirror

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates an upload manager writing into the configured staging
// and primary library directories.
func NewManager(
	cfg *config.Config,
	sessions repository.UploadSessionRepository,
	songs repository.SongRepository,
	statusRepo repository.StorageStatusRepository,
	mirror ProgressMirror,
) *Manager {
	return &Manager{
		cfg:        cfg,
		sessions:   sessions,
		songs:      songs,
		statusRepo: statusRepo,
		mirror:     mirror,
		locks:      make(map[string]*sync.Mutex),
	}
}

// lockFor returns the mutex guarding one session's mutations.
func (m *Manager) lockFor(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[sessionID] = l
	}
	return l
}

func (m *Manager) releaseLock(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, sessionID)
}

// SanitizeFilename strips path components and disallowed characters from a
// client-supplied filename.
func SanitizeFilename(original string) (string, error) {
	name := filepath.Base(strings.TrimSpace(original))
	if name == "" || name == "." || name == ".." || strings.Contains(original, "..") {
		return "", fmt.Errorf("%w: unusable filename %q", ErrInvalidInput, original)
	}

	ext := strings.ToLower(filepath.Ext(name))
	if !allowedExtensions[ext] {
		return "", fmt.Errorf("%w: file type %q not allowed", ErrInvalidInput, ext)
	}

	base := strings.TrimSuffix(name, filepath.Ext(name))
	base = multipleSpaces.ReplaceAllString(base, "_")
	base = nonAlphaNumeric.ReplaceAllString(base, "")
	if len(base) > 100 {
		base = base[:100]
	}
	if base == "" {
		return "", fmt.Errorf("%w: filename %q empty after sanitization", ErrInvalidInput, original)
	}

	return base + ext, nil
}

// StartSession validates the declared upload and creates a pending session
// with a temporary file path on the staging volume.
func (m *Manager) StartSession(ctx context.Context, originalFilename string, declaredSize int64) (*model.UploadSession, error) {
	if declaredSize <= 0 {
		return nil, fmt.Errorf("%w: declared size %d", ErrInvalidInput, declaredSize)
	}
	if declaredSize > m.cfg.MaxUploadSize {
		return nil, fmt.Errorf("%w: declared size %d exceeds limit %d", ErrInvalidInput, declaredSize, m.cfg.MaxUploadSize)
	}

	filename, err := SanitizeFilename(originalFilename)
	if err != nil {
		return nil, err
	}

	status, err := m.statusRepo.GetStatus(model.TierPrimary)
	if err != nil {
		return nil, fmt.Errorf("failed to read primary tier status: %w", err)
	}
	if status == nil || !status.IsAvailable {
		return nil, fmt.Errorf("%w: primary tier is not available", ErrInsufficientStorage)
	}
	if float64(declaredSize) > status.FreeGB*(1<<30) {
		return nil, fmt.Errorf("%w: need %d bytes, %.2f GB free", ErrInsufficientStorage, declaredSize, status.FreeGB)
	}

	if err := utils.EnsureDir(m.cfg.StagingDir); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}

	session := &model.UploadSession{
		ID:               uuid.NewString(),
		OriginalFilename: originalFilename,
		Filename:         filename,
		FileSize:         declaredSize,
		Status:           model.UploadPending,
		CreatedAt:        time.Now(),
	}
	session.TempPath = filepath.Join(m.cfg.StagingDir, session.ID+"_"+filename)

	if err := m.sessions.CreateSession(session); err != nil {
		return nil, fmt.Errorf("failed to persist upload session: %w", err)
	}

	logger.Info("upload session created",
		logger.String("sessionId", session.ID),
		logger.String("filename", filename),
		logger.Int64("fileSize", declaredSize))

	return session, nil
}

// AppendChunk writes the next chunk of a session's file. The offset must
// equal the session's BytesUploaded exactly; out-of-order and duplicate
// chunks are rejected without touching the temporary file.
func (m *Manager) AppendChunk(ctx context.Context, sessionID string, offset int64, data []byte) (*model.UploadSession, error) {
	lock := m.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := m.sessions.GetSessionByID(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if session == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if session.Status != model.UploadPending && session.Status != model.UploadUploading {
		return nil, fmt.Errorf("%w: session is %s", ErrInvalidState, session.Status)
	}
	if offset != session.BytesUploaded {
		return nil, fmt.Errorf("%w: got offset %d, expected %d", ErrOffsetMismatch, offset, session.BytesUploaded)
	}
	if session.BytesUploaded+int64(len(data)) > session.FileSize {
		return nil, fmt.Errorf("%w: chunk overruns declared size %d", ErrInvalidInput, session.FileSize)
	}

	f, err := os.OpenFile(session.TempPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, m.failSession(session, fmt.Errorf("%w: %v", ErrStorageWrite, err))
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return nil, m.failSession(session, fmt.Errorf("%w: %v", ErrStorageWrite, err))
	}
	if err := f.Close(); err != nil {
		return nil, m.failSession(session, fmt.Errorf("%w: %v", ErrStorageWrite, err))
	}

	now := time.Now()
	if session.FirstChunkAt == nil {
		session.FirstChunkAt = &now
	}
	session.LastChunkAt = &now
	session.BytesUploaded += int64(len(data))
	session.Status = model.UploadUploading

	if err := m.sessions.UpdateSession(session); err != nil {
		return nil, fmt.Errorf("failed to persist chunk progress: %w", err)
	}

	m.mirrorProgress(ctx, session)
	return session, nil
}

// FinalizeSession verifies the assembled file, computes its checksum,
// atomically renames it into the primary library and creates the catalog
// row. This is the single moment a Song becomes visible to the rest of
// the system. Size and write failures are terminal.
func (m *Manager) FinalizeSession(ctx context.Context, sessionID string) (*model.Song, error) {
	lock := m.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := m.sessions.GetSessionByID(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if session == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if session.Status != model.UploadPending && session.Status != model.UploadUploading {
		return nil, fmt.Errorf("%w: session is %s", ErrInvalidState, session.Status)
	}

	if session.BytesUploaded != session.FileSize {
		return nil, m.failSession(session, fmt.Errorf("%w: %d of %d bytes uploaded",
			ErrSizeMismatch, session.BytesUploaded, session.FileSize))
	}
	if info, err := os.Stat(session.TempPath); err != nil || info.Size() != session.FileSize {
		return nil, m.failSession(session, fmt.Errorf("%w: temporary file missing or truncated", ErrSizeMismatch))
	}

	checksum, err := utils.MD5File(session.TempPath)
	if err != nil {
		return nil, m.failSession(session, fmt.Errorf("%w: %v", ErrStorageWrite, err))
	}

	if err := utils.EnsureDir(m.cfg.PrimaryDir); err != nil {
		return nil, m.failSession(session, fmt.Errorf("%w: %v", ErrStorageWrite, err))
	}

	finalPath := utils.UniquePath(filepath.Join(m.cfg.PrimaryDir, session.Filename))
	if err := os.Rename(session.TempPath, finalPath); err != nil {
		return nil, m.failSession(session, fmt.Errorf("%w: %v", ErrStorageWrite, err))
	}

	song := &model.Song{
		Filename:        filepath.Base(finalPath),
		Filepath:        finalPath,
		Title:           strings.TrimSuffix(session.Filename, filepath.Ext(session.Filename)),
		FileSize:        session.FileSize,
		Format:          strings.TrimPrefix(filepath.Ext(finalPath), "."),
		StorageLocation: model.LocationPrimary,
		PrimaryPath:     finalPath,
		IsBackupSynced:  false,
		Checksum:        checksum,
		IsAvailable:     true,
	}
	id, err := m.songs.CreateSong(song)
	if err != nil {
		return nil, m.failSession(session, fmt.Errorf("failed to create catalog row: %w", err))
	}
	song.ID = id

	now := time.Now()
	session.Status = model.UploadCompleted
	session.FinalPath = finalPath
	session.Checksum = checksum
	session.CompletedAt = &now
	if err := m.sessions.UpdateSession(session); err != nil {
		return nil, fmt.Errorf("failed to persist completed session: %w", err)
	}

	m.mirrorProgress(ctx, session)
	m.releaseLock(sessionID)

	logger.Info("upload finalized",
		logger.String("sessionId", session.ID),
		logger.String("finalPath", finalPath),
		logger.String("checksum", checksum),
		logger.Int64("songId", song.ID))

	return song, nil
}

// AbortSession cancels an in-flight session and removes its temporary file.
func (m *Manager) AbortSession(ctx context.Context, sessionID, reason string) error {
	lock := m.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := m.sessions.GetSessionByID(sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if session == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if session.Status != model.UploadPending && session.Status != model.UploadUploading {
		return fmt.Errorf("%w: session is %s", ErrInvalidState, session.Status)
	}

	if reason == "" {
		reason = "aborted by caller"
	}
	m.failSession(session, errors.New(reason))
	logger.Info("upload session aborted",
		logger.String("sessionId", sessionID), logger.String("reason", reason))
	return nil
}

// Progress returns the current state of a session.
func (m *Manager) Progress(ctx context.Context, sessionID string) (*model.UploadSession, error) {
	session, err := m.sessions.GetSessionByID(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if session == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return session, nil
}

// CleanupExpired reaps pending/uploading/failed sessions older than the
// retention window, deleting their temporary files. Returns the number of
// sessions removed.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-m.cfg.SessionRetention)
	stale, err := m.sessions.ListStale(cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale sessions: %w", err)
	}

	removed := 0
	for _, session := range stale {
		if session.TempPath != "" {
			if err := os.Remove(session.TempPath); err != nil && !os.IsNotExist(err) {
				logger.Warn("could not delete stale temp file",
					logger.String("path", session.TempPath), logger.ErrorField(err))
			}
		}
		if err := m.sessions.DeleteSession(session.ID); err != nil {
			logger.Warn("could not delete stale session",
				logger.String("sessionId", session.ID), logger.ErrorField(err))
			continue
		}
		removed++
	}

	if removed > 0 {
		logger.Info("cleaned up expired upload sessions", logger.Int("count", removed))
	}
	return removed, nil
}

// failSession transitions a session to failed, removes its temporary file
// and returns cause for the caller to propagate.
func (m *Manager) failSession(session *model.UploadSession, cause error) error {
	session.Status = model.UploadFailed
	session.ErrorMessage = cause.Error()
	if session.TempPath != "" {
		if err := os.Remove(session.TempPath); err != nil && !os.IsNotExist(err) {
			logger.Warn("could not delete temp file of failed session",
				logger.String("path", session.TempPath), logger.ErrorField(err))
		}
	}
	if err := m.sessions.UpdateSession(session); err != nil {
		logger.Error("failed to persist failed session",
			logger.String("sessionId", session.ID), logger.ErrorField(err))
	}
	m.releaseLock(session.ID)
	return cause
}

func (m *Manager) mirrorProgress(ctx context.Context, session *model.UploadSession) {
	if m.mirror == nil {
		return
	}
	if err := m.mirror.SetUploadProgress(ctx, session); err != nil {
		logger.Debug("failed to mirror upload progress",
			logger.String("sessionId", session.ID), logger.ErrorField(err))
	}
}
