package upload

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"echofm/config"
	"echofm/model"
	"echofm/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *repository.MemorySongRepository, *repository.MemoryUploadSessionRepository, *config.Config) {
	t.Helper()
	root := t.TempDir()

	cfg := &config.Config{
		PrimaryDir:       filepath.Join(root, "library"),
		FallbackDir:      filepath.Join(root, "backup"),
		StagingDir:       filepath.Join(root, "staging"),
		MaxUploadSize:    10 << 20,
		SessionRetention: 24 * time.Hour,
	}

	songs := repository.NewMemorySongRepository()
	sessions := repository.NewMemoryUploadSessionRepository()
	statusRepo := repository.NewMemoryStorageStatusRepository()
	require.NoError(t, statusRepo.UpsertStatus(&model.StorageStatus{
		Tier:         model.TierPrimary,
		MountPoint:   cfg.PrimaryDir,
		IsAvailable:  true,
		CapacityGB:   100,
		FreeGB:       50,
		HealthStatus: model.HealthHealthy,
	}))

	return NewManager(cfg, sessions, songs, statusRepo, nil), songs, sessions, cfg
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func TestChunkedUploadLifecycle(t *testing.T) {
	m, songs, _, cfg := newTestManager(t)
	ctx := context.Background()

	content := bytes.Repeat([]byte("abcdefghij"), 30) // 300 bytes
	session, err := m.StartSession(ctx, "My Song.mp3", 300)
	require.NoError(t, err)
	assert.Equal(t, model.UploadPending, session.Status)
	assert.Equal(t, "My_Song.mp3", session.Filename)

	// Three sequential 100-byte chunks.
	for i := 0; i < 3; i++ {
		session, err = m.AppendChunk(ctx, session.ID, int64(i*100), content[i*100:(i+1)*100])
		require.NoError(t, err)
		assert.Equal(t, int64((i+1)*100), session.BytesUploaded)
		assert.Equal(t, model.UploadUploading, session.Status)
	}

	song, err := m.FinalizeSession(ctx, session.ID)
	require.NoError(t, err)

	assert.Equal(t, int64(300), song.FileSize)
	assert.Equal(t, model.LocationPrimary, song.StorageLocation)
	assert.False(t, song.IsBackupSynced)
	assert.True(t, song.IsAvailable)
	assert.Equal(t, md5Hex(content), song.Checksum)

	// The assembled file landed in the library, byte for byte.
	data, err := os.ReadFile(song.PrimaryPath)
	require.NoError(t, err)
	assert.Equal(t, content, data)
	assert.Equal(t, cfg.PrimaryDir, filepath.Dir(song.PrimaryPath))

	// The staging file is gone.
	_, err = os.Stat(session.TempPath)
	assert.True(t, os.IsNotExist(err))

	stored, err := songs.GetSongByID(song.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, song.Checksum, stored.Checksum)
}

func TestAppendChunkRejectsWrongOffset(t *testing.T) {
	m, _, sessions, _ := newTestManager(t)
	ctx := context.Background()

	session, err := m.StartSession(ctx, "track.flac", 200)
	require.NoError(t, err)

	// First chunk must start at offset 0.
	_, err = m.AppendChunk(ctx, session.ID, 50, make([]byte, 50))
	assert.ErrorIs(t, err, ErrOffsetMismatch)

	// The rejection left the session untouched.
	stored, err := sessions.GetSessionByID(session.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stored.BytesUploaded)
	assert.Equal(t, model.UploadPending, stored.Status)

	// A duplicate of an already-applied chunk is rejected the same way.
	_, err = m.AppendChunk(ctx, session.ID, 0, make([]byte, 100))
	require.NoError(t, err)
	_, err = m.AppendChunk(ctx, session.ID, 0, make([]byte, 100))
	assert.ErrorIs(t, err, ErrOffsetMismatch)

	stored, err = sessions.GetSessionByID(session.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), stored.BytesUploaded)
}

func TestFinalizeIncompleteSessionFails(t *testing.T) {
	m, _, sessions, _ := newTestManager(t)
	ctx := context.Background()

	session, err := m.StartSession(ctx, "short.ogg", 200)
	require.NoError(t, err)
	_, err = m.AppendChunk(ctx, session.ID, 0, make([]byte, 100))
	require.NoError(t, err)

	_, err = m.FinalizeSession(ctx, session.ID)
	assert.ErrorIs(t, err, ErrSizeMismatch)

	// Size mismatch is terminal.
	stored, err := sessions.GetSessionByID(session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.UploadFailed, stored.Status)
	assert.NotEmpty(t, stored.ErrorMessage)

	_, err = m.AppendChunk(ctx, session.ID, 100, make([]byte, 100))
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestStartSessionValidation(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		filename string
		size     int64
		wantErr  error
	}{
		{name: "zero size", filename: "a.mp3", size: 0, wantErr: ErrInvalidInput},
		{name: "negative size", filename: "a.mp3", size: -1, wantErr: ErrInvalidInput},
		{name: "over limit", filename: "a.mp3", size: 11 << 20, wantErr: ErrInvalidInput},
		{name: "disallowed extension", filename: "run.exe", size: 100, wantErr: ErrInvalidInput},
		{name: "no extension", filename: "noext", size: 100, wantErr: ErrInvalidInput},
		{name: "path traversal", filename: "../../etc/passwd.mp3", size: 100, wantErr: ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.StartSession(ctx, tt.filename, tt.size)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestStartSessionRequiresFreeSpace(t *testing.T) {
	root := t.TempDir()
	cfg := &config.Config{
		PrimaryDir:    filepath.Join(root, "library"),
		StagingDir:    filepath.Join(root, "staging"),
		MaxUploadSize: 10 << 30,
	}
	statusRepo := repository.NewMemoryStorageStatusRepository()
	require.NoError(t, statusRepo.UpsertStatus(&model.StorageStatus{
		Tier:        model.TierPrimary,
		IsAvailable: true,
		FreeGB:      0.0000001, // ~100 bytes
	}))
	m := NewManager(cfg, repository.NewMemoryUploadSessionRepository(),
		repository.NewMemorySongRepository(), statusRepo, nil)

	_, err := m.StartSession(context.Background(), "big.wav", 1<<20)
	assert.ErrorIs(t, err, ErrInsufficientStorage)

	// A down primary tier refuses sessions outright.
	require.NoError(t, statusRepo.UpsertStatus(&model.StorageStatus{
		Tier:        model.TierPrimary,
		IsAvailable: false,
	}))
	_, err = m.StartSession(context.Background(), "small.mp3", 10)
	assert.ErrorIs(t, err, ErrInsufficientStorage)
}

func TestFinalizeDeduplicatesFilenames(t *testing.T) {
	m, _, _, cfg := newTestManager(t)
	ctx := context.Background()

	uploadOne := func(content []byte) *model.Song {
		session, err := m.StartSession(ctx, "same.mp3", int64(len(content)))
		require.NoError(t, err)
		_, err = m.AppendChunk(ctx, session.ID, 0, content)
		require.NoError(t, err)
		song, err := m.FinalizeSession(ctx, session.ID)
		require.NoError(t, err)
		return song
	}

	first := uploadOne([]byte("first version"))
	second := uploadOne([]byte("second version"))

	assert.Equal(t, filepath.Join(cfg.PrimaryDir, "same.mp3"), first.PrimaryPath)
	assert.Equal(t, filepath.Join(cfg.PrimaryDir, "same_1.mp3"), second.PrimaryPath)
}

func TestAbortSessionRemovesTempFile(t *testing.T) {
	m, _, sessions, _ := newTestManager(t)
	ctx := context.Background()

	session, err := m.StartSession(ctx, "gone.m4a", 100)
	require.NoError(t, err)
	_, err = m.AppendChunk(ctx, session.ID, 0, make([]byte, 50))
	require.NoError(t, err)

	require.NoError(t, m.AbortSession(ctx, session.ID, "user cancelled"))

	stored, err := sessions.GetSessionByID(session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.UploadFailed, stored.Status)
	_, err = os.Stat(session.TempPath)
	assert.True(t, os.IsNotExist(err))

	// Terminal sessions cannot be aborted again.
	err = m.AbortSession(ctx, session.ID, "")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestAppendChunkUnknownSession(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	_, err := m.AppendChunk(context.Background(), "no-such-session", 0, []byte("x"))
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCleanupExpiredReapsStaleSessions(t *testing.T) {
	m, _, sessions, _ := newTestManager(t)
	ctx := context.Background()

	session, err := m.StartSession(ctx, "stale.mp3", 100)
	require.NoError(t, err)
	_, err = m.AppendChunk(ctx, session.ID, 0, make([]byte, 10))
	require.NoError(t, err)

	// Backdate the session past the retention window.
	stored, err := sessions.GetSessionByID(session.ID)
	require.NoError(t, err)
	stored.CreatedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, sessions.UpdateSession(stored))

	removed, err := m.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	gone, err := sessions.GetSessionByID(session.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
	_, err = os.Stat(session.TempPath)
	assert.True(t, os.IsNotExist(err))
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "My Song.mp3", want: "My_Song.mp3"},
		{in: "weird*chars?.flac", want: "weirdchars.flac"},
		{in: "  spaced   name .wav", want: "spaced_name_.wav"},
		{in: "nested/dir/track.ogg", want: "track.ogg"},
		{in: "***.mp3", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		got, err := SanitizeFilename(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}
