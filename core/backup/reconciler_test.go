package backup

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"echofm/config"
	"echofm/model"
	"echofm/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reconcilerFixture struct {
	reconciler *Reconciler
	songs      *repository.MemorySongRepository
	syncLog    *repository.MemorySyncLogRepository
	statusRepo *repository.MemoryStorageStatusRepository
	cfg        *config.Config
}

func newReconcilerFixture(t *testing.T) *reconcilerFixture {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{
		PrimaryDir:     filepath.Join(root, "library"),
		FallbackDir:    filepath.Join(root, "backup"),
		MinFreeGB:      1.0,
		MaxBackupSongs: 100,
	}
	require.NoError(t, os.MkdirAll(cfg.PrimaryDir, 0755))

	songs := repository.NewMemorySongRepository()
	syncLog := repository.NewMemorySyncLogRepository()
	statusRepo := repository.NewMemoryStorageStatusRepository()
	for _, tier := range []model.Tier{model.TierPrimary, model.TierFallback} {
		require.NoError(t, statusRepo.UpsertStatus(&model.StorageStatus{
			Tier:         tier,
			IsAvailable:  true,
			FreeGB:       20,
			HealthStatus: model.HealthHealthy,
		}))
	}

	return &reconcilerFixture{
		reconciler: NewReconciler(cfg, songs, syncLog, statusRepo),
		songs:      songs,
		syncLog:    syncLog,
		statusRepo: statusRepo,
		cfg:        cfg,
	}
}

// addPrimarySong creates a primary-only song with a real file.
func (f *reconcilerFixture) addPrimarySong(t *testing.T, name string, content []byte, playCount int64) *model.Song {
	t.Helper()
	sum := md5.Sum(content)
	path := filepath.Join(f.cfg.PrimaryDir, name)
	require.NoError(t, os.WriteFile(path, content, 0644))
	song := &model.Song{
		Filename:        name,
		Filepath:        path,
		PrimaryPath:     path,
		FileSize:        int64(len(content)),
		PlayCount:       playCount,
		StorageLocation: model.LocationPrimary,
		Checksum:        hex.EncodeToString(sum[:]),
		IsAvailable:     true,
	}
	_, err := f.songs.CreateSong(song)
	require.NoError(t, err)
	return song
}

func (f *reconcilerFixture) actionsFor(t *testing.T, songID int64) []model.SyncAction {
	t.Helper()
	entries, err := f.syncLog.ListBySong(songID)
	require.NoError(t, err)
	actions := make([]model.SyncAction, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	return actions
}

func TestRunCycleBacksUpCandidate(t *testing.T) {
	f := newReconcilerFixture(t)
	content := []byte("some audio content")
	song := f.addPrimarySong(t, "hit.mp3", content, 10)

	report, err := f.reconciler.RunCycle(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 0, report.Failed)

	stored, err := f.songs.GetSongByID(song.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LocationBoth, stored.StorageLocation)
	assert.True(t, stored.IsBackupSynced)
	require.NotNil(t, stored.BackupDate)
	assert.Equal(t, filepath.Join(f.cfg.FallbackDir, "hit.mp3"), stored.FallbackPath)

	// The backup copy is byte-identical and no .part residue remains.
	data, err := os.ReadFile(stored.FallbackPath)
	require.NoError(t, err)
	assert.Equal(t, content, data)
	_, err = os.Stat(stored.FallbackPath + ".part")
	assert.True(t, os.IsNotExist(err))

	assert.Equal(t, []model.SyncAction{model.SyncBackupCreated}, f.actionsFor(t, song.ID))
}

func TestRunCycleIsIdempotent(t *testing.T) {
	f := newReconcilerFixture(t)
	song := f.addPrimarySong(t, "hit.mp3", []byte("content"), 5)

	_, err := f.reconciler.RunCycle(context.Background())
	require.NoError(t, err)
	report, err := f.reconciler.RunCycle(context.Background())
	require.NoError(t, err)

	// The second cycle found nothing to do and logged nothing new.
	assert.Equal(t, 0, report.Created)
	assert.Equal(t, 0, report.Updated)
	assert.Equal(t, []model.SyncAction{model.SyncBackupCreated}, f.actionsFor(t, song.ID))
}

func TestRunCycleSkipsWhenFallbackDown(t *testing.T) {
	f := newReconcilerFixture(t)
	song := f.addPrimarySong(t, "hit.mp3", []byte("content"), 5)
	require.NoError(t, f.statusRepo.UpsertStatus(&model.StorageStatus{
		Tier:         model.TierFallback,
		IsAvailable:  false,
		HealthStatus: model.HealthError,
	}))

	report, err := f.reconciler.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)

	stored, err := f.songs.GetSongByID(song.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LocationPrimary, stored.StorageLocation)
	assert.Empty(t, f.actionsFor(t, song.ID))
}

func TestRunCycleSkipsWhenFallbackDegraded(t *testing.T) {
	f := newReconcilerFixture(t)
	song := f.addPrimarySong(t, "hit.mp3", []byte("content"), 5)

	// Plenty of free space, but the tier is past its usage threshold.
	require.NoError(t, f.statusRepo.UpsertStatus(&model.StorageStatus{
		Tier:         model.TierFallback,
		IsAvailable:  true,
		FreeGB:       50,
		HealthStatus: model.HealthWarning,
	}))

	report, err := f.reconciler.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Equal(t, 0, report.Created)

	stored, err := f.songs.GetSongByID(song.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LocationPrimary, stored.StorageLocation)
	assert.False(t, stored.IsBackupSynced)
	assert.Empty(t, f.actionsFor(t, song.ID))
}

func TestRunCycleSkipsWhenPrimaryDown(t *testing.T) {
	f := newReconcilerFixture(t)
	song := f.addPrimarySong(t, "hit.mp3", []byte("content"), 5)

	// Primary outage: the copy source is gone along with the tier.
	require.NoError(t, os.Remove(song.PrimaryPath))
	require.NoError(t, f.statusRepo.UpsertStatus(&model.StorageStatus{
		Tier:         model.TierPrimary,
		IsAvailable:  false,
		HealthStatus: model.HealthError,
	}))

	report, err := f.reconciler.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)

	// An unreadable primary is expected backoff, not a per-song failure.
	assert.Equal(t, 0, report.Failed)
	assert.Empty(t, f.actionsFor(t, song.ID))
}

func TestRunCycleSkipsWhenFallbackLowOnSpace(t *testing.T) {
	f := newReconcilerFixture(t)
	f.addPrimarySong(t, "hit.mp3", []byte("content"), 5)
	require.NoError(t, f.statusRepo.UpsertStatus(&model.StorageStatus{
		Tier:         model.TierFallback,
		IsAvailable:  true,
		FreeGB:       0.5,
		HealthStatus: model.HealthWarning,
	}))

	report, err := f.reconciler.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Contains(t, report.Reason, "low on space")
}

func TestRunCycleIsolatesPerSongFailures(t *testing.T) {
	f := newReconcilerFixture(t)
	broken := f.addPrimarySong(t, "broken.mp3", []byte("doomed"), 10)
	healthy := f.addPrimarySong(t, "healthy.mp3", []byte("fine"), 5)

	// The source file vanishes before the cycle runs.
	require.NoError(t, os.Remove(broken.PrimaryPath))

	report, err := f.reconciler.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, report.Failed)

	// The failure was recorded and did not block the other song.
	assert.Equal(t, []model.SyncAction{model.SyncBackupFailed}, f.actionsFor(t, broken.ID))
	assert.Equal(t, []model.SyncAction{model.SyncBackupCreated}, f.actionsFor(t, healthy.ID))

	stored, err := f.songs.GetSongByID(healthy.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LocationBoth, stored.StorageLocation)
}

func TestRunCycleEvictsLeastPlayedAtCapacity(t *testing.T) {
	f := newReconcilerFixture(t)
	f.cfg.MaxBackupSongs = 2

	cold := f.addPrimarySong(t, "cold.mp3", []byte("cold"), 1)
	warm := f.addPrimarySong(t, "warm.mp3", []byte("warm"), 50)

	_, err := f.reconciler.RunCycle(context.Background())
	require.NoError(t, err)

	// Both fit; now a hotter song arrives and the cap forces an eviction.
	hot := f.addPrimarySong(t, "hot.mp3", []byte("hot!"), 100)
	report, err := f.reconciler.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, report.Evicted)

	coldStored, err := f.songs.GetSongByID(cold.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LocationPrimary, coldStored.StorageLocation)
	assert.False(t, coldStored.IsBackupSynced)
	_, err = os.Stat(filepath.Join(f.cfg.FallbackDir, "cold.mp3"))
	assert.True(t, os.IsNotExist(err))
	assert.Contains(t, f.actionsFor(t, cold.ID), model.SyncBackupRemoved)

	for _, s := range []*model.Song{warm, hot} {
		stored, err := f.songs.GetSongByID(s.ID)
		require.NoError(t, err)
		assert.Equal(t, model.LocationBoth, stored.StorageLocation, s.Filename)
	}
}

func TestVerifyBackupsDemotesMissingCopies(t *testing.T) {
	f := newReconcilerFixture(t)
	song := f.addPrimarySong(t, "hit.mp3", []byte("content"), 5)

	_, err := f.reconciler.RunCycle(context.Background())
	require.NoError(t, err)

	stored, err := f.songs.GetSongByID(song.ID)
	require.NoError(t, err)
	require.NoError(t, os.Remove(stored.FallbackPath))

	demoted, err := f.reconciler.VerifyBackups(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, demoted)

	stored, err = f.songs.GetSongByID(song.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LocationPrimary, stored.StorageLocation)
	assert.False(t, stored.IsBackupSynced)
	assert.Contains(t, f.actionsFor(t, song.ID), model.SyncBackupRemoved)
}

func TestVerifyBackupsDemotesCorruptCopies(t *testing.T) {
	f := newReconcilerFixture(t)
	song := f.addPrimarySong(t, "hit.mp3", []byte("content"), 5)

	_, err := f.reconciler.RunCycle(context.Background())
	require.NoError(t, err)

	stored, err := f.songs.GetSongByID(song.ID)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(stored.FallbackPath, []byte("garbage"), 0644))

	demoted, err := f.reconciler.VerifyBackups(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, demoted)
}

func TestRunCycleRejectsConcurrentRuns(t *testing.T) {
	f := newReconcilerFixture(t)
	f.reconciler.running.Store(true)

	_, err := f.reconciler.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleInFlight)
}
