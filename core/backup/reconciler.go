package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"echofm/config"
	"echofm/core/utils"
	"echofm/logger"
	"echofm/model"
	"echofm/repository"
)

// ErrCycleInFlight is returned when RunCycle is called while a previous
// cycle is still running.
var ErrCycleInFlight = errors.New("a reconciliation cycle is already running")

// CycleReport summarizes one reconciliation cycle.
type CycleReport struct {
	Skipped   bool          `json:"skipped"`
	Reason    string        `json:"reason,omitempty"`
	Created   int           `json:"created"`
	Updated   int           `json:"updated"`
	Failed    int           `json:"failed"`
	Evicted   int           `json:"evicted"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
}

// Reconciler copies popular songs from the primary tier to the fallback
// tier and keeps the catalog's view of both consistent. At most one cycle
// runs at a time; individual song failures are logged and do not stop the
// rest of the cycle.
type Reconciler struct {
	cfg        *config.Config
	songs      repository.SongRepository
	syncLog    repository.SyncLogRepository
	statusRepo repository.StorageStatusRepository

	running atomic.Bool
}

// NewReconciler creates a backup reconciler over the configured tiers.
func NewReconciler(
	cfg *config.Config,
	songs repository.SongRepository,
	syncLog repository.SyncLogRepository,
	statusRepo repository.StorageStatusRepository,
) *Reconciler {
	return &Reconciler{cfg: cfg, songs: songs, syncLog: syncLog, statusRepo: statusRepo}
}

// RunCycle performs one full reconciliation pass. The cycle is skipped
// entirely (not failed) when the fallback tier is down or below the free
// space floor; resolving tier health is the monitor's job, not ours.
func (r *Reconciler) RunCycle(ctx context.Context) (*CycleReport, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, ErrCycleInFlight
	}
	defer r.running.Store(false)

	report := &CycleReport{StartedAt: time.Now()}
	defer func() { report.Duration = time.Since(report.StartedAt) }()

	// Copying only happens between two healthy tiers. A down or degraded
	// tier on either side is an expected condition: the cycle backs off
	// without recording failures.
	primary, err := r.statusRepo.GetStatus(model.TierPrimary)
	if err != nil {
		return nil, fmt.Errorf("failed to read primary tier status: %w", err)
	}
	if primary == nil || !primary.IsAvailable || primary.HealthStatus != model.HealthHealthy {
		report.Skipped = true
		report.Reason = "primary tier not healthy"
		logger.Info("backup cycle skipped", logger.String("reason", report.Reason))
		return report, nil
	}

	status, err := r.statusRepo.GetStatus(model.TierFallback)
	if err != nil {
		return nil, fmt.Errorf("failed to read fallback tier status: %w", err)
	}
	if status == nil || !status.IsAvailable || status.HealthStatus != model.HealthHealthy {
		report.Skipped = true
		report.Reason = "fallback tier not healthy"
		if status != nil && status.FreeGB < r.cfg.MinFreeGB {
			report.Reason = fmt.Sprintf("fallback tier low on space (%.2f GB free)", status.FreeGB)
		}
		logger.Info("backup cycle skipped", logger.String("reason", report.Reason))
		return report, nil
	}
	if status.FreeGB < r.cfg.MinFreeGB {
		report.Skipped = true
		report.Reason = fmt.Sprintf("fallback tier low on space (%.2f GB free)", status.FreeGB)
		logger.Warn("backup cycle skipped", logger.String("reason", report.Reason))
		return report, nil
	}

	candidates, err := r.songs.ListSyncCandidates(r.cfg.MaxBackupSongs)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync candidates: %w", err)
	}
	if len(candidates) == 0 {
		logger.Debug("backup cycle found nothing to sync")
		return report, nil
	}

	if err := utils.EnsureDir(r.cfg.FallbackDir); err != nil {
		return nil, fmt.Errorf("cannot prepare fallback directory: %w", err)
	}

	for _, song := range candidates {
		select {
		case <-ctx.Done():
			report.Reason = "cancelled"
			return report, ctx.Err()
		default:
		}

		evicted, err := r.ensureCapacity(ctx)
		if err != nil {
			logger.Warn("could not free backup capacity, stopping cycle early",
				logger.ErrorField(err))
			break
		}
		report.Evicted += evicted

		action, err := r.backupSong(ctx, song)
		if err != nil {
			report.Failed++
			logger.Error("song backup failed",
				logger.Int64("songId", song.ID),
				logger.String("filename", song.Filename),
				logger.ErrorField(err))
			continue
		}
		switch action {
		case model.SyncBackupCreated:
			report.Created++
		case model.SyncBackupUpdated:
			report.Updated++
		}
	}

	logger.Info("backup cycle finished",
		logger.Int("created", report.Created),
		logger.Int("updated", report.Updated),
		logger.Int("failed", report.Failed),
		logger.Int("evicted", report.Evicted),
		logger.Duration("took", report.Duration))
	return report, nil
}

// ensureCapacity evicts least-played backed-up songs until the backup count
// is below the configured cap. Returns the number of evictions.
func (r *Reconciler) ensureCapacity(ctx context.Context) (int, error) {
	count, err := r.songs.CountBackedUp()
	if err != nil {
		return 0, fmt.Errorf("failed to count backups: %w", err)
	}
	if count < r.cfg.MaxBackupSongs {
		return 0, nil
	}

	// Free exactly enough slots for the song about to be copied.
	toFree := count - r.cfg.MaxBackupSongs + 1
	victims, err := r.songs.ListBackedUp(toFree)
	if err != nil {
		return 0, fmt.Errorf("failed to list eviction candidates: %w", err)
	}

	evicted := 0
	for _, victim := range victims {
		if err := r.removeBackup(victim); err != nil {
			logger.Warn("could not evict backup copy",
				logger.Int64("songId", victim.ID), logger.ErrorField(err))
			continue
		}
		evicted++
	}
	if evicted == 0 && toFree > 0 {
		return 0, errors.New("no backup copy could be evicted")
	}
	return evicted, nil
}

// removeBackup deletes a song's fallback copy and demotes its catalog row.
func (r *Reconciler) removeBackup(song *model.Song) error {
	path := song.FallbackPath
	if path != "" {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete %s: %w", path, err)
		}
	}

	song.StorageLocation = model.LocationPrimary
	song.FallbackPath = ""
	song.IsBackupSynced = false
	song.BackupDate = nil
	if err := r.songs.UpdateStorageState(song); err != nil {
		return fmt.Errorf("failed to demote song %d: %w", song.ID, err)
	}

	entry := &model.BackupSyncLogEntry{
		SongID:          song.ID,
		Action:          model.SyncBackupRemoved,
		DestinationPath: path,
		FileSize:        song.FileSize,
		Checksum:        song.Checksum,
	}
	if err := r.syncLog.Append(entry); err != nil {
		logger.Error("failed to log backup removal",
			logger.Int64("songId", song.ID), logger.ErrorField(err))
	}

	logger.Info("backup copy evicted",
		logger.Int64("songId", song.ID),
		logger.Int64("playCount", song.PlayCount))
	return nil
}

// backupSong copies one song to the fallback tier: write to a .part file,
// verify the copy's checksum, then rename. The catalog row is promoted
// only after the rename succeeds, so a crash mid-copy leaves at worst a
// stale .part file and an untouched row.
func (r *Reconciler) backupSong(ctx context.Context, song *model.Song) (model.SyncAction, error) {
	source := song.PrimaryPath
	if source == "" {
		source = song.Filepath
	}
	dest := filepath.Join(r.cfg.FallbackDir, song.Filename)

	action := model.SyncBackupCreated
	if _, err := os.Stat(dest); err == nil {
		action = model.SyncBackupUpdated
	}

	if err := r.copyVerified(source, dest, song.Checksum); err != nil {
		r.logAttempt(song, model.SyncBackupFailed, source, dest, err)
		return "", err
	}

	now := time.Now()
	song.StorageLocation = model.LocationBoth
	song.FallbackPath = dest
	song.IsBackupSynced = true
	song.BackupDate = &now
	if err := r.songs.UpdateStorageState(song); err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			// Someone changed the row while we copied. The file copy is
			// valid; the next cycle will reconcile the row.
			logger.Warn("catalog row changed during backup, leaving for next cycle",
				logger.Int64("songId", song.ID))
			return "", err
		}
		r.logAttempt(song, model.SyncBackupFailed, source, dest, err)
		return "", err
	}

	r.logAttempt(song, action, source, dest, nil)
	logger.Info("song backed up",
		logger.Int64("songId", song.ID),
		logger.String("action", string(action)),
		logger.String("dest", dest))
	return action, nil
}

// copyVerified copies src to dest via a temporary .part file, fsyncs it,
// verifies the expected checksum and renames it into place.
func (r *Reconciler) copyVerified(src, dest, expectedChecksum string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source %s: %w", src, err)
	}
	defer in.Close()

	part := dest + ".part"
	out, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", part, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(part)
		return fmt.Errorf("failed to copy to %s: %w", part, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(part)
		return fmt.Errorf("failed to sync %s: %w", part, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(part)
		return fmt.Errorf("failed to close %s: %w", part, err)
	}

	if expectedChecksum != "" {
		sum, err := utils.MD5File(part)
		if err != nil {
			os.Remove(part)
			return err
		}
		if sum != expectedChecksum {
			os.Remove(part)
			return fmt.Errorf("copy checksum %s does not match source %s", sum, expectedChecksum)
		}
	}

	if err := os.Rename(part, dest); err != nil {
		os.Remove(part)
		return fmt.Errorf("failed to rename %s into place: %w", part, err)
	}
	return nil
}

func (r *Reconciler) logAttempt(song *model.Song, action model.SyncAction, source, dest string, cause error) {
	entry := &model.BackupSyncLogEntry{
		SongID:          song.ID,
		Action:          action,
		SourcePath:      source,
		DestinationPath: dest,
		FileSize:        song.FileSize,
		Checksum:        song.Checksum,
	}
	if cause != nil {
		entry.ErrorMessage = cause.Error()
	}
	if err := r.syncLog.Append(entry); err != nil {
		logger.Error("failed to append sync log entry",
			logger.Int64("songId", song.ID), logger.ErrorField(err))
	}
}

// VerifyBackups sweeps the fallback tier and demotes catalog rows whose
// backup copy is missing or corrupt. Returns the number of demotions.
func (r *Reconciler) VerifyBackups(ctx context.Context) (int, error) {
	songs, err := r.songs.ListByLocation(model.LocationBoth)
	if err != nil {
		return 0, fmt.Errorf("failed to list backed-up songs: %w", err)
	}

	demoted := 0
	for _, song := range songs {
		select {
		case <-ctx.Done():
			return demoted, ctx.Err()
		default:
		}

		ok := true
		info, err := os.Stat(song.FallbackPath)
		if err != nil || (song.FileSize > 0 && info.Size() != song.FileSize) {
			ok = false
		} else if song.Checksum != "" {
			sum, err := utils.MD5File(song.FallbackPath)
			if err != nil || sum != song.Checksum {
				ok = false
			}
		}
		if ok {
			continue
		}

		if err := r.removeBackup(song); err != nil {
			logger.Warn("could not demote bad backup",
				logger.Int64("songId", song.ID), logger.ErrorField(err))
			continue
		}
		demoted++
	}

	if demoted > 0 {
		logger.Warn("backup verification demoted songs", logger.Int("count", demoted))
	}
	return demoted, nil
}

// Start drives RunCycle on the configured interval until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SyncInterval)
	defer ticker.Stop()

	logger.Info("backup reconciler started",
		logger.Duration("interval", r.cfg.SyncInterval),
		logger.Int("maxBackupSongs", r.cfg.MaxBackupSongs))

	for {
		select {
		case <-ctx.Done():
			logger.Info("backup reconciler stopped")
			return
		case <-ticker.C:
			if _, err := r.RunCycle(ctx); err != nil && !errors.Is(err, ErrCycleInFlight) {
				logger.Error("backup cycle failed", logger.ErrorField(err))
			}
		}
	}
}
