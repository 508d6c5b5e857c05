package library

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"

	"echofm/config"
	"echofm/core/utils"
	"echofm/logger"
	"echofm/model"
	"echofm/repository"
)

var (
	ErrSongNotFound = errors.New("song not found")
	// ErrUnavailable means no tier currently serves a readable copy.
	ErrUnavailable = errors.New("song unavailable on all tiers")
	// ErrCorrupt means a copy was readable but failed checksum verification.
	ErrCorrupt = errors.New("song data failed checksum verification")
)

// Resolver decides which physical copy of a song to serve. It prefers the
// primary tier and falls back to the backup copy when the primary is down
// or the primary copy fails verification. Tier health is re-read from the
// StorageStatus rows on every resolution, so a failover takes effect on
// the first request after the monitor notices the transition.
type Resolver struct {
	cfg        *config.Config
	songs      repository.SongRepository
	statusRepo repository.StorageStatusRepository
}

// NewResolver creates a storage-location resolver.
func NewResolver(cfg *config.Config, songs repository.SongRepository, statusRepo repository.StorageStatusRepository) *Resolver {
	return &Resolver{cfg: cfg, songs: songs, statusRepo: statusRepo}
}

// tierServes reports whether a tier's last health check allows reads.
// A missing status row counts as unusable.
func (r *Resolver) tierServes(tier model.Tier) bool {
	status, err := r.statusRepo.GetStatus(tier)
	if err != nil {
		logger.Warn("failed to read tier status, treating as down",
			logger.String("tier", string(tier)), logger.ErrorField(err))
		return false
	}
	return status != nil && status.IsAvailable
}

// verifyCopy checks that the file at path exists with the expected size and
// checksum. An empty expected checksum skips the hash comparison.
func verifyCopy(path string, expectedSize int64, expectedChecksum string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("copy missing at %s: %w", path, err)
	}
	if expectedSize > 0 && info.Size() != expectedSize {
		return fmt.Errorf("%w: size %d, expected %d at %s", ErrCorrupt, info.Size(), expectedSize, path)
	}
	if expectedChecksum != "" {
		sum, err := utils.MD5File(path)
		if err != nil {
			return fmt.Errorf("could not checksum %s: %w", path, err)
		}
		if sum != expectedChecksum {
			return fmt.Errorf("%w: checksum %s, expected %s at %s", ErrCorrupt, sum, expectedChecksum, path)
		}
	}
	return nil
}

// ResolveReadPath returns the path of a verified copy of the song,
// preferring the primary tier. Every failed tier is recorded through
// MarkTierResult so the catalog converges on reality. When both tiers
// fail the song is marked unavailable and the last failure kind
// (ErrUnavailable or ErrCorrupt) is returned.
func (r *Resolver) ResolveReadPath(ctx context.Context, songID int64) (string, error) {
	song, err := r.songs.GetSongByID(songID)
	if err != nil {
		return "", fmt.Errorf("failed to load song %d: %w", songID, err)
	}
	if song == nil {
		return "", fmt.Errorf("%w: id %d", ErrSongNotFound, songID)
	}

	lastErr := ErrUnavailable
	for _, tier := range []model.Tier{model.TierPrimary, model.TierFallback} {
		path := song.PathForTier(tier)
		if path == "" {
			continue
		}
		if !r.tierServes(tier) {
			logger.Debug("tier down, skipping",
				logger.String("tier", string(tier)), logger.Int64("songId", songID))
			continue
		}

		if err := verifyCopy(path, song.FileSize, song.Checksum); err != nil {
			if errors.Is(err, ErrCorrupt) {
				lastErr = ErrCorrupt
			}
			logger.Warn("song copy failed verification",
				logger.Int64("songId", songID),
				logger.String("tier", string(tier)),
				logger.ErrorField(err))
			if merr := r.MarkTierResult(ctx, songID, tier, false); merr != nil {
				logger.Error("failed to record tier failure",
					logger.Int64("songId", songID), logger.ErrorField(merr))
			}
			continue
		}

		// A verified copy restores a song that an earlier outage demoted.
		if !song.IsAvailable {
			if merr := r.MarkTierResult(ctx, songID, tier, true); merr != nil {
				logger.Error("failed to restore song availability",
					logger.Int64("songId", songID), logger.ErrorField(merr))
			}
		}

		return path, nil
	}

	if err := r.markUnavailable(songID); err != nil {
		logger.Error("failed to mark song unavailable",
			logger.Int64("songId", songID), logger.ErrorField(err))
	}
	return "", fmt.Errorf("%w: song %d", lastErr, songID)
}

// MarkTierResult records the outcome of using a song's copy on one tier.
// ok=false removes that tier from the song's StorageLocation; ok=true
// restores availability for a song whose copy verified again after a
// demotion. Retries on version conflicts with a fresh read, so concurrent
// reconciler updates are never clobbered.
func (r *Resolver) MarkTierResult(ctx context.Context, songID int64, tier model.Tier, ok bool) error {
	for attempt := 0; attempt < 3; attempt++ {
		song, err := r.songs.GetSongByID(songID)
		if err != nil {
			return fmt.Errorf("failed to load song %d: %w", songID, err)
		}
		if song == nil {
			return fmt.Errorf("%w: id %d", ErrSongNotFound, songID)
		}
		if song.PathForTier(tier) == "" {
			return nil
		}

		if ok {
			if song.IsAvailable {
				return nil
			}
			song.IsAvailable = true
			err = r.songs.UpdateStorageState(song)
			if err == nil {
				logger.Info("song availability restored",
					logger.Int64("songId", songID),
					logger.String("tier", string(tier)))
				return nil
			}
			if !errors.Is(err, repository.ErrVersionConflict) {
				return fmt.Errorf("failed to update song %d: %w", songID, err)
			}
			continue
		}

		switch tier {
		case model.TierPrimary:
			if song.StorageLocation == model.LocationBoth {
				song.StorageLocation = model.LocationFallback
			} else {
				song.IsAvailable = false
			}
			song.PrimaryPath = ""
		case model.TierFallback:
			if song.StorageLocation == model.LocationBoth {
				song.StorageLocation = model.LocationPrimary
			} else {
				song.IsAvailable = false
			}
			song.FallbackPath = ""
			song.IsBackupSynced = false
			song.BackupDate = nil
		}

		err = r.songs.UpdateStorageState(song)
		if err == nil {
			logger.Info("tier copy dropped from catalog",
				logger.Int64("songId", songID),
				logger.String("tier", string(tier)),
				logger.String("location", string(song.StorageLocation)))
			return nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return fmt.Errorf("failed to update song %d: %w", songID, err)
		}
	}
	return fmt.Errorf("gave up updating song %d after version conflicts", songID)
}

// markUnavailable flags a song as having no readable copy anywhere.
func (r *Resolver) markUnavailable(songID int64) error {
	for attempt := 0; attempt < 3; attempt++ {
		song, err := r.songs.GetSongByID(songID)
		if err != nil {
			return err
		}
		if song == nil || !song.IsAvailable {
			return nil
		}
		song.IsAvailable = false
		err = r.songs.UpdateStorageState(song)
		if err == nil || !errors.Is(err, repository.ErrVersionConflict) {
			return err
		}
	}
	return fmt.Errorf("gave up marking song %d unavailable after version conflicts", songID)
}

// ListSyncCandidates returns the songs the reconciler should copy next,
// most played first, bounded by the backup capacity cap. A song is a
// candidate only while the primary tier, where its sole copy lives, is
// healthy enough to read from; otherwise the list is empty.
func (r *Resolver) ListSyncCandidates(ctx context.Context) ([]*model.Song, error) {
	status, err := r.statusRepo.GetStatus(model.TierPrimary)
	if err != nil {
		return nil, fmt.Errorf("failed to read primary tier status: %w", err)
	}
	if status == nil || !status.IsAvailable || status.HealthStatus != model.HealthHealthy {
		return nil, nil
	}

	songs, err := r.songs.ListSyncCandidates(r.cfg.MaxBackupSongs)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync candidates: %w", err)
	}
	return songs, nil
}

// PickRandomAvailable returns a random playable song, or nil when the
// catalog has none.
func (r *Resolver) PickRandomAvailable(ctx context.Context) (*model.Song, error) {
	songs, err := r.songs.ListAvailable()
	if err != nil {
		return nil, fmt.Errorf("failed to list available songs: %w", err)
	}
	if len(songs) == 0 {
		return nil, nil
	}
	return songs[rand.Intn(len(songs))], nil
}
