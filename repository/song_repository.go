package repository

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"echofm/db"
	"echofm/model"
)

// SongRepository defines the interface for song catalog operations.
type SongRepository interface {
	CreateSong(song *model.Song) (int64, error)
	GetSongByID(id int64) (*model.Song, error)
	GetSongByFilename(filename string) (*model.Song, error)
	// ListSyncCandidates returns songs present only on primary, not yet
	// backup-synced and still available, most played first.
	ListSyncCandidates(limit int) ([]*model.Song, error)
	// ListBackedUp returns songs held on both tiers, least played first
	// (the eviction order).
	ListBackedUp(limit int) ([]*model.Song, error)
	CountBackedUp() (int, error)
	ListAvailable() ([]*model.Song, error)
	ListByLocation(loc model.StorageLocation) ([]*model.Song, error)
	// UpdateStorageState persists the song's storage fields with a
	// compare-and-swap on Version. Returns ErrVersionConflict when the row
	// was modified since song was read; on success song.Version is bumped.
	UpdateStorageState(song *model.Song) error
	TouchPlayed(id int64) error
}

const songColumns = `id, filename, filepath, title, artist, album, duration, file_size, format,
	bitrate, play_count, last_played, storage_location, primary_path, fallback_path,
	is_backup_synced, backup_date, checksum, is_available, version, date_added`

// mysqlSongRepository implements SongRepository for MySQL.
type mysqlSongRepository struct {
	DB *sql.DB
}

// NewMySQLSongRepository creates a new instance of mysqlSongRepository.
func NewMySQLSongRepository() SongRepository {
	return &mysqlSongRepository{DB: db.DB}
}

func scanSong(row interface{ Scan(...interface{}) error }) (*model.Song, error) {
	song := &model.Song{}
	var lastPlayed, backupDate sql.NullTime
	var primaryPath, fallbackPath, checksum sql.NullString
	err := row.Scan(&song.ID, &song.Filename, &song.Filepath, &song.Title, &song.Artist,
		&song.Album, &song.Duration, &song.FileSize, &song.Format, &song.Bitrate,
		&song.PlayCount, &lastPlayed, &song.StorageLocation, &primaryPath, &fallbackPath,
		&song.IsBackupSynced, &backupDate, &checksum, &song.IsAvailable, &song.Version,
		&song.DateAdded)
	if err != nil {
		return nil, err
	}
	if lastPlayed.Valid {
		song.LastPlayed = &lastPlayed.Time
	}
	if backupDate.Valid {
		song.BackupDate = &backupDate.Time
	}
	song.PrimaryPath = primaryPath.String
	song.FallbackPath = fallbackPath.String
	song.Checksum = checksum.String
	return song, nil
}

// CreateSong adds a new song to the catalog.
func (r *mysqlSongRepository) CreateSong(song *model.Song) (int64, error) {
	query := `INSERT INTO songs (filename, filepath, title, artist, album, duration, file_size,
		format, bitrate, storage_location, primary_path, fallback_path, is_backup_synced,
		checksum, is_available, version, date_added)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`
	stmt, err := r.DB.Prepare(query)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare statement for CreateSong: %w", err)
	}
	defer stmt.Close()

	res, err := stmt.Exec(song.Filename, song.Filepath, song.Title, song.Artist, song.Album,
		song.Duration, song.FileSize, song.Format, song.Bitrate, song.StorageLocation,
		song.PrimaryPath, song.FallbackPath, song.IsBackupSynced, song.Checksum,
		song.IsAvailable, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to execute CreateSong: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for CreateSong: %w", err)
	}
	log.Printf("Song created with ID: %d, Filename: %s", id, song.Filename)
	return id, nil
}

// GetSongByID retrieves a song by its ID. Returns (nil, nil) when absent.
func (r *mysqlSongRepository) GetSongByID(id int64) (*model.Song, error) {
	query := `SELECT ` + songColumns + ` FROM songs WHERE id = ?`
	song, err := scanSong(r.DB.QueryRow(query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan song by ID %d: %w", id, err)
	}
	return song, nil
}

// GetSongByFilename retrieves a song by its unique filename.
func (r *mysqlSongRepository) GetSongByFilename(filename string) (*model.Song, error) {
	query := `SELECT ` + songColumns + ` FROM songs WHERE filename = ?`
	song, err := scanSong(r.DB.QueryRow(query, filename))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan song by filename %s: %w", filename, err)
	}
	return song, nil
}

func (r *mysqlSongRepository) querySongs(query string, args ...interface{}) ([]*model.Song, error) {
	rows, err := r.DB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query songs: %w", err)
	}
	defer rows.Close()

	songs := make([]*model.Song, 0)
	for rows.Next() {
		song, err := scanSong(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan song row: %w", err)
		}
		songs = append(songs, song)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error during song rows iteration: %w", err)
	}
	return songs, nil
}

// ListSyncCandidates returns the reconciler's work queue.
func (r *mysqlSongRepository) ListSyncCandidates(limit int) ([]*model.Song, error) {
	query := `SELECT ` + songColumns + ` FROM songs
		WHERE storage_location = 'primary' AND is_backup_synced = FALSE AND is_available = TRUE
		ORDER BY play_count DESC, date_added DESC LIMIT ?`
	return r.querySongs(query, limit)
}

// ListBackedUp returns songs on both tiers, least played first.
func (r *mysqlSongRepository) ListBackedUp(limit int) ([]*model.Song, error) {
	query := `SELECT ` + songColumns + ` FROM songs
		WHERE storage_location = 'both'
		ORDER BY play_count ASC, last_played ASC LIMIT ?`
	return r.querySongs(query, limit)
}

// CountBackedUp counts songs with a copy on the fallback tier.
func (r *mysqlSongRepository) CountBackedUp() (int, error) {
	var count int
	err := r.DB.QueryRow(`SELECT COUNT(*) FROM songs WHERE storage_location IN ('fallback', 'both')`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count backed up songs: %w", err)
	}
	return count, nil
}

// ListAvailable returns all currently playable songs.
func (r *mysqlSongRepository) ListAvailable() ([]*model.Song, error) {
	query := `SELECT ` + songColumns + ` FROM songs WHERE is_available = TRUE ORDER BY date_added DESC`
	return r.querySongs(query)
}

// ListByLocation returns songs filtered by storage location.
func (r *mysqlSongRepository) ListByLocation(loc model.StorageLocation) ([]*model.Song, error) {
	query := `SELECT ` + songColumns + ` FROM songs WHERE storage_location = ? ORDER BY date_added DESC`
	return r.querySongs(query, loc)
}

// UpdateStorageState performs the optimistic-lock update of a song's
// storage fields.
func (r *mysqlSongRepository) UpdateStorageState(song *model.Song) error {
	query := `UPDATE songs SET storage_location = ?, primary_path = ?, fallback_path = ?,
		is_backup_synced = ?, backup_date = ?, checksum = ?, is_available = ?, version = version + 1
		WHERE id = ? AND version = ?`
	stmt, err := r.DB.Prepare(query)
	if err != nil {
		return fmt.Errorf("failed to prepare statement for UpdateStorageState: %w", err)
	}
	defer stmt.Close()

	var backupDate sql.NullTime
	if song.BackupDate != nil {
		backupDate = sql.NullTime{Time: *song.BackupDate, Valid: true}
	}

	res, err := stmt.Exec(song.StorageLocation, song.PrimaryPath, song.FallbackPath,
		song.IsBackupSynced, backupDate, song.Checksum, song.IsAvailable, song.ID, song.Version)
	if err != nil {
		return fmt.Errorf("failed to execute UpdateStorageState for song ID %d: %w", song.ID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for UpdateStorageState: %w", err)
	}
	if affected == 0 {
		return ErrVersionConflict
	}
	song.Version++
	return nil
}

// TouchPlayed bumps play statistics after a successful read-path resolve.
func (r *mysqlSongRepository) TouchPlayed(id int64) error {
	query := `UPDATE songs SET play_count = play_count + 1, last_played = ? WHERE id = ?`
	if _, err := r.DB.Exec(query, time.Now(), id); err != nil {
		return fmt.Errorf("failed to execute TouchPlayed for song ID %d: %w", id, err)
	}
	return nil
}
