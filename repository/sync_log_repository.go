package repository

import (
	"database/sql"
	"fmt"
	"time"

	"echofm/db"
	"echofm/model"
)

// SyncLogRepository appends to and reads the backup sync audit log.
type SyncLogRepository interface {
	Append(entry *model.BackupSyncLogEntry) error
	ListBySong(songID int64) ([]*model.BackupSyncLogEntry, error)
	ListRecent(limit int) ([]*model.BackupSyncLogEntry, error)
}

// mysqlSyncLogRepository implements SyncLogRepository for MySQL.
type mysqlSyncLogRepository struct {
	DB *sql.DB
}

// NewMySQLSyncLogRepository creates a new instance of mysqlSyncLogRepository.
func NewMySQLSyncLogRepository() SyncLogRepository {
	return &mysqlSyncLogRepository{DB: db.DB}
}

// Append writes one immutable log entry.
func (r *mysqlSyncLogRepository) Append(entry *model.BackupSyncLogEntry) error {
	query := `INSERT INTO backup_sync_log
		(song_id, action, source_path, destination_path, file_size, checksum, error_message, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	stmt, err := r.DB.Prepare(query)
	if err != nil {
		return fmt.Errorf("failed to prepare statement for Append: %w", err)
	}
	defer stmt.Close()

	if entry.SyncedAt.IsZero() {
		entry.SyncedAt = time.Now()
	}

	res, err := stmt.Exec(entry.SongID, entry.Action, entry.SourcePath, entry.DestinationPath,
		entry.FileSize, entry.Checksum, entry.ErrorMessage, entry.SyncedAt)
	if err != nil {
		return fmt.Errorf("failed to execute Append: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert ID for Append: %w", err)
	}
	entry.ID = id
	return nil
}

func (r *mysqlSyncLogRepository) queryEntries(query string, args ...interface{}) ([]*model.BackupSyncLogEntry, error) {
	rows, err := r.DB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync log: %w", err)
	}
	defer rows.Close()

	entries := make([]*model.BackupSyncLogEntry, 0)
	for rows.Next() {
		e := &model.BackupSyncLogEntry{}
		var srcPath, dstPath, checksum, errMsg sql.NullString
		err := rows.Scan(&e.ID, &e.SongID, &e.Action, &srcPath, &dstPath, &e.FileSize,
			&checksum, &errMsg, &e.SyncedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync log entry: %w", err)
		}
		e.SourcePath = srcPath.String
		e.DestinationPath = dstPath.String
		e.Checksum = checksum.String
		e.ErrorMessage = errMsg.String
		entries = append(entries, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error during sync log rows iteration: %w", err)
	}
	return entries, nil
}

// ListBySong returns all sync attempts for one song, newest first.
func (r *mysqlSyncLogRepository) ListBySong(songID int64) ([]*model.BackupSyncLogEntry, error) {
	query := `SELECT id, song_id, action, source_path, destination_path, file_size, checksum,
		error_message, synced_at FROM backup_sync_log WHERE song_id = ? ORDER BY synced_at DESC`
	return r.queryEntries(query, songID)
}

// ListRecent returns the newest sync attempts across all songs.
func (r *mysqlSyncLogRepository) ListRecent(limit int) ([]*model.BackupSyncLogEntry, error) {
	query := `SELECT id, song_id, action, source_path, destination_path, file_size, checksum,
		error_message, synced_at FROM backup_sync_log ORDER BY synced_at DESC LIMIT ?`
	return r.queryEntries(query, limit)
}
