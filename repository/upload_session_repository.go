package repository

import (
	"database/sql"
	"fmt"
	"time"

	"echofm/db"
	"echofm/model"
)

// UploadSessionRepository defines the interface for upload session persistence.
type UploadSessionRepository interface {
	CreateSession(session *model.UploadSession) error
	GetSessionByID(id string) (*model.UploadSession, error)
	UpdateSession(session *model.UploadSession) error
	// ListStale returns non-completed sessions created before cutoff, for
	// the housekeeping reaper.
	ListStale(cutoff time.Time) ([]*model.UploadSession, error)
	DeleteSession(id string) error
}

// mysqlUploadSessionRepository implements UploadSessionRepository for MySQL.
type mysqlUploadSessionRepository struct {
	DB *sql.DB
}

// NewMySQLUploadSessionRepository creates a new instance of mysqlUploadSessionRepository.
func NewMySQLUploadSessionRepository() UploadSessionRepository {
	return &mysqlUploadSessionRepository{DB: db.DB}
}

const sessionColumns = `id, original_filename, filename, file_size, bytes_uploaded, status,
	temp_path, final_path, checksum, error_message, created_at, first_chunk_at, last_chunk_at, completed_at`

func scanSession(row interface{ Scan(...interface{}) error }) (*model.UploadSession, error) {
	s := &model.UploadSession{}
	var finalPath, checksum, errMsg sql.NullString
	var firstChunk, lastChunk, completed sql.NullTime
	err := row.Scan(&s.ID, &s.OriginalFilename, &s.Filename, &s.FileSize, &s.BytesUploaded,
		&s.Status, &s.TempPath, &finalPath, &checksum, &errMsg, &s.CreatedAt,
		&firstChunk, &lastChunk, &completed)
	if err != nil {
		return nil, err
	}
	s.FinalPath = finalPath.String
	s.Checksum = checksum.String
	s.ErrorMessage = errMsg.String
	if firstChunk.Valid {
		s.FirstChunkAt = &firstChunk.Time
	}
	if lastChunk.Valid {
		s.LastChunkAt = &lastChunk.Time
	}
	if completed.Valid {
		s.CompletedAt = &completed.Time
	}
	return s, nil
}

// CreateSession inserts a new upload session row.
func (r *mysqlUploadSessionRepository) CreateSession(session *model.UploadSession) error {
	query := `INSERT INTO upload_sessions
		(id, original_filename, filename, file_size, bytes_uploaded, status, temp_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	stmt, err := r.DB.Prepare(query)
	if err != nil {
		return fmt.Errorf("failed to prepare statement for CreateSession: %w", err)
	}
	defer stmt.Close()

	_, err = stmt.Exec(session.ID, session.OriginalFilename, session.Filename, session.FileSize,
		session.BytesUploaded, session.Status, session.TempPath, session.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to execute CreateSession: %w", err)
	}
	return nil
}

// GetSessionByID retrieves a session by its ID. Returns (nil, nil) when absent.
func (r *mysqlUploadSessionRepository) GetSessionByID(id string) (*model.UploadSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM upload_sessions WHERE id = ?`
	session, err := scanSession(r.DB.QueryRow(query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan session by ID %s: %w", id, err)
	}
	return session, nil
}

// UpdateSession persists the full mutable state of a session.
func (r *mysqlUploadSessionRepository) UpdateSession(session *model.UploadSession) error {
	query := `UPDATE upload_sessions SET bytes_uploaded = ?, status = ?, final_path = ?,
		checksum = ?, error_message = ?, first_chunk_at = ?, last_chunk_at = ?, completed_at = ?
		WHERE id = ?`
	stmt, err := r.DB.Prepare(query)
	if err != nil {
		return fmt.Errorf("failed to prepare statement for UpdateSession: %w", err)
	}
	defer stmt.Close()

	toNullTime := func(t *time.Time) sql.NullTime {
		if t == nil {
			return sql.NullTime{}
		}
		return sql.NullTime{Time: *t, Valid: true}
	}

	_, err = stmt.Exec(session.BytesUploaded, session.Status, session.FinalPath, session.Checksum,
		session.ErrorMessage, toNullTime(session.FirstChunkAt), toNullTime(session.LastChunkAt),
		toNullTime(session.CompletedAt), session.ID)
	if err != nil {
		return fmt.Errorf("failed to execute UpdateSession for %s: %w", session.ID, err)
	}
	return nil
}

// ListStale returns pending/uploading/failed sessions older than cutoff.
func (r *mysqlUploadSessionRepository) ListStale(cutoff time.Time) ([]*model.UploadSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM upload_sessions
		WHERE created_at < ? AND status IN ('pending', 'uploading', 'failed')`
	rows, err := r.DB.Query(query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]*model.UploadSession, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stale session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error during session rows iteration: %w", err)
	}
	return sessions, nil
}

// DeleteSession removes a session row.
func (r *mysqlUploadSessionRepository) DeleteSession(id string) error {
	if _, err := r.DB.Exec(`DELETE FROM upload_sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}
