package repository

import (
	"database/sql"
	"fmt"
	"time"

	"echofm/db"
	"echofm/model"
)

// StorageStatusRepository reads and overwrites the per-tier health rows and
// appends to the storage event audit trail.
type StorageStatusRepository interface {
	GetStatus(tier model.Tier) (*model.StorageStatus, error)
	GetAllStatuses() ([]*model.StorageStatus, error)
	// UpsertStatus overwrites the single row for status.Tier.
	UpsertStatus(status *model.StorageStatus) error
	LogEvent(event *model.StorageEvent) error
	RecentEvents(limit int) ([]*model.StorageEvent, error)
}

// mysqlStorageStatusRepository implements StorageStatusRepository for MySQL.
type mysqlStorageStatusRepository struct {
	DB *sql.DB
}

// NewMySQLStorageStatusRepository creates a new instance of mysqlStorageStatusRepository.
func NewMySQLStorageStatusRepository() StorageStatusRepository {
	return &mysqlStorageStatusRepository{DB: db.DB}
}

const statusColumns = `tier, mount_point, is_available, capacity_gb, used_gb, free_gb, health_status, last_checked`

func scanStatus(row interface{ Scan(...interface{}) error }) (*model.StorageStatus, error) {
	s := &model.StorageStatus{}
	err := row.Scan(&s.Tier, &s.MountPoint, &s.IsAvailable, &s.CapacityGB, &s.UsedGB,
		&s.FreeGB, &s.HealthStatus, &s.LastChecked)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetStatus retrieves the current snapshot for one tier.
func (r *mysqlStorageStatusRepository) GetStatus(tier model.Tier) (*model.StorageStatus, error) {
	query := `SELECT ` + statusColumns + ` FROM storage_status WHERE tier = ?`
	status, err := scanStatus(r.DB.QueryRow(query, tier))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan storage status for tier %s: %w", tier, err)
	}
	return status, nil
}

// GetAllStatuses retrieves the snapshots for both tiers.
func (r *mysqlStorageStatusRepository) GetAllStatuses() ([]*model.StorageStatus, error) {
	rows, err := r.DB.Query(`SELECT ` + statusColumns + ` FROM storage_status ORDER BY tier`)
	if err != nil {
		return nil, fmt.Errorf("failed to query storage statuses: %w", err)
	}
	defer rows.Close()

	statuses := make([]*model.StorageStatus, 0, 2)
	for rows.Next() {
		s, err := scanStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan storage status row: %w", err)
		}
		statuses = append(statuses, s)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error during storage status rows iteration: %w", err)
	}
	return statuses, nil
}

// UpsertStatus overwrites the single row for the status's tier.
func (r *mysqlStorageStatusRepository) UpsertStatus(status *model.StorageStatus) error {
	if status.LastChecked.IsZero() {
		status.LastChecked = time.Now()
	}
	query := `INSERT INTO storage_status
		(tier, mount_point, is_available, capacity_gb, used_gb, free_gb, health_status, last_checked)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE mount_point = VALUES(mount_point),
			is_available = VALUES(is_available), capacity_gb = VALUES(capacity_gb),
			used_gb = VALUES(used_gb), free_gb = VALUES(free_gb),
			health_status = VALUES(health_status), last_checked = VALUES(last_checked)`
	_, err := r.DB.Exec(query, status.Tier, status.MountPoint, status.IsAvailable,
		status.CapacityGB, status.UsedGB, status.FreeGB, status.HealthStatus, status.LastChecked)
	if err != nil {
		return fmt.Errorf("failed to upsert storage status for tier %s: %w", status.Tier, err)
	}
	return nil
}

// LogEvent appends one storage event.
func (r *mysqlStorageStatusRepository) LogEvent(event *model.StorageEvent) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	query := `INSERT INTO storage_events (event_type, tier, message, occurred_at) VALUES (?, ?, ?, ?)`
	res, err := r.DB.Exec(query, event.EventType, event.Tier, event.Message, event.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to log storage event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert ID for LogEvent: %w", err)
	}
	event.ID = id
	return nil
}

// RecentEvents returns the newest storage events.
func (r *mysqlStorageStatusRepository) RecentEvents(limit int) ([]*model.StorageEvent, error) {
	query := `SELECT id, event_type, tier, message, occurred_at FROM storage_events
		ORDER BY occurred_at DESC LIMIT ?`
	rows, err := r.DB.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query storage events: %w", err)
	}
	defer rows.Close()

	events := make([]*model.StorageEvent, 0)
	for rows.Next() {
		e := &model.StorageEvent{}
		if err := rows.Scan(&e.ID, &e.EventType, &e.Tier, &e.Message, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan storage event: %w", err)
		}
		events = append(events, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error during storage event rows iteration: %w", err)
	}
	return events, nil
}
