package model

import "time"

// Tier identifies one of the two storage locations.
type Tier string

const (
	TierPrimary  Tier = "primary"
	TierFallback Tier = "fallback"
)

// Valid reports whether t names a known tier.
func (t Tier) Valid() bool {
	return t == TierPrimary || t == TierFallback
}

// Other returns the opposite tier.
func (t Tier) Other() Tier {
	if t == TierPrimary {
		return TierFallback
	}
	return TierPrimary
}

// HealthStatus classifies a tier's last health check.
type HealthStatus string

const (
	HealthHealthy HealthStatus = "healthy"
	HealthWarning HealthStatus = "warning"
	HealthError   HealthStatus = "error"
)

// StorageStatus is the current health snapshot of one tier. There is
// exactly one row per tier, overwritten in place on every check.
type StorageStatus struct {
	Tier         Tier         `json:"tier" gorm:"primaryKey;size:16"`
	MountPoint   string       `json:"mountPoint" gorm:"size:767"`
	IsAvailable  bool         `json:"isAvailable" gorm:"default:false"`
	CapacityGB   float64      `json:"capacityGb"`
	UsedGB       float64      `json:"usedGb"`
	FreeGB       float64      `json:"freeGb"`
	HealthStatus HealthStatus `json:"healthStatus" gorm:"size:16;default:'error'"`
	LastChecked  time.Time    `json:"lastChecked"`
}

// TableName specifies the table name for GORM.
func (StorageStatus) TableName() string {
	return "storage_status"
}

// SyncAction is the outcome recorded for one backup sync attempt.
type SyncAction string

const (
	SyncBackupCreated SyncAction = "backup_created"
	SyncBackupUpdated SyncAction = "backup_updated"
	SyncBackupFailed  SyncAction = "backup_failed"
	SyncBackupRemoved SyncAction = "backup_removed"
)

// BackupSyncLogEntry is an append-only audit record of one sync attempt.
// Entries are immutable; a retry produces a new entry, never an update.
type BackupSyncLogEntry struct {
	ID              int64      `json:"id" gorm:"primaryKey;autoIncrement"`
	SongID          int64      `json:"songId" gorm:"index;not null"`
	Action          SyncAction `json:"action" gorm:"size:32;not null"`
	SourcePath      string     `json:"sourcePath" gorm:"size:767"`
	DestinationPath string     `json:"destinationPath" gorm:"size:767"`
	FileSize        int64      `json:"fileSize"`
	Checksum        string     `json:"checksum" gorm:"size:32"`
	ErrorMessage    string     `json:"errorMessage,omitempty" gorm:"size:512"`
	SyncedAt        time.Time  `json:"syncedAt" gorm:"autoCreateTime;index"`
}

// TableName specifies the table name for GORM.
func (BackupSyncLogEntry) TableName() string {
	return "backup_sync_log"
}

// StorageEvent records a tier health transition for the audit trail.
type StorageEvent struct {
	ID         int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	EventType  string    `json:"eventType" gorm:"size:32;not null"` // mount, unmount, degraded, recovered
	Tier       Tier      `json:"tier" gorm:"size:16;not null"`
	Message    string    `json:"message" gorm:"size:512"`
	OccurredAt time.Time `json:"occurredAt" gorm:"autoCreateTime;index"`
}

// TableName specifies the table name for GORM.
func (StorageEvent) TableName() string {
	return "storage_events"
}
