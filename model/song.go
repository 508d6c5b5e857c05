package model

import "time"

// StorageLocation says which tier(s) hold a playable copy of a song.
type StorageLocation string

const (
	LocationPrimary  StorageLocation = "primary"
	LocationFallback StorageLocation = "fallback"
	LocationBoth     StorageLocation = "both"
)

// Valid reports whether l is one of the three known locations.
func (l StorageLocation) Valid() bool {
	switch l {
	case LocationPrimary, LocationFallback, LocationBoth:
		return true
	}
	return false
}

// Song is a catalog entry for one audio track.
//
// When StorageLocation is LocationBoth, both PrimaryPath and FallbackPath
// are set and each copy independently verifies against Checksum. Songs are
// never deleted by the engine; a lost copy is marked unavailable instead.
// Version is an optimistic-lock counter: every state mutation goes through
// a compare-and-swap on it, so concurrent reconciler/upload writers can
// never silently overwrite each other.
type Song struct {
	ID              int64           `json:"id" gorm:"primaryKey;autoIncrement"`
	Filename        string          `json:"filename" gorm:"size:255;uniqueIndex;not null"`
	Filepath        string          `json:"-" gorm:"size:767;not null"`
	Title           string          `json:"title" gorm:"size:255"`
	Artist          string          `json:"artist" gorm:"size:255"`
	Album           string          `json:"album" gorm:"size:255"`
	Duration        int             `json:"duration"`
	FileSize        int64           `json:"fileSize"`
	Format          string          `json:"format" gorm:"size:16"`
	Bitrate         int             `json:"bitrate"`
	PlayCount       int64           `json:"playCount" gorm:"default:0"`
	LastPlayed      *time.Time      `json:"lastPlayed,omitempty"`
	StorageLocation StorageLocation `json:"storageLocation" gorm:"size:16;default:'primary';index"`
	PrimaryPath     string          `json:"-" gorm:"size:767"`
	FallbackPath    string          `json:"-" gorm:"size:767"`
	IsBackupSynced  bool            `json:"isBackupSynced" gorm:"default:false;index"`
	BackupDate      *time.Time      `json:"backupDate,omitempty"`
	Checksum        string          `json:"checksum" gorm:"size:32"`
	IsAvailable     bool            `json:"isAvailable" gorm:"default:true;index"`
	Version         int64           `json:"-" gorm:"default:0"`
	DateAdded       time.Time       `json:"dateAdded" gorm:"autoCreateTime"`
}

// TableName specifies the table name for GORM.
func (Song) TableName() string {
	return "songs"
}

// PathForTier returns the song's path on the given tier, or "" when the
// tier holds no copy.
func (s *Song) PathForTier(tier Tier) string {
	switch tier {
	case TierPrimary:
		if s.StorageLocation == LocationPrimary || s.StorageLocation == LocationBoth {
			return s.PrimaryPath
		}
	case TierFallback:
		if s.StorageLocation == LocationFallback || s.StorageLocation == LocationBoth {
			return s.FallbackPath
		}
	}
	return ""
}
