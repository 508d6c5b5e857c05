package model

import "time"

// UploadStatus is the lifecycle state of an upload session.
type UploadStatus string

const (
	UploadPending   UploadStatus = "pending"
	UploadUploading UploadStatus = "uploading"
	UploadCompleted UploadStatus = "completed"
	UploadFailed    UploadStatus = "failed"
)

// Terminal reports whether the session can no longer change.
func (s UploadStatus) Terminal() bool {
	return s == UploadCompleted || s == UploadFailed
}

// UploadSession tracks one in-flight or completed chunked file transfer.
// BytesUploaded never exceeds FileSize; chunks append strictly in order, so
// BytesUploaded doubles as the resume offset. FinalPath and Checksum are
// set only on completion, ErrorMessage only on failure.
type UploadSession struct {
	ID               string       `json:"sessionId" gorm:"primaryKey;size:36"`
	OriginalFilename string       `json:"originalFilename" gorm:"size:255;not null"`
	Filename         string       `json:"filename" gorm:"size:255;not null"`
	FileSize         int64        `json:"fileSize"`
	BytesUploaded    int64        `json:"bytesUploaded" gorm:"default:0"`
	Status           UploadStatus `json:"status" gorm:"size:16;default:'pending';index"`
	TempPath         string       `json:"-" gorm:"size:767"`
	FinalPath        string       `json:"-" gorm:"size:767"`
	Checksum         string       `json:"checksum,omitempty" gorm:"size:32"`
	ErrorMessage     string       `json:"errorMessage,omitempty" gorm:"size:512"`
	CreatedAt        time.Time    `json:"createdAt" gorm:"autoCreateTime"`
	FirstChunkAt     *time.Time   `json:"firstChunkAt,omitempty"`
	LastChunkAt      *time.Time   `json:"lastChunkAt,omitempty"`
	CompletedAt      *time.Time   `json:"completedAt,omitempty"`
}

// TableName specifies the table name for GORM.
func (UploadSession) TableName() string {
	return "upload_sessions"
}

// ProgressPercent returns upload progress in the range [0,100].
func (u *UploadSession) ProgressPercent() float64 {
	if u.FileSize <= 0 {
		return 0
	}
	return float64(u.BytesUploaded) / float64(u.FileSize) * 100
}
