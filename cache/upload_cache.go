package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"echofm/model"

	"github.com/go-redis/redis/v8"
)

// Upload progress is mirrored to Redis so progress polling during a large
// upload never contends with the session row being appended to.

const uploadProgressTTL = 2 * time.Hour

// GetUploadProgressKey generates the Redis key for a session's progress.
func GetUploadProgressKey(sessionID string) string {
	return fmt.Sprintf("upload:progress:%s", sessionID)
}

// uploadProgress is the compact snapshot stored per session.
type uploadProgress struct {
	SessionID     string  `json:"sessionId"`
	Status        string  `json:"status"`
	BytesUploaded int64   `json:"bytesUploaded"`
	FileSize      int64   `json:"fileSize"`
	Percent       float64 `json:"percent"`
	UpdatedAt     int64   `json:"updatedAt"`
}

// UploadCache mirrors upload session progress into Redis.
type UploadCache struct {
	client *redis.Client
}

// NewUploadCache creates an upload progress cache over the given client.
func NewUploadCache(client *redis.Client) *UploadCache {
	return &UploadCache{client: client}
}

// SetUploadProgress overwrites the mirrored progress for a session.
func (c *UploadCache) SetUploadProgress(ctx context.Context, session *model.UploadSession) error {
	if c.client == nil {
		return fmt.Errorf("redis client not initialized")
	}
	snapshot := uploadProgress{
		SessionID:     session.ID,
		Status:        string(session.Status),
		BytesUploaded: session.BytesUploaded,
		FileSize:      session.FileSize,
		Percent:       session.ProgressPercent(),
		UpdatedAt:     time.Now().Unix(),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal upload progress: %w", err)
	}
	if err := c.client.Set(ctx, GetUploadProgressKey(session.ID), data, uploadProgressTTL).Err(); err != nil {
		return fmt.Errorf("failed to cache upload progress: %w", err)
	}
	return nil
}

// DeleteUploadProgress removes a session's mirrored progress.
func (c *UploadCache) DeleteUploadProgress(ctx context.Context, sessionID string) error {
	if c.client == nil {
		return fmt.Errorf("redis client not initialized")
	}
	return c.client.Del(ctx, GetUploadProgressKey(sessionID)).Err()
}
