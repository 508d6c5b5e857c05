package repository

import (
	"sort"
	"sync"
	"time"

	"echofm/model"
)

// In-memory repository implementations. They back the engine's tests and
// let the core packages run without a MySQL instance; semantics mirror the
// mysql* implementations, including the optimistic-lock behavior of
// UpdateStorageState.

// MemorySongRepository is a mutex-guarded in-memory SongRepository.
type MemorySongRepository struct {
	mu     sync.Mutex
	nextID int64
	songs  map[int64]*model.Song
}

// NewMemorySongRepository creates an empty in-memory song repository.
func NewMemorySongRepository() *MemorySongRepository {
	return &MemorySongRepository{nextID: 1, songs: make(map[int64]*model.Song)}
}

func copySong(s *model.Song) *model.Song {
	c := *s
	return &c
}

func (r *MemorySongRepository) CreateSong(song *model.Song) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	song.ID = r.nextID
	r.nextID++
	if song.DateAdded.IsZero() {
		song.DateAdded = time.Now()
	}
	r.songs[song.ID] = copySong(song)
	return song.ID, nil
}

func (r *MemorySongRepository) GetSongByID(id int64) (*model.Song, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.songs[id]
	if !ok {
		return nil, nil
	}
	return copySong(s), nil
}

func (r *MemorySongRepository) GetSongByFilename(filename string) (*model.Song, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.songs {
		if s.Filename == filename {
			return copySong(s), nil
		}
	}
	return nil, nil
}

func (r *MemorySongRepository) list(filter func(*model.Song) bool) []*model.Song {
	out := make([]*model.Song, 0)
	for _, s := range r.songs {
		if filter(s) {
			out = append(out, copySong(s))
		}
	}
	return out
}

func (r *MemorySongRepository) ListSyncCandidates(limit int) ([]*model.Song, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.list(func(s *model.Song) bool {
		return s.StorageLocation == model.LocationPrimary && !s.IsBackupSynced && s.IsAvailable
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].PlayCount != out[j].PlayCount {
			return out[i].PlayCount > out[j].PlayCount
		}
		return out[i].DateAdded.After(out[j].DateAdded)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemorySongRepository) ListBackedUp(limit int) ([]*model.Song, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.list(func(s *model.Song) bool {
		return s.StorageLocation == model.LocationBoth
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].PlayCount < out[j].PlayCount
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemorySongRepository) CountBackedUp() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, s := range r.songs {
		if s.StorageLocation == model.LocationFallback || s.StorageLocation == model.LocationBoth {
			count++
		}
	}
	return count, nil
}

func (r *MemorySongRepository) ListAvailable() ([]*model.Song, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list(func(s *model.Song) bool { return s.IsAvailable }), nil
}

func (r *MemorySongRepository) ListByLocation(loc model.StorageLocation) ([]*model.Song, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list(func(s *model.Song) bool { return s.StorageLocation == loc }), nil
}

func (r *MemorySongRepository) UpdateStorageState(song *model.Song) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.songs[song.ID]
	if !ok || current.Version != song.Version {
		return ErrVersionConflict
	}
	updated := copySong(song)
	updated.Version++
	r.songs[song.ID] = updated
	song.Version++
	return nil
}

func (r *MemorySongRepository) TouchPlayed(id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.songs[id]; ok {
		s.PlayCount++
		now := time.Now()
		s.LastPlayed = &now
	}
	return nil
}

// MemoryUploadSessionRepository is a mutex-guarded in-memory UploadSessionRepository.
type MemoryUploadSessionRepository struct {
	mu       sync.Mutex
	sessions map[string]*model.UploadSession
}

// NewMemoryUploadSessionRepository creates an empty in-memory session repository.
func NewMemoryUploadSessionRepository() *MemoryUploadSessionRepository {
	return &MemoryUploadSessionRepository{sessions: make(map[string]*model.UploadSession)}
}

func copySession(s *model.UploadSession) *model.UploadSession {
	c := *s
	return &c
}

func (r *MemoryUploadSessionRepository) CreateSession(session *model.UploadSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[session.ID] = copySession(session)
	return nil
}

func (r *MemoryUploadSessionRepository) GetSessionByID(id string) (*model.UploadSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	return copySession(s), nil
}

func (r *MemoryUploadSessionRepository) UpdateSession(session *model.UploadSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[session.ID] = copySession(session)
	return nil
}

func (r *MemoryUploadSessionRepository) ListStale(cutoff time.Time) ([]*model.UploadSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.UploadSession, 0)
	for _, s := range r.sessions {
		if s.CreatedAt.Before(cutoff) && s.Status != model.UploadCompleted {
			out = append(out, copySession(s))
		}
	}
	return out, nil
}

func (r *MemoryUploadSessionRepository) DeleteSession(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return nil
}

// MemorySyncLogRepository is a mutex-guarded in-memory SyncLogRepository.
type MemorySyncLogRepository struct {
	mu      sync.Mutex
	nextID  int64
	entries []*model.BackupSyncLogEntry
}

// NewMemorySyncLogRepository creates an empty in-memory sync log.
func NewMemorySyncLogRepository() *MemorySyncLogRepository {
	return &MemorySyncLogRepository{nextID: 1}
}

func (r *MemorySyncLogRepository) Append(entry *model.BackupSyncLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry.ID = r.nextID
	r.nextID++
	if entry.SyncedAt.IsZero() {
		entry.SyncedAt = time.Now()
	}
	c := *entry
	r.entries = append(r.entries, &c)
	return nil
}

func (r *MemorySyncLogRepository) ListBySong(songID int64) ([]*model.BackupSyncLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.BackupSyncLogEntry, 0)
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].SongID == songID {
			c := *r.entries[i]
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *MemorySyncLogRepository) ListRecent(limit int) ([]*model.BackupSyncLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.BackupSyncLogEntry, 0, limit)
	for i := len(r.entries) - 1; i >= 0 && len(out) < limit; i-- {
		c := *r.entries[i]
		out = append(out, &c)
	}
	return out, nil
}

// MemoryUserRepository is a mutex-guarded in-memory UserRepository.
type MemoryUserRepository struct {
	mu     sync.Mutex
	nextID int64
	users  map[string]*model.User
}

// NewMemoryUserRepository creates an empty in-memory user repository.
func NewMemoryUserRepository() *MemoryUserRepository {
	return &MemoryUserRepository{nextID: 1, users: make(map[string]*model.User)}
}

func (r *MemoryUserRepository) CreateUser(user *model.User) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user.ID = r.nextID
	r.nextID++
	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now
	c := *user
	r.users[user.Username] = &c
	return user.ID, nil
}

func (r *MemoryUserRepository) GetUserByUsername(username string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[username]
	if !ok {
		return nil, nil
	}
	c := *u
	return &c, nil
}

// MemoryStorageStatusRepository is a mutex-guarded in-memory StorageStatusRepository.
type MemoryStorageStatusRepository struct {
	mu       sync.Mutex
	statuses map[model.Tier]*model.StorageStatus
	events   []*model.StorageEvent
	nextID   int64
}

// NewMemoryStorageStatusRepository creates an empty in-memory status repository.
func NewMemoryStorageStatusRepository() *MemoryStorageStatusRepository {
	return &MemoryStorageStatusRepository{
		statuses: make(map[model.Tier]*model.StorageStatus),
		nextID:   1,
	}
}

func (r *MemoryStorageStatusRepository) GetStatus(tier model.Tier) (*model.StorageStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.statuses[tier]
	if !ok {
		return nil, nil
	}
	c := *s
	return &c, nil
}

func (r *MemoryStorageStatusRepository) GetAllStatuses() ([]*model.StorageStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.StorageStatus, 0, len(r.statuses))
	for _, s := range r.statuses {
		c := *s
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tier < out[j].Tier })
	return out, nil
}

func (r *MemoryStorageStatusRepository) UpsertStatus(status *model.StorageStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if status.LastChecked.IsZero() {
		status.LastChecked = time.Now()
	}
	c := *status
	r.statuses[status.Tier] = &c
	return nil
}

func (r *MemoryStorageStatusRepository) LogEvent(event *model.StorageEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	event.ID = r.nextID
	r.nextID++
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	c := *event
	r.events = append(r.events, &c)
	return nil
}

func (r *MemoryStorageStatusRepository) RecentEvents(limit int) ([]*model.StorageEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.StorageEvent, 0, limit)
	for i := len(r.events) - 1; i >= 0 && len(out) < limit; i-- {
		c := *r.events[i]
		out = append(out, &c)
	}
	return out, nil
}
