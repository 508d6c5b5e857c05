package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"echofm/config"
	"echofm/core/auth"
	"echofm/core/backup"
	"echofm/core/library"
	"echofm/core/upload"
	"echofm/model"
	"echofm/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiFixture struct {
	server *httptest.Server
	token  string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	root := t.TempDir()

	cfg := &config.Config{
		PrimaryDir:       filepath.Join(root, "library"),
		FallbackDir:      filepath.Join(root, "backup"),
		StagingDir:       filepath.Join(root, "staging"),
		MaxUploadSize:    10 << 20,
		SessionRetention: time.Hour,
		MinFreeGB:        1.0,
		MaxBackupSongs:   100,
		JWTSecret:        "test-secret",
	}
	auth.SetSecret(cfg.JWTSecret)

	songRepo := repository.NewMemorySongRepository()
	sessionRepo := repository.NewMemoryUploadSessionRepository()
	syncLogRepo := repository.NewMemorySyncLogRepository()
	statusRepo := repository.NewMemoryStorageStatusRepository()
	userRepo := repository.NewMemoryUserRepository()

	for _, tier := range []model.Tier{model.TierPrimary, model.TierFallback} {
		require.NoError(t, statusRepo.UpsertStatus(&model.StorageStatus{
			Tier:         tier,
			IsAvailable:  true,
			CapacityGB:   100,
			FreeGB:       50,
			HealthStatus: model.HealthHealthy,
		}))
	}

	uploadManager := upload.NewManager(cfg, sessionRepo, songRepo, statusRepo, nil)
	resolver := library.NewResolver(cfg, songRepo, statusRepo)
	reconciler := backup.NewReconciler(cfg, songRepo, syncLogRepo, statusRepo)

	handler := NewAPIHandler(uploadManager, resolver, reconciler,
		songRepo, userRepo, syncLogRepo, statusRepo, cfg)

	ts := httptest.NewServer(NewRouter(handler))
	t.Cleanup(ts.Close)

	f := &apiFixture{server: ts}
	f.register(t, "operator", "hunter2secret")
	return f
}

func (f *apiFixture) register(t *testing.T, username, password string) {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	resp, err := http.Post(f.server.URL+"/api/auth/register", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.Token)
	f.token = out.Token
}

func (f *apiFixture) do(t *testing.T, method, path string, body []byte, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.token)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	f := newAPIFixture(t)

	body, _ := json.Marshal(map[string]string{"username": "operator", "password": "wrong"})
	resp, err := http.Post(f.server.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestProtectedEndpointsRequireToken(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := http.Get(f.server.URL + "/api/songs")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUploadFlowOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	content := bytes.Repeat([]byte("0123456789"), 30) // 300 bytes

	body, _ := json.Marshal(map[string]interface{}{"filename": "api song.mp3", "fileSize": 300})
	resp := f.do(t, http.MethodPost, "/api/upload/sessions", body, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var session model.UploadSession
	decodeJSON(t, resp, &session)
	require.NotEmpty(t, session.ID)

	chunkURL := fmt.Sprintf("/api/upload/sessions/%s/chunks", session.ID)
	for i := 0; i < 3; i++ {
		resp = f.do(t, http.MethodPut, chunkURL, content[i*100:(i+1)*100],
			map[string]string{"X-Upload-Offset": strconv.Itoa(i * 100)})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var updated model.UploadSession
		decodeJSON(t, resp, &updated)
		assert.Equal(t, int64((i+1)*100), updated.BytesUploaded)
	}

	// A repeated chunk conflicts instead of corrupting the file.
	resp = f.do(t, http.MethodPut, chunkURL, content[200:300],
		map[string]string{"X-Upload-Offset": "200"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, http.MethodPost, fmt.Sprintf("/api/upload/sessions/%s/finalize", session.ID), nil, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var song model.Song
	decodeJSON(t, resp, &song)
	assert.Equal(t, int64(300), song.FileSize)
	assert.Equal(t, model.LocationPrimary, song.StorageLocation)

	// The song shows up in the library listing.
	resp = f.do(t, http.MethodGet, "/api/songs", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var songs []model.Song
	decodeJSON(t, resp, &songs)
	require.Len(t, songs, 1)
	assert.Equal(t, "api_song.mp3", songs[0].Filename)
}

func TestUploadSessionNotFoundMapsTo404(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodGet, "/api/upload/sessions/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestStorageStatusEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodGet, "/api/storage/status", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var statuses []model.StorageStatus
	decodeJSON(t, resp, &statuses)
	require.Len(t, statuses, 2)
}

func TestManualSyncEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/api/sync/run", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report backup.CycleReport
	decodeJSON(t, resp, &report)
	assert.False(t, report.Skipped)
}
