package storagehealth

import (
	"context"
	"testing"
	"time"

	"echofm/config"
	"echofm/model"
	"echofm/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMonitor(t *testing.T) (*Monitor, *repository.MemoryStorageStatusRepository) {
	t.Helper()
	cfg := &config.Config{
		PrimaryDir:          "/mnt/ssd/library",
		FallbackDir:         "/mnt/sd/backup",
		HealthCheckInterval: time.Second,
		UsageWarnThreshold:  0.9,
		MinFreeGB:           1.0,
	}
	statusRepo := repository.NewMemoryStorageStatusRepository()
	return NewMonitor(cfg, statusRepo, nil), statusRepo
}

func TestClassify(t *testing.T) {
	m, _ := newTestMonitor(t)

	tests := []struct {
		name  string
		probe Probe
		want  model.HealthStatus
	}{
		{
			name:  "unmounted",
			probe: Probe{Mounted: false},
			want:  model.HealthError,
		},
		{
			name:  "mounted but read only",
			probe: Probe{Mounted: true, Writable: false, CapacityGB: 100, FreeGB: 50},
			want:  model.HealthError,
		},
		{
			name:  "usage above threshold",
			probe: Probe{Mounted: true, Writable: true, CapacityGB: 100, UsedGB: 95, FreeGB: 5},
			want:  model.HealthWarning,
		},
		{
			name:  "free space below floor",
			probe: Probe{Mounted: true, Writable: true, CapacityGB: 100, UsedGB: 50, FreeGB: 0.5},
			want:  model.HealthWarning,
		},
		{
			name:  "healthy",
			probe: Probe{Mounted: true, Writable: true, CapacityGB: 100, UsedGB: 50, FreeGB: 50},
			want:  model.HealthHealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.classify(&tt.probe))
		})
	}
}

func TestCheckTierPersistsStatus(t *testing.T) {
	m, statusRepo := newTestMonitor(t)
	m.SetProbe(func(path string) (*Probe, error) {
		return &Probe{Mounted: true, Writable: true, CapacityGB: 100, UsedGB: 40, FreeGB: 60}, nil
	})

	status, err := m.CheckTier(context.Background(), model.TierPrimary)
	require.NoError(t, err)
	assert.True(t, status.IsAvailable)
	assert.Equal(t, model.HealthHealthy, status.HealthStatus)
	assert.Equal(t, "/mnt/ssd/library", status.MountPoint)

	stored, err := statusRepo.GetStatus(model.TierPrimary)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, 60.0, stored.FreeGB)
	assert.False(t, stored.LastChecked.IsZero())
}

func TestCheckTierRecordsTransitionEvents(t *testing.T) {
	m, statusRepo := newTestMonitor(t)
	ctx := context.Background()

	healthy := &Probe{Mounted: true, Writable: true, CapacityGB: 100, UsedGB: 10, FreeGB: 90}
	m.SetProbe(func(string) (*Probe, error) { return healthy, nil })
	_, err := m.CheckTier(ctx, model.TierPrimary)
	require.NoError(t, err)

	// The first check has no previous status, so no event yet.
	events, err := statusRepo.RecentEvents(10)
	require.NoError(t, err)
	assert.Empty(t, events)

	m.SetProbe(func(string) (*Probe, error) { return &Probe{}, nil })
	status, err := m.CheckTier(ctx, model.TierPrimary)
	require.NoError(t, err)
	assert.False(t, status.IsAvailable)
	assert.Equal(t, model.HealthError, status.HealthStatus)

	events, err = statusRepo.RecentEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "unmount", events[0].EventType)
	assert.Equal(t, model.TierPrimary, events[0].Tier)

	// Recovery produces a mount event.
	m.SetProbe(func(string) (*Probe, error) { return healthy, nil })
	_, err = m.CheckTier(ctx, model.TierPrimary)
	require.NoError(t, err)

	events, err = statusRepo.RecentEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "mount", events[0].EventType)
}

func TestCheckTierStableHealthLogsNoEvent(t *testing.T) {
	m, statusRepo := newTestMonitor(t)
	ctx := context.Background()

	probe := &Probe{Mounted: true, Writable: true, CapacityGB: 100, UsedGB: 10, FreeGB: 90}
	m.SetProbe(func(string) (*Probe, error) { return probe, nil })

	for i := 0; i < 3; i++ {
		_, err := m.CheckTier(ctx, model.TierPrimary)
		require.NoError(t, err)
	}

	events, err := statusRepo.RecentEvents(10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

type captureMirror struct {
	statuses []*model.StorageStatus
}

func (c *captureMirror) SetStorageStatus(ctx context.Context, status *model.StorageStatus) error {
	c.statuses = append(c.statuses, status)
	return nil
}

func TestCheckAllMirrorsBothTiers(t *testing.T) {
	cfg := &config.Config{
		PrimaryDir:         "/mnt/ssd/library",
		FallbackDir:        "/mnt/sd/backup",
		UsageWarnThreshold: 0.9,
		MinFreeGB:          1.0,
	}
	mirror := &captureMirror{}
	m := NewMonitor(cfg, repository.NewMemoryStorageStatusRepository(), mirror)
	m.SetProbe(func(string) (*Probe, error) {
		return &Probe{Mounted: true, Writable: true, CapacityGB: 10, FreeGB: 5}, nil
	})

	m.CheckAll(context.Background())

	require.Len(t, mirror.statuses, 2)
	tiers := map[model.Tier]bool{}
	for _, s := range mirror.statuses {
		tiers[s.Tier] = true
	}
	assert.True(t, tiers[model.TierPrimary])
	assert.True(t, tiers[model.TierFallback])
}
