package storagehealth

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"echofm/config"
	"echofm/logger"
	"echofm/model"
	"echofm/repository"

	"github.com/fsnotify/fsnotify"
	"github.com/shirou/gopsutil/v4/disk"
)

// Probe is the raw result of inspecting one tier's mount point.
type Probe struct {
	Mounted    bool
	Writable   bool
	CapacityGB float64
	UsedGB     float64
	FreeGB     float64
}

// ProbeFunc inspects a mount point. Swappable in tests.
type ProbeFunc func(path string) (*Probe, error)

// StatusMirror receives a copy of every fresh status snapshot. Typically
// backed by Redis so the HTTP layer can poll without hitting MySQL.
type StatusMirror interface {
	SetStorageStatus(ctx context.Context, status *model.StorageStatus) error
}

// Monitor periodically probes both storage tiers and overwrites their
// StorageStatus rows. Consumers never cache the result: a primary
// healthy→error transition is picked up by the resolver on its next read
// with no explicit notification.
type Monitor struct {
	cfg        *config.Config
	statusRepo repository.StorageStatusRepository
	mirror     StatusMirror // may be nil
	probe      ProbeFunc
	mounts     map[model.Tier]string
}

// NewMonitor creates a health monitor over the configured tier mount points.
func NewMonitor(cfg *config.Config, statusRepo repository.StorageStatusRepository, mirror StatusMirror) *Monitor {
	return &Monitor{
		cfg:        cfg,
		statusRepo: statusRepo,
		mirror:     mirror,
		probe:      gopsutilProbe,
		mounts: map[model.Tier]string{
			model.TierPrimary:  cfg.PrimaryDir,
			model.TierFallback: cfg.FallbackDir,
		},
	}
}

// SetProbe replaces the disk probe, for tests.
func (m *Monitor) SetProbe(p ProbeFunc) {
	m.probe = p
}

// gopsutilProbe inspects a path with gopsutil and a small write test.
func gopsutilProbe(path string) (*Probe, error) {
	if _, err := os.Stat(path); err != nil {
		// Missing or unreadable mount point is a valid probe result,
		// not a probe failure.
		return &Probe{}, nil
	}

	usage, err := disk.Usage(path)
	if err != nil {
		return &Probe{}, nil
	}

	p := &Probe{
		Mounted:    true,
		CapacityGB: float64(usage.Total) / (1 << 30),
		UsedGB:     float64(usage.Used) / (1 << 30),
		FreeGB:     float64(usage.Free) / (1 << 30),
	}

	// A stat can succeed on a mount point whose device has gone away
	// read-only; only an actual write proves the tier usable.
	f, err := os.CreateTemp(path, ".echofm-probe-*")
	if err == nil {
		name := f.Name()
		f.Close()
		os.Remove(name)
		p.Writable = true
	}

	return p, nil
}

// classify maps a probe to a health status.
func (m *Monitor) classify(p *Probe) model.HealthStatus {
	if !p.Mounted || !p.Writable {
		return model.HealthError
	}
	if p.CapacityGB > 0 && p.UsedGB/p.CapacityGB >= m.cfg.UsageWarnThreshold {
		return model.HealthWarning
	}
	if p.FreeGB < m.cfg.MinFreeGB {
		return model.HealthWarning
	}
	return model.HealthHealthy
}

// CheckTier probes one tier, persists its fresh StorageStatus row and
// records an event when the health classification changed.
func (m *Monitor) CheckTier(ctx context.Context, tier model.Tier) (*model.StorageStatus, error) {
	mount, ok := m.mounts[tier]
	if !ok {
		return nil, fmt.Errorf("unknown tier %q", tier)
	}

	probe, err := m.probe(mount)
	if err != nil {
		return nil, fmt.Errorf("failed to probe %s tier at %s: %w", tier, mount, err)
	}

	previous, err := m.statusRepo.GetStatus(tier)
	if err != nil {
		return nil, fmt.Errorf("failed to read previous status for %s tier: %w", tier, err)
	}

	status := &model.StorageStatus{
		Tier:         tier,
		MountPoint:   mount,
		IsAvailable:  probe.Mounted && probe.Writable,
		CapacityGB:   probe.CapacityGB,
		UsedGB:       probe.UsedGB,
		FreeGB:       probe.FreeGB,
		HealthStatus: m.classify(probe),
		LastChecked:  time.Now(),
	}

	if err := m.statusRepo.UpsertStatus(status); err != nil {
		return nil, fmt.Errorf("failed to persist status for %s tier: %w", tier, err)
	}

	if previous != nil && previous.HealthStatus != status.HealthStatus {
		m.recordTransition(previous.HealthStatus, status)
	}

	if m.mirror != nil {
		if err := m.mirror.SetStorageStatus(ctx, status); err != nil {
			logger.Warn("failed to mirror storage status",
				logger.String("tier", string(tier)), logger.ErrorField(err))
		}
	}

	return status, nil
}

func (m *Monitor) recordTransition(from model.HealthStatus, status *model.StorageStatus) {
	var eventType string
	switch {
	case status.HealthStatus == model.HealthError:
		eventType = "unmount"
	case from == model.HealthError:
		eventType = "mount"
	case status.HealthStatus == model.HealthWarning:
		eventType = "degraded"
	default:
		eventType = "recovered"
	}

	event := &model.StorageEvent{
		EventType: eventType,
		Tier:      status.Tier,
		Message:   fmt.Sprintf("health changed %s -> %s at %s", from, status.HealthStatus, status.MountPoint),
	}
	if err := m.statusRepo.LogEvent(event); err != nil {
		logger.Error("failed to record storage event", logger.ErrorField(err))
	}

	logger.Warn("storage tier health transition",
		logger.String("tier", string(status.Tier)),
		logger.String("from", string(from)),
		logger.String("to", string(status.HealthStatus)),
		logger.Float64("freeGb", status.FreeGB))
}

// CheckAll probes both tiers. Individual tier failures are logged, not
// propagated; a broken tier must not stop the other from being refreshed.
func (m *Monitor) CheckAll(ctx context.Context) {
	for _, tier := range []model.Tier{model.TierPrimary, model.TierFallback} {
		if _, err := m.CheckTier(ctx, tier); err != nil {
			logger.Error("health check failed",
				logger.String("tier", string(tier)), logger.ErrorField(err))
		}
	}
}

// Run drives checks on the configured interval until ctx is cancelled.
// A watch on each mount point's parent directory triggers an immediate
// re-check on mount/unmount events between ticks.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	var events chan fsnotify.Event
	var errs chan error
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("mount watcher unavailable, falling back to interval checks only",
			logger.ErrorField(err))
	} else {
		defer watcher.Close()
		for dir := range m.watchDirs() {
			if err := watcher.Add(dir); err != nil {
				logger.Warn("failed to watch directory",
					logger.String("dir", dir), logger.ErrorField(err))
			}
		}
		events = make(chan fsnotify.Event)
		errs = make(chan error)
		go func() {
			defer close(events)
			defer close(errs)
			for {
				select {
				case ev, ok := <-watcher.Events:
					if !ok {
						return
					}
					events <- ev
				case werr, ok := <-watcher.Errors:
					if !ok {
						return
					}
					errs <- werr
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	logger.Info("storage health monitor started",
		logger.Duration("interval", m.cfg.HealthCheckInterval))

	m.CheckAll(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.Info("storage health monitor stopped")
			return
		case <-ticker.C:
			m.CheckAll(ctx)
		case ev := <-events:
			if m.isMountEvent(ev) {
				logger.Info("mount point change detected, re-checking tiers",
					logger.String("path", ev.Name))
				m.CheckAll(ctx)
			}
		case werr := <-errs:
			if werr != nil {
				logger.Warn("mount watcher error", logger.ErrorField(werr))
			}
		}
	}
}

// watchDirs returns the set of parent directories of both mount points.
func (m *Monitor) watchDirs() map[string]struct{} {
	dirs := make(map[string]struct{})
	for _, mount := range m.mounts {
		dirs[filepath.Dir(mount)] = struct{}{}
	}
	return dirs
}

// isMountEvent reports whether ev concerns one of the tier mount points.
func (m *Monitor) isMountEvent(ev fsnotify.Event) bool {
	for _, mount := range m.mounts {
		if filepath.Clean(ev.Name) == filepath.Clean(mount) {
			return ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0
		}
	}
	return false
}
