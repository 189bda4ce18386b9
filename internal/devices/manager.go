package devices

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const DefaultScanInterval = 5 * time.Second

type ManagerConfig struct {
	ScanInterval time.Duration
	Poller       PollerConfig
}

type loopHandle struct {
	poller   *Poller
	cancel   context.CancelFunc
	done     chan struct{}
	stopping bool
}

func (h *loopHandle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Manager is the fleet supervisor: it keeps one poll loop running per active
// device and joins all of them on shutdown.
type Manager struct {
	cfg    ManagerConfig
	deps   PollerDeps
	loops  map[uuid.UUID]*loopHandle
	group  *errgroup.Group
	mu     sync.RWMutex
	logger *zap.Logger
}

func NewManager(cfg ManagerConfig, deps PollerDeps) (*Manager, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("device manager: store required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Parser == nil {
		parser, err := NewSettingsParser()
		if err != nil {
			return nil, fmt.Errorf("failed to create settings parser: %w", err)
		}
		deps.Parser = parser
	}
	if deps.Health == nil {
		deps.Health = NewHealthTracker(DefaultFailureThreshold, deps.Store, deps.Metrics, deps.Logger)
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = DefaultScanInterval
	}

	return &Manager{
		cfg:    cfg,
		deps:   deps,
		loops:  make(map[uuid.UUID]*loopHandle),
		group:  new(errgroup.Group),
		logger: deps.Logger,
	}, nil
}

// Run scans immediately and then every ScanInterval until ctx is cancelled.
// It returns once every poll loop has exited.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("Device manager started", zap.Duration("scan_interval", m.cfg.ScanInterval))

	ticker := time.NewTicker(m.cfg.ScanInterval)
	defer ticker.Stop()

	m.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Device manager stopping, waiting for poll loops",
				zap.Int("loops", m.ActiveLoops()))
			m.stopAll()
			err := m.group.Wait()
			m.deps.Metrics.SetActiveLoops(0)
			m.logger.Info("Device manager stopped")
			return err
		case <-ticker.C:
			m.scan(ctx)
		}
	}
}

// scan syncs the running loops with the store's active devices. Loops of
// devices that vanished are cancelled, exited loops are reaped.
func (m *Manager) scan(ctx context.Context) {
	ids, err := m.deps.Store.ListActiveDeviceIDs(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Error("Device scan failed", zap.Error(err))
		}
		return
	}

	active := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		active[id] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, h := range m.loops {
		if h.exited() {
			delete(m.loops, id)
			continue
		}
		if _, ok := active[id]; !ok && !h.stopping {
			m.logger.Info("Device no longer active, stopping poll loop", zap.String("device_id", id.String()))
			h.stopping = true
			h.cancel()
		}
	}

	if ctx.Err() != nil {
		return
	}

	for _, id := range ids {
		if _, running := m.loops[id]; running {
			continue
		}
		m.startLocked(ctx, id)
	}

	m.deps.Metrics.SetActiveLoops(len(m.loops))
}

func (m *Manager) startLocked(ctx context.Context, id uuid.UUID) {
	loopCtx, cancel := context.WithCancel(ctx)
	h := &loopHandle{
		poller: NewPoller(id, m.cfg.Poller, m.deps),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.loops[id] = h

	m.group.Go(func() error {
		defer close(h.done)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("Poll loop crashed",
					zap.String("device_id", id.String()),
					zap.Any("panic", r))
			}
		}()
		h.poller.Run(loopCtx)
		return nil
	})

	m.logger.Info("Poll loop scheduled", zap.String("device_id", id.String()))
}

func (m *Manager) stopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.loops {
		h.stopping = true
		h.cancel()
	}
}

// ActiveLoops returns the number of tracked loops, including loops that are
// stopping but not reaped yet.
func (m *Manager) ActiveLoops() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.loops)
}

// RunningDevices returns the status of every tracked loop ordered by device id.
func (m *Manager) RunningDevices() []PollerStatus {
	m.mu.RLock()
	statuses := make([]PollerStatus, 0, len(m.loops))
	for _, h := range m.loops {
		statuses = append(statuses, h.poller.Status())
	}
	m.mu.RUnlock()

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].DeviceID.String() < statuses[j].DeviceID.String()
	})
	return statuses
}

// DeviceStatus returns the loop status of one device.
func (m *Manager) DeviceStatus(id uuid.UUID) (PollerStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.loops[id]
	if !ok {
		return PollerStatus{}, false
	}
	return h.poller.Status(), true
}
