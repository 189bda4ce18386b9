package system

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/KevinKickass/FieldPoller/internal/api/rest"
	"github.com/KevinKickass/FieldPoller/internal/api/websocket"
	"github.com/KevinKickass/FieldPoller/internal/config"
	"github.com/KevinKickass/FieldPoller/internal/devices"
	"github.com/KevinKickass/FieldPoller/internal/interfaces"
	"github.com/KevinKickass/FieldPoller/internal/metrics"
	"github.com/KevinKickass/FieldPoller/internal/storage"
	"github.com/KevinKickass/FieldPoller/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

type LifecycleManager struct {
	config        *config.Config
	store         storage.Store
	deviceManager *devices.Manager
	hub           *websocket.Hub
	registry      *prometheus.Registry
	sinkNames     []string
	closers       []io.Closer
	diagnostics   io.Writer
	logger        *zap.Logger

	restServer *rest.Server

	stateMu      sync.RWMutex
	currentState SystemState
	startedAt    time.Time

	cancel      context.CancelFunc
	managerDone chan error
	hubDone     chan struct{}

	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

// Option tweaks a LifecycleManager before it is wired.
type Option func(*LifecycleManager)

// WithDiagnostics sends the per-window report to out instead of stdout.
func WithDiagnostics(out io.Writer) Option {
	return func(lm *LifecycleManager) {
		lm.diagnostics = out
	}
}

// NewLifecycleManager wires metrics, sinks and the poll supervisor on top of
// an opened store. The store stays owned by the caller.
func NewLifecycleManager(ctx context.Context, store storage.Store, cfg *config.Config, logger *zap.Logger, opts ...Option) (*LifecycleManager, error) {
	lm := &LifecycleManager{
		config:       cfg,
		store:        store,
		hub:          websocket.NewHub(logger.Named("websocket")),
		registry:     prometheus.NewRegistry(),
		diagnostics:  os.Stdout,
		logger:       logger,
		currentState: StateInitializing,
		shutdownChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(lm)
	}

	lm.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(lm.registry)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	sinks := []telemetry.Sink{lm.hub}
	lm.sinkNames = append(lm.sinkNames, "websocket")

	if cfg.MQTT.Enabled {
		mqttSink, err := telemetry.NewMQTTSink(cfg.MQTT, logger.Named("mqtt"))
		if err != nil {
			lm.closeSinks()
			return nil, fmt.Errorf("failed to connect mqtt: %w", err)
		}
		sinks = append(sinks, mqttSink)
		lm.closers = append(lm.closers, mqttSink)
		lm.sinkNames = append(lm.sinkNames, "mqtt")
	}

	if cfg.InfluxDB.Enabled {
		influxSink, err := telemetry.NewInfluxSink(ctx, cfg.InfluxDB, logger.Named("influxdb"))
		if err != nil {
			lm.closeSinks()
			return nil, fmt.Errorf("failed to connect influxdb: %w", err)
		}
		sinks = append(sinks, influxSink)
		lm.closers = append(lm.closers, influxSink)
		lm.sinkNames = append(lm.sinkNames, "influxdb")
	}

	parser, err := devices.NewSettingsParser()
	if err != nil {
		lm.closeSinks()
		return nil, fmt.Errorf("failed to create settings parser: %w", err)
	}

	var reporter *devices.Reporter
	if cfg.Modbus.Diagnostics {
		reporter = devices.NewReporter(lm.diagnostics)
	}

	pollerLogger := logger.Named("poller")
	deviceManager, err := devices.NewManager(devices.ManagerConfig{
		ScanInterval: cfg.Modbus.ScanInterval,
		Poller: devices.PollerConfig{
			DefaultInterval:     cfg.Modbus.DefaultPollInterval,
			ConnectTimeout:      cfg.Modbus.ConnectTimeout,
			ReadTimeout:         cfg.Modbus.ReadTimeout,
			MaxRegistersPerRead: cfg.Modbus.MaxRegistersPerRead,
		},
	}, devices.PollerDeps{
		Store:    store,
		Sink:     telemetry.NewMultiSink(sinks...),
		Dial:     devices.DialModbus,
		Parser:   parser,
		Health:   devices.NewHealthTracker(cfg.Modbus.FailureThreshold, store, m, pollerLogger),
		Reporter: reporter,
		Metrics:  m,
		Logger:   pollerLogger,
	})
	if err != nil {
		lm.closeSinks()
		return nil, fmt.Errorf("failed to create device manager: %w", err)
	}
	lm.deviceManager = deviceManager

	return lm, nil
}

// Start launches the hub, the poll supervisor and the REST server.
func (lm *LifecycleManager) Start() error {
	lm.logger.Info("Starting FieldPoller",
		zap.String("database", lm.config.Database.Driver),
		zap.Strings("sinks", lm.sinkNames))

	ctx, cancel := context.WithCancel(context.Background())
	lm.cancel = cancel

	lm.hubDone = make(chan struct{})
	go func() {
		defer close(lm.hubDone)
		lm.hub.Run(ctx)
	}()

	lm.managerDone = make(chan error, 1)
	go func() {
		lm.managerDone <- lm.deviceManager.Run(ctx)
	}()

	lm.restServer = rest.NewServer(lm.config, lm, lm.logger.Named("rest"), lm.hub, lm.registry)
	if err := lm.restServer.Start(); err != nil {
		lm.setState(StateError)
		return fmt.Errorf("failed to start REST API: %w", err)
	}

	lm.stateMu.Lock()
	lm.startedAt = time.Now().UTC()
	lm.stateMu.Unlock()
	lm.setState(StateRunning)

	lm.logger.Info("System started successfully",
		zap.String("http_addr", lm.restServer.Addr()),
		zap.Duration("scan_interval", lm.config.Modbus.ScanInterval))

	return nil
}

// Shutdown stops polling, waits for the loops, then stops the HTTP surface
// and flushes the sinks. Safe to call more than once.
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")
		lm.setState(StateStopping)

		shutdownErr = lm.gracefulShutdown(ctx)

		if shutdownErr != nil {
			lm.setState(StateError)
		}
		lm.setState(StateStopped)
		close(lm.shutdownChan)
	})

	return shutdownErr
}

// Done is closed once Shutdown finished.
func (lm *LifecycleManager) Done() <-chan struct{} {
	return lm.shutdownChan
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	var errs []error

	if lm.cancel != nil {
		lm.cancel()
	}

	// 1. Poll-Loops beenden, laufende Zyklen brechen am Context ab
	if lm.managerDone != nil {
		select {
		case err := <-lm.managerDone:
			if err != nil {
				errs = append(errs, fmt.Errorf("device manager stop failed: %w", err))
			}
		case <-ctx.Done():
			lm.logger.Warn("Shutdown timeout, poll loops still running")
			errs = append(errs, fmt.Errorf("shutdown timeout exceeded: %w", ctx.Err()))
		}
	}

	// 2. REST API Server graceful shutdown
	if lm.restServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("rest api shutdown failed: %w", err))
		}
		cancel()
	}

	if lm.hubDone != nil {
		select {
		case <-lm.hubDone:
		case <-ctx.Done():
		}
	}

	// 3. Sinks flushen
	if err := lm.closeSinks(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		lm.logger.Info("Graceful shutdown completed")
	}
	return errors.Join(errs...)
}

func (lm *LifecycleManager) closeSinks() error {
	var errs []error
	for _, c := range lm.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("sink close failed: %w", err))
		}
	}
	lm.closers = nil
	return errors.Join(errs...)
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()

	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.logger.Warn("Unexpected state transition", zap.Error(err))
	}
	lm.currentState = state
}

func (lm *LifecycleManager) State() SystemState {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.currentState
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus(ctx context.Context) interfaces.SystemStatus {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	dbErr := lm.store.Ping(pingCtx)
	if dbErr != nil {
		lm.logger.Warn("Database ping failed", zap.Error(dbErr))
	}

	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()

	return interfaces.SystemStatus{
		State:            lm.currentState.String(),
		StartedAt:        lm.startedAt,
		DatabaseDriver:   lm.config.Database.Driver,
		DatabaseOK:       dbErr == nil,
		ActivePollers:    lm.deviceManager.ActiveLoops(),
		WebSocketClients: lm.hub.GetClientCount(),
		Sinks:            lm.sinkNames,
	}
}

// DeviceManager returns the poll supervisor
func (lm *LifecycleManager) DeviceManager() interfaces.PollerRegistry {
	return lm.deviceManager
}

// Config returns the configuration
func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}

// HTTPAddr returns the bound REST address after Start.
func (lm *LifecycleManager) HTTPAddr() string {
	if lm.restServer == nil {
		return ""
	}
	return lm.restServer.Addr()
}
