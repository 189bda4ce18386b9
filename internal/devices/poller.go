package devices

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/FieldPoller/internal/metrics"
	"github.com/KevinKickass/FieldPoller/internal/modbus"
	"github.com/KevinKickass/FieldPoller/internal/storage"
	"github.com/KevinKickass/FieldPoller/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultPollInterval = 1000 * time.Millisecond

// Store is what the poller needs from persistence.
type Store interface {
	ListActiveDeviceIDs(ctx context.Context) ([]uuid.UUID, error)
	LoadDevice(ctx context.Context, id uuid.UUID) (*types.DeviceSnapshot, error)
	HealthWriter
}

// Sink receives the decoded samples of one device. Delivery is fire and
// forget; errors are logged by the caller and never retried.
type Sink interface {
	PublishTelemetry(ctx context.Context, deviceID uuid.UUID, samples []types.TelemetrySample) error
}

// Transport reads holding registers from one connected device.
type Transport interface {
	ReadHoldingRegisters(ctx context.Context, unitID uint8, start, count uint16) ([]uint16, error)
	Close() error
}

// DialFunc opens a fresh Transport for one poll cycle.
type DialFunc func(ctx context.Context, opts modbus.Options) (Transport, error)

// DialModbus is the production DialFunc.
func DialModbus(ctx context.Context, opts modbus.Options) (Transport, error) {
	client, err := modbus.Dial(ctx, opts)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// PollerConfig holds the knobs shared by all poll loops.
type PollerConfig struct {
	DefaultInterval     time.Duration
	ConnectTimeout      time.Duration
	ReadTimeout         time.Duration
	MaxRegistersPerRead int
}

func (c PollerConfig) withDefaults() PollerConfig {
	if c.DefaultInterval <= 0 {
		c.DefaultInterval = DefaultPollInterval
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = modbus.DefaultConnectTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = modbus.DefaultReadTimeout
	}
	if c.MaxRegistersPerRead <= 0 || c.MaxRegistersPerRead > modbus.MaxRegistersPerRead {
		c.MaxRegistersPerRead = modbus.MaxRegistersPerRead
	}
	return c
}

// Poller is the poll loop of one device. Cycles run strictly one after the
// other; everything is reloaded from the store at the start of each cycle.
type Poller struct {
	deviceID uuid.UUID
	cfg      PollerConfig
	store    Store
	sink     Sink
	dial     DialFunc
	parser   *SettingsParser
	health   *HealthTracker
	reporter *Reporter
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time

	mu     sync.Mutex
	status PollerStatus
}

// PollerDeps bundles the collaborators shared by every loop of a supervisor.
type PollerDeps struct {
	Store    Store
	Sink     Sink
	Dial     DialFunc
	Parser   *SettingsParser
	Health   *HealthTracker
	Reporter *Reporter // nil disables diagnostics
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

func NewPoller(deviceID uuid.UUID, cfg PollerConfig, deps PollerDeps) *Poller {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dial := deps.Dial
	if dial == nil {
		dial = DialModbus
	}
	return &Poller{
		deviceID: deviceID,
		cfg:      cfg.withDefaults(),
		store:    deps.Store,
		sink:     deps.Sink,
		dial:     dial,
		parser:   deps.Parser,
		health:   deps.Health,
		reporter: deps.Reporter,
		metrics:  deps.Metrics,
		logger:   logger.With(zap.String("device_id", deviceID.String())),
		now:      time.Now,
		status:   PollerStatus{DeviceID: deviceID, State: StateIdle},
	}
}

func (p *Poller) DeviceID() uuid.UUID {
	return p.deviceID
}

// Status returns a copy of the loop status.
func (p *Poller) Status() PollerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Poller) setState(state State) {
	p.mu.Lock()
	p.status.State = state
	p.mu.Unlock()
}

// Run polls until ctx is cancelled. It never returns for any other reason.
func (p *Poller) Run(ctx context.Context) {
	defer p.setState(StateStopped)

	p.logger.Info("Poll loop started")
	defer p.logger.Info("Poll loop stopped")

	for {
		if ctx.Err() != nil {
			return
		}

		p.setState(StatePolling)
		delay := p.safePoll(ctx)
		if ctx.Err() != nil {
			return
		}

		p.setState(StateSleeping)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// safePoll turns a panic inside a cycle into a logged error and the default
// backoff.
func (p *Poller) safePoll(ctx context.Context) (delay time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Poll cycle panicked", zap.Any("panic", r), zap.Stack("stack"))
			p.finishCycle(ResultPanic, fmt.Errorf("panic: %v", r), 0, 0, p.cfg.DefaultInterval)
			delay = p.cfg.DefaultInterval
		}
	}()
	return p.PollOnce(ctx)
}

// PollOnce runs one cycle and returns how long to sleep before the next.
func (p *Poller) PollOnce(ctx context.Context) time.Duration {
	snapshot, err := p.store.LoadDevice(ctx, p.deviceID)
	if err != nil {
		if ctx.Err() != nil {
			return p.cfg.DefaultInterval
		}
		if errors.Is(err, storage.ErrDeviceNotFound) {
			p.logger.Debug("Device not found, skipping cycle")
			return p.finishCycle(ResultSkipped, nil, 0, 0, p.cfg.DefaultInterval)
		}
		p.logger.Error("Failed to load device", zap.Error(err))
		return p.finishCycle(ResultStoreError, err, 0, 0, p.cfg.DefaultInterval)
	}

	device := snapshot.Device
	p.mu.Lock()
	p.status.DeviceName = device.Name
	p.mu.Unlock()

	if device.IsDeleted || device.Configuration == nil {
		p.logger.Debug("Device deleted or without configuration, skipping cycle",
			zap.Bool("deleted", device.IsDeleted))
		return p.finishCycle(ResultSkipped, nil, 0, 0, p.cfg.DefaultInterval)
	}
	cfg := device.Configuration

	settings, err := p.parser.Parse(cfg.ProtocolSettings, cfg.PollIntervalMs)
	switch {
	case errors.Is(err, ErrMissingHost):
		p.logger.Warn("Protocol settings missing host, skipping cycle",
			zap.String("configuration_id", cfg.ID.String()))
		return p.finishCycle(ResultConfigError, err, 0, 0, p.cadence(settings.PollIntervalMs))
	case err != nil:
		p.logger.Error("Invalid protocol settings",
			zap.String("configuration_id", cfg.ID.String()),
			zap.Error(err))
		return p.finishCycle(ResultConfigError, err, 0, 0, p.cadence(cfg.PollIntervalMs))
	}
	interval := p.cadence(settings.PollIntervalMs)

	healthy := snapshot.HealthyRegisters()
	if len(healthy) == 0 {
		p.logger.Warn("No healthy registers",
			zap.String("address", settings.Address()),
			zap.Int("registers", len(snapshot.Registers)))
		return p.finishCycle(ResultSkipped, nil, 0, 0, interval)
	}

	windows, rejected := modbus.PlanWindows(healthy, settings.AddressStyle, p.cfg.MaxRegistersPerRead)
	for _, reg := range rejected {
		p.logger.Warn("Register address outside protocol range",
			zap.String("register_id", reg.ID.String()),
			zap.Int("address", reg.Address),
			zap.String("address_style", modbus.ResolveAddressStyle(settings.AddressStyle, healthy).String()))
	}
	if len(windows) == 0 {
		return p.finishCycle(ResultSkipped, nil, 0, 0, interval)
	}

	transport, err := p.dial(ctx, modbus.Options{
		Host:           settings.Host,
		Port:           settings.Port,
		ConnectTimeout: p.cfg.ConnectTimeout,
		ReadTimeout:    p.cfg.ReadTimeout,
	})
	if err != nil {
		if ctx.Err() != nil {
			return interval
		}
		p.logger.Warn("Device unreachable",
			zap.String("address", settings.Address()),
			zap.Error(err))
		return p.finishCycle(ResultConnectivity, err, 0, 0, interval)
	}
	defer transport.Close()

	samples, cycleErr := p.readWindows(ctx, transport, device, settings, windows)
	if ctx.Err() != nil {
		return interval
	}

	if len(samples) > 0 && p.sink != nil {
		if err := p.sink.PublishTelemetry(ctx, device.ID, samples); err != nil {
			p.metrics.IncPublishErrors()
			p.logger.Warn("Failed to publish telemetry",
				zap.Int("samples", len(samples)),
				zap.Error(err))
		} else {
			p.metrics.AddSamplesPublished(len(samples))
		}
	}

	if cycleErr != nil {
		return p.finishCycle(ResultConnectivity, cycleErr, len(windows), len(samples), interval)
	}
	return p.finishCycle(ResultOK, nil, len(windows), len(samples), interval)
}

// readWindows reads and decodes every window. A protocol error only costs
// the registers of that window; a connectivity error ends the cycle and is
// returned.
func (p *Poller) readWindows(
	ctx context.Context,
	transport Transport,
	device types.Device,
	settings *ProtocolSettings,
	windows []modbus.ReadWindow,
) ([]types.TelemetrySample, error) {
	var samples []types.TelemetrySample

	for _, window := range windows {
		start := p.now()
		words, err := transport.ReadHoldingRegisters(ctx, settings.UnitID, window.Start, window.Count)
		elapsed := p.now().Sub(start)

		if err != nil {
			if ctx.Err() != nil {
				return samples, ctx.Err()
			}

			var protoErr *modbus.ProtocolError
			if errors.As(err, &protoErr) {
				p.metrics.ObserveWindowRead(metrics.WindowProtocol, elapsed)
				p.logger.Error("Device rejected window",
					zap.Uint16("start", window.Start),
					zap.Uint16("count", window.Count),
					zap.Uint8("exception", protoErr.ExceptionCode),
					zap.Error(err))
				p.health.RecordFailure(ctx, windowRegisters(window))
				continue
			}

			p.metrics.ObserveWindowRead(metrics.WindowConnectivity, elapsed)
			p.logger.Warn("Window read failed, ending cycle",
				zap.String("address", settings.Address()),
				zap.Uint16("start", window.Start),
				zap.Uint16("count", window.Count),
				zap.Error(err))
			return samples, err
		}

		p.metrics.ObserveWindowRead(metrics.WindowOK, elapsed)
		p.health.RecordSuccess(windowRegisters(window))

		timestamp := p.now().UTC()
		rows := make([]reportRow, 0, len(window.Registers))
		for _, pr := range window.Registers {
			raw, err := window.Slice(words, pr)
			if err == nil {
				var value float64
				value, err = modbus.DecodeValue(raw, pr.Register, settings.ByteOrder)
				if err == nil {
					samples = append(samples, types.TelemetrySample{
						DeviceID:        device.ID,
						RegisterID:      pr.Register.ID,
						RegisterAddress: pr.Register.Address,
						Signal:          pr.Register.SignalLabel(),
						Value:           value,
						Unit:            pr.Register.Unit,
						Timestamp:       timestamp,
					})
					rows = append(rows, reportRow{Register: pr.Register, Raw: raw, Value: value})
					continue
				}
			}

			p.metrics.IncDecodeErrors()
			p.logger.Warn("Failed to decode register",
				zap.String("register_id", pr.Register.ID.String()),
				zap.Int("address", pr.Register.Address),
				zap.Error(err))
			rows = append(rows, reportRow{Register: pr.Register, Raw: raw, Err: err})
		}

		p.reporter.WriteWindow(device, settings, window, rows)
	}

	return samples, nil
}

func (p *Poller) cadence(ms int) time.Duration {
	if ms <= 0 {
		return p.cfg.DefaultInterval
	}
	return time.Duration(ms) * time.Millisecond
}

func (p *Poller) finishCycle(result string, err error, windows, samples int, next time.Duration) time.Duration {
	p.metrics.ObservePollCycle(result)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.Cycles++
	p.status.LastCycle = p.now().UTC()
	p.status.LastResult = result
	p.status.LastError = ""
	if err != nil {
		p.status.LastError = err.Error()
	}
	p.status.Windows = windows
	p.status.Samples = samples
	p.status.NextInterval = next
	return next
}

func windowRegisters(window modbus.ReadWindow) []types.RegisterDefinition {
	regs := make([]types.RegisterDefinition, len(window.Registers))
	for i, pr := range window.Registers {
		regs[i] = pr.Register
	}
	return regs
}
