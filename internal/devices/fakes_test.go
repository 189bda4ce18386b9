package devices

import (
	"context"
	"errors"
	"sync"

	"github.com/KevinKickass/FieldPoller/internal/modbus"
	"github.com/KevinKickass/FieldPoller/internal/storage"
	"github.com/KevinKickass/FieldPoller/internal/types"
	"github.com/google/uuid"
)

type fakeStore struct {
	mu        sync.Mutex
	active    []uuid.UUID
	snapshots map[uuid.UUID]*types.DeviceSnapshot
	listErr   error
	loadErr   error
	healthErr error
	health    map[uuid.UUID][]bool
	loads     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		snapshots: make(map[uuid.UUID]*types.DeviceSnapshot),
		health:    make(map[uuid.UUID][]bool),
	}
}

func (s *fakeStore) put(snap *types.DeviceSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.Device.ID] = snap
}

func (s *fakeStore) setActive(ids ...uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = append([]uuid.UUID(nil), ids...)
}

func (s *fakeStore) ListActiveDeviceIDs(ctx context.Context) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	return append([]uuid.UUID(nil), s.active...), nil
}

func (s *fakeStore) LoadDevice(ctx context.Context, id uuid.UUID) (*types.DeviceSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	snap, ok := s.snapshots[id]
	if !ok {
		return nil, storage.ErrDeviceNotFound
	}
	// Kopie, wie ein frischer Store-Read
	out := *snap
	out.Registers = append([]types.RegisterDefinition(nil), snap.Registers...)
	return &out, nil
}

func (s *fakeStore) SetRegisterHealth(ctx context.Context, registerID uuid.UUID, healthy bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.healthErr != nil {
		return s.healthErr
	}
	s.health[registerID] = append(s.health[registerID], healthy)
	for _, snap := range s.snapshots {
		for i := range snap.Registers {
			if snap.Registers[i].ID == registerID {
				snap.Registers[i].IsHealthy = healthy
			}
		}
	}
	return nil
}

// restore flips a register back to healthy without a tracker write, like an
// operator editing the row.
func (s *fakeStore) restore(registerID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range s.snapshots {
		for i := range snap.Registers {
			if snap.Registers[i].ID == registerID {
				snap.Registers[i].IsHealthy = true
			}
		}
	}
}

func (s *fakeStore) healthWrites(id uuid.UUID) []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.health[id]...)
}

type published struct {
	deviceID uuid.UUID
	samples  []types.TelemetrySample
}

type fakeSink struct {
	mu    sync.Mutex
	calls []published
	err   error
}

func (s *fakeSink) PublishTelemetry(ctx context.Context, deviceID uuid.UUID, samples []types.TelemetrySample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, published{deviceID: deviceID, samples: samples})
	return s.err
}

func (s *fakeSink) published() []published {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]published(nil), s.calls...)
}

type readCall struct {
	unitID       uint8
	start, count uint16
}

// fakeTransport answers reads from a register bank; errs maps a window start
// to the error returned for it. truncate drops words from every answer.
type fakeTransport struct {
	mu       sync.Mutex
	bank     []uint16
	errs     map[uint16]error
	truncate int
	reads    []readCall
	closed   int
}

func (t *fakeTransport) ReadHoldingRegisters(ctx context.Context, unitID uint8, start, count uint16) ([]uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reads = append(t.reads, readCall{unitID: unitID, start: start, count: count})
	if err, ok := t.errs[start]; ok {
		return nil, err
	}
	end := int(start) + int(count)
	if end > len(t.bank) {
		return nil, &modbus.ProtocolError{
			FunctionCode:  modbus.FuncCodeReadHoldingRegisters,
			ExceptionCode: modbus.ExceptionIllegalDataAddress,
			Start:         start,
			Count:         count,
		}
	}
	out := make([]uint16, count)
	copy(out, t.bank[start:end])
	if t.truncate > 0 && t.truncate < len(out) {
		out = out[:len(out)-t.truncate]
	}
	return out, nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed++
	return nil
}

func (t *fakeTransport) readCalls() []readCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]readCall(nil), t.reads...)
}

type fakeDialer struct {
	mu        sync.Mutex
	transport *fakeTransport
	err       error
	dials     []modbus.Options
}

func (d *fakeDialer) Dial(ctx context.Context, opts modbus.Options) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, opts)
	if d.err != nil {
		return nil, d.err
	}
	return d.transport, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

var errUnreachable = errors.Join(modbus.ErrConnectivity, errors.New("connection refused"))

func newSnapshot(settings string, regs ...types.RegisterDefinition) *types.DeviceSnapshot {
	deviceID := uuid.New()
	for i := range regs {
		regs[i].DeviceID = deviceID
		if regs[i].ID == uuid.Nil {
			regs[i].ID = uuid.New()
		}
	}
	return &types.DeviceSnapshot{
		Device: types.Device{
			ID:   deviceID,
			Name: "bench",
			Configuration: &types.Configuration{
				ID:               uuid.New(),
				Name:             "bench-config",
				PollIntervalMs:   250,
				ProtocolSettings: []byte(settings),
			},
		},
		Registers: regs,
	}
}

func reg(address, length int, dataType types.DataType, scale float64) types.RegisterDefinition {
	return types.RegisterDefinition{
		ID:        uuid.New(),
		Address:   address,
		Length:    length,
		DataType:  dataType,
		Scale:     scale,
		IsHealthy: true,
	}
}
