package devices

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/KevinKickass/FieldPoller/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out: %s", msg)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func newTestManager(t *testing.T, store *fakeStore, dialer *fakeDialer, sink *fakeSink) *Manager {
	t.Helper()
	m, err := NewManager(ManagerConfig{
		ScanInterval: 10 * time.Millisecond,
		Poller:       PollerConfig{DefaultInterval: 5 * time.Millisecond},
	}, PollerDeps{
		Store: store,
		Sink:  sink,
		Dial:  dialer.Dial,
	})
	if err != nil {
		t.Fatalf("NewManager() err=%v", err)
	}
	return m
}

func TestNewManager_RequiresStore(t *testing.T) {
	if _, err := NewManager(ManagerConfig{}, PollerDeps{}); err == nil {
		t.Fatalf("expected error without store")
	}
}

func TestManager_StartsAndStopsLoops(t *testing.T) {
	store := newFakeStore()
	a := newSnapshot(`{"host":"127.0.0.1","pollIntervalMs":5}`, reg(0, 1, types.DataTypeUint16, 1))
	b := newSnapshot(`{"host":"127.0.0.1","pollIntervalMs":5}`, reg(0, 1, types.DataTypeUint16, 1))
	store.put(a)
	store.put(b)
	store.setActive(a.Device.ID, b.Device.ID)

	sink := &fakeSink{}
	dialer := &fakeDialer{transport: &fakeTransport{bank: []uint16{9}}}
	m := newTestManager(t, store, dialer, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool { return m.ActiveLoops() == 2 }, "two loops running")

	seen := func(id uuid.UUID) bool {
		for _, c := range sink.published() {
			if c.deviceID == id {
				return true
			}
		}
		return false
	}
	waitFor(t, 2*time.Second, func() bool { return seen(a.Device.ID) && seen(b.Device.ID) }, "telemetry from both devices")

	// b wird gelöscht
	store.setActive(a.Device.ID)
	waitFor(t, 2*time.Second, func() bool { return m.ActiveLoops() == 1 }, "loop of removed device reaped")

	if _, ok := m.DeviceStatus(b.Device.ID); ok {
		t.Fatalf("removed device still tracked")
	}
	statuses := m.RunningDevices()
	if len(statuses) != 1 || statuses[0].DeviceID != a.Device.ID {
		t.Fatalf("running devices = %+v", statuses)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() err=%v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}

	status, ok := m.DeviceStatus(a.Device.ID)
	if !ok || status.State != StateStopped {
		t.Fatalf("status after shutdown = %+v, ok=%v", status, ok)
	}
}

func TestManager_ScanFailureIsRetried(t *testing.T) {
	store := newFakeStore()
	snap := newSnapshot(`{"host":"127.0.0.1","pollIntervalMs":5}`, reg(0, 1, types.DataTypeUint16, 1))
	store.put(snap)
	store.setActive(snap.Device.ID)
	store.listErr = errors.New("database is locked")

	m := newTestManager(t, store, &fakeDialer{transport: &fakeTransport{bank: []uint16{1}}}, &fakeSink{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	if m.ActiveLoops() != 0 {
		t.Fatalf("loops started despite scan failure")
	}

	store.mu.Lock()
	store.listErr = nil
	store.mu.Unlock()

	waitFor(t, 2*time.Second, func() bool { return m.ActiveLoops() == 1 }, "loop started after store recovered")

	cancel()
	<-done
}

func TestManager_RestartsReturningDevice(t *testing.T) {
	store := newFakeStore()
	snap := newSnapshot(`{"host":"127.0.0.1","pollIntervalMs":5}`, reg(0, 1, types.DataTypeUint16, 1))
	store.put(snap)
	store.setActive(snap.Device.ID)

	dialer := &fakeDialer{transport: &fakeTransport{bank: []uint16{1}}}
	m := newTestManager(t, store, dialer, &fakeSink{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool { return m.ActiveLoops() == 1 }, "loop running")

	store.setActive()
	waitFor(t, 2*time.Second, func() bool { return m.ActiveLoops() == 0 }, "loop reaped")

	before := dialer.dialCount()
	store.setActive(snap.Device.ID)
	waitFor(t, 2*time.Second, func() bool { return dialer.dialCount() > before }, "loop restarted")

	cancel()
	<-done
}

func TestManager_LoopPanicOutsideCycleIsContained(t *testing.T) {
	store := newFakeStore()
	snap := newSnapshot(`{"host":"127.0.0.1","pollIntervalMs":5}`, reg(0, 1, types.DataTypeUint16, 1))
	store.put(snap)
	store.setActive(snap.Device.ID)

	// der Logger ist die einzige Abhängigkeit außerhalb des Zyklus
	var starts atomic.Int32
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core, zap.Hooks(func(e zapcore.Entry) error {
		switch e.Message {
		case "Poll loop started":
			if starts.Add(1) == 1 {
				panic("logger broke on start")
			}
		case "Poll loop stopped":
			panic("logger broke on stop")
		}
		return nil
	}))

	dialer := &fakeDialer{transport: &fakeTransport{bank: []uint16{1}}}
	m, err := NewManager(ManagerConfig{
		ScanInterval: 10 * time.Millisecond,
		Poller:       PollerConfig{DefaultInterval: 5 * time.Millisecond},
	}, PollerDeps{
		Store:  store,
		Sink:   &fakeSink{},
		Dial:   dialer.Dial,
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("NewManager() err=%v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	crashed := func() int { return logs.FilterMessage("Poll loop crashed").Len() }
	waitFor(t, 2*time.Second, func() bool { return crashed() == 1 }, "crash on start logged")
	waitFor(t, 2*time.Second, func() bool { return dialer.dialCount() > 0 }, "crashed loop restarted and polling")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() err=%v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after a loop panicked on shutdown")
	}

	if got := crashed(); got != 2 {
		t.Fatalf("crashes logged = %d, want 2", got)
	}
	status, ok := m.DeviceStatus(snap.Device.ID)
	if !ok || status.State != StateStopped {
		t.Fatalf("status after shutdown = %+v, ok=%v", status, ok)
	}
}
