package devices

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/KevinKickass/FieldPoller/internal/types"
	"github.com/google/uuid"
)

func TestHealthTracker_MarksOnceAtThreshold(t *testing.T) {
	store := newFakeStore()
	tracker := NewHealthTracker(3, store, nil, nil)
	r := reg(0, 1, types.DataTypeUint16, 1)
	regs := []types.RegisterDefinition{r}

	for i := 1; i <= 2; i++ {
		if marked := tracker.RecordFailure(context.Background(), regs); len(marked) != 0 {
			t.Fatalf("failure %d marked %v before threshold", i, marked)
		}
	}
	if marked := tracker.RecordFailure(context.Background(), regs); len(marked) != 1 || marked[0] != r.ID {
		t.Fatalf("third failure marked %v, want [%s]", marked, r.ID)
	}

	// die nächsten Snapshots führen das Register als ungesund
	unhealthy := r
	unhealthy.IsHealthy = false
	for i := 0; i < 3; i++ {
		if marked := tracker.RecordFailure(context.Background(), []types.RegisterDefinition{unhealthy}); len(marked) != 0 {
			t.Fatalf("unhealthy register marked again: %v", marked)
		}
	}

	writes := store.healthWrites(r.ID)
	if len(writes) != 1 || writes[0] != false {
		t.Fatalf("health writes = %v, want exactly one unhealthy write", writes)
	}
	if got := tracker.Failures(r.ID); got != 6 {
		t.Fatalf("counter = %d, want 6 (left in place)", got)
	}
}

func TestHealthTracker_MarksAgainAfterRestore(t *testing.T) {
	store := newFakeStore()
	tracker := NewHealthTracker(3, store, nil, nil)
	r := reg(4, 1, types.DataTypeUint16, 1)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tracker.RecordFailure(ctx, []types.RegisterDefinition{r})
	}
	if writes := store.healthWrites(r.ID); len(writes) != 1 {
		t.Fatalf("writes after first period = %v, want [false]", writes)
	}

	// r.IsHealthy ist wieder true: Operator hat das Register freigegeben
	for i := 1; i <= 2; i++ {
		if marked := tracker.RecordFailure(ctx, []types.RegisterDefinition{r}); len(marked) != 0 {
			t.Fatalf("failure %d after restore marked %v before threshold", i, marked)
		}
	}
	if got := tracker.Failures(r.ID); got != 2 {
		t.Fatalf("counter after restore = %d, want 2 (count starts over)", got)
	}
	if marked := tracker.RecordFailure(ctx, []types.RegisterDefinition{r}); len(marked) != 1 || marked[0] != r.ID {
		t.Fatalf("third failure after restore marked %v, want [%s]", marked, r.ID)
	}

	writes := store.healthWrites(r.ID)
	if len(writes) != 2 || writes[0] || writes[1] {
		t.Fatalf("health writes = %v, want [false false]", writes)
	}
}

func TestHealthTracker_SuccessResetsCounter(t *testing.T) {
	store := newFakeStore()
	tracker := NewHealthTracker(3, store, nil, nil)
	regs := []types.RegisterDefinition{reg(10, 1, types.DataTypeUint16, 1)}

	tracker.RecordFailure(context.Background(), regs)
	tracker.RecordFailure(context.Background(), regs)
	tracker.RecordSuccess(regs)

	if got := tracker.Failures(regs[0].ID); got != 0 {
		t.Fatalf("counter after success = %d, want 0", got)
	}

	tracker.RecordFailure(context.Background(), regs)
	tracker.RecordFailure(context.Background(), regs)
	if writes := store.healthWrites(regs[0].ID); len(writes) != 0 {
		t.Fatalf("register marked after reset: %v", writes)
	}
}

func TestHealthTracker_ThresholdOne(t *testing.T) {
	store := newFakeStore()
	tracker := NewHealthTracker(1, store, nil, nil)
	regs := []types.RegisterDefinition{reg(0, 1, types.DataTypeUint16, 1)}

	if marked := tracker.RecordFailure(context.Background(), regs); len(marked) != 1 {
		t.Fatalf("expected register marked on first failure")
	}
}

func TestHealthTracker_InvalidThresholdUsesDefault(t *testing.T) {
	tracker := NewHealthTracker(0, newFakeStore(), nil, nil)
	if tracker.threshold != DefaultFailureThreshold {
		t.Fatalf("threshold = %d, want %d", tracker.threshold, DefaultFailureThreshold)
	}
}

func TestHealthTracker_RetriesWhenStoreFails(t *testing.T) {
	store := newFakeStore()
	store.healthErr = errors.New("db down")
	tracker := NewHealthTracker(2, store, nil, nil)
	regs := []types.RegisterDefinition{reg(0, 1, types.DataTypeUint16, 1)}

	tracker.RecordFailure(context.Background(), regs)
	if marked := tracker.RecordFailure(context.Background(), regs); len(marked) != 0 {
		t.Fatalf("marked despite store error: %v", marked)
	}

	store.mu.Lock()
	store.healthErr = nil
	store.mu.Unlock()

	if marked := tracker.RecordFailure(context.Background(), regs); len(marked) != 1 {
		t.Fatalf("expected mark after store recovered")
	}
}

func TestHealthTracker_ConcurrentDevices(t *testing.T) {
	store := newFakeStore()
	tracker := NewHealthTracker(50, store, nil, nil)

	const devices = 8
	regsByDevice := make([][]types.RegisterDefinition, devices)
	for i := range regsByDevice {
		regsByDevice[i] = []types.RegisterDefinition{
			reg(0, 1, types.DataTypeUint16, 1),
			reg(1, 1, types.DataTypeUint16, 1),
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < devices; i++ {
		wg.Add(1)
		go func(regs []types.RegisterDefinition) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				tracker.RecordFailure(context.Background(), regs)
			}
		}(regsByDevice[i])
	}
	wg.Wait()

	for _, regs := range regsByDevice {
		for _, r := range regs {
			if got := tracker.Failures(r.ID); got != 50 {
				t.Fatalf("counter = %d, want 50", got)
			}
			if writes := store.healthWrites(r.ID); len(writes) != 1 {
				t.Fatalf("register %s written %d times, want 1", r.ID, len(writes))
			}
		}
	}

	if got := tracker.Failures(uuid.New()); got != 0 {
		t.Fatalf("unknown register counter = %d, want 0", got)
	}
}
