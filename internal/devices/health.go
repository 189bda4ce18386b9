package devices

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/KevinKickass/FieldPoller/internal/metrics"
	"github.com/KevinKickass/FieldPoller/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultFailureThreshold = 3

// HealthWriter persists register health transitions.
type HealthWriter interface {
	SetRegisterHealth(ctx context.Context, registerID uuid.UUID, healthy bool) error
}

type failureCounter struct {
	count  atomic.Int64
	marked atomic.Bool
}

// HealthTracker counts protocol failures per register. It is shared by all
// poll loops; keys of different devices never collide, so a sync.Map with
// per-entry atomics is enough and no lock spans devices.
type HealthTracker struct {
	counters  sync.Map // uuid.UUID -> *failureCounter
	threshold int64
	store     HealthWriter
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

func NewHealthTracker(threshold int, store HealthWriter, m *metrics.Metrics, logger *zap.Logger) *HealthTracker {
	if threshold < 1 {
		threshold = DefaultFailureThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthTracker{
		threshold: int64(threshold),
		store:     store,
		metrics:   m,
		logger:    logger,
	}
}

// RecordFailure counts one protocol failure for every register and marks the
// ones reaching the threshold unhealthy. registers come from the current
// cycle's snapshot: a register is marked once per unhealthy period, and a
// marked register that shows up healthy again was restored externally, so
// its count starts over. Returns the ids marked by this call.
func (h *HealthTracker) RecordFailure(ctx context.Context, registers []types.RegisterDefinition) []uuid.UUID {
	var marked []uuid.UUID

	for _, reg := range registers {
		v, _ := h.counters.LoadOrStore(reg.ID, &failureCounter{})
		counter := v.(*failureCounter)

		if reg.IsHealthy && counter.marked.CompareAndSwap(true, false) {
			// von außen wiederhergestellt
			counter.count.Store(0)
			h.logger.Info("Register restored, failure count reset",
				zap.String("register_id", reg.ID.String()),
				zap.Int("address", reg.Address))
		}

		n := counter.count.Add(1)
		if n < h.threshold || !reg.IsHealthy || !counter.marked.CompareAndSwap(false, true) {
			continue
		}

		if err := h.store.SetRegisterHealth(ctx, reg.ID, false); err != nil {
			// nächster Fehler versucht es erneut
			counter.marked.Store(false)
			h.logger.Error("Failed to mark register unhealthy",
				zap.String("register_id", reg.ID.String()),
				zap.Int("address", reg.Address),
				zap.Error(err))
			continue
		}

		h.metrics.IncRegistersMarked()
		h.logger.Warn("Register marked unhealthy",
			zap.String("register_id", reg.ID.String()),
			zap.String("device_id", reg.DeviceID.String()),
			zap.Int("address", reg.Address),
			zap.Int64("failures", n))
		marked = append(marked, reg.ID)
	}

	return marked
}

// RecordSuccess drops the counters of registers covered by a good read.
// Health is not restored here.
func (h *HealthTracker) RecordSuccess(registers []types.RegisterDefinition) {
	for _, reg := range registers {
		h.counters.Delete(reg.ID)
	}
}

// Failures returns the current counter for a register, 0 if none.
func (h *HealthTracker) Failures(registerID uuid.UUID) int {
	v, ok := h.counters.Load(registerID)
	if !ok {
		return 0
	}
	return int(v.(*failureCounter).count.Load())
}
