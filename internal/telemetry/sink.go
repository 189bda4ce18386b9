package telemetry

import (
	"context"
	"errors"

	"github.com/KevinKickass/FieldPoller/internal/types"
	"github.com/google/uuid"
)

// Sink delivers the samples of one device to a downstream consumer.
type Sink interface {
	PublishTelemetry(ctx context.Context, deviceID uuid.UUID, samples []types.TelemetrySample) error
}

// MultiSink fans out to every sink; one failing sink does not stop the others.
type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) *MultiSink {
	m := &MultiSink{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

func (m *MultiSink) Len() int {
	return len(m.sinks)
}

func (m *MultiSink) PublishTelemetry(ctx context.Context, deviceID uuid.UUID, samples []types.TelemetrySample) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.PublishTelemetry(ctx, deviceID, samples); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
