package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/KevinKickass/FieldPoller/internal/config"
	"github.com/KevinKickass/FieldPoller/internal/types"
	"github.com/google/uuid"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"
)

const (
	Measurement = "telemetry"

	influxPingTimeout = 5 * time.Second
)

// InfluxSink forwards samples to InfluxDB through the non-blocking write
// API; write errors surface asynchronously and are logged.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	logger   *zap.Logger
}

func NewInfluxSink(ctx context.Context, cfg config.InfluxDBConfig, logger *zap.Logger) (*InfluxSink, error) {
	opts := influxdb2.DefaultOptions()
	if cfg.BatchSize > 0 {
		opts.SetBatchSize(cfg.BatchSize)
	}
	if cfg.FlushInterval > 0 {
		opts.SetFlushInterval(uint(cfg.FlushInterval.Milliseconds()))
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	pingCtx, cancel := context.WithTimeout(ctx, influxPingTimeout)
	defer cancel()
	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb ping: %w", err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("influxdb ping: server not healthy")
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			logger.Warn("InfluxDB write failed", zap.Error(err))
		}
	}()

	return &InfluxSink{client: client, writeAPI: writeAPI, logger: logger}, nil
}

// SamplePoint maps one sample onto the telemetry measurement.
func SamplePoint(s types.TelemetrySample) *write.Point {
	tags := map[string]string{
		"device_id":   s.DeviceID.String(),
		"register_id": s.RegisterID.String(),
		"signal":      s.Signal,
	}
	if s.Unit != "" {
		tags["unit"] = s.Unit
	}
	return write.NewPoint(Measurement, tags, map[string]interface{}{"value": s.Value}, s.Timestamp)
}

func (i *InfluxSink) PublishTelemetry(ctx context.Context, deviceID uuid.UUID, samples []types.TelemetrySample) error {
	for _, s := range samples {
		i.writeAPI.WritePoint(SamplePoint(s))
	}
	return nil
}

func (i *InfluxSink) Close() error {
	i.writeAPI.Flush()
	i.client.Close()
	return nil
}
