package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/KevinKickass/FieldPoller/internal/config"
	"github.com/KevinKickass/FieldPoller/internal/types"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	mqttConnectTimeout    = 10 * time.Second
	mqttPublishTimeout    = 5 * time.Second
	mqttDisconnectQuiesce = 250 // ms
)

var ErrMQTTNotConnected = errors.New("mqtt: not connected")

// MQTTSink publishes one JSON array per device and cycle to
// <prefix>/devices/<deviceID>/telemetry.
type MQTTSink struct {
	client pahomqtt.Client
	prefix string
	qos    byte
	logger *zap.Logger
}

func NewMQTTSink(cfg config.MQTTConfig, logger *zap.Logger) (*MQTTSink, error) {
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetCleanSession(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.Warn("MQTT connection lost", zap.Error(err))
	})
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		logger.Info("MQTT connected", zap.String("broker", cfg.Broker))
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect: timeout after %v", mqttConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	return &MQTTSink{
		client: client,
		prefix: cfg.TopicPrefix,
		qos:    cfg.QoS,
		logger: logger,
	}, nil
}

// TelemetryTopic returns the topic samples of deviceID are published on.
func TelemetryTopic(prefix string, deviceID uuid.UUID) string {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return "devices/" + deviceID.String() + "/telemetry"
	}
	return prefix + "/devices/" + deviceID.String() + "/telemetry"
}

type mqttSample struct {
	RegisterID uuid.UUID `json:"register_id"`
	Address    int       `json:"address"`
	Signal     string    `json:"signal"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit,omitempty"`
	Timestamp  time.Time `json:"ts"`
}

// EncodeSamples builds the MQTT payload.
func EncodeSamples(samples []types.TelemetrySample) ([]byte, error) {
	out := make([]mqttSample, len(samples))
	for i, s := range samples {
		out[i] = mqttSample{
			RegisterID: s.RegisterID,
			Address:    s.RegisterAddress,
			Signal:     s.Signal,
			Value:      s.Value,
			Unit:       s.Unit,
			Timestamp:  s.Timestamp,
		}
	}
	return json.Marshal(out)
}

func (m *MQTTSink) PublishTelemetry(ctx context.Context, deviceID uuid.UUID, samples []types.TelemetrySample) error {
	if !m.client.IsConnectionOpen() {
		return ErrMQTTNotConnected
	}

	payload, err := EncodeSamples(samples)
	if err != nil {
		return fmt.Errorf("mqtt payload: %w", err)
	}

	token := m.client.Publish(TelemetryTopic(m.prefix, deviceID), m.qos, false, payload)

	timer := time.NewTimer(mqttPublishTimeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("mqtt publish: timeout after %v", mqttPublishTimeout)
	}
}

func (m *MQTTSink) Close() error {
	m.client.Disconnect(mqttDisconnectQuiesce)
	return nil
}
