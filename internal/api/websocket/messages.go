package websocket

import (
	"time"

	"github.com/KevinKickass/FieldPoller/internal/types"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Server -> Client
	MessageTypeTelemetry    MessageType = "telemetry"
	MessageTypeSubscribed   MessageType = "subscribed"
	MessageTypeUnsubscribed MessageType = "unsubscribed"
	MessageTypeError        MessageType = "error"

	// Client -> Server
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// ClientMessage is what clients send, e.g. {"type":"subscribe","device_id":"..."}
type ClientMessage struct {
	Type     MessageType `json:"type"`
	DeviceID string      `json:"device_id"`
}

// TelemetryData carries the samples of one poll cycle
type TelemetryData struct {
	DeviceID string                  `json:"device_id"`
	Samples  []types.TelemetrySample `json:"samples"`
}

type SubscriptionData struct {
	DeviceID string `json:"device_id"`
}

type ErrorData struct {
	Reason string `json:"reason"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

func NewTelemetryMessage(deviceID string, samples []types.TelemetrySample) Message {
	return NewMessage(MessageTypeTelemetry, TelemetryData{
		DeviceID: deviceID,
		Samples:  samples,
	})
}
