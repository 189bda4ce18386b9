package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/KevinKickass/FieldPoller/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrBroadcastFull = errors.New("websocket hub: broadcast queue full")

type broadcastMessage struct {
	deviceID uuid.UUID
	data     []byte
}

type subscriptionRequest struct {
	client   *Client
	op       MessageType
	deviceID uuid.UUID
	reason   string
}

// Hub maintains active WebSocket clients and pushes telemetry to them. A
// client receives every device until it subscribes to specific ones.
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Outbound telemetry, already encoded
	broadcast chan broadcastMessage

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Subscribe/unsubscribe requests from clients
	subscriptions chan subscriptionRequest

	done     chan struct{}
	doneOnce sync.Once

	mu     sync.RWMutex
	logger *zap.Logger
}

// NewHub creates a new Hub instance
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		broadcast:     make(chan broadcastMessage, 256),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		subscriptions: make(chan subscriptionRequest),
		done:          make(chan struct{}),
		clients:       make(map[*Client]bool),
		logger:        logger,
	}
}

// Run starts the hub's main event loop and returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket Hub started")
	defer func() {
		h.doneOnce.Do(func() { close(h.done) })
		h.closeAll()
	}()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("WebSocket Hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("WebSocket client registered",
				zap.String("remote_addr", client.remoteAddr()),
				zap.Int("total_clients", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Info("WebSocket client unregistered",
					zap.String("remote_addr", client.remoteAddr()),
					zap.Int("total_clients", len(h.clients)))
			}
			h.mu.Unlock()

		case req := <-h.subscriptions:
			h.handleSubscription(req)

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !client.wants(message.deviceID) {
					continue
				}
				select {
				case client.send <- message.data:
				default:
					// Client send channel full - unregister slow/dead client
					close(client.send)
					delete(h.clients, client)
					h.logger.Warn("Client send buffer full, unregistering",
						zap.String("remote_addr", client.remoteAddr()))
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) handleSubscription(req subscriptionRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c := req.client
	if !h.clients[c] {
		return
	}

	var reply Message
	switch req.op {
	case MessageTypeSubscribe:
		c.devices[req.deviceID] = struct{}{}
		reply = NewMessage(MessageTypeSubscribed, SubscriptionData{DeviceID: req.deviceID.String()})
	case MessageTypeUnsubscribe:
		delete(c.devices, req.deviceID)
		reply = NewMessage(MessageTypeUnsubscribed, SubscriptionData{DeviceID: req.deviceID.String()})
	default:
		reply = NewMessage(MessageTypeError, ErrorData{Reason: req.reason})
	}

	data, err := json.Marshal(reply)
	if err != nil {
		h.logger.Error("Failed to encode reply", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		h.logger.Warn("Client send buffer full, dropping reply",
			zap.String("remote_addr", c.remoteAddr()))
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

// PublishTelemetry queues the samples of one device for all interested
// clients. It never blocks; a full queue drops the message.
func (h *Hub) PublishTelemetry(ctx context.Context, deviceID uuid.UUID, samples []types.TelemetrySample) error {
	data, err := json.Marshal(NewTelemetryMessage(deviceID.String(), samples))
	if err != nil {
		return err
	}

	select {
	case h.broadcast <- broadcastMessage{deviceID: deviceID, data: data}:
		return nil
	default:
		return ErrBroadcastFull
	}
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
