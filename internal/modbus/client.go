package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/goburrow/modbus"
)

const (
	// MaxRegistersPerRead is the protocol limit for one holding-register read.
	MaxRegistersPerRead = 125

	DefaultConnectTimeout = 3 * time.Second
	DefaultReadTimeout    = 3 * time.Second
)

// Options configures one device connection.
type Options struct {
	Host           string
	Port           int
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

func (o Options) address() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// Client owns a single TCP connection to one device. It is created fresh for
// every poll cycle and closed at the end of it.
type Client struct {
	address string
	handler *modbus.TCPClientHandler
	client  modbus.Client
	mu      sync.Mutex
}

// Dial connects to the device within the connect timeout. Cancelling ctx
// returns immediately; a dial still in flight is closed once it completes.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.Host == "" {
		return nil, errors.New("modbus client: host required")
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}

	h := modbus.NewTCPClientHandler(opts.address())
	h.Timeout = opts.ConnectTimeout

	done := make(chan error, 1)
	go func() {
		done <- h.Connect()
	}()

	select {
	case err := <-done:
		if err != nil {
			return nil, connectivityError("connect "+h.Address, err)
		}
	case <-ctx.Done():
		go func() {
			if err := <-done; err == nil {
				h.Close()
			}
		}()
		return nil, ctx.Err()
	}

	// Timeout gilt ab jetzt als Deadline pro Request
	h.Timeout = opts.ReadTimeout

	return &Client{
		address: h.Address,
		handler: h,
		client:  modbus.NewClient(h),
	}, nil
}

// Address returns host:port of the device.
func (c *Client) Address() string {
	return c.address
}

// Close schließt die Verbindung
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler.Close()
}

// ReadHoldingRegisters reads count words starting at the zero-based protocol
// address start. Exception responses come back as *ProtocolError, everything
// else that goes wrong on the wire wraps ErrConnectivity.
func (c *Client) ReadHoldingRegisters(ctx context.Context, unitID uint8, start, count uint16) ([]uint16, error) {
	if count == 0 || count > MaxRegistersPerRead {
		return nil, fmt.Errorf("modbus client: quantity %d out of range 1..%d", count, MaxRegistersPerRead)
	}
	if int(start)+int(count) > 0x10000 {
		return nil, fmt.Errorf("modbus client: window %d+%d exceeds address space", start, count)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.handler.SlaveId = unitID

	// Der Read läuft weiter bis zum Timeout, der Aufrufer wartet nicht darauf
	type result struct {
		raw []byte
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		raw, err := c.client.ReadHoldingRegisters(start, count)
		resCh <- result{raw: raw, err: err}
	}()

	var res result
	select {
	case res = <-resCh:
	case <-ctx.Done():
		go c.handler.Close()
		return nil, ctx.Err()
	}
	raw, err := res.raw, res.err

	if err != nil {
		var mbErr *modbus.ModbusError
		if errors.As(err, &mbErr) {
			return nil, &ProtocolError{
				FunctionCode:  mbErr.FunctionCode,
				ExceptionCode: mbErr.ExceptionCode,
				Start:         start,
				Count:         count,
			}
		}
		return nil, connectivityError(fmt.Sprintf("read start=%d count=%d", start, count), err)
	}

	words := unpackRegisters(raw)
	if len(words) != int(count) {
		return nil, connectivityError("read",
			fmt.Errorf("short response: expected %d registers, got %d", count, len(words)))
	}
	return words, nil
}

func unpackRegisters(data []byte) []uint16 {
	n := len(data) / 2
	out := make([]uint16, n)
	for i := 0; i < n; i++ {
		out[i] = binary.BigEndian.Uint16(data[2*i : 2*i+2])
	}
	return out
}
