package modbus

import (
	"context"
	"errors"
	"io"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultSimulatorRegisters mirrors the bench simulator: eight signals of two
// registers each, value in the high word scaled by 100, low word zero.
var DefaultSimulatorRegisters = []uint16{
	2200, 0, // Voltage -> 22.00
	1500, 0, // Current -> 15.00
	3000, 0, // Temperature -> 30.00
	500, 0, // Frequency -> 5.00
	20, 0, // Vibration -> 0.2
	1000, 0, // FlowRate -> 10.00
	1800, 0, // RPM -> 18.00
	250, 0, // Torque -> 2.5
}

// Simulator is a Modbus TCP server exposing one bank of holding registers
// starting at address 0. Every unit id is answered from the same bank.
type Simulator struct {
	mu        sync.RWMutex
	registers []uint16
	base      []uint16

	listener net.Listener
	logger   *zap.Logger
	requests atomic.Int64

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
	closed  bool
	wg      sync.WaitGroup
}

func NewSimulator(registers []uint16, logger *zap.Logger) *Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	regs := make([]uint16, len(registers))
	copy(regs, registers)
	base := make([]uint16, len(registers))
	copy(base, registers)

	return &Simulator{
		registers: regs,
		base:      base,
		logger:    logger,
		conns:     make(map[net.Conn]struct{}),
	}
}

// Listen binds the server socket, e.g. "127.0.0.1:0" in tests.
func (s *Simulator) Listen(address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	s.listener = ln
	return nil
}

// Addr returns the bound listener address.
func (s *Simulator) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled or Close is called.
func (s *Simulator) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("simulator: not listening")
	}

	stop := context.AfterFunc(ctx, func() {
		s.Close()
	})
	defer stop()

	s.logger.Info("Modbus simulator listening",
		zap.String("address", s.listener.Addr().String()),
		zap.Int("registers", s.Len()))

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			return err
		}

		s.connsMu.Lock()
		if s.closed {
			s.connsMu.Unlock()
			conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.connsMu.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Close stops accepting and drops open connections.
func (s *Simulator) Close() error {
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	s.connsMu.Lock()
	s.closed = true
	for conn := range s.conns {
		conn.Close()
	}
	s.connsMu.Unlock()

	return err
}

// Requests returns the number of frames answered so far.
func (s *Simulator) Requests() int64 {
	return s.requests.Load()
}

func (s *Simulator) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.registers)
}

// SetRegisters overwrites registers starting at addr; the bank grows if needed.
func (s *Simulator) SetRegisters(addr uint16, values ...uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()

	end := int(addr) + len(values)
	if end > len(s.registers) {
		grown := make([]uint16, end)
		copy(grown, s.registers)
		s.registers = grown
	}
	copy(s.registers[addr:], values)
}

// Snapshot returns a copy of the register bank.
func (s *Simulator) Snapshot() []uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]uint16, len(s.registers))
	copy(out, s.registers)
	return out
}

// Animate lets every even (value) register oscillate around its initial
// value until ctx is done.
func (s *Simulator) Animate(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t := now.Sub(start).Seconds()
			s.mu.Lock()
			for i := 0; i < len(s.base) && i < len(s.registers); i += 2 {
				amplitude := float64(s.base[i]) * 0.05
				period := float64(6 + i)
				v := float64(s.base[i]) + amplitude*math.Sin(2*math.Pi*t/period)
				s.registers[i] = uint16(math.Max(0, math.Min(v, math.MaxUint16)))
			}
			s.mu.Unlock()
		}
	}
}

func (s *Simulator) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.connsMu.Lock()
		delete(s.conns, conn)
		s.connsMu.Unlock()
		conn.Close()
	}()

	for {
		request, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("Simulator read failed",
					zap.String("remote_addr", conn.RemoteAddr().String()),
					zap.Error(err))
			}
			return
		}

		response := s.respond(request)
		s.requests.Add(1)

		if _, err := conn.Write(response.Encode()); err != nil {
			return
		}
	}
}

func (s *Simulator) respond(request *ModbusFrame) *ModbusFrame {
	switch request.FunctionCode {
	case FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
	default:
		return request.ExceptionResponse(ExceptionIllegalFunction)
	}

	start, quantity, err := request.ParseReadRequest()
	if err != nil || quantity == 0 || quantity > MaxRegistersPerRead {
		return request.ExceptionResponse(ExceptionIllegalDataValue)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	end := int(start) + int(quantity)
	if end > len(s.registers) {
		return request.ExceptionResponse(ExceptionIllegalDataAddress)
	}

	values := make([]uint16, quantity)
	copy(values, s.registers[start:end])
	return request.RegisterResponse(values)
}
