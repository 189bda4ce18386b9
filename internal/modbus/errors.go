package modbus

import (
	"errors"
	"fmt"
)

// ErrConnectivity marks device-level failures: dial errors, timeouts, resets
// and responses that are not valid Modbus frames. They are never attributed
// to a single register.
var ErrConnectivity = errors.New("modbus: device unreachable")

// Modbus exception codes
const (
	ExceptionIllegalFunction    uint8 = 0x01
	ExceptionIllegalDataAddress uint8 = 0x02
	ExceptionIllegalDataValue   uint8 = 0x03
	ExceptionServerFailure      uint8 = 0x04
)

// ProtocolError is a valid exception response from the device for one
// requested window. The registers inside that window are to blame.
type ProtocolError struct {
	FunctionCode  uint8
	ExceptionCode uint8
	Start         uint16
	Count         uint16
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("modbus exception: fc=0x%02X code=0x%02X (%s) start=%d count=%d",
		e.FunctionCode, e.ExceptionCode, exceptionText(e.ExceptionCode), e.Start, e.Count)
}

// DecodeError reports a register whose value could not be decoded from the
// words of its window.
type DecodeError struct {
	Address int
	Reason  string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode register %d: %s", e.Address, e.Reason)
}

// IsProtocolError reports whether err carries a device exception response.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// IsConnectivityError reports whether err is a device-level transport failure.
func IsConnectivityError(err error) bool {
	return errors.Is(err, ErrConnectivity)
}

func connectivityError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrConnectivity, op, err)
}

func exceptionText(code uint8) string {
	switch code {
	case ExceptionIllegalFunction:
		return "illegal function"
	case ExceptionIllegalDataAddress:
		return "illegal data address"
	case ExceptionIllegalDataValue:
		return "illegal data value"
	case ExceptionServerFailure:
		return "server device failure"
	default:
		return "unknown"
	}
}
