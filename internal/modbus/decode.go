package modbus

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/KevinKickass/FieldPoller/internal/types"
)

// FallbackEpsilon: a float32 with a zero low word and a magnitude below this
// is taken as a sensor reporting value*100 in the first word.
const FallbackEpsilon = 1e-3

// ResolveByteOrder picks the register override, then the device default, then Big.
func ResolveByteOrder(reg types.RegisterDefinition, deviceOrder types.ByteOrder) types.ByteOrder {
	if reg.ByteOrder != "" {
		return reg.ByteOrder
	}
	if deviceOrder != "" {
		return deviceOrder
	}
	return types.ByteOrderBig
}

// DecodeValue converts the raw words of one register into a scaled value.
// words must start at the register's first word.
func DecodeValue(words []uint16, reg types.RegisterDefinition, deviceOrder types.ByteOrder) (float64, error) {
	dataType := reg.DataType.Normalize()
	need := dataType.Words()
	if len(words) < need {
		return 0, &DecodeError{
			Address: reg.Address,
			Reason:  fmt.Sprintf("not enough registers for %s: need %d, got %d", dataType, need, len(words)),
		}
	}

	scale := reg.Scale
	if scale <= 0 {
		scale = 1.0
	}

	switch dataType {
	case types.DataTypeFloat32:
		w1, w2 := orderWords(words, reg.WordSwap)
		raw := math.Float32frombits(assemble32(w1, w2, ResolveByteOrder(reg, deviceOrder)))
		if w2 == 0 && math.Abs(float64(raw)) < FallbackEpsilon {
			return float64(w1) / 100.0 * scale, nil
		}
		return float64(raw) * scale, nil

	case types.DataTypeUint32:
		w1, w2 := orderWords(words, reg.WordSwap)
		return float64(assemble32(w1, w2, ResolveByteOrder(reg, deviceOrder))) * scale, nil

	case types.DataTypeInt32:
		w1, w2 := orderWords(words, reg.WordSwap)
		return float64(int32(assemble32(w1, w2, ResolveByteOrder(reg, deviceOrder)))) * scale, nil

	case types.DataTypeInt16:
		return float64(int16(words[0])) * scale, nil

	default:
		return float64(words[0]) * scale, nil
	}
}

func orderWords(words []uint16, swap bool) (uint16, uint16) {
	if swap {
		return words[1], words[0]
	}
	return words[0], words[1]
}

// assemble32 lays out hi(w1) lo(w1) hi(w2) lo(w2) and reverses the four
// bytes for little endian devices.
func assemble32(w1, w2 uint16, order types.ByteOrder) uint32 {
	var b [4]byte
	binary.BigEndian.PutUint16(b[0:2], w1)
	binary.BigEndian.PutUint16(b[2:4], w2)
	if order == types.ByteOrderLittle {
		return binary.LittleEndian.Uint32(b[:])
	}
	return binary.BigEndian.Uint32(b[:])
}
