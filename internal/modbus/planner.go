package modbus

import (
	"fmt"
	"sort"
	"strings"

	"github.com/KevinKickass/FieldPoller/internal/types"
)

// AddressStyle maps stored register numbers to zero-based protocol addresses.
type AddressStyle int

const (
	// AddressStyleAuto infers the style from the device's registers.
	AddressStyleAuto AddressStyle = iota
	AddressStyleZeroBased
	AddressStyleOneBased
	// AddressStyle40001 is the classic "4xxxx" holding register numbering.
	AddressStyle40001
)

// HoldingRegisterBase is register number 40001, protocol address 0.
const HoldingRegisterBase = 40001

const maxProtocolAddress = 0xFFFF

func (s AddressStyle) String() string {
	switch s {
	case AddressStyleAuto:
		return "auto"
	case AddressStyleZeroBased:
		return "zero-based"
	case AddressStyleOneBased:
		return "one-based"
	case AddressStyle40001:
		return "40001"
	default:
		return "unknown"
	}
}

// ParseAddressStyle understands the spellings found in settings blobs.
// An empty string means AddressStyleAuto.
func ParseAddressStyle(s string) (AddressStyle, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return AddressStyleAuto, nil
	case "0", "zero", "zero-based", "0-based", "protocol":
		return AddressStyleZeroBased, nil
	case "1", "one", "one-based", "1-based":
		return AddressStyleOneBased, nil
	case "40001", "4x", "4xxxx", "modicon":
		return AddressStyle40001, nil
	default:
		return AddressStyleAuto, fmt.Errorf("unknown address style %q", s)
	}
}

// ResolveAddressStyle turns AddressStyleAuto into a concrete style for one
// device: if any register is numbered 40001 or above the whole device is
// treated as 4xxxx numbered, otherwise addresses are taken as zero-based.
func ResolveAddressStyle(style AddressStyle, registers []types.RegisterDefinition) AddressStyle {
	if style != AddressStyleAuto {
		return style
	}
	for _, reg := range registers {
		if reg.Address >= HoldingRegisterBase {
			return AddressStyle40001
		}
	}
	return AddressStyleZeroBased
}

// ToProtocol converts a stored address. The result may be negative for
// addresses that do not fit the style; callers must reject those.
func (s AddressStyle) ToProtocol(stored int) int {
	switch s {
	case AddressStyle40001:
		return stored - HoldingRegisterBase
	case AddressStyleOneBased:
		return stored - 1
	default:
		return stored
	}
}

// PlannedRegister is a register with its resolved protocol address and span.
type PlannedRegister struct {
	Register        types.RegisterDefinition
	ProtocolAddress int
	Words           int
}

// ReadWindow is one contiguous holding-register read.
type ReadWindow struct {
	Start     uint16
	Count     uint16
	Registers []PlannedRegister
}

// End is the last protocol address covered by the window.
func (w ReadWindow) End() int {
	return int(w.Start) + int(w.Count) - 1
}

// Slice returns the words of reg out of the words read for the window.
func (w ReadWindow) Slice(words []uint16, reg PlannedRegister) ([]uint16, error) {
	offset := reg.ProtocolAddress - int(w.Start)
	if offset < 0 || offset+reg.Words > len(words) {
		return nil, &DecodeError{
			Address: reg.Register.Address,
			Reason: fmt.Sprintf("index out of range: offset=%d words=%d available=%d",
				offset, reg.Words, len(words)),
		}
	}
	return words[offset : offset+reg.Words], nil
}

// PlanWindows groups registers into as few reads as possible. Registers that
// are adjacent or overlapping share a window; no window exceeds maxPerRead
// registers and every accepted register lands in exactly one window.
// Registers whose protocol address falls outside the address space are
// returned as rejected.
func PlanWindows(registers []types.RegisterDefinition, style AddressStyle, maxPerRead int) ([]ReadWindow, []types.RegisterDefinition) {
	if maxPerRead <= 0 || maxPerRead > MaxRegistersPerRead {
		maxPerRead = MaxRegistersPerRead
	}
	style = ResolveAddressStyle(style, registers)

	planned := make([]PlannedRegister, 0, len(registers))
	var rejected []types.RegisterDefinition

	for _, reg := range registers {
		addr := style.ToProtocol(reg.Address)
		words := reg.WordCount()
		if addr < 0 || addr+words-1 > maxProtocolAddress || words > maxPerRead {
			rejected = append(rejected, reg)
			continue
		}
		planned = append(planned, PlannedRegister{Register: reg, ProtocolAddress: addr, Words: words})
	}

	sort.SliceStable(planned, func(i, j int) bool {
		return planned[i].ProtocolAddress < planned[j].ProtocolAddress
	})

	windows := make([]ReadWindow, 0)
	idx := 0
	for idx < len(planned) {
		first := planned[idx]
		start := first.ProtocolAddress
		end := start + first.Words - 1
		items := []PlannedRegister{first}
		idx++

		for idx < len(planned) {
			next := planned[idx]
			if next.ProtocolAddress > end+1 {
				break
			}
			newEnd := max(end, next.ProtocolAddress+next.Words-1)
			if newEnd-start+1 > maxPerRead {
				// Rest beginnt ein neues Fenster
				break
			}
			end = newEnd
			items = append(items, next)
			idx++
		}

		windows = append(windows, ReadWindow{
			Start:     uint16(start),
			Count:     uint16(end - start + 1),
			Registers: items,
		})
	}

	return windows, rejected
}
