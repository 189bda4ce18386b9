package modbus

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// RegisterMap describes the holding registers served by the simulator.
//
//	registers:
//	  - address: 0
//	    values: [2200, 0]
//	  - address: 20
//	    type: float32
//	    value: 231.5
type RegisterMap struct {
	Size      int                `yaml:"size"`
	Registers []RegisterMapEntry `yaml:"registers"`
}

type RegisterMapEntry struct {
	Address int      `yaml:"address"`
	Values  []uint16 `yaml:"values,omitempty"`
	Type    string   `yaml:"type,omitempty"`
	Value   float64  `yaml:"value,omitempty"`
}

// LoadRegisterMap reads a YAML register map. A relative path is looked up in
// searchPaths first, then taken as is.
func LoadRegisterMap(path string, searchPaths []string) ([]uint16, error) {
	var data []byte
	var err error

	candidates := []string{path}
	if !filepath.IsAbs(path) {
		candidates = candidates[:0]
		for _, searchPath := range searchPaths {
			candidates = append(candidates, filepath.Join(searchPath, path))
		}
		candidates = append(candidates, path)
	}
	for _, candidate := range candidates {
		data, err = os.ReadFile(candidate)
		if err == nil {
			break
		}
	}
	if data == nil {
		return nil, fmt.Errorf("register map not found: %s (searched in: %v)", path, searchPaths)
	}

	var m RegisterMap
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse register map %s: %w", path, err)
	}
	return m.Build()
}

// Build lays the entries out into one register bank.
func (m RegisterMap) Build() ([]uint16, error) {
	bank := make([]uint16, m.Size)

	for i, entry := range m.Registers {
		words, err := entry.words()
		if err != nil {
			return nil, fmt.Errorf("register entry %d: %w", i, err)
		}
		if entry.Address < 0 || entry.Address+len(words) > 0x10000 {
			return nil, fmt.Errorf("register entry %d: address %d out of range", i, entry.Address)
		}
		if end := entry.Address + len(words); end > len(bank) {
			grown := make([]uint16, end)
			copy(grown, bank)
			bank = grown
		}
		copy(bank[entry.Address:], words)
	}

	return bank, nil
}

func (e RegisterMapEntry) words() ([]uint16, error) {
	if len(e.Values) > 0 {
		return e.Values, nil
	}

	switch strings.ToLower(e.Type) {
	case "", "uint16":
		return []uint16{uint16(e.Value)}, nil
	case "int16":
		return []uint16{uint16(int16(e.Value))}, nil
	case "uint32":
		return split32(uint32(e.Value)), nil
	case "int32":
		return split32(uint32(int32(e.Value))), nil
	case "float32":
		return split32(math.Float32bits(float32(e.Value))), nil
	default:
		return nil, fmt.Errorf("unsupported type %q", e.Type)
	}
}

// split32 liefert High-Word zuerst (Big Endian)
func split32(v uint32) []uint16 {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return []uint16{binary.BigEndian.Uint16(b[0:2]), binary.BigEndian.Uint16(b[2:4])}
}
