package devices

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/KevinKickass/FieldPoller/internal/modbus"
	"github.com/KevinKickass/FieldPoller/internal/types"
)

var (
	// ErrMissingHost: the settings blob has no host, the device cannot be polled.
	ErrMissingHost = errors.New("protocol settings: host missing")
	// ErrInvalidSettings: the blob is not a JSON object or fails validation.
	ErrInvalidSettings = errors.New("protocol settings: invalid")
)

const (
	DefaultPort   = 5020
	DefaultUnitID = 1
)

// ProtocolSettings is the typed form of Configuration.ProtocolSettings.
type ProtocolSettings struct {
	Host           string
	Port           int
	UnitID         uint8
	ByteOrder      types.ByteOrder
	PollIntervalMs int
	AddressStyle   modbus.AddressStyle
}

// Address returns host:port.
func (s *ProtocolSettings) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Legacy key names written by older configuration tools.
var settingsKeyAliases = map[string]string{
	"host":           "host",
	"ipaddress":      "host",
	"ip":             "host",
	"port":           "port",
	"unitid":         "unitId",
	"slaveid":        "unitId",
	"byteorder":      "byteOrder",
	"endian":         "byteOrder",
	"pollintervalms": "pollIntervalMs",
	"addressstyle":   "addressStyle",
}

// SettingsParser turns settings blobs into ProtocolSettings.
type SettingsParser struct {
	validator *Validator
}

func NewSettingsParser() (*SettingsParser, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, err
	}
	return &SettingsParser{validator: validator}, nil
}

type rawSettings struct {
	Host           string          `json:"host"`
	Port           *int            `json:"port"`
	UnitID         *int            `json:"unitId"`
	ByteOrder      string          `json:"byteOrder"`
	PollIntervalMs *int            `json:"pollIntervalMs"`
	AddressStyle   json.RawMessage `json:"addressStyle"`
}

// Parse decodes blob and applies defaults. fallbackIntervalMs is used when
// the blob carries no pollIntervalMs (normally the configuration's cadence).
//
// A blob without host yields ErrMissingHost together with the otherwise
// parsed settings so the caller can still honour the cadence.
func (p *SettingsParser) Parse(blob []byte, fallbackIntervalMs int) (*ProtocolSettings, error) {
	blob = bytes.TrimSpace(blob)
	if len(blob) == 0 || bytes.Equal(blob, []byte("null")) {
		blob = []byte("{}")
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(blob, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}

	canonical := canonicalizeKeys(decoded)
	if err := p.validator.ValidateSettings(canonical); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}

	normalized, err := json.Marshal(canonical)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	var raw rawSettings
	if err := json.Unmarshal(normalized, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}

	settings := &ProtocolSettings{
		Host:           strings.TrimSpace(raw.Host),
		Port:           DefaultPort,
		UnitID:         DefaultUnitID,
		ByteOrder:      types.ByteOrderBig,
		PollIntervalMs: fallbackIntervalMs,
	}
	if raw.Port != nil {
		settings.Port = *raw.Port
	}
	if raw.UnitID != nil {
		settings.UnitID = uint8(*raw.UnitID)
	}
	if raw.PollIntervalMs != nil {
		settings.PollIntervalMs = *raw.PollIntervalMs
	}

	order, ok := types.ParseByteOrder(raw.ByteOrder)
	if !ok {
		return nil, fmt.Errorf("%w: byte order %q", ErrInvalidSettings, raw.ByteOrder)
	}
	if order != "" {
		settings.ByteOrder = order
	}

	style, err := parseAddressStyleValue(raw.AddressStyle)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	settings.AddressStyle = style

	if settings.Host == "" {
		return settings, ErrMissingHost
	}
	return settings, nil
}

// canonicalizeKeys maps aliases onto canonical names. Keys are visited in
// sorted order and an exact canonical key always wins over an alias.
func canonicalizeKeys(in map[string]interface{}) map[string]interface{} {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]interface{}, len(in))
	exact := make(map[string]bool)
	for _, k := range keys {
		canonical, ok := settingsKeyAliases[strings.ToLower(k)]
		if !ok {
			out[k] = in[k]
			continue
		}
		if exact[canonical] {
			continue
		}
		out[canonical] = in[k]
		if k == canonical {
			exact[canonical] = true
		}
	}
	return out
}

func parseAddressStyleValue(raw json.RawMessage) (modbus.AddressStyle, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return modbus.AddressStyleAuto, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		// numeric style, e.g. 40001
		s = string(raw)
	}
	return modbus.ParseAddressStyle(s)
}
