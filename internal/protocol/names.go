package protocol

import (
	_ "embed"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed names.yaml
var namesYAML []byte

// NameTables holds display names for device codes.
type NameTables struct {
	Models        map[string]string `yaml:"models"`
	Modes         map[string]string `yaml:"modes"`
	DeviceStates  map[int]string    `yaml:"device_states"`
	ChargerErrors map[int]string    `yaml:"charger_errors"`
	AlarmReasons  map[int]string    `yaml:"alarm_reasons"`

	models map[uint16]string
	modes  map[byte]string
	alarms []alarmBit
}

type alarmBit struct {
	mask uint16
	name string
}

var names = sync.OnceValue(func() *NameTables {
	tables, err := LoadNameTables(namesYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded names.yaml: %v", err))
	}
	return tables
})

// LoadNameTables parses a names table in the embedded YAML format.
func LoadNameTables(data []byte) (*NameTables, error) {
	var tables NameTables
	if err := yaml.Unmarshal(data, &tables); err != nil {
		return nil, fmt.Errorf("failed to parse name tables: %w", err)
	}

	tables.models = make(map[uint16]string, len(tables.Models))
	for key, name := range tables.Models {
		id, err := strconv.ParseUint(key, 16, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid model id %q: %w", key, err)
		}
		tables.models[uint16(id)] = name
	}

	tables.modes = make(map[byte]string, len(tables.Modes))
	for key, name := range tables.Modes {
		mode, err := strconv.ParseUint(key, 16, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid mode %q: %w", key, err)
		}
		tables.modes[byte(mode)] = name
	}

	for bit, name := range tables.AlarmReasons {
		if bit <= 0 || bit > 0xFFFF || bit&(bit-1) != 0 {
			return nil, fmt.Errorf("alarm reason %d is not a single bit", bit)
		}
		tables.alarms = append(tables.alarms, alarmBit{mask: uint16(bit), name: name})
	}
	sort.Slice(tables.alarms, func(i, j int) bool { return tables.alarms[i].mask < tables.alarms[j].mask })

	return &tables, nil
}

// ModelName returns the product name for a model ID, or "" if unknown.
func ModelName(id uint16) string {
	return names().models[id]
}

// ModeName names a mode byte, including modes that have no decoder.
func ModeName(mode byte) string {
	if name, ok := names().modes[mode]; ok {
		return name
	}
	return unknown(int(mode))
}

// DeviceStateName names a charger operating state.
func DeviceStateName(state uint8) string {
	if name, ok := names().DeviceStates[int(state)]; ok {
		return name
	}
	return unknown(int(state))
}

// ChargerErrorName names a charger error code.
func ChargerErrorName(code uint8) string {
	if name, ok := names().ChargerErrors[int(code)]; ok {
		return name
	}
	return unknown(int(code))
}

// AlarmNames expands an alarm reason bitmask into names, lowest bit first.
// Bits without a name are reported as "unknown (bit value)".
func AlarmNames(mask uint16) []string {
	if mask == 0 {
		return nil
	}

	var out []string
	known := uint16(0)
	for _, alarm := range names().alarms {
		known |= alarm.mask
		if mask&alarm.mask != 0 {
			out = append(out, alarm.name)
		}
	}
	for rest := mask &^ known; rest != 0; rest &= rest - 1 {
		out = append(out, unknown(int(rest&-rest)))
	}
	return out
}

func unknown(code int) string {
	return fmt.Sprintf("unknown (%d)", code)
}
