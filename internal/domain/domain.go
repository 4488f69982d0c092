// Package domain provides core domain models and interfaces for the go-victron application
package domain

import (
	"context"
	"time"
)

// DeviceKind identifies which record layout a Victron advertisement carries.
type DeviceKind uint8

const (
	KindUnsupported DeviceKind = iota
	KindBatteryMonitor
	KindSolarCharger
	KindAcCharger
)

// String returns the string representation of the device kind.
func (k DeviceKind) String() string {
	switch k {
	case KindBatteryMonitor:
		return "battery_monitor"
	case KindSolarCharger:
		return "solar_charger"
	case KindAcCharger:
		return "ac_charger"
	default:
		return "unsupported"
	}
}

// MarshalText encodes the kind by name so JSON and logs stay readable.
func (k DeviceKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind written by MarshalText.
func (k *DeviceKind) UnmarshalText(text []byte) error {
	*k = ParseDeviceKind(string(text))
	return nil
}

// ParseDeviceKind is the inverse of DeviceKind.String.
func ParseDeviceKind(s string) DeviceKind {
	switch s {
	case "battery_monitor":
		return KindBatteryMonitor
	case "solar_charger":
		return KindSolarCharger
	case "ac_charger":
		return KindAcCharger
	default:
		return KindUnsupported
	}
}

// Advertisement is one Victron manufacturer-data payload as delivered by a scanner.
// Data starts right after the 0x02E1 company identifier.
type Advertisement struct {
	MAC        string
	RSSI       *int
	Data       []byte
	ReceivedAt time.Time
	Source     string
}

// AuxInput selects how the battery monitor aux value is interpreted.
type AuxInput uint8

const (
	AuxStarterVoltage AuxInput = iota
	AuxMidpointVoltage
	AuxTemperature
	AuxNone
)

// String returns the string representation of the aux input.
func (a AuxInput) String() string {
	switch a {
	case AuxStarterVoltage:
		return "starter_voltage"
	case AuxMidpointVoltage:
		return "midpoint_voltage"
	case AuxTemperature:
		return "temperature"
	default:
		return "none"
	}
}

// MarshalText encodes the aux input by name.
func (a AuxInput) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText decodes an aux input written by MarshalText.
func (a *AuxInput) UnmarshalText(text []byte) error {
	switch string(text) {
	case "starter_voltage":
		*a = AuxStarterVoltage
	case "midpoint_voltage":
		*a = AuxMidpointVoltage
	case "temperature":
		*a = AuxTemperature
	default:
		*a = AuxNone
	}
	return nil
}

// AuxReading is the secondary battery monitor input.
type AuxReading struct {
	Input              AuxInput `json:"input"`
	StarterVoltage     *float64 `json:"starter_voltage,omitempty"`
	MidpointVoltage    *float64 `json:"midpoint_voltage,omitempty"`
	TemperatureCelsius *float64 `json:"temperature_celsius,omitempty"`
}

// BatteryMonitor is the decoded record of a BMV or SmartShunt.
type BatteryMonitor struct {
	TimeToGoMinutes uint16     `json:"time_to_go_minutes"`
	Voltage         *float64   `json:"voltage"`
	AlarmReason     uint16     `json:"alarm_reason"`
	Alarms          []string   `json:"alarms,omitempty"`
	Aux             AuxReading `json:"aux"`
	Current         *float64   `json:"current"`
	ConsumedAh      float64    `json:"consumed_ah"`
	StateOfCharge   *float64   `json:"state_of_charge"`
}

// SolarCharger is the decoded record of an MPPT solar charger.
type SolarCharger struct {
	DeviceState     uint8    `json:"device_state"`
	DeviceStateName string   `json:"device_state_name"`
	ErrorCode       uint8    `json:"error_code"`
	ErrorName       string   `json:"error_name"`
	BatteryVoltage  *float64 `json:"battery_voltage"`
	BatteryCurrent  *float64 `json:"battery_current"`
	YieldTodayKWh   float64  `json:"yield_today_kwh"`
	PVPowerWatts    uint16   `json:"pv_power_watts"`
	LoadCurrent     *float64 `json:"load_current"`
	Power           *float64 `json:"power"`
}

// AcOutput is one output bank of an AC charger.
type AcOutput struct {
	Voltage *float64 `json:"voltage"`
	Current *float64 `json:"current"`
}

// AcCharger is the decoded record of a Blue Smart / IP22 AC charger.
// OutputVoltage and OutputCurrent mirror bank 1.
type AcCharger struct {
	DeviceState        uint8      `json:"device_state"`
	DeviceStateName    string     `json:"device_state_name"`
	ErrorCode          uint8      `json:"error_code"`
	ErrorName          string     `json:"error_name"`
	OutputVoltage      *float64   `json:"output_voltage"`
	OutputCurrent      *float64   `json:"output_current"`
	Outputs            []AcOutput `json:"outputs,omitempty"`
	TemperatureCelsius *float64   `json:"temperature_celsius"`
	ACCurrent          *float64   `json:"ac_current"`
}

// Record is the decoded device reading. Exactly one variant is set, matching Kind.
type Record struct {
	Kind           DeviceKind      `json:"kind"`
	Truncated      bool            `json:"truncated,omitempty"`
	BatteryMonitor *BatteryMonitor `json:"battery_monitor,omitempty"`
	SolarCharger   *SolarCharger   `json:"solar_charger,omitempty"`
	AcCharger      *AcCharger      `json:"ac_charger,omitempty"`
}

// Voltage returns the primary voltage of the record, if available.
func (r *Record) Voltage() *float64 {
	switch {
	case r.BatteryMonitor != nil:
		return r.BatteryMonitor.Voltage
	case r.SolarCharger != nil:
		return r.SolarCharger.BatteryVoltage
	case r.AcCharger != nil:
		return r.AcCharger.OutputVoltage
	}
	return nil
}

// Current returns the primary current of the record, if available.
func (r *Record) Current() *float64 {
	switch {
	case r.BatteryMonitor != nil:
		return r.BatteryMonitor.Current
	case r.SolarCharger != nil:
		return r.SolarCharger.BatteryCurrent
	case r.AcCharger != nil:
		return r.AcCharger.OutputCurrent
	}
	return nil
}

// Power returns the reported or derived power in watts.
func (r *Record) Power() *float64 {
	if r.SolarCharger != nil {
		return r.SolarCharger.Power
	}
	v, i := r.Voltage(), r.Current()
	if v == nil || i == nil {
		return nil
	}
	p := *v * *i
	return &p
}

// StateOfCharge returns the battery state of charge in percent (battery monitors only).
func (r *Record) StateOfCharge() *float64 {
	if r.BatteryMonitor != nil {
		return r.BatteryMonitor.StateOfCharge
	}
	return nil
}

// Reading is a decoded record together with where and when it came from.
type Reading struct {
	MAC       string    `json:"mac"`
	Name      string    `json:"name,omitempty"`
	ModelID   uint16    `json:"model_id"`
	ModelName string    `json:"model_name,omitempty"`
	Counter   uint16    `json:"counter"`
	RSSI      *int      `json:"rssi,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Offset    int       `json:"offset"`
	Plausible bool      `json:"plausible"`
	Record
}

// ReadingParser defines the interface for turning advertisements into readings.
type ReadingParser interface {
	// Parse decodes one advertisement. Skip outcomes are returned as errors.
	Parse(ctx context.Context, adv Advertisement) (*Reading, error)
}

// AdvertisementSource produces advertisements until its context is cancelled.
type AdvertisementSource interface {
	// Name identifies the source in logs and metrics
	Name() string

	// Run delivers advertisements to out and blocks until ctx is done or the source is exhausted
	Run(ctx context.Context, out chan<- Advertisement) error
}

// ReadingSink consumes decoded readings.
type ReadingSink interface {
	// Name identifies the sink in logs
	Name() string

	// Publish hands one reading to the sink
	Publish(ctx context.Context, reading *Reading) error

	// Close releases the sink's resources
	Close() error
}

// Registry keeps track of observed Victron devices.
type Registry interface {
	// RecordFrame notes that an advertisement arrived from mac
	RecordFrame(mac string, rssi *int, at time.Time)

	// RecordReading stores the latest decoded reading for its device
	RecordReading(reading *Reading)

	// RecordSkip counts an advertisement that produced no reading
	RecordSkip(mac string, reason string)

	// Register adds a configured device before it is first heard
	Register(mac string, name string)

	// GetDevice retrieves a copy of one device's information
	GetDevice(mac string) (*DeviceInfo, bool)

	// GetAllDevices returns copies of all known devices
	GetAllDevices() []*DeviceInfo
}

// DeviceInfo contains information about an observed device.
type DeviceInfo struct {
	MAC         string         `json:"mac"`
	Name        string         `json:"name,omitempty"`
	Kind        DeviceKind     `json:"kind"`
	ModelID     uint16         `json:"model_id"`
	ModelName   string         `json:"model_name,omitempty"`
	FirstSeen   time.Time      `json:"first_seen"`
	LastSeen    time.Time      `json:"last_seen"`
	RSSI        *int           `json:"rssi,omitempty"`
	Frames      int64          `json:"frames"`
	Readings    int64          `json:"readings"`
	Skips       map[string]int `json:"skips,omitempty"`
	LastReading *Reading       `json:"last_reading,omitempty"`
}
