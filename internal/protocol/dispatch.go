package protocol

import "github.com/resident-x/go-victron/internal/domain"

// Documented mode bytes.
const (
	ModeSolarCharger        byte = 0x01
	ModeBatteryMonitor      byte = 0x02
	ModeInverter            byte = 0x03
	ModeDcDcConverter       byte = 0x04
	ModeSmartLithium        byte = 0x05
	ModeAcCharger           byte = 0x08
	ModeSmartBatteryProtect byte = 0x09
	ModeLynxSmartBMS        byte = 0x0A
	ModeVEBus               byte = 0x0C
	ModeDcEnergyMeter       byte = 0x0D
	ModeOrionXS             byte = 0x0F
)

// Undocumented mode bytes seen in the field; these are classified by model ID instead.
const (
	ModeObservedA0 byte = 0xA0
	ModeObservedA3 byte = 0xA3
)

// Known model IDs used for the undocumented-mode fallback.
const (
	ModelSmartSolar     uint16 = 0x6002
	ModelBatteryMonitor uint16 = 0x8302
	ModelBlueSmartIP22  uint16 = 0x2E00
)

var fallbackModels = map[uint16]domain.DeviceKind{
	ModelSmartSolar:     domain.KindSolarCharger,
	ModelBatteryMonitor: domain.KindBatteryMonitor,
	ModelBlueSmartIP22:  domain.KindAcCharger,
}

// Classify selects a record decoder from the mode byte, falling back to the model
// table for the undocumented 0xA0 and 0xA3 modes. Anything else is unsupported,
// including the DC energy meter.
func Classify(modelID uint16, mode byte) domain.DeviceKind {
	switch mode {
	case ModeBatteryMonitor:
		return domain.KindBatteryMonitor
	case ModeSolarCharger:
		return domain.KindSolarCharger
	case ModeAcCharger:
		return domain.KindAcCharger
	case ModeObservedA0, ModeObservedA3:
		if kind, ok := fallbackModels[modelID]; ok {
			return kind
		}
	}
	return domain.KindUnsupported
}
