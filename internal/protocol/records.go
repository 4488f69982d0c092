package protocol

import "github.com/resident-x/go-victron/internal/domain"

// Sentinels marking a field as not available.
const (
	naSigned16   = 0x7FFF
	naUnsigned16 = 0xFFFF
	naCurrent22  = 0x3FFFFF
	naSOC10      = 0x3FF
	naLoad9      = 0x1FF
	naACVolt13   = 0x1FFF
	naACCurr11   = 0x7FF
	naTemp7      = 0x7F
	naACInput9   = 0x1FF
)

// RecordHeaderBits is the width of the sub-header some firmware places before the fields.
const RecordHeaderBits = 32

// DecodeRecord decodes plaintext with the layout for kind after skipping headerBits.
// A payload that runs out early yields a Truncated record whose unread fields are unavailable.
func DecodeRecord(kind domain.DeviceKind, plaintext []byte, headerBits int) domain.Record {
	r := NewBitReader(plaintext)
	rec := domain.Record{Kind: kind}

	if headerBits > 0 {
		if r.CanRead(headerBits) {
			r.Skip(headerBits)
		} else {
			r = NewBitReader(nil)
		}
	}

	var complete bool
	switch kind {
	case domain.KindBatteryMonitor:
		bm, ok := DecodeBatteryMonitor(r)
		rec.BatteryMonitor, complete = &bm, ok
	case domain.KindSolarCharger:
		sc, ok := DecodeSolarCharger(r)
		rec.SolarCharger, complete = &sc, ok
	case domain.KindAcCharger:
		ac, ok := DecodeAcCharger(r)
		rec.AcCharger, complete = &ac, ok
	default:
		return rec
	}
	rec.Truncated = !complete

	return rec
}

// DecodeBatteryMonitor reads a battery monitor record. The bool is false when
// the payload ended before the last field.
func DecodeBatteryMonitor(r *BitReader) (domain.BatteryMonitor, bool) {
	bm := domain.BatteryMonitor{Aux: domain.AuxReading{Input: domain.AuxNone}}

	if !r.CanRead(16) {
		return bm, false
	}
	bm.TimeToGoMinutes = uint16(r.ReadUnsigned(16))

	if !r.CanRead(16) {
		return bm, false
	}
	if raw := r.ReadUnsigned(16); raw != naSigned16 {
		bm.Voltage = scaled(float64(raw), 100)
	}

	if !r.CanRead(16) {
		return bm, false
	}
	bm.AlarmReason = uint16(r.ReadUnsigned(16))
	bm.Alarms = AlarmNames(bm.AlarmReason)

	if !r.CanRead(16) {
		return bm, false
	}
	auxRaw := r.ReadUnsigned(16)

	if !r.CanRead(2) {
		return bm, false
	}
	bm.Aux = decodeAux(auxRaw, domain.AuxInput(r.ReadUnsigned(2)))

	if !r.CanRead(22) {
		return bm, false
	}
	if raw := r.ReadUnsigned(22); raw != naCurrent22 {
		bm.Current = scaled(float64(signExtend(raw, 22)), 1000)
	}

	if !r.CanRead(20) {
		return bm, false
	}
	if raw := r.ReadUnsigned(20); raw > 0 {
		bm.ConsumedAh = -float64(raw) / 10
	}

	if !r.CanRead(10) {
		return bm, false
	}
	if raw := r.ReadUnsigned(10); raw != naSOC10 {
		bm.StateOfCharge = scaled(float64(raw), 10)
	}

	return bm, true
}

func decodeAux(raw uint32, input domain.AuxInput) domain.AuxReading {
	aux := domain.AuxReading{Input: input}

	switch input {
	case domain.AuxStarterVoltage:
		if raw != naSigned16 {
			aux.StarterVoltage = scaled(float64(signExtend(raw, 16)), 100)
		}
	case domain.AuxMidpointVoltage:
		if raw != naUnsigned16 {
			aux.MidpointVoltage = scaled(float64(raw), 100)
		}
	case domain.AuxTemperature:
		if raw != naUnsigned16 {
			// 0.01 K units.
			celsius := float64(raw)/100 - 273.15
			aux.TemperatureCelsius = &celsius
		}
	}

	return aux
}

// DecodeSolarCharger reads a solar charger record and derives its power.
func DecodeSolarCharger(r *BitReader) (domain.SolarCharger, bool) {
	var sc domain.SolarCharger
	pvRead := false

	complete := func() bool {
		if !r.CanRead(8) {
			return false
		}
		sc.DeviceState = uint8(r.ReadUnsigned(8))
		sc.DeviceStateName = DeviceStateName(sc.DeviceState)

		if !r.CanRead(8) {
			return false
		}
		sc.ErrorCode = uint8(r.ReadUnsigned(8))
		sc.ErrorName = ChargerErrorName(sc.ErrorCode)

		if !r.CanRead(16) {
			return false
		}
		if v := r.ReadSigned(16); v != naSigned16 {
			sc.BatteryVoltage = scaled(float64(v), 100)
		}

		if !r.CanRead(16) {
			return false
		}
		if v := r.ReadSigned(16); v != naSigned16 {
			sc.BatteryCurrent = scaled(float64(v), 10)
		}

		if !r.CanRead(16) {
			return false
		}
		sc.YieldTodayKWh = float64(r.ReadUnsigned(16)) / 100

		if !r.CanRead(16) {
			return false
		}
		if raw := r.ReadUnsigned(16); raw != naUnsigned16 {
			sc.PVPowerWatts = uint16(raw)
		}
		pvRead = true

		if !r.CanRead(9) {
			return false
		}
		// Unsigned on the wire: a positive value is current drawn by the load output.
		if raw := r.ReadUnsigned(9); raw != naLoad9 {
			sc.LoadCurrent = scaled(float64(raw), 10)
		}

		return true
	}()

	sc.Power = solarPower(sc, pvRead)

	return sc, complete
}

// solarPower prefers the reported PV power and falls back to battery voltage times current.
func solarPower(sc domain.SolarCharger, pvRead bool) *float64 {
	switch {
	case sc.PVPowerWatts > 0:
		p := float64(sc.PVPowerWatts)
		return &p
	case sc.BatteryVoltage != nil && sc.BatteryCurrent != nil:
		p := *sc.BatteryVoltage * *sc.BatteryCurrent
		return &p
	case pvRead:
		p := 0.0
		return &p
	}
	return nil
}

// DecodeAcCharger reads an AC charger record. All three output banks are decoded;
// bank 1 is also surfaced as OutputVoltage and OutputCurrent.
func DecodeAcCharger(r *BitReader) (domain.AcCharger, bool) {
	var ac domain.AcCharger

	if !r.CanRead(8) {
		return ac, false
	}
	ac.DeviceState = uint8(r.ReadUnsigned(8))
	ac.DeviceStateName = DeviceStateName(ac.DeviceState)

	if !r.CanRead(8) {
		return ac, false
	}
	ac.ErrorCode = uint8(r.ReadUnsigned(8))
	ac.ErrorName = ChargerErrorName(ac.ErrorCode)

	for bank := 0; bank < 3; bank++ {
		if !r.CanRead(13) {
			return ac, false
		}
		var out domain.AcOutput
		if raw := r.ReadUnsigned(13); raw != naACVolt13 {
			out.Voltage = scaled(float64(raw), 100)
		}
		ac.Outputs = append(ac.Outputs, out)
		if bank == 0 {
			ac.OutputVoltage = out.Voltage
		}

		if !r.CanRead(11) {
			return ac, false
		}
		if raw := r.ReadUnsigned(11); raw != naACCurr11 {
			ac.Outputs[bank].Current = scaled(float64(raw), 10)
		}
		if bank == 0 {
			ac.OutputCurrent = ac.Outputs[0].Current
		}
	}

	if !r.CanRead(7) {
		return ac, false
	}
	if raw := r.ReadUnsigned(7); raw != naTemp7 {
		celsius := float64(int(raw) - 40)
		ac.TemperatureCelsius = &celsius
	}

	if !r.CanRead(9) {
		return ac, false
	}
	if raw := r.ReadUnsigned(9); raw != naACInput9 {
		ac.ACCurrent = scaled(float64(raw), 10)
	}

	return ac, true
}

func scaled(raw, divisor float64) *float64 {
	v := raw / divisor
	return &v
}

func signExtend(v uint32, n int) int32 {
	if n > 0 && n < 32 && v&(1<<(n-1)) != 0 {
		return int32(int64(v) - int64(1)<<n)
	}
	return int32(v)
}
