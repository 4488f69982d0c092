package protocol

import (
	"testing"

	"github.com/resident-x/go-victron/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f64(v float64) *float64 { return &v }

func TestBitWriterLayout(t *testing.T) {
	w := (&BitWriter{}).Write(0b1, 1).Write(0b11, 2).Write(0xAB, 8)
	assert.Equal(t, []byte{0x5F, 0x05}, w.Bytes())

	r := NewBitReader(w.Bytes())
	assert.Equal(t, uint32(1), r.ReadUnsigned(1))
	assert.Equal(t, uint32(3), r.ReadUnsigned(2))
	assert.Equal(t, uint32(0xAB), r.ReadUnsigned(8))
}

func TestEncodeBatteryMonitorRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   domain.BatteryMonitor
	}{
		{
			name: "starter aux discharging",
			in: domain.BatteryMonitor{
				TimeToGoMinutes: 600,
				Voltage:         f64(13.25),
				Aux:             domain.AuxReading{Input: domain.AuxStarterVoltage, StarterVoltage: f64(12.6)},
				Current:         f64(-1.5),
				ConsumedAh:      -12.3,
				StateOfCharge:   f64(87.5),
			},
		},
		{
			name: "temperature aux charging",
			in: domain.BatteryMonitor{
				TimeToGoMinutes: 0xFFFF,
				Voltage:         f64(26.4),
				AlarmReason:     0x0002,
				Aux:             domain.AuxReading{Input: domain.AuxTemperature, TemperatureCelsius: f64(21.5)},
				Current:         f64(4.321),
				StateOfCharge:   f64(100),
			},
		},
		{
			name: "midpoint aux",
			in: domain.BatteryMonitor{
				Voltage:       f64(25.1),
				Aux:           domain.AuxReading{Input: domain.AuxMidpointVoltage, MidpointVoltage: f64(12.55)},
				Current:       f64(0),
				StateOfCharge: f64(50),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := DecodeRecord(domain.KindBatteryMonitor, EncodeBatteryMonitor(tt.in), 0)
			bm := rec.BatteryMonitor
			require.NotNil(t, bm)

			assert.Equal(t, tt.in.TimeToGoMinutes, bm.TimeToGoMinutes)
			assert.Equal(t, tt.in.AlarmReason, bm.AlarmReason)
			assert.Equal(t, tt.in.Aux.Input, bm.Aux.Input)
			requireValue(t, *tt.in.Voltage, bm.Voltage, "voltage")
			requireValue(t, *tt.in.Current, bm.Current, "current")
			requireValue(t, *tt.in.StateOfCharge, bm.StateOfCharge, "soc")
			assert.InDelta(t, tt.in.ConsumedAh, bm.ConsumedAh, delta)

			switch tt.in.Aux.Input {
			case domain.AuxStarterVoltage:
				requireValue(t, *tt.in.Aux.StarterVoltage, bm.Aux.StarterVoltage, "starter")
			case domain.AuxMidpointVoltage:
				requireValue(t, *tt.in.Aux.MidpointVoltage, bm.Aux.MidpointVoltage, "midpoint")
			case domain.AuxTemperature:
				requireValue(t, *tt.in.Aux.TemperatureCelsius, bm.Aux.TemperatureCelsius, "temperature")
			}
		})
	}
}

func TestEncodeBatteryMonitorUnavailable(t *testing.T) {
	plain := EncodeBatteryMonitor(domain.BatteryMonitor{
		Aux: domain.AuxReading{Input: domain.AuxTemperature},
	})

	bm := DecodeRecord(domain.KindBatteryMonitor, plain, 0).BatteryMonitor
	require.NotNil(t, bm)
	assert.Nil(t, bm.Voltage)
	assert.Nil(t, bm.Current)
	assert.Nil(t, bm.StateOfCharge)
	assert.Nil(t, bm.Aux.TemperatureCelsius)
	assert.Zero(t, bm.ConsumedAh)
}

func TestSealAdvertisement(t *testing.T) {
	key := mustKey(t, bmvKeyHex)
	plain := EncodeBatteryMonitor(domain.BatteryMonitor{Voltage: f64(12.8), Current: f64(-0.25), StateOfCharge: f64(64.2)})

	raw, err := SealAdvertisement(key, 0xA389, ModeBatteryMonitor, 0x1234, plain)
	require.NoError(t, err)
	require.Len(t, raw, HeaderLen+len(plain))

	frame, err := ParseHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xA389), frame.ModelID)
	assert.Equal(t, ModeBatteryMonitor, frame.Mode)
	assert.Equal(t, uint16(0x1234), frame.Counter)
	assert.NotEqual(t, plain, frame.Ciphertext)

	decrypted, err := Decrypt(key[:], frame.Counter, frame.Ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plain, decrypted)
}
