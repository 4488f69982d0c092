package domain

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f64(v float64) *float64 { return &v }

func TestNormalizeMAC(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"lower colon", "c0:3b:98:39:e6:fe", "C0:3B:98:39:E6:FE", false},
		{"upper colon", "E8:86:01:5D:79:38", "E8:86:01:5D:79:38", false},
		{"dash", "c7-a2-c2-61-9f-c4", "C7:A2:C2:61:9F:C4", false},
		{"bare hex", "c7a2c2619fc4", "C7:A2:C2:61:9F:C4", false},
		{"padded", "  c7a2c2619fc4 ", "C7:A2:C2:61:9F:C4", false},
		{"too short", "c7:a2:c2", "", true},
		{"garbage", "not-a-mac", "", true},
		{"eui64", "00:11:22:33:44:55:66:77", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeMAC(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDeviceKindText(t *testing.T) {
	for _, kind := range []DeviceKind{KindUnsupported, KindBatteryMonitor, KindSolarCharger, KindAcCharger} {
		text, err := kind.MarshalText()
		require.NoError(t, err)

		var decoded DeviceKind
		require.NoError(t, decoded.UnmarshalText(text))
		assert.Equal(t, kind, decoded)
	}
	assert.Equal(t, KindUnsupported, ParseDeviceKind("dc_energy_meter"))
}

func TestRecordAccessors(t *testing.T) {
	t.Run("battery monitor", func(t *testing.T) {
		r := Record{Kind: KindBatteryMonitor, BatteryMonitor: &BatteryMonitor{
			Voltage: f64(13.25), Current: f64(-2.5), StateOfCharge: f64(87.5),
		}}
		assert.InDelta(t, 13.25, *r.Voltage(), 1e-9)
		assert.InDelta(t, -2.5, *r.Current(), 1e-9)
		assert.InDelta(t, -33.125, *r.Power(), 1e-9)
		assert.InDelta(t, 87.5, *r.StateOfCharge(), 1e-9)
	})

	t.Run("solar charger uses reported power", func(t *testing.T) {
		r := Record{Kind: KindSolarCharger, SolarCharger: &SolarCharger{
			BatteryVoltage: f64(13.42), BatteryCurrent: f64(8.5), Power: f64(118),
		}}
		assert.InDelta(t, 118, *r.Power(), 1e-9)
		assert.Nil(t, r.StateOfCharge())
	})

	t.Run("unavailable current", func(t *testing.T) {
		r := Record{Kind: KindAcCharger, AcCharger: &AcCharger{OutputVoltage: f64(14.1)}}
		assert.NotNil(t, r.Voltage())
		assert.Nil(t, r.Current())
		assert.Nil(t, r.Power())
	})

	t.Run("empty record", func(t *testing.T) {
		r := Record{}
		assert.Nil(t, r.Voltage())
		assert.Nil(t, r.Current())
		assert.Nil(t, r.Power())
	})
}

func TestReadingJSON(t *testing.T) {
	rssi := -71
	reading := &Reading{
		MAC:       "C0:3B:98:39:E6:FE",
		Name:      "BMV-712",
		ModelID:   0x8302,
		Counter:   0x0102,
		RSSI:      &rssi,
		Timestamp: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		Plausible: true,
		Record: Record{Kind: KindBatteryMonitor, BatteryMonitor: &BatteryMonitor{
			Voltage: f64(13.25),
			Aux:     AuxReading{Input: AuxStarterVoltage, StarterVoltage: f64(12.8)},
		}},
	}

	data, err := json.Marshal(reading)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"battery_monitor"`)
	assert.Contains(t, string(data), `"input":"starter_voltage"`)
	assert.Contains(t, string(data), `"current":null`)
	assert.NotContains(t, string(data), `"solar_charger"`)

	var decoded Reading
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, KindBatteryMonitor, decoded.Kind)
	assert.Equal(t, AuxStarterVoltage, decoded.BatteryMonitor.Aux.Input)
	assert.InDelta(t, 13.25, *decoded.Voltage(), 1e-9)
}

func TestDeviceRegistry(t *testing.T) {
	registry := NewDeviceRegistry()
	now := time.Now()
	rssi := -80

	registry.Register("c0:3b:98:39:e6:fe", "BMV-712")
	registry.RecordFrame("C0:3B:98:39:E6:FE", &rssi, now)
	registry.RecordFrame("C0:3B:98:39:E6:FE", nil, now.Add(time.Second))
	registry.RecordSkip("C0:3B:98:39:E6:FE", "duplicate")
	registry.RecordReading(&Reading{
		MAC:     "C0:3B:98:39:E6:FE",
		ModelID: 0x8302,
		Record:  Record{Kind: KindBatteryMonitor, BatteryMonitor: &BatteryMonitor{}},
	})

	device, found := registry.GetDevice("c03b9839e6fe")
	require.True(t, found)
	assert.Equal(t, "BMV-712", device.Name)
	assert.Equal(t, KindBatteryMonitor, device.Kind)
	assert.Equal(t, int64(2), device.Frames)
	assert.Equal(t, int64(1), device.Readings)
	assert.Equal(t, 1, device.Skips["duplicate"])
	assert.Equal(t, now, device.FirstSeen)
	assert.Equal(t, now.Add(time.Second), device.LastSeen)
	require.NotNil(t, device.RSSI)
	assert.Equal(t, -80, *device.RSSI)
	require.NotNil(t, device.LastReading)

	// Returned values are copies.
	device.Skips["duplicate"] = 99
	again, _ := registry.GetDevice("C0:3B:98:39:E6:FE")
	assert.Equal(t, 1, again.Skips["duplicate"])

	_, found = registry.GetDevice("00:00:00:00:00:01")
	assert.False(t, found)
	_, found = registry.GetDevice("bogus")
	assert.False(t, found)
}

func TestDeviceRegistryOrdering(t *testing.T) {
	registry := NewDeviceRegistry()
	registry.Register("E8:86:01:5D:79:38", "MPPT")
	registry.Register("C0:3B:98:39:E6:FE", "BMV")
	registry.Register("C7:A2:C2:61:9F:C4", "IP22")

	devices := registry.GetAllDevices()
	require.Len(t, devices, 3)
	assert.Equal(t, "C0:3B:98:39:E6:FE", devices[0].MAC)
	assert.Equal(t, "C7:A2:C2:61:9F:C4", devices[1].MAC)
	assert.Equal(t, "E8:86:01:5D:79:38", devices[2].MAC)
}

func TestDeviceRegistryConcurrentAccess(t *testing.T) {
	registry := NewDeviceRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				registry.RecordFrame("C0:3B:98:39:E6:FE", nil, time.Now())
				registry.RecordSkip("C0:3B:98:39:E6:FE", "no_key")
				_ = registry.GetAllDevices()
			}
		}()
	}
	wg.Wait()

	device, found := registry.GetDevice("C0:3B:98:39:E6:FE")
	require.True(t, found)
	assert.Equal(t, int64(800), device.Frames)
	assert.Equal(t, 800, device.Skips["no_key"])
}
