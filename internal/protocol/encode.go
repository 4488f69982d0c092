package protocol

import (
	"math"

	"github.com/resident-x/go-victron/internal/domain"
)

// BitWriter packs fields least significant bit first, mirroring BitReader.
type BitWriter struct {
	buf  []byte
	bits int
}

// Write appends the low n bits of v.
func (w *BitWriter) Write(v uint64, n int) *BitWriter {
	for i := 0; i < n; i++ {
		if w.bits>>3 >= len(w.buf) {
			w.buf = append(w.buf, 0)
		}
		if (v>>i)&1 == 1 {
			w.buf[w.bits>>3] |= 1 << (w.bits & 7)
		}
		w.bits++
	}
	return w
}

// Bytes returns the packed buffer. The last byte is zero padded.
func (w *BitWriter) Bytes() []byte {
	return w.buf
}

func scaledRaw(v *float64, scale float64, na uint64, mask uint64) uint64 {
	if v == nil {
		return na
	}
	return uint64(int64(math.Round(*v*scale))) & mask
}

// EncodeBatteryMonitor builds the plaintext of a battery monitor record. It
// is the inverse of DecodeBatteryMonitor and is used by simulators and tests.
func EncodeBatteryMonitor(bm domain.BatteryMonitor) []byte {
	w := &BitWriter{}
	w.Write(uint64(bm.TimeToGoMinutes), 16)
	w.Write(scaledRaw(bm.Voltage, 100, naSigned16, 0xFFFF), 16)
	w.Write(uint64(bm.AlarmReason), 16)

	var aux uint64
	switch bm.Aux.Input {
	case domain.AuxStarterVoltage:
		aux = scaledRaw(bm.Aux.StarterVoltage, 100, naSigned16, 0xFFFF)
	case domain.AuxMidpointVoltage:
		aux = scaledRaw(bm.Aux.MidpointVoltage, 100, naUnsigned16, 0xFFFF)
	case domain.AuxTemperature:
		if bm.Aux.TemperatureCelsius == nil {
			aux = naUnsigned16
		} else {
			aux = uint64(math.Round((*bm.Aux.TemperatureCelsius + 273.15) * 100))
		}
	}
	w.Write(aux, 16)
	w.Write(uint64(bm.Aux.Input), 2)

	w.Write(scaledRaw(bm.Current, 1000, naCurrent22, naCurrent22), 22)
	w.Write(uint64(int64(math.Round(-bm.ConsumedAh*10))), 20)
	w.Write(scaledRaw(bm.StateOfCharge, 10, naSOC10, naSOC10), 10)

	return w.Bytes()
}

// SealAdvertisement encrypts plaintext under key and prepends the header,
// yielding manufacturer data without the company id.
func SealAdvertisement(key Key, modelID uint16, mode byte, counter uint16, plaintext []byte) ([]byte, error) {
	ciphertext, err := Encrypt(key[:], counter, plaintext)
	if err != nil {
		return nil, err
	}
	return BuildAdvertisement(modelID, mode, counter, ciphertext), nil
}
