// Package relay forwards readings to the trailer dashboard as compact binary frames.
package relay

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"
	"time"

	"github.com/resident-x/go-victron/internal/domain"
	"github.com/sigurn/crc16"
)

// Frame layout constants.
const (
	FrameMagic   byte = 'V'
	FrameVersion byte = 1
	FrameLen          = 35
)

// Presence flags.
const (
	FlagVoltage byte = 1 << iota
	FlagCurrent
	FlagPower
	FlagStateOfCharge
)

var (
	ErrFrameLength  = errors.New("invalid frame length")
	ErrFrameMagic   = errors.New("invalid frame magic")
	ErrFrameVersion = errors.New("unsupported frame version")
	ErrFrameCRC     = errors.New("frame CRC mismatch")
)

var crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// Frame is the dashboard view of one reading. Nil values are sent as absent.
type Frame struct {
	Kind          domain.DeviceKind
	MAC           [6]byte
	RSSI          int8
	Counter       uint16
	Timestamp     time.Time
	Voltage       *float64
	Current       *float64
	Power         *float64
	StateOfCharge *float64
}

// FrameFromReading projects a reading onto the dashboard frame.
func FrameFromReading(reading *domain.Reading) (Frame, error) {
	hw, err := net.ParseMAC(reading.MAC)
	if err != nil || len(hw) != 6 {
		return Frame{}, fmt.Errorf("invalid MAC address %q", reading.MAC)
	}

	f := Frame{
		Kind:          reading.Kind,
		Counter:       reading.Counter,
		Timestamp:     reading.Timestamp,
		Voltage:       reading.Voltage(),
		Current:       reading.Current(),
		Power:         reading.Power(),
		StateOfCharge: reading.StateOfCharge(),
	}
	copy(f.MAC[:], hw)
	if reading.RSSI != nil {
		f.RSSI = int8(max(math.MinInt8, min(math.MaxInt8, *reading.RSSI)))
	}
	return f, nil
}

// MACString returns the frame MAC in upper-case colon form.
func (f Frame) MACString() string {
	s, _ := domain.NormalizeMAC(net.HardwareAddr(f.MAC[:]).String())
	return s
}

// EncodeFrame serializes f with a little-endian CRC-16/MODBUS trailer.
func EncodeFrame(f Frame) []byte {
	buf := make([]byte, 0, FrameLen)
	buf = append(buf, FrameMagic, FrameVersion, byte(f.Kind), 0)
	buf = append(buf, f.MAC[:]...)
	buf = append(buf, byte(f.RSSI))
	buf = binary.LittleEndian.AppendUint16(buf, f.Counter)

	var ts uint32
	if !f.Timestamp.IsZero() {
		ts = uint32(f.Timestamp.Unix())
	}
	buf = binary.LittleEndian.AppendUint32(buf, ts)

	var flags byte
	for i, v := range []*float64{f.Voltage, f.Current, f.Power, f.StateOfCharge} {
		var bits uint32
		if v != nil {
			flags |= 1 << i
			bits = math.Float32bits(float32(*v))
		}
		buf = binary.LittleEndian.AppendUint32(buf, bits)
	}
	buf[3] = flags

	crc := crc16.Checksum(buf, crcTable)
	return binary.LittleEndian.AppendUint16(buf, crc)
}

// DecodeFrame parses and verifies a frame produced by EncodeFrame.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) != FrameLen {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameLength, len(data))
	}
	if data[0] != FrameMagic {
		return Frame{}, fmt.Errorf("%w: 0x%02x", ErrFrameMagic, data[0])
	}
	if data[1] != FrameVersion {
		return Frame{}, fmt.Errorf("%w: %d", ErrFrameVersion, data[1])
	}

	want := binary.LittleEndian.Uint16(data[FrameLen-2:])
	if got := crc16.Checksum(data[:FrameLen-2], crcTable); got != want {
		return Frame{}, fmt.Errorf("%w: got 0x%04x, want 0x%04x", ErrFrameCRC, got, want)
	}

	f := Frame{
		Kind:    domain.DeviceKind(data[2]),
		RSSI:    int8(data[10]),
		Counter: binary.LittleEndian.Uint16(data[11:13]),
	}
	copy(f.MAC[:], data[4:10])
	if ts := binary.LittleEndian.Uint32(data[13:17]); ts != 0 {
		f.Timestamp = time.Unix(int64(ts), 0).UTC()
	}

	flags := data[3]
	values := []**float64{&f.Voltage, &f.Current, &f.Power, &f.StateOfCharge}
	for i, dst := range values {
		if flags&(1<<i) == 0 {
			continue
		}
		off := 17 + 4*i
		v := float64(math.Float32frombits(binary.LittleEndian.Uint32(data[off : off+4])))
		*dst = &v
	}

	return f, nil
}
