package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// ManufacturerID is Victron Energy's Bluetooth SIG company identifier.
	ManufacturerID uint16 = 0x02E1

	// ProductAdvertisement is the record marker of an Instant Readout frame.
	ProductAdvertisement byte = 0x10

	// HeaderLen is the size of the unencrypted prefix.
	HeaderLen = 6
)

var (
	// ErrTooShort is returned for payloads shorter than the header.
	ErrTooShort = errors.New("advertisement too short")

	// ErrUnsupportedRecordType is returned when the marker byte is not a product advertisement.
	ErrUnsupportedRecordType = errors.New("unsupported record type")

	// ErrNotVictron is returned when manufacturer data carries another company identifier.
	ErrNotVictron = errors.New("not a Victron manufacturer record")
)

// AdvertisementFrame is the parsed unencrypted prefix plus the ciphertext that follows it.
type AdvertisementFrame struct {
	Marker     byte
	ModelID    uint16
	Mode       byte
	Counter    uint16
	Ciphertext []byte
}

// ParseHeader interprets manufacturer data that starts after the company identifier.
func ParseHeader(raw []byte) (*AdvertisementFrame, error) {
	if len(raw) < HeaderLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooShort, len(raw))
	}
	if raw[0] != ProductAdvertisement {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnsupportedRecordType, raw[0])
	}

	return &AdvertisementFrame{
		Marker:     raw[0],
		ModelID:    binary.LittleEndian.Uint16(raw[1:3]),
		Mode:       raw[3],
		Counter:    binary.LittleEndian.Uint16(raw[4:6]),
		Ciphertext: raw[HeaderLen:],
	}, nil
}

// StripManufacturerID validates and removes the leading little-endian company identifier
// from a full manufacturer-data field.
func StripManufacturerID(data []byte) ([]byte, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooShort, len(data))
	}
	if id := binary.LittleEndian.Uint16(data[:2]); id != ManufacturerID {
		return nil, fmt.Errorf("%w: company 0x%04x", ErrNotVictron, id)
	}
	return data[2:], nil
}

// BuildAdvertisement assembles header and ciphertext into manufacturer data
// (without the company identifier). It is the inverse of ParseHeader.
func BuildAdvertisement(modelID uint16, mode byte, counter uint16, ciphertext []byte) []byte {
	out := make([]byte, HeaderLen, HeaderLen+len(ciphertext))
	out[0] = ProductAdvertisement
	binary.LittleEndian.PutUint16(out[1:3], modelID)
	out[3] = mode
	binary.LittleEndian.PutUint16(out[4:6], counter)
	return append(out, ciphertext...)
}

// ParseManufacturerHex decodes hex manufacturer data. A leading e102 company
// identifier is stripped when present.
func ParseManufacturerHex(s string) ([]byte, error) {
	data, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid hex data: %w", err)
	}
	if len(data) >= 2 && binary.LittleEndian.Uint16(data[:2]) == ManufacturerID {
		return data[2:], nil
	}
	return data, nil
}
