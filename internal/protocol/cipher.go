package protocol

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// KeySize is the length of a Victron bindkey in bytes.
const KeySize = 16

// ErrInvalidKeyLength is returned for keys that are not 16 bytes long.
var ErrInvalidKeyLength = errors.New("invalid encryption key length")

// Key is a per-device AES-128 bindkey.
type Key [KeySize]byte

// ParseKey decodes a bindkey given as 32 hex characters. Spaces, colons and dashes are ignored.
func ParseKey(s string) (Key, error) {
	var key Key

	cleaned := strings.NewReplacer(" ", "", ":", "", "-", "").Replace(strings.TrimSpace(s))
	if len(cleaned) != KeySize*2 {
		return key, fmt.Errorf("%w: expected %d hex characters, got %d", ErrInvalidKeyLength, KeySize*2, len(cleaned))
	}

	raw, err := hex.DecodeString(cleaned)
	if err != nil {
		return key, fmt.Errorf("invalid encryption key: %w", err)
	}
	copy(key[:], raw)

	return key, nil
}

// String masks all but the last two bytes.
func (k Key) String() string {
	return strings.Repeat("*", 28) + hex.EncodeToString(k[KeySize-2:])
}

// Decrypt runs AES-CTR over ciphertext. The initial counter block holds counter
// little-endian in bytes 0-1 and zeros elsewhere.
func Decrypt(key []byte, counter uint16, ciphertext []byte) ([]byte, error) {
	return xorKeyStream(key, counter, ciphertext)
}

// Encrypt is the inverse of Decrypt. CTR mode uses the same operation both ways.
func Encrypt(key []byte, counter uint16, plaintext []byte) ([]byte, error) {
	return xorKeyStream(key, counter, plaintext)
}

func xorKeyStream(key []byte, counter uint16, in []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidKeyLength, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	var iv [aes.BlockSize]byte
	binary.LittleEndian.PutUint16(iv[:2], counter)

	out := make([]byte, len(in))
	cipher.NewCTR(block, iv[:]).XORKeyStream(out, in)

	return out, nil
}
