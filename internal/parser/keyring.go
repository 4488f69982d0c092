package parser

import (
	"fmt"
	"sort"

	"github.com/resident-x/go-victron/internal/config"
	"github.com/resident-x/go-victron/internal/domain"
	"github.com/resident-x/go-victron/internal/protocol"
	"github.com/rs/zerolog"
)

// KeyError reports a configured device whose key or address is unusable.
// The device is excluded from decoding; other devices are unaffected.
type KeyError struct {
	MAC  string
	Name string
	Err  error
}

// Error implements the error interface.
func (e *KeyError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("device %s (%s): %v", e.MAC, e.Name, e.Err)
	}
	return fmt.Sprintf("device %s: %v", e.MAC, e.Err)
}

// Unwrap returns the underlying cause.
func (e *KeyError) Unwrap() error {
	return e.Err
}

// KeyRing maps normalized MAC addresses to bindkeys. It is immutable after
// construction and safe for concurrent use.
type KeyRing struct {
	keys   map[string]protocol.Key
	names  map[string]string
	errors []*KeyError
}

// NewKeyRing builds a KeyRing from configured devices. Every unusable entry
// is logged once at error level and returned by Errors.
func NewKeyRing(devices []config.DeviceConfig, logger zerolog.Logger) *KeyRing {
	logger = logger.With().Str("component", "keyring").Logger()

	kr := &KeyRing{
		keys:  make(map[string]protocol.Key, len(devices)),
		names: make(map[string]string, len(devices)),
	}

	for _, d := range devices {
		mac, err := domain.NormalizeMAC(d.MAC)
		if err != nil {
			kr.reject(logger, &KeyError{MAC: d.MAC, Name: d.Name, Err: err})
			continue
		}
		if _, dup := kr.keys[mac]; dup {
			kr.reject(logger, &KeyError{MAC: mac, Name: d.Name, Err: fmt.Errorf("duplicate device entry")})
			continue
		}
		key, err := protocol.ParseKey(d.Key)
		if err != nil {
			kr.reject(logger, &KeyError{MAC: mac, Name: d.Name, Err: err})
			continue
		}
		kr.keys[mac] = key
		if d.Name != "" {
			kr.names[mac] = d.Name
		}
		logger.Debug().Str("mac", mac).Str("name", d.Name).Stringer("key", key).Msg("Device key loaded")
	}

	return kr
}

func (kr *KeyRing) reject(logger zerolog.Logger, kerr *KeyError) {
	kr.errors = append(kr.errors, kerr)
	logger.Error().Err(kerr.Err).Str("mac", kerr.MAC).Str("name", kerr.Name).
		Msg("Device disabled: unusable configuration")
}

// Lookup returns the key for a normalized MAC.
func (kr *KeyRing) Lookup(mac string) (protocol.Key, bool) {
	key, ok := kr.keys[mac]
	return key, ok
}

// Name returns the configured display name for mac, if any.
func (kr *KeyRing) Name(mac string) string {
	return kr.names[mac]
}

// MACs returns the usable device addresses in sorted order.
func (kr *KeyRing) MACs() []string {
	macs := make([]string, 0, len(kr.keys))
	for mac := range kr.keys {
		macs = append(macs, mac)
	}
	sort.Strings(macs)
	return macs
}

// Len returns the number of usable keys.
func (kr *KeyRing) Len() int {
	return len(kr.keys)
}

// Errors returns the configuration problems found at construction.
func (kr *KeyRing) Errors() []*KeyError {
	return kr.errors
}
