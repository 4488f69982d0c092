// Package parser turns Victron Instant Readout advertisements into readings.
package parser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/resident-x/go-victron/internal/config"
	"github.com/resident-x/go-victron/internal/domain"
	"github.com/resident-x/go-victron/internal/protocol"
	"github.com/resident-x/go-victron/internal/tracker"
	"github.com/resident-x/go-victron/internal/validation"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Skip outcomes. None of them is a failure: the advertisement simply yields no reading.
var (
	ErrUnsupportedDevice = errors.New("unsupported device")
	ErrNoKey             = errors.New("no key configured")
	ErrDuplicate         = errors.New("duplicate frame counter")
	ErrImplausible       = errors.New("implausible at every offset")
)

// Skip reasons reported by SkipReason.
const (
	ReasonTooShort          = "too_short"
	ReasonUnsupportedRecord = "unsupported_record"
	ReasonUnsupportedDevice = "unsupported_device"
	ReasonNoKey             = "no_key"
	ReasonDuplicate         = "duplicate"
	ReasonImplausible       = "implausible"
)

var skipReasons = []struct {
	err    error
	reason string
}{
	{protocol.ErrTooShort, ReasonTooShort},
	{protocol.ErrUnsupportedRecordType, ReasonUnsupportedRecord},
	{ErrUnsupportedDevice, ReasonUnsupportedDevice},
	{ErrNoKey, ReasonNoKey},
	{ErrDuplicate, ReasonDuplicate},
	{ErrImplausible, ReasonImplausible},
}

// SkipReason returns the short reason for a skip outcome, or "" if err is not one.
func SkipReason(err error) string {
	for _, s := range skipReasons {
		if errors.Is(err, s.err) {
			return s.reason
		}
	}
	return ""
}

// IsSkip reports whether err means "no reading for this advertisement" rather
// than a failure.
func IsSkip(err error) bool {
	return SkipReason(err) != ""
}

// Options tune the offset search.
type Options struct {
	// MaxOffset is the highest ciphertext offset tried.
	MaxOffset int
	// RecordHeaderBits are skipped from the plaintext before the first field.
	RecordHeaderBits int
	// DropImplausible turns a reading with no plausible offset into ErrImplausible.
	DropImplausible bool
	Ranges          validation.Ranges
}

// OptionsFromConfig extracts the decoder settings.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxOffset:        cfg.Decoder.MaxOffset,
		RecordHeaderBits: cfg.Decoder.RecordHeaderBits,
		DropImplausible:  cfg.Decoder.DropImplausible,
		Ranges: validation.Ranges{
			MinVoltage: cfg.Decoder.Plausibility.MinVoltage,
			MaxVoltage: cfg.Decoder.Plausibility.MaxVoltage,
			MaxCurrent: cfg.Decoder.Plausibility.MaxCurrent,
		},
	}
}

// SearchResult is the outcome of the offset search for one frame.
type SearchResult struct {
	Record    domain.Record
	Offset    int
	Plausible bool
	Attempts  int
}

// Parser implements domain.ReadingParser.
type Parser struct {
	keys      *KeyRing
	tracker   *tracker.DuplicateTracker
	validator *validation.PlausibilityValidator
	opts      Options
	logger    zerolog.Logger
	now       func() time.Time
}

// NewParser creates a Parser from configuration. Device keys are loaded here;
// unusable ones are reported once through the KeyRing.
func NewParser(cfg *config.Config, tr *tracker.DuplicateTracker) *Parser {
	logger := log.With().Str("component", "parser").Logger()
	return New(NewKeyRing(cfg.Devices, logger), tr, OptionsFromConfig(cfg), logger)
}

// New creates a Parser. A nil tracker disables duplicate suppression.
func New(keys *KeyRing, tr *tracker.DuplicateTracker, opts Options, logger zerolog.Logger) *Parser {
	return &Parser{
		keys:      keys,
		tracker:   tr,
		validator: validation.NewPlausibilityValidator(opts.Ranges, logger),
		opts:      opts,
		logger:    logger,
		now:       time.Now,
	}
}

// Keys returns the parser's key ring.
func (p *Parser) Keys() *KeyRing {
	return p.keys
}

// Validator returns the plausibility validator used by the offset search.
func (p *Parser) Validator() *validation.PlausibilityValidator {
	return p.validator
}

// Parse implements domain.ReadingParser.Parse. adv.Data is manufacturer data
// with the company id already stripped. Skip outcomes come back as errors for
// which IsSkip is true.
func (p *Parser) Parse(ctx context.Context, adv domain.Advertisement) (*domain.Reading, error) {
	if ctx.Err() != nil {
		return nil, fmt.Errorf("context error: %w", ctx.Err())
	}

	mac, err := domain.NormalizeMAC(adv.MAC)
	if err != nil {
		return nil, err
	}

	frame, kind, err := p.classify(adv.Data)
	if err != nil {
		p.logger.Trace().Err(err).Str("mac", mac).Msg("Skipping advertisement")
		return nil, err
	}

	key, ok := p.keys.Lookup(mac)
	if !ok {
		p.logger.Trace().Str("mac", mac).Stringer("kind", kind).Msg("Skipping advertisement: no key")
		return nil, fmt.Errorf("%s: %w", mac, ErrNoKey)
	}

	if p.tracker != nil && p.tracker.IsDuplicate(mac, frame.Counter) {
		p.logger.Trace().Str("mac", mac).Uint16("counter", frame.Counter).Msg("Duplicate frame")
		return nil, fmt.Errorf("%s counter %d: %w", mac, frame.Counter, ErrDuplicate)
	}

	result, err := p.Search(key, frame, kind)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", mac, err)
	}

	if !result.Plausible {
		p.logger.Debug().
			Str("mac", mac).
			Uint16("counter", frame.Counter).
			Int("attempts", result.Attempts).
			Bool("dropped", p.opts.DropImplausible).
			Msg("No plausible offset, using offset 0")
		if p.opts.DropImplausible {
			return nil, fmt.Errorf("%s counter %d: %w", mac, frame.Counter, ErrImplausible)
		}
	}

	// Commit only after a successful decode. A concurrent Parse of the same
	// frame may have won the race.
	if p.tracker != nil && !p.tracker.Accept(mac, frame.Counter) {
		return nil, fmt.Errorf("%s counter %d: %w", mac, frame.Counter, ErrDuplicate)
	}

	reading := p.buildReading(mac, adv, frame, result)

	checked := p.validator.ValidateRecord(reading.Record)
	for _, w := range checked.Warnings {
		p.logger.Debug().
			Str("mac", mac).
			Str("type", w.Type).
			Str("field", w.Field).
			Interface("value", w.Value).
			Msg(w.Message)
	}

	p.logger.Debug().
		Str("mac", mac).
		Stringer("kind", kind).
		Uint16("counter", frame.Counter).
		Int("offset", result.Offset).
		Bool("plausible", result.Plausible).
		Msg("Decoded reading")

	return reading, nil
}

// classify parses the header and maps it to a decodable kind.
func (p *Parser) classify(data []byte) (*protocol.AdvertisementFrame, domain.DeviceKind, error) {
	frame, err := protocol.ParseHeader(data)
	if err != nil {
		return nil, domain.KindUnsupported, err
	}

	kind := protocol.Classify(frame.ModelID, frame.Mode)
	if kind == domain.KindUnsupported {
		return frame, kind, fmt.Errorf("model 0x%04X mode %s: %w",
			frame.ModelID, protocol.ModeName(frame.Mode), ErrUnsupportedDevice)
	}
	return frame, kind, nil
}

// Search decrypts the ciphertext at increasing offsets and returns the first
// decode whose voltage and current are plausible. When none is, the offset 0
// decode is returned with Plausible false. An empty ciphertext yields a record
// with every field unavailable.
func (p *Parser) Search(key protocol.Key, frame *protocol.AdvertisementFrame, kind domain.DeviceKind) (SearchResult, error) {
	ct := frame.Ciphertext
	attempts := min(p.opts.MaxOffset+1, len(ct))
	if attempts <= 0 {
		return SearchResult{Record: protocol.DecodeRecord(kind, nil, p.opts.RecordHeaderBits)}, nil
	}

	var fallback domain.Record
	for offset := 0; offset < attempts; offset++ {
		plaintext, err := protocol.Decrypt(key[:], frame.Counter, ct[offset:])
		if err != nil {
			return SearchResult{}, err
		}

		rec := protocol.DecodeRecord(kind, plaintext, p.opts.RecordHeaderBits)
		if p.validator.Plausible(rec.Voltage(), rec.Current()) {
			return SearchResult{Record: rec, Offset: offset, Plausible: true, Attempts: offset + 1}, nil
		}
		if offset == 0 {
			fallback = rec
		}
	}

	return SearchResult{Record: fallback, Attempts: attempts}, nil
}

func (p *Parser) buildReading(mac string, adv domain.Advertisement, frame *protocol.AdvertisementFrame, result SearchResult) *domain.Reading {
	ts := adv.ReceivedAt
	if ts.IsZero() {
		ts = p.now()
	}

	var rssi *int
	if adv.RSSI != nil {
		v := *adv.RSSI
		rssi = &v
	}

	return &domain.Reading{
		MAC:       mac,
		Name:      p.keys.Name(mac),
		ModelID:   frame.ModelID,
		ModelName: protocol.ModelName(frame.ModelID),
		Counter:   frame.Counter,
		RSSI:      rssi,
		Timestamp: ts,
		Offset:    result.Offset,
		Plausible: result.Plausible,
		Record:    result.Record,
	}
}
