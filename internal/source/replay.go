package source

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/resident-x/go-victron/internal/domain"
	"github.com/resident-x/go-victron/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ParseReplayLine parses one "MAC RSSI HEX" capture line. HEX is the full
// manufacturer data including the little-endian company id; RSSI may be "-".
// Blank lines and '#' comments return ok false.
func ParseReplayLine(line string) (adv domain.Advertisement, ok bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return domain.Advertisement{}, false, nil
	}

	fields := strings.Fields(line)
	if len(fields) != 3 {
		return domain.Advertisement{}, false, fmt.Errorf("expected 3 fields, got %d", len(fields))
	}

	mac, err := domain.NormalizeMAC(fields[0])
	if err != nil {
		return domain.Advertisement{}, false, err
	}

	var rssi *int
	if fields[1] != "-" {
		v, err := strconv.Atoi(fields[1])
		if err != nil {
			return domain.Advertisement{}, false, fmt.Errorf("invalid rssi %q", fields[1])
		}
		rssi = &v
	}

	raw, err := hex.DecodeString(fields[2])
	if err != nil {
		return domain.Advertisement{}, false, fmt.Errorf("invalid hex: %w", err)
	}
	data, err := protocol.StripManufacturerID(raw)
	if err != nil {
		return domain.Advertisement{}, false, err
	}

	return domain.Advertisement{MAC: mac, RSSI: rssi, Data: data, Source: "replay"}, true, nil
}

// FormatReplayLine renders an advertisement as a capture line.
func FormatReplayLine(adv domain.Advertisement) string {
	rssi := "-"
	if adv.RSSI != nil {
		rssi = strconv.Itoa(*adv.RSSI)
	}
	id := binary.LittleEndian.AppendUint16(nil, protocol.ManufacturerID)
	return fmt.Sprintf("%s %s %s%s", adv.MAC, rssi, hex.EncodeToString(id), hex.EncodeToString(adv.Data))
}

// ReadReplay reads every valid line from r. Malformed lines are logged and skipped.
func ReadReplay(r io.Reader, logger zerolog.Logger) ([]domain.Advertisement, error) {
	var advs []domain.Advertisement

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		adv, ok, err := ParseReplayLine(scanner.Text())
		if err != nil {
			logger.Warn().Err(err).Int("line", lineNo).Msg("Skipping malformed replay line")
			continue
		}
		if ok {
			advs = append(advs, adv)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading replay: %w", err)
	}

	return advs, nil
}

// Replay feeds advertisements from a capture file at a fixed interval.
type Replay struct {
	path     string
	interval time.Duration
	loop     bool
	logger   zerolog.Logger
	now      func() time.Time
}

// NewReplay creates a replay source. A zero interval sends as fast as the
// consumer accepts.
func NewReplay(path string, interval time.Duration, loop bool) *Replay {
	return &Replay{
		path:     path,
		interval: interval,
		loop:     loop,
		logger:   log.With().Str("component", "replay").Logger(),
		now:      time.Now,
	}
}

// Name implements domain.AdvertisementSource.
func (r *Replay) Name() string {
	return "replay"
}

// Run implements domain.AdvertisementSource. Unlike the gateway it blocks on a
// full queue, since a capture has no real-time deadline.
func (r *Replay) Run(ctx context.Context, out chan<- domain.Advertisement) error {
	f, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("failed to open replay file: %w", err)
	}
	advs, err := ReadReplay(f, r.logger)
	f.Close()
	if err != nil {
		return err
	}

	r.logger.Info().Str("file", r.path).Int("advertisements", len(advs)).Msg("Replay loaded")
	if len(advs) == 0 {
		return nil
	}

	var tick <-chan time.Time
	if r.interval > 0 {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for pass := 1; ; pass++ {
		for _, adv := range advs {
			if tick != nil {
				select {
				case <-ctx.Done():
					return nil
				case <-tick:
				}
			}

			adv.ReceivedAt = r.now()
			select {
			case <-ctx.Done():
				return nil
			case out <- adv:
			}
		}

		if !r.loop {
			r.logger.Info().Int("advertisements", len(advs)).Msg("Replay finished")
			return nil
		}
		r.logger.Debug().Int("pass", pass).Msg("Replay restarting")
	}
}
