package parser

import (
	"fmt"
	"time"

	"github.com/resident-x/go-victron/internal/domain"
	"github.com/resident-x/go-victron/internal/protocol"
	"github.com/rs/zerolog"
)

// Diagnosis describes how a single advertisement decoded with a given key.
type Diagnosis struct {
	Model    string          `json:"model,omitempty"`
	Mode     string          `json:"mode"`
	Attempts int             `json:"attempts"`
	Reading  *domain.Reading `json:"reading"`
}

// Diagnose decodes one advertisement with an explicit key and no duplicate
// tracking. adv.MAC may be empty.
func Diagnose(adv domain.Advertisement, key protocol.Key, opts Options, logger zerolog.Logger) (*Diagnosis, error) {
	mac := ""
	if adv.MAC != "" {
		normalized, err := domain.NormalizeMAC(adv.MAC)
		if err != nil {
			return nil, err
		}
		mac = normalized
	}

	p := New(&KeyRing{keys: map[string]protocol.Key{mac: key}}, nil, opts, logger)

	frame, kind, err := p.classify(adv.Data)
	if err != nil {
		return nil, err
	}

	result, err := p.Search(key, frame, kind)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if !result.Plausible && opts.DropImplausible {
		return nil, ErrImplausible
	}

	if adv.ReceivedAt.IsZero() {
		adv.ReceivedAt = time.Now()
	}

	return &Diagnosis{
		Model:    protocol.ModelName(frame.ModelID),
		Mode:     protocol.ModeName(frame.Mode),
		Attempts: result.Attempts,
		Reading:  p.buildReading(mac, adv, frame, result),
	}, nil
}
