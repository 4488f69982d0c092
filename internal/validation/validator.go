// Package validation provides plausibility checks for decoded Victron records.
package validation

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"

	"github.com/resident-x/go-victron/internal/domain"
	"github.com/rs/zerolog"
)

// Severity values used by ValidationError.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// ValidationError represents a validation failure with severity and context.
type ValidationError struct {
	Type     string
	Severity string
	Message  string
	Field    string
	Value    interface{}
}

// Error implements the error interface.
func (ve *ValidationError) Error() string {
	return fmt.Sprintf("%s validation error in %s: %s", ve.Severity, ve.Field, ve.Message)
}

// ValidationResult contains the result of validating one record.
type ValidationResult struct {
	Valid    bool
	Errors   []*ValidationError
	Warnings []*ValidationError
}

// HasWarnings returns true if there are any validation warnings.
func (vr *ValidationResult) HasWarnings() bool {
	return len(vr.Warnings) > 0
}

// Ranges bounds a plausible battery-side reading. Both voltage limits are
// inclusive, as is MaxCurrent on the absolute current.
type Ranges struct {
	MinVoltage float64
	MaxVoltage float64
	MaxCurrent float64
}

// DefaultRanges covers 12 V to 48 V nominal systems.
func DefaultRanges() Ranges {
	return Ranges{MinVoltage: 10.0, MaxVoltage: 150.0, MaxCurrent: 1000.0}
}

// RecordRule is an advisory check over a decoded record. Rules only produce
// warnings; plausibility alone decides whether a decode is accepted.
type RecordRule struct {
	Name  string
	Field string
	Check func(rec domain.Record) *ValidationError
}

// PlausibilityValidator judges whether a candidate decode looks like real data.
type PlausibilityValidator struct {
	ranges Ranges
	logger zerolog.Logger
	rules  []*RecordRule

	// Statistics
	checksPerformed  atomic.Int64
	rejections       atomic.Int64
	recordsValidated atomic.Int64
	warningsFound    atomic.Int64
}

// NewPlausibilityValidator creates a validator with the default record rules.
func NewPlausibilityValidator(ranges Ranges, logger zerolog.Logger) *PlausibilityValidator {
	v := &PlausibilityValidator{
		ranges: ranges,
		logger: logger.With().Str("component", "validator").Logger(),
	}
	v.registerDefaultRules()
	return v
}

// Check returns nil when voltage and current fall inside the configured ranges.
// A missing voltage is implausible. A missing current counts as zero.
func (pv *PlausibilityValidator) Check(voltage, current *float64) *ValidationError {
	pv.checksPerformed.Add(1)

	verr := pv.check(voltage, current)
	if verr != nil {
		pv.rejections.Add(1)
		pv.logger.Trace().
			Str("field", verr.Field).
			Interface("value", verr.Value).
			Msg(verr.Message)
	}
	return verr
}

func (pv *PlausibilityValidator) check(voltage, current *float64) *ValidationError {
	if voltage == nil {
		return &ValidationError{
			Type:     "plausibility",
			Severity: SeverityError,
			Message:  "voltage not available",
			Field:    "voltage",
		}
	}
	if *voltage < pv.ranges.MinVoltage || *voltage > pv.ranges.MaxVoltage || math.IsNaN(*voltage) {
		return &ValidationError{
			Type:     "plausibility",
			Severity: SeverityError,
			Message: fmt.Sprintf("voltage %.2f outside %.2f..%.2f",
				*voltage, pv.ranges.MinVoltage, pv.ranges.MaxVoltage),
			Field: "voltage",
			Value: *voltage,
		}
	}
	if current != nil && (math.Abs(*current) > pv.ranges.MaxCurrent || math.IsNaN(*current)) {
		return &ValidationError{
			Type:     "plausibility",
			Severity: SeverityError,
			Message:  fmt.Sprintf("current %.3f exceeds %.1f", *current, pv.ranges.MaxCurrent),
			Field:    "current",
			Value:    *current,
		}
	}
	return nil
}

// Plausible reports whether Check accepts the pair.
func (pv *PlausibilityValidator) Plausible(voltage, current *float64) bool {
	return pv.Check(voltage, current) == nil
}

// ValidateRecord runs the plausibility check on the record's battery-side
// values and then every advisory rule. Unlike Check it does not count as an
// offset-search rejection.
func (pv *PlausibilityValidator) ValidateRecord(rec domain.Record) *ValidationResult {
	pv.recordsValidated.Add(1)
	result := &ValidationResult{Valid: true}

	if verr := pv.check(rec.Voltage(), rec.Current()); verr != nil {
		result.Valid = false
		result.Errors = append(result.Errors, verr)
	}

	for _, rule := range pv.rules {
		if w := rule.Check(rec); w != nil {
			result.Warnings = append(result.Warnings, w)
			pv.warningsFound.Add(1)
		}
	}

	return result
}

// GetStatistics returns validation statistics.
func (pv *PlausibilityValidator) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"checks_performed":  pv.checksPerformed.Load(),
		"rejections":        pv.rejections.Load(),
		"records_validated": pv.recordsValidated.Load(),
		"warnings_found":    pv.warningsFound.Load(),
		"record_rules":      len(pv.rules),
	}
}

func (pv *PlausibilityValidator) registerDefaultRules() {
	pv.rules = []*RecordRule{
		{
			Name:  "truncated_record",
			Field: "record",
			Check: func(rec domain.Record) *ValidationError {
				if !rec.Truncated {
					return nil
				}
				return &ValidationError{
					Type:     "data_integrity",
					Severity: SeverityWarning,
					Message:  "plaintext ended before the last field",
					Field:    "record",
				}
			},
		},
		{
			Name:  "state_of_charge_range",
			Field: "soc",
			Check: func(rec domain.Record) *ValidationError {
				soc := rec.StateOfCharge()
				if soc == nil || (*soc >= 0 && *soc <= 100) {
					return nil
				}
				return &ValidationError{
					Type:     "data_integrity",
					Severity: SeverityWarning,
					Message:  fmt.Sprintf("state of charge %.1f above 100%%", *soc),
					Field:    "soc",
					Value:    *soc,
				}
			},
		},
		{
			Name:  "battery_alarm",
			Field: "alarm_reason",
			Check: func(rec domain.Record) *ValidationError {
				if rec.BatteryMonitor == nil || rec.BatteryMonitor.AlarmReason == 0 {
					return nil
				}
				return &ValidationError{
					Type:     "device",
					Severity: SeverityWarning,
					Message:  "alarm active: " + strings.Join(rec.BatteryMonitor.Alarms, ", "),
					Field:    "alarm_reason",
					Value:    rec.BatteryMonitor.AlarmReason,
				}
			},
		},
	}
}
