// Package history persists decoded readings in SQLite.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/resident-x/go-victron/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DefaultLimit is used when History is called without a positive limit.
const DefaultLimit = 100

// Store is a SQLite-backed reading history.
type Store struct {
	db     *sqlx.DB
	logger zerolog.Logger
}

// readingRow is one row of the readings table.
type readingRow struct {
	ID          int64           `db:"id"`
	MAC         string          `db:"mac"`
	Kind        string          `db:"kind"`
	Counter     int             `db:"counter"`
	TimestampMS int64           `db:"timestamp_ms"`
	Voltage     sql.NullFloat64 `db:"voltage"`
	Current     sql.NullFloat64 `db:"current"`
	Power       sql.NullFloat64 `db:"power"`
	SOC         sql.NullFloat64 `db:"soc"`
	Payload     string          `db:"payload"`
}

// Open connects to the database at path and creates the schema.
func Open(path string) (*Store, error) {
	logger := log.With().Str("component", "history").Logger()

	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		logger.Error().Err(err).Str("path", path).Msg("Failed to connect to database")
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	// SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info().Str("path", path).Msg("History store opened")
	return s, nil
}

func (s *Store) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		mac TEXT NOT NULL,
		kind TEXT NOT NULL,
		counter INTEGER NOT NULL,
		timestamp_ms INTEGER NOT NULL,
		voltage REAL,
		current REAL,
		power REAL,
		soc REAL,
		payload TEXT NOT NULL  -- JSON encoded reading
	);

	CREATE INDEX IF NOT EXISTS idx_readings_mac_time
		ON readings(mac, timestamp_ms);
	`

	if _, err := s.db.Exec(schema); err != nil {
		s.logger.Error().Err(err).Msg("Failed to create history tables")
		return fmt.Errorf("failed to create history tables: %w", err)
	}
	return nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

// Save stores one reading.
func (s *Store) Save(ctx context.Context, reading *domain.Reading) error {
	payload, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}

	query := `
	INSERT INTO readings (mac, kind, counter, timestamp_ms, voltage, current, power, soc, payload)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		reading.MAC,
		reading.Kind.String(),
		int(reading.Counter),
		reading.Timestamp.UnixMilli(),
		nullFloat(reading.Voltage()),
		nullFloat(reading.Current()),
		nullFloat(reading.Power()),
		nullFloat(reading.StateOfCharge()),
		string(payload),
	)
	if err != nil {
		s.logger.Error().Err(err).Str("mac", reading.MAC).Msg("Failed to save reading")
		return fmt.Errorf("failed to save reading: %w", err)
	}
	return nil
}

// Name implements domain.ReadingSink.
func (s *Store) Name() string {
	return "history"
}

// Publish implements domain.ReadingSink.
func (s *Store) Publish(ctx context.Context, reading *domain.Reading) error {
	return s.Save(ctx, reading)
}

// History returns up to limit readings for mac, newest first.
func (s *Store) History(ctx context.Context, mac string, limit int) ([]domain.Reading, error) {
	normalized, err := domain.NormalizeMAC(mac)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	var rows []readingRow
	query := `SELECT id, mac, kind, counter, timestamp_ms, voltage, current, power, soc, payload
	          FROM readings WHERE mac = ?
	          ORDER BY timestamp_ms DESC, id DESC
	          LIMIT ?`
	if err := s.db.SelectContext(ctx, &rows, query, normalized, limit); err != nil {
		return nil, fmt.Errorf("failed to query history for %s: %w", normalized, err)
	}

	readings := make([]domain.Reading, 0, len(rows))
	for _, row := range rows {
		var r domain.Reading
		if err := json.Unmarshal([]byte(row.Payload), &r); err != nil {
			s.logger.Warn().Err(err).Int64("id", row.ID).Msg("Skipping corrupt history row")
			continue
		}
		readings = append(readings, r)
	}
	return readings, nil
}

// Count returns the number of stored readings.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM readings`); err != nil {
		return 0, fmt.Errorf("failed to count readings: %w", err)
	}
	return n, nil
}

// Prune deletes readings older than before and returns how many were removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM readings WHERE timestamp_ms < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// RunRetention prunes readings older than retention every interval until ctx
// is done. A non-positive retention disables pruning.
func (s *Store) RunRetention(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Error().Err(err).Msg("Retention pruning failed")
				}
				continue
			}
			if n > 0 {
				s.logger.Info().Int64("removed", n).Dur("retention", retention).Msg("Pruned reading history")
			}
		}
	}
}

// Close implements domain.ReadingSink.
func (s *Store) Close() error {
	return s.db.Close()
}
