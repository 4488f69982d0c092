package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/resident-x/go-victron/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMAC = "C0:3B:98:39:E6:FE"

func ptr(v float64) *float64 { return &v }

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func batteryReading(mac string, counter uint16, at time.Time, volts float64) *domain.Reading {
	return &domain.Reading{
		MAC:       mac,
		Counter:   counter,
		Timestamp: at,
		Plausible: true,
		Record: domain.Record{
			Kind: domain.KindBatteryMonitor,
			BatteryMonitor: &domain.BatteryMonitor{
				Voltage:       ptr(volts),
				Current:       ptr(-2.0),
				StateOfCharge: ptr(90),
			},
		},
	}
}

func TestSaveAndHistoryNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Save(ctx, batteryReading(testMAC, uint16(i), base.Add(time.Duration(i)*time.Minute), 12.5+float64(i)/10)))
	}
	require.NoError(t, s.Publish(ctx, batteryReading("E8:86:01:5D:79:38", 9, base, 13.0)))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)

	readings, err := s.History(ctx, "c0:3b:98:39:e6:fe", 3)
	require.NoError(t, err)
	require.Len(t, readings, 3)
	assert.Equal(t, uint16(4), readings[0].Counter)
	assert.Equal(t, uint16(3), readings[1].Counter)
	assert.Equal(t, uint16(2), readings[2].Counter)

	first := readings[0]
	assert.Equal(t, testMAC, first.MAC)
	assert.Equal(t, domain.KindBatteryMonitor, first.Kind)
	require.NotNil(t, first.BatteryMonitor)
	assert.InDelta(t, 12.9, *first.Voltage(), 1e-9)
	assert.True(t, first.Timestamp.Equal(base.Add(4*time.Minute)))

	all, err := s.History(ctx, testMAC, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestHistoryInvalidMAC(t *testing.T) {
	s := openTestStore(t)
	_, err := s.History(context.Background(), "nope", 10)
	assert.Error(t, err)
}

func TestSaveNullableColumns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r := batteryReading(testMAC, 1, time.Now(), 0)
	r.BatteryMonitor.Voltage = nil
	r.BatteryMonitor.StateOfCharge = nil
	require.NoError(t, s.Save(ctx, r))

	var row readingRow
	require.NoError(t, s.db.GetContext(ctx, &row, `SELECT * FROM readings LIMIT 1`))
	assert.False(t, row.Voltage.Valid)
	assert.False(t, row.Power.Valid)
	assert.False(t, row.SOC.Valid)
	assert.True(t, row.Current.Valid)
	assert.Equal(t, "battery_monitor", row.Kind)
}

func TestPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Save(ctx, batteryReading(testMAC, 1, now.Add(-48*time.Hour), 12.0)))
	require.NoError(t, s.Save(ctx, batteryReading(testMAC, 2, now.Add(-25*time.Hour), 12.1)))
	require.NoError(t, s.Save(ctx, batteryReading(testMAC, 3, now, 12.2)))

	removed, err := s.Prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	readings, err := s.History(ctx, testMAC, 10)
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, uint16(3), readings[0].Counter)
}

func TestRunRetention(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Save(ctx, batteryReading(testMAC, 1, time.Now().Add(-time.Hour), 12.0)))

	done := make(chan struct{})
	go func() {
		s.RunRetention(ctx, time.Minute, 10*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		n, err := s.Count(context.Background())
		return err == nil && n == 0
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	<-done
}

func TestRunRetentionDisabled(t *testing.T) {
	s := openTestStore(t)
	// Returns immediately when retention is off.
	s.RunRetention(context.Background(), 0, time.Millisecond)
}
