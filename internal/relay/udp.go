package relay

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/resident-x/go-victron/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// UDPSink sends one frame per reading to the dashboard address.
type UDPSink struct {
	address string
	conn    net.Conn
	mu      sync.Mutex
	logger  zerolog.Logger

	sent   atomic.Int64
	failed atomic.Int64
}

// NewUDPSink resolves address and opens the datagram socket.
func NewUDPSink(address string) (*UDPSink, error) {
	conn, err := net.Dial("udp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to open relay socket to %s: %w", address, err)
	}

	logger := log.With().Str("component", "relay").Logger()
	logger.Info().Str("address", address).Msg("Dashboard relay enabled")

	return &UDPSink{
		address: address,
		conn:    conn,
		logger:  logger,
	}, nil
}

// Name implements domain.ReadingSink.
func (s *UDPSink) Name() string {
	return "relay"
}

// Publish implements domain.ReadingSink.
func (s *UDPSink) Publish(ctx context.Context, reading *domain.Reading) error {
	frame, err := FrameFromReading(reading)
	if err != nil {
		return err
	}
	data := EncodeFrame(frame)

	s.mu.Lock()
	defer s.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
	} else {
		_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	}

	if _, err := s.conn.Write(data); err != nil {
		s.failed.Add(1)
		return fmt.Errorf("failed to send relay frame: %w", err)
	}
	s.sent.Add(1)

	s.logger.Trace().
		Str("mac", reading.MAC).
		Uint16("counter", reading.Counter).
		Msg("Relayed reading")
	return nil
}

// Stats returns the number of frames sent and failed.
func (s *UDPSink) Stats() (sent, failed int64) {
	return s.sent.Load(), s.failed.Load()
}

// Close implements domain.ReadingSink.
func (s *UDPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}
