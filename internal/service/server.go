// Package service wires sources, the decoder and sinks into the running service.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/resident-x/go-victron/internal/api"
	"github.com/resident-x/go-victron/internal/config"
	"github.com/resident-x/go-victron/internal/domain"
	"github.com/resident-x/go-victron/internal/history"
	"github.com/resident-x/go-victron/internal/parser"
	"github.com/resident-x/go-victron/internal/relay"
	"github.com/resident-x/go-victron/internal/source"
	"github.com/resident-x/go-victron/internal/tracker"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// sinkTimeout bounds a single sink publish.
const sinkTimeout = 2 * time.Second

// retentionInterval is how often old history is pruned.
const retentionInterval = time.Hour

// statusTimeout bounds the history count reported on GET /status.
const statusTimeout = 2 * time.Second

// ReadingServer runs the advertisement pipeline: sources feed one bounded
// queue, a single consumer decodes and fans readings out to sinks.
type ReadingServer struct {
	config    *config.Config
	parser    *parser.Parser
	tracker   *tracker.DuplicateTracker
	registry  *domain.DeviceRegistry
	apiServer *api.Server
	history   *history.Store
	gateway   *source.Gateway
	relay     *relay.UDPSink
	sources   []domain.AdvertisementSource
	sinks     []domain.ReadingSink
	queue     chan domain.Advertisement
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    zerolog.Logger
	startTime time.Time

	processed atomic.Int64
	decoded   atomic.Int64
	sinkFails atomic.Int64
}

// NewReadingServer builds the pipeline from configuration. Sources and sinks
// are created for every enabled section.
func NewReadingServer(cfg *config.Config) (*ReadingServer, error) {
	logger := log.With().Str("component", "server").Logger()

	tr := tracker.New(cfg.Tracker.IdleEviction, log.With().Str("component", "tracker").Logger())
	p := parser.NewParser(cfg, tr)

	registry := domain.NewDeviceRegistry()
	for _, mac := range p.Keys().MACs() {
		registry.Register(mac, p.Keys().Name(mac))
	}

	s := &ReadingServer{
		config:   cfg,
		parser:   p,
		tracker:  tr,
		registry: registry,
		queue:    make(chan domain.Advertisement, cfg.QueueSize),
		logger:   logger,
	}

	if err := s.setupSinks(); err != nil {
		s.closeSinks()
		return nil, err
	}
	s.setupSources()
	s.registerStatus()

	return s, nil
}

func (s *ReadingServer) setupSinks() error {
	var cache *api.ReadingCache
	if s.config.API.Enabled {
		c, err := api.NewReadingCache(api.DefaultCacheConfig(s.config.API.StaleAfter))
		if err != nil {
			return err
		}
		cache = c
		s.AddSink(cache)
	}

	if s.config.History.Enabled {
		store, err := history.Open(s.config.History.Path)
		if err != nil {
			return err
		}
		s.history = store
		s.AddSink(store)
	}

	if s.config.Relay.Enabled {
		sink, err := relay.NewUDPSink(s.config.Relay.Address)
		if err != nil {
			return err
		}
		s.relay = sink
		s.AddSink(sink)
	}

	if s.config.API.Enabled {
		// A nil *history.Store must not become a non-nil interface.
		var hr api.HistoryReader
		if s.history != nil {
			hr = s.history
		}
		s.apiServer = api.NewServer(s.config, s.registry, cache, hr)
	}

	return nil
}

func (s *ReadingServer) setupSources() {
	if s.config.Gateway.Enabled {
		s.gateway = source.NewGateway(s.config)
		s.AddSource(s.gateway)
	}
	if s.config.Replay.File != "" {
		s.AddSource(source.NewReplay(s.config.Replay.File, s.config.Replay.Interval, s.config.Replay.Loop))
	}
}

// registerStatus exposes component counters on GET /api/v1/status.
func (s *ReadingServer) registerStatus() {
	if s.apiServer == nil {
		return
	}

	s.apiServer.AddStatusSection("pipeline", func() interface{} {
		processed, decoded, sinkFailures := s.Stats()
		return map[string]interface{}{
			"processed":     processed,
			"decoded":       decoded,
			"sink_failures": sinkFailures,
			"queue_length":  len(s.queue),
			"queue_size":    cap(s.queue),
		}
	})
	s.apiServer.AddStatusSection("validator", func() interface{} {
		return s.parser.Validator().GetStatistics()
	})
	s.apiServer.AddStatusSection("tracker", func() interface{} {
		return map[string]interface{}{
			"devices": s.tracker.Len(),
			"entries": s.tracker.Entries(),
		}
	})

	if s.gateway != nil {
		s.apiServer.AddStatusSection("gateway", func() interface{} {
			received, dropped, invalid := s.gateway.Stats()
			return map[string]int64{"received": received, "dropped": dropped, "invalid": invalid}
		})
	}
	if s.relay != nil {
		s.apiServer.AddStatusSection("relay", func() interface{} {
			sent, failed := s.relay.Stats()
			return map[string]int64{"sent": sent, "failed": failed}
		})
	}
	if s.history != nil {
		s.apiServer.AddStatusSection("history", func() interface{} {
			ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
			defer cancel()
			n, err := s.history.Count(ctx)
			if err != nil {
				return map[string]interface{}{"error": err.Error()}
			}
			return map[string]interface{}{"readings": n}
		})
	}
}

// AddSource registers an extra source. Must be called before Start.
func (s *ReadingServer) AddSource(src domain.AdvertisementSource) {
	s.sources = append(s.sources, src)
}

// AddSink registers an extra sink. Must be called before Start.
func (s *ReadingServer) AddSink(sink domain.ReadingSink) {
	s.sinks = append(s.sinks, sink)
}

// Registry returns the device registry.
func (s *ReadingServer) Registry() domain.Registry {
	return s.registry
}

// Stats returns the number of advertisements processed, readings decoded and
// failed sink publishes.
func (s *ReadingServer) Stats() (processed, decoded, sinkFailures int64) {
	return s.processed.Load(), s.decoded.Load(), s.sinkFails.Load()
}

// Start launches the consumer, sources and background jobs.
func (s *ReadingServer) Start(ctx context.Context) error {
	s.startTime = time.Now()

	if len(s.sources) == 0 {
		s.logger.Warn().Msg("No advertisement source configured")
	}
	if s.parser.Keys().Len() == 0 {
		s.logger.Warn().Msg("No usable device keys, every advertisement will be skipped")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if s.apiServer != nil {
		if err := s.apiServer.Start(runCtx); err != nil {
			cancel()
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.consume(runCtx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.tracker.Run(runCtx)
	}()

	if s.history != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.history.RunRetention(runCtx, s.config.History.Retention, retentionInterval)
		}()
	}

	for _, src := range s.sources {
		s.wg.Add(1)
		go func(src domain.AdvertisementSource) {
			defer s.wg.Done()
			s.runSource(runCtx, src)
		}(src)
	}

	s.logger.Info().
		Int("sources", len(s.sources)).
		Int("sinks", len(s.sinks)).
		Int("devices", s.parser.Keys().Len()).
		Int("queue_size", cap(s.queue)).
		Msg("Server started")

	return nil
}

func (s *ReadingServer) runSource(ctx context.Context, src domain.AdvertisementSource) {
	logger := s.logger.With().Str("source", src.Name()).Logger()
	logger.Info().Msg("Source starting")

	if err := src.Run(ctx, s.queue); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("Source failed")
		return
	}
	logger.Info().Msg("Source finished")
}

// consume is the single decode loop.
func (s *ReadingServer) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case adv := <-s.queue:
			s.process(ctx, adv)
		}
	}
}

// process decodes one advertisement, updates the registry and fans out the reading.
func (s *ReadingServer) process(ctx context.Context, adv domain.Advertisement) {
	s.processed.Add(1)

	mac, err := domain.NormalizeMAC(adv.MAC)
	if err != nil {
		s.logger.Debug().Err(err).Str("source", adv.Source).Msg("Dropping advertisement with invalid address")
		return
	}

	at := adv.ReceivedAt
	if at.IsZero() {
		at = time.Now()
	}
	s.registry.RecordFrame(mac, adv.RSSI, at)

	reading, err := s.parser.Parse(ctx, adv)
	if err != nil {
		if reason := parser.SkipReason(err); reason != "" {
			s.registry.RecordSkip(mac, reason)
			return
		}
		if ctx.Err() == nil {
			s.logger.Warn().Err(err).Str("mac", mac).Msg("Failed to decode advertisement")
		}
		return
	}

	s.decoded.Add(1)
	s.registry.RecordReading(reading)

	for _, sink := range s.sinks {
		sinkCtx, cancel := context.WithTimeout(ctx, sinkTimeout)
		err := sink.Publish(sinkCtx, reading)
		cancel()
		if err != nil {
			s.sinkFails.Add(1)
			s.logger.Warn().
				Err(err).
				Str("sink", sink.Name()).
				Str("mac", reading.MAC).
				Msg("Failed to publish reading")
		}
	}
}

// Stop cancels the pipeline, waits for it to drain and releases sinks.
func (s *ReadingServer) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping server")

	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("timed out waiting for pipeline: %w", ctx.Err()))
	}

	if s.apiServer != nil {
		if err := s.apiServer.Stop(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Failed to stop API server")
			errs = append(errs, err)
		}
	}

	if err := s.closeSinks(); err != nil {
		errs = append(errs, err)
	}

	processed, decoded, sinkFailures := s.Stats()
	s.logger.Info().
		Int64("processed", processed).
		Int64("decoded", decoded).
		Int64("sink_failures", sinkFailures).
		Dur("uptime", time.Since(s.startTime)).
		Msg("Server stopped")

	return errors.Join(errs...)
}

func (s *ReadingServer) closeSinks() error {
	var errs []error
	for _, sink := range s.sinks {
		if err := sink.Close(); err != nil {
			s.logger.Error().Err(err).Str("sink", sink.Name()).Msg("Failed to close sink")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
