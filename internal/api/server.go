// Package api provides the HTTP JSON API of the go-victron service.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/resident-x/go-victron/internal/config"
	"github.com/resident-x/go-victron/internal/domain"
	"github.com/resident-x/go-victron/internal/parser"
	"github.com/resident-x/go-victron/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// maxDecodeBody bounds POST /decode request bodies.
const maxDecodeBody = 4096

// HistoryReader provides stored readings for a device.
type HistoryReader interface {
	History(ctx context.Context, mac string, limit int) ([]domain.Reading, error)
}

// StatusFunc reports one component section of GET /status.
type StatusFunc func() interface{}

// Server represents the HTTP API server.
type Server struct {
	config    *config.Config
	server    *http.Server
	router    *mux.Router
	registry  domain.Registry
	cache     *ReadingCache
	history   HistoryReader
	logger    zerolog.Logger
	startTime time.Time

	sectionsMu sync.RWMutex
	sections   map[string]StatusFunc
}

// NewServer creates a new HTTP API server. cache and history may be nil.
func NewServer(cfg *config.Config, registry domain.Registry, cache *ReadingCache, history HistoryReader) *Server {
	router := mux.NewRouter()

	// Create logger with API component context
	logger := log.With().Str("component", "api").Logger()

	apiServer := &Server{
		config:    cfg,
		router:    router,
		registry:  registry,
		cache:     cache,
		history:   history,
		logger:    logger,
		startTime: time.Now(),
		sections:  make(map[string]StatusFunc),
	}

	apiServer.setupRoutes()

	return apiServer
}

// setupRoutes configures all API endpoint handlers.
func (s *Server) setupRoutes() {
	// API versioning
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/status", s.handleStatus).Methods("GET")

	// Device endpoints
	api.HandleFunc("/devices", s.handleListDevices).Methods("GET")
	api.HandleFunc("/devices/{mac}", s.handleGetDevice).Methods("GET")
	api.HandleFunc("/devices/{mac}/history", s.handleDeviceHistory).Methods("GET")

	api.HandleFunc("/readings", s.handleReadings).Methods("GET")
	api.HandleFunc("/decode", s.handleDecode).Methods("POST")
}

// AddStatusSection registers fn under name in the "components" object of
// GET /status. A later registration under the same name replaces it.
func (s *Server) AddStatusSection(name string, fn StatusFunc) {
	s.sectionsMu.Lock()
	defer s.sectionsMu.Unlock()
	s.sections[name] = fn
}

// GetRouter returns the router for testing purposes.
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.API.Host, s.config.API.Port)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info().
			Str("host", s.config.API.Host).
			Int("port", s.config.API.Port).
			Msg("Starting HTTP API server")

		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping HTTP API server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown error: %w", err)
		}
	}

	return nil
}

// handleStatus returns service counters aggregated over all devices.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	devices := s.registry.GetAllDevices()

	var frames, readings int64
	skips := make(map[string]int)
	for _, d := range devices {
		frames += d.Frames
		readings += d.Readings
		for reason, n := range d.Skips {
			skips[reason] += n
		}
	}

	s.sectionsMu.RLock()
	components := make(map[string]interface{}, len(s.sections))
	for name, fn := range s.sections {
		components[name] = fn()
	}
	s.sectionsMu.RUnlock()

	s.writeJSON(w, map[string]interface{}{
		"status":      "ok",
		"version":     config.Version,
		"uptime":      time.Since(s.startTime).String(),
		"frames":      frames,
		"readings":    readings,
		"skips":       skips,
		"deviceCount": len(devices),
		"components":  components,
	}, http.StatusOK)
}

// handleListDevices returns all known devices.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.registry.GetAllDevices()

	s.writeJSON(w, map[string]interface{}{
		"devices": devices,
		"count":   len(devices),
	}, http.StatusOK)
}

// handleGetDevice returns one device.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	mac := mux.Vars(r)["mac"]

	device, found := s.registry.GetDevice(mac)
	if !found {
		s.writeError(w, "Device not found", http.StatusNotFound)
		return
	}

	s.writeJSON(w, device, http.StatusOK)
}

// handleReadings returns the latest reading of every device that is still fresh.
func (s *Server) handleReadings(w http.ResponseWriter, _ *http.Request) {
	if s.cache == nil {
		s.writeError(w, "Reading cache disabled", http.StatusServiceUnavailable)
		return
	}

	devices := s.registry.GetAllDevices()
	macs := make([]string, 0, len(devices))
	for _, d := range devices {
		macs = append(macs, d.MAC)
	}
	readings := s.cache.Fresh(macs)

	s.writeJSON(w, map[string]interface{}{
		"readings":   readings,
		"count":      len(readings),
		"staleAfter": s.cache.StaleAfter().String(),
	}, http.StatusOK)
}

// handleDeviceHistory returns stored readings of one device, newest first.
func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, "History disabled", http.StatusServiceUnavailable)
		return
	}

	mac, err := domain.NormalizeMAC(mux.Vars(r)["mac"])
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 0 {
			s.writeError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
	}

	readings, err := s.history.History(r.Context(), mac, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("mac", mac).Msg("History query failed")
		s.writeError(w, "History query failed", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, map[string]interface{}{
		"mac":      mac,
		"readings": readings,
		"count":    len(readings),
	}, http.StatusOK)
}

// DecodeRequest is the body of POST /decode.
type DecodeRequest struct {
	Key  string `json:"key"`
	Data string `json:"data"`
	MAC  string `json:"mac,omitempty"`
}

// handleDecode decodes one advertisement with a caller-supplied key. It never
// touches the duplicate tracker.
func (s *Server) handleDecode(w http.ResponseWriter, r *http.Request) {
	var req DecodeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDecodeBody)).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	key, err := protocol.ParseKey(req.Key)
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	data, err := protocol.ParseManufacturerHex(req.Data)
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	diag, err := parser.Diagnose(domain.Advertisement{MAC: req.MAC, Data: data, Source: "api"},
		key, parser.OptionsFromConfig(s.config), s.logger)
	if err != nil {
		status := http.StatusBadRequest
		if parser.IsSkip(err) {
			status = http.StatusUnprocessableEntity
		}
		s.writeError(w, err.Error(), status)
		return
	}

	s.writeJSON(w, diag, http.StatusOK)
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(errorResponse); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode error response")
	}
}
