// Package config provides configuration management for the go-victron application.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Version is the build version, set via -ldflags.
var Version = "dev"

// Config holds all application configuration.
type Config struct {
	// General settings
	LogLevel  string `mapstructure:"log_level"`
	LogFile   string `mapstructure:"log_file"`
	QueueSize int    `mapstructure:"queue_size"`

	// Devices maps BLE MAC addresses to their Instant Readout bindkeys
	Devices []DeviceConfig `mapstructure:"devices"`

	// Decoder settings
	Decoder struct {
		MaxOffset        int  `mapstructure:"max_offset"`
		RecordHeaderBits int  `mapstructure:"record_header_bits"`
		DropImplausible  bool `mapstructure:"drop_implausible"`

		Plausibility struct {
			MinVoltage float64 `mapstructure:"min_voltage"`
			MaxVoltage float64 `mapstructure:"max_voltage"`
			MaxCurrent float64 `mapstructure:"max_current"`
		} `mapstructure:"plausibility"`
	} `mapstructure:"decoder"`

	// Duplicate tracker settings
	Tracker struct {
		IdleEviction time.Duration `mapstructure:"idle_eviction"`
	} `mapstructure:"tracker"`

	// BLE gateway (MQTT) ingest settings
	Gateway struct {
		Enabled  bool   `mapstructure:"enabled"`
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		Topic    string `mapstructure:"topic"`
		ClientID string `mapstructure:"client_id"`
		QoS      byte   `mapstructure:"qos"`
	} `mapstructure:"gateway"`

	// Replay file settings
	Replay struct {
		File     string        `mapstructure:"file"`
		Interval time.Duration `mapstructure:"interval"`
		Loop     bool          `mapstructure:"loop"`
	} `mapstructure:"replay"`

	// HTTP API settings
	API struct {
		Enabled    bool          `mapstructure:"enabled"`
		Host       string        `mapstructure:"host"`
		Port       int           `mapstructure:"port"`
		StaleAfter time.Duration `mapstructure:"stale_after"`
	} `mapstructure:"api"`

	// Reading history settings
	History struct {
		Enabled   bool          `mapstructure:"enabled"`
		Path      string        `mapstructure:"path"`
		Retention time.Duration `mapstructure:"retention"`
	} `mapstructure:"history"`

	// Dashboard relay settings
	Relay struct {
		Enabled bool   `mapstructure:"enabled"`
		Address string `mapstructure:"address"`
	} `mapstructure:"relay"`
}

// DeviceConfig is one monitored Victron device.
type DeviceConfig struct {
	MAC  string `mapstructure:"mac"`
	Name string `mapstructure:"name"`
	Key  string `mapstructure:"key"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{
		LogLevel:  "info",
		QueueSize: 256,
	}

	// Default decoder settings
	cfg.Decoder.MaxOffset = 6
	cfg.Decoder.RecordHeaderBits = 0
	cfg.Decoder.DropImplausible = false
	cfg.Decoder.Plausibility.MinVoltage = 10.0
	cfg.Decoder.Plausibility.MaxVoltage = 150.0
	cfg.Decoder.Plausibility.MaxCurrent = 1000.0

	// Counters live for the process lifetime unless configured
	cfg.Tracker.IdleEviction = 0

	// Default gateway settings
	cfg.Gateway.Enabled = false
	cfg.Gateway.Host = "localhost"
	cfg.Gateway.Port = 1883
	cfg.Gateway.Topic = "victron/ble/+/adv"
	cfg.Gateway.QoS = 0

	// Default replay settings
	cfg.Replay.Interval = time.Second

	// Default API settings
	cfg.API.Enabled = true
	cfg.API.Host = "0.0.0.0"
	cfg.API.Port = 8080
	cfg.API.StaleAfter = 60 * time.Second

	// Default history settings
	cfg.History.Enabled = false
	cfg.History.Path = "victron.db"
	cfg.History.Retention = 7 * 24 * time.Hour

	// Default relay settings
	cfg.Relay.Enabled = false
	cfg.Relay.Address = "192.168.4.1:4210"

	return cfg
}

// Load reads the configuration from a file and environment variables.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Set up Viper
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Override with specific config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		// Config file not found, use defaults
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			fmt.Println("No configuration file found, using defaults")
		} else {
			// Other errors (like invalid YAML) should be returned
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	// Bind environment variables
	v.SetEnvPrefix("VICTRON")
	v.AutomaticEnv()

	// Unmarshal config
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks settings that would make the service misbehave. Device keys are
// checked separately so one bad key only disables that device.
func (c *Config) Validate() error {
	var errs []error

	if c.Decoder.MaxOffset < 0 {
		errs = append(errs, fmt.Errorf("decoder.max_offset must not be negative"))
	}
	if c.Decoder.RecordHeaderBits < 0 || c.Decoder.RecordHeaderBits%8 != 0 {
		errs = append(errs, fmt.Errorf("decoder.record_header_bits must be a non-negative multiple of 8"))
	}
	p := c.Decoder.Plausibility
	if p.MinVoltage > p.MaxVoltage {
		errs = append(errs, fmt.Errorf("decoder.plausibility.min_voltage %.2f exceeds max_voltage %.2f", p.MinVoltage, p.MaxVoltage))
	}
	if p.MaxCurrent < 0 {
		errs = append(errs, fmt.Errorf("decoder.plausibility.max_current must not be negative"))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("queue_size must be positive"))
	}
	if c.Tracker.IdleEviction < 0 {
		errs = append(errs, fmt.Errorf("tracker.idle_eviction must not be negative"))
	}

	return errors.Join(errs...)
}

// Print displays the current configuration.
func (c *Config) Print() {
	logger := log.With().Str("component", "config").Logger()
	logger.Info().Msg("go-victron Configuration:")
	logger.Info().Msg("-----------------------------")
	logger.Info().Str("log_level", c.LogLevel).Msg("Log Level")
	logger.Info().Int("queue_size", c.QueueSize).Msg("Queue Size")

	for _, d := range c.Devices {
		logger.Info().
			Str("mac", d.MAC).
			Str("name", d.Name).
			Bool("key_set", d.Key != "").
			Msg("Device")
	}

	logger.Info().
		Int("max_offset", c.Decoder.MaxOffset).
		Int("record_header_bits", c.Decoder.RecordHeaderBits).
		Bool("drop_implausible", c.Decoder.DropImplausible).
		Float64("min_voltage", c.Decoder.Plausibility.MinVoltage).
		Float64("max_voltage", c.Decoder.Plausibility.MaxVoltage).
		Float64("max_current", c.Decoder.Plausibility.MaxCurrent).
		Msg("Decoder")

	logger.Info().Dur("idle_eviction", c.Tracker.IdleEviction).Msg("Duplicate Tracker")

	logger.Info().Bool("enabled", c.Gateway.Enabled).Msg("Gateway Enabled")
	if c.Gateway.Enabled {
		logger.Info().
			Str("host", c.Gateway.Host).
			Int("port", c.Gateway.Port).
			Str("topic", c.Gateway.Topic).
			Msg("Gateway Configuration")
	}

	if c.Replay.File != "" {
		logger.Info().
			Str("file", c.Replay.File).
			Dur("interval", c.Replay.Interval).
			Bool("loop", c.Replay.Loop).
			Msg("Replay")
	}

	logger.Info().Bool("enabled", c.API.Enabled).Msg("API Enabled")
	if c.API.Enabled {
		logger.Info().
			Str("host", c.API.Host).
			Int("port", c.API.Port).
			Dur("stale_after", c.API.StaleAfter).
			Msg("API Server")
	}

	logger.Info().Bool("enabled", c.History.Enabled).Msg("History Enabled")
	if c.History.Enabled {
		logger.Info().
			Str("path", c.History.Path).
			Dur("retention", c.History.Retention).
			Msg("History")
	}

	logger.Info().Bool("enabled", c.Relay.Enabled).Msg("Relay Enabled")
	if c.Relay.Enabled {
		logger.Info().Str("address", c.Relay.Address).Msg("Relay")
	}

	logger.Info().Msg("-----------------------------")
}
