// Package main provides the go-victron command line.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "go-victron",
		Short: "go-victron - Victron BLE Instant Readout decoder",
		Long: `go-victron decodes the encrypted Instant Readout advertisements of
Victron battery monitors, solar chargers and AC chargers and serves the
readings over HTTP.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newServeCmd(), newDecodeCmd(), newVersionCmd())
	return rootCmd
}

// initLogger configures the global zerolog logger. When file is set, output is
// also written to a rotated log file, which is returned so it can be closed.
func initLogger(level, file string) *lumberjack.Logger {
	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

	var rotator *lumberjack.Logger
	if file != "" {
		rotator = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    10, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		out = zerolog.MultiLevelWriter(out, rotator)
	}

	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		fmt.Fprintf(os.Stderr, "Invalid log level '%s', defaulting to 'info'\n", level)
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)
	log.Logger = zerolog.New(out).
		With().
		Timestamp().
		Caller().
		Logger()

	return rotator
}
