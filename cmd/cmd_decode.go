package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/resident-x/go-victron/internal/config"
	"github.com/resident-x/go-victron/internal/domain"
	"github.com/resident-x/go-victron/internal/parser"
	"github.com/resident-x/go-victron/internal/protocol"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newDecodeCmd() *cobra.Command {
	var (
		keyHex     string
		mac        string
		maxOffset  int
		headerBits int
		drop       bool
	)

	defaults := config.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "decode [flags] HEX",
		Short: "Decode a single advertisement",
		Long: `Decode one manufacturer-data payload, with or without the e102 company
identifier, and print the reading together with the offset search outcome.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := protocol.ParseKey(keyHex)
			if err != nil {
				return err
			}

			data, err := protocol.ParseManufacturerHex(args[0])
			if err != nil {
				return err
			}

			cfg := config.DefaultConfig()
			cfg.Decoder.MaxOffset = maxOffset
			cfg.Decoder.RecordHeaderBits = headerBits
			cfg.Decoder.DropImplausible = drop
			if err := cfg.Validate(); err != nil {
				return err
			}

			adv := domain.Advertisement{MAC: mac, Data: data, ReceivedAt: time.Now(), Source: "cli"}
			diag, err := parser.Diagnose(adv, key, parser.OptionsFromConfig(cfg),
				log.With().Str("component", "decode").Logger())
			if err != nil {
				return fmt.Errorf("failed to decode advertisement: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(diag)
		},
	}

	cmd.Flags().StringVarP(&keyHex, "key", "k", "", "Device encryption key (32 hex digits)")
	cmd.Flags().StringVarP(&mac, "mac", "m", "", "Device MAC address")
	cmd.Flags().IntVar(&maxOffset, "max-offset", defaults.Decoder.MaxOffset, "Highest ciphertext offset to try")
	cmd.Flags().IntVar(&headerBits, "header-bits", defaults.Decoder.RecordHeaderBits, "Plaintext bits to skip before the first field")
	cmd.Flags().BoolVar(&drop, "drop-implausible", defaults.Decoder.DropImplausible, "Fail instead of returning an implausible reading")
	_ = cmd.MarkFlagRequired("key")

	return cmd
}
