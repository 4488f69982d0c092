// Command adv-sim publishes Instant Readout advertisements to an MQTT broker
// the way a BLE gateway does. It either replays a capture file or synthesizes
// battery monitor frames for a device key.
package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/resident-x/go-victron/internal/domain"
	"github.com/resident-x/go-victron/internal/protocol"
	"github.com/resident-x/go-victron/internal/source"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// simModelID is reported for synthesized frames (BMV-712 Smart / SmartShunt).
const simModelID uint16 = 0x8302

// frameSource yields the next advertisement to publish.
type frameSource interface {
	Next() (domain.Advertisement, error)
}

// replayFrames cycles through a capture file.
type replayFrames struct {
	advs  []domain.Advertisement
	index int
}

func loadReplayFrames(path string, logger zerolog.Logger) (*replayFrames, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", path, err)
	}
	defer f.Close()

	advs, err := source.ReadReplay(f, logger)
	if err != nil {
		return nil, err
	}
	if len(advs) == 0 {
		return nil, fmt.Errorf("no advertisements found in file %s", path)
	}
	return &replayFrames{advs: advs}, nil
}

func (r *replayFrames) Next() (domain.Advertisement, error) {
	adv := r.advs[r.index]
	r.index = (r.index + 1) % len(r.advs)
	return adv, nil
}

// batteryFrames synthesizes a slowly discharging battery. Every frame carries
// a new counter so none is dropped as a duplicate.
type batteryFrames struct {
	key     protocol.Key
	mac     string
	counter uint16
	step    int
}

func newBatteryFrames(keyHex, mac string) (*batteryFrames, error) {
	key, err := protocol.ParseKey(keyHex)
	if err != nil {
		return nil, err
	}
	normalized, err := domain.NormalizeMAC(mac)
	if err != nil {
		return nil, err
	}
	return &batteryFrames{key: key, mac: normalized, counter: uint16(time.Now().Unix())}, nil
}

func (b *batteryFrames) Next() (domain.Advertisement, error) {
	b.counter++
	b.step++

	phase := float64(b.step) / 20
	voltage := 12.9 + 0.3*math.Sin(phase)
	current := -2.5 + 1.5*math.Cos(phase)
	soc := math.Max(0, 95-float64(b.step%900)/10)

	plain := protocol.EncodeBatteryMonitor(domain.BatteryMonitor{
		TimeToGoMinutes: uint16(soc * 12),
		Voltage:         &voltage,
		Aux:             domain.AuxReading{Input: domain.AuxNone},
		Current:         &current,
		ConsumedAh:      -float64(b.step%900) / 10,
		StateOfCharge:   &soc,
	})

	data, err := protocol.SealAdvertisement(b.key, simModelID, protocol.ModeBatteryMonitor, b.counter, plain)
	if err != nil {
		return domain.Advertisement{}, err
	}

	rssi := -60 - b.step%15
	return domain.Advertisement{MAC: b.mac, RSSI: &rssi, Data: data, Source: "adv-sim"}, nil
}

// Simulator publishes advertisements as gateway JSON reports.
type Simulator struct {
	client   mqtt.Client
	topic    string
	interval time.Duration
	count    int
	frames   frameSource
	logger   zerolog.Logger
}

// Run publishes until ctx is cancelled or count frames were sent. A zero
// count runs forever.
func (s *Simulator) Run(ctx context.Context) (int, error) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	sent := 0
	startTime := time.Now()

	for s.count == 0 || sent < s.count {
		adv, err := s.frames.Next()
		if err != nil {
			return sent, err
		}
		if err := s.publish(adv); err != nil {
			s.logger.Warn().Err(err).Str("mac", adv.MAC).Msg("Failed to publish advertisement")
		} else {
			sent++
			s.logger.Debug().
				Str("frame", source.FormatReplayLine(adv)).
				Int("sent", sent).
				Msg("Advertisement published")
			if sent%10 == 0 {
				s.logger.Info().
					Int("sent", sent).
					Dur("elapsed", time.Since(startTime).Round(time.Second)).
					Msg("Simulator progress")
			}
		}

		if s.count != 0 && sent >= s.count {
			break
		}

		select {
		case <-ctx.Done():
			return sent, nil
		case <-ticker.C:
		}
	}

	return sent, nil
}

func (s *Simulator) publish(adv domain.Advertisement) error {
	payload, err := source.EncodeGatewayReport(adv.MAC, adv.RSSI, adv.Data)
	if err != nil {
		return err
	}

	token := s.client.Publish(source.GatewayTopic(s.topic, adv.MAC), 0, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return errors.New("publish timed out")
	}
	return token.Error()
}

func connectMQTT(broker string) (mqtt.Client, error) {
	if _, _, err := net.SplitHostPort(broker); err != nil {
		return nil, fmt.Errorf("invalid broker address %q: %w", broker, err)
	}

	opts := mqtt.NewClientOptions().
		AddBroker("tcp://" + broker).
		SetClientID("adv-sim-" + uuid.NewString()).
		SetConnectTimeout(5 * time.Second).
		SetCleanSession(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, errors.New("timeout connecting to MQTT broker")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return client, nil
}

func newRootCmd() *cobra.Command {
	var (
		broker   string
		topic    string
		file     string
		keyHex   string
		mac      string
		interval time.Duration
		count    int
		verbose  bool
	)

	cmd := &cobra.Command{
		Use:   "adv-sim",
		Short: "Publish simulated Victron advertisements to MQTT",
		Long: `adv-sim publishes gateway JSON reports to an MQTT broker.

With --file it cycles through a capture of "MAC RSSI HEX" lines. With --key
and --mac it synthesizes encrypted battery monitor frames.`,
		Example: `  adv-sim --broker localhost:1883 --file capture.txt --interval 1s
  adv-sim --broker 192.168.1.10:1883 --key 6cb52976b1b82ab4d6bc4d24ee356c1b --mac C0:3B:98:39:E6:FE`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := zerolog.InfoLevel
			if verbose {
				level = zerolog.DebugLevel
			}
			logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
				Level(level).With().Timestamp().Str("component", "adv-sim").Logger()

			var frames frameSource
			switch {
			case file != "" && keyHex != "":
				return errors.New("use either --file or --key, not both")
			case file != "":
				r, err := loadReplayFrames(file, logger)
				if err != nil {
					return err
				}
				frames = r
			case keyHex != "":
				b, err := newBatteryFrames(keyHex, mac)
				if err != nil {
					return err
				}
				frames = b
			default:
				return errors.New("one of --file or --key is required")
			}
			if interval <= 0 {
				return fmt.Errorf("interval must be positive, got %s", interval)
			}

			client, err := connectMQTT(broker)
			if err != nil {
				return err
			}
			defer client.Disconnect(250)
			logger.Info().Str("broker", broker).Str("topic", topic).Msg("Connected to MQTT broker")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sim := &Simulator{client: client, topic: topic, interval: interval, count: count, frames: frames, logger: logger}
			sent, err := sim.Run(ctx)
			logger.Info().Int("sent", sent).Msg("Simulator stopped")
			return err
		},
	}

	cmd.Flags().StringVarP(&broker, "broker", "b", "localhost:1883", "MQTT broker address (host:port)")
	cmd.Flags().StringVarP(&topic, "topic", "t", "victron/ble/+/adv", "Topic pattern; '+' is replaced by the MAC")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Capture file to replay")
	cmd.Flags().StringVarP(&keyHex, "key", "k", "", "Device key for synthesized frames")
	cmd.Flags().StringVarP(&mac, "mac", "m", "C0:3B:98:39:E6:FE", "Device MAC for synthesized frames")
	cmd.Flags().DurationVarP(&interval, "interval", "i", time.Second, "Interval between advertisements")
	cmd.Flags().IntVarP(&count, "count", "n", 0, "Stop after this many advertisements (0 runs until interrupted)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	return cmd
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		log.Error().Err(err).Msg("adv-sim failed")
		os.Exit(1)
	}
}
