// Package source provides advertisement sources feeding the decode pipeline.
package source

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/resident-x/go-victron/internal/config"
	"github.com/resident-x/go-victron/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrNoVictronData is returned for scan reports without Victron manufacturer data.
var ErrNoVictronData = errors.New("no victron manufacturer data")

const victronCompanyKey = "02e1"

// GatewayReport is one scan result as published by a BLE-to-MQTT gateway.
// ManufacturerData is keyed by the 16-bit company id in hex; values hold the
// bytes that follow the company id.
type GatewayReport struct {
	Address          string            `json:"address"`
	RSSI             *int              `json:"rssi,omitempty"`
	ManufacturerData map[string]string `json:"manufacturer_data"`
}

// ParseGatewayReport decodes a gateway JSON payload into an Advertisement.
func ParseGatewayReport(payload []byte, receivedAt time.Time) (domain.Advertisement, error) {
	var report GatewayReport
	if err := json.Unmarshal(payload, &report); err != nil {
		return domain.Advertisement{}, fmt.Errorf("invalid gateway report: %w", err)
	}

	mac, err := domain.NormalizeMAC(report.Address)
	if err != nil {
		return domain.Advertisement{}, err
	}

	var dataHex string
	found := false
	for id, v := range report.ManufacturerData {
		if normalizeCompanyID(id) == victronCompanyKey {
			dataHex, found = v, true
			break
		}
	}
	if !found {
		return domain.Advertisement{}, ErrNoVictronData
	}

	data, err := hex.DecodeString(strings.TrimSpace(dataHex))
	if err != nil {
		return domain.Advertisement{}, fmt.Errorf("invalid manufacturer data for %s: %w", mac, err)
	}

	return domain.Advertisement{
		MAC:        mac,
		RSSI:       report.RSSI,
		Data:       data,
		ReceivedAt: receivedAt,
		Source:     "gateway",
	}, nil
}

func normalizeCompanyID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	id = strings.TrimPrefix(id, "0x")
	if len(id) < 4 {
		id = strings.Repeat("0", 4-len(id)) + id
	}
	return id
}

// EncodeGatewayReport builds the JSON payload a gateway publishes for one
// advertisement. data excludes the company id.
func EncodeGatewayReport(mac string, rssi *int, data []byte) ([]byte, error) {
	return json.Marshal(GatewayReport{
		Address:          mac,
		RSSI:             rssi,
		ManufacturerData: map[string]string{victronCompanyKey: hex.EncodeToString(data)},
	})
}

// GatewayTopic returns the topic a gateway uses for mac under a pattern with
// a single '+' wildcard.
func GatewayTopic(pattern, mac string) string {
	return strings.Replace(pattern, "+", strings.ReplaceAll(strings.ToLower(mac), ":", ""), 1)
}

// Gateway subscribes to BLE scan reports on an MQTT broker.
type Gateway struct {
	config        *config.Config
	client        mqtt.Client
	clientFactory func(*config.Config, mqtt.OnConnectHandler) mqtt.Client
	logger        zerolog.Logger
	now           func() time.Time

	received atomic.Int64
	dropped  atomic.Int64
	invalid  atomic.Int64
}

// NewGateway creates a gateway source.
func NewGateway(cfg *config.Config) *Gateway {
	return &Gateway{
		config:        cfg,
		clientFactory: createMQTTClient,
		logger:        log.With().Str("component", "gateway").Logger(),
		now:           time.Now,
	}
}

// createMQTTClient is the default factory function for creating MQTT clients.
func createMQTTClient(cfg *config.Config, onConnect mqtt.OnConnectHandler) mqtt.Client {
	clientID := cfg.Gateway.ClientID
	if clientID == "" {
		clientID = "go-victron-" + uuid.NewString()
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetKeepAlive(30 * time.Second).
		SetCleanSession(true).
		SetOnConnectHandler(onConnect)

	// Set credentials if provided
	if cfg.Gateway.Username != "" {
		opts.SetUsername(cfg.Gateway.Username)
		opts.SetPassword(cfg.Gateway.Password)
	}

	return mqtt.NewClient(opts)
}

// Name implements domain.AdvertisementSource.
func (g *Gateway) Name() string {
	return "gateway"
}

// Stats returns received, dropped (queue full) and invalid message counts.
func (g *Gateway) Stats() (received, dropped, invalid int64) {
	return g.received.Load(), g.dropped.Load(), g.invalid.Load()
}

// Run implements domain.AdvertisementSource. It connects, subscribes and
// forwards reports until ctx is cancelled. A full out channel drops the report.
func (g *Gateway) Run(ctx context.Context, out chan<- domain.Advertisement) error {
	handler := func(_ mqtt.Client, msg mqtt.Message) {
		g.handleMessage(ctx, msg.Topic(), msg.Payload(), out)
	}

	// Subscribing from the connect handler restores the subscription after
	// an automatic reconnect.
	subscribeErr := make(chan error, 1)
	onConnect := func(c mqtt.Client) {
		token := c.Subscribe(g.config.Gateway.Topic, g.config.Gateway.QoS, handler)
		token.Wait()
		if err := token.Error(); err != nil {
			g.logger.Error().Err(err).Str("topic", g.config.Gateway.Topic).Msg("Failed to subscribe")
		} else {
			g.logger.Info().Str("topic", g.config.Gateway.Topic).Msg("Subscribed to gateway reports")
		}
		select {
		case subscribeErr <- token.Error():
		default:
		}
	}

	if g.client == nil {
		g.client = g.clientFactory(g.config, onConnect)
	}

	// Connect with context for timeout
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	connToken := g.client.Connect()
	select {
	case <-connectCtx.Done():
		return fmt.Errorf("failed to connect to MQTT broker: timeout after 10 seconds")
	case <-connToken.Done():
		if connToken.Error() != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", connToken.Error())
		}
	}

	select {
	case <-connectCtx.Done():
		g.client.Disconnect(250)
		return fmt.Errorf("failed to subscribe to %s: timeout", g.config.Gateway.Topic)
	case err := <-subscribeErr:
		if err != nil {
			g.client.Disconnect(250)
			return fmt.Errorf("failed to subscribe to %s: %w", g.config.Gateway.Topic, err)
		}
	}

	g.logger.Info().
		Str("host", g.config.Gateway.Host).
		Int("port", g.config.Gateway.Port).
		Msg("Gateway source running")

	<-ctx.Done()

	if token := g.client.Unsubscribe(g.config.Gateway.Topic); token.WaitTimeout(time.Second) && token.Error() != nil {
		g.logger.Debug().Err(token.Error()).Msg("Unsubscribe failed")
	}
	g.client.Disconnect(250)
	g.logger.Info().Msg("Gateway source stopped")

	return nil
}

func (g *Gateway) handleMessage(ctx context.Context, topic string, payload []byte, out chan<- domain.Advertisement) {
	g.received.Add(1)

	adv, err := ParseGatewayReport(payload, g.now())
	if err != nil {
		g.invalid.Add(1)
		g.logger.Trace().Err(err).Str("topic", topic).Msg("Ignoring gateway report")
		return
	}

	select {
	case out <- adv:
	case <-ctx.Done():
	default:
		g.dropped.Add(1)
		g.logger.Debug().Str("mac", adv.MAC).Msg("Queue full, dropping advertisement")
	}
}
