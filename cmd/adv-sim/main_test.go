package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	mqttserver "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/resident-x/go-victron/internal/config"
	"github.com/resident-x/go-victron/internal/domain"
	"github.com/resident-x/go-victron/internal/parser"
	"github.com/resident-x/go-victron/internal/protocol"
	"github.com/resident-x/go-victron/internal/source"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKeyHex = "6cb52976b1b82ab4d6bc4d24ee356c1b"
	testMAC    = "C0:3B:98:39:E6:FE"
)

func TestBatteryFramesDecode(t *testing.T) {
	frames, err := newBatteryFrames(testKeyHex, "c0:3b:98:39:e6:fe")
	require.NoError(t, err)
	key, err := protocol.ParseKey(testKeyHex)
	require.NoError(t, err)

	var lastCounter uint16
	for i := 0; i < 5; i++ {
		adv, err := frames.Next()
		require.NoError(t, err)
		assert.Equal(t, testMAC, adv.MAC)
		require.NotNil(t, adv.RSSI)

		diag, err := parser.Diagnose(adv, key, parser.OptionsFromConfig(config.DefaultConfig()), zerolog.Nop())
		require.NoError(t, err)
		assert.Equal(t, "battery_monitor", diag.Mode)
		assert.Equal(t, 1, diag.Attempts)

		reading := diag.Reading
		assert.True(t, reading.Plausible)
		require.NotNil(t, reading.BatteryMonitor)
		require.NotNil(t, reading.BatteryMonitor.Voltage)
		assert.InDelta(t, 12.9, *reading.BatteryMonitor.Voltage, 0.31)

		if i > 0 {
			assert.Equal(t, lastCounter+1, reading.Counter)
		}
		lastCounter = reading.Counter
	}
}

func TestNewBatteryFramesErrors(t *testing.T) {
	_, err := newBatteryFrames("abcd", testMAC)
	assert.Error(t, err)

	_, err = newBatteryFrames(testKeyHex, "not-a-mac")
	assert.Error(t, err)
}

func TestReplayFrames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.txt")
	content := "# capture\n" +
		"c0:3b:98:39:e6:fe -70 e102100283020201ee088c3385a0b6e08d1288493ad122\n" +
		"garbage line\n" +
		"AA:BB:CC:DD:EE:FF - e10210028302020200\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	frames, err := loadReplayFrames(path, zerolog.Nop())
	require.NoError(t, err)

	var macs []string
	for i := 0; i < 3; i++ {
		adv, err := frames.Next()
		require.NoError(t, err)
		macs = append(macs, adv.MAC)
	}
	assert.Equal(t, []string{testMAC, "AA:BB:CC:DD:EE:FF", testMAC}, macs)

	empty := filepath.Join(t.TempDir(), "empty.txt")
	require.NoError(t, os.WriteFile(empty, []byte("# nothing\n"), 0o600))
	_, err = loadReplayFrames(empty, zerolog.Nop())
	assert.Error(t, err)

	_, err = loadReplayFrames(filepath.Join(t.TempDir(), "missing.txt"), zerolog.Nop())
	assert.Error(t, err)
}

func TestRootCmdValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no frame source", []string{}},
		{"file and key", []string{"--file", "x.txt", "--key", testKeyHex}},
		{"bad key", []string{"--key", "zz"}},
		{"bad interval", []string{"--key", testKeyHex, "--interval", "0s"}},
		{"bad broker", []string{"--key", testKeyHex, "--broker", "no-port"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newRootCmd()
			cmd.SetArgs(tt.args)
			cmd.SetOut(&nopWriter{})
			cmd.SetErr(&nopWriter{})
			assert.Error(t, cmd.ExecuteContext(context.Background()))
		})
	}
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func startTestMQTTBroker(t *testing.T) (*mqttserver.Server, int) {
	t.Helper()

	listener, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	server := mqttserver.New(&mqttserver.Options{InlineClient: true})
	_ = server.AddHook(new(auth.AllowHook), nil)

	tcp := listeners.NewTCP(listeners.Config{ID: "t1", Address: fmt.Sprintf(":%d", port)})
	require.NoError(t, server.AddListener(tcp))

	go func() {
		if err := server.Serve(); err != nil {
			t.Logf("MQTT broker error: %v", err)
		}
	}()

	time.Sleep(100 * time.Millisecond)
	t.Cleanup(func() { _ = server.Close() })

	return server, port
}

func TestSimulatorPublishesGatewayReports(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping broker test in short mode")
	}

	broker, port := startTestMQTTBroker(t)

	var (
		mu       sync.Mutex
		received []packets.Packet
	)
	require.NoError(t, broker.Subscribe("victron/ble/+/adv", 1, func(_ *mqttserver.Client, _ packets.Subscription, pk packets.Packet) {
		mu.Lock()
		received = append(received, pk)
		mu.Unlock()
	}))

	client, err := connectMQTT(fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer client.Disconnect(100)

	frames, err := newBatteryFrames(testKeyHex, testMAC)
	require.NoError(t, err)

	sim := &Simulator{
		client:   client,
		topic:    "victron/ble/+/adv",
		interval: 10 * time.Millisecond,
		count:    3,
		frames:   frames,
		logger:   zerolog.Nop(),
	}

	sent, err := sim.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, sent)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 3
	}, 2*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	counters := map[uint16]bool{}
	for _, pk := range received {
		assert.Equal(t, "victron/ble/c03b9839e6fe/adv", pk.TopicName)

		adv, err := source.ParseGatewayReport(pk.Payload, time.Now())
		require.NoError(t, err)
		assert.Equal(t, testMAC, adv.MAC)

		frame, err := protocol.ParseHeader(adv.Data)
		require.NoError(t, err)
		assert.Equal(t, protocol.ModeBatteryMonitor, frame.Mode)
		counters[frame.Counter] = true
	}
	assert.Len(t, counters, 3)
}

// fakeClient records publishes without a broker.
type fakeClient struct {
	mqtt.Client
	mu     sync.Mutex
	topics []string
}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, _ interface{}) mqtt.Token {
	c.mu.Lock()
	c.topics = append(c.topics, topic)
	c.mu.Unlock()
	return &mqtt.DummyToken{}
}

func TestSimulatorStopsOnCancel(t *testing.T) {
	client := &fakeClient{}
	sim := &Simulator{
		client:   client,
		topic:    "victron/ble/+/adv",
		interval: time.Hour,
		frames:   &replayFrames{advs: []domain.Advertisement{{MAC: testMAC, Data: []byte{0x10}}}},
		logger:   zerolog.Nop(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sent, err := sim.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, []string{"victron/ble/c03b9839e6fe/adv"}, client.topics)
}

func TestSimulatorFrameError(t *testing.T) {
	sim := &Simulator{
		client:   &fakeClient{},
		interval: time.Millisecond,
		frames:   failingFrames{},
		logger:   zerolog.Nop(),
	}

	sent, err := sim.Run(context.Background())
	assert.ErrorIs(t, err, errFramesDone)
	assert.Zero(t, sent)
}

var errFramesDone = errors.New("frames exhausted")

type failingFrames struct{}

func (failingFrames) Next() (domain.Advertisement, error) {
	return domain.Advertisement{}, errFramesDone
}
