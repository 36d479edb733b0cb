package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
)

// MQTTConfig configures a device that receives encoded frames published by a
// capture station on a broker topic.
type MQTTConfig struct {
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
	// ConnectTimeout bounds the broker handshake.
	ConnectTimeout time.Duration
}

// MQTT is a Device backed by a broker subscription. Each Open creates its own
// client so sessions never share a subscription.
type MQTT struct {
	cfg    MQTTConfig
	logger zerolog.Logger
}

func NewMQTT(cfg MQTTConfig, logger zerolog.Logger) *MQTT {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &MQTT{cfg: cfg, logger: logger.With().Str("device", "mqtt").Logger()}
}

func (d *MQTT) Name() string { return "mqtt" }

func (d *MQTT) Open(ctx context.Context) (Stream, error) {
	s := &mqttStream{frames: make(chan Frame, 1), logger: d.logger, topic: d.cfg.Topic}

	clientID := d.cfg.ClientID
	if clientID == "" {
		clientID = "ecg-capture"
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(d.cfg.Broker)
	opts.SetClientID(fmt.Sprintf("%s-%d", clientID, time.Now().UnixNano()))
	opts.SetUsername(d.cfg.Username)
	opts.SetPassword(d.cfg.Password)
	opts.SetConnectTimeout(d.cfg.ConnectTimeout)
	opts.SetAutoReconnect(false)
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		d.logger.Warn().Err(err).Msg("capture station connection lost")
	}

	client := mqtt.NewClient(opts)
	connect := client.Connect()
	if err := waitToken(ctx, connect); err != nil {
		if ctx.Err() != nil {
			// the handshake keeps running in paho; close the client once it settles
			go disconnectWhenDone(client, connect)
		}
		return nil, classifyConnectError(err)
	}
	if err := waitToken(ctx, client.Subscribe(d.cfg.Topic, 1, s.onMessage)); err != nil {
		client.Disconnect(250)
		return nil, fmt.Errorf("%w: subscribe %s: %v", ErrUnavailable, d.cfg.Topic, err)
	}
	s.client = client
	d.logger.Debug().Str("topic", d.cfg.Topic).Msg("capture stream opened")
	return s, nil
}

func waitToken(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// disconnectWhenDone waits for an abandoned connect to finish and closes
// the client if it succeeded.
func disconnectWhenDone(client mqtt.Client, connect mqtt.Token) {
	<-connect.Done()
	if connect.Error() == nil {
		client.Disconnect(250)
	}
}

func classifyConnectError(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, packets.ErrorRefusedNotAuthorised), errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

type mqttStream struct {
	client mqtt.Client
	topic  string
	frames chan Frame
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// onMessage keeps only the most recent frame.
func (s *mqttStream) onMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := msg.Payload()
	if len(payload) == 0 {
		return
	}
	data := make([]byte, len(payload))
	copy(data, payload)
	f := Frame{Data: data, MediaType: mimetype.Detect(data).String(), CapturedAt: time.Now().UTC()}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case <-s.frames:
	default:
	}
	s.frames <- f
}

func (s *mqttStream) Snapshot(ctx context.Context) (Frame, error) {
	select {
	case f, ok := <-s.frames:
		if !ok {
			return Frame{}, ErrStreamClosed
		}
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (s *mqttStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.frames)
	s.mu.Unlock()

	if s.client != nil && s.client.IsConnected() {
		s.client.Unsubscribe(s.topic).WaitTimeout(time.Second)
		s.client.Disconnect(250)
	}
	return nil
}
