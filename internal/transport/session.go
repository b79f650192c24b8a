// Package transport wraps one MQTT client connection per device loop.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	MQTT "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// DefaultQoS gives status messages at-least-once delivery
const DefaultQoS byte = 1

// ErrDisconnected is returned by Publish/Subscribe after Disconnect
var ErrDisconnected = errors.New("transport session is disconnected")

// Config describes the broker endpoint shared by every session
type Config struct {
	BrokerURL      string // e.g. ssl://broker:8883
	Username       string
	Password       string
	TLS            bool
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	QoS            byte // 0 means DefaultQoS
	// MaxConnectElapsed bounds the retry window of Connect
	MaxConnectElapsed time.Duration
}

func (c Config) withDefaults() Config {
	if c.QoS == 0 {
		c.QoS = DefaultQoS
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 60 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	if c.MaxConnectElapsed <= 0 {
		c.MaxConnectElapsed = 30 * time.Second
	}
	return c
}

// Session owns one MQTT connection.
// Disconnect is idempotent; Publish and Subscribe fail once it has run.
type Session struct {
	cfg      Config
	clientID string
	client   MQTT.Client
	log      *zap.SugaredLogger

	mu           sync.Mutex
	disconnected bool
}

// NewSession configures a client for the broker; it does not connect
func NewSession(cfg Config, clientID string, log *zap.SugaredLogger) *Session {
	cfg = cfg.withDefaults()
	s := &Session{cfg: cfg, clientID: clientID, log: log.With("client_id", clientID)}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(clientID)
	if cfg.Username != "" && cfg.Password != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(s.onConnectionLost)
	opts.SetDefaultPublishHandler(s.onMessage)

	s.client = MQTT.NewClient(opts)
	return s
}

// newSessionWithClient is used by tests to inject a fake client
func newSessionWithClient(cfg Config, clientID string, client MQTT.Client, log *zap.SugaredLogger) *Session {
	return &Session{cfg: cfg.withDefaults(), clientID: clientID, client: client, log: log.With("client_id", clientID)}
}

func (s *Session) onConnect(MQTT.Client) {
	s.log.Info("Connected to MQTT broker.")
}

func (s *Session) onConnectionLost(_ MQTT.Client, err error) {
	s.log.Warnw("Connection to MQTT broker lost", "error", err)
}

func (s *Session) onMessage(_ MQTT.Client, msg MQTT.Message) {
	s.log.Infow("Received message", "topic", msg.Topic(), "payload", string(msg.Payload()))
}

// ClientID returns the MQTT client id of the session
func (s *Session) ClientID() string {
	return s.clientID
}

// Connect establishes the session, retrying with exponential backoff until
// the broker answers, ctx is cancelled or the retry window runs out.
// paho starts its background delivery goroutines once connected.
func (s *Session) Connect(ctx context.Context) error {
	if s.isDisconnected() {
		return ErrDisconnected
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = s.cfg.MaxConnectElapsed

	attempt := 0
	op := func() error {
		attempt++
		token := s.client.Connect()

		timer := time.NewTimer(s.cfg.ConnectTimeout)
		defer timer.Stop()

		select {
		case <-token.Done():
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		case <-timer.C:
			return fmt.Errorf("connect timed out after %s", s.cfg.ConnectTimeout)
		}

		if err := token.Error(); err != nil {
			s.log.Warnw("MQTT connect attempt failed", "attempt", attempt, "error", err)
			return err
		}
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("error connecting to MQTT broker %s: %w", s.cfg.BrokerURL, err)
	}
	return nil
}

// Publish sends payload to topic with the session QoS and waits for the client to hand it off
func (s *Session) Publish(topic string, payload []byte) error {
	if s.isDisconnected() {
		return ErrDisconnected
	}

	token := s.client.Publish(topic, s.cfg.QoS, false, payload)
	if !token.WaitTimeout(s.cfg.PublishTimeout) {
		return fmt.Errorf("publish to %s timed out after %s", topic, s.cfg.PublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("error publishing to %s: %w", topic, err)
	}

	s.log.Debugw("Message published.", "topic", topic, "bytes", len(payload))
	return nil
}

// Subscribe registers handler for every message matching topic
func (s *Session) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	if s.isDisconnected() {
		return ErrDisconnected
	}

	token := s.client.Subscribe(topic, s.cfg.QoS, func(_ MQTT.Client, msg MQTT.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(s.cfg.ConnectTimeout) {
		return fmt.Errorf("subscribe to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("error subscribing to %s: %w", topic, err)
	}

	s.log.Infow("Subscribed", "topic", topic)
	return nil
}

// Disconnect stops background delivery and closes the connection. Safe to call more than once.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.disconnected {
		s.mu.Unlock()
		return
	}
	s.disconnected = true
	s.mu.Unlock()

	s.log.Info("Disconnecting from MQTT broker...")
	s.client.Disconnect(250)
}

func (s *Session) isDisconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnected
}
