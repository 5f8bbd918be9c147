// Package mqttio provides an MQTT implementation of the pipeline Source
// contract using the Paho client.
package mqttio

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coldbrook-labs/go-flowline/pkg/pipeline"
)

// Config holds connection and subscription parameters for the MQTT source.
type Config struct {
	// BrokerURL is the full URL of the MQTT broker, e.g.
	// "tls://mqtt.example.com:8883".
	BrokerURL string
	// Topic is the subscription filter. Wildcards are allowed.
	Topic string
	// ClientIDPrefix gets a unique suffix appended, which most brokers
	// require for client uniqueness.
	ClientIDPrefix string
	Username       string
	Password       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	// ReconnectWaitMax caps the Paho client's reconnect backoff.
	ReconnectWaitMax time.Duration
	// CACertFile is an optional CA certificate for verifying the broker.
	CACertFile string
	// ClientCertFile and ClientKeyFile enable mTLS authentication.
	ClientCertFile string
	ClientKeyFile  string
	// InsecureSkipVerify skips TLS certificate verification. Not
	// recommended for production environments.
	InsecureSkipVerify bool
}

func (c *Config) applyDefaults() {
	if c.ClientIDPrefix == "" {
		c.ClientIDPrefix = "flowline-"
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 60 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ReconnectWaitMax <= 0 {
		c.ReconnectWaitMax = 2 * time.Minute
	}
}

// Source consumes an MQTT topic and exposes it as a pipeline Source. With
// QoS 1 the broker acknowledgement is handled at the protocol level by the
// Paho client, so there is no per-message ack to forward downstream.
type Source struct {
	pahoClient mqtt.Client
	cfg        Config
	logger     zerolog.Logger
	output     chan pipeline.Message
	closeOnce  sync.Once
	doneChan   chan struct{}
}

// NewSource returns a Source. It does not connect until Start is called.
func NewSource(cfg Config, logger zerolog.Logger) (*Source, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("MQTT broker URL is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("MQTT topic is required")
	}
	cfg.applyDefaults()
	return &Source{
		cfg:      cfg,
		logger:   logger.With().Str("component", "MqttSource").Str("topic", cfg.Topic).Logger(),
		output:   make(chan pipeline.Message, 1000),
		doneChan: make(chan struct{}),
	}, nil
}

// Name identifies the source by its topic filter.
func (s *Source) Name() string { return "mqtt:" + s.cfg.Topic }

// Start connects to the broker and begins consuming. The Paho client keeps
// retrying in the background if the initial connection fails, so a slow
// broker does not fail pipeline startup.
func (s *Source) Start(ctx context.Context) error {
	opts := s.createOptions()
	opts.SetDefaultPublishHandler(s.messageHandler(ctx))
	s.pahoClient = mqtt.NewClient(opts)

	s.logger.Info().Msg("Attempting to connect to MQTT broker...")
	if token := s.pahoClient.Connect(); token.WaitTimeout(s.cfg.ConnectTimeout) && token.Error() != nil {
		s.logger.Error().Err(token.Error()).Msg("Failed to connect to MQTT broker on startup. The Paho client will continue to retry in the background.")
	} else if token.Error() == nil {
		s.logger.Info().Msg("Initial connection to MQTT broker successful.")
	}

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	return nil
}

// Messages returns the delivery channel.
func (s *Source) Messages() <-chan pipeline.Message { return s.output }

// Close unsubscribes, disconnects and closes the output channel. It is
// idempotent.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.logger.Info().Msg("Stopping MQTT source...")
		if s.pahoClient != nil && s.pahoClient.IsConnected() {
			if token := s.pahoClient.Unsubscribe(s.cfg.Topic); token.WaitTimeout(2*time.Second) && token.Error() != nil {
				s.logger.Warn().Err(token.Error()).Msg("Failed to unsubscribe from MQTT topic.")
			}
			s.pahoClient.Disconnect(500) // 500ms grace period
		}
		close(s.output)
		close(s.doneChan)
		s.logger.Info().Msg("MQTT source stopped.")
	})
	return nil
}

// IsConnected reports the underlying Paho client's connection status. It
// is useful for integration tests to wait until the source is ready.
func (s *Source) IsConnected() bool {
	return s.pahoClient != nil && s.pahoClient.IsConnected()
}

// messageHandler converts incoming MQTT publishes into pipeline messages.
// A JSON-object payload becomes the Content map; any other payload is kept
// raw under the "data" key. The origin topic lands in metadata so steps
// can route on it.
func (s *Source) messageHandler(ctx context.Context) mqtt.MessageHandler {
	return func(_ mqtt.Client, raw mqtt.Message) {
		s.logger.Debug().Str("mqtt_topic", raw.Topic()).Msg("Received MQTT message")
		payload := make([]byte, len(raw.Payload()))
		copy(payload, raw.Payload())

		var content map[string]any
		if err := json.Unmarshal(payload, &content); err != nil || content == nil {
			content = map[string]any{"data": string(payload)}
		}

		msg := pipeline.Message{
			ID:        uuid.New().String(),
			Content:   content,
			Metadata:  map[string]string{"mqtt_topic": raw.Topic()},
			Timestamp: time.Now().UTC(),
		}
		select {
		case s.output <- msg:
		case <-ctx.Done():
			s.logger.Warn().Str("mqtt_topic", raw.Topic()).Msg("Source is shutting down, dropping MQTT message.")
		}
	}
}

func (s *Source) createOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.cfg.BrokerURL)
	opts.SetClientID(fmt.Sprintf("%s%d", s.cfg.ClientIDPrefix, time.Now().UnixNano()%1000000))
	opts.SetUsername(s.cfg.Username)
	opts.SetPassword(s.cfg.Password)
	opts.SetKeepAlive(s.cfg.KeepAlive)
	opts.SetConnectTimeout(s.cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(s.cfg.ReconnectWaitMax)
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		s.logger.Info().Str("broker", s.cfg.BrokerURL).Msg("Paho client connected to MQTT broker.")
		token := client.Subscribe(s.cfg.Topic, 1, nil) // QoS 1
		go func() {
			if token.WaitTimeout(5*time.Second) && token.Error() != nil {
				s.logger.Error().Err(token.Error()).Msg("Failed to subscribe to MQTT topic.")
			} else {
				s.logger.Info().Msg("Successfully subscribed to MQTT topic.")
			}
		}()
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Error().Err(err).Msg("Paho client lost MQTT connection.")
	})

	if strings.HasPrefix(strings.ToLower(s.cfg.BrokerURL), "tls://") {
		tlsConfig, err := newTLSConfig(s.cfg)
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to create TLS config, proceeding without it.")
		} else {
			opts.SetTLSConfig(tlsConfig)
		}
	}
	return opts
}

func newTLSConfig(cfg Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert file %s: %w", cfg.CACertFile, err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA cert from %s", cfg.CACertFile)
		}
		tlsConfig.RootCAs = caCertPool
	}
	if cfg.ClientCertFile != "" && cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
