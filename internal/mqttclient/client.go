// Package mqttclient maintains the broker connection to the trunk-recorder
// feed. Inbound messages are handed to a single handler on paho's router
// goroutine; the handler must not block. Delivery is QoS 0.
package mqttclient

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/snarg/tr-consumer/internal/config"
)

type MessageHandler func(topic string, payload []byte)

type Client struct {
	conn      mqtt.Client
	topic     string
	connected atomic.Bool
	log       zerolog.Logger
	handler   MessageHandler
	fatal     chan error
}

// Connect dials the broker and subscribes to cfg.Topic. A lost connection or
// failed subscription is terminal: it is reported on Fatal and the caller is
// expected to drain in-flight work and exit.
func Connect(cfg config.MQTTConfig, log zerolog.Logger) (*Client, error) {
	if cfg.Hostname == "" {
		return nil, fmt.Errorf("mqtt: hostname is required")
	}

	c := &Client{
		topic: cfg.Topic,
		log:   log.With().Str("component", "mqtt").Logger(),
		fatal: make(chan error, 1),
	}

	opts := mqtt.NewClientOptions().
		SetClientID(fmt.Sprintf("tr-consumer-%d", os.Getpid())).
		SetOrderMatters(false).
		SetAutoReconnect(false).
		SetConnectTimeout(10 * time.Second).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost).
		SetDefaultPublishHandler(c.onMessage)

	// Credential ladder: client certificates win over username/password;
	// with neither the connection is anonymous.
	scheme := "tcp"
	switch {
	case cfg.CACerts != "" && cfg.Certfile != "" && cfg.Keyfile != "":
		tlsCfg, err := clientTLS(cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
		scheme = "ssl"
		c.log.Info().Msg("connecting with mTLS auth")
	case cfg.Username != "" && cfg.Password != "":
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
		c.log.Info().Str("username", cfg.Username).Msg("connecting with password auth")
	default:
		c.log.Warn().Msg("connecting without authentication, not recommended")
	}

	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Hostname, cfg.Port))

	c.conn = mqtt.NewClient(opts)
	token := c.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return c, nil
}

// SetMessageHandler installs the message callback. Set it before Connect
// returns messages; subscriptions start on the connect handler.
func (c *Client) SetMessageHandler(h MessageHandler) {
	c.handler = h
}

// Fatal reports the terminal broker error, once.
func (c *Client) Fatal() <-chan error {
	return c.fatal
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) Close() {
	c.log.Info().Msg("disconnecting mqtt client")
	c.conn.Disconnect(1000)
}

func (c *Client) onConnect(client mqtt.Client) {
	c.connected.Store(true)
	c.log.Info().Str("topic", c.topic).Msg("mqtt connected, subscribing")

	token := client.Subscribe(c.topic, 0, nil)
	token.Wait()
	if err := token.Error(); err != nil {
		c.log.Error().Err(err).Str("topic", c.topic).Msg("mqtt subscribe failed")
		c.fail(fmt.Errorf("mqtt subscribe %s: %w", c.topic, err))
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.log.Error().Err(err).Msg("mqtt connection lost")
	c.fail(fmt.Errorf("mqtt connection lost: %w", err))
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	if c.handler != nil {
		c.handler(msg.Topic(), msg.Payload())
		return
	}
	c.log.Debug().
		Str("topic", msg.Topic()).
		Int("payload_size", len(msg.Payload())).
		Msg("mqtt message received before handler install")
}

func (c *Client) fail(err error) {
	select {
	case c.fatal <- err:
	default:
	}
}

func clientTLS(cfg config.MQTTConfig) (*tls.Config, error) {
	ca, err := os.ReadFile(cfg.CACerts)
	if err != nil {
		return nil, fmt.Errorf("mqtt: read ca certs: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(ca) {
		return nil, fmt.Errorf("mqtt: no certificates in %s", cfg.CACerts)
	}
	cert, err := tls.LoadX509KeyPair(cfg.Certfile, cfg.Keyfile)
	if err != nil {
		return nil, fmt.Errorf("mqtt: load client certificate: %w", err)
	}
	return &tls.Config{
		RootCAs:      pool,
		Certificates: []tls.Certificate{cert},
	}, nil
}
