// Package mqtt publishes reported positions to an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/starfail/rfloc/pkg/geo"
	"github.com/starfail/rfloc/pkg/logx"
)

// ErrNotConnected is returned by Report while the broker is unreachable.
var ErrNotConnected = errors.New("mqtt: not connected")

// Config holds MQTT configuration
type Config struct {
	Broker      string `json:"broker"`
	Port        int    `json:"port"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         int    `json:"qos"`
	Retain      bool   `json:"retain"`
	Enabled     bool   `json:"enabled"`
}

// DefaultConfig returns default MQTT configuration
func DefaultConfig() *Config {
	return &Config{
		Broker:      "localhost",
		Port:        1883,
		ClientID:    "rflocd",
		TopicPrefix: "rfloc",
		QoS:         1,
		Retain:      false,
		Enabled:     false,
	}
}

// PositionTopic is where fixes are published.
func (c *Config) PositionTopic() string {
	return c.TopicPrefix + "/position"
}

// Message is the JSON payload of one published fix.
type Message struct {
	ID       string  `json:"id"`
	Source   string  `json:"source,omitempty"`
	Position geo.Fix `json:"position"`
}

// publisher is the part of the paho client the Client uses.
type publisher interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) MQTT.Token
	Disconnect(quiesce uint)
}

// Client publishes fixes to MQTT. It implements locator.Sink.
type Client struct {
	mu          sync.Mutex
	client      publisher
	logger      *logx.Logger
	config      *Config
	timeout     time.Duration
	lastPublish time.Time
}

// NewClient creates a new MQTT client. Connect must be called before fixes
// are published.
func NewClient(config *Config, logger *logx.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logx.Nop()
	}
	return &Client{
		logger:  logger.With("component", "mqtt"),
		config:  config,
		timeout: 5 * time.Second,
	}
}

// Connect establishes connection to the broker. paho keeps retrying in the
// background, so a broker that is down at startup is not fatal.
func (c *Client) Connect() error {
	if !c.config.Enabled {
		c.logger.Debug("MQTT client disabled")
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port))
	opts.SetClientID(c.config.ClientID)

	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	opts.SetOnConnectHandler(func(MQTT.Client) {
		c.logger.Info("MQTT connection established", "broker", c.config.Broker)
	})
	opts.SetConnectionLostHandler(func(_ MQTT.Client, err error) {
		c.logger.Warn("MQTT connection lost", "error", err)
	})

	client := MQTT.NewClient(opts)
	token := client.Connect()
	if token.WaitTimeout(c.timeout) && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	c.logger.Info("MQTT client started", "broker", c.config.Broker, "port", c.config.Port)
	return nil
}

// Disconnect disconnects from the broker
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.Disconnect(250)
		c.client = nil
		c.logger.Info("MQTT client disconnected")
	}
}

// Report publishes fix on <prefix>/position. A disabled client accepts and
// drops every fix.
func (c *Client) Report(ctx context.Context, fix geo.Fix) error {
	if !c.config.Enabled {
		return nil
	}

	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil || !client.IsConnected() {
		return ErrNotConnected
	}

	msg := Message{ID: uuid.NewString(), Source: fix.Source, Position: fix}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal fix: %w", err)
	}

	topic := c.config.PositionTopic()
	token := client.Publish(topic, byte(c.config.QoS), c.config.Retain, data)

	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.timeout):
		return fmt.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}

	c.mu.Lock()
	c.lastPublish = time.Now()
	c.mu.Unlock()
	c.logger.Debug("MQTT message published", "topic", topic, "id", msg.ID, "size", len(data))
	return nil
}

// IsConnected returns whether the MQTT client is connected
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil && c.client.IsConnected()
}

// LastPublish returns the time of the last successful publish
func (c *Client) LastPublish() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPublish
}
