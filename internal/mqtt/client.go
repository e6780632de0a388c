// client.go: paho-backed implementation of the Client interface.
package mqtt

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/trunkfeed/trunkfeed/internal/errors"
	"github.com/trunkfeed/trunkfeed/internal/metrics"
)

// client implements the Client interface.
type client struct {
	config          Config
	internalClient  pahomqtt.Client
	lastConnAttempt time.Time
	mu              sync.Mutex
	reconnectTimer  *time.Timer
	reconnectStop   chan struct{}
	stopOnce        sync.Once
}

// NewClient creates a new MQTT client with the provided configuration.
func NewClient(config Config) Client {
	defaults := DefaultConfig()
	if config.ReconnectCooldown == 0 {
		config.ReconnectCooldown = defaults.ReconnectCooldown
	}
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = defaults.ReconnectDelay
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = defaults.ConnectTimeout
	}
	if config.PublishTimeout == 0 {
		config.PublishTimeout = defaults.PublishTimeout
	}
	if config.DisconnectTimeout == 0 {
		config.DisconnectTimeout = defaults.DisconnectTimeout
	}
	return &client{
		config:        config,
		reconnectStop: make(chan struct{}),
	}
}

// Connect attempts to establish a connection to the MQTT broker.
// It first resolves the broker's hostname and then attempts to connect.
func (c *client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Since(c.lastConnAttempt) < c.config.ReconnectCooldown {
		return fmt.Errorf("connection attempt too recent, last attempt was %v ago", time.Since(c.lastConnAttempt))
	}
	c.lastConnAttempt = time.Now()

	u, err := url.Parse(c.config.Broker)
	if err != nil {
		return errors.New(fmt.Errorf("invalid broker URL: %w", err)).
			Category(errors.CategoryMQTTConn).
			Context("broker", c.config.Broker).
			Build()
	}

	host := u.Hostname()
	if net.ParseIP(host) == nil {
		if _, err := net.DefaultResolver.LookupHost(ctx, host); err != nil {
			return errors.New(fmt.Errorf("failed to resolve hostname %s: %w", host, err)).
				Category(errors.CategoryMQTTConn).
				Build()
		}
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)
	opts.SetUsername(c.config.Username)
	opts.SetPassword(c.config.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetConnectRetry(true)

	c.internalClient = pahomqtt.NewClient(opts)

	token := c.internalClient.Connect()
	if !token.WaitTimeout(c.config.ConnectTimeout) {
		metrics.MQTTErrors.WithLabelValues(c.config.Broker).Inc()
		return errors.Newf("connection timeout").Category(errors.CategoryTimeout).Build()
	}
	if err := token.Error(); err != nil {
		metrics.MQTTErrors.WithLabelValues(c.config.Broker).Inc()
		return errors.New(fmt.Errorf("connection error: %w", err)).
			Category(errors.CategoryMQTTConn).
			Build()
	}

	metrics.MQTTConnected.WithLabelValues(c.config.Broker).Set(1)
	return nil
}

// Publish sends a message to the specified topic on the MQTT broker.
func (c *client) Publish(ctx context.Context, topic, payload string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.IsConnected() {
		return errors.Newf("not connected to MQTT broker").
			Category(errors.CategoryMQTTPublish).
			Context("broker", c.config.Broker).
			Build()
	}

	token := c.internalClient.Publish(topic, 0, c.config.Retain, payload)
	if !token.WaitTimeout(c.config.PublishTimeout) {
		metrics.MQTTErrors.WithLabelValues(c.config.Broker).Inc()
		return errors.Newf("publish timeout on topic %s", topic).
			Category(errors.CategoryTimeout).
			Build()
	}
	if err := token.Error(); err != nil {
		metrics.MQTTErrors.WithLabelValues(c.config.Broker).Inc()
		return errors.New(err).Category(errors.CategoryMQTTPublish).Context("topic", topic).Build()
	}

	metrics.MQTTPublished.WithLabelValues(c.config.Broker).Inc()
	return nil
}

// IsConnected returns true if the client is currently connected to the MQTT broker.
func (c *client) IsConnected() bool {
	return c.internalClient != nil && c.internalClient.IsConnected()
}

// Disconnect closes the connection to the MQTT broker.
func (c *client) Disconnect() {
	if c.internalClient != nil && c.internalClient.IsConnected() {
		c.internalClient.Disconnect(uint(c.config.DisconnectTimeout.Milliseconds()))
		metrics.MQTTConnected.WithLabelValues(c.config.Broker).Set(0)
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.stopOnce.Do(func() { close(c.reconnectStop) })
}

func (c *client) onConnect(_ pahomqtt.Client) {
	serviceLogger().Info("connected to MQTT broker", "broker", c.config.Broker)
	metrics.MQTTConnected.WithLabelValues(c.config.Broker).Set(1)
}

func (c *client) onConnectionLost(_ pahomqtt.Client, err error) {
	serviceLogger().Warn("connection to MQTT broker lost", "broker", c.config.Broker, "error", err)
	metrics.MQTTConnected.WithLabelValues(c.config.Broker).Set(0)
	metrics.MQTTErrors.WithLabelValues(c.config.Broker).Inc()
	c.startReconnectTimer()
}

func (c *client) startReconnectTimer() {
	c.reconnectTimer = time.AfterFunc(c.config.ReconnectDelay, func() {
		select {
		case <-c.reconnectStop:
			return
		default:
			c.reconnectWithBackoff()
		}
	})
}

func (c *client) reconnectWithBackoff() {
	backoff := time.Second
	maxBackoff := 5 * time.Minute

	for {
		ctx, cancel := context.WithTimeout(context.Background(), c.config.ConnectTimeout)
		err := c.Connect(ctx)
		cancel()

		if err == nil {
			serviceLogger().Info("reconnected to MQTT broker", "broker", c.config.Broker)
			return
		}

		serviceLogger().Warn("failed to reconnect to MQTT broker",
			"broker", c.config.Broker, "retry_in", backoff, "error", err)

		select {
		case <-time.After(backoff):
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		case <-c.reconnectStop:
			return
		}
	}
}
