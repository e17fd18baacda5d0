// Package messaging publishes domain events to an AMQP broker so
// downstream consumers (billing, CDR pipelines, dashboards) receive the
// same event stream that in-process subscribers do.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"sipkit-server/pkg/events"
)

// Envelope is the wire form of one published event.
type Envelope struct {
	ID        string       `json:"id"`
	Event     string       `json:"event"`
	Timestamp time.Time    `json:"timestamp"`
	Payload   events.Event `json:"payload"`
}

// AMQPConfig holds AMQP client configuration
type AMQPConfig struct {
	URL            string
	QueueName      string
	ExchangeName   string
	RoutingKey     string
	Durable        bool
	AutoDelete     bool
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
}

// AMQPClient handles AMQP connections and event publishing
type AMQPClient struct {
	logger    *logrus.Logger
	config    AMQPConfig
	conn      *amqp.Connection
	channel   *amqp.Channel
	connected bool
	connMutex sync.RWMutex
	stopChan  chan struct{}
}

// NewAMQPClient creates a new AMQP client
func NewAMQPClient(logger *logrus.Logger, config AMQPConfig) *AMQPClient {
	if config.RoutingKey == "" {
		config.RoutingKey = config.QueueName
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 5 * time.Second
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = 5 * time.Second
	}
	config.Durable = true
	config.AutoDelete = false

	return &AMQPClient{
		logger:   logger,
		config:   config,
		stopChan: make(chan struct{}),
	}
}

// Connect establishes a connection to the AMQP server
func (c *AMQPClient) Connect() error {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	if c.connected {
		return nil
	}

	if c.config.URL == "" || c.config.QueueName == "" {
		c.logger.Warn("AMQP_URL or AMQP_QUEUE_NAME not set, AMQP functionality will be disabled")
		return fmt.Errorf("AMQP URL or queue name not configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.config.ConnectTimeout)
	defer cancel()

	// amqp.Dial has no context support, so run it off to the side and
	// abandon it on timeout.
	connChan := make(chan struct {
		conn *amqp.Connection
		err  error
	}, 1)

	go func() {
		conn, err := amqp.Dial(c.config.URL)
		select {
		case <-ctx.Done():
			if conn != nil {
				conn.Close()
			}
		case connChan <- struct {
			conn *amqp.Connection
			err  error
		}{conn, err}:
		}
	}()

	var conn *amqp.Connection
	var err error
	select {
	case result := <-connChan:
		conn = result.conn
		err = result.err
	case <-ctx.Done():
		return fmt.Errorf("connection to AMQP server timed out after %s", c.config.ConnectTimeout)
	}

	if err != nil {
		return fmt.Errorf("failed to connect to AMQP server: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open AMQP channel: %w", err)
	}

	if _, err := channel.QueueDeclare(
		c.config.QueueName,
		c.config.Durable,
		c.config.AutoDelete,
		false, // Exclusive
		false, // No-wait
		nil,   // Arguments
	); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to declare AMQP queue: %w", err)
	}

	c.conn = conn
	c.channel = channel
	c.connected = true
	c.stopChan = make(chan struct{})

	c.logger.WithFields(logrus.Fields{
		"url":   c.config.URL,
		"queue": c.config.QueueName,
	}).Info("Connected to AMQP server")

	go c.monitorConnection()

	return nil
}

// Disconnect closes the AMQP connection
func (c *AMQPClient) Disconnect() {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	if !c.connected {
		return
	}

	close(c.stopChan)

	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}

	c.connected = false
	c.logger.Info("Disconnected from AMQP server")
}

// IsConnected returns the connection status
func (c *AMQPClient) IsConnected() bool {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()
	return c.connected
}

// PublishEvent wraps one domain event in an envelope and publishes it to
// the configured queue.
func (c *AMQPClient) PublishEvent(ev events.Event) error {
	envelope := Envelope{
		ID:        uuid.NewString(),
		Event:     ev.EventName(),
		Timestamp: time.Now().UTC(),
		Payload:   ev,
	}

	bodyBytes, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal event to JSON: %w", err)
	}

	c.connMutex.RLock()
	defer c.connMutex.RUnlock()

	if !c.connected || c.channel == nil {
		return fmt.Errorf("not connected to AMQP server")
	}

	if err := c.channel.Publish(
		c.config.ExchangeName,
		c.config.RoutingKey,
		false, // Mandatory
		false, // Immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         bodyBytes,
			DeliveryMode: amqp.Persistent,
			Timestamp:    envelope.Timestamp,
			MessageId:    envelope.ID,
			Type:         envelope.Event,
		},
	); err != nil {
		return fmt.Errorf("failed to publish event to AMQP: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"event": envelope.Event,
		"id":    envelope.ID,
	}).Debug("Published event to AMQP")
	return nil
}

// Run drains the subscriber channel into the broker until the context is
// cancelled or the channel closes. Publish failures are logged and the
// event is dropped; the broker connection recovers via the monitor.
func (c *AMQPClient) Run(ctx context.Context, eventsCh <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-eventsCh:
			if !ok {
				return
			}
			if err := c.PublishEvent(ev); err != nil {
				c.logger.WithError(err).WithField("event", ev.EventName()).Warn("Failed to publish event to AMQP")
			}
		}
	}
}

// monitorConnection watches for broker-side disconnects and reconnects
// with exponential backoff.
func (c *AMQPClient) monitorConnection() {
	closeChan := make(chan *amqp.Error)

	c.connMutex.RLock()
	if c.conn != nil {
		c.conn.NotifyClose(closeChan)
	}
	c.connMutex.RUnlock()

	for {
		select {
		case <-c.stopChan:
			return
		case closeErr := <-closeChan:
			c.connMutex.Lock()
			c.connected = false
			c.connMutex.Unlock()

			c.logger.WithError(closeErr).Warn("AMQP connection closed, attempting to reconnect")

			for attempt := 1; attempt <= 10; attempt++ {
				c.logger.WithField("attempt", attempt).Info("Reconnecting to AMQP server")

				if err := c.Connect(); err == nil {
					c.logger.Info("Successfully reconnected to AMQP server")
					return
				} else {
					c.logger.WithError(err).WithField("attempt", attempt).Error("Failed to reconnect to AMQP server")
				}

				backoff := time.Duration(1<<uint(attempt-1)) * c.config.ReconnectDelay
				if backoff > 30*time.Second {
					backoff = 30 * time.Second
				}
				time.Sleep(backoff)
			}
			return
		}
	}
}
