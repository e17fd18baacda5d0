package messaging

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sipkit-server/pkg/events"
	"sipkit-server/pkg/session"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestNewAMQPClientDefaults(t *testing.T) {
	client := NewAMQPClient(testLogger(), AMQPConfig{
		URL:       "amqp://localhost",
		QueueName: "sipkit_events",
	})

	assert.Equal(t, "sipkit_events", client.config.RoutingKey, "routing key defaults to queue name")
	assert.Equal(t, 5*time.Second, client.config.ConnectTimeout)
	assert.True(t, client.config.Durable)
	assert.False(t, client.config.AutoDelete)
	assert.False(t, client.IsConnected())
}

func TestConnectRequiresConfiguration(t *testing.T) {
	client := NewAMQPClient(testLogger(), AMQPConfig{})

	err := client.Connect()
	assert.Error(t, err)
	assert.False(t, client.IsConnected())
}

func TestPublishEventRequiresConnection(t *testing.T) {
	client := NewAMQPClient(testLogger(), AMQPConfig{
		URL:       "amqp://localhost",
		QueueName: "sipkit_events",
	})

	err := client.PublishEvent(events.CallClosed{Session: session.Snapshot{ID: 1}})
	assert.Error(t, err)
}

func TestEnvelopeCarriesEventName(t *testing.T) {
	envelope := Envelope{
		ID:        "abc",
		Event:     "call-connected",
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Payload: events.CallConnected{Session: session.Snapshot{
			ID:           7,
			Status:       "active",
			CallerNumber: "1001",
		}},
	}

	data, err := json.Marshal(envelope)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, "call-connected", decoded["event"])
	payload, ok := decoded["payload"].(map[string]interface{})
	require.True(t, ok)
	sess, ok := payload["session"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "active", sess["status"])
	assert.Equal(t, "1001", sess["caller_number"])
}

func TestDisconnectWithoutConnectIsSafe(t *testing.T) {
	client := NewAMQPClient(testLogger(), AMQPConfig{})
	client.Disconnect()
	client.Disconnect()
}
