package notify

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/safety-control/estopd/internal/monitoring"
)

const (
	mqttConnectTimeout = 10 * time.Second
	mqttPublishTimeout = 5 * time.Second
)

// MQTTNotifier publishes emergency activations to an MQTT topic. Publishes
// use QoS 1: an alarm must reach the broker at least once.
type MQTTNotifier struct {
	client mqtt.Client
	topic  string
	logf   func(format string, v ...interface{})
}

// alarmMessage is the wire format of one published alarm.
type alarmMessage struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Reason    string    `json:"reason"`
}

// NewMQTTNotifier connects to the broker and returns a notifier publishing on
// topic. The client reconnects on its own after broker outages.
func NewMQTTNotifier(brokerURL, clientID, topic string) (*MQTTNotifier, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if ok := token.WaitTimeout(mqttConnectTimeout); !ok {
		return nil, fmt.Errorf("mqtt connect to %s timed out", brokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", brokerURL, err)
	}
	return &MQTTNotifier{
		client: client,
		topic:  topic,
		logf:   monitoring.Component("alarm"),
	}, nil
}

func (n *MQTTNotifier) Alarm(source, reason string) error {
	body, err := json.Marshal(alarmMessage{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Source:    source,
		Reason:    reason,
	})
	if err != nil {
		return err
	}
	token := n.client.Publish(n.topic, 1, false, body)
	if ok := token.WaitTimeout(mqttPublishTimeout); !ok {
		return fmt.Errorf("mqtt publish to %s timed out", n.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", n.topic, err)
	}
	n.logf("published alarm (%s: %s)", source, reason)
	return nil
}

// Close disconnects from the broker, allowing in-flight publishes to finish.
func (n *MQTTNotifier) Close() {
	n.client.Disconnect(uint(mqttPublishTimeout / time.Millisecond))
}
