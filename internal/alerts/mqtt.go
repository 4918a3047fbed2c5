package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const (
	DefaultMQTTTopic   = "freezer/alerts"
	mqttConnectTimeout = 15 * time.Second
	mqttPublishTimeout = 10 * time.Second
)

var errPublishTimeout = errors.New("mqtt publish timed out")

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTNotifier publishes each alert as JSON to "<topic>/<kind>".
type MQTTNotifier struct {
	client publisher
	topic  string
}

// ConnectMQTT dials brokerURL. mqtt:// URLs are rewritten to tcp://.
func ConnectMQTT(brokerURL, topic string, logger *slog.Logger) (*MQTTNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	url := strings.TrimSpace(brokerURL)
	if url == "" {
		return nil, errors.New("mqtt broker url is empty")
	}
	if strings.HasPrefix(url, "mqtt://") {
		url = "tcp://" + strings.TrimPrefix(url, "mqtt://")
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(url)
	opts.SetClientID("freezer-" + uuid.NewString()[:8])
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "error", err)
	}
	opts.OnConnect = func(_ mqtt.Client) {
		logger.Info("mqtt connected", "broker", url)
	}

	c := mqtt.NewClient(opts)
	tok := c.Connect()
	if !tok.WaitTimeout(mqttConnectTimeout) {
		c.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect to %s timed out", url)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", url, err)
	}
	return newMQTTNotifier(c, topic), nil
}

func newMQTTNotifier(client publisher, topic string) *MQTTNotifier {
	topic = strings.TrimRight(strings.TrimSpace(topic), "/")
	if topic == "" {
		topic = DefaultMQTTTopic
	}
	return &MQTTNotifier{client: client, topic: topic}
}

func (n *MQTTNotifier) Notify(ctx context.Context, a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}

	tok := n.client.Publish(n.topic+"/"+string(a.Kind), 1, false, payload)
	select {
	case <-tok.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(mqttPublishTimeout):
		return errPublishTimeout
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt publish alert %s: %w", a.ID, err)
	}
	return nil
}

func (n *MQTTNotifier) Close() {
	if n == nil || n.client == nil {
		return
	}
	n.client.Disconnect(1000)
}
