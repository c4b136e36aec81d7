package sink

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/srg/payid/internal/bridge"
)

const (
	// DefaultMQTTTopic is the topic prefix readings are published under.
	DefaultMQTTTopic = "payid"

	// DefaultPublishTimeout bounds the wait for a broker acknowledgement.
	DefaultPublishTimeout = 5 * time.Second

	// StatusCleared is published to <prefix>/status when a session ends.
	StatusCleared = "cleared"
)

// publisher is the part of mqtt.Client the sink uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTOptions configures DialMQTT.
type MQTTOptions struct {
	Broker         string
	ClientID       string
	Topic          string
	QoS            byte
	ConnectTimeout time.Duration
}

// MQTTPublisher publishes readings as JSON to <prefix>/<characteristic>,
// progress text to <prefix>/progress, and a retained "cleared" to
// <prefix>/status when the displayed values must be discarded.
type MQTTPublisher struct {
	client  publisher
	prefix  string
	qos     byte
	timeout time.Duration
	logger  *logrus.Logger

	disconnect func()
}

// NewMQTTPublisher wraps an already connected client.
func NewMQTTPublisher(client publisher, prefix string, qos byte, logger *logrus.Logger) *MQTTPublisher {
	if logger == nil {
		logger = logrus.New()
	}
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		prefix = DefaultMQTTTopic
	}
	return &MQTTPublisher{
		client:  client,
		prefix:  prefix,
		qos:     qos,
		timeout: DefaultPublishTimeout,
		logger:  logger,
	}
}

// DialMQTT connects to the broker and returns a publisher owning the client.
func DialMQTT(opts MQTTOptions, logger *logrus.Logger) (*MQTTPublisher, error) {
	if opts.Broker == "" {
		return nil, fmt.Errorf("mqtt broker is required")
	}
	if opts.ClientID == "" {
		opts.ClientID = fmt.Sprintf("payid-%d", time.Now().UnixNano())
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultPublishTimeout
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(opts.ConnectTimeout)

	client := mqtt.NewClient(clientOpts)
	token := client.Connect()
	if !token.WaitTimeout(opts.ConnectTimeout) {
		return nil, fmt.Errorf("timed out connecting to mqtt broker %s", opts.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to mqtt broker %s: %w", opts.Broker, err)
	}

	if logger != nil {
		logger.WithFields(logrus.Fields{
			"broker": opts.Broker,
			"topic":  opts.Topic,
		}).Info("Connected to MQTT broker")
	}

	p := NewMQTTPublisher(client, opts.Topic, opts.QoS, logger)
	p.disconnect = func() { client.Disconnect(250) }
	return p, nil
}

// Handle publishes ev and waits for the broker to acknowledge it.
func (p *MQTTPublisher) Handle(ev bridge.Event) error {
	switch ev.Kind {
	case bridge.ValueUpdate:
		if ev.Reading == nil {
			return nil
		}
		payload, err := json.Marshal(ev.Reading)
		if err != nil {
			return fmt.Errorf("failed to encode reading: %w", err)
		}
		return p.publish(p.prefix+"/"+ev.Reading.Characteristic, false, payload)
	case bridge.Progress:
		return p.publish(p.prefix+"/progress", false, []byte(ev.Message))
	case bridge.DismissProgress:
		return p.publish(p.prefix+"/progress", false, []byte{})
	case bridge.Cleared:
		return p.publish(p.prefix+"/status", true, []byte(StatusCleared))
	default:
		return nil
	}
}

func (p *MQTTPublisher) publish(topic string, retained bool, payload []byte) error {
	token := p.client.Publish(topic, p.qos, retained, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("timed out publishing to %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	p.logger.WithFields(logrus.Fields{
		"topic":    topic,
		"retained": retained,
	}).Debug("Published event")
	return nil
}

// Close disconnects a client created by DialMQTT.
func (p *MQTTPublisher) Close() {
	if p.disconnect != nil {
		p.disconnect()
	}
}
