// Package mqtt publishes history events to an MQTT broker as JSON.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/loykin/mongovisr/internal/history"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	disconnectQuiesce     = 250 // milliseconds
	DefaultTopic          = "mongovisr/events"
)

// ErrPublishTimeout is returned when the broker does not acknowledge in time.
var ErrPublishTimeout = errors.New("mqtt publish timed out")

// publisher is the part of pahomqtt.Client the sink needs.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
}

// Options configures the broker connection.
type Options struct {
	Broker   string // tcp://host:1883
	ClientID string
	Username string
	Password string
	Topic    string // events go to <Topic>/<event type>
	QoS      byte
}

// Sink publishes every event to <topic>/<type>.
type Sink struct {
	client publisher
	topic  string
	qos    byte
	close  func()
}

// New connects to the broker and returns a Sink.
func New(o Options) (*Sink, error) {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(o.Broker)
	if o.ClientID == "" {
		o.ClientID = "mongovisr"
	}
	opts.SetClientID(o.ClientID)
	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(defaultConnectTimeout)

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect to %s: timed out", o.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", o.Broker, err)
	}
	s := newSink(client, o.Topic, o.QoS)
	s.close = func() { client.Disconnect(disconnectQuiesce) }
	return s, nil
}

func newSink(p publisher, topic string, qos byte) *Sink {
	topic = strings.TrimRight(topic, "/")
	if topic == "" {
		topic = DefaultTopic
	}
	if qos > 2 {
		qos = 2
	}
	return &Sink{client: p, topic: topic, qos: qos}
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	token := s.client.Publish(s.topic+"/"+string(e.Type), s.qos, false, payload)

	timeout := defaultPublishTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if !token.WaitTimeout(timeout) {
		return ErrPublishTimeout
	}
	return token.Error()
}

func (s *Sink) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}
