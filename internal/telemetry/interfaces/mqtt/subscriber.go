package mqtt

import (
	"errors"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"plant-insights/internal/observability/metrics"
	telemetry "plant-insights/internal/telemetry/domain"
)

const (
	defaultQoS        byte = 0
	disconnectQuiesce      = 250
	connectTimeout         = 10 * time.Second
)

// Sink accepts pushed readings for the next pump cycle.
type Sink interface {
	Push(readings ...telemetry.Reading) int
}

// Subscriber feeds readings published on an MQTT topic into a sink.
type Subscriber struct {
	client paho.Client
	topic  string
	sink   Sink
	logger *zap.Logger
}

// Option configures the subscriber.
type Option func(*Subscriber)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Subscriber) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClient overrides the MQTT client, mainly for tests.
func WithClient(client paho.Client) Option {
	return func(s *Subscriber) {
		if client != nil {
			s.client = client
		}
	}
}

// NewSubscriber constructs a subscriber for broker and topic.
func NewSubscriber(broker, topic string, sink Sink, opts ...Option) (*Subscriber, error) {
	if sink == nil {
		return nil, errors.New("mqtt: nil sink")
	}
	if topic == "" {
		return nil, errors.New("mqtt: empty topic")
	}
	s := &Subscriber{topic: topic, sink: sink, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		if broker == "" {
			return nil, errors.New("mqtt: empty broker")
		}
		clientOpts := paho.NewClientOptions().
			AddBroker(broker).
			SetClientID("plant-insights-" + fmt.Sprint(time.Now().UnixNano())).
			SetAutoReconnect(true).
			SetConnectTimeout(connectTimeout)
		clientOpts.SetOnConnectHandler(func(client paho.Client) {
			// Subscriptions are not restored by the library after a reconnect.
			s.subscribe(client)
		})
		s.client = paho.NewClient(clientOpts)
	}
	return s, nil
}

// Start connects to the broker. The subscription is made from the connect handler.
func (s *Subscriber) Start() error {
	token := s.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return errors.New("mqtt: connect timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: connect: %w", err)
	}
	return nil
}

// Close disconnects from the broker.
func (s *Subscriber) Close() {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(disconnectQuiesce)
	}
}

func (s *Subscriber) subscribe(client paho.Client) {
	token := client.Subscribe(s.topic, defaultQoS, s.HandleMessage)
	if token.Wait() && token.Error() != nil {
		s.logger.Error("mqtt subscribe failed", zap.String("topic", s.topic), zap.Error(token.Error()))
		return
	}
	s.logger.Info("mqtt subscribed", zap.String("topic", s.topic))
}

// HandleMessage decodes one message and pushes its readings.
func (s *Subscriber) HandleMessage(_ paho.Client, msg paho.Message) {
	readings, err := telemetry.DecodePayload(msg.Payload())
	if err != nil {
		s.logger.Warn("mqtt ingest: invalid payload", zap.String("topic", msg.Topic()), zap.Error(err))
		return
	}
	if dropped := s.sink.Push(readings...); dropped > 0 {
		s.logger.Warn("mqtt ingest: buffer full, dropped oldest readings", zap.Int("dropped", dropped))
	}
	metrics.AddReadingsReceived("mqtt", len(readings))
}
