package mqttmesh

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/time/rate"
)

// MQTT backplane defaults.
const (
	defaultMQTTConnectTimeout = 10 * time.Second
	defaultMQTTPublishTimeout = 30 * time.Second
	defaultMQTTQoS            = 1
)

// ErrMQTTBackplaneDisconnected is returned when the backplane client has
// lost its broker connection and an operation cannot be queued.
var ErrMQTTBackplaneDisconnected = errors.New("mqtt backplane disconnected")

// MQTTBackplaneConfig configures a backplane carried over an external
// MQTT broker.
type MQTTBackplaneConfig struct {
	// BrokerURL is the backplane broker address (e.g. "tcp://backplane:1883").
	BrokerURL string

	// ClientID identifies this node on the backplane broker. Defaults to
	// a generated ID.
	ClientID string

	// Username and Password authenticate against the backplane broker.
	Username string
	Password string

	// QoS is the delivery QoS for channel frames. Nil selects the default
	// of 1, giving at-least-once delivery across node boundaries; an
	// explicit 0 is honored.
	QoS *byte

	// ConnectTimeout bounds the initial connect. Defaults to 10s.
	ConnectTimeout time.Duration

	// PublishTimeout bounds each publish token wait. Defaults to 30s.
	PublishTimeout time.Duration

	// PublishRate caps outbound publishes per second. Zero means
	// unlimited.
	PublishRate rate.Limit

	// PublishBurst is the limiter burst size when PublishRate is set.
	// Defaults to 1.
	PublishBurst int

	// Logger receives malformed-frame warnings and handler failures.
	Logger Logger
}

// MQTTBackplane maps mesh channels onto topics of an external MQTT
// broker. A channel (provider, namespace, id) becomes the topic
// "provider/namespace/id"; envelope frames are the JSON wire form.
type MQTTBackplane struct {
	client  mqtt.Client
	qos     byte
	timeout time.Duration
	limiter *rate.Limiter
	logger  Logger

	mu     sync.Mutex
	closed bool
}

// NewMQTTBackplane connects to the backplane broker and returns the
// backplane. The paho client reconnects automatically; subscriptions
// are restored by the broker session.
func NewMQTTBackplane(cfg MQTTBackplaneConfig) (*MQTTBackplane, error) {
	if cfg.BrokerURL == "" {
		return nil, errors.New("mqtt backplane: broker URL is required")
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = string(GenerateNodeID())
	}

	qos, err := resolveMQTTQoS(cfg.QoS)
	if err != nil {
		return nil, err
	}

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultMQTTConnectTimeout
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(clientID).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetOrderMatters(false)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt backplane: connect timed out after %s", connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt backplane: connect: %w", err)
	}

	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = defaultMQTTPublishTimeout
	}

	var limiter *rate.Limiter
	if cfg.PublishRate > 0 {
		burst := cfg.PublishBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(cfg.PublishRate, burst)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = NewNoOpLogger()
	}

	return &MQTTBackplane{
		client:  client,
		qos:     qos,
		timeout: timeout,
		limiter: limiter,
		logger:  logger,
	}, nil
}

// resolveMQTTQoS turns the configured QoS into the effective one. A nil
// value means the default; 0, 1 and 2 are all valid explicit levels.
func resolveMQTTQoS(qos *byte) (byte, error) {
	if qos == nil {
		return defaultMQTTQoS, nil
	}
	if *qos > 2 {
		return 0, fmt.Errorf("mqtt backplane: invalid qos %d", *qos)
	}
	return *qos, nil
}

// channelTopic maps a channel onto its backplane topic.
func channelTopic(ch ChannelID) string {
	return strings.Join([]string{ch.Provider, ch.Namespace, ch.ID}, "/")
}

// Subscribe attaches handler to the channel's topic.
func (b *MQTTBackplane) Subscribe(_ context.Context, ch ChannelID, handler ChannelHandler) (Subscription, error) {
	if err := ch.Validate(); err != nil {
		return nil, err
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	topic := channelTopic(ch)
	logger := b.logger.WithFields(LogFields{LogFieldChannel: ch.Key()})

	callback := func(_ mqtt.Client, msg mqtt.Message) {
		env, err := DecodeEnvelope(msg.Payload())
		if err != nil {
			logger.Warn("dropping undecodable channel frame", LogFields{LogFieldError: err})
			return
		}
		if err := handler(context.Background(), env); err != nil {
			logger.Warn("channel handler failed", LogFields{LogFieldError: err})
		}
	}

	token := b.client.Subscribe(topic, b.qos, callback)
	if !token.WaitTimeout(b.timeout) {
		return nil, fmt.Errorf("mqtt backplane: subscribe to %q timed out", topic)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt backplane: subscribe to %q: %w", topic, err)
	}

	return &mqttSubscription{backplane: b, channel: ch, topic: topic}, nil
}

// Publish delivers the envelope to the channel's topic.
func (b *MQTTBackplane) Publish(ctx context.Context, ch ChannelID, env Envelope) error {
	if err := ch.Validate(); err != nil {
		return err
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	data, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}

	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("mqtt backplane: rate limit wait: %w", err)
		}
	}

	if !b.client.IsConnectionOpen() {
		return ErrMQTTBackplaneDisconnected
	}

	token := b.client.Publish(channelTopic(ch), b.qos, false, data)
	if !token.WaitTimeout(b.timeout) {
		return fmt.Errorf("mqtt backplane: publish to %q timed out", ch.Key())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt backplane: publish to %q: %w", ch.Key(), err)
	}
	return nil
}

// Close disconnects from the backplane broker.
func (b *MQTTBackplane) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	b.client.Disconnect(250)
	return nil
}

func (b *MQTTBackplane) checkOpen() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBackplaneClosed
	}
	return nil
}

type mqttSubscription struct {
	backplane *MQTTBackplane
	channel   ChannelID
	topic     string

	mu       sync.Mutex
	detached bool
}

func (s *mqttSubscription) Channel() ChannelID {
	return s.channel
}

func (s *mqttSubscription) Unsubscribe(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.detached {
		return nil
	}
	s.detached = true

	if err := s.backplane.checkOpen(); err != nil {
		return nil
	}

	token := s.backplane.client.Unsubscribe(s.topic)
	if !token.WaitTimeout(s.backplane.timeout) {
		return fmt.Errorf("mqtt backplane: unsubscribe from %q timed out", s.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt backplane: unsubscribe from %q: %w", s.topic, err)
	}
	return nil
}
