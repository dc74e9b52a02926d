// Package mqtt publishes measurements to the broker for one duty cycle.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"cloudpico-node/internal/errcode"
	"cloudpico-node/internal/types"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	ErrConnectFailed errcode.Code = "mqtt_connect_failed"
	ErrSendFailed    errcode.Code = "mqtt_send_failed"
)

// Telemetry is published at most once and never retained.
const (
	publishQoS      byte = 0
	publishRetained      = false
	eventBuffer          = 16
)

type Options struct {
	Broker         string
	Port           int
	ClientID       string
	SubscribeTopic string
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Port == 0 {
		o.Port = 1883
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 5 * time.Second
	}
	return o
}

func (o Options) brokerURL() string { return fmt.Sprintf("tcp://%s:%d", o.Broker, o.Port) }

// client is the part of mqtt.Client a session uses.
type client interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

var newClient = func(opts *mqtt.ClientOptions) client { return mqtt.NewClient(opts) }

type EventKind int

const (
	EventConnected EventKind = iota
	EventMessage
	EventConnectionLost
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventMessage:
		return "message"
	case EventConnectionLost:
		return "connection_lost"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is something the broker connection reported.
type Event struct {
	Kind    EventKind
	Topic   string
	Payload []byte
	Err     error
}

// Dialer opens broker sessions.
type Dialer struct {
	Options Options
	Logger  *slog.Logger
	// OnEvent, when set, sees every event the listener drains.
	OnEvent func(Event)
}

// Session is one broker connection plus the goroutine draining its events.
type Session struct {
	client  client
	opts    Options
	logger  *slog.Logger
	onEvent func(Event)

	events chan Event
	ready  chan struct{}
	done   chan struct{}
	lost   atomic.Bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// Open connects to the broker. The listener is running before Open returns.
func (d Dialer) Open(ctx context.Context) (*Session, error) {
	opts := d.Options.withDefaults()
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{
		opts:    opts,
		logger:  logger,
		onEvent: d.OnEvent,
		events:  make(chan Event, eventBuffer),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		stopCh:  make(chan struct{}),
	}

	co := mqtt.NewClientOptions()
	co.AddBroker(opts.brokerURL())
	co.SetClientID(opts.ClientID)
	co.SetCleanSession(true)

	// A session lives for one cycle; a lost connection is retried by the next attempt.
	co.SetAutoReconnect(false)
	co.SetConnectRetry(false)
	co.SetConnectTimeout(opts.ConnectTimeout)
	co.SetKeepAlive(30 * time.Second)
	co.SetOrderMatters(true)

	co.SetOnConnectHandler(func(_ mqtt.Client) {
		s.emit(Event{Kind: EventConnected})
	})
	co.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.lost.Store(true)
		s.emit(Event{Kind: EventConnectionLost, Err: err})
	})
	co.SetDefaultPublishHandler(s.onMessage)

	s.client = newClient(co)

	go s.listen()
	<-s.ready

	if err := s.connect(ctx); err != nil {
		s.Close()
		return nil, errcode.New(ErrConnectFailed, "mqtt.connect", err)
	}

	if opts.SubscribeTopic != "" {
		tok := s.client.Subscribe(opts.SubscribeTopic, publishQoS, s.onMessage)
		if err := s.await(ctx, tok, opts.ConnectTimeout); err != nil {
			s.Close()
			return nil, errcode.New(ErrConnectFailed, "mqtt.subscribe", fmt.Errorf("subscribe %s: %w", opts.SubscribeTopic, err))
		}
		logger.Debug("mqtt: subscribed", "topic", opts.SubscribeTopic)
	}

	logger.Info("mqtt: connected", "broker", opts.Broker, "port", opts.Port, "client_id", opts.ClientID)
	return s, nil
}

func (s *Session) connect(ctx context.Context) error {
	if err := s.await(ctx, s.client.Connect(), s.opts.ConnectTimeout); err != nil {
		return fmt.Errorf("connect %s: %w", s.opts.brokerURL(), err)
	}
	return nil
}

// await waits for tok to complete, for ctx, or for timeout, whichever is first.
func (s *Session) await(ctx context.Context, tok mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timed out after %v", timeout)
	case <-s.stopCh:
		return fmt.Errorf("session closed")
	}
}

func (s *Session) onMessage(_ mqtt.Client, msg mqtt.Message) {
	s.emit(Event{Kind: EventMessage, Topic: msg.Topic(), Payload: msg.Payload()})
}

// emit never blocks; events are dropped when the buffer is full.
func (s *Session) emit(ev Event) {
	select {
	case <-s.stopCh:
		return
	default:
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("mqtt: event dropped", "kind", ev.Kind.String())
	}
}

func (s *Session) listen() {
	defer close(s.done)
	close(s.ready)
	for {
		select {
		case <-s.stopCh:
			return
		case ev := <-s.events:
			s.handle(ev)
			if ev.Kind == EventConnectionLost {
				return
			}
		}
	}
}

func (s *Session) handle(ev Event) {
	switch ev.Kind {
	case EventConnected:
		s.logger.Debug("mqtt: connection acknowledged")
	case EventMessage:
		s.logger.Info("mqtt: message received", "topic", ev.Topic, "bytes", len(ev.Payload))
	case EventConnectionLost:
		s.logger.Warn("mqtt: connection lost", "error", ev.Err)
	}
	if s.onEvent != nil {
		s.onEvent(ev)
	}
}

// Publish sends payload to topic at QoS 0, not retained.
func (s *Session) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return errcode.New(ErrSendFailed, "mqtt.publish", err)
	}
	if s.lost.Load() {
		return errcode.Newf(ErrSendFailed, "mqtt.publish", "connection lost")
	}

	tok := s.client.Publish(topic, publishQoS, publishRetained, payload)
	if err := s.await(ctx, tok, s.opts.PublishTimeout); err != nil {
		s.logger.Error("mqtt: publish failed", "topic", topic, "error", err)
		return errcode.New(ErrSendFailed, "mqtt.publish", fmt.Errorf("topic %s: %w", topic, err))
	}
	s.logger.Debug("mqtt: published", "topic", topic, "payload", string(payload))
	return nil
}

// PublishMeasurement publishes temperature, humidity and pressure in that
// order. The first failure aborts the rest.
func (s *Session) PublishMeasurement(ctx context.Context, m types.Measurement) error {
	for _, f := range m.Fields() {
		if err := s.Publish(ctx, f.Topic, []byte(types.FormatValue(f.Value))); err != nil {
			return err
		}
	}
	return nil
}

// Close disconnects and waits for the listener to exit. Safe to call more
// than once.
func (s *Session) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.client.Disconnect(250)
		<-s.done
		s.logger.Info("mqtt: disconnected")
	})
	return nil
}
