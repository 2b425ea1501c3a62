// Package broker wires the topic router, retained store, session
// manager, and hook pipeline into a single publish/subscribe hub.
package broker

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nimbusmq/broker/encoding"
	"github.com/nimbusmq/broker/hook"
	"github.com/nimbusmq/broker/session"
	"github.com/nimbusmq/broker/topic"
	"github.com/nimbusmq/broker/types/message"
)

// Logger is the subset of pkg/logger.SlogLogger the broker needs for
// connection-lifecycle logging. Kept as an interface so Config can
// accept the teacher's *logger.SlogLogger without this package
// importing it directly.
type Logger interface {
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Debug(msg string, args ...interface{})
}

type noopLogger struct{}

func (noopLogger) Info(string, ...interface{})  {}
func (noopLogger) Warn(string, ...interface{})  {}
func (noopLogger) Error(string, ...interface{}) {}
func (noopLogger) Debug(string, ...interface{}) {}

// Config bundles the broker's collaborators. None of the fields are
// optional except Logger: callers assemble the pieces (memory or
// pebble/redis backed stores, a configured hook manager) and hand them
// to New. A nil Logger discards every log line.
type Config struct {
	Router      *topic.Router
	Retained    *topic.RetainedManager
	Broadcaster *topic.Broadcaster
	Sessions    *session.Manager
	Hooks       *hook.Manager
	AuthManager *hook.AuthManager
	Registerer  prometheus.Registerer
	Logger      Logger
}

// Broker is the in-process publish/subscribe hub shared by every
// client connection. It owns no network state; ClientConn drives it.
type Broker struct {
	router      *topic.Router
	retained    *topic.RetainedManager
	broadcaster *topic.Broadcaster
	sessions    *session.Manager
	hooks       *hook.Manager
	authManager *hook.AuthManager
	metrics     *metrics
	log         Logger
}

type metrics struct {
	published prometheus.Counter
	delivered prometheus.Counter
	dropped   *prometheus.CounterVec
	retained  prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mqtt_broker",
			Name:      "messages_published_total",
			Help:      "Total PUBLISH messages accepted from clients.",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mqtt_broker",
			Name:      "messages_delivered_total",
			Help:      "Total messages handed to a subscriber mailbox.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mqtt_broker",
			Name:      "messages_dropped_total",
			Help:      "Total messages dropped before delivery, by reason.",
		}, []string{"reason"}),
		retained: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mqtt_broker",
			Name:      "retained_messages",
			Help:      "Current count of retained messages.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.published, m.delivered, m.dropped, m.retained)
	}
	return m
}

// New assembles a Broker from its collaborators.
func New(cfg Config) *Broker {
	log := cfg.Logger
	if log == nil {
		log = noopLogger{}
	}
	return &Broker{
		router:      cfg.Router,
		retained:    cfg.Retained,
		broadcaster: cfg.Broadcaster,
		sessions:    cfg.Sessions,
		hooks:       cfg.Hooks,
		authManager: cfg.AuthManager,
		metrics:     newMetrics(cfg.Registerer),
		log:         log,
	}
}

// Publish accepts a message from publisherClientID (empty for a
// broker-originated will or system message) and fans it out to every
// matching subscriber's mailbox, honoring no-local and the
// retain-as-published subscription option. It also updates the
// retained-message store when the PUBLISH carries the retain flag.
func (b *Broker) Publish(ctx context.Context, publisherClientID string, msg *message.Message) error {
	b.metrics.published.Inc()

	if msg.Retain {
		var err error
		if len(msg.Payload) == 0 {
			err = b.retained.Delete(ctx, msg.Topic)
		} else {
			err = b.retained.Set(ctx, msg.Topic, msg)
		}
		if err != nil {
			return err
		}
	}

	subs := b.router.MatchWithPublisher(msg.Topic, publisherClientID)
	for _, sub := range subs {
		effectiveQoS := sub.QoS
		if msg.QoS < encoding.QoS(sub.QoS) {
			effectiveQoS = byte(msg.QoS)
		}

		delivered := &message.Message{
			Topic:      msg.Topic,
			Payload:    msg.Payload,
			QoS:        encoding.QoS(effectiveQoS),
			Retain:     sub.RetainAsPublished && msg.Retain,
			Properties: msg.Properties,
			CreatedAt:  msg.CreatedAt,
		}

		b.broadcaster.Send(sub.ClientID, topic.Delivery{
			Message: delivered,
			Sub:     sub,
		})
		b.metrics.delivered.Inc()
	}

	return nil
}

// Subscribe registers a subscription and returns any retained messages
// that must be replayed immediately, honoring the subscription's
// RetainHandling option (0: always send, 1: send only for a new
// subscription, 2: never send).
func (b *Broker) Subscribe(ctx context.Context, sub *topic.Subscription, isNewSubscription bool) ([]*message.Message, error) {
	if err := b.router.Subscribe(sub); err != nil {
		return nil, err
	}

	switch sub.RetainHandling {
	case 2:
		return nil, nil
	case 1:
		if !isNewSubscription {
			return nil, nil
		}
	}

	matcher := topic.NewTopicMatcher()
	return b.retained.Match(ctx, sub.TopicFilter, matcher)
}

// Unsubscribe removes a subscription, returning false if none existed.
func (b *Broker) Unsubscribe(clientID, filter string) bool {
	return b.router.Unsubscribe(clientID, filter)
}

// UnsubscribeAll removes every subscription for a client, used on
// session takeover and clean-start reconnects.
func (b *Broker) UnsubscribeAll(clientID string) int {
	return b.router.UnsubscribeAll(clientID)
}

// RegisterMailbox creates the per-client bounded mailbox a ClientConn
// drains for outbound deliveries.
func (b *Broker) RegisterMailbox(clientID string) <-chan topic.Delivery {
	return b.broadcaster.Register(clientID)
}

// UnregisterMailbox tears down a client's mailbox on disconnect.
func (b *Broker) UnregisterMailbox(clientID string) {
	b.broadcaster.Unregister(clientID)
}

// PublishWill implements session.WillPublisher. The session manager's
// expiry checker calls this directly once a disconnected session's
// will delay has elapsed (or immediately, for a zero delay). The will
// itself already survives a broker restart as part of the owning
// session's persisted state (session.Store), so there is nothing
// further to durably record here.
func (b *Broker) PublishWill(ctx context.Context, will *session.WillMessage, clientID string) error {
	b.log.Info("publishing will", "client_id", clientID, "topic", will.Topic)

	err := b.Publish(ctx, "", &message.Message{
		Topic:     will.Topic,
		Payload:   will.Payload,
		QoS:       encoding.QoS(will.QoS),
		Retain:    will.Retain,
		CreatedAt: time.Now(),
	})

	b.hooks.OnWillSent(&hook.Client{ID: clientID}, &hook.WillMessage{
		Topic:   will.Topic,
		Payload: will.Payload,
		QoS:     will.QoS,
		Retain:  will.Retain,
	})

	return err
}

// Hooks exposes the hook manager for callers that need to fire
// connection-lifecycle events outside the publish/subscribe path.
func (b *Broker) Hooks() *hook.Manager { return b.hooks }

// Sessions exposes the session manager for CONNECT-time resumption.
func (b *Broker) Sessions() *session.Manager { return b.sessions }
