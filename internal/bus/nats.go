package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Envelope headers. The message body is the raw payload, so an evidence
// subscriber reads the same JSON line the JSONL writer produces.
const (
	headerMessageID  = "Nats-Msg-Id"
	headerRunID      = "Kestrel-Run-Id"
	headerTopic      = "Kestrel-Topic"
	headerTimestamp  = "Kestrel-Timestamp"
	headerMetaPrefix = "Kestrel-Meta-"
)

// flushTimeout bounds how long Close waits for buffered publishes.
const flushTimeout = 5 * time.Second

// NATSBus implements EventBus using NATS core subjects.
// Lets downstream case-management consumers follow a run from another process.
type NATSBus struct {
	mu            sync.Mutex
	conn          *nats.Conn
	subscriptions map[string]*natsSubscription
}

type natsSubscription struct {
	id    string
	topic string
	sub   *nats.Subscription
	bus   *NATSBus
}

// NewNATSBus connects to NATS, retrying the initial dial up to
// NATSMaxReconnects times.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	if cfg.NATSUrl == "" {
		cfg.NATSUrl = nats.DefaultURL
	}
	if cfg.NATSMaxReconnects <= 0 {
		cfg.NATSMaxReconnects = 10
	}
	if cfg.NATSReconnectWait <= 0 {
		cfg.NATSReconnectWait = 5
	}
	wait := time.Duration(cfg.NATSReconnectWait) * time.Second

	conn, err := connect(cfg.NATSUrl, cfg.NATSMaxReconnects, wait, natsOptions(cfg, wait))
	if err != nil {
		return nil, err
	}

	slog.Info("NATS connected",
		"url", conn.ConnectedUrl(),
		"server_id", conn.ConnectedServerId(),
		"headers", conn.HeadersSupported(),
	)

	return &NATSBus{
		conn:          conn,
		subscriptions: make(map[string]*natsSubscription),
	}, nil
}

func natsOptions(cfg domain.EventBusConfig, wait time.Duration) []nats.Option {
	opts := []nats.Option{
		nats.Name("kestrel"),
		nats.MaxReconnects(cfg.NATSMaxReconnects),
		nats.ReconnectWait(wait),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("NATS error", "error", err, "subject", subject)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}
	return opts
}

func connect(url string, attempts int, wait time.Duration, opts []nats.Option) (*nats.Conn, error) {
	var err error
	for i := 1; i <= attempts; i++ {
		var conn *nats.Conn
		if conn, err = nats.Connect(url, opts...); err == nil {
			return conn, nil
		}
		slog.Warn("NATS connection attempt failed", "attempt", i, "max_attempts", attempts, "error", err)
		if i < attempts {
			time.Sleep(wait)
		}
	}
	return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", attempts, err)
}

// Publish sends payload to kestrel.<runID>.<topic> with the envelope in
// headers.
func (b *NATSBus) Publish(ctx context.Context, runID string, topic string, payload []byte) error {
	if err := requireRunID(runID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m := toNATS(makeSubject(runID, topic), newMessage(runID, topic, payload))
	if err := b.conn.PublishMsg(m); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", m.Subject, err)
	}
	return nil
}

// Subscribe registers a handler for one topic of one run. Handler errors
// are logged; core NATS has no redelivery.
func (b *NATSBus) Subscribe(ctx context.Context, runID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if err := requireRunID(runID); err != nil {
		return nil, err
	}

	natsSub, err := b.conn.Subscribe(makeSubject(runID, topic), func(m *nats.Msg) {
		msg := fromNATS(m)
		if err := handler(ctx, msg); err != nil {
			slog.Error("handler error", "subject", m.Subject, "message_id", msg.ID, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	sub := &natsSubscription{id: uuid.New().String(), topic: topic, sub: natsSub, bus: b}

	b.mu.Lock()
	b.subscriptions[sub.id] = sub
	b.mu.Unlock()

	return sub, nil
}

// Ping round-trips to the server.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS not connected: %s", b.conn.Status())
	}
	return b.conn.FlushWithContext(ctx)
}

// Close unsubscribes, flushes pending publishes and closes the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	for id, sub := range b.subscriptions {
		_ = sub.sub.Unsubscribe()
		delete(b.subscriptions, id)
	}
	b.mu.Unlock()

	var err error
	if b.conn.IsConnected() {
		if err = b.conn.FlushTimeout(flushTimeout); err != nil {
			err = fmt.Errorf("failed to flush NATS publishes: %w", err)
		}
	}
	b.conn.Close()
	return err
}

// Stats returns NATS connection statistics.
func (b *NATSBus) Stats() nats.Statistics {
	return b.conn.Stats()
}

// makeSubject scopes a topic to its run: kestrel.<runID>.<topic>.
func makeSubject(runID, topic string) string {
	return "kestrel." + runID + "." + topic
}

func toNATS(subject string, msg *domain.Message) *nats.Msg {
	m := nats.NewMsg(subject)
	m.Data = msg.Payload
	m.Header.Set(headerMessageID, msg.ID)
	m.Header.Set(headerRunID, msg.RunID)
	m.Header.Set(headerTopic, msg.Topic)
	m.Header.Set(headerTimestamp, strconv.FormatInt(msg.Timestamp, 10))
	for k, v := range msg.Metadata {
		m.Header.Set(headerMetaPrefix+k, v)
	}
	return m
}

// fromNATS rebuilds the envelope. Messages from publishers that set no
// headers keep an empty ID and a zero timestamp.
func fromNATS(m *nats.Msg) *domain.Message {
	msg := &domain.Message{
		Payload:  m.Data,
		Metadata: make(map[string]string),
	}
	if m.Header == nil {
		return msg
	}
	msg.ID = m.Header.Get(headerMessageID)
	msg.RunID = m.Header.Get(headerRunID)
	msg.Topic = m.Header.Get(headerTopic)
	msg.Timestamp, _ = strconv.ParseInt(m.Header.Get(headerTimestamp), 10, 64)
	for k, vs := range m.Header {
		if name, ok := strings.CutPrefix(k, headerMetaPrefix); ok && len(vs) > 0 {
			msg.Metadata[name] = vs[0]
		}
	}
	return msg
}

// Unsubscribe removes the subscription.
func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subscriptions, s.id)
	s.bus.mu.Unlock()
	return s.sub.Unsubscribe()
}

// Topic returns the subscribed topic.
func (s *natsSubscription) Topic() string {
	return s.topic
}
