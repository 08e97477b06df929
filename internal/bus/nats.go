package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/opensource-finance/cardsim/internal/domain"
)

// Message headers. The payload travels as the raw NATS body.
const (
	headerMessageID = "Cardsim-Message-Id"
	headerTimestamp = "Cardsim-Timestamp"
)

// workerQueue is the queue group that spreads run requests over workers.
const workerQueue = "cardsim-workers"

var errMissingMessageID = errors.New("message has no " + headerMessageID + " header")

// NATSBus implements EventBus using NATS. API replicas and workers in the
// Pro tier share runs and tick events through it.
type NATSBus struct {
	mu            sync.RWMutex
	conn          *nats.Conn
	subscriptions map[string]*natsSubscription
	config        domain.EventBusConfig
}

type natsSubscription struct {
	id    string
	topic string
	sub   *nats.Subscription
	bus   *NATSBus
}

// NewNATSBus connects to NATS, retrying up to NATSMaxReconnects times.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	if cfg.NATSUrl == "" {
		cfg.NATSUrl = nats.DefaultURL
	}
	if cfg.NATSMaxReconnects == 0 {
		cfg.NATSMaxReconnects = 10
	}
	if cfg.NATSReconnectWait == 0 {
		cfg.NATSReconnectWait = 5
	}

	conn, err := connect(cfg)
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
		config:        cfg,
	}, nil
}

func connect(cfg domain.EventBusConfig) (*nats.Conn, error) {
	wait := time.Duration(cfg.NATSReconnectWait) * time.Second

	opts := []nats.Option{
		nats.Name("cardsim"),
		nats.MaxReconnects(cfg.NATSMaxReconnects),
		nats.ReconnectWait(wait),
		// tick events keep flowing while the connection is re-established
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				slog.Error("NATS error", "error", err, "subject", sub.Subject)
				return
			}
			slog.Error("NATS error", "error", err)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.NATSMaxReconnects; attempt++ {
		conn, err := nats.Connect(cfg.NATSUrl, opts...)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		slog.Warn("NATS connection attempt failed",
			"attempt", attempt,
			"max_attempts", cfg.NATSMaxReconnects,
			"error", err,
		)
		if attempt < cfg.NATSMaxReconnects {
			time.Sleep(wait)
		}
	}
	return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", cfg.NATSMaxReconnects, lastErr)
}

// Publish sends payload on the subject named by topic.
func (b *NATSBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.conn.PublishMsg(toNATS(topic, payload)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers a handler for a subject. Run requests go through a
// queue group so each run executes on exactly one worker.
func (b *NATSBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	cb := func(m *nats.Msg) {
		msg, err := fromNATS(m)
		if err != nil {
			slog.Error("dropping malformed NATS message", "subject", m.Subject, "error", err)
			return
		}
		if err := handler(ctx, msg); err != nil {
			slog.Error("handler error",
				"subject", m.Subject,
				"message_id", msg.ID,
				"error", err,
			)
		}
	}

	var (
		natsSub *nats.Subscription
		err     error
	)
	if topic == domain.TopicRunRequested {
		natsSub, err = b.conn.QueueSubscribe(topic, workerQueue, cb)
	} else {
		natsSub, err = b.conn.Subscribe(topic, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	sub := &natsSubscription{
		id:    uuid.New().String(),
		topic: topic,
		sub:   natsSub,
		bus:   b,
	}

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

// Close drains every subscription and closes the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	subs := b.subscriptions
	b.subscriptions = make(map[string]*natsSubscription)
	b.mu.Unlock()

	for _, sub := range subs {
		if err := sub.sub.Drain(); err != nil {
			slog.Warn("failed to drain subscription", "subject", sub.topic, "error", err)
		}
	}
	b.conn.Close()
	return nil
}

// Stats returns NATS connection statistics.
func (b *NATSBus) Stats() nats.Statistics {
	return b.conn.Stats()
}

func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subscriptions, s.id)
	s.bus.mu.Unlock()
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) Topic() string {
	return s.topic
}

func toNATS(topic string, payload []byte) *nats.Msg {
	m := nats.NewMsg(topic)
	m.Header.Set(headerMessageID, uuid.New().String())
	m.Header.Set(headerTimestamp, strconv.FormatInt(time.Now().UnixNano(), 10))
	m.Data = payload
	return m
}

// fromNATS rebuilds a Message. Headers other than the id and timestamp
// become metadata.
func fromNATS(m *nats.Msg) (*domain.Message, error) {
	id := m.Header.Get(headerMessageID)
	if id == "" {
		return nil, errMissingMessageID
	}

	msg := &domain.Message{
		ID:       id,
		Topic:    m.Subject,
		Payload:  m.Data,
		Metadata: make(map[string]string),
	}
	if ts := m.Header.Get(headerTimestamp); ts != "" {
		n, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s header %q: %w", headerTimestamp, ts, err)
		}
		msg.Timestamp = n
	}
	for k, v := range m.Header {
		if k == headerMessageID || k == headerTimestamp || len(v) == 0 {
			continue
		}
		msg.Metadata[k] = v[0]
	}
	return msg, nil
}
