package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/arena/go/internal/battle/outbox"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// Handler receives feed envelopes for one room, in version order, with stale
// deliveries already dropped. Delivery is at-least-once upstream; handlers
// treat an envelope as a re-read signal, never as the state itself.
type Handler func(env outbox.Envelope)

// Subscription is one room's live feed. Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe()
}

// Feed hands out per-room subscriptions to the room change feed.
type Feed interface {
	Subscribe(ctx context.Context, roomID uuid.UUID, h Handler) (Subscription, error)
}

// JetStreamFeedConfig holds configuration for the JetStream-backed feed.
type JetStreamFeedConfig struct {
	URL           string
	StreamName    string
	SubjectPrefix string // e.g. "battle.rooms"
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultJetStreamFeedConfig returns default feed configuration.
func DefaultJetStreamFeedConfig() JetStreamFeedConfig {
	return JetStreamFeedConfig{
		URL:           nats.DefaultURL,
		StreamName:    "BATTLE_EVENTS",
		SubjectPrefix: "battle.rooms",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// JetStreamFeed subscribes sessions to per-room subjects using ordered
// consumers, one per subscription.
type JetStreamFeed struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config JetStreamFeedConfig
}

// NewJetStreamFeed connects to NATS and returns a feed.
func NewJetStreamFeed(config JetStreamFeedConfig) (*JetStreamFeed, error) {
	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	return &JetStreamFeed{nc: nc, js: js, config: config}, nil
}

// Subscribe attaches an ordered consumer to the room's subject. The version
// gate lives here: an envelope whose version is not beyond the highest seen on
// this subscription is dropped before the handler runs.
func (f *JetStreamFeed) Subscribe(ctx context.Context, roomID uuid.UUID, h Handler) (Subscription, error) {
	stream, err := f.js.Stream(ctx, f.config.StreamName)
	if err != nil {
		return nil, fmt.Errorf("get stream: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", f.config.SubjectPrefix, roomID)
	consumer, err := stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
	})
	if err != nil {
		return nil, fmt.Errorf("create ordered consumer: %w", err)
	}

	gate := &versionGate{}
	consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		var env outbox.Envelope
		if err := json.Unmarshal(msg.Data(), &env); err != nil {
			log.Error().Err(err).Str("subject", msg.Subject()).Msg("failed to unmarshal feed envelope")
			return
		}
		if !gate.admit(env.Version) {
			log.Debug().
				Str("room_id", env.RoomID).
				Int64("version", env.Version).
				Msg("dropping stale feed envelope")
			return
		}
		h(env)
	})
	if err != nil {
		return nil, fmt.Errorf("start consumer: %w", err)
	}

	log.Debug().Str("room_id", roomID.String()).Str("subject", subject).Msg("subscribed to room feed")
	return &jetStreamSubscription{consumeCtx: consumeCtx}, nil
}

// Close shuts down the underlying NATS connection.
func (f *JetStreamFeed) Close() {
	if f.nc != nil {
		f.nc.Close()
	}
}

type jetStreamSubscription struct {
	consumeCtx jetstream.ConsumeContext
	once       sync.Once
}

func (s *jetStreamSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.consumeCtx.Stop()
	})
}

// versionGate drops deliveries that do not advance the room version. Safe for
// redelivery and for duplicated publishes.
type versionGate struct {
	mu   sync.Mutex
	seen int64
}

func (g *versionGate) admit(version int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if version <= g.seen {
		return false
	}
	g.seen = version
	return true
}
