package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/clawnet/reef/metric"
)

// DefaultRedisChannelPrefix is the channel prefix for per-user relay channels
const DefaultRedisChannelPrefix = "realtime:user:"

// RedisRelay is the cross-node delivery backend over Redis pub/sub, for
// deployments that already run Redis instead of NATS. Semantics are
// identical to NATSRelay: per-recipient channels, subscribe on connect,
// unsubscribe on disconnect, failures absorbed.
type RedisRelay struct {
	client *redis.Client
	local  *Direct
	prefix string

	mu   sync.Mutex
	subs map[string]*redisSub

	logger  *slog.Logger
	metrics *relayMetrics
}

// redisSub tracks one per-user pubsub and its reader goroutine
type redisSub struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

var _ Delivery = (*RedisRelay)(nil)

// NewRedisRelay creates a Redis relay backend over the given registry. The
// relay drives its channel subscriptions off the registry's lifecycle hooks,
// which fire only on real state transitions: a displaced connection's late
// teardown never tears down the subscription the replacement just opened.
func NewRedisRelay(client *redis.Client, registry *Registry, channelPrefix string, metricsRegistry *metric.MetricsRegistry) *RedisRelay {
	if channelPrefix == "" {
		channelPrefix = DefaultRedisChannelPrefix
	}
	r := &RedisRelay{
		client:  client,
		local:   NewDirect(registry),
		prefix:  channelPrefix,
		subs:    make(map[string]*redisSub),
		logger:  slog.Default().With("component", "delivery-redis-relay"),
		metrics: newRelayMetrics(metricsRegistry, "redis"),
	}

	registry.OnConnect(func(userID string) {
		r.Connected(context.Background(), userID)
	})
	registry.OnDisconnect(func(userID string) {
		r.Disconnected(context.Background(), userID)
	})
	return r
}

func (r *RedisRelay) channel(userID string) string {
	return r.prefix + userID
}

// SendToUser publishes the frame to the recipient's relay channel
func (r *RedisRelay) SendToUser(ctx context.Context, userID string, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		r.logger.Error("marshal frame", "user", userID, "error", err)
		return nil
	}

	if err := r.client.Publish(ctx, r.channel(userID), data).Err(); err != nil {
		r.logger.Warn("relay publish failed", "user", userID, "error", err)
		if r.metrics != nil {
			r.metrics.publishErrs.Inc()
		}
		return nil
	}

	if r.metrics != nil {
		r.metrics.published.Inc()
	}
	return nil
}

// SendToUsers fans out over the single-user primitive in parallel
func (r *RedisRelay) SendToUsers(ctx context.Context, userIDs []string, frame Frame) error {
	var wg sync.WaitGroup
	for _, userID := range userIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = r.SendToUser(ctx, id, frame)
		}(userID)
	}
	wg.Wait()
	return nil
}

// BroadcastToRoom fans out to the room's locally known members
func (r *RedisRelay) BroadcastToRoom(ctx context.Context, roomID string, frame Frame) error {
	return r.SendToUsers(ctx, r.local.registry.RoomMembers(roomID), frame)
}

// JoinRoom delegates to the local registry
func (r *RedisRelay) JoinRoom(userID, roomID string) error {
	return r.local.JoinRoom(userID, roomID)
}

// LeaveRoom delegates to the local registry
func (r *RedisRelay) LeaveRoom(userID, roomID string) {
	r.local.LeaveRoom(userID, roomID)
}

// Connected subscribes this node to the user's relay channel and starts the
// forwarding goroutine. Subscribe failure is absorbed.
func (r *RedisRelay) Connected(ctx context.Context, userID string) {
	subCtx, cancel := context.WithCancel(context.Background())

	pubsub := r.client.Subscribe(subCtx, r.channel(userID))
	// Force the subscription onto the wire before the caller proceeds, so a
	// frame published right after connect is not lost to a slow subscribe.
	if _, err := pubsub.Receive(ctx); err != nil {
		r.logger.Warn("relay subscribe failed", "user", userID, "error", err)
		if r.metrics != nil {
			r.metrics.subErrs.Inc()
		}
		_ = pubsub.Close()
		cancel()
		return
	}

	r.mu.Lock()
	if old, ok := r.subs[userID]; ok {
		old.cancel()
		_ = old.pubsub.Close()
	}
	r.subs[userID] = &redisSub{pubsub: pubsub, cancel: cancel}
	r.mu.Unlock()

	go r.readLoop(subCtx, userID, pubsub)
}

// readLoop forwards inbound relay frames to the local socket until the
// subscription is closed
func (r *RedisRelay) readLoop(ctx context.Context, userID string, pubsub *redis.PubSub) {
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			var frame Frame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				r.logger.Warn("malformed relay frame", "user", userID, "error", err)
				continue
			}

			if r.metrics != nil {
				r.metrics.forwarded.Inc()
			}
			_ = r.local.SendToUser(ctx, userID, frame)
		}
	}
}

// Disconnected drops the user's channel subscription; failure is swallowed
func (r *RedisRelay) Disconnected(_ context.Context, userID string) {
	r.mu.Lock()
	sub, ok := r.subs[userID]
	delete(r.subs, userID)
	r.mu.Unlock()

	if ok {
		sub.cancel()
		if err := sub.pubsub.Close(); err != nil {
			r.logger.Debug("relay unsubscribe failed", "user", userID, "error", err)
		}
	}
}

// Close drops all channel subscriptions. The Redis client is shared and
// closed by its owner.
func (r *RedisRelay) Close(_ context.Context) error {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[string]*redisSub)
	r.mu.Unlock()

	for userID, sub := range subs {
		sub.cancel()
		if err := sub.pubsub.Close(); err != nil {
			r.logger.Debug("relay unsubscribe failed during close", "user", userID, "error", err)
		}
	}
	return nil
}
