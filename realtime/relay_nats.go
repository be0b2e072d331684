package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/clawnet/reef/metric"
	"github.com/clawnet/reef/natsclient"
)

// DefaultNATSSubjectPrefix is the subject prefix for per-user relay channels
const DefaultNATSSubjectPrefix = "realtime.user."

// NATSRelay is the cross-node delivery backend over NATS. Frames are
// published to a per-recipient subject; every node subscribes to the
// subjects of the users it is hosting a live connection for, and forwards
// inbound relay frames to the local socket. No shared connection table, no
// cross-node consistency protocol.
type NATSRelay struct {
	client *natsclient.Client
	local  *Direct
	prefix string

	mu   sync.Mutex
	subs map[string]*natsclient.Subscription

	logger  *slog.Logger
	metrics *relayMetrics
}

type relayMetrics struct {
	published   prometheus.Counter
	forwarded   prometheus.Counter
	publishErrs prometheus.Counter
	subErrs     prometheus.Counter
}

func newRelayMetrics(registry *metric.MetricsRegistry, backend string) *relayMetrics {
	if registry == nil {
		return nil
	}

	m := &relayMetrics{
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "reef",
			Subsystem:   "relay",
			Name:        "frames_published_total",
			Help:        "Total frames published to per-user relay channels",
			ConstLabels: prometheus.Labels{"backend": backend},
		}),
		forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "reef",
			Subsystem:   "relay",
			Name:        "frames_forwarded_total",
			Help:        "Total relay frames forwarded to local sockets",
			ConstLabels: prometheus.Labels{"backend": backend},
		}),
		publishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "reef",
			Subsystem:   "relay",
			Name:        "publish_errors_total",
			Help:        "Total relay publish failures (absorbed)",
			ConstLabels: prometheus.Labels{"backend": backend},
		}),
		subErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "reef",
			Subsystem:   "relay",
			Name:        "subscribe_errors_total",
			Help:        "Total relay subscribe failures (absorbed)",
			ConstLabels: prometheus.Labels{"backend": backend},
		}),
	}

	registry.PrometheusRegistry().MustRegister(
		m.published, m.forwarded, m.publishErrs, m.subErrs,
	)
	return m
}

var _ Delivery = (*NATSRelay)(nil)

// NewNATSRelay creates a NATS relay backend. The registry argument is the
// local connection registry; metricsRegistry is optional. Channel
// subscriptions follow the registry's lifecycle hooks, which skip stale
// removals, so a displaced socket's late teardown cannot unsubscribe the
// connection that replaced it.
func NewNATSRelay(client *natsclient.Client, registry *Registry, subjectPrefix string, metricsRegistry *metric.MetricsRegistry) *NATSRelay {
	if subjectPrefix == "" {
		subjectPrefix = DefaultNATSSubjectPrefix
	}
	r := &NATSRelay{
		client:  client,
		local:   NewDirect(registry),
		prefix:  subjectPrefix,
		subs:    make(map[string]*natsclient.Subscription),
		logger:  slog.Default().With("component", "delivery-nats-relay"),
		metrics: newRelayMetrics(metricsRegistry, "nats"),
	}

	registry.OnConnect(func(userID string) {
		r.Connected(context.Background(), userID)
	})
	registry.OnDisconnect(func(userID string) {
		r.Disconnected(context.Background(), userID)
	})
	return r
}

func (r *NATSRelay) subject(userID string) string {
	return r.prefix + userID
}

// SendToUser publishes the frame to the recipient's relay channel. Publish
// failure degrades delivery for that frame only: logged, counted, absorbed.
func (r *NATSRelay) SendToUser(ctx context.Context, userID string, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		r.logger.Error("marshal frame", "user", userID, "error", err)
		return nil
	}

	if err := r.client.Publish(ctx, r.subject(userID), data); err != nil {
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
func (r *NATSRelay) SendToUsers(ctx context.Context, userIDs []string, frame Frame) error {
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

// BroadcastToRoom fans out to the room's locally known members. Members are
// hosted on this node (room membership requires a local connection), so the
// relay round-trip keeps one delivery path for all frames.
func (r *NATSRelay) BroadcastToRoom(ctx context.Context, roomID string, frame Frame) error {
	return r.SendToUsers(ctx, r.local.registry.RoomMembers(roomID), frame)
}

// JoinRoom delegates to the local registry
func (r *NATSRelay) JoinRoom(userID, roomID string) error {
	return r.local.JoinRoom(userID, roomID)
}

// LeaveRoom delegates to the local registry
func (r *NATSRelay) LeaveRoom(userID, roomID string) {
	r.local.LeaveRoom(userID, roomID)
}

// Connected subscribes this node to the user's relay channel. A subscribe
// failure means missed relay traffic for this user until the next connect
// attempt, which the best-effort contract accepts; it is logged and counted,
// never fatal.
func (r *NATSRelay) Connected(ctx context.Context, userID string) {
	sub, err := r.client.Subscribe(ctx, r.subject(userID), func(msgCtx context.Context, data []byte) {
		r.forward(msgCtx, userID, data)
	})
	if err != nil {
		r.logger.Warn("relay subscribe failed", "user", userID, "error", err)
		if r.metrics != nil {
			r.metrics.subErrs.Inc()
		}
		return
	}

	r.mu.Lock()
	if old, ok := r.subs[userID]; ok {
		// Displaced connection on the same node: drop the old subscription
		_ = old.Unsubscribe()
	}
	r.subs[userID] = sub
	r.mu.Unlock()
}

// Disconnected drops the user's channel subscription. Unsubscribe failure
// only wastes a channel; it is swallowed.
func (r *NATSRelay) Disconnected(_ context.Context, userID string) {
	r.mu.Lock()
	sub, ok := r.subs[userID]
	delete(r.subs, userID)
	r.mu.Unlock()

	if ok {
		if err := sub.Unsubscribe(); err != nil {
			r.logger.Debug("relay unsubscribe failed", "user", userID, "error", err)
		}
	}
}

// forward pushes an inbound relay frame to the local socket
func (r *NATSRelay) forward(ctx context.Context, userID string, data []byte) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		r.logger.Warn("malformed relay frame", "user", userID, "error", err)
		return
	}

	if r.metrics != nil {
		r.metrics.forwarded.Inc()
	}
	_ = r.local.SendToUser(ctx, userID, frame)
}

// Close drops all channel subscriptions. The NATS client itself is shared
// and closed by its owner.
func (r *NATSRelay) Close(_ context.Context) error {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[string]*natsclient.Subscription)
	r.mu.Unlock()

	for userID, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			r.logger.Debug("relay unsubscribe failed during close", "user", userID, "error", err)
		}
	}
	return nil
}
