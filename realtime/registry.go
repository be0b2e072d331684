package realtime

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/clawnet/reef/errors"
	"github.com/clawnet/reef/metric"
)

// DefaultHeartbeatInterval is the ping cadence when none is configured
const DefaultHeartbeatInterval = 30 * time.Second

// Registry tracks the live connection per claw and logical room membership.
// It is an explicitly owned object injected into the components that need
// it, never a process-global; tests create as many as they like.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
	// rooms maps roomID -> set of member userIDs. Room membership is
	// realtime-only and independent of any persisted group entity.
	rooms map[string]map[string]struct{}
	// memberships maps userID -> set of roomIDs, for cleanup on disconnect
	memberships map[string]map[string]struct{}

	heartbeatInterval time.Duration

	// Lifecycle hooks, used by relay delivery backends to keep per-user
	// channel subscriptions symmetric with connect/disconnect.
	onConnect    func(userID string)
	onDisconnect func(userID string)

	shutdown chan struct{}
	stopOnce sync.Once
	started  bool

	logger  *slog.Logger
	metrics *registryMetrics
}

type registryMetrics struct {
	connected     prometheus.Gauge
	registrations prometheus.Counter
	displacements prometheus.Counter
	evictions     *prometheus.CounterVec
	roomJoins     prometheus.Counter
}

func newRegistryMetrics(registry *metric.MetricsRegistry) *registryMetrics {
	if registry == nil {
		return nil
	}

	m := &registryMetrics{
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "reef",
			Subsystem: "realtime",
			Name:      "connections",
			Help:      "Number of currently registered connections",
		}),
		registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reef",
			Subsystem: "realtime",
			Name:      "registrations_total",
			Help:      "Total connection registrations",
		}),
		displacements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reef",
			Subsystem: "realtime",
			Name:      "displacements_total",
			Help:      "Total connections displaced by a newer connection for the same user",
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reef",
			Subsystem: "realtime",
			Name:      "evictions_total",
			Help:      "Total connections removed by reason",
		}, []string{"reason"}),
		roomJoins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reef",
			Subsystem: "realtime",
			Name:      "room_joins_total",
			Help:      "Total room joins",
		}),
	}

	registry.PrometheusRegistry().MustRegister(
		m.connected,
		m.registrations,
		m.displacements,
		m.evictions,
		m.roomJoins,
	)

	return m
}

// NewRegistry creates a connection registry. The metrics registry is
// optional; heartbeatInterval <= 0 selects the default.
func NewRegistry(heartbeatInterval time.Duration, metricsRegistry *metric.MetricsRegistry) *Registry {
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	return &Registry{
		conns:             make(map[string]*Connection),
		rooms:             make(map[string]map[string]struct{}),
		memberships:       make(map[string]map[string]struct{}),
		heartbeatInterval: heartbeatInterval,
		shutdown:          make(chan struct{}),
		logger:            slog.Default().With("component", "realtime-registry"),
		metrics:           newRegistryMetrics(metricsRegistry),
	}
}

// OnConnect sets the hook invoked after a connection is registered.
// Must be set before Start.
func (r *Registry) OnConnect(fn func(userID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onConnect = fn
}

// OnDisconnect sets the hook invoked after a connection is removed.
// Must be set before Start.
func (r *Registry) OnDisconnect(fn func(userID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDisconnect = fn
}

// Register installs a connection for a verified identity. If the user
// already holds a connection it is displaced: closed with CloseReplaced
// before the new one becomes visible, so multi-device use degrades to
// single-active-socket instead of duplicating deliveries.
func (r *Registry) Register(userID string, transport Transport) *Connection {
	conn := newConnection(userID, transport)

	r.mu.Lock()
	old := r.conns[userID]
	r.conns[userID] = conn
	count := len(r.conns)
	onConnect := r.onConnect
	r.mu.Unlock()

	if old != nil {
		old.close(CloseReplaced, "connection replaced by newer session")
		r.logger.Info("displaced connection", "user", userID)
		if r.metrics != nil {
			r.metrics.displacements.Inc()
		}
	}

	r.logger.Debug("registered connection", "user", userID, "connections", count)
	if r.metrics != nil {
		r.metrics.registrations.Inc()
		r.metrics.connected.Set(float64(count))
	}

	if onConnect != nil {
		onConnect(userID)
	}
	return conn
}

// Unregister removes a connection. The conn argument guards against a stale
// disconnect racing a fresh registration for the same user: only the current
// connection is removed. Idempotent.
func (r *Registry) Unregister(userID string, conn *Connection) {
	r.remove(userID, conn, "disconnect", errors.ErrConnectionLost.Error())
}

// remove unregisters conn if it is still current, closes it, and cleans up
// room membership. Only a heartbeat eviction carries the liveness close
// code; other removals close with a neutral code.
func (r *Registry) remove(userID string, conn *Connection, reason, detail string) {
	code := CloseNormal
	switch reason {
	case "heartbeat":
		code = CloseHeartbeatTimeout
	case "shutdown":
		code = CloseGoingAway
	}

	r.mu.Lock()
	current, ok := r.conns[userID]
	if !ok || (conn != nil && current != conn) {
		r.mu.Unlock()
		// Stale or already-removed connection: still make sure it is closed
		if conn != nil {
			conn.close(code, detail)
		}
		return
	}
	delete(r.conns, userID)
	r.forgetRoomsLocked(userID)
	count := len(r.conns)
	onDisconnect := r.onDisconnect
	r.mu.Unlock()

	current.close(code, detail)

	r.logger.Debug("unregistered connection", "user", userID, "reason", reason)
	if r.metrics != nil {
		r.metrics.evictions.WithLabelValues(reason).Inc()
		r.metrics.connected.Set(float64(count))
	}

	if onDisconnect != nil {
		onDisconnect(userID)
	}
}

// Get returns the live connection for a user, or nil when offline
func (r *Registry) Get(userID string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[userID]
}

// Count returns the number of registered connections
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// JoinRoom adds the user's connection to a room. Joining without a live
// connection is a caller bug and fails loudly.
func (r *Registry) JoinRoom(userID, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[userID]; !ok {
		return errors.WrapInvalid(errors.ErrNoConnection, "Registry", "JoinRoom",
			fmt.Sprintf("join room %s for offline user %s", roomID, userID))
	}

	if r.rooms[roomID] == nil {
		r.rooms[roomID] = make(map[string]struct{})
	}
	r.rooms[roomID][userID] = struct{}{}

	if r.memberships[userID] == nil {
		r.memberships[userID] = make(map[string]struct{})
	}
	r.memberships[userID][roomID] = struct{}{}

	if r.metrics != nil {
		r.metrics.roomJoins.Inc()
	}
	return nil
}

// LeaveRoom removes the user from a room. Idempotent: leaving a room the
// user is not in is a no-op.
func (r *Registry) LeaveRoom(userID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveRoomLocked(userID, roomID)
}

func (r *Registry) leaveRoomLocked(userID, roomID string) {
	if members, ok := r.rooms[roomID]; ok {
		delete(members, userID)
		if len(members) == 0 {
			delete(r.rooms, roomID)
		}
	}
	if joined, ok := r.memberships[userID]; ok {
		delete(joined, roomID)
		if len(joined) == 0 {
			delete(r.memberships, userID)
		}
	}
}

// forgetRoomsLocked removes a disconnecting user from every room
func (r *Registry) forgetRoomsLocked(userID string) {
	for roomID := range r.memberships[userID] {
		r.leaveRoomLocked(userID, roomID)
	}
}

// RoomMembers returns the userIDs currently joined to a room
func (r *Registry) RoomMembers(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make([]string, 0, len(r.rooms[roomID]))
	for userID := range r.rooms[roomID] {
		members = append(members, userID)
	}
	return members
}

// InRoom reports whether the user is currently joined to the room
func (r *Registry) InRoom(userID, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID][userID]
	return ok
}

// Start launches the heartbeat loop. Every interval each connection is
// pinged and its liveness mark cleared; a connection whose mark is still
// clear at the next tick has missed two consecutive probes and is removed.
// Two strikes, not one, so a single dropped keepalive frame is tolerated.
func (r *Registry) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	go r.heartbeatLoop()
}

func (r *Registry) heartbeatLoop() {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.shutdown:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep runs one heartbeat pass over a snapshot of the connection table
func (r *Registry) sweep() {
	r.mu.RLock()
	snapshot := make(map[string]*Connection, len(r.conns))
	for userID, conn := range r.conns {
		snapshot[userID] = conn
	}
	r.mu.RUnlock()

	for userID, conn := range snapshot {
		if !conn.alive.Load() {
			// Second consecutive missed probe
			r.remove(userID, conn, "heartbeat", "missed two consecutive heartbeats")
			continue
		}

		conn.alive.Store(false)
		if err := conn.ping(); err != nil {
			// Transport failure is a lifecycle event, not an error
			r.remove(userID, conn, "disconnect", "ping write failed")
		}
	}
}

// Stop cancels the heartbeat loop and closes every connection. Idempotent.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.shutdown)

		r.mu.Lock()
		conns := make(map[string]*Connection, len(r.conns))
		for userID, conn := range r.conns {
			conns[userID] = conn
		}
		r.mu.Unlock()

		for userID, conn := range conns {
			r.remove(userID, conn, "shutdown", "server shutting down")
		}
	})
}
