// Package gateway is the WebSocket edge: authenticated handshake, upgrade,
// control-frame read loop, and the wiring between the event bus and the
// delivery backend.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/clawnet/reef/errors"
	"github.com/clawnet/reef/eventbus"
	"github.com/clawnet/reef/metric"
	"github.com/clawnet/reef/realtime"
)

// DefaultPath is the WebSocket endpoint path when none is configured
const DefaultPath = "/ws"

// shutdownTimeout bounds HTTP server drain on Stop
const shutdownTimeout = 5 * time.Second

// Config holds gateway construction parameters
type Config struct {
	Port int
	Path string

	Registry        *realtime.Registry
	Delivery        realtime.Delivery
	CatchUp         *realtime.CatchUp
	Authenticator   Authenticator
	MetricsRegistry *metric.MetricsRegistry

	// Health, when set, is mounted at /healthz alongside the endpoint
	Health http.Handler
}

// Server is the WebSocket endpoint. It owns the HTTP listener and the
// per-connection read loops; connection state itself lives in the registry.
type Server struct {
	port     int
	path     string
	registry *realtime.Registry
	delivery realtime.Delivery
	catchup  *realtime.CatchUp
	auth     Authenticator
	health   http.Handler

	upgrader websocket.Upgrader
	server   *http.Server

	lifecycleMu sync.Mutex
	running     bool

	logger  *slog.Logger
	metrics *serverMetrics
}

type serverMetrics struct {
	handshakes *prometheus.CounterVec
	catchups   prometheus.Counter
}

func newServerMetrics(registry *metric.MetricsRegistry) *serverMetrics {
	if registry == nil {
		return nil
	}

	m := &serverMetrics{
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reef",
			Subsystem: "gateway",
			Name:      "handshakes_total",
			Help:      "Total handshake attempts by outcome",
		}, []string{"outcome"}),
		catchups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reef",
			Subsystem: "gateway",
			Name:      "catchup_requests_total",
			Help:      "Total catch-up control frames handled",
		}),
	}

	registry.PrometheusRegistry().MustRegister(m.handshakes, m.catchups)
	return m
}

// NewServer creates a gateway server. Registry, Delivery, and
// Authenticator are required; CatchUp is optional (catch-up frames are
// ignored without it).
func NewServer(cfg Config) (*Server, error) {
	if cfg.Registry == nil || cfg.Delivery == nil || cfg.Authenticator == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Server", "NewServer",
			"registry, delivery, and authenticator are required")
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}

	return &Server{
		port:     cfg.Port,
		path:     cfg.Path,
		registry: cfg.Registry,
		delivery: cfg.Delivery,
		catchup:  cfg.CatchUp,
		auth:     cfg.Authenticator,
		health:   cfg.Health,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  slog.Default().With("component", "gateway"),
		metrics: newServerMetrics(cfg.MetricsRegistry),
	}, nil
}

// Handler returns the WebSocket handshake handler, for mounting on an
// external mux or an httptest server
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleHandshake)
}

// Start begins serving the WebSocket endpoint. Blocks until the listener
// stops.
func (s *Server) Start() error {
	s.lifecycleMu.Lock()
	if s.running {
		s.lifecycleMu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Start", "gateway already running")
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleHandshake)
	if s.health != nil {
		mux.Handle("/healthz", s.health)
	}
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}
	s.running = true
	s.lifecycleMu.Unlock()

	s.logger.Info("gateway listening", "addr", s.server.Addr, "path", s.path)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.WrapTransient(err, "Server", "Start", "serve websocket endpoint")
	}
	return nil
}

// Stop drains the HTTP server. The registry closes the connections
// themselves; Stop is idempotent.
func (s *Server) Stop() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "shutdown http server")
	}
	return nil
}

// handleHandshake authenticates and upgrades one client connection.
// Rejection happens before the upgrade so no connection state ever exists
// for an unverified caller.
func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	creds := Credentials{
		ClawID:    query.Get("claw"),
		Timestamp: query.Get("ts"),
		Signature: query.Get("sig"),
	}

	userID, err := s.auth.Verify(r.Context(), creds)
	if err != nil {
		s.logger.Debug("handshake rejected", "claw", creds.ClawID, "error", err)
		if s.metrics != nil {
			s.metrics.handshakes.WithLabelValues("rejected").Inc()
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade writes its own error response
		s.logger.Debug("upgrade failed", "user", userID, "error", err)
		if s.metrics != nil {
			s.metrics.handshakes.WithLabelValues("upgrade_failed").Inc()
		}
		return
	}

	if s.metrics != nil {
		s.metrics.handshakes.WithLabelValues("accepted").Inc()
	}

	// Registering fires the registry's lifecycle hooks, which relay
	// backends use to subscribe the user's channel.
	transport := realtime.NewWebSocketTransport(conn)
	connection := s.registry.Register(userID, transport)

	conn.SetPongHandler(func(string) error {
		connection.MarkAlive()
		return nil
	})

	go s.readLoop(conn, connection, userID)
}

// readLoop consumes client control frames until the socket drops. The
// deferred Unregister is stale-guarded by the registry: if a newer
// connection has already displaced this one, nothing is removed and the
// relay subscription for the live connection stays up.
func (s *Server) readLoop(conn *websocket.Conn, connection *realtime.Connection, userID string) {
	defer s.registry.Unregister(userID, connection)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var frame realtime.ControlFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Debug("malformed control frame", "user", userID, "error", err)
			continue
		}

		switch frame.Type {
		case realtime.ControlCatchUp:
			s.handleCatchUp(userID, frame.LastSeq)
		default:
			s.logger.Debug("unknown control frame", "user", userID, "type", frame.Type)
		}
	}
}

func (s *Server) handleCatchUp(userID string, lastSeq uint64) {
	if s.catchup == nil {
		return
	}
	if s.metrics != nil {
		s.metrics.catchups.Inc()
	}

	sent, err := s.catchup.Resolve(context.Background(), userID, lastSeq)
	if err != nil {
		s.logger.Warn("catch-up failed", "user", userID, "after", lastSeq, "error", err)
		return
	}
	s.logger.Debug("catch-up served", "user", userID, "after", lastSeq, "sent", sent)
}

// Attach subscribes the gateway to the bus event types that map onto the
// client frame vocabulary. Each event becomes one frame pushed to its
// owner's live connection; the event's sequence number, when present,
// rides along so live and replayed frames are indistinguishable.
func (s *Server) Attach(bus *eventbus.Bus, eventTypes ...string) {
	for _, eventType := range eventTypes {
		bus.Subscribe(eventType, s.forward)
	}
}

// FrameEventTypes is the default bus-to-frame vocabulary
func FrameEventTypes() []string {
	return []string{
		realtime.FrameMessageNew,
		realtime.FrameMessageEdited,
		realtime.FrameMessageDeleted,
		realtime.FrameReactionAdded,
		realtime.FrameReactionRemoved,
		realtime.FrameFriendRequest,
		realtime.FrameFriendAccepted,
		realtime.FrameGroupCreated,
		realtime.FrameGroupUpdated,
		realtime.FrameGroupMember,
	}
}

func (s *Server) forward(ctx context.Context, ev eventbus.Event) {
	frame, err := realtime.NewFrame(ev.Type, ev.Payload)
	if err != nil {
		s.logger.Warn("unmarshalable event payload", "type", ev.Type, "error", err)
		return
	}
	frame.Seq = ev.Seq

	if err := s.delivery.SendToUser(ctx, ev.Owner, frame); err != nil {
		s.logger.Warn("delivery failed", "user", ev.Owner, "type", ev.Type, "error", err)
	}
}
