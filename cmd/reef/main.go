// Package main implements the entry point for the reef realtime server:
// the WebSocket gateway, the delivery backend, and the reflex engine wired
// over one in-process event bus.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clawnet/reef/config"
	"github.com/clawnet/reef/eventbus"
	"github.com/clawnet/reef/gateway"
	"github.com/clawnet/reef/health"
	"github.com/clawnet/reef/inbox"
	"github.com/clawnet/reef/metric"
	"github.com/clawnet/reef/natsclient"
	"github.com/clawnet/reef/realtime"
	"github.com/clawnet/reef/reflex"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "reef"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, shouldExit := parseFlags()
	if shouldExit {
		return nil
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cliCfg.LogLevel != "" {
		cfg.LogLevel = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.LogFormat = cliCfg.LogFormat
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	slog.Info("Starting reef realtime server",
		"version", Version,
		"delivery", cfg.Delivery,
		"gateway_port", cfg.Gateway.Port)

	ctx := context.Background()
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	metricsRegistry := metric.NewMetricsRegistry()
	bus := eventbus.New(metricsRegistry)
	registry := realtime.NewRegistry(cfg.HeartbeatInterval, metricsRegistry)
	monitor := health.NewMonitor()

	// Backend selection happens once here; nothing downstream branches on it
	delivery, store, cleanup, err := setupBackend(ctx, cfg, registry, metricsRegistry, monitor)
	if err != nil {
		return err
	}
	defer cleanup()

	engine, err := setupReflex(cfg, bus, metricsRegistry)
	if err != nil {
		return err
	}

	gw, err := setupGateway(cfg, registry, delivery, store, metricsRegistry, bus, monitor)
	if err != nil {
		return err
	}
	monitor.UpdateHealthy("gateway", "listening")

	registry.Start()

	var metricsServer *metric.Server
	if cfg.Metrics.Enabled {
		metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, metricsRegistry)
		go func() {
			if err := metricsServer.Start(); err != nil {
				slog.Error("metrics server failed", "error", err)
			}
		}()
	}

	gatewayErr := make(chan error, 1)
	go func() {
		gatewayErr <- gw.Start()
	}()

	select {
	case err := <-gatewayErr:
		if err != nil {
			return fmt.Errorf("gateway: %w", err)
		}
	case <-signalCtx.Done():
		slog.Info("Received shutdown signal")
	}

	return shutdown(gw, registry, delivery, engine, metricsServer, cliCfg.ShutdownTimeout)
}

// setupBackend builds the delivery backend and inbox store for the
// configured deployment mode
func setupBackend(
	ctx context.Context,
	cfg *config.Config,
	registry *realtime.Registry,
	metricsRegistry *metric.MetricsRegistry,
	monitor *health.Monitor,
) (realtime.Delivery, inbox.Store, func(), error) {
	noop := func() {}

	switch cfg.Delivery {
	case config.DeliveryDirect:
		store, cleanup, err := setupInbox(ctx, cfg)
		if err != nil {
			return nil, nil, noop, err
		}
		monitor.UpdateHealthy("delivery", "direct backend")
		return realtime.NewDirect(registry), store, cleanup, nil

	case config.DeliveryNATS:
		natsClient, err := natsclient.NewClient(cfg.NATS.URL, natsclient.WithName(appName))
		if err != nil {
			return nil, nil, noop, fmt.Errorf("create NATS client: %w", err)
		}
		if err := natsClient.Connect(ctx); err != nil {
			return nil, nil, noop, fmt.Errorf("connect to NATS: %w", err)
		}
		cleanup := func() { _ = natsClient.Close(context.Background()) }

		monitor.UpdateHealthy("delivery", "nats relay connected")
		natsClient.OnDisconnect(func(err error) {
			msg := "nats relay disconnected"
			if err != nil {
				msg = err.Error()
			}
			monitor.UpdateDegraded("delivery", msg)
		})
		natsClient.OnReconnect(func() {
			monitor.UpdateHealthy("delivery", "nats relay reconnected")
		})

		var store inbox.Store = inbox.NewMemory()
		if cfg.NATS.InboxKV {
			kv, err := inbox.NewKV(ctx, natsClient, "")
			if err != nil {
				cleanup()
				return nil, nil, noop, fmt.Errorf("open inbox bucket: %w", err)
			}
			store = kv
		}

		// The relay subscribes itself to the registry's lifecycle hooks
		relay := realtime.NewNATSRelay(natsClient, registry, cfg.NATS.SubjectPrefix, metricsRegistry)
		return relay, store, cleanup, nil

	case config.DeliveryRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, noop, fmt.Errorf("connect to Redis: %w", err)
		}
		cleanup := func() { _ = client.Close() }
		monitor.UpdateHealthy("delivery", "redis relay connected")

		relay := realtime.NewRedisRelay(client, registry, cfg.Redis.ChannelPrefix, metricsRegistry)
		return relay, inbox.NewMemory(), cleanup, nil

	default:
		return nil, nil, noop, fmt.Errorf("unknown delivery backend %q", cfg.Delivery)
	}
}

// setupInbox builds the inbox store for direct mode, which may still use
// NATS KV for durability
func setupInbox(ctx context.Context, cfg *config.Config) (inbox.Store, func(), error) {
	if !cfg.NATS.InboxKV {
		return inbox.NewMemory(), func() {}, nil
	}

	natsClient, err := natsclient.NewClient(cfg.NATS.URL, natsclient.WithName(appName))
	if err != nil {
		return nil, func() {}, fmt.Errorf("create NATS client: %w", err)
	}
	if err := natsClient.Connect(ctx); err != nil {
		return nil, func() {}, fmt.Errorf("connect to NATS: %w", err)
	}
	cleanup := func() { _ = natsClient.Close(context.Background()) }

	kv, err := inbox.NewKV(ctx, natsClient, "")
	if err != nil {
		cleanup()
		return nil, func() {}, fmt.Errorf("open inbox bucket: %w", err)
	}
	return kv, cleanup, nil
}

// setupReflex wires the rule engine onto the bus with its built-in
// behaviors, loading the configured rule set into the source
func setupReflex(cfg *config.Config, bus *eventbus.Bus, metricsRegistry *metric.MetricsRegistry) (*reflex.Engine, error) {
	source := reflex.NewMemorySource()
	if cfg.RulesPath != "" {
		rules, err := reflex.LoadRulesFile(cfg.RulesPath)
		if err != nil {
			return nil, fmt.Errorf("load reflex rules: %w", err)
		}
		for _, rule := range rules {
			source.Add(rule)
		}
		slog.Info("loaded reflex rules", "path", cfg.RulesPath, "rules", len(rules))
	}

	ledger := reflex.NewLedger(metricsRegistry)
	queue := reflex.NewQueue(ledger)
	behaviors := reflex.NewBehaviors()
	behaviors.Register(reflex.FuncBehavior{
		BehaviorName: "log_event",
		Fn: func(_ context.Context, rule reflex.Rule, ev eventbus.Event) (reflex.Outcome, error) {
			slog.Info("reflex fired", "rule", rule.ID, "owner", rule.Owner, "event", ev.Type)
			return reflex.Outcome{Result: reflex.ResultExecuted}, nil
		},
	})

	engine := reflex.NewEngine(source, behaviors, ledger, queue, metricsRegistry)
	engine.Attach(bus, gateway.FrameEventTypes()...)
	engine.Attach(bus, reflex.EventTimerTick, "heartbeat.received")
	return engine, nil
}

// setupGateway builds the WebSocket endpoint and subscribes it to the bus
func setupGateway(
	cfg *config.Config,
	registry *realtime.Registry,
	delivery realtime.Delivery,
	store inbox.Store,
	metricsRegistry *metric.MetricsRegistry,
	bus *eventbus.Bus,
	monitor *health.Monitor,
) (*gateway.Server, error) {
	catchup := realtime.NewCatchUp(store, delivery, cfg.CatchUpLimit)

	gw, err := gateway.NewServer(gateway.Config{
		Port:            cfg.Gateway.Port,
		Path:            cfg.Gateway.Path,
		Registry:        registry,
		Delivery:        delivery,
		CatchUp:         catchup,
		Authenticator:   newSignatureAuthenticator(),
		MetricsRegistry: metricsRegistry,
		Health:          health.Handler(monitor, appName),
	})
	if err != nil {
		return nil, fmt.Errorf("create gateway: %w", err)
	}

	gw.Attach(bus, gateway.FrameEventTypes()...)
	return gw, nil
}

// shutdown stops components in reverse dependency order
func shutdown(
	gw *gateway.Server,
	registry *realtime.Registry,
	delivery realtime.Delivery,
	engine *reflex.Engine,
	metricsServer *metric.Server,
	timeout time.Duration,
) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := gw.Stop(); err != nil {
		slog.Error("gateway stop failed", "error", err)
	}
	registry.Stop()
	if err := delivery.Close(ctx); err != nil {
		slog.Error("delivery close failed", "error", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			slog.Error("metrics server stop failed", "error", err)
		}
	}

	slog.Info("reef shutdown complete", "executions_recorded", engine.Ledger().Len())
	return nil
}
