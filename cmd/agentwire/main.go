// Package main is the entry point for the agentwire binary: a protocol
// adapter that exposes an agent CLI backend as a JSON-RPC session provider
// over stdio or websocket.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentwire/agentwire/internal/backend"
	"github.com/agentwire/agentwire/internal/bridge"
	"github.com/agentwire/agentwire/internal/claude"
	"github.com/agentwire/agentwire/internal/common/config"
	"github.com/agentwire/agentwire/internal/common/logger"
	"github.com/agentwire/agentwire/internal/events/bus"
	"github.com/agentwire/agentwire/internal/usage"
	"github.com/agentwire/agentwire/pkg/wire"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting agentwire",
		zap.String("transport", cfg.Server.Transport),
		zap.String("backend_command", cfg.Backend.Command),
		zap.String("workdir", cfg.Backend.WorkDir))

	binding, err := claude.NewBinding(log, cfg.Backend.AuthHints)
	if err != nil {
		log.Fatal("failed to build backend binding", zap.Error(err))
	}
	spawner := backend.NewSpawner(cfg.Backend, binding, log)

	eventBus, err := buildBus(cfg.Bus, log)
	if err != nil {
		log.Fatal("failed to connect event bus", zap.Error(err))
	}
	defer eventBus.Close()

	opts := []bridge.ProviderOption{
		bridge.WithEventPublisher(bus.NewPublisher(eventBus, "agentwire")),
		bridge.WithSessionDefaults(bridge.SessionDefaults{
			ModeID:  cfg.Backend.PermissionMode,
			ModelID: cfg.Backend.Model,
		}),
	}
	if len(cfg.Usage.Command) > 0 {
		opts = append(opts, bridge.WithUsageProber(usage.NewProbe(cfg.Usage, log)))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cfg.Server.Transport {
	case "stdio":
		err = serveStdio(ctx, binding, spawner, opts, log)
	case "websocket":
		err = serveWebSocket(ctx, cfg.Server, binding, spawner, opts, log)
	default:
		err = fmt.Errorf("unknown transport: %s", cfg.Server.Transport)
	}
	if err != nil {
		log.Fatal("server error", zap.Error(err))
	}
	log.Info("agentwire stopped")
}

func buildBus(cfg config.BusConfig, log *logger.Logger) (bus.EventBus, error) {
	if cfg.URL == "" {
		return bus.NewMemoryEventBus(log), nil
	}
	return bus.NewNATSEventBus(cfg, log)
}

// serveStdio serves exactly one client over stdin/stdout. The logger writes
// to stderr, so stdout carries nothing but protocol frames.
func serveStdio(ctx context.Context, binding backend.Binding, spawner *backend.Spawner, opts []bridge.ProviderOption, log *logger.Logger) error {
	provider := bridge.NewProvider(log, binding, spawner.Spawn, opts...)
	defer provider.Shutdown()

	conn := wire.NewConn(os.Stdout, os.Stdin, log)
	provider.Bind(conn)
	conn.Start(ctx)

	select {
	case <-ctx.Done():
		conn.Close()
		return nil
	case <-conn.Done():
		if err := conn.Err(); err != nil {
			return err
		}
		return nil
	}
}

// serveWebSocket serves clients over a websocket listener. Each connection
// gets its own provider and session table.
func serveWebSocket(ctx context.Context, cfg config.ServerConfig, binding backend.Binding, spawner *backend.Spawner, opts []bridge.ProviderOption, log *logger.Logger) error {
	upgrader := websocket.Upgrader{
		HandshakeTimeout: cfg.ReadTimeoutDuration(),
		CheckOrigin:      func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		log.Info("client connected", zap.String("remote", r.RemoteAddr))

		provider := bridge.NewProvider(log, binding, spawner.Spawn, opts...)
		defer provider.Shutdown()

		stream := wire.NewWebSocketStream(ws)
		conn := wire.NewConn(stream, stream, log)
		provider.Bind(conn)
		conn.Start(r.Context())

		select {
		case <-ctx.Done():
			conn.Close()
		case <-conn.Done():
		}
		log.Info("client disconnected", zap.String("remote", r.RemoteAddr))
	})

	server := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("websocket server listening", zap.String("addr", cfg.ListenAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return server.Close()
	})
	return g.Wait()
}
