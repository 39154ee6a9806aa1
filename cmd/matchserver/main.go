// Package main provides the match server binary: the lobby registry behind
// the TCP and websocket frontends, with the gRPC admin surface and the
// configured event sinks.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"go.uber.org/zap"

	"github.com/cory-johannsen/multichess/internal/admin"
	"github.com/cory-johannsen/multichess/internal/config"
	"github.com/cory-johannsen/multichess/internal/events"
	"github.com/cory-johannsen/multichess/internal/frontend/tcp"
	"github.com/cory-johannsen/multichess/internal/frontend/ws"
	"github.com/cory-johannsen/multichess/internal/game/registry"
	"github.com/cory-johannsen/multichess/internal/game/session"
	"github.com/cory-johannsen/multichess/internal/observability"
	"github.com/cory-johannsen/multichess/internal/server"
	"github.com/cory-johannsen/multichess/internal/storage/postgres"
	"github.com/cory-johannsen/multichess/internal/storage/queue"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "", "path to configuration file; empty = defaults and environment only")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging, cfg.Server.Name)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()
	observability.InstallGRPCLogger(logger)

	ctx := context.Background()

	sinks, closeSinks, err := buildSinks(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("building event sinks", zap.Error(err))
	}
	async := events.NewAsync(sinks, cfg.Events.BufferSize, cfg.Events.PublishTimeout, logger.Named("events"))

	regCtx, stopRegistry := context.WithCancel(ctx)
	reg := registry.New(regCtx, registry.Options{
		MailboxSize:      cfg.Registry.MailboxSize,
		LobbyMailboxSize: cfg.Lobby.MailboxSize,
		SweepInterval:    cfg.Registry.SweepInterval,
	}, logger, async)

	handler := session.NewHandler(reg, session.Options{
		MailboxSize:    cfg.Session.MailboxSize,
		RequestTimeout: cfg.Session.RequestTimeout,
		ReadBufferSize: cfg.Session.ReadBufferSize,
	}, logger.Named("session"))

	lifecycle := server.NewLifecycle(logger, cfg.Server.ShutdownTimeout)

	// Added first so they stop last: sessions drain into the registry,
	// lobbies drain into the sinks.
	sinksDone := make(chan struct{})
	lifecycle.Add("events", &server.FuncService{
		StartFn: func() error {
			<-sinksDone
			return nil
		},
		StopFn: func() {
			async.Close()
			closeSinks()
			close(sinksDone)
		},
	})

	stopping := make(chan struct{})
	lifecycle.Add("registry", &server.FuncService{
		StartFn: func() error {
			select {
			case <-reg.Done():
				select {
				case <-stopping:
					return nil
				default:
					return errors.New("registry stopped unexpectedly")
				}
			case <-stopping:
				return nil
			}
		},
		StopFn: func() {
			close(stopping)
			stopRegistry()
			<-reg.Done()
		},
	})

	acceptor := tcp.NewAcceptor(cfg.Listener, handler, logger.Named("tcp"))
	lifecycle.Add("tcp", &server.FuncService{
		StartFn: acceptor.ListenAndServe,
		StopFn:  acceptor.Stop,
	})

	if cfg.Websocket.Enabled {
		wsServer := ws.NewServer(cfg.Websocket, handler, reg, cfg.Session.RequestTimeout, logger)
		lifecycle.Add("websocket", &server.FuncService{
			StartFn: wsServer.Start,
			StopFn:  wsServer.Stop,
		})
	}

	if cfg.Admin.Enabled {
		adminServer := admin.NewServer(cfg.Admin, reg, logger)
		lifecycle.Add("admin", &server.FuncService{
			StartFn: adminServer.Start,
			StopFn:  adminServer.Stop,
		})
	}

	logger.Info("match server initialized",
		zap.Duration("startup", time.Since(start)),
		zap.String("tcp_addr", cfg.Listener.Addr()),
		zap.Bool("websocket", cfg.Websocket.Enabled),
		zap.Bool("admin", cfg.Admin.Enabled),
		zap.Strings("sinks", cfg.Events.Sinks),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

// buildSinks connects every configured event sink. The returned close
// function releases their connections.
func buildSinks(ctx context.Context, cfg config.Config, logger *zap.Logger) (events.Multi, func(), error) {
	var (
		sinks   events.Multi
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.Events.Enabled(config.SinkLog) {
		sinks = append(sinks, events.NewLogSink(logger.Named("events")))
	}

	if cfg.Events.Enabled(config.SinkPostgres) {
		pool, err := postgres.NewPool(ctx, cfg.Database, logger)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, pool.Close)
		sinks = append(sinks, postgres.NewMatchJournal(pool.DB()))
	}

	if cfg.Events.Enabled(config.SinkRedis) {
		pub, err := queue.Connect(ctx, cfg.Redis)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, func() { _ = pub.Close() })
		sinks = append(sinks, pub)
		logger.Info("connected to redis", zap.String("addr", cfg.Redis.Addr), zap.String("queue", cfg.Redis.QueueKey))
	}

	return sinks, closeAll, nil
}
