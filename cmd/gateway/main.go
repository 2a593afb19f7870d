// Package main provides the playnet gateway binary: the websocket acceptor,
// rooms driven by level documents, and the admin gRPC service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/playnet/internal/admin"
	"github.com/cory-johannsen/playnet/internal/config"
	"github.com/cory-johannsen/playnet/internal/frontend/ws"
	"github.com/cory-johannsen/playnet/internal/gateway"
	"github.com/cory-johannsen/playnet/internal/level"
	"github.com/cory-johannsen/playnet/internal/observability"
	"github.com/cory-johannsen/playnet/internal/room"
	"github.com/cory-johannsen/playnet/internal/scripting"
	"github.com/cory-johannsen/playnet/internal/server"
	"github.com/cory-johannsen/playnet/internal/sim"
	"github.com/cory-johannsen/playnet/internal/storage/postgres"
	"github.com/cory-johannsen/playnet/internal/storage/sqlite"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	maxEntityID := flag.Uint64("max-entity-id", 0, "cap on network entity ids; 0 = unbounded")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging, "gateway")
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.Tracing, cfg.Server.Name)
	if err != nil {
		logger.Fatal("initializing tracing", zap.Error(err))
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("flushing traces", zap.Error(err))
		}
	}()

	logger.Info("starting gateway",
		zap.String("name", cfg.Server.Name),
		zap.String("ws_addr", cfg.Gateway.Addr()),
		zap.String("levels_backend", cfg.Levels.Backend),
	)

	lifecycle := server.NewLifecycle(logger)

	store, err := openLevels(ctx, cfg, lifecycle, logger)
	if err != nil {
		logger.Fatal("opening level store", zap.Error(err))
	}
	levels := level.NewCachedStore(store)

	catalog, err := level.LoadCatalog(cfg.Levels.TemplatesDir)
	if err != nil {
		logger.Fatal("loading templates", zap.Error(err))
	}
	logger.Info("templates loaded", zap.Int("count", len(catalog.Names())))

	var scripts *scripting.Manager
	if cfg.Scripting.Dir != "" {
		scripts = scripting.NewManager(logger)
	}
	loader := sim.NewLoader(levels, catalog, scripts, cfg.Scripting.Dir, cfg.Scripting.InstructionLimit, logger)

	gw := gateway.New(ctx, room.WorldLoader(loader), levels, catalog, gateway.Options{
		Room:        room.OptionsFromConfig(cfg.Room),
		LoadTimeout: cfg.Gateway.LoadTimeout,
		MaxEntityID: *maxEntityID,
	}, logger)

	acceptor, err := ws.NewAcceptor(cfg.Gateway, gw, logger)
	if err != nil {
		logger.Fatal("creating websocket acceptor", zap.Error(err))
	}
	lifecycle.Add("websocket", &server.FuncService{
		StartFn: acceptor.ListenAndServe,
		StopFn: func() {
			acceptor.Stop()
			gw.Close()
		},
	})

	if cfg.Admin.Enabled {
		adminSrv := admin.NewServer(cfg.Admin.Addr(), admin.NewService(gw, logger), logger)
		lifecycle.Add("admin", &server.FuncService{
			StartFn: adminSrv.Serve,
			StopFn:  adminSrv.Stop,
		})
	}

	logger.Info("gateway initialized", zap.Duration("startup", time.Since(start)))

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

// openLevels opens the configured level backend. Backends holding
// connections register a lifecycle service that releases them.
func openLevels(ctx context.Context, cfg config.Config, lifecycle *server.Lifecycle, logger *zap.Logger) (level.Store, error) {
	start := time.Now()
	switch cfg.Levels.Backend {
	case config.LevelBackendFile:
		logger.Info("using file level store", zap.String("dir", cfg.Levels.Dir))
		return level.NewFileStore(cfg.Levels.Dir), nil

	case config.LevelBackendSQLite:
		store, err := sqlite.Open(cfg.Levels.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info("sqlite level store opened",
			zap.String("path", cfg.Levels.SQLitePath),
			zap.Duration("elapsed", time.Since(start)),
		)
		lifecycle.Add("sqlite", closer(func() { _ = store.Close() }))
		return store, nil

	case config.LevelBackendPostgres:
		pool, err := postgres.NewPool(ctx, cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("database connected",
			zap.String("host", cfg.Database.Host),
			zap.Int("port", cfg.Database.Port),
			zap.String("database", cfg.Database.Name),
			zap.Duration("elapsed", time.Since(start)),
		)
		lifecycle.Add("postgres", healthLoop(ctx, pool, logger))
		return postgres.NewLevelRepository(pool.DB()), nil
	}
	return nil, fmt.Errorf("unknown levels backend %q", cfg.Levels.Backend)
}

// closer is a service that idles until shutdown and then runs release.
func closer(release func()) server.Service {
	done := make(chan struct{})
	return &server.FuncService{
		StartFn: func() error { <-done; return nil },
		StopFn: func() {
			close(done)
			release()
		},
	}
}

// healthLoop pings the database periodically and closes the pool on stop.
func healthLoop(ctx context.Context, pool *postgres.Pool, logger *zap.Logger) server.Service {
	done := make(chan struct{})
	return &server.FuncService{
		StartFn: func() error {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return nil
				case <-ticker.C:
					if err := pool.Health(ctx, 5*time.Second); err != nil {
						logger.Warn("database health check failed", zap.Error(err))
						continue
					}
					acquired, total := pool.InUse()
					logger.Debug("database healthy", zap.Int32("acquired", acquired), zap.Int32("total", total))
				}
			}
		},
		StopFn: func() {
			close(done)
			pool.Close()
		},
	}
}
