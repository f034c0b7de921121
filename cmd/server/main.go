package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/gogogo1024/ocppgate"
	"github.com/gogogo1024/ocppgate/internal/admin"
	"github.com/gogogo1024/ocppgate/internal/logging"
	"github.com/gogogo1024/ocppgate/internal/metrics"
	"github.com/gogogo1024/ocppgate/internal/station"
	"github.com/gogogo1024/ocppgate/internal/store"
	"github.com/gogogo1024/ocppgate/ocpp16"
)

func main() {
	// `go test ./...` may execute command mains; never start listeners there.
	if strings.HasSuffix(filepath.Base(os.Args[0]), ".test") {
		return
	}

	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	fx.New(appModule(cfg)).Run()
}

func appModule(cfg serverConfig) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(
			provideLogger,
			metrics.New,
			provideStore,
			provideFactory,
		),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx")}
		}),
		fx.Invoke(logConfig, registerGateway, registerWebSocket, registerAdmin),
	)
}

func provideLogger(lc fx.Lifecycle, cfg serverConfig) *zap.Logger {
	l := logging.New(cfg.loggingConfig())
	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		_ = l.Sync()
		return nil
	}})
	return l
}

func provideStore(lc fx.Lifecycle, cfg serverConfig, log *zap.Logger) (store.Store, error) {
	if cfg.storeBackend != storeRedis {
		return store.NewInMemoryStore(), nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.redisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	log.Info("redis store ready", zap.String("addr", cfg.redisAddr), zap.String("prefix", cfg.redisPrefix))
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return client.Close() }})
	return store.NewRedisStore(client, cfg.redisPrefix), nil
}

func provideFactory(cfg serverConfig, st store.Store, log *zap.Logger, m *metrics.Metrics) (*station.Factory, error) {
	f := station.NewFactory(st, log, m, cfg.stationConfig())
	// Surface route conflicts at startup rather than on the first connection.
	if _, err := f.Describe(); err != nil {
		return nil, err
	}
	return f, nil
}

func logConfig(cfg serverConfig, log *zap.Logger) {
	log.Info("config loaded",
		zap.String("config", cfg.configPath),
		zap.Bool("config_loaded", cfg.configLoaded),
		zap.String("dotenv", cfg.dotenvPath),
		zap.Bool("dotenv_loaded", cfg.dotenvLoaded),
		zap.String("addr", cfg.addr),
		zap.String("addr_source", string(cfg.source("addr"))),
		zap.String("ws_addr", cfg.wsAddr),
		zap.Duration("idle_timeout", cfg.idleTimeout),
		zap.String("idle_timeout_source", string(cfg.source("idle-timeout"))),
		zap.Duration("write_timeout", cfg.writeTimeout),
		zap.String("write_timeout_source", string(cfg.source("write-timeout"))),
		zap.String("store", cfg.storeBackend),
		zap.Bool("strict_routes", cfg.strictRoutes),
	)
}

type gatewayDeps struct {
	fx.In
	Cfg     serverConfig
	Log     *zap.Logger
	Metrics *metrics.Metrics
	Factory *station.Factory
}

func registerGateway(lc fx.Lifecycle, d gatewayDeps) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	opts := d.serveOptions()

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", d.Cfg.addr)
			if err != nil {
				return err
			}
			d.Log.Info("ocppgate listening", zap.String("addr", ln.Addr().String()))
			go func() {
				defer close(done)
				if err := ocppgate.ServeWithContext(ctx, ln, d.Factory.Routes, opts...); err != nil {
					d.Log.Error("gateway stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			d.Log.Info("ocppgate stopping")
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}

// registerWebSocket serves OCPP-J on its native WebSocket transport next
// to the framed TCP listener.
func registerWebSocket(lc fx.Lifecycle, d gatewayDeps) error {
	if d.Cfg.wsAddr == "" {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	h, err := ocppgate.NewWSHandler(ctx, d.Factory.RoutesFor, d.serveOptions()...)
	if err != nil {
		cancel()
		return err
	}
	srv := &http.Server{Addr: d.Cfg.wsAddr, Handler: h, ReadHeaderTimeout: 10 * time.Second}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			d.Log.Info("websocket listening", zap.String("addr", ln.Addr().String()), zap.String("path", ocppgate.WSPath))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					d.Log.Error("websocket server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			// Shutdown leaves upgraded connections alone; cancel closes them.
			cancel()
			return srv.Shutdown(stopCtx)
		},
	})
	return nil
}

func (d gatewayDeps) serveOptions() []ocppgate.ServeOption {
	return append(d.Cfg.serveOptions(),
		ocppgate.WithLogger(d.Log),
		ocppgate.WithMetrics(d.Metrics),
		ocppgate.WithValidator(ocpp16.NewValidator()),
	)
}

type adminDeps struct {
	fx.In
	Cfg     serverConfig
	Log     *zap.Logger
	Metrics *metrics.Metrics
	Store   store.Store
	Factory *station.Factory
}

func registerAdmin(lc fx.Lifecycle, d adminDeps) {
	if d.Cfg.adminAddr == "" {
		return
	}
	svc := admin.NewService(d.Store, d.Factory, d.Metrics, d.Log.Named("admin"))
	srv := &http.Server{
		Addr:         d.Cfg.adminAddr,
		Handler:      svc.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			d.Log.Info("admin listening", zap.String("addr", ln.Addr().String()))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					d.Log.Error("admin server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
