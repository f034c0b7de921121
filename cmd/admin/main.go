package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gogogo1024/ocppgate/internal/admin"
	"github.com/gogogo1024/ocppgate/internal/logging"
	"github.com/gogogo1024/ocppgate/internal/metrics"
	"github.com/gogogo1024/ocppgate/internal/station"
	"github.com/gogogo1024/ocppgate/internal/store"
)

// The standalone admin reads the redis store a gateway writes to. A gateway
// running with the memory store serves the same API itself.
func main() {
	// Prevent test binaries from starting a server.
	if strings.HasSuffix(filepath.Base(os.Args[0]), ".test") {
		return
	}

	var (
		addr         = flag.String("addr", ":9100", "admin service address")
		redisAddr    = flag.String("redis", "localhost:6379", "redis address")
		redisPrefix  = flag.String("redis-prefix", "ocppgate:", "redis key prefix used by the gateway")
		readTimeout  = flag.Duration("read-timeout", 10*time.Second, "read timeout")
		writeTimeout = flag.Duration("write-timeout", 10*time.Second, "write timeout")
		idleTimeout  = flag.Duration("idle-timeout", 60*time.Second, "idle timeout")
		logLevel     = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	log := logging.New(logging.Config{Level: *logLevel, Console: true})
	defer func() { _ = log.Sync() }()

	if err := run(log, *addr, *redisAddr, *redisPrefix, *readTimeout, *writeTimeout, *idleTimeout); err != nil {
		log.Error("admin service failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(log *zap.Logger, addr, redisAddr, redisPrefix string, readTimeout, writeTimeout, idleTimeout time.Duration) error {
	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := client.Ping(ctx).Err()
	cancel()
	if err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}

	st := store.NewRedisStore(client, redisPrefix)
	svc := admin.NewService(st, station.NewTable(false), metrics.New(), log)

	srv := &http.Server{
		Addr:         addr,
		Handler:      svc.Router(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-sigCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("admin service listening", zap.String("addr", addr), zap.String("redis", redisAddr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
