package ocppgate

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/gogogo1024/ocppgate/internal/dispatcher"
	"github.com/gogogo1024/ocppgate/internal/logging"
	"github.com/gogogo1024/ocppgate/internal/metrics"
	"github.com/gogogo1024/ocppgate/routing"
)

const (
	DefaultAddr         = ":9000"
	DefaultIdleTimeout  = 5 * time.Minute
	DefaultWriteTimeout = 10 * time.Second

	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// EndpointFactory builds the route table of one accepted connection. It is
// called once per connection; the table is used for the connection's
// lifetime.
type EndpointFactory func(ctx context.Context, conn net.Conn) (*routing.Routes, error)

var ErrNoEndpoint = errors.New("ocppgate: endpoint factory is required")

// StaticRoutes serves the same route table on every connection.
func StaticRoutes(routes *routing.Routes) EndpointFactory {
	return func(context.Context, net.Conn) (*routing.Routes, error) { return routes, nil }
}

type serveConfig struct {
	addr         string
	idleTimeout  time.Duration
	writeTimeout time.Duration
	limits       ConnLimits
	log          *zap.Logger
	metrics      *metrics.Metrics
	validator    dispatcher.Validator
}

type ServeOption func(*serveConfig)

func WithAddr(addr string) ServeOption {
	return func(c *serveConfig) { c.addr = addr }
}

// WithIdleTimeout closes connections that send nothing for d. Zero disables
// the timeout.
func WithIdleTimeout(d time.Duration) ServeOption {
	return func(c *serveConfig) { c.idleTimeout = d }
}

// WithWriteTimeout bounds every reply write. Zero disables the timeout.
func WithWriteTimeout(d time.Duration) ServeOption {
	return func(c *serveConfig) { c.writeTimeout = d }
}

func WithConnLimits(l ConnLimits) ServeOption {
	return func(c *serveConfig) { c.limits = l }
}

func WithLogger(l *zap.Logger) ServeOption {
	return func(c *serveConfig) { c.log = logging.OrNop(l) }
}

func WithMetrics(m *metrics.Metrics) ServeOption {
	return func(c *serveConfig) { c.metrics = m }
}

func WithValidator(v dispatcher.Validator) ServeOption {
	return func(c *serveConfig) { c.validator = v }
}

func newServeConfig(opts []ServeOption) serveConfig {
	cfg := serveConfig{
		idleTimeout:  DefaultIdleTimeout,
		writeTimeout: DefaultWriteTimeout,
		limits:       DefaultConnLimits(),
		log:          zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// normalizeAddr picks the listen address: an explicit addr wins over
// WithAddr, and DefaultAddr is used when neither is set.
func normalizeAddr(addr string, opts []ServeOption) string {
	if addr != "" {
		return addr
	}
	if cfg := newServeConfig(opts); cfg.addr != "" {
		return cfg.addr
	}
	return DefaultAddr
}

// ListenAndServe starts a TCP listener on addr and serves charge point
// connections until the listener fails.
func ListenAndServe(addr string, factory EndpointFactory, opts ...ServeOption) error {
	listener, err := net.Listen("tcp", normalizeAddr(addr, opts))
	if err != nil {
		return err
	}
	return Serve(listener, factory, opts...)
}

// Serve handles accepted connections from an existing listener.
func Serve(listener net.Listener, factory EndpointFactory, opts ...ServeOption) error {
	return ServeWithContext(context.Background(), listener, factory, opts...)
}

// ServeWithContext serves until ctx is cancelled, then closes the listener
// and every open connection and returns nil.
func ServeWithContext(ctx context.Context, listener net.Listener, factory EndpointFactory, opts ...ServeOption) error {
	if factory == nil {
		return ErrNoEndpoint
	}
	cfg := newServeConfig(opts)
	disp := dispatcher.New(
		dispatcher.WithLogger(cfg.log),
		dispatcher.WithMetrics(cfg.metrics),
		dispatcher.WithValidator(cfg.validator),
	)

	stop := context.AfterFunc(ctx, func() { _ = listener.Close() })
	defer stop()

	backoff := time.Duration(0)
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			if backoff == 0 {
				backoff = minAcceptBackoff
			} else {
				backoff = nextAcceptBackoff(backoff)
			}
			cfg.log.Warn("accept error", zap.Error(err), zap.Duration("retry_in", backoff))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0
		go serveConn(ctx, conn, factory, disp, cfg)
	}
}

func serveConn(ctx context.Context, c net.Conn, factory EndpointFactory, disp *dispatcher.Dispatcher, cfg serveConfig) {
	defer c.Close()
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	log := cfg.log.With(zap.String("remote", remoteAddr(c)))
	routes, err := factory(ctx, c)
	if err != nil {
		log.Error("build route table", zap.Error(err))
		return
	}

	cfg.metrics.ConnOpened()
	defer cfg.metrics.ConnClosed()

	r := NewRouter(routes, disp)
	r.log = log
	r.limits = cfg.limits
	if err := handleConn(ctx, c, r, cfg.idleTimeout, cfg.writeTimeout); err != nil && ctx.Err() == nil {
		log.Warn("conn error", zap.Error(err))
	}
}

func nextAcceptBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > maxAcceptBackoff {
		return maxAcceptBackoff
	}
	return next
}

func remoteAddr(c net.Conn) string {
	if a := c.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}
