// Package station implements the central system side of a charge point
// connection.
package station

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gogogo1024/ocppgate/internal/logging"
	"github.com/gogogo1024/ocppgate/internal/metrics"
	"github.com/gogogo1024/ocppgate/internal/store"
	"github.com/gogogo1024/ocppgate/protocol"
	"github.com/gogogo1024/ocppgate/routing"
)

const DefaultHeartbeatInterval = 5 * time.Minute

type Config struct {
	HeartbeatInterval time.Duration
	// Vendors accepted by DataTransfer. Other vendor ids get UnknownVendorId.
	Vendors []string
	// StrictRoutes rejects colliding handler registrations.
	StrictRoutes bool
	Now          func() time.Time
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Endpoint is the per-connection handler set for one charge point.
type Endpoint struct {
	store store.Store
	log   *zap.Logger
	cfg   Config

	mu sync.RWMutex
	id string
	// pinned identities come from the WebSocket URL and survive boot.
	pinned bool
}

func NewEndpoint(id string, st store.Store, log *zap.Logger, cfg Config) *Endpoint {
	return &Endpoint{
		store: st,
		log:   logging.OrNop(log),
		cfg:   cfg.withDefaults(),
		id:    id,
	}
}

// ID is the charge point identity. On raw connections it starts as the
// remote address and is replaced by the serial number reported in
// BootNotification.
func (e *Endpoint) ID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.id
}

func (e *Endpoint) setID(id string) {
	if id == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pinned {
		return
	}
	e.id = id
}

func (e *Endpoint) now() time.Time { return e.cfg.Now().UTC() }

// NewTable declares the handlers of Endpoint.
func NewTable(strict bool) *routing.Table[*Endpoint] {
	return routing.NewTable(
		routing.OnTyped((*Endpoint).BootNotification),
		routing.After(protocol.ActionBootNotification, (*Endpoint).AfterBootNotification),
		routing.OnTyped((*Endpoint).Heartbeat),
		routing.OnTyped((*Endpoint).Authorize),
		routing.OnTyped((*Endpoint).StatusNotification),
		routing.OnTyped((*Endpoint).StartTransaction),
		routing.OnTyped((*Endpoint).StopTransaction),
		routing.After(protocol.ActionStopTransaction, (*Endpoint).AfterStopTransaction),
		routing.OnTyped((*Endpoint).MeterValues),
		routing.On(protocol.ActionDataTransfer, (*Endpoint).DataTransfer, routing.SkipValidation()),
	).WithStrict(strict)
}

// Factory builds an Endpoint and its route table for every accepted
// connection.
type Factory struct {
	store   store.Store
	log     *zap.Logger
	metrics *metrics.Metrics
	cfg     Config
	table   *routing.Table[*Endpoint]
}

func NewFactory(st store.Store, log *zap.Logger, m *metrics.Metrics, cfg Config) *Factory {
	cfg = cfg.withDefaults()
	return &Factory{
		store:   st,
		log:     logging.OrNop(log),
		metrics: m,
		cfg:     cfg,
		table:   NewTable(cfg.StrictRoutes),
	}
}

// Routes matches the server's endpoint factory signature. The connection
// is identified by its remote address until BootNotification.
func (f *Factory) Routes(ctx context.Context, conn net.Conn) (*routing.Routes, error) {
	id := ""
	if addr := conn.RemoteAddr(); addr != nil {
		id = addr.String()
	}
	return f.build(NewEndpoint(id, f.store, f.log, f.cfg))
}

// RoutesFor builds the table of a charge point whose identity is known up
// front, as on the WebSocket path.
func (f *Factory) RoutesFor(ctx context.Context, id string) (*routing.Routes, error) {
	ep := NewEndpoint(id, f.store, f.log, f.cfg)
	ep.pinned = true
	return f.build(ep)
}

func (f *Factory) build(ep *Endpoint) (*routing.Routes, error) {
	routes, err := f.table.Build(ep)
	if err != nil {
		return nil, err
	}
	f.metrics.TableBuilt()
	return routes, nil
}

// Describe lists the route table every connection gets.
func (f *Factory) Describe() ([]routing.RouteInfo, error) {
	return f.table.Describe()
}
