package ocppgate

import (
	"context"

	"go.uber.org/zap"

	"github.com/gogogo1024/ocppgate/internal/dispatcher"
	"github.com/gogogo1024/ocppgate/protocol"
	"github.com/gogogo1024/ocppgate/routing"
)

// Router answers the messages of one connection from the connection's
// route table. It is safe for concurrent use.
type Router struct {
	routes *routing.Routes
	disp   *dispatcher.Dispatcher
	log    *zap.Logger
	limits ConnLimits
}

// NewRouter binds routes to d. A nil d uses a dispatcher without
// validation.
func NewRouter(routes *routing.Routes, d *dispatcher.Dispatcher) *Router {
	if d == nil {
		d = dispatcher.New()
	}
	return &Router{routes: routes, disp: d, log: zap.NewNop(), limits: DefaultConnLimits()}
}

func (r *Router) Routes() *routing.Routes { return r.routes }

// Dispatch returns the reply to m, if any, and the post hook to run once
// the reply was written.
func (r *Router) Dispatch(ctx context.Context, m *protocol.Message) (*protocol.Message, dispatcher.PostFunc) {
	return r.disp.Dispatch(ctx, r.routes, m)
}
