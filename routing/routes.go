package routing

import (
	"context"

	"github.com/gogogo1024/ocppgate/protocol"
)

// Route is the resolved entry for one action on one endpoint instance.
// SkipValidation is only meaningful when Primary is set.
type Route struct {
	Action         protocol.Action
	Primary        func(context.Context, Fields) (any, error)
	Post           func(context.Context, Fields) error
	PrimaryName    string
	PostName       string
	SkipValidation bool
}

// RouteInfo describes a route without its handlers.
type RouteInfo struct {
	Action         protocol.Action `json:"action"`
	Primary        string          `json:"primary,omitempty"`
	Post           string          `json:"post,omitempty"`
	SkipValidation bool            `json:"skip_validation"`
}

// Routes maps actions to routes for one endpoint instance. It is not
// modified after Build returns and is safe for concurrent reads.
type Routes struct {
	order    []protocol.Action
	byAction map[protocol.Action]*Route
}

func newRoutes() *Routes {
	return &Routes{byAction: make(map[protocol.Action]*Route)}
}

func (r *Routes) ensure(a protocol.Action) *Route {
	if rt, ok := r.byAction[a]; ok {
		return rt
	}
	rt := &Route{Action: a}
	r.byAction[a] = rt
	r.order = append(r.order, a)
	return rt
}

// Lookup returns the route for action.
func (r *Routes) Lookup(a protocol.Action) (Route, bool) {
	if r == nil {
		return Route{}, false
	}
	rt, ok := r.byAction[a]
	if !ok {
		return Route{}, false
	}
	return *rt, true
}

// Actions returns the routed actions in registration order.
func (r *Routes) Actions() []protocol.Action {
	if r == nil {
		return nil
	}
	out := make([]protocol.Action, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Routes) Len() int {
	if r == nil {
		return 0
	}
	return len(r.order)
}

// Describe lists the routes in registration order.
func (r *Routes) Describe() []RouteInfo {
	if r == nil {
		return nil
	}
	out := make([]RouteInfo, 0, len(r.order))
	for _, a := range r.order {
		rt := r.byAction[a]
		out = append(out, RouteInfo{
			Action:         a,
			Primary:        rt.PrimaryName,
			Post:           rt.PostName,
			SkipValidation: rt.SkipValidation,
		})
	}
	return out
}
