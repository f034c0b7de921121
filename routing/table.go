package routing

import (
	"context"
	"errors"
	"fmt"
	"reflect"
)

var (
	ErrNilEndpoint   = errors.New("routing: nil endpoint")
	ErrRouteConflict = errors.New("routing: conflicting handlers for action")
)

type regKey struct {
	kind Kind
	name string
}

// Table is the declared set of handlers of endpoint type E.
//
// By default a later registration for an action replaces an earlier one
// (last write wins). A strict table rejects the collision in Build and
// Describe instead.
type Table[E any] struct {
	regs   []Registration[E]
	index  map[regKey]int
	strict bool
}

// NewTable returns a table holding regs in order.
func NewTable[E any](regs ...Registration[E]) *Table[E] {
	t := &Table[E]{index: make(map[regKey]int)}
	t.Add(regs...)
	return t
}

// Add appends registrations. Registering a handler name again for the same
// kind replaces the earlier registration in place.
func (t *Table[E]) Add(regs ...Registration[E]) *Table[E] {
	for _, r := range regs {
		if r.kind == 0 {
			continue
		}
		k := regKey{kind: r.kind, name: r.name}
		if i, ok := t.index[k]; ok && r.name != "" {
			t.regs[i] = r
			continue
		}
		t.index[k] = len(t.regs)
		t.regs = append(t.regs, r)
	}
	return t
}

// WithStrict toggles rejection of colliding registrations.
func (t *Table[E]) WithStrict(strict bool) *Table[E] {
	t.strict = strict
	return t
}

func (t *Table[E]) Strict() bool { return t.strict }

// Registrations returns a copy of the registrations in order.
func (t *Table[E]) Registrations() []Registration[E] {
	out := make([]Registration[E], len(t.regs))
	copy(out, t.regs)
	return out
}

// Build resolves the table against ep. Handlers in the returned Routes
// are bound to ep. Build neither calls handlers nor mutates the table.
func (t *Table[E]) Build(ep E) (*Routes, error) {
	if isNil(ep) {
		return nil, ErrNilEndpoint
	}
	routes := newRoutes()
	err := t.resolve(routes, func(rt *Route, r Registration[E]) {
		switch r.kind {
		case KindPrimary:
			h := r.primary
			rt.Primary = func(ctx context.Context, f Fields) (any, error) { return h(ep, ctx, f) }
		case KindPost:
			h := r.post
			rt.Post = func(ctx context.Context, f Fields) error { return h(ep, ctx, f) }
		}
	})
	if err != nil {
		return nil, err
	}
	return routes, nil
}

// Describe resolves the table without an endpoint instance.
func (t *Table[E]) Describe() ([]RouteInfo, error) {
	routes := newRoutes()
	if err := t.resolve(routes, func(*Route, Registration[E]) {}); err != nil {
		return nil, err
	}
	return routes.Describe(), nil
}

func (t *Table[E]) resolve(routes *Routes, bind func(*Route, Registration[E])) error {
	for _, r := range t.regs {
		rt := routes.ensure(r.action)
		switch r.kind {
		case KindPrimary:
			if t.strict && rt.PrimaryName != "" {
				return fmt.Errorf("%w: %s has primary handlers %s and %s", ErrRouteConflict, r.action, rt.PrimaryName, r.name)
			}
			rt.PrimaryName = r.name
			rt.SkipValidation = r.skipValidation
		case KindPost:
			if t.strict && rt.PostName != "" {
				return fmt.Errorf("%w: %s has post handlers %s and %s", ErrRouteConflict, r.action, rt.PostName, r.name)
			}
			rt.PostName = r.name
		}
		bind(rt, r)
	}
	return nil
}

// Build is shorthand for NewTable(regs...).Build(ep).
func Build[E any](ep E, regs ...Registration[E]) (*Routes, error) {
	return NewTable(regs...).Build(ep)
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
