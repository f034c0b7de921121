package routing

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"strings"

	"github.com/gogogo1024/ocppgate/internal/codec"
	"github.com/gogogo1024/ocppgate/protocol"
)

// Handler computes the response to an inbound call on endpoint E.
type Handler[E any] func(E, context.Context, Fields) (any, error)

// PostHandler runs on endpoint E after the response to a call was sent.
type PostHandler[E any] func(E, context.Context, Fields) error

// Kind tells primary and post registrations apart.
type Kind uint8

const (
	KindPrimary Kind = iota + 1
	KindPost
)

func (k Kind) String() string {
	switch k {
	case KindPrimary:
		return "primary"
	case KindPost:
		return "post"
	default:
		return "unknown"
	}
}

// Registration is a handler together with the metadata a Table needs to
// route it.
type Registration[E any] struct {
	name           string
	kind           Kind
	action         protocol.Action
	skipValidation bool
	primary        Handler[E]
	post           PostHandler[E]
}

func (r Registration[E]) Name() string            { return r.name }
func (r Registration[E]) Kind() Kind              { return r.kind }
func (r Registration[E]) Action() protocol.Action { return r.action }

// SkipValidation reports whether payload validation is disabled. It is
// always false for post handlers.
func (r Registration[E]) SkipValidation() bool { return r.skipValidation }

// Primary returns the primary handler, or nil for post registrations.
func (r Registration[E]) Primary() Handler[E] { return r.primary }

// Post returns the post handler, or nil for primary registrations.
func (r Registration[E]) Post() PostHandler[E] { return r.post }

type options struct {
	name           string
	skipValidation bool
}

// Option configures a registration.
type Option func(*options)

// SkipValidation disables request and response validation for a primary
// handler. Post handlers ignore it.
func SkipValidation() Option {
	return func(o *options) { o.skipValidation = true }
}

// WithName overrides the handler name derived from the function symbol.
func WithName(name string) Option {
	return func(o *options) { o.name = strings.TrimSpace(name) }
}

func applyOptions(fn any, opts []Option) options {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.name == "" {
		o.name = handlerName(fn)
	}
	return o
}

// On registers h as the primary handler for action. The handler receives
// the payload fields unchanged and its result is returned unchanged.
func On[E any](action protocol.Action, h Handler[E], opts ...Option) Registration[E] {
	if h == nil {
		panic(fmt.Sprintf("routing.On(%s): nil handler", action))
	}
	o := applyOptions(h, opts)
	record(o.name)
	return Registration[E]{
		name:           o.name,
		kind:           KindPrimary,
		action:         action,
		skipValidation: o.skipValidation,
		primary:        h,
	}
}

// OnTyped registers h as the primary handler for the action named after
// Req. The payload fields are decoded into a Req before h is called; a
// construction failure is returned as is and h is not invoked.
//
// Req must be a named struct (or pointer to one) whose type name is a
// known protocol action; anything else panics.
func OnTyped[E, Req, Resp any](h func(E, context.Context, Req) (Resp, error), opts ...Option) Registration[E] {
	if h == nil {
		panic("routing.OnTyped: nil handler")
	}
	action := actionOf[Req]()
	o := applyOptions(h, opts)
	record(o.name)
	return Registration[E]{
		name:           o.name,
		kind:           KindPrimary,
		action:         action,
		skipValidation: o.skipValidation,
		primary: func(ep E, ctx context.Context, f Fields) (any, error) {
			req, err := newRequest[Req](f)
			if err != nil {
				return nil, err
			}
			return h(ep, ctx, req)
		},
	}
}

// After registers h as the post handler for action.
func After[E any](action protocol.Action, h PostHandler[E], opts ...Option) Registration[E] {
	if h == nil {
		panic(fmt.Sprintf("routing.After(%s): nil handler", action))
	}
	o := applyOptions(h, opts)
	record(o.name)
	return Registration[E]{
		name:   o.name,
		kind:   KindPost,
		action: action,
		post:   h,
	}
}

func actionOf[Req any]() protocol.Action {
	t := reflect.TypeOf((*Req)(nil)).Elem()
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct || t.Name() == "" {
		panic(fmt.Sprintf("routing.OnTyped: request type %s is not a named struct", t))
	}
	a := protocol.Action(t.Name())
	if !protocol.IsKnownAction(a) {
		panic(fmt.Sprintf("routing.OnTyped: request type %s does not name a known action", t))
	}
	return a
}

func newRequest[Req any](f Fields) (Req, error) {
	var req Req
	t := reflect.TypeOf((*Req)(nil)).Elem()
	if t.Kind() == reflect.Pointer {
		v := reflect.New(t.Elem())
		if err := codec.DecodeFields(f, v.Interface()); err != nil {
			return req, err
		}
		return v.Interface().(Req), nil
	}
	if err := codec.DecodeFields(f, &req); err != nil {
		return req, err
	}
	return req, nil
}

// handlerName derives a short name from the function symbol. Methods keep
// only their method name; closures keep their enclosing function.
func handlerName(fn any) string {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return ""
	}
	f := runtime.FuncForPC(v.Pointer())
	if f == nil {
		return ""
	}
	full := strings.TrimSuffix(f.Name(), "-fm")
	if i := strings.LastIndexByte(full, '/'); i >= 0 {
		full = full[i+1:]
	}
	parts := strings.Split(full, ".")
	if len(parts) > 1 {
		// drop the package name
		parts = parts[1:]
	}
	i := len(parts) - 1
	for i > 0 && isClosureSegment(parts[i]) {
		i--
	}
	if i == len(parts)-1 {
		return parts[i]
	}
	return strings.Join(parts[i:], ".")
}

func isClosureSegment(s string) bool {
	s = strings.TrimPrefix(s, "func")
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
