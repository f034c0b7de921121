// Package dispatcher answers inbound OCPP calls from a resolved route table.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/gogogo1024/ocppgate/internal/codec"
	"github.com/gogogo1024/ocppgate/internal/logging"
	"github.com/gogogo1024/ocppgate/internal/metrics"
	"github.com/gogogo1024/ocppgate/protocol"
	"github.com/gogogo1024/ocppgate/routing"
)

// Validator checks request and response payloads of an action. Returning a
// *protocol.CallError selects the code reported to the peer.
type Validator interface {
	ValidateRequest(action protocol.Action, payload json.RawMessage) error
	ValidateResponse(action protocol.Action, payload json.RawMessage) error
}

// NopValidator accepts every payload.
type NopValidator struct{}

func (NopValidator) ValidateRequest(protocol.Action, json.RawMessage) error  { return nil }
func (NopValidator) ValidateResponse(protocol.Action, json.RawMessage) error { return nil }

// PostFunc runs the post handler of a dispatched call. Callers invoke it
// after the reply has been written.
type PostFunc func(ctx context.Context)

type Option func(*Dispatcher)

func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.log = logging.OrNop(l) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithValidator(v Validator) Option {
	return func(d *Dispatcher) {
		if v != nil {
			d.validator = v
		}
	}
}

// Dispatcher is stateless apart from its collaborators and is shared by
// all connections.
type Dispatcher struct {
	log       *zap.Logger
	metrics   *metrics.Metrics
	validator Validator
}

func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{log: zap.NewNop(), validator: NopValidator{}}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Dispatch handles one inbound message against routes. For a CALL it
// returns the CALLRESULT or CALLERROR to send and, when the action has a
// post handler and the primary handler succeeded, the post hook. Inbound
// CALLRESULT and CALLERROR messages are logged and yield no reply.
func (d *Dispatcher) Dispatch(ctx context.Context, routes *routing.Routes, m *protocol.Message) (*protocol.Message, PostFunc) {
	switch m.Type {
	case protocol.TypeCall:
	case protocol.TypeCallResult:
		d.log.Debug("ignoring call result", zap.String("unique_id", m.UniqueID))
		return nil, nil
	case protocol.TypeCallError:
		d.log.Warn("peer reported call error",
			zap.String("unique_id", m.UniqueID),
			zap.String("code", string(m.ErrorCode)),
			zap.String("description", m.ErrorDescription))
		return nil, nil
	default:
		return nil, nil
	}

	action := m.Action
	rt, ok := routes.Lookup(action)
	if !ok || rt.Primary == nil {
		d.metrics.Call(string(action), metrics.OutcomeNotImplemented)
		d.log.Info("no handler for action", zap.String("action", string(action)), zap.String("unique_id", m.UniqueID))
		return d.fail(m, protocol.NewCallError(protocol.NotImplemented, "No handler for %s registered.", action)), nil
	}

	fields, err := routing.ParseFields(m.Payload)
	if err != nil {
		d.metrics.Call(string(action), metrics.OutcomeInvalid)
		return d.fail(m, protocol.NewCallError(protocol.FormationViolation, "%v", err)), nil
	}

	if !rt.SkipValidation {
		if err := d.validator.ValidateRequest(action, m.Payload); err != nil {
			d.metrics.Call(string(action), metrics.OutcomeInvalid)
			d.log.Info("request validation failed", zap.String("action", string(action)), zap.Error(err))
			return d.fail(m, validationError(err)), nil
		}
	}

	start := time.Now()
	result, err := rt.Primary(ctx, fields)
	d.metrics.ObserveHandler(string(action), time.Since(start))
	if err != nil {
		ce := handlerError(err)
		outcome := metrics.OutcomeError
		if ce.Code == protocol.FormationViolation {
			outcome = metrics.OutcomeInvalid
		}
		d.metrics.Call(string(action), outcome)
		d.log.Warn("handler failed",
			zap.String("action", string(action)),
			zap.String("handler", rt.PrimaryName),
			zap.Error(err))
		return d.fail(m, ce), nil
	}

	reply, err := protocol.NewCallResult(m.UniqueID, result)
	if err != nil {
		d.metrics.Call(string(action), metrics.OutcomeError)
		d.log.Error("encode response", zap.String("action", string(action)), zap.Error(err))
		return d.fail(m, protocol.NewCallError(protocol.InternalError, "encode response: %v", err)), nil
	}

	if !rt.SkipValidation {
		if err := d.validator.ValidateResponse(action, reply.Payload); err != nil {
			d.metrics.Call(string(action), metrics.OutcomeError)
			d.log.Error("response validation failed",
				zap.String("action", string(action)),
				zap.String("handler", rt.PrimaryName),
				zap.Error(err))
			return d.fail(m, protocol.NewCallError(protocol.InternalError, "invalid response for %s: %v", action, err)), nil
		}
	}

	d.metrics.Call(string(action), metrics.OutcomeResult)
	if rt.Post == nil {
		return reply, nil
	}
	post := rt.Post
	postName := rt.PostName
	return reply, func(ctx context.Context) {
		if err := post(ctx, fields); err != nil {
			d.metrics.PostError(string(action))
			d.log.Warn("post handler failed",
				zap.String("action", string(action)),
				zap.String("handler", postName),
				zap.Error(err))
		}
	}
}

func (d *Dispatcher) fail(m *protocol.Message, ce *protocol.CallError) *protocol.Message {
	return protocol.NewCallErrorMessage(m.UniqueID, ce)
}

// handlerError maps a primary handler failure to the CALLERROR sent back.
// Typed request construction failures are formation violations.
func handlerError(err error) *protocol.CallError {
	var ce *protocol.CallError
	if errors.As(err, &ce) {
		return ce
	}
	if codec.IsConstructionError(err) {
		return protocol.NewCallError(protocol.FormationViolation, "%v", err)
	}
	return protocol.AsCallError(err)
}

func validationError(err error) *protocol.CallError {
	var ce *protocol.CallError
	if errors.As(err, &ce) {
		return ce
	}
	return protocol.NewCallError(protocol.FormationViolation, "%v", err)
}
