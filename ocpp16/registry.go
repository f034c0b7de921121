package ocpp16

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/gogogo1024/ocppgate/protocol"
)

// binding ties an action to the Go types routing.OnTyped builds for it.
type binding struct {
	request  func() any
	response func() any
}

var (
	bindingMu sync.RWMutex
	bindings  = map[protocol.Action]binding{}
)

func init() {
	MustRegister[BootNotification, BootNotificationResponse](protocol.ActionBootNotification)
	MustRegister[Heartbeat, HeartbeatResponse](protocol.ActionHeartbeat)
	MustRegister[Authorize, AuthorizeResponse](protocol.ActionAuthorize)
	MustRegister[StatusNotification, StatusNotificationResponse](protocol.ActionStatusNotification)
	MustRegister[StartTransaction, StartTransactionResponse](protocol.ActionStartTransaction)
	MustRegister[StopTransaction, StopTransactionResponse](protocol.ActionStopTransaction)
	MustRegister[MeterValues, MeterValuesResponse](protocol.ActionMeterValues)
	MustRegister[DataTransfer, DataTransferResponse](protocol.ActionDataTransfer)
	MustRegister[Reset, ResetResponse](protocol.ActionReset)
}

// Register binds the payload types of action. Registering an action twice
// is an error.
func Register[Req, Resp any](action protocol.Action) error {
	if action == "" {
		return errors.New("ocpp16: action required")
	}
	bindingMu.Lock()
	defer bindingMu.Unlock()
	if _, ok := bindings[action]; ok {
		return fmt.Errorf("ocpp16: action %q already registered", action)
	}
	bindings[action] = binding{
		request:  func() any { var x Req; return &x },
		response: func() any { var x Resp; return &x },
	}
	return nil
}

func MustRegister[Req, Resp any](action protocol.Action) {
	if err := Register[Req, Resp](action); err != nil {
		panic(err)
	}
}

// Actions lists the actions with registered payload types.
func Actions() []protocol.Action {
	bindingMu.RLock()
	out := make([]protocol.Action, 0, len(bindings))
	for a := range bindings {
		out = append(out, a)
	}
	bindingMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func lookup(action protocol.Action) (binding, bool) {
	bindingMu.RLock()
	b, ok := bindings[action]
	bindingMu.RUnlock()
	return b, ok
}

// TypeOf returns the request type registered for action.
func TypeOf(action protocol.Action) (reflect.Type, bool) {
	b, ok := lookup(action)
	if !ok {
		return nil, false
	}
	return reflect.TypeOf(b.request()).Elem(), true
}

// ResponseTypeOf returns the response type registered for action.
func ResponseTypeOf(action protocol.Action) (reflect.Type, bool) {
	b, ok := lookup(action)
	if !ok {
		return nil, false
	}
	return reflect.TypeOf(b.response()).Elem(), true
}
