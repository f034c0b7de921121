package protocol

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Action names an OCPP message type, e.g. "BootNotification".
type Action string

func (a Action) String() string { return string(a) }

// OCPP 1.6 actions.
const (
	ActionAuthorize                     Action = "Authorize"
	ActionBootNotification              Action = "BootNotification"
	ActionCancelReservation             Action = "CancelReservation"
	ActionChangeAvailability            Action = "ChangeAvailability"
	ActionChangeConfiguration           Action = "ChangeConfiguration"
	ActionClearCache                    Action = "ClearCache"
	ActionClearChargingProfile          Action = "ClearChargingProfile"
	ActionDataTransfer                  Action = "DataTransfer"
	ActionDiagnosticsStatusNotification Action = "DiagnosticsStatusNotification"
	ActionFirmwareStatusNotification    Action = "FirmwareStatusNotification"
	ActionGetCompositeSchedule          Action = "GetCompositeSchedule"
	ActionGetConfiguration              Action = "GetConfiguration"
	ActionGetDiagnostics                Action = "GetDiagnostics"
	ActionGetLocalListVersion           Action = "GetLocalListVersion"
	ActionHeartbeat                     Action = "Heartbeat"
	ActionMeterValues                   Action = "MeterValues"
	ActionRemoteStartTransaction        Action = "RemoteStartTransaction"
	ActionRemoteStopTransaction         Action = "RemoteStopTransaction"
	ActionReserveNow                    Action = "ReserveNow"
	ActionReset                         Action = "Reset"
	ActionSendLocalList                 Action = "SendLocalList"
	ActionSetChargingProfile            Action = "SetChargingProfile"
	ActionStartTransaction              Action = "StartTransaction"
	ActionStatusNotification            Action = "StatusNotification"
	ActionStopTransaction               Action = "StopTransaction"
	ActionTriggerMessage                Action = "TriggerMessage"
	ActionUnlockConnector               Action = "UnlockConnector"
	ActionUpdateFirmware                Action = "UpdateFirmware"
)

var (
	actionsMu     sync.RWMutex
	knownActions  = map[Action]struct{}{}
	strictActions bool
)

func init() {
	for _, a := range []Action{
		ActionAuthorize, ActionBootNotification, ActionCancelReservation,
		ActionChangeAvailability, ActionChangeConfiguration, ActionClearCache,
		ActionClearChargingProfile, ActionDataTransfer, ActionDiagnosticsStatusNotification,
		ActionFirmwareStatusNotification, ActionGetCompositeSchedule, ActionGetConfiguration,
		ActionGetDiagnostics, ActionGetLocalListVersion, ActionHeartbeat,
		ActionMeterValues, ActionRemoteStartTransaction, ActionRemoteStopTransaction,
		ActionReserveNow, ActionReset, ActionSendLocalList,
		ActionSetChargingProfile, ActionStartTransaction, ActionStatusNotification,
		ActionStopTransaction, ActionTriggerMessage, ActionUnlockConnector,
		ActionUpdateFirmware,
	} {
		knownActions[a] = struct{}{}
	}
}

// RegisterAction adds a vendor-specific action to the known set.
func RegisterAction(name string) Action {
	name = strings.TrimSpace(name)
	if name == "" {
		panic("protocol.RegisterAction: empty action name")
	}
	a := Action(name)
	actionsMu.Lock()
	knownActions[a] = struct{}{}
	actionsMu.Unlock()
	return a
}

// SetStrictActions makes ParseAction reject names outside the known set.
func SetStrictActions(strict bool) {
	actionsMu.Lock()
	strictActions = strict
	actionsMu.Unlock()
}

// IsKnownAction reports whether a is a registered action.
func IsKnownAction(a Action) bool {
	actionsMu.RLock()
	_, ok := knownActions[a]
	actionsMu.RUnlock()
	return ok
}

// ParseAction converts a wire action name. In strict mode names outside
// the known set fail with ErrUnknownAction.
func ParseAction(name string) (Action, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrUnknownAction)
	}
	a := Action(name)
	actionsMu.RLock()
	_, ok := knownActions[a]
	strict := strictActions
	actionsMu.RUnlock()
	if !ok && strict {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, name)
	}
	return a, nil
}

// KnownActions returns the registered actions sorted by name.
func KnownActions() []Action {
	actionsMu.RLock()
	out := make([]Action, 0, len(knownActions))
	for a := range knownActions {
		out = append(out, a)
	}
	actionsMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
