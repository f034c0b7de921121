package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// MessageType is the first element of an OCPP-J message array.
type MessageType int

const (
	TypeCall       MessageType = 2
	TypeCallResult MessageType = 3
	TypeCallError  MessageType = 4
)

// MaxUniqueIDLen is the OCPP-J limit on message unique ids.
const MaxUniqueIDLen = 36

var emptyObject = json.RawMessage("{}")

// Message is one OCPP-J message:
//
//	CALL       [2, uniqueId, action, payload]
//	CALLRESULT [3, uniqueId, payload]
//	CALLERROR  [4, uniqueId, errorCode, errorDescription, errorDetails]
type Message struct {
	Type     MessageType
	UniqueID string
	Action   Action
	Payload  json.RawMessage

	ErrorCode        ErrorCode
	ErrorDescription string
	ErrorDetails     json.RawMessage
}

// NewCall builds a CALL with a fresh unique id.
func NewCall(action Action, payload any) (*Message, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: TypeCall, UniqueID: uuid.NewString(), Action: action, Payload: raw}, nil
}

// NewCallResult builds the CALLRESULT answering uniqueID.
func NewCallResult(uniqueID string, payload any) (*Message, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: TypeCallResult, UniqueID: uniqueID, Payload: raw}, nil
}

// NewCallErrorMessage builds the CALLERROR answering uniqueID.
func NewCallErrorMessage(uniqueID string, ce *CallError) *Message {
	details := emptyObject
	if len(ce.Details) > 0 {
		if raw, err := json.Marshal(ce.Details); err == nil {
			details = raw
		}
	}
	return &Message{
		Type:             TypeCallError,
		UniqueID:         uniqueID,
		ErrorCode:        ce.Code,
		ErrorDescription: ce.Description,
		ErrorDetails:     details,
	}
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return emptyObject, nil
	case json.RawMessage:
		if len(v) == 0 {
			return emptyObject, nil
		}
		return v, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode payload: %w", err)
	}
	if bytes.Equal(raw, []byte("null")) {
		return emptyObject, nil
	}
	return raw, nil
}

func orEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return emptyObject
	}
	return raw
}

// EncodeMessage serializes m as an OCPP-J JSON array.
func EncodeMessage(m *Message) ([]byte, error) {
	if m.UniqueID == "" || len(m.UniqueID) > MaxUniqueIDLen {
		return nil, fmt.Errorf("%w: invalid unique id %q", ErrMalformedMessage, m.UniqueID)
	}
	var arr []any
	switch m.Type {
	case TypeCall:
		if m.Action == "" {
			return nil, fmt.Errorf("%w: call without action", ErrMalformedMessage)
		}
		arr = []any{m.Type, m.UniqueID, m.Action, orEmpty(m.Payload)}
	case TypeCallResult:
		arr = []any{m.Type, m.UniqueID, orEmpty(m.Payload)}
	case TypeCallError:
		arr = []any{m.Type, m.UniqueID, m.ErrorCode, m.ErrorDescription, orEmpty(m.ErrorDetails)}
	default:
		return nil, fmt.Errorf("%w: message type %d", ErrMalformedMessage, m.Type)
	}
	return json.Marshal(arr)
}

// DecodeMessage parses an OCPP-J JSON array.
func DecodeMessage(data []byte) (*Message, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if len(arr) < 3 {
		return nil, fmt.Errorf("%w: %d elements", ErrMalformedMessage, len(arr))
	}

	m := &Message{}
	if err := json.Unmarshal(arr[0], &m.Type); err != nil {
		return nil, fmt.Errorf("%w: message type: %v", ErrMalformedMessage, err)
	}
	if err := json.Unmarshal(arr[1], &m.UniqueID); err != nil || m.UniqueID == "" {
		return nil, fmt.Errorf("%w: unique id", ErrMalformedMessage)
	}
	// Replies echo the id, so an id EncodeMessage rejects cannot be answered.
	if len(m.UniqueID) > MaxUniqueIDLen {
		return nil, fmt.Errorf("%w: unique id longer than %d characters", ErrMalformedMessage, MaxUniqueIDLen)
	}

	switch m.Type {
	case TypeCall:
		if len(arr) != 4 {
			return nil, fmt.Errorf("%w: call has %d elements", ErrMalformedMessage, len(arr))
		}
		var name string
		if err := json.Unmarshal(arr[2], &name); err != nil {
			return nil, fmt.Errorf("%w: action: %v", ErrMalformedMessage, err)
		}
		if name == "" {
			return nil, fmt.Errorf("%w: empty action", ErrMalformedMessage)
		}
		m.Action = Action(name)
		m.Payload = arr[3]
	case TypeCallResult:
		if len(arr) != 3 {
			return nil, fmt.Errorf("%w: call result has %d elements", ErrMalformedMessage, len(arr))
		}
		m.Payload = arr[2]
	case TypeCallError:
		if len(arr) != 5 {
			return nil, fmt.Errorf("%w: call error has %d elements", ErrMalformedMessage, len(arr))
		}
		if err := json.Unmarshal(arr[2], &m.ErrorCode); err != nil {
			return nil, fmt.Errorf("%w: error code: %v", ErrMalformedMessage, err)
		}
		if err := json.Unmarshal(arr[3], &m.ErrorDescription); err != nil {
			return nil, fmt.Errorf("%w: error description: %v", ErrMalformedMessage, err)
		}
		m.ErrorDetails = arr[4]
	default:
		return nil, fmt.Errorf("%w: message type %d", ErrMalformedMessage, m.Type)
	}
	return m, nil
}
