package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidMagic          = errors.New("protocol: invalid frame magic")
	ErrUnsupportedVersion    = errors.New("protocol: unsupported frame version")
	ErrFrameTooLarge         = errors.New("protocol: frame too large")
	ErrUnsupportedFrameFlags = errors.New("protocol: unsupported frame flags")
	ErrMalformedMessage      = errors.New("protocol: malformed message")
	ErrUnknownAction         = errors.New("protocol: unknown action")
)

// ErrorCode is an OCPP-J CALLERROR code.
type ErrorCode string

const (
	NotImplemented               ErrorCode = "NotImplemented"
	NotSupported                 ErrorCode = "NotSupported"
	InternalError                ErrorCode = "InternalError"
	ProtocolError                ErrorCode = "ProtocolError"
	SecurityError                ErrorCode = "SecurityError"
	FormationViolation           ErrorCode = "FormationViolation"
	PropertyConstraintViolation  ErrorCode = "PropertyConstraintViolation"
	OccurenceConstraintViolation ErrorCode = "OccurenceConstraintViolation"
	TypeConstraintViolation      ErrorCode = "TypeConstraintViolation"
	GenericError                 ErrorCode = "GenericError"
)

// CallError is an error that is reported to the peer as a CALLERROR.
// Handlers return one to choose the code and description sent on the wire.
type CallError struct {
	Code        ErrorCode
	Description string
	Details     map[string]any
}

func NewCallError(code ErrorCode, format string, args ...any) *CallError {
	return &CallError{Code: code, Description: fmt.Sprintf(format, args...)}
}

func (e *CallError) Error() string {
	if e.Description == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Description
}

// AsCallError maps err to the CallError reported to the peer.
// Errors that do not wrap a *CallError become InternalError.
func AsCallError(err error) *CallError {
	if err == nil {
		return nil
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return ce
	}
	return &CallError{Code: InternalError, Description: err.Error()}
}
