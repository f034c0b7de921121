package routing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrInvalidFields is returned when a payload is not a JSON object.
var ErrInvalidFields = errors.New("routing: payload is not a JSON object")

// Fields are the named values of an inbound payload, keyed by their wire
// names. Numbers are kept as json.Number.
type Fields map[string]any

// ParseFields decodes a payload object. An empty or null payload yields
// empty Fields.
func ParseFields(payload []byte) (Fields, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return Fields{}, nil
	}
	if payload[0] != '{' {
		return nil, ErrInvalidFields
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var f Fields
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFields, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing content", ErrInvalidFields)
	}
	if f == nil {
		f = Fields{}
	}
	return f, nil
}

// String returns the string value of key.
func (f Fields) String(key string) (string, bool) {
	s, ok := f[key].(string)
	return s, ok
}

// Int returns the integer value of key.
func (f Fields) Int(key string) (int64, bool) {
	switch v := f[key].(type) {
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if v == float64(int64(v)) {
			return int64(v), true
		}
	}
	return 0, false
}
