// Package codec builds typed OCPP payloads from JSON with strict field rules.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sort"
	"strings"
	"sync"
)

var (
	ErrUnknownField   = errors.New("codec: unknown field")
	ErrMissingField   = errors.New("codec: missing required field")
	ErrInvalidPayload = errors.New("codec: invalid payload")
	ErrDestination    = errors.New("codec: destination must be a non-nil pointer")
)

// IsConstructionError reports whether err means the payload could not be
// turned into the requested type.
func IsConstructionError(err error) bool {
	return errors.Is(err, ErrUnknownField) || errors.Is(err, ErrMissingField) || errors.Is(err, ErrInvalidPayload)
}

// Marshal encodes v without HTML escaping and without a trailing newline.
func Marshal(v any) ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Unmarshal decodes data into dst. When dst points to a struct, top-level
// keys must match its json fields exactly and every field tagged without
// omitempty must be present.
func Unmarshal(data []byte, dst any) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return ErrDestination
	}
	if t := rv.Elem().Type(); t.Kind() == reflect.Struct {
		if err := checkFields(data, t); err != nil {
			return err
		}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	var extra any
	if err := dec.Decode(&extra); err != io.EOF {
		return fmt.Errorf("%w: trailing content", ErrInvalidPayload)
	}
	return nil
}

// DecodeFields builds dst from named payload fields.
func DecodeFields(fields map[string]any, dst any) error {
	if fields == nil {
		fields = map[string]any{}
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("codec: encode fields: %w", err)
	}
	return Unmarshal(raw, dst)
}

func checkFields(data []byte, t reflect.Type) error {
	var present map[string]json.RawMessage
	if err := json.Unmarshal(data, &present); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	known := fieldsOf(t)

	keys := make([]string, 0, len(present))
	for k := range present {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, ok := known.byName[k]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownField, k)
		}
	}
	for _, name := range known.required {
		if _, ok := present[name]; !ok {
			return fmt.Errorf("%w: %q", ErrMissingField, name)
		}
	}
	return nil
}

type structInfo struct {
	byName   map[string]struct{}
	required []string
}

var infoCache sync.Map // reflect.Type -> *structInfo

func fieldsOf(t reflect.Type) *structInfo {
	if v, ok := infoCache.Load(t); ok {
		return v.(*structInfo)
	}
	info := &structInfo{byName: map[string]struct{}{}}
	collectFields(t, info)
	sort.Strings(info.required)
	v, _ := infoCache.LoadOrStore(t, info)
	return v.(*structInfo)
}

func collectFields(t reflect.Type, info *structInfo) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag, hasTag := f.Tag.Lookup("json")
		if tag == "-" {
			continue
		}
		if f.Anonymous && !hasTag {
			ft := f.Type
			if ft.Kind() == reflect.Pointer {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct {
				collectFields(ft, info)
				continue
			}
		}
		if !f.IsExported() {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		if name == "" {
			name = f.Name
		}
		info.byName[name] = struct{}{}
		if !hasOption(opts, "omitempty") && !hasOption(opts, "omitzero") {
			info.required = append(info.required, name)
		}
	}
}

func hasOption(opts, want string) bool {
	for opts != "" {
		var o string
		o, opts, _ = strings.Cut(opts, ",")
		if o == want {
			return true
		}
	}
	return false
}
