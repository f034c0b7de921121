package ocpp16

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/gogogo1024/ocppgate/protocol"
)

// The OCPP 1.6 JSON schemas, one file per payload: <Action>.json for the
// CALL and <Action>Response.json for its CALLRESULT.
//
//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBase = "https://ocppgate.local/ocpp16/"

type actionSchemas struct {
	request  *jsonschema.Schema
	response *jsonschema.Schema
}

var (
	compiled = mustCompileSchemas()
	printer  = message.NewPrinter(language.English)
)

func mustCompileSchemas() map[protocol.Action]actionSchemas {
	sub, err := fs.Sub(schemaFS, "schemas")
	if err != nil {
		panic(err)
	}
	set, err := compileSchemas(sub)
	if err != nil {
		panic(err)
	}
	return set
}

// compileSchemas compiles every request schema in fsys together with its
// response schema. A request schema without a response schema is an error.
func compileSchemas(fsys fs.FS) (map[protocol.Action]actionSchemas, error) {
	names, err := fs.Glob(fsys, "*.json")
	if err != nil {
		return nil, err
	}

	c := jsonschema.NewCompiler()
	c.AssertFormat()
	for _, name := range names {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, err
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("ocpp16: parse schema %s: %w", name, err)
		}
		if err := c.AddResource(schemaBase+name, doc); err != nil {
			return nil, fmt.Errorf("ocpp16: add schema %s: %w", name, err)
		}
	}

	out := make(map[protocol.Action]actionSchemas)
	for _, name := range names {
		base := strings.TrimSuffix(path.Base(name), ".json")
		if strings.HasSuffix(base, "Response") {
			continue
		}
		req, err := c.Compile(schemaBase + base + ".json")
		if err != nil {
			return nil, fmt.Errorf("ocpp16: compile %s: %w", name, err)
		}
		resp, err := c.Compile(schemaBase + base + "Response.json")
		if err != nil {
			return nil, fmt.Errorf("ocpp16: compile %sResponse.json: %w", base, err)
		}
		out[protocol.Action(base)] = actionSchemas{request: req, response: resp}
	}
	return out, nil
}

// SchemaActions lists the actions with an embedded schema pair.
func SchemaActions() []protocol.Action {
	out := make([]protocol.Action, 0, len(compiled))
	for a := range compiled {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validator checks payloads against the OCPP 1.6 JSON schemas. Actions
// without a schema pass unchecked.
type Validator struct {
	schemas map[protocol.Action]actionSchemas
}

func NewValidator() Validator { return Validator{schemas: compiled} }

// ValidateRequest checks an inbound CALL payload.
func (v Validator) ValidateRequest(action protocol.Action, payload json.RawMessage) error {
	s, ok := v.schemas[action]
	if !ok {
		return nil
	}
	return validate(action, s.request, payload)
}

// ValidateResponse checks an outbound CALLRESULT payload.
func (v Validator) ValidateResponse(action protocol.Action, payload json.RawMessage) error {
	s, ok := v.schemas[action]
	if !ok {
		return nil
	}
	return validate(action, s.response, payload)
}

func validate(action protocol.Action, sch *jsonschema.Schema, payload json.RawMessage) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = json.RawMessage("{}")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return protocol.NewCallError(protocol.FormationViolation, "%s: %v", action, err)
	}
	if _, ok := inst.(map[string]any); !ok {
		return protocol.NewCallError(protocol.FormationViolation, "%s: payload is not a JSON object", action)
	}
	if err := sch.Validate(inst); err != nil {
		return violation(action, err)
	}
	return nil
}

// violation maps the first schema failure to the OCPP-J error code
// describing it.
func violation(action protocol.Action, err error) *protocol.CallError {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return protocol.NewCallError(protocol.FormationViolation, "%s: %v", action, err)
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}

	code := protocol.PropertyConstraintViolation
	switch ve.ErrorKind.(type) {
	case *kind.Required, *kind.MinItems:
		code = protocol.OccurenceConstraintViolation
	case *kind.Type:
		code = protocol.TypeConstraintViolation
	case *kind.AdditionalProperties:
		code = protocol.FormationViolation
	}
	return protocol.NewCallError(code, "%s: at /%s: %s",
		action, strings.Join(ve.InstanceLocation, "/"), ve.ErrorKind.LocalizedString(printer))
}
