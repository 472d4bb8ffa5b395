package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Spec describes a tool to the reasoning engine. Parameters is a JSON Schema
// object.
type Spec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

type definition struct {
	spec   Spec
	schema *jsonschema.Schema
	decode func(raw []byte) (Command, error)
}

// Registry maps tool names to their schema and command decoder.
type Registry struct {
	defs map[string]*definition
}

// ArgumentError reports that tool arguments failed validation. Field is the
// first offending argument.
type ArgumentError struct {
	Field string
	Err   error
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid argument %s: %v", e.Field, e.Err)
}

func (e *ArgumentError) Unwrap() error { return e.Err }

// ErrUnknownTool is wrapped by ArgumentError for names not in the registry.
var ErrUnknownTool = errors.New("unknown tool")

const lookupSchema = `{
  "type": "object",
  "properties": {
    "name": {"type": "string", "minLength": 1, "description": "Name or nickname of the saved beneficiary, e.g. \"Tunde\""}
  },
  "required": ["name"]
}`

const triggerSchema = `{
  "type": "object",
  "properties": {}
}`

const executeSchema = `{
  "type": "object",
  "properties": {
    "amount": {"type": ["number", "string"], "description": "Amount in naira, e.g. 5000"},
    "beneficiary_name": {"type": "string", "minLength": 1, "description": "Full account name of the recipient"},
    "bank_name": {"type": "string", "minLength": 1, "description": "Recipient bank"},
    "account_number": {"type": "string", "pattern": "^[0-9]{10}$", "description": "10-digit account number"}
  },
  "required": ["amount", "beneficiary_name", "bank_name", "account_number"]
}`

const addSchema = `{
  "type": "object",
  "properties": {
    "alias": {"type": "string", "minLength": 1, "maxLength": 100, "description": "Short name the user will use, e.g. \"Mum\""},
    "account_name": {"type": "string", "minLength": 1, "description": "Full account name"},
    "account_number": {"type": "string", "pattern": "^[0-9]{10}$", "description": "10-digit account number"},
    "bank_name": {"type": "string", "minLength": 1, "description": "Bank of the account"}
  },
  "required": ["alias", "account_name", "account_number", "bank_name"]
}`

// NewRegistry compiles the schemas of every tool.
func NewRegistry() (*Registry, error) {
	r := &Registry{defs: make(map[string]*definition)}

	entries := []struct {
		name, description, schema string
		decode                    func([]byte) (Command, error)
	}{
		{
			LookupBeneficiary,
			"Look up a saved beneficiary by name. Always call this before asking the user for account details.",
			lookupSchema,
			decodeInto[LookupBeneficiaryCmd],
		},
		{
			TriggerBiometricAuth,
			"Ask the user to verify their identity for the transfer already staged with execute_transfer.",
			triggerSchema,
			decodeInto[TriggerBiometricAuthCmd],
		},
		{
			ExecuteTransfer,
			"Stage a transfer after the user has confirmed the details. Money moves only after face verification.",
			executeSchema,
			decodeInto[ExecuteTransferCmd],
		},
		{
			AddBeneficiary,
			"Save a new beneficiary for the user.",
			addSchema,
			decodeInto[AddBeneficiaryCmd],
		},
	}

	for _, e := range entries {
		if err := r.register(e.name, e.description, e.schema, e.decode); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) register(name, description, schemaJSON string, decode func([]byte) (Command, error)) error {
	compiler := jsonschema.NewCompiler()
	url := name + ".json"
	if err := compiler.AddResource(url, strings.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("failed to add schema for %s: %w", name, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", name, err)
	}

	var params map[string]any
	if err := json.Unmarshal([]byte(schemaJSON), &params); err != nil {
		return fmt.Errorf("failed to parse schema for %s: %w", name, err)
	}

	r.defs[name] = &definition{
		spec:   Spec{Name: name, Description: description, Parameters: params},
		schema: schema,
		decode: decode,
	}
	return nil
}

// Specs lists every tool, sorted by name.
func (r *Registry) Specs() []Spec {
	out := make([]Spec, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d.spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Decode validates raw against the tool's schema and returns the typed
// command. Failures are *ArgumentError.
func (r *Registry) Decode(name string, raw json.RawMessage) (Command, error) {
	def, ok := r.defs[name]
	if !ok {
		return nil, &ArgumentError{Field: "tool", Err: fmt.Errorf("%w: %q", ErrUnknownTool, name)}
	}

	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		raw = json.RawMessage("{}")
	}

	var payload any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return nil, &ArgumentError{Field: "arguments", Err: err}
	}
	if err := def.schema.Validate(payload); err != nil {
		return nil, &ArgumentError{Field: fieldOf(err), Err: err}
	}

	cmd, err := def.decode(raw)
	if err != nil {
		return nil, &ArgumentError{Field: "arguments", Err: err}
	}
	return cmd, nil
}

func decodeInto[T Command](raw []byte) (Command, error) {
	var cmd T
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

var missingProperty = regexp.MustCompile(`missing propert(?:y|ies):?\s*['"]([^'"]+)['"]`)

// fieldOf names the first argument a schema error points at.
func fieldOf(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return "arguments"
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	if loc := strings.TrimPrefix(leaf.InstanceLocation, "/"); loc != "" {
		field, _, _ := strings.Cut(loc, "/")
		return field
	}
	if m := missingProperty.FindStringSubmatch(leaf.Message); m != nil {
		return m[1]
	}
	return "arguments"
}
