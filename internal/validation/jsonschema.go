package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/relaycrm/automaton/internal/actions"
	"github.com/relaycrm/automaton/pkg/schema"
)

// definitionSchemaJSON is the JSON Schema for WorkflowDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://relaycrm.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "trigger"],
  "properties": {
    "name": {
      "type": "string",
      "minLength": 1,
      "maxLength": 200
    },
    "description": { "type": "string" },
    "trigger": {
      "type": "string",
      "enum": ["entity_created", "stage_changed", "manual", "tag_added", "entity_updated"]
    },
    "filter": {
      "type": "object",
      "additionalProperties": {
        "type": ["string", "number", "boolean", "null"]
      }
    },
    "active": { "type": "boolean" },
    "steps": {
      "type": "array",
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["order", "action"],
      "properties": {
        "order": {
          "type": "integer",
          "minimum": 0
        },
        "action": {
          "type": "string",
          "enum": ["send_message", "add_tag", "change_status", "assign_owner", "wait"]
        },
        "delay": {
          "type": "string",
          "pattern": "^(0|[0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h)([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))*)$"
        },
        "payload": {},
        "enabled": { "type": "boolean" }
      },
      "additionalProperties": false
    }
  }
}`

// Validator checks workflow definitions before they are persisted. Nothing
// at execution time depends on it; a malformed payload that slips through
// still fails the individual step, not the run.
type Validator struct {
	definitionSchema *jsonschema.Schema
	registry         *actions.Registry

	// mu guards the payload schema cache, compiled lazily per action kind.
	mu    sync.Mutex
	cache map[schema.ActionKind]*jsonschema.Schema
}

// NewValidator creates a Validator with the definition schema pre-compiled.
// Per-action payload schemas come from the registry's handlers.
func NewValidator(registry *actions.Registry) (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(definitionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal definition schema: %w", err)
	}
	if err := c.AddResource("https://relaycrm.dev/schemas/workflow.json", doc); err != nil {
		return nil, fmt.Errorf("add definition schema resource: %w", err)
	}
	compiled, err := c.Compile("https://relaycrm.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}

	return &Validator{
		definitionSchema: compiled,
		registry:         registry,
		cache:            make(map[schema.ActionKind]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition checks a workflow definition and returns every issue
// found, schema violations and structural problems alike.
func (v *Validator) ValidateDefinition(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("/", "nil_definition", "workflow definition is nil")
		return result
	}

	doc, err := toJSONValue(def)
	if err != nil {
		result.AddError("/", "encode", "failed to serialize workflow definition: "+err.Error())
		return result
	}
	if err := v.definitionSchema.Validate(doc); err != nil {
		addViolations(result, err)
	}

	// Structural checks JSON Schema cannot express.
	seen := make(map[int]struct{}, len(def.Steps))
	for i, step := range def.Steps {
		path := fmt.Sprintf("/steps/%d", i)

		if _, dup := seen[step.Order]; dup {
			result.AddError(path+"/order", "duplicate_order",
				fmt.Sprintf("duplicate step order %d", step.Order))
		}
		seen[step.Order] = struct{}{}

		if _, err := step.ParseDelay(); err != nil {
			result.AddError(path+"/delay", "invalid_delay", err.Error())
		}

		if !step.Action.Valid() {
			continue // already reported by the schema enum
		}
		v.validatePayload(result, path, step)
	}

	if len(def.Steps) == 0 {
		result.AddWarning("/steps", "no_steps",
			"workflow has no steps; triggering it completes the run immediately")
	}
	return result
}

// validatePayload checks a step payload against its action's declared schema.
func (v *Validator) validatePayload(result *schema.ValidationResult, path string, step schema.StepDefinition) {
	compiled, err := v.payloadSchema(step.Action)
	if err != nil {
		result.AddError(path+"/payload", "payload_schema", err.Error())
		return
	}
	if compiled == nil {
		return
	}

	raw := step.Payload
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		result.AddError(path+"/payload", "invalid_json", "payload is not valid JSON: "+err.Error())
		return
	}
	if err := compiled.Validate(doc); err != nil {
		for _, violation := range flattenViolations(err) {
			result.AddError(path+"/payload"+violation.path, "payload", violation.message)
		}
	}
}

// payloadSchema returns the compiled schema for an action kind, compiling
// and caching it on first use. A nil schema means the action declares none.
func (v *Validator) payloadSchema(kind schema.ActionKind) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[kind]; ok {
		return cached, nil
	}

	action, err := v.registry.Get(kind)
	if err != nil {
		return nil, err
	}
	raw := action.PayloadSchema()
	if len(raw) == 0 {
		v.cache[kind] = nil
		return nil, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s payload schema: %w", kind, err)
	}

	url := fmt.Sprintf("automaton://payload-schema/%s", kind)
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add %s payload schema resource: %w", kind, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile %s payload schema: %w", kind, err)
	}

	v.cache[kind] = compiled
	return compiled, nil
}

type violation struct {
	path    string
	message string
}

// addViolations records each leaf violation of a schema error on the result.
func addViolations(result *schema.ValidationResult, err error) {
	for _, v := range flattenViolations(err) {
		result.AddError(v.path, "schema", v.message)
	}
}

// flattenViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
func flattenViolations(err error) []violation {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []violation{{path: "/", message: err.Error()}}
	}
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []violation{{path: loc, message: verr.Error()}}
	}

	var out []violation
	for _, cause := range verr.Causes {
		out = append(out, flattenViolations(cause)...)
	}
	return out
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}
