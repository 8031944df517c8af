package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/reportflow/reportflow/pkg/schema"
)

// planSchemaJSON is the JSON Schema for ExecutionPlan validation. Embedded as
// a constant to avoid filesystem dependencies.
const planSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://reportflow.dev/schemas/plan.json",
  "type": "object",
  "required": ["workflow_name", "workflow_version", "steps"],
  "properties": {
    "workflow_name": {
      "type": "string",
      "minLength": 1
    },
    "workflow_version": {
      "type": "string",
      "minLength": 1
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "resource_limits": { "$ref": "#/$defs/resource_limits" },
    "step_inputs": {
      "type": "object"
    },
    "metadata": {
      "type": "object"
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["step_name", "step_order"],
      "properties": {
        "step_name": {
          "type": "string",
          "minLength": 1
        },
        "step_order": {
          "type": "integer",
          "minimum": 0
        },
        "max_attempts": {
          "type": "integer",
          "minimum": 1,
          "maximum": 100
        },
        "weight": {
          "type": "integer",
          "minimum": 1
        },
        "condition": { "type": "string" },
        "params": {}
      },
      "additionalProperties": false
    },
    "resource_limits": {
      "type": "object",
      "properties": {
        "cpu_cores": {
          "type": "integer",
          "minimum": 1
        },
        "memory_mb": {
          "type": "integer",
          "minimum": 1
        },
        "timeout_ms": {
          "type": "integer",
          "minimum": 1
        }
      },
      "additionalProperties": false
    }
  }
}`

// compilePlanSchema compiles the embedded plan schema once at construction.
func compilePlanSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(planSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal plan schema: %w", err)
	}
	if err := c.AddResource("https://reportflow.dev/schemas/plan.json", doc); err != nil {
		return nil, fmt.Errorf("add plan schema resource: %w", err)
	}
	return c.Compile("https://reportflow.dev/schemas/plan.json")
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// collectStructuralIssues flattens a jsonschema validation error tree into
// per-location issues on the result.
func collectStructuralIssues(res *schema.ValidationResult, err error) {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		res.AddError("/", "schema", err.Error())
		return
	}
	addViolations(res, verr)
}

func addViolations(res *schema.ValidationResult, verr *jsonschema.ValidationError) {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		res.AddError(loc, "schema", verr.Error())
		return
	}
	for _, cause := range verr.Causes {
		addViolations(res, cause)
	}
}
