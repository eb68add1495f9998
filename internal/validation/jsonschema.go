package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/flowc/pkg/schema"
)

// flowSchemaJSON is the JSON Schema for FlowDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const flowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowc.dev/schemas/flow.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "name": {
      "type": "string",
      "minLength": 1,
      "pattern": "^[a-zA-Z0-9_\\-\\.]+$"
    },
    "description": { "type": "string" },
    "steps": {
      "type": "array",
      "minItems": 2,
      "items": { "$ref": "#/$defs/step" }
    },
    "parameters": {
      "type": "array",
      "items": { "$ref": "#/$defs/parameter" }
    },
    "annotations": {
      "type": "array",
      "items": { "$ref": "#/$defs/annotation" }
    },
    "tags": {
      "type": "array",
      "items": { "type": "string" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": {
          "type": "string",
          "minLength": 1
        },
        "type": {
          "type": "string",
          "enum": ["start", "linear", "split", "foreach", "join", "end"]
        },
        "next": {
          "type": "array",
          "items": { "type": "string" }
        },
        "foreach": { "type": "string" },
        "annotations": {
          "type": "array",
          "items": { "$ref": "#/$defs/annotation" }
        }
      },
      "additionalProperties": false
    },
    "annotation": {
      "type": "object",
      "required": ["kind"],
      "properties": {
        "kind": {
          "type": "string",
          "minLength": 1
        },
        "attrs": {}
      },
      "additionalProperties": false
    },
    "parameter": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": {
          "type": "string",
          "minLength": 1
        },
        "type": {
          "type": "string",
          "enum": ["str", "int", "float", "bool"]
        },
        "default": {},
        "expr": { "type": "string" },
        "help": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

const flowSchemaID = "https://flowc.dev/schemas/flow.json"

var (
	flowSchemaOnce sync.Once
	flowSchema     *jsonschema.Schema
	flowSchemaErr  error
)

func compiledFlowSchema() (*jsonschema.Schema, error) {
	flowSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(flowSchemaJSON))
		if err != nil {
			flowSchemaErr = fmt.Errorf("unmarshal flow schema: %w", err)
			return
		}
		if err := c.AddResource(flowSchemaID, doc); err != nil {
			flowSchemaErr = fmt.Errorf("add flow schema resource: %w", err)
			return
		}
		flowSchema, flowSchemaErr = c.Compile(flowSchemaID)
	})
	return flowSchema, flowSchemaErr
}

// validateJSONSchema checks the definition against the embedded JSON Schema.
func validateJSONSchema(def *schema.FlowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	compiled, err := compiledFlowSchema()
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	doc, err := toJSONValue(def)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, "failed to serialize flow definition: "+err.Error())
		return result
	}

	if err := compiled.Validate(doc); err != nil {
		if vErr, ok := err.(*jsonschema.ValidationError); ok {
			for _, issue := range flattenIssues(vErr) {
				result.AddError(issue.path, schema.ErrCodeValidation, issue.message)
			}
		} else {
			result.AddError("/", schema.ErrCodeValidation, err.Error())
		}
	}
	return result
}

type schemaIssue struct {
	path    string
	message string
}

func flattenIssues(vErr *jsonschema.ValidationError) []schemaIssue {
	if len(vErr.Causes) == 0 {
		path := "/" + strings.Join(vErr.InstanceLocation, "/")
		return []schemaIssue{{path: path, message: vErr.Error()}}
	}
	var issues []schemaIssue
	for _, cause := range vErr.Causes {
		issues = append(issues, flattenIssues(cause)...)
	}
	return issues
}

// toJSONValue round-trips a value through JSON with json.Number preserved,
// the form the schema validator expects.
func toJSONValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}
