package config

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// configSchemaJSON is the structural pre-validation schema for
// config.yaml, checked before the YAML is even unmarshalled into
// Config — the same "validate before you trust the shape" step the
// teacher's internal/engine/structured.go applies to tool-call
// arguments, here applied to the agent's own startup configuration.
const configSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["broker", "pipeline"],
  "properties": {
    "agent_name": {"type": "string"},
    "log_level": {"type": "string", "enum": ["debug", "info", "warn", "error"]},
    "response_timeout_sec": {"type": "integer", "minimum": 1},
    "overwrite_last_chance": {"type": "boolean"},
    "overwrite_timeout_sec": {"type": "integer", "minimum": 1},
    "broker": {
      "type": "object",
      "required": ["host", "port", "login", "password"],
      "properties": {
        "host": {"type": "string", "minLength": 1},
        "port": {"type": "integer", "minimum": 1, "maximum": 65535},
        "login": {"type": "string"},
        "password": {"type": "string"},
        "virtual_host": {"type": "string"},
        "namespace": {"type": "string"},
        "response_timeout_sec": {"type": "integer", "minimum": 1}
      }
    },
    "pipeline": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "tags"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "label": {"type": "string"},
          "tags": {
            "type": "array",
            "items": {"type": "string", "enum": ["input", "responder", "selector", "last_chance", "timeout"]}
          },
          "previous": {"type": "array", "items": {"type": "string"}},
          "required_previous": {"type": "array", "items": {"type": "string"}},
          "connector": {"type": "string"},
          "state_hook": {"type": "string"},
          "dialog_formatter": {"type": "string"},
          "response_formatter": {"type": "string"},
          "workflow_formatter": {"type": "string"}
        }
      }
    },
    "connectors": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["kind"],
        "properties": {
          "kind": {
            "type": "string",
            "enum": ["direct_http", "batched_http", "broker", "confidence_selector", "predefined_text", "event_set_output"]
          },
          "urls": {"type": "array", "items": {"type": "string"}},
          "batch_size": {"type": "integer", "minimum": 1},
          "poll_millis": {"type": "integer", "minimum": 1},
          "timeout": {"type": "string"},
          "text": {"type": "string"}
        }
      }
    },
    "channels": {"type": "object"},
    "storage": {
      "type": "object",
      "properties": {"dsn": {"type": "string"}}
    }
  }
}`

var compiledSchema *jsonschema.Schema

func init() {
	compiler := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(configSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("config: embedded schema is invalid JSON: %v", err))
	}
	const resourceURL = "mem://dp-orchestrator/config.schema.json"
	if err := compiler.AddResource(resourceURL, doc); err != nil {
		panic(fmt.Sprintf("config: embedded schema rejected: %v", err))
	}
	compiledSchema, err = compiler.Compile(resourceURL)
	if err != nil {
		panic(fmt.Sprintf("config: embedded schema failed to compile: %v", err))
	}
}

// ValidateSchema checks raw YAML config bytes against the embedded
// schema. YAML is decoded into a generic document first since
// jsonschema validates over Go values (map[string]any/[]any/...), not
// raw text.
func ValidateSchema(yamlBytes []byte) error {
	var doc any
	if err := yaml.Unmarshal(yamlBytes, &doc); err != nil {
		return fmt.Errorf("config: decode yaml for validation: %w", err)
	}
	doc = normalizeForSchema(doc)
	if err := compiledSchema.Validate(doc); err != nil {
		return err
	}
	return nil
}

// normalizeForSchema converts yaml.v3's map[string]interface{} decode
// result into the map[string]any/[]any shape jsonschema/v6 expects,
// recursively.
func normalizeForSchema(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeForSchema(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeForSchema(val)
		}
		return out
	default:
		return v
	}
}
