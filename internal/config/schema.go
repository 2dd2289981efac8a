package config

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// configSchema is validated against the raw YAML document before any
// snapshot construction starts, so shape errors surface with field paths
// instead of unmarshal panics downstream.
const configSchema = `{
  "type": "object",
  "required": ["agents"],
  "properties": {
    "agents": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {
        "type": "object",
        "required": ["endpoint", "system_prompt"],
        "properties": {
          "endpoint": {"type": "string", "minLength": 1},
          "system_prompt": {"type": "string", "minLength": 1},
          "model": {"type": "string", "minLength": 1}
        }
      }
    },
    "timeouts": {
      "type": "object",
      "properties": {
        "request_sec": {"type": "number", "exclusiveMinimum": 0},
        "connect_sec": {"type": "number", "exclusiveMinimum": 0}
      }
    },
    "retries": {
      "type": "object",
      "properties": {
        "max_attempts": {"type": "integer", "minimum": 1},
        "base_backoff_sec": {"type": "number", "minimum": 0}
      }
    },
    "security": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "token_env": {"type": "string"}
      }
    },
    "delivery": {
      "type": "object",
      "properties": {
        "breaker": {
          "type": "object",
          "properties": {
            "enabled": {"type": "boolean"},
            "max_failures": {"type": "integer", "minimum": 1},
            "timeout_sec": {"type": "number", "exclusiveMinimum": 0},
            "interval_sec": {"type": "number", "minimum": 0}
          }
        }
      }
    }
  }
}`

// validateDocument checks the decoded YAML document against the schema.
func validateDocument(doc map[string]interface{}) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(configSchema),
		gojsonschema.NewGoLoader(doc),
	)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if result.Valid() {
		return nil
	}

	reasons := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		reasons = append(reasons, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return &InvalidConfigError{Reasons: reasons}
}
