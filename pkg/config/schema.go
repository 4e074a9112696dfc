package config

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// configSchema is the structural contract for the configuration file.
// Semantic checks (dangling references, production secrets) live in
// Config.Validate.
const configSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["projects"],
  "properties": {
    "environment": {"type": "string"},
    "default_endpoint": {"type": "string"},
    "projects": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["api_key"],
        "properties": {
          "api_key": {"type": "string", "minLength": 1},
          "scopes": {"type": "array", "items": {"type": "string"}},
          "endpoint": {"type": "string"},
          "aliases": {"type": "array", "items": {"type": "string", "minLength": 1}},
          "default_for_auto": {"type": "boolean"},
          "display_name": {"type": "string"}
        }
      }
    },
    "defaults": {
      "type": "object",
      "properties": {
        "auto_target_project_ids": {"type": "array", "items": {"type": "string"}},
        "target_selector": {
          "type": "object",
          "required": ["mode"],
          "properties": {
            "mode": {"type": "string", "enum": ["project_id", "alias", "auto"]},
            "values": {"type": "array", "items": {"type": "string"}}
          }
        },
        "disable_legacy_user_update": {"type": "boolean"}
      }
    },
    "management": {
      "type": "object",
      "required": ["api_key"],
      "properties": {
        "endpoint": {"type": "string"},
        "api_key": {"type": "string", "minLength": 1},
        "scopes": {"type": "array", "items": {"type": "string"}},
        "project_id": {"type": "string"}
      }
    },
    "confirmation": {
      "type": "object",
      "properties": {
        "secret": {"type": "string"},
        "ttl_seconds": {"type": "integer", "minimum": 30, "maximum": 7200}
      }
    },
    "adapter": {
      "type": "object",
      "properties": {
        "response_format": {"type": "string"},
        "timeout_ms": {"type": "integer", "minimum": 1},
        "max_retries": {"type": "integer", "minimum": 0},
        "base_delay_ms": {"type": "integer", "minimum": 1},
        "max_delay_ms": {"type": "integer", "minimum": 1},
        "retry_statuses": {"type": "array", "items": {"type": "integer"}},
        "rate_limit_per_second": {"type": "number", "minimum": 0},
        "rate_burst": {"type": "integer", "minimum": 0}
      }
    },
    "audit": {
      "type": "object",
      "properties": {
        "backend": {"type": "string", "enum": ["memory", "sqlite", "postgres", "redis"]},
        "sqlite_path": {"type": "string"},
        "postgres_dsn": {"type": "string"},
        "redis_addr": {"type": "string"},
        "redis_key": {"type": "string"},
        "s3_bucket": {"type": "string"},
        "s3_region": {"type": "string"}
      }
    },
    "policy": {
      "type": "object",
      "properties": {
        "tag": {"type": "string"},
        "rules": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["name", "expr"],
            "properties": {
              "name": {"type": "string", "minLength": 1},
              "expr": {"type": "string", "minLength": 1}
            }
          }
        }
      }
    },
    "server": {
      "type": "object",
      "properties": {
        "http_addr": {"type": "string"},
        "rate_limit_per_second": {"type": "number", "minimum": 0},
        "rate_burst": {"type": "integer", "minimum": 0},
        "jwt_secret": {"type": "string"}
      }
    }
  }
}`

var compiledSchema = mustCompile()

func mustCompile() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://appwarden.schemas.local/config.schema.json"
	if err := c.AddResource(url, strings.NewReader(configSchema)); err != nil {
		panic(err)
	}
	return c.MustCompile(url)
}
