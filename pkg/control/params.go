package control

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/fathom-labs/appwarden/pkg/contracts"
)

// actionParamSchemas declares the structural requirements for action params.
// Actions absent here accept any object; path-level requirements are still
// re-checked by the adapter before a request is built.
var actionParamSchemas = map[string]string{
	"project.delete": `{
      "type": "object",
      "required": ["project_id"],
      "properties": {"project_id": {"type": "string", "minLength": 1}}
    }`,
	"database.upsert_collection": `{
      "type": "object",
      "required": ["database_id"],
      "properties": {
        "database_id": {"type": "string", "minLength": 1},
        "collection_id": {"type": "string", "minLength": 1}
      }
    }`,
	"database.delete_collection": `{
      "type": "object",
      "required": ["database_id", "collection_id"],
      "properties": {
        "database_id": {"type": "string", "minLength": 1},
        "collection_id": {"type": "string", "minLength": 1}
      }
    }`,
	"function.update": `{
      "type": "object",
      "required": ["function_id"],
      "properties": {"function_id": {"type": "string", "minLength": 1}}
    }`,
	"function.deployment.trigger": `{
      "type": "object",
      "required": ["function_id", "code"],
      "properties": {
        "function_id": {"type": "string", "minLength": 1},
        "code": {"type": "string", "minLength": 1}
      }
    }`,
	"function.execution.trigger": `{
      "type": "object",
      "required": ["function_id"],
      "properties": {"function_id": {"type": "string", "minLength": 1}}
    }`,
	"function.execution.status": `{
      "type": "object",
      "required": ["function_id", "execution_id"],
      "properties": {
        "function_id": {"type": "string", "minLength": 1},
        "execution_id": {"type": "string", "minLength": 1}
      }
    }`,
}

var compiledParamSchemas = compileParamSchemas()

func compileParamSchemas() map[string]*jsonschema.Schema {
	out := make(map[string]*jsonschema.Schema, len(actionParamSchemas)+len(userUpdateFields))
	compile := func(action, schema string) {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://appwarden.schemas.local/actions/%s.schema.json", action)
		if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
			panic(err)
		}
		out[action] = c.MustCompile(url)
	}
	for action, schema := range actionParamSchemas {
		compile(action, schema)
	}
	for _, field := range userUpdateFields {
		compile("auth.users.update."+field, fmt.Sprintf(`{
          "type": "object",
          "required": ["user_id", %q],
          "properties": {"user_id": {"type": "string", "minLength": 1}}
        }`, field))
	}
	return out
}

var userUpdateFields = []string{
	"email", "name", "status", "password", "phone",
	"email_verification", "phone_verification", "mfa", "labels", "prefs",
}

// validateParams checks an operation's params against its action schema.
func validateParams(op contracts.Operation) *contracts.StandardError {
	schema, ok := compiledParamSchemas[op.Action]
	if !ok {
		return nil
	}
	params := op.Params
	if params == nil {
		params = map[string]any{}
	}
	if err := schema.Validate(toJSONValue(params)); err != nil {
		return contracts.NewError(contracts.CodeValidationError,
			fmt.Sprintf("operation %q: invalid params for %s: %v", op.OperationID, op.Action, err))
	}
	return nil
}

// toJSONValue rewrites Go-native numbers into the float64 form the schema
// validator expects from decoded JSON.
func toJSONValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = toJSONValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = toJSONValue(val)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return v
	}
}
