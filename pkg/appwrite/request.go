package appwrite

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/fathom-labs/appwarden/pkg/contracts"
)

// requestSpec is the wire-level shape of one upstream call, computed purely
// from (action, params) before any network activity.
type requestSpec struct {
	Method          string
	Path            string
	Query           url.Values
	Body            map[string]any
	Multipart       bool
	MultipartFields map[string]string
	OmitProjectHdr  bool
}

// userUpdateRoutes maps the explicit auth.users.update.<field> suffix to its
// PATCH/PUT route and single body key. The phone and verification endpoints
// use different body keys than the action suffix.
var userUpdateRoutes = map[string]struct {
	Method  string
	Subpath string
	BodyKey string
}{
	"email":              {"PATCH", "/email", "email"},
	"name":               {"PATCH", "/name", "name"},
	"status":             {"PATCH", "/status", "status"},
	"password":           {"PATCH", "/password", "password"},
	"phone":              {"PATCH", "/phone", "number"},
	"email_verification": {"PATCH", "/verification", "emailVerification"},
	"phone_verification": {"PATCH", "/verification/phone", "phoneVerification"},
	"mfa":                {"PATCH", "/mfa", "mfa"},
	"labels":             {"PUT", "/labels", "labels"},
	"prefs":              {"PATCH", "/prefs", "prefs"},
}

// legacyInferenceOrder fixes which field wins when a legacy
// auth.users.update request carries several recognizable params.
var legacyInferenceOrder = []string{
	"email", "name", "status", "password", "phone",
	"email_verification", "phone_verification", "mfa", "labels", "prefs",
}

// buildRequest translates an action plus params into a concrete request
// spec. Missing required parameters yield VALIDATION_ERROR and no request.
func buildRequest(action string, params map[string]any) (*requestSpec, *contracts.StandardError) {
	if params == nil {
		params = map[string]any{}
	}

	switch action {
	case "project.create":
		return &requestSpec{Method: "POST", Path: "/projects", Body: params, OmitProjectHdr: true}, nil

	case "project.delete":
		projectID, errStd := requireString(action, params, "project_id")
		if errStd != nil {
			return nil, errStd
		}
		return &requestSpec{Method: "DELETE", Path: "/projects/" + projectID, OmitProjectHdr: true}, nil

	case "database.list":
		return &requestSpec{Method: "GET", Path: "/databases", Query: scalarQuery(params)}, nil

	case "database.create":
		return &requestSpec{Method: "POST", Path: "/databases", Body: params}, nil

	case "database.upsert_collection":
		dbID, errStd := requireString(action, params, "database_id")
		if errStd != nil {
			return nil, errStd
		}
		body := withoutKeys(params, "database_id", "collection_id")
		if collID, ok := stringParam(params, "collection_id"); ok {
			return &requestSpec{Method: "PUT", Path: "/databases/" + dbID + "/collections/" + collID, Body: body}, nil
		}
		return &requestSpec{Method: "POST", Path: "/databases/" + dbID + "/collections", Body: body}, nil

	case "database.delete_collection":
		dbID, errStd := requireString(action, params, "database_id")
		if errStd != nil {
			return nil, errStd
		}
		collID, errStd := requireString(action, params, "collection_id")
		if errStd != nil {
			return nil, errStd
		}
		return &requestSpec{Method: "DELETE", Path: "/databases/" + dbID + "/collections/" + collID}, nil

	case "auth.users.list":
		return &requestSpec{Method: "GET", Path: "/users", Query: scalarQuery(params)}, nil

	case "auth.users.create":
		return &requestSpec{Method: "POST", Path: "/users", Body: params}, nil

	case "function.list":
		return &requestSpec{Method: "GET", Path: "/functions", Query: scalarQuery(params)}, nil

	case "function.create":
		return &requestSpec{Method: "POST", Path: "/functions", Body: params}, nil

	case "function.update":
		fnID, errStd := requireString(action, params, "function_id")
		if errStd != nil {
			return nil, errStd
		}
		return &requestSpec{Method: "PUT", Path: "/functions/" + fnID, Body: withoutKeys(params, "function_id")}, nil

	case "function.deployment.trigger":
		fnID, errStd := requireString(action, params, "function_id")
		if errStd != nil {
			return nil, errStd
		}
		code, errStd := requireString(action, params, "code")
		if errStd != nil {
			return nil, errStd
		}
		fields := map[string]string{"code": code}
		for _, k := range []string{"activate", "entrypoint", "commands"} {
			if v, ok := params[k]; ok {
				fields[k] = scalarString(v)
			}
		}
		return &requestSpec{
			Method:          "POST",
			Path:            "/functions/" + fnID + "/deployments",
			Multipart:       true,
			MultipartFields: fields,
		}, nil

	case "function.execution.trigger":
		fnID, errStd := requireString(action, params, "function_id")
		if errStd != nil {
			return nil, errStd
		}
		return &requestSpec{Method: "POST", Path: "/functions/" + fnID + "/executions", Body: withoutKeys(params, "function_id")}, nil

	case "function.execution.status":
		fnID, errStd := requireString(action, params, "function_id")
		if errStd != nil {
			return nil, errStd
		}
		execID, errStd := requireString(action, params, "execution_id")
		if errStd != nil {
			return nil, errStd
		}
		return &requestSpec{Method: "GET", Path: "/functions/" + fnID + "/executions/" + execID}, nil
	}

	if field, ok := strings.CutPrefix(action, "auth.users.update."); ok {
		return buildUserUpdate(action, field, params)
	}
	if action == "auth.users.update" {
		for _, field := range legacyInferenceOrder {
			if _, ok := params[field]; ok {
				return buildUserUpdate(action, field, params)
			}
		}
		return nil, contracts.NewError(contracts.CodeValidationError,
			"auth.users.update: no recognized field in params; use an explicit auth.users.update.<field> action")
	}

	return nil, contracts.NewError(contracts.CodeValidationError,
		fmt.Sprintf("unsupported action %q", action))
}

func buildUserUpdate(action, field string, params map[string]any) (*requestSpec, *contracts.StandardError) {
	route, ok := userUpdateRoutes[field]
	if !ok {
		return nil, contracts.NewError(contracts.CodeValidationError,
			fmt.Sprintf("%s: unknown user field %q", action, field))
	}
	userID, errStd := requireString(action, params, "user_id")
	if errStd != nil {
		return nil, errStd
	}
	value, ok := params[field]
	if !ok {
		return nil, contracts.NewError(contracts.CodeValidationError,
			fmt.Sprintf("%s: missing required param %q", action, field))
	}
	return &requestSpec{
		Method: route.Method,
		Path:   "/users/" + userID + route.Subpath,
		Body:   map[string]any{route.BodyKey: value},
	}, nil
}

func requireString(action string, params map[string]any, key string) (string, *contracts.StandardError) {
	v, ok := stringParam(params, key)
	if !ok || v == "" {
		return "", contracts.NewError(contracts.CodeValidationError,
			fmt.Sprintf("%s: missing required param %q", action, key))
	}
	return v, nil
}

func stringParam(params map[string]any, key string) (string, bool) {
	v, ok := params[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// scalarQuery keeps only string, number and boolean values; nested
// structures never reach the query string.
func scalarQuery(params map[string]any) url.Values {
	q := url.Values{}
	for k, v := range params {
		if s, ok := scalar(v); ok {
			q.Set(k, s)
		}
	}
	return q
}

func scalar(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case bool:
		return strconv.FormatBool(t), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	default:
		return "", false
	}
}

func scalarString(v any) string {
	if s, ok := scalar(v); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func withoutKeys(params map[string]any, keys ...string) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	for _, k := range keys {
		delete(out, k)
	}
	return out
}
