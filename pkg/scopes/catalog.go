// Package scopes holds the build-time catalog mapping every action to the
// minimum capability scopes an API key needs to perform it. The planner
// unions these into each operation; the executor preflights against them.
package scopes

import "sort"

// CatalogVersion tags the catalog exposed by scopes.catalog.get. Bump it
// whenever an action is added or its scope set changes.
const CatalogVersion = "1.8.0"

// catalog is the authoritative action → scopes table. Actions absent here
// are unknown to the control plane.
var catalog = map[string][]string{
	"project.create": {"projects.write"},
	"project.delete": {"projects.write"},

	"database.list":              {"databases.read"},
	"database.create":            {"databases.write"},
	"database.upsert_collection": {"collections.write"},
	"database.delete_collection": {"collections.write"},

	"auth.users.list":   {"users.read"},
	"auth.users.create": {"users.write"},

	"auth.users.update":                    {"users.write"},
	"auth.users.update.email":              {"users.write"},
	"auth.users.update.name":               {"users.write"},
	"auth.users.update.status":             {"users.write"},
	"auth.users.update.password":           {"users.write"},
	"auth.users.update.phone":              {"users.write"},
	"auth.users.update.email_verification": {"users.write"},
	"auth.users.update.phone_verification": {"users.write"},
	"auth.users.update.mfa":                {"users.write"},
	"auth.users.update.labels":             {"users.write"},
	"auth.users.update.prefs":              {"users.write"},

	"function.list":               {"functions.read"},
	"function.create":             {"functions.write"},
	"function.update":             {"functions.write"},
	"function.deployment.trigger": {"functions.write"},
	"function.execution.trigger":  {"executions.write"},
	"function.execution.status":   {"executions.read"},
}

// ForAction returns a copy of the minimum scopes for action. Unknown actions
// return nil; the adapter rejects them separately with VALIDATION_ERROR.
func ForAction(action string) []string {
	s, ok := catalog[action]
	if !ok {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

// Known reports whether action exists in the catalog.
func Known(action string) bool {
	_, ok := catalog[action]
	return ok
}

// All returns a copy of the full catalog, keyed by action.
func All() map[string][]string {
	out := make(map[string][]string, len(catalog))
	for action, s := range catalog {
		c := make([]string, len(s))
		copy(c, s)
		out[action] = c
	}
	return out
}

// Actions returns the sorted list of known action names.
func Actions() []string {
	out := make([]string, 0, len(catalog))
	for action := range catalog {
		out = append(out, action)
	}
	sort.Strings(out)
	return out
}

// Union merges declared scopes with the catalog minimum for action, sorted
// and deduplicated. Declared scopes can only ever add to the minimum.
func Union(action string, declared []string) []string {
	seen := make(map[string]struct{})
	for _, s := range ForAction(action) {
		seen[s] = struct{}{}
	}
	for _, s := range declared {
		if s != "" {
			seen[s] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
