// Package contracts defines the wire-level data model shared by the
// control service, planner, executor and upstream adapter.
package contracts

// Domain groups actions by the upstream surface they touch.
type Domain string

const (
	DomainProject  Domain = "project"
	DomainDatabase Domain = "database"
	DomainAuth     Domain = "auth"
	DomainFunction Domain = "function"
)

// Operation is one intended change against a target project.
//
// The destructive/critical hints may be upgraded during planning but never
// downgraded: a client-supplied false on an inherently destructive action is
// ignored.
type Operation struct {
	OperationID    string         `json:"operation_id"`
	Domain         Domain         `json:"domain"`
	Action         string         `json:"action"`
	Params         map[string]any `json:"params,omitempty"`
	RequiredScopes []string       `json:"required_scopes,omitempty"`
	Destructive    bool           `json:"destructive,omitempty"`
	Critical       bool           `json:"critical,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// Target is the input form of a project reference. Exactly one of ProjectID
// or Alias is expected; an empty Target is resolved via the selector rules.
type Target struct {
	ProjectID string `json:"project_id,omitempty"`
	Alias     string `json:"alias,omitempty"`
}

// TargetSelector picks projects by mode when no explicit targets are given.
type TargetSelector struct {
	Mode   string   `json:"mode"` // "project_id" | "alias" | "auto"
	Values []string `json:"values,omitempty"`
}

const (
	SelectorModeProjectID = "project_id"
	SelectorModeAlias     = "alias"
	SelectorModeAuto      = "auto"
)

// ResolvedTarget is a target after resolution. ProjectID is never empty.
type ResolvedTarget struct {
	Index     int    `json:"index"`
	Source    string `json:"source"` // "explicit" | "selector" | "auto"
	ProjectID string `json:"project_id"`
}

const (
	SourceExplicit = "explicit"
	SourceSelector = "selector"
	SourceAuto     = "auto"
)

// AuthContext carries the credentials used for one upstream call. Endpoint
// and APIKey must both be present before any request is issued. An empty
// Scopes set means the key's scopes are unknown and preflight is skipped.
type AuthContext struct {
	Endpoint string   `json:"endpoint"`
	APIKey   string   `json:"api_key"`
	Scopes   []string `json:"scopes,omitempty"`
}

// Complete reports whether the context is usable for execution.
func (a AuthContext) Complete() bool {
	return a.Endpoint != "" && a.APIKey != ""
}

// MutationRequest is the shared request shape of changes.preview and
// changes.apply. PlanID/PlanHash/ConfirmationToken are apply-only.
type MutationRequest struct {
	Actor             string          `json:"actor"`
	Targets           []Target        `json:"targets,omitempty"`
	TargetSelector    *TargetSelector `json:"target_selector,omitempty"`
	Operations        []Operation     `json:"operations"`
	Transport         string          `json:"transport,omitempty"`
	Credentials       *AuthContext    `json:"credentials,omitempty"`
	PlanID            string          `json:"plan_id,omitempty"`
	PlanHash          string          `json:"plan_hash,omitempty"`
	ConfirmationToken string          `json:"confirmation_token,omitempty"`
}
