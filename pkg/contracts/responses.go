package contracts

import "time"

// ExecStatus is the aggregate outcome of an apply, per target and overall.
type ExecStatus string

const (
	StatusSuccess        ExecStatus = "SUCCESS"
	StatusFailed         ExecStatus = "FAILED"
	StatusPartialSuccess ExecStatus = "PARTIAL_SUCCESS"
)

// OperationResult is the outcome of one operation on one target.
type OperationResult struct {
	OperationID string         `json:"operation_id"`
	Action      string         `json:"action"`
	Status      ExecStatus     `json:"status"`
	Data        any            `json:"data,omitempty"`
	Error       *StandardError `json:"error,omitempty"`
}

// TargetResult groups the operation results for one resolved target.
// target_results[i].ProjectID always equals plan.TargetProjects[i].
type TargetResult struct {
	ProjectID  string            `json:"project_id"`
	Status     ExecStatus        `json:"status"`
	Operations []OperationResult `json:"operations"`
}

// PreviewResponse is the plan-shaped reply of changes.preview.
type PreviewResponse struct {
	CorrelationID string `json:"correlation_id"`
	Summary       string `json:"summary"`
	Plan          Plan   `json:"plan"`
}

// ApplyResponse is the reply of changes.apply.
type ApplyResponse struct {
	CorrelationID string         `json:"correlation_id"`
	Summary       string         `json:"summary"`
	Status        ExecStatus     `json:"status"`
	PlanID        string         `json:"plan_id"`
	TargetResults []TargetResult `json:"target_results"`
}

// MutationErrorResponse is the top-level failure shape for any tool.
type MutationErrorResponse struct {
	CorrelationID string        `json:"correlation_id"`
	Status        string        `json:"status"` // always "FAILED"
	Summary       string        `json:"summary"`
	Error         StandardError `json:"error"`
}

// CapabilitiesResponse answers capabilities.list.
type CapabilitiesResponse struct {
	CorrelationID string       `json:"correlation_id"`
	Summary       string       `json:"summary"`
	Capabilities  Capabilities `json:"capabilities"`
}

// Capabilities describes what this process can do for the caller.
type Capabilities struct {
	Domains             map[string][]string `json:"domains"`
	TransportDefault    string              `json:"transport_default"`
	SupportedTransports []string            `json:"supported_transports"`
	AutoTargetingOn     bool                `json:"auto_targeting_enabled"`
	ScopeCatalogVersion string              `json:"scope_catalog_version"`
}

// ContextResponse answers context.get.
type ContextResponse struct {
	CorrelationID         string          `json:"correlation_id"`
	Summary               string          `json:"summary"`
	KnownProjectIDs       []string        `json:"known_project_ids"`
	AliasCount            int             `json:"alias_count"`
	AutoTargetProjectIDs  []string        `json:"auto_target_project_ids"`
	DefaultTargetSelector *TargetSelector `json:"default_target_selector,omitempty"`
}

// ResolveResponse answers targets.resolve.
type ResolveResponse struct {
	CorrelationID   string           `json:"correlation_id"`
	Summary         string           `json:"summary"`
	ResolvedTargets []ResolvedTarget `json:"resolved_targets"`
	Source          string           `json:"source"`
}

// CatalogAction is one row of the scope catalog as exposed to clients.
type CatalogAction struct {
	RequiredScopes []string `json:"required_scopes"`
}

// CatalogResponse answers scopes.catalog.get.
type CatalogResponse struct {
	CorrelationID  string                   `json:"correlation_id"`
	Summary        string                   `json:"summary"`
	CatalogVersion string                   `json:"catalog_version"`
	Actions        map[string]CatalogAction `json:"actions"`
}

// ConfirmResponse answers confirm.issue.
type ConfirmResponse struct {
	CorrelationID string    `json:"correlation_id"`
	Summary       string    `json:"summary"`
	Token         string    `json:"token"`
	ExpiresAt     time.Time `json:"expires_at"`
}
