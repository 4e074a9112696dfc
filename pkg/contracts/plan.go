package contracts

import "time"

// RiskLevel classifies a plan by its most dangerous operation.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// PlanDescriptor summarizes one normalized operation inside a plan.
type PlanDescriptor struct {
	OperationID string `json:"operation_id"`
	Domain      Domain `json:"domain"`
	Action      string `json:"action"`
	Destructive bool   `json:"destructive"`
	Critical    bool   `json:"critical"`
}

// Plan is the immutable, hashed summary of a preview. It is the ticket a
// client must echo back to apply.
type Plan struct {
	PlanID           string           `json:"plan_id"`
	PlanHash         string           `json:"plan_hash"`
	Actor            string           `json:"actor"`
	TargetProjects   []string         `json:"target_projects"`
	Operations       []PlanDescriptor `json:"operations"`
	RequiredScopes   []string         `json:"required_scopes"`
	DestructiveCount int              `json:"destructive_count"`
	RiskLevel        RiskLevel        `json:"risk_level"`
	PolicyTag        string           `json:"policy_tag,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	ExpiresAt        time.Time        `json:"expires_at"`
}

// Expired reports whether the plan is no longer applicable at now.
func (p *Plan) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// HasCritical reports whether any planned operation is critical.
func (p *Plan) HasCritical() bool {
	for _, d := range p.Operations {
		if d.Critical {
			return true
		}
	}
	return false
}

// AuditOutcome is the terminal state of one audited step.
type AuditOutcome string

const (
	OutcomePlanned AuditOutcome = "planned"
	OutcomeSuccess AuditOutcome = "success"
	OutcomeFailed  AuditOutcome = "failed"
	OutcomeSkipped AuditOutcome = "skipped"
)

// AuditRecord is one append-only audit entry. Details must pass through the
// redactor before the record is handed to a sink.
type AuditRecord struct {
	Actor         string         `json:"actor"`
	Timestamp     time.Time      `json:"timestamp"`
	TargetProject string         `json:"target_project"`
	OperationID   string         `json:"operation_id"`
	Outcome       AuditOutcome   `json:"outcome"`
	CorrelationID string         `json:"correlation_id"`
	Details       map[string]any `json:"details,omitempty"`
}
