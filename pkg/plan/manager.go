// Package plan builds, stores and re-verifies execution plans. A plan is
// immutable once built and must be echoed back (id + hash) to apply.
package plan

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fathom-labs/appwarden/pkg/canonicalize"
	"github.com/fathom-labs/appwarden/pkg/contracts"
	"github.com/fathom-labs/appwarden/pkg/scopes"
)

// DefaultTTL bounds how long a previewed plan stays applicable.
const DefaultTTL = 10 * time.Minute

// inherentlyDestructive lists actions that are destructive no matter what
// the client claims. A client-supplied destructive=false is ignored here.
var inherentlyDestructive = map[string]bool{
	"project.delete":             true,
	"database.delete_collection": true,
}

// Manager owns the in-memory plan store. Writers are previews, readers are
// applies; both may run concurrently from independent clients.
type Manager struct {
	mu        sync.Mutex
	plans     map[string]*contracts.Plan
	ttl       time.Duration
	policyTag string
	now       func() time.Time
}

// NewManager creates a plan manager. A zero ttl falls back to DefaultTTL.
// policyTag names the active policy rule set and participates in the hash.
func NewManager(ttl time.Duration, policyTag string) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		plans:     make(map[string]*contracts.Plan),
		ttl:       ttl,
		policyTag: policyTag,
		now:       time.Now,
	}
}

// Normalize applies the scope and flag upgrade rules to one operation:
// catalog scopes are unioned in, and destructive/critical may only ever be
// upgraded. targetCount drives the multi-target criticality rule.
func Normalize(op contracts.Operation, targetCount int) contracts.Operation {
	out := op
	out.RequiredScopes = scopes.Union(op.Action, op.RequiredScopes)
	out.Destructive = op.Destructive || inherentlyDestructive[op.Action]
	out.Critical = op.Critical ||
		op.Action == "project.delete" ||
		(out.Destructive && targetCount >= 2)
	return out
}

// NormalizeAll normalizes every operation of a request against the resolved
// target count.
func NormalizeAll(ops []contracts.Operation, targetCount int) []contracts.Operation {
	out := make([]contracts.Operation, len(ops))
	for i, op := range ops {
		out[i] = Normalize(op, targetCount)
	}
	return out
}

// hashOperation is the canonical per-operation hash payload. Field set and
// names are part of the hash contract; changing them invalidates all
// outstanding plans.
type hashOperation struct {
	OperationID    string           `json:"operation_id"`
	Domain         contracts.Domain `json:"domain"`
	Action         string           `json:"action"`
	Params         map[string]any   `json:"params"`
	RequiredScopes []string         `json:"required_scopes"`
	Destructive    bool             `json:"destructive"`
	Critical       bool             `json:"critical"`
}

type hashPayload struct {
	Actor          string          `json:"actor"`
	Mode           string          `json:"mode"`
	TargetProjects []string        `json:"target_projects"`
	Operations     []hashOperation `json:"operations"`
	PolicyTag      string          `json:"policy_tag"`
}

// Hash computes the plan hash for an already-normalized request.
func (m *Manager) Hash(actor string, targetProjects []string, normalized []contracts.Operation) (string, error) {
	ops := make([]hashOperation, len(normalized))
	for i, op := range normalized {
		ops[i] = hashOperation{
			OperationID:    op.OperationID,
			Domain:         op.Domain,
			Action:         op.Action,
			Params:         op.Params,
			RequiredScopes: op.RequiredScopes,
			Destructive:    op.Destructive,
			Critical:       op.Critical,
		}
	}
	return canonicalize.CanonicalHash(hashPayload{
		Actor:          actor,
		Mode:           "preview",
		TargetProjects: targetProjects,
		Operations:     ops,
		PolicyTag:      m.policyTag,
	})
}

// BuildAndStore normalizes the request, computes the hash, and stores the
// resulting plan under a fresh plan ID.
func (m *Manager) BuildAndStore(req *contracts.MutationRequest, resolved []contracts.ResolvedTarget) (*contracts.Plan, []contracts.Operation, *contracts.StandardError) {
	targetProjects := projectIDs(resolved)
	normalized := NormalizeAll(req.Operations, len(targetProjects))

	hash, err := m.Hash(req.Actor, targetProjects, normalized)
	if err != nil {
		return nil, nil, contracts.NewError(contracts.CodeInternalError,
			fmt.Sprintf("plan hashing failed: %v", err))
	}

	descriptors := make([]contracts.PlanDescriptor, len(normalized))
	destructiveCount := 0
	risk := contracts.RiskLow
	allScopes := make([]string, 0, len(normalized))
	for i, op := range normalized {
		descriptors[i] = contracts.PlanDescriptor{
			OperationID: op.OperationID,
			Domain:      op.Domain,
			Action:      op.Action,
			Destructive: op.Destructive,
			Critical:    op.Critical,
		}
		if op.Destructive {
			destructiveCount++
			if risk == contracts.RiskLow {
				risk = contracts.RiskMedium
			}
		}
		if op.Critical {
			risk = contracts.RiskHigh
		}
		allScopes = append(allScopes, op.RequiredScopes...)
	}

	now := m.now()
	p := &contracts.Plan{
		PlanID:           "plan_" + uuid.NewString(),
		PlanHash:         hash,
		Actor:            req.Actor,
		TargetProjects:   targetProjects,
		Operations:       descriptors,
		RequiredScopes:   sortedUnique(allScopes),
		DestructiveCount: destructiveCount,
		RiskLevel:        risk,
		PolicyTag:        m.policyTag,
		CreatedAt:        now,
		ExpiresAt:        now.Add(m.ttl),
	}

	m.mu.Lock()
	m.plans[p.PlanID] = p
	m.mu.Unlock()

	return p, normalized, nil
}

// RequireMatching re-verifies a submitted plan against both the store and a
// fresh rebuild of the request. Any divergence fails PLAN_MISMATCH: the same
// inputs must rehash identically between preview and apply.
func (m *Manager) RequireMatching(req *contracts.MutationRequest, resolved []contracts.ResolvedTarget) (*contracts.Plan, []contracts.Operation, *contracts.StandardError) {
	if req.PlanID == "" || req.PlanHash == "" {
		return nil, nil, planMismatch("plan_id and plan_hash are required for apply")
	}

	m.mu.Lock()
	stored, ok := m.plans[req.PlanID]
	m.mu.Unlock()
	if !ok {
		return nil, nil, planMismatch(fmt.Sprintf("plan %s is unknown", req.PlanID))
	}
	if stored.Expired(m.now()) {
		return nil, nil, planMismatch(fmt.Sprintf("plan %s expired at %s", req.PlanID, stored.ExpiresAt.UTC().Format(time.RFC3339)))
	}
	if stored.PlanHash != req.PlanHash {
		return nil, nil, planMismatch("submitted plan_hash does not match the stored plan")
	}

	targetProjects := projectIDs(resolved)
	normalized := NormalizeAll(req.Operations, len(targetProjects))
	rebuilt, err := m.Hash(req.Actor, targetProjects, normalized)
	if err != nil {
		return nil, nil, contracts.NewError(contracts.CodeInternalError,
			fmt.Sprintf("plan hashing failed: %v", err))
	}
	if rebuilt != stored.PlanHash {
		return nil, nil, planMismatch("request no longer matches the previewed plan")
	}

	return stored, normalized, nil
}

// Get returns a stored plan by ID, or nil.
func (m *Manager) Get(planID string) *contracts.Plan {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.plans[planID]
}

// Sweep drops expired plans and returns how many were removed.
func (m *Manager) Sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, p := range m.plans {
		if p.Expired(now) {
			delete(m.plans, id)
			removed++
		}
	}
	return removed
}

// StartGC sweeps expired plans at the given interval until ctx is done.
func (m *Manager) StartGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
}

func planMismatch(msg string) *contracts.StandardError {
	return contracts.NewError(contracts.CodePlanMismatch, msg).
		WithRemediation("re-run changes.preview and apply with the fresh plan_id and plan_hash")
}

func sortedUnique(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, dup := seen[s]; dup || s == "" {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func projectIDs(resolved []contracts.ResolvedTarget) []string {
	out := make([]string, len(resolved))
	for i, t := range resolved {
		out[i] = t.ProjectID
	}
	return out
}
