package plan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathom-labs/appwarden/pkg/contracts"
)

func twoTargets() []contracts.ResolvedTarget {
	return []contracts.ResolvedTarget{
		{Index: 0, Source: contracts.SourceExplicit, ProjectID: "p_a"},
		{Index: 1, Source: contracts.SourceExplicit, ProjectID: "p_b"},
	}
}

func dbCreateRequest() *contracts.MutationRequest {
	return &contracts.MutationRequest{
		Actor: "ci-bot",
		Operations: []contracts.Operation{{
			OperationID: "op-1",
			Domain:      contracts.DomainDatabase,
			Action:      "database.create",
			Params:      map[string]any{"database_id": "db-main", "name": "Main DB"},
		}},
	}
}

func TestBuildAndStoreBasics(t *testing.T) {
	m := NewManager(DefaultTTL, "default")
	p, normalized, serr := m.BuildAndStore(dbCreateRequest(), twoTargets())
	require.Nil(t, serr)

	assert.Regexp(t, `^plan_`, p.PlanID)
	assert.Len(t, p.PlanHash, 64)
	assert.Equal(t, []string{"p_a", "p_b"}, p.TargetProjects)
	assert.Equal(t, 0, p.DestructiveCount)
	assert.Equal(t, contracts.RiskLow, p.RiskLevel)
	assert.Equal(t, []string{"databases.write"}, p.RequiredScopes)
	require.Len(t, normalized, 1)
	assert.Equal(t, []string{"databases.write"}, normalized[0].RequiredScopes)
	assert.True(t, p.ExpiresAt.After(p.CreatedAt))
}

func TestHashStableUnderParamKeyReordering(t *testing.T) {
	m := NewManager(DefaultTTL, "default")

	req1 := dbCreateRequest()
	req2 := dbCreateRequest()
	req2.Operations[0].Params = map[string]any{"name": "Main DB", "database_id": "db-main"}

	p1, _, serr := m.BuildAndStore(req1, twoTargets())
	require.Nil(t, serr)
	p2, _, serr := m.BuildAndStore(req2, twoTargets())
	require.Nil(t, serr)
	assert.Equal(t, p1.PlanHash, p2.PlanHash)
	assert.NotEqual(t, p1.PlanID, p2.PlanID)
}

func TestHashChangesWithTargetsAndPolicyTag(t *testing.T) {
	m1 := NewManager(DefaultTTL, "default")
	m2 := NewManager(DefaultTTL, "strict")

	p1, _, serr := m1.BuildAndStore(dbCreateRequest(), twoTargets())
	require.Nil(t, serr)
	p2, _, serr := m1.BuildAndStore(dbCreateRequest(), twoTargets()[:1])
	require.Nil(t, serr)
	p3, _, serr := m2.BuildAndStore(dbCreateRequest(), twoTargets())
	require.Nil(t, serr)

	assert.NotEqual(t, p1.PlanHash, p2.PlanHash)
	assert.NotEqual(t, p1.PlanHash, p3.PlanHash)
}

func TestScopeDowngradeIsBlocked(t *testing.T) {
	m := NewManager(DefaultTTL, "default")
	req := &contracts.MutationRequest{
		Actor: "ci-bot",
		Operations: []contracts.Operation{{
			OperationID:    "op-1",
			Domain:         contracts.DomainAuth,
			Action:         "auth.users.create",
			Params:         map[string]any{"user_id": "u1", "email": "x@y"},
			RequiredScopes: []string{"users.read"},
		}},
	}
	p, normalized, serr := m.BuildAndStore(req, twoTargets()[:1])
	require.Nil(t, serr)
	assert.Equal(t, []string{"users.read", "users.write"}, normalized[0].RequiredScopes)
	assert.Equal(t, []string{"users.read", "users.write"}, p.RequiredScopes)
}

func TestDestructiveUpgradeNeverDowngrade(t *testing.T) {
	// Client claims project.delete is non-destructive; the claim is ignored.
	op := contracts.Operation{
		OperationID: "op-1",
		Domain:      contracts.DomainProject,
		Action:      "project.delete",
		Params:      map[string]any{"project_id": "p_a"},
		Destructive: false,
		Critical:    false,
	}
	n := Normalize(op, 1)
	assert.True(t, n.Destructive)
	assert.True(t, n.Critical) // project.delete is always critical
}

func TestMultiTargetDestructiveBecomesCritical(t *testing.T) {
	op := contracts.Operation{
		OperationID: "op-1",
		Domain:      contracts.DomainDatabase,
		Action:      "database.delete_collection",
		Params:      map[string]any{"database_id": "db", "collection_id": "c"},
	}
	single := Normalize(op, 1)
	assert.True(t, single.Destructive)
	assert.False(t, single.Critical)

	multi := Normalize(op, 2)
	assert.True(t, multi.Critical)
}

func TestRiskLevels(t *testing.T) {
	m := NewManager(DefaultTTL, "default")

	destructive := &contracts.MutationRequest{
		Actor: "ci-bot",
		Operations: []contracts.Operation{{
			OperationID: "op-1",
			Domain:      contracts.DomainDatabase,
			Action:      "database.delete_collection",
			Params:      map[string]any{"database_id": "db", "collection_id": "c"},
		}},
	}
	p, _, serr := m.BuildAndStore(destructive, twoTargets()[:1])
	require.Nil(t, serr)
	assert.Equal(t, contracts.RiskMedium, p.RiskLevel)
	assert.Equal(t, 1, p.DestructiveCount)

	critical := &contracts.MutationRequest{
		Actor: "ci-bot",
		Operations: []contracts.Operation{{
			OperationID: "op-1",
			Domain:      contracts.DomainProject,
			Action:      "project.delete",
			Params:      map[string]any{"project_id": "p_a"},
		}},
	}
	p, _, serr = m.BuildAndStore(critical, twoTargets()[:1])
	require.Nil(t, serr)
	assert.Equal(t, contracts.RiskHigh, p.RiskLevel)
}

func TestRequireMatchingHappyPath(t *testing.T) {
	m := NewManager(DefaultTTL, "default")
	req := dbCreateRequest()
	p, _, serr := m.BuildAndStore(req, twoTargets())
	require.Nil(t, serr)

	applyReq := dbCreateRequest()
	applyReq.PlanID = p.PlanID
	applyReq.PlanHash = p.PlanHash
	got, normalized, serr := m.RequireMatching(applyReq, twoTargets())
	require.Nil(t, serr)
	assert.Equal(t, p.PlanID, got.PlanID)
	assert.Len(t, normalized, 1)
}

func TestRequireMatchingFailures(t *testing.T) {
	m := NewManager(DefaultTTL, "default")
	req := dbCreateRequest()
	p, _, serr := m.BuildAndStore(req, twoTargets())
	require.Nil(t, serr)

	cases := map[string]func(r *contracts.MutationRequest){
		"missing id":    func(r *contracts.MutationRequest) { r.PlanHash = p.PlanHash },
		"missing hash":  func(r *contracts.MutationRequest) { r.PlanID = p.PlanID },
		"unknown plan":  func(r *contracts.MutationRequest) { r.PlanID = "plan_nope"; r.PlanHash = p.PlanHash },
		"tampered hash": func(r *contracts.MutationRequest) { r.PlanID = p.PlanID; r.PlanHash = p.PlanHash + "x" },
		"mutated request": func(r *contracts.MutationRequest) {
			r.PlanID = p.PlanID
			r.PlanHash = p.PlanHash
			r.Operations[0].Params["name"] = "Sneaky Rename"
		},
	}
	for name, mutate := range cases {
		applyReq := dbCreateRequest()
		mutate(applyReq)
		_, _, serr := m.RequireMatching(applyReq, twoTargets())
		require.NotNil(t, serr, name)
		assert.Equal(t, contracts.CodePlanMismatch, serr.Code, name)
	}
}

func TestRequireMatchingExpired(t *testing.T) {
	m := NewManager(time.Minute, "default")
	req := dbCreateRequest()
	p, _, serr := m.BuildAndStore(req, twoTargets())
	require.Nil(t, serr)

	m.now = func() time.Time { return p.ExpiresAt } // now >= expires_at

	applyReq := dbCreateRequest()
	applyReq.PlanID = p.PlanID
	applyReq.PlanHash = p.PlanHash
	_, _, serr = m.RequireMatching(applyReq, twoTargets())
	require.NotNil(t, serr)
	assert.Equal(t, contracts.CodePlanMismatch, serr.Code)
}

func TestSweepDropsExpiredPlans(t *testing.T) {
	m := NewManager(time.Minute, "default")
	p, _, serr := m.BuildAndStore(dbCreateRequest(), twoTargets())
	require.Nil(t, serr)

	assert.Equal(t, 0, m.Sweep())
	assert.NotNil(t, m.Get(p.PlanID))

	m.now = func() time.Time { return p.ExpiresAt.Add(time.Second) }
	assert.Equal(t, 1, m.Sweep())
	assert.Nil(t, m.Get(p.PlanID))
}
