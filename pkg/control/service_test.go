package control

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathom-labs/appwarden/pkg/audit"
	"github.com/fathom-labs/appwarden/pkg/confirm"
	"github.com/fathom-labs/appwarden/pkg/contracts"
	"github.com/fathom-labs/appwarden/pkg/executor"
	"github.com/fathom-labs/appwarden/pkg/plan"
	"github.com/fathom-labs/appwarden/pkg/policy"
	"github.com/fathom-labs/appwarden/pkg/target"
)

type adapterCall struct {
	projectID string
	action    string
	idemKey   string
}

type fakeAdapter struct {
	calls    []adapterCall
	failures map[string]*contracts.StandardError // "project:action" -> error
}

func (f *fakeAdapter) ExecuteOperation(_ context.Context, projectID string, op contracts.Operation, _ contracts.AuthContext, _ string) (any, *contracts.StandardError) {
	f.calls = append(f.calls, adapterCall{projectID: projectID, action: op.Action, idemKey: op.IdempotencyKey})
	if e, ok := f.failures[projectID+":"+op.Action]; ok {
		cp := *e
		return nil, &cp
	}
	return map[string]any{"$id": "res_1"}, nil
}

type fixture struct {
	svc     *Service
	adapter *fakeAdapter
	sink    *audit.MemorySink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	adapter := &fakeAdapter{failures: map[string]*contracts.StandardError{}}
	sink := audit.NewMemorySink()
	auth := contracts.AuthContext{Endpoint: "https://aw.example.com/v1", APIKey: "key_a"}
	exec := executor.New(executor.Options{
		Dispatcher: adapter,
		ProjectAuth: map[string]contracts.AuthContext{
			"p_a": auth,
			"p_b": auth,
		},
		Management: &contracts.AuthContext{Endpoint: "https://aw.example.com/v1", APIKey: "key_mgmt"},
		Sink:       sink,
	})
	confirmSvc, err := confirm.NewService("test-secret")
	require.NoError(t, err)
	svc := New(Options{
		Resolver: target.NewResolver(map[string]string{"prod": "p_a"}, []string{"p_a", "p_b"}, nil, nil),
		Plans:    plan.NewManager(10*time.Minute, "baseline"),
		Confirm:  confirmSvc,
		Executor: exec,
	})
	return &fixture{svc: svc, adapter: adapter, sink: sink}
}

func dbCreateRequest() *contracts.MutationRequest {
	return &contracts.MutationRequest{
		Actor:   "ci-bot",
		Targets: []contracts.Target{{ProjectID: "p_a"}, {ProjectID: "p_b"}},
		Operations: []contracts.Operation{{
			OperationID: "op-1",
			Domain:      contracts.DomainDatabase,
			Action:      "database.create",
			Params:      map[string]any{"database_id": "db-main", "name": "Main DB"},
		}},
	}
}

func TestPreviewAndApplyTwoTargets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	preview, fail := f.svc.Preview(ctx, dbCreateRequest())
	require.Nil(t, fail)
	assert.Zero(t, preview.Plan.DestructiveCount)
	assert.Equal(t, contracts.RiskLow, preview.Plan.RiskLevel)
	assert.Equal(t, []string{"databases.write"}, preview.Plan.RequiredScopes)
	assert.Equal(t, []string{"p_a", "p_b"}, preview.Plan.TargetProjects)
	assert.NotEmpty(t, preview.CorrelationID)

	applyReq := dbCreateRequest()
	applyReq.PlanID = preview.Plan.PlanID
	applyReq.PlanHash = preview.Plan.PlanHash
	applied, fail := f.svc.Apply(ctx, applyReq)
	require.Nil(t, fail)
	assert.Equal(t, contracts.StatusSuccess, applied.Status)
	require.Len(t, applied.TargetResults, 2)
	assert.Equal(t, "p_a", applied.TargetResults[0].ProjectID)
	assert.Equal(t, "p_b", applied.TargetResults[1].ProjectID)
}

func TestApplyPartialSuccess(t *testing.T) {
	f := newFixture(t)
	f.adapter.failures["p_b:database.create"] = &contracts.StandardError{
		Code: contracts.CodeInternalError, Message: "Appwrite 500: boom",
	}
	ctx := context.Background()

	preview, fail := f.svc.Preview(ctx, dbCreateRequest())
	require.Nil(t, fail)

	applyReq := dbCreateRequest()
	applyReq.PlanID = preview.Plan.PlanID
	applyReq.PlanHash = preview.Plan.PlanHash
	applied, fail := f.svc.Apply(ctx, applyReq)
	require.Nil(t, fail)
	assert.Equal(t, contracts.StatusPartialSuccess, applied.Status)
	assert.Equal(t, contracts.StatusSuccess, applied.TargetResults[0].Status)
	assert.Equal(t, contracts.StatusFailed, applied.TargetResults[1].Status)

	records, err := f.sink.List(ctx)
	require.NoError(t, err)
	foundFailed := false
	for _, r := range records {
		if r.TargetProject == "p_b" && r.Outcome == contracts.OutcomeFailed {
			foundFailed = true
		}
	}
	assert.True(t, foundFailed)
}

func TestCriticalDeleteNeedsConfirmation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := &contracts.MutationRequest{
		Actor:   "ci-bot",
		Targets: []contracts.Target{{ProjectID: "p_a"}},
		Operations: []contracts.Operation{{
			OperationID: "op-1",
			Domain:      contracts.DomainProject,
			Action:      "project.delete",
			Params:      map[string]any{"project_id": "p_a"},
		}},
	}
	preview, fail := f.svc.Preview(ctx, req)
	require.Nil(t, fail)
	assert.Equal(t, contracts.RiskHigh, preview.Plan.RiskLevel)
	assert.Equal(t, 1, preview.Plan.DestructiveCount)

	applyReq := *req
	applyReq.PlanID = preview.Plan.PlanID
	applyReq.PlanHash = preview.Plan.PlanHash
	_, fail = f.svc.Apply(ctx, &applyReq)
	require.NotNil(t, fail)
	assert.Equal(t, contracts.CodeConfirmRequired, fail.Error.Code)
	assert.Empty(t, f.adapter.calls, "no upstream call may happen before confirmation")

	token, fail := f.svc.ConfirmIssue(ctx, preview.Plan.PlanHash, 0)
	require.Nil(t, fail)
	applyReq.ConfirmationToken = token.Token
	applied, fail := f.svc.Apply(ctx, &applyReq)
	require.Nil(t, fail)
	assert.Equal(t, contracts.StatusSuccess, applied.Status)
	assert.Len(t, f.adapter.calls, 1)
}

func TestInvalidTokenIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := &contracts.MutationRequest{
		Actor:   "ci-bot",
		Targets: []contracts.Target{{ProjectID: "p_a"}},
		Operations: []contracts.Operation{{
			OperationID: "op-1",
			Domain:      contracts.DomainProject,
			Action:      "project.delete",
			Params:      map[string]any{"project_id": "p_a"},
		}},
	}
	preview, fail := f.svc.Preview(ctx, req)
	require.Nil(t, fail)

	applyReq := *req
	applyReq.PlanID = preview.Plan.PlanID
	applyReq.PlanHash = preview.Plan.PlanHash
	applyReq.ConfirmationToken = "not.a-token"
	_, fail = f.svc.Apply(ctx, &applyReq)
	require.NotNil(t, fail)
	assert.Equal(t, contracts.CodeInvalidConfirmToken, fail.Error.Code)
	assert.Empty(t, f.adapter.calls)
}

func TestApplyWithTamperedHashFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	preview, fail := f.svc.Preview(ctx, dbCreateRequest())
	require.Nil(t, fail)

	applyReq := dbCreateRequest()
	applyReq.PlanID = preview.Plan.PlanID
	applyReq.PlanHash = preview.Plan.PlanHash + "x"
	_, fail = f.svc.Apply(ctx, applyReq)
	require.NotNil(t, fail)
	assert.Equal(t, contracts.CodePlanMismatch, fail.Error.Code)
	assert.Empty(t, f.adapter.calls)
}

func TestScopeDowngradeIsBlocked(t *testing.T) {
	f := newFixture(t)
	req := &contracts.MutationRequest{
		Actor:   "ci-bot",
		Targets: []contracts.Target{{ProjectID: "p_a"}},
		Operations: []contracts.Operation{{
			OperationID:    "op-1",
			Domain:         contracts.DomainAuth,
			Action:         "auth.users.create",
			Params:         map[string]any{"user_id": "u1", "email": "x@y"},
			RequiredScopes: []string{"users.read"},
		}},
	}
	preview, fail := f.svc.Preview(context.Background(), req)
	require.Nil(t, fail)
	assert.Contains(t, preview.Plan.RequiredScopes, "users.read")
	assert.Contains(t, preview.Plan.RequiredScopes, "users.write")
}

func TestPreviewWithoutTargetingIntentFails(t *testing.T) {
	f := newFixture(t)
	req := &contracts.MutationRequest{
		Actor: "ci-bot",
		Operations: []contracts.Operation{{
			OperationID: "op-1",
			Domain:      contracts.DomainDatabase,
			Action:      "database.create",
			Params:      map[string]any{"name": "main"},
		}},
	}
	_, fail := f.svc.Preview(context.Background(), req)
	require.NotNil(t, fail)
	assert.Equal(t, contracts.CodeValidationError, fail.Error.Code)
}

func TestPreviewValidatesParams(t *testing.T) {
	f := newFixture(t)
	req := &contracts.MutationRequest{
		Actor:   "ci-bot",
		Targets: []contracts.Target{{ProjectID: "p_a"}},
		Operations: []contracts.Operation{{
			OperationID: "op-1",
			Domain:      contracts.DomainDatabase,
			Action:      "database.delete_collection",
			Params:      map[string]any{"database_id": "db-main"},
		}},
	}
	_, fail := f.svc.Preview(context.Background(), req)
	require.NotNil(t, fail)
	assert.Equal(t, contracts.CodeValidationError, fail.Error.Code)
	assert.Contains(t, fail.Error.Message, "op-1")
}

func TestUnsupportedTransportFails(t *testing.T) {
	f := newFixture(t)
	_, fail := f.svc.CapabilitiesList(context.Background(), "grpc")
	require.NotNil(t, fail)
	assert.Equal(t, contracts.CodeCapabilityUnavailable, fail.Error.Code)
	assert.Equal(t, []string{"stdio", "http"}, fail.Error.SupportedTransports)
}

func TestCapabilitiesList(t *testing.T) {
	f := newFixture(t)
	resp, fail := f.svc.CapabilitiesList(context.Background(), "stdio")
	require.Nil(t, fail)
	assert.Equal(t, "stdio", resp.Capabilities.TransportDefault)
	assert.Contains(t, resp.Capabilities.Domains["database"], "database.create")
	assert.Contains(t, resp.Capabilities.Domains["operation"], "changes.apply")
	assert.Equal(t, "1.8.0", resp.Capabilities.ScopeCatalogVersion)
}

func TestContextGet(t *testing.T) {
	f := newFixture(t)
	resp, fail := f.svc.ContextGet(context.Background())
	require.Nil(t, fail)
	assert.Equal(t, []string{"p_a", "p_b"}, resp.KnownProjectIDs)
	assert.Equal(t, 1, resp.AliasCount)
}

func TestTargetsResolveViaAlias(t *testing.T) {
	f := newFixture(t)
	resp, fail := f.svc.TargetsResolve(context.Background(), []contracts.Target{{Alias: "prod"}}, nil)
	require.Nil(t, fail)
	require.Len(t, resp.ResolvedTargets, 1)
	assert.Equal(t, "p_a", resp.ResolvedTargets[0].ProjectID)
	assert.Equal(t, contracts.SourceExplicit, resp.ResolvedTargets[0].Source)
}

func TestCatalogGet(t *testing.T) {
	f := newFixture(t)
	resp, fail := f.svc.CatalogGet(context.Background())
	require.Nil(t, fail)
	assert.Equal(t, "1.8.0", resp.CatalogVersion)
	assert.Equal(t, []string{"databases.write"}, resp.Actions["database.create"].RequiredScopes)
}

func TestConfirmIssueClampsTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, fail := f.svc.ConfirmIssue(ctx, "hash123", 5)
	require.Nil(t, fail)
	assert.Contains(t, resp.Summary, "30s")

	resp, fail = f.svc.ConfirmIssue(ctx, "hash123", 999999)
	require.Nil(t, fail)
	assert.Contains(t, resp.Summary, "7200s")

	_, fail = f.svc.ConfirmIssue(ctx, "", 0)
	require.NotNil(t, fail)
	assert.Equal(t, contracts.CodeValidationError, fail.Error.Code)
}

func TestApplyIgnoresClientCredentials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	preview, fail := f.svc.Preview(ctx, dbCreateRequest())
	require.Nil(t, fail)

	applyReq := dbCreateRequest()
	applyReq.PlanID = preview.Plan.PlanID
	applyReq.PlanHash = preview.Plan.PlanHash
	applyReq.Credentials = &contracts.AuthContext{Endpoint: "https://evil.example.com", APIKey: "sk_attacker999"}
	applied, fail := f.svc.Apply(ctx, applyReq)
	require.Nil(t, fail)
	assert.Equal(t, contracts.StatusSuccess, applied.Status)
}

func TestPolicyDenyBlocksPreview(t *testing.T) {
	engine, err := policy.New("deny-prod-deletes", []policy.Rule{
		{Name: "no-collection-deletes", Expr: `op.action == "database.delete_collection"`},
	})
	require.NoError(t, err)

	f := newFixture(t)
	f.svc.policy = engine

	req := &contracts.MutationRequest{
		Actor:   "ci-bot",
		Targets: []contracts.Target{{ProjectID: "p_a"}},
		Operations: []contracts.Operation{{
			OperationID: "op-1",
			Domain:      contracts.DomainDatabase,
			Action:      "database.delete_collection",
			Params:      map[string]any{"database_id": "db-main", "collection_id": "c_1"},
		}},
	}
	_, fail := f.svc.Preview(context.Background(), req)
	require.NotNil(t, fail)
	assert.Equal(t, contracts.CodeCapabilityUnavailable, fail.Error.Code)
}

func TestLegacyUpdateSwitchBlocksAlias(t *testing.T) {
	f := newFixture(t)
	f.svc.legacyUpdateOff = true

	req := &contracts.MutationRequest{
		Actor:   "ci-bot",
		Targets: []contracts.Target{{ProjectID: "p_a"}},
		Operations: []contracts.Operation{{
			OperationID: "op-1",
			Domain:      contracts.DomainAuth,
			Action:      "auth.users.update",
			Params:      map[string]any{"user_id": "u_01", "name": "Updated"},
		}},
	}
	_, fail := f.svc.Preview(context.Background(), req)
	require.NotNil(t, fail)
	assert.Equal(t, contracts.CodeValidationError, fail.Error.Code)
	assert.Contains(t, fail.Error.Remediation, "auth.users.update.<field>")
}

func TestResponsesSerializeWithoutSecrets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	preview, fail := f.svc.Preview(ctx, dbCreateRequest())
	require.Nil(t, fail)

	applyReq := dbCreateRequest()
	applyReq.PlanID = preview.Plan.PlanID
	applyReq.PlanHash = preview.Plan.PlanHash
	applied, fail := f.svc.Apply(ctx, applyReq)
	require.Nil(t, fail)

	encoded, err := json.Marshal(applied)
	require.NoError(t, err)
	assert.NotContains(t, string(encoded), "key_a")
	assert.NotContains(t, string(encoded), "sk_")
}

func TestErrorResponsesAreRedacted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// An attacker-chosen alias shaped like an API key must not echo back
	// through the error surface.
	_, fail := f.svc.TargetsResolve(ctx, []contracts.Target{{Alias: "sk_attacker99999"}}, nil)
	require.NotNil(t, fail)
	assert.Equal(t, contracts.CodeTargetNotFound, fail.Error.Code)

	encoded, err := json.Marshal(fail)
	require.NoError(t, err)
	assert.NotContains(t, string(encoded), "sk_attacker99999")
	assert.Contains(t, fail.Error.Message, "[REDACTED]")
	assert.Contains(t, fail.Summary, "[REDACTED]")

	// Same property for validation errors echoing client operation IDs.
	req := dbCreateRequest()
	req.Targets = req.Targets[:1]
	req.Operations[0].OperationID = "sk_opsecret1234"
	req.Operations[0].Action = "database.delete_collection"
	req.Operations[0].Params = map[string]any{"database_id": "db-main"}
	_, fail = f.svc.Preview(ctx, req)
	require.NotNil(t, fail)
	encoded, err = json.Marshal(fail)
	require.NoError(t, err)
	assert.NotContains(t, string(encoded), "sk_opsecret1234")
}
