package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathom-labs/appwarden/pkg/contracts"
)

func TestNilEngineAllowsEverything(t *testing.T) {
	var e *Engine
	assert.Nil(t, e.Check("anyone", nil, contracts.Operation{Action: "project.delete"}))
	assert.Equal(t, "", e.Tag())
}

func TestDenyRuleMatches(t *testing.T) {
	e, err := New("strict", []Rule{
		{Name: "no-project-deletes", Expr: `op.action == "project.delete"`},
	})
	require.NoError(t, err)

	serr := e.Check("ci-bot", []string{"p_a"}, contracts.Operation{
		OperationID: "op-1",
		Domain:      contracts.DomainProject,
		Action:      "project.delete",
	})
	require.NotNil(t, serr)
	assert.Equal(t, contracts.CodeCapabilityUnavailable, serr.Code)
	assert.Equal(t, "op-1", serr.OperationID)
	assert.Contains(t, serr.Message, "no-project-deletes")
	assert.NotEmpty(t, serr.Remediation)

	assert.Nil(t, e.Check("ci-bot", []string{"p_a"}, contracts.Operation{
		OperationID: "op-2",
		Action:      "database.create",
	}))
}

func TestRuleSeesActorTargetsAndFlags(t *testing.T) {
	e, err := New("strict", []Rule{
		{Name: "no-fanout-destructive", Expr: `op.destructive && size(targets) > 1`},
		{Name: "interns-read-only", Expr: `actor.startsWith("intern-") && op.action.endsWith(".create")`},
	})
	require.NoError(t, err)

	destructive := contracts.Operation{OperationID: "op-1", Action: "database.delete_collection", Destructive: true}
	assert.Nil(t, e.Check("ci-bot", []string{"p_a"}, destructive))
	assert.NotNil(t, e.Check("ci-bot", []string{"p_a", "p_b"}, destructive))

	create := contracts.Operation{OperationID: "op-2", Action: "database.create"}
	assert.Nil(t, e.Check("ci-bot", []string{"p_a"}, create))
	assert.NotNil(t, e.Check("intern-sam", []string{"p_a"}, create))
}

func TestCompileErrors(t *testing.T) {
	_, err := New("broken", []Rule{{Name: "syntax", Expr: `op.action ==`}})
	assert.Error(t, err)

	_, err = New("broken", []Rule{{Name: "non-bool", Expr: `op.action`}})
	assert.Error(t, err)
}
