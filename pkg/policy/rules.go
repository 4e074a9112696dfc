// Package policy evaluates operator-defined CEL deny rules over planned
// operations. Rules run at preview time, before a plan is stored: a single
// match refuses the whole preview.
package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/fathom-labs/appwarden/pkg/contracts"
)

// Rule is one named deny expression. The expression must evaluate to bool;
// true denies the operation.
type Rule struct {
	Name string
	Expr string
}

// Engine holds compiled deny rules. Immutable after New; safe for
// concurrent use.
type Engine struct {
	tag   string
	rules []compiledRule
}

type compiledRule struct {
	name    string
	program cel.Program
}

// New compiles every rule against the evaluation environment. Variables
// available to expressions:
//
//	op      map with operation_id, domain, action, destructive, critical,
//	        required_scopes and params
//	actor   requesting actor string
//	targets list of resolved project IDs
func New(tag string, rules []Rule) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("op", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("actor", cel.StringType),
		cel.Variable("targets", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: environment setup failed: %w", err)
	}

	e := &Engine{tag: tag}
	for _, r := range rules {
		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("policy: rule %q does not compile: %w", r.Name, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("policy: rule %q must evaluate to bool, got %s", r.Name, ast.OutputType())
		}
		program, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("policy: rule %q program build failed: %w", r.Name, err)
		}
		e.rules = append(e.rules, compiledRule{name: r.Name, program: program})
	}
	return e, nil
}

// Tag names the active rule set; it participates in the plan hash.
func (e *Engine) Tag() string {
	if e == nil {
		return ""
	}
	return e.tag
}

// Check evaluates every rule against one normalized operation. The first
// matching rule denies with CAPABILITY_UNAVAILABLE.
func (e *Engine) Check(actor string, targets []string, op contracts.Operation) *contracts.StandardError {
	if e == nil || len(e.rules) == 0 {
		return nil
	}
	input := map[string]any{
		"actor":   actor,
		"targets": targets,
		"op": map[string]any{
			"operation_id":    op.OperationID,
			"domain":          string(op.Domain),
			"action":          op.Action,
			"destructive":     op.Destructive,
			"critical":        op.Critical,
			"required_scopes": op.RequiredScopes,
			"params":          op.Params,
		},
	}
	for _, r := range e.rules {
		out, _, err := r.program.Eval(input)
		if err != nil {
			return contracts.NewError(contracts.CodeInternalError,
				fmt.Sprintf("policy rule %q evaluation failed: %v", r.name, err))
		}
		denied, ok := out.Value().(bool)
		if !ok {
			return contracts.NewError(contracts.CodeInternalError,
				fmt.Sprintf("policy rule %q returned a non-bool", r.name))
		}
		if denied {
			serr := contracts.NewError(contracts.CodeCapabilityUnavailable,
				fmt.Sprintf("operation %s denied by policy rule %q", op.OperationID, r.name))
			serr.OperationID = op.OperationID
			return serr.WithRemediation(fmt.Sprintf("policy rule set %q forbids this operation; contact the operator", e.tag))
		}
	}
	return nil
}
