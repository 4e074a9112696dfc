// Package executor runs a planned batch of operations against resolved
// targets, enforcing auth resolution, scope preflight and idempotency.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fathom-labs/appwarden/pkg/audit"
	"github.com/fathom-labs/appwarden/pkg/contracts"
	"github.com/fathom-labs/appwarden/pkg/redact"
)

// Dispatcher abstracts the upstream HTTP adapter.
type Dispatcher interface {
	ExecuteOperation(ctx context.Context, targetProjectID string, op contracts.Operation, auth contracts.AuthContext, correlationID string) (any, *contracts.StandardError)
}

// Options wires an Executor.
type Options struct {
	Dispatcher  Dispatcher
	ProjectAuth map[string]contracts.AuthContext // per-project credentials; empty map means "use fallback"
	Fallback    *contracts.AuthContext
	Management  *contracts.AuthContext // nil disables project.* actions
	Sink        audit.Sink
	Logger      *slog.Logger
}

type idemEntry struct {
	result contracts.OperationResult
	at     time.Time
}

// Executor iterates targets and operations sequentially, in input order.
type Executor struct {
	dispatcher  Dispatcher
	projectAuth map[string]contracts.AuthContext
	fallback    *contracts.AuthContext
	management  *contracts.AuthContext
	sink        audit.Sink
	logger      *slog.Logger
	now         func() time.Time

	mu   sync.Mutex
	idem map[string]idemEntry
}

// New builds an executor from options.
func New(opts Options) *Executor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Sink == nil {
		opts.Sink = audit.NewMemorySink()
	}
	return &Executor{
		dispatcher:  opts.Dispatcher,
		projectAuth: opts.ProjectAuth,
		fallback:    opts.Fallback,
		management:  opts.Management,
		sink:        opts.Sink,
		logger:      opts.Logger,
		now:         time.Now,
		idem:        make(map[string]idemEntry),
	}
}

// Execute runs every operation against every target. Targets are processed
// sequentially in input order, operations likewise, so the i-th target
// result always lines up with targetProjects[i].
func (e *Executor) Execute(ctx context.Context, actor, correlationID string, targetProjects []string, ops []contracts.Operation) (contracts.ExecStatus, []contracts.TargetResult) {
	// All planned entries are appended before any execution starts.
	for _, projectID := range targetProjects {
		for _, op := range ops {
			e.audit(ctx, actor, correlationID, projectID, op.OperationID, contracts.OutcomePlanned, map[string]any{
				"action": op.Action,
			})
		}
	}

	results := make([]contracts.TargetResult, 0, len(targetProjects))
	succeeded := 0
	for _, projectID := range targetProjects {
		tr := e.executeTarget(ctx, actor, correlationID, projectID, ops)
		if tr.Status == contracts.StatusSuccess {
			succeeded++
		}
		results = append(results, tr)
	}

	switch {
	case succeeded == len(targetProjects):
		return contracts.StatusSuccess, results
	case succeeded == 0:
		return contracts.StatusFailed, results
	default:
		return contracts.StatusPartialSuccess, results
	}
}

func (e *Executor) executeTarget(ctx context.Context, actor, correlationID, projectID string, ops []contracts.Operation) contracts.TargetResult {
	tr := contracts.TargetResult{ProjectID: projectID, Operations: make([]contracts.OperationResult, 0, len(ops))}

	auth, authErr := e.resolveAuth(projectID)
	if authErr != nil {
		for _, op := range ops {
			failure := *authErr
			failure.OperationID = op.OperationID
			tr.Operations = append(tr.Operations, e.failed(ctx, actor, correlationID, projectID, op, &failure))
		}
		tr.Status = contracts.StatusFailed
		return tr
	}

	allOK := true
	for _, op := range ops {
		result := e.executeOperation(ctx, actor, correlationID, projectID, op, auth)
		if result.Status != contracts.StatusSuccess {
			allOK = false
		}
		tr.Operations = append(tr.Operations, result)
	}
	if allOK {
		tr.Status = contracts.StatusSuccess
	} else {
		tr.Status = contracts.StatusFailed
	}
	return tr
}

func (e *Executor) executeOperation(ctx context.Context, actor, correlationID, projectID string, op contracts.Operation, auth contracts.AuthContext) contracts.OperationResult {
	opAuth := auth
	if strings.HasPrefix(op.Action, "project.") {
		if e.management == nil {
			stdErr := contracts.NewError(contracts.CodeCapabilityUnavailable,
				fmt.Sprintf("%s requires the management credential, which is not configured", op.Action)).
				WithRemediation("configure the management block to enable project administration")
			stdErr.Target = projectID
			stdErr.OperationID = op.OperationID
			return e.failed(ctx, actor, correlationID, projectID, op, stdErr)
		}
		opAuth = *e.management
	}

	// An empty available set means the key's scopes are unknown; the
	// upstream is then the authority and preflight is skipped.
	if len(opAuth.Scopes) > 0 {
		if missing := missingScopes(op.RequiredScopes, opAuth.Scopes); len(missing) > 0 {
			stdErr := contracts.NewError(contracts.CodeMissingScope,
				fmt.Sprintf("%s requires scopes not granted to the configured key", op.Action)).
				WithRemediation("grant the listed scopes to the API key for this project")
			stdErr.Target = projectID
			stdErr.OperationID = op.OperationID
			stdErr.MissingScopes = missing
			return e.failed(ctx, actor, correlationID, projectID, op, stdErr)
		}
	}

	cacheKey := ""
	if op.IdempotencyKey != "" {
		cacheKey = projectID + ":" + op.Action + ":" + op.IdempotencyKey
		if cached, ok := e.cachedResult(cacheKey); ok {
			e.audit(ctx, actor, correlationID, projectID, op.OperationID, contracts.OutcomeSkipped, map[string]any{
				"action":          op.Action,
				"idempotency_key": op.IdempotencyKey,
			})
			return cached
		}
	}

	data, stdErr := e.dispatcher.ExecuteOperation(ctx, projectID, op, opAuth, correlationID)
	if stdErr != nil {
		normalized := *stdErr
		normalized.Message = redact.String(normalized.Message)
		if normalized.Target == "" {
			normalized.Target = projectID
		}
		if normalized.OperationID == "" {
			normalized.OperationID = op.OperationID
		}
		return e.failed(ctx, actor, correlationID, projectID, op, &normalized)
	}

	result := contracts.OperationResult{
		OperationID: op.OperationID,
		Action:      op.Action,
		Status:      contracts.StatusSuccess,
		Data:        redact.Value(data),
	}
	if cacheKey != "" {
		e.storeResult(cacheKey, result)
	}
	e.audit(ctx, actor, correlationID, projectID, op.OperationID, contracts.OutcomeSuccess, map[string]any{
		"action": op.Action,
	})
	return result
}

// resolveAuth picks the credential for a target. A configured per-project
// map is authoritative; a target absent from it fails rather than falling
// back silently.
func (e *Executor) resolveAuth(projectID string) (contracts.AuthContext, *contracts.StandardError) {
	var auth contracts.AuthContext
	if len(e.projectAuth) > 0 {
		var ok bool
		auth, ok = e.projectAuth[projectID]
		if !ok {
			return contracts.AuthContext{}, e.authRequired(projectID, "no credentials configured for project")
		}
	} else if e.fallback != nil {
		auth = *e.fallback
	}
	if !auth.Complete() {
		return contracts.AuthContext{}, e.authRequired(projectID, "auth context is missing endpoint or api key")
	}
	return auth, nil
}

func (e *Executor) authRequired(projectID, message string) *contracts.StandardError {
	stdErr := contracts.NewError(contracts.CodeAuthContextRequired, message).
		WithRemediation("add an endpoint and api key for this project to the configuration")
	stdErr.Target = projectID
	return stdErr
}

func (e *Executor) failed(ctx context.Context, actor, correlationID, projectID string, op contracts.Operation, stdErr *contracts.StandardError) contracts.OperationResult {
	e.audit(ctx, actor, correlationID, projectID, op.OperationID, contracts.OutcomeFailed, map[string]any{
		"action": op.Action,
		"code":   string(stdErr.Code),
	})
	return contracts.OperationResult{
		OperationID: op.OperationID,
		Action:      op.Action,
		Status:      contracts.StatusFailed,
		Error:       stdErr,
	}
}

func (e *Executor) cachedResult(key string) (contracts.OperationResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.idem[key]
	return entry.result, ok
}

func (e *Executor) storeResult(key string, result contracts.OperationResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.idem[key] = idemEntry{result: result, at: e.now()}
}

// SweepIdempotency drops cache entries older than maxAge and returns the
// number removed.
func (e *Executor) SweepIdempotency(maxAge time.Duration) int {
	cutoff := e.now().Add(-maxAge)
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	for k, entry := range e.idem {
		if entry.at.Before(cutoff) {
			delete(e.idem, k)
			removed++
		}
	}
	return removed
}

func (e *Executor) audit(ctx context.Context, actor, correlationID, projectID, operationID string, outcome contracts.AuditOutcome, details map[string]any) {
	rec := contracts.AuditRecord{
		Actor:         actor,
		Timestamp:     e.now().UTC(),
		TargetProject: projectID,
		OperationID:   operationID,
		Outcome:       outcome,
		CorrelationID: correlationID,
		Details:       redact.Map(details),
	}
	if err := e.sink.Append(ctx, rec); err != nil {
		e.logger.Error("audit append failed", "error", err, "correlation_id", correlationID)
	}
}

func missingScopes(required, available []string) []string {
	have := make(map[string]bool, len(available))
	for _, s := range available {
		have[s] = true
	}
	var missing []string
	for _, s := range required {
		if !have[s] {
			missing = append(missing, s)
		}
	}
	return missing
}
