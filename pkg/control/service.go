// Package control is the outer facade: it implements the seven named tools
// on top of the resolver, planner, confirmation service and executor.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/fathom-labs/appwarden/pkg/confirm"
	"github.com/fathom-labs/appwarden/pkg/contracts"
	"github.com/fathom-labs/appwarden/pkg/executor"
	"github.com/fathom-labs/appwarden/pkg/plan"
	"github.com/fathom-labs/appwarden/pkg/policy"
	"github.com/fathom-labs/appwarden/pkg/redact"
	"github.com/fathom-labs/appwarden/pkg/scopes"
	"github.com/fathom-labs/appwarden/pkg/target"
)

const (
	// TransportStdio and TransportHTTP are the two framing modes this
	// process supports.
	TransportStdio = "stdio"
	TransportHTTP  = "http"

	defaultConfirmTTL = 300
	minConfirmTTL     = 30
	maxConfirmTTL     = 7200
)

// Options wires a Service.
type Options struct {
	Resolver         *target.Resolver
	Plans            *plan.Manager
	Confirm          *confirm.Service
	Executor         *executor.Executor
	Policy           *policy.Engine
	Logger           *slog.Logger
	TransportDefault string
	LegacyUpdateOff  bool
}

// Service implements the tool surface. All methods are safe for concurrent
// use; per-request state lives on the stack.
type Service struct {
	resolver        *target.Resolver
	plans           *plan.Manager
	confirm         *confirm.Service
	executor        *executor.Executor
	policy          *policy.Engine
	logger          *slog.Logger
	transportDef    string
	legacyUpdateOff bool
	now             func() time.Time

	toolCalls metric.Int64Counter
	toolFails metric.Int64Counter
}

// New builds the control service.
func New(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TransportDefault == "" {
		opts.TransportDefault = TransportStdio
	}
	meter := otel.Meter("appwarden/control")
	toolCalls, _ := meter.Int64Counter("control.tool.calls")
	toolFails, _ := meter.Int64Counter("control.tool.failures")
	return &Service{
		resolver:        opts.Resolver,
		plans:           opts.Plans,
		confirm:         opts.Confirm,
		executor:        opts.Executor,
		policy:          opts.Policy,
		logger:          opts.Logger,
		transportDef:    opts.TransportDefault,
		legacyUpdateOff: opts.LegacyUpdateOff,
		now:             time.Now,
		toolCalls:       toolCalls,
		toolFails:       toolFails,
	}
}

func supportedTransports() []string {
	return []string{TransportStdio, TransportHTTP}
}

// CapabilitiesList answers capabilities.list.
func (s *Service) CapabilitiesList(ctx context.Context, transport string) (resp *contracts.CapabilitiesResponse, fail *contracts.MutationErrorResponse) {
	correlationID := s.begin(ctx, "capabilities.list")
	defer s.recoverTo(ctx, correlationID, &fail)

	if errStd := s.checkTransport(transport); errStd != nil {
		return nil, s.fail(ctx, correlationID, errStd)
	}

	domains := map[string][]string{}
	for _, action := range scopes.Actions() {
		domain, _, _ := strings.Cut(action, ".")
		domains[domain] = append(domains[domain], action)
	}
	domains["operation"] = []string{
		"capabilities.list", "context.get", "targets.resolve", "scopes.catalog.get",
		"changes.preview", "changes.apply", "confirm.issue",
	}

	return &contracts.CapabilitiesResponse{
		CorrelationID: correlationID,
		Summary:       fmt.Sprintf("%d actions across %d domains", len(scopes.Actions()), len(domains)-1),
		Capabilities: contracts.Capabilities{
			Domains:             domains,
			TransportDefault:    s.transportDef,
			SupportedTransports: supportedTransports(),
			AutoTargetingOn:     s.resolver.AutoTargetingEnabled(),
			ScopeCatalogVersion: scopes.CatalogVersion,
		},
	}, nil
}

// ContextGet answers context.get.
func (s *Service) ContextGet(ctx context.Context) (resp *contracts.ContextResponse, fail *contracts.MutationErrorResponse) {
	correlationID := s.begin(ctx, "context.get")
	defer s.recoverTo(ctx, correlationID, &fail)

	known := s.resolver.KnownProjectIDs()
	return &contracts.ContextResponse{
		CorrelationID:         correlationID,
		Summary:               fmt.Sprintf("%d known project(s)", len(known)),
		KnownProjectIDs:       known,
		AliasCount:            s.resolver.AliasCount(),
		AutoTargetProjectIDs:  s.resolver.AutoTargets(),
		DefaultTargetSelector: s.resolver.DefaultSelector(),
	}, nil
}

// TargetsResolve answers targets.resolve.
func (s *Service) TargetsResolve(ctx context.Context, targets []contracts.Target, selector *contracts.TargetSelector) (resp *contracts.ResolveResponse, fail *contracts.MutationErrorResponse) {
	correlationID := s.begin(ctx, "targets.resolve")
	defer s.recoverTo(ctx, correlationID, &fail)

	resolvedTargets, source, errStd := s.resolver.Resolve(targets, selector)
	if errStd != nil {
		return nil, s.fail(ctx, correlationID, errStd)
	}
	return &contracts.ResolveResponse{
		CorrelationID:   correlationID,
		Summary:         fmt.Sprintf("resolved %d target(s) via %s", len(resolvedTargets), source),
		ResolvedTargets: resolvedTargets,
		Source:          source,
	}, nil
}

// CatalogGet answers scopes.catalog.get.
func (s *Service) CatalogGet(ctx context.Context) (resp *contracts.CatalogResponse, fail *contracts.MutationErrorResponse) {
	correlationID := s.begin(ctx, "scopes.catalog.get")
	defer s.recoverTo(ctx, correlationID, &fail)

	actions := map[string]contracts.CatalogAction{}
	for action, required := range scopes.All() {
		actions[action] = contracts.CatalogAction{RequiredScopes: required}
	}
	return &contracts.CatalogResponse{
		CorrelationID:  correlationID,
		Summary:        fmt.Sprintf("catalog %s with %d actions", scopes.CatalogVersion, len(actions)),
		CatalogVersion: scopes.CatalogVersion,
		Actions:        actions,
	}, nil
}

// Preview answers changes.preview: validate, resolve, plan, store.
func (s *Service) Preview(ctx context.Context, req *contracts.MutationRequest) (resp *contracts.PreviewResponse, fail *contracts.MutationErrorResponse) {
	correlationID := s.begin(ctx, "changes.preview")
	defer s.recoverTo(ctx, correlationID, &fail)

	if errStd := s.validateMutation(req); errStd != nil {
		return nil, s.fail(ctx, correlationID, errStd)
	}

	resolvedTargets, _, errStd := s.resolver.Resolve(req.Targets, req.TargetSelector)
	if errStd != nil {
		return nil, s.fail(ctx, correlationID, errStd)
	}

	if errStd := s.checkPolicy(req, resolvedTargets); errStd != nil {
		return nil, s.fail(ctx, correlationID, errStd)
	}

	p, _, errStd := s.plans.BuildAndStore(req, resolvedTargets)
	if errStd != nil {
		return nil, s.fail(ctx, correlationID, errStd)
	}

	s.logger.Info("plan previewed",
		"plan_id", p.PlanID, "actor", req.Actor,
		"targets", len(p.TargetProjects), "risk", string(p.RiskLevel),
		"correlation_id", correlationID)

	return &contracts.PreviewResponse{
		CorrelationID: correlationID,
		Summary: fmt.Sprintf("planned %d operation(s) across %d project(s), risk %s",
			len(p.Operations), len(p.TargetProjects), p.RiskLevel),
		Plan: *p,
	}, nil
}

// Apply answers changes.apply: re-verify the plan, gate critical operations
// on a confirmation token, then execute.
func (s *Service) Apply(ctx context.Context, req *contracts.MutationRequest) (resp *contracts.ApplyResponse, fail *contracts.MutationErrorResponse) {
	correlationID := s.begin(ctx, "changes.apply")
	defer s.recoverTo(ctx, correlationID, &fail)

	if req.Credentials != nil {
		// Process-configured credentials are authoritative; a client can
		// never substitute its own.
		s.logger.Warn("client-supplied credentials ignored", "correlation_id", correlationID)
		req.Credentials = nil
	}

	if errStd := s.validateMutation(req); errStd != nil {
		return nil, s.fail(ctx, correlationID, errStd)
	}

	resolvedTargets, _, errStd := s.resolver.Resolve(req.Targets, req.TargetSelector)
	if errStd != nil {
		return nil, s.fail(ctx, correlationID, errStd)
	}

	p, normalized, errStd := s.plans.RequireMatching(req, resolvedTargets)
	if errStd != nil {
		return nil, s.fail(ctx, correlationID, errStd)
	}

	if errStd := s.checkPolicy(req, resolvedTargets); errStd != nil {
		return nil, s.fail(ctx, correlationID, errStd)
	}

	if p.HasCritical() {
		if errStd := s.checkConfirmation(req.ConfirmationToken, p.PlanHash); errStd != nil {
			return nil, s.fail(ctx, correlationID, errStd)
		}
	}

	status, targetResults := s.executor.Execute(ctx, req.Actor, correlationID, p.TargetProjects, normalized)

	s.logger.Info("plan applied",
		"plan_id", p.PlanID, "actor", req.Actor, "status", string(status),
		"correlation_id", correlationID)

	return &contracts.ApplyResponse{
		CorrelationID: correlationID,
		Summary:       fmt.Sprintf("applied plan %s: %s", p.PlanID, status),
		Status:        status,
		PlanID:        p.PlanID,
		TargetResults: targetResults,
	}, nil
}

// ConfirmIssue answers confirm.issue. TTL is clamped to [30, 7200] seconds
// with a 300 second default.
func (s *Service) ConfirmIssue(ctx context.Context, planHash string, ttlSeconds int) (resp *contracts.ConfirmResponse, fail *contracts.MutationErrorResponse) {
	correlationID := s.begin(ctx, "confirm.issue")
	defer s.recoverTo(ctx, correlationID, &fail)

	if planHash == "" {
		return nil, s.fail(ctx, correlationID,
			contracts.NewError(contracts.CodeValidationError, "plan_hash is required"))
	}
	if ttlSeconds == 0 {
		ttlSeconds = defaultConfirmTTL
	}
	if ttlSeconds < minConfirmTTL {
		ttlSeconds = minConfirmTTL
	}
	if ttlSeconds > maxConfirmTTL {
		ttlSeconds = maxConfirmTTL
	}

	expiresAt := s.now().Add(time.Duration(ttlSeconds) * time.Second)
	token, err := s.confirm.Issue(planHash, expiresAt.Unix())
	if err != nil {
		return nil, s.fail(ctx, correlationID,
			contracts.NewError(contracts.CodeInternalError, "token issuance failed"))
	}
	return &contracts.ConfirmResponse{
		CorrelationID: correlationID,
		Summary:       fmt.Sprintf("confirmation token valid for %ds", ttlSeconds),
		Token:         token,
		ExpiresAt:     expiresAt.UTC(),
	}, nil
}

// validateMutation covers the request-shape checks shared by preview and
// apply: transport, actor, targeting intent, and per-operation validity.
func (s *Service) validateMutation(req *contracts.MutationRequest) *contracts.StandardError {
	if errStd := s.checkTransport(req.Transport); errStd != nil {
		return errStd
	}
	if req.Actor == "" {
		return contracts.NewError(contracts.CodeValidationError, "actor is required")
	}
	if len(req.Targets) == 0 && req.TargetSelector == nil &&
		s.resolver.DefaultSelector() == nil && len(s.resolver.AutoTargets()) == 0 {
		return contracts.NewError(contracts.CodeValidationError,
			"either targets or target_selector must be provided")
	}
	if len(req.Operations) == 0 {
		return contracts.NewError(contracts.CodeValidationError, "operations must not be empty")
	}

	seen := map[string]bool{}
	for _, op := range req.Operations {
		if op.OperationID == "" {
			return contracts.NewError(contracts.CodeValidationError, "every operation needs an operation_id")
		}
		if seen[op.OperationID] {
			return contracts.NewError(contracts.CodeValidationError,
				fmt.Sprintf("duplicate operation_id %q", op.OperationID))
		}
		seen[op.OperationID] = true

		if !scopes.Known(op.Action) {
			return contracts.NewError(contracts.CodeValidationError,
				fmt.Sprintf("unknown action %q in operation %q", op.Action, op.OperationID))
		}
		if op.Action == "auth.users.update" && s.legacyUpdateOff {
			return contracts.NewError(contracts.CodeValidationError,
				"auth.users.update is disabled").
				WithRemediation("use an explicit auth.users.update.<field> action")
		}
		if errStd := validateParams(op); errStd != nil {
			return errStd
		}
	}
	return nil
}

func (s *Service) checkTransport(transport string) *contracts.StandardError {
	if transport == "" {
		return nil
	}
	for _, t := range supportedTransports() {
		if transport == t {
			return nil
		}
	}
	errStd := contracts.NewError(contracts.CodeCapabilityUnavailable,
		fmt.Sprintf("transport %q is not supported", transport)).
		WithRemediation("use one of the supported transports")
	errStd.SupportedTransports = supportedTransports()
	return errStd
}

func (s *Service) checkPolicy(req *contracts.MutationRequest, resolvedTargets []contracts.ResolvedTarget) *contracts.StandardError {
	if s.policy == nil {
		return nil
	}
	targetIDs := make([]string, len(resolvedTargets))
	for i, t := range resolvedTargets {
		targetIDs[i] = t.ProjectID
	}
	for _, op := range req.Operations {
		if errStd := s.policy.Check(req.Actor, targetIDs, op); errStd != nil {
			return errStd
		}
	}
	return nil
}

// checkConfirmation maps token verification outcomes to the error taxonomy:
// a missing or expired token asks the caller to confirm, a bad or misbound
// token is rejected outright.
func (s *Service) checkConfirmation(token, planHash string) *contracts.StandardError {
	if token == "" {
		return contracts.NewError(contracts.CodeConfirmRequired,
			"this plan contains critical operations and requires a confirmation token").
			WithRemediation("call confirm.issue with the plan_hash and retry with the token")
	}
	switch s.confirm.Verify(token, planHash, s.now().Unix()) {
	case confirm.ResultOK:
		return nil
	case confirm.ResultExpired:
		return contracts.NewError(contracts.CodeConfirmRequired,
			"the confirmation token has expired").
			WithRemediation("call confirm.issue with the plan_hash and retry with the token")
	case confirm.ResultMismatch:
		return contracts.NewError(contracts.CodeInvalidConfirmToken,
			"the confirmation token is bound to a different plan")
	default:
		return contracts.NewError(contracts.CodeInvalidConfirmToken,
			"the confirmation token is invalid")
	}
}

func (s *Service) begin(ctx context.Context, tool string) string {
	s.toolCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", tool)))
	return uuid.NewString()
}

func (s *Service) fail(ctx context.Context, correlationID string, errStd *contracts.StandardError) *contracts.MutationErrorResponse {
	s.toolFails.Add(ctx, 1, metric.WithAttributes(attribute.String("code", string(errStd.Code))))
	// Messages can echo client-supplied aliases, actions or IDs; scrub them
	// like every other outbound surface.
	errStd.Message = redact.String(errStd.Message)
	errStd.Remediation = redact.String(errStd.Remediation)
	return &contracts.MutationErrorResponse{
		CorrelationID: correlationID,
		Status:        "FAILED",
		Summary:       errStd.Message,
		Error:         *errStd,
	}
}

// recoverTo is the catch-all: any panic inside a tool becomes a retryable
// INTERNAL_ERROR instead of tearing down the host.
func (s *Service) recoverTo(ctx context.Context, correlationID string, fail **contracts.MutationErrorResponse) {
	if r := recover(); r != nil {
		s.logger.Error("tool panicked", "panic", fmt.Sprintf("%v", r), "correlation_id", correlationID)
		errStd := contracts.NewError(contracts.CodeInternalError, "internal error")
		errStd.Retryable = true
		*fail = s.fail(ctx, correlationID, errStd)
	}
}
