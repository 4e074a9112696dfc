// Package api hosts the tool surface over two framings: line-delimited
// JSON on stdio and HTTP POST. Framing never interprets tool semantics; it
// decodes the request union and delegates to the control service.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/fathom-labs/appwarden/pkg/contracts"
	"github.com/fathom-labs/appwarden/pkg/control"
)

// Frame is one framed tool invocation.
type Frame struct {
	Tool    string          `json:"tool"`
	Request json.RawMessage `json:"request,omitempty"`
}

// actorKey carries an authenticated actor through the request context.
type actorKey struct{}

// WithActor returns a context carrying an authenticated actor identity.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom extracts the authenticated actor, if any.
func ActorFrom(ctx context.Context) (string, bool) {
	actor, ok := ctx.Value(actorKey{}).(string)
	return actor, ok && actor != ""
}

// Dispatcher decodes per-tool request shapes and calls the control service.
type Dispatcher struct {
	svc    *control.Service
	logger *slog.Logger
}

// NewDispatcher wraps a control service.
func NewDispatcher(svc *control.Service, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{svc: svc, logger: logger}
}

type capabilitiesParams struct {
	Transport string `json:"transport,omitempty"`
}

type resolveParams struct {
	Targets        []contracts.Target        `json:"targets,omitempty"`
	TargetSelector *contracts.TargetSelector `json:"target_selector,omitempty"`
}

type confirmParams struct {
	PlanHash   string `json:"plan_hash"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

// Dispatch runs one tool call. The returned value is the full response body
// (success shape or MutationErrorResponse); err is a framing-level problem
// only, such as an unknown tool or undecodable request.
func (d *Dispatcher) Dispatch(ctx context.Context, tool string, raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}

	switch tool {
	case "capabilities.list":
		var p capabilitiesParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("api: bad request for %s: %w", tool, err)
		}
		resp, fail := d.svc.CapabilitiesList(ctx, p.Transport)
		return pick(resp, fail), nil

	case "context.get":
		resp, fail := d.svc.ContextGet(ctx)
		return pick(resp, fail), nil

	case "targets.resolve":
		var p resolveParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("api: bad request for %s: %w", tool, err)
		}
		resp, fail := d.svc.TargetsResolve(ctx, p.Targets, p.TargetSelector)
		return pick(resp, fail), nil

	case "scopes.catalog.get":
		resp, fail := d.svc.CatalogGet(ctx)
		return pick(resp, fail), nil

	case "changes.preview":
		req, err := decodeMutation(ctx, raw)
		if err != nil {
			return nil, fmt.Errorf("api: bad request for %s: %w", tool, err)
		}
		resp, fail := d.svc.Preview(ctx, req)
		return pick(resp, fail), nil

	case "changes.apply":
		req, err := decodeMutation(ctx, raw)
		if err != nil {
			return nil, fmt.Errorf("api: bad request for %s: %w", tool, err)
		}
		resp, fail := d.svc.Apply(ctx, req)
		return pick(resp, fail), nil

	case "confirm.issue":
		var p confirmParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("api: bad request for %s: %w", tool, err)
		}
		resp, fail := d.svc.ConfirmIssue(ctx, p.PlanHash, p.TTLSeconds)
		return pick(resp, fail), nil
	}

	return nil, fmt.Errorf("api: unknown tool %q", tool)
}

// decodeMutation decodes a mutation request. An authenticated transport
// identity overrides the claimed actor.
func decodeMutation(ctx context.Context, raw json.RawMessage) (*contracts.MutationRequest, error) {
	var req contracts.MutationRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	if actor, ok := ActorFrom(ctx); ok {
		req.Actor = actor
	}
	return &req, nil
}

func pick(resp any, fail *contracts.MutationErrorResponse) any {
	if fail != nil {
		return fail
	}
	return resp
}
