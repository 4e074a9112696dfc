// Package target resolves a request's target list to concrete project IDs.
package target

import (
	"fmt"

	"golang.org/x/text/unicode/norm"

	"github.com/fathom-labs/appwarden/pkg/contracts"
)

// Resolver holds the immutable, configuration-derived resolution state.
// It is safe for concurrent use without locking.
type Resolver struct {
	aliasMap        map[string]string
	knownProjectIDs map[string]struct{}
	knownOrder      []string
	autoTargets     []string
	defaultSelector *contracts.TargetSelector
	autoTargetingOn bool
}

// NewResolver builds a resolver. Alias keys are NFC-normalized so lookups
// are insensitive to the Unicode composition form a client happens to send.
func NewResolver(aliasMap map[string]string, knownProjectIDs, autoTargets []string, defaultSelector *contracts.TargetSelector) *Resolver {
	r := &Resolver{
		aliasMap:        make(map[string]string, len(aliasMap)),
		knownProjectIDs: make(map[string]struct{}, len(knownProjectIDs)),
		knownOrder:      append([]string(nil), knownProjectIDs...),
		autoTargets:     append([]string(nil), autoTargets...),
		defaultSelector: defaultSelector,
		autoTargetingOn: len(autoTargets) > 0 || len(knownProjectIDs) == 1,
	}
	for alias, id := range aliasMap {
		r.aliasMap[norm.NFC.String(alias)] = id
	}
	for _, id := range knownProjectIDs {
		r.knownProjectIDs[id] = struct{}{}
	}
	return r
}

// AliasCount returns the number of configured aliases.
func (r *Resolver) AliasCount() int { return len(r.aliasMap) }

// KnownProjectIDs returns the configured project IDs in configuration order.
func (r *Resolver) KnownProjectIDs() []string {
	return append([]string(nil), r.knownOrder...)
}

// AutoTargets returns the configured auto-target project IDs.
func (r *Resolver) AutoTargets() []string {
	return append([]string(nil), r.autoTargets...)
}

// DefaultSelector returns the configured default selector, or nil.
func (r *Resolver) DefaultSelector() *contracts.TargetSelector {
	return r.defaultSelector
}

// AutoTargetingEnabled reports whether a bare request (no targets, no
// selector) can resolve.
func (r *Resolver) AutoTargetingEnabled() bool { return r.autoTargetingOn }

// Resolve applies the resolution order: explicit targets, then selector
// (request-supplied or default), then auto. Input order is preserved and
// duplicates are dropped keeping the first occurrence.
func (r *Resolver) Resolve(targets []contracts.Target, selector *contracts.TargetSelector) ([]contracts.ResolvedTarget, string, *contracts.StandardError) {
	if len(targets) > 0 {
		ids := make([]string, 0, len(targets))
		for i, t := range targets {
			switch {
			case t.ProjectID != "":
				ids = append(ids, t.ProjectID)
			case t.Alias != "":
				id, ok := r.aliasMap[norm.NFC.String(t.Alias)]
				if !ok {
					return nil, "", contracts.NewError(contracts.CodeTargetNotFound,
						fmt.Sprintf("alias %q does not resolve to a known project", t.Alias))
				}
				ids = append(ids, id)
			default:
				return nil, "", contracts.NewError(contracts.CodeTargetNotFound,
					fmt.Sprintf("target %d carries neither project_id nor alias", i))
			}
		}
		return resolved(ids, contracts.SourceExplicit), contracts.SourceExplicit, nil
	}

	if selector == nil {
		selector = r.defaultSelector
	}
	if selector != nil {
		ids, err := r.applySelector(selector)
		if err != nil {
			return nil, "", err
		}
		return resolved(ids, contracts.SourceSelector), contracts.SourceSelector, nil
	}

	ids, err := r.autoResolve()
	if err != nil {
		return nil, "", err
	}
	return resolved(ids, contracts.SourceAuto), contracts.SourceAuto, nil
}

func (r *Resolver) applySelector(sel *contracts.TargetSelector) ([]string, *contracts.StandardError) {
	switch sel.Mode {
	case contracts.SelectorModeProjectID:
		ids := make([]string, 0, len(sel.Values))
		for _, v := range sel.Values {
			if _, ok := r.knownProjectIDs[v]; ok {
				ids = append(ids, v)
			}
		}
		if len(ids) == 0 {
			return nil, contracts.NewError(contracts.CodeTargetNotFound,
				"selector matched no known project IDs")
		}
		return ids, nil
	case contracts.SelectorModeAlias:
		ids := make([]string, 0, len(sel.Values))
		for _, v := range sel.Values {
			if id, ok := r.aliasMap[norm.NFC.String(v)]; ok {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			return nil, contracts.NewError(contracts.CodeTargetNotFound,
				"selector matched no known aliases")
		}
		return ids, nil
	case contracts.SelectorModeAuto:
		return r.autoResolve()
	default:
		return nil, contracts.NewError(contracts.CodeValidationError,
			fmt.Sprintf("unknown target selector mode %q", sel.Mode))
	}
}

func (r *Resolver) autoResolve() ([]string, *contracts.StandardError) {
	if len(r.autoTargets) > 0 {
		return append([]string(nil), r.autoTargets...), nil
	}
	if len(r.knownOrder) == 1 {
		return []string{r.knownOrder[0]}, nil
	}
	return nil, contracts.NewError(contracts.CodeTargetAmbiguous,
		"no targets or selector given and no default auto target is configured").
		WithRemediation("pass explicit targets, a target_selector, or configure defaults.auto_target_project_ids")
}

// resolved builds the resolved form, deduplicating while preserving the
// first occurrence. Index is positional after deduplication.
func resolved(ids []string, source string) []contracts.ResolvedTarget {
	seen := make(map[string]struct{}, len(ids))
	out := make([]contracts.ResolvedTarget, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, contracts.ResolvedTarget{
			Index:     len(out),
			Source:    source,
			ProjectID: id,
		})
	}
	return out
}
