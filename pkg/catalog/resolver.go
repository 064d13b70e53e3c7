package catalog

import (
	"context"
	"fmt"

	"github.com/mcp-ambassador/ambassador/pkg/ambassador"
	"github.com/mcp-ambassador/ambassador/pkg/authz"
)

// Resolver computes the effective tool set a client may list or call:
// active subscriptions, intersected with published backend catalogs,
// selected tool subsets and the flattened profile allowances. Denials are
// not subtracted here; the authorizer enforces them so that denial reasons
// can be reported.
type Resolver struct {
	entries       EntryStore
	subscriptions SubscriptionStore
	profiles      authz.ProfileStore
}

// NewResolver creates a Resolver over the given stores.
func NewResolver(entries EntryStore, subscriptions SubscriptionStore, profiles authz.ProfileStore) *Resolver {
	return &Resolver{entries: entries, subscriptions: subscriptions, profiles: profiles}
}

// Resolve returns the client's effective tools, each tagged with its
// source backend name.
func (r *Resolver) Resolve(ctx context.Context, clientID, profileID string) ([]ambassador.ToolDescriptor, error) {
	policy, err := authz.LoadPolicy(ctx, r.profiles, profileID)
	if err != nil {
		return nil, fmt.Errorf("resolving profile chain: %w", err)
	}

	subs, err := r.subscriptions.ListActiveSubscriptions(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions for client %s: %w", clientID, err)
	}

	var effective []ambassador.ToolDescriptor
	for _, sub := range subs {
		entry, err := r.entries.GetEntry(ctx, sub.MCPID)
		if err != nil {
			return nil, fmt.Errorf("loading catalog entry %s: %w", sub.MCPID, err)
		}
		if entry.Status != ambassador.EntryPublished {
			continue
		}

		selected := toSet(sub.SelectedTools)
		for _, tool := range entry.ToolCatalog {
			if len(selected) > 0 {
				if _, ok := selected[tool.Name]; !ok {
					continue
				}
			}
			tool.SourceMCP = entry.Name
			if policy.AllowedTools != nil {
				if _, ok := authz.MatchAny(policy.AllowedTools, tool.QualifiedName()); !ok {
					continue
				}
			}
			effective = append(effective, tool)
		}
	}
	return effective, nil
}

// Lookup finds one effective tool by qualified name. The bool reports
// whether the client may see the tool at all.
func (r *Resolver) Lookup(ctx context.Context, clientID, profileID, qualified string) (ambassador.ToolDescriptor, bool, error) {
	tools, err := r.Resolve(ctx, clientID, profileID)
	if err != nil {
		return ambassador.ToolDescriptor{}, false, err
	}
	for _, t := range tools {
		if t.QualifiedName() == qualified {
			return t, true, nil
		}
	}
	return ambassador.ToolDescriptor{}, false, nil
}

// EntryFor returns the catalog entry backing a resolved tool.
func (r *Resolver) EntryFor(ctx context.Context, tool ambassador.ToolDescriptor) (*ambassador.CatalogEntry, error) {
	return r.entries.GetEntryByName(ctx, tool.SourceMCP)
}

func toSet(names []string) map[string]struct{} {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}
