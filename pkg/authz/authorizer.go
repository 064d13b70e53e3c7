package authz

import (
	"context"
	"fmt"

	"github.com/mcp-ambassador/ambassador/pkg/ambassador"
)

// PolicyIDLifecycle marks decisions made by client lifecycle gates rather
// than a profile.
const PolicyIDLifecycle = "system_lifecycle"

// Effect is the outcome of an authorization decision.
type Effect string

// Decision effects.
const (
	EffectPermit Effect = "permit"
	EffectDeny   Effect = "deny"
)

// Decision is the result of one authorization check.
type Decision struct {
	Effect   Effect `json:"decision"`
	Reason   string `json:"reason"`
	PolicyID string `json:"policy_id"`
}

// Permitted reports whether the decision allows the operation.
func (d Decision) Permitted() bool {
	return d.Effect == EffectPermit
}

// ClientStore supplies clients by id.
type ClientStore interface {
	GetClient(ctx context.Context, clientID string) (*ambassador.Client, error)
}

// Authorizer evaluates tool access for a session. Rules, in order:
// lifecycle gates, deny-wins glob matching, allow glob matching, default
// deny.
type Authorizer struct {
	profiles ProfileStore
	clients  ClientStore
}

// NewAuthorizer creates an Authorizer over the given stores.
func NewAuthorizer(profiles ProfileStore, clients ClientStore) *Authorizer {
	return &Authorizer{profiles: profiles, clients: clients}
}

// Authorize decides whether the session may invoke tool.
func (a *Authorizer) Authorize(ctx context.Context, sess ambassador.SessionContext, tool string) (Decision, error) {
	client, err := a.clients.GetClient(ctx, sess.ClientID)
	if err != nil {
		return Decision{}, fmt.Errorf("loading client %s: %w", sess.ClientID, err)
	}

	if d, gated := lifecycleGate(client); gated {
		return d, nil
	}

	policy, err := LoadPolicy(ctx, a.profiles, sess.ProfileID)
	if err != nil {
		return Decision{}, err
	}
	return Evaluate(policy, tool), nil
}

// ListAuthorized filters tools to those the session may invoke. A
// suspended or revoked client yields an empty list.
func (a *Authorizer) ListAuthorized(
	ctx context.Context, sess ambassador.SessionContext, tools []ambassador.ToolDescriptor,
) ([]ambassador.ToolDescriptor, error) {
	client, err := a.clients.GetClient(ctx, sess.ClientID)
	if err != nil {
		return nil, fmt.Errorf("loading client %s: %w", sess.ClientID, err)
	}
	if _, gated := lifecycleGate(client); gated {
		return []ambassador.ToolDescriptor{}, nil
	}

	policy, err := LoadPolicy(ctx, a.profiles, sess.ProfileID)
	if err != nil {
		return nil, err
	}

	permitted := make([]ambassador.ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		if Evaluate(policy, t.QualifiedName()).Permitted() {
			permitted = append(permitted, t)
		}
	}
	return permitted, nil
}

// lifecycleGate applies the client status gates.
func lifecycleGate(client *ambassador.Client) (Decision, bool) {
	switch client.Status {
	case ambassador.ClientSuspended, ambassador.ClientRevoked:
		return Decision{
			Effect:   EffectDeny,
			Reason:   fmt.Sprintf("client %s", client.Status),
			PolicyID: PolicyIDLifecycle,
		}, true
	default:
		return Decision{}, false
	}
}

// Evaluate applies a flattened policy to one tool name. Denials always win
// over allowances; without a matching allowance the default is deny.
func Evaluate(policy Policy, tool string) Decision {
	if pattern, ok := MatchAny(policy.DeniedTools, tool); ok {
		return Decision{
			Effect:   EffectDeny,
			Reason:   fmt.Sprintf("denied by pattern %q", pattern),
			PolicyID: policy.ProfileID,
		}
	}
	if pattern, ok := MatchAny(policy.AllowedTools, tool); ok {
		return Decision{
			Effect:   EffectPermit,
			Reason:   fmt.Sprintf("allowed by pattern %q", pattern),
			PolicyID: policy.ProfileID,
		}
	}
	return Decision{
		Effect:   EffectDeny,
		Reason:   "default deny",
		PolicyID: policy.ProfileID,
	}
}
