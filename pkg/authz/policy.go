package authz

import (
	"context"
	"errors"
	"fmt"

	"github.com/mcp-ambassador/ambassador/pkg/ambassador"
)

// MaxProfileDepth bounds the inheritance chain. Deeper chains are rejected
// at load time; cycles are rejected at write time by the store and
// re-checked here because the loader walks persisted data.
const MaxProfileDepth = 10

// Profile loading errors.
var (
	// ErrProfileCycle indicates the inheritance chain loops.
	ErrProfileCycle = errors.New("profile inheritance cycle")

	// ErrProfileDepth indicates the chain exceeds MaxProfileDepth.
	ErrProfileDepth = errors.New("profile inheritance too deep")
)

// ProfileStore supplies profiles by id.
type ProfileStore interface {
	GetProfile(ctx context.Context, profileID string) (*ambassador.Profile, error)
}

// Policy is the flattened allow/deny set of one profile chain.
type Policy struct {
	// ProfileID is the id of the chain's leaf profile.
	ProfileID string

	// AllowedTools is the leaf-most non-empty allowed set: a child's
	// allowed_tools override its parent's.
	AllowedTools []string

	// DeniedTools is the union of denied_tools across the chain.
	DeniedTools []string
}

// LoadChain walks the inheritance chain from profileID towards the root,
// child first, enforcing the depth bound and rejecting cycles.
func LoadChain(ctx context.Context, store ProfileStore, profileID string) ([]ambassador.Profile, error) {
	var chain []ambassador.Profile
	seen := make(map[string]struct{})

	for id := profileID; id != ""; {
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: profile %s revisited", ErrProfileCycle, id)
		}
		if len(chain) >= MaxProfileDepth {
			return nil, fmt.Errorf("%w: more than %d levels", ErrProfileDepth, MaxProfileDepth)
		}
		seen[id] = struct{}{}

		p, err := store.GetProfile(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("loading profile %s: %w", id, err)
		}
		chain = append(chain, *p)
		id = p.InheritedFrom
	}
	return chain, nil
}

// Flatten collapses a child-first chain into one Policy.
func Flatten(chain []ambassador.Profile) Policy {
	var policy Policy
	if len(chain) > 0 {
		policy.ProfileID = chain[0].ProfileID
	}

	for _, p := range chain {
		// First (leaf-most) non-empty allowed set wins.
		if policy.AllowedTools == nil && len(p.AllowedTools) > 0 {
			policy.AllowedTools = append([]string(nil), p.AllowedTools...)
		}
		policy.DeniedTools = append(policy.DeniedTools, p.DeniedTools...)
	}
	return policy
}

// LoadPolicy loads and flattens the chain rooted at profileID.
func LoadPolicy(ctx context.Context, store ProfileStore, profileID string) (Policy, error) {
	chain, err := LoadChain(ctx, store, profileID)
	if err != nil {
		return Policy{}, err
	}
	return Flatten(chain), nil
}
