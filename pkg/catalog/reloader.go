package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/mcp-ambassador/ambassador/pkg/ambassador"
	"github.com/mcp-ambassador/ambassador/pkg/amberrors"
	"github.com/mcp-ambassador/ambassador/pkg/logger"
)

// SharedApplier is the reloader's view of the shared connection manager.
type SharedApplier interface {
	// RunningFingerprints maps running connection names to their config
	// fingerprints.
	RunningFingerprints() map[string]string

	// AddBackend starts a connection for a new entry.
	AddBackend(ctx context.Context, entry ambassador.CatalogEntry) error

	// UpdateBackend starts a connection for the new config, then stops the
	// old one, keeping the name addressable throughout.
	UpdateBackend(ctx context.Context, entry ambassador.CatalogEntry) error

	// RemoveBackend stops and drops the named connection.
	RemoveBackend(ctx context.Context, name string) error
}

// PerUserApplier is the reloader's view of the per-user pool.
type PerUserApplier interface {
	// ConfiguredFingerprints maps configured backend names to their config
	// fingerprints.
	ConfiguredFingerprints() map[string]string

	// SetConfigs replaces the pool's desired configs. Instances spawned
	// from configs that changed or disappeared are terminated lazily.
	SetConfigs(entries map[string]ambassador.CatalogEntry)
}

// Delta is the reconciliation plan for one isolation mode.
type Delta struct {
	ToAdd     []string `json:"to_add"`
	ToRemove  []string `json:"to_remove"`
	ToUpdate  []string `json:"to_update"`
	Unchanged []string `json:"unchanged"`
}

// Empty reports whether the delta requires no action.
func (d Delta) Empty() bool {
	return len(d.ToAdd) == 0 && len(d.ToRemove) == 0 && len(d.ToUpdate) == 0
}

// Preview is a side-effect-free reconciliation plan.
type Preview struct {
	Shared  Delta `json:"shared"`
	PerUser Delta `json:"per_user"`
}

// ApplyError records one component's failure during apply.
type ApplyError struct {
	Name    string `json:"name"`
	Action  string `json:"action"`
	Message string `json:"message"`
}

// Result reports what an apply actually did. One component's failure does
// not abort the others.
type Result struct {
	Added   []string     `json:"added"`
	Removed []string     `json:"removed"`
	Updated []string     `json:"updated"`
	Errors  []ApplyError `json:"errors"`
}

// Reloader diffs the desired catalog against the running connections and
// applies the difference.
type Reloader struct {
	entries EntryStore
	shared  SharedApplier
	perUser PerUserApplier

	applying atomic.Bool
}

// NewReloader creates a Reloader.
func NewReloader(entries EntryStore, shared SharedApplier, perUser PerUserApplier) *Reloader {
	return &Reloader{entries: entries, shared: shared, perUser: perUser}
}

// Preview computes the reconciliation plan without side effects.
func (r *Reloader) Preview(ctx context.Context) (Preview, error) {
	sharedDesired, perUserDesired, err := r.desired(ctx)
	if err != nil {
		return Preview{}, err
	}
	return Preview{
		Shared:  diff(sharedDesired, r.shared.RunningFingerprints()),
		PerUser: diff(perUserDesired, r.perUser.ConfiguredFingerprints()),
	}, nil
}

// Apply reconciles the running connections with the desired catalog. A
// second concurrent apply fails with a conflict.
func (r *Reloader) Apply(ctx context.Context) (Result, error) {
	if !r.applying.CompareAndSwap(false, true) {
		return Result{}, amberrors.New(amberrors.KindConflict, "catalog reload already in progress")
	}
	defer r.applying.Store(false)

	sharedDesired, perUserDesired, err := r.desired(ctx)
	if err != nil {
		return Result{}, err
	}
	delta := diff(sharedDesired, r.shared.RunningFingerprints())

	result := Result{Added: []string{}, Removed: []string{}, Updated: []string{}, Errors: []ApplyError{}}

	// Start before stop so names stay addressable for inflight requests.
	for _, name := range delta.ToAdd {
		if err := r.shared.AddBackend(ctx, sharedDesired[name]); err != nil {
			logger.Warnf("reload: adding %s: %v", name, err)
			result.Errors = append(result.Errors, ApplyError{Name: name, Action: "add", Message: err.Error()})
			continue
		}
		result.Added = append(result.Added, name)
	}
	for _, name := range delta.ToUpdate {
		if err := r.shared.UpdateBackend(ctx, sharedDesired[name]); err != nil {
			logger.Warnf("reload: updating %s: %v", name, err)
			result.Errors = append(result.Errors, ApplyError{Name: name, Action: "update", Message: err.Error()})
			continue
		}
		result.Updated = append(result.Updated, name)
	}
	for _, name := range delta.ToRemove {
		if err := r.shared.RemoveBackend(ctx, name); err != nil {
			logger.Warnf("reload: removing %s: %v", name, err)
			result.Errors = append(result.Errors, ApplyError{Name: name, Action: "remove", Message: err.Error()})
			continue
		}
		result.Removed = append(result.Removed, name)
	}

	// The pool reconciles itself lazily against the new configs.
	r.perUser.SetConfigs(perUserDesired)

	return result, nil
}

// desired splits the published catalog by isolation mode.
func (r *Reloader) desired(ctx context.Context) (shared, perUser map[string]ambassador.CatalogEntry, err error) {
	entries, err := r.entries.ListEntries(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("listing catalog entries: %w", err)
	}

	shared = make(map[string]ambassador.CatalogEntry)
	perUser = make(map[string]ambassador.CatalogEntry)
	for _, e := range entries {
		if e.Status != ambassador.EntryPublished {
			continue
		}
		switch e.IsolationMode {
		case ambassador.IsolationPerUser:
			perUser[e.Name] = e
		default:
			shared[e.Name] = e
		}
	}
	return shared, perUser, nil
}

func diff(desired map[string]ambassador.CatalogEntry, running map[string]string) Delta {
	delta := Delta{ToAdd: []string{}, ToRemove: []string{}, ToUpdate: []string{}, Unchanged: []string{}}

	for name, entry := range desired {
		runningFP, ok := running[name]
		switch {
		case !ok:
			delta.ToAdd = append(delta.ToAdd, name)
		case runningFP != Fingerprint(entry):
			delta.ToUpdate = append(delta.ToUpdate, name)
		default:
			delta.Unchanged = append(delta.Unchanged, name)
		}
	}
	for name := range running {
		if _, ok := desired[name]; !ok {
			delta.ToRemove = append(delta.ToRemove, name)
		}
	}

	sort.Strings(delta.ToAdd)
	sort.Strings(delta.ToRemove)
	sort.Strings(delta.ToUpdate)
	sort.Strings(delta.Unchanged)
	return delta
}
