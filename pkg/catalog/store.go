// Package catalog computes a client's effective tool set and reconciles the
// running backend connections against the desired catalog.
package catalog

import (
	"context"

	"github.com/mcp-ambassador/ambassador/pkg/ambassador"
)

// EntryStore supplies catalog entries.
type EntryStore interface {
	// ListEntries returns every catalog entry, draft and published.
	ListEntries(ctx context.Context) ([]ambassador.CatalogEntry, error)

	// GetEntry fetches an entry by mcp id.
	GetEntry(ctx context.Context, mcpID string) (*ambassador.CatalogEntry, error)

	// GetEntryByName fetches an entry by its unique name.
	GetEntryByName(ctx context.Context, name string) (*ambassador.CatalogEntry, error)
}

// SubscriptionStore supplies client subscriptions.
type SubscriptionStore interface {
	// ListActiveSubscriptions returns the client's subscriptions in active
	// status.
	ListActiveSubscriptions(ctx context.Context, clientID string) ([]ambassador.Subscription, error)
}
