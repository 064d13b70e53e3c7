package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mcp-ambassador/ambassador/pkg/ambassador"
	"github.com/mcp-ambassador/ambassador/pkg/amberrors"
)

const entryColumns = `mcp_id, name, transport, isolation_mode,
	requires_user_credentials, status, stdio_config, http_config, tool_catalog`

// ListEntries returns every catalog entry, draft and published.
func (s *Store) ListEntries(ctx context.Context) ([]ambassador.CatalogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM catalog_entries ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying catalog entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []ambassador.CatalogEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating catalog entries: %w", err)
	}
	return entries, nil
}

// GetEntry fetches an entry by mcp id.
func (s *Store) GetEntry(ctx context.Context, mcpID string) (*ambassador.CatalogEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM catalog_entries WHERE mcp_id = ?`, mcpID)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, amberrors.New(amberrors.KindNotFound, "catalog entry %s not found", mcpID)
	}
	return entry, err
}

// GetEntryByName fetches an entry by its unique name.
func (s *Store) GetEntryByName(ctx context.Context, name string) (*ambassador.CatalogEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM catalog_entries WHERE name = ?`, name)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, amberrors.New(amberrors.KindNotFound, "catalog entry %q not found", name)
	}
	return entry, err
}

// UpsertEntry inserts or replaces a catalog entry.
func (s *Store) UpsertEntry(ctx context.Context, entry ambassador.CatalogEntry) error {
	stdioJSON, err := encodeNullable(entry.Stdio)
	if err != nil {
		return fmt.Errorf("encoding stdio config: %w", err)
	}
	httpJSON, err := encodeNullable(entry.HTTP)
	if err != nil {
		return fmt.Errorf("encoding http config: %w", err)
	}
	toolsJSON, err := json.Marshal(entry.ToolCatalog)
	if err != nil {
		return fmt.Errorf("encoding tool catalog: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO catalog_entries (
			mcp_id, name, transport, isolation_mode,
			requires_user_credentials, status, stdio_config, http_config, tool_catalog
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(mcp_id) DO UPDATE SET
			name = excluded.name,
			transport = excluded.transport,
			isolation_mode = excluded.isolation_mode,
			requires_user_credentials = excluded.requires_user_credentials,
			status = excluded.status,
			stdio_config = excluded.stdio_config,
			http_config = excluded.http_config,
			tool_catalog = excluded.tool_catalog`,
		entry.MCPID, entry.Name, string(entry.Transport), string(entry.IsolationMode),
		entry.RequiresUserCredentials, string(entry.Status), stdioJSON, httpJSON, string(toolsJSON),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return amberrors.New(amberrors.KindConflict, "catalog entry name %q is taken", entry.Name)
		}
		return fmt.Errorf("upserting catalog entry: %w", err)
	}
	return nil
}

// DeleteEntry removes a catalog entry.
func (s *Store) DeleteEntry(ctx context.Context, mcpID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM catalog_entries WHERE mcp_id = ?`, mcpID)
	if err != nil {
		return fmt.Errorf("deleting catalog entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return amberrors.New(amberrors.KindNotFound, "catalog entry %s not found", mcpID)
	}
	return nil
}

// ListActiveSubscriptions returns the client's subscriptions in active
// status.
func (s *Store) ListActiveSubscriptions(ctx context.Context, clientID string) ([]ambassador.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT subscription_id, client_id, mcp_id, selected_tools, status
		FROM subscriptions
		WHERE client_id = ? AND status = ?
		ORDER BY subscription_id`,
		clientID, string(ambassador.SubscriptionActive))
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var subs []ambassador.Subscription
	for rows.Next() {
		var (
			sub       ambassador.Subscription
			toolsJSON string
			status    string
		)
		if err := rows.Scan(&sub.SubscriptionID, &sub.ClientID, &sub.MCPID, &toolsJSON, &status); err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		if err := json.Unmarshal([]byte(toolsJSON), &sub.SelectedTools); err != nil {
			return nil, fmt.Errorf("decoding selected tools: %w", err)
		}
		sub.Status = ambassador.SubscriptionStatus(status)
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating subscriptions: %w", err)
	}
	return subs, nil
}

// CreateSubscription inserts a subscription. A second live subscription for
// the same (client, backend) pair is a conflict.
func (s *Store) CreateSubscription(ctx context.Context, sub ambassador.Subscription) error {
	toolsJSON, err := json.Marshal(sub.SelectedTools)
	if err != nil {
		return fmt.Errorf("encoding selected tools: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (subscription_id, client_id, mcp_id, selected_tools, status)
		VALUES (?, ?, ?, ?, ?)`,
		sub.SubscriptionID, sub.ClientID, sub.MCPID, string(toolsJSON), string(sub.Status))
	if err != nil {
		if isUniqueViolation(err) {
			return amberrors.New(amberrors.KindConflict,
				"client %s is already subscribed to %s", sub.ClientID, sub.MCPID)
		}
		return fmt.Errorf("inserting subscription: %w", err)
	}
	return nil
}

// UpdateSubscriptionStatus moves a subscription through its lifecycle.
func (s *Store) UpdateSubscriptionStatus(ctx context.Context, subscriptionID string, status ambassador.SubscriptionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET status = ? WHERE subscription_id = ?`,
		string(status), subscriptionID)
	if err != nil {
		return fmt.Errorf("updating subscription: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return amberrors.New(amberrors.KindNotFound, "subscription %s not found", subscriptionID)
	}
	return nil
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface{ Scan(dest ...any) error }

func scanEntry(sc scanner) (*ambassador.CatalogEntry, error) {
	var (
		entry                 ambassador.CatalogEntry
		transport, isolation  string
		status                string
		stdioJSON, httpJSON   sql.NullString
		toolsJSON             string
	)
	err := sc.Scan(
		&entry.MCPID, &entry.Name, &transport, &isolation,
		&entry.RequiresUserCredentials, &status, &stdioJSON, &httpJSON, &toolsJSON,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning catalog entry: %w", err)
	}

	entry.Transport = ambassador.TransportType(transport)
	entry.IsolationMode = ambassador.IsolationMode(isolation)
	entry.Status = ambassador.EntryStatus(status)
	if stdioJSON.Valid {
		if err := json.Unmarshal([]byte(stdioJSON.String), &entry.Stdio); err != nil {
			return nil, fmt.Errorf("decoding stdio config: %w", err)
		}
	}
	if httpJSON.Valid {
		if err := json.Unmarshal([]byte(httpJSON.String), &entry.HTTP); err != nil {
			return nil, fmt.Errorf("decoding http config: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(toolsJSON), &entry.ToolCatalog); err != nil {
		return nil, fmt.Errorf("decoding tool catalog: %w", err)
	}
	return &entry, nil
}

// encodeNullable marshals v, mapping nil pointers to SQL NULL.
func encodeNullable(v any) (sql.NullString, error) {
	switch t := v.(type) {
	case *ambassador.StdioConfig:
		if t == nil {
			return sql.NullString{}, nil
		}
	case *ambassador.HTTPConfig:
		if t == nil {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
