package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mcp-ambassador/ambassador/pkg/ambassador"
	"github.com/mcp-ambassador/ambassador/pkg/vault"
)

// GetCredential fetches the wrapped credential row for (userID, mcpID).
func (s *Store) GetCredential(ctx context.Context, userID, mcpID string) (*ambassador.UserCredential, error) {
	var (
		cred      ambassador.UserCredential
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, mcp_id, iv, ciphertext, updated_at
		FROM user_credentials WHERE user_id = ? AND mcp_id = ?`,
		userID, mcpID,
	).Scan(&cred.UserID, &cred.MCPID, &cred.IV, &cred.Ciphertext, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, vault.ErrNoCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("querying credential: %w", err)
	}
	if cred.UpdatedAt, err = time.Parse(sqlTimeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing credential timestamp: %w", err)
	}
	return &cred, nil
}

// PutCredential inserts or replaces the wrapped credential row.
func (s *Store) PutCredential(ctx context.Context, cred ambassador.UserCredential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_credentials (user_id, mcp_id, iv, ciphertext, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, mcp_id) DO UPDATE SET
			iv = excluded.iv,
			ciphertext = excluded.ciphertext,
			updated_at = excluded.updated_at`,
		cred.UserID, cred.MCPID, cred.IV, cred.Ciphertext,
		cred.UpdatedAt.UTC().Format(sqlTimeLayout))
	if err != nil {
		return fmt.Errorf("upserting credential: %w", err)
	}
	return nil
}

// DeleteCredential removes the row. Absent rows are not an error.
func (s *Store) DeleteCredential(ctx context.Context, userID, mcpID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM user_credentials WHERE user_id = ? AND mcp_id = ?`, userID, mcpID)
	if err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	return nil
}
