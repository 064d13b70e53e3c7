package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mcp-ambassador/ambassador/pkg/ambassador"
)

// GetSessionByTokenHash fetches a session by its token hash, or (nil, nil)
// when no session matches.
func (s *Store) GetSessionByTokenHash(ctx context.Context, tokenHash string) (*ambassador.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE token_hash = ?`, tokenHash)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sess, err
}

// FindReusableSession returns the client's live session, or (nil, nil).
func (s *Store) FindReusableSession(ctx context.Context, userID, clientID string) (*ambassador.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = ? AND status IN (?, ?, ?)
		ORDER BY created_at DESC`,
		userID,
		string(ambassador.SessionActive), string(ambassador.SessionIdle),
		string(ambassador.SessionSpinningDown))
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	// The client id lives in session metadata, so the final filter happens
	// here rather than in SQL.
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		if sess.ClientID() == clientID {
			return sess, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return nil, nil
}

// CreateSession inserts a session.
func (s *Store) CreateSession(ctx context.Context, sess *ambassador.Session) error {
	metadataJSON, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("encoding session metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			session_id, user_id, profile_id, token_hash, nonce, status,
			created_at, last_activity_at, expires_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.SessionID, sess.UserID, sess.ProfileID, sess.TokenHash, sess.Nonce,
		string(sess.Status),
		sess.CreatedAt.UTC().Format(sqlTimeLayout),
		sess.LastActivityAt.UTC().Format(sqlTimeLayout),
		sess.ExpiresAt.UTC().Format(sqlTimeLayout),
		string(metadataJSON))
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// UpdateSession replaces the mutable fields of a session.
func (s *Store) UpdateSession(ctx context.Context, sess *ambassador.Session) error {
	metadataJSON, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("encoding session metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE sessions SET
			token_hash = ?, nonce = ?, status = ?,
			last_activity_at = ?, expires_at = ?, metadata = ?
		WHERE session_id = ?`,
		sess.TokenHash, sess.Nonce, string(sess.Status),
		sess.LastActivityAt.UTC().Format(sqlTimeLayout),
		sess.ExpiresAt.UTC().Format(sqlTimeLayout),
		string(metadataJSON), sess.SessionID)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	return nil
}

// ExpireStaleSessions marks every live session past its expiry as expired
// and returns how many rows changed.
func (s *Store) ExpireStaleSessions(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?
		WHERE status IN (?, ?, ?) AND expires_at < ?`,
		string(ambassador.SessionExpired),
		string(ambassador.SessionActive), string(ambassador.SessionIdle),
		string(ambassador.SessionSpinningDown),
		now.UTC().Format(sqlTimeLayout))
	if err != nil {
		return 0, fmt.Errorf("expiring sessions: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return int(affected), nil
}

// CreateConnection inserts a connection record.
func (s *Store) CreateConnection(ctx context.Context, rec *ambassador.ConnectionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connections (
			connection_id, session_id, friendly_name, host_tool, source_ip_hash, created_at
		) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ConnectionID, rec.SessionID, rec.FriendlyName, rec.HostTool,
		rec.SourceIPHash, rec.CreatedAt.UTC().Format(sqlTimeLayout))
	if err != nil {
		return fmt.Errorf("inserting connection: %w", err)
	}
	return nil
}

// LatestConnection returns the session's most recent connection record, or
// (nil, nil) when the session has none.
func (s *Store) LatestConnection(ctx context.Context, sessionID string) (*ambassador.ConnectionRecord, error) {
	var (
		rec       ambassador.ConnectionRecord
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT connection_id, session_id, friendly_name, host_tool, source_ip_hash, created_at
		FROM connections WHERE session_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`, sessionID,
	).Scan(&rec.ConnectionID, &rec.SessionID, &rec.FriendlyName, &rec.HostTool,
		&rec.SourceIPHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying connection: %w", err)
	}
	if rec.CreatedAt, err = time.Parse(sqlTimeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parsing connection timestamp: %w", err)
	}
	return &rec, nil
}

const sessionColumns = `session_id, user_id, profile_id, token_hash, nonce,
	status, created_at, last_activity_at, expires_at, metadata`

func scanSession(sc scanner) (*ambassador.Session, error) {
	var (
		sess                                 ambassador.Session
		status                               string
		createdAt, lastActivityAt, expiresAt string
		metadataJSON                         string
	)
	err := sc.Scan(&sess.SessionID, &sess.UserID, &sess.ProfileID, &sess.TokenHash,
		&sess.Nonce, &status, &createdAt, &lastActivityAt, &expiresAt, &metadataJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	sess.Status = ambassador.SessionStatus(status)
	if sess.CreatedAt, err = time.Parse(sqlTimeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if sess.LastActivityAt, err = time.Parse(sqlTimeLayout, lastActivityAt); err != nil {
		return nil, fmt.Errorf("parsing last_activity_at: %w", err)
	}
	if sess.ExpiresAt, err = time.Parse(sqlTimeLayout, expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	if err := json.Unmarshal([]byte(metadataJSON), &sess.Metadata); err != nil {
		return nil, fmt.Errorf("decoding session metadata: %w", err)
	}
	return &sess, nil
}
