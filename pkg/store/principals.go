package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mcp-ambassador/ambassador/pkg/ambassador"
	"github.com/mcp-ambassador/ambassador/pkg/amberrors"
)

// CreateUser inserts a user.
func (s *Store) CreateUser(ctx context.Context, user ambassador.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (user_id, username, password_hash, status, is_admin, vault_salt)
		VALUES (?, ?, ?, ?, ?, ?)`,
		user.UserID, user.Username, user.PasswordHash, string(user.Status),
		user.IsAdmin, user.VaultSalt)
	if err != nil {
		if isUniqueViolation(err) {
			return amberrors.New(amberrors.KindConflict, "username %q is taken", user.Username)
		}
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

// GetUser fetches a user by id.
func (s *Store) GetUser(ctx context.Context, userID string) (*ambassador.User, error) {
	return s.getUser(ctx, `user_id`, userID)
}

// GetUserByUsername fetches a user by username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*ambassador.User, error) {
	return s.getUser(ctx, `username`, username)
}

func (s *Store) getUser(ctx context.Context, column, value string) (*ambassador.User, error) {
	var (
		user   ambassador.User
		status string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, username, password_hash, status, is_admin, vault_salt
		FROM users WHERE `+column+` = ?`, value,
	).Scan(&user.UserID, &user.Username, &user.PasswordHash, &status, &user.IsAdmin, &user.VaultSalt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, amberrors.New(amberrors.KindNotFound, "user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	user.Status = ambassador.UserStatus(status)
	return &user, nil
}

// UpdateUserStatus moves a user through its lifecycle.
func (s *Store) UpdateUserStatus(ctx context.Context, userID string, status ambassador.UserStatus) error {
	return s.updateStatus(ctx, `users`, `user_id`, userID, string(status))
}

// CreateClient inserts a client.
func (s *Store) CreateClient(ctx context.Context, client ambassador.Client) error {
	var expiresAt sql.NullString
	if client.ExpiresAt != nil {
		expiresAt = sql.NullString{String: client.ExpiresAt.UTC().Format(sqlTimeLayout), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (client_id, user_id, profile_id, key_prefix, key_hash, status, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		client.ClientID, client.UserID, client.ProfileID, client.KeyPrefix,
		client.KeyHash, string(client.Status), expiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return amberrors.New(amberrors.KindConflict, "client %s already exists", client.ClientID)
		}
		return fmt.Errorf("inserting client: %w", err)
	}
	return nil
}

// GetClient fetches a client by id.
func (s *Store) GetClient(ctx context.Context, clientID string) (*ambassador.Client, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT client_id, user_id, profile_id, key_prefix, key_hash, status, expires_at
		FROM clients WHERE client_id = ?`, clientID)
	client, err := scanClient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, amberrors.New(amberrors.KindNotFound, "client %s not found", clientID)
	}
	return client, err
}

// ListClientsByKeyPrefix returns every client whose preshared key starts
// with the given lookup prefix.
func (s *Store) ListClientsByKeyPrefix(ctx context.Context, keyPrefix string) ([]ambassador.Client, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_id, user_id, profile_id, key_prefix, key_hash, status, expires_at
		FROM clients WHERE key_prefix = ?`, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("querying clients: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var clients []ambassador.Client
	for rows.Next() {
		client, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, *client)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating clients: %w", err)
	}
	return clients, nil
}

// UpdateClientStatus moves a client through its lifecycle.
func (s *Store) UpdateClientStatus(ctx context.Context, clientID string, status ambassador.ClientStatus) error {
	return s.updateStatus(ctx, `clients`, `client_id`, clientID, string(status))
}

// UpdateClientProfile reassigns a client to a different profile.
func (s *Store) UpdateClientProfile(ctx context.Context, clientID, profileID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE clients SET profile_id = ? WHERE client_id = ?`, profileID, clientID)
	if err != nil {
		return fmt.Errorf("updating client profile: %w", err)
	}
	return checkAffected(res, "client "+clientID)
}

// CreateProfile inserts a profile.
func (s *Store) CreateProfile(ctx context.Context, profile ambassador.Profile) error {
	allowedJSON, err := json.Marshal(profile.AllowedTools)
	if err != nil {
		return fmt.Errorf("encoding allowed tools: %w", err)
	}
	deniedJSON, err := json.Marshal(profile.DeniedTools)
	if err != nil {
		return fmt.Errorf("encoding denied tools: %w", err)
	}
	var inherited sql.NullString
	if profile.InheritedFrom != "" {
		inherited = sql.NullString{String: profile.InheritedFrom, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO profiles (profile_id, name, allowed_tools, denied_tools, inherited_from)
		VALUES (?, ?, ?, ?, ?)`,
		profile.ProfileID, profile.Name, string(allowedJSON), string(deniedJSON), inherited)
	if err != nil {
		if isUniqueViolation(err) {
			return amberrors.New(amberrors.KindConflict, "profile name %q is taken", profile.Name)
		}
		return fmt.Errorf("inserting profile: %w", err)
	}
	return nil
}

// GetProfile fetches a profile by id.
func (s *Store) GetProfile(ctx context.Context, profileID string) (*ambassador.Profile, error) {
	var (
		profile                 ambassador.Profile
		allowedJSON, deniedJSON string
		inherited               sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT profile_id, name, allowed_tools, denied_tools, inherited_from
		FROM profiles WHERE profile_id = ?`, profileID,
	).Scan(&profile.ProfileID, &profile.Name, &allowedJSON, &deniedJSON, &inherited)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, amberrors.New(amberrors.KindNotFound, "profile %s not found", profileID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying profile: %w", err)
	}
	if err := json.Unmarshal([]byte(allowedJSON), &profile.AllowedTools); err != nil {
		return nil, fmt.Errorf("decoding allowed tools: %w", err)
	}
	if err := json.Unmarshal([]byte(deniedJSON), &profile.DeniedTools); err != nil {
		return nil, fmt.Errorf("decoding denied tools: %w", err)
	}
	profile.InheritedFrom = inherited.String
	return &profile, nil
}

func (s *Store) updateStatus(ctx context.Context, table, column, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+table+` SET status = ? WHERE `+column+` = ?`, status, id)
	if err != nil {
		return fmt.Errorf("updating %s status: %w", table, err)
	}
	return checkAffected(res, column+" "+id)
}

func checkAffected(res sql.Result, what string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return amberrors.New(amberrors.KindNotFound, "%s not found", what)
	}
	return nil
}

func scanClient(sc scanner) (*ambassador.Client, error) {
	var (
		client    ambassador.Client
		status    string
		expiresAt sql.NullString
	)
	err := sc.Scan(&client.ClientID, &client.UserID, &client.ProfileID,
		&client.KeyPrefix, &client.KeyHash, &status, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning client: %w", err)
	}
	client.Status = ambassador.ClientStatus(status)
	if expiresAt.Valid {
		t, err := time.Parse(sqlTimeLayout, expiresAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing client expiry: %w", err)
		}
		client.ExpiresAt = &t
	}
	return &client, nil
}
