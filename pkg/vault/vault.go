// Package vault wraps per-user backend credentials with AES-256-GCM. Each
// user's key is derived from the server secret and the user's immutable
// vault salt, so one user's ciphertext is useless against another's.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/mcp-ambassador/ambassador/pkg/ambassador"
)

// ErrNoCredentials indicates the user has no vault entry for the backend.
var ErrNoCredentials = errors.New("no credentials stored")

// CredentialStore persists wrapped credential rows.
type CredentialStore interface {
	// GetCredential fetches the row for (userID, mcpID); ErrNoCredentials
	// when absent.
	GetCredential(ctx context.Context, userID, mcpID string) (*ambassador.UserCredential, error)

	// PutCredential inserts or replaces the row.
	PutCredential(ctx context.Context, cred ambassador.UserCredential) error

	// DeleteCredential removes the row; absent rows are not an error.
	DeleteCredential(ctx context.Context, userID, mcpID string) error
}

// ChangeHandler is notified after a credential write or delete so running
// per-user connections can be terminated.
type ChangeHandler func(userID, mcpID string)

// Vault encrypts and decrypts per-user credential maps.
type Vault struct {
	secret   []byte
	store    CredentialStore
	onChange ChangeHandler
}

// Option customizes a Vault.
type Option func(*Vault)

// WithChangeHandler registers a credential-change notification.
func WithChangeHandler(h ChangeHandler) Option {
	return func(v *Vault) { v.onChange = h }
}

// New creates a Vault keyed off the server secret.
func New(serverSecret []byte, store CredentialStore, opts ...Option) *Vault {
	v := &Vault{secret: serverSecret, store: store}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Put wraps the credential map and persists it, bumping updated_at.
func (v *Vault) Put(ctx context.Context, user *ambassador.User, mcpID string, creds map[string]string) error {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}

	gcm, err := v.gcm(user)
	if err != nil {
		return err
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return fmt.Errorf("generating iv: %w", err)
	}

	row := ambassador.UserCredential{
		UserID:     user.UserID,
		MCPID:      mcpID,
		IV:         iv,
		Ciphertext: gcm.Seal(nil, iv, plaintext, nil),
		UpdatedAt:  time.Now().UTC(),
	}
	if err := v.store.PutCredential(ctx, row); err != nil {
		return fmt.Errorf("storing credentials: %w", err)
	}

	if v.onChange != nil {
		v.onChange(user.UserID, mcpID)
	}
	return nil
}

// Get fetches and unwraps the credential map for (user, mcpID).
func (v *Vault) Get(ctx context.Context, user *ambassador.User, mcpID string) (map[string]string, error) {
	row, err := v.store.GetCredential(ctx, user.UserID, mcpID)
	if err != nil {
		return nil, err
	}

	gcm, err := v.gcm(user)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, row.IV, row.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting credentials for user %s: %w", user.UserID, err)
	}

	var creds map[string]string
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, fmt.Errorf("decoding credentials: %w", err)
	}
	return creds, nil
}

// Delete removes the credential row and fires the change notification.
func (v *Vault) Delete(ctx context.Context, userID, mcpID string) error {
	if err := v.store.DeleteCredential(ctx, userID, mcpID); err != nil {
		return err
	}
	if v.onChange != nil {
		v.onChange(userID, mcpID)
	}
	return nil
}

func (v *Vault) gcm(user *ambassador.User) (cipher.AEAD, error) {
	key := deriveKey(v.secret, user.VaultSalt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey produces the 32-byte per-user AES key.
func deriveKey(secret, salt []byte) []byte {
	h := sha256.New()
	h.Write(secret)
	h.Write(salt)
	return h.Sum(nil)
}
