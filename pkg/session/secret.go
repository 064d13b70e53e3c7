package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"

	"github.com/mcp-ambassador/ambassador/pkg/logger"
)

// Server secret constants.
const (
	// SecretEnvVar optionally carries the hex-encoded secret.
	SecretEnvVar = "SESSION_HMAC_SECRET"

	// SecretFileName is the persisted secret under the data dir.
	SecretFileName = "session_hmac_secret"

	// SecretLength is the raw secret size in bytes.
	SecretLength = 64
)

// LoadServerSecret resolves the HMAC secret: env var (hex) first, then the
// persisted file, then a freshly generated one written under a file lock
// so concurrent processes agree on it.
func LoadServerSecret(dataDir string) ([]byte, error) {
	if raw := os.Getenv(SecretEnvVar); raw != "" {
		secret, err := hex.DecodeString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%s is not valid hex: %w", SecretEnvVar, err)
		}
		if len(secret) != SecretLength {
			return nil, fmt.Errorf("%s must decode to %d bytes, got %d", SecretEnvVar, SecretLength, len(secret))
		}
		return secret, nil
	}

	path := filepath.Join(dataDir, SecretFileName)
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("locking secret file: %w", err)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Warnf("releasing secret file lock: %v", err)
		}
	}()

	if secret, err := readSecretFile(path); err == nil {
		return secret, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	secret := make([]byte, SecretLength)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generating secret: %w", err)
	}
	if err := writeSecretFile(path, secret); err != nil {
		return nil, err
	}
	logger.Infow("generated new session HMAC secret", "path", path)
	return secret, nil
}

// RotateServerSecret generates and persists a fresh secret. Every token
// minted under the old secret becomes invalid.
func RotateServerSecret(dataDir string) ([]byte, error) {
	path := filepath.Join(dataDir, SecretFileName)
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("locking secret file: %w", err)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Warnf("releasing secret file lock: %v", err)
		}
	}()

	secret := make([]byte, SecretLength)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generating secret: %w", err)
	}
	if err := writeSecretFile(path, secret); err != nil {
		return nil, err
	}
	return secret, nil
}

func readSecretFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	secret, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("secret file %s is not valid hex: %w", path, err)
	}
	if len(secret) != SecretLength {
		return nil, fmt.Errorf("secret file %s must decode to %d bytes, got %d", path, SecretLength, len(secret))
	}
	return secret, nil
}

func writeSecretFile(path string, secret []byte) error {
	if err := os.WriteFile(path, []byte(hex.EncodeToString(secret)+"\n"), 0600); err != nil {
		return fmt.Errorf("writing secret file: %w", err)
	}
	return nil
}
