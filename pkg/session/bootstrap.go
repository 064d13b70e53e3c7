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

// Bootstrap files under the data dir.
const (
	// IPSaltFileName holds the salt mixed into source-IP hashes in audit
	// events, so raw addresses never reach the trail.
	IPSaltFileName = ".ip-salt"

	// RecoveryTokenFileName holds the Argon2id hash of the recovery token.
	// The plaintext exists only in the first-run log output.
	RecoveryTokenFileName = ".recovery-token"

	// IPSaltLength is the raw salt size in bytes.
	IPSaltLength = 32
)

// LoadIPSalt reads or creates the IP hashing salt. Creation happens under
// a file lock so concurrent processes agree on it.
func LoadIPSalt(dataDir string) ([]byte, error) {
	path := filepath.Join(dataDir, IPSaltFileName)
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("locking ip salt file: %w", err)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Warnf("releasing ip salt file lock: %v", err)
		}
	}()

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		salt, decErr := hex.DecodeString(strings.TrimSpace(string(raw)))
		if decErr != nil {
			return nil, fmt.Errorf("ip salt file %s is not valid hex: %w", path, decErr)
		}
		if len(salt) != IPSaltLength {
			return nil, fmt.Errorf("ip salt file %s must decode to %d bytes, got %d", path, IPSaltLength, len(salt))
		}
		return salt, nil
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("reading ip salt file: %w", err)
	}

	salt := make([]byte, IPSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating ip salt: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(salt)+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("writing ip salt file: %w", err)
	}
	return salt, nil
}

// EnsureRecoveryToken reads or creates the recovery token hash. On first
// run the freshly minted plaintext token is returned so the caller can
// surface it exactly once; afterwards only the stored hash is returned.
func EnsureRecoveryToken(dataDir string) (token, hash string, created bool, err error) {
	path := filepath.Join(dataDir, RecoveryTokenFileName)
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return "", "", false, fmt.Errorf("locking recovery token file: %w", err)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Warnf("releasing recovery token file lock: %v", err)
		}
	}()

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		return "", strings.TrimSpace(string(raw)), false, nil
	case !os.IsNotExist(err):
		return "", "", false, fmt.Errorf("reading recovery token file: %w", err)
	}

	token, err = GenerateKey(RecoveryTokenPrefix)
	if err != nil {
		return "", "", false, err
	}
	hash, err = HashKey(token)
	if err != nil {
		return "", "", false, err
	}
	if err := os.WriteFile(path, []byte(hash+"\n"), 0400); err != nil {
		return "", "", false, fmt.Errorf("writing recovery token file: %w", err)
	}
	return token, hash, true, nil
}
