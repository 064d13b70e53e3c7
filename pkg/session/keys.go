// Package session implements the authentication layer: preshared-key
// registration with rate limiting, HMAC session tokens, the server secret
// lifecycle and session verification.
package session

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Key and token prefixes. All secrets handed to clients carry one of
// these so they are recognizable in configs and scanners.
const (
	PresharedKeyPrefix  = "amb_pk_"
	SessionTokenPrefix  = "amb_st_"
	AdminKeyPrefix      = "amb_ak_"
	RecoveryTokenPrefix = "amb_rt_"
	LegacyKeyPrefix     = "amb_sk_"
)

// Preshared key shape.
const (
	// KeyBodyLength is the exact length of the random key body.
	KeyBodyLength = 48

	// KeyPrefixLength is how many leading body chars index the hash lookup.
	KeyPrefixLength = 8
)

// Argon2id parameters for all stored key hashes.
const (
	argonMemoryKiB = 19456
	argonTime      = 2
	argonThreads   = 1
	argonSaltLen   = 16
	argonKeyLen    = 32
)

// ErrKeyFormat indicates a credential that does not match its expected
// shape. The message never echoes the credential.
var ErrKeyFormat = errors.New("malformed key")

// ParseKey validates prefix + 48 URL-safe-base64 chars and returns the
// body and its lookup prefix.
func ParseKey(raw, prefix string) (body, lookupPrefix string, err error) {
	if !strings.HasPrefix(raw, prefix) {
		return "", "", ErrKeyFormat
	}
	body = raw[len(prefix):]
	if len(body) != KeyBodyLength {
		return "", "", ErrKeyFormat
	}
	for _, c := range body {
		if !isBase64URLChar(c) {
			return "", "", ErrKeyFormat
		}
	}
	return body, body[:KeyPrefixLength], nil
}

// GenerateKey mints a fresh credential with the given prefix.
func GenerateKey(prefix string) (string, error) {
	// 36 random bytes encode to exactly 48 URL-safe chars.
	raw := make([]byte, 36)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating key: %w", err)
	}
	return prefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

func isBase64URLChar(c rune) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
		return true
	default:
		return false
	}
}

// HashKey produces a PHC-formatted Argon2id hash of the full credential.
func HashKey(raw string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	digest := argon2.IDKey([]byte(raw), salt, argonTime, argonMemoryKiB, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemoryKiB, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(digest),
	), nil
}

// VerifyKey checks a credential against a PHC hash in constant time.
func VerifyKey(raw, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false
	}
	var memory, iterations uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return false
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}

	got := argon2.IDKey([]byte(raw), salt, iterations, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}
