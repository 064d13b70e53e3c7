package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// GenerateToken derives the bearer token for a session. The MAC covers
// session_id || hex(nonce); the stored token_hash is its hex form, so the
// raw token never touches the database.
func GenerateToken(secret []byte, sessionID string, nonce []byte) (token, tokenHash string) {
	mac := computeMAC(secret, sessionID, nonce)
	return SessionTokenPrefix + base64.RawURLEncoding.EncodeToString(mac), hex.EncodeToString(mac)
}

// ParseToken validates the token shape and returns the decoded MAC.
func ParseToken(raw string) ([]byte, error) {
	if !strings.HasPrefix(raw, SessionTokenPrefix) {
		return nil, ErrKeyFormat
	}
	body := raw[len(SessionTokenPrefix):]
	if body == "" {
		return nil, ErrKeyFormat
	}
	// Tolerate both padded and unpadded encodings.
	mac, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(body, "="))
	if err != nil {
		return nil, ErrKeyFormat
	}
	return mac, nil
}

// VerifyTokenMAC recomputes the MAC from the stored session fields and
// compares in constant time.
func VerifyTokenMAC(secret []byte, sessionID string, nonce, mac []byte) bool {
	return hmac.Equal(computeMAC(secret, sessionID, nonce), mac)
}

func computeMAC(secret []byte, sessionID string, nonce []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(sessionID))
	h.Write([]byte(hex.EncodeToString(nonce)))
	return h.Sum(nil)
}
