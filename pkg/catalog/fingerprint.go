package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/mcp-ambassador/ambassador/pkg/ambassador"
)

// fingerprintInput is the canonical subset of an entry that determines
// whether its running connection must be replaced. Tool catalogs and
// publication status are deliberately excluded.
type fingerprintInput struct {
	Transport ambassador.TransportType `json:"transport"`
	Isolation ambassador.IsolationMode `json:"isolation"`
	Stdio     *ambassador.StdioConfig  `json:"stdio,omitempty"`
	HTTP      *ambassador.HTTPConfig   `json:"http,omitempty"`
}

// Fingerprint returns a stable hash over the entry's canonicalized
// connection config. Identical inputs always produce identical output;
// encoding/json serializes map keys in sorted order, which keeps env and
// header maps canonical.
func Fingerprint(entry ambassador.CatalogEntry) string {
	in := fingerprintInput{
		Transport: entry.Transport,
		Isolation: entry.IsolationMode,
		Stdio:     entry.Stdio,
		HTTP:      entry.HTTP,
	}
	raw, err := json.Marshal(in)
	if err != nil {
		// Marshalling plain structs and string maps cannot fail.
		panic(err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
