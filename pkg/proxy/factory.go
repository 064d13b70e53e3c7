// Package proxy owns the live backend connections: the shared manager for
// backends every user shares, the per-user pool for backends that carry
// user credentials, and the router that dispatches tool invocations.
package proxy

import (
	"fmt"

	"github.com/mcp-ambassador/ambassador/pkg/ambassador"
	"github.com/mcp-ambassador/ambassador/pkg/backend"
)

// newConnection builds the connection variant for an entry. Credentials
// are injected as environment for stdio backends and as headers for HTTP.
func newConnection(
	entry ambassador.CatalogEntry, creds map[string]string, onFailure backend.FailureHandler,
) (backend.Connection, error) {
	switch entry.Transport {
	case ambassador.TransportStdio:
		if entry.Stdio == nil {
			return nil, fmt.Errorf("entry %s: stdio transport without stdio config", entry.Name)
		}
		return backend.NewStdioConnection(entry.Name, *entry.Stdio,
			backend.WithCredentialEnv(creds),
			backend.WithStdioFailureHandler(onFailure),
		), nil
	case ambassador.TransportHTTP:
		if entry.HTTP == nil {
			return nil, fmt.Errorf("entry %s: http transport without http config", entry.Name)
		}
		return backend.NewHTTPConnection(entry.Name, *entry.HTTP,
			backend.WithCredentialHeaders(creds),
			backend.WithHTTPFailureHandler(onFailure),
		), nil
	default:
		return nil, fmt.Errorf("entry %s: unknown transport %q", entry.Name, entry.Transport)
	}
}
