package amberrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	t.Parallel()

	base := errors.New("connection refused")
	err := Wrap(KindPeerError, base, "backend %s unreachable", "github")

	assert.Equal(t, "peer_error: backend github unreachable: connection refused", err.Error())
	assert.ErrorIs(t, err, base)
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	err := New(KindRateLimited, "retry in 42 seconds")
	wrapped := fmt.Errorf("register: %w", err)

	assert.Equal(t, KindRateLimited, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, KindRateLimited))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
}

func TestHTTPStatusMapping(t *testing.T) {
	t.Parallel()

	cases := map[Kind]int{
		KindValidation:       http.StatusBadRequest,
		KindUnauthorized:     http.StatusUnauthorized,
		KindToolNotAllowed:   http.StatusForbidden,
		KindNotFound:         http.StatusNotFound,
		KindConflict:         http.StatusConflict,
		KindRateLimited:      http.StatusTooManyRequests,
		KindCapacityExceeded: http.StatusServiceUnavailable,
		KindTimeout:          http.StatusGatewayTimeout,
		KindPeerError:        http.StatusBadGateway,
		KindInternal:         http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.HTTPStatus(), "kind %s", kind)
	}
}

func TestPublicMessageHidesInternals(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "internal error", PublicMessage(New(KindInternal, "pool state corrupt at 0x7f")))
	assert.Equal(t, "internal error", PublicMessage(errors.New("sql: no rows")))
	assert.Equal(t, "tool not in catalog", PublicMessage(New(KindToolNotAllowed, "tool not in catalog")))
}
