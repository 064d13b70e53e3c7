// Package api is the HTTP surface: v1 routes, envelopes and the auth
// middleware for session tokens and admin keys.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mcp-ambassador/ambassador/pkg/amberrors"
	"github.com/mcp-ambassador/ambassador/pkg/logger"
)

// Pagination is the opaque-cursor pagination block.
type Pagination struct {
	NextCursor string `json:"next_cursor,omitempty"`
	HasMore    bool   `json:"has_more"`
}

type successEnvelope struct {
	OK         bool        `json:"ok"`
	Data       any         `json:"data"`
	Pagination *Pagination `json:"pagination,omitempty"`
}

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type errorEnvelope struct {
	OK    bool      `json:"ok"`
	Error errorBody `json:"error"`
}

// writeData writes a success envelope.
func writeData(w http.ResponseWriter, status int, data any) {
	writePage(w, status, data, nil)
}

// writePage writes a success envelope with pagination.
func writePage(w http.ResponseWriter, status int, data any, page *Pagination) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(successEnvelope{OK: true, Data: data, Pagination: page}); err != nil {
		logger.Debugf("writing response: %v", err)
	}
}

// writeError maps err onto the error envelope. Internal errors are never
// exposed verbatim.
func writeError(w http.ResponseWriter, err error) {
	kind := amberrors.KindOf(err)
	body := errorBody{
		Code:    string(kind),
		Message: amberrors.PublicMessage(err),
	}

	var typed *amberrors.Error
	if errors.As(err, &typed) {
		body.Code = typed.PublicCode()
		if kind != amberrors.KindInternal {
			body.Details = publicDetails(typed)
		}
	}
	if kind == amberrors.KindInternal {
		logger.Errorw("request failed", "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.HTTPStatus())
	if encErr := json.NewEncoder(w).Encode(errorEnvelope{OK: false, Error: body}); encErr != nil {
		logger.Debugf("writing error response: %v", encErr)
	}
}

// publicDetails strips the routing "code" key; everything else in Details
// is already redacted by the producer.
func publicDetails(e *amberrors.Error) map[string]any {
	if len(e.Details) == 0 {
		return nil
	}
	out := make(map[string]any, len(e.Details))
	for k, v := range e.Details {
		if k == "code" {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
