// Package handlers provides HTTP handlers for the prescription API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/atendebem/go-atende/internal/api/middleware"
	"github.com/atendebem/go-atende/internal/apperror"
	"github.com/atendebem/go-atende/internal/auth"
)

var kindStatus = map[apperror.Kind]int{
	apperror.KindUnauthenticated: http.StatusUnauthorized,
	apperror.KindNotFound:        http.StatusNotFound,
	apperror.KindValidation:      http.StatusBadRequest,
	apperror.KindConflict:        http.StatusConflict,
	apperror.KindExpired:         http.StatusGone,
	apperror.KindProvider:        http.StatusBadGateway,
	apperror.KindInternal:        http.StatusInternalServerError,
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps err to a status by kind. Internal and provider details are
// logged, never returned.
func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	kind := apperror.KindOf(err)
	code, ok := kindStatus[kind]
	if !ok {
		code = http.StatusInternalServerError
	}

	resp := ErrorResponse{Kind: string(kind)}
	var appErr *apperror.Error
	switch {
	case kind == apperror.KindInternal:
		resp.Error = "internal error"
	case kind == apperror.KindProvider:
		resp.Error = "signature provider unavailable"
	case errors.As(err, &appErr):
		resp.Error = appErr.Message
		resp.Field = appErr.Field
	default:
		resp.Error = err.Error()
	}

	if code >= 500 {
		logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
	writeJSON(w, code, resp)
}

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperror.Validation("decode", "body", "invalid JSON: "+err.Error())
	}
	return nil
}

// scopeOf returns the authenticated scope. Routes behind Authenticate always
// have one; an empty scope fails the services' own checks.
func scopeOf(r *http.Request) auth.Scope {
	s, _ := auth.ScopeFromContext(r.Context())
	return s
}
