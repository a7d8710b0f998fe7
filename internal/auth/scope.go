// Package auth carries the caller's tenant and user identity through request
// contexts and verifies the bearer tokens that establish it.
package auth

import (
	"context"
	"fmt"
	"regexp"
)

type contextKey string

const scopeKey contextKey = "auth_scope"

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Scope identifies who is acting and inside which tenant.
type Scope struct {
	TenantID string
	UserID   string
	Role     string
}

func (s Scope) Validate() error {
	if s.TenantID == "" || !tenantIDPattern.MatchString(s.TenantID) {
		return fmt.Errorf("invalid tenant identifier %q", s.TenantID)
	}
	if s.UserID == "" {
		return fmt.Errorf("user identifier is required")
	}
	return nil
}

// WithScope stores the scope in ctx.
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeKey, s)
}

// ScopeFromContext returns the scope set by the authentication middleware.
func ScopeFromContext(ctx context.Context) (Scope, bool) {
	s, ok := ctx.Value(scopeKey).(Scope)
	return s, ok
}

// TenantFromContext returns the tenant id, or "" when the request is anonymous.
func TenantFromContext(ctx context.Context) string {
	s, _ := ScopeFromContext(ctx)
	return s.TenantID
}
