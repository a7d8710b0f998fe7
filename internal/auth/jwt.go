package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any bearer token that fails verification.
var ErrInvalidToken = errors.New("invalid token")

// Claims issued by the session layer. Only the fields the workflow needs are read.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
}

// Verifier checks HS256 bearer tokens and turns them into a Scope.
type Verifier struct {
	secret []byte
	issuer string
}

func NewVerifier(secret []byte, issuer string) *Verifier {
	return &Verifier{secret: secret, issuer: issuer}
}

// ParseHeader accepts the raw Authorization header value.
func (v *Verifier) ParseHeader(header string) (Scope, error) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return Scope{}, fmt.Errorf("%w: invalid authorization format", ErrInvalidToken)
	}
	return v.Parse(parts[1])
}

func (v *Verifier) Parse(tokenStr string) (Scope, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return Scope{}, ErrInvalidToken
	}

	scope := Scope{TenantID: claims.TenantID, UserID: claims.Subject, Role: claims.Role}
	if err := scope.Validate(); err != nil {
		return Scope{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return scope, nil
}

// Sign issues a token for the scope. Used by tests and tissctl.
func (v *Verifier) Sign(s Scope, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = s.UserID
	if claims.Issuer == "" {
		claims.Issuer = v.issuer
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: claims,
		TenantID:         s.TenantID,
		Role:             s.Role,
	})
	return token.SignedString(v.secret)
}
