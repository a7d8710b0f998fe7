package prescription

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

const tokenBytes = 24

// TokenGenerator produces public validation tokens.
type TokenGenerator func() (string, error)

// NewToken returns 48 hex characters from the system CSPRNG.
func NewToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
