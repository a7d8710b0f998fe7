package vidaas

import (
	"errors"
	"fmt"
	"net/http"
)

// Steps of the provider flow. Each one has its own sentinel so callers can
// tell where a signature attempt broke.
const (
	StepDiscovery     = "discovery"
	StepAuthorization = "authorization"
	StepTokenExchange = "token_exchange"
	StepSignature     = "signature"
	StepCertificate   = "certificate"
	StepRevoke        = "revoke"
)

var (
	ErrDiscovery     = errors.New("vidaas: user discovery failed")
	ErrAuthorization = errors.New("vidaas: authorization failed")
	ErrTokenExchange = errors.New("vidaas: token exchange failed")
	ErrSignature     = errors.New("vidaas: signature failed")
	ErrCertificate   = errors.New("vidaas: certificate discovery failed")
	ErrRevoke        = errors.New("vidaas: token revoke failed")

	// ErrNoCertificate means the user exists but holds no cloud certificate.
	// It is a property of the user, not of the provider's health.
	ErrNoCertificate = errors.New("vidaas: user has no cloud certificate")
)

var stepErrors = map[string]error{
	StepDiscovery:     ErrDiscovery,
	StepAuthorization: ErrAuthorization,
	StepTokenExchange: ErrTokenExchange,
	StepSignature:     ErrSignature,
	StepCertificate:   ErrCertificate,
	StepRevoke:        ErrRevoke,
}

// ProviderError is a failed call to the provider. StatusCode is 0 when no
// HTTP response was received.
type ProviderError struct {
	Step        string
	StatusCode  int
	Code        string
	Description string
	Err         error
}

func (e *ProviderError) Error() string {
	msg := stepErrors[e.Step].Error()
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s: HTTP %d", msg, e.StatusCode)
	}
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is matches the sentinel of the failed step.
func (e *ProviderError) Is(target error) bool {
	return stepErrors[e.Step] == target
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsStructural reports errors that carry no information about the provider's
// availability: a user without a certificate, or a request the provider
// refused as malformed or unauthorized.
func IsStructural(err error) bool {
	if errors.Is(err, ErrNoCertificate) {
		return true
	}
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	return pe.StatusCode >= 400 && pe.StatusCode < 500 && pe.StatusCode != http.StatusTooManyRequests
}
