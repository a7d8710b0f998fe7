// Package signature drives remote signing of prescriptions with a cloud
// certificate. A session binds one prescription document to one
// authorization at the provider and is never reused.
package signature

import (
	"errors"
	"time"
)

// ErrSessionExpired is wrapped by every operation attempted on a session past
// its expiry.
var ErrSessionExpired = errors.New("signature session expired")

// ErrAuthorizationPending means a push session has not been approved yet.
var ErrAuthorizationPending = errors.New("signature authorization pending")

type Mode string

const (
	ModeRedirect Mode = "redirect"
	ModePush     Mode = "push"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusAuthorized Status = "authorized"
	StatusSigned     Status = "signed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

// CertificateInfo is the signer certificate as reported by the provider.
type CertificateInfo struct {
	SerialNumber string    `json:"serial_number"`
	Subject      string    `json:"subject"`
	Issuer       string    `json:"issuer"`
	NotAfter     time.Time `json:"not_after"`
}

// Session is one signing attempt.
type Session struct {
	ID               string           `json:"id"`
	TenantID         string           `json:"-"`
	UserID           string           `json:"-"`
	PrescriptionID   string           `json:"prescription_id"`
	Mode             Mode             `json:"mode"`
	Status           Status           `json:"status"`
	AuthorizeURL     string           `json:"authorize_url,omitempty"`
	AuthorizationRef string           `json:"authorization_ref,omitempty"`
	SignerCPF        string           `json:"signer_cpf"`
	DocumentHash     string           `json:"document_hash"`
	SignedDocument   string           `json:"-"`
	SignedDocRef     string           `json:"signed_document_ref,omitempty"`
	Certificate      *CertificateInfo `json:"certificate,omitempty"`
	Error            string           `json:"error,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	ExpiresAt        time.Time        `json:"expires_at"`

	// PKCE verifier and the code obtained from a push approval. Neither
	// leaves the server.
	Verifier          string `json:"-"`
	AuthorizationCode string `json:"-"`
}

// Terminal sessions accept no further operations.
func (s *Session) Terminal() bool {
	switch s.Status {
	case StatusSigned, StatusFailed, StatusExpired:
		return true
	}
	return false
}

func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
