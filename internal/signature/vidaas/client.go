// Package vidaas is a client for the VIDaaS cloud-certificate provider:
// user discovery, OAuth2 + PKCE authorization, remote hash signing and
// certificate lookup.
package vidaas

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/atendebem/go-atende/internal/observability/metrics"
	"github.com/atendebem/go-atende/pkg/circuitbreaker"
)

const (
	// AlgorithmSHA256 is the OID the provider expects for SHA-256 digests.
	AlgorithmSHA256 = "2.16.840.1.101.3.4.2.1"
	FormatCMS       = "CMS"

	// PushRedirectURI asks the provider to notify the user's phone instead
	// of redirecting a browser.
	PushRedirectURI = "push://"

	ScopeSignatureSession = "signature_session"
)

// Config points the client at one provider environment.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// Discovery is the user-discovery answer for a CPF.
type Discovery struct {
	CPF   string
	Slots []Slot
}

type Slot struct {
	Alias string `json:"slot_alias"`
	Label string `json:"label"`
}

// Token is an access token scoped to one signature session.
type Token struct {
	AccessToken string
	Expiry      time.Time
	Scope       string
	// AuthorizedIdentification is the CPF the provider authenticated.
	AuthorizedIdentification string
}

// Certificate is the metadata of the signer's certificate.
type Certificate struct {
	Alias        string
	SerialNumber string
	Subject      string
	Issuer       string
	CPF          string
	NotBefore    time.Time
	NotAfter     time.Time
}

// SignRequest is one digest to be signed remotely.
type SignRequest struct {
	ID        string
	Alias     string
	Digest    []byte
	Algorithm string
	Format    string
}

// SignResult carries the provider's signature over the digest.
type SignResult struct {
	ID               string
	Signature        []byte
	CertificateAlias string
}

// Client talks to the provider. Every call runs through a breaker named
// after its step so one failing endpoint does not block the others.
type Client struct {
	cfg      Config
	http     *http.Client
	breakers *circuitbreaker.Manager
	metrics  *metrics.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithBreakers(m *circuitbreaker.Manager) Option {
	return func(c *Client) { c.breakers = m }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func New(cfg Config, opts ...Option) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: zap.NewNop(),
		tracer: otel.Tracer("vidaas-client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breakers == nil {
		base := circuitbreaker.DefaultConfig("vidaas")
		base.IsStructural = IsStructural
		c.breakers = circuitbreaker.NewManager(base, c.logger)
	}
	return c
}

func (c *Client) endpoint(path string) string {
	return c.cfg.BaseURL + "/v0/oauth/" + path
}

func (c *Client) oauthConfig(redirectURI string, scopes ...string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.endpoint("authorize"),
			TokenURL:  c.endpoint("token"),
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// DiscoverUser checks that cpf holds a cloud certificate with this provider.
func (c *Client) DiscoverUser(ctx context.Context, cpf string) (*Discovery, error) {
	q := url.Values{
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"user_cpf_cnpj": {"CPF"},
		"val_cpf_cnpj":  {digits(cpf)},
	}
	var resp struct {
		Status string `json:"status"`
		Slots  []Slot `json:"slots"`
	}
	err := c.call(ctx, StepDiscovery, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("user-discovery")+"?"+q.Encode(), nil)
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Status != "S" || len(resp.Slots) == 0 {
		return nil, ErrNoCertificate
	}
	return &Discovery{CPF: digits(cpf), Slots: resp.Slots}, nil
}

// BeginAuthorization returns the URL the signer's browser must visit. state
// comes back on the redirect and identifies the session.
func (c *Client) BeginAuthorization(state, challenge, scope string, lifetime time.Duration) string {
	return c.oauthConfig(c.cfg.RedirectURI, scope).AuthCodeURL(state, authParams(challenge, lifetime)...)
}

// PushAuthorization asks the provider to notify the signer's phone. The
// returned reference is polled with PollPush.
func (c *Client) PushAuthorization(ctx context.Context, cpf, challenge, scope string, lifetime time.Duration) (string, error) {
	opts := append(authParams(challenge, lifetime), oauth2.SetAuthURLParam("login_hint", digits(cpf)))
	target := c.oauthConfig(PushRedirectURI, scope).AuthCodeURL("", opts...)

	var resp struct {
		Code string `json:"code"`
	}
	err := c.call(ctx, StepAuthorization, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Code == "" {
		return "", &ProviderError{Step: StepAuthorization, Description: "empty push reference"}
	}
	return resp.Code, nil
}

// PollPush reports whether the signer approved a push authorization. ready is
// false while the approval is pending.
func (c *Client) PollPush(ctx context.Context, reference string) (code string, ready bool, err error) {
	var resp struct {
		AuthorizationToken string `json:"authorizationToken"`
	}
	q := url.Values{"code": {reference}}
	err = c.call(ctx, StepAuthorization, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/valid-pkce?"+q.Encode(), nil)
	}, &resp)
	if err != nil {
		return "", false, err
	}
	if resp.AuthorizationToken == "" {
		return "", false, nil
	}
	return resp.AuthorizationToken, true, nil
}

// ExchangeToken trades an authorization code for an access token. push must
// match the flow that produced the code since the redirect URI is checked.
func (c *Client) ExchangeToken(ctx context.Context, code, verifier string, push bool) (*Token, error) {
	ctx, span := c.tracer.Start(ctx, "vidaas."+StepTokenExchange)
	defer span.End()

	redirectURI := c.cfg.RedirectURI
	if push {
		redirectURI = PushRedirectURI
	}
	cfg := c.oauthConfig(redirectURI)
	out, err := c.breakers.Execute(ctx, "vidaas-"+StepTokenExchange, func() (interface{}, error) {
		tok, err := cfg.Exchange(context.WithValue(ctx, oauth2.HTTPClient, c.http), code, oauth2.VerifierOption(verifier))
		if err != nil {
			return nil, exchangeError(err)
		}
		return tok, nil
	})
	if err != nil {
		c.failed(span, StepTokenExchange, err)
		return nil, err
	}

	tok := out.(*oauth2.Token)
	t := &Token{AccessToken: tok.AccessToken, Expiry: tok.Expiry}
	if s, ok := tok.Extra("scope").(string); ok {
		t.Scope = s
	}
	if id, ok := tok.Extra("authorized_identification").(string); ok {
		t.AuthorizedIdentification = id
	}
	return t, nil
}

func exchangeError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		pe := &ProviderError{Step: StepTokenExchange, Code: re.ErrorCode, Description: re.ErrorDescription}
		if re.Response != nil {
			pe.StatusCode = re.Response.StatusCode
		}
		return pe
	}
	return &ProviderError{Step: StepTokenExchange, Err: err}
}

// Certificate returns the metadata of the certificate bound to token.
func (c *Client) Certificate(ctx context.Context, token string) (*Certificate, error) {
	var resp struct {
		Status       string `json:"status"`
		Certificates []struct {
			Alias       string `json:"alias"`
			Certificate string `json:"certificate"`
		} `json:"certificates"`
	}
	err := c.call(ctx, StepCertificate, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("certificate-discovery"), nil)
		if err == nil {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return req, err
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Certificates) == 0 {
		return nil, ErrNoCertificate
	}

	first := resp.Certificates[0]
	cert, err := parseCertificate(first.Certificate)
	if err != nil {
		return nil, &ProviderError{Step: StepCertificate, Description: "unparseable certificate", Err: err}
	}
	return &Certificate{
		Alias:        first.Alias,
		SerialNumber: serialHex(cert.SerialNumber),
		Subject:      cert.Subject.String(),
		Issuer:       cert.Issuer.String(),
		CPF:          subjectCPF(cert.Subject.CommonName),
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
	}, nil
}

// Sign asks the provider to sign a digest with the session's certificate.
func (c *Client) Sign(ctx context.Context, token string, r SignRequest) (*SignResult, error) {
	if r.Algorithm == "" {
		r.Algorithm = AlgorithmSHA256
	}
	if r.Format == "" {
		r.Format = FormatCMS
	}
	type hashEntry struct {
		ID        string `json:"id"`
		Alias     string `json:"alias"`
		Hash      string `json:"hash"`
		Algorithm string `json:"hash_algorithm"`
		Format    string `json:"signature_format"`
	}
	body, err := json.Marshal(map[string][]hashEntry{
		"hashes": {{
			ID:        r.ID,
			Alias:     r.Alias,
			Hash:      base64.StdEncoding.EncodeToString(r.Digest),
			Algorithm: r.Algorithm,
			Format:    r.Format,
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("encode signature request: %w", err)
	}

	var resp struct {
		CertificateAlias string `json:"certificate_alias"`
		Signatures       []struct {
			ID           string `json:"id"`
			RawSignature string `json:"raw_signature"`
		} `json:"signatures"`
	}
	err = c.call(ctx, StepSignature, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("signature"), bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Authorization", "Bearer "+token)
			req.Header.Set("Content-Type", "application/json")
		}
		return req, err
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Signatures) == 0 {
		return nil, &ProviderError{Step: StepSignature, Description: "no signature returned"}
	}
	raw, err := base64.StdEncoding.DecodeString(resp.Signatures[0].RawSignature)
	if err != nil {
		return nil, &ProviderError{Step: StepSignature, Description: "signature is not base64", Err: err}
	}
	return &SignResult{ID: resp.Signatures[0].ID, Signature: raw, CertificateAlias: resp.CertificateAlias}, nil
}

// RevokeToken invalidates an access token.
func (c *Client) RevokeToken(ctx context.Context, token string) error {
	form := url.Values{
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"token":         {token},
	}
	return c.call(ctx, StepRevoke, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("revoke"), strings.NewReader(form.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
		return req, err
	}, nil)
}

// call sends one request through the step's breaker and decodes a JSON body
// into out when out is not nil.
func (c *Client) call(ctx context.Context, step string, build func(context.Context) (*http.Request, error), out interface{}) error {
	ctx, span := c.tracer.Start(ctx, "vidaas."+step)
	defer span.End()

	_, err := c.breakers.Execute(ctx, "vidaas-"+step, func() (interface{}, error) {
		req, err := build(ctx)
		if err != nil {
			return nil, &ProviderError{Step: step, Err: err}
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, &ProviderError{Step: step, Err: err}
		}
		defer resp.Body.Close()
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, &ProviderError{Step: step, StatusCode: resp.StatusCode, Err: err}
		}
		if resp.StatusCode == http.StatusNotModified || resp.StatusCode == http.StatusNoContent {
			return nil, nil
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, responseError(step, resp.StatusCode, body)
		}
		if out != nil && len(body) > 0 {
			if err := json.Unmarshal(body, out); err != nil {
				return nil, &ProviderError{Step: step, StatusCode: resp.StatusCode, Description: "malformed response", Err: err}
			}
		}
		return nil, nil
	})
	if err != nil {
		c.failed(span, step, err)
	}
	return err
}

func (c *Client) failed(span trace.Span, step string, err error) {
	span.RecordError(err)
	c.metrics.ProviderError(step)
	c.logger.Warn("vidaas call failed", zap.String("step", step), zap.Error(err))
}

func responseError(step string, status int, body []byte) *ProviderError {
	pe := &ProviderError{Step: step, StatusCode: status}
	var e struct {
		Error       string `json:"error"`
		Description string `json:"error_description"`
		Message     string `json:"message"`
	}
	if json.Unmarshal(body, &e) == nil {
		pe.Code = e.Error
		pe.Description = e.Description
		if pe.Description == "" {
			pe.Description = e.Message
		}
	}
	return pe
}

func authParams(challenge string, lifetime time.Duration) []oauth2.AuthCodeOption {
	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	}
	if lifetime > 0 {
		opts = append(opts, oauth2.SetAuthURLParam("lifetime", strconv.Itoa(int(lifetime.Seconds()))))
	}
	return opts
}

// parseCertificate accepts PEM or base64 DER.
func parseCertificate(s string) (*x509.Certificate, error) {
	if block, _ := pem.Decode([]byte(s)); block != nil {
		return x509.ParseCertificate(block.Bytes)
	}
	der, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}

func serialHex(n *big.Int) string {
	if n == nil {
		return ""
	}
	return strings.ToUpper(n.Text(16))
}

// subjectCPF extracts the CPF from an ICP-Brasil common name of the form
// "NAME:CPF".
func subjectCPF(cn string) string {
	i := strings.LastIndex(cn, ":")
	if i < 0 {
		return ""
	}
	cpf := digits(cn[i+1:])
	if len(cpf) != 11 {
		return ""
	}
	return cpf
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
