// Package vidaastest provides an in-process fake of the VIDaaS provider for
// tests.
package vidaastest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	ClientID     = "test-client"
	ClientSecret = "test-secret"
	RedirectURI  = "https://app.example.test/signature/callback"
)

// CertSerial is the serial number of every issued test certificate, in the
// upper-case hex form the client reports.
const CertSerial = "1A2B3C"

type grant struct {
	challenge   string
	redirectURI string
	cpf         string
	approved    bool
	used        bool
}

// Server fakes the provider endpoints the client uses.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	users    map[string]string // cpf -> signer name
	grants   map[string]*grant // code or push reference -> grant
	tokens   map[string]string // access token -> cpf
	revoked  []string
	signed   []SignCall
	failures map[string]int
	seq      int
}

// SignCall records one signature request.
type SignCall struct {
	Token     string
	ID        string
	Hash      []byte
	Algorithm string
	Format    string
}

// NewServer starts a fake provider that knows the given CPFs.
func NewServer(cpfs ...string) *Server {
	s := &Server{
		users:    make(map[string]string),
		grants:   make(map[string]*grant),
		tokens:   make(map[string]string),
		failures: make(map[string]int),
	}
	for _, cpf := range cpfs {
		s.users[cpf] = "MEDICO TESTE"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v0/oauth/user-discovery", s.discovery)
	mux.HandleFunc("/v0/oauth/authorize", s.authorize)
	mux.HandleFunc("/valid-pkce", s.validPKCE)
	mux.HandleFunc("/v0/oauth/token", s.token)
	mux.HandleFunc("/v0/oauth/certificate-discovery", s.certificate)
	mux.HandleFunc("/v0/oauth/signature", s.signature)
	mux.HandleFunc("/v0/oauth/revoke", s.revoke)
	s.Server = httptest.NewServer(s.failing(mux))
	return s
}

// Fail makes every request to path answer with status.
func (s *Server) Fail(path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[path] = status
}

// ApprovePush simulates the signer approving a push request on their phone.
func (s *Server) ApprovePush(reference string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.grants[reference]; ok {
		g.approved = true
	}
}

// Authorize follows an authorize URL the way a browser would and returns the
// code and state from the redirect.
func (s *Server) Authorize(authorizeURL string) (code, state string, err error) {
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Get(authorizeURL)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		return "", "", fmt.Errorf("authorize: HTTP %d", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		return "", "", err
	}
	return loc.Query().Get("code"), loc.Query().Get("state"), nil
}

func (s *Server) Revoked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.revoked...)
}

func (s *Server) SignCalls() []SignCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SignCall(nil), s.signed...)
}

func (s *Server) failing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		status := s.failures[r.URL.Path]
		s.mu.Unlock()
		if status != 0 {
			writeJSON(w, status, map[string]string{"error": "server_error", "error_description": "injected failure"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}

func (s *Server) checkClient(v url.Values) bool {
	return v.Get("client_id") == ClientID && v.Get("client_secret") == ClientSecret
}

func (s *Server) discovery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !s.checkClient(q) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}
	s.mu.Lock()
	_, ok := s.users[q.Get("val_cpf_cnpj")]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "N"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "S",
		"slots":  []map[string]string{{"slot_alias": "slot-1", "label": "Certificado em nuvem"}},
	})
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("client_id") != ClientID || q.Get("response_type") != "code" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	if q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request", "error_description": "PKCE required"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	redirect := q.Get("redirect_uri")
	if redirect == "push://" {
		ref := s.nextID("push")
		s.grants[ref] = &grant{challenge: q.Get("code_challenge"), redirectURI: redirect, cpf: q.Get("login_hint")}
		writeJSON(w, http.StatusOK, map[string]string{"code": ref})
		return
	}
	code := s.nextID("code")
	s.grants[code] = &grant{challenge: q.Get("code_challenge"), redirectURI: redirect, approved: true}
	// Browser login is not simulated; any known user signs in.
	for cpf := range s.users {
		s.grants[code].cpf = cpf
		break
	}
	target := redirect + "?" + url.Values{"code": {code}, "state": {q.Get("state")}}.Encode()
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Server) validPKCE(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("code")
	s.mu.Lock()
	g, ok := s.grants[ref]
	approved := ok && g.approved
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
		return
	}
	if !approved {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	// The push reference doubles as the authorization code.
	writeJSON(w, http.StatusOK, map[string]string{"authorizationToken": ref, "redirectUrl": "push://"})
}

func (s *Server) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || !s.checkClient(r.PostForm) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}
	code := r.PostForm.Get("code")

	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[code]
	if !ok || g.used || !g.approved {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "unknown or used code"})
		return
	}
	sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
	if base64.RawURLEncoding.EncodeToString(sum[:]) != g.challenge {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "PKCE verification failed"})
		return
	}
	if r.PostForm.Get("redirect_uri") != g.redirectURI {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "redirect_uri mismatch"})
		return
	}
	g.used = true
	tok := s.nextID("token")
	s.tokens[tok] = g.cpf
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":              tok,
		"token_type":                "Bearer",
		"expires_in":                600,
		"scope":                     "signature_session",
		"authorized_identification": g.cpf,
	})
}

func (s *Server) bearer(r *http.Request) (string, string, bool) {
	tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	defer s.mu.Unlock()
	cpf, ok := s.tokens[tok]
	return tok, cpf, ok
}

func (s *Server) certificate(w http.ResponseWriter, r *http.Request) {
	_, cpf, ok := s.bearer(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
		return
	}
	der, err := certificateFor(cpf)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "S",
		"certificates": []map[string]string{{
			"alias":       "cert-1",
			"certificate": base64.StdEncoding.EncodeToString(der),
		}},
	})
}

func (s *Server) signature(w http.ResponseWriter, r *http.Request) {
	tok, _, ok := s.bearer(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
		return
	}
	var req struct {
		Hashes []struct {
			ID        string `json:"id"`
			Hash      string `json:"hash"`
			Algorithm string `json:"hash_algorithm"`
			Format    string `json:"signature_format"`
		} `json:"hashes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Hashes) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	h := req.Hashes[0]
	digest, err := base64.StdEncoding.DecodeString(h.Hash)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request", "error_description": "hash is not base64"})
		return
	}

	s.mu.Lock()
	s.signed = append(s.signed, SignCall{Token: tok, ID: h.ID, Hash: digest, Algorithm: h.Algorithm, Format: h.Format})
	s.mu.Unlock()

	raw := append([]byte("CMS:"), digest...)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"certificate_alias": "cert-1",
		"signatures":        []map[string]string{{"id": h.ID, "raw_signature": base64.StdEncoding.EncodeToString(raw)}},
	})
}

func (s *Server) revoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	tok := r.PostForm.Get("token")
	s.mu.Lock()
	delete(s.tokens, tok)
	s.revoked = append(s.revoked, tok)
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// certificateFor issues a throwaway self-signed certificate whose subject
// follows the ICP-Brasil "NAME:CPF" convention.
func certificateFor(cpf string) ([]byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, _ := new(big.Int).SetString(CertSerial, 16)
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "MEDICO TESTE:" + cpf, Organization: []string{"ICP-Brasil"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
	}
	return x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
