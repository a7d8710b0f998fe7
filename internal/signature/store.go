package signature

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atendebem/go-atende/internal/apperror"
)

// retention keeps terminal and expired sessions readable for a while after
// their expiry so callers get "expired" instead of "not found".
const retention = time.Hour

// Store keeps in-flight sessions.
type Store interface {
	Save(ctx context.Context, s *Session) error
	Get(ctx context.Context, tenantID, id string) (*Session, error)
	// Claim marks the session as being completed. It succeeds once per
	// session; later calls return false.
	Claim(ctx context.Context, tenantID, id string) (bool, error)
}

type storedSession struct {
	*Session
	TenantID          string `json:"tenant_id"`
	UserID            string `json:"user_id"`
	SignedDocument    string `json:"signed_document,omitempty"`
	Verifier          string `json:"verifier"`
	AuthorizationCode string `json:"authorization_code,omitempty"`
}

// kv is the part of redis.Cmdable the store needs.
type kv interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RedisStore keeps sessions under sigsess:{tenant}:{id} with a TTL tied to
// the session expiry.
type RedisStore struct {
	client kv
}

func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

func sessionKey(tenantID, id string) string {
	return "sigsess:" + tenantID + ":" + id
}

func ttlFor(s *Session) time.Duration {
	ttl := time.Until(s.ExpiresAt)
	if ttl < 0 {
		ttl = 0
	}
	return ttl + retention
}

func (r *RedisStore) Save(ctx context.Context, s *Session) error {
	data, err := json.Marshal(storedSession{
		Session:           s,
		TenantID:          s.TenantID,
		UserID:            s.UserID,
		SignedDocument:    s.SignedDocument,
		Verifier:          s.Verifier,
		AuthorizationCode: s.AuthorizationCode,
	})
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := r.client.Set(ctx, sessionKey(s.TenantID, s.ID), data, ttlFor(s)).Err(); err != nil {
		return fmt.Errorf("save session %s: %w", s.ID, err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, tenantID, id string) (*Session, error) {
	data, err := r.client.Get(ctx, sessionKey(tenantID, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperror.NotFound("signature.Get", "signature session")
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}

	st := storedSession{Session: &Session{}}
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	s := st.Session
	s.TenantID = st.TenantID
	s.UserID = st.UserID
	s.SignedDocument = st.SignedDocument
	s.Verifier = st.Verifier
	s.AuthorizationCode = st.AuthorizationCode
	if s.TenantID != tenantID {
		return nil, apperror.NotFound("signature.Get", "signature session")
	}
	return s, nil
}

func (r *RedisStore) Claim(ctx context.Context, tenantID, id string) (bool, error) {
	ok, err := r.client.SetNX(ctx, sessionKey(tenantID, id)+":claim", 1, 24*time.Hour).Result()
	if err != nil {
		return false, fmt.Errorf("claim session %s: %w", id, err)
	}
	return ok, nil
}

// MemoryStore is a process-local Store for development and tests. Expiry is
// enforced by the service, not by eviction.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	claimed  map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]Session),
		claimed:  make(map[string]bool),
	}
}

func (m *MemoryStore) Save(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	if s.Certificate != nil {
		cert := *s.Certificate
		cp.Certificate = &cert
	}
	m.sessions[sessionKey(s.TenantID, s.ID)] = cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, tenantID, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionKey(tenantID, id)]
	if !ok {
		return nil, apperror.NotFound("signature.Get", "signature session")
	}
	return &s, nil
}

func (m *MemoryStore) Claim(ctx context.Context, tenantID, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := sessionKey(tenantID, id)
	if m.claimed[key] {
		return false, nil
	}
	m.claimed[key] = true
	return true, nil
}
