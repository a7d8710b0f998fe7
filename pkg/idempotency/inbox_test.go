package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/atendebem/go-atende/internal/apperror"
)

// memInbox understands the handful of statements Inbox issues.
type memInbox struct {
	mu      sync.Mutex
	entries map[string]*InboxEntry
}

func newMemInbox() *memInbox {
	return &memInbox{entries: make(map[string]*InboxEntry)}
}

type row struct {
	scan func(dest ...interface{}) error
}

func (r row) Scan(dest ...interface{}) error { return r.scan(dest...) }

func (m *memInbox) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	return nil, errors.New("not supported")
}

func (m *memInbox) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case strings.Contains(sql, "SELECT idempotency_key"):
		e, ok := m.entries[args[0].(string)]
		if !ok {
			return row{scan: func(...interface{}) error { return pgx.ErrNoRows }}
		}
		cp := *e
		return row{scan: func(dest ...interface{}) error {
			*dest[0].(*string) = cp.IdempotencyKey
			*dest[1].(*string) = cp.HandlerName
			*dest[2].(*Status) = cp.Status
			*dest[3].(*json.RawMessage) = cp.Payload
			*dest[4].(*json.RawMessage) = cp.Result
			*dest[5].(*time.Time) = cp.CreatedAt
			*dest[6].(*time.Time) = cp.UpdatedAt
			*dest[7].(**time.Time) = cp.ExpiresAt
			return nil
		}}
	case strings.Contains(sql, "INSERT INTO inbox"):
		key := args[0].(string)
		if e, ok := m.entries[key]; ok {
			if e.Status != StatusRecoverable {
				return row{scan: func(...interface{}) error { return pgx.ErrNoRows }}
			}
			e.Status = StatusStarted
			e.UpdatedAt = time.Now()
		} else {
			now := time.Now()
			m.entries[key] = &InboxEntry{
				IdempotencyKey: key,
				HandlerName:    args[1].(string),
				Status:         StatusStarted,
				Payload:        args[3].(json.RawMessage),
				CreatedAt:      now,
				UpdatedAt:      now,
			}
		}
		return row{scan: func(dest ...interface{}) error {
			*dest[0].(*string) = key
			return nil
		}}
	}
	return row{scan: func(...interface{}) error { return fmt.Errorf("unexpected query %q", sql) }}
}

func (m *memInbox) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !strings.Contains(sql, "UPDATE inbox") {
		return pgconn.CommandTag{}, fmt.Errorf("unexpected exec %q", sql)
	}
	key := args[len(args)-1].(string)
	e, ok := m.entries[key]
	if !ok {
		return pgconn.NewCommandTag("UPDATE 0"), nil
	}
	e.Status = args[0].(Status)
	if len(args) == 3 {
		e.Result, _ = args[1].(json.RawMessage)
	}
	e.UpdatedAt = time.Now()
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func TestProcessRunsHandlerOnce(t *testing.T) {
	store := newMemInbox()
	inbox := NewInbox(store, InboxConfig{}, nil)
	ctx := context.Background()
	key := GenerateKey("tiss-transmit", "clinic-a", "sub-1")

	calls := 0
	fn := func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"protocol":"P-1"}`), nil
	}

	first, err := inbox.Process(ctx, key, "tiss-transmit", json.RawMessage(`{}`), fn)
	if err != nil {
		t.Fatalf("first Process() error = %v", err)
	}
	if !first.IsNew {
		t.Error("first run should be new")
	}

	second, err := inbox.Process(ctx, key, "tiss-transmit", json.RawMessage(`{}`), fn)
	if err != nil {
		t.Fatalf("second Process() error = %v", err)
	}
	if second.IsNew || string(second.Result) != `{"protocol":"P-1"}` {
		t.Errorf("second result = %+v, want stored result", second)
	}
	if calls != 1 {
		t.Errorf("handler ran %d times, want 1", calls)
	}
}

func TestProcessRecoverableThenTerminal(t *testing.T) {
	store := newMemInbox()
	inbox := NewInbox(store, InboxConfig{}, nil)
	ctx := context.Background()
	key := GenerateKey("tiss-transmit", "clinic-a", "sub-2")

	transient := apperror.Provider("transmit", errors.New("503"))
	_, err := inbox.Process(ctx, key, "h", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, transient
	})
	if !errors.Is(err, transient) {
		t.Fatalf("error = %v, want provider error", err)
	}
	if got := store.entries[key].Status; got != StatusRecoverable {
		t.Fatalf("status = %s, want RECOVERABLE", got)
	}

	rejected := apperror.Validation("transmit", "xml", "rejected by insurer")
	_, err = inbox.Process(ctx, key, "h", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, rejected
	})
	if !errors.Is(err, rejected) {
		t.Fatalf("error = %v, want validation error", err)
	}
	if got := store.entries[key].Status; got != StatusFailed {
		t.Fatalf("status = %s, want FAILED", got)
	}

	_, err = inbox.Process(ctx, key, "h", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		t.Error("handler must not run after a terminal failure")
		return nil, nil
	})
	if !errors.Is(err, ErrPreviouslyFailed) {
		t.Errorf("error = %v, want ErrPreviouslyFailed", err)
	}
}

func TestProcessInProgress(t *testing.T) {
	store := newMemInbox()
	inbox := NewInbox(store, InboxConfig{RecoveryTimeout: time.Hour}, nil)
	key := GenerateKey("k")
	store.entries[key] = &InboxEntry{IdempotencyKey: key, Status: StatusStarted, UpdatedAt: time.Now()}

	_, err := inbox.Process(context.Background(), key, "h", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})
	if !errors.Is(err, ErrMessageInProgress) {
		t.Errorf("error = %v, want ErrMessageInProgress", err)
	}
}

func TestGenerateKey(t *testing.T) {
	a := GenerateKey("tiss-transmit", "clinic-a", "sub-1")
	if a != GenerateKey("tiss-transmit", "clinic-a", "sub-1") {
		t.Error("key is not deterministic")
	}
	if len(a) != 64 {
		t.Errorf("key length = %d, want 64", len(a))
	}
	if GenerateKey("ab", "c") == GenerateKey("a", "bc") {
		t.Error("part boundaries must affect the key")
	}
}

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{apperror.Validation("op", "f", "bad"), true},
		{apperror.NotFound("op", "submission"), true},
		{apperror.Conflict("op", "already transmitted"), true},
		{apperror.Provider("op", errors.New("timeout")), false},
		{errors.New("connection reset"), false},
		{fmt.Errorf("wrapped: %w", apperror.Validation("op", "", "x")), true},
	}
	for _, tt := range tests {
		if got := IsTerminal(tt.err); got != tt.want {
			t.Errorf("IsTerminal(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
