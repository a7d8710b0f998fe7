package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var (
	errUnavailable = errors.New("503 from provider")
	errRejected    = errors.New("payload rejected")
)

func testConfig(changes *[]State, mu *sync.Mutex) Config {
	cfg := DefaultConfig("")
	cfg.FailureThreshold = 3
	cfg.Timeout = time.Hour
	cfg.IsStructural = func(err error) bool { return errors.Is(err, errRejected) }
	cfg.OnStateChange = func(_ string, to State) {
		mu.Lock()
		*changes = append(*changes, to)
		mu.Unlock()
	}
	return cfg
}

func fail(err error) func() (interface{}, error) {
	return func() (interface{}, error) { return nil, err }
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var (
		changes []State
		mu      sync.Mutex
	)
	m := NewManager(testConfig(&changes, &mu), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := m.Execute(ctx, "vidaas-token", fail(errUnavailable)); !errors.Is(err, errUnavailable) {
			t.Fatalf("call %d: error = %v", i, err)
		}
	}

	called := false
	_, err := m.Execute(ctx, "vidaas-token", func() (interface{}, error) {
		called = true
		return nil, nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("error = %v, want ErrOpen", err)
	}
	if called {
		t.Error("open breaker must not run the call")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 1 || changes[0] != StateOpen {
		t.Errorf("state changes = %v, want [open]", changes)
	}
}

func TestStructuralErrorsDoNotTrip(t *testing.T) {
	var (
		changes []State
		mu      sync.Mutex
	)
	m := NewManager(testConfig(&changes, &mu), nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := m.Execute(ctx, "insurer-123456", fail(errRejected)); !errors.Is(err, errRejected) {
			t.Fatalf("call %d: error = %v, want the structural error", i, err)
		}
	}

	cb, _ := m.Get("insurer-123456")
	if cb.IsOpen() {
		t.Error("structural errors opened the breaker")
	}
}

func TestBreakersAreIndependent(t *testing.T) {
	var (
		changes []State
		mu      sync.Mutex
	)
	m := NewManager(testConfig(&changes, &mu), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		m.Execute(ctx, "insurer-a", fail(errUnavailable))
	}
	res, err := m.Execute(ctx, "insurer-b", func() (interface{}, error) { return "ok", nil })
	if err != nil || res != "ok" {
		t.Fatalf("insurer-b result = %v, %v", res, err)
	}

	statuses := m.GetHealthStatus()
	if len(statuses) != 2 {
		t.Fatalf("statuses = %+v", statuses)
	}
	for _, s := range statuses {
		if s.Name == "insurer-a" && s.Healthy {
			t.Error("insurer-a should be unhealthy")
		}
		if s.Name == "insurer-b" && !s.Healthy {
			t.Error("insurer-b should be healthy")
		}
	}
}

func TestStateCode(t *testing.T) {
	if StateClosed.Code() != 0 || StateOpen.Code() != 1 || StateHalfOpen.Code() != 2 {
		t.Error("unexpected gauge codes")
	}
}
