package wear

import (
	"testing"
	"time"
)

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()

	if !p.AutoReconnect {
		t.Error("Expected auto reconnect to be enabled")
	}
	if p.MaxReconnectAttempts != 5 {
		t.Errorf("Expected 5 reconnect attempts, got %d", p.MaxReconnectAttempts)
	}
	if len(p.Backoff) != 5 || p.Backoff[0] != 500*time.Millisecond || p.Backoff[4] != 8*time.Second {
		t.Errorf("Unexpected backoff schedule %v", p.Backoff)
	}
	if p.ScanTimeout != 15*time.Second {
		t.Errorf("Expected scan timeout 15s, got %s", p.ScanTimeout)
	}
}

func TestPolicy_BackoffFor(t *testing.T) {
	p := DefaultPolicy()

	expected := map[int]time.Duration{
		0: 500 * time.Millisecond,
		1: 500 * time.Millisecond,
		3: 2 * time.Second,
		5: 8 * time.Second,
		9: 8 * time.Second,
	}
	for attempt, want := range expected {
		if got := p.BackoffFor(attempt); got != want {
			t.Errorf("Attempt %d: expected %s, got %s", attempt, want, got)
		}
	}

	var empty ConnectionPolicy
	if got := empty.BackoffFor(1); got != 0 {
		t.Errorf("Expected zero delay for empty schedule, got %s", got)
	}
}

func TestPolicy_SetDefaultsKeepsExplicitValues(t *testing.T) {
	p := ConnectionPolicy{ScanTimeout: 50 * time.Millisecond, Backoff: []time.Duration{time.Millisecond}}
	p.SetDefaults()

	if p.ScanTimeout != 50*time.Millisecond {
		t.Errorf("Expected scan timeout to be kept, got %s", p.ScanTimeout)
	}
	if len(p.Backoff) != 1 {
		t.Errorf("Expected backoff to be kept, got %v", p.Backoff)
	}
	if p.ConnectTimeout != 10*time.Second {
		t.Errorf("Expected default connect timeout, got %s", p.ConnectTimeout)
	}
	if p.AutoReconnect {
		t.Error("Expected AutoReconnect to stay false")
	}
}

func TestPolicy_Validate(t *testing.T) {
	p := DefaultPolicy()
	if err := p.Validate(); err != nil {
		t.Errorf("Expected default policy to be valid, got %v", err)
	}

	p.MaxReconnectAttempts = -1
	if err := p.Validate(); err == nil {
		t.Error("Expected error for negative attempts")
	}
}

func TestConnectionConfig(t *testing.T) {
	cfg := ConnectionConfig{ID: "testClientApp", AppID: "testClientApp"}
	cfg.SetDefaults()
	if cfg.Namespace != DefaultNamespace {
		t.Errorf("Expected default namespace, got %s", cfg.Namespace)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected valid config, got %v", err)
	}

	bad := []ConnectionConfig{
		{Namespace: "/ns"},
		{ID: "a", Namespace: "ns"},
		{ID: "a", Namespace: "/ns/"},
	}
	for _, c := range bad {
		if err := c.Validate(); err == nil {
			t.Errorf("Expected %+v to be invalid", c)
		}
	}
}

func TestDisconnectionState_IsFatal(t *testing.T) {
	for k := DisconnectUnknown; k <= DisconnectFatal; k++ {
		want := k == DisconnectFatal
		if got := Reason(k).IsFatal(); got != want {
			t.Errorf("%s: expected fatal=%t, got %t", k, want, got)
		}
	}
}
