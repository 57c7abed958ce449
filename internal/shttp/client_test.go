package shttp

import (
	"testing"
	"time"
)

func TestDefaultClientConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultClientConfig()
	if cfg.Timeout != 30*time.Second {
		t.Fatalf("expected 30s timeout, got %v", cfg.Timeout)
	}
	if cfg.MaxRetries != 3 {
		t.Fatalf("expected 3 retries, got %d", cfg.MaxRetries)
	}
	if cfg.MaxIdleConns != 10 {
		t.Fatalf("expected 10 idle conns, got %d", cfg.MaxIdleConns)
	}
}

func TestNewClientWithTimeout(t *testing.T) {
	t.Parallel()
	c := NewClientWithTimeout(5 * time.Second)
	if c.Timeout != 5*time.Second {
		t.Fatalf("expected overridden timeout, got %v", c.Timeout)
	}
}

func TestNewDefaultClient(t *testing.T) {
	t.Parallel()
	c := NewDefaultClient()
	if c.Timeout != 30*time.Second {
		t.Fatalf("expected default client to use default config timeout")
	}
}
