package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func TestAuthMiddlewareRejectsMissingSecret(t *testing.T) {
	t.Parallel()
	mw := authMiddleware("topsecret")(http.HandlerFunc(okHandler))

	req := httptest.NewRequest(http.MethodGet, "/api/v2/analytics/runs", nil)
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing secret, got %d", rec.Code)
	}
}

func TestAuthMiddlewareAcceptsCorrectSecret(t *testing.T) {
	t.Parallel()
	mw := authMiddleware("topsecret")(http.HandlerFunc(okHandler))

	req := httptest.NewRequest(http.MethodGet, "/api/v2/analytics/runs", nil)
	req.Header.Set("X-API-Secret", "topsecret")
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for correct secret, got %d", rec.Code)
	}
}

func TestAuthMiddlewareBypassesHealthCheck(t *testing.T) {
	t.Parallel()
	mw := authMiddleware("topsecret")(http.HandlerFunc(okHandler))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected /healthz to bypass auth, got %d", rec.Code)
	}
}

func TestAuthMiddlewareDisabledWhenSecretEmpty(t *testing.T) {
	t.Parallel()
	mw := authMiddleware("")(http.HandlerFunc(okHandler))

	req := httptest.NewRequest(http.MethodGet, "/api/v2/analytics/runs", nil)
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected auth disabled with empty secret, got %d", rec.Code)
	}
}

func TestIdempotencyGuardRejectsMissingKey(t *testing.T) {
	t.Parallel()
	h := idempotencyGuard(okHandler)

	req := httptest.NewRequest(http.MethodPost, "/api/v2/diamonds/abc/hold", nil)
	rec := httptest.NewRecorder()
	h(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing idempotency key, got %d", rec.Code)
	}
}

func TestIdempotencyGuardAcceptsKey(t *testing.T) {
	t.Parallel()
	h := idempotencyGuard(okHandler)

	req := httptest.NewRequest(http.MethodPost, "/api/v2/diamonds/abc/hold", nil)
	req.Header.Set("X-Idempotency-Key", "key-1")
	rec := httptest.NewRecorder()
	h(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with idempotency key present, got %d", rec.Code)
	}
}

func TestIPLimiterAllowsBurstThenBlocks(t *testing.T) {
	t.Parallel()
	l := newIPLimiter(1, 2)

	if !l.allow("1.2.3.4") {
		t.Fatalf("expected first request to be allowed")
	}
	if !l.allow("1.2.3.4") {
		t.Fatalf("expected second request (within burst) to be allowed")
	}
	if l.allow("1.2.3.4") {
		t.Fatalf("expected third request to be rate limited")
	}
}

func TestIPLimiterTracksIndependentIPs(t *testing.T) {
	t.Parallel()
	l := newIPLimiter(1, 1)

	if !l.allow("1.1.1.1") {
		t.Fatalf("expected first IP's request to be allowed")
	}
	if !l.allow("2.2.2.2") {
		t.Fatalf("expected second IP to have its own independent bucket")
	}
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	t.Parallel()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
	req.RemoteAddr = "192.168.1.1:5555"

	if got := clientIP(req); got != "10.0.0.1" {
		t.Fatalf("expected first X-Forwarded-For entry, got %q", got)
	}
}

func TestClientIPFallsBackToRemoteAddr(t *testing.T) {
	t.Parallel()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.1:5555"

	if got := clientIP(req); got != "192.168.1.1" {
		t.Fatalf("expected remote addr host, got %q", got)
	}
}
