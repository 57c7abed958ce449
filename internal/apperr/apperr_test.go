package apperr

import (
	"errors"
	"net/http"
	"testing"
)

func TestStatusCodeByType(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		typ  ErrorType
		want int
	}{
		{"validation", Validation, http.StatusBadRequest},
		{"not found", NotFound, http.StatusNotFound},
		{"conflict", Conflict, http.StatusConflict},
		{"service unavailable", ServiceUnavailable, http.StatusServiceUnavailable},
		{"transient", Transient, http.StatusInternalServerError},
		{"fatal run", FatalRun, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := New(tc.typ, "boom").StatusCode()
			if got != tc.want {
				t.Fatalf("StatusCode()=%d want %d", got, tc.want)
			}
		})
	}
}

func TestWrapPreservesCause(t *testing.T) {
	t.Parallel()
	cause := errors.New("connection refused")
	wrapped := Wrap(cause, Transient, "upstream count failed")

	if !errors.Is(wrapped, cause) {
		t.Fatalf("expected errors.Is to find wrapped cause")
	}
	if wrapped.Error() != "upstream count failed: connection refused" {
		t.Fatalf("unexpected message: %q", wrapped.Error())
	}
}

func TestWithDetails(t *testing.T) {
	t.Parallel()
	err := New(Validation, "bad filter").WithDetails(map[string]interface{}{"field": "price_min"})
	if err.Details["field"] != "price_min" {
		t.Fatalf("expected details to carry field")
	}
}

func TestIsMatchesByType(t *testing.T) {
	t.Parallel()
	err := New(Conflict, "reapply already running")
	if !errors.Is(err, New(Conflict, "")) {
		t.Fatalf("expected Is to match same type")
	}
	if errors.Is(err, New(NotFound, "")) {
		t.Fatalf("expected Is to not match different type")
	}
}
