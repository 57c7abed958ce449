package api

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"diamondscan/internal/apperr"
)

type decodeTarget struct {
	Name string `json:"name" validate:"required"`
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"name":"a","extra":1}`))
	var dst decodeTarget
	if err := decodeJSON(req, &dst); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestDecodeJSONRejectsMissingRequiredField(t *testing.T) {
	t.Parallel()
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{}`))
	var dst decodeTarget
	if err := decodeJSON(req, &dst); err == nil {
		t.Fatalf("expected validation error for missing required field")
	}
}

func TestDecodeJSONAcceptsValidBody(t *testing.T) {
	t.Parallel()
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"name":"diamond"}`))
	var dst decodeTarget
	if err := decodeJSON(req, &dst); err != nil {
		t.Fatalf("decodeJSON: %v", err)
	}
	if dst.Name != "diamond" {
		t.Fatalf("unexpected decoded name: %q", dst.Name)
	}
}

func TestWriteErrUsesAppErrorStatus(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	writeErr(rec, apperr.New(apperr.Conflict, "already running"))

	if rec.Code != 409 {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "already running") {
		t.Fatalf("expected message in body, got %s", rec.Body.String())
	}
}

func TestWriteErrFallsBackToInternalForPlainError(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	writeErr(rec, errors.New("boom"))

	if rec.Code != 500 {
		t.Fatalf("expected 500 for a non-AppError, got %d", rec.Code)
	}
}
