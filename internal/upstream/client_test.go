package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCountRoundTrip(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/count" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(42)
	}))
	defer srv.Close()

	c, err := New(Config{Endpoints: []string{srv.URL}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n, err := c.Count(context.Background(), Query{Feed: "demo", PriceMin: 1000, PriceMax: 2000})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 42 {
		t.Fatalf("got %d want 42", n)
	}
}

func TestSearchRoundTrip(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		items := []RawPayload{
			{SupplierStoneID: "s1", Body: json.RawMessage(`{"price":1500}`)},
			{SupplierStoneID: "s2", Body: json.RawMessage(`{"price":1600}`)},
		}
		json.NewEncoder(w).Encode(items)
	}))
	defer srv.Close()

	c, err := New(Config{Endpoints: []string{srv.URL}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	items, err := c.Search(context.Background(), Query{Feed: "demo"}, 0, 30)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(items) != 2 || items[0].SupplierStoneID != "s1" {
		t.Fatalf("unexpected items: %+v", items)
	}
}

func TestPermanentErrorOn4xx(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad query"}`))
	}))
	defer srv.Close()

	c, err := New(Config{Endpoints: []string{srv.URL}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Count(context.Background(), Query{Feed: "demo"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !IsPermanent(err) {
		t.Fatalf("expected IsPermanent(err) to be true, got: %v", err)
	}
}

func TestNewRequiresEndpoints(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error when no endpoints configured")
	}
}
