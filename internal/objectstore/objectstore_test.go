package objectstore

import (
	"context"
	"testing"
)

func TestMemStorePutGetRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemStore()

	key := WatermarkKey("demo")
	if err := s.Put(ctx, key, []byte(`{"feed":"demo"}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `{"feed":"demo"}` {
		t.Fatalf("got %q", got)
	}
}

func TestMemStoreGetMissingKey(t *testing.T) {
	t.Parallel()
	s := NewMemStore()
	if _, err := s.Get(context.Background(), "missing"); err == nil {
		t.Fatalf("expected error for missing key")
	}
}

func TestMemStoreDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemStore()
	key := WatermarkKey("demo")

	if err := s.Put(ctx, key, []byte(`{}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, key); err == nil {
		t.Fatalf("expected error after delete")
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete on missing key should be a no-op: %v", err)
	}
}

func TestKeyHelpers(t *testing.T) {
	t.Parallel()
	if WatermarkKey("acme") != "watermarks/acme.json" {
		t.Fatalf("unexpected watermark key: %s", WatermarkKey("acme"))
	}
	if HeatmapKey("acme", "preview") != "heatmaps/acme/preview.json" {
		t.Fatalf("unexpected heatmap key: %s", HeatmapKey("acme", "preview"))
	}
}
