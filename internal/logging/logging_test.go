package logging

import (
	"testing"
	"time"
)

func TestFieldsBuilder(t *testing.T) {
	t.Parallel()

	f := NewFields().Component("scheduler").Operation("publish").Resource("run", "run-123").Duration(2 * time.Second)
	fields := f.Slice()
	if len(fields) != 5 {
		t.Fatalf("expected 5 fields (component, operation, resource_type, resource_name, duration), got %d", len(fields))
	}
}

func TestFieldsSkipsEmptyResourceName(t *testing.T) {
	t.Parallel()

	f := NewFields().Resource("partition", "")
	if len(f.Slice()) != 1 {
		t.Fatalf("expected only resource_type when name is empty, got %d fields", len(f.Slice()))
	}
}
