package repository

import "testing"

func TestSanitizeForPG(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"clean string passes through", "hello world", "hello world"},
		{"literal null byte removed", "a\x00b", "ab"},
		{"escaped null literal removed", "a\\u0000b", "ab"},
		{"invalid utf8 stripped", "a\xffb", "ab"},
		{"empty string", "", ""},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := sanitizeForPG(tc.in); got != tc.want {
				t.Fatalf("sanitizeForPG(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestSanitizeJSONBRejectsInvalidJSON(t *testing.T) {
	t.Parallel()
	if got := sanitizeJSONB([]byte("not json")); got != nil {
		t.Fatalf("expected nil for invalid JSON, got %v", got)
	}
}

func TestSanitizeJSONBPassesValidJSON(t *testing.T) {
	t.Parallel()
	got := sanitizeJSONB([]byte(`{"price":100}`))
	if got == nil {
		t.Fatalf("expected non-nil for valid JSON")
	}
}

func TestSanitizeJSONBEmptyReturnsNil(t *testing.T) {
	t.Parallel()
	if got := sanitizeJSONB(nil); got != nil {
		t.Fatalf("expected nil for empty payload, got %v", got)
	}
}
