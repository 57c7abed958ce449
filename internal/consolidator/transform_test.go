package consolidator

import (
	"encoding/json"
	"testing"

	"diamondscan/internal/models"
)

func TestDecodeAndNormalizeComputesDerivedFields(t *testing.T) {
	t.Parallel()
	raw := json.RawMessage(`{
		"supplierStoneId": "abc-1",
		"shape": "round",
		"color": "d",
		"clarity": "vs1",
		"fluorescence": "med",
		"caratWeight": 2,
		"length": 8.0,
		"width": 5.0,
		"supplierPrice": 5000,
		"availability": "available"
	}`)

	d, err := decodeAndNormalize("demo", raw)
	if err != nil {
		t.Fatalf("decodeAndNormalize: %v", err)
	}
	if d.Shape != "ROUND" || d.Color != "D" || d.Clarity != "VS1" {
		t.Fatalf("expected uppercase grades, got %+v", d)
	}
	if d.Fluorescence != "MEDIUM" {
		t.Fatalf("expected fluorescence alias MED -> MEDIUM, got %s", d.Fluorescence)
	}
	if d.PricePerCarat != 2500 {
		t.Fatalf("expected price per carat 2500, got %v", d.PricePerCarat)
	}
	if d.Ratio != 1.6 {
		t.Fatalf("expected ratio 1.6, got %v", d.Ratio)
	}
	if d.Availability != models.AvailabilityAvailable {
		t.Fatalf("expected available, got %v", d.Availability)
	}
}

func TestDecodeAndNormalizeRejectsMissingIdentity(t *testing.T) {
	t.Parallel()
	_, err := decodeAndNormalize("demo", json.RawMessage(`{"caratWeight": 1}`))
	if err == nil {
		t.Fatalf("expected error for missing supplierStoneId")
	}
}

func TestDecodeAndNormalizeRejectsZeroCarat(t *testing.T) {
	t.Parallel()
	_, err := decodeAndNormalize("demo", json.RawMessage(`{"supplierStoneId":"x","caratWeight":0}`))
	if err == nil {
		t.Fatalf("expected error for non-positive caratWeight")
	}
}

func TestDecodeAndNormalizeRejectsMalformedJSON(t *testing.T) {
	t.Parallel()
	_, err := decodeAndNormalize("demo", json.RawMessage(`not json`))
	if err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestCanonicalAvailabilityMapsKnownAliases(t *testing.T) {
	t.Parallel()
	cases := map[string]models.Availability{
		"SOLD":        models.AvailabilitySold,
		"hold":        models.AvailabilityOnHold,
		"memo":        models.AvailabilityUnavailable,
		"":            models.AvailabilityAvailable,
		"AVAILABLE":   models.AvailabilityAvailable,
		"somethingXY": models.AvailabilityAvailable,
	}
	for in, want := range cases {
		if got := canonicalAvailability(in); got != want {
			t.Errorf("canonicalAvailability(%q) = %v, want %v", in, got, want)
		}
	}
}
