package consolidator

import (
	"encoding/json"
	"fmt"
	"strings"

	"diamondscan/internal/models"
)

// payload is the decoded shape of an upstream catalog item (spec §3
// "opaque blob"): the consolidator is the only component that ever
// opens it.
type payload struct {
	SupplierStoneID   string   `json:"supplierStoneId"`
	OfferID           string   `json:"offerId"`
	Shape             string   `json:"shape"`
	Color             string   `json:"color"`
	Clarity           string   `json:"clarity"`
	Cut               string   `json:"cut"`
	Polish            string   `json:"polish"`
	Symmetry          string   `json:"symmetry"`
	Fluorescence      string   `json:"fluorescence"`
	Lab               string   `json:"lab"`
	LabGrown          bool     `json:"labGrown"`
	FancyColor        string   `json:"fancyColor"`
	CaratWeight       float64  `json:"caratWeight"`
	Table             float64  `json:"table"`
	Depth             float64  `json:"depth"`
	CrownAngle        float64  `json:"crownAngle"`
	PavilionAngle     float64  `json:"pavilionAngle"`
	GirdleThickness   string   `json:"girdleThickness"`
	Culet             string   `json:"culet"`
	Length            float64  `json:"length"`
	Width             float64  `json:"width"`
	CertificateNumber string   `json:"certificateNumber"`
	MediaURLs         []string `json:"mediaUrls"`
	SupplierPrice     float64  `json:"supplierPrice"`
	Availability      string   `json:"availability"`
}

// normalizeFluorescence maps assorted upstream spellings to the
// canonical set used throughout the store.
var fluorescenceAliases = map[string]string{
	"NON":  "NONE",
	"NIL":  "NONE",
	"VSL":  "VERY_SLIGHT",
	"SL":   "SLIGHT",
	"FNT":  "FAINT",
	"MED":  "MEDIUM",
	"STR":  "STRONG",
	"VSTR": "VERY_STRONG",
}

func normalizeGrade(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func normalizeFluorescence(s string) string {
	grade := normalizeGrade(s)
	if canonical, ok := fluorescenceAliases[grade]; ok {
		return canonical
	}
	return grade
}

// decodeAndNormalize performs the deterministic per-item transform
// (spec §4.4): decode the opaque payload, normalize enumerations,
// compute derived fields. It returns an error for a payload that
// cannot even be decoded or is missing required identity fields — a
// permanent, item-scoped failure that must not abort the run.
func decodeAndNormalize(feed string, raw json.RawMessage) (models.Diamond, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return models.Diamond{}, fmt.Errorf("decode payload: %w", err)
	}
	if p.SupplierStoneID == "" {
		return models.Diamond{}, fmt.Errorf("payload missing supplierStoneId")
	}
	if p.CaratWeight <= 0 {
		return models.Diamond{}, fmt.Errorf("payload has non-positive caratWeight")
	}

	d := models.Diamond{
		Feed:              feed,
		SupplierStoneID:   p.SupplierStoneID,
		Shape:             normalizeGrade(p.Shape),
		Color:             normalizeGrade(p.Color),
		Clarity:           normalizeGrade(p.Clarity),
		Cut:               normalizeGrade(p.Cut),
		Polish:            normalizeGrade(p.Polish),
		Symmetry:          normalizeGrade(p.Symmetry),
		Fluorescence:      normalizeFluorescence(p.Fluorescence),
		Lab:               normalizeGrade(p.Lab),
		LabGrown:          p.LabGrown,
		FancyColor:        normalizeGrade(p.FancyColor),
		CaratWeight:       p.CaratWeight,
		Table:             p.Table,
		Depth:             p.Depth,
		CrownAngle:        p.CrownAngle,
		PavilionAngle:     p.PavilionAngle,
		GirdleThickness:   p.GirdleThickness,
		Culet:             normalizeGrade(p.Culet),
		Length:            p.Length,
		Width:             p.Width,
		CertificateNumber: p.CertificateNumber,
		MediaURLs:         p.MediaURLs,
		SupplierPrice:     p.SupplierPrice,
		Availability:      canonicalAvailability(p.Availability),
	}

	d.PricePerCarat = d.SupplierPrice / d.CaratWeight
	if d.Width > 0 {
		d.Ratio = d.Length / d.Width
	}

	return d, nil
}

// canonicalAvailability maps assorted upstream availability strings to
// the store's Availability enum; used only to seed a brand-new
// diamond's initial state (UpsertDiamond never overwrites it on an
// existing row).
func canonicalAvailability(s string) models.Availability {
	switch normalizeGrade(s) {
	case "SOLD", "UNAVAILABLE_SOLD":
		return models.AvailabilitySold
	case "HOLD", "ON_HOLD", "RESERVED":
		return models.AvailabilityOnHold
	case "UNAVAILABLE", "MEMO", "OUT":
		return models.AvailabilityUnavailable
	default:
		return models.AvailabilityAvailable
	}
}
