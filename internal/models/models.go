// Package models holds the plain data structs shared across the ingestion
// pipeline: runs, partitions, worker runs, raw items, diamonds, rules,
// reapply jobs, and the trading history that feeds back into availability.
package models

import (
	"encoding/json"
	"time"
)

type RunType string

const (
	RunTypeFull        RunType = "full"
	RunTypeIncremental RunType = "incremental"
)

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusPartial   RunStatus = "partial"
)

// Run is one pipeline execution against a feed.
type Run struct {
	ID               string
	Feed             string
	RunType          RunType
	ExpectedWorkers  int
	CompletedWorkers int
	FailedWorkers    int
	WatermarkBefore  *time.Time
	WatermarkAfter   *time.Time
	StartedAt        time.Time
	CompletedAt      *time.Time
	Cancelled        bool
}

// Status derives the run's current status from its counters, matching the
// invariant: running until completed+failed == expected, then
// completed/failed/partial depending on how many failed.
func (r Run) Status() RunStatus {
	if r.Cancelled {
		return RunStatusFailed
	}
	if r.CompletedWorkers+r.FailedWorkers < r.ExpectedWorkers {
		return RunStatusRunning
	}
	if r.FailedWorkers == 0 {
		return RunStatusCompleted
	}
	if r.CompletedWorkers == 0 {
		return RunStatusFailed
	}
	return RunStatusPartial
}

type PartitionStatus string

const (
	PartitionPending   PartitionStatus = "pending"
	PartitionRunning   PartitionStatus = "running"
	PartitionCompleted PartitionStatus = "completed"
	PartitionFailed    PartitionStatus = "failed"
	PartitionCancelled PartitionStatus = "cancelled"
)

// Partition is a contiguous price range assigned to exactly one worker attempt.
type Partition struct {
	RunID           string
	PartitionID     int
	PriceMin        float64
	PriceMax        float64
	ExpectedRecords int64
	NextOffset      int64
	Status          PartitionStatus
}

type WorkerRunStatus string

const (
	WorkerRunRunning   WorkerRunStatus = "running"
	WorkerRunCompleted WorkerRunStatus = "completed"
	WorkerRunFailed    WorkerRunStatus = "failed"
	WorkerRunCancelled WorkerRunStatus = "cancelled"
)

// WorkerRun is one attempt by one worker to process one partition.
type WorkerRun struct {
	ID               int64
	RunID            string
	PartitionID      int
	WorkerID         string
	Status           WorkerRunStatus
	RecordsProcessed int64
	ErrorMessage     string
	WorkItemPayload  json.RawMessage
	StartedAt        time.Time
	CompletedAt      *time.Time
}

type ConsolidationState string

const (
	ConsolidatedFalse  ConsolidationState = "false"
	ConsolidatedTrue   ConsolidationState = "true"
	ConsolidatedFailed ConsolidationState = "failed"
)

// RawItem is a staging record holding the upstream payload verbatim.
type RawItem struct {
	Feed             string
	SupplierStoneID  string
	RunID            string
	OfferID          string
	SourceUpdatedAt  time.Time
	Payload          json.RawMessage
	PayloadHash      string
	Consolidated     ConsolidationState
	ConsolidateError string
}

type Availability string

const (
	AvailabilityAvailable   Availability = "available"
	AvailabilityOnHold      Availability = "on_hold"
	AvailabilitySold        Availability = "sold"
	AvailabilityUnavailable Availability = "unavailable"
)

type DiamondStatus string

const (
	DiamondActive  DiamondStatus = "active"
	DiamondDeleted DiamondStatus = "deleted"
)

// Diamond is the canonical outward-facing record produced by consolidation.
type Diamond struct {
	ID              string
	Feed            string
	SupplierStoneID string

	Shape      string
	Color      string
	Clarity    string
	Cut        string
	Polish     string
	Symmetry   string
	Fluorescence string
	Lab        string
	LabGrown   bool
	FancyColor string

	CaratWeight float64
	Table       float64
	Depth       float64
	CrownAngle  float64
	PavilionAngle float64
	GirdleThickness string
	Culet       string
	Length      float64
	Width       float64
	Ratio       float64

	CertificateNumber string
	MediaURLs         []string

	SupplierPrice  float64
	PricePerCarat  float64
	RetailPrice    float64
	MarkupRatio    float64
	Rating         *int

	Availability Availability
	HoldID       *string
	Status       DiamondStatus

	CreatedAt time.Time
	UpdatedAt time.Time
}

// StoneType classifies a diamond for pricing-margin purposes.
type StoneType string

const (
	StoneNatural StoneType = "natural"
	StoneLab     StoneType = "lab"
	StoneFancy   StoneType = "fancy"
)

// Classify implements spec §4.4's stone classification: fancy color wins,
// then lab-grown, else natural.
func (d Diamond) Classify() StoneType {
	if d.FancyColor != "" {
		return StoneFancy
	}
	if d.LabGrown {
		return StoneLab
	}
	return StoneNatural
}

// PricingRule is a conditional margin modifier.
type PricingRule struct {
	ID             int64
	Priority       int
	StoneType      *StoneType
	PriceMin       *float64
	PriceMax       *float64
	Feed           *string
	MarginModifier float64
	Rating         *int
	Active         bool
}

// RatingRule is a conditional rating assignment, walked in ascending priority.
type RatingRule struct {
	ID       int64
	Priority int
	Rating   int
	Active   bool

	Shapes        []string
	Colors        []string
	Clarities     []string
	Cuts          []string
	Polishes      []string
	Symmetries    []string
	Fluorescences []string
	Labs          []string
	LabGrown      *bool

	CaratMin, CaratMax     *float64
	TableMin, TableMax     *float64
	DepthMin, DepthMax     *float64
	CrownMin, CrownMax     *float64
	PavilionMin, PavilionMax *float64
	RatioMin, RatioMax     *float64
	PriceMin, PriceMax     *float64

	Feed *string
}

type ReapplyKind string

const (
	ReapplyPricing ReapplyKind = "pricing"
	ReapplyRating  ReapplyKind = "rating"
)

type ReapplyStatus string

const (
	ReapplyPending   ReapplyStatus = "pending"
	ReapplyRunning   ReapplyStatus = "running"
	ReapplyCompleted ReapplyStatus = "completed"
	ReapplyFailed    ReapplyStatus = "failed"
	ReapplyReverted  ReapplyStatus = "reverted"
)

type ReapplyTrigger string

const (
	TriggerManual     ReapplyTrigger = "manual"
	TriggerRuleCreate ReapplyTrigger = "rule_create"
	TriggerRuleUpdate ReapplyTrigger = "rule_update"
)

// ReapplyJob is a bulk re-evaluation of all active diamonds against the
// current rule set, with a snapshot sufficient to revert it.
type ReapplyJob struct {
	ID                  int64
	Kind                ReapplyKind
	Status              ReapplyStatus
	Total               int64
	Processed           int64
	Updated             int64
	Failed              int64
	FeedsAffected       []string
	TriggerType         ReapplyTrigger
	TriggerRuleSnapshot json.RawMessage
	CreatedAt           time.Time
	LastProgressAt      time.Time
	CompletedAt         *time.Time
}

// ReapplySnapshot captures one diamond's pre-change value for a given job,
// sufficient to restore it on revert.
type ReapplySnapshot struct {
	JobID         int64
	DiamondID     string
	PreRetailPrice float64
	PreMarkupRatio float64
	PreRating     *int
}

type HoldStatus string

const (
	HoldActive    HoldStatus = "active"
	HoldReleased  HoldStatus = "released"
	HoldConverted HoldStatus = "converted"
)

// Hold is an append-only record of a reservation placed on a diamond.
type Hold struct {
	ID        string
	DiamondID string
	Status    HoldStatus
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// Purchase is an append-only record of an order placed on a diamond.
type Purchase struct {
	ID        string
	DiamondID string
	HoldID    *string
	Price     float64
	CreatedAt time.Time
}

// Watermark is the per-feed pointer persisted to object storage.
type Watermark struct {
	Feed               string    `json:"feed"`
	LastUpdatedAt      time.Time `json:"lastUpdatedAt"`
	LastRunID          string    `json:"lastRunId"`
	LastRunCompletedAt time.Time `json:"lastRunCompletedAt"`
}

// ErrorLogEntry is an append-only record of a failure, never surfaced to
// end users with its stack trace intact.
type ErrorLogEntry struct {
	ID          int64
	Service     string
	Message     string
	Stack       string
	ContextJSON json.RawMessage
	CreatedAt   time.Time
}
