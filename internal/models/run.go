package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Run triggers.
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
	TriggerAPI       = "api"
)

// Run statuses.
const (
	RunSucceeded = "succeeded"
	RunPartial   = "partial"
	RunFailed    = "failed"
)

// CategoryStats counts the outcomes for one category within a run.
type CategoryStats struct {
	Eligible         int `json:"eligible"`
	SpatialAssigned  int `json:"spatial_assigned"`
	FacilityAssigned int `json:"facility_assigned"`
	SkippedMalformed int `json:"skipped_malformed"`
	SkippedZone      int `json:"skipped_zone"`
	PendingEndpoints int `json:"pending_endpoints"`
	Failed           int `json:"failed"`
}

// Issue records one skipped or failed asset with its reason.
type Issue struct {
	AssetID  int64    `json:"asset_id"`
	Category Category `json:"category"`
	Reason   string   `json:"reason"`
}

// RunReport aggregates one engine run. It is built in memory by the engine
// and persisted as an AttributionRun afterwards.
type RunReport struct {
	RunID      uuid.UUID                   `json:"run_id"`
	Trigger    string                      `json:"trigger"`
	DryRun     bool                        `json:"dry_run"`
	StartedAt  time.Time                   `json:"started_at"`
	FinishedAt time.Time                   `json:"finished_at"`
	Categories map[Category]*CategoryStats `json:"categories"`
	Issues     []Issue                     `json:"issues"`

	ZoneBatchFailures int `json:"zone_batch_failures"`

	// Secondary pass counters.
	BoundariesLabeled     int `json:"boundaries_labeled"`
	BasinsAttributed      int `json:"basins_attributed"`
	SurveyPointsIngested  int `json:"survey_points_ingested"`
	ElevationsTransferred int `json:"elevations_transferred"`
}

// Stats returns the mutable stats bucket for a category, creating it on
// first use.
func (r *RunReport) Stats(cat Category) *CategoryStats {
	if r.Categories == nil {
		r.Categories = make(map[Category]*CategoryStats)
	}
	s, ok := r.Categories[cat]
	if !ok {
		s = &CategoryStats{}
		r.Categories[cat] = s
	}
	return s
}

// AddIssue records a skipped or failed asset.
func (r *RunReport) AddIssue(id int64, cat Category, reason string) {
	r.Issues = append(r.Issues, Issue{AssetID: id, Category: cat, Reason: reason})
}

// Status derives the overall run status: failed when a zone batch failed
// outright, partial when any asset was skipped or failed, else succeeded.
func (r *RunReport) Status() string {
	if r.ZoneBatchFailures > 0 {
		return RunFailed
	}
	for _, s := range r.Categories {
		if s.SkippedMalformed > 0 || s.SkippedZone > 0 || s.Failed > 0 {
			return RunPartial
		}
	}
	return RunSucceeded
}

// AttributionRun is the persisted record of one engine run.
type AttributionRun struct {
	bun.BaseModel `bun:"table:attribution_runs,alias:ar"`

	ID         uuid.UUID                   `bun:"id,pk,type:uuid" json:"id"`
	Trigger    string                      `bun:"trigger" json:"trigger"`
	DryRun     bool                        `bun:"dry_run" json:"dry_run"`
	Status     string                      `bun:"status" json:"status"`
	StartedAt  time.Time                   `bun:"started_at" json:"started_at"`
	FinishedAt time.Time                   `bun:"finished_at" json:"finished_at"`
	Summary    map[Category]*CategoryStats `bun:"summary,type:jsonb" json:"summary"`
	Issues     []Issue                     `bun:"issues,type:jsonb" json:"issues"`
}
