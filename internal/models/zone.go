package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Zone is a spatial partition polygon used to scope sequence numbering.
// Sequence state is never stored; it is derived on demand by scanning the
// facility ids already assigned inside the zone.
type Zone struct {
	bun.BaseModel `bun:"table:zones,alias:z"`

	ID       int64  `bun:"id,pk" json:"id"`
	ZoneCode string `bun:"zone_code" json:"zone_code"`
}

// Boundary kinds for the secondary attribution pass.
const (
	BoundaryWard     = "ward"
	BoundaryDistrict = "district"
	BoundaryPlant    = "plant"
)

// Boundary is a labeled administrative polygon (ward, maintenance district,
// treatment plant basin).
type Boundary struct {
	bun.BaseModel `bun:"table:boundaries,alias:b"`

	ID    int64  `bun:"id,pk" json:"id"`
	Kind  string `bun:"kind" json:"kind"`
	Label string `bun:"label" json:"label"`
}

// SurveyPoint is one row ingested from a field-survey export. Elevation is
// transferred onto coincident point assets after ingestion.
type SurveyPoint struct {
	bun.BaseModel `bun:"table:survey_points,alias:sp"`

	ID          int64      `bun:"id,pk,autoincrement" json:"id"`
	SpatialID   *string    `bun:"spatial_id" json:"spatial_id"`
	X           float64    `bun:"x" json:"x"`
	Y           float64    `bun:"y" json:"y"`
	Elevation   *float64   `bun:"elevation" json:"elevation"`
	Status      *string    `bun:"status" json:"status"`
	Surveyor    *string    `bun:"surveyor" json:"surveyor"`
	SurveyedAt  *time.Time `bun:"surveyed_at" json:"surveyed_at"`
	Description *string    `bun:"description" json:"description"`
	Comments    *string    `bun:"comments" json:"comments"`
	SourceFile  string     `bun:"source_file" json:"source_file"`
}
