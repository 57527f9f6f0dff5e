package models

import (
	"github.com/uptrace/bun"
)

// Category identifies the kind of network asset a record describes and
// determines its geometry kind and which attribution rules apply.
type Category string

const (
	CategoryManhole        Category = "Manhole"
	CategoryCleanout       Category = "Cleanout"
	CategoryInlet          Category = "Inlet"
	CategoryFitting        Category = "Fitting"
	CategoryGravityMain    Category = "GravityMain"
	CategoryCulvert        Category = "Culvert"
	CategoryDischargePoint Category = "DischargePoint"
	CategoryDetentionBasin Category = "DetentionBasin"
)

// GeometryKind is the shape class of an asset's geometry.
type GeometryKind string

const (
	GeometryPoint GeometryKind = "point"
	GeometryLine  GeometryKind = "line"
	GeometryArea  GeometryKind = "area"
)

// Ownership codes carried over from the source system.
const (
	OwnedByOperator = 1
	OwnedPrivate    = -2
)

// OwnershipClass buckets the raw ownership codes for rule matching.
type OwnershipClass string

const (
	OwnershipOperator OwnershipClass = "operator"
	OwnershipPrivate  OwnershipClass = "private"
	OwnershipOther    OwnershipClass = "other"
)

// OwnershipClassOf maps a raw ownership code to its rule-matching class.
func OwnershipClassOf(code int) OwnershipClass {
	switch code {
	case OwnedByOperator:
		return OwnershipOperator
	case OwnedPrivate:
		return OwnershipPrivate
	default:
		return OwnershipOther
	}
}

// Water service codes.
const (
	WaterTypeSanitary = "SS"
	WaterTypeCombined = "CB"
	WaterTypeStorm    = "SW"
)

// Lifecycle stage codes.
const (
	StageAsBuilt  = 0
	StageProposed = 1
)

// Asset represents one network record in the shared spatial store. The
// geometry column is never mapped into Go; coordinate fields are derived
// from it in SQL and read back here.
type Asset struct {
	bun.BaseModel `bun:"table:network_assets,alias:ast"`

	ID         int64    `bun:"id,pk" json:"id"`
	Category   Category `bun:"category" json:"category"`
	Ownership  int      `bun:"ownership" json:"ownership"`
	WaterType  *string  `bun:"water_type" json:"water_type"`
	Stage      int      `bun:"stage" json:"stage"`
	LastEditor *string  `bun:"last_editor" json:"last_editor"`

	// Derived identifier fields. Set once by the engine, never recomputed
	// once non-null.
	SpatialID  *string `bun:"spatial_id" json:"spatial_id"`
	FacilityID *string `bun:"facility_id" json:"facility_id"`
	FromNode   *string `bun:"from_node" json:"from_node"`
	ToNode     *string `bun:"to_node" json:"to_node"`

	// Coordinates derived from geometry. Points fill X/Y; lines fill the
	// start/end pairs plus the per-endpoint fingerprint tokens.
	X          *float64 `bun:"x" json:"x"`
	Y          *float64 `bun:"y" json:"y"`
	XStart     *float64 `bun:"x_start" json:"x_start"`
	YStart     *float64 `bun:"y_start" json:"y_start"`
	XEnd       *float64 `bun:"x_end" json:"x_end"`
	YEnd       *float64 `bun:"y_end" json:"y_end"`
	StartToken *string  `bun:"start_token" json:"start_token"`
	EndToken   *string  `bun:"end_token" json:"end_token"`
	Elevation  *float64 `bun:"elevation" json:"elevation"`

	// Boundary labels filled by the secondary attribution pass.
	City     *string `bun:"city" json:"city"`
	District *string `bun:"district" json:"district"`
	Plant    *string `bun:"plant" json:"plant"`
}

// FacilityAssignment pairs an asset with the facility id computed for it.
// Zone batches are written as a slice of these in one transaction.
type FacilityAssignment struct {
	AssetID    int64  `json:"asset_id"`
	FacilityID string `json:"facility_id"`
}

// EndpointCandidate is a point asset found coincident with a line endpoint.
type EndpointCandidate struct {
	AssetID    int64    `bun:"id" json:"id"`
	Category   Category `bun:"category" json:"category"`
	FacilityID *string  `bun:"facility_id" json:"facility_id"`
}
