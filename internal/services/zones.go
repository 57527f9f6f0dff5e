package services

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/jaketajohnson/Attributor/internal/models"
)

// ZoneService answers zone containment and existing-id questions for the
// sequence allocator.
type ZoneService struct {
	db   *bun.DB
	srid int
}

func NewZoneService(db *bun.DB, srid int) *ZoneService {
	return &ZoneService{db: db, srid: srid}
}

// Locate finds the zone containing a location. Containment is expected to
// partition space exactly: zero matches and overlapping matches are both
// surfaced as errors, never resolved by picking one.
func (s *ZoneService) Locate(ctx context.Context, x, y float64) (*models.Zone, error) {
	var zones []models.Zone
	err := s.db.NewSelect().
		Model(&zones).
		Where("ST_Contains(z.geom, ST_SetSRID(ST_MakePoint(?, ?), ?))", x, y, s.srid).
		OrderExpr("z.id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("locate zone for (%f, %f): %w", x, y, err)
	}

	switch len(zones) {
	case 0:
		return nil, fmt.Errorf("location (%f, %f): %w", x, y, models.ErrZoneNotFound)
	case 1:
		return &zones[0], nil
	default:
		return nil, fmt.Errorf("location (%f, %f) in %d zones: %w", x, y, len(zones), models.ErrAmbiguousZone)
	}
}

// ExistingFacilityIDs scans the as-built ids already assigned in a zone,
// scoped to the categories sharing the counter pool. The allocator parses
// the numeric suffixes out of these.
func (s *ZoneService) ExistingFacilityIDs(ctx context.Context, sanitizedZone string, pool []models.Category) ([]string, error) {
	if sanitizedZone == "" || len(pool) == 0 {
		return nil, nil
	}

	var ids []string
	err := s.db.NewSelect().
		ColumnExpr("facility_id").
		TableExpr("app.network_assets").
		Where("category IN (?)", bun.In(pool)).
		Where("facility_id LIKE ?", "%"+sanitizedZone+"%").
		Where("stage = ?", models.StageAsBuilt).
		Scan(ctx, &ids)
	if err != nil {
		return nil, fmt.Errorf("scan existing ids in zone %s: %w", sanitizedZone, err)
	}
	return ids, nil
}
