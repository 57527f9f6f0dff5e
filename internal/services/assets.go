package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/jaketajohnson/Attributor/internal/models"
)

// AssetService is the engine's view of the network asset store. All geometry
// access happens in SQL; Go only ever sees the derived coordinate columns.
type AssetService struct {
	db *bun.DB
}

func NewAssetService(db *bun.DB) *AssetService {
	return &AssetService{db: db}
}

// SelectEligible returns the attribution candidates for one category:
// facility id still null and not last touched by the authoritative editor
// account. Ordered by id so allocation order is deterministic.
func (s *AssetService) SelectEligible(ctx context.Context, cat models.Category, authoritativeEditor string) ([]models.Asset, error) {
	var assets []models.Asset
	err := s.db.NewSelect().
		Model(&assets).
		Where("ast.category = ?", cat).
		Where("ast.facility_id IS NULL").
		Where("(ast.last_editor IS NULL OR ast.last_editor <> ?)", authoritativeEditor).
		OrderExpr("ast.id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("select eligible %s assets: %w", cat, err)
	}
	return assets, nil
}

// DeriveCoordinates fills the null coordinate columns of a category from its
// geometry. Runs entirely in the store; returns the number of rows touched.
func (s *AssetService) DeriveCoordinates(ctx context.Context, cat models.Category, geom models.GeometryKind) (int64, error) {
	q := s.db.NewUpdate().
		Model((*models.Asset)(nil)).
		Where("category = ?", cat).
		Where("geom IS NOT NULL")

	switch geom {
	case models.GeometryLine:
		q = q.
			Set("x_start = ST_X(ST_StartPoint(geom))").
			Set("y_start = ST_Y(ST_StartPoint(geom))").
			Set("x_end = ST_X(ST_EndPoint(geom))").
			Set("y_end = ST_Y(ST_EndPoint(geom))").
			Where("(x_start IS NULL OR y_start IS NULL OR x_end IS NULL OR y_end IS NULL)")
	case models.GeometryArea:
		q = q.
			Set("x = ST_X(ST_Centroid(geom))").
			Set("y = ST_Y(ST_Centroid(geom))").
			Where("(x IS NULL OR y IS NULL)")
	default:
		q = q.
			Set("x = ST_X(geom)").
			Set("y = ST_Y(geom)").
			Where("(x IS NULL OR y IS NULL)")
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("derive %s coordinates: %w", cat, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// WriteSpatialID persists a freshly computed spatial id (and, for lines, the
// per-endpoint tokens). Guarded so a non-null spatial id is never rewritten.
func (s *AssetService) WriteSpatialID(ctx context.Context, id int64, spatialID string, startToken, endToken *string) error {
	q := s.db.NewUpdate().
		Model((*models.Asset)(nil)).
		Set("spatial_id = ?", spatialID).
		Where("id = ?", id).
		Where("spatial_id IS NULL")

	if startToken != nil {
		q = q.Set("start_token = ?", *startToken)
	}
	if endToken != nil {
		q = q.Set("end_token = ?", *endToken)
	}

	if _, err := q.Exec(ctx); err != nil {
		return fmt.Errorf("write spatial id for asset %d: %w", id, err)
	}
	return nil
}

// WriteFacilityID persists a fingerprint-derived facility id for one asset.
func (s *AssetService) WriteFacilityID(ctx context.Context, id int64, facilityID string) error {
	_, err := s.db.NewUpdate().
		Model((*models.Asset)(nil)).
		Set("facility_id = ?", facilityID).
		Where("id = ?", id).
		Where("facility_id IS NULL").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("write facility id for asset %d: %w", id, err)
	}
	return nil
}

// WriteEndpoints persists resolved endpoint labels for a line asset and,
// once both sides are known, its facility id. COALESCE keeps an already
// resolved side stable across runs.
func (s *AssetService) WriteEndpoints(ctx context.Context, id int64, from, to, facilityID *string) error {
	if from == nil && to == nil && facilityID == nil {
		return nil
	}

	q := s.db.NewUpdate().
		Model((*models.Asset)(nil)).
		Where("id = ?", id)

	if from != nil {
		q = q.Set("from_node = COALESCE(from_node, ?)", *from)
	}
	if to != nil {
		q = q.Set("to_node = COALESCE(to_node, ?)", *to)
	}
	if facilityID != nil {
		q = q.Set("facility_id = ?", *facilityID).Where("facility_id IS NULL")
	}

	if _, err := q.Exec(ctx); err != nil {
		return fmt.Errorf("write endpoints for asset %d: %w", id, err)
	}
	return nil
}

// WriteZoneBatch commits one zone's allocations in a single transaction so
// the strictly-increasing suffix invariant holds or the whole zone fails.
// A unique violation means another writer took one of the ids.
func (s *AssetService) WriteZoneBatch(ctx context.Context, assignments []models.FacilityAssignment) error {
	if len(assignments) == 0 {
		return nil
	}

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, as := range assignments {
			_, err := tx.NewUpdate().
				Model((*models.Asset)(nil)).
				Set("facility_id = ?", as.FacilityID).
				Where("id = ?", as.AssetID).
				Where("facility_id IS NULL").
				Exec(ctx)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("zone batch of %d assignments: %w", len(assignments), models.ErrZoneAllocationConflict)
		}
		return fmt.Errorf("zone batch of %d assignments: %w", len(assignments), err)
	}
	return nil
}

// Backlog counts unattributed assets per category.
func (s *AssetService) Backlog(ctx context.Context) (map[models.Category]int, error) {
	var rows []struct {
		Category models.Category `bun:"category"`
		Count    int             `bun:"count"`
	}
	err := s.db.NewSelect().
		ColumnExpr("category").
		ColumnExpr("count(*) AS count").
		TableExpr("app.network_assets").
		Where("facility_id IS NULL").
		GroupExpr("category").
		OrderExpr("category ASC").
		Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("count backlog: %w", err)
	}

	backlog := make(map[models.Category]int, len(rows))
	for _, r := range rows {
		backlog[r.Category] = r.Count
	}
	return backlog, nil
}

// isUniqueViolation reports whether err is a Postgres unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr pgdriver.Error
	return errors.As(err, &pgErr) && pgErr.Field('C') == "23505"
}
