package services

import (
	"context"
	"fmt"
	"regexp"

	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/jaketajohnson/Attributor/internal/models"
	"github.com/jaketajohnson/Attributor/internal/spatialid"
)

// Ward labels go on line assets only; district and plant labels also cover
// manholes.
var (
	wardTargets     = []models.Category{models.CategoryGravityMain, models.CategoryCulvert}
	districtTargets = []models.Category{models.CategoryGravityMain, models.CategoryCulvert, models.CategoryManhole}
)

var wardPattern = regexp.MustCompile(`\bWard\b`)

// BoundaryService stamps administrative labels onto assets by polygon
// containment, and attributes detention basins from their centroids.
type BoundaryService struct {
	db           *bun.DB
	municipality string
	logr         *zap.Logger
}

func NewBoundaryService(db *bun.DB, municipality string, logr *zap.Logger) *BoundaryService {
	return &BoundaryService{db: db, municipality: municipality, logr: logr}
}

// LabelAll runs the ward, district, and plant passes and returns the total
// number of assets labeled.
func (s *BoundaryService) LabelAll(ctx context.Context) (int64, error) {
	var total int64
	passes := []struct {
		kind    string
		column  string
		targets []models.Category
		format  func(label string) string
	}{
		{models.BoundaryWard, "city", wardTargets, s.wardLabel},
		{models.BoundaryDistrict, "district", districtTargets, nil},
		{models.BoundaryPlant, "plant", districtTargets, nil},
	}
	for _, p := range passes {
		n, err := s.labelPass(ctx, p.kind, p.column, p.targets, p.format)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// labelPass walks every boundary of one kind and labels the contained,
// still-unlabeled assets. One UPDATE per boundary keeps the label value a
// plain bind parameter.
func (s *BoundaryService) labelPass(ctx context.Context, kind, column string, targets []models.Category, format func(string) string) (int64, error) {
	var boundaries []models.Boundary
	err := s.db.NewSelect().
		Model(&boundaries).
		Where("b.kind = ?", kind).
		OrderExpr("b.id ASC").
		Scan(ctx)
	if err != nil {
		return 0, fmt.Errorf("select %s boundaries: %w", kind, err)
	}

	var total int64
	for _, b := range boundaries {
		value := b.Label
		if format != nil {
			value = format(value)
		}

		res, err := s.db.NewUpdate().
			Model((*models.Asset)(nil)).
			Set("? = ?", bun.Ident(column), value).
			Where("category IN (?)", bun.In(targets)).
			Where("? IS NULL", bun.Ident(column)).
			Where("geom IS NOT NULL").
			Where("ST_Contains((SELECT b.geom FROM app.boundaries AS b WHERE b.id = ?), ST_Centroid(geom))", b.ID).
			Exec(ctx)
		if err != nil {
			return total, fmt.Errorf("label %s %q: %w", kind, b.Label, err)
		}
		n, _ := res.RowsAffected()
		total += n

		if n > 0 {
			s.logr.Info("boundary labeled",
				zap.String("kind", kind),
				zap.String("label", value),
				zap.Int64("assets", n))
		}
	}
	return total, nil
}

// wardLabel expands bare ward names to "<municipality> (<label>)" so the
// city column reads as an address, not a polygon name.
func (s *BoundaryService) wardLabel(label string) string {
	if wardPattern.MatchString(label) {
		return fmt.Sprintf("%s (%s)", s.municipality, label)
	}
	return label
}

// AttributeBasins assigns untagged detention basins their centroid
// fingerprint as both spatial and facility id. Basins never join the zone
// numbering; the centroid token is the whole identity.
func (s *BoundaryService) AttributeBasins(ctx context.Context) (int, error) {
	_, err := s.db.NewUpdate().
		Model((*models.Asset)(nil)).
		Set("x = ST_X(ST_Centroid(geom))").
		Set("y = ST_Y(ST_Centroid(geom))").
		Where("category = ?", models.CategoryDetentionBasin).
		Where("geom IS NOT NULL").
		Where("(x IS NULL OR y IS NULL)").
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("derive basin centroids: %w", err)
	}

	var basins []models.Asset
	err = s.db.NewSelect().
		Model(&basins).
		Column("id", "x", "y").
		Where("ast.category = ?", models.CategoryDetentionBasin).
		Where("ast.facility_id IS NULL").
		Where("ast.x IS NOT NULL AND ast.y IS NOT NULL").
		OrderExpr("ast.id ASC").
		Scan(ctx)
	if err != nil {
		return 0, fmt.Errorf("select untagged basins: %w", err)
	}

	count := 0
	for _, b := range basins {
		token, err := spatialid.Point(*b.X, *b.Y)
		if err != nil {
			s.logr.Warn("basin centroid rejected", zap.Int64("asset_id", b.ID), zap.Error(err))
			continue
		}

		_, err = s.db.NewUpdate().
			Model((*models.Asset)(nil)).
			Set("spatial_id = COALESCE(spatial_id, ?)", token).
			Set("facility_id = ?", token).
			Where("id = ?", b.ID).
			Where("facility_id IS NULL").
			Exec(ctx)
		if err != nil {
			return count, fmt.Errorf("attribute basin %d: %w", b.ID, err)
		}
		count++
	}
	return count, nil
}
