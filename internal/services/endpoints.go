package services

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/jaketajohnson/Attributor/internal/models"
)

// EndpointResolver labels line endpoints with the facility id of the point
// asset coincident with each vertex.
type EndpointResolver struct {
	db        *bun.DB
	srid      int
	tolerance float64
	logr      *zap.Logger
}

// NewEndpointResolver builds a resolver. tolerance is the coincidence radius
// in store units (feet for state-plane data).
func NewEndpointResolver(db *bun.DB, srid int, tolerance float64, logr *zap.Logger) *EndpointResolver {
	return &EndpointResolver{db: db, srid: srid, tolerance: tolerance, logr: logr}
}

// CandidatesAt queries the point assets of the terminal categories within
// the coincidence tolerance of a vertex.
func (r *EndpointResolver) CandidatesAt(ctx context.Context, x, y float64, cats []models.Category) ([]models.EndpointCandidate, error) {
	var cands []models.EndpointCandidate
	err := r.db.NewSelect().
		ColumnExpr("id").
		ColumnExpr("category").
		ColumnExpr("facility_id").
		TableExpr("app.network_assets").
		Where("category IN (?)", bun.In(cats)).
		Where("ST_DWithin(geom, ST_SetSRID(ST_MakePoint(?, ?), ?), ?)", x, y, r.srid, r.tolerance).
		OrderExpr("id ASC").
		Scan(ctx, &cands)
	if err != nil {
		return nil, fmt.Errorf("find endpoint candidates at (%f, %f): %w", x, y, err)
	}
	return cands, nil
}

// ResolveLabel applies the endpoint labeling policy to a candidate set:
// exactly one candidate contributes its facility id (null propagates until
// the candidate is itself attributed); zero candidates stay null; multiple
// candidates tie-break to the lexicographically smallest non-null id and
// report the ambiguity.
func ResolveLabel(cands []models.EndpointCandidate) (label *string, ambiguous bool) {
	switch len(cands) {
	case 0:
		return nil, false
	case 1:
		return cands[0].FacilityID, false
	}

	var best *string
	for i := range cands {
		fid := cands[i].FacilityID
		if fid == nil {
			continue
		}
		if best == nil || *fid < *best {
			best = fid
		}
	}
	return best, true
}

// Resolve returns the final endpoint labels for a line asset. Sides already
// resolved on the asset are kept as-is; only null sides are looked up.
func (r *EndpointResolver) Resolve(ctx context.Context, line *models.Asset, cats []models.Category) (from, to *string, err error) {
	from = line.FromNode
	to = line.ToNode

	if from == nil {
		if line.XStart == nil || line.YStart == nil {
			return nil, nil, fmt.Errorf("asset %d start vertex: %w", line.ID, models.ErrMalformedGeometry)
		}
		from, err = r.resolveVertex(ctx, line.ID, "start", *line.XStart, *line.YStart, cats)
		if err != nil {
			return nil, nil, err
		}
	}

	if to == nil {
		if line.XEnd == nil || line.YEnd == nil {
			return nil, nil, fmt.Errorf("asset %d end vertex: %w", line.ID, models.ErrMalformedGeometry)
		}
		to, err = r.resolveVertex(ctx, line.ID, "end", *line.XEnd, *line.YEnd, cats)
		if err != nil {
			return nil, nil, err
		}
	}

	return from, to, nil
}

func (r *EndpointResolver) resolveVertex(ctx context.Context, assetID int64, side string, x, y float64, cats []models.Category) (*string, error) {
	cands, err := r.CandidatesAt(ctx, x, y, cats)
	if err != nil {
		return nil, err
	}

	label, ambiguous := ResolveLabel(cands)
	if ambiguous {
		r.logr.Warn("multiple point assets coincident with line vertex",
			zap.Int64("asset_id", assetID),
			zap.String("side", side),
			zap.Int("candidates", len(cands)))
	}
	return label, nil
}
