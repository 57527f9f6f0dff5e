package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jaketajohnson/Attributor/internal/models"
	"github.com/jaketajohnson/Attributor/internal/rules"
	"github.com/jaketajohnson/Attributor/internal/sequence"
	"github.com/jaketajohnson/Attributor/internal/spatialid"
)

// AssetSource is the slice of the asset store the engine writes through.
type AssetSource interface {
	SelectEligible(ctx context.Context, cat models.Category, authoritativeEditor string) ([]models.Asset, error)
	DeriveCoordinates(ctx context.Context, cat models.Category, geom models.GeometryKind) (int64, error)
	WriteSpatialID(ctx context.Context, id int64, spatialID string, startToken, endToken *string) error
	WriteFacilityID(ctx context.Context, id int64, facilityID string) error
	WriteEndpoints(ctx context.Context, id int64, from, to, facilityID *string) error
	WriteZoneBatch(ctx context.Context, assignments []models.FacilityAssignment) error
}

// ZoneSource answers containment and existing-id lookups.
type ZoneSource interface {
	Locate(ctx context.Context, x, y float64) (*models.Zone, error)
	ExistingFacilityIDs(ctx context.Context, sanitizedZone string, pool []models.Category) ([]string, error)
}

// EndpointSource resolves line endpoint labels.
type EndpointSource interface {
	Resolve(ctx context.Context, line *models.Asset, cats []models.Category) (from, to *string, err error)
}

// Engine orchestrates one attribution run: select eligible assets, derive
// spatial ids, route each asset to a naming strategy, and write results
// back. Safe to re-invoke at any time; it never rewrites a non-null derived
// field.
type Engine struct {
	assets    AssetSource
	zones     ZoneSource
	endpoints EndpointSource
	table     *rules.Table
	editor    string
	logr      *zap.Logger
}

// NewEngine wires the engine to its stores. editor is the authoritative
// editor marker; assets last touched by it are excluded from selection.
func NewEngine(assets AssetSource, zones ZoneSource, endpoints EndpointSource, table *rules.Table, editor string, logr *zap.Logger) *Engine {
	return &Engine{
		assets:    assets,
		zones:     zones,
		endpoints: endpoints,
		table:     table,
		editor:    editor,
		logr:      logr,
	}
}

// RunOptions select what a run covers.
type RunOptions struct {
	Trigger string
	DryRun  bool
	// Only restricts the run to the listed categories. Empty means the full
	// configured order.
	Only []models.Category
}

// Run executes one attribution pass over every configured category.
// Per-asset and per-zone failures are recorded in the report and skipped;
// store failures abort the run.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (*models.RunReport, error) {
	report := &models.RunReport{
		RunID:      uuid.New(),
		Trigger:    opts.Trigger,
		DryRun:     opts.DryRun,
		StartedAt:  time.Now().UTC(),
		Categories: make(map[models.Category]*models.CategoryStats),
	}
	if report.Trigger == "" {
		report.Trigger = models.TriggerManual
	}

	e.logr.Info("attribution run started",
		zap.String("run_id", report.RunID.String()),
		zap.String("trigger", report.Trigger),
		zap.Bool("dry_run", opts.DryRun))

	for _, cat := range e.categories(opts.Only) {
		if err := ctx.Err(); err != nil {
			report.FinishedAt = time.Now().UTC()
			return report, err
		}
		if err := e.runCategory(ctx, cat, opts, report); err != nil {
			report.FinishedAt = time.Now().UTC()
			return report, fmt.Errorf("category %s: %w", cat, err)
		}
	}

	report.FinishedAt = time.Now().UTC()
	e.logSummary(report)
	return report, nil
}

// categories returns the processing order, filtered when opts.Only is set.
// Points precede lines in the configured order so endpoint resolution sees
// ids assigned earlier in the same run.
func (e *Engine) categories(only []models.Category) []models.Category {
	if len(only) == 0 {
		return e.table.Order
	}
	keep := make(map[models.Category]bool, len(only))
	for _, c := range only {
		keep[c] = true
	}
	var out []models.Category
	for _, c := range e.table.Order {
		if keep[c] {
			out = append(out, c)
		}
	}
	return out
}

func (e *Engine) runCategory(ctx context.Context, cat models.Category, opts RunOptions, report *models.RunReport) error {
	settings := e.table.Settings(cat)
	stats := report.Stats(cat)

	e.logr.Info("category pass started",
		zap.String("category", string(cat)),
		zap.String("geometry", string(settings.Geometry)))

	if !opts.DryRun {
		derived, err := e.assets.DeriveCoordinates(ctx, cat, settings.Geometry)
		if err != nil {
			return err
		}
		if derived > 0 {
			e.logr.Info("coordinates derived", zap.String("category", string(cat)), zap.Int64("count", derived))
		}
	}

	batch, err := e.assets.SelectEligible(ctx, cat, e.editor)
	if err != nil {
		return err
	}
	stats.Eligible = len(batch)

	var (
		zoneCandidates []*models.Asset
		endpointLines  []*models.Asset
	)

	for i := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		a := &batch[i]

		if err := e.ensureSpatialID(ctx, a, settings.Geometry, opts.DryRun, stats); err != nil {
			if errors.Is(err, models.ErrMalformedGeometry) {
				stats.SkippedMalformed++
				report.AddIssue(a.ID, cat, err.Error())
				continue
			}
			return err
		}

		strategy, rule := e.table.Classify(a)
		switch strategy {
		case rules.StrategyFingerprint:
			if a.FacilityID != nil {
				continue
			}
			if !opts.DryRun {
				if err := e.assets.WriteFacilityID(ctx, a.ID, *a.SpatialID); err != nil {
					return err
				}
			}
			stats.FacilityAssigned++

		case rules.StrategyZoneSequence:
			zoneCandidates = append(zoneCandidates, a)

		case rules.StrategyEndpointPair:
			endpointLines = append(endpointLines, a)

		default:
			stats.Failed++
			report.AddIssue(a.ID, cat, "no attribution rule matched")
			e.logr.Warn("asset matched no attribution rule",
				zap.Int64("asset_id", a.ID),
				zap.String("category", string(cat)),
				zap.String("rule", rule))
		}
	}

	if err := e.runZoneBatches(ctx, cat, zoneCandidates, settings, opts, report); err != nil {
		return err
	}
	if err := e.resolveLines(ctx, cat, endpointLines, opts, report); err != nil {
		return err
	}

	e.logr.Info("category pass finished",
		zap.String("category", string(cat)),
		zap.Int("eligible", stats.Eligible),
		zap.Int("spatial_assigned", stats.SpatialAssigned),
		zap.Int("facility_assigned", stats.FacilityAssigned),
		zap.Int("skipped_malformed", stats.SkippedMalformed),
		zap.Int("skipped_zone", stats.SkippedZone),
		zap.Int("pending_endpoints", stats.PendingEndpoints),
		zap.Int("failed", stats.Failed))
	return nil
}

// ensureSpatialID computes and persists the asset's spatial id when null.
// Existing spatial ids are never recomputed.
func (e *Engine) ensureSpatialID(ctx context.Context, a *models.Asset, geom models.GeometryKind, dryRun bool, stats *models.CategoryStats) error {
	if a.SpatialID != nil {
		return nil
	}

	var (
		sid        string
		startToken *string
		endToken   *string
		err        error
	)

	if geom == models.GeometryLine {
		if a.XStart == nil || a.YStart == nil || a.XEnd == nil || a.YEnd == nil {
			return fmt.Errorf("asset %d missing line vertices: %w", a.ID, models.ErrMalformedGeometry)
		}
		var st, et string
		st, err = spatialid.Point(*a.XStart, *a.YStart)
		if err == nil {
			et, err = spatialid.Point(*a.XEnd, *a.YEnd)
		}
		if err != nil {
			return fmt.Errorf("asset %d: %w", a.ID, err)
		}
		sid = spatialid.Line(st, et)
		startToken, endToken = &st, &et
	} else {
		if a.X == nil || a.Y == nil {
			return fmt.Errorf("asset %d missing coordinates: %w", a.ID, models.ErrMalformedGeometry)
		}
		sid, err = spatialid.Point(*a.X, *a.Y)
		if err != nil {
			return fmt.Errorf("asset %d: %w", a.ID, err)
		}
	}

	if !dryRun {
		if err := e.assets.WriteSpatialID(ctx, a.ID, sid, startToken, endToken); err != nil {
			return err
		}
	}
	a.SpatialID = &sid
	a.StartToken = startToken
	a.EndToken = endToken
	stats.SpatialAssigned++
	return nil
}

// runZoneBatches groups candidates by containing zone and allocates each
// zone's ids as one batch, so suffixes stay strictly increasing even when
// several assets share a zone within one run.
func (e *Engine) runZoneBatches(ctx context.Context, cat models.Category, candidates []*models.Asset, settings rules.CategorySettings, opts RunOptions, report *models.RunReport) error {
	if len(candidates) == 0 {
		return nil
	}
	stats := report.Stats(cat)

	groups := make(map[string][]*models.Asset)
	for _, a := range candidates {
		x, y, ok := assetLocation(a)
		if !ok {
			stats.SkippedMalformed++
			report.AddIssue(a.ID, cat, "no location for zone lookup")
			continue
		}

		zone, err := e.zones.Locate(ctx, x, y)
		if err != nil {
			if errors.Is(err, models.ErrZoneNotFound) || errors.Is(err, models.ErrAmbiguousZone) {
				stats.SkippedZone++
				report.AddIssue(a.ID, cat, err.Error())
				e.logr.Warn("zone lookup anomaly", zap.Int64("asset_id", a.ID), zap.Error(err))
				continue
			}
			return err
		}
		groups[zone.ZoneCode] = append(groups[zone.ZoneCode], a)
	}

	zoneCodes := make([]string, 0, len(groups))
	for code := range groups {
		zoneCodes = append(zoneCodes, code)
	}
	sort.Strings(zoneCodes)

	for _, code := range zoneCodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		members := groups[code]

		existing, err := e.zones.ExistingFacilityIDs(ctx, sequence.Sanitize(code), e.table.CounterPool(cat))
		if err != nil {
			return err
		}

		alloc, err := sequence.NewAllocator(code, existing, sequence.Options{
			Width:         settings.SequenceWidth,
			Suffix:        settings.SequenceSuffix,
			StripPrefixes: settings.LegacyPrefixes,
		})
		if err != nil {
			stats.Failed += len(members)
			for _, m := range members {
				report.AddIssue(m.ID, cat, fmt.Sprintf("zone %q: %v", code, err))
			}
			continue
		}

		assignments := make([]models.FacilityAssignment, 0, len(members))
		for _, m := range members {
			assignments = append(assignments, models.FacilityAssignment{
				AssetID:    m.ID,
				FacilityID: alloc.Next(),
			})
		}

		if !opts.DryRun {
			if err := e.assets.WriteZoneBatch(ctx, assignments); err != nil {
				if errors.Is(err, models.ErrZoneAllocationConflict) {
					report.ZoneBatchFailures++
					stats.Failed += len(members)
					for _, m := range members {
						report.AddIssue(m.ID, cat, fmt.Sprintf("zone %s: %v", code, models.ErrZoneAllocationConflict))
					}
					e.logr.Error("zone batch failed",
						zap.String("category", string(cat)),
						zap.String("zone", code),
						zap.Int("assignments", len(assignments)),
						zap.Error(err))
					continue
				}
				return err
			}
		}

		stats.FacilityAssigned += len(members)
		e.logr.Info("zone batch written",
			zap.String("category", string(cat)),
			zap.String("zone", code),
			zap.Int("count", len(members)),
			zap.Bool("dry_run", opts.DryRun))
	}
	return nil
}

// resolveLines runs endpoint resolution for the endpoint-pair lines. A line
// only receives its facility id once both sides are labeled; until then it
// stays eligible for the next run.
func (e *Engine) resolveLines(ctx context.Context, cat models.Category, lines []*models.Asset, opts RunOptions, report *models.RunReport) error {
	if len(lines) == 0 {
		return nil
	}
	stats := report.Stats(cat)

	cats := e.table.EndpointCategories(cat)
	if len(cats) == 0 {
		stats.Failed += len(lines)
		for _, a := range lines {
			report.AddIssue(a.ID, cat, "no endpoint categories configured")
		}
		return nil
	}

	for _, a := range lines {
		if err := ctx.Err(); err != nil {
			return err
		}

		from, to, err := e.endpoints.Resolve(ctx, a, cats)
		if err != nil {
			if errors.Is(err, models.ErrMalformedGeometry) {
				stats.SkippedMalformed++
				report.AddIssue(a.ID, cat, err.Error())
				continue
			}
			return err
		}

		var facilityID *string
		if from != nil && to != nil {
			fid := *from + "-" + *to
			facilityID = &fid
		}

		if !opts.DryRun {
			if err := e.assets.WriteEndpoints(ctx, a.ID, from, to, facilityID); err != nil {
				return err
			}
		}

		if facilityID != nil {
			stats.FacilityAssigned++
		} else {
			stats.PendingEndpoints++
		}
	}
	return nil
}

// assetLocation picks the coordinate used for zone containment: the point
// location when present, else the line start vertex.
func assetLocation(a *models.Asset) (x, y float64, ok bool) {
	if a.X != nil && a.Y != nil {
		return *a.X, *a.Y, true
	}
	if a.XStart != nil && a.YStart != nil {
		return *a.XStart, *a.YStart, true
	}
	return 0, 0, false
}

func (e *Engine) logSummary(report *models.RunReport) {
	fields := []zap.Field{
		zap.String("run_id", report.RunID.String()),
		zap.String("status", report.Status()),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
		zap.Int("issues", len(report.Issues)),
	}
	for cat, s := range report.Categories {
		fields = append(fields, zap.Int(string(cat)+"_attributed", s.FacilityAssigned))
	}
	e.logr.Info("attribution run finished", fields...)
}
