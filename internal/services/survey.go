package services

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/jaketajohnson/Attributor/internal/models"
	"github.com/jaketajohnson/Attributor/internal/spatialid"
)

const stateDateFormat = "2006-01-02"

// Elevation transfer targets: as-built point structures a survey crew can
// occupy.
var elevationTargets = []models.Category{
	models.CategoryManhole,
	models.CategoryInlet,
	models.CategoryCleanout,
}

// SurveyService ingests survey-crew node exports from the drop directory
// into app.survey_points and copies elevations onto coincident assets. The
// state file carries the date of the last ingested drop; only folders dated
// strictly after it are picked up.
type SurveyService struct {
	db        *bun.DB
	dir       string
	stateFile string
	srid      int
	tolerance float64
	logr      *zap.Logger
}

func NewSurveyService(db *bun.DB, dir, stateFile string, srid int, tolerance float64, logr *zap.Logger) *SurveyService {
	return &SurveyService{
		db:        db,
		dir:       dir,
		stateFile: stateFile,
		srid:      srid,
		tolerance: tolerance,
		logr:      logr,
	}
}

// Ingest appends every *_nodes.csv from new dated drop folders, fingerprints
// the rows that arrived without a spatial id, and advances the state file.
// Returns the number of points ingested.
func (s *SurveyService) Ingest(ctx context.Context) (int, error) {
	since, err := s.lastIngested()
	if err != nil {
		return 0, err
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read survey dir %s: %w", s.dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}

	folders := newFolders(names, since)
	if len(folders) == 0 {
		s.logr.Info("no new survey drops", zap.Time("since", since))
		return 0, nil
	}

	total := 0
	for _, folder := range folders {
		matches, err := filepath.Glob(filepath.Join(s.dir, folder, "*_nodes.csv"))
		if err != nil {
			return total, fmt.Errorf("scan drop %s: %w", folder, err)
		}
		sort.Strings(matches)

		for _, path := range matches {
			n, err := s.ingestFile(ctx, path)
			if err != nil {
				return total, fmt.Errorf("ingest %s: %w", filepath.Base(path), err)
			}
			total += n
		}
		s.logr.Info("survey drop ingested", zap.String("folder", folder))
	}

	tagged, err := s.fingerprintNewPoints(ctx)
	if err != nil {
		return total, err
	}

	if err := s.writeState(time.Now()); err != nil {
		return total, err
	}

	s.logr.Info("survey ingestion finished",
		zap.Int("drops", len(folders)),
		zap.Int("points", total),
		zap.Int("fingerprinted", tagged))
	return total, nil
}

func (s *SurveyService) ingestFile(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	points, skipped, err := parseNodes(f, filepath.Base(path))
	if err != nil {
		return 0, err
	}
	if skipped > 0 {
		s.logr.Warn("survey rows skipped",
			zap.String("file", filepath.Base(path)),
			zap.Int("skipped", skipped))
	}
	if len(points) == 0 {
		return 0, nil
	}

	if _, err := s.db.NewInsert().Model(&points).Exec(ctx); err != nil {
		return 0, err
	}
	return len(points), nil
}

// parseNodes reads one node export. Columns are matched by header name and
// may use either the export names or the geodatabase field names. Rows with
// an unparseable coordinate are counted and dropped, matching how the crews'
// messy exports have always been handled.
func parseNodes(r io.Reader, sourceFile string) ([]models.SurveyPoint, int, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}

	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	xi, ok := findColumn(cols, "easting", "nad83x", "x")
	if !ok {
		return nil, 0, fmt.Errorf("no easting column in %s", sourceFile)
	}
	yi, ok := findColumn(cols, "northing", "nad83y", "y")
	if !ok {
		return nil, 0, fmt.Errorf("no northing column in %s", sourceFile)
	}
	zi, hasZ := findColumn(cols, "elevation", "navd88z", "z")
	statusIdx, hasStatus := findColumn(cols, "status", "insstatus")
	surveyorIdx, hasSurveyor := findColumn(cols, "surveyor", "inspector", "surveyed by")
	dateIdx, hasDate := findColumn(cols, "date", "insstart")
	descIdx, hasDesc := findColumn(cols, "description", "locdesc", "location details")
	commentIdx, hasComment := findColumn(cols, "comments", "additional info")

	var points []models.SurveyPoint
	skipped := 0
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, skipped, err
		}

		x, errX := strconv.ParseFloat(strings.TrimSpace(field(rec, xi)), 64)
		y, errY := strconv.ParseFloat(strings.TrimSpace(field(rec, yi)), 64)
		if errX != nil || errY != nil {
			skipped++
			continue
		}

		p := models.SurveyPoint{X: x, Y: y, SourceFile: sourceFile}
		if hasZ {
			if z, err := strconv.ParseFloat(strings.TrimSpace(field(rec, zi)), 64); err == nil {
				p.Elevation = &z
			}
		}
		if hasStatus {
			p.Status = optional(field(rec, statusIdx))
		}
		if hasSurveyor {
			p.Surveyor = optional(field(rec, surveyorIdx))
		}
		if hasDate {
			p.SurveyedAt = parseSurveyDate(field(rec, dateIdx))
		}
		if hasDesc {
			p.Description = optional(field(rec, descIdx))
		}
		if hasComment {
			p.Comments = optional(field(rec, commentIdx))
		}
		points = append(points, p)
	}
	return points, skipped, nil
}

func findColumn(cols map[string]int, names ...string) (int, bool) {
	for _, n := range names {
		if i, ok := cols[n]; ok {
			return i, true
		}
	}
	return 0, false
}

func field(rec []string, i int) string {
	if i >= len(rec) {
		return ""
	}
	return rec[i]
}

func optional(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

// parseSurveyDate accepts the two date shapes the exports use.
func parseSurveyDate(v string) *time.Time {
	v = strings.TrimSpace(v)
	for _, layout := range []string{stateDateFormat, "1/2/2006"} {
		if t, err := time.Parse(layout, v); err == nil {
			return &t
		}
	}
	return nil
}

// fingerprintNewPoints assigns spatial ids to survey points that arrived
// without one.
func (s *SurveyService) fingerprintNewPoints(ctx context.Context) (int, error) {
	var points []models.SurveyPoint
	err := s.db.NewSelect().
		Model(&points).
		Column("id", "x", "y").
		Where("sp.spatial_id IS NULL").
		OrderExpr("sp.id ASC").
		Scan(ctx)
	if err != nil {
		return 0, fmt.Errorf("select untagged survey points: %w", err)
	}

	count := 0
	for _, p := range points {
		token, err := spatialid.Point(p.X, p.Y)
		if err != nil {
			s.logr.Warn("survey point rejected", zap.Int64("point_id", p.ID), zap.Error(err))
			continue
		}
		_, err = s.db.NewUpdate().
			Model((*models.SurveyPoint)(nil)).
			Set("spatial_id = ?", token).
			Where("id = ?", p.ID).
			Where("spatial_id IS NULL").
			Exec(ctx)
		if err != nil {
			return count, fmt.Errorf("fingerprint survey point %d: %w", p.ID, err)
		}
		count++
	}
	return count, nil
}

// TransferElevations copies the elevation of a coincident survey point onto
// as-built point assets whose elevation is still null. Returns the number of
// assets updated.
func (s *SurveyService) TransferElevations(ctx context.Context) (int64, error) {
	res, err := s.db.NewUpdate().
		Model((*models.Asset)(nil)).
		ModelTableExpr("app.network_assets AS ast").
		TableExpr("app.survey_points AS sp").
		Set("elevation = sp.elevation").
		Where("ast.category IN (?)", bun.In(elevationTargets)).
		Where("ast.stage = ?", models.StageAsBuilt).
		Where("ast.elevation IS NULL").
		Where("sp.elevation IS NOT NULL").
		Where("ast.geom IS NOT NULL").
		Where("ST_DWithin(ast.geom, ST_SetSRID(ST_MakePoint(sp.x, sp.y), ?), ?)", s.srid, s.tolerance).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("transfer elevations: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logr.Info("elevations transferred", zap.Int64("assets", n))
	}
	return n, nil
}

// lastIngested reads the state file. A missing file means nothing was ever
// ingested and every dated folder qualifies.
func (s *SurveyService) lastIngested() (time.Time, error) {
	raw, err := os.ReadFile(s.stateFile)
	if errors.Is(err, fs.ErrNotExist) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read survey state: %w", err)
	}
	t, err := time.Parse(stateDateFormat, strings.TrimSpace(string(raw)))
	if err != nil {
		return time.Time{}, fmt.Errorf("survey state file %s: %w", s.stateFile, err)
	}
	return t, nil
}

func (s *SurveyService) writeState(now time.Time) error {
	if err := os.WriteFile(s.stateFile, []byte(now.Format(stateDateFormat)), 0o644); err != nil {
		return fmt.Errorf("write survey state: %w", err)
	}
	return nil
}

// folderDate parses a drop folder name. Dated folders contain a dash and no
// letters, dots, or spaces; everything else in the drop share is ignored.
func folderDate(name string) (time.Time, bool) {
	if !strings.Contains(name, "-") {
		return time.Time{}, false
	}
	for _, r := range name {
		if unicode.IsLetter(r) || r == '.' || r == ' ' {
			return time.Time{}, false
		}
	}
	t, err := time.Parse(stateDateFormat, name)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// newFolders keeps the folder names dated strictly after since, oldest
// first.
func newFolders(names []string, since time.Time) []string {
	var out []string
	for _, name := range names {
		if t, ok := folderDate(name); ok && t.After(since) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
