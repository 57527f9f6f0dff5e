package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jaketajohnson/Attributor/internal/models"
	"github.com/jaketajohnson/Attributor/internal/rules"
)

// fakeStore implements AssetSource, ZoneSource, and EndpointSource in
// memory. Zones are axis-aligned rectangles; endpoint coincidence is exact
// coordinate equality.
type fakeStore struct {
	assets []*models.Asset
	zones  []fakeZone

	spatialWrites  int
	facilityWrites int
	endpointWrites int
	zoneBatches    int
}

type fakeZone struct {
	code                   string
	minX, minY, maxX, maxY float64
}

func (z fakeZone) contains(x, y float64) bool {
	return x >= z.minX && x <= z.maxX && y >= z.minY && y <= z.maxY
}

func (f *fakeStore) find(id int64) *models.Asset {
	for _, a := range f.assets {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func (f *fakeStore) SelectEligible(_ context.Context, cat models.Category, editor string) ([]models.Asset, error) {
	var out []models.Asset
	for _, a := range f.assets {
		if a.Category != cat || a.FacilityID != nil {
			continue
		}
		if a.LastEditor != nil && *a.LastEditor == editor {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) DeriveCoordinates(context.Context, models.Category, models.GeometryKind) (int64, error) {
	return 0, nil
}

func (f *fakeStore) WriteSpatialID(_ context.Context, id int64, spatialID string, startToken, endToken *string) error {
	a := f.find(id)
	if a.SpatialID == nil {
		a.SpatialID = &spatialID
	}
	if startToken != nil {
		a.StartToken = startToken
	}
	if endToken != nil {
		a.EndToken = endToken
	}
	f.spatialWrites++
	return nil
}

func (f *fakeStore) WriteFacilityID(_ context.Context, id int64, facilityID string) error {
	a := f.find(id)
	if a.FacilityID == nil {
		a.FacilityID = &facilityID
	}
	f.facilityWrites++
	return nil
}

func (f *fakeStore) WriteEndpoints(_ context.Context, id int64, from, to, facilityID *string) error {
	a := f.find(id)
	if from != nil && a.FromNode == nil {
		a.FromNode = from
	}
	if to != nil && a.ToNode == nil {
		a.ToNode = to
	}
	if facilityID != nil && a.FacilityID == nil {
		a.FacilityID = facilityID
	}
	f.endpointWrites++
	return nil
}

func (f *fakeStore) WriteZoneBatch(_ context.Context, assignments []models.FacilityAssignment) error {
	// Mimic the partial unique index on (category, facility_id).
	for _, as := range assignments {
		target := f.find(as.AssetID)
		for _, a := range f.assets {
			if a.ID != as.AssetID && a.Category == target.Category &&
				a.FacilityID != nil && *a.FacilityID == as.FacilityID {
				return fmt.Errorf("duplicate %s: %w", as.FacilityID, models.ErrZoneAllocationConflict)
			}
		}
	}
	for _, as := range assignments {
		fid := as.FacilityID
		f.find(as.AssetID).FacilityID = &fid
	}
	f.zoneBatches++
	return nil
}

func (f *fakeStore) Locate(_ context.Context, x, y float64) (*models.Zone, error) {
	var hits []fakeZone
	for _, z := range f.zones {
		if z.contains(x, y) {
			hits = append(hits, z)
		}
	}
	switch len(hits) {
	case 0:
		return nil, fmt.Errorf("location (%f, %f): %w", x, y, models.ErrZoneNotFound)
	case 1:
		return &models.Zone{ZoneCode: hits[0].code}, nil
	default:
		return nil, fmt.Errorf("location (%f, %f): %w", x, y, models.ErrAmbiguousZone)
	}
}

func (f *fakeStore) ExistingFacilityIDs(_ context.Context, sanitizedZone string, pool []models.Category) ([]string, error) {
	var ids []string
	for _, a := range f.assets {
		if a.FacilityID == nil || a.Stage != models.StageAsBuilt {
			continue
		}
		inPool := false
		for _, c := range pool {
			if a.Category == c {
				inPool = true
				break
			}
		}
		if inPool && strings.Contains(*a.FacilityID, sanitizedZone) {
			ids = append(ids, *a.FacilityID)
		}
	}
	return ids, nil
}

func (f *fakeStore) Resolve(_ context.Context, line *models.Asset, cats []models.Category) (*string, *string, error) {
	from := line.FromNode
	to := line.ToNode
	if from == nil {
		from = f.labelAt(*line.XStart, *line.YStart, cats)
	}
	if to == nil {
		to = f.labelAt(*line.XEnd, *line.YEnd, cats)
	}
	return from, to, nil
}

func (f *fakeStore) labelAt(x, y float64, cats []models.Category) *string {
	var cands []models.EndpointCandidate
	for _, a := range f.assets {
		match := false
		for _, c := range cats {
			if a.Category == c {
				match = true
				break
			}
		}
		if !match || a.X == nil || a.Y == nil {
			continue
		}
		if *a.X == x && *a.Y == y {
			cands = append(cands, models.EndpointCandidate{
				AssetID:    a.ID,
				Category:   a.Category,
				FacilityID: a.FacilityID,
			})
		}
	}
	label, _ := ResolveLabel(cands)
	return label
}

// --- fixture helpers ---

const testEditor = "COSPW"

func fl(v float64) *float64 { return &v }
func str(s string) *string  { return &s }

func cityManhole(id int64, x, y float64) *models.Asset {
	return &models.Asset{
		ID:        id,
		Category:  models.CategoryManhole,
		Ownership: models.OwnedByOperator,
		Stage:     models.StageAsBuilt,
		WaterType: str(models.WaterTypeSanitary),
		X:         fl(x),
		Y:         fl(y),
	}
}

func taggedManhole(id int64, x, y float64, facilityID string) *models.Asset {
	a := cityManhole(id, x, y)
	a.FacilityID = str(facilityID)
	a.SpatialID = str("existing")
	return a
}

func cityMain(id int64, x1, y1, x2, y2 float64) *models.Asset {
	return &models.Asset{
		ID:        id,
		Category:  models.CategoryGravityMain,
		Ownership: models.OwnedByOperator,
		Stage:     models.StageAsBuilt,
		WaterType: str(models.WaterTypeSanitary),
		XStart:    fl(x1),
		YStart:    fl(y1),
		XEnd:      fl(x2),
		YEnd:      fl(y2),
	}
}

func newEngine(store *fakeStore, table *rules.Table) *Engine {
	if table == nil {
		table = rules.Default()
	}
	return NewEngine(store, store, store, table, testEditor, zap.NewNop())
}

// --- tests ---

func TestRunZoneSequenceContinuesFromExisting(t *testing.T) {
	store := &fakeStore{
		zones: []fakeZone{{code: "14-14", minX: 0, minY: 0, maxX: 1000, maxY: 1000}},
		assets: []*models.Asset{
			taggedManhole(1, 100, 100, "1414065"),
			taggedManhole(2, 200, 200, "1414070"),
			cityManhole(10, 300, 300),
			cityManhole(11, 400, 400),
			cityManhole(12, 500, 500),
		},
	}
	eng := newEngine(store, nil)

	report, err := eng.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, "1414071", *store.find(10).FacilityID)
	assert.Equal(t, "1414072", *store.find(11).FacilityID)
	assert.Equal(t, "1414073", *store.find(12).FacilityID)

	stats := report.Categories[models.CategoryManhole]
	assert.Equal(t, 3, stats.Eligible)
	assert.Equal(t, 3, stats.SpatialAssigned)
	assert.Equal(t, 3, stats.FacilityAssigned)
	assert.Equal(t, models.RunSucceeded, report.Status())
}

func TestRunFreshZoneAssignsOneToN(t *testing.T) {
	store := &fakeStore{
		zones: []fakeZone{{code: "07-22", minX: 0, minY: 0, maxX: 1000, maxY: 1000}},
	}
	const n = 8
	for i := 0; i < n; i++ {
		store.assets = append(store.assets, cityManhole(int64(i+1), float64(i*10+5), 50))
	}
	eng := newEngine(store, nil)

	_, err := eng.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	// Suffixes are exactly 1..N in id order.
	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprintf("0722%03d", i+1), *store.find(int64(i+1)).FacilityID)
	}
}

func TestRunIsRerunSafe(t *testing.T) {
	store := &fakeStore{
		zones: []fakeZone{{code: "14-14", minX: 0, minY: 0, maxX: 1000, maxY: 1000}},
		assets: []*models.Asset{
			cityManhole(1, 100, 100),
			cityManhole(2, 200, 200),
		},
	}
	eng := newEngine(store, nil)

	_, err := eng.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	first := *store.find(1).FacilityID
	second := *store.find(2).FacilityID
	spatialWrites := store.spatialWrites
	zoneBatches := store.zoneBatches

	report, err := eng.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	// Nothing reselected, nothing rewritten.
	assert.Equal(t, 0, report.Categories[models.CategoryManhole].Eligible)
	assert.Equal(t, first, *store.find(1).FacilityID)
	assert.Equal(t, second, *store.find(2).FacilityID)
	assert.Equal(t, spatialWrites, store.spatialWrites)
	assert.Equal(t, zoneBatches, store.zoneBatches)
}

func TestRunFingerprintStrategies(t *testing.T) {
	privateCleanout := &models.Asset{
		ID:        1,
		Category:  models.CategoryCleanout,
		Ownership: models.OwnedPrivate,
		Stage:     models.StageAsBuilt,
		WaterType: str(models.WaterTypeSanitary),
		X:         fl(123456.7),
		Y:         fl(987654.3),
	}
	stormManhole := cityManhole(2, 123456.7, 987654.3)
	stormManhole.WaterType = str(models.WaterTypeStorm)
	inlet := &models.Asset{
		ID:        3,
		Category:  models.CategoryInlet,
		Ownership: models.OwnedByOperator,
		Stage:     models.StageAsBuilt,
		X:         fl(42.9),
		Y:         fl(7.1),
	}

	store := &fakeStore{assets: []*models.Asset{privateCleanout, stormManhole, inlet}}
	eng := newEngine(store, nil)

	_, err := eng.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	// Facility id equals the geometry fingerprint; no zone involved.
	assert.Equal(t, "3476-55-5654", *store.find(1).FacilityID)
	assert.Equal(t, "3476-55-5654", *store.find(1).SpatialID)
	assert.Equal(t, "3476-55-5654", *store.find(2).FacilityID)
	assert.Equal(t, "0000-40-4207", *store.find(3).FacilityID)
}

func TestRunEndpointPair(t *testing.T) {
	store := &fakeStore{
		zones: []fakeZone{{code: "14-14", minX: 0, minY: 0, maxX: 1000, maxY: 1000}},
		assets: []*models.Asset{
			taggedManhole(1, 100, 100, "1414065"),
			taggedManhole(2, 200, 200, "1414070"),
			cityMain(10, 100, 100, 200, 200),
		},
	}
	eng := newEngine(store, nil)

	report, err := eng.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	line := store.find(10)
	assert.Equal(t, "1414065", *line.FromNode)
	assert.Equal(t, "1414070", *line.ToNode)
	assert.Equal(t, "1414065-1414070", *line.FacilityID)
	assert.Equal(t, 1, report.Categories[models.CategoryGravityMain].FacilityAssigned)
}

func TestRunEndpointPairSeesIdsAssignedThisRun(t *testing.T) {
	// Manholes are processed before mains, so a line can terminate at a
	// manhole numbered within the same run.
	store := &fakeStore{
		zones: []fakeZone{{code: "14-14", minX: 0, minY: 0, maxX: 1000, maxY: 1000}},
		assets: []*models.Asset{
			cityManhole(1, 100, 100),
			cityManhole(2, 200, 200),
			cityMain(10, 100, 100, 200, 200),
		},
	}
	eng := newEngine(store, nil)

	_, err := eng.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, "1414001-1414002", *store.find(10).FacilityID)
}

func TestRunPartialEndpointStaysEligible(t *testing.T) {
	store := &fakeStore{
		zones: []fakeZone{{code: "14-14", minX: 0, minY: 0, maxX: 1000, maxY: 1000}},
		assets: []*models.Asset{
			taggedManhole(1, 100, 100, "1414065"),
			// Nothing at the far end yet.
			cityMain(10, 100, 100, 900, 900),
		},
	}
	eng := newEngine(store, nil)

	report, err := eng.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	line := store.find(10)
	assert.Equal(t, "1414065", *line.FromNode)
	assert.Nil(t, line.ToNode)
	assert.Nil(t, line.FacilityID)
	assert.Equal(t, 1, report.Categories[models.CategoryGravityMain].PendingEndpoints)

	// The far manhole shows up later; the next run completes the pair
	// without disturbing the already-resolved side.
	store.assets = append(store.assets, taggedManhole(2, 900, 900, "1414080"))

	report, err = eng.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, "1414065", *line.FromNode)
	assert.Equal(t, "1414080", *line.ToNode)
	assert.Equal(t, "1414065-1414080", *line.FacilityID)
	assert.Equal(t, 1, report.Categories[models.CategoryGravityMain].FacilityAssigned)
}

func TestRunAmbiguousZoneIsSurfaced(t *testing.T) {
	store := &fakeStore{
		zones: []fakeZone{
			{code: "14-14", minX: 0, minY: 0, maxX: 500, maxY: 500},
			{code: "14-15", minX: 400, minY: 400, maxX: 1000, maxY: 1000},
		},
		assets: []*models.Asset{
			cityManhole(1, 450, 450), // inside both polygons
			cityManhole(2, 100, 100), // cleanly inside 14-14
		},
	}
	eng := newEngine(store, nil)

	report, err := eng.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	stats := report.Categories[models.CategoryManhole]
	assert.Equal(t, 1, stats.SkippedZone)
	assert.Equal(t, 1, stats.FacilityAssigned)

	// The ambiguous asset is skipped, not silently assigned.
	assert.Nil(t, store.find(1).FacilityID)
	assert.Equal(t, "1414001", *store.find(2).FacilityID)

	require.Len(t, report.Issues, 1)
	assert.Equal(t, int64(1), report.Issues[0].AssetID)
	assert.Contains(t, report.Issues[0].Reason, "multiple zones")
	assert.Equal(t, models.RunPartial, report.Status())
}

func TestRunZoneNotFound(t *testing.T) {
	store := &fakeStore{
		zones:  []fakeZone{{code: "14-14", minX: 0, minY: 0, maxX: 500, maxY: 500}},
		assets: []*models.Asset{cityManhole(1, 9000, 9000)},
	}
	eng := newEngine(store, nil)

	report, err := eng.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Categories[models.CategoryManhole].SkippedZone)
	assert.Nil(t, store.find(1).FacilityID)
	// Spatial id is still assigned; only the facility strategy failed.
	assert.NotNil(t, store.find(1).SpatialID)
}

func TestRunMalformedGeometryRetriedNextRun(t *testing.T) {
	broken := cityManhole(1, 0, 0)
	broken.X = nil
	broken.Y = nil

	store := &fakeStore{
		zones:  []fakeZone{{code: "14-14", minX: 0, minY: 0, maxX: 500, maxY: 500}},
		assets: []*models.Asset{broken},
	}
	eng := newEngine(store, nil)

	report, err := eng.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Categories[models.CategoryManhole].SkippedMalformed)

	// Coordinates arrive later (survey caught up); the asset is still
	// eligible and completes.
	broken.X = fl(100)
	broken.Y = fl(100)

	report, err = eng.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Categories[models.CategoryManhole].Eligible)
	assert.Equal(t, "1414001", *broken.FacilityID)
}

func TestRunZoneConflictFailsOnlyThatZone(t *testing.T) {
	// A proposed-stage asset already holds 1414001 but is invisible to the
	// as-built max scan, so the allocator recomputes it and the write
	// collides. The other zone is unaffected.
	squatter := taggedManhole(99, 950, 950, "1414001")
	squatter.Stage = models.StageProposed

	store := &fakeStore{
		zones: []fakeZone{
			{code: "14-14", minX: 0, minY: 0, maxX: 500, maxY: 500},
			{code: "07-22", minX: 600, minY: 600, maxX: 1000, maxY: 1000},
		},
		assets: []*models.Asset{
			squatter,
			cityManhole(1, 100, 100), // zone 14-14, will collide
			cityManhole(2, 700, 700), // zone 07-22, fine
		},
	}
	eng := newEngine(store, nil)

	report, err := eng.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, report.ZoneBatchFailures)
	assert.Equal(t, models.RunFailed, report.Status())
	assert.Nil(t, store.find(1).FacilityID)
	assert.Equal(t, "0722001", *store.find(2).FacilityID)

	stats := report.Categories[models.CategoryManhole]
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.FacilityAssigned)
}

func TestRunDryRunWritesNothing(t *testing.T) {
	store := &fakeStore{
		zones: []fakeZone{{code: "14-14", minX: 0, minY: 0, maxX: 1000, maxY: 1000}},
		assets: []*models.Asset{
			cityManhole(1, 100, 100),
			cityMain(10, 100, 100, 200, 200),
		},
	}
	eng := newEngine(store, nil)

	report, err := eng.Run(context.Background(), RunOptions{DryRun: true})
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	assert.Equal(t, 1, report.Categories[models.CategoryManhole].FacilityAssigned)

	assert.Nil(t, store.find(1).SpatialID)
	assert.Nil(t, store.find(1).FacilityID)
	assert.Zero(t, store.spatialWrites)
	assert.Zero(t, store.facilityWrites)
	assert.Zero(t, store.zoneBatches)
	assert.Zero(t, store.endpointWrites)
}

func TestRunCleanoutSuffixIndependentCounter(t *testing.T) {
	cleanout := &models.Asset{
		ID:        5,
		Category:  models.CategoryCleanout,
		Ownership: models.OwnedByOperator,
		Stage:     models.StageAsBuilt,
		WaterType: str(models.WaterTypeSanitary),
		X:         fl(150), Y: fl(150),
	}
	store := &fakeStore{
		zones: []fakeZone{{code: "14-14", minX: 0, minY: 0, maxX: 1000, maxY: 1000}},
		assets: []*models.Asset{
			taggedManhole(1, 100, 100, "1414071"),
			cleanout,
		},
	}
	eng := newEngine(store, nil)

	_, err := eng.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	// Default: cleanouts number independently of manholes.
	assert.Equal(t, "1414001C", *cleanout.FacilityID)
}

func TestRunCleanoutSharedCounterPool(t *testing.T) {
	table := rules.Default()
	settings := table.Categories[models.CategoryCleanout]
	settings.CounterPool = []models.Category{models.CategoryManhole, models.CategoryCleanout}
	table.Categories[models.CategoryCleanout] = settings

	cleanout := &models.Asset{
		ID:        5,
		Category:  models.CategoryCleanout,
		Ownership: models.OwnedByOperator,
		Stage:     models.StageAsBuilt,
		WaterType: str(models.WaterTypeSanitary),
		X:         fl(150), Y: fl(150),
	}
	store := &fakeStore{
		zones: []fakeZone{{code: "14-14", minX: 0, minY: 0, maxX: 1000, maxY: 1000}},
		assets: []*models.Asset{
			taggedManhole(1, 100, 100, "1414071"),
			cleanout,
		},
	}
	eng := newEngine(store, table)

	_, err := eng.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	// Shared pool: the cleanout continues the manhole numbering.
	assert.Equal(t, "1414072C", *cleanout.FacilityID)
}

func TestRunOnlyRestrictsCategories(t *testing.T) {
	store := &fakeStore{
		zones: []fakeZone{{code: "14-14", minX: 0, minY: 0, maxX: 1000, maxY: 1000}},
		assets: []*models.Asset{
			cityManhole(1, 100, 100),
			cityMain(10, 100, 100, 200, 200),
		},
	}
	eng := newEngine(store, nil)

	report, err := eng.Run(context.Background(), RunOptions{Only: []models.Category{models.CategoryGravityMain}})
	require.NoError(t, err)

	assert.Nil(t, store.find(1).FacilityID)
	assert.NotContains(t, report.Categories, models.CategoryManhole)
	assert.Contains(t, report.Categories, models.CategoryGravityMain)
}

func TestResolveLabelTieBreak(t *testing.T) {
	tests := []struct {
		name      string
		cands     []models.EndpointCandidate
		want      *string
		ambiguous bool
	}{
		{"no candidates", nil, nil, false},
		{
			"single candidate",
			[]models.EndpointCandidate{{AssetID: 1, FacilityID: str("1414065")}},
			str("1414065"), false,
		},
		{
			"single untagged candidate propagates null",
			[]models.EndpointCandidate{{AssetID: 1}},
			nil, false,
		},
		{
			"multiple candidates pick smallest non-null",
			[]models.EndpointCandidate{
				{AssetID: 1, FacilityID: str("1414070")},
				{AssetID: 2, FacilityID: str("1414065")},
				{AssetID: 3},
			},
			str("1414065"), true,
		},
		{
			"multiple all untagged",
			[]models.EndpointCandidate{{AssetID: 1}, {AssetID: 2}},
			nil, true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ambiguous := ResolveLabel(tt.cands)
			assert.Equal(t, tt.ambiguous, ambiguous)
			if tt.want == nil {
				assert.Nil(t, got)
			} else {
				require.NotNil(t, got)
				assert.Equal(t, *tt.want, *got)
			}
		})
	}
}
