package rules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaketajohnson/Attributor/internal/models"
)

func strPtr(s string) *string { return &s }

func TestDefaultTableClassify(t *testing.T) {
	table := Default()
	require.NoError(t, table.Validate())

	tests := []struct {
		name     string
		asset    models.Asset
		strategy Strategy
		rule     string
	}{
		{
			name: "operator as-built manhole",
			asset: models.Asset{
				Category:  models.CategoryManhole,
				Ownership: models.OwnedByOperator,
				Stage:     models.StageAsBuilt,
				WaterType: strPtr(models.WaterTypeSanitary),
			},
			strategy: StrategyZoneSequence,
			rule:     "operator-as-built-points",
		},
		{
			name: "operator cleanout",
			asset: models.Asset{
				Category:  models.CategoryCleanout,
				Ownership: models.OwnedByOperator,
				Stage:     models.StageAsBuilt,
				WaterType: strPtr(models.WaterTypeSanitary),
			},
			strategy: StrategyZoneSequence,
			rule:     "operator-as-built-points",
		},
		{
			name: "storm manhole in sanitary layer",
			asset: models.Asset{
				Category:  models.CategoryManhole,
				Ownership: models.OwnedByOperator,
				Stage:     models.StageAsBuilt,
				WaterType: strPtr(models.WaterTypeStorm),
			},
			strategy: StrategyFingerprint,
			rule:     "foreign-storm-service",
		},
		{
			name: "private cleanout",
			asset: models.Asset{
				Category:  models.CategoryCleanout,
				Ownership: models.OwnedPrivate,
				Stage:     models.StageAsBuilt,
				WaterType: strPtr(models.WaterTypeSanitary),
			},
			strategy: StrategyFingerprint,
			rule:     "remaining-points",
		},
		{
			name: "proposed manhole",
			asset: models.Asset{
				Category:  models.CategoryManhole,
				Ownership: models.OwnedByOperator,
				Stage:     models.StageProposed,
				WaterType: strPtr(models.WaterTypeSanitary),
			},
			strategy: StrategyFingerprint,
			rule:     "remaining-points",
		},
		{
			name: "inlet is always fingerprinted",
			asset: models.Asset{
				Category:  models.CategoryInlet,
				Ownership: models.OwnedByOperator,
				Stage:     models.StageAsBuilt,
			},
			strategy: StrategyFingerprint,
			rule:     "fingerprint-only-categories",
		},
		{
			name: "operator sanitary main",
			asset: models.Asset{
				Category:  models.CategoryGravityMain,
				Ownership: models.OwnedByOperator,
				Stage:     models.StageAsBuilt,
				WaterType: strPtr(models.WaterTypeCombined),
			},
			strategy: StrategyEndpointPair,
			rule:     "operator-sewer-lines",
		},
		{
			name: "storm main",
			asset: models.Asset{
				Category:  models.CategoryGravityMain,
				Ownership: models.OwnedByOperator,
				Stage:     models.StageAsBuilt,
				WaterType: strPtr(models.WaterTypeStorm),
			},
			strategy: StrategyFingerprint,
			rule:     "foreign-storm-service",
		},
		{
			name: "private sanitary main",
			asset: models.Asset{
				Category:  models.CategoryGravityMain,
				Ownership: models.OwnedPrivate,
				Stage:     models.StageAsBuilt,
				WaterType: strPtr(models.WaterTypeSanitary),
			},
			strategy: StrategyFingerprint,
			rule:     "remaining-lines",
		},
		{
			name: "culvert",
			asset: models.Asset{
				Category:  models.CategoryCulvert,
				Ownership: models.OwnedByOperator,
				Stage:     models.StageAsBuilt,
				WaterType: strPtr(models.WaterTypeStorm),
			},
			strategy: StrategyFingerprint,
			rule:     "foreign-storm-service",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			strategy, rule := table.Classify(&tt.asset)
			assert.Equal(t, tt.strategy, strategy)
			assert.Equal(t, tt.rule, rule)
		})
	}
}

func TestClassifyNoMatch(t *testing.T) {
	table := Default()

	// Area geometry matches no rule when no water type routes it.
	basin := models.Asset{
		Category:  models.CategoryDetentionBasin,
		Ownership: models.OwnedByOperator,
		Stage:     models.StageAsBuilt,
	}
	strategy, rule := table.Classify(&basin)
	assert.Equal(t, StrategyNone, strategy)
	assert.Empty(t, rule)
}

func TestFirstMatchWins(t *testing.T) {
	table := &Table{
		Order: []models.Category{models.CategoryManhole},
		Rules: []Rule{
			{Name: "first", Geometry: models.GeometryPoint, Strategy: StrategyFingerprint},
			{Name: "second", Geometry: models.GeometryPoint, Strategy: StrategyZoneSequence},
		},
		Categories: map[models.Category]CategorySettings{
			models.CategoryManhole: {Geometry: models.GeometryPoint},
		},
	}
	require.NoError(t, table.Validate())

	strategy, rule := table.Classify(&models.Asset{Category: models.CategoryManhole})
	assert.Equal(t, StrategyFingerprint, strategy)
	assert.Equal(t, "first", rule)
}

func TestCounterPoolDefaultsToSelf(t *testing.T) {
	table := Default()

	assert.Equal(t, []models.Category{models.CategoryManhole}, table.CounterPool(models.CategoryManhole))
	assert.Equal(t, []models.Category{models.CategoryCleanout}, table.CounterPool(models.CategoryCleanout))
}

func TestValidateRejects(t *testing.T) {
	base := func() *Table { return Default() }

	t.Run("unknown strategy", func(t *testing.T) {
		table := base()
		table.Rules[0].Strategy = "guess"
		require.Error(t, table.Validate())
	})

	t.Run("unknown category in rule", func(t *testing.T) {
		table := base()
		table.Rules[0].Categories = append(table.Rules[0].Categories, "Hydrant")
		require.Error(t, table.Validate())
	})

	t.Run("unknown ownership class", func(t *testing.T) {
		table := base()
		table.Rules[2].Ownership = []models.OwnershipClass{"municipal"}
		require.Error(t, table.Validate())
	})

	t.Run("ordered category without settings", func(t *testing.T) {
		table := base()
		table.Order = append(table.Order, "Hydrant")
		require.Error(t, table.Validate())
	})

	t.Run("no rules", func(t *testing.T) {
		table := base()
		table.Rules = nil
		require.Error(t, table.Validate())
	})
}

func TestLoadReplacesDefaults(t *testing.T) {
	doc := `
order: [Manhole, Cleanout]
rules:
  - name: shared-pool-points
    geometry: point
    ownership: [operator]
    strategy: zone-sequence
  - name: everything-else
    strategy: fingerprint
categories:
  Manhole:
    geometry: point
  Cleanout:
    geometry: point
    sequence_suffix: C
    counter_pool: [Manhole, Cleanout]
`
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	table, err := Load(path)
	require.NoError(t, err)

	assert.Len(t, table.Rules, 2)
	assert.Equal(t, []models.Category{models.CategoryManhole, models.CategoryCleanout}, table.Order)

	// Cleanouts now share the manhole counter.
	assert.Equal(t,
		[]models.Category{models.CategoryManhole, models.CategoryCleanout},
		table.CounterPool(models.CategoryCleanout))
	assert.Equal(t, "C", table.Settings(models.CategoryCleanout).SequenceSuffix)

	// A private manhole falls through to the catch-all.
	strategy, rule := table.Classify(&models.Asset{
		Category:  models.CategoryManhole,
		Ownership: models.OwnedPrivate,
	})
	assert.Equal(t, StrategyFingerprint, strategy)
	assert.Equal(t, "everything-else", rule)
}

func TestLoadRejectsBadFile(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})

	t.Run("invalid strategy", func(t *testing.T) {
		doc := `
rules:
  - name: broken
    strategy: coinflip
categories: {}
`
		path := filepath.Join(t.TempDir(), "rules.yaml")
		require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

		_, err := Load(path)
		require.Error(t, err)
	})

	t.Run("not yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rules.yaml")
		require.NoError(t, os.WriteFile(path, []byte("{{nope"), 0o644))

		_, err := Load(path)
		require.Error(t, err)
	})
}
