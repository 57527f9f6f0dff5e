// Package rules holds the decision table routing assets to a naming strategy.
package rules

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jaketajohnson/Attributor/internal/models"
)

// Strategy is the naming strategy a rule routes an asset to.
type Strategy string

const (
	StrategyFingerprint  Strategy = "fingerprint"
	StrategyZoneSequence Strategy = "zone-sequence"
	StrategyEndpointPair Strategy = "endpoint-pair"

	// StrategyNone is returned when no rule covers the asset. The engine
	// records it and moves on.
	StrategyNone Strategy = "none"
)

// Rule is one row of the decision table. Empty match fields mean "any".
// Rules are evaluated in declared order; the first match wins.
type Rule struct {
	Name       string                  `yaml:"name"`
	Categories []models.Category       `yaml:"categories,omitempty"`
	Geometry   models.GeometryKind     `yaml:"geometry,omitempty"`
	Ownership  []models.OwnershipClass `yaml:"ownership,omitempty"`
	Stages     []int                   `yaml:"stages,omitempty"`
	WaterTypes []string                `yaml:"water_types,omitempty"`
	Strategy   Strategy                `yaml:"strategy"`
}

// CategorySettings carries per-category identifier conventions.
type CategorySettings struct {
	Geometry models.GeometryKind `yaml:"geometry"`

	// SequenceSuffix is the letter appended to zone-sequence ids, e.g. "C"
	// for cleanouts.
	SequenceSuffix string `yaml:"sequence_suffix,omitempty"`
	// SequenceWidth overrides the 3-digit zero-padded suffix width.
	SequenceWidth int `yaml:"sequence_width,omitempty"`
	// LegacyPrefixes are stripped from existing ids before the sequence scan.
	LegacyPrefixes []string `yaml:"legacy_prefixes,omitempty"`
	// CounterPool lists the categories sharing this category's zone counter.
	// Empty means the category numbers independently.
	CounterPool []models.Category `yaml:"counter_pool,omitempty"`
	// EndpointCategories are the point categories considered as terminals
	// when resolving line endpoints.
	EndpointCategories []models.Category `yaml:"endpoint_categories,omitempty"`
}

// Table is the full attribution configuration: processing order, decision
// rules, and per-category conventions.
type Table struct {
	Order      []models.Category                    `yaml:"order"`
	Rules      []Rule                               `yaml:"rules"`
	Categories map[models.Category]CategorySettings `yaml:"categories"`
}

// Default returns the built-in table, matching the conventions the source
// system evolved: sequence numbering for operator-owned as-built points,
// endpoint pairs for operator sanitary/combined mains, fingerprints for
// everything storm-service, private, or proposed.
func Default() *Table {
	return &Table{
		Order: []models.Category{
			models.CategoryManhole,
			models.CategoryInlet,
			models.CategoryCleanout,
			models.CategoryFitting,
			models.CategoryDischargePoint,
			models.CategoryGravityMain,
			models.CategoryCulvert,
		},
		Rules: []Rule{
			{
				Name: "fingerprint-only-categories",
				Categories: []models.Category{
					models.CategoryInlet,
					models.CategoryFitting,
					models.CategoryDischargePoint,
				},
				Strategy: StrategyFingerprint,
			},
			{
				// Storm service recorded in a sanitary layer never gets a
				// zone number or endpoint pair.
				Name:       "foreign-storm-service",
				WaterTypes: []string{models.WaterTypeStorm},
				Strategy:   StrategyFingerprint,
			},
			{
				Name:      "operator-as-built-points",
				Geometry:  models.GeometryPoint,
				Ownership: []models.OwnershipClass{models.OwnershipOperator},
				Stages:    []int{models.StageAsBuilt},
				Strategy:  StrategyZoneSequence,
			},
			{
				Name:     "remaining-points",
				Geometry: models.GeometryPoint,
				Strategy: StrategyFingerprint,
			},
			{
				Name:      "operator-sewer-lines",
				Geometry:  models.GeometryLine,
				Ownership: []models.OwnershipClass{models.OwnershipOperator},
				Stages:    []int{models.StageAsBuilt},
				WaterTypes: []string{
					models.WaterTypeSanitary,
					models.WaterTypeCombined,
				},
				Strategy: StrategyEndpointPair,
			},
			{
				Name:     "remaining-lines",
				Geometry: models.GeometryLine,
				Strategy: StrategyFingerprint,
			},
		},
		Categories: map[models.Category]CategorySettings{
			models.CategoryManhole:  {Geometry: models.GeometryPoint},
			models.CategoryCleanout: {Geometry: models.GeometryPoint, SequenceSuffix: "C"},
			models.CategoryInlet:    {Geometry: models.GeometryPoint},
			models.CategoryFitting:  {Geometry: models.GeometryPoint},
			models.CategoryDischargePoint: {
				Geometry:       models.GeometryPoint,
				LegacyPrefixes: []string{"SD"},
			},
			models.CategoryGravityMain: {
				Geometry: models.GeometryLine,
				EndpointCategories: []models.Category{
					models.CategoryManhole,
					models.CategoryCleanout,
				},
			},
			models.CategoryCulvert: {
				Geometry: models.GeometryLine,
				EndpointCategories: []models.Category{
					models.CategoryManhole,
					models.CategoryInlet,
				},
			},
			models.CategoryDetentionBasin: {Geometry: models.GeometryArea},
		},
	}
}

// Load reads a YAML rules file. The file fully replaces the default table;
// there is no merging.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rules file %s: %w", path, err)
	}
	return &t, nil
}

// Validate checks strategies, category references, and geometry coverage.
func (t *Table) Validate() error {
	if len(t.Rules) == 0 {
		return fmt.Errorf("no rules defined")
	}
	for i, r := range t.Rules {
		switch r.Strategy {
		case StrategyFingerprint, StrategyZoneSequence, StrategyEndpointPair:
		default:
			return fmt.Errorf("rule %d (%s): unknown strategy %q", i, r.Name, r.Strategy)
		}
		for _, c := range r.Categories {
			if _, ok := t.Categories[c]; !ok {
				return fmt.Errorf("rule %d (%s): unknown category %q", i, r.Name, c)
			}
		}
		for _, o := range r.Ownership {
			switch o {
			case models.OwnershipOperator, models.OwnershipPrivate, models.OwnershipOther:
			default:
				return fmt.Errorf("rule %d (%s): unknown ownership class %q", i, r.Name, o)
			}
		}
	}
	for _, c := range t.Order {
		s, ok := t.Categories[c]
		if !ok {
			return fmt.Errorf("ordered category %q has no settings", c)
		}
		switch s.Geometry {
		case models.GeometryPoint, models.GeometryLine, models.GeometryArea:
		default:
			return fmt.Errorf("category %q: unknown geometry %q", c, s.Geometry)
		}
	}
	return nil
}

// Classify routes an asset to its naming strategy and reports the matching
// rule's name for logging.
func (t *Table) Classify(a *models.Asset) (Strategy, string) {
	geom := t.Geometry(a.Category)
	for i := range t.Rules {
		if t.Rules[i].matches(a, geom) {
			return t.Rules[i].Strategy, t.Rules[i].Name
		}
	}
	return StrategyNone, ""
}

// Geometry returns the geometry kind configured for a category.
func (t *Table) Geometry(cat models.Category) models.GeometryKind {
	return t.Categories[cat].Geometry
}

// Settings returns the per-category conventions.
func (t *Table) Settings(cat models.Category) CategorySettings {
	return t.Categories[cat]
}

// CounterPool returns the categories whose existing ids seed the zone
// counter for cat. Defaults to the category itself.
func (t *Table) CounterPool(cat models.Category) []models.Category {
	if pool := t.Categories[cat].CounterPool; len(pool) > 0 {
		return pool
	}
	return []models.Category{cat}
}

// EndpointCategories returns the terminal point categories used when
// resolving line endpoints for cat.
func (t *Table) EndpointCategories(cat models.Category) []models.Category {
	return t.Categories[cat].EndpointCategories
}

func (r *Rule) matches(a *models.Asset, geom models.GeometryKind) bool {
	if len(r.Categories) > 0 && !containsCategory(r.Categories, a.Category) {
		return false
	}
	if r.Geometry != "" && r.Geometry != geom {
		return false
	}
	if len(r.Ownership) > 0 && !containsOwnership(r.Ownership, models.OwnershipClassOf(a.Ownership)) {
		return false
	}
	if len(r.Stages) > 0 && !containsInt(r.Stages, a.Stage) {
		return false
	}
	if len(r.WaterTypes) > 0 {
		if a.WaterType == nil || !containsString(r.WaterTypes, *a.WaterType) {
			return false
		}
	}
	return true
}

func containsCategory(list []models.Category, v models.Category) bool {
	for _, c := range list {
		if c == v {
			return true
		}
	}
	return false
}

func containsOwnership(list []models.OwnershipClass, v models.OwnershipClass) bool {
	for _, o := range list {
		if o == v {
			return true
		}
	}
	return false
}

func containsInt(list []int, v int) bool {
	for _, n := range list {
		if n == v {
			return true
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
