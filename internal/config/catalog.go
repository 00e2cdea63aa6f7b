package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/go-playground/validator/v10"

	"metergate/internal/types"
)

// catalogDocument is the on-disk shape of the meter/plan catalog.
type catalogDocument struct {
	Meters []types.MeterConfig `json:"meters" validate:"dive"`
	Plans  []types.PlanConfig  `json:"plans" validate:"dive"`
}

// Catalog holds the loaded meter and plan definitions. Meters are immutable
// once loaded; plans are mutated only by the catalog synchronizer (which adds
// resolved remote price ids) and re-persisted via Save.
type Catalog struct {
	meters map[string]types.MeterConfig
	plans  []types.PlanConfig
}

// NewCatalog builds a catalog from in-memory definitions, rejecting duplicate
// meter or plan ids.
func NewCatalog(meters []types.MeterConfig, plans []types.PlanConfig) (*Catalog, error) {
	byID := make(map[string]types.MeterConfig, len(meters))
	for _, m := range meters {
		if _, dup := byID[m.ID]; dup {
			return nil, fmt.Errorf("duplicate meter id %q", m.ID)
		}
		byID[m.ID] = m
	}

	seen := make(map[string]struct{}, len(plans))
	for _, p := range plans {
		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("duplicate plan id %q", p.ID)
		}
		seen[p.ID] = struct{}{}
	}

	return &Catalog{meters: byID, plans: append([]types.PlanConfig(nil), plans...)}, nil
}

// LoadCatalog reads and validates the catalog document at path.
func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog %s: %w", path, err)
	}

	var doc catalogDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing catalog %s: %w", path, err)
	}

	if err := validator.New().Struct(&doc); err != nil {
		return nil, fmt.Errorf("validating catalog %s: %w", path, err)
	}

	return NewCatalog(doc.Meters, doc.Plans)
}

// Meter returns the meter configuration for the given id.
func (c *Catalog) Meter(id string) (types.MeterConfig, bool) {
	m, ok := c.meters[id]
	return m, ok
}

// Meters returns all meter configurations, ordered by id so Save writes a
// stable document.
func (c *Catalog) Meters() []types.MeterConfig {
	out := make([]types.MeterConfig, 0, len(c.meters))
	for _, m := range c.meters {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Plans returns a copy of the plan definitions. Callers who mutate the copy
// (catalog sync) hand it back through SetPlans.
func (c *Catalog) Plans() []types.PlanConfig {
	return append([]types.PlanConfig(nil), c.plans...)
}

// SetPlans replaces the plan definitions, typically after a catalog sync
// resolved remote price ids.
func (c *Catalog) SetPlans(plans []types.PlanConfig) {
	c.plans = append([]types.PlanConfig(nil), plans...)
}

// Save writes the catalog document back to path so resolved remote price ids
// survive restarts. The write goes through a temp file and rename to avoid
// truncating the catalog on failure.
func (c *Catalog) Save(path string) error {
	doc := catalogDocument{Meters: c.Meters(), Plans: c.plans}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding catalog: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(raw, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing catalog %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing catalog %s: %w", path, err)
	}
	return nil
}
