// Package planner decides which derived entities a tumbling declaration needs:
// one hub rows stream per base entity plus one live table per requested timeframe.
package planner

import (
	"fmt"
	"strings"

	"github.com/ekaya-inc/ekaya-streams/pkg/models"
)

// DerivationPlanner turns a TumblingSpec into an ordered list of derived entities.
// Plan is a pure function of its inputs.
//
// Grace policy: each entity carries the explicit per-timeframe override, else the
// tumbling spec's base grace (default 1s). Grace is never incremented across timeframes.
type DerivationPlanner struct{}

// NewDerivationPlanner creates a DerivationPlanner.
func NewDerivationPlanner() *DerivationPlanner {
	return &DerivationPlanner{}
}

// Plan returns the hub entity followed by one live entity per timeframe in
// ascending canonical order. The hub is always planned; every live entity reads
// from it.
func (p *DerivationPlanner) Plan(spec models.TumblingSpec, base *models.EntityModel) ([]models.DerivedEntity, error) {
	if base == nil || strings.TrimSpace(base.Name) == "" {
		return nil, fmt.Errorf("base entity is required")
	}

	timeframes, err := models.NormalizeTimeframes(spec.Timeframes)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", base.Name, err)
	}
	if len(timeframes) == 0 || !timeframes[0].IsHub() {
		timeframes = append([]models.Timeframe{models.MustParseTimeframe(models.HubTimeframe)}, timeframes...)
	}

	keys := keyShape(spec, base)
	values := models.DisjointValues(keys, valueShape(base))
	hubID := models.HubName(base.Name)

	out := make([]models.DerivedEntity, 0, len(timeframes))
	for _, tf := range timeframes {
		if tf.IsHub() {
			out = append(out, models.DerivedEntity{
				ID:           hubID,
				Role:         models.RoleHub,
				Timeframe:    tf,
				KeyShape:     keys,
				ValueShape:   values,
				InputHint:    base.Name,
				GraceSeconds: 0,
				BasedOnSpec:  spec.BasedOn,
				WeekAnchor:   spec.WeekAnchor,
			})
			continue
		}
		out = append(out, models.DerivedEntity{
			ID:           models.LiveName(base.Name, tf),
			Role:         models.RoleLive,
			Timeframe:    tf,
			KeyShape:     keys,
			ValueShape:   values,
			InputHint:    hubID,
			GraceSeconds: spec.GraceFor(tf),
			HopSeconds:   spec.HopFor(tf),
			BasedOnSpec:  spec.BasedOn,
			WeekAnchor:   spec.WeekAnchor,
		})
	}
	return out, nil
}

// keyShape resolves the tumbling spec's group-by keys against the base entity's properties.
// Missing keys are tolerated here; the DDL planner reports unresolvable keys.
func keyShape(spec models.TumblingSpec, base *models.EntityModel) []models.ColumnShape {
	out := make([]models.ColumnShape, 0, len(spec.Keys))
	for _, k := range spec.Keys {
		if prop, ok := base.Property(k); ok {
			out = append(out, prop.Shape())
			continue
		}
		out = append(out, models.ColumnShape{Name: k, Type: "STRING"})
	}
	if len(out) == 0 {
		out = base.KeyColumns()
	}
	return out
}

func valueShape(base *models.EntityModel) []models.ColumnShape {
	out := make([]models.ColumnShape, 0, len(base.AllProperties))
	for _, p := range base.AllProperties {
		if !p.IsKey {
			out = append(out, p.Shape())
		}
	}
	return out
}

// Adapt applies a planned entity to its derived EntityModel, creating the model
// when existing is nil. Role and timeframe already recorded in metadata are kept,
// and the recorded grace never decreases.
func Adapt(existing *models.EntityModel, base *models.EntityModel, d models.DerivedEntity, namespace string) *models.EntityModel {
	m := existing
	if m == nil {
		m = &models.EntityModel{
			Name:              d.ID,
			TopicName:         strings.ToUpper(d.ID),
			Partitions:        base.Partitions,
			ReplicationFactor: base.ReplicationFactor,
		}
	}
	if m.AdditionalSettings == nil && len(base.AdditionalSettings) > 0 {
		m.AdditionalSettings = make(map[string]string, len(base.AdditionalSettings))
		for k, v := range base.AdditionalSettings {
			m.AdditionalSettings[k] = v
		}
	}

	meta := &m.Metadata
	if meta.Identifier == "" {
		meta.Identifier = d.ID
	}
	meta.EnsureRole(d.Role)
	meta.EnsureTimeframe(d.Timeframe.String())
	meta.RecordGrace(d.GraceSeconds)
	meta.InputHint = d.InputHint
	if meta.Namespace == "" {
		meta.Namespace = namespace
	}
	if len(meta.Keys) == 0 && len(m.KeyProperties) == 0 {
		ts := meta.TimestampColumn
		if prop, ok := base.TimestampProperty(); ok && ts == "" {
			ts = prop.Name
		}
		m.SetShapes(d.KeyShape, d.ValueShape, ts)
	}
	return m
}
