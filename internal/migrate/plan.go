// Package migrate plans the ordered set of SQL-level steps that carry one
// entity table from an old Layout to a new one, and defines the Dialect
// seam (internal/migrate/pgdialect, internal/migrate/litedialect) that
// renders those steps as statements for a specific database.
package migrate

import (
	"chiselcore.dev/chiselcore/internal/layout"
	"chiselcore.dev/chiselcore/internal/typesys"
	"chiselcore.dev/chiselcore/internal/value"
)

// StepKind discriminates a Step's variant.
type StepKind int

const (
	StepAddTable StepKind = iota
	StepAddColumn
	StepUpdateColumn
	StepRemoveColumn
	StepRemoveTable
)

// Step is one unit of schema change. Only the fields relevant to Kind are
// populated; Plan emits Steps in an order that is always safe to execute
// sequentially inside a single transaction.
type Step struct {
	Kind StepKind

	Table  string          // AddTable, RemoveTable
	IDCol  layout.IDColumn // AddTable

	Column      layout.FieldColumn // AddColumn, UpdateColumn, RemoveColumn
	SeedValue   *value.Value       // AddColumn: the field's declared default, written at insert time by dialects that can't express DEFAULT
	NewNullable *bool              // UpdateColumn: the only shape change this step kind supports
}

// Plan is an ordered list of Steps, safe to execute as an atomic unit.
type Plan struct {
	Steps []Step
}

// NewEntity plans the steps that create a brand new entity table: an
// AddTable step followed by one AddColumn step per declared field, in
// field declaration order. It does not consult typesys.Delta: a field on a
// never-before-seen entity is not "added to an existing entity" in the
// sense the default-value rule covers, so required fields with no
// default are permitted here (there are, by construction, zero existing
// rows to be missing a value).
func NewEntity(table string, entity *typesys.Entity, idCol layout.IDColumn) *Plan {
	p := &Plan{Steps: []Step{{Kind: StepAddTable, Table: table, IDCol: idCol}}}
	for _, f := range entity.Fields() {
		p.Steps = append(p.Steps, Step{Kind: StepAddColumn, Table: table, Column: layout.NewFieldColumn(f), SeedValue: f.Default})
	}
	return p
}

// ForEntity plans the steps needed to carry an existing entity's table
// forward, given the already safety-checked delta against the prior
// version. ForEntity does not itself call typesys.Delta: the caller
// computed delta against tableEmpty, and any rejection there must abort
// before planning begins and before any SQL runs.
func ForEntity(table string, delta *typesys.ObjectDelta) *Plan {
	p := &Plan{}

	for _, f := range delta.AddedFields {
		col := layout.NewFieldColumn(f)
		p.Steps = append(p.Steps, Step{Kind: StepAddColumn, Table: table, Column: col, SeedValue: f.Default})
	}

	for _, upd := range delta.UpdatedFields {
		oldCol := layout.NewFieldColumn(upd.Old)
		newCol := layout.UpdateFieldColumn(oldCol, upd.New.Type)
		if newCol.Nullable != oldCol.Nullable {
			nullable := newCol.Nullable
			p.Steps = append(p.Steps, Step{Kind: StepUpdateColumn, Table: table, Column: newCol, NewNullable: &nullable})
		}
	}

	for _, name := range delta.RemovedFields {
		p.Steps = append(p.Steps, Step{Kind: StepRemoveColumn, Table: table, Column: layout.FieldColumn{Name: name}})
	}

	return p
}

// RemoveEntity plans dropping a table no longer present in the new schema.
// RemoveTable steps always sort after every other entity's steps, so
// Merge below appends all RemoveEntity plans' steps last.
func RemoveEntity(table string) *Plan {
	return &Plan{Steps: []Step{{Kind: StepRemoveTable, Table: table}}}
}

// Merge concatenates per-entity plans into one, placing every
// StepRemoveTable after all other steps regardless of the order the
// per-entity plans were given in, satisfying rule 5 of the ordering
// (RemoveTable emitted last).
func Merge(plans ...*Plan) *Plan {
	merged := &Plan{}
	var removes []Step
	for _, p := range plans {
		for _, s := range p.Steps {
			if s.Kind == StepRemoveTable {
				removes = append(removes, s)
				continue
			}
			merged.Steps = append(merged.Steps, s)
		}
	}
	merged.Steps = append(merged.Steps, removes...)
	return merged
}
