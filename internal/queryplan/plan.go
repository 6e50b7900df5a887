package queryplan

import "chiselcore.dev/chiselcore/internal/typesys"

// Join is one LEFT JOIN edge attaching a reference field's table.
type Join struct {
	Alias        string // generated JOIN{n}_{parent}_TO_{child} alias, truncated to 63 bytes
	Table        string
	ParentAlias  string
	ParentColumn string // the reference column on the parent side (the field name)
	ViaFieldPath string // dotted path from the root this join represents
	Nullable     bool   // whether the parent's reference field was declared optional
}

// Column is one selected column: its dotted field path from the root (for
// rehydration), the generated SELECT alias, and the field's declared type
// (for the boolean/jsDate/bytes decoding rules in rehydration).
type Column struct {
	FieldPath  string
	TableAlias string
	FieldName  string
	SelectAs   string
	Type       typesys.FieldType
}

// QueryPlan is the planner's output: everything SqlRenderer needs to
// produce one SELECT (or DELETE ... WHERE id IN (SELECT ...)), plus
// whatever QueryEngine needs to rehydrate and post-process the rows.
type QueryPlan struct {
	RootEntity string
	RootTable  string
	RootAlias  string

	Joins   []Join
	Columns []Column

	Filter   *Expr
	SortKeys []SortKey
	Take     *int
	Skip     *int

	// AllowedFields, when non-nil, is applied after rehydration as a
	// top-level key filter rather than pushed down into SELECT, which
	// keeps the rehydration shape stable.
	AllowedFields []string

	// Inner, when set, means this plan wraps another: render as
	// SELECT * FROM (<Inner rendered>) AS sub WHERE <Filter>, used when
	// the chain carries more than one Take/Skip layer.
	Inner *QueryPlan
}
