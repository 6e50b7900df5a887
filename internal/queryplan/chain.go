package queryplan

// OpTag discriminates an Op's variant.
type OpTag int

const (
	OpBaseEntity OpTag = iota
	OpFilter
	OpProjection
	OpTake
	OpSkip
	OpSortBy
)

// SortKey is one ORDER BY term.
type SortKey struct {
	FieldPath  string
	Descending bool
}

// Op is one link of the user-visible operator chain:
// BaseEntity fixes the root, everything else wraps an Inner op
// and is consumed inside-out by Plan.
type Op struct {
	Tag OpTag

	EntityName string // OpBaseEntity

	Filter Expr // OpFilter

	Fields []string // OpProjection

	Count int // OpTake, OpSkip

	Keys []SortKey // OpSortBy

	Inner *Op
}

func BaseEntity(name string) Op { return Op{Tag: OpBaseEntity, EntityName: name} }

func FilterOp(expr Expr, inner Op) Op { return Op{Tag: OpFilter, Filter: expr, Inner: &inner} }

func ProjectionOp(fields []string, inner Op) Op {
	return Op{Tag: OpProjection, Fields: fields, Inner: &inner}
}

func TakeOp(count int, inner Op) Op { return Op{Tag: OpTake, Count: count, Inner: &inner} }

func SkipOp(count int, inner Op) Op { return Op{Tag: OpSkip, Count: count, Inner: &inner} }

func SortByOp(keys []SortKey, inner Op) Op { return Op{Tag: OpSortBy, Keys: keys, Inner: &inner} }
