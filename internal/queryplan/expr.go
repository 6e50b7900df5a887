// Package queryplan turns an entity and an operator chain into a
// QueryPlan: the column set to retrieve, the LEFT JOIN tree for nested
// reference traversal, and the residual filter/sort/paging to apply.
package queryplan

import "chiselcore.dev/chiselcore/internal/value"

// BinaryOp enumerates the binary operators an Expr can carry.
type BinaryOp int

const (
	OpAnd BinaryOp = iota
	OpOr
	OpEq
	OpNeq
	OpLt
	OpLte
	OpGt
	OpGte
)

// ExprTag discriminates an Expr's variant.
type ExprTag int

const (
	ExprValueTag ExprTag = iota
	ExprBinaryTag
	ExprNotTag
	ExprParamTag
	ExprPropTag
)

// Expr is the filter-expression tree: a literal Value, a binary
// combination, a negation, a reference to the row under evaluation
// (Parameter(0) is always the entity row; the grammar reserves the index
// for future multi-row contexts), or a property access drilling into a
// nested reference.
type Expr struct {
	Tag ExprTag

	Literal value.Value // ExprValueTag

	Op    BinaryOp // ExprBinaryTag
	Left  *Expr
	Right *Expr

	Inner *Expr // ExprNotTag

	ParamIndex int // ExprParamTag

	Object   *Expr  // ExprPropTag
	Property string // ExprPropTag
}

func Lit(v value.Value) Expr { return Expr{Tag: ExprValueTag, Literal: v} }

func Binary(op BinaryOp, left, right Expr) Expr {
	return Expr{Tag: ExprBinaryTag, Op: op, Left: &left, Right: &right}
}

func Not(inner Expr) Expr { return Expr{Tag: ExprNotTag, Inner: &inner} }

func Param(index int) Expr { return Expr{Tag: ExprParamTag, ParamIndex: index} }

func Prop(object Expr, property string) Expr {
	return Expr{Tag: ExprPropTag, Object: &object, Property: property}
}

// And conjoins two expressions. If either side is the zero Expr (no
// filter at all, i.e. Tag defaults to ExprValueTag with a Null literal and
// no other fields set is ambiguous) callers should prefer AndAll, which
// treats a nil in the slice as "no filter" and skips it.
func And(a, b Expr) Expr { return Binary(OpAnd, a, b) }

// AndAll conjoins a list of optional expressions, skipping nils, and
// returns (Expr{}, false) if none were present. This is how the planner
// implements "collapse consecutive filters into conjunctions" across the
// user's explicit Filters and the PolicyEngine's implicit ones.
func AndAll(exprs ...*Expr) (Expr, bool) {
	var acc *Expr
	for _, e := range exprs {
		if e == nil {
			continue
		}
		if acc == nil {
			cp := *e
			acc = &cp
			continue
		}
		joined := And(*acc, *e)
		acc = &joined
	}
	if acc == nil {
		return Expr{}, false
	}
	return *acc, true
}
