package queryplan

import (
	"fmt"

	"chiselcore.dev/chiselcore/internal/layout"
	"chiselcore.dev/chiselcore/internal/typesys"
)

// PolicyProvider supplies a per-entity read filter to conjoin into the
// plan. Expressions it returns are expressed in terms of Param(0) meaning
// "a row of this entity"; Plan rebases that onto the entity's actual
// position in the join tree before conjoining. internal/policy's engine
// implements this; queryplan only depends on the interface to avoid an
// import cycle (the policy engine itself depends on queryplan.Expr).
type PolicyProvider interface {
	ReadFilter(entityName string) (*Expr, error)
}

// TablePrefix is the configured table-name prefix, needed to resolve
// entity names to the same table names internal/layout and
// internal/migrate use.
type TablePrefix string

type chainState struct {
	filters  []Expr
	fields   []string
	hasFields bool
	sortKeys []SortKey
	take     *int
	skip     *int
}

// Plan turns an entity and an operator chain into a QueryPlan:
// traverse inside-out, attach LEFT JOINs
// for reference fields, conjoin policy filters, and collapse repeated
// filters/sorts/paging per the tie-break rules.
func Plan(ts *typesys.TypeSystem, policies PolicyProvider, prefix TablePrefix, chain Op) (*QueryPlan, error) {
	counter := 0
	return planLayer(ts, policies, prefix, &chain, &counter)
}

func planLayer(ts *typesys.TypeSystem, policies PolicyProvider, prefix TablePrefix, op *Op, counter *int) (*QueryPlan, error) {
	state, rootEntity, rest := decomposeLayer(op)

	if rest != nil {
		inner, err := planLayer(ts, policies, prefix, rest, counter)
		if err != nil {
			return nil, err
		}
		filter, _ := AndAll(exprPtrs(state.filters)...)
		var filterPtr *Expr
		if len(state.filters) > 0 {
			filterPtr = &filter
		}
		outer := &QueryPlan{
			Inner:    inner,
			Filter:   filterPtr,
			SortKeys: state.sortKeys,
			Take:     state.take,
			Skip:     state.skip,
		}
		if state.hasFields {
			outer.AllowedFields = state.fields
		} else {
			outer.AllowedFields = inner.AllowedFields
		}
		return outer, nil
	}

	entity, err := ts.Lookup(rootEntity)
	if err != nil {
		return nil, fmt.Errorf("queryplan: %w", err)
	}

	rootAlias := "t0"
	plan := &QueryPlan{
		RootEntity: rootEntity,
		RootTable:  layout.TableName(rootEntity, entity.Owner, string(prefix)),
		RootAlias:  rootAlias,
	}

	if err := attachColumnsAndJoins(ts, policies, prefix, entity, rootAlias, nil, []string{rootEntity}, plan, counter); err != nil {
		return nil, err
	}

	rootPolicy, err := policies.ReadFilter(rootEntity)
	if err != nil {
		return nil, err
	}

	allFilters := append([]*Expr{}, exprPtrs(state.filters)...)
	allFilters = append(allFilters, rootPolicy)
	conjoined, ok := AndAll(allFilters...)
	if ok {
		plan.Filter = &conjoined
	}

	plan.SortKeys = state.sortKeys
	plan.Take = state.take
	plan.Skip = state.skip
	if state.hasFields {
		plan.AllowedFields = state.fields
	}

	return plan, nil
}

// decomposeLayer walks op from the outside in, accumulating filters,
// projection, sort keys, and at most one Take and one Skip. It stops as
// soon as a second Take or a second Skip would be recorded in this layer
// (the first one from the outside splits the plan into a subquery layer), and
// returns the op it stopped at as rest so the caller recurses into a
// fresh nested layer starting there. It stops naturally at BaseEntity,
// returning rest=nil.
func decomposeLayer(op *Op) (state chainState, rootEntity string, rest *Op) {
	cur := op
	for {
		switch cur.Tag {
		case OpBaseEntity:
			return state, cur.EntityName, nil
		case OpFilter:
			state.filters = append(state.filters, cur.Filter)
			cur = cur.Inner
		case OpProjection:
			state.fields = cur.Fields
			state.hasFields = true
			cur = cur.Inner
		case OpSortBy:
			state.sortKeys = cur.Keys
			cur = cur.Inner
		case OpTake:
			if state.take != nil {
				return state, "", cur
			}
			n := cur.Count
			state.take = &n
			cur = cur.Inner
		case OpSkip:
			if state.skip != nil {
				return state, "", cur
			}
			n := cur.Count
			state.skip = &n
			cur = cur.Inner
		default:
			return state, "", nil
		}
	}
}

// attachColumnsAndJoins recursively attaches one Column per scalar field
// of entity, and one LEFT JOIN plus a recursive call per non-array
// reference field. visited guards against infinite recursion on
// self-referencing entities (e.g. Employee.manager -> Employee): an
// entity already on the current join path is given only its id column,
// not descended into again.
func attachColumnsAndJoins(ts *typesys.TypeSystem, policies PolicyProvider, prefix TablePrefix, entity *typesys.Entity, alias string, pathPrefix []string, visited []string, plan *QueryPlan, counter *int) error {
	plan.Columns = append(plan.Columns, Column{
		FieldPath:  joinPath(pathPrefix, "id"),
		TableAlias: alias,
		FieldName:  "id",
		SelectAs:   alias + "_id",
		Type:       typesys.Primitive(typesys.PrimString),
	})

	for _, f := range entity.Fields() {
		inner, isOptional := f.Type.Unwrap()
		path := append(append([]string{}, pathPrefix...), f.Name)

		if inner.Tag == typesys.TagEntityRef && !wasVisited(visited, inner.EntityRef) {
			refEntity, err := ts.Lookup(inner.EntityRef)
			if err != nil {
				return fmt.Errorf("queryplan: field %s: %w", f.Name, err)
			}
			*counter++
			joinAlias := truncateAlias(fmt.Sprintf("JOIN%d_%s_TO_%s", *counter, alias, inner.EntityRef))
			joinTable := layout.TableName(inner.EntityRef, refEntity.Owner, string(prefix))
			plan.Joins = append(plan.Joins, Join{
				Alias:        joinAlias,
				Table:        joinTable,
				ParentAlias:  alias,
				ParentColumn: f.Name,
				ViaFieldPath: joinPath(path, ""),
				Nullable:     isOptional,
			})
			policyExpr, err := policies.ReadFilter(inner.EntityRef)
			if err != nil {
				return err
			}
			if policyExpr != nil {
				rebased := Rebase(*policyExpr, path)
				plan.Filter = mergeFilter(plan.Filter, &rebased)
			}
			if err := attachColumnsAndJoins(ts, policies, prefix, refEntity, joinAlias, path, append(visited, inner.EntityRef), plan, counter); err != nil {
				return err
			}
			continue
		}

		plan.Columns = append(plan.Columns, Column{
			FieldPath:  joinPath(path, ""),
			TableAlias: alias,
			FieldName:  f.Name,
			SelectAs:   alias + "_" + f.Name,
			Type:       f.Type,
		})
	}
	return nil
}

func mergeFilter(existing, add *Expr) *Expr {
	if existing == nil {
		return add
	}
	joined := And(*existing, *add)
	return &joined
}

func wasVisited(visited []string, name string) bool {
	for _, v := range visited {
		if v == name {
			return true
		}
	}
	return false
}

func joinPath(prefix []string, leaf string) string {
	parts := append([]string{}, prefix...)
	if leaf != "" {
		parts = append(parts, leaf)
	}
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "."
		}
		out += p
	}
	return out
}

// truncateAlias enforces the 63-byte identifier limit most SQL dialects
// (Postgres in particular) impose on unquoted identifiers.
func truncateAlias(alias string) string {
	if len(alias) <= 63 {
		return alias
	}
	return alias[:63]
}

func exprPtrs(exprs []Expr) []*Expr {
	out := make([]*Expr, len(exprs))
	for i := range exprs {
		out[i] = &exprs[i]
	}
	return out
}

// Rebase rewrites every Param(0) leaf in e to instead mean "the entity at
// basePath", so a policy filter authored against "this entity's own
// fields" can be conjoined once that entity is reached through a chain of
// reference joins.
func Rebase(e Expr, basePath []string) Expr {
	switch e.Tag {
	case ExprParamTag:
		if e.ParamIndex == 0 && len(basePath) > 0 {
			return propChain(basePath)
		}
		return e
	case ExprBinaryTag:
		l := Rebase(*e.Left, basePath)
		r := Rebase(*e.Right, basePath)
		return Binary(e.Op, l, r)
	case ExprNotTag:
		i := Rebase(*e.Inner, basePath)
		return Not(i)
	case ExprPropTag:
		obj := Rebase(*e.Object, basePath)
		return Prop(obj, e.Property)
	default:
		return e
	}
}

func propChain(path []string) Expr {
	e := Param(0)
	for _, p := range path {
		e = Prop(e, p)
	}
	return e
}
