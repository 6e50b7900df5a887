// Package crud builds an operator chain from URL query parameters and
// drives it through internal/ops to produce a paged result with
// page_size/next_page/prev_page cursors.
package crud

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"chiselcore.dev/chiselcore/internal/ops"
	"chiselcore.dev/chiselcore/internal/queryplan"
	"chiselcore.dev/chiselcore/internal/typesys"
	"chiselcore.dev/chiselcore/internal/value"
)

// DefaultPageSize matches a modest listing size when the caller supplies
// no page_size query parameter.
const DefaultPageSize = 20

// reserved query parameter names consumed by crud itself rather than
// treated as an equality filter.
var reserved = map[string]bool{
	"sort":      true,
	"limit":     true,
	"page_size": true,
	"offset":    true,
	"filter":    true,
}

// Page is crud_query's output: the rehydrated rows plus relative-URL
// cursors for the next and previous page, empty when there is none.
type Page struct {
	Results  []value.Value
	NextPage string
	PrevPage string
}

// Query implements op_crud_query: parse rawQuery into an operator chain
// over entityName, run it through oc, and return one page of results.
// basePath is the request path without its query string, used to build
// the next_page/prev_page cursor URLs.
func Query(ctx context.Context, oc *ops.Context, ts *typesys.TypeSystem, entityName, basePath, rawQuery string) (*Page, error) {
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil, fmt.Errorf("crud: parsing query string: %w", err)
	}

	pageSize, err := intParam(values, "page_size", "limit", DefaultPageSize)
	if err != nil {
		return nil, err
	}
	offset, err := intParam(values, "offset", "", 0)
	if err != nil {
		return nil, err
	}

	chain, err := buildChain(ts, entityName, values, pageSize+1, offset)
	if err != nil {
		return nil, err
	}

	rid, err := oc.RelationalQueryCreate(ctx, chain)
	if err != nil {
		return nil, err
	}
	defer func() { _ = oc.CloseQuery(rid) }()

	var rows []value.Value
	for {
		row, ok, err := oc.QueryNext(ctx, rid)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		rows = append(rows, row)
		if len(rows) == pageSize+1 {
			break
		}
	}

	page := &Page{}
	hasMore := len(rows) > pageSize
	if hasMore {
		rows = rows[:pageSize]
	}
	page.Results = rows

	if hasMore {
		page.NextPage = cursorURL(basePath, values, offset+pageSize)
	}
	if offset > 0 {
		prevOffset := offset - pageSize
		if prevOffset < 0 {
			prevOffset = 0
		}
		page.PrevPage = cursorURL(basePath, values, prevOffset)
	}

	return page, nil
}

// Delete implements op_crud_delete: the same operator-chain construction
// as Query, minus paging, handed to ops.Context.Delete.
func Delete(ctx context.Context, oc *ops.Context, ts *typesys.TypeSystem, entityName, rawQuery string) error {
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return fmt.Errorf("crud: parsing query string: %w", err)
	}
	filter, err := buildFilter(ts, entityName, values)
	if err != nil {
		return err
	}
	return oc.Delete(ctx, entityName, filter)
}

func cursorURL(basePath string, base url.Values, offset int) string {
	values := url.Values{}
	for k, v := range base {
		if k == "offset" {
			continue
		}
		values[k] = v
	}
	values.Set("offset", strconv.Itoa(offset))
	return basePath + "?" + values.Encode()
}

func intParam(values url.Values, primary, alias string, def int) (int, error) {
	raw := values.Get(primary)
	if raw == "" && alias != "" {
		raw = values.Get(alias)
	}
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("crud: invalid %s %q", primary, raw)
	}
	return n, nil
}

// buildChain turns query parameters into the operator chain Plan expects:
// BaseEntity -> Filter (equality params + filter=json) -> SortBy -> Skip
// -> Take, matching query_str_to_ops's op ordering (sort/filter collected
// first, skip/take appended last).
func buildChain(ts *typesys.TypeSystem, entityName string, values url.Values, take, skip int) (queryplan.Op, error) {
	entity, err := ts.Lookup(entityName)
	if err != nil {
		return queryplan.Op{}, err
	}

	chain := queryplan.BaseEntity(entityName)

	filter, err := buildFilter(ts, entityName, values)
	if err != nil {
		return queryplan.Op{}, err
	}
	if filter != nil {
		chain = queryplan.FilterOp(*filter, chain)
	}

	if sortParam := values.Get("sort"); sortParam != "" {
		keys, err := parseSortKeys(entity, sortParam)
		if err != nil {
			return queryplan.Op{}, err
		}
		chain = queryplan.SortByOp(keys, chain)
	}

	if skip > 0 {
		chain = queryplan.SkipOp(skip, chain)
	}
	chain = queryplan.TakeOp(take, chain)

	return chain, nil
}

func parseSortKeys(entity *typesys.Entity, raw string) ([]queryplan.SortKey, error) {
	var keys []queryplan.SortKey
	for _, field := range strings.Split(raw, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		descending := false
		if strings.HasPrefix(field, "-") {
			descending = true
			field = field[1:]
		} else if strings.HasPrefix(field, "+") {
			field = field[1:]
		}
		if field != "id" {
			if _, ok := entity.Field(field); !ok {
				return nil, fmt.Errorf("crud: sort by non-existent field %q on entity %s", field, entity.Name)
			}
		}
		keys = append(keys, queryplan.SortKey{FieldPath: field, Descending: descending})
	}
	return keys, nil
}

// buildFilter conjoins one equality expression per plain query parameter
// (param=value means field == value) plus any JSON object given under the
// "filter" parameter, matching convert_json_to_filter_expr's field-type
// coercion (string/id, float, bool; entity-typed fields are rejected).
func buildFilter(ts *typesys.TypeSystem, entityName string, values url.Values) (*queryplan.Expr, error) {
	entity, err := ts.Lookup(entityName)
	if err != nil {
		return nil, err
	}

	var exprs []*queryplan.Expr
	for key, vals := range values {
		if reserved[key] || len(vals) == 0 {
			continue
		}
		if key == "filter" {
			continue
		}
		field, ok := entity.Field(key)
		if !ok {
			return nil, fmt.Errorf("crud: entity %s has no field named %q", entity.Name, key)
		}
		lit, err := coerceLiteral(field, vals[0])
		if err != nil {
			return nil, err
		}
		e := queryplan.Binary(queryplan.OpEq, queryplan.Prop(queryplan.Param(0), key), queryplan.Lit(lit))
		exprs = append(exprs, &e)
	}

	if raw := values.Get("filter"); raw != "" {
		var obj map[string]any
		if err := json.Unmarshal([]byte(raw), &obj); err != nil {
			return nil, fmt.Errorf("crud: parsing filter JSON: %w", err)
		}
		for key, v := range obj {
			field, ok := entity.Field(key)
			if !ok {
				return nil, fmt.Errorf("crud: entity %s has no field named %q", entity.Name, key)
			}
			lit, err := coerceLiteralAny(field, v)
			if err != nil {
				return nil, err
			}
			e := queryplan.Binary(queryplan.OpEq, queryplan.Prop(queryplan.Param(0), key), queryplan.Lit(lit))
			exprs = append(exprs, &e)
		}
	}

	filter, ok := queryplan.AndAll(exprs...)
	if !ok {
		return nil, nil
	}
	return &filter, nil
}

func coerceLiteral(field typesys.Field, raw string) (value.Value, error) {
	inner, _ := field.Type.Unwrap()
	switch inner.Tag {
	case typesys.TagPrimitive:
		switch inner.Primitive {
		case typesys.PrimString, typesys.PrimUUID:
			return value.String(raw), nil
		case typesys.PrimNumber, typesys.PrimJSDate:
			f, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return value.Null(), fmt.Errorf("crud: field %s expects a number, got %q", field.Name, raw)
			}
			return value.F64(f), nil
		case typesys.PrimBoolean:
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return value.Null(), fmt.Errorf("crud: field %s expects a boolean, got %q", field.Name, raw)
			}
			return value.Bool(b), nil
		}
	}
	return value.Null(), fmt.Errorf("crud: field %s is not filterable by an equality query parameter", field.Name)
}

func coerceLiteralAny(field typesys.Field, raw any) (value.Value, error) {
	switch v := raw.(type) {
	case string:
		return coerceLiteral(field, v)
	case bool:
		return value.Bool(v), nil
	case float64:
		return value.F64(v), nil
	default:
		return value.Null(), fmt.Errorf("crud: unsupported filter value for field %s", field.Name)
	}
}
