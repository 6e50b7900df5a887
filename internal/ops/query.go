package ops

import (
	"context"

	"chiselcore.dev/chiselcore/internal/policy"
	"chiselcore.dev/chiselcore/internal/queryplan"
	"chiselcore.dev/chiselcore/internal/value"
)

// RelationalQueryCreate implements op_relational_query_create: plans chain
// against this job's TypeSystem and PolicyEngine, begins streaming it
// against the job's transaction, and returns the resource id query_next
// will pull from.
func (c *Context) RelationalQueryCreate(ctx context.Context, chain queryplan.Op) (int64, error) {
	txn, err := c.requireTxn()
	if err != nil {
		return 0, err
	}
	plan, err := queryplan.Plan(c.Types, c.Policy, c.Prefix, chain)
	if err != nil {
		return 0, err
	}
	stream, err := c.Engine.Query(ctx, txn, plan)
	if err != nil {
		return 0, err
	}
	return c.resources.put(stream, rootEntityOf(plan)), nil
}

func rootEntityOf(plan *queryplan.QueryPlan) string {
	p := plan
	for p.Inner != nil {
		p = p.Inner
	}
	return p.RootEntity
}

// QueryNext implements op_query_next: pulls rehydrated rows from the
// stream behind rid, applying the root entity's per-row code-policy
// action and label transform to each one, skipping rows the policy marks
// Skip and failing the whole op on the first Deny (a policy error
// terminates the current stream). ok is false (err nil) once the stream
// is exhausted.
//
// Only the root entity's policy is evaluated per row here: a joined
// entity's read policy is already enforced by its ReadFilter pushdown at
// plan time (queryplan.Plan conjoins it into the WHERE clause), and a
// root code policy codepolicy.Analyze could not reduce to a pushdown
// filter keeps fixed-order but otherwise unspecified semantics when it
// interacts with a joined entity's own policy, rather than attempting
// full recursive per-path enforcement.
func (c *Context) QueryNext(ctx context.Context, rid int64) (v value.Value, ok bool, err error) {
	entry, found := c.resources.get(rid)
	if !found {
		return value.Null(), false, ErrUnknownResource
	}

	ctxVal := value.FromMap(value.NewMap().
		Set("userId", value.String(c.Request.UserID)).
		Set("method", value.String(c.Request.Method)).
		Set("path", value.String(c.Request.Path)))

	for {
		row, hasNext, err := entry.stream.Next(ctx)
		if err != nil {
			return value.Null(), false, err
		}
		if !hasNext {
			return value.Null(), false, nil
		}

		if c.Policy != nil {
			action, err := c.Policy.Evaluate(entry.rootEntity, row, ctxVal)
			if err != nil {
				return value.Null(), false, err
			}
			switch action {
			case policy.ActionSkip:
				continue
			case policy.ActionDeny:
				return value.Null(), false, ErrForbidden
			}

			labeled, err := c.Policy.ApplyLabels(entry.rootEntity, c.Request.Path, c.Request.UserID, row)
			if err != nil {
				return value.Null(), false, err
			}
			row = labeled
		}

		return row, true, nil
	}
}

// CloseQuery implements the resource-table "close" half of stream
// cancellation: releasing rid's stream promptly rather than waiting for
// the job to end.
func (c *Context) CloseQuery(rid int64) error {
	return c.resources.close(rid)
}
