package ops

import (
	"context"
	"fmt"

	"chiselcore.dev/chiselcore/internal/queryengine"
	"chiselcore.dev/chiselcore/internal/queryplan"
	"chiselcore.dev/chiselcore/internal/value"
)

// Store implements op_store: a recursive upsert of entityName's row
// (including any owned nested reference rows), returning the tree of
// assigned ids.
func (c *Context) Store(ctx context.Context, entityName string, row value.Value) (*queryengine.IdTree, error) {
	txn, err := c.requireTxn()
	if err != nil {
		return nil, err
	}
	entity, err := c.Types.Lookup(entityName)
	if err != nil {
		return nil, err
	}
	m, err := row.AsMap()
	if err != nil {
		return nil, fmt.Errorf("ops: store: %w", err)
	}
	return c.Engine.AddRow(ctx, txn, c.Types, string(c.Prefix), entity, m)
}

// Delete implements op_delete: a policy-filtered delete, expressed as the
// same operator-chain + QueryPlan pipeline a read would use so the policy
// engine's ReadFilter governs deletes identically to reads.
func (c *Context) Delete(ctx context.Context, entityName string, filter *queryplan.Expr) error {
	txn, err := c.requireTxn()
	if err != nil {
		return err
	}
	chain := queryplan.BaseEntity(entityName)
	if filter != nil {
		chain = queryplan.FilterOp(*filter, chain)
	}
	plan, err := queryplan.Plan(c.Types, c.Policy, c.Prefix, chain)
	if err != nil {
		return err
	}
	return c.Engine.MutateWithTransaction(ctx, txn, plan)
}
