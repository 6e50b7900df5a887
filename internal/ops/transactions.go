package ops

import (
	"context"

	"chiselcore.dev/chiselcore/internal/queryengine"
)

// BeginTransaction implements op_begin_transaction: opens the job's one
// global transaction. Calling it twice without an intervening commit or
// rollback is rejected rather than silently leaking the first
// transaction.
func (c *Context) BeginTransaction(ctx context.Context) error {
	if c.txn != nil {
		return ErrTransactionAlreadyOpen
	}
	txn, err := c.Engine.BeginTransaction(ctx)
	if err != nil {
		return err
	}
	c.txn = txn
	return nil
}

// CommitTransaction implements op_commit_transaction.
func (c *Context) CommitTransaction() error {
	if c.txn == nil {
		return ErrNoTransaction
	}
	err := c.txn.Commit()
	c.txn = nil
	return err
}

// RollbackTransaction implements op_rollback_transaction.
func (c *Context) RollbackTransaction() error {
	if c.txn == nil {
		return ErrNoTransaction
	}
	err := c.txn.Rollback()
	c.txn = nil
	return err
}

// requireTxn is the shared guard every mutating/reading op uses: all data
// ops run inside the job's single global transaction, never ad hoc.
func (c *Context) requireTxn() (*queryengine.Transaction, error) {
	if c.txn == nil {
		return nil, ErrNoTransaction
	}
	return c.txn, nil
}
