// Package ops implements the data-plane op table as plain Go functions
// taking a *Context instead of async calls across a JS<->core boundary:
// the seam a real embedded-JS-runtime integration would bind to, kept
// free of any JS runtime dependency. Each exported function here
// corresponds to exactly one op.
package ops

import (
	"chiselcore.dev/chiselcore/internal/policy"
	"chiselcore.dev/chiselcore/internal/queryengine"
	"chiselcore.dev/chiselcore/internal/queryplan"
	"chiselcore.dev/chiselcore/internal/typesys"
)

// RequestContext is the per-job request metadata a policy's ctx.* accesses
// reach into: request method, routing path, and authenticated user id.
type RequestContext struct {
	Method string
	Path   string
	UserID string
}

// Context is the data a worker's job carries across every op call it
// makes while processing one HttpRequest: a live DB transaction and a
// query-stream resource table alongside the applied type and policy
// state.
type Context struct {
	Engine  *queryengine.Engine
	Types   *typesys.TypeSystem
	Policy  *policy.Engine
	Prefix  queryplan.TablePrefix
	Request RequestContext

	txn       *queryengine.Transaction
	resources *resourceTable
}

// NewContext builds a fresh per-job Context. A Context is used for
// exactly one job: begin_transaction/commit_transaction/rollback_transaction
// bracket its one allowed global transaction.
func NewContext(engine *queryengine.Engine, types *typesys.TypeSystem, pol *policy.Engine, prefix queryplan.TablePrefix, req RequestContext) *Context {
	return &Context{
		Engine:    engine,
		Types:     types,
		Policy:    pol,
		Prefix:    prefix,
		Request:   req,
		resources: newResourceTable(),
	}
}

// Close releases every resource still open at the end of a job: any
// unclosed query streams and, if the handler never committed or rolled
// back explicitly, the job transaction itself (rolled back, since an
// uncommitted transaction must never silently persist).
func (c *Context) Close() {
	c.resources.closeAll()
	if c.txn != nil {
		_ = c.txn.Rollback()
		c.txn = nil
	}
}
