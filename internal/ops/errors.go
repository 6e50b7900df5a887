package ops

import "errors"

// Sentinel errors ops itself can raise, as opposed to ones surfaced
// verbatim from a lower package (typesys.ErrUnsafeReplacement, policy
// errors, etc).
var (
	// ErrNoTransaction is returned by any op that requires
	// begin_transaction to have run first.
	ErrNoTransaction = errors.New("ops: no transaction is open for this job")
	// ErrTransactionAlreadyOpen guards against a handler calling
	// begin_transaction twice in the same job.
	ErrTransactionAlreadyOpen = errors.New("ops: a transaction is already open for this job")
	// ErrForbidden means a code policy's Deny action was reached for
	// the row or operation in question.
	ErrForbidden = errors.New("ops: forbidden by policy")
	// ErrUnknownResource is returned by query_next for a resource id
	// that was never issued or already closed (close of such an id is a
	// no-op).
	ErrUnknownResource = errors.New("ops: unknown query stream resource")
)
