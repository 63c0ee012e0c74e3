package revlog

// Tx is the slice of the repository transaction that the storage layer
// consumes. All durable mutation happens inside exactly one open
// transaction: callbacks registered here run at pending-snapshot,
// finalize, and abort time respectively.
type Tx interface {
	// Active reports whether the transaction is still open.
	Active() bool

	// OnPending registers a callback run when an externally-visible
	// snapshot of pending state is requested (e.g. for hooks).
	OnPending(fn func() error)

	// OnFinalize registers a callback run, in registration order, when
	// the transaction commits.
	OnFinalize(fn func() error)

	// OnAbort registers a callback run when the transaction aborts.
	OnAbort(fn func() error)

	// AddTempFile registers a path to delete on abort or crash cleanup.
	AddTempFile(path string)

	// AddNode records a node created inside this transaction.
	AddNode(n Node)
}
