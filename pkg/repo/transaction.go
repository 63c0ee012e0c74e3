package repo

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/odvcencio/grove/pkg/revlog"
)

// Transaction is the repository's single write transaction. Storage layers
// register callbacks on it via the revlog.Tx interface; Close runs the
// finalizers in registration order and Abort unwinds in reverse. A
// transaction that is neither closed nor aborted holds the in-memory state
// hostage, so callers defer Abort immediately after Begin.
type Transaction struct {
	repo *Repo
	name string

	active     bool
	pending    []func() error
	finalizers []func() error
	aborts     []func() error
	tempFiles  []string
	nodes      []revlog.Node
}

// Active reports whether the transaction is still open.
func (t *Transaction) Active() bool { return t.active }

// OnPending registers a callback for WritePending.
func (t *Transaction) OnPending(fn func() error) {
	t.pending = append(t.pending, fn)
}

// OnFinalize registers a commit callback, run in registration order.
func (t *Transaction) OnFinalize(fn func() error) {
	t.finalizers = append(t.finalizers, fn)
}

// OnAbort registers an abort callback, run in reverse registration order.
func (t *Transaction) OnAbort(fn func() error) {
	t.aborts = append(t.aborts, fn)
}

// AddTempFile registers a path removed when the transaction ends.
func (t *Transaction) AddTempFile(path string) {
	t.tempFiles = append(t.tempFiles, path)
}

// AddNode records a node created inside this transaction.
func (t *Transaction) AddNode(n revlog.Node) {
	t.nodes = append(t.nodes, n)
}

// Nodes returns the nodes created so far in this transaction.
func (t *Transaction) Nodes() []revlog.Node { return t.nodes }

// WritePending materializes externally-visible snapshots of pending state,
// for hook processes that want to inspect a commit before it is final.
func (t *Transaction) WritePending() error {
	if !t.active {
		return fmt.Errorf("transaction %q: %w", t.name, revlog.ErrNoTransaction)
	}
	for _, fn := range t.pending {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}

// Close commits the transaction. A failing finalizer triggers a full
// rollback so the repository never ends up half-committed.
func (t *Transaction) Close() error {
	if !t.active {
		return fmt.Errorf("transaction %q: %w", t.name, revlog.ErrNoTransaction)
	}
	for _, fn := range t.finalizers {
		if err := fn(); err != nil {
			logrus.WithField("transaction", t.name).WithError(err).Error("transaction finalize failed, rolling back")
			t.rollback()
			return fmt.Errorf("transaction %q: %w", t.name, err)
		}
	}
	t.active = false
	t.repo.tx = nil
	t.removeTempFiles()
	return nil
}

// Abort rolls the transaction back, leaving on-disk state as it was at
// Begin. Aborting an already-closed transaction is a no-op, so it is safe
// to defer unconditionally.
func (t *Transaction) Abort() error {
	if !t.active {
		return nil
	}
	t.rollback()
	return nil
}

func (t *Transaction) rollback() {
	for i := len(t.aborts) - 1; i >= 0; i-- {
		if err := t.aborts[i](); err != nil {
			logrus.WithField("transaction", t.name).WithError(err).Error("transaction abort callback failed")
		}
	}
	t.active = false
	t.repo.tx = nil
	t.removeTempFiles()
}

func (t *Transaction) removeTempFiles() {
	for _, p := range t.tempFiles {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			logrus.WithField("path", p).WithError(err).Warn("could not remove transaction temp file")
		}
	}
	t.tempFiles = nil
}
