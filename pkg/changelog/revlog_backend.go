package changelog

import (
	"github.com/odvcencio/grove/pkg/dag"
	"github.com/odvcencio/grove/pkg/revlog"
)

// RevlogBackend stores the commit graph and text together in a revision
// log. Ancestry queries run directly over the log's parent pointers.
type RevlogBackend struct {
	log *revlog.Log
}

// NewRevlogBackend wraps an open revision log.
func NewRevlogBackend(log *revlog.Log) *RevlogBackend {
	return &RevlogBackend{log: log}
}

// Log exposes the underlying revision log, for migration and debugging.
func (b *RevlogBackend) Log() *revlog.Log { return b.log }

func (b *RevlogBackend) Name() string { return "revlog" }

func (b *RevlogBackend) Len() int { return b.log.Len() }

func (b *RevlogBackend) Tip() revlog.Node { return b.log.Tip() }

func (b *RevlogBackend) Rev(n revlog.Node) (revlog.Rev, error) {
	return b.log.LookupNode(n)
}

func (b *RevlogBackend) Node(rev revlog.Rev) (revlog.Node, error) {
	return b.log.NodeOf(rev)
}

func (b *RevlogBackend) ParentRevs(rev revlog.Rev) (revlog.Rev, revlog.Rev, error) {
	return b.log.ParentRevs(rev)
}

func (b *RevlogBackend) Text(rev revlog.Rev) ([]byte, error) {
	return b.log.Revision(rev)
}

func (b *RevlogBackend) Add(tx revlog.Tx, text []byte, p1, p2 revlog.Node, link revlog.Rev) (revlog.Node, error) {
	return b.log.Append(tx, text, p1, p2, link)
}

func (b *RevlogBackend) Strip(rev revlog.Rev) error {
	return b.log.Strip(rev)
}

func (b *RevlogBackend) LookupPrefix(prefix string) []revlog.Node {
	return b.log.LookupPrefix(prefix)
}

func (b *RevlogBackend) parents(rev revlog.Rev) (revlog.Rev, revlog.Rev, error) {
	return b.log.ParentRevs(rev)
}

func (b *RevlogBackend) Ancestors(revs []revlog.Rev, inclusive bool) ([]revlog.Rev, error) {
	return dag.Ancestors(b.parents, revs, inclusive)
}

func (b *RevlogBackend) Heads(revs []revlog.Rev) ([]revlog.Rev, error) {
	return dag.Heads(b.parents, revs)
}

func (b *RevlogBackend) CommonAncestorsHeads(revs []revlog.Rev) ([]revlog.Rev, error) {
	return dag.CommonAncestorsHeads(b.parents, revs)
}

func (b *RevlogBackend) ReachableRoots(minroot revlog.Rev, heads, roots []revlog.Rev, includepath bool) ([]revlog.Rev, error) {
	return dag.ReachableRoots(b.parents, minroot, heads, roots, includepath)
}

func (b *RevlogBackend) IsAncestor(a, rev revlog.Rev) (bool, error) {
	return dag.IsAncestor(b.parents, a, rev)
}
