package dag

import "github.com/odvcencio/grove/pkg/revlog"

// Engine is the set-algebra interface the graph backend delegates to. All
// methods operate on integer ids and return ascending id slices.
type Engine interface {
	Ancestors(revs []revlog.Rev, inclusive bool) ([]revlog.Rev, error)
	Heads(revs []revlog.Rev) ([]revlog.Rev, error)
	Range(roots, heads []revlog.Rev) ([]revlog.Rev, error)
	GCA(revs []revlog.Rev) ([]revlog.Rev, error)
	Only(local, other []revlog.Rev) ([]revlog.Rev, error)
	ReachableRoots(minroot revlog.Rev, heads, roots []revlog.Rev, includepath bool) ([]revlog.Rev, error)
	Descendants(revs []revlog.Rev) ([]revlog.Rev, error)
}

// LocalEngine answers set algebra from an IdMap's in-memory parent table.
type LocalEngine struct {
	m *IdMap
}

// NewLocalEngine wraps an IdMap.
func NewLocalEngine(m *IdMap) *LocalEngine {
	return &LocalEngine{m: m}
}

func (e *LocalEngine) parents(rev revlog.Rev) (revlog.Rev, revlog.Rev, error) {
	return e.m.Parents(rev)
}

func (e *LocalEngine) Ancestors(revs []revlog.Rev, inclusive bool) ([]revlog.Rev, error) {
	return Ancestors(e.parents, revs, inclusive)
}

func (e *LocalEngine) Heads(revs []revlog.Rev) ([]revlog.Rev, error) {
	return Heads(e.parents, revs)
}

func (e *LocalEngine) Range(roots, heads []revlog.Rev) ([]revlog.Rev, error) {
	return Range(e.parents, roots, heads)
}

func (e *LocalEngine) GCA(revs []revlog.Rev) ([]revlog.Rev, error) {
	return CommonAncestorsHeads(e.parents, revs)
}

func (e *LocalEngine) Only(local, other []revlog.Rev) ([]revlog.Rev, error) {
	return Only(e.parents, local, other)
}

func (e *LocalEngine) ReachableRoots(minroot revlog.Rev, heads, roots []revlog.Rev, includepath bool) ([]revlog.Rev, error) {
	return ReachableRoots(e.parents, minroot, heads, roots, includepath)
}

func (e *LocalEngine) Descendants(revs []revlog.Rev) ([]revlog.Rev, error) {
	return Descendants(e.parents, revs, revlog.Rev(e.m.Len()-1))
}
