package changelog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/odvcencio/grove/pkg/dag"
	"github.com/odvcencio/grove/pkg/revlog"
	"github.com/odvcencio/grove/pkg/store"
)

// Physical layouts the graph backend supports. The active layout is
// persisted as a repository capability flag.
const (
	// LayoutRevlog keeps graph and text together in the revision log;
	// the graph backend is not used.
	LayoutRevlog = "revlog"
	// LayoutDoubleWrite keeps the graph in the id map while text still
	// lives in the revision log.
	LayoutDoubleWrite = "doublewrite"
	// LayoutFull keeps graph and text in the id-map engine and content
	// store.
	LayoutFull = "full"
	// LayoutLazy keeps the graph local and fetches text from a remote
	// peer on demand.
	LayoutLazy = "lazy"
)

// KnownLayout reports whether name is a recognized layout flag.
func KnownLayout(name string) bool {
	switch name {
	case LayoutRevlog, LayoutDoubleWrite, LayoutFull, LayoutLazy:
		return true
	}
	return false
}

// GraphBackend stores the commit graph as an integer-id map, delegating
// set algebra to a DAG engine and commit text to a content store. Used for
// large repositories where per-node graph walks are too slow.
type GraphBackend struct {
	layout string
	dir    string

	idmap *dag.IdMap
	eng   dag.Engine
	texts *store.Store

	// log receives text appends under the doublewrite layout; nil
	// otherwise.
	log *revlog.Log

	txHooked bool
}

// NewGraphBackend assembles a graph backend. texts must be configured with
// the right fallback or fetcher for the layout; log is only set for the
// doublewrite layout. The tip pointer file lives in dir.
func NewGraphBackend(layout, dir string, idmap *dag.IdMap, eng dag.Engine, texts *store.Store, log *revlog.Log) *GraphBackend {
	return &GraphBackend{
		layout: layout,
		dir:    dir,
		idmap:  idmap,
		eng:    eng,
		texts:  texts,
		log:    log,
	}
}

// IdMap exposes the backend's id map, for migration.
func (b *GraphBackend) IdMap() *dag.IdMap { return b.idmap }

func (b *GraphBackend) Name() string { return b.layout }

func (b *GraphBackend) Len() int { return b.idmap.Len() }

func (b *GraphBackend) Tip() revlog.Node {
	if b.idmap.Len() == 0 {
		return revlog.NullNode
	}
	n, _ := b.idmap.Node(revlog.Rev(b.idmap.Len() - 1))
	return n
}

func (b *GraphBackend) Rev(n revlog.Node) (revlog.Rev, error) {
	return b.idmap.ID(n)
}

func (b *GraphBackend) Node(rev revlog.Rev) (revlog.Node, error) {
	return b.idmap.Node(rev)
}

func (b *GraphBackend) ParentRevs(rev revlog.Rev) (revlog.Rev, revlog.Rev, error) {
	return b.idmap.Parents(rev)
}

func (b *GraphBackend) Text(rev revlog.Rev) ([]byte, error) {
	n, err := b.idmap.Node(rev)
	if err != nil {
		return nil, err
	}
	return b.texts.Get(context.Background(), n)
}

// Add registers the commit in the id map and stores its text per the
// layout. The id-map flush and tip pointer rewrite are deferred to
// transaction finalize; the in-memory tail is dropped on abort.
func (b *GraphBackend) Add(tx revlog.Tx, text []byte, p1, p2 revlog.Node, link revlog.Rev) (revlog.Node, error) {
	if tx == nil || !tx.Active() {
		return revlog.NullNode, revlog.ErrNoTransaction
	}
	node := revlog.HashText(text, p1, p2)
	if b.idmap.Has(node) {
		return node, nil
	}
	if _, err := b.idmap.Add(node, p1, p2); err != nil {
		return revlog.NullNode, err
	}

	switch b.layout {
	case LayoutDoubleWrite:
		if _, err := b.log.Append(tx, text, p1, p2, link); err != nil {
			return revlog.NullNode, err
		}
	case LayoutFull, LayoutLazy:
		// A locally created commit can never be fetched from the remote,
		// so the lazy layout stores its text like the full one.
		if err := b.texts.Put(node, text, p1, p2); err != nil {
			return revlog.NullNode, err
		}
	}

	if !b.txHooked {
		b.txHooked = true
		tx.OnFinalize(func() error {
			b.txHooked = false
			if err := b.idmap.Flush(); err != nil {
				return err
			}
			return b.writeTipFile()
		})
		tx.OnAbort(func() error {
			b.txHooked = false
			b.idmap.DiscardUnflushed()
			return nil
		})
	}
	tx.AddNode(node)
	return node, nil
}

// Strip has no efficient truncate primitive on this backend and fails
// loudly rather than silently doing nothing.
func (b *GraphBackend) Strip(rev revlog.Rev) error {
	return fmt.Errorf("strip: %w on the %s backend", revlog.ErrUnsupported, b.layout)
}

func (b *GraphBackend) LookupPrefix(prefix string) []revlog.Node {
	return b.idmap.PrefixLookup(prefix)
}

func (b *GraphBackend) Ancestors(revs []revlog.Rev, inclusive bool) ([]revlog.Rev, error) {
	return b.eng.Ancestors(revs, inclusive)
}

func (b *GraphBackend) Heads(revs []revlog.Rev) ([]revlog.Rev, error) {
	return b.eng.Heads(revs)
}

func (b *GraphBackend) CommonAncestorsHeads(revs []revlog.Rev) ([]revlog.Rev, error) {
	return b.eng.GCA(revs)
}

func (b *GraphBackend) ReachableRoots(minroot revlog.Rev, heads, roots []revlog.Rev, includepath bool) ([]revlog.Rev, error) {
	return b.eng.ReachableRoots(minroot, heads, roots, includepath)
}

func (b *GraphBackend) IsAncestor(a, rev revlog.Rev) (bool, error) {
	if a == rev {
		return true, nil
	}
	anc, err := b.eng.Ancestors([]revlog.Rev{rev}, true)
	if err != nil {
		return false, err
	}
	for _, r := range anc {
		if r == a {
			return true, nil
		}
	}
	return false, nil
}

const tipFileName = "tip"

// writeTipFile rewrites the tip pointer, a single hex node used as a
// fast-path cache for the latest commit.
func (b *GraphBackend) writeTipFile() error {
	tip := b.Tip()
	data := []byte(tip.Hex() + "\n")
	tmp, err := os.CreateTemp(b.dir, ".tip-*")
	if err != nil {
		return fmt.Errorf("write tip: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write tip: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write tip: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(b.dir, tipFileName)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write tip: %w", err)
	}
	return nil
}

// ReadTipFile returns the cached tip node from a graph-backend directory,
// or NullNode if the pointer file is absent.
func ReadTipFile(dir string) (revlog.Node, error) {
	data, err := os.ReadFile(filepath.Join(dir, tipFileName))
	if os.IsNotExist(err) {
		return revlog.NullNode, nil
	}
	if err != nil {
		return revlog.NullNode, fmt.Errorf("read tip: %w", err)
	}
	return revlog.NodeFromHex(strings.TrimSpace(string(data)))
}
