// Package visibility tracks the heads of non-public commits that are
// currently visible. The ancestor closure of these heads, together with
// all public commits, defines what the repository shows; everything else
// is invisible. The set lives in a small versioned text file whose write
// is deferred to transaction finalize.
package visibility

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/odvcencio/grove/pkg/revlog"
)

const formatVersion = "v1"

// Graph is the slice of the changelog facade the tracker walks.
type Graph interface {
	Len() int
	Rev(n revlog.Node) (revlog.Rev, error)
	Node(rev revlog.Rev) (revlog.Node, error)
	ParentRevs(rev revlog.Rev) (revlog.Rev, revlog.Rev, error)
	Ancestors(revs []revlog.Rev, inclusive bool) ([]revlog.Rev, error)
	Heads(revs []revlog.Rev) ([]revlog.Rev, error)
}

// PhaseSource answers draft-vs-public classification. Public commits are
// always visible and need no explicit tracking.
type PhaseSource interface {
	IsPublic(rev revlog.Rev) (bool, error)
}

// Bootstrapper derives the initial head set from legacy data when no
// visibility file exists yet.
type Bootstrapper func() ([]revlog.Node, error)

// Tracker is the file-backed visible-heads set.
type Tracker struct {
	path   string
	graph  Graph
	phases PhaseSource
	boot   Bootstrapper

	heads  map[revlog.Node]struct{}
	loaded bool
	dirty  bool

	invisible      []revlog.Rev
	invisibleValid bool

	writeHooked bool
}

// NewTracker creates a tracker persisting to path. boot may be nil.
func NewTracker(path string, graph Graph, phases PhaseSource, boot Bootstrapper) *Tracker {
	return &Tracker{path: path, graph: graph, phases: phases, boot: boot}
}

func (t *Tracker) load() error {
	if t.loaded {
		return nil
	}
	t.heads = make(map[revlog.Node]struct{})
	data, err := os.ReadFile(t.path)
	if os.IsNotExist(err) {
		if t.boot != nil {
			nodes, err := t.boot()
			if err != nil {
				return fmt.Errorf("visibility bootstrap: %w", err)
			}
			for _, n := range nodes {
				t.heads[n] = struct{}{}
			}
			t.dirty = true
		}
		t.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("read visible heads: %w", err)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 0 || lines[0] != formatVersion {
		return &revlog.IntegrityError{Name: "visibleheads", Msg: fmt.Sprintf("unknown format version %q", lines[0])}
	}
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		n, err := revlog.NodeFromHex(line)
		if err != nil {
			return &revlog.IntegrityError{Name: "visibleheads", Msg: err.Error()}
		}
		t.heads[n] = struct{}{}
	}
	t.loaded = true
	return nil
}

// Heads returns the current visible head nodes, sorted by hex. Reads are
// lock-free.
func (t *Tracker) Heads() ([]revlog.Node, error) {
	if err := t.load(); err != nil {
		return nil, err
	}
	out := make([]revlog.Node, 0, len(t.heads))
	for n := range t.heads {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hex() < out[j].Hex() })
	return out, nil
}

func (t *Tracker) setHeads(heads map[revlog.Node]struct{}, tx revlog.Tx) {
	if sameSet(t.heads, heads) && !t.dirty {
		return
	}
	t.heads = heads
	t.dirty = true
	t.invisibleValid = false
	t.hookWrite(tx)
}

func sameSet(a, b map[revlog.Node]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for n := range a {
		if _, ok := b[n]; !ok {
			return false
		}
	}
	return true
}

// hookWrite defers the file write to transaction finalize, so an aborted
// transaction leaves the file untouched.
func (t *Tracker) hookWrite(tx revlog.Tx) {
	if t.writeHooked {
		return
	}
	t.writeHooked = true
	tx.OnFinalize(func() error {
		t.writeHooked = false
		return t.write()
	})
	tx.OnAbort(func() error {
		t.writeHooked = false
		// Drop in-memory mutations; the next read reloads from disk.
		t.loaded = false
		t.dirty = false
		t.invisibleValid = false
		return nil
	})
}

func (t *Tracker) write() error {
	if !t.dirty {
		return nil
	}
	heads, err := t.Heads()
	if err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString(formatVersion)
	b.WriteByte('\n')
	for _, n := range heads {
		b.WriteString(n.Hex())
		b.WriteByte('\n')
	}
	tmp, err := os.CreateTemp(filepath.Dir(t.path), ".visibleheads-*")
	if err != nil {
		return fmt.Errorf("write visible heads: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write visible heads: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write visible heads: %w", err)
	}
	if err := os.Rename(tmpName, t.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write visible heads: %w", err)
	}
	t.dirty = false
	return nil
}

func (t *Tracker) headRevs() ([]revlog.Rev, error) {
	revs := make([]revlog.Rev, 0, len(t.heads))
	for n := range t.heads {
		r, err := t.graph.Rev(n)
		if err != nil {
			return nil, err
		}
		if r != revlog.NullRev {
			revs = append(revs, r)
		}
	}
	return revs, nil
}

// Add makes newnodes visible: the new head set is the heads of the
// ancestor closure of the old heads plus newnodes. Adding a node that is
// already a head (or an ancestor of one) leaves the set unchanged.
func (t *Tracker) Add(tx revlog.Tx, newnodes []revlog.Node) error {
	if err := t.load(); err != nil {
		return err
	}
	revs, err := t.headRevs()
	if err != nil {
		return err
	}
	for _, n := range newnodes {
		r, err := t.graph.Rev(n)
		if err != nil {
			return err
		}
		if r != revlog.NullRev {
			revs = append(revs, r)
		}
	}
	closure, err := t.graph.Ancestors(revs, true)
	if err != nil {
		return err
	}
	headRevs, err := t.graph.Heads(closure)
	if err != nil {
		return err
	}
	heads := make(map[revlog.Node]struct{}, len(headRevs))
	for _, r := range headRevs {
		n, err := t.graph.Node(r)
		if err != nil {
			return err
		}
		heads[n] = struct{}{}
	}
	t.setHeads(heads, tx)
	return nil
}

// Remove hides oldnodes. Each candidate head that is removed or public is
// replaced by its parents, transitively, and the survivors are reduced to
// heads again. Removing a node outside the visible closure is a no-op.
func (t *Tracker) Remove(tx revlog.Tx, oldnodes []revlog.Node) error {
	if err := t.load(); err != nil {
		return err
	}
	removed := make(map[revlog.Node]struct{}, len(oldnodes))
	for _, n := range oldnodes {
		removed[n] = struct{}{}
	}

	survivors := make(map[revlog.Rev]struct{})
	seen := make(map[revlog.Node]struct{})
	var stack []revlog.Node
	for n := range t.heads {
		stack = append(stack, n)
	}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		if n.IsNull() {
			continue
		}
		rev, err := t.graph.Rev(n)
		if err != nil {
			return err
		}
		drop := false
		if _, ok := removed[n]; ok {
			drop = true
		} else if t.phases != nil {
			public, err := t.phases.IsPublic(rev)
			if err != nil {
				return err
			}
			drop = public
		}
		if !drop {
			survivors[rev] = struct{}{}
			continue
		}
		p1, p2, err := t.graph.ParentRevs(rev)
		if err != nil {
			return err
		}
		for _, p := range [2]revlog.Rev{p1, p2} {
			if p == revlog.NullRev {
				continue
			}
			pn, err := t.graph.Node(p)
			if err != nil {
				return err
			}
			stack = append(stack, pn)
		}
	}

	revs := make([]revlog.Rev, 0, len(survivors))
	for r := range survivors {
		revs = append(revs, r)
	}
	headRevs, err := t.graph.Heads(revs)
	if err != nil {
		return err
	}
	heads := make(map[revlog.Node]struct{}, len(headRevs))
	for _, r := range headRevs {
		n, err := t.graph.Node(r)
		if err != nil {
			return err
		}
		heads[n] = struct{}{}
	}
	t.setHeads(heads, tx)
	return nil
}

// PhaseAdjust accounts for phase movement: heads that just became public
// are dropped (public commits need no tracking), heads that just became
// draft are added.
func (t *Tracker) PhaseAdjust(tx revlog.Tx, newdraft, newpublic []revlog.Node) error {
	if err := t.load(); err != nil {
		return err
	}
	heads := make(map[revlog.Node]struct{}, len(t.heads))
	for n := range t.heads {
		heads[n] = struct{}{}
	}
	for _, n := range newpublic {
		delete(heads, n)
	}
	for _, n := range newdraft {
		heads[n] = struct{}{}
	}

	revs := make([]revlog.Rev, 0, len(heads))
	for n := range heads {
		r, err := t.graph.Rev(n)
		if err != nil {
			return err
		}
		if r != revlog.NullRev {
			revs = append(revs, r)
		}
	}
	headRevs, err := t.graph.Heads(revs)
	if err != nil {
		return err
	}
	reduced := make(map[revlog.Node]struct{}, len(headRevs))
	for _, r := range headRevs {
		n, err := t.graph.Node(r)
		if err != nil {
			return err
		}
		reduced[n] = struct{}{}
	}
	t.setHeads(reduced, tx)
	return nil
}

// InvisibleRevs returns the non-public revisions unreachable from any
// visible head, ascending. The answer is memoized until the head set
// mutates.
func (t *Tracker) InvisibleRevs() ([]revlog.Rev, error) {
	if t.invisibleValid {
		return t.invisible, nil
	}
	if err := t.load(); err != nil {
		return nil, err
	}
	revs, err := t.headRevs()
	if err != nil {
		return nil, err
	}
	reachable, err := t.graph.Ancestors(revs, true)
	if err != nil {
		return nil, err
	}
	inReach := make(map[revlog.Rev]struct{}, len(reachable))
	for _, r := range reachable {
		inReach[r] = struct{}{}
	}

	var out []revlog.Rev
	for r := revlog.Rev(0); int(r) < t.graph.Len(); r++ {
		if _, ok := inReach[r]; ok {
			continue
		}
		if t.phases != nil {
			public, err := t.phases.IsPublic(r)
			if err != nil {
				return nil, err
			}
			if public {
				continue
			}
		}
		out = append(out, r)
	}
	t.invisible = out
	t.invisibleValid = true
	return out, nil
}
