package repo

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/odvcencio/grove/pkg/revlog"
)

// phaseGraph is the slice of the changelog the phase table walks.
type phaseGraph interface {
	Len() int
	Rev(n revlog.Node) (revlog.Rev, error)
	Node(rev revlog.Rev) (revlog.Node, error)
	ParentRevs(rev revlog.Rev) (revlog.Rev, revlog.Rev, error)
	Ancestors(revs []revlog.Rev, inclusive bool) ([]revlog.Rev, error)
}

// PhaseTable tracks the draft/public boundary. The phaseroots file lists
// the roots of the draft phase, one hex node per line; everything not
// descending from a draft root is public. Public commits bypass visibility
// tracking entirely.
type PhaseTable struct {
	path  string
	graph phaseGraph

	roots  map[revlog.Node]struct{}
	loaded bool
	dirty  bool

	draft      map[revlog.Rev]struct{}
	draftValid bool

	writeHooked bool
}

// NewPhaseTable creates a table persisting to path.
func NewPhaseTable(path string, graph phaseGraph) *PhaseTable {
	return &PhaseTable{path: path, graph: graph}
}

func (p *PhaseTable) load() error {
	if p.loaded {
		return nil
	}
	p.roots = make(map[revlog.Node]struct{})
	data, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		p.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("read phase roots: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		n, err := revlog.NodeFromHex(line)
		if err != nil {
			return &revlog.IntegrityError{Name: "phaseroots", Msg: err.Error()}
		}
		p.roots[n] = struct{}{}
	}
	p.loaded = true
	return nil
}

// draftSet computes the revs in the draft phase: draft roots and all their
// descendants. Memoized until the roots mutate.
func (p *PhaseTable) draftSet() (map[revlog.Rev]struct{}, error) {
	if p.draftValid {
		return p.draft, nil
	}
	if err := p.load(); err != nil {
		return nil, err
	}
	set := make(map[revlog.Rev]struct{})
	rootRevs := make(map[revlog.Rev]struct{}, len(p.roots))
	for n := range p.roots {
		r, err := p.graph.Rev(n)
		if err != nil {
			// A stripped draft root no longer constrains anything.
			continue
		}
		if r != revlog.NullRev {
			rootRevs[r] = struct{}{}
			set[r] = struct{}{}
		}
	}
	for r := revlog.Rev(0); int(r) < p.graph.Len(); r++ {
		if _, ok := set[r]; ok {
			continue
		}
		p1, p2, err := p.graph.ParentRevs(r)
		if err != nil {
			return nil, err
		}
		_, d1 := set[p1]
		_, d2 := set[p2]
		if d1 || d2 {
			set[r] = struct{}{}
		}
	}
	p.draft = set
	p.draftValid = true
	return set, nil
}

// IsPublic reports whether rev is in the public phase.
func (p *PhaseTable) IsPublic(rev revlog.Rev) (bool, error) {
	set, err := p.draftSet()
	if err != nil {
		return false, err
	}
	_, draft := set[rev]
	return !draft, nil
}

// AddDraftRoots registers newly created draft commits as phase roots.
func (p *PhaseTable) AddDraftRoots(tx revlog.Tx, nodes []revlog.Node) error {
	if err := p.load(); err != nil {
		return err
	}
	changed := false
	for _, n := range nodes {
		if _, ok := p.roots[n]; !ok {
			p.roots[n] = struct{}{}
			changed = true
		}
	}
	if changed {
		p.markDirty(tx)
	}
	return nil
}

// MakePublic moves nodes (and their ancestors) into the public phase and
// recomputes the minimal draft roots.
func (p *PhaseTable) MakePublic(tx revlog.Tx, nodes []revlog.Node) error {
	set, err := p.draftSet()
	if err != nil {
		return err
	}
	revs := make([]revlog.Rev, 0, len(nodes))
	for _, n := range nodes {
		r, err := p.graph.Rev(n)
		if err != nil {
			return err
		}
		if r != revlog.NullRev {
			revs = append(revs, r)
		}
	}
	public, err := p.graph.Ancestors(revs, true)
	if err != nil {
		return err
	}

	remaining := make(map[revlog.Rev]struct{}, len(set))
	for r := range set {
		remaining[r] = struct{}{}
	}
	for _, r := range public {
		delete(remaining, r)
	}

	// Minimal roots: members with no parent in the set.
	roots := make(map[revlog.Node]struct{})
	for r := range remaining {
		p1, p2, err := p.graph.ParentRevs(r)
		if err != nil {
			return err
		}
		_, in1 := remaining[p1]
		_, in2 := remaining[p2]
		if in1 || in2 {
			continue
		}
		n, err := p.graph.Node(r)
		if err != nil {
			return err
		}
		roots[n] = struct{}{}
	}
	p.roots = roots
	p.markDirty(tx)
	return nil
}

func (p *PhaseTable) markDirty(tx revlog.Tx) {
	p.dirty = true
	p.draftValid = false
	if p.writeHooked {
		return
	}
	p.writeHooked = true
	tx.OnFinalize(func() error {
		p.writeHooked = false
		return p.write()
	})
	tx.OnAbort(func() error {
		p.writeHooked = false
		p.loaded = false
		p.dirty = false
		p.draftValid = false
		return nil
	})
}

func (p *PhaseTable) write() error {
	if !p.dirty {
		return nil
	}
	lines := make([]string, 0, len(p.roots))
	for n := range p.roots {
		lines = append(lines, n.Hex())
	}
	sort.Strings(lines)
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	tmp, err := os.CreateTemp(filepath.Dir(p.path), ".phaseroots-*")
	if err != nil {
		return fmt.Errorf("write phase roots: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write phase roots: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write phase roots: %w", err)
	}
	if err := os.Rename(tmpName, p.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write phase roots: %w", err)
	}
	p.dirty = false
	return nil
}
