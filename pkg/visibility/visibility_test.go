package visibility

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/odvcencio/grove/pkg/dag"
	"github.com/odvcencio/grove/pkg/revlog"
)

type fakeTx struct {
	active     bool
	finalizers []func() error
	aborts     []func() error
}

func newFakeTx() *fakeTx { return &fakeTx{active: true} }

func (t *fakeTx) Active() bool               { return t.active }
func (t *fakeTx) OnPending(fn func() error)  {}
func (t *fakeTx) OnFinalize(fn func() error) { t.finalizers = append(t.finalizers, fn) }
func (t *fakeTx) OnAbort(fn func() error)    { t.aborts = append(t.aborts, fn) }
func (t *fakeTx) AddTempFile(path string)    {}
func (t *fakeTx) AddNode(n revlog.Node)      {}

func (t *fakeTx) commit() error {
	for _, fn := range t.finalizers {
		if err := fn(); err != nil {
			return err
		}
	}
	t.active = false
	return nil
}

func (t *fakeTx) abort() error {
	for i := len(t.aborts) - 1; i >= 0; i-- {
		if err := t.aborts[i](); err != nil {
			return err
		}
	}
	t.active = false
	return nil
}

// memGraph implements Graph over an in-memory parent table.
type memGraph struct {
	nodes   []revlog.Node
	ids     map[revlog.Node]revlog.Rev
	parents [][2]revlog.Rev
}

func newMemGraph() *memGraph {
	return &memGraph{ids: make(map[revlog.Node]revlog.Rev)}
}

func (g *memGraph) add(p1, p2 revlog.Rev) revlog.Node {
	n := revlog.HashText([]byte(fmt.Sprintf("commit %d", len(g.nodes))), revlog.NullNode, revlog.NullNode)
	g.ids[n] = revlog.Rev(len(g.nodes))
	g.nodes = append(g.nodes, n)
	g.parents = append(g.parents, [2]revlog.Rev{p1, p2})
	return n
}

func (g *memGraph) Len() int { return len(g.nodes) }

func (g *memGraph) Rev(n revlog.Node) (revlog.Rev, error) {
	if n.IsNull() {
		return revlog.NullRev, nil
	}
	if id, ok := g.ids[n]; ok {
		return id, nil
	}
	return revlog.NullRev, &revlog.LookupError{Name: "memgraph", ID: n.Hex(), Msg: "unknown node"}
}

func (g *memGraph) Node(rev revlog.Rev) (revlog.Node, error) {
	if rev == revlog.NullRev {
		return revlog.NullNode, nil
	}
	return g.nodes[rev], nil
}

func (g *memGraph) ParentRevs(rev revlog.Rev) (revlog.Rev, revlog.Rev, error) {
	return g.parents[rev][0], g.parents[rev][1], nil
}

func (g *memGraph) Ancestors(revs []revlog.Rev, inclusive bool) ([]revlog.Rev, error) {
	return dag.Ancestors(g.ParentRevs, revs, inclusive)
}

func (g *memGraph) Heads(revs []revlog.Rev) ([]revlog.Rev, error) {
	return dag.Heads(g.ParentRevs, revs)
}

// publicBelow marks every rev below the bound as public.
type publicBelow revlog.Rev

func (p publicBelow) IsPublic(rev revlog.Rev) (bool, error) {
	return rev < revlog.Rev(p), nil
}

// linear builds 0 -- 1 -- 2 -- 3 -- 4.
func linear(n int) *memGraph {
	g := newMemGraph()
	prev := revlog.NullRev
	for i := 0; i < n; i++ {
		g.add(prev, revlog.NullRev)
		prev = revlog.Rev(i)
	}
	return g
}

func trackerPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "visibleheads")
}

func headsOf(t *testing.T, tr *Tracker) []revlog.Node {
	t.Helper()
	heads, err := tr.Heads()
	if err != nil {
		t.Fatalf("Heads: %v", err)
	}
	return heads
}

func TestBootstrap(t *testing.T) {
	g := linear(3)
	path := trackerPath(t)
	boot := func() ([]revlog.Node, error) {
		return []revlog.Node{g.nodes[2]}, nil
	}
	tr := NewTracker(path, g, nil, boot)

	heads := headsOf(t, tr)
	if !reflect.DeepEqual(heads, []revlog.Node{g.nodes[2]}) {
		t.Errorf("bootstrapped Heads = %v, want [tip]", heads)
	}

	// The bootstrap result is written out at the next transaction.
	tx := newFakeTx()
	if err := tr.Add(tx, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := tx.commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("visibility file not written: %v", err)
	}
	want := "v1\n" + g.nodes[2].Hex() + "\n"
	if string(data) != want {
		t.Errorf("file = %q, want %q", data, want)
	}
}

func TestAddIdempotent(t *testing.T) {
	g := linear(4)
	tr := NewTracker(trackerPath(t), g, nil, nil)

	tx := newFakeTx()
	if err := tr.Add(tx, []revlog.Node{g.nodes[3]}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	// Adding an ancestor of an existing head changes nothing.
	if err := tr.Add(tx, []revlog.Node{g.nodes[1]}); err != nil {
		t.Fatalf("Add ancestor: %v", err)
	}
	heads := headsOf(t, tr)
	if !reflect.DeepEqual(heads, []revlog.Node{g.nodes[3]}) {
		t.Errorf("Heads = %v, want only the tip", heads)
	}
	if err := tx.commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestAddFork(t *testing.T) {
	g := linear(3)
	side := g.add(1, revlog.NullRev) // fork off rev 1
	tr := NewTracker(trackerPath(t), g, nil, nil)

	tx := newFakeTx()
	if err := tr.Add(tx, []revlog.Node{g.nodes[2], side}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	heads := headsOf(t, tr)
	if len(heads) != 2 {
		t.Fatalf("Heads = %v, want both fork tips", heads)
	}
}

func TestRemove(t *testing.T) {
	g := linear(5)
	tr := NewTracker(trackerPath(t), g, nil, nil)

	tx := newFakeTx()
	if err := tr.Add(tx, []revlog.Node{g.nodes[4]}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := tr.Remove(tx, []revlog.Node{g.nodes[4]}); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	heads := headsOf(t, tr)
	if !reflect.DeepEqual(heads, []revlog.Node{g.nodes[3]}) {
		t.Errorf("Heads after remove = %v, want [rev 3]", heads)
	}

	// Removing a node that is not in the visible closure is a no-op.
	before := headsOf(t, tr)
	other := g.add(0, revlog.NullRev)
	if err := tr.Remove(tx, []revlog.Node{other}); err != nil {
		t.Fatalf("Remove outsider: %v", err)
	}
	if after := headsOf(t, tr); !reflect.DeepEqual(after, before) {
		t.Errorf("Heads changed by removing an outsider: %v -> %v", before, after)
	}
}

func TestRemoveDropsPublicParents(t *testing.T) {
	g := linear(4)
	// Revs 0 and 1 are public: removing the draft chain above them must
	// not resurrect public heads.
	tr := NewTracker(trackerPath(t), g, publicBelow(2), nil)

	tx := newFakeTx()
	if err := tr.Add(tx, []revlog.Node{g.nodes[3]}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := tr.Remove(tx, []revlog.Node{g.nodes[3], g.nodes[2]}); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if heads := headsOf(t, tr); len(heads) != 0 {
		t.Errorf("Heads = %v, want empty (everything below is public)", heads)
	}
}

func TestPhaseAdjust(t *testing.T) {
	g := linear(4)
	tr := NewTracker(trackerPath(t), g, publicBelow(2), nil)

	tx := newFakeTx()
	if err := tr.Add(tx, []revlog.Node{g.nodes[3]}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := tr.PhaseAdjust(tx, nil, []revlog.Node{g.nodes[3]}); err != nil {
		t.Fatalf("PhaseAdjust: %v", err)
	}
	if heads := headsOf(t, tr); len(heads) != 0 {
		t.Errorf("Heads after publishing the only head = %v, want empty", heads)
	}

	if err := tr.PhaseAdjust(tx, []revlog.Node{g.nodes[2]}, nil); err != nil {
		t.Fatalf("PhaseAdjust: %v", err)
	}
	if heads := headsOf(t, tr); !reflect.DeepEqual(heads, []revlog.Node{g.nodes[2]}) {
		t.Errorf("Heads after new draft = %v, want [rev 2]", heads)
	}
}

func TestInvisibleRevs(t *testing.T) {
	g := linear(3)
	g.add(2, revlog.NullRev) // rev 3, a hidden fork head
	g.add(3, revlog.NullRev) // rev 4, its descendant

	tr := NewTracker(trackerPath(t), g, publicBelow(2), nil)
	tx := newFakeTx()
	if err := tr.Add(tx, []revlog.Node{g.nodes[2]}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	inv, err := tr.InvisibleRevs()
	if err != nil {
		t.Fatalf("InvisibleRevs: %v", err)
	}
	if want := []revlog.Rev{3, 4}; !reflect.DeepEqual(inv, want) {
		t.Errorf("InvisibleRevs = %v, want %v", inv, want)
	}

	// Making the hidden chain visible empties the invisible set.
	if err := tr.Add(tx, []revlog.Node{g.nodes[4]}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	inv, err = tr.InvisibleRevs()
	if err != nil {
		t.Fatalf("InvisibleRevs: %v", err)
	}
	if len(inv) != 0 {
		t.Errorf("InvisibleRevs after add = %v, want none", inv)
	}
}

func TestAbortReloadsFromDisk(t *testing.T) {
	g := linear(4)
	path := trackerPath(t)
	tr := NewTracker(path, g, nil, nil)

	tx1 := newFakeTx()
	if err := tr.Add(tx1, []revlog.Node{g.nodes[2]}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := tx1.commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx2 := newFakeTx()
	if err := tr.Add(tx2, []revlog.Node{g.nodes[3]}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := tx2.abort(); err != nil {
		t.Fatalf("abort: %v", err)
	}

	heads := headsOf(t, tr)
	if !reflect.DeepEqual(heads, []revlog.Node{g.nodes[2]}) {
		t.Errorf("Heads after abort = %v, want the committed head", heads)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if !strings.Contains(string(data), g.nodes[2].Hex()) || strings.Contains(string(data), g.nodes[3].Hex()) {
		t.Errorf("file contents wrong after abort: %q", data)
	}
}

func TestRejectsUnknownFormatVersion(t *testing.T) {
	g := linear(1)
	path := trackerPath(t)
	if err := os.WriteFile(path, []byte("v9\n"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	tr := NewTracker(path, g, nil, nil)
	if _, err := tr.Heads(); err == nil {
		t.Errorf("Heads accepted an unknown format version")
	}
}
