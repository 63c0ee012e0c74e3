package dag

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/odvcencio/grove/pkg/revlog"
)

func testNode(i int) revlog.Node {
	return revlog.HashText([]byte(fmt.Sprintf("node %d", i)), revlog.NullNode, revlog.NullNode)
}

func TestIdMapRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idmap")
	m, err := OpenIdMap(path)
	if err != nil {
		t.Fatalf("OpenIdMap: %v", err)
	}

	n0, n1, n2 := testNode(0), testNode(1), testNode(2)
	if _, err := m.Add(n0, revlog.NullNode, revlog.NullNode); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := m.Add(n1, n0, revlog.NullNode); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := m.Add(n2, n0, n1); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := m.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	m2, err := OpenIdMap(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if m2.Len() != 3 {
		t.Fatalf("reopened Len = %d, want 3", m2.Len())
	}
	id, err := m2.ID(n2)
	if err != nil {
		t.Fatalf("ID: %v", err)
	}
	if id != 2 {
		t.Errorf("ID(n2) = %d, want 2", id)
	}
	p1, p2, err := m2.Parents(2)
	if err != nil {
		t.Fatalf("Parents: %v", err)
	}
	if p1 != 0 || p2 != 1 {
		t.Errorf("Parents(2) = %d %d, want 0 1", p1, p2)
	}
	back, err := m2.Node(1)
	if err != nil {
		t.Fatalf("Node: %v", err)
	}
	if back != n1 {
		t.Errorf("Node(1) = %s, want %s", back.Hex(), n1.Hex())
	}
}

func TestIdMapAddRequiresParents(t *testing.T) {
	m, err := OpenIdMap(filepath.Join(t.TempDir(), "idmap"))
	if err != nil {
		t.Fatalf("OpenIdMap: %v", err)
	}
	if _, err := m.Add(testNode(0), testNode(99), revlog.NullNode); err == nil {
		t.Errorf("Add with unregistered parent succeeded")
	}
}

func TestIdMapAddIdempotent(t *testing.T) {
	m, err := OpenIdMap(filepath.Join(t.TempDir(), "idmap"))
	if err != nil {
		t.Fatalf("OpenIdMap: %v", err)
	}
	n := testNode(0)
	id1, err := m.Add(n, revlog.NullNode, revlog.NullNode)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	id2, err := m.Add(n, revlog.NullNode, revlog.NullNode)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if id1 != id2 || m.Len() != 1 {
		t.Errorf("re-add: ids %d %d, len %d; want equal ids and len 1", id1, id2, m.Len())
	}
}

func TestIdMapIncrementalFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idmap")
	m, err := OpenIdMap(path)
	if err != nil {
		t.Fatalf("OpenIdMap: %v", err)
	}

	prev := revlog.NullNode
	for i := 0; i < 3; i++ {
		n := testNode(i)
		if _, err := m.Add(n, prev, revlog.NullNode); err != nil {
			t.Fatalf("Add: %v", err)
		}
		prev = n
	}
	if err := m.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	for i := 3; i < 5; i++ {
		n := testNode(i)
		if _, err := m.Add(n, prev, revlog.NullNode); err != nil {
			t.Fatalf("Add: %v", err)
		}
		prev = n
	}
	if err := m.Flush(); err != nil {
		t.Fatalf("second Flush: %v", err)
	}

	m2, err := OpenIdMap(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if m2.Len() != 5 {
		t.Errorf("reopened Len = %d, want 5", m2.Len())
	}
	for i := 0; i < 5; i++ {
		id, err := m2.ID(testNode(i))
		if err != nil {
			t.Fatalf("ID(%d): %v", i, err)
		}
		if id != revlog.Rev(i) {
			t.Errorf("ID(node %d) = %d, want %d", i, id, i)
		}
	}
}

func TestIdMapDiscardUnflushed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idmap")
	m, err := OpenIdMap(path)
	if err != nil {
		t.Fatalf("OpenIdMap: %v", err)
	}
	n0 := testNode(0)
	if _, err := m.Add(n0, revlog.NullNode, revlog.NullNode); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := m.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if _, err := m.Add(testNode(1), n0, revlog.NullNode); err != nil {
		t.Fatalf("Add: %v", err)
	}

	m.DiscardUnflushed()
	if m.Len() != 1 {
		t.Errorf("Len after discard = %d, want 1", m.Len())
	}
	if m.Has(testNode(1)) {
		t.Errorf("discarded node still registered")
	}
	if !m.Has(n0) {
		t.Errorf("flushed node lost by discard")
	}
}

func TestLocalEngineDelegates(t *testing.T) {
	m, err := OpenIdMap(filepath.Join(t.TempDir(), "idmap"))
	if err != nil {
		t.Fatalf("OpenIdMap: %v", err)
	}
	n0, n1, n2 := testNode(0), testNode(1), testNode(2)
	for _, step := range []struct{ n, p1, p2 revlog.Node }{
		{n0, revlog.NullNode, revlog.NullNode},
		{n1, n0, revlog.NullNode},
		{n2, n1, revlog.NullNode},
	} {
		if _, err := m.Add(step.n, step.p1, step.p2); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	e := NewLocalEngine(m)
	anc, err := e.Ancestors([]revlog.Rev{2}, true)
	if err != nil {
		t.Fatalf("Ancestors: %v", err)
	}
	if len(anc) != 3 {
		t.Errorf("Ancestors(2) = %v, want 3 revs", anc)
	}
	desc, err := e.Descendants([]revlog.Rev{0})
	if err != nil {
		t.Fatalf("Descendants: %v", err)
	}
	if len(desc) != 2 {
		t.Errorf("Descendants(0) = %v, want 2 revs", desc)
	}
}
