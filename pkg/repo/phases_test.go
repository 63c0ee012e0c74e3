package repo

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/odvcencio/grove/pkg/changelog"
	"github.com/odvcencio/grove/pkg/revlog"
)

// commitOn appends one commit with an explicit first parent.
func commitOn(t *testing.T, r *Repo, p1 revlog.Node) revlog.Node {
	t.Helper()
	if err := r.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer r.Unlock()
	tx, err := r.Begin("test")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Abort()
	node, err := r.Changelog.Add(tx, testRecord(r.Changelog.Len()), p1, revlog.NullNode)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := tx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return node
}

// forkedRepo builds 0 -> 1 -> 2 with 3 forked off 1.
func forkedRepo(t *testing.T) (*Repo, []revlog.Node) {
	t.Helper()
	r, err := Init(t.TempDir(), changelog.LayoutRevlog)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	nodes := commitChain(t, r, 3)
	nodes = append(nodes, commitOn(t, r, nodes[1]))
	return r, nodes
}

func mustIsPublic(t *testing.T, p *PhaseTable, rev revlog.Rev) bool {
	t.Helper()
	public, err := p.IsPublic(rev)
	if err != nil {
		t.Fatalf("IsPublic(%d): %v", rev, err)
	}
	return public
}

func TestPhasesDefaultPublic(t *testing.T) {
	r, _ := forkedRepo(t)
	for rev := revlog.Rev(0); int(rev) < r.Changelog.Len(); rev++ {
		if !mustIsPublic(t, r.Phases, rev) {
			t.Errorf("rev %d draft with no phase roots on disk", rev)
		}
	}
}

func TestAddDraftRoots(t *testing.T) {
	r, nodes := forkedRepo(t)
	if err := r.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer r.Unlock()
	tx, err := r.Begin("phases")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Abort()
	if err := r.Phases.AddDraftRoots(tx, []revlog.Node{nodes[1]}); err != nil {
		t.Fatalf("AddDraftRoots: %v", err)
	}
	if err := tx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if !mustIsPublic(t, r.Phases, 0) {
		t.Errorf("rev 0 not public")
	}
	for _, rev := range []revlog.Rev{1, 2, 3} {
		if mustIsPublic(t, r.Phases, rev) {
			t.Errorf("rev %d public, want draft", rev)
		}
	}

	data, err := os.ReadFile(filepath.Join(r.Dir, phaseFileName))
	if err != nil {
		t.Fatalf("read phaseroots: %v", err)
	}
	if string(data) != nodes[1].Hex()+"\n" {
		t.Errorf("phaseroots = %q, want single root line", data)
	}

	// Reloading from disk sees the same boundary.
	r2, err := Open(r.Dir, OpenOptions{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if mustIsPublic(t, r2.Phases, 3) {
		t.Errorf("reopened table lost the draft root")
	}
}

func TestMakePublicRecomputesRoots(t *testing.T) {
	r, nodes := forkedRepo(t)
	if err := r.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer r.Unlock()

	tx, err := r.Begin("phases")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := r.Phases.AddDraftRoots(tx, []revlog.Node{nodes[1]}); err != nil {
		t.Fatalf("AddDraftRoots: %v", err)
	}
	if err := tx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Publishing rev 2 takes 0..2 public and leaves the fork draft.
	tx, err = r.Begin("publish")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := r.Phases.MakePublic(tx, []revlog.Node{nodes[2]}); err != nil {
		t.Fatalf("MakePublic: %v", err)
	}
	if err := tx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for _, rev := range []revlog.Rev{0, 1, 2} {
		if !mustIsPublic(t, r.Phases, rev) {
			t.Errorf("rev %d not public after publish", rev)
		}
	}
	if mustIsPublic(t, r.Phases, 3) {
		t.Errorf("fork rev 3 published along with the mainline")
	}

	data, err := os.ReadFile(filepath.Join(r.Dir, phaseFileName))
	if err != nil {
		t.Fatalf("read phaseroots: %v", err)
	}
	lines := strings.Fields(string(data))
	if len(lines) != 1 || lines[0] != nodes[3].Hex() {
		t.Errorf("phaseroots = %v, want minimal root %s", lines, nodes[3].Short())
	}
}

func TestPhaseAbortReloadsFromDisk(t *testing.T) {
	r, nodes := forkedRepo(t)
	if err := r.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer r.Unlock()

	tx, err := r.Begin("doomed")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := r.Phases.AddDraftRoots(tx, []revlog.Node{nodes[0]}); err != nil {
		t.Fatalf("AddDraftRoots: %v", err)
	}
	if mustIsPublic(t, r.Phases, 0) {
		t.Errorf("rev 0 still public inside the transaction")
	}
	if err := tx.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	if !mustIsPublic(t, r.Phases, 0) {
		t.Errorf("aborted draft root survived")
	}
	if _, err := os.Stat(filepath.Join(r.Dir, phaseFileName)); !os.IsNotExist(err) {
		t.Errorf("phaseroots written despite abort: %v", err)
	}
}
