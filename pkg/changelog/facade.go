package changelog

import (
	"fmt"
	"strconv"

	"github.com/odvcencio/grove/pkg/revlog"
)

// Backend is the physical storage contract behind the changelog. Two
// implementations exist: RevlogBackend (delta-chain log) and GraphBackend
// (integer-id graph plus content-addressed text). The active backend is a
// persisted per-repository capability, selected at open time.
type Backend interface {
	// Name identifies the backend layout, e.g. "revlog" or "full".
	Name() string
	Len() int
	Tip() revlog.Node
	Rev(n revlog.Node) (revlog.Rev, error)
	Node(rev revlog.Rev) (revlog.Node, error)
	ParentRevs(rev revlog.Rev) (revlog.Rev, revlog.Rev, error)
	Text(rev revlog.Rev) ([]byte, error)
	Add(tx revlog.Tx, text []byte, p1, p2 revlog.Node, link revlog.Rev) (revlog.Node, error)
	Strip(rev revlog.Rev) error
	LookupPrefix(prefix string) []revlog.Node

	Ancestors(revs []revlog.Rev, inclusive bool) ([]revlog.Rev, error)
	Heads(revs []revlog.Rev) ([]revlog.Rev, error)
	CommonAncestorsHeads(revs []revlog.Rev) ([]revlog.Rev, error)
	ReachableRoots(minroot revlog.Rev, heads, roots []revlog.Rev, includepath bool) ([]revlog.Rev, error)
	IsAncestor(a, b revlog.Rev) (bool, error)
}

// BranchInfo is the cheap cached branch accessor result.
type BranchInfo struct {
	Name   string
	Closed bool
}

// Changelog is the facade every higher-level operation talks to. It is
// backend-agnostic: node/rev translation, ancestry queries, append and
// structured decode all route through the Backend contract.
type Changelog struct {
	b           Backend
	branchCache map[revlog.Rev]BranchInfo
}

// New wraps a backend.
func New(b Backend) *Changelog {
	return &Changelog{b: b, branchCache: make(map[revlog.Rev]BranchInfo)}
}

// BackendName returns the active backend's layout name.
func (c *Changelog) BackendName() string { return c.b.Name() }

// Len returns the number of commits.
func (c *Changelog) Len() int { return c.b.Len() }

// Tip returns the most recently added commit node, or NullNode.
func (c *Changelog) Tip() revlog.Node { return c.b.Tip() }

// Rev resolves a node to its rev.
func (c *Changelog) Rev(n revlog.Node) (revlog.Rev, error) { return c.b.Rev(n) }

// Node resolves a rev to its node.
func (c *Changelog) Node(rev revlog.Rev) (revlog.Node, error) { return c.b.Node(rev) }

// ParentRevs returns the parent revs of rev.
func (c *Changelog) ParentRevs(rev revlog.Rev) (revlog.Rev, revlog.Rev, error) {
	return c.b.ParentRevs(rev)
}

// Parents returns the parent nodes of a node.
func (c *Changelog) Parents(n revlog.Node) (revlog.Node, revlog.Node, error) {
	rev, err := c.b.Rev(n)
	if err != nil {
		return revlog.NullNode, revlog.NullNode, err
	}
	if rev == revlog.NullRev {
		return revlog.NullNode, revlog.NullNode, nil
	}
	p1, p2, err := c.b.ParentRevs(rev)
	if err != nil {
		return revlog.NullNode, revlog.NullNode, err
	}
	n1, err := c.b.Node(p1)
	if err != nil {
		return revlog.NullNode, revlog.NullNode, err
	}
	n2, err := c.b.Node(p2)
	if err != nil {
		return revlog.NullNode, revlog.NullNode, err
	}
	return n1, n2, nil
}

// Ancestors returns the ancestor closure of revs, ascending.
func (c *Changelog) Ancestors(revs []revlog.Rev, inclusive bool) ([]revlog.Rev, error) {
	return c.b.Ancestors(revs, inclusive)
}

// Heads reduces revs to heads.
func (c *Changelog) Heads(revs []revlog.Rev) ([]revlog.Rev, error) {
	return c.b.Heads(revs)
}

// HeadRevs returns the heads of the whole graph.
func (c *Changelog) HeadRevs() ([]revlog.Rev, error) {
	all := make([]revlog.Rev, c.b.Len())
	for i := range all {
		all[i] = revlog.Rev(i)
	}
	return c.b.Heads(all)
}

// CommonAncestorsHeads returns the greatest common ancestors of nodes.
func (c *Changelog) CommonAncestorsHeads(nodes []revlog.Node) ([]revlog.Node, error) {
	revs, err := c.revsOf(nodes)
	if err != nil {
		return nil, err
	}
	gca, err := c.b.CommonAncestorsHeads(revs)
	if err != nil {
		return nil, err
	}
	return c.nodesOf(gca)
}

// ReachableRoots returns the members of roots at or above minroot that are
// reachable from heads, optionally with the connecting path revisions.
func (c *Changelog) ReachableRoots(minroot revlog.Rev, heads, roots []revlog.Rev, includepath bool) ([]revlog.Rev, error) {
	return c.b.ReachableRoots(minroot, heads, roots, includepath)
}

// IsAncestor reports whether node a is an ancestor of node b.
func (c *Changelog) IsAncestor(a, b revlog.Node) (bool, error) {
	ra, err := c.b.Rev(a)
	if err != nil {
		return false, err
	}
	rb, err := c.b.Rev(b)
	if err != nil {
		return false, err
	}
	return c.b.IsAncestor(ra, rb)
}

// FindMissing returns the nodes that are ancestors of heads but not of
// common: the commits a pull must transfer.
func (c *Changelog) FindMissing(common, heads []revlog.Node) ([]revlog.Node, error) {
	_, missing, err := c.FindCommonMissing(common, heads)
	return missing, err
}

// FindCommonMissing returns the ancestor closure of common, plus the nodes
// reachable from heads that are outside it, both ascending.
func (c *Changelog) FindCommonMissing(common, heads []revlog.Node) ([]revlog.Rev, []revlog.Node, error) {
	commonRevs, err := c.revsOf(common)
	if err != nil {
		return nil, nil, err
	}
	headRevs, err := c.revsOf(heads)
	if err != nil {
		return nil, nil, err
	}
	commonAnc, err := c.b.Ancestors(commonRevs, true)
	if err != nil {
		return nil, nil, err
	}
	headAnc, err := c.b.Ancestors(headRevs, true)
	if err != nil {
		return nil, nil, err
	}
	inCommon := make(map[revlog.Rev]struct{}, len(commonAnc))
	for _, r := range commonAnc {
		inCommon[r] = struct{}{}
	}
	var missing []revlog.Node
	for _, r := range headAnc {
		if _, ok := inCommon[r]; ok {
			continue
		}
		n, err := c.b.Node(r)
		if err != nil {
			return nil, nil, err
		}
		missing = append(missing, n)
	}
	return commonAnc, missing, nil
}

// ShortestPrefix returns the shortest hex prefix of node that is
// unambiguous. A prefix that could also be read as a decimal revision
// number is treated as ambiguous, preserving legacy lookup syntax.
func (c *Changelog) ShortestPrefix(n revlog.Node) (string, error) {
	if _, err := c.b.Rev(n); err != nil {
		return "", err
	}
	hex := n.Hex()
	for l := 1; l < len(hex); l++ {
		prefix := hex[:l]
		if len(c.b.LookupPrefix(prefix)) != 1 {
			continue
		}
		if c.looksLikeRev(prefix) {
			continue
		}
		return prefix, nil
	}
	return hex, nil
}

// looksLikeRev reports whether s parses as a decimal rev in range, which
// would shadow a hex prefix in legacy lookup syntax.
func (c *Changelog) looksLikeRev(s string) bool {
	v, err := strconv.Atoi(s)
	if err != nil {
		return false
	}
	return v >= 0 && v < c.b.Len()
}

// Add encodes a record and appends it with the given parents. The link rev
// is the rev the commit will occupy.
func (c *Changelog) Add(tx revlog.Tx, rec *Record, p1, p2 revlog.Node) (revlog.Node, error) {
	text, err := EncodeRecord(rec)
	if err != nil {
		return revlog.NullNode, err
	}
	return c.b.Add(tx, text, p1, p2, revlog.Rev(c.b.Len()))
}

// AddGroup appends pre-encoded commit texts in order; parents may name
// nodes earlier in the batch.
func (c *Changelog) AddGroup(tx revlog.Tx, specs []revlog.RevisionSpec) ([]revlog.Node, error) {
	nodes := make([]revlog.Node, 0, len(specs))
	for i, s := range specs {
		n, err := c.b.Add(tx, s.Text, s.P1, s.P2, revlog.Rev(c.b.Len()))
		if err != nil {
			return nodes, fmt.Errorf("add group entry %d: %w", i, err)
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// Read returns the structured record for a node.
func (c *Changelog) Read(n revlog.Node) (*Record, error) {
	rev, err := c.b.Rev(n)
	if err != nil {
		return nil, err
	}
	r, err := c.Revision(rev)
	if err != nil {
		return nil, err
	}
	return r.Record()
}

// Text returns the raw encoded commit text for a rev.
func (c *Changelog) Text(rev revlog.Rev) ([]byte, error) {
	return c.b.Text(rev)
}

// Revision returns the lazy record accessor for a rev.
func (c *Changelog) Revision(rev revlog.Rev) (*Revision, error) {
	text, err := c.b.Text(rev)
	if err != nil {
		return nil, err
	}
	return ParseRecord(text)
}

// BranchInfo returns the branch name and closed flag for rev without a
// full record decode, caching the answer.
func (c *Changelog) BranchInfo(rev revlog.Rev) (BranchInfo, error) {
	if bi, ok := c.branchCache[rev]; ok {
		return bi, nil
	}
	r, err := c.Revision(rev)
	if err != nil {
		return BranchInfo{}, err
	}
	name, err := r.Branch()
	if err != nil {
		return BranchInfo{}, err
	}
	closed, err := r.Closed()
	if err != nil {
		return BranchInfo{}, err
	}
	bi := BranchInfo{Name: name, Closed: closed}
	c.branchCache[rev] = bi
	return bi, nil
}

// Strip truncates the log at rev. Only the revlog backend supports it; the
// graph backend fails loudly. A successful strip drops any cached state
// derived from the removed revisions.
func (c *Changelog) Strip(rev revlog.Rev) error {
	if err := c.b.Strip(rev); err != nil {
		return err
	}
	c.branchCache = make(map[revlog.Rev]BranchInfo)
	return nil
}

func (c *Changelog) revsOf(nodes []revlog.Node) ([]revlog.Rev, error) {
	revs := make([]revlog.Rev, 0, len(nodes))
	for _, n := range nodes {
		r, err := c.b.Rev(n)
		if err != nil {
			return nil, err
		}
		if r != revlog.NullRev {
			revs = append(revs, r)
		}
	}
	return revs, nil
}

func (c *Changelog) nodesOf(revs []revlog.Rev) ([]revlog.Node, error) {
	nodes := make([]revlog.Node, 0, len(revs))
	for _, r := range revs {
		n, err := c.b.Node(r)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}
