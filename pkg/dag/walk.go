// Package dag provides integer-id graph algebra for the commit graph:
// ancestor/descendant closures, head reduction, ranges, greatest common
// ancestors and reachable-roots over dense revision numbers. Revisions are
// topologically ordered (parents always numbered below children), which
// every walk here relies on.
package dag

import (
	"container/heap"
	"sort"

	"github.com/odvcencio/grove/pkg/revlog"
)

// Parents resolves a revision to its two parent revisions.
type Parents func(rev revlog.Rev) (revlog.Rev, revlog.Rev, error)

// revHeap is a max-heap of revisions, used to walk ancestor sets in
// strictly descending order without revisiting.
type revHeap []revlog.Rev

func (h revHeap) Len() int            { return len(h) }
func (h revHeap) Less(i, j int) bool  { return h[i] > h[j] }
func (h revHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *revHeap) Push(x any)         { *h = append(*h, x.(revlog.Rev)) }
func (h *revHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func sortedRevs(set map[revlog.Rev]struct{}) []revlog.Rev {
	out := make([]revlog.Rev, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AncestorSet returns the ancestor closure of revs as a set. With
// inclusive, the revs themselves are members.
func AncestorSet(parents Parents, revs []revlog.Rev, inclusive bool) (map[revlog.Rev]struct{}, error) {
	seen := make(map[revlog.Rev]struct{})
	h := &revHeap{}
	push := func(r revlog.Rev) {
		if r == revlog.NullRev {
			return
		}
		if _, ok := seen[r]; ok {
			return
		}
		seen[r] = struct{}{}
		heap.Push(h, r)
	}

	if inclusive {
		for _, r := range revs {
			push(r)
		}
	} else {
		for _, r := range revs {
			if r == revlog.NullRev {
				continue
			}
			p1, p2, err := parents(r)
			if err != nil {
				return nil, err
			}
			push(p1)
			push(p2)
		}
	}

	out := make(map[revlog.Rev]struct{}, len(seen))
	for h.Len() > 0 {
		r := heap.Pop(h).(revlog.Rev)
		out[r] = struct{}{}
		p1, p2, err := parents(r)
		if err != nil {
			return nil, err
		}
		push(p1)
		push(p2)
	}
	return out, nil
}

// Ancestors returns the ancestor closure of revs in ascending rev order.
func Ancestors(parents Parents, revs []revlog.Rev, inclusive bool) ([]revlog.Rev, error) {
	set, err := AncestorSet(parents, revs, inclusive)
	if err != nil {
		return nil, err
	}
	return sortedRevs(set), nil
}

// HeadsOf reduces a set to its heads: members with no child in the set.
// For ancestor-closed sets this equals "no descendant in the set".
func HeadsOf(parents Parents, set map[revlog.Rev]struct{}) ([]revlog.Rev, error) {
	isParent := make(map[revlog.Rev]struct{}, len(set))
	for r := range set {
		p1, p2, err := parents(r)
		if err != nil {
			return nil, err
		}
		if _, ok := set[p1]; ok {
			isParent[p1] = struct{}{}
		}
		if _, ok := set[p2]; ok {
			isParent[p2] = struct{}{}
		}
	}
	heads := make(map[revlog.Rev]struct{})
	for r := range set {
		if _, ok := isParent[r]; !ok {
			heads[r] = struct{}{}
		}
	}
	return sortedRevs(heads), nil
}

// Heads reduces revs to its heads.
func Heads(parents Parents, revs []revlog.Rev) ([]revlog.Rev, error) {
	set := make(map[revlog.Rev]struct{}, len(revs))
	for _, r := range revs {
		if r != revlog.NullRev {
			set[r] = struct{}{}
		}
	}
	return HeadsOf(parents, set)
}

// CommonAncestorsHeads returns the heads of the common ancestor set of
// revs: the greatest common ancestors.
func CommonAncestorsHeads(parents Parents, revs []revlog.Rev) ([]revlog.Rev, error) {
	if len(revs) == 0 {
		return nil, nil
	}
	common, err := AncestorSet(parents, revs[:1], true)
	if err != nil {
		return nil, err
	}
	for _, r := range revs[1:] {
		anc, err := AncestorSet(parents, []revlog.Rev{r}, true)
		if err != nil {
			return nil, err
		}
		for c := range common {
			if _, ok := anc[c]; !ok {
				delete(common, c)
			}
		}
	}
	return HeadsOf(parents, common)
}

// IsAncestor reports whether a is an ancestor of b (inclusive: a == b
// counts).
func IsAncestor(parents Parents, a, b revlog.Rev) (bool, error) {
	if a == b {
		return true, nil
	}
	if a > b {
		return false, nil
	}
	set, err := AncestorSet(parents, []revlog.Rev{b}, true)
	if err != nil {
		return false, err
	}
	_, ok := set[a]
	return ok, nil
}

// MissingAncestors returns the ancestors of heads (inclusive) that are not
// ancestors of common (inclusive), in ascending order. This is the
// push/pull discovery primitive.
func MissingAncestors(parents Parents, common, heads []revlog.Rev) ([]revlog.Rev, error) {
	commonSet, err := AncestorSet(parents, common, true)
	if err != nil {
		return nil, err
	}
	headSet, err := AncestorSet(parents, heads, true)
	if err != nil {
		return nil, err
	}
	missing := make(map[revlog.Rev]struct{})
	for r := range headSet {
		if _, ok := commonSet[r]; !ok {
			missing[r] = struct{}{}
		}
	}
	return sortedRevs(missing), nil
}

// Only returns the revisions that are ancestors of local (inclusive) but
// not ancestors of other (inclusive).
func Only(parents Parents, local, other []revlog.Rev) ([]revlog.Rev, error) {
	return MissingAncestors(parents, other, local)
}

// Descendants returns all revisions up to maxRev (inclusive) that descend
// from revs, the revs themselves excluded.
func Descendants(parents Parents, revs []revlog.Rev, maxRev revlog.Rev) ([]revlog.Rev, error) {
	roots := make(map[revlog.Rev]struct{}, len(revs))
	var min revlog.Rev = maxRev + 1
	for _, r := range revs {
		roots[r] = struct{}{}
		if r < min {
			min = r
		}
	}
	in := make(map[revlog.Rev]struct{})
	var out []revlog.Rev
	for r := min + 1; r <= maxRev; r++ {
		p1, p2, err := parents(r)
		if err != nil {
			return nil, err
		}
		_, d1 := roots[p1]
		_, d2 := roots[p2]
		_, i1 := in[p1]
		_, i2 := in[p2]
		if d1 || d2 || i1 || i2 {
			in[r] = struct{}{}
			out = append(out, r)
		}
	}
	return out, nil
}

// Range returns the revisions that are both descendants of roots and
// ancestors of heads, inclusive on both ends, in ascending order.
func Range(parents Parents, roots, heads []revlog.Rev) ([]revlog.Rev, error) {
	anc, err := AncestorSet(parents, heads, true)
	if err != nil {
		return nil, err
	}
	rootSet := make(map[revlog.Rev]struct{}, len(roots))
	var min revlog.Rev = revlog.NullRev
	for _, r := range roots {
		rootSet[r] = struct{}{}
		if min == revlog.NullRev || r < min {
			min = r
		}
	}
	if min == revlog.NullRev {
		return nil, nil
	}

	kept := make(map[revlog.Rev]struct{})
	var out []revlog.Rev
	for _, r := range sortedRevs(anc) {
		if r < min {
			continue
		}
		if _, ok := rootSet[r]; ok {
			kept[r] = struct{}{}
			out = append(out, r)
			continue
		}
		p1, p2, err := parents(r)
		if err != nil {
			return nil, err
		}
		_, k1 := kept[p1]
		_, k2 := kept[p2]
		if k1 || k2 {
			kept[r] = struct{}{}
			out = append(out, r)
		}
	}
	return out, nil
}

// ReachableRoots returns the members of roots, all at or above minroot,
// that are reachable from heads. With includepath, every revision on a
// path from such a root to a head is included as well.
func ReachableRoots(parents Parents, minroot revlog.Rev, heads, roots []revlog.Rev, includepath bool) ([]revlog.Rev, error) {
	rootSet := make(map[revlog.Rev]struct{}, len(roots))
	for _, r := range roots {
		if r >= minroot {
			rootSet[r] = struct{}{}
		}
	}
	if len(rootSet) == 0 {
		return nil, nil
	}

	// Descending sweep: everything at or above minroot reachable from
	// heads.
	seen := make(map[revlog.Rev]struct{})
	h := &revHeap{}
	for _, r := range heads {
		if r >= minroot {
			if _, ok := seen[r]; !ok {
				seen[r] = struct{}{}
				heap.Push(h, r)
			}
		}
	}
	for h.Len() > 0 {
		r := heap.Pop(h).(revlog.Rev)
		p1, p2, err := parents(r)
		if err != nil {
			return nil, err
		}
		for _, p := range [2]revlog.Rev{p1, p2} {
			if p == revlog.NullRev || p < minroot {
				continue
			}
			if _, ok := seen[p]; !ok {
				seen[p] = struct{}{}
				heap.Push(h, p)
			}
		}
	}

	reached := make(map[revlog.Rev]struct{})
	for r := range rootSet {
		if _, ok := seen[r]; ok {
			reached[r] = struct{}{}
		}
	}
	if !includepath {
		return sortedRevs(reached), nil
	}

	// Ascending sweep: keep descendants of reached roots that are still
	// on a path to a head.
	kept := make(map[revlog.Rev]struct{}, len(reached))
	for r := range reached {
		kept[r] = struct{}{}
	}
	for _, r := range sortedRevs(seen) {
		if _, ok := kept[r]; ok {
			continue
		}
		p1, p2, err := parents(r)
		if err != nil {
			return nil, err
		}
		_, k1 := kept[p1]
		_, k2 := kept[p2]
		if k1 || k2 {
			kept[r] = struct{}{}
		}
	}
	return sortedRevs(kept), nil
}
