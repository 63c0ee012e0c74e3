package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/odvcencio/grove/pkg/revlog"
)

func entry(i int) (revlog.Node, []byte) {
	text := []byte(fmt.Sprintf("commit text %d", i))
	return revlog.HashText(text, revlog.NullNode, revlog.NullNode), text
}

func TestPutGet(t *testing.T) {
	s := New(t.TempDir(), Options{})
	n, text := entry(0)

	if s.Has(n) {
		t.Fatalf("Has before Put")
	}
	if err := s.Put(n, text, revlog.NullNode, revlog.NullNode); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !s.Has(n) {
		t.Errorf("Has after Put = false")
	}
	got, err := s.Get(context.Background(), n)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(text) {
		t.Errorf("Get = %q, want %q", got, text)
	}

	// Re-put of an existing entry is a no-op.
	if err := s.Put(n, text, revlog.NullNode, revlog.NullNode); err != nil {
		t.Errorf("second Put: %v", err)
	}
}

func TestPutRejectsWrongNode(t *testing.T) {
	s := New(t.TempDir(), Options{})
	_, text := entry(0)
	wrong, _ := entry(1)
	if err := s.Put(wrong, text, revlog.NullNode, revlog.NullNode); !errors.Is(err, revlog.ErrIntegrity) {
		t.Errorf("Put with wrong node: got %v, want ErrIntegrity", err)
	}
}

func TestGetDetectsCorruption(t *testing.T) {
	s := New(t.TempDir(), Options{})
	n, text := entry(0)
	if err := s.Put(n, text, revlog.NullNode, revlog.NullNode); err != nil {
		t.Fatalf("Put: %v", err)
	}
	path := s.entryPath(n)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read entry: %v", err)
	}
	data[len(data)-1] ^= 0xff
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write damaged entry: %v", err)
	}
	if _, err := s.Get(context.Background(), n); !errors.Is(err, revlog.ErrIntegrity) {
		t.Errorf("Get over damaged entry: got %v, want ErrIntegrity", err)
	}
}

func TestGetMiss(t *testing.T) {
	s := New(t.TempDir(), Options{})
	n, _ := entry(0)
	if _, err := s.Get(context.Background(), n); !errors.Is(err, revlog.ErrLookup) {
		t.Errorf("Get on miss: got %v, want ErrLookup", err)
	}
}

type mapFallback map[revlog.Node][]byte

func (m mapFallback) RevisionNode(n revlog.Node) ([]byte, error) {
	if text, ok := m[n]; ok {
		return text, nil
	}
	return nil, &revlog.LookupError{Name: "fallback", ID: n.Hex(), Msg: "unknown node"}
}

func TestGetFallback(t *testing.T) {
	n, text := entry(0)
	s := New(t.TempDir(), Options{Fallback: mapFallback{n: text}})
	got, err := s.Get(context.Background(), n)
	if err != nil {
		t.Fatalf("Get via fallback: %v", err)
	}
	if string(got) != string(text) {
		t.Errorf("Get via fallback = %q, want %q", got, text)
	}
}

type countingFetcher struct {
	texts map[revlog.Node][]byte
	calls int
	sizes []int
}

func (f *countingFetcher) FetchText(ctx context.Context, nodes []revlog.Node) (map[revlog.Node][]byte, error) {
	f.calls++
	f.sizes = append(f.sizes, len(nodes))
	out := make(map[revlog.Node][]byte, len(nodes))
	for _, n := range nodes {
		if text, ok := f.texts[n]; ok {
			out[n] = text
		}
	}
	return out, nil
}

func TestGetFetcher(t *testing.T) {
	n, text := entry(0)
	f := &countingFetcher{texts: map[revlog.Node][]byte{n: text}}
	s := New(t.TempDir(), Options{Fetcher: f})
	got, err := s.Get(context.Background(), n)
	if err != nil {
		t.Fatalf("Get via fetcher: %v", err)
	}
	if string(got) != string(text) {
		t.Errorf("Get via fetcher = %q, want %q", got, text)
	}
	if f.calls != 1 {
		t.Errorf("fetcher called %d times, want 1", f.calls)
	}
}

func TestPrefetchBatches(t *testing.T) {
	f := &countingFetcher{texts: make(map[revlog.Node][]byte)}
	s := New(t.TempDir(), Options{Fetcher: f, FetchBatch: 2})

	var specs []PrefetchSpec
	for i := 0; i < 5; i++ {
		n, text := entry(i)
		f.texts[n] = text
		specs = append(specs, PrefetchSpec{Node: n})
	}
	if err := s.Prefetch(context.Background(), specs); err != nil {
		t.Fatalf("Prefetch: %v", err)
	}
	if f.calls != 3 {
		t.Errorf("fetcher called %d times, want 3 (batches of 2)", f.calls)
	}
	for _, sp := range specs {
		if !s.Has(sp.Node) {
			t.Errorf("node %s missing after prefetch", sp.Node.Short())
		}
	}

	// A second prefetch finds everything present and never dials out.
	f.calls = 0
	if err := s.Prefetch(context.Background(), specs); err != nil {
		t.Fatalf("second Prefetch: %v", err)
	}
	if f.calls != 0 {
		t.Errorf("fetcher called %d times on warm prefetch, want 0", f.calls)
	}
}

func TestPrefetchHonorsContext(t *testing.T) {
	f := &countingFetcher{texts: make(map[revlog.Node][]byte)}
	s := New(t.TempDir(), Options{Fetcher: f, FetchBatch: 1})
	n, text := entry(0)
	f.texts[n] = text

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Prefetch(ctx, []PrefetchSpec{{Node: n}})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Prefetch on canceled context: got %v, want context.Canceled", err)
	}
	if f.calls != 0 {
		t.Errorf("fetcher dialed after cancellation")
	}
}

type sliceSource []struct {
	node   revlog.Node
	p1, p2 revlog.Node
	text   []byte
}

func (s sliceSource) Len() int { return len(s) }
func (s sliceSource) NodeOf(rev revlog.Rev) (revlog.Node, error) {
	return s[rev].node, nil
}
func (s sliceSource) Parents(rev revlog.Rev) (revlog.Node, revlog.Node, error) {
	return s[rev].p1, s[rev].p2, nil
}
func (s sliceSource) Revision(rev revlog.Rev) ([]byte, error) {
	return s[rev].text, nil
}

func makeSource(n int) sliceSource {
	var src sliceSource
	prev := revlog.NullNode
	for i := 0; i < n; i++ {
		text := []byte(fmt.Sprintf("backfill text %d", i))
		node := revlog.HashText(text, prev, revlog.NullNode)
		src = append(src, struct {
			node   revlog.Node
			p1, p2 revlog.Node
			text   []byte
		}{node, prev, revlog.NullNode, text})
		prev = node
	}
	return src
}

func TestBackfill(t *testing.T) {
	src := makeSource(10)
	s := New(t.TempDir(), Options{})

	written, err := s.Backfill(context.Background(), src)
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if written != 10 {
		t.Errorf("Backfill wrote %d, want 10", written)
	}
	for _, e := range src {
		got, err := s.Get(context.Background(), e.node)
		if err != nil {
			t.Fatalf("Get(%s): %v", e.node.Short(), err)
		}
		if string(got) != string(e.text) {
			t.Errorf("Get(%s) = %q, want %q", e.node.Short(), got, e.text)
		}
	}
}

func TestBackfillResumes(t *testing.T) {
	src := makeSource(10)
	s := New(t.TempDir(), Options{})

	// Seed half the entries, then backfill the rest.
	for _, e := range src[:5] {
		if err := s.Put(e.node, e.text, e.p1, e.p2); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	written, err := s.Backfill(context.Background(), src)
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if written != 5 {
		t.Errorf("resumed Backfill wrote %d, want 5", written)
	}
}

func TestBackfillHonorsContext(t *testing.T) {
	src := makeSource(3)
	s := New(t.TempDir(), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Backfill(ctx, src); !errors.Is(err, context.Canceled) {
		t.Errorf("Backfill on canceled context: got %v, want context.Canceled", err)
	}
}
