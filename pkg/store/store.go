// Package store implements the content-addressed overlay for commit text.
// Each entry is stored under a key equal to the SHA-1 of its payload, and
// the payload carries a 40-byte parent header so a reader can re-verify the
// hash independently of any index.
package store

import (
	"bytes"
	"context"
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/odvcencio/grove/pkg/revlog"
)

// Fallback serves commit text for nodes absent from the store, typically a
// revision log.
type Fallback interface {
	RevisionNode(n revlog.Node) ([]byte, error)
}

// Fetcher retrieves commit text from a remote peer in batches.
type Fetcher interface {
	FetchText(ctx context.Context, nodes []revlog.Node) (map[revlog.Node][]byte, error)
}

// Options configure a Store.
type Options struct {
	// Fallback is consulted on a local miss before any remote fetch.
	Fallback Fallback
	// Fetcher is the remote source of last resort.
	Fetcher Fetcher
	// FetchBatch bounds how many nodes a single remote round-trip may
	// carry, capping memory during large pulls. Zero means 100.
	FetchBatch int
}

const defaultFetchBatch = 100

// Store is a content-addressed commit text store with a 2-character
// fan-out directory layout: root/ab/cdef0123...
type Store struct {
	root string
	opts Options
}

// New creates a Store rooted at dir. The fan-out directories are created
// lazily on first write.
func New(dir string, opts Options) *Store {
	if opts.FetchBatch <= 0 {
		opts.FetchBatch = defaultFetchBatch
	}
	return &Store{root: dir, opts: opts}
}

func (s *Store) entryPath(n revlog.Node) string {
	hex := n.Hex()
	return filepath.Join(s.root, hex[:2], hex[2:])
}

// Has reports whether the store holds text for node locally.
func (s *Store) Has(n revlog.Node) bool {
	_, err := os.Stat(s.entryPath(n))
	return err == nil
}

// payload prefixes text with the sorted raw parent hashes, the same bytes
// the node identity is computed over.
func payload(text []byte, p1, p2 revlog.Node) []byte {
	a, b := p1, p2
	if bytes.Compare(b[:], a[:]) < 0 {
		a, b = b, a
	}
	out := make([]byte, 0, 2*revlog.NodeSize+len(text))
	out = append(out, a[:]...)
	out = append(out, b[:]...)
	out = append(out, text...)
	return out
}

// Put stores text keyed by its own content hash. The computed key must
// equal node: a mismatch means the caller's identity and the content
// disagree, which is fatal and never silently repaired.
func (s *Store) Put(node revlog.Node, text []byte, p1, p2 revlog.Node) error {
	body := payload(text, p1, p2)
	key := revlog.Node(sha1.Sum(body))
	if key != node {
		return &revlog.IntegrityError{
			Name: "contentstore",
			Msg:  fmt.Sprintf("content hash %s does not match node %s", key.Short(), node.Short()),
		}
	}
	if s.Has(node) {
		return nil
	}

	framed, err := frame(body)
	if err != nil {
		return fmt.Errorf("store put %s: %w", node.Short(), err)
	}

	dest := s.entryPath(node)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("store put mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return fmt.Errorf("store put tmpfile: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(framed); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store put write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store put close: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store put rename: %w", err)
	}
	return nil
}

// getLocal reads and verifies a local entry, returning the text with the
// parent header stripped.
func (s *Store) getLocal(n revlog.Node) ([]byte, bool, error) {
	framed, err := os.ReadFile(s.entryPath(n))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store read %s: %w", n.Short(), err)
	}
	body, err := unframe(framed)
	if err != nil {
		return nil, false, &revlog.IntegrityError{Name: "contentstore", Msg: fmt.Sprintf("%s: %v", n.Short(), err)}
	}
	if len(body) < 2*revlog.NodeSize {
		return nil, false, &revlog.IntegrityError{Name: "contentstore", Msg: fmt.Sprintf("%s: payload shorter than parent header", n.Short())}
	}
	if got := revlog.Node(sha1.Sum(body)); got != n {
		return nil, false, &revlog.IntegrityError{
			Name: "contentstore",
			Msg:  fmt.Sprintf("hash mismatch: computed %s, want %s", got.Short(), n.Short()),
		}
	}
	return body[2*revlog.NodeSize:], true, nil
}

// Get returns the commit text for node, trying the local store, then the
// fallback, then a remote fetch. All misses produce a lookup error.
func (s *Store) Get(ctx context.Context, n revlog.Node) ([]byte, error) {
	text, ok, err := s.getLocal(n)
	if err != nil {
		return nil, err
	}
	if ok {
		return text, nil
	}
	if s.opts.Fallback != nil {
		text, err := s.opts.Fallback.RevisionNode(n)
		if err == nil {
			return text, nil
		}
	}
	if s.opts.Fetcher != nil {
		fetched, err := s.opts.Fetcher.FetchText(ctx, []revlog.Node{n})
		if err != nil {
			return nil, fmt.Errorf("store fetch %s: %w", n.Short(), err)
		}
		if text, ok := fetched[n]; ok {
			return text, nil
		}
	}
	return nil, &revlog.LookupError{Name: "contentstore", ID: n.Hex(), Msg: "no data for node"}
}

// Prefetch pulls text for the given nodes from the remote fetcher in
// bounded batches, storing nothing locally for nodes already present.
func (s *Store) Prefetch(ctx context.Context, specs []PrefetchSpec) error {
	if s.opts.Fetcher == nil {
		return nil
	}
	var pending []PrefetchSpec
	for _, sp := range specs {
		if !s.Has(sp.Node) {
			pending = append(pending, sp)
		}
	}
	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch := pending
		if len(batch) > s.opts.FetchBatch {
			batch = batch[:s.opts.FetchBatch]
		}
		pending = pending[len(batch):]

		nodes := make([]revlog.Node, len(batch))
		for i, sp := range batch {
			nodes[i] = sp.Node
		}
		fetched, err := s.opts.Fetcher.FetchText(ctx, nodes)
		if err != nil {
			return fmt.Errorf("store prefetch: %w", err)
		}
		for _, sp := range batch {
			text, ok := fetched[sp.Node]
			if !ok {
				return &revlog.LookupError{Name: "contentstore", ID: sp.Node.Hex(), Msg: "no data for node"}
			}
			if err := s.Put(sp.Node, text, sp.P1, sp.P2); err != nil {
				return err
			}
		}
	}
	return nil
}

// PrefetchSpec names a node and its parents for a bulk fetch.
type PrefetchSpec struct {
	Node revlog.Node
	P1   revlog.Node
	P2   revlog.Node
}

/// Entries are framed on disk with a one-byte tag: 'u' raw, 'z' zstd.
const (
	frameRaw  = 'u'
	frameZstd = 'z'
)

func frame(body []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	compressed := enc.EncodeAll(body, nil)
	if len(compressed) < len(body) {
		return append([]byte{frameZstd}, compressed...), nil
	}
	return append([]byte{frameRaw}, body...), nil
}

func unframe(framed []byte) ([]byte, error) {
	if len(framed) == 0 {
		return nil, fmt.Errorf("empty entry")
	}
	switch framed[0] {
	case frameRaw:
		return framed[1:], nil
	case frameZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(framed[1:], nil)
	default:
		return nil, fmt.Errorf("unknown frame tag 0x%02x", framed[0])
	}
}
