// Package revlog implements an append-only revision log: a fixed-record
// index file plus a data file of (optionally delta-compressed) payloads.
// Revisions are identified by a dense integer rev and by a content-derived
// 20-byte node. Appends happen inside a transaction through a crash-safe
// write protocol; reads need no lock and stay correct while a writer is
// mid-transaction.
package revlog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Options control a log's storage strategy. Persisted header flags win over
// options when an existing log is opened.
type Options struct {
	// GeneralDelta allows a delta base to be any earlier revision rather
	// than only the immediately preceding one.
	GeneralDelta bool
	// NoDelta stores every revision as a full snapshot. The changelog
	// sets this: commit texts compress poorly against unrelated commits,
	// and random access must not pay for chain reconstruction.
	NoDelta bool
	// InlineThreshold interleaves data with the index until the index
	// file exceeds this many bytes, then splits into .i/.d. Zero or
	// negative disables the inline layout.
	InlineThreshold int64
}

const defaultInlineThreshold = 128 * 1024

// Log is an open revision log.
type Log struct {
	dir   string
	name  string
	opts  Options
	flags uint16

	index   []IndexEntry
	nodeMap map[Node]Rev

	w *txWriter // active transactional writer, nil outside a transaction
}

// Open opens or creates the log <dir>/<name>.i (+ <name>.d).
func Open(dir, name string, opts Options) (*Log, error) {
	l := &Log{dir: dir, name: name, opts: opts}
	if opts.InlineThreshold > 0 {
		l.flags |= headerInline
	}
	if opts.GeneralDelta {
		l.flags |= headerGeneralDelta
	}
	if opts.NoDelta {
		l.flags |= headerNoDelta
	}

	data, err := os.ReadFile(l.indexPath())
	if os.IsNotExist(err) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open revlog %s: %w", name, err)
	}
	if err := l.parseIndex(data); err != nil {
		return nil, &IntegrityError{Name: name, Msg: err.Error()}
	}
	return l, nil
}

func (l *Log) indexPath() string {
	return filepath.Join(l.dir, l.name+".i")
}

func (l *Log) dataPath() string {
	return filepath.Join(l.dir, l.name+".d")
}

func (l *Log) inline() bool {
	return l.flags&headerInline != 0
}

func (l *Log) generalDelta() bool {
	return l.flags&headerGeneralDelta != 0
}

func (l *Log) noDelta() bool {
	return l.flags&headerNoDelta != 0
}

func (l *Log) parseIndex(data []byte) error {
	flags, err := unmarshalIndexHeader(data)
	if err != nil {
		return err
	}
	l.flags = flags
	pos := int64(indexHeaderSize)
	for pos < int64(len(data)) {
		if pos+indexEntrySize > int64(len(data)) {
			return fmt.Errorf("truncated index record at offset %d", pos)
		}
		e, err := unmarshalIndexEntry(data[pos : pos+indexEntrySize])
		if err != nil {
			return err
		}
		pos += indexEntrySize
		if l.inline() {
			if e.Offset != pos {
				return fmt.Errorf("inline record %d: offset %d, expected %d", len(l.index), e.Offset, pos)
			}
			pos += int64(e.Length)
			if pos > int64(len(data)) {
				return fmt.Errorf("inline record %d: chunk past end of file", len(l.index))
			}
		}
		l.index = append(l.index, e)
	}
	return nil
}

// Len returns the number of revisions in the log.
func (l *Log) Len() int {
	return len(l.index)
}

// Tip returns the node of the most recently appended revision, or NullNode
// for an empty log.
func (l *Log) Tip() Node {
	if len(l.index) == 0 {
		return NullNode
	}
	return l.index[len(l.index)-1].Node
}

// Index returns the index entry for rev.
func (l *Log) Index(rev Rev) (IndexEntry, error) {
	if rev < 0 || int(rev) >= len(l.index) {
		return IndexEntry{}, &LookupError{Name: l.name, ID: fmt.Sprintf("%d", rev), Msg: "unknown revision"}
	}
	return l.index[rev], nil
}

// NodeOf returns the node for rev. NullRev maps to NullNode.
func (l *Log) NodeOf(rev Rev) (Node, error) {
	if rev == NullRev {
		return NullNode, nil
	}
	e, err := l.Index(rev)
	if err != nil {
		return NullNode, err
	}
	return e.Node, nil
}

// ParentRevs returns the parent revs of rev.
func (l *Log) ParentRevs(rev Rev) (Rev, Rev, error) {
	e, err := l.Index(rev)
	if err != nil {
		return NullRev, NullRev, err
	}
	return e.P1, e.P2, nil
}

// Parents returns the parent nodes of rev.
func (l *Log) Parents(rev Rev) (Node, Node, error) {
	p1, p2, err := l.ParentRevs(rev)
	if err != nil {
		return NullNode, NullNode, err
	}
	n1, err := l.NodeOf(p1)
	if err != nil {
		return NullNode, NullNode, err
	}
	n2, err := l.NodeOf(p2)
	if err != nil {
		return NullNode, NullNode, err
	}
	return n1, n2, nil
}

func (l *Log) buildNodeMap() {
	if l.nodeMap != nil {
		return
	}
	m := make(map[Node]Rev, len(l.index))
	for i, e := range l.index {
		m[e.Node] = Rev(i)
	}
	l.nodeMap = m
}

// LookupNode resolves a node to its rev. NullNode resolves to NullRev.
func (l *Log) LookupNode(n Node) (Rev, error) {
	if n.IsNull() {
		return NullRev, nil
	}
	l.buildNodeMap()
	if rev, ok := l.nodeMap[n]; ok {
		return rev, nil
	}
	return NullRev, &LookupError{Name: l.name, ID: n.Hex(), Msg: "unknown node"}
}

// LookupPrefix returns all nodes whose hex form starts with prefix.
func (l *Log) LookupPrefix(prefix string) []Node {
	prefix = strings.ToLower(prefix)
	var out []Node
	for _, e := range l.index {
		if strings.HasPrefix(e.Node.Hex(), prefix) {
			out = append(out, e.Node)
		}
	}
	return out
}

// readChunkBytes fetches the stored chunk for an index entry, consulting
// the active transactional writer's composite view when the entry is not
// yet durable.
func (l *Log) readChunkBytes(e IndexEntry) ([]byte, error) {
	if e.Length == 0 {
		return nil, nil
	}
	buf := make([]byte, e.Length)
	if l.inline() {
		if l.w != nil && e.Offset+int64(e.Length) > l.w.baseIndexSize {
			if err := l.w.readIndexAt(buf, e.Offset); err != nil {
				return nil, err
			}
			return buf, nil
		}
		f, err := os.Open(l.indexPath())
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", l.name, err)
		}
		defer f.Close()
		if _, err := f.ReadAt(buf, e.Offset); err != nil {
			return nil, fmt.Errorf("read %s: %w", l.name, err)
		}
		return buf, nil
	}
	f, err := os.Open(l.dataPath())
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", l.name, err)
	}
	defer f.Close()
	if _, err := f.ReadAt(buf, e.Offset); err != nil {
		return nil, fmt.Errorf("read %s: %w", l.name, err)
	}
	return buf, nil
}

// deltaChain returns the revs to replay, from the full-text base up to and
// including rev.
func (l *Log) deltaChain(rev Rev) ([]Rev, error) {
	chain := []Rev{rev}
	r := rev
	for {
		e, err := l.Index(r)
		if err != nil {
			return nil, err
		}
		if e.Base == r {
			break
		}
		if e.Base > r || e.Base < 0 {
			return nil, &IntegrityError{Name: l.name, Msg: fmt.Sprintf("rev %d: bad delta base %d", r, e.Base)}
		}
		r = e.Base
		chain = append(chain, r)
	}
	// Reverse into chain order.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Revision reconstructs and verifies the raw text of rev.
func (l *Log) Revision(rev Rev) ([]byte, error) {
	e, err := l.Index(rev)
	if err != nil {
		return nil, err
	}
	chain, err := l.deltaChain(rev)
	if err != nil {
		return nil, err
	}

	var text []byte
	for i, r := range chain {
		ce, err := l.Index(r)
		if err != nil {
			return nil, err
		}
		raw, err := l.readChunkBytes(ce)
		if err != nil {
			return nil, err
		}
		body, err := unpackChunk(raw)
		if err != nil {
			return nil, &IntegrityError{Name: l.name, Msg: fmt.Sprintf("rev %d: %v", r, err)}
		}
		if i == 0 {
			text = body
			continue
		}
		text, err = applyDelta(text, body)
		if err != nil {
			return nil, &IntegrityError{Name: l.name, Msg: fmt.Sprintf("rev %d: %v", r, err)}
		}
	}

	p1, p2, err := l.Parents(rev)
	if err != nil {
		return nil, err
	}
	if got := HashText(text, p1, p2); got != e.Node {
		return nil, &IntegrityError{
			Name: l.name,
			Msg:  fmt.Sprintf("rev %d: node mismatch: computed %s, indexed %s", rev, got.Short(), e.Node.Short()),
		}
	}
	return text, nil
}

// RevisionNode reconstructs the raw text for a node.
func (l *Log) RevisionNode(n Node) ([]byte, error) {
	rev, err := l.LookupNode(n)
	if err != nil {
		return nil, err
	}
	if rev == NullRev {
		return nil, nil
	}
	return l.Revision(rev)
}

// RawSize returns the uncompressed text size of rev.
func (l *Log) RawSize(rev Rev) (int, error) {
	e, err := l.Index(rev)
	if err != nil {
		return 0, err
	}
	return int(e.RawSize), nil
}

// LinkRev returns the link rev recorded for rev.
func (l *Log) LinkRev(rev Rev) (Rev, error) {
	e, err := l.Index(rev)
	if err != nil {
		return NullRev, err
	}
	return e.Link, nil
}

func (l *Log) writer(tx Tx) (*txWriter, error) {
	if l.w != nil {
		return l.w, nil
	}
	w, err := newTxWriter(l, tx)
	if err != nil {
		return nil, err
	}
	l.w = w
	return w, nil
}

// deltaBase picks a candidate delta base for a new revision, or NullRev for
// a full snapshot.
func (l *Log) deltaBase(p1 Rev) Rev {
	if l.noDelta() || len(l.index) == 0 {
		return NullRev
	}
	tip := Rev(len(l.index) - 1)
	if !l.generalDelta() {
		return tip
	}
	if p1 != NullRev {
		return p1
	}
	return tip
}

// Append stores text with the given parents and link rev, returning its
// node. Appending an already-present node is a no-op returning the
// existing node. Requires an open transaction.
func (l *Log) Append(tx Tx, text []byte, p1, p2 Node, link Rev) (Node, error) {
	if tx == nil || !tx.Active() {
		return NullNode, ErrNoTransaction
	}
	node := HashText(text, p1, p2)
	l.buildNodeMap()
	if _, ok := l.nodeMap[node]; ok {
		return node, nil
	}

	p1r, err := l.LookupNode(p1)
	if err != nil {
		return NullNode, fmt.Errorf("append: unknown p1: %w", err)
	}
	p2r, err := l.LookupNode(p2)
	if err != nil {
		return NullNode, fmt.Errorf("append: unknown p2: %w", err)
	}

	w, err := l.writer(tx)
	if err != nil {
		return NullNode, err
	}

	rev := Rev(len(l.index))
	base := rev
	body := text
	if br := l.deltaBase(p1r); br != NullRev {
		baseText, err := l.Revision(br)
		if err != nil {
			return NullNode, fmt.Errorf("append: read delta base %d: %w", br, err)
		}
		if d := buildDelta(baseText, text); len(d) < len(text) {
			base = br
			body = d
		}
	}

	chunk, err := packChunk(body)
	if err != nil {
		return NullNode, fmt.Errorf("append: %w", err)
	}

	var offset int64
	if l.inline() {
		offset = w.indexSize() + indexEntrySize
	} else {
		offset, err = w.appendData(chunk)
		if err != nil {
			return NullNode, err
		}
	}

	e := IndexEntry{
		Offset:  offset,
		Length:  int32(len(chunk)),
		RawSize: int32(len(text)),
		Base:    base,
		Link:    link,
		P1:      p1r,
		P2:      p2r,
		Node:    node,
	}
	w.appendIndex(e.marshal())
	if l.inline() {
		w.appendIndex(chunk)
	}
	l.index = append(l.index, e)
	l.nodeMap[node] = rev
	tx.AddNode(node)
	return node, nil
}

// RevisionSpec is one revision in a batched append.
type RevisionSpec struct {
	Text []byte
	P1   Node
	P2   Node
	Link Rev
}

// AppendGroup appends a batch of revisions in order. Parents may reference
// nodes earlier in the same batch.
func (l *Log) AppendGroup(tx Tx, specs []RevisionSpec) ([]Node, error) {
	nodes := make([]Node, 0, len(specs))
	for i, s := range specs {
		n, err := l.Append(tx, s.Text, s.P1, s.P2, s.Link)
		if err != nil {
			return nodes, fmt.Errorf("append group entry %d: %w", i, err)
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// discardAppends reverts the in-memory index to its first n entries after
// an aborted transaction.
func (l *Log) discardAppends(n int) {
	if n < len(l.index) {
		l.index = l.index[:n]
		l.nodeMap = nil
	}
}

// Strip truncates the log so that rev and everything after it is removed.
// It is an out-of-band administrative rewrite: it must not run while a
// transaction holds an active writer. Any cached node map is invalidated.
func (l *Log) Strip(rev Rev) error {
	if l.w != nil {
		return fmt.Errorf("strip %s: %w: transaction in progress", l.name, ErrUnsupported)
	}
	if rev < 0 || int(rev) >= len(l.index) {
		return &LookupError{Name: l.name, ID: fmt.Sprintf("%d", rev), Msg: "unknown revision"}
	}
	e := l.index[rev]
	if l.inline() {
		// The record sits immediately before its chunk.
		if err := os.Truncate(l.indexPath(), e.Offset-indexEntrySize); err != nil {
			return fmt.Errorf("strip %s: %w", l.name, err)
		}
	} else {
		if err := os.Truncate(l.indexPath(), indexHeaderSize+int64(rev)*indexEntrySize); err != nil {
			return fmt.Errorf("strip %s: %w", l.name, err)
		}
		if err := os.Truncate(l.dataPath(), e.Offset); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("strip %s: %w", l.name, err)
		}
	}
	l.index = l.index[:rev]
	l.nodeMap = nil
	return nil
}

// maybeSplitInline migrates an inline log to the split .i/.d layout once
// the index file crosses the configured threshold. Runs as post-append
// housekeeping at transaction finalize.
func (l *Log) maybeSplitInline() error {
	if !l.inline() || len(l.index) == 0 {
		return nil
	}
	threshold := l.opts.InlineThreshold
	if threshold <= 0 {
		threshold = defaultInlineThreshold
	}
	st, err := os.Stat(l.indexPath())
	if err != nil {
		return fmt.Errorf("split inline: %w", err)
	}
	if st.Size() <= threshold {
		return nil
	}

	chunks := make([][]byte, len(l.index))
	for i, e := range l.index {
		c, err := l.readChunkBytes(e)
		if err != nil {
			return fmt.Errorf("split inline: %w", err)
		}
		chunks[i] = c
	}

	newFlags := l.flags &^ headerInline
	newIndex := make([]IndexEntry, len(l.index))
	var ibuf, dbuf []byte
	ibuf = append(ibuf, marshalIndexHeader(newFlags)...)
	var off int64
	for i, e := range l.index {
		e.Offset = off
		newIndex[i] = e
		ibuf = append(ibuf, e.marshal()...)
		dbuf = append(dbuf, chunks[i]...)
		off += int64(len(chunks[i]))
	}

	if err := atomicWrite(l.dataPath(), dbuf); err != nil {
		return fmt.Errorf("split inline data: %w", err)
	}
	if err := atomicWrite(l.indexPath(), ibuf); err != nil {
		return fmt.Errorf("split inline index: %w", err)
	}
	l.flags = newFlags
	l.index = newIndex
	return nil
}

// atomicWrite writes data to path via a temp file and rename.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("tmpfile: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
