package dag

import (
	"encoding/binary"
	"fmt"
	"os"
	"strings"

	"github.com/odvcencio/grove/pkg/revlog"
)

const idMapRecordSize = revlog.NodeSize + 8

// IdMap is the bidirectional node-to-integer-id index used by the graph
// backend. Ids are dense and topologically ordered: a node's parents are
// always registered before it. The on-disk form is an append-only file of
// fixed 28-byte records (node, p1 id, p2 id); the record's ordinal is its
// id.
type IdMap struct {
	path string

	nodes   []revlog.Node
	parents [][2]revlog.Rev
	ids     map[revlog.Node]revlog.Rev

	flushed int // records already on disk
}

// OpenIdMap loads (or initializes) the id map at path.
func OpenIdMap(path string) (*IdMap, error) {
	m := &IdMap{path: path, ids: make(map[revlog.Node]revlog.Rev)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open idmap: %w", err)
	}
	if len(data)%idMapRecordSize != 0 {
		return nil, &revlog.IntegrityError{Name: "idmap", Msg: fmt.Sprintf("file size %d is not a record multiple", len(data))}
	}
	for pos := 0; pos < len(data); pos += idMapRecordSize {
		rec := data[pos : pos+idMapRecordSize]
		var n revlog.Node
		copy(n[:], rec[:revlog.NodeSize])
		p1 := revlog.Rev(int32(binary.BigEndian.Uint32(rec[revlog.NodeSize : revlog.NodeSize+4])))
		p2 := revlog.Rev(int32(binary.BigEndian.Uint32(rec[revlog.NodeSize+4:])))
		m.ids[n] = revlog.Rev(len(m.nodes))
		m.nodes = append(m.nodes, n)
		m.parents = append(m.parents, [2]revlog.Rev{p1, p2})
	}
	m.flushed = len(m.nodes)
	return m, nil
}

// Len returns the number of registered nodes.
func (m *IdMap) Len() int {
	return len(m.nodes)
}

// ID resolves a node to its integer id.
func (m *IdMap) ID(n revlog.Node) (revlog.Rev, error) {
	if n.IsNull() {
		return revlog.NullRev, nil
	}
	if id, ok := m.ids[n]; ok {
		return id, nil
	}
	return revlog.NullRev, &revlog.LookupError{Name: "idmap", ID: n.Hex(), Msg: "unknown node"}
}

// Node resolves an id back to its node.
func (m *IdMap) Node(id revlog.Rev) (revlog.Node, error) {
	if id == revlog.NullRev {
		return revlog.NullNode, nil
	}
	if id < 0 || int(id) >= len(m.nodes) {
		return revlog.NullNode, &revlog.LookupError{Name: "idmap", ID: fmt.Sprintf("%d", id), Msg: "unknown id"}
	}
	return m.nodes[id], nil
}

// Parents returns the parent ids of id.
func (m *IdMap) Parents(id revlog.Rev) (revlog.Rev, revlog.Rev, error) {
	if id < 0 || int(id) >= len(m.parents) {
		return revlog.NullRev, revlog.NullRev, &revlog.LookupError{Name: "idmap", ID: fmt.Sprintf("%d", id), Msg: "unknown id"}
	}
	return m.parents[id][0], m.parents[id][1], nil
}

// Has reports whether a node is registered.
func (m *IdMap) Has(n revlog.Node) bool {
	_, ok := m.ids[n]
	return ok
}

// Add registers a node with its parent nodes and returns the assigned id.
// Re-adding an existing node returns its id unchanged. Parents must
// already be registered.
func (m *IdMap) Add(n revlog.Node, p1, p2 revlog.Node) (revlog.Rev, error) {
	if id, ok := m.ids[n]; ok {
		return id, nil
	}
	p1id, err := m.ID(p1)
	if err != nil {
		return revlog.NullRev, fmt.Errorf("idmap add: p1: %w", err)
	}
	p2id, err := m.ID(p2)
	if err != nil {
		return revlog.NullRev, fmt.Errorf("idmap add: p2: %w", err)
	}
	id := revlog.Rev(len(m.nodes))
	m.ids[n] = id
	m.nodes = append(m.nodes, n)
	m.parents = append(m.parents, [2]revlog.Rev{p1id, p2id})
	return id, nil
}

// Flush appends any unpersisted records to the map file. Already-flushed
// records are never rewritten, so an interrupted bulk load resumes safely.
func (m *IdMap) Flush() error {
	if m.flushed == len(m.nodes) {
		return nil
	}
	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("idmap flush: %w", err)
	}
	for i := m.flushed; i < len(m.nodes); i++ {
		rec := make([]byte, idMapRecordSize)
		copy(rec[:revlog.NodeSize], m.nodes[i][:])
		binary.BigEndian.PutUint32(rec[revlog.NodeSize:revlog.NodeSize+4], uint32(m.parents[i][0]))
		binary.BigEndian.PutUint32(rec[revlog.NodeSize+4:], uint32(m.parents[i][1]))
		if _, err := f.Write(rec); err != nil {
			f.Close()
			return fmt.Errorf("idmap flush: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("idmap flush sync: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("idmap flush close: %w", err)
	}
	m.flushed = len(m.nodes)
	return nil
}

// DiscardUnflushed drops in-memory records that never reached disk, after
// an aborted transaction.
func (m *IdMap) DiscardUnflushed() {
	for i := m.flushed; i < len(m.nodes); i++ {
		delete(m.ids, m.nodes[i])
	}
	m.nodes = m.nodes[:m.flushed]
	m.parents = m.parents[:m.flushed]
}

// PrefixLookup returns all registered nodes whose hex form begins with
// prefix.
func (m *IdMap) PrefixLookup(prefix string) []revlog.Node {
	prefix = strings.ToLower(prefix)
	var out []revlog.Node
	for _, n := range m.nodes {
		if strings.HasPrefix(n.Hex(), prefix) {
			out = append(out, n)
		}
	}
	return out
}
