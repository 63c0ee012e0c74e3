package revlog

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

// NodeSize is the length of a commit identity in bytes.
const NodeSize = 20

// Node is a content-derived 20-byte commit identity: the SHA-1 of the two
// parent nodes (sorted ascending) followed by the raw commit text.
type Node [NodeSize]byte

// NullNode is the reserved all-zero node meaning "no parent".
var NullNode Node

// Rev is a dense local integer identifier, assigned at append time and
// never reused.
type Rev int32

// NullRev is the sentinel rev corresponding to NullNode.
const NullRev Rev = -1

// Hex returns the lowercase hex encoding of the node.
func (n Node) Hex() string {
	return hex.EncodeToString(n[:])
}

// IsNull reports whether the node is the reserved null node.
func (n Node) IsNull() bool {
	return n == NullNode
}

func (n Node) String() string {
	return n.Hex()
}

// Short returns the first 12 hex characters, for display.
func (n Node) Short() string {
	return n.Hex()[:12]
}

// NodeFromHex parses a full 40-character hex node.
func NodeFromHex(s string) (Node, error) {
	var n Node
	if len(s) != NodeSize*2 {
		return n, fmt.Errorf("node hex must be %d chars, got %d", NodeSize*2, len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return n, fmt.Errorf("invalid node hex %q: %w", s, err)
	}
	copy(n[:], raw)
	return n, nil
}

// HashText computes the node identity for text with the given parents.
// Parents are sorted ascending before hashing so the identity is stable
// under p1/p2 swap.
func HashText(text []byte, p1, p2 Node) Node {
	a, b := p1, p2
	if bytes.Compare(b[:], a[:]) < 0 {
		a, b = b, a
	}
	h := sha1.New()
	h.Write(a[:])
	h.Write(b[:])
	h.Write(text)
	var n Node
	copy(n[:], h.Sum(nil))
	return n
}
