package mst

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"

	sha256 "github.com/minio/sha256-simd"
)

const (
	// HashSize is the length of every node hash.
	HashSize = 16

	// DefaultFanout is the target average number of children per node.
	DefaultFanout = 32
)

// Node is one node of the tree. Level 0 nodes are the entries; a nil Key
// marks the anchor node of a level.
type Node struct {
	Level uint8
	Key   []byte
	Hash  []byte
	// Value is only set for leaves.
	Value []byte
}

// IsAnchor reports whether n is the anchor of its level.
func (n Node) IsAnchor() bool {
	return len(n.Key) == 0
}

// Equal reports whether two nodes have the same position and hash.
func (n Node) Equal(o Node) bool {
	return n.Level == o.Level && bytes.Equal(n.Key, o.Key) && bytes.Equal(n.Hash, o.Hash)
}

func (n Node) String() string {
	key := "anchor"
	if !n.IsAnchor() {
		key = hex.EncodeToString(n.Key)
	}
	return fmt.Sprintf("%d:%s:%s", n.Level, key, hex.EncodeToString(n.Hash))
}

// LeafHash hashes an entry. It is what a level 0 node carries and what a
// peer checks values fetched during sync against.
func LeafHash(key, value []byte) []byte {
	h := sha256.New()
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], uint64(len(key)))
	h.Write(buf[:n])
	h.Write(key)
	n = binary.PutUvarint(buf[:], uint64(len(value)))
	h.Write(buf[:n])
	h.Write(value)
	return h.Sum(nil)[:HashSize]
}

// ParentHash is the hash of a node above level 0, derived from the hashes
// of its children in key order.
func ParentHash(children []Node) []byte {
	h := sha256.New()
	for _, c := range children {
		h.Write(c.Hash)
	}
	return h.Sum(nil)[:HashSize]
}

func boundaryLimit(fanout int) uint32 {
	if fanout < 2 {
		fanout = 2
	}
	return uint32(math.MaxUint32 / uint64(fanout))
}

// storage layout: level byte followed by the node key; value is hash then leaf value.

func nodeKey(level uint8, key []byte) []byte {
	k := make([]byte, 1+len(key))
	k[0] = level
	copy(k[1:], key)
	return k
}

func decodeNode(k, v []byte) (Node, error) {
	if len(k) < 1 || len(v) < HashSize {
		return Node{}, fmt.Errorf("%w: malformed node record %x", ErrCorrupt, k)
	}
	n := Node{
		Level: k[0],
		Hash:  append([]byte(nil), v[:HashSize]...),
	}
	if len(k) > 1 {
		n.Key = append([]byte(nil), k[1:]...)
	}
	if n.Level == 0 && len(v) > HashSize {
		n.Value = append([]byte(nil), v[HashSize:]...)
	}
	return n, nil
}

func encodeNodeValue(n Node) []byte {
	v := make([]byte, 0, HashSize+len(n.Value))
	v = append(v, n.Hash...)
	return append(v, n.Value...)
}
