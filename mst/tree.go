// Package mst implements a Merkle Search Tree index over an ordered
// key-value transaction. Node levels are derived from hashes, so the tree
// shape, and therefore the root hash, depends only on the set of entries and
// never on insertion order. Two trees can be diffed top-down by comparing
// node hashes and skipping every equal subtree.
package mst

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p-gossiplog/kv"
)

var logger = logging.Logger("gossiplog/mst")

var (
	nodesBucket = []byte("mst/nodes")
	metaBucket  = []byte("mst/meta")
	userDataKey = []byte("userdata")
	anchorHash  = LeafHash(nil, nil)
)

var (
	// ErrCorrupt is returned when the stored tree violates its own invariants.
	ErrCorrupt = errors.New("mst: corrupt tree")
	// ErrEmptyKey is returned when an entry with an empty key is set; the
	// empty key is reserved for anchors.
	ErrEmptyKey = errors.New("mst: empty entry key")
	// ErrLeafLevel is returned when the children of a leaf are requested.
	ErrLeafLevel = errors.New("mst: leaves have no children")
	// ErrNodeNotFound is returned when a node requested by position does not exist.
	ErrNodeNotFound = errors.New("mst: node not found")
)

// Tree is a view of the index inside one kv transaction. A Tree opened in a
// read-only transaction serves reads only.
type Tree struct {
	nodes kv.Bucket
	meta  kv.Bucket
	limit uint32
}

// Option configures a Tree.
type Option func(*Tree)

// WithFanout sets the target fanout. Every replica of a tree must use the
// same value or their root hashes will never match.
func WithFanout(q int) Option {
	return func(t *Tree) {
		t.limit = boundaryLimit(q)
	}
}

// Open returns the tree stored in tx. In a writable transaction a missing
// tree is initialized with the level 0 anchor.
func Open(tx kv.Tx, opts ...Option) (*Tree, error) {
	nodes, err := tx.Bucket(nodesBucket)
	if err != nil {
		return nil, err
	}
	meta, err := tx.Bucket(metaBucket)
	if err != nil {
		return nil, err
	}

	t := &Tree{nodes: nodes, meta: meta, limit: boundaryLimit(DefaultFanout)}
	for _, opt := range opts {
		opt(t)
	}

	if tx.Writable() {
		if _, err := t.nodes.Get(nodeKey(0, nil)); errors.Is(err, kv.ErrKeyNotFound) {
			anchor := Node{Level: 0, Hash: anchorHash}
			if err := t.put(anchor); err != nil {
				return nil, err
			}
		} else if err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Tree) isBoundary(n Node) bool {
	if n.IsAnchor() {
		return true
	}
	return beUint32(n.Hash) < t.limit
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// Get returns the node at level with key, or ErrNodeNotFound.
func (t *Tree) Get(level uint8, key []byte) (Node, error) {
	v, err := t.nodes.Get(nodeKey(level, key))
	if errors.Is(err, kv.ErrKeyNotFound) {
		return Node{}, ErrNodeNotFound
	} else if err != nil {
		return Node{}, err
	}
	return decodeNode(nodeKey(level, key), v)
}

// Has reports whether an entry with the given key exists.
func (t *Tree) Has(key []byte) (bool, error) {
	if len(key) == 0 {
		return false, nil
	}
	_, err := t.nodes.Get(nodeKey(0, key))
	if errors.Is(err, kv.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Root returns the root node: the anchor of the only level that holds
// nothing but its anchor.
func (t *Tree) Root() (Node, error) {
	c, err := t.nodes.Cursor()
	if err != nil {
		return Node{}, err
	}
	k, v := c.Last()
	if k == nil {
		return Node{}, fmt.Errorf("%w: no anchor", ErrCorrupt)
	}
	root, err := decodeNode(k, v)
	if err != nil {
		return Node{}, err
	}
	if !root.IsAnchor() {
		return Node{}, fmt.Errorf("%w: top level %d has more than an anchor", ErrCorrupt, root.Level)
	}
	return root, nil
}

// Children returns the children of the node at level with key, in key order.
func (t *Tree) Children(level uint8, key []byte) ([]Node, error) {
	if level == 0 {
		return nil, ErrLeafLevel
	}
	if _, err := t.Get(level, key); err != nil {
		return nil, err
	}
	return t.children(level, key)
}

func (t *Tree) children(level uint8, key []byte) ([]Node, error) {
	c, err := t.nodes.Cursor()
	if err != nil {
		return nil, err
	}
	start := nodeKey(level-1, key)
	var out []Node
	for k, v := c.Seek(start); k != nil && k[0] == level-1; k, v = c.Next() {
		n, err := decodeNode(k, v)
		if err != nil {
			return nil, err
		}
		if len(out) == 0 {
			if !bytes.Equal(k, start) {
				return nil, fmt.Errorf("%w: missing first child %s", ErrCorrupt, n)
			}
		} else if t.isBoundary(n) {
			break
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: node %d:%x has no children", ErrCorrupt, level, key)
	}
	return out, nil
}

// Set inserts or replaces the entry key with value and rehashes every
// affected ancestor.
func (t *Tree) Set(key, value []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	leaf := Node{Level: 0, Key: key, Hash: LeafHash(key, value), Value: value}

	old, err := t.Get(0, key)
	var prev *Node
	switch {
	case err == nil:
		if bytes.Equal(old.Hash, leaf.Hash) {
			return nil
		}
		prev = &old
	case errors.Is(err, ErrNodeNotFound):
	default:
		return err
	}

	if err := t.put(leaf); err != nil {
		return err
	}
	return t.propagate(0, []change{{key: key, old: prev, new: &leaf}})
}

// change records the transition of one node; a nil side means absent.
type change struct {
	key []byte
	old *Node
	new *Node
}

// propagate walks up one level at a time: the changes at a level decide
// which parents are dirty, and recomputing those yields the changes of the
// next level. It stops when a level is unaffected or becomes the root.
func (t *Tree) propagate(level uint8, changes []change) error {
	for len(changes) > 0 {
		top, err := t.onlyAnchor(level)
		if err != nil {
			return err
		}
		if top {
			return t.truncateAbove(level)
		}

		dirty := newKeySet()
		for _, ch := range changes {
			if err := t.markDirty(level, ch, dirty); err != nil {
				return err
			}
		}

		var next []change
		for _, key := range dirty.sorted() {
			ch, err := t.rehash(level+1, key)
			if err != nil {
				return err
			}
			if ch != nil {
				next = append(next, *ch)
			}
		}
		changes = next
		level++
	}
	return nil
}

func (t *Tree) markDirty(level uint8, ch change, dirty *keySet) error {
	if len(ch.key) == 0 {
		dirty.add(nil)
		return nil
	}
	wasBoundary := ch.old != nil && t.isBoundary(*ch.old)
	isBoundary := ch.new != nil && t.isBoundary(*ch.new)
	if wasBoundary || isBoundary {
		dirty.add(ch.key)
	}
	head, err := t.headBefore(level, ch.key)
	if err != nil {
		return err
	}
	dirty.add(head.Key)
	return nil
}

// headBefore finds the nearest boundary or anchor strictly before key.
func (t *Tree) headBefore(level uint8, key []byte) (Node, error) {
	c, err := t.nodes.Cursor()
	if err != nil {
		return Node{}, err
	}
	k, v := c.Seek(nodeKey(level, key))
	if k == nil {
		k, v = c.Last()
	} else {
		k, v = c.Prev()
	}
	for ; k != nil && k[0] == level; k, v = c.Prev() {
		n, err := decodeNode(k, v)
		if err != nil {
			return Node{}, err
		}
		if t.isBoundary(n) {
			return n, nil
		}
	}
	return Node{}, fmt.Errorf("%w: level %d has no anchor", ErrCorrupt, level)
}

// rehash recomputes the node at level with key from its children, creating,
// updating or deleting it as the level below dictates.
func (t *Tree) rehash(level uint8, key []byte) (*change, error) {
	var prev *Node
	old, err := t.Get(level, key)
	switch {
	case err == nil:
		prev = &old
	case !errors.Is(err, ErrNodeNotFound):
		return nil, err
	}

	first, err := t.Get(level-1, key)
	if err != nil && !errors.Is(err, ErrNodeNotFound) {
		return nil, err
	}
	if err == nil && t.isBoundary(first) {
		children, err := t.children(level, key)
		if err != nil {
			return nil, err
		}
		n := Node{Level: level, Key: key, Hash: ParentHash(children)}
		if prev != nil && bytes.Equal(prev.Hash, n.Hash) {
			return nil, nil
		}
		if err := t.put(n); err != nil {
			return nil, err
		}
		return &change{key: key, old: prev, new: &n}, nil
	}

	if prev == nil {
		return nil, nil
	}
	if err := t.nodes.Delete(nodeKey(level, key)); err != nil {
		return nil, err
	}
	return &change{key: key, old: prev}, nil
}

func (t *Tree) onlyAnchor(level uint8) (bool, error) {
	c, err := t.nodes.Cursor()
	if err != nil {
		return false, err
	}
	k, _ := c.Seek(nodeKey(level, nil))
	if k == nil || k[0] != level || len(k) != 1 {
		return false, fmt.Errorf("%w: level %d has no anchor", ErrCorrupt, level)
	}
	k, _ = c.Next()
	return k == nil || k[0] != level, nil
}

// truncateAbove removes every level above the new root level.
func (t *Tree) truncateAbove(level uint8) error {
	if level == 0xff {
		return nil
	}
	c, err := t.nodes.Cursor()
	if err != nil {
		return err
	}
	var keys [][]byte
	for k, _ := c.Seek([]byte{level + 1}); k != nil; k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := t.nodes.Delete(k); err != nil {
			return err
		}
	}
	if len(keys) > 0 {
		logger.Debugw("tree collapsed", "root_level", level, "removed", len(keys))
	}
	return nil
}

func (t *Tree) put(n Node) error {
	return t.nodes.Put(nodeKey(n.Level, n.Key), encodeNodeValue(n))
}

// Leaves calls fn for every entry whose key lies in r, skipping the anchor.
func (t *Tree) Leaves(r kv.Range, reverse bool, fn func(Node) error) error {
	lower := nodeKey(0, r.Lower)
	lowerExclusive := r.LowerExclusive
	if r.Lower == nil {
		// skip the anchor
		lower, lowerExclusive = nodeKey(0, nil), true
	}
	upper := []byte{1}
	upperInclusive := false
	if r.Upper != nil {
		upper, upperInclusive = nodeKey(0, r.Upper), r.UpperInclusive
	}

	bounded := kv.Range{Lower: lower, LowerExclusive: lowerExclusive, Upper: upper, UpperInclusive: upperInclusive}
	return kv.Walk(t.nodes, bounded, reverse, func(k, v []byte) error {
		n, err := decodeNode(k, v)
		if err != nil {
			return err
		}
		return fn(n)
	})
}

// Count returns the number of entries.
func (t *Tree) Count() (int, error) {
	count := 0
	err := t.Leaves(kv.Range{}, false, func(Node) error {
		count++
		return nil
	})
	return count, err
}

// UserData returns the opaque blob stored with the tree, or nil.
func (t *Tree) UserData() ([]byte, error) {
	v, err := t.meta.Get(userDataKey)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return append([]byte(nil), v...), nil
}

// SetUserData replaces the opaque blob stored with the tree.
func (t *Tree) SetUserData(data []byte) error {
	if data == nil {
		return t.meta.Delete(userDataKey)
	}
	return t.meta.Put(userDataKey, data)
}

type keySet struct {
	keys map[string][]byte
}

func newKeySet() *keySet {
	return &keySet{keys: map[string][]byte{}}
}

func (s *keySet) add(k []byte) {
	s.keys[string(k)] = k
}

func (s *keySet) sorted() [][]byte {
	out := make([][]byte, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i], out[j]) < 0
	})
	return out
}
