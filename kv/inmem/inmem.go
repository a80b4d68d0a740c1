// Package inmem implements an in-memory kv.Store over copy-on-write btrees.
package inmem

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/btree"
	"github.com/libp2p/go-libp2p-gossiplog/kv"
)

const degree = 32

type item struct {
	key   []byte
	value []byte
}

func less(a, b item) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// KVStore is an in memory btree backed kv.Store. Update transactions work on
// lazily cloned trees that replace the committed ones only when the
// transaction function succeeds, so aborted updates leave no trace and view
// transactions read a stable snapshot without holding any lock.
type KVStore struct {
	writeMu sync.Mutex

	mu      sync.RWMutex
	buckets map[string]*btree.BTreeG[item]
	closed  bool
}

// NewKVStore creates an instance of a KVStore.
func NewKVStore() *KVStore {
	return &KVStore{
		buckets: map[string]*btree.BTreeG[item]{},
	}
}

func (s *KVStore) snapshot() (map[string]*btree.BTreeG[item], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, kv.ErrStoreClosed
	}
	return s.buckets, nil
}

// View opens up a read transaction over the current snapshot.
func (s *KVStore) View(ctx context.Context, fn func(kv.Tx) error) error {
	buckets, err := s.snapshot()
	if err != nil {
		return err
	}
	return fn(&Tx{buckets: buckets, ctx: ctx})
}

// Update opens up a write transaction. Only one runs at a time.
func (s *KVStore) Update(ctx context.Context, fn func(kv.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	committed, err := s.snapshot()
	if err != nil {
		return err
	}

	tx := &Tx{
		buckets:  make(map[string]*btree.BTreeG[item], len(committed)),
		writable: true,
		ctx:      ctx,
	}
	for name, tree := range committed {
		tx.buckets[name] = tree.Clone()
	}

	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.ErrStoreClosed
	}
	s.buckets = tx.buckets
	return nil
}

// Close drops every bucket.
func (s *KVStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.buckets = nil
	return nil
}

// Tx is an in memory transaction.
type Tx struct {
	buckets  map[string]*btree.BTreeG[item]
	writable bool
	ctx      context.Context
}

// Context returns the context for the transaction.
func (t *Tx) Context() context.Context {
	return t.ctx
}

// Writable reports whether the transaction accepts writes.
func (t *Tx) Writable() bool {
	return t.writable
}

// Bucket retrieves the bucket at the provided key.
func (t *Tx) Bucket(b []byte) (kv.Bucket, error) {
	tree, ok := t.buckets[string(b)]
	if !ok {
		if !t.writable {
			return nil, kv.ErrBucketNotFound
		}
		tree = btree.NewG[item](degree, less)
		t.buckets[string(b)] = tree
	}
	return &Bucket{tree: tree, writable: t.writable}, nil
}

// Bucket is a btree that implements kv.Bucket.
type Bucket struct {
	tree     *btree.BTreeG[item]
	writable bool
}

// Get retrieves the value at the provided key.
func (b *Bucket) Get(key []byte) ([]byte, error) {
	i, ok := b.tree.Get(item{key: key})
	if !ok {
		return nil, kv.ErrKeyNotFound
	}
	return i.value, nil
}

// Put sets the key value pair provided.
func (b *Bucket) Put(key []byte, value []byte) error {
	if !b.writable {
		return kv.ErrTxNotWritable
	}
	b.tree.ReplaceOrInsert(item{
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
	return nil
}

// Delete removes the key provided.
func (b *Bucket) Delete(key []byte) error {
	if !b.writable {
		return kv.ErrTxNotWritable
	}
	b.tree.Delete(item{key: key})
	return nil
}

// Cursor returns a cursor that walks the btree one step at a time.
func (b *Bucket) Cursor() (kv.Cursor, error) {
	return &Cursor{tree: b.tree}, nil
}

// Cursor implements kv.Cursor over a btree. It remembers the key it last
// returned and resolves every move with a fresh O(log n) lookup.
type Cursor struct {
	tree *btree.BTreeG[item]
	cur  *item
}

func (c *Cursor) set(i item, ok bool) ([]byte, []byte) {
	if !ok {
		c.cur = nil
		return nil, nil
	}
	c.cur = &i
	return i.key, i.value
}

// Seek moves to the first key greater than or equal to prefix.
func (c *Cursor) Seek(prefix []byte) ([]byte, []byte) {
	var (
		found item
		ok    bool
	)
	c.tree.AscendGreaterOrEqual(item{key: prefix}, func(i item) bool {
		found, ok = i, true
		return false
	})
	return c.set(found, ok)
}

// First moves to the smallest key.
func (c *Cursor) First() ([]byte, []byte) {
	return c.set(c.tree.Min())
}

// Last moves to the largest key.
func (c *Cursor) Last() ([]byte, []byte) {
	return c.set(c.tree.Max())
}

// Next moves to the key following the current one.
func (c *Cursor) Next() ([]byte, []byte) {
	if c.cur == nil {
		return nil, nil
	}
	var (
		found item
		ok    bool
	)
	pivot := *c.cur
	c.tree.AscendGreaterOrEqual(pivot, func(i item) bool {
		if bytes.Equal(i.key, pivot.key) {
			return true
		}
		found, ok = i, true
		return false
	})
	return c.set(found, ok)
}

// Prev moves to the key preceding the current one.
func (c *Cursor) Prev() ([]byte, []byte) {
	if c.cur == nil {
		return nil, nil
	}
	var (
		found item
		ok    bool
	)
	pivot := *c.cur
	c.tree.DescendLessOrEqual(pivot, func(i item) bool {
		if bytes.Equal(i.key, pivot.key) {
			return true
		}
		found, ok = i, true
		return false
	})
	return c.set(found, ok)
}
