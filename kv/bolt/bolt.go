// Package bolt implements kv.Store on top of bbolt.
package bolt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p-gossiplog/kv"
	bolt "go.etcd.io/bbolt"
)

var logger = logging.Logger("gossiplog/kv")

// KVStore is a kv.Store backed by boltdb.
type KVStore struct {
	path string
	db   *bolt.DB
}

// NewKVStore returns an instance of KVStore with the file at
// the provided path. Call Open before use.
func NewKVStore(path string) *KVStore {
	return &KVStore{path: path}
}

// Open creates the boltDB file if it doesn't exist and opens it otherwise.
func (s *KVStore) Open(ctx context.Context) error {
	// Ensure the required directory structure exists.
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("unable to create directory %s: %w", s.path, err)
	}

	db, err := bolt.Open(s.path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return fmt.Errorf("unable to open boltdb file: %w", err)
	}
	s.db = db

	logger.Infow("store opened", "path", s.path)
	return nil
}

// Close the connection to the bolt database.
func (s *KVStore) Close() error {
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

// View opens up a view transaction against the store.
func (s *KVStore) View(ctx context.Context, fn func(tx kv.Tx) error) error {
	if s.db == nil {
		return kv.ErrStoreClosed
	}
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&Tx{tx: tx, ctx: ctx})
	})
}

// Update opens up an update transaction against the store.
func (s *KVStore) Update(ctx context.Context, fn func(tx kv.Tx) error) error {
	if s.db == nil {
		return kv.ErrStoreClosed
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn(&Tx{tx: tx, ctx: ctx})
	})
}

// Tx is a light wrapper around a boltdb transaction. It implements kv.Tx.
type Tx struct {
	tx  *bolt.Tx
	ctx context.Context
}

// Context returns the context for the transaction.
func (tx *Tx) Context() context.Context {
	return tx.ctx
}

// Writable reports whether the transaction accepts writes.
func (tx *Tx) Writable() bool {
	return tx.tx.Writable()
}

// Bucket retrieves the bucket named b, creating it in writable transactions.
func (tx *Tx) Bucket(b []byte) (kv.Bucket, error) {
	bkt := tx.tx.Bucket(b)
	if bkt != nil {
		return &Bucket{bucket: bkt}, nil
	}
	if !tx.tx.Writable() {
		return nil, kv.ErrBucketNotFound
	}
	bkt, err := tx.tx.CreateBucketIfNotExists(b)
	if err != nil {
		return nil, err
	}
	return &Bucket{bucket: bkt}, nil
}

// Bucket implements kv.Bucket.
type Bucket struct {
	bucket *bolt.Bucket
}

// Get retrieves the value at the provided key.
func (b *Bucket) Get(key []byte) ([]byte, error) {
	val := b.bucket.Get(key)
	if val == nil {
		return nil, kv.ErrKeyNotFound
	}
	return val, nil
}

// Put sets the value at the provided key.
func (b *Bucket) Put(key []byte, value []byte) error {
	err := b.bucket.Put(key, value)
	if err == bolt.ErrTxNotWritable {
		return kv.ErrTxNotWritable
	}
	return err
}

// Delete removes the provided key.
func (b *Bucket) Delete(key []byte) error {
	err := b.bucket.Delete(key)
	if err == bolt.ErrTxNotWritable {
		return kv.ErrTxNotWritable
	}
	return err
}

// Cursor retrieves a cursor for iterating through the entries
// in the key value store.
func (b *Bucket) Cursor() (kv.Cursor, error) {
	return &Cursor{cursor: b.bucket.Cursor()}, nil
}

// Cursor is a struct for iterating through the entries
// in the key value store.
type Cursor struct {
	cursor *bolt.Cursor
}

// Seek seeks for the first key that is greater than or equal to prefix.
func (c *Cursor) Seek(prefix []byte) ([]byte, []byte) {
	return c.cursor.Seek(prefix)
}

// First retrieves the first key value pair in the bucket.
func (c *Cursor) First() ([]byte, []byte) {
	return c.cursor.First()
}

// Last retrieves the last key value pair in the bucket.
func (c *Cursor) Last() ([]byte, []byte) {
	return c.cursor.Last()
}

// Next retrieves the next key in the bucket.
func (c *Cursor) Next() ([]byte, []byte) {
	return c.cursor.Next()
}

// Prev retrieves the previous key in the bucket.
func (c *Cursor) Prev() ([]byte, []byte) {
	return c.cursor.Prev()
}
