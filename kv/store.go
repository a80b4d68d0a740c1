// Package kv defines the ordered key-value transaction interface the
// message log, the tree index and the execution context are built on.
// Any ordered engine, embedded or networked, can back it.
package kv

import (
	"bytes"
	"context"
	"errors"
)

var (
	// ErrKeyNotFound is the error returned when the key requested is not found.
	ErrKeyNotFound = errors.New("key not found")
	// ErrTxNotWritable is the error returned when a mutable operation is called during
	// a non-writable transaction.
	ErrTxNotWritable = errors.New("transaction is not writable")
	// ErrBucketNotFound is returned by read-only transactions asked for a
	// bucket that was never created.
	ErrBucketNotFound = errors.New("bucket not found")
	// ErrStoreClosed is returned when a transaction is opened on a closed store.
	ErrStoreClosed = errors.New("store closed")
)

// Store is an interface for a generic ordered key value store. It is
// modeled after the boltdb database struct: one writer, many readers.
type Store interface {
	// View opens up a transaction that will not write to any data. Implementing
	// stores must ensure view transactions observe a consistent snapshot.
	View(ctx context.Context, fn func(Tx) error) error
	// Update opens up a transaction that will mutate data. If fn returns an
	// error every write made through the transaction is discarded.
	Update(ctx context.Context, fn func(Tx) error) error
	// Close releases the store.
	Close() error
}

// Tx is a transaction in the store.
type Tx interface {
	// Bucket returns the named bucket, creating it when the transaction is writable.
	Bucket(name []byte) (Bucket, error)
	Context() context.Context
	Writable() bool
}

// Bucket is the abstraction used to perform get/put/delete/range operations
// in a key value store.
type Bucket interface {
	// Get returns ErrKeyNotFound if the key does not exist.
	Get(key []byte) ([]byte, error)
	Cursor() (Cursor, error)
	// Put should error if the transaction it was called in is not writable.
	Put(key, value []byte) error
	// Delete should error if the transaction it was called in is not writable.
	Delete(key []byte) error
}

// Cursor is an abstraction for iterating/ranging through data. All methods
// return a nil key once the cursor moves past either end of the bucket.
type Cursor interface {
	Seek(prefix []byte) (k []byte, v []byte)
	First() (k []byte, v []byte)
	Last() (k []byte, v []byte)
	Next() (k []byte, v []byte)
	Prev() (k []byte, v []byte)
}

// Range is a key interval. A nil Lower or Upper leaves that side unbounded.
type Range struct {
	Lower          []byte
	LowerExclusive bool
	Upper          []byte
	UpperInclusive bool
}

func (r Range) aboveLower(k []byte) bool {
	if r.Lower == nil {
		return true
	}
	c := bytes.Compare(k, r.Lower)
	return c > 0 || (c == 0 && !r.LowerExclusive)
}

func (r Range) belowUpper(k []byte) bool {
	if r.Upper == nil {
		return true
	}
	c := bytes.Compare(k, r.Upper)
	return c < 0 || (c == 0 && r.UpperInclusive)
}

// Contains reports whether k lies inside the range.
func (r Range) Contains(k []byte) bool {
	return r.aboveLower(k) && r.belowUpper(k)
}

// Walk calls fn for every pair of b inside r, in ascending key order or in
// descending order when reverse is set. Iteration stops at the first error
// returned by fn.
func Walk(b Bucket, r Range, reverse bool, fn func(k, v []byte) error) error {
	c, err := b.Cursor()
	if err != nil {
		return err
	}

	var k, v []byte
	if !reverse {
		if r.Lower == nil {
			k, v = c.First()
		} else {
			k, v = c.Seek(r.Lower)
		}
		for ; k != nil; k, v = c.Next() {
			if !r.aboveLower(k) {
				continue
			}
			if !r.belowUpper(k) {
				return nil
			}
			if err := fn(k, v); err != nil {
				return err
			}
		}
		return nil
	}

	if r.Upper == nil {
		k, v = c.Last()
	} else {
		k, v = c.Seek(r.Upper)
		if k == nil {
			k, v = c.Last()
		}
	}
	for ; k != nil; k, v = c.Prev() {
		if !r.belowUpper(k) {
			continue
		}
		if !r.aboveLower(k) {
			return nil
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// PrefixRange returns the range covering every key that starts with prefix.
func PrefixRange(prefix []byte) Range {
	return Range{Lower: prefix, Upper: prefixEnd(prefix)}
}

// prefixEnd returns the smallest key greater than every key with the given
// prefix, or nil when no such key exists.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
