// Package execution tracks the reads and writes an application makes while
// applying one record. Records are applied in causal rather than total
// order, so every persisted write carries its writer's record id and,
// for transactional writes, a conflict-set index (csx) one above the csx it
// read. Reads only see writes made by causal ancestors of the reading
// record, so every replica computes the same reads whatever order it
// received records in. Concurrent transactional writers that reach the same
// csx conflict.
package execution

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"sort"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p-gossiplog/kv"
	codec "github.com/ugorji/go/codec"
)

var logger = logging.Logger("gossiplog/execution")

// Bucket is the kv bucket holding every model write.
var Bucket = []byte("models")

// ErrContextClosed is returned by any use of a Context after Commit.
var ErrContextClosed = errors.New("execution: context closed")

// ConflictError is returned alongside the value chosen by a transactional
// read when several concurrent writers reached the same csx.
type ConflictError struct {
	Model   []byte
	Key     []byte
	Csx     uint64
	Writers [][]byte
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("execution: conflicting writes to %s/%x at csx %d by %d writers", e.Model, e.Key, e.Csx, len(e.Writers))
}

// Ancestry answers causal questions about records already in the log.
type Ancestry interface {
	// IsAncestor reports whether ancestor is id itself or reachable from id
	// through parent links.
	IsAncestor(ctx context.Context, id, ancestor []byte) (bool, error)
}

// Read records the outcome of one read. Csx is nil for LWW reads and for
// transactional reads of keys no ancestor wrote.
type Read struct {
	Model         []byte
	Key           []byte
	Value         []byte
	Csx           *uint64
	Transactional bool
}

// Write is one buffered write. Csx is nil for LWW writes; Value is nil for
// deletes.
type Write struct {
	Model   []byte
	Key     []byte
	Value   []byte
	Deleted bool
	Csx     *uint64
}

// Context is the per-record execution context. It is not safe for
// concurrent use.
type Context struct {
	ctx      context.Context
	bucket   kv.Bucket
	id       []byte
	parents  [][]byte
	ancestry Ancestry

	reads  map[string]*Read
	writes map[string]*Write
	rand   *rand.Rand
	closed bool
}

// New returns the context for applying record id, whose direct parents are
// parents. bucket must come from the transaction that will commit the
// record.
func New(ctx context.Context, bucket kv.Bucket, id []byte, parents [][]byte, ancestry Ancestry) *Context {
	return &Context{
		ctx:      ctx,
		bucket:   bucket,
		id:       append([]byte(nil), id...),
		parents:  parents,
		ancestry: ancestry,
		reads:    map[string]*Read{},
		writes:   map[string]*Write{},
		rand:     rand.New(rand.NewSource(seed(id))),
	}
}

// seed takes the trailing eight bytes of the id, which are content hash.
func seed(id []byte) int64 {
	var b [8]byte
	if len(id) >= 8 {
		copy(b[:], id[len(id)-8:])
	} else {
		copy(b[:], id)
	}
	return int64(binary.BigEndian.Uint64(b[:]))
}

// ID returns the id of the record being applied.
func (c *Context) ID() []byte {
	return c.id
}

// Rand returns the deterministic PRNG of this record. Every replica
// applying the record draws the same sequence.
func (c *Context) Rand() *rand.Rand {
	return c.rand
}

// Get returns the last-writer-wins value of model/key as seen by this
// record: among writes by causal ancestors, the one with the greatest writer
// id. A missing key yields nil.
func (c *Context) Get(model, key []byte) ([]byte, error) {
	if c.closed {
		return nil, ErrContextClosed
	}
	mk := modelKey(model, key)
	if w, ok := c.writes[string(mk)]; ok {
		return w.Value, nil
	}

	var latest *stored
	err := c.scan(mk, func(s *stored) error {
		visible, err := c.visible(s.Writer)
		if err != nil || !visible {
			return err
		}
		latest = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	var value []byte
	if latest != nil && !latest.Deleted {
		value = latest.Value
	}
	if _, ok := c.reads[string(mk)]; !ok {
		c.reads[string(mk)] = &Read{Model: model, Key: key, Value: value}
	}
	return value, nil
}

// GetTransactional returns the value of model/key as seen by this record:
// among writes by causal ancestors, the one with the highest csx, ties
// broken by the greatest writer id. When distinct writers share the highest
// csx the chosen value is returned together with a *ConflictError.
func (c *Context) GetTransactional(model, key []byte) ([]byte, error) {
	if c.closed {
		return nil, ErrContextClosed
	}
	mk := modelKey(model, key)
	if w, ok := c.writes[string(mk)]; ok {
		return w.Value, nil
	}
	r, conflict, err := c.readTransactional(model, key, mk)
	if err != nil {
		return nil, err
	}
	if conflict != nil {
		return r.Value, conflict
	}
	return r.Value, nil
}

func (c *Context) readTransactional(model, key, mk []byte) (*Read, *ConflictError, error) {
	var best []*stored
	var bestCsx uint64
	err := c.scan(mk, func(s *stored) error {
		visible, err := c.visible(s.Writer)
		if err != nil || !visible {
			return err
		}
		csx := s.csx()
		switch {
		case len(best) == 0 || csx > bestCsx:
			best, bestCsx = []*stored{s}, csx
		case csx == bestCsx:
			best = append(best, s)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	r := &Read{Model: model, Key: key, Transactional: true}
	var conflict *ConflictError
	if len(best) > 0 {
		// scan order is writer order, so the last one wins ties
		winner := best[len(best)-1]
		if !winner.Deleted {
			r.Value = winner.Value
		}
		csx := bestCsx
		r.Csx = &csx
		if len(best) > 1 {
			conflict = &ConflictError{Model: model, Key: key, Csx: bestCsx}
			for _, s := range best {
				conflict.Writers = append(conflict.Writers, s.Writer)
			}
			logger.Debugw("conflicting writes", "model", string(model), "key", key, "csx", bestCsx, "writers", len(best))
		}
	}
	if prev, ok := c.reads[string(mk)]; !ok || !prev.Transactional {
		c.reads[string(mk)] = r
	}
	return r, conflict, nil
}

func (c *Context) visible(writer []byte) (bool, error) {
	for _, p := range c.parents {
		ok, err := c.ancestry.IsAncestor(c.ctx, p, writer)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

// Set buffers a last-writer-wins write.
func (c *Context) Set(model, key, value []byte) error {
	return c.write(model, key, value, false, false)
}

// Delete buffers a last-writer-wins delete.
func (c *Context) Delete(model, key []byte) error {
	return c.write(model, key, nil, true, false)
}

// SetTransactional buffers a write whose csx is one above the csx this
// record observes for model/key.
func (c *Context) SetTransactional(model, key, value []byte) error {
	return c.write(model, key, value, false, true)
}

// DeleteTransactional is the delete counterpart of SetTransactional.
func (c *Context) DeleteTransactional(model, key []byte) error {
	return c.write(model, key, nil, true, true)
}

func (c *Context) write(model, key, value []byte, deleted, transactional bool) error {
	if c.closed {
		return ErrContextClosed
	}
	if len(model) == 0 || len(key) == 0 {
		return fmt.Errorf("execution: empty model or key")
	}
	mk := modelKey(model, key)
	w := &Write{
		Model:   append([]byte(nil), model...),
		Key:     append([]byte(nil), key...),
		Deleted: deleted,
	}
	if !deleted {
		w.Value = append([]byte{}, value...)
	}

	if transactional {
		var next uint64 = 1
		if prev, ok := c.writes[string(mk)]; ok && prev.Csx != nil {
			next = *prev.Csx
		} else {
			r, ok := c.reads[string(mk)]
			if !ok || !r.Transactional {
				var err error
				r, _, err = c.readTransactional(model, key, mk)
				if err != nil {
					return err
				}
			}
			if r.Csx != nil {
				next = *r.Csx + 1
			}
		}
		w.Csx = &next
	}
	c.writes[string(mk)] = w
	return nil
}

// Reads returns every read made so far, ordered by model and key.
func (c *Context) Reads() []Read {
	out := make([]Read, 0, len(c.reads))
	for _, mk := range sortedKeys(c.reads) {
		out = append(out, *c.reads[mk])
	}
	return out
}

// Writes returns every buffered write, ordered by model and key.
func (c *Context) Writes() []Write {
	out := make([]Write, 0, len(c.writes))
	for _, mk := range sortedKeys(c.writes) {
		out = append(out, *c.writes[mk])
	}
	return out
}

// Commit persists the buffered writes under this record's id and closes
// the context.
func (c *Context) Commit() error {
	if c.closed {
		return ErrContextClosed
	}
	c.closed = true
	for _, w := range c.Writes() {
		s := stored{Value: w.Value, Deleted: w.Deleted}
		if w.Csx != nil {
			s.Transactional, s.Csx = true, *w.Csx
		}
		v, err := encode(&s)
		if err != nil {
			return err
		}
		k := append(modelKey(w.Model, w.Key), c.id...)
		if err := c.bucket.Put(k, v); err != nil {
			return err
		}
	}
	return nil
}

// stored is the persisted form of a write.
type stored struct {
	_struct bool `codec:",toarray"` //nolint

	Value         []byte
	Deleted       bool
	Transactional bool
	Csx           uint64

	Writer []byte `codec:"-"`
}

func (s *stored) csx() uint64 {
	if !s.Transactional {
		return 0
	}
	return s.Csx
}

// scan calls fn for every persisted write of mk, in writer id order.
func (c *Context) scan(mk []byte, fn func(*stored) error) error {
	return kv.Walk(c.bucket, kv.PrefixRange(mk), false, func(k, v []byte) error {
		var s stored
		if err := decode(v, &s); err != nil {
			return fmt.Errorf("execution: decoding write %x: %w", k, err)
		}
		s.Writer = append([]byte(nil), k[len(mk):]...)
		if bytes.Equal(s.Writer, c.id) {
			return nil
		}
		return fn(&s)
	})
}

// Latest returns the last-writer-wins value of model/key as persisted in
// bucket, outside of any record. A missing or deleted key yields nil.
func Latest(bucket kv.Bucket, model, key []byte) ([]byte, error) {
	mk := modelKey(model, key)
	var value []byte
	err := kv.Walk(bucket, kv.PrefixRange(mk), true, func(k, v []byte) error {
		var s stored
		if err := decode(v, &s); err != nil {
			return fmt.Errorf("execution: decoding write %x: %w", k, err)
		}
		if !s.Deleted {
			value = s.Value
		}
		return errStop
	})
	if err == errStop {
		err = nil
	}
	return value, err
}

var errStop = errors.New("stop")

// modelKey is uvarint(len model) ‖ model ‖ uvarint(len key) ‖ key, so that
// no model/key pair is a prefix of another.
func modelKey(model, key []byte) []byte {
	var buf [binary.MaxVarintLen64]byte
	out := make([]byte, 0, 2*binary.MaxVarintLen64+len(model)+len(key))
	n := binary.PutUvarint(buf[:], uint64(len(model)))
	out = append(append(out, buf[:n]...), model...)
	n = binary.PutUvarint(buf[:], uint64(len(key)))
	return append(append(out, buf[:n]...), key...)
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var msgpackHandle = &codec.MsgpackHandle{}

func encode(v interface{}) ([]byte, error) {
	var buf []byte
	err := codec.NewEncoderBytes(&buf, msgpackHandle).Encode(v)
	return buf, err
}

func decode(b []byte, v interface{}) error {
	return codec.NewDecoderBytes(b, msgpackHandle).Decode(v)
}
