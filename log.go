package gossiplog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	eventbus "github.com/libp2p/go-eventbus"
	event "github.com/libp2p/go-libp2p-core/event"
	"go.uber.org/multierr"

	"github.com/libp2p/go-libp2p-gossiplog/execution"
	"github.com/libp2p/go-libp2p-gossiplog/kv"
	"github.com/libp2p/go-libp2p-gossiplog/mst"
	"github.com/libp2p/go-libp2p-gossiplog/treesync"
)

// Application is the logic the log applies records with.
type Application interface {
	// Validate checks a payload before it is appended or inserted.
	Validate(payload []byte) error
	// Apply runs the record. Writes made through ec are committed together
	// with the record; an error discards both.
	Apply(ctx context.Context, ec *execution.Context, id ID, sig *Signature, msg *Message) (interface{}, error)
}

// Result describes the outcome of Append or Insert.
type Result struct {
	ID        ID
	Signature *Signature
	Message   *Message
	// Value is what the application returned. It is nil when the record
	// was already present.
	Value interface{}
	// Inserted is false when the record was already in the log.
	Inserted bool
}

// SyncResult describes the outcome of Sync.
type SyncResult struct {
	Root     mst.Node
	Messages int
}

// IterateOptions bounds Iterate. Nil bounds are open.
type IterateOptions struct {
	Lower          *ID
	LowerExclusive bool
	Upper          *ID
	UpperInclusive bool
	Reverse        bool
}

// Option configures a MessageLog.
type Option func(*MessageLog)

// WithVerifier sets the signature verifier. The default verifies libp2p key
// signatures.
func WithVerifier(v Verifier) Option {
	return func(l *MessageLog) {
		l.verifier = v
	}
}

// WithFanout sets the fanout of the tree index. Replicas of a topic must agree on it.
func WithFanout(q int) Option {
	return func(l *MessageLog) {
		l.treeOpts = append(l.treeOpts, mst.WithFanout(q))
	}
}

// WithEventBus makes the log emit its events on bus instead of a private one.
func WithEventBus(bus event.Bus) Option {
	return func(l *MessageLog) {
		l.bus = bus
	}
}

// MessageLog is a causally ordered append log stored in a kv.Store. Every
// mutation goes through one critical section and commits the record, the
// tree index, the head set and the application writes in one transaction.
type MessageLog struct {
	cfg      Config
	store    kv.Store
	app      Application
	codec    *Codec
	verifier Verifier
	treeOpts []mst.Option

	// mu is the write critical section.
	mu     sync.Mutex
	closed bool

	// graphMu guards graph, which is replaced only after a commit.
	graphMu sync.RWMutex
	graph   *graph

	bus         event.Bus
	emitMessage event.Emitter
	emitCommit  event.Emitter
	emitSync    event.Emitter
}

// Open opens the log stored in store, initializing it if needed.
func Open(ctx context.Context, store kv.Store, cfg Config, app Application, opts ...Option) (*MessageLog, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &MessageLog{
		cfg:      cfg,
		store:    store,
		app:      app,
		codec:    NewCodec(cfg.Topic, cfg.Signatures, cfg.Sequencing),
		verifier: Libp2pVerifier{},
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.bus == nil {
		l.bus = eventbus.NewBus()
	}

	var err error
	if l.emitMessage, err = l.bus.Emitter(new(EvtMessage)); err != nil {
		return nil, err
	}
	if l.emitCommit, err = l.bus.Emitter(new(EvtCommit), eventbus.Stateful); err != nil {
		return nil, err
	}
	if l.emitSync, err = l.bus.Emitter(new(EvtSync)); err != nil {
		return nil, err
	}

	err = store.Update(ctx, func(tx kv.Tx) error {
		tree, err := mst.Open(tx, l.treeOpts...)
		if err != nil {
			return err
		}
		l.graph, err = l.loadGraph(tree)
		return err
	})
	if err != nil {
		l.closeEmitters()
		return nil, err
	}

	root, err := l.Root(ctx)
	if err != nil {
		l.closeEmitters()
		return nil, err
	}
	logger.Infow("opened log", "topic", cfg.Topic, "root", root, "heads", len(l.graph.heads), "clock", l.graph.clock())
	return l, nil
}

// loadGraph imports the head set from the tree userdata, or rebuilds it by
// scanning for tips when the blob is missing or unreadable.
func (l *MessageLog) loadGraph(tree *mst.Tree) (*graph, error) {
	blob, err := tree.UserData()
	if err != nil {
		return nil, err
	}
	count, err := tree.Count()
	if err != nil {
		return nil, err
	}
	if !l.cfg.Sequencing || (blob == nil && count == 0) {
		return importGraph(l.cfg.Sequencing, blob)
	}

	if blob != nil {
		g, err := importGraph(true, blob)
		if err == nil {
			return g, nil
		}
		logger.Warnw("discarding unreadable head set", "topic", l.cfg.Topic, "error", err)
	}

	g := newGraph(true)
	parents := map[ID]struct{}{}
	err = tree.Leaves(kv.Range{}, false, func(n mst.Node) error {
		id, _, msg, err := l.codec.Decode(n.Key, n.Value)
		if err != nil {
			return err
		}
		g.heads[id] = struct{}{}
		for _, p := range msg.Parents {
			parents[p] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for p := range parents {
		delete(g.heads, p)
	}

	blob, err = g.export()
	if err != nil {
		return nil, err
	}
	if err := tree.SetUserData(blob); err != nil {
		return nil, err
	}
	logger.Infow("rebuilt head set", "topic", l.cfg.Topic, "heads", len(g.heads), "entries", count)
	return g, nil
}

// Topic returns the topic of the log.
func (l *MessageLog) Topic() string {
	return l.cfg.Topic
}

// EventBus returns the bus the log emits EvtMessage, EvtCommit and EvtSync on.
func (l *MessageLog) EventBus() event.Bus {
	return l.bus
}

func (l *MessageLog) currentGraph() *graph {
	l.graphMu.RLock()
	defer l.graphMu.RUnlock()
	return l.graph
}

// Heads returns the current head set in id order.
func (l *MessageLog) Heads() []ID {
	return l.currentGraph().headList()
}

// Clock returns the highest clock among the heads.
func (l *MessageLog) Clock() uint64 {
	return l.currentGraph().clock()
}

// Append creates a record from payload with the current heads as parents,
// signs it with signer when one is given, applies and commits it.
func (l *MessageLog) Append(ctx context.Context, payload []byte, signer Signer) (*Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}

	if err := l.app.Validate(payload); err != nil {
		return nil, &InvalidMessageError{Reason: "rejected by application", Err: err}
	}

	msg := l.currentGraph().create(l.cfg.Topic, payload)
	var sig *Signature
	if signer != nil {
		var err error
		if sig, err = signer.Sign(msg); err != nil {
			return nil, err
		}
	}
	id, value, err := l.codec.Encode(sig, msg)
	if err != nil {
		return nil, err
	}

	res, err := l.commit(ctx, id, value, sig, msg, true)
	if err != nil {
		return nil, err
	}
	logger.Debugw("appended", "topic", l.cfg.Topic, "id", id, "clock", msg.Clock, "parents", len(msg.Parents))
	return res, nil
}

// Insert validates, applies and commits a record created elsewhere. It
// fails with *MissingParentError, leaving the log untouched, when a parent
// is not in the log. Inserting a record already present is a no-op.
func (l *MessageLog) Insert(ctx context.Context, sig *Signature, msg *Message) (*Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}

	id, value, err := l.codec.Encode(sig, msg)
	if err != nil {
		return nil, err
	}
	return l.insert(ctx, id, value, sig, msg)
}

// InsertEntry is Insert for an encoded entry, as carried by the push channel.
func (l *MessageLog) InsertEntry(ctx context.Context, key, value []byte) (*Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}

	id, sig, msg, err := l.codec.Decode(key, value)
	if err != nil {
		return nil, err
	}
	return l.insert(ctx, id, value, sig, msg)
}

// insert runs with mu held.
func (l *MessageLog) insert(ctx context.Context, id ID, value []byte, sig *Signature, msg *Message) (*Result, error) {
	if sig != nil {
		if err := l.verifier.Verify(sig, msg); err != nil {
			return nil, &InvalidSignatureError{ID: id, Reason: err.Error()}
		}
	}
	if err := l.app.Validate(msg.Payload); err != nil {
		return nil, &InvalidMessageError{ID: id, Reason: "rejected by application", Err: err}
	}
	return l.commit(ctx, id, value, sig, msg, false)
}

// commit runs with mu held. The record, the tree, the head set and the
// application writes are committed in one transaction; the in-memory graph
// and the events follow only once it succeeded.
func (l *MessageLog) commit(ctx context.Context, id ID, value []byte, sig *Signature, msg *Message, local bool) (*Result, error) {
	if msg.Clock > 0 && msg.Clock != nextClock(msg.Parents) {
		return nil, &InvalidMessageError{ID: id, Reason: fmt.Sprintf("clock %d does not follow parents", msg.Clock)}
	}

	res := &Result{ID: id, Signature: sig, Message: msg}
	next := l.currentGraph().clone()
	var root mst.Node

	err := l.store.Update(ctx, func(tx kv.Tx) error {
		tree, err := mst.Open(tx, l.treeOpts...)
		if err != nil {
			return err
		}
		if has, err := tree.Has(id[:]); err != nil {
			return err
		} else if has {
			return nil
		}

		parents := make([][]byte, len(msg.Parents))
		for i, p := range msg.Parents {
			has, err := tree.Has(p[:])
			if err != nil {
				return err
			}
			if !has {
				return &MissingParentError{ID: id, Parent: p}
			}
			parents[i] = p.Bytes()
		}

		bucket, err := tx.Bucket(execution.Bucket)
		if err != nil {
			return err
		}
		ec := execution.New(ctx, bucket, id[:], parents, &treeAncestry{log: l, tree: tree})
		if res.Value, err = l.app.Apply(ctx, ec, id, sig, msg); err != nil {
			return fmt.Errorf("applying %s: %w", id, err)
		}
		if err := ec.Commit(); err != nil {
			return err
		}

		if err := tree.Set(id[:], value); err != nil {
			return err
		}
		next.update(id, msg)
		blob, err := next.export()
		if err != nil {
			return err
		}
		if err := tree.SetUserData(blob); err != nil {
			return err
		}
		root, err = tree.Root()
		res.Inserted = true
		return err
	})
	if err != nil {
		return nil, err
	}
	if !res.Inserted {
		return res, nil
	}

	l.graphMu.Lock()
	l.graph = next
	l.graphMu.Unlock()

	l.emit(l.emitMessage, EvtMessage{ID: id, Signature: sig, Message: msg, Result: res.Value, Local: local})
	l.emit(l.emitCommit, EvtCommit{Root: root})
	return res, nil
}

func (l *MessageLog) emit(em event.Emitter, evt interface{}) {
	if err := em.Emit(evt); err != nil {
		logger.Errorf("emitting %T: %s", evt, err)
	}
}

// Get returns a record by id, or ErrNotFound.
func (l *MessageLog) Get(ctx context.Context, id ID) (*Signature, *Message, error) {
	var sig *Signature
	var msg *Message
	err := l.view(ctx, func(tree *mst.Tree) error {
		var err error
		sig, msg, err = l.get(tree, id)
		return err
	})
	return sig, msg, err
}

func (l *MessageLog) get(tree *mst.Tree, id ID) (*Signature, *Message, error) {
	n, err := tree.Get(0, id[:])
	if errors.Is(err, mst.ErrNodeNotFound) {
		return nil, nil, ErrNotFound
	} else if err != nil {
		return nil, nil, err
	}
	_, sig, msg, err := l.codec.Decode(n.Key, n.Value)
	return sig, msg, err
}

// Has reports whether the log holds id.
func (l *MessageLog) Has(ctx context.Context, id ID) (bool, error) {
	var has bool
	err := l.view(ctx, func(tree *mst.Tree) error {
		var err error
		has, err = tree.Has(id[:])
		return err
	})
	return has, err
}

// Iterate calls fn for every record in the bounds of opts, in id order
// (clock first). It reads a consistent snapshot; fn must not write to the
// log. Returning ErrStopIteration from fn ends the iteration without error.
func (l *MessageLog) Iterate(ctx context.Context, opts IterateOptions, fn func(id ID, sig *Signature, msg *Message) error) error {
	r := kv.Range{LowerExclusive: opts.LowerExclusive, UpperInclusive: opts.UpperInclusive}
	if opts.Lower != nil {
		r.Lower = opts.Lower.Bytes()
	}
	if opts.Upper != nil {
		r.Upper = opts.Upper.Bytes()
	}

	err := l.view(ctx, func(tree *mst.Tree) error {
		return tree.Leaves(r, opts.Reverse, func(n mst.Node) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			id, sig, msg, err := l.codec.Decode(n.Key, n.Value)
			if err != nil {
				return err
			}
			return fn(id, sig, msg)
		})
	})
	if errors.Is(err, ErrStopIteration) {
		return nil
	}
	return err
}

// GetValue returns the last-writer-wins value applications wrote to
// model/key, or nil.
func (l *MessageLog) GetValue(ctx context.Context, model, key []byte) ([]byte, error) {
	var value []byte
	err := l.store.View(ctx, func(tx kv.Tx) error {
		bucket, err := tx.Bucket(execution.Bucket)
		if errors.Is(err, kv.ErrBucketNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		value, err = execution.Latest(bucket, model, key)
		return err
	})
	return value, err
}

// Root returns the root of the tree index.
func (l *MessageLog) Root(ctx context.Context) (mst.Node, error) {
	var root mst.Node
	err := l.view(ctx, func(tree *mst.Tree) error {
		var err error
		root, err = tree.Root()
		return err
	})
	return root, err
}

// Count returns the number of records.
func (l *MessageLog) Count(ctx context.Context) (int, error) {
	var count int
	err := l.view(ctx, func(tree *mst.Tree) error {
		var err error
		count, err = tree.Count()
		return err
	})
	return count, err
}

func (l *MessageLog) view(ctx context.Context, fn func(*mst.Tree) error) error {
	return l.store.View(ctx, func(tx kv.Tx) error {
		tree, err := mst.Open(tx, l.treeOpts...)
		if err != nil {
			return err
		}
		return fn(tree)
	})
}

// Sync pulls every record remote has and the log lacks. Records arrive in
// id order, so parents precede children, and each is inserted in its own
// transaction: a failure keeps the records inserted before it. The write
// critical section is held for the whole sync.
func (l *MessageLog) Sync(ctx context.Context, remote treesync.Remote) (*SyncResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}

	res := &SyncResult{}
	driver := treesync.NewDriver(treesync.NewStoreSource(l.store, l.treeOpts...), remote)
	syncErr := driver.Sync(ctx, func(key, value []byte) error {
		id, sig, msg, err := l.codec.Decode(key, value)
		if err != nil {
			return err
		}
		r, err := l.insert(ctx, id, value, sig, msg)
		if err != nil {
			return err
		}
		if r.Inserted {
			res.Messages++
		}
		return nil
	})

	root, err := l.Root(ctx)
	if err != nil {
		return nil, multierr.Append(syncErr, err)
	}
	res.Root = root
	return res, syncErr
}

// Serve exposes a read-only snapshot of the tree index to fn, typically a
// treesync.Server answering a remote Driver.
func (l *MessageLog) Serve(ctx context.Context, fn func(treesync.Source) error) error {
	return l.view(ctx, func(tree *mst.Tree) error {
		return fn(tree)
	})
}

// GetAncestors returns the nearest ancestors of id whose clock is at most
// atOrBefore on every parent path, sorted.
func (l *MessageLog) GetAncestors(ctx context.Context, id ID, atOrBefore uint64) ([]ID, error) {
	var out []ID
	err := l.view(ctx, func(tree *mst.Tree) error {
		var err error
		out, err = l.ancestors(tree, id, atOrBefore)
		return err
	})
	return out, err
}

// IsAncestor reports whether ancestor is id or one of its ancestors.
func (l *MessageLog) IsAncestor(ctx context.Context, id, ancestor ID) (bool, error) {
	var is bool
	err := l.view(ctx, func(tree *mst.Tree) error {
		var err error
		is, err = l.isAncestor(tree, id, ancestor)
		return err
	})
	return is, err
}

func (l *MessageLog) ancestors(tree *mst.Tree, id ID, atOrBefore uint64) ([]ID, error) {
	found := map[ID]struct{}{}
	visited := map[ID]struct{}{id: {}}
	queue := []ID{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		_, msg, err := l.get(tree, cur)
		if err != nil {
			return nil, fmt.Errorf("ancestor %s: %w", cur, err)
		}
		for _, p := range msg.Parents {
			if p.Clock() <= atOrBefore {
				found[p] = struct{}{}
				continue
			}
			if _, ok := visited[p]; !ok {
				visited[p] = struct{}{}
				queue = append(queue, p)
			}
		}
	}

	out := make([]ID, 0, len(found))
	for a := range found {
		out = append(out, a)
	}
	sortIDs(out)
	return out, nil
}

func (l *MessageLog) isAncestor(tree *mst.Tree, id, ancestor ID) (bool, error) {
	if id == ancestor {
		return true, nil
	}
	if !l.cfg.Sequencing || ancestor.Clock() >= id.Clock() {
		return false, nil
	}
	candidates, err := l.ancestors(tree, id, ancestor.Clock())
	if err != nil {
		return false, err
	}
	for _, c := range candidates {
		if c == ancestor {
			return true, nil
		}
	}
	return false, nil
}

// treeAncestry answers ancestry questions inside the transaction applying
// a record.
type treeAncestry struct {
	log  *MessageLog
	tree *mst.Tree
}

func (a *treeAncestry) IsAncestor(ctx context.Context, id, ancestor []byte) (bool, error) {
	i, err := IDFromBytes(id)
	if err != nil {
		return false, err
	}
	anc, err := IDFromBytes(ancestor)
	if err != nil {
		return false, err
	}
	return a.log.isAncestor(a.tree, i, anc)
}

// Close stops the log. Operations in progress finish first.
func (l *MessageLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.closeEmitters()
}

func (l *MessageLog) closeEmitters() error {
	var err error
	for _, em := range []event.Emitter{l.emitMessage, l.emitCommit, l.emitSync} {
		if em != nil {
			err = multierr.Append(err, em.Close())
		}
	}
	return err
}
