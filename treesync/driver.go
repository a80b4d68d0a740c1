package treesync

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p-gossiplog/mst"
)

// Driver reconciles a local tree with a remote one. It only reads the local
// tree; the callback passed to Sync is responsible for inserting what it
// receives.
type Driver struct {
	local  Source
	remote Remote
}

// NewDriver returns a Driver pulling from remote into local. local must
// reflect inserts made by the Sync callback, so it should not be bound to a
// single read transaction.
func NewDriver(local Source, remote Remote) *Driver {
	return &Driver{local: local, remote: remote}
}

// Sync walks the remote tree and calls fn, in key order, for every remote
// entry whose leaf differs from or is absent in the local tree. Every value
// is checked against the leaf hash advertised by the remote before fn sees
// it. An error from fn stops the walk and is returned as is.
func (d *Driver) Sync(ctx context.Context, fn func(key, value []byte) error) error {
	root, err := d.remote.GetRoot(ctx)
	if err != nil {
		return err
	}
	if root.Level == 0 {
		// the remote holds nothing but its anchor
		return nil
	}

	stack := []mst.Node{root}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		same, err := d.hasLocal(n)
		if err != nil {
			return err
		}
		if same {
			continue
		}

		children, err := d.remote.GetChildren(ctx, n.Level, n.Key)
		if err != nil {
			return err
		}
		if err := checkChildren(n, children); err != nil {
			return err
		}

		if n.Level > 1 {
			for i := len(children) - 1; i >= 0; i-- {
				stack = append(stack, children[i])
			}
			continue
		}
		if err := d.fetchLeaves(ctx, children, fn); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) hasLocal(n mst.Node) (bool, error) {
	local, err := d.local.Get(n.Level, n.Key)
	if errors.Is(err, mst.ErrNodeNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return bytes.Equal(local.Hash, n.Hash), nil
}

func (d *Driver) fetchLeaves(ctx context.Context, leaves []mst.Node, fn func(key, value []byte) error) error {
	var missing []mst.Node
	for _, leaf := range leaves {
		if leaf.IsAnchor() {
			continue
		}
		same, err := d.hasLocal(leaf)
		if err != nil {
			return err
		}
		if !same {
			missing = append(missing, leaf)
		}
	}

	for len(missing) > 0 {
		batch := missing
		if len(batch) > MaxValuesPerRequest {
			batch = batch[:MaxValuesPerRequest]
		}

		// the remote answers with a prefix when the values are large
		vals, err := d.remote.GetValues(ctx, batch)
		if err != nil {
			return err
		}
		if len(vals) == 0 || len(vals) > len(batch) {
			return fmt.Errorf("%w: asked for %d values, got %d", ErrProtocol, len(batch), len(vals))
		}
		batch = batch[:len(vals)]
		missing = missing[len(batch):]
		for i, leaf := range batch {
			actual := mst.LeafHash(leaf.Key, vals[i])
			if !bytes.Equal(actual, leaf.Hash) {
				return &HashMismatchError{Key: leaf.Key, Expected: leaf.Hash, Actual: actual}
			}
			if err := fn(leaf.Key, vals[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkChildren(parent mst.Node, children []mst.Node) error {
	if len(children) == 0 {
		return fmt.Errorf("%w: node %s has no children", ErrProtocol, parent)
	}
	if !bytes.Equal(children[0].Key, parent.Key) {
		return fmt.Errorf("%w: first child of %s has key %x", ErrProtocol, parent, children[0].Key)
	}
	for i, c := range children {
		if c.Level != parent.Level-1 {
			return fmt.Errorf("%w: child %s of %s at wrong level", ErrProtocol, c, parent)
		}
		if len(c.Hash) != mst.HashSize {
			return fmt.Errorf("%w: child %s has a malformed hash", ErrProtocol, c)
		}
		if i > 0 && bytes.Compare(children[i-1].Key, c.Key) >= 0 {
			return fmt.Errorf("%w: children of %s out of order", ErrProtocol, parent)
		}
	}
	if actual := mst.ParentHash(children); !bytes.Equal(actual, parent.Hash) {
		return &HashMismatchError{Key: parent.Key, Expected: parent.Hash, Actual: actual}
	}
	return nil
}
