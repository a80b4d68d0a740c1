package treesync

import (
	"context"

	"github.com/libp2p/go-libp2p-gossiplog/kv"
	"github.com/libp2p/go-libp2p-gossiplog/mst"
)

// StoreSource is a Source that reads the tree held in a store, opening a
// fresh read transaction for every call so that it observes commits made
// between calls.
type StoreSource struct {
	store kv.Store
	opts  []mst.Option
}

// NewStoreSource returns a Source over the tree held in store.
func NewStoreSource(store kv.Store, opts ...mst.Option) *StoreSource {
	return &StoreSource{store: store, opts: opts}
}

func (s *StoreSource) view(fn func(*mst.Tree) error) error {
	return s.store.View(context.Background(), func(tx kv.Tx) error {
		tree, err := mst.Open(tx, s.opts...)
		if err != nil {
			return err
		}
		return fn(tree)
	})
}

// Root implements Source.
func (s *StoreSource) Root() (root mst.Node, err error) {
	err = s.view(func(t *mst.Tree) error {
		root, err = t.Root()
		return err
	})
	return root, err
}

// Get implements Source.
func (s *StoreSource) Get(level uint8, key []byte) (n mst.Node, err error) {
	err = s.view(func(t *mst.Tree) error {
		n, err = t.Get(level, key)
		return err
	})
	return n, err
}

// Children implements Source.
func (s *StoreSource) Children(level uint8, key []byte) (children []mst.Node, err error) {
	err = s.view(func(t *mst.Tree) error {
		children, err = t.Children(level, key)
		return err
	})
	return children, err
}
