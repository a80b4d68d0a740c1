package bolt

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/libp2p/go-libp2p-gossiplog/kv"
	"github.com/libp2p/go-libp2p-gossiplog/kv/kvtest"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) kv.Store {
	s := NewKVStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestKVStore(t *testing.T) {
	kvtest.RunStoreTests(t, newTestStore)
}

func TestReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reopen.db")

	s := NewKVStore(path)
	require.NoError(t, s.Open(ctx))
	require.NoError(t, s.Update(ctx, func(tx kv.Tx) error {
		b, err := tx.Bucket([]byte("b"))
		if err != nil {
			return err
		}
		return b.Put([]byte("k"), []byte("v"))
	}))
	require.NoError(t, s.Close())

	err := s.View(ctx, func(kv.Tx) error { return nil })
	require.ErrorIs(t, err, kv.ErrStoreClosed)

	s = NewKVStore(path)
	require.NoError(t, s.Open(ctx))
	defer s.Close()
	require.NoError(t, s.View(ctx, func(tx kv.Tx) error {
		b, err := tx.Bucket([]byte("b"))
		require.NoError(t, err)
		v, err := b.Get([]byte("k"))
		require.NoError(t, err)
		require.Equal(t, "v", string(v))
		return nil
	}))
}
