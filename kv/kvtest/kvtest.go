// Package kvtest holds conformance tests shared by every kv.Store
// implementation.
package kvtest

import (
	"context"
	"errors"
	"testing"

	"github.com/libp2p/go-libp2p-gossiplog/kv"
	"github.com/stretchr/testify/require"
)

var bucketName = []byte("test")

// RunStoreTests exercises newStore against the kv.Store contract.
func RunStoreTests(t *testing.T, newStore func(t *testing.T) kv.Store) {
	t.Run("put get delete", func(t *testing.T) {
		testPutGetDelete(t, newStore(t))
	})
	t.Run("aborted update", func(t *testing.T) {
		testAbortedUpdate(t, newStore(t))
	})
	t.Run("read only view", func(t *testing.T) {
		testReadOnlyView(t, newStore(t))
	})
	t.Run("cursor", func(t *testing.T) {
		testCursor(t, newStore(t))
	})
	t.Run("walk", func(t *testing.T) {
		testWalk(t, newStore(t))
	})
}

func put(t *testing.T, s kv.Store, pairs ...string) {
	t.Helper()
	err := s.Update(context.Background(), func(tx kv.Tx) error {
		b, err := tx.Bucket(bucketName)
		if err != nil {
			return err
		}
		for i := 0; i+1 < len(pairs); i += 2 {
			if err := b.Put([]byte(pairs[i]), []byte(pairs[i+1])); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func testPutGetDelete(t *testing.T, s kv.Store) {
	ctx := context.Background()
	put(t, s, "a", "1", "b", "2")

	err := s.View(ctx, func(tx kv.Tx) error {
		b, err := tx.Bucket(bucketName)
		require.NoError(t, err)
		v, err := b.Get([]byte("a"))
		require.NoError(t, err)
		require.Equal(t, "1", string(v))
		_, err = b.Get([]byte("c"))
		require.ErrorIs(t, err, kv.ErrKeyNotFound)
		return nil
	})
	require.NoError(t, err)

	err = s.Update(ctx, func(tx kv.Tx) error {
		b, err := tx.Bucket(bucketName)
		require.NoError(t, err)
		return b.Delete([]byte("a"))
	})
	require.NoError(t, err)

	err = s.View(ctx, func(tx kv.Tx) error {
		b, err := tx.Bucket(bucketName)
		require.NoError(t, err)
		_, err = b.Get([]byte("a"))
		require.ErrorIs(t, err, kv.ErrKeyNotFound)
		return nil
	})
	require.NoError(t, err)
}

func testAbortedUpdate(t *testing.T, s kv.Store) {
	ctx := context.Background()
	put(t, s, "a", "1")

	boom := errors.New("boom")
	err := s.Update(ctx, func(tx kv.Tx) error {
		b, err := tx.Bucket(bucketName)
		require.NoError(t, err)
		require.NoError(t, b.Put([]byte("a"), []byte("changed")))
		require.NoError(t, b.Put([]byte("z"), []byte("new")))
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = s.View(ctx, func(tx kv.Tx) error {
		b, err := tx.Bucket(bucketName)
		require.NoError(t, err)
		v, err := b.Get([]byte("a"))
		require.NoError(t, err)
		require.Equal(t, "1", string(v))
		_, err = b.Get([]byte("z"))
		require.ErrorIs(t, err, kv.ErrKeyNotFound)
		return nil
	})
	require.NoError(t, err)
}

func testReadOnlyView(t *testing.T, s kv.Store) {
	ctx := context.Background()
	err := s.View(ctx, func(tx kv.Tx) error {
		require.False(t, tx.Writable())
		_, err := tx.Bucket([]byte("missing"))
		require.ErrorIs(t, err, kv.ErrBucketNotFound)
		return nil
	})
	require.NoError(t, err)

	put(t, s, "a", "1")
	err = s.View(ctx, func(tx kv.Tx) error {
		b, err := tx.Bucket(bucketName)
		require.NoError(t, err)
		require.ErrorIs(t, b.Put([]byte("b"), []byte("2")), kv.ErrTxNotWritable)
		return nil
	})
	require.NoError(t, err)
}

func testCursor(t *testing.T, s kv.Store) {
	put(t, s, "b", "2", "d", "4", "f", "6")

	err := s.View(context.Background(), func(tx kv.Tx) error {
		b, err := tx.Bucket(bucketName)
		require.NoError(t, err)
		c, err := b.Cursor()
		require.NoError(t, err)

		k, _ := c.First()
		require.Equal(t, "b", string(k))
		k, _ = c.Next()
		require.Equal(t, "d", string(k))
		k, v := c.Seek([]byte("e"))
		require.Equal(t, "f", string(k))
		require.Equal(t, "6", string(v))
		k, _ = c.Prev()
		require.Equal(t, "d", string(k))
		k, _ = c.Last()
		require.Equal(t, "f", string(k))
		k, _ = c.Next()
		require.Nil(t, k)
		k, _ = c.Seek([]byte("g"))
		require.Nil(t, k)
		return nil
	})
	require.NoError(t, err)
}

func testWalk(t *testing.T, s kv.Store) {
	put(t, s, "a", "", "b", "", "c", "", "d", "")

	collect := func(r kv.Range, reverse bool) string {
		var out string
		err := s.View(context.Background(), func(tx kv.Tx) error {
			b, err := tx.Bucket(bucketName)
			require.NoError(t, err)
			return kv.Walk(b, r, reverse, func(k, _ []byte) error {
				out += string(k)
				return nil
			})
		})
		require.NoError(t, err)
		return out
	}

	require.Equal(t, "abcd", collect(kv.Range{}, false))
	require.Equal(t, "dcba", collect(kv.Range{}, true))
	require.Equal(t, "bc", collect(kv.Range{Lower: []byte("b"), Upper: []byte("d")}, false))
	require.Equal(t, "cb", collect(kv.Range{Lower: []byte("b"), Upper: []byte("d")}, true))
	require.Equal(t, "cd", collect(kv.Range{Lower: []byte("b"), LowerExclusive: true, Upper: []byte("d"), UpperInclusive: true}, false))
	require.Equal(t, "dc", collect(kv.Range{Lower: []byte("b"), LowerExclusive: true, Upper: []byte("d"), UpperInclusive: true}, true))
	require.Equal(t, "ab", collect(kv.PrefixRange([]byte("a")), false)+collect(kv.PrefixRange([]byte("b")), false))
}
