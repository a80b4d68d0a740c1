package treesync

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p-gossiplog/kv"
	"github.com/libp2p/go-libp2p-gossiplog/kv/inmem"
	"github.com/libp2p/go-libp2p-gossiplog/mst"
	msgio "github.com/libp2p/go-msgio"
	"github.com/stretchr/testify/require"
)

const testFanout = 4

func key(i int) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(i))
	return k
}

func value(i int) []byte {
	return []byte{byte(i), byte(i >> 8), 0xaa}
}

func set(t *testing.T, s kv.Store, k, v []byte) {
	t.Helper()
	err := s.Update(context.Background(), func(tx kv.Tx) error {
		tree, err := mst.Open(tx, mst.WithFanout(testFanout))
		if err != nil {
			return err
		}
		return tree.Set(k, v)
	})
	require.NoError(t, err)
}

func newStore(t *testing.T, from, to int) kv.Store {
	t.Helper()
	s := inmem.NewKVStore()
	require.NoError(t, s.Update(context.Background(), func(tx kv.Tx) error {
		_, err := mst.Open(tx, mst.WithFanout(testFanout))
		return err
	}))
	for i := from; i < to; i++ {
		set(t, s, key(i), value(i))
	}
	return s
}

func root(t *testing.T, s kv.Store) mst.Node {
	t.Helper()
	r, err := NewStoreSource(s, mst.WithFanout(testFanout)).Root()
	require.NoError(t, err)
	return r
}

// connect serves src over an in-memory pipe and returns a client for it.
func connect(t *testing.T, src Source) *Client {
	t.Helper()
	cconn, sconn := net.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- NewServer(sconn, src).Serve(context.Background())
		sconn.Close()
	}()
	c := NewClient(cconn, WithRequestTimeout(5*time.Second))
	t.Cleanup(func() {
		c.Close()
		require.NoError(t, <-done)
	})
	return c
}

// pull syncs dst from src over a pipe and returns the keys received.
func pull(t *testing.T, dst, src kv.Store) [][]byte {
	t.Helper()
	client := connect(t, NewStoreSource(src, mst.WithFanout(testFanout)))
	var got [][]byte
	err := NewDriver(NewStoreSource(dst, mst.WithFanout(testFanout)), client).Sync(context.Background(), func(k, v []byte) error {
		got = append(got, k)
		set(t, dst, k, v)
		return nil
	})
	require.NoError(t, err)
	return got
}

func TestSyncConverges(t *testing.T) {
	a := newStore(t, 0, 100)
	b := newStore(t, 50, 200)
	require.NotEqual(t, root(t, a), root(t, b))

	got := pull(t, a, b)
	require.Len(t, got, 100)
	for i, k := range got {
		require.Equal(t, key(100+i), k)
	}

	got = pull(t, b, a)
	require.Len(t, got, 50)
	require.Equal(t, root(t, a), root(t, b))
}

func TestSyncIsIdempotent(t *testing.T) {
	a := newStore(t, 0, 40)
	b := newStore(t, 20, 60)
	pull(t, a, b)
	require.Empty(t, pull(t, a, b))
}

func TestSyncFromEmpty(t *testing.T) {
	a := newStore(t, 0, 10)
	empty := newStore(t, 0, 0)
	require.Empty(t, pull(t, a, empty))
	require.Len(t, pull(t, empty, a), 10)
	require.Equal(t, root(t, a), root(t, empty))
}

type tamperingRemote struct {
	Remote
	target []byte
}

func (r *tamperingRemote) GetValues(ctx context.Context, nodes []mst.Node) ([][]byte, error) {
	vals, err := r.Remote.GetValues(ctx, nodes)
	if err != nil {
		return nil, err
	}
	for i := range vals {
		if bytes.Equal(nodes[i].Key, r.target) {
			vals[i] = []byte("forged")
		}
	}
	return vals, nil
}

func TestHashMismatch(t *testing.T) {
	a := newStore(t, 0, 0)
	b := newStore(t, 0, 30)
	remote := &tamperingRemote{Remote: SourceRemote(NewStoreSource(b, mst.WithFanout(testFanout))), target: key(17)}

	var got int
	err := NewDriver(NewStoreSource(a, mst.WithFanout(testFanout)), remote).Sync(context.Background(), func(k, v []byte) error {
		got++
		return nil
	})
	var mismatch *HashMismatchError
	require.True(t, errors.As(err, &mismatch))
	require.Equal(t, key(17), mismatch.Key)
	require.Equal(t, mst.LeafHash(key(17), []byte("forged")), mismatch.Actual)
	require.Less(t, got, 30)
}

// forgingRemote alters the hash of the first child of every node.
type forgingRemote struct {
	Remote
}

func (r *forgingRemote) GetChildren(ctx context.Context, level uint8, key []byte) ([]mst.Node, error) {
	children, err := r.Remote.GetChildren(ctx, level, key)
	if err != nil || len(children) == 0 {
		return children, err
	}
	forged := append([]byte(nil), children[0].Hash...)
	forged[0] ^= 0xff
	children[0].Hash = forged
	return children, nil
}

func TestForgedChildrenRejected(t *testing.T) {
	a := newStore(t, 0, 0)
	b := newStore(t, 0, 30)
	remote := &forgingRemote{Remote: SourceRemote(NewStoreSource(b, mst.WithFanout(testFanout)))}

	err := NewDriver(NewStoreSource(a, mst.WithFanout(testFanout)), remote).Sync(context.Background(), func(k, v []byte) error {
		t.Fatal("no entry should be delivered")
		return nil
	})
	var mismatch *HashMismatchError
	require.True(t, errors.As(err, &mismatch))
	require.Equal(t, root(t, b).Hash, mismatch.Expected)
}

func TestSyncLargeValues(t *testing.T) {
	const n = 40
	big := func(i int) []byte {
		return bytes.Repeat([]byte{byte(i)}, 300<<10)
	}

	src := inmem.NewKVStore()
	err := src.Update(context.Background(), func(tx kv.Tx) error {
		tree, err := mst.Open(tx)
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			if err := tree.Set(key(i), big(i)); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	dst := inmem.NewKVStore()
	require.NoError(t, dst.Update(context.Background(), func(tx kv.Tx) error {
		_, err := mst.Open(tx)
		return err
	}))

	client := connect(t, NewStoreSource(src))
	var got int
	err = NewDriver(NewStoreSource(dst), client).Sync(context.Background(), func(k, v []byte) error {
		got++
		return dst.Update(context.Background(), func(tx kv.Tx) error {
			tree, err := mst.Open(tx)
			if err != nil {
				return err
			}
			return tree.Set(k, v)
		})
	})
	require.NoError(t, err)
	require.Equal(t, n, got)

	a, err := NewStoreSource(src).Root()
	require.NoError(t, err)
	b, err := NewStoreSource(dst).Root()
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestValuesSplitByFrameBudget(t *testing.T) {
	s := inmem.NewKVStore()
	var leaves []mst.Node
	err := s.Update(context.Background(), func(tx kv.Tx) error {
		tree, err := mst.Open(tx, mst.WithFanout(testFanout))
		if err != nil {
			return err
		}
		for i := 0; i < 4; i++ {
			v := bytes.Repeat([]byte{byte(i)}, MaxValuesSize/3)
			if err := tree.Set(key(i), v); err != nil {
				return err
			}
			leaves = append(leaves, mst.Node{Level: 0, Key: key(i), Hash: mst.LeafHash(key(i), v)})
		}
		return nil
	})
	require.NoError(t, err)

	client := connect(t, NewStoreSource(s, mst.WithFanout(testFanout)))
	vals, err := client.GetValues(context.Background(), leaves)
	require.NoError(t, err)
	require.Len(t, vals, 3)

	vals, err = client.GetValues(context.Background(), leaves[3:])
	require.NoError(t, err)
	require.Len(t, vals, 1)
}

func TestCallbackErrorStopsSync(t *testing.T) {
	a := newStore(t, 0, 0)
	b := newStore(t, 0, 30)
	boom := errors.New("boom")
	calls := 0
	err := NewDriver(NewStoreSource(a, mst.WithFanout(testFanout)), connect(t, NewStoreSource(b, mst.WithFanout(testFanout)))).
		Sync(context.Background(), func(k, v []byte) error {
			calls++
			return boom
		})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)
}

func TestRemoteErrorKeepsChannel(t *testing.T) {
	b := newStore(t, 0, 10)
	client := connect(t, NewStoreSource(b, mst.WithFanout(testFanout)))
	ctx := context.Background()

	_, err := client.GetChildren(ctx, 3, []byte("nope"))
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))

	_, err = client.GetValues(ctx, []mst.Node{{Level: 0, Key: []byte("nope")}})
	require.True(t, errors.As(err, &remote))

	r, err := client.GetRoot(ctx)
	require.NoError(t, err)
	require.Equal(t, root(t, b), r)
}

func TestSeqMismatch(t *testing.T) {
	cconn, sconn := net.Pipe()
	defer sconn.Close()
	go func() {
		r := msgio.NewVarintReaderSize(sconn, MaxMessageSize)
		w := msgio.NewVarintWriter(sconn)
		msg, err := r.ReadMsg()
		if err != nil {
			return
		}
		seq, _, err := decodeRequest(msg)
		if err != nil {
			return
		}
		frame, _ := encodeResponse(seq+1, GetRootResponse{})
		w.WriteMsg(frame)
	}()

	client := NewClient(cconn)
	defer client.Close()
	_, err := client.GetRoot(context.Background())
	require.ErrorIs(t, err, ErrProtocol)

	_, err = client.GetRoot(context.Background())
	require.ErrorIs(t, err, ErrClientClosed)
}

func TestCancelAbortsCall(t *testing.T) {
	cconn, sconn := net.Pipe()
	defer sconn.Close()
	go func() {
		// read the request and never answer
		r := msgio.NewVarintReaderSize(sconn, MaxMessageSize)
		r.ReadMsg()
	}()

	client := NewClient(cconn)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.GetRoot(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUnknownRequestKind(t *testing.T) {
	frame, err := encodeFrame(1, Kind(42), struct{}{})
	require.NoError(t, err)
	_, _, err = decodeRequest(frame)
	require.ErrorIs(t, err, ErrProtocol)

	_, _, err = decodeResponse([]byte{0xc1})
	require.ErrorIs(t, err, ErrProtocol)
}
