// Package treesync implements the pull-based reconciliation protocol between
// two Merkle Search Trees. A Driver walks the remote tree top-down through a
// Remote, skips every subtree whose hash matches the local one and hands the
// missing leaves to a callback in key order. A Server answers the three
// request kinds from a Source over a length-prefixed framed channel.
package treesync

import (
	"context"
	"errors"
	"fmt"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p-gossiplog/mst"
)

var logger = logging.Logger("gossiplog/treesync")

// MaxMessageSize bounds a single frame on the sync channel.
const MaxMessageSize = 4 << 20

// MaxValuesPerRequest bounds the node list of one GET_VALUES request.
const MaxValuesPerRequest = 1024

// MaxValuesSize bounds the summed size of the values in one GET_VALUES
// response. The rest of the frame fits in the remaining headroom.
const MaxValuesSize = MaxMessageSize - 64<<10

// MaxEntrySize is the largest value a tree can hold and still be synced.
const MaxEntrySize = MaxValuesSize

var (
	// ErrProtocol is returned for malformed frames, unknown kinds and
	// responses that do not echo the request sequence number.
	ErrProtocol = errors.New("treesync: protocol error")
	// ErrClientClosed is returned by calls on a closed or aborted Client.
	ErrClientClosed = errors.New("treesync: client closed")
)

// RemoteError carries the message of an ErrorResponse.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "treesync: remote error: " + e.Message
}

// HashMismatchError is returned when a value fetched from the remote does
// not hash to the leaf hash the remote advertised for its key, or when the
// children of a node do not hash to the node's advertised hash.
type HashMismatchError struct {
	Key      []byte
	Expected []byte
	Actual   []byte
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("treesync: hash mismatch for key %x: expected %x, got %x", e.Key, e.Expected, e.Actual)
}

// Source is the read side of a tree. *mst.Tree satisfies it.
type Source interface {
	Root() (mst.Node, error)
	Get(level uint8, key []byte) (mst.Node, error)
	Children(level uint8, key []byte) ([]mst.Node, error)
}

// Remote is the requester's view of the other peer's tree.
type Remote interface {
	GetRoot(ctx context.Context) (mst.Node, error)
	GetChildren(ctx context.Context, level uint8, key []byte) ([]mst.Node, error)
	// GetValues may return fewer values than nodes, answering a prefix.
	GetValues(ctx context.Context, nodes []mst.Node) ([][]byte, error)
}

// SourceRemote adapts a Source so that a Driver can reconcile against a
// tree in the same process.
func SourceRemote(src Source) Remote {
	return &sourceRemote{src: src}
}

type sourceRemote struct {
	src Source
}

func (r *sourceRemote) GetRoot(ctx context.Context) (mst.Node, error) {
	if err := ctx.Err(); err != nil {
		return mst.Node{}, err
	}
	return r.src.Root()
}

func (r *sourceRemote) GetChildren(ctx context.Context, level uint8, key []byte) ([]mst.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.src.Children(level, key)
}

func (r *sourceRemote) GetValues(ctx context.Context, nodes []mst.Node) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return values(r.src, nodes)
}

// values answers a GET_VALUES request. When the values do not all fit in
// MaxValuesSize it returns the longest prefix that does, and always at least
// one value.
func values(src Source, nodes []mst.Node) ([][]byte, error) {
	if len(nodes) > MaxValuesPerRequest {
		return nil, fmt.Errorf("too many nodes requested: %d > %d", len(nodes), MaxValuesPerRequest)
	}
	out := make([][]byte, 0, len(nodes))
	size := 0
	for _, n := range nodes {
		if n.Level != 0 || n.IsAnchor() {
			return nil, fmt.Errorf("node %s is not an entry", n)
		}
		leaf, err := src.Get(0, n.Key)
		if err != nil {
			return nil, fmt.Errorf("entry %x: %w", n.Key, err)
		}
		if len(leaf.Value) > MaxEntrySize {
			return nil, fmt.Errorf("entry %x is too large: %d bytes", n.Key, len(leaf.Value))
		}
		size += len(leaf.Value)
		if size > MaxValuesSize && len(out) > 0 {
			break
		}
		out = append(out, leaf.Value)
	}
	return out, nil
}
