package treesync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p-gossiplog/mst"
	msgio "github.com/libp2p/go-msgio"
)

type deadliner interface {
	SetDeadline(time.Time) error
}

// Client issues requests over one sync channel. Calls are serialized: each
// request waits for its response before the next one is written.
type Client struct {
	mu      sync.Mutex
	conn    io.ReadWriteCloser
	r       msgio.ReadCloser
	w       msgio.WriteCloser
	seq     uint64
	timeout time.Duration
	broken  error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRequestTimeout bounds every request/response round trip. A request
// that times out aborts the channel.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// NewClient wraps conn. The Client owns conn and closes it on Close.
func NewClient(conn io.ReadWriteCloser, opts ...ClientOption) *Client {
	c := &Client{
		conn: conn,
		r:    msgio.NewVarintReaderSize(conn, MaxMessageSize),
		w:    msgio.NewVarintWriter(conn),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close closes the underlying channel.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken == nil {
		c.broken = ErrClientClosed
	}
	return c.conn.Close()
}

// GetRoot requests the remote root.
func (c *Client) GetRoot(ctx context.Context) (mst.Node, error) {
	resp, err := c.call(ctx, GetRootRequest{})
	if err != nil {
		return mst.Node{}, err
	}
	return fromWire(resp.(GetRootResponse).Root), nil
}

// GetChildren requests the children of the remote node at level with key.
func (c *Client) GetChildren(ctx context.Context, level uint8, key []byte) ([]mst.Node, error) {
	resp, err := c.call(ctx, GetChildrenRequest{Level: level, Key: key})
	if err != nil {
		return nil, err
	}
	return fromWireNodes(resp.(GetChildrenResponse).Children), nil
}

// GetValues requests the values of the given leaves. The remote may answer
// with a non-empty prefix when the values do not fit in one frame.
func (c *Client) GetValues(ctx context.Context, nodes []mst.Node) ([][]byte, error) {
	resp, err := c.call(ctx, GetValuesRequest{Nodes: toWireNodes(nodes)})
	if err != nil {
		return nil, err
	}
	vals := resp.(GetValuesResponse).Values
	if len(nodes) > 0 && (len(vals) == 0 || len(vals) > len(nodes)) {
		return nil, fmt.Errorf("%w: asked for %d values, got %d", ErrProtocol, len(nodes), len(vals))
	}
	return vals, nil
}

func (c *Client) call(ctx context.Context, req Request) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken != nil {
		return nil, c.broken
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if d, ok := c.conn.(deadliner); ok {
		if dl, ok := ctx.Deadline(); ok {
			if err := d.SetDeadline(dl); err != nil {
				// the watcher below still aborts the call on expiry
				logger.Debugf("setting sync channel deadline: %s", err)
			} else {
				defer d.SetDeadline(time.Time{})
			}
		}
	}

	// Cancellation aborts the channel so that a blocked read or write returns.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			c.conn.Close()
		case <-stop:
		}
	}()

	resp, err := c.roundTrip(req)
	close(stop)
	wg.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		c.broken = fmt.Errorf("%w: aborted: %s", ErrClientClosed, ctxErr)
		return nil, ctxErr
	}
	if err != nil {
		var remote *RemoteError
		if !errors.As(err, &remote) {
			c.broken = fmt.Errorf("%w: %s", ErrClientClosed, err)
		}
		return nil, err
	}
	return resp, nil
}

func (c *Client) roundTrip(req Request) (Response, error) {
	c.seq++
	seq := c.seq

	frame, err := encodeRequest(seq, req)
	if err != nil {
		return nil, err
	}
	if err := c.w.WriteMsg(frame); err != nil {
		return nil, err
	}

	msg, err := c.r.ReadMsg()
	if err != nil {
		return nil, err
	}
	rseq, resp, err := decodeResponse(msg)
	c.r.ReleaseMsg(msg)
	if err != nil {
		return nil, err
	}

	if rseq != seq {
		return nil, fmt.Errorf("%w: response seq %d does not match request seq %d", ErrProtocol, rseq, seq)
	}
	if e, ok := resp.(ErrorResponse); ok {
		return nil, &RemoteError{Message: e.Message}
	}
	if resp.responseKind() != req.requestKind() {
		return nil, fmt.Errorf("%w: %s response to %s request", ErrProtocol, resp.responseKind(), req.requestKind())
	}
	return resp, nil
}
