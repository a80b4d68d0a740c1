package treesync

import (
	"fmt"

	"github.com/libp2p/go-libp2p-gossiplog/mst"
	codec "github.com/ugorji/go/codec"
)

// Kind identifies the variant carried by a frame.
type Kind uint8

// Request and response kinds. A response carries the kind of the request it
// answers, or KindError.
const (
	KindGetRoot Kind = iota + 1
	KindGetChildren
	KindGetValues
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindGetRoot:
		return "GET_ROOT"
	case KindGetChildren:
		return "GET_CHILDREN"
	case KindGetValues:
		return "GET_VALUES"
	case KindError:
		return "ERROR"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Request is one of GetRootRequest, GetChildrenRequest or GetValuesRequest.
type Request interface {
	requestKind() Kind
}

// GetRootRequest asks for the root of the responder's tree.
type GetRootRequest struct{}

// GetChildrenRequest asks for the children of one node.
type GetChildrenRequest struct {
	Level uint8
	Key   []byte
}

// GetValuesRequest asks for the values of a list of leaves.
type GetValuesRequest struct {
	Nodes []Node
}

func (GetRootRequest) requestKind() Kind     { return KindGetRoot }
func (GetChildrenRequest) requestKind() Kind { return KindGetChildren }
func (GetValuesRequest) requestKind() Kind   { return KindGetValues }

// Response is one of GetRootResponse, GetChildrenResponse,
// GetValuesResponse or ErrorResponse.
type Response interface {
	responseKind() Kind
}

// GetRootResponse carries the responder's root.
type GetRootResponse struct {
	Root Node
}

// GetChildrenResponse carries the children of the requested node in key order.
type GetChildrenResponse struct {
	Children []Node
}

// GetValuesResponse carries the values of a non-empty prefix of the
// requested nodes, in request order.
type GetValuesResponse struct {
	Values [][]byte
}

// ErrorResponse reports that the responder could not serve a request.
type ErrorResponse struct {
	Message string
}

func (GetRootResponse) responseKind() Kind     { return KindGetRoot }
func (GetChildrenResponse) responseKind() Kind { return KindGetChildren }
func (GetValuesResponse) responseKind() Kind   { return KindGetValues }
func (ErrorResponse) responseKind() Kind       { return KindError }

// Node is the wire form of a tree node: its position and hash.
type Node struct {
	Level uint8
	Key   []byte
	Hash  []byte
}

func toWire(n mst.Node) Node {
	return Node{Level: n.Level, Key: n.Key, Hash: n.Hash}
}

func fromWire(n Node) mst.Node {
	node := mst.Node{Level: n.Level, Hash: n.Hash}
	if len(n.Key) > 0 {
		node.Key = n.Key
	}
	return node
}

func toWireNodes(nodes []mst.Node) []Node {
	out := make([]Node, len(nodes))
	for i, n := range nodes {
		out[i] = toWire(n)
	}
	return out
}

func fromWireNodes(nodes []Node) []mst.Node {
	out := make([]mst.Node, len(nodes))
	for i, n := range nodes {
		out[i] = fromWire(n)
	}
	return out
}

// envelope is what every frame on the sync channel holds. Body is the
// msgpack encoding of the variant named by Kind.
type envelope struct {
	_struct bool `codec:",toarray"` //nolint

	Seq  uint64
	Kind Kind
	Body []byte
}

var msgpackHandle = func() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.WriteExt = true
	h.Canonical = true
	return h
}()

func encode(v interface{}) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, msgpackHandle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf, nil
}

func decode(bs []byte, v interface{}) error {
	dec := codec.NewDecoderBytes(bs, msgpackHandle)
	return dec.Decode(v)
}

func encodeFrame(seq uint64, kind Kind, body interface{}) ([]byte, error) {
	b, err := encode(body)
	if err != nil {
		return nil, err
	}
	return encode(&envelope{Seq: seq, Kind: kind, Body: b})
}

func encodeRequest(seq uint64, req Request) ([]byte, error) {
	return encodeFrame(seq, req.requestKind(), req)
}

func encodeResponse(seq uint64, resp Response) ([]byte, error) {
	return encodeFrame(seq, resp.responseKind(), resp)
}

func decodeRequest(frame []byte) (uint64, Request, error) {
	var env envelope
	if err := decode(frame, &env); err != nil {
		return 0, nil, fmt.Errorf("%w: %s", ErrProtocol, err)
	}

	var req Request
	var err error
	switch env.Kind {
	case KindGetRoot:
		var r GetRootRequest
		err = decode(env.Body, &r)
		req = r
	case KindGetChildren:
		var r GetChildrenRequest
		err = decode(env.Body, &r)
		req = r
	case KindGetValues:
		var r GetValuesRequest
		err = decode(env.Body, &r)
		req = r
	default:
		return env.Seq, nil, fmt.Errorf("%w: unknown request kind %s", ErrProtocol, env.Kind)
	}
	if err != nil {
		return env.Seq, nil, fmt.Errorf("%w: decoding %s: %s", ErrProtocol, env.Kind, err)
	}
	return env.Seq, req, nil
}

func decodeResponse(frame []byte) (uint64, Response, error) {
	var env envelope
	if err := decode(frame, &env); err != nil {
		return 0, nil, fmt.Errorf("%w: %s", ErrProtocol, err)
	}

	var resp Response
	var err error
	switch env.Kind {
	case KindGetRoot:
		var r GetRootResponse
		err = decode(env.Body, &r)
		resp = r
	case KindGetChildren:
		var r GetChildrenResponse
		err = decode(env.Body, &r)
		resp = r
	case KindGetValues:
		var r GetValuesResponse
		err = decode(env.Body, &r)
		resp = r
	case KindError:
		var r ErrorResponse
		err = decode(env.Body, &r)
		resp = r
	default:
		return env.Seq, nil, fmt.Errorf("%w: unknown response kind %s", ErrProtocol, env.Kind)
	}
	if err != nil {
		return env.Seq, nil, fmt.Errorf("%w: decoding %s: %s", ErrProtocol, env.Kind, err)
	}
	return env.Seq, resp, nil
}
