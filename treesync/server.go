package treesync

import (
	"context"
	"errors"
	"fmt"
	"io"

	msgio "github.com/libp2p/go-msgio"
)

// Server answers sync requests read from one channel until the requester
// closes it.
type Server struct {
	src Source
	r   msgio.ReadCloser
	w   msgio.WriteCloser
}

// NewServer returns a Server answering from src over conn. The caller keeps
// ownership of conn.
func NewServer(conn io.ReadWriter, src Source) *Server {
	return &Server{
		src: src,
		r:   msgio.NewVarintReaderSize(conn, MaxMessageSize),
		w:   msgio.NewVarintWriter(conn),
	}
}

// Serve handles requests until the channel reaches EOF, which is the normal
// end of a session and returns nil. Failures reading the source are sent to
// the requester as ErrorResponse; malformed frames end the session with
// ErrProtocol.
func (s *Server) Serve(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := s.r.ReadMsg()
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return err
		}
		seq, req, err := decodeRequest(msg)
		s.r.ReleaseMsg(msg)
		if err != nil {
			return err
		}

		resp := s.handle(req)
		frame, err := encodeResponse(seq, resp)
		if err != nil {
			return err
		}
		if err := s.w.WriteMsg(frame); err != nil {
			return err
		}
	}
}

func (s *Server) handle(req Request) Response {
	switch r := req.(type) {
	case GetRootRequest:
		root, err := s.src.Root()
		if err != nil {
			return errorResponse(req, err)
		}
		return GetRootResponse{Root: toWire(root)}
	case GetChildrenRequest:
		children, err := s.src.Children(r.Level, r.Key)
		if err != nil {
			return errorResponse(req, err)
		}
		return GetChildrenResponse{Children: toWireNodes(children)}
	case GetValuesRequest:
		vals, err := values(s.src, fromWireNodes(r.Nodes))
		if err != nil {
			return errorResponse(req, err)
		}
		return GetValuesResponse{Values: vals}
	default:
		return errorResponse(req, fmt.Errorf("unsupported request %T", req))
	}
}

func errorResponse(req Request, err error) Response {
	logger.Debugw("sync request failed", "kind", req.requestKind(), "error", err)
	return ErrorResponse{Message: err.Error()}
}
