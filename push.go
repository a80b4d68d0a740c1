package gossiplog

import (
	"context"
	"errors"
	"fmt"

	network "github.com/libp2p/go-libp2p-core/network"
	peer "github.com/libp2p/go-libp2p-core/peer"
	protocol "github.com/libp2p/go-libp2p-core/protocol"
	msgio "github.com/libp2p/go-msgio"

	"github.com/libp2p/go-libp2p-gossiplog/treesync"
)

// push* constants identify the notification carried by a push stream.
const (
	pushInsert uint8 = iota + 1
	pushUpdate
)

// maxPushSize bounds one push frame. It matches the sync frame so that any
// entry that can be synced can be pushed.
const maxPushSize = treesync.MaxMessageSize

// PushProtocol returns the protocol of the push channel of topic.
func PushProtocol(topic string) protocol.ID {
	return protocol.ID("/gossiplog/" + topic + "/push/1.0.0")
}

// pushMessage is the single frame written on a push stream. Insert carries
// Key and Value, Update carries Heads.
type pushMessage struct {
	_struct bool `codec:",toarray"` //nolint

	Kind  uint8
	Key   []byte
	Value []byte
	Heads [][]byte
}

func insertMessage(key, value []byte) *pushMessage {
	return &pushMessage{Kind: pushInsert, Key: key, Value: value}
}

func updateMessage(heads []ID) *pushMessage {
	m := &pushMessage{Kind: pushUpdate, Heads: make([][]byte, len(heads))}
	for i, h := range heads {
		m.Heads[i] = h.Bytes()
	}
	return m
}

// sendPush opens a stream to p, writes m and closes it. Push streams are
// opened and closed for each notification.
func (s *Service) sendPush(ctx context.Context, p peer.ID, m *pushMessage) error {
	if err := s.outbound.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.outbound.Release(1)

	dctx, cancel := context.WithTimeout(ctx, s.dialTimeout())
	defer cancel()
	str, err := s.host.NewStream(dctx, p, PushProtocol(s.log.Topic()))
	if err != nil {
		return err
	}

	frame, err := encodeMsgpack(m)
	if err != nil {
		str.Reset()
		return err
	}
	if err := msgio.NewVarintWriter(str).WriteMsg(frame); err != nil {
		str.Reset()
		return err
	}
	return str.Close()
}

// handlePush reads one notification from a push stream.
func (s *Service) handlePush(str network.Stream) {
	defer str.Close()
	from := str.Conn().RemotePeer()

	r := msgio.NewVarintReaderSize(str, maxPushSize)
	frame, err := r.ReadMsg()
	if err != nil {
		logger.Debugf("%s: reading push from %s: %s", s.log.Topic(), from, err)
		str.Reset()
		return
	}
	var m pushMessage
	err = decodeMsgpack(frame, &m)
	r.ReleaseMsg(frame)
	if err != nil {
		logger.Warnf("%s: malformed push from %s: %s", s.log.Topic(), from, err)
		str.Reset()
		return
	}

	switch m.Kind {
	case pushInsert:
		s.handleInsert(from, m.Key, m.Value)
	case pushUpdate:
		s.handleUpdate(from, m.Heads)
	default:
		logger.Warnf("%s: unknown push kind %d from %s", s.log.Topic(), m.Kind, from)
	}
}

func (s *Service) handleInsert(from peer.ID, key, value []byte) {
	res, err := s.log.InsertEntry(s.ctx, key, value)
	var missing *MissingParentError
	switch {
	case errors.As(err, &missing):
		logger.Debugf("%s: %s from %s, scheduling sync", s.log.Topic(), err, from)
		s.scheduleSync(from)
	case err != nil:
		logger.Warnw("rejected pushed record", "topic", s.log.Topic(), "peer", from, "key", fmt.Sprintf("%x", key), "error", err)
	case res.Inserted:
		logger.Debugw("inserted pushed record", "topic", s.log.Topic(), "peer", from, "id", res.ID)
	}
}

func (s *Service) handleUpdate(from peer.ID, heads [][]byte) {
	for _, h := range heads {
		id, err := IDFromBytes(h)
		if err != nil {
			logger.Warnf("%s: malformed head from %s: %s", s.log.Topic(), from, err)
			return
		}
		has, err := s.log.Has(s.ctx, id)
		if err != nil {
			logger.Errorf("%s: %s", s.log.Topic(), err)
			return
		}
		if !has {
			logger.Debugf("%s: %s is ahead (head %s), scheduling sync", s.log.Topic(), from, id)
			s.scheduleSync(from)
			return
		}
	}
}
