package gossiplog

import (
	peer "github.com/libp2p/go-libp2p-core/peer"

	"github.com/libp2p/go-libp2p-gossiplog/mst"
)

// EvtMessage is emitted once for every record committed to the log.
type EvtMessage struct {
	ID        ID
	Signature *Signature
	Message   *Message
	// Result is what the application returned when applying the record.
	Result interface{}
	// Local is set for records created by Append on this log.
	Local bool
}

// EvtCommit is emitted after every committed transaction with the new root.
type EvtCommit struct {
	Root mst.Node
}

// EvtSync is emitted after a sync with a peer finished.
type EvtSync struct {
	Peer     peer.ID
	Root     mst.Node
	Messages int
	Err      error
}
