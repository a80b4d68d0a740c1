// Package gossiplog implements a peer-replicated, content-addressed append
// log. Records are causally ordered in a DAG: each one names the current
// heads as parents and carries a logical clock one above its deepest
// parent. Every replica indexes its records in a Merkle Search Tree, so two
// replicas can diff their logs in time proportional to what differs, and a
// libp2p service pushes new records to connected peers and schedules tree
// syncs to repair whatever the push channel missed.
package gossiplog

import (
	logging "github.com/ipfs/go-log/v2"
)

var (
	logger = logging.Logger("gossiplog")
)
