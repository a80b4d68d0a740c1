package gossiplog

import (
	"fmt"
	"sort"
	"sync"

	peer "github.com/libp2p/go-libp2p-core/peer"
	multiaddr "github.com/multiformats/go-multiaddr"
)

// ParseBootstrapPeers takes multiaddresses with a /p2p component and groups
// them by peer.
//
// For example: /ip4/1.2.3.5/tcp/2222/p2p/QmABCDE yields a peer with
// ID=QmABCDE and Addrs=[/ip4/1.2.3.5/tcp/2222].
func ParseBootstrapPeers(addrs []string) ([]peer.AddrInfo, error) {
	maddrs := make([]multiaddr.Multiaddr, 0, len(addrs))
	for _, a := range addrs {
		maddr, err := multiaddr.NewMultiaddr(a)
		if err != nil {
			return nil, fmt.Errorf("bootstrap peer %q: %w", a, err)
		}
		if _, err := maddr.ValueForProtocol(multiaddr.P_P2P); err != nil {
			return nil, fmt.Errorf("bootstrap peer %q has no peer id", a)
		}
		maddrs = append(maddrs, maddr)
	}
	return peer.AddrInfosFromP2pAddrs(maddrs...)
}

// peerSet is the set of connected peers, bounded by a maximum size.
type peerSet struct {
	mu    sync.Mutex
	max   int
	peers map[peer.ID]struct{}
}

func newPeerSet(max int) *peerSet {
	return &peerSet{max: max, peers: map[peer.ID]struct{}{}}
}

// add reports whether p was added. It refuses new peers once full.
func (ps *peerSet) add(p peer.ID) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if _, ok := ps.peers[p]; ok {
		return false
	}
	if ps.max > 0 && len(ps.peers) >= ps.max {
		return false
	}
	ps.peers[p] = struct{}{}
	return true
}

func (ps *peerSet) remove(p peer.ID) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	_, ok := ps.peers[p]
	delete(ps.peers, p)
	return ok
}

func (ps *peerSet) len() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.peers)
}

// list returns the peers in id order.
func (ps *peerSet) list() []peer.ID {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	out := make([]peer.ID, 0, len(ps.peers))
	for p := range ps.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
