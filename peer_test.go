package gossiplog

import (
	"fmt"
	"testing"

	peer "github.com/libp2p/go-libp2p-core/peer"
	multiaddr "github.com/multiformats/go-multiaddr"
)

func TestParseBootstrapPeers(t *testing.T) {
	id := randomPeerID(t)
	addrs := []string{
		fmt.Sprintf("/ip4/1.2.3.4/tcp/1000/p2p/%s", id),
		fmt.Sprintf("/ip4/1.2.3.5/tcp/2000/p2p/%s", id),
	}
	infos, err := ParseBootstrapPeers(addrs)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 {
		t.Fatalf("addresses of one peer should be grouped, got %d peers", len(infos))
	}
	if infos[0].ID != id {
		t.Errorf("wrong peer: %s != %s", infos[0].ID, id)
	}
	if len(infos[0].Addrs) != 2 {
		t.Fatalf("peer should have 2 addresses, has %d", len(infos[0].Addrs))
	}
	want, err := multiaddr.NewMultiaddr("/ip4/1.2.3.4/tcp/1000")
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, a := range infos[0].Addrs {
		found = found || a.Equal(want)
	}
	if !found {
		t.Errorf("%s missing from %v", want, infos[0].Addrs)
	}

	if _, err := ParseBootstrapPeers([]string{"/ip4/1.2.3.4/tcp/1000"}); err == nil {
		t.Error("an address without peer id should be refused")
	}
	if _, err := ParseBootstrapPeers([]string{"garbage"}); err == nil {
		t.Error("garbage should be refused")
	}
}

func TestPeerSetBound(t *testing.T) {
	ps := newPeerSet(2)
	a, b, c := randomPeerID(t), randomPeerID(t), randomPeerID(t)

	if !ps.add(a) || !ps.add(b) {
		t.Fatal("peers should be added")
	}
	if ps.add(a) {
		t.Error("a peer should not be added twice")
	}
	if ps.add(c) {
		t.Error("a full set should refuse peers")
	}
	held := map[peer.ID]bool{}
	for _, p := range ps.list() {
		held[p] = true
	}
	if ps.len() != 2 || !held[a] || !held[b] || held[c] {
		t.Errorf("unexpected content: %v", ps.list())
	}

	if !ps.remove(a) || ps.remove(a) {
		t.Error("remove should report whether the peer was there")
	}
	if !ps.add(c) {
		t.Error("freed slot should be reused")
	}
	l := ps.list()
	if len(l) != 2 || l[0] > l[1] {
		t.Errorf("list should be sorted: %v", l)
	}
}
