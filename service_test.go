package gossiplog

import (
	"context"
	"testing"
	"time"

	host "github.com/libp2p/go-libp2p-core/host"
	peer "github.com/libp2p/go-libp2p-core/peer"
)

func makeTestingService(t *testing.T, l *MessageLog) (host.Host, *Service) {
	t.Helper()
	cfg := testConfig()
	cfg.ListenAddrs = []string{"/ip4/127.0.0.1/tcp/0"}
	h, err := NewHost(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { h.Close() })

	s, err := NewService(h, l)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return h, s
}

func connectHosts(t *testing.T, a, b host.Host) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Connect(ctx, peer.AddrInfo{ID: b.ID(), Addrs: b.Addrs()}); err != nil {
		t.Fatal(err)
	}
}

func countOf(t *testing.T, l *MessageLog) int {
	t.Helper()
	n, err := l.Count(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestServiceSyncsHistoryOnConnect(t *testing.T) {
	a, _ := makeTestingLog(t, testConfig())
	b, _ := makeTestingLog(t, testConfig())
	for i := 0; i < 20; i++ {
		appendPayload(t, a, string(rune('a'+i)))
	}
	appendPayload(t, b, "only on b")

	ha, sa := makeTestingService(t, a)
	hb, sb := makeTestingService(t, b)
	connectHosts(t, ha, hb)

	waitFor(t, 10*time.Second, func() bool {
		return countOf(t, a) == 21 && countOf(t, b) == 21
	})
	if rootOf(t, a) != rootOf(t, b) {
		t.Error("roots differ after sync")
	}
	if len(sa.Peers()) != 1 || len(sb.Peers()) != 1 {
		t.Errorf("unexpected peers: %v %v", sa.Peers(), sb.Peers())
	}
}

func TestServicePushesAppends(t *testing.T) {
	a, _ := makeTestingLog(t, testConfig())
	b, _ := makeTestingLog(t, testConfig())
	ha, sa := makeTestingService(t, a)
	hb, _ := makeTestingService(t, b)
	connectHosts(t, ha, hb)
	waitFor(t, 10*time.Second, func() bool { return len(sa.Peers()) == 1 })

	var last ID
	for i := 0; i < 5; i++ {
		last = appendPayload(t, a, string(rune('0'+i)))
	}
	waitFor(t, 10*time.Second, func() bool {
		has, err := b.Has(context.Background(), last)
		if err != nil {
			t.Fatal(err)
		}
		return has
	})
	waitFor(t, 10*time.Second, func() bool { return rootOf(t, a) == rootOf(t, b) })
}

func TestServiceExplicitSync(t *testing.T) {
	a, _ := makeTestingLog(t, testConfig())
	b, _ := makeTestingLog(t, testConfig())
	ha, _ := makeTestingService(t, a)
	hb, sb := makeTestingService(t, b)
	connectHosts(t, ha, hb)

	appendPayload(t, a, "x")
	appendPayload(t, a, "y")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := sb.Sync(ctx, ha.ID())
	if err != nil {
		t.Fatal(err)
	}
	if res.Root.String() != rootOf(t, b) {
		t.Error("sync result does not report the local root")
	}
	waitFor(t, 10*time.Second, func() bool { return countOf(t, b) == 2 })

	addrs, err := sb.ListenAddrs()
	if err != nil {
		t.Fatal(err)
	}
	if len(addrs) == 0 {
		t.Fatal("no listen addresses")
	}
	infos, err := ParseBootstrapPeers([]string{addrs[0].String()})
	if err != nil {
		t.Fatal(err)
	}
	if infos[0].ID != hb.ID() {
		t.Errorf("listen address names %s, not %s", infos[0].ID, hb.ID())
	}
}

func TestServiceClose(t *testing.T) {
	a, _ := makeTestingLog(t, testConfig())
	_, s := makeTestingService(t, a)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Sync(context.Background(), randomPeerID(t)); err == nil {
		t.Error("sync on a closed service should fail")
	}
}
