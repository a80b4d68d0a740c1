package gossiplog

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	peer "github.com/libp2p/go-libp2p-core/peer"
	multihash "github.com/multiformats/go-multihash"

	"github.com/libp2p/go-libp2p-gossiplog/execution"
	"github.com/libp2p/go-libp2p-gossiplog/kv/inmem"
	"github.com/libp2p/go-libp2p-gossiplog/treesync"
)

var (
	payloadModel = []byte("payloads")
	errInvalid   = errors.New("invalid payload")
	errApply     = errors.New("apply failed")
)

// testApp stores every payload under its record id and refuses the
// payloads "invalid" (validation) and "fail" (apply). failOn adds one more
// payload refused at apply time.
type testApp struct {
	mu      sync.Mutex
	applied []ID
	failOn  string
}

func (a *testApp) Validate(payload []byte) error {
	if string(payload) == "invalid" {
		return errInvalid
	}
	return nil
}

func (a *testApp) Apply(ctx context.Context, ec *execution.Context, id ID, sig *Signature, msg *Message) (interface{}, error) {
	if string(msg.Payload) == "fail" || (a.failOn != "" && string(msg.Payload) == a.failOn) {
		return nil, errApply
	}
	if err := ec.Set(payloadModel, id[:], msg.Payload); err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.applied = append(a.applied, id)
	a.mu.Unlock()
	return string(msg.Payload), nil
}

func (a *testApp) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.applied)
}

func testConfig() Config {
	cfg := DefaultConfig("test")
	cfg.Signatures = false
	cfg.SyncRetryInterval = Duration(10 * time.Millisecond)
	cfg.SyncCooldownPeriod = 0
	cfg.DialTimeout = Duration(5 * time.Second)
	cfg.RequestTimeout = Duration(5 * time.Second)
	return cfg
}

// makeTestingLog opens a log over a fresh in-memory store.
func makeTestingLog(t *testing.T, cfg Config, opts ...Option) (*MessageLog, *testApp) {
	t.Helper()
	app := &testApp{}
	l, err := Open(context.Background(), inmem.NewKVStore(), cfg, app, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	return l, app
}

func appendPayload(t *testing.T, l *MessageLog, payload string) ID {
	t.Helper()
	res, err := l.Append(context.Background(), []byte(payload), nil)
	if err != nil {
		t.Fatal(err)
	}
	return res.ID
}

// syncLogs pulls src into dst in process.
func syncLogs(t *testing.T, dst, src *MessageLog) *SyncResult {
	t.Helper()
	var res *SyncResult
	err := src.Serve(context.Background(), func(s treesync.Source) error {
		var err error
		res, err = dst.Sync(context.Background(), treesync.SourceRemote(s))
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func rootOf(t *testing.T, l *MessageLog) string {
	t.Helper()
	root, err := l.Root(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return root.String()
}

// randomPeerID returns a peer ID with no key pair attached.
func randomPeerID(t *testing.T) peer.ID {
	t.Helper()
	buf := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		t.Fatal(err)
	}
	hash, err := multihash.Sum(buf, multihash.SHA2_256, -1)
	if err != nil {
		t.Fatal(err)
	}
	return peer.ID(hash)
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
