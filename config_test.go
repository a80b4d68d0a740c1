package gossiplog

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig(`
topic = "chat"
signatures = false
max-connections = 20
sync-cooldown-period = "1m"
sync-retry-interval = "250ms"
listen-addrs = ["/ip4/127.0.0.1/tcp/0"]
`)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Topic != "chat" || cfg.Signatures || !cfg.Sequencing {
		t.Errorf("unexpected log settings: %+v", cfg)
	}
	if cfg.MaxConnections != 20 || cfg.MinConnections != DefaultMinConnections {
		t.Errorf("unexpected connection bounds: %d %d", cfg.MinConnections, cfg.MaxConnections)
	}
	if time.Duration(cfg.SyncCooldownPeriod) != time.Minute {
		t.Errorf("unexpected cooldown: %s", cfg.SyncCooldownPeriod)
	}
	if time.Duration(cfg.SyncRetryInterval) != 250*time.Millisecond {
		t.Errorf("unexpected retry interval: %s", cfg.SyncRetryInterval)
	}
	if cfg.SyncRetryLimit != DefaultSyncRetryLimit || cfg.RequestTimeout != DefaultRequestTimeout {
		t.Error("defaults were not kept")
	}
}

func TestParseConfigInvalid(t *testing.T) {
	docs := []string{
		`signatures = true`,
		`topic = "has space"`,
		"topic = \"t\"\nmin-connections = 5\nmax-connections = 2",
		"topic = \"t\"\nsync-retry-limit = 0",
		"topic = \"t\"\nsync-retry-interval = \"soon\"",
		"topic = \"t\"\nbootstrap-peers = [\"/ip4/127.0.0.1/tcp/4001\"]",
		"topic = \"t\"\nlisten-addrs = [\"nope\"]",
	}
	for _, doc := range docs {
		if _, err := ParseConfig(doc); err == nil {
			t.Errorf("expected an error for %q", doc)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gossiplog.toml")
	if err := os.WriteFile(path, []byte("topic = \"files\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Topic != "files" {
		t.Errorf("wrong topic: %s", cfg.Topic)
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestDurationText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("1h30m")); err != nil {
		t.Fatal(err)
	}
	text, err := d.MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	if string(text) != "1h30m0s" {
		t.Errorf("unexpected text: %s", text)
	}
}
