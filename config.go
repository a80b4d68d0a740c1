package gossiplog

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"
	multiaddr "github.com/multiformats/go-multiaddr"
)

const (
	// DefaultMinConnections is the peer count below which bootstrap peers
	// are dialed.
	DefaultMinConnections = 2

	// DefaultMaxConnections is the peer count above which the connection
	// manager starts trimming.
	DefaultMaxConnections = 10

	// DefaultMaxInboundStreams caps concurrently served sync streams.
	DefaultMaxInboundStreams = 64

	// DefaultMaxOutboundStreams caps concurrently opened sync and push streams.
	DefaultMaxOutboundStreams = 64

	// DefaultSyncCooldownPeriod is the minimum time between two successful
	// syncs with the same peer.
	DefaultSyncCooldownPeriod = Duration(20 * time.Second)

	// DefaultSyncRetryLimit is the number of attempts made per sync job.
	DefaultSyncRetryLimit = 3

	// DefaultSyncRetryInterval is the base backoff between attempts.
	DefaultSyncRetryInterval = Duration(5 * time.Second)

	// DefaultMaxSyncQueueSize bounds the number of pending sync jobs.
	DefaultMaxSyncQueueSize = 100

	// DefaultDialTimeout bounds opening a stream to a peer.
	DefaultDialTimeout = Duration(10 * time.Second)

	// DefaultRequestTimeout bounds each sync round trip.
	DefaultRequestTimeout = Duration(10 * time.Second)
)

var topicPattern = regexp.MustCompile(`^[a-zA-Z0-9._\-]+$`)

// Duration is a time.Duration that reads and writes as a string in TOML.
type Duration time.Duration

// String returns the string representation of the duration.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// UnmarshalText parses a TOML value into a duration value.
func (d *Duration) UnmarshalText(text []byte) error {
	// Ignore if there is no value set.
	if len(text) == 0 {
		return nil
	}

	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// MarshalText converts a duration to a string for encoding TOML.
func (d Duration) MarshalText() (text []byte, err error) {
	return []byte(d.String()), nil
}

// Config represents the configuration of one log and its service.
type Config struct {
	Topic      string `toml:"topic"`
	Signatures bool   `toml:"signatures"`
	Sequencing bool   `toml:"sequencing"`

	MinConnections     int      `toml:"min-connections"`
	MaxConnections     int      `toml:"max-connections"`
	MaxInboundStreams  int64    `toml:"max-inbound-streams"`
	MaxOutboundStreams int64    `toml:"max-outbound-streams"`
	SyncCooldownPeriod Duration `toml:"sync-cooldown-period"`
	SyncRetryLimit     int      `toml:"sync-retry-limit"`
	SyncRetryInterval  Duration `toml:"sync-retry-interval"`
	MaxSyncQueueSize   int      `toml:"max-sync-queue-size"`
	DialTimeout        Duration `toml:"dial-timeout"`
	RequestTimeout     Duration `toml:"request-timeout"`

	ListenAddrs    []string `toml:"listen-addrs"`
	BootstrapPeers []string `toml:"bootstrap-peers"`
}

// DefaultConfig returns a new instance of Config with defaults for topic.
// Signatures and sequencing are enabled.
func DefaultConfig(topic string) Config {
	return Config{
		Topic:              topic,
		Signatures:         true,
		Sequencing:         true,
		MinConnections:     DefaultMinConnections,
		MaxConnections:     DefaultMaxConnections,
		MaxInboundStreams:  DefaultMaxInboundStreams,
		MaxOutboundStreams: DefaultMaxOutboundStreams,
		SyncCooldownPeriod: DefaultSyncCooldownPeriod,
		SyncRetryLimit:     DefaultSyncRetryLimit,
		SyncRetryInterval:  DefaultSyncRetryInterval,
		MaxSyncQueueSize:   DefaultMaxSyncQueueSize,
		DialTimeout:        DefaultDialTimeout,
		RequestTimeout:     DefaultRequestTimeout,
	}
}

// Validate returns an error if the Config is invalid.
func (c *Config) Validate() error {
	if !topicPattern.MatchString(c.Topic) {
		return fmt.Errorf("invalid topic %q", c.Topic)
	}
	if c.MinConnections < 0 || c.MaxConnections < c.MinConnections {
		return fmt.Errorf("invalid connection bounds: min %d, max %d", c.MinConnections, c.MaxConnections)
	}
	if c.MaxInboundStreams <= 0 || c.MaxOutboundStreams <= 0 {
		return errors.New("stream limits must be positive")
	}
	if c.SyncRetryLimit <= 0 {
		return errors.New("sync-retry-limit must be positive")
	}
	if c.MaxSyncQueueSize <= 0 {
		return errors.New("max-sync-queue-size must be positive")
	}
	if c.SyncCooldownPeriod < 0 || c.SyncRetryInterval < 0 || c.DialTimeout < 0 || c.RequestTimeout < 0 {
		return errors.New("durations must not be negative")
	}
	for _, a := range c.ListenAddrs {
		if _, err := multiaddr.NewMultiaddr(a); err != nil {
			return fmt.Errorf("listen address %q: %w", a, err)
		}
	}
	if _, err := ParseBootstrapPeers(c.BootstrapPeers); err != nil {
		return err
	}
	return nil
}

// ParseConfig decodes a TOML document on top of the defaults for its topic.
func ParseConfig(data string) (Config, error) {
	c := DefaultConfig("")
	if _, err := toml.Decode(data, &c); err != nil {
		return Config{}, err
	}
	return c, c.Validate()
}

// LoadConfig reads and parses the TOML file at path.
func LoadConfig(path string) (Config, error) {
	c := DefaultConfig("")
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return Config{}, err
	}
	return c, c.Validate()
}
