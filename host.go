package gossiplog

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p"
	connmgr "github.com/libp2p/go-libp2p-connmgr"
	host "github.com/libp2p/go-libp2p-core/host"
)

// connGracePeriod protects new connections from being trimmed.
const connGracePeriod = time.Minute

// NewHost builds a libp2p host for cfg: it listens on cfg.ListenAddrs and
// keeps between MinConnections and MaxConnections open. opts are applied
// last and may override either.
func NewHost(ctx context.Context, cfg Config, opts ...libp2p.Option) (host.Host, error) {
	cm := connmgr.NewConnManager(cfg.MinConnections, cfg.MaxConnections, connGracePeriod)
	base := []libp2p.Option{libp2p.ConnectionManager(cm)}
	if len(cfg.ListenAddrs) > 0 {
		base = append(base, libp2p.ListenAddrStrings(cfg.ListenAddrs...))
	}
	return libp2p.New(ctx, append(base, opts...)...)
}
