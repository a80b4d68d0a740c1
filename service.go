package gossiplog

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	event "github.com/libp2p/go-libp2p-core/event"
	host "github.com/libp2p/go-libp2p-core/host"
	network "github.com/libp2p/go-libp2p-core/network"
	peer "github.com/libp2p/go-libp2p-core/peer"
	protocol "github.com/libp2p/go-libp2p-core/protocol"
	gostream "github.com/libp2p/go-libp2p-gostream"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"

	"github.com/libp2p/go-libp2p-gossiplog/treesync"
)

const (
	// bootstrapInterval is how often the connected peer count is checked
	// against MinConnections.
	bootstrapInterval = 30 * time.Second

	connTag = "gossiplog"
)

// SyncProtocol returns the protocol of the sync channel of topic.
func SyncProtocol(topic string) protocol.ID {
	return protocol.ID("/gossiplog/" + topic + "/sync/1.0.0")
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithClock replaces the clock driving cooldowns, backoff and bootstrap.
func WithClock(clk clock.Clock) ServiceOption {
	return func(s *Service) {
		s.clock = clk
	}
}

// Service replicates a MessageLog over libp2p. It pushes locally appended
// records to every connected peer, answers sync requests and schedules
// syncs with peers that are ahead.
type Service struct {
	host      host.Host
	log       *MessageLog
	cfg       Config
	clock     clock.Clock
	peers     *peerSet
	sched     *scheduler
	bootstrap []peer.AddrInfo

	inbound  *semaphore.Weighted
	outbound *semaphore.Weighted

	listener net.Listener
	notifee  *network.NotifyBundle
	sub      event.Subscription

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
	closed  bool
}

// NewService starts replicating l over h with the configuration l was
// opened with.
func NewService(h host.Host, l *MessageLog, opts ...ServiceOption) (*Service, error) {
	cfg := l.cfg
	bootstrap, err := ParseBootstrapPeers(cfg.BootstrapPeers)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		host:      h,
		log:       l,
		cfg:       cfg,
		clock:     clock.New(),
		peers:     newPeerSet(cfg.MaxConnections),
		bootstrap: bootstrap,
		inbound:   semaphore.NewWeighted(cfg.MaxInboundStreams),
		outbound:  semaphore.NewWeighted(cfg.MaxOutboundStreams),
		ctx:       ctx,
		cancel:    cancel,
		conns:     map[net.Conn]struct{}{},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.sub, err = l.EventBus().Subscribe(new(EvtMessage))
	if err != nil {
		cancel()
		return nil, err
	}
	s.listener, err = gostream.Listen(h, SyncProtocol(cfg.Topic))
	if err != nil {
		cancel()
		s.sub.Close()
		return nil, err
	}
	h.SetStreamHandler(PushProtocol(cfg.Topic), s.handlePush)

	s.sched = newScheduler(h.ID(), cfg, s.clock, s.syncWith)
	s.sched.onExhausted = func(e *ExceededRetryLimitError) {
		s.log.emit(s.log.emitSync, EvtSync{Peer: e.Peer, Err: e})
	}

	s.notifee = &network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			go s.connected(c.RemotePeer())
		},
		DisconnectedF: func(n network.Network, c network.Conn) {
			if n.Connectedness(c.RemotePeer()) != network.Connected {
				s.disconnected(c.RemotePeer())
			}
		},
	}
	h.Network().Notify(s.notifee)

	s.wg.Add(3)
	go s.acceptLoop()
	go s.forwardLoop()
	go s.bootstrapLoop()

	for _, p := range h.Network().Peers() {
		go s.connected(p)
	}
	logger.Infof("%s: service started on %s", cfg.Topic, h.ID())
	return s, nil
}

// Peers returns the connected peers taking part in the topic.
func (s *Service) Peers() []peer.ID {
	return s.peers.list()
}

// Sync pulls from p right away, bypassing the scheduler.
func (s *Service) Sync(ctx context.Context, p peer.ID) (*SyncResult, error) {
	return s.pull(ctx, p)
}

func (s *Service) dialTimeout() time.Duration {
	if s.cfg.DialTimeout <= 0 {
		return time.Duration(DefaultDialTimeout)
	}
	return time.Duration(s.cfg.DialTimeout)
}

func (s *Service) connected(p peer.ID) {
	if p == s.host.ID() || !s.peers.add(p) {
		return
	}
	logger.Debugf("%s: connected to %s", s.cfg.Topic, p)

	s.scheduleSync(p)
	if err := s.sendPush(s.ctx, p, updateMessage(s.log.Heads())); err != nil {
		logger.Debugf("%s: sending heads to %s: %s", s.cfg.Topic, p, err)
	}
}

func (s *Service) disconnected(p peer.ID) {
	if !s.peers.remove(p) {
		return
	}
	logger.Debugf("%s: disconnected from %s", s.cfg.Topic, p)
	s.sched.drop(p)
	s.host.ConnManager().UntagPeer(p, connTag)
}

func (s *Service) scheduleSync(p peer.ID) {
	if err := s.sched.schedule(p); err != nil && !errors.Is(err, ErrClosed) {
		logger.Warnf("%s: scheduling sync with %s: %s", s.cfg.Topic, p, err)
	}
}

// syncWith is the scheduler's sync attempt.
func (s *Service) syncWith(ctx context.Context, p peer.ID) error {
	_, err := s.pull(ctx, p)
	return err
}

func (s *Service) pull(ctx context.Context, p peer.ID) (*SyncResult, error) {
	if err := s.outbound.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.outbound.Release(1)

	dctx, cancel := context.WithTimeout(ctx, s.dialTimeout())
	conn, err := gostream.Dial(dctx, s.host, p, SyncProtocol(s.cfg.Topic))
	cancel()
	if err != nil {
		return nil, &SyncError{Peer: p, Err: err}
	}
	if !s.track(conn) {
		conn.Close()
		return nil, ErrClosed
	}
	defer s.untrack(conn)

	client := treesync.NewClient(conn, treesync.WithRequestTimeout(time.Duration(s.cfg.RequestTimeout)))
	defer client.Close()

	start := time.Now()
	res, err := s.log.Sync(ctx, client)
	evt := EvtSync{Peer: p, Err: err}
	if res != nil {
		evt.Root, evt.Messages = res.Root, res.Messages
	}
	s.log.emit(s.log.emitSync, evt)
	if err != nil {
		return res, &SyncError{Peer: p, Err: err}
	}

	s.host.ConnManager().TagPeer(p, connTag, 10)
	logger.Infow("synced", "topic", s.cfg.Topic, "peer", p, "messages", res.Messages, "root", res.Root, "took", time.Since(start))
	return res, nil
}

func (s *Service) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() == nil {
				logger.Errorf("%s: accepting sync stream: %s", s.cfg.Topic, err)
			}
			return
		}
		if !s.inbound.TryAcquire(1) {
			logger.Warnf("%s: too many inbound sync streams, refusing %s", s.cfg.Topic, conn.RemoteAddr())
			conn.Close()
			continue
		}
		if !s.track(conn) {
			s.inbound.Release(1)
			conn.Close()
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.inbound.Release(1)
			defer s.untrack(conn)
			err := s.log.Serve(s.ctx, func(src treesync.Source) error {
				return treesync.NewServer(conn, src).Serve(s.ctx)
			})
			if err != nil && s.ctx.Err() == nil {
				logger.Debugf("%s: serving sync to %s: %s", s.cfg.Topic, conn.RemoteAddr(), err)
			}
		}()
	}
}

// forwardLoop pushes every locally appended record to the connected peers.
func (s *Service) forwardLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case e, ok := <-s.sub.Out():
			if !ok {
				return
			}
			evt := e.(EvtMessage)
			if !evt.Local {
				continue
			}
			_, value, err := EncodeMessage(evt.Signature, evt.Message)
			if err != nil {
				logger.Errorf("%s: encoding %s: %s", s.cfg.Topic, evt.ID, err)
				continue
			}
			m := insertMessage(evt.ID.Bytes(), value)
			for _, p := range s.peers.list() {
				p := p
				s.wg.Add(1)
				go func() {
					defer s.wg.Done()
					if err := s.sendPush(s.ctx, p, m); err != nil {
						logger.Debugf("%s: pushing %s to %s: %s", s.cfg.Topic, evt.ID, p, err)
					}
				}()
			}
		}
	}
}

// bootstrapLoop dials bootstrap peers while fewer than MinConnections
// peers are connected.
func (s *Service) bootstrapLoop() {
	defer s.wg.Done()
	if len(s.bootstrap) == 0 {
		return
	}
	t := s.clock.Ticker(bootstrapInterval)
	defer t.Stop()
	for {
		s.dialBootstrap()
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (s *Service) dialBootstrap() {
	if s.peers.len() >= s.cfg.MinConnections {
		return
	}
	for _, info := range s.bootstrap {
		if info.ID == s.host.ID() || s.host.Network().Connectedness(info.ID) == network.Connected {
			continue
		}
		ctx, cancel := context.WithTimeout(s.ctx, s.dialTimeout())
		err := s.host.Connect(ctx, info)
		cancel()
		if err != nil {
			logger.Debugf("%s: dialing bootstrap peer %s: %s", s.cfg.Topic, info.ID, err)
			continue
		}
		s.host.ConnManager().TagPeer(info.ID, connTag+"-bootstrap", 50)
		if s.peers.len() >= s.cfg.MinConnections {
			return
		}
	}
}

func (s *Service) track(c net.Conn) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Service) untrack(c net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, c)
	c.Close()
}

// Close stops the service: queued syncs are dropped and in-flight sync
// streams are aborted. The log and the host stay open.
func (s *Service) Close() error {
	s.connsMu.Lock()
	if s.closed {
		s.connsMu.Unlock()
		return nil
	}
	s.closed = true
	conns := s.conns
	s.conns = map[net.Conn]struct{}{}
	s.connsMu.Unlock()

	s.cancel()
	s.host.Network().StopNotify(s.notifee)
	s.host.RemoveStreamHandler(PushProtocol(s.cfg.Topic))

	var err error
	err = multierr.Append(err, s.listener.Close())
	for c := range conns {
		c.Close()
	}
	s.sched.close()
	err = multierr.Append(err, s.sub.Close())
	s.wg.Wait()
	logger.Infof("%s: service stopped", s.cfg.Topic)
	return err
}

// ListenAddrs returns the full addresses, /p2p component included, other
// peers can reach this service at.
func (s *Service) ListenAddrs() ([]multiaddr.Multiaddr, error) {
	return peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: s.host.ID(), Addrs: s.host.Addrs()})
}
