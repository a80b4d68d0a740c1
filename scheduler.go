package gossiplog

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	peer "github.com/libp2p/go-libp2p-core/peer"

	"github.com/libp2p/go-libp2p-gossiplog/treesync"
)

// syncFunc runs one sync attempt with a peer.
type syncFunc func(ctx context.Context, p peer.ID) error

// scheduler runs syncs with peers one at a time. Jobs for a peer already
// queued are coalesced, peers synced recently are skipped until their
// cooldown expires and failed attempts are retried with jittered backoff.
type scheduler struct {
	local peer.ID
	cfg   Config
	clock clock.Clock
	sync  syncFunc

	// onExhausted is called when a job ran out of attempts.
	onExhausted func(*ExceededRetryLimitError)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	queue    []peer.ID
	queued   map[peer.ID]struct{}
	lastSync map[peer.ID]time.Time
	wake     chan struct{}
	rand     *rand.Rand
	closed   bool
}

func newScheduler(local peer.ID, cfg Config, clk clock.Clock, fn syncFunc) *scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &scheduler{
		local:    local,
		cfg:      cfg,
		clock:    clk,
		sync:     fn,
		ctx:      ctx,
		cancel:   cancel,
		queued:   map[peer.ID]struct{}{},
		lastSync: map[peer.ID]time.Time{},
		wake:     make(chan struct{}, 1),
		rand:     rand.New(rand.NewSource(clk.Now().UnixNano())),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// schedule queues a sync with p. It returns nil without queueing when p is
// already queued or inside its cooldown window.
func (s *scheduler) schedule(p peer.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.queued[p]; ok {
		return nil
	}
	if last, ok := s.lastSync[p]; ok && s.clock.Now().Sub(last) < time.Duration(s.cfg.SyncCooldownPeriod) {
		logger.Debugf("%s: sync with %s skipped, cooling down", s.cfg.Topic, p)
		return nil
	}
	if len(s.queue) >= s.cfg.MaxSyncQueueSize {
		return ErrQueueFull
	}

	s.queue = append(s.queue, p)
	s.queued[p] = struct{}{}
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// drop removes a queued job for p, e.g. after it disconnected.
func (s *scheduler) drop(p peer.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queued[p]; !ok {
		return
	}
	delete(s.queued, p)
	for i, q := range s.queue {
		if q == p {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
}

func (s *scheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *scheduler) next() (peer.ID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return "", false
	}
	p := s.queue[0]
	s.queue = s.queue[1:]
	delete(s.queued, p)
	return p, true
}

func (s *scheduler) run() {
	defer s.wg.Done()
	for {
		p, ok := s.next()
		if !ok {
			select {
			case <-s.ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}
		s.runJob(p)
		if s.ctx.Err() != nil {
			return
		}
	}
}

func (s *scheduler) runJob(p peer.ID) {
	// Two peers that connect both try to sync with each other. The lower
	// id waits a little so the higher one usually goes first.
	if s.local < p {
		if !s.sleep(s.jitter(time.Duration(s.cfg.SyncRetryInterval))) {
			return
		}
	}

	var err error
	limit := s.cfg.SyncRetryLimit
	for attempt := 1; attempt <= limit; attempt++ {
		err = s.sync(s.ctx, p)
		if err == nil {
			s.mu.Lock()
			s.lastSync[p] = s.clock.Now()
			s.mu.Unlock()
			return
		}
		if s.ctx.Err() != nil {
			return
		}
		if !retryable(err) {
			logger.Warnw("sync failed", "topic", s.cfg.Topic, "peer", p, "attempt", attempt, "error", err)
			limit = attempt
			break
		}
		logger.Debugw("sync attempt failed", "topic", s.cfg.Topic, "peer", p, "attempt", attempt, "error", err)
		if attempt < limit {
			backoff := time.Duration(s.cfg.SyncRetryInterval) * time.Duration(attempt)
			if !s.sleep(s.jitter(backoff)) {
				return
			}
		}
	}

	exhausted := &ExceededRetryLimitError{Peer: p, Attempts: limit, Err: err}
	logger.Errorw("giving up sync", "topic", s.cfg.Topic, "peer", p, "error", exhausted)
	if s.onExhausted != nil {
		s.onExhausted(exhausted)
	}
}

// retryable is false for errors that point at a misbehaving peer rather
// than at a transient condition.
func retryable(err error) bool {
	var mismatch *treesync.HashMismatchError
	var corrupt *CorruptionError
	var invalidSig *InvalidSignatureError
	return !errors.As(err, &mismatch) && !errors.As(err, &corrupt) && !errors.As(err, &invalidSig) &&
		!errors.Is(err, ErrClosed)
}

// jitter returns a random duration in [d/2, 3d/2).
func (s *scheduler) jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return d/2 + time.Duration(s.rand.Int63n(int64(d)))
}

// sleep waits for d and reports false if the scheduler closed first.
func (s *scheduler) sleep(d time.Duration) bool {
	if d <= 0 {
		return s.ctx.Err() == nil
	}
	t := s.clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// close aborts the running job, clears the queue and waits for the worker.
func (s *scheduler) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.queued = map[peer.ID]struct{}{}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
