package hub

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const outboxShards = 8

type outboxOp struct {
	sessionID string
	name      string
	run       func(ctx context.Context) error
}

// outbox runs side effects (persistence, redis fan-out) off the hub lock.
// Operations for one session run in the order they were pushed.
type outbox struct {
	shards  []*outboxShard
	timeout time.Duration
	wg      sync.WaitGroup
	once    sync.Once
}

type outboxShard struct {
	mu     sync.Mutex
	ops    []outboxOp
	closed bool
	wake   chan struct{}
	stop   chan struct{}
}

func newOutbox(timeout time.Duration) *outbox {
	o := &outbox{
		shards:  make([]*outboxShard, outboxShards),
		timeout: timeout,
	}
	for i := range o.shards {
		s := &outboxShard{
			wake: make(chan struct{}, 1),
			stop: make(chan struct{}),
		}
		o.shards[i] = s
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			s.loop(timeout)
		}()
	}
	return o
}

func (o *outbox) push(sessionID, name string, run func(ctx context.Context) error) {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	s := o.shards[h.Sum32()%uint32(len(o.shards))]

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.ops = append(s.ops, outboxOp{sessionID: sessionID, name: name, run: run})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// close runs everything already queued and stops the workers.
func (o *outbox) close() {
	o.once.Do(func() {
		for _, s := range o.shards {
			s.mu.Lock()
			s.closed = true
			s.mu.Unlock()
			close(s.stop)
		}
	})
	o.wg.Wait()
}

func (s *outboxShard) loop(timeout time.Duration) {
	for {
		select {
		case <-s.wake:
			s.drain(timeout)
		case <-s.stop:
			s.drain(timeout)
			return
		}
	}
}

func (s *outboxShard) drain(timeout time.Duration) {
	for {
		s.mu.Lock()
		ops := s.ops
		s.ops = nil
		s.mu.Unlock()

		if len(ops) == 0 {
			return
		}
		for _, op := range ops {
			s.run(op, timeout)
		}
	}
}

func (s *outboxShard) run(op outboxOp, timeout time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("sessionId", op.sessionID).
				Str("op", op.name).
				Interface("panic", r).
				Msg("hub side effect panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := op.run(ctx); err != nil {
		log.Warn().
			Err(err).
			Str("sessionId", op.sessionID).
			Str("op", op.name).
			Msg("hub side effect failed")
	}
}
