package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"

	"example.com/h1core/internal/heartbeat"
	"example.com/h1core/internal/logger"
	"example.com/h1core/internal/transport"
)

const (
	shardCount = 16
	// forcedCloseWait bounds how long Drain waits for aborted connections to finish.
	forcedCloseWait = 5 * time.Second
)

// slotCounter is a lock-free ceiling.
type slotCounter struct {
	max Ceiling
	n   atomic.Int64
}

func (s *slotCounter) tryAcquire() bool {
	if s.max.IsUnlimited() {
		s.n.Inc()
		return true
	}
	limit := s.max.Max()
	for {
		cur := s.n.Load()
		if cur >= limit {
			return false
		}
		if s.n.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (s *slotCounter) release() { s.n.Dec() }

type shard struct {
	mu    sync.RWMutex
	conns map[uint64]*Connection
}

// Registry tracks every live connection, enforces the connection ceilings,
// and fans heartbeat ticks out to each connection's timeout control.
type Registry struct {
	opts Options

	shards   [shardCount]shard
	nextID   atomic.Uint64
	live     atomic.Int64
	normal   slotCounter
	upgraded slotCounter

	accepting atomic.Bool
	removed   chan struct{}
}

// NewRegistry creates an accepting Registry.
func NewRegistry(opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = heartbeat.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNopLogger()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	r := &Registry{
		opts:     opts,
		normal:   slotCounter{max: opts.MaxConcurrentConnections},
		upgraded: slotCounter{max: opts.MaxConcurrentUpgradedConnections},
		removed:  make(chan struct{}, 1),
	}
	for i := range r.shards {
		r.shards[i].conns = make(map[uint64]*Connection)
	}
	r.accepting.Store(true)
	return r
}

func (r *Registry) shardFor(id uint64) *shard { return &r.shards[id%shardCount] }

// Accept registers stream as a new connection and starts its pumps. It fails
// with ErrConnectionLimitReached at the ceiling and ErrNotAccepting while
// draining; the caller still owns stream in that case.
func (r *Registry) Accept(stream transport.Stream) (*Connection, error) {
	if !r.accepting.Load() {
		r.opts.Observer.ConnectionRejected()
		return nil, ErrNotAccepting
	}
	if !r.normal.tryAcquire() {
		r.opts.Observer.ConnectionRejected()
		r.opts.Logger.Debug("Connection rejected, limit reached", logger.LogFields{
			"limit": r.opts.MaxConcurrentConnections.String(),
		})
		return nil, ErrConnectionLimitReached
	}

	c := newConnection(r, r.nextID.Inc(), stream)
	c.slot = slotNormal
	sh := r.shardFor(c.id)
	sh.mu.Lock()
	sh.conns[c.id] = c
	sh.mu.Unlock()
	r.live.Inc()

	r.opts.Observer.ConnectionOpened()
	r.opts.Logger.Debug("Connection accepted", c.fields())
	c.start()

	// A drain that started between the check above and the insert missed us.
	if !r.accepting.Load() {
		c.CloseGracefully(ServerShutdown)
	}
	return c, nil
}

// moveToUpgraded moves c's slot from the normal to the upgraded ceiling. The
// caller holds c.mu.
func (r *Registry) moveToUpgraded(c *Connection) bool {
	if c.slot != slotNormal {
		return false
	}
	if !r.upgraded.tryAcquire() {
		return false
	}
	r.normal.release()
	c.slot = slotUpgraded
	return true
}

func (r *Registry) remove(c *Connection) {
	sh := r.shardFor(c.id)
	sh.mu.Lock()
	_, ok := sh.conns[c.id]
	delete(sh.conns, c.id)
	sh.mu.Unlock()
	if !ok {
		return
	}

	c.mu.Lock()
	switch c.slot {
	case slotNormal:
		r.normal.release()
	case slotUpgraded:
		r.upgraded.release()
	}
	c.slot = slotNone
	c.mu.Unlock()

	r.live.Dec()
	select {
	case r.removed <- struct{}{}:
	default:
	}
}

// Get returns the live connection with id.
func (r *Registry) Get(id uint64) (*Connection, bool) {
	sh := r.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	c, ok := sh.conns[id]
	return c, ok
}

// Len returns the number of live connections.
func (r *Registry) Len() int { return int(r.live.Load()) }

// Active returns the number of connections holding a normal slot.
func (r *Registry) Active() int64 { return r.normal.n.Load() }

// Upgraded returns the number of connections holding an upgraded slot.
func (r *Registry) Upgraded() int64 { return r.upgraded.n.Load() }

// Accepting reports whether new connections are accepted.
func (r *Registry) Accepting() bool { return r.accepting.Load() }

// Range calls fn for a snapshot of the live connections until fn returns false.
func (r *Registry) Range(fn func(*Connection) bool) {
	for i := range r.shards {
		for _, c := range r.snapshot(&r.shards[i]) {
			if !fn(c) {
				return
			}
		}
	}
}

func (r *Registry) snapshot(sh *shard) []*Connection {
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	out := make([]*Connection, 0, len(sh.conns))
	for _, c := range sh.conns {
		out = append(out, c)
	}
	return out
}

// OnHeartbeat evaluates every connection's timeouts at now. No shard lock is
// held while connections are ticked.
func (r *Registry) OnHeartbeat(now time.Time) {
	for i := range r.shards {
		for _, c := range r.snapshot(&r.shards[i]) {
			c.onHeartbeat(now)
		}
	}
}

// Drain stops accepting, closes idle connections, lets busy ones finish their
// current exchange, and aborts whatever is left when ctx is done.
func (r *Registry) Drain(ctx context.Context) error {
	r.accepting.Store(false)
	n := r.Len()
	r.opts.Logger.Info("Draining connections", logger.LogFields{"connections": n})
	r.Range(func(c *Connection) bool {
		c.CloseGracefully(ServerShutdown)
		return true
	})
	if err := r.waitEmpty(ctx); err == nil {
		return nil
	}

	r.opts.Logger.Warn("Drain deadline reached, aborting remaining connections", logger.LogFields{
		"connections": r.Len(),
	})
	r.Range(func(c *Connection) bool {
		c.Abort(AppShutdownTimeout, ctx.Err())
		return true
	})
	wctx, cancel := context.WithTimeout(context.Background(), forcedCloseWait)
	defer cancel()
	if err := r.waitEmpty(wctx); err != nil {
		return fmt.Errorf("%w: %d still open", ErrDrainIncomplete, r.Len())
	}
	return nil
}

func (r *Registry) waitEmpty(ctx context.Context) error {
	for r.live.Load() > 0 {
		select {
		case <-r.removed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

var _ heartbeat.Handler = (*Registry)(nil)
