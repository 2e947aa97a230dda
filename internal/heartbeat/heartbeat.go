package heartbeat

import (
	"sync"
	"time"

	"go.uber.org/atomic"

	"example.com/h1core/internal/logger"
)

// DefaultInterval is the tick period used when none is configured.
const DefaultInterval = time.Second

// Handler is notified on every heartbeat tick. OnHeartbeat must not block on I/O.
type Handler interface {
	OnHeartbeat(now time.Time)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(now time.Time)

func (f HandlerFunc) OnHeartbeat(now time.Time) { f(now) }

// Options configures a Heartbeat.
type Options struct {
	Clock    Clock         // defaults to SystemClock
	Interval time.Duration // defaults to DefaultInterval
	Logger   *logger.Logger
	// Observe, if set, receives how long each tick took.
	Observe func(time.Duration)
}

// Heartbeat drives every registered Handler from one periodic tick. A tick
// that is still running when the next one is due causes that next one to be
// skipped and reported as slow.
type Heartbeat struct {
	clock    Clock
	interval time.Duration
	log      *logger.Logger
	observe  func(time.Duration)

	handlers []Handler

	running atomic.Bool // a tick is in progress
	started atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	stopped sync.Once
}

// New creates a stopped Heartbeat.
func New(opts Options, handlers ...Handler) *Heartbeat {
	h := &Heartbeat{
		clock:    opts.Clock,
		interval: opts.Interval,
		log:      opts.Logger,
		observe:  opts.Observe,
		handlers: append([]Handler(nil), handlers...),
		stopCh:   make(chan struct{}),
	}
	if h.clock == nil {
		h.clock = SystemClock{}
	}
	if h.interval <= 0 {
		h.interval = DefaultInterval
	}
	if h.log == nil {
		h.log = logger.NewNopLogger()
	}
	return h
}

// Interval returns the tick period.
func (h *Heartbeat) Interval() time.Duration { return h.interval }

// Start launches the ticker goroutine. Calling Start twice is a no-op.
func (h *Heartbeat) Start() {
	if !h.started.CompareAndSwap(false, true) {
		return
	}
	h.wg.Add(1)
	go h.loop()
}

func (h *Heartbeat) loop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			if !h.running.CompareAndSwap(false, true) {
				h.log.Warn("Heartbeat slow, skipping tick", logger.LogFields{"interval": h.interval.String()})
				continue
			}
			h.wg.Add(1)
			go func() {
				defer h.wg.Done()
				defer h.running.Store(false)
				h.tick()
			}()
		}
	}
}

// Tick runs one heartbeat synchronously. It returns false, doing nothing,
// if another tick is still in progress.
func (h *Heartbeat) Tick() bool {
	if !h.running.CompareAndSwap(false, true) {
		return false
	}
	defer h.running.Store(false)
	h.tick()
	return true
}

func (h *Heartbeat) tick() {
	start := time.Now()
	now := h.clock.Now()

	for _, handler := range h.handlers {
		h.safeCall(handler, now)
	}

	took := time.Since(start)
	if h.observe != nil {
		h.observe(took)
	}
	if took > h.interval {
		h.log.Warn("Heartbeat took longer than its interval", logger.LogFields{
			"duration_ms": took.Milliseconds(),
			"interval":    h.interval.String(),
		})
	}
}

func (h *Heartbeat) safeCall(handler Handler, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("Heartbeat handler panicked", logger.LogFields{"panic": r})
		}
	}()
	handler.OnHeartbeat(now)
}

// Stop halts the ticker and waits for an in-flight tick to finish.
func (h *Heartbeat) Stop() {
	h.stopped.Do(func() { close(h.stopCh) })
	h.wg.Wait()
}
