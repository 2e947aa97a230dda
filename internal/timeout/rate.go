package timeout

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// ErrMonitorActive is returned by SetRate once accounting has started.
var ErrMonitorActive = errors.New("timeout: data rate cannot be changed after accounting has started")

// MinDataRate is a throughput floor with a grace period during which falling
// below it is tolerated. A nil *MinDataRate means "disabled".
type MinDataRate struct {
	BytesPerSecond float64
	GracePeriod    time.Duration
}

// NewMinDataRate validates and returns a MinDataRate. The grace period must be
// longer than the heartbeat interval, otherwise a single late tick would be
// enough to abort a healthy connection.
func NewMinDataRate(bytesPerSecond float64, grace, heartbeatInterval time.Duration) (*MinDataRate, error) {
	if bytesPerSecond <= 0 || math.IsNaN(bytesPerSecond) || math.IsInf(bytesPerSecond, 0) {
		return nil, fmt.Errorf("bytes per second must be a positive number, got %v", bytesPerSecond)
	}
	if grace <= heartbeatInterval {
		return nil, fmt.Errorf("grace period %v must be greater than the heartbeat interval %v", grace, heartbeatInterval)
	}
	return &MinDataRate{BytesPerSecond: bytesPerSecond, GracePeriod: grace}, nil
}

func (r *MinDataRate) String() string {
	if r == nil {
		return "disabled"
	}
	return fmt.Sprintf("%gB/s (grace %v)", r.BytesPerSecond, r.GracePeriod)
}

// Direction identifies which half of a connection a RateMonitor watches.
type Direction int

const (
	// Inbound is request body reception.
	Inbound Direction = iota
	// Outbound is response body transmission.
	Outbound
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// RateMonitor measures throughput in one direction against a MinDataRate.
//
// Bytes are counted from Start until Stop. On every heartbeat tick the bytes
// received since the last satisfied tick are compared with what the rate
// requires over the same (unpaused) time. A satisfied tick resets the grace
// period; an unsatisfied one spends it. When the grace period is used up the
// monitor reports a violation exactly once and stops accounting.
type RateMonitor struct {
	mu sync.Mutex

	dir  Direction
	rate *MinDataRate

	started  bool
	paused   bool
	violated bool

	lastTick      time.Time
	windowBytes   int64
	windowElapsed time.Duration
	graceLeft     time.Duration

	total int64 // bytes counted over the monitor's lifetime
}

// NewRateMonitor creates a monitor for dir. rate may be nil.
func NewRateMonitor(dir Direction, rate *MinDataRate) *RateMonitor {
	return &RateMonitor{dir: dir, rate: rate}
}

// Direction returns the direction the monitor watches.
func (m *RateMonitor) Direction() Direction { return m.dir }

// Rate returns the configured rate, nil if disabled.
func (m *RateMonitor) Rate() *MinDataRate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rate
}

// SetRate replaces the configured rate. It fails once Start has been called
// for the current phase.
func (m *RateMonitor) SetRate(rate *MinDataRate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrMonitorActive
	}
	m.rate = rate
	return nil
}

// Start begins accounting at now. Calling Start while already started is a no-op.
func (m *RateMonitor) Start(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.violated {
		return
	}
	m.started = true
	m.paused = false
	m.lastTick = now
	m.resetWindowLocked()
}

// Stop ends accounting for the current phase.
func (m *RateMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = false
	m.paused = false
}

// SetPaused suspends or resumes time accounting without stopping the phase.
// Paused time is not held against the peer; this is used while the server
// itself is the reason no bytes move (e.g. buffers full).
func (m *RateMonitor) SetPaused(paused bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = paused
}

// OnBytesTransferred records n bytes moved in the monitored direction.
func (m *RateMonitor) OnBytesTransferred(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total += int64(n)
	if m.started && !m.violated {
		m.windowBytes += int64(n)
	}
}

// OnTick evaluates the rate at now and reports whether the monitor has just
// been violated. It returns true at most once over the monitor's lifetime.
func (m *RateMonitor) OnTick(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rate == nil || !m.started || m.violated {
		return false
	}
	elapsed := now.Sub(m.lastTick)
	m.lastTick = now
	if elapsed <= 0 || m.paused {
		return false
	}

	m.windowElapsed += elapsed
	required := int64(math.Ceil(m.rate.BytesPerSecond * m.windowElapsed.Seconds()))
	if m.windowBytes >= required {
		m.resetWindowLocked()
		return false
	}

	m.graceLeft -= elapsed
	if m.graceLeft <= 0 {
		m.violated = true
		m.started = false
		return true
	}
	return false
}

func (m *RateMonitor) resetWindowLocked() {
	m.windowBytes = 0
	m.windowElapsed = 0
	if m.rate != nil {
		m.graceLeft = m.rate.GracePeriod
	}
}

// Violated reports whether the monitor has fired.
func (m *RateMonitor) Violated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.violated
}

// Active reports whether the monitor is currently accounting.
func (m *RateMonitor) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// Total returns the bytes counted over the monitor's lifetime.
func (m *RateMonitor) Total() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}
