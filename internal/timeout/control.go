package timeout

import (
	"fmt"
	"sync"
	"time"
)

// Obligation is a time limit that can be armed on a connection.
type Obligation int

const (
	// NoObligation means nothing is armed.
	NoObligation Obligation = iota
	// KeepAlive limits how long an idle connection waits for the next request.
	KeepAlive
	// RequestHeaders limits how long the request line and headers may take to arrive.
	RequestHeaders
)

func (o Obligation) String() string {
	switch o {
	case NoObligation:
		return "none"
	case KeepAlive:
		return "keep-alive"
	case RequestHeaders:
		return "request-headers"
	default:
		return fmt.Sprintf("Obligation(%d)", int(o))
	}
}

// VerdictKind is the outcome of one Control.Tick.
type VerdictKind int

const (
	// Healthy means nothing expired.
	Healthy VerdictKind = iota
	// RateViolated means a RateMonitor fired; Verdict.Direction says which.
	RateViolated
	// KeepAliveExpired means the idle connection outlived its keep-alive timeout.
	KeepAliveExpired
	// RequestHeadersExpired means headers were not received in time.
	RequestHeadersExpired
)

func (k VerdictKind) String() string {
	switch k {
	case Healthy:
		return "healthy"
	case RateViolated:
		return "rate-violated"
	case KeepAliveExpired:
		return "keep-alive-expired"
	case RequestHeadersExpired:
		return "request-headers-expired"
	default:
		return fmt.Sprintf("VerdictKind(%d)", int(k))
	}
}

// Verdict is what a connection must act on after a heartbeat tick.
type Verdict struct {
	Kind      VerdictKind
	Direction Direction // only meaningful for RateViolated
}

// Control holds a connection's time based obligations: at most one armed
// timeout plus the inbound and outbound rate monitors.
type Control struct {
	mu       sync.Mutex
	armed    Obligation
	deadline time.Time
	frozen   bool

	in  *RateMonitor
	out *RateMonitor
}

// NewControl creates a Control with monitors for the given rates (either may be nil).
func NewControl(inbound, outbound *MinDataRate) *Control {
	return &Control{
		in:  NewRateMonitor(Inbound, inbound),
		out: NewRateMonitor(Outbound, outbound),
	}
}

// Inbound returns the request body rate monitor.
func (c *Control) Inbound() *RateMonitor { return c.in }

// Outbound returns the response data rate monitor.
func (c *Control) Outbound() *RateMonitor { return c.out }

// ArmKeepAlive arms the keep-alive obligation, replacing whatever was armed.
// A non-positive d disarms instead.
func (c *Control) ArmKeepAlive(now time.Time, d time.Duration) {
	c.arm(KeepAlive, now, d)
}

// ArmRequestHeaders arms the request-headers obligation, replacing whatever was armed.
// A non-positive d disarms instead.
func (c *Control) ArmRequestHeaders(now time.Time, d time.Duration) {
	c.arm(RequestHeaders, now, d)
}

func (c *Control) arm(o Obligation, now time.Time, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return
	}
	if d <= 0 {
		c.armed = NoObligation
		c.deadline = time.Time{}
		return
	}
	c.armed = o
	c.deadline = now.Add(d)
}

// Disarm clears the armed obligation.
func (c *Control) Disarm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armed = NoObligation
	c.deadline = time.Time{}
}

// Freeze disarms and permanently refuses further arming. Used once a
// connection leaves request/response framing.
func (c *Control) Freeze() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frozen = true
	c.armed = NoObligation
	c.deadline = time.Time{}
}

// Armed returns the armed obligation and its deadline.
func (c *Control) Armed() (Obligation, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed, c.deadline
}

// Tick feeds now to the rate monitors and then checks the armed obligation.
// A rate violation takes precedence. The outbound monitor is only ticked when
// the inbound one did not fire, so each violation is consumed by the tick that
// reports it. An expired obligation is disarmed so it is reported once.
func (c *Control) Tick(now time.Time) Verdict {
	if c.in.OnTick(now) {
		return Verdict{Kind: RateViolated, Direction: Inbound}
	}
	if c.out.OnTick(now) {
		return Verdict{Kind: RateViolated, Direction: Outbound}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.armed == NoObligation || !now.After(c.deadline) {
		return Verdict{Kind: Healthy}
	}
	expired := c.armed
	c.armed = NoObligation
	c.deadline = time.Time{}
	if expired == KeepAlive {
		return Verdict{Kind: KeepAliveExpired}
	}
	return Verdict{Kind: RequestHeadersExpired}
}
