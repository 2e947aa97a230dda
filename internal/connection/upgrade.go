package connection

import (
	"io"

	"go.uber.org/atomic"

	"example.com/h1core/internal/logger"
)

// BeginUpgrade reserves the connection for an upgrade. Exactly one call can
// succeed over the life of a connection; it moves the connection's slot to
// the upgraded ceiling and stops all request/response timeouts.
func (c *Connection) BeginUpgrade(upgradable bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.upgraded:
		return ErrUpgradeAlreadyInProgress
	case c.mode != Normal:
		return ErrConnectionClosed
	case !upgradable:
		return ErrRequestNotUpgradable
	}
	if !c.reg.moveToUpgraded(c) {
		c.log.Debug("Upgrade refused, upgraded connection limit reached", c.fields(logger.LogFields{
			"limit": c.opts.MaxConcurrentUpgradedConnections.String(),
		}))
		return ErrUpgradedConnectionLimitReached
	}
	c.setModeLocked(Upgrading)
	c.upgraded = true
	c.keepAlive = false
	c.control.Freeze()
	c.control.Inbound().Stop()
	c.control.Outbound().Stop()
	c.responseEnd.Store(-1)
	return nil
}

// CompleteUpgrade writes preamble (the switching response) and hands the
// connection over to raw duplex use. The returned stream reads and writes
// the connection's pipes directly; closing it ends the connection once the
// caller returns to the framing loop.
func (c *Connection) CompleteUpgrade(preamble []byte) (io.ReadWriteCloser, error) {
	c.mu.Lock()
	mode := c.mode
	c.mu.Unlock()
	if mode != Upgrading {
		if mode.terminating() {
			return nil, ErrConnectionClosed
		}
		return nil, ErrUpgradeAlreadyInProgress
	}
	if len(preamble) > 0 {
		if _, err := c.out.Write(c.aborted, preamble); err != nil {
			return nil, c.streamErr(err)
		}
	}

	c.mu.Lock()
	ok := c.setModeLocked(Upgraded)
	c.mu.Unlock()
	if !ok {
		return nil, ErrConnectionClosed
	}
	c.opts.Observer.ConnectionUpgraded()
	c.log.Debug("Connection upgraded", c.fields())
	return &upgradedStream{c: c}, nil
}

// RequestUpgrade is BeginUpgrade followed by CompleteUpgrade.
func (c *Connection) RequestUpgrade(upgradable bool, preamble []byte) (io.ReadWriteCloser, error) {
	if err := c.BeginUpgrade(upgradable); err != nil {
		return nil, err
	}
	return c.CompleteUpgrade(preamble)
}

type upgradedStream struct {
	c      *Connection
	closed atomic.Bool
}

func (s *upgradedStream) Read(b []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrConnectionClosed
	}
	if len(b) == 0 {
		return 0, nil
	}
	c := s.c
	res, err := c.in.Read(c.lifetime)
	if err != nil {
		return 0, c.streamErr(err)
	}
	if len(res.Data) == 0 && res.Completed {
		return 0, io.EOF
	}
	n := copy(b, res.Data)
	if err := c.in.Advance(n); err != nil {
		return 0, c.streamErr(err)
	}
	return n, nil
}

func (s *upgradedStream) Write(b []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrConnectionClosed
	}
	n, err := s.c.out.Write(s.c.lifetime, b)
	if err != nil {
		return n, s.c.streamErr(err)
	}
	return n, nil
}

// Close completes the outbound side; buffered data is still flushed.
func (s *upgradedStream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.c.DisableKeepAlive(GracefulClose)
	s.c.out.Complete()
	return nil
}
