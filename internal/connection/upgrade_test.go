package connection

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/h1core/internal/timeout"
)

func TestBeginUpgrade_ExactlyOneWinner(t *testing.T) {
	h := newHarness(t, Options{})
	c, _, _ := h.accept()

	const callers = 16
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = c.BeginUpgrade(true)
		}()
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
			continue
		}
		assert.ErrorIs(t, err, ErrUpgradeAlreadyInProgress)
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, Upgrading, c.Mode())
	assert.True(t, c.WasUpgraded())
	assert.False(t, c.KeepAliveAllowed())

	_, err := c.Write([]byte("HTTP/1.1 200 OK\r\n"))
	assert.ErrorIs(t, err, ErrResponseStreamWasUpgraded)
}

func TestBeginUpgrade_Refusals(t *testing.T) {
	h := newHarness(t, Options{})
	c, _, _ := h.accept()
	assert.ErrorIs(t, c.BeginUpgrade(false), ErrRequestNotUpgradable)
	assert.Equal(t, Normal, c.Mode())

	c.Abort(AbortedByApp, nil)
	assert.ErrorIs(t, c.BeginUpgrade(true), ErrConnectionClosed)
}

func TestUpgrade_FreezesTimeouts(t *testing.T) {
	h := newHarness(t, Options{
		RequestHeadersTimeout:  30 * time.Second,
		MinRequestBodyDataRate: mustRate(t, 100, 2*time.Second),
	})
	c, _, _ := h.accept()
	c.RequestStarted()
	c.StartRequestBody()
	require.NoError(t, c.BeginUpgrade(true))

	o, _ := c.Control().Armed()
	assert.Equal(t, timeout.NoObligation, o)
	assert.False(t, c.Control().Inbound().Active())
	c.Control().ArmKeepAlive(h.clock.Now(), time.Minute)
	o, _ = c.Control().Armed()
	assert.Equal(t, timeout.NoObligation, o, "frozen control ignores arming")

	h.tick(time.Minute)
	assert.Equal(t, Upgrading, c.Mode())
}

func TestUpgradedConnectionCeiling(t *testing.T) {
	h := newHarness(t, Options{MaxConcurrentUpgradedConnections: Limit(10)})

	var conns []*Connection
	for i := 0; i < 11; i++ {
		c, _, _ := h.accept()
		conns = append(conns, c)
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, conns[i].BeginUpgrade(true), "upgrade %d", i)
	}
	assert.ErrorIs(t, conns[10].BeginUpgrade(true), ErrUpgradedConnectionLimitReached)
	assert.Equal(t, Normal, conns[10].Mode(), "a refused upgrade leaves the connection usable")
	assert.False(t, conns[10].WasUpgraded())
	assert.Equal(t, int64(10), h.reg.Upgraded())
	assert.Equal(t, int64(1), h.reg.Active(), "upgraded connections leave the normal ceiling")

	conns[0].Abort(AbortedByApp, nil)
	conns[0].Finish()
	assert.Equal(t, int64(9), h.reg.Upgraded())
	require.NoError(t, conns[10].BeginUpgrade(true))
	assert.Equal(t, int64(10), h.reg.Upgraded())
	assert.Equal(t, int64(0), h.reg.Active())
}

func TestUpgradedConnectionCeiling_Zero(t *testing.T) {
	h := newHarness(t, Options{MaxConcurrentUpgradedConnections: Limit(0)})
	c, _, _ := h.accept()
	assert.ErrorIs(t, c.BeginUpgrade(true), ErrUpgradedConnectionLimitReached)
	assert.Equal(t, Normal, c.Mode())
	assert.Equal(t, int64(0), h.reg.Upgraded())
}

func TestCeiling(t *testing.T) {
	assert.True(t, Unlimited.IsUnlimited())
	assert.True(t, Options{}.MaxConcurrentUpgradedConnections.IsUnlimited(), "zero value is unlimited")
	assert.Equal(t, int64(-1), Unlimited.Max())
	assert.Equal(t, "unlimited", Unlimited.String())

	assert.False(t, Limit(0).IsUnlimited())
	assert.Equal(t, int64(0), Limit(0).Max())
	assert.Equal(t, int64(0), Limit(-3).Max())
	assert.Equal(t, "10", Limit(10).String())
}

func TestRequestUpgrade_DuplexDataFlow(t *testing.T) {
	h := newHarness(t, Options{})
	c, server, client := h.accept()

	preamble := "HTTP/1.1 101 Switching Protocols\r\nConnection: Upgrade\r\nUpgrade: echo\r\n\r\n"
	type result struct {
		stream io.ReadWriteCloser
		err    error
	}
	upgraded := make(chan result, 1)
	go func() {
		s, err := c.RequestUpgrade(true, []byte(preamble))
		upgraded <- result{s, err}
	}()

	buf := make([]byte, len(preamble))
	_, err := io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, preamble, string(buf))
	res := <-upgraded
	require.NoError(t, res.err)
	assert.Equal(t, Upgraded, c.Mode())

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)
	got := make([]byte, 4)
	_, err = io.ReadFull(res.stream, got)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got))

	go func() {
		_, _ = res.stream.Write([]byte("pong"))
		_ = res.stream.Close()
		c.Finish()
	}()
	rest, err := io.ReadAll(client)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(rest))

	waitDone(t, c)
	assert.Equal(t, GracefulClose, c.EndReason())
	assert.True(t, c.WasUpgraded())
	_, ok := server.WaitShutdown(waitFor)
	assert.True(t, ok)

	_, err = res.stream.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrConnectionClosed)
	_, err = c.CompleteUpgrade(nil)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}
