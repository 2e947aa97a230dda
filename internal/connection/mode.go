package connection

import "fmt"

// Mode is the connection's position in its lifecycle.
type Mode int

const (
	// Normal: framed request/response exchanges.
	Normal Mode = iota
	// Upgrading: an upgrade was accepted and the switch response is being written.
	Upgrading
	// Upgraded: raw duplex bytes, no framing.
	Upgraded
	// Closing: a terminal trigger fired; structured writes are no-ops.
	Closing
	// Closed: the transport is released and the registry slot freed.
	Closed
)

func (m Mode) String() string {
	switch m {
	case Normal:
		return "normal"
	case Upgrading:
		return "upgrading"
	case Upgraded:
		return "upgraded"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// transitions is the only place legal mode changes are listed.
var transitions = map[Mode][]Mode{
	Normal:    {Upgrading, Closing},
	Upgrading: {Upgraded, Closing},
	Upgraded:  {Closing},
	Closing:   {Closed},
	Closed:    nil,
}

func canTransition(from, to Mode) bool {
	for _, m := range transitions[from] {
		if m == to {
			return true
		}
	}
	return false
}

// terminating reports whether m is past the point of accepting work.
func (m Mode) terminating() bool { return m == Closing || m == Closed }
