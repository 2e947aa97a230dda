package connection

import "strconv"

// Ceiling caps how many connections may hold a slot at once. The zero value
// is unlimited; Limit(0) admits nothing.
type Ceiling struct {
	max int64
	set bool
}

// Unlimited admits any number of connections.
var Unlimited = Ceiling{}

// Limit returns a Ceiling admitting at most n connections. Negative n is
// treated as 0.
func Limit(n int64) Ceiling {
	if n < 0 {
		n = 0
	}
	return Ceiling{max: n, set: true}
}

// IsUnlimited reports whether c admits any number of connections.
func (c Ceiling) IsUnlimited() bool { return !c.set }

// Max returns the ceiling, or -1 when unlimited.
func (c Ceiling) Max() int64 {
	if !c.set {
		return -1
	}
	return c.max
}

func (c Ceiling) String() string {
	if !c.set {
		return "unlimited"
	}
	return strconv.FormatInt(c.max, 10)
}
