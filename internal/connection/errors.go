package connection

import (
	"errors"
	"fmt"
)

var (
	// ErrUpgradeAlreadyInProgress is returned when an upgrade is requested twice.
	ErrUpgradeAlreadyInProgress = errors.New("connection: upgrade already in progress")
	// ErrRequestNotUpgradable is returned when the current request cannot be upgraded.
	ErrRequestNotUpgradable = errors.New("connection: request is not upgradable")
	// ErrUpgradedConnectionLimitReached is returned when the upgraded connection ceiling is reached.
	ErrUpgradedConnectionLimitReached = errors.New("connection: upgraded connection limit reached")
	// ErrConnectionLimitReached is returned by Registry.Accept when the connection ceiling is reached.
	ErrConnectionLimitReached = errors.New("connection: connection limit reached")
	// ErrResponseStreamWasUpgraded is returned by structured response writes after an upgrade.
	ErrResponseStreamWasUpgraded = errors.New("connection: response stream was upgraded")
	// ErrConnectionClosed is returned for operations on a closing or closed connection.
	ErrConnectionClosed = errors.New("connection: connection is closed")
	// ErrNotAccepting is returned by Registry.Accept while draining.
	ErrNotAccepting = errors.New("connection: registry is draining and not accepting connections")
	// ErrDrainIncomplete is returned by Drain when connections outlive the forced close.
	ErrDrainIncomplete = errors.New("connection: connections remained after drain")
)

// Error is the reason a connection was aborted. It is the error every pipe
// operation fails with after an abort, and it unwraps to the triggering cause.
type Error struct {
	ConnID uint64
	Reason EndReason
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connection %d aborted (%s): %v", e.ConnID, e.Reason, e.Cause)
	}
	return fmt.Sprintf("connection %d aborted (%s)", e.ConnID, e.Reason)
}

func (e *Error) Unwrap() error { return e.Cause }

// ReasonOf extracts the EndReason from an error produced by an aborted connection.
func ReasonOf(err error) (EndReason, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Reason, true
	}
	return NoReason, false
}
