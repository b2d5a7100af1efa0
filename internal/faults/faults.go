// Package faults defines the error taxonomy from spec.md §7: a small,
// bounded set of error kinds every fallible operation returns as a
// wrapped sentinel, plus a Retryable classifier the payment loop
// consults before retrying a hop payment.
package faults

import "errors"

// Error kinds, not error type names: callers match with errors.Is against
// these sentinels after wrapping with fmt.Errorf("...: %w", Err...).
var (
	// ErrConfig marks a malformed directive or a missing required field.
	// Fatal at startup.
	ErrConfig = errors.New("config error")

	// ErrControl marks a control-channel failure: auth failed, socket
	// closed, command timeout, or an unparseable reply. Fatal to the
	// current session.
	ErrControl = errors.New("control channel error")

	// ErrTimeout marks a bounded wait that elapsed without the expected
	// reply or event. Distinct from ErrControl so callers can decide to
	// retry a timeout without treating it as a dead session.
	ErrTimeout = errors.New("timeout")

	// ErrSelector marks relay-selection failure (no_candidate).
	ErrSelector = errors.New("no suitable relay candidate")

	// ErrBuild marks circuit construction failure (BUILD timeout or a
	// FAILED event).
	ErrBuild = errors.New("circuit build failed")

	// ErrCircuitClosed marks a CIRC CLOSED event on a circuit the client
	// was actively paying, with no surviving alternate circuit to fail
	// over to (spec.md §8 scenario 2: "Client observes CIRC CLOSED and
	// aborts").
	ErrCircuitClosed = errors.New("circuit closed by router")

	// ErrLightning is the umbrella for adapter-reported payment failures.
	// Use the specific LightningErr* sentinels via errors.Is for the
	// exact class.
	ErrLightning = errors.New("lightning payment error")

	// ErrProbe marks a reachability probe failure.
	ErrProbe = errors.New("bandwidth probe failed")

	// ErrProtocolViolation marks an unmatched settlement or a malformed
	// event: logged and ignored, never fatal.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrBothFailed marks both circuits unhealthy past the failover
	// grace window (spec.md §4.8 step 2).
	ErrBothFailed = errors.New("both circuits unhealthy")
)

// Lightning payment failure classes (spec.md §4.2, §7).
var (
	LightningErrInsufficientFunds = errors.New("insufficient funds")
	LightningErrRouteNotFound     = errors.New("route not found")
	LightningErrTimeout           = errors.New("lightning payment timeout")
	LightningErrBackendUnavail    = errors.New("lightning backend unavailable")
)

// Retryable reports whether err belongs to a class the caller may retry
// at most once in the same round/attempt, per spec.md §4.2 and §7.
// insufficient_funds is fatal to the run, so it is not retryable;
// route_not_found and timeout fail only the current round; backend
// unavailable triggers a reconnect with backoff at a layer above the
// single retry.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, LightningErrRouteNotFound):
		return true
	case errors.Is(err, LightningErrTimeout):
		return true
	case errors.Is(err, LightningErrBackendUnavail):
		return true
	case errors.Is(err, ErrTimeout):
		return true
	default:
		return false
	}
}

// Fatal reports whether err should abort the current run outright rather
// than degrade or retry.
func Fatal(err error) bool {
	switch {
	case errors.Is(err, LightningErrInsufficientFunds):
		return true
	case errors.Is(err, ErrConfig):
		return true
	case errors.Is(err, ErrControl):
		return true
	case errors.Is(err, ErrBothFailed):
		return true
	case errors.Is(err, ErrCircuitClosed):
		return true
	default:
		return false
	}
}
