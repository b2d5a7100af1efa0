// Package lightning implements the uniform capability surface over
// heterogeneous Lightning backends described in spec.md §4.2 (C2): an
// Adapter that translates a 32-byte payment identifier into whatever
// carrier field the backend variant uses (a payer-note for offer-based
// backends, a payment hash for invoice-based ones), and that surfaces the
// bounded error classes of spec.md §7 rather than raw backend errors.
package lightning

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"github.com/paidcircuit/paidcircuitd/internal/faults"
)

// Settlement is one incoming Lightning payment observed by a relay's
// SubscribeIncoming stream.
type Settlement struct {
	AmountMsats  uint64
	Note         string // payer-note carrier, hex-encoded 32-byte identifier, offer-based backends
	PaymentHash  string // payment-hash carrier, invoice-based backends
	SettlementID string
	ReceivedAt   time.Time
}

// Identifier extracts the 32-byte payment identifier this settlement
// carries, from whichever field the backend populated. Returns false if
// neither field decodes to exactly 32 bytes (spec.md §4.10: unmatched
// settlements are logged and ignored, not treated as a protocol error).
func (s Settlement) Identifier() ([32]byte, bool) {
	if id, ok := decodeIdentifier(s.Note); ok {
		return id, true
	}
	return decodeIdentifier(s.PaymentHash)
}

func decodeIdentifier(hexStr string) ([32]byte, bool) {
	var id [32]byte
	b, err := hex.DecodeString(hexStr)
	if err != nil || len(b) != 32 {
		return id, false
	}
	copy(id[:], b)
	return id, true
}

// EncodeIdentifier is the wire encoding (hex) of a 32-byte payment
// identifier used as a payer-note or looked up as a payment hash.
func EncodeIdentifier(id [32]byte) string {
	return hex.EncodeToString(id[:])
}

// Adapter is the capability set spec.md §4.2 requires: offer creation
// (relay only), a payment carrying a 32-byte identifier, a subscription
// to incoming settlements (relay), and an outgoing-payment listing used
// for client-side idempotence checks.
type Adapter interface {
	// CreateOffer returns a fresh reusable BOLT-12-style offer string.
	// Relay-only; client adapters may return ErrUnsupported.
	CreateOffer(ctx context.Context) (string, error)

	// Pay settles amountMsats against offer, carrying id in whichever
	// field this backend variant uses, and returns a backend settlement
	// id. Errors are one of the Lightning error classes in
	// internal/faults.
	Pay(ctx context.Context, offer string, amountMsats uint64, id [32]byte) (settlementID string, err error)

	// SubscribeIncoming streams settlements as they arrive. The channel
	// is closed when ctx is canceled or the backend connection ends.
	SubscribeIncoming(ctx context.Context) (<-chan Settlement, error)

	// ListOutgoing returns payments made since the given time, for the
	// client's own idempotence check against a payment it may have
	// retried.
	ListOutgoing(ctx context.Context, since time.Time) ([]Settlement, error)
}

// ErrUnsupported marks a capability a given backend variant does not
// implement (e.g. CreateOffer on a client-only adapter).
var ErrUnsupported = errors.New("capability not supported by this backend")

// classifyPayError maps a raw backend error into one of the bounded
// Lightning error classes from spec.md §4.2/§7.
func classifyPayError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, errInsufficientFunds):
		return errWrap(faults.LightningErrInsufficientFunds, err)
	case errors.Is(err, errRouteNotFound):
		return errWrap(faults.LightningErrRouteNotFound, err)
	case errors.Is(err, context.DeadlineExceeded):
		return errWrap(faults.LightningErrTimeout, err)
	default:
		return errWrap(faults.LightningErrBackendUnavail, err)
	}
}

var (
	errInsufficientFunds = errors.New("insufficient_funds")
	errRouteNotFound     = errors.New("route_not_found")
)

func errWrap(sentinel, cause error) error {
	return &wrappedErr{sentinel: sentinel, cause: cause}
}

type wrappedErr struct {
	sentinel error
	cause    error
}

func (e *wrappedErr) Error() string { return e.sentinel.Error() + ": " + e.cause.Error() }
func (e *wrappedErr) Unwrap() []error { return []error{e.sentinel, faults.ErrLightning, e.cause} }
