// Package pcp holds the wire-independent data model shared by every
// component of the paid circuit protocol: relay descriptors, selected
// hops, circuit records, and ledger rows. See spec.md §3.
package pcp

import "time"

// Role identifies a relay's position in a circuit, or the role a built
// circuit plays in the client's dual-circuit round robin.
type Role string

const (
	RoleGuard  Role = "guard"
	RoleMiddle Role = "middle"
	RoleExit   Role = "exit"

	RolePrimary Role = "primary"
	RoleBackup  Role = "backup"
)

// CircuitState is the lifecycle state of a circuit record, per spec.md §3.
type CircuitState string

const (
	CircuitLaunched CircuitState = "launched"
	CircuitBuilding CircuitState = "building"
	CircuitBuilt    CircuitState = "built"
	CircuitFailed   CircuitState = "failed"
	CircuitClosed   CircuitState = "closed"
)

// MaxRounds is the protocol limit: the onion cell carries exactly K
// payment identifiers per hop, and K can never exceed this.
const MaxRounds = 10

// IdentitySelf is the sentinel relay_fingerprint used for a relay's own
// ledger rows (the relay is not paying itself).
const IdentitySelf = "me"

// Relay is an immutable descriptor for one router in the consensus cache.
// It is immutable per descriptor refresh: a new refresh produces a new
// Relay value rather than mutating one in place.
type Relay struct {
	Fingerprint string
	Nickname    string
	Roles       []Role

	// PaymentBolt12Offer is the relay's static offer, when advertised
	// directly. PaymentBolt12Bip353 is a DNS name that resolves to one
	// (see internal/lightning). Exactly one of them is expected to be
	// set for a relay that charges anything.
	PaymentBolt12Offer  string
	PaymentBolt12Bip353 string

	// RateMsats is the per-round charge; zero is a valid, free relay
	// (spec.md §9 Open Questions).
	RateMsats      uint64
	IntervalSecs   uint32
	MaxRounds      uint32
	HandshakeFeeMs uint64
}

// TotalFee is the fee ceiling comparison basis for this relay across a
// full K-round run, including the handshake fee (Open Question 3).
func (r Relay) TotalFee(rounds uint32) uint64 {
	return r.RateMsats*uint64(rounds) + r.HandshakeFeeMs
}

// HandshakeProof is a (payment_hash, preimage) pair. When the relay
// charges no handshake fee, both fields are random padding of the same
// length a real proof would have, so a passive observer of the extend
// command cannot distinguish a paying hop from a free one.
type HandshakeProof struct {
	PaymentHash [32]byte
	Preimage    [32]byte
}

// SelectedHop is one relay chosen for a circuit, together with its
// per-round payment identifiers and handshake proof. Its lifetime is one
// circuit.
type SelectedHop struct {
	Relay      Relay
	PaymentIDs [][32]byte // length K, one per round
	Handshake  HandshakeProof
}

// CircuitRecord tracks a single circuit's lifecycle from the client's
// point of view.
type CircuitRecord struct {
	CircuitID string
	Hops      []SelectedHop
	State     CircuitState
	CreatedAt time.Time
	Role      Role
}

// LedgerRow is one (payment_id, circuit_id, round, relay_fingerprint) fact,
// shared shape on both client and relay (spec.md §3).
type LedgerRow struct {
	PaymentID        [32]byte
	CircuitID        string
	Round            int
	RelayFingerprint string
	UpdatedAt        int64 // unix seconds, 0 = unpaid
	AmountMsats      uint64
	SettlementID     string
}

// Paid reports whether this row has been marked paid.
func (r LedgerRow) Paid() bool {
	return r.UpdatedAt != 0
}
