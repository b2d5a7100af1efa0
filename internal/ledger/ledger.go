// Package ledger implements C9: a concurrent key-value store of ledger
// rows keyed by (circuit_id, round, relay_fingerprint), sharded for
// concurrency, with idempotent mark-paid and oldest-unpaid lookup
// (spec.md §4.9). The relay side additionally durably appends every
// write to an on-disk log (see log.go); the client side is in-memory
// only, matching §3's "Client rows are in-memory".
package ledger

import (
	"fmt"
	"sort"
	"sync"

	"github.com/spaolacci/murmur3"

	"github.com/paidcircuit/paidcircuitd/pcp"
)

const shardCount = 32

// key is the row identity spec.md §4.9 keys on.
type key struct {
	CircuitID        string
	Round            int
	RelayFingerprint string
}

func (k key) shardIndex() uint32 {
	h := murmur3.Sum32([]byte(k.CircuitID + "|" + k.RelayFingerprint))
	// round mixed in additively so cross-round writes on the same circuit
	// still spread across shards rather than colliding on one.
	return (h + uint32(k.Round)) % shardCount
}

type shard struct {
	mu   sync.Mutex
	rows map[key]pcp.LedgerRow
}

// AppendLog is the durable sink a relay-side Ledger writes through;
// client-side ledgers pass nil (spec.md §4.9: "on the client, in-memory
// only").
type AppendLog interface {
	Append(row pcp.LedgerRow) error
}

// Ledger is the concurrent ledger store. Writes to distinct shards
// interleave freely; writes to the same shard serialize, matching §5's
// "Ledger writes are serialized per (circuit_id, round) key; cross-key
// writes may interleave" (this implementation serializes per shard, a
// coarser but conservative superset of that guarantee).
type Ledger struct {
	shards [shardCount]*shard
	log    AppendLog

	nowFn func() int64
}

// New returns an empty Ledger. log may be nil for a client-side,
// in-memory-only ledger.
func New(log AppendLog, nowFn func() int64) *Ledger {
	l := &Ledger{log: log, nowFn: nowFn}
	for i := range l.shards {
		l.shards[i] = &shard{rows: make(map[key]pcp.LedgerRow)}
	}
	return l
}

func (l *Ledger) shardFor(k key) *shard {
	return l.shards[k.shardIndex()]
}

// InsertExtend creates the full K x H row set for a newly built circuit,
// one unpaid row per (round, relay_fingerprint), per spec.md §3's
// invariant that a built circuit has a full ledger set.
func (l *Ledger) InsertExtend(circuitID string, hops []pcp.SelectedHop, rounds int) {
	for round := 1; round <= rounds; round++ {
		for _, hop := range hops {
			k := key{CircuitID: circuitID, Round: round, RelayFingerprint: hop.Relay.Fingerprint}
			row := pcp.LedgerRow{
				CircuitID:        circuitID,
				Round:            round,
				RelayFingerprint: hop.Relay.Fingerprint,
				AmountMsats:      hop.Relay.RateMsats,
			}
			if round-1 < len(hop.PaymentIDs) {
				row.PaymentID = hop.PaymentIDs[round-1]
			}
			sh := l.shardFor(k)
			sh.mu.Lock()
			sh.rows[k] = row
			sh.mu.Unlock()
		}
	}
}

// MarkPaid marks the row identified by (circuitID, round, fingerprint) as
// paid at the given unix timestamp and settlement id; an at of 0 (the
// unpaid sentinel) is replaced by the ledger's own clock. A second call for
// an already-paid row is a no-op (first winner wins), matching §4.9 and
// the idempotence law in §8.
func (l *Ledger) MarkPaid(circuitID string, round int, fingerprint string, at int64, settlementID string) (paidNow bool, err error) {
	k := key{CircuitID: circuitID, Round: round, RelayFingerprint: fingerprint}
	sh := l.shardFor(k)

	if at == 0 && l.nowFn != nil {
		at = l.nowFn()
	}

	sh.mu.Lock()
	row, ok := sh.rows[k]
	if !ok {
		sh.mu.Unlock()
		return false, fmt.Errorf("ledger: no row for circuit=%s round=%d relay=%s", circuitID, round, fingerprint)
	}
	if row.Paid() {
		sh.mu.Unlock()
		return false, nil
	}
	row.UpdatedAt = at
	row.SettlementID = settlementID
	sh.rows[k] = row
	sh.mu.Unlock()

	if l.log != nil {
		if err := l.log.Append(row); err != nil {
			return true, fmt.Errorf("ledger: durable append: %w", err)
		}
	}
	return true, nil
}

// FindOldestUnpaid returns the smallest round with at least one unpaid
// row for circuitID, per §4.11 step 1. ok is false when every row is
// paid (or the circuit is unknown).
func (l *Ledger) FindOldestUnpaid(circuitID string) (round int, ok bool) {
	best := -1
	for _, sh := range l.shards {
		sh.mu.Lock()
		for k, row := range sh.rows {
			if k.CircuitID != circuitID || row.Paid() {
				continue
			}
			if best == -1 || k.Round < best {
				best = k.Round
			}
		}
		sh.mu.Unlock()
	}
	if best == -1 {
		return 0, false
	}
	return best, true
}

// AllPaid reports whether every row for circuitID is paid (and at least
// one row exists).
func (l *Ledger) AllPaid(circuitID string) bool {
	found := false
	for _, sh := range l.shards {
		sh.mu.Lock()
		for k, row := range sh.rows {
			if k.CircuitID != circuitID {
				continue
			}
			found = true
			if !row.Paid() {
				sh.mu.Unlock()
				return false
			}
		}
		sh.mu.Unlock()
	}
	return found
}

// DropCircuit removes every row belonging to circuitID, per §4.9's
// drop_circuit and §4.11's teardown-then-purge state transition.
func (l *Ledger) DropCircuit(circuitID string) {
	for _, sh := range l.shards {
		sh.mu.Lock()
		for k := range sh.rows {
			if k.CircuitID == circuitID {
				delete(sh.rows, k)
			}
		}
		sh.mu.Unlock()
	}
}

// Rows returns every row for circuitID, sorted by (round, fingerprint),
// for inspection and testing.
func (l *Ledger) Rows(circuitID string) []pcp.LedgerRow {
	var out []pcp.LedgerRow
	for _, sh := range l.shards {
		sh.mu.Lock()
		for k, row := range sh.rows {
			if k.CircuitID == circuitID {
				out = append(out, row)
			}
		}
		sh.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Round != out[j].Round {
			return out[i].Round < out[j].Round
		}
		return out[i].RelayFingerprint < out[j].RelayFingerprint
	})
	return out
}
