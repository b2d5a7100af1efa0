// Package paymentid implements C4: per-hop generation of K unique
// 32-byte payment identifiers from a CSPRNG, with global uniqueness
// tracking across the calling process's active circuits (spec.md §4.4,
// §3 invariant "payment_id is globally unique across all active circuits
// of a process").
package paymentid

import (
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/mr-tron/base58"

	"github.com/paidcircuit/paidcircuitd/internal/faults"
)

// Generator tracks every payment-id it has ever handed out in this
// process, so a caller can assert global uniqueness even across
// unrelated circuits sharing the process.
type Generator struct {
	mu   sync.Mutex
	seen map[[32]byte]struct{}
}

// New returns an empty Generator.
func New() *Generator {
	return &Generator{seen: make(map[[32]byte]struct{})}
}

// HopIDs draws k independent uniform 32-byte values for one hop. Every
// value returned is globally unique within this Generator's lifetime; a
// CSPRNG collision (astronomically unlikely at 32 bytes) is retried.
func (g *Generator) HopIDs(k uint32) ([][32]byte, error) {
	if k == 0 || k > 10 {
		return nil, fmt.Errorf("%w: payment-id count %d out of protocol bounds [1,10]", faults.ErrConfig, k)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	ids := make([][32]byte, 0, k)
	for len(ids) < int(k) {
		var id [32]byte
		if _, err := rand.Read(id[:]); err != nil {
			return nil, fmt.Errorf("payment-id: reading randomness: %w", err)
		}
		if _, dup := g.seen[id]; dup {
			continue
		}
		g.seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

// Display renders a payment identifier as base58 for log lines; the wire
// format (extend-command argument, payer-note carrier) stays hex, as
// used by internal/lightning.EncodeIdentifier.
func Display(id [32]byte) string {
	return base58.Encode(id[:])
}
