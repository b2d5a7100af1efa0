// Package selector implements C3, the relay selector: from the cached
// consensus, choose an ordered guard/middle/exit tuple whose combined fee
// across a full K-round run fits a per-circuit ceiling, and a disjoint
// backup tuple when possible (spec.md §4.3).
package selector

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/paidcircuit/paidcircuitd/internal/faults"
	"github.com/paidcircuit/paidcircuitd/pcp"
)

// hopOrder is the fixed entry-to-exit ordering a selected tuple is
// returned in.
var hopOrder = []pcp.Role{pcp.RoleGuard, pcp.RoleMiddle, pcp.RoleExit}

// Selector draws relay tuples from a consensus snapshot using a
// caller-supplied RNG, so tests can fix the seed for deterministic
// reselection (spec.md §8's "reselection determinism under fixed RNG
// seed").
type Selector struct {
	rng *rand.Rand
}

// New returns a Selector seeded deterministically from seed. The
// orchestrator seeds it once per client run from math/rand's global
// source; tests pass a fixed seed to assert determinism.
func New(seed int64) *Selector {
	return &Selector{rng: rand.New(rand.NewSource(seed))}
}

// Params bounds one Select call.
type Params struct {
	Rounds       uint32          // K, for the fee-ceiling computation
	Ceiling      uint64          // PaymentCircuitMaxFee, total across all hops and rounds
	Exclude      map[string]bool // fingerprints to reject outright (e.g. the primary's hops, for backup selection)
	RequireGuard string          // if set, pin the entry hop to this fingerprint (spec.md §4.3 "optional required entry ... constraint")
	RequireExit  string          // if set, pin the exit hop to this fingerprint (spec.md §4.3 "optional required ... exit constraint")
}

// requiredFingerprint returns the fingerprint p pins for role, if any.
func (p Params) requiredFingerprint(role pcp.Role) (string, bool) {
	switch role {
	case pcp.RoleGuard:
		if p.RequireGuard != "" {
			return p.RequireGuard, true
		}
	case pcp.RoleExit:
		if p.RequireExit != "" {
			return p.RequireExit, true
		}
	}
	return "", false
}

// Select returns one relay per role in hopOrder, filtered by fee ceiling
// and the exclusion set. The per-hop ceiling is Ceiling/len(hopOrder),
// matching spec.md §4.3's "rate*K + handshake_fee <= per_hop_ceiling"
// (Open Question 3: HandshakeFee counts toward the ceiling). When
// RequireGuard/RequireExit is set, the corresponding bucket is narrowed
// to that one fingerprint before sampling, so a pinned relay still has
// to clear the fee-ceiling and exclusion-set filters like any other
// candidate.
func (s *Selector) Select(candidates []pcp.Relay, p Params) ([]pcp.Relay, error) {
	perHopCeiling := p.Ceiling / uint64(len(hopOrder))

	buckets := partitionByRole(candidates, perHopCeiling, p.Rounds, p.Exclude)

	out := make([]pcp.Relay, 0, len(hopOrder))
	for _, role := range hopOrder {
		bucket := buckets[role]
		if required, ok := p.requiredFingerprint(role); ok {
			bucket = filterFingerprint(bucket, required)
		}
		if len(bucket) == 0 {
			return nil, fmt.Errorf("%w: no_candidate for role %s", faults.ErrSelector, role)
		}
		out = append(out, bucket[s.rng.Intn(len(bucket))])
	}
	return out, nil
}

func filterFingerprint(bucket []pcp.Relay, fingerprint string) []pcp.Relay {
	out := make([]pcp.Relay, 0, 1)
	for _, r := range bucket {
		if r.Fingerprint == fingerprint {
			out = append(out, r)
		}
	}
	return out
}

// SelectBackup selects a second tuple disjoint from primary's
// fingerprints where possible, falling back to overlap-allowed selection
// when disjoint selection yields no_candidate for some role (spec.md
// §4.3: "falls back to overlap-allowed selection if disjoint selection
// is empty").
func (s *Selector) SelectBackup(candidates []pcp.Relay, primary []pcp.Relay, p Params) ([]pcp.Relay, error) {
	exclude := make(map[string]bool, len(p.Exclude)+len(primary))
	for k := range p.Exclude {
		exclude[k] = true
	}
	for _, r := range primary {
		exclude[r.Fingerprint] = true
	}

	disjoint := p
	disjoint.Exclude = exclude
	tuple, err := s.Select(candidates, disjoint)
	if err == nil {
		return tuple, nil
	}
	if !errors.Is(err, faults.ErrSelector) {
		return nil, err
	}

	// fall back: allow overlap with primary, still honor the caller's
	// original exclusion set.
	fallback := p
	tuple, fallbackErr := s.Select(candidates, fallback)
	if fallbackErr != nil {
		return nil, fallbackErr
	}
	return tuple, nil
}

func partitionByRole(candidates []pcp.Relay, perHopCeiling uint64, rounds uint32, exclude map[string]bool) map[pcp.Role][]pcp.Relay {
	buckets := make(map[pcp.Role][]pcp.Relay)
	for _, r := range candidates {
		if exclude[r.Fingerprint] {
			continue
		}
		if r.TotalFee(rounds) > perHopCeiling {
			continue
		}
		for _, role := range r.Roles {
			buckets[role] = append(buckets[role], r)
		}
	}
	return buckets
}
