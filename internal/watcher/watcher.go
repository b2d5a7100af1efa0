// Package watcher implements C10, the relay-side Lightning watcher:
// subscribes to the Lightning adapter's incoming settlements, extracts
// the 32-byte identifier, and marks the matching ledger row paid, logging
// and ignoring anything that doesn't match a row (spec.md §4.10).
package watcher

import (
	"context"

	"github.com/paidcircuit/paidcircuitd/internal/faults"
	"github.com/paidcircuit/paidcircuitd/internal/ledger"
	"github.com/paidcircuit/paidcircuitd/internal/lightning"
	"github.com/paidcircuit/paidcircuitd/internal/logging"
)

var logger = logging.Named("watcher")

// RoundLookup resolves a payment identifier back to the (circuit_id,
// round, relay_fingerprint) it was generated for, so the watcher can call
// Ledger.MarkPaid with the right key; the ledger itself is keyed by that
// triple, not by payment id, per spec.md §4.9.
type RoundLookup interface {
	Lookup(id [32]byte) (circuitID string, round int, fingerprint string, ok bool)
}

// Outcome classifies a settlement's timing against the round's expected
// payment window, supplemented from
// original_source/src/relay/payments_watcher.rs's early/on-time/late
// distinction (§ SUPPLEMENTED FEATURES).
type Outcome string

const (
	OutcomeEarly   Outcome = "paid_early"
	OutcomeOnTime  Outcome = "paid_on_time"
	OutcomeLate    Outcome = "paid_late"
	OutcomeUnknown Outcome = "unmatched"
)

// RoundWindow reports when round r of circuitID is expected to be paid
// by, to classify Outcome. Callers typically source this from the
// auditor's own round_start = round * interval computation.
type RoundWindow func(circuitID string, round int) (windowStart, windowEnd int64)

// Watcher drives one adapter's settlement stream against one ledger.
type Watcher struct {
	adapter lightning.Adapter
	ledger  *ledger.Ledger
	lookup  RoundLookup
	window  RoundWindow
	nowFn   func() int64
}

// New returns a Watcher. window may be nil, in which case every matched
// settlement is classified OutcomeOnTime.
func New(adapter lightning.Adapter, l *ledger.Ledger, lookup RoundLookup, window RoundWindow, nowFn func() int64) *Watcher {
	return &Watcher{adapter: adapter, ledger: l, lookup: lookup, window: window, nowFn: nowFn}
}

// Run subscribes to incoming settlements and processes them until ctx is
// canceled or the adapter's stream closes.
func (w *Watcher) Run(ctx context.Context) error {
	incoming, err := w.adapter.SubscribeIncoming(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case s, ok := <-incoming:
			if !ok {
				return nil
			}
			w.handle(s)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *Watcher) handle(s lightning.Settlement) {
	id, ok := s.Identifier()
	if !ok {
		logger.Warn("settlement carries no decodable identifier, ignoring", "settlement_id", s.SettlementID)
		return
	}

	circuitID, round, fingerprint, ok := w.lookup.Lookup(id)
	if !ok {
		logger.Info("unmatched settlement, ignoring", "settlement_id", s.SettlementID)
		return
	}

	now := w.nowFn()
	paidNow, err := w.ledger.MarkPaid(circuitID, round, fingerprint, now, s.SettlementID)
	if err != nil {
		logger.Warn("mark_paid failed", "circuit_id", circuitID, "round", round, "relay_fingerprint", fingerprint, "error", faults.ErrProtocolViolation)
		return
	}
	if !paidNow {
		logger.Debug("duplicate settlement for already-paid row, no-op", "circuit_id", circuitID, "round", round)
		return
	}

	outcome := w.classify(circuitID, round, now)
	logger.Info("payment settled", "circuit_id", circuitID, "round", round, "relay_fingerprint", fingerprint, "outcome", outcome, "settlement_id", s.SettlementID)
}

func (w *Watcher) classify(circuitID string, round int, at int64) Outcome {
	if w.window == nil {
		return OutcomeOnTime
	}
	start, end := w.window(circuitID, round)
	switch {
	case at < start:
		return OutcomeEarly
	case at > end:
		return OutcomeLate
	default:
		return OutcomeOnTime
	}
}
