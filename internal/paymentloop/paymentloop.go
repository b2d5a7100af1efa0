// Package paymentloop implements C8, the client's round-robin payment
// scheduler: per round, pick the active circuit (alternating primary and
// backup), fail over on unhealthy probes, pay each hop sequentially, and
// sleep to the round's absolute deadline (spec.md §4.8).
package paymentloop

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/paidcircuit/paidcircuitd/internal/faults"
	"github.com/paidcircuit/paidcircuitd/internal/lightning"
	"github.com/paidcircuit/paidcircuitd/internal/logging"
	"github.com/paidcircuit/paidcircuitd/pcp"
)

var logger = logging.Named("paymentloop")

// DefaultFailoverGrace is the both-unhealthy grace window from spec.md
// §4.8 step 2.
const DefaultFailoverGrace = 5 * time.Second

var (
	hopPaymentCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paidcircuit",
		Subsystem: "paymentloop",
		Name:      "hop_payments_total",
		Help:      "Count of hop payment attempts by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(hopPaymentCounter)
}

// HealthChecker reports a circuit's current health bit, sourced from C7.
type HealthChecker interface {
	Healthy(circuitID string) bool
}

// LedgerRecorder receives each successfully paid hop, with its payment
// id, for the client's own record; declared as an interface here so
// paymentloop does not import ledger's durability machinery. The client
// run backs it with the payments-sent.json log (*ledger.Ledger's MarkPaid
// takes no payment id and does not satisfy it).
type LedgerRecorder interface {
	MarkPaid(circuitID string, round int, fingerprint string, id [32]byte, at int64, settlementID string) (bool, error)
}

// Circuit is one built circuit the loop can pay against.
type Circuit struct {
	ID   string
	Role pcp.Role
	Hops []pcp.SelectedHop // entry-to-exit order, each carrying its K payment ids
}

// Loop drives payments for one client run.
type Loop struct {
	Rounds   uint32
	Interval time.Duration

	Primary Circuit
	Backup  *Circuit // nil if no backup circuit exists

	Adapter lightning.Adapter
	Health  HealthChecker
	Ledger  LedgerRecorder

	Clock         clock.Clock
	FailoverGrace time.Duration
}

// Run executes exactly Rounds rounds (or aborts early with
// faults.ErrBothFailed, or with a hop payment error that faults.Fatal
// classifies as fatal), returning nil on a full completion.
func (l *Loop) Run(ctx context.Context) error {
	if l.Clock == nil {
		l.Clock = clock.New()
	}
	if l.FailoverGrace <= 0 {
		l.FailoverGrace = DefaultFailoverGrace
	}

	start := l.Clock.Now()

	for r := uint32(1); r <= l.Rounds; r++ {
		active, err := l.selectActive(ctx, r)
		if err != nil {
			return err
		}

		if err := l.payRound(ctx, active, int(r)); err != nil {
			if ctx.Err() != nil {
				return nil // shutdown honored after the in-flight hop, per §5
			}
			if faults.Fatal(err) {
				return err
			}
			logger.Warn("round payment error, continuing to next round", "round", r, "error", err)
		}

		deadline := start.Add(time.Duration(r) * l.Interval)
		if err := l.sleepUntil(ctx, deadline); err != nil {
			return nil
		}
	}
	return nil
}

// selectActive picks primary on odd rounds, backup on even rounds
// (falling back to primary-only when no backup exists), and fails over
// to the other circuit if the chosen one is unhealthy, aborting with
// ErrBothFailed if neither recovers within FailoverGrace (spec.md §4.8
// steps 1-2).
func (l *Loop) selectActive(ctx context.Context, round uint32) (Circuit, error) {
	preferred := l.Primary
	if l.Backup != nil && round%2 == 0 {
		preferred = *l.Backup
	}

	if l.Health == nil || l.Health.Healthy(preferred.ID) {
		return preferred, nil
	}

	alternate, hasAlternate := l.alternateOf(preferred)
	if hasAlternate && l.Health.Healthy(alternate.ID) {
		logger.Info("failing over to alternate circuit", "from", preferred.ID, "to", alternate.ID, "round", round)
		return alternate, nil
	}

	deadline := l.Clock.Now().Add(l.FailoverGrace)
	for l.Clock.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return Circuit{}, ctx.Err()
		case <-l.Clock.After(100 * time.Millisecond):
		}
		if l.Health.Healthy(preferred.ID) {
			return preferred, nil
		}
		if hasAlternate && l.Health.Healthy(alternate.ID) {
			return alternate, nil
		}
	}
	return Circuit{}, fmt.Errorf("%w: round %d", faults.ErrBothFailed, round)
}

func (l *Loop) alternateOf(c Circuit) (Circuit, bool) {
	if l.Backup == nil {
		return Circuit{}, false
	}
	if c.ID == l.Primary.ID {
		return *l.Backup, true
	}
	return l.Primary, true
}

// payRound pays every hop of the active circuit in entry-to-exit order
// for round r. A hop failure in a faults.Retryable class gets one retry
// before the hop counts as skipped for the round (spec.md §4.2: "at
// most one retry per round"); a non-retryable failure is not retried:
// one that faults.Fatal classifies as fatal ends the round with that
// error, any other skips the hop. The loop never attempts a hop a third
// time within the same round.
func (l *Loop) payRound(ctx context.Context, active Circuit, round int) error {
	for _, hop := range active.Hops {
		if round-1 >= len(hop.PaymentIDs) {
			return fmt.Errorf("%w: hop %s has no payment id for round %d", faults.ErrLightning, hop.Relay.Fingerprint, round)
		}
		id := hop.PaymentIDs[round-1]

		settlementID, err := l.Adapter.Pay(ctx, hop.Relay.PaymentBolt12Offer, hop.Relay.RateMsats, id)
		if err != nil && faults.Retryable(err) {
			logger.Warn("hop payment failed, retrying once", "circuit_id", active.ID, "round", round, "relay_fingerprint", hop.Relay.Fingerprint, "error", err)
			settlementID, err = l.Adapter.Pay(ctx, hop.Relay.PaymentBolt12Offer, hop.Relay.RateMsats, id)
		}
		if err != nil {
			hopPaymentCounter.WithLabelValues("failure").Inc()
			logger.Warn("hop payment failed", "circuit_id", active.ID, "round", round, "relay_fingerprint", hop.Relay.Fingerprint, "error", err)
			if faults.Fatal(err) {
				return err
			}
			continue
		}

		hopPaymentCounter.WithLabelValues("success").Inc()
		if l.Ledger != nil {
			if _, err := l.Ledger.MarkPaid(active.ID, round, hop.Relay.Fingerprint, id, l.Clock.Now().Unix(), settlementID); err != nil {
				logger.Warn("client-side mark_paid failed", "error", err)
			}
		}
		logger.Info("hop paid", "circuit_id", active.ID, "round", round, "relay_fingerprint", hop.Relay.Fingerprint)

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

func (l *Loop) sleepUntil(ctx context.Context, deadline time.Time) error {
	d := deadline.Sub(l.Clock.Now())
	if d <= 0 {
		return nil
	}
	select {
	case <-l.Clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
