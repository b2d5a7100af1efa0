// Package auditor implements C11, the relay-side auditor loop: once per
// interval, for each circuit in the ledger, find the oldest unpaid round
// and enforce its deadline, tearing the circuit down via the control
// channel when a payment window is missed or the final round is fully
// paid (spec.md §4.11).
package auditor

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/paidcircuit/paidcircuitd/internal/control"
	"github.com/paidcircuit/paidcircuitd/internal/ledger"
	"github.com/paidcircuit/paidcircuitd/internal/logging"
	"github.com/paidcircuit/paidcircuitd/internal/watcher"
)

var logger = logging.Named("auditor")

// DefaultInterval is the sweep cadence from spec.md §4.11.
const DefaultInterval = 60 * time.Second

var teardownCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "paidcircuit",
	Subsystem: "auditor",
	Name:      "teardowns_total",
	Help:      "Circuit teardowns issued by the auditor, by reason.",
}, []string{"reason"})

func init() {
	prometheus.MustRegister(teardownCounter)
}

// Reason names why the auditor tore a circuit down.
type Reason string

const (
	ReasonFullyPaid    Reason = "fully_paid"
	ReasonDeadlineMiss Reason = "deadline_missed"
)

// CircuitTracker enumerates circuit ids currently present in the ledger,
// and how many rounds each one runs for, so the auditor can sweep
// without depending on a separate circuit-record store.
type CircuitTracker interface {
	ActiveCircuits() []CircuitInfo
}

// CircuitInfo is the auditor's view of one relay-side circuit.
type CircuitInfo struct {
	CircuitID string
	MaxRounds int
	IntervalT time.Duration
	StartedAt time.Time // start of round 1's window
}

// Auditor sweeps the ledger and issues teardowns over ch.
type Auditor struct {
	Ledger   *ledger.Ledger
	Tracker  CircuitTracker
	Channel  *control.Channel
	Clock    clock.Clock
	Interval time.Duration

	onTeardown func(circuitID string, round int, reason Reason, outcome watcher.Outcome)
}

// New returns an Auditor. onTeardown, if non-nil, is called after each
// teardown for logging/testing hooks.
func New(l *ledger.Ledger, tracker CircuitTracker, ch *control.Channel, clk clock.Clock, interval time.Duration, onTeardown func(string, int, Reason, watcher.Outcome)) *Auditor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Auditor{Ledger: l, Tracker: tracker, Channel: ch, Clock: clk, Interval: interval, onTeardown: onTeardown}
}

// Run ticks every Interval until ctx is canceled.
func (a *Auditor) Run(ctx context.Context) error {
	ticker := a.Clock.Ticker(a.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (a *Auditor) sweep(ctx context.Context) {
	for _, info := range a.Tracker.ActiveCircuits() {
		a.auditOne(ctx, info)
	}
}

// auditOne implements spec.md §4.11 steps 1-3 for a single circuit.
func (a *Auditor) auditOne(ctx context.Context, info CircuitInfo) {
	round, unpaidExists := a.Ledger.FindOldestUnpaid(info.CircuitID)
	if !unpaidExists {
		if a.Ledger.AllPaid(info.CircuitID) {
			a.teardown(ctx, info.CircuitID, info.MaxRounds, ReasonFullyPaid, watcher.OutcomeOnTime)
		}
		return
	}

	windowStart := info.StartedAt.Add(time.Duration(round-1) * info.IntervalT)
	deadline := windowStart.Add(info.IntervalT) // grace == T, per §4.11 step 3

	if a.Clock.Now().After(deadline) {
		a.teardown(ctx, info.CircuitID, round, ReasonDeadlineMiss, watcher.OutcomeLate)
	}
}

// teardown issues CLOSECIRCUIT fire-and-forget (spec.md §4.11 step 4) and
// drops the circuit's ledger rows.
func (a *Auditor) teardown(ctx context.Context, circuitID string, round int, reason Reason, outcome watcher.Outcome) {
	logger.Info("issuing teardown", "circuit_id", circuitID, "round", round, "reason", reason)
	teardownCounter.WithLabelValues(string(reason)).Inc()

	if a.Channel != nil {
		cmd := fmt.Sprintf("CLOSECIRCUIT %s", circuitID)
		go func() {
			if _, err := a.Channel.Command(ctx, control.DefaultCommandTimeout, cmd); err != nil {
				logger.Warn("teardown command failed", "circuit_id", circuitID, "error", err)
			}
		}()
	}

	a.Ledger.DropCircuit(circuitID)
	if a.onTeardown != nil {
		a.onTeardown(circuitID, round, reason, outcome)
	}
}
