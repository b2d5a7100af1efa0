package orchestrator

import (
	"context"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/paidcircuit/paidcircuitd/internal/auditor"
	"github.com/paidcircuit/paidcircuitd/internal/config"
	"github.com/paidcircuit/paidcircuitd/internal/control"
	"github.com/paidcircuit/paidcircuitd/internal/ledger"
	"github.com/paidcircuit/paidcircuitd/internal/lightning"
	"github.com/paidcircuit/paidcircuitd/internal/paymentid"
	"github.com/paidcircuit/paidcircuitd/internal/probe"
	"github.com/paidcircuit/paidcircuitd/pcp"
)

// assembleHops draws payment ids for each selected relay and returns the
// per-hop SelectedHop set the circuit builder and payment loop need,
// resolving PaymentBolt12Bip353 to a concrete offer first for any relay
// that did not advertise PaymentBolt12Offer directly (types.go: "exactly
// one of them is expected to be set").
func assembleHops(ctx context.Context, gen *paymentid.Generator, relays []pcp.Relay, rounds uint32, resolverAddr string) ([]pcp.SelectedHop, error) {
	hops := make([]pcp.SelectedHop, 0, len(relays))
	for _, r := range relays {
		if r.PaymentBolt12Offer == "" && r.PaymentBolt12Bip353 != "" {
			offer, err := lightning.ResolveBIP353(ctx, r.PaymentBolt12Bip353, resolverAddr)
			if err != nil {
				return nil, err
			}
			r.PaymentBolt12Offer = offer
		}

		ids, err := gen.HopIDs(rounds)
		if err != nil {
			return nil, err
		}
		hops = append(hops, pcp.SelectedHop{Relay: r, PaymentIDs: ids})
	}
	return hops, nil
}

// hopFinder returns a membership check over the relay fingerprints of the
// given hop sets; sentLogRecorder uses it to skip hops outside this run.
// The client ledger does not need round-trip identifier resolution the
// way the relay's does, so the recorder writes the id it was given
// verbatim.
func hopFinder(sets ...[]pcp.SelectedHop) func(fingerprint string) bool {
	known := make(map[string]bool)
	for _, hops := range sets {
		for _, h := range hops {
			known[h.Relay.Fingerprint] = true
		}
	}
	return func(fingerprint string) bool { return known[fingerprint] }
}

// sentLogRecorder adapts ledger.SentLog to paymentloop.LedgerRecorder so
// the client run persists payments-sent.json entries as they clear,
// matching spec.md §6's client persisted-state format.
type sentLogRecorder struct {
	sentLog *ledger.SentLog
	findID  func(fingerprint string) bool
}

func (s sentLogRecorder) MarkPaid(circuitID string, round int, fingerprint string, id [32]byte, at int64, settlementID string) (bool, error) {
	if s.findID != nil && !s.findID(fingerprint) {
		return false, nil
	}
	if err := s.sentLog.Append(circuitID, round, fingerprint, id, settlementID, at); err != nil {
		return false, err
	}
	return true, nil
}

// probeHealth adapts a client run's one or two probes to
// paymentloop.HealthChecker. A circuit the CIRC event tracker has seen
// go CLOSED is reported unhealthy regardless of what the probe says,
// since the router has already torn it down.
type probeHealth struct {
	primary      string
	primaryProbe *probe.Probe
	backup       string
	backupProbe  *probe.Probe

	mu     sync.Mutex
	closed map[string]bool
}

func (h *probeHealth) Healthy(circuitID string) bool {
	h.mu.Lock()
	if h.closed[circuitID] {
		h.mu.Unlock()
		return false
	}
	h.mu.Unlock()

	switch circuitID {
	case h.primary:
		return h.primaryProbe.Healthy()
	case h.backup:
		if h.backupProbe == nil {
			return false
		}
		return h.backupProbe.Healthy()
	default:
		return false
	}
}

// markClosed records that circuitID has been torn down by the router,
// so subsequent Healthy calls never route the payment loop back to it.
func (h *probeHealth) markClosed(circuitID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed == nil {
		h.closed = make(map[string]bool)
	}
	h.closed[circuitID] = true
}

// controlStatusSource adapts a control.Channel into probe.StatusSource by
// issuing "GETINFO stream-status" and counting the SUCCEEDED streams
// attached to the requested circuit id, grounded on
// original_source/src/client/bandwidth_test.rs's check_stream_capacity
// (which counts SUCCEEDED lines from the same query, though only in
// aggregate; this narrows the count to one circuit per spec.md §4.7's
// per-circuit capacity warning). Each stream-status line has the form
// "<StreamID> <StreamStatus> <CircuitID> <Target>".
type controlStatusSource struct {
	ch *control.Channel
}

func (s controlStatusSource) OpenStreamCount(ctx context.Context, circuitID string) (int, error) {
	reply, err := s.ch.Command(ctx, control.DefaultCommandTimeout, "GETINFO stream-status")
	if err != nil {
		return 0, err
	}

	count := 0
	for _, line := range reply.Lines {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		if fields[1] == "SUCCEEDED" && fields[2] == circuitID {
			count++
		}
	}
	return count, nil
}

// circuitTracker maintains a pcp.CircuitRecord per client-side circuit
// for the life of a run, driven by a long-lived subscription to CIRC
// events (spec.md §3: "Circuit records are created by the builder,
// transitioned by control-event subscribers, and destroyed on explicit
// teardown"). onClosed is invoked once, synchronously, the first time a
// tracked circuit reports CLOSED.
type circuitTracker struct {
	mu       sync.Mutex
	records  map[string]*pcp.CircuitRecord
	onClosed func(circuitID string)
}

func newCircuitTracker(onClosed func(circuitID string)) *circuitTracker {
	return &circuitTracker{records: make(map[string]*pcp.CircuitRecord), onClosed: onClosed}
}

func (t *circuitTracker) track(circuitID string, hops []pcp.SelectedHop, role pcp.Role, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[circuitID] = &pcp.CircuitRecord{
		CircuitID: circuitID,
		Hops:      hops,
		State:     pcp.CircuitBuilt,
		CreatedAt: at,
		Role:      role,
	}
}

// run consumes circEvents until ctx is done or the channel closes,
// transitioning the matching record's State on every CIRC line and
// firing onClosed the first time a tracked circuit reports CLOSED.
func (t *circuitTracker) run(ctx context.Context, circEvents <-chan control.Event) {
	for {
		select {
		case ev, ok := <-circEvents:
			if !ok {
				return
			}
			t.handle(ev)
		case <-ctx.Done():
			return
		}
	}
}

func (t *circuitTracker) handle(ev control.Event) {
	circuitID := ev.Field(0)
	state := ev.Field(1)

	t.mu.Lock()
	rec, tracked := t.records[circuitID]
	if !tracked {
		t.mu.Unlock()
		return
	}
	already := rec.State == pcp.CircuitClosed
	switch state {
	case "BUILT":
		rec.State = pcp.CircuitBuilt
	case "FAILED":
		rec.State = pcp.CircuitFailed
	case "CLOSED":
		rec.State = pcp.CircuitClosed
	}
	t.mu.Unlock()

	if state == "CLOSED" && !already {
		logger.Warn("circuit closed by router, aborting further payments on it", "circuit_id", circuitID)
		if t.onClosed != nil {
			t.onClosed(circuitID)
		}
	}
}

// anyOpen reports whether at least one of ids is tracked and not in
// pcp.CircuitClosed state. An id this tracker has never seen (e.g. the
// empty backup id when no backup circuit was built) counts as not open.
func (t *circuitTracker) anyOpen(ids ...string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		if id == "" {
			continue
		}
		if rec, ok := t.records[id]; ok && rec.State != pcp.CircuitClosed {
			return true
		}
	}
	return false
}

// relayTracker adapts the relay's ledger and config into
// auditor.CircuitTracker: one CircuitInfo per circuit id currently
// present in the ledger.
type relayTracker struct {
	mu      sync.Mutex
	l       *ledger.Ledger
	cfg     *config.Config
	started map[string]time.Time
}

func newRelayTracker(l *ledger.Ledger, cfg *config.Config) *relayTracker {
	return &relayTracker{l: l, cfg: cfg, started: make(map[string]time.Time)}
}

func (t *relayTracker) noteExtend(circuitID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.started[circuitID]; !ok {
		t.started[circuitID] = at
	}
}

func (t *relayTracker) ActiveCircuits() []auditor.CircuitInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]auditor.CircuitInfo, 0, len(t.started))
	for circuitID, startedAt := range t.started {
		out = append(out, auditor.CircuitInfo{
			CircuitID: circuitID,
			MaxRounds: int(t.cfg.PaymentRounds),
			IntervalT: time.Duration(t.cfg.PaymentInterval) * time.Second,
			StartedAt: startedAt,
		})
	}
	return out
}

func (t *relayTracker) forget(circuitID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.started, circuitID)
}

// identityIndex resolves a payment identifier back to the
// (circuit_id, round, relay_fingerprint) it was minted for, so the
// relay-side watcher can call Ledger.MarkPaid with the ledger's key
// shape rather than the bare identifier (spec.md §4.9's key is the
// triple, not the payment id).
type identityIndex struct {
	mu    sync.RWMutex
	index map[[32]byte]indexEntry
}

type indexEntry struct {
	circuitID   string
	round       int
	fingerprint string
}

func newIdentityIndex() *identityIndex {
	return &identityIndex{index: make(map[[32]byte]indexEntry)}
}

func (idx *identityIndex) register(circuitID string, round int, fingerprint string, id [32]byte) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.index[id] = indexEntry{circuitID: circuitID, round: round, fingerprint: fingerprint}
}

func (idx *identityIndex) Lookup(id [32]byte) (string, int, string, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	e, ok := idx.index[id]
	return e.circuitID, e.round, e.fingerprint, ok
}

// handleExtendEvent parses one 650 EXTEND_PAID_CIRCUIT event (spec.md
// §6: "650 EXTEND_PAID_CIRCUIT <circuit_id> <hop> <payment_ids...>"),
// initializes the ledger's row set for the hop, and registers every
// payment id in the identity index the watcher will query.
func handleExtendEvent(ev control.Event, l *ledger.Ledger, tracker *relayTracker, idx *identityIndex, cfg *config.Config) {
	if len(ev.Fields) < 3 {
		logger.Warn("malformed EXTEND_PAID_CIRCUIT event, dropping", "raw", ev.Raw)
		return
	}
	circuitID := ev.Field(0)
	fingerprint := ev.Field(1)
	idBlob := ev.Field(2)

	tracker.noteExtend(circuitID, time.Now())

	raw, err := hex.DecodeString(idBlob)
	if err != nil || len(raw)%32 != 0 {
		logger.Warn("malformed payment-id blob in extend event, dropping", "circuit_id", circuitID)
		return
	}

	rounds := len(raw) / 32
	hop := pcp.SelectedHop{Relay: pcp.Relay{Fingerprint: fingerprint}, PaymentIDs: make([][32]byte, rounds)}
	for i := 0; i < rounds; i++ {
		copy(hop.PaymentIDs[i][:], raw[i*32:(i+1)*32])
		idx.register(circuitID, i+1, fingerprint, hop.PaymentIDs[i])
	}

	l.InsertExtend(circuitID, []pcp.SelectedHop{hop}, rounds)
}
