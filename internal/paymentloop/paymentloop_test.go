package paymentloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/paidcircuit/paidcircuitd/internal/faults"
	"github.com/paidcircuit/paidcircuitd/internal/lightning"
	"github.com/paidcircuit/paidcircuitd/pcp"
)

type fakeHealth struct {
	mu      sync.Mutex
	healthy map[string]bool
}

func newFakeHealth() *fakeHealth { return &fakeHealth{healthy: make(map[string]bool)} }

func (f *fakeHealth) set(id string, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy[id] = ok
}

func (f *fakeHealth) Healthy(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	ok, present := f.healthy[id]
	return !present || ok
}

type fakeLedger struct {
	mu   sync.Mutex
	rows []string
	ids  [][32]byte
}

func (f *fakeLedger) MarkPaid(circuitID string, round int, fingerprint string, id [32]byte, at int64, settlementID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, fingerprint)
	f.ids = append(f.ids, id)
	return true, nil
}

func hop(fp string, k int) pcp.SelectedHop {
	ids := make([][32]byte, k)
	for i := range ids {
		ids[i][0] = byte(i + 1)
	}
	return pcp.SelectedHop{Relay: pcp.Relay{Fingerprint: fp, PaymentBolt12Offer: "lno1" + fp}, PaymentIDs: ids}
}

func runLoop(t *testing.T, l *Loop) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	mock := l.Clock.(*clock.Mock)
	for i := 0; i < 20; i++ {
		time.Sleep(time.Millisecond)
		mock.Add(l.Interval)
	}

	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not finish")
		return nil
	}
}

func TestLoopPaysEveryHopEveryRoundOnSingleCircuit(t *testing.T) {
	mockClock := clock.NewMock()
	adapter := lightning.NewMock()
	fl := &fakeLedger{}

	loop := &Loop{
		Rounds:   3,
		Interval: time.Second,
		Primary:  Circuit{ID: "circ-1", Role: pcp.RolePrimary, Hops: []pcp.SelectedHop{hop("G1", 3), hop("M1", 3), hop("E1", 3)}},
		Adapter:  adapter,
		Ledger:   fl,
		Clock:    mockClock,
	}

	require.NoError(t, runLoop(t, loop))

	fl.mu.Lock()
	defer fl.mu.Unlock()
	require.Len(t, fl.rows, 9) // 3 rounds x 3 hops
	require.Len(t, fl.ids, 9)
	for _, id := range fl.ids {
		require.NotZero(t, id, "recorded payment id must be the real per-round hop id, not a zero value")
	}
}

func TestLoopAlternatesPrimaryAndBackup(t *testing.T) {
	mockClock := clock.NewMock()
	adapter := lightning.NewMock()

	var mu sync.Mutex
	var usedCircuits []string
	health := newFakeHealth()

	loop := &Loop{
		Rounds:   4,
		Interval: time.Second,
		Primary:  Circuit{ID: "primary", Hops: []pcp.SelectedHop{hop("G1", 4)}},
		Backup:   &Circuit{ID: "backup", Hops: []pcp.SelectedHop{hop("G1", 4)}},
		Adapter:  adapter,
		Health:   health,
		Clock:    mockClock,
	}

	// wrap Adapter.Pay indirectly via ledger recorder to observe which
	// circuit each round actually used
	loop.Ledger = ledgerRecorderFunc(func(circuitID string, round int, fingerprint string, id [32]byte, at int64, settlementID string) (bool, error) {
		mu.Lock()
		usedCircuits = append(usedCircuits, circuitID)
		mu.Unlock()
		return true, nil
	})

	require.NoError(t, runLoop(t, loop))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"primary", "backup", "primary", "backup"}, usedCircuits)
}

type ledgerRecorderFunc func(circuitID string, round int, fingerprint string, id [32]byte, at int64, settlementID string) (bool, error)

func (f ledgerRecorderFunc) MarkPaid(circuitID string, round int, fingerprint string, id [32]byte, at int64, settlementID string) (bool, error) {
	return f(circuitID, round, fingerprint, id, at, settlementID)
}

func TestLoopFailsOverWhenPrimaryUnhealthy(t *testing.T) {
	mockClock := clock.NewMock()
	adapter := lightning.NewMock()
	health := newFakeHealth()
	health.set("primary", false)

	var usedCircuits []string
	loop := &Loop{
		Rounds:   2,
		Interval: time.Second,
		Primary:  Circuit{ID: "primary", Hops: []pcp.SelectedHop{hop("G1", 2)}},
		Backup:   &Circuit{ID: "backup", Hops: []pcp.SelectedHop{hop("G1", 2)}},
		Adapter:  adapter,
		Health:   health,
		Clock:    mockClock,
		Ledger: ledgerRecorderFunc(func(circuitID string, round int, fingerprint string, id [32]byte, at int64, settlementID string) (bool, error) {
			usedCircuits = append(usedCircuits, circuitID)
			return true, nil
		}),
	}

	require.NoError(t, runLoop(t, loop))
	for _, c := range usedCircuits {
		require.Equal(t, "backup", c)
	}
}

type fakeAdapter struct {
	mu    sync.Mutex
	calls int
	errs  []error // nth call fails with errs[n] if present, else succeeds
}

func (f *fakeAdapter) Pay(ctx context.Context, offer string, amountMsats uint64, id [32]byte) (string, error) {
	f.mu.Lock()
	n := f.calls
	f.calls++
	f.mu.Unlock()
	if n < len(f.errs) && f.errs[n] != nil {
		return "", f.errs[n]
	}
	return "settle", nil
}

func (f *fakeAdapter) CreateOffer(ctx context.Context) (string, error) { return "lno1fake", nil }

func (f *fakeAdapter) SubscribeIncoming(ctx context.Context) (<-chan lightning.Settlement, error) {
	return make(chan lightning.Settlement), nil
}

func (f *fakeAdapter) ListOutgoing(ctx context.Context, since time.Time) ([]lightning.Settlement, error) {
	return nil, nil
}

func TestPayRoundRetriesOnceOnRetryableFailureThenSucceeds(t *testing.T) {
	adapter := &fakeAdapter{errs: []error{faults.LightningErrTimeout}}
	fl := &fakeLedger{}
	loop := &Loop{Adapter: adapter, Ledger: fl, Clock: clock.NewMock()}

	require.NoError(t, loop.payRound(context.Background(), Circuit{ID: "circ-1", Hops: []pcp.SelectedHop{hop("G1", 1)}}, 1))

	require.Equal(t, 2, adapter.calls, "one retry after the first retryable failure")
	require.Len(t, fl.rows, 1, "the retry's success must still be recorded")
}

func TestPayRoundDoesNotRetryTwiceOnRepeatedRetryableFailure(t *testing.T) {
	adapter := &fakeAdapter{errs: []error{faults.LightningErrTimeout, faults.LightningErrTimeout}}
	fl := &fakeLedger{}
	loop := &Loop{Adapter: adapter, Ledger: fl, Clock: clock.NewMock()}

	require.NoError(t, loop.payRound(context.Background(), Circuit{ID: "circ-1", Hops: []pcp.SelectedHop{hop("G1", 1)}}, 1))

	require.Equal(t, 2, adapter.calls, "at most one retry per round even when the retry also fails")
	require.Empty(t, fl.rows, "a hop that fails both attempts is skipped, not recorded")
}

func TestPayRoundDoesNotRetryNonRetryableFailure(t *testing.T) {
	adapter := &fakeAdapter{errs: []error{faults.LightningErrInsufficientFunds}}
	loop := &Loop{Adapter: adapter, Clock: clock.NewMock()}

	err := loop.payRound(context.Background(), Circuit{ID: "circ-1", Hops: []pcp.SelectedHop{hop("G1", 1)}}, 1)

	require.Error(t, err, "insufficient_funds is fatal per faults.Fatal")
	require.Equal(t, 1, adapter.calls, "non-retryable failures are not retried")
}

func TestLoopAbortsWithBothFailedWhenNeitherRecovers(t *testing.T) {
	mockClock := clock.NewMock()
	adapter := lightning.NewMock()
	health := newFakeHealth()
	health.set("primary", false)
	health.set("backup", false)

	loop := &Loop{
		Rounds:        2,
		Interval:      time.Second,
		Primary:       Circuit{ID: "primary", Hops: []pcp.SelectedHop{hop("G1", 2)}},
		Backup:        &Circuit{ID: "backup", Hops: []pcp.SelectedHop{hop("G1", 2)}},
		Adapter:       adapter,
		Health:        health,
		Clock:         mockClock,
		FailoverGrace: 200 * time.Millisecond,
	}

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()

	// advance the clock past the grace window in small steps so the
	// loop's internal polling ticks observe it
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mockClock.Add(50 * time.Millisecond)
		time.Sleep(time.Millisecond)
		select {
		case err := <-done:
			require.ErrorIs(t, err, faults.ErrBothFailed)
			return
		default:
		}
	}
	t.Fatal("loop never aborted with both_failed")
}
