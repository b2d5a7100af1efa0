package lightning

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// Mock is an in-process Adapter used by the orchestrator's "both" demo
// mode and by tests that need a working Lightning backend without a
// real node. Paying through a Mock immediately produces a Settlement on
// its own SubscribeIncoming stream, so a single process running both a
// client and relay role can settle payments against itself.
type Mock struct {
	mu       sync.Mutex
	incoming []chan Settlement
	paid     []Settlement
}

// NewMock returns a ready-to-use Mock adapter.
func NewMock() *Mock {
	return &Mock{}
}

// CreateOffer returns a synthetic offer string; Mock does not validate
// offers on Pay, so any non-empty string round-trips.
func (m *Mock) CreateOffer(ctx context.Context) (string, error) {
	return "lno1mock" + randHex(8), nil
}

// Pay records the payment and immediately fans it out to every
// subscriber as a Settlement, simulating instant settlement.
func (m *Mock) Pay(ctx context.Context, offer string, amountMsats uint64, id [32]byte) (string, error) {
	settlementID := randHex(16)
	s := Settlement{
		AmountMsats:  amountMsats,
		Note:         EncodeIdentifier(id),
		SettlementID: settlementID,
		ReceivedAt:   time.Now(),
	}

	m.mu.Lock()
	m.paid = append(m.paid, s)
	subs := append([]chan Settlement(nil), m.incoming...)
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- s:
		default:
		}
	}
	return settlementID, nil
}

// SubscribeIncoming returns a channel fed by subsequent Pay calls.
func (m *Mock) SubscribeIncoming(ctx context.Context) (<-chan Settlement, error) {
	ch := make(chan Settlement, 64)
	m.mu.Lock()
	m.incoming = append(m.incoming, ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, c := range m.incoming {
			if c == ch {
				m.incoming = append(m.incoming[:i], m.incoming[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

// ListOutgoing returns recorded payments since the given time.
func (m *Mock) ListOutgoing(ctx context.Context, since time.Time) ([]Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Settlement, 0, len(m.paid))
	for _, s := range m.paid {
		if s.ReceivedAt.After(since) {
			out = append(out, s)
		}
	}
	return out, nil
}

func randHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
