// Package probe implements C7, the bandwidth probe: a periodic
// reachability check over the router's local socks endpoint, combined
// with a stream-count liveness signal into a per-circuit healthy bit
// (spec.md §4.7), plus the supplemented throughput sample and capacity
// warning from original_source/src/client/bandwidth_test.rs.
package probe

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/paidcircuit/paidcircuitd/internal/logging"
)

var logger = logging.Named("probe")

// DefaultInterval is the reachability check cadence from spec.md §4.7.
const DefaultInterval = 2 * time.Second

// StreamCapacityWarning is the open-stream count on a single circuit
// above which C7 logs a capacity warning (spec.md §4.7: "> 256 triggers
// a capacity warning").
const StreamCapacityWarning = 256

var (
	healthGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "paidcircuit",
		Subsystem: "probe",
		Name:      "circuit_healthy",
		Help:      "1 if the circuit's last reachability probe succeeded and its stream count is within capacity, else 0.",
	}, []string{"circuit_id"})

	throughputGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "paidcircuit",
		Subsystem: "probe",
		Name:      "throughput_bytes_per_second",
		Help:      "Most recent opt-in throughput sample for a circuit.",
	}, []string{"circuit_id"})
)

func init() {
	prometheus.MustRegister(healthGauge, throughputGauge)
}

// StatusSource reports the number of currently open streams on a
// circuit, sourced from the control channel's GETINFO stream-status
// (spec.md §4.7: "obtained from control-channel status").
type StatusSource interface {
	OpenStreamCount(ctx context.Context, circuitID string) (int, error)
}

// Dialer opens a connection through the local socks endpoint to a
// well-known target; swappable in tests for a fake.
type Dialer func(ctx context.Context) (net.Conn, error)

// Probe tracks the health of one circuit.
type Probe struct {
	circuitID  string
	interval   time.Duration
	dial       Dialer
	status     StatusSource
	clock      clock.Clock
	throughput bool // PaymentProbeThroughput opt-in

	mu      sync.RWMutex
	healthy bool
}

// New returns a Probe for circuitID. clk lets tests drive time
// deterministically; pass clock.New() in production.
func New(circuitID string, interval time.Duration, dial Dialer, status StatusSource, clk clock.Clock, throughput bool) *Probe {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Probe{
		circuitID: circuitID,
		interval:  interval,
		dial:      dial,
		status:    status,
		clock:     clk,
		throughput: throughput,
		healthy:   true, // optimistic until the first tick
	}
}

// Healthy reports the last computed health bit.
func (p *Probe) Healthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.healthy
}

// Run ticks every interval until ctx is canceled, updating the health
// bit and exported metrics on each tick.
func (p *Probe) Run(ctx context.Context) {
	ticker := p.clock.Ticker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Probe) tick(ctx context.Context) {
	reachable := p.heartbeat(ctx)

	capacityOK := true
	if p.status != nil {
		n, err := p.status.OpenStreamCount(ctx, p.circuitID)
		if err != nil {
			logger.Warn("stream status query failed", "circuit_id", p.circuitID, "error", err)
		} else if n > StreamCapacityWarning {
			logger.Warn("circuit approaching stream capacity", "circuit_id", p.circuitID, "streams", n)
			capacityOK = false
		}
	}

	healthy := reachable && capacityOK
	p.mu.Lock()
	p.healthy = healthy
	p.mu.Unlock()

	if healthy {
		healthGauge.WithLabelValues(p.circuitID).Set(1)
	} else {
		healthGauge.WithLabelValues(p.circuitID).Set(0)
	}

	if p.throughput {
		p.sampleThroughput(ctx)
	}
}

// heartbeat is the cheap default reachability check: a single dial
// through the local socks proxy, immediately closed.
func (p *Probe) heartbeat(ctx context.Context) bool {
	if p.dial == nil {
		return true
	}
	conn, err := p.dial(ctx)
	if err != nil {
		logger.Debug("heartbeat probe failed", "circuit_id", p.circuitID, "error", err)
		return false
	}
	conn.Close()
	return true
}

// sampleThroughput is the heavier, opt-in probe strength supplemented
// from original_source/src/client/bandwidth_test.rs: it reads a fixed
// amount of data through the same dial and records bytes/sec in the
// throughput gauge; the sample affects neither the health bit nor the
// capacity warning, and enforces no
// quota (spec.md's bandwidth-quota-enforcement Non-goal binds
// enforcement, not measurement).
func (p *Probe) sampleThroughput(ctx context.Context) {
	if p.dial == nil {
		return
	}
	conn, err := p.dial(ctx)
	if err != nil {
		return
	}
	defer conn.Close()

	const sampleBytes = 64 * 1024
	buf := make([]byte, sampleBytes)
	start := p.clock.Now()
	n, _ := conn.Read(buf)
	elapsed := p.clock.Now().Sub(start)
	if elapsed <= 0 || n == 0 {
		return
	}
	bytesPerSec := float64(n) / elapsed.Seconds()
	throughputGauge.WithLabelValues(p.circuitID).Set(bytesPerSec)
}
