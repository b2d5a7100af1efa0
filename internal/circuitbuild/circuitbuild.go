// Package circuitbuild implements C5: assembling and issuing the
// extended-build command over the control channel, and waiting for the
// router to report the circuit built or failed (spec.md §4.5).
package circuitbuild

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	sha256simd "github.com/minio/sha256-simd"

	"github.com/paidcircuit/paidcircuitd/internal/control"
	"github.com/paidcircuit/paidcircuitd/internal/faults"
	"github.com/paidcircuit/paidcircuitd/internal/logging"
	"github.com/paidcircuit/paidcircuitd/pcp"
)

var logger = logging.Named("circuitbuild")

// DefaultBuildTimeout is the BUILT/FAILED wait bound from spec.md §4.5.
const DefaultBuildTimeout = 30 * time.Second

// Builder issues EXTENDPAIDCIRCUIT and waits for the corresponding CIRC
// event over a shared control channel.
type Builder struct {
	ch      *control.Channel
	timeout time.Duration
}

// New returns a Builder driving ch, waiting up to timeout for BUILT
// (0 uses DefaultBuildTimeout).
func New(ch *control.Channel, timeout time.Duration) *Builder {
	if timeout <= 0 {
		timeout = DefaultBuildTimeout
	}
	return &Builder{ch: ch, timeout: timeout}
}

// HandshakePayer settles a nonzero HandshakeFee out-of-band via a payer,
// returning the resulting proof; the builder itself never talks to the
// Lightning adapter, matching §4.5's "the client first settles the
// handshake payment out-of-band via the Lightning Adapter" being a
// caller-supplied concern.
type HandshakePayer func(ctx context.Context, hop pcp.Relay) (pcp.HandshakeProof, error)

// Build assembles and issues the extended build command for hops (in
// entry-to-exit order), each already carrying its K payment ids, and
// blocks for BUILT or FAILED. On success it returns the router-assigned
// circuit id.
func (b *Builder) Build(ctx context.Context, hops []pcp.SelectedHop, pay HandshakePayer) (string, error) {
	built, err := prepareHandshakes(ctx, hops, pay)
	if err != nil {
		return "", err
	}

	circEvents := b.ch.Subscribe(control.EventCirc, 8)

	cmd, err := buildCommand(built)
	if err != nil {
		return "", err
	}

	reply, err := b.ch.Command(ctx, control.DefaultCommandTimeout, cmd)
	if err != nil {
		return "", fmt.Errorf("%w: extend paid circuit: %v", faults.ErrBuild, err)
	}
	circuitID := parseCircuitID(reply.Lines)

	logger.Info("circuit build issued", "circuit_id", circuitID, "hops", len(hops))

	deadline := time.NewTimer(b.timeout)
	defer deadline.Stop()

	for {
		select {
		case ev, ok := <-circEvents:
			if !ok {
				return "", fmt.Errorf("%w: control channel closed awaiting build", faults.ErrBuild)
			}
			if ev.Field(0) != circuitID && circuitID != "" {
				continue
			}
			state := ev.Field(1)
			switch state {
			case "BUILT":
				logger.Info("circuit built", "circuit_id", circuitID)
				return circuitID, nil
			case "FAILED", "CLOSED":
				return "", fmt.Errorf("%w: circuit %s reported %s", faults.ErrBuild, circuitID, state)
			}
		case <-deadline.C:
			return "", fmt.Errorf("%w: timed out awaiting BUILT for circuit %s", faults.ErrBuild, circuitID)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func prepareHandshakes(ctx context.Context, hops []pcp.SelectedHop, pay HandshakePayer) ([]pcp.SelectedHop, error) {
	out := make([]pcp.SelectedHop, len(hops))
	for i, hop := range hops {
		if hop.Relay.HandshakeFeeMs == 0 {
			proof, err := dummyProof()
			if err != nil {
				return nil, err
			}
			hop.Handshake = proof
			out[i] = hop
			continue
		}
		if pay == nil {
			return nil, fmt.Errorf("%w: hop %s charges a handshake fee but no payer was supplied", faults.ErrBuild, hop.Relay.Fingerprint)
		}
		proof, err := pay(ctx, hop.Relay)
		if err != nil {
			return nil, fmt.Errorf("%w: handshake payment to %s: %v", faults.ErrLightning, hop.Relay.Fingerprint, err)
		}
		hop.Handshake = proof
		out[i] = hop
	}
	return out, nil
}

// dummyProof produces random padding of the same shape a real
// (hash, preimage) pair would have, so a passive observer of the extend
// command cannot distinguish a paying hop from a free one (spec.md
// §4.5).
func dummyProof() (pcp.HandshakeProof, error) {
	var p pcp.HandshakeProof
	if _, err := rand.Read(p.Preimage[:]); err != nil {
		return p, err
	}
	p.PaymentHash = sha256simd.Sum256(p.Preimage[:])
	return p, nil
}

// buildCommand renders EXTENDPAIDCIRCUIT per spec.md §6:
// "EXTENDPAIDCIRCUIT 0 <fp> <h> <p> <ids>  <fp> <h> <p> <ids>  ...".
func buildCommand(hops []pcp.SelectedHop) (string, error) {
	var b strings.Builder
	b.WriteString("EXTENDPAIDCIRCUIT 0")
	for _, hop := range hops {
		if len(hop.PaymentIDs) == 0 {
			return "", fmt.Errorf("%w: hop %s has no payment ids", faults.ErrBuild, hop.Relay.Fingerprint)
		}
		idBlob := make([]byte, 0, 32*len(hop.PaymentIDs))
		for _, id := range hop.PaymentIDs {
			idBlob = append(idBlob, id[:]...)
		}
		fmt.Fprintf(&b, " %s %s %s %s",
			hop.Relay.Fingerprint,
			hex.EncodeToString(hop.Handshake.PaymentHash[:]),
			hex.EncodeToString(hop.Handshake.Preimage[:]),
			hex.EncodeToString(idBlob),
		)
	}
	return b.String(), nil
}

// parseCircuitID pulls the router-assigned circuit id out of the extend
// command's reply lines, tolerating routers that answer with a bare
// "250 <id>" or a "250-CircuitID=<id>" keyed line.
func parseCircuitID(lines []string) string {
	for _, line := range lines {
		if idx := strings.Index(line, "CircuitID="); idx >= 0 {
			return strings.TrimSpace(line[idx+len("CircuitID="):])
		}
	}
	if len(lines) == 0 {
		return ""
	}
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) >= 2 {
		return fields[1]
	}
	return ""
}
