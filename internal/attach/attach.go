// Package attach implements C6, the stream attacher: places the router
// in manual stream-attach mode, subscribes to STREAM events, and assigns
// each new stream to the primary or backup circuit in round-robin,
// failing over to the other circuit and finally leaving the router to
// handle the stream itself if both attach attempts fail (spec.md §4.6).
package attach

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/paidcircuit/paidcircuitd/internal/control"
	"github.com/paidcircuit/paidcircuitd/internal/faults"
	"github.com/paidcircuit/paidcircuitd/internal/logging"
)

var logger = logging.Named("attach")

// Attacher balances new streams across a primary and an optional backup
// circuit.
type Attacher struct {
	ch      *control.Channel
	primary string
	backup  string // "" if no backup circuit exists

	counter atomic.Uint64
}

// New returns an Attacher for the given circuit ids. backup may be empty
// (spec.md's single-circuit case), in which case every stream attaches
// to primary.
func New(ch *control.Channel, primary, backup string) *Attacher {
	return &Attacher{ch: ch, primary: primary, backup: backup}
}

// Configure issues SETCONF to place the router in manual attach mode and
// subscribes to STREAM events.
func (a *Attacher) Configure(ctx context.Context) error {
	_, err := a.ch.Command(ctx, control.DefaultCommandTimeout, "SETCONF __LeaveStreamsUnattached=1")
	if err != nil {
		return fmt.Errorf("%w: enable manual attach mode: %v", faults.ErrControl, err)
	}
	return a.ch.SetEvents(ctx, control.EventStream)
}

// Run consumes STREAM NEW events until ctx is canceled, attaching each to
// primary or backup in round-robin order. It processes events on a
// single goroutine so the assignment sequence stays monotonic even under
// a burst (spec.md §8 scenario 6).
func (a *Attacher) Run(ctx context.Context) error {
	streamEvents := a.ch.Subscribe(control.EventStream, 256)

	for {
		select {
		case ev, ok := <-streamEvents:
			if !ok {
				return nil
			}
			if ev.Field(1) != "NEW" {
				continue
			}
			streamID := ev.Field(0)
			a.attach(ctx, streamID)
		case <-ctx.Done():
			return nil
		}
	}
}

// attach picks a target circuit by round-robin, retries once on the
// other circuit on failure, and otherwise leaves the stream for the
// router to handle (degraded mode).
func (a *Attacher) attach(ctx context.Context, streamID string) {
	target := a.nextTarget()
	if err := a.issueAttach(ctx, streamID, target); err == nil {
		return
	}

	other := a.otherCircuit(target)
	if other == "" {
		logger.Warn("attach failed and no alternate circuit, leaving stream for router", "stream_id", streamID)
		return
	}
	if err := a.issueAttach(ctx, streamID, other); err != nil {
		logger.Warn("attach failed on both circuits, leaving stream for router", "stream_id", streamID)
	}
}

// nextTarget implements spec.md §4.6's counter rule: "primary if
// (counter++ mod 2)==1 else backup", falling back to primary-only when
// no backup circuit was configured.
func (a *Attacher) nextTarget() string {
	if a.backup == "" {
		return a.primary
	}
	n := a.counter.Add(1)
	if n%2 == 1 {
		return a.primary
	}
	return a.backup
}

func (a *Attacher) otherCircuit(target string) string {
	switch target {
	case a.primary:
		return a.backup
	case a.backup:
		return a.primary
	default:
		return ""
	}
}

func (a *Attacher) issueAttach(ctx context.Context, streamID, circuitID string) error {
	if circuitID == "" {
		return fmt.Errorf("%w: no circuit available for attach", faults.ErrControl)
	}
	cmd := fmt.Sprintf("ATTACHSTREAM %s %s", streamID, circuitID)
	_, err := a.ch.Command(ctx, control.DefaultCommandTimeout, cmd)
	return err
}
