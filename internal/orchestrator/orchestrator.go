// Package orchestrator wires C1-C11 into the client run, the relay run,
// and a "both" in-process mode for local development and integration
// tests, owning the goprocess tree and the errgroup that supervises it
// (spec.md §5's task list; SPEC_FULL's ambient concurrency stack).
package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	goprocess "github.com/jbenet/goprocess"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/paidcircuit/paidcircuitd/internal/attach"
	"github.com/paidcircuit/paidcircuitd/internal/auditor"
	"github.com/paidcircuit/paidcircuitd/internal/circuitbuild"
	"github.com/paidcircuit/paidcircuitd/internal/config"
	"github.com/paidcircuit/paidcircuitd/internal/consensus"
	"github.com/paidcircuit/paidcircuitd/internal/control"
	"github.com/paidcircuit/paidcircuitd/internal/faults"
	"github.com/paidcircuit/paidcircuitd/internal/ledger"
	"github.com/paidcircuit/paidcircuitd/internal/lightning"
	"github.com/paidcircuit/paidcircuitd/internal/logging"
	"github.com/paidcircuit/paidcircuitd/internal/paymentid"
	"github.com/paidcircuit/paidcircuitd/internal/paymentloop"
	"github.com/paidcircuit/paidcircuitd/internal/probe"
	"github.com/paidcircuit/paidcircuitd/internal/selector"
	"github.com/paidcircuit/paidcircuitd/internal/watcher"
	"github.com/paidcircuit/paidcircuitd/pcp"
)

var logger = logging.Named("orchestrator")

// Mode is the daemon's CLI-selected run mode (spec.md §6).
type Mode string

const (
	ModeClient Mode = "client"
	ModeRelay  Mode = "relay"
	ModeBoth   Mode = "both"
)

// Orchestrator owns the process tree for one daemon run.
type Orchestrator struct {
	Mode Mode
	Cfg  *config.Config

	proc goprocess.Process
}

// New returns an Orchestrator for the given mode and config.
func New(mode Mode, cfg *config.Config) *Orchestrator {
	return &Orchestrator{Mode: mode, Cfg: cfg, proc: goprocess.WithParent(goprocess.Background())}
}

// Run dials the router, builds the component graph for the selected
// mode, and blocks until ctx is canceled or a fatal error occurs. It
// returns the first task error the errgroup reports, combined with
// multierr with any error from closing the goprocess handle; errors from
// further tasks failing in the same shutdown are not reported.
func (o *Orchestrator) Run(ctx context.Context) error {
	ch, err := control.Dial(ctx, o.Cfg.ControlAddr, o.Cfg.ControlPassword)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := ch.Close(); cerr != nil {
			logger.Warn("control channel close error", "error", cerr)
		}
	}()

	adapter, err := o.buildAdapter(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	switch o.Mode {
	case ModeClient:
		g.Go(func() error { return o.runClient(gctx, ch, adapter) })
	case ModeRelay:
		g.Go(func() error { return o.runRelay(gctx, ch, adapter) })
	case ModeBoth:
		g.Go(func() error { return o.runRelay(gctx, ch, adapter) })
		g.Go(func() error { return o.runClient(gctx, ch, adapter) })
	default:
		return fmt.Errorf("%w: unknown mode %q", faults.ErrConfig, o.Mode)
	}

	runErr := g.Wait()
	closeErr := o.proc.Close()
	return multierr.Combine(runErr, closeErr)
}

// buildAdapter constructs the configured Lightning backend, falling back
// to the in-process Mock when no PaymentLightningNodeConfig backend is
// configured (the "both" demo mode's usual case).
func (o *Orchestrator) buildAdapter(ctx context.Context) (lightning.Adapter, error) {
	backend, ok := o.Cfg.DefaultBackend()
	if !ok {
		logger.Info("no Lightning backend configured, using in-process mock adapter")
		return lightning.NewMock(), nil
	}

	var variant lightning.Variant
	switch backend.Type {
	case "offer-a":
		variant = lightning.VariantOfferA
	case "offer-b":
		variant = lightning.VariantOfferB
	case "invoice":
		variant = lightning.VariantInvoice
	default:
		return nil, fmt.Errorf("%w: unknown PaymentLightningNodeConfig type %q", faults.ErrConfig, backend.Type)
	}
	return lightning.NewHTTPBackend(variant, backend.URL, backend.Credentials), nil
}

// runRelay wires C9 (durable ledger), C10 (watcher), and C11 (auditor)
// against extend events observed on the control channel (spec.md's
// relay data flow: "C1 event extend_received -> C9 initialize -> C10
// watches -> C11 audits and issues teardown via C1").
func (o *Orchestrator) runRelay(ctx context.Context, ch *control.Channel, adapter lightning.Adapter) error {
	logDir := filepath.Join(o.Cfg.DataDir, "ledger")
	appendLog, err := ledger.NewFileAppendLog(logDir)
	if err != nil {
		return err
	}
	defer appendLog.Close()

	clk := clock.New()
	l := ledger.New(appendLog, func() int64 { return clk.Now().Unix() })

	tracker := newRelayTracker(l, o.Cfg)
	lookup := newIdentityIndex()

	if err := ch.SetEvents(ctx, control.EventExtendPaidCircuit); err != nil {
		return err
	}
	extendEvents := ch.Subscribe(control.EventExtendPaidCircuit, 64)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case ev, ok := <-extendEvents:
				if !ok {
					return nil
				}
				handleExtendEvent(ev, l, tracker, lookup, o.Cfg)
			case <-gctx.Done():
				return nil
			}
		}
	})

	w := watcher.New(adapter, l, lookup, nil, func() int64 { return clk.Now().Unix() })
	g.Go(func() error { return w.Run(gctx) })

	aud := auditor.New(l, tracker, ch, clk, time.Duration(0), func(circuitID string, round int, reason auditor.Reason, outcome watcher.Outcome) {
		logger.Info("circuit torn down", "circuit_id", circuitID, "round", round, "reason", reason, "outcome", outcome)
		tracker.forget(circuitID)
	})
	g.Go(func() error { return aud.Run(gctx) })

	return g.Wait()
}

// runClient wires C3-C8 into a single circuit build-and-pay run.
func (o *Orchestrator) runClient(ctx context.Context, ch *control.Channel, adapter lightning.Adapter) error {
	cachePath := filepath.Join(o.Cfg.DataDir, "consensus-cache")
	cache := consensus.NewCache(cachePath)
	if err := cache.Refresh(); err != nil {
		return err
	}

	sel := selector.New(rand.Int63())
	params := selector.Params{
		Rounds:       o.Cfg.PaymentRounds,
		Ceiling:      o.Cfg.PaymentCircuitMaxFee,
		RequireGuard: o.Cfg.RequireGuardFingerprint,
		RequireExit:  o.Cfg.RequireExitFingerprint,
	}

	primaryRelays, err := sel.Select(cache.All(), params)
	if err != nil {
		return err
	}

	gen := paymentid.New()
	primaryHops, err := assembleHops(ctx, gen, primaryRelays, o.Cfg.PaymentRounds, o.Cfg.DNSResolverAddr)
	if err != nil {
		return err
	}

	builder := circuitbuild.New(ch, 0)
	primaryID, err := builder.Build(ctx, primaryHops, nil)
	if err != nil {
		return err
	}

	backupRelays, err := sel.SelectBackup(cache.All(), primaryRelays, params)
	var backupID string
	var backupHops []pcp.SelectedHop
	if err == nil {
		backupHops, err = assembleHops(ctx, gen, backupRelays, o.Cfg.PaymentRounds, o.Cfg.DNSResolverAddr)
		if err == nil {
			backupID, err = builder.Build(ctx, backupHops, nil)
		}
	}
	if err != nil {
		logger.Warn("backup circuit unavailable, running single-circuit", "error", err)
	}

	att := attach.New(ch, primaryID, backupID)
	if err := att.Configure(ctx); err != nil {
		return err
	}

	sentLogPath := filepath.Join(o.Cfg.DataDir, "payments-sent.json")
	sentLog, err := ledger.NewSentLog(sentLogPath)
	if err != nil {
		return err
	}

	clk := clock.New()
	streamStatus := controlStatusSource{ch: ch}
	primaryProbe := probe.New(primaryID, 0, probe.SocksDialer(o.Cfg.SocksAddr, o.Cfg.ProbeTargetAddr, primaryID), streamStatus, clk, o.Cfg.ProbeThroughput)
	var backupProbe *probe.Probe
	if backupID != "" {
		backupProbe = probe.New(backupID, 0, probe.SocksDialer(o.Cfg.SocksAddr, o.Cfg.ProbeTargetAddr, backupID), streamStatus, clk, o.Cfg.ProbeThroughput)
	}

	health := &probeHealth{primary: primaryID, primaryProbe: primaryProbe, backup: backupID, backupProbe: backupProbe}

	// A long-lived CIRC subscription outlives both builds' own transient
	// ones (circuitbuild.Builder.Build subscribes only for the duration
	// of that one call, and the second Build's subscribe silently closes
	// the first) so a relay-initiated teardown is still observed after
	// both circuits are up (spec.md §3, §8 scenario 2). abortCh carries
	// the fatal error once no circuit survives.
	abortCh := make(chan error, 1)
	var tracker *circuitTracker
	tracker = newCircuitTracker(func(circuitID string) {
		health.markClosed(circuitID)
		if tracker.anyOpen(primaryID, backupID) {
			return
		}
		select {
		case abortCh <- fmt.Errorf("%w: circuit %s", faults.ErrCircuitClosed, circuitID):
		default:
		}
	})
	tracker.track(primaryID, primaryHops, pcp.RolePrimary, clk.Now())
	if backupID != "" {
		tracker.track(backupID, backupHops, pcp.RoleBackup, clk.Now())
	}
	circEvents := ch.Subscribe(control.EventCirc, 16)

	loop := &paymentloop.Loop{
		Rounds:   o.Cfg.PaymentRounds,
		Interval: time.Duration(o.Cfg.PaymentInterval) * time.Second,
		Primary:  paymentloop.Circuit{ID: primaryID, Role: pcp.RolePrimary, Hops: primaryHops},
		Adapter:  adapter,
		Health:   health,
		Clock:    clk,
		Ledger:   sentLogRecorder{sentLog: sentLog, findID: hopFinder(primaryHops, backupHops)},
	}
	if backupID != "" {
		loop.Backup = &paymentloop.Circuit{ID: backupID, Role: pcp.RoleBackup, Hops: backupHops}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return att.Run(gctx) })
	g.Go(func() error { primaryProbe.Run(gctx); return nil })
	if backupProbe != nil {
		g.Go(func() error { backupProbe.Run(gctx); return nil })
	}
	g.Go(func() error { return loop.Run(gctx) })
	g.Go(func() error { tracker.run(gctx, circEvents); return nil })
	g.Go(func() error {
		select {
		case err := <-abortCh:
			return err
		case <-gctx.Done():
			return nil
		}
	})

	return g.Wait()
}
