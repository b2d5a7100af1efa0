package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/paidcircuit/paidcircuitd/internal/config"
	"github.com/paidcircuit/paidcircuitd/internal/faults"
	"github.com/paidcircuit/paidcircuitd/internal/lightning"
)

func TestBuildAdapterFallsBackToMockWhenNoBackendConfigured(t *testing.T) {
	o := &Orchestrator{Mode: ModeClient, Cfg: &config.Config{}}
	adapter, err := o.buildAdapter(context.Background())
	require.NoError(t, err)
	_, isMock := adapter.(*lightning.Mock)
	require.True(t, isMock, "expected the in-process mock when no PaymentLightningNodeConfig is configured")
}

func TestBuildAdapterMapsEachKnownBackendType(t *testing.T) {
	cases := map[string]lightning.Variant{
		"offer-a": lightning.VariantOfferA,
		"offer-b": lightning.VariantOfferB,
		"invoice": lightning.VariantInvoice,
	}
	for backendType, wantVariant := range cases {
		cfg := &config.Config{LightningBackends: []config.LightningBackendConfig{
			{Type: backendType, URL: "http://127.0.0.1:1", Default: true},
		}}
		o := &Orchestrator{Mode: ModeClient, Cfg: cfg}
		adapter, err := o.buildAdapter(context.Background())
		require.NoError(t, err)

		httpBackend, ok := adapter.(*lightning.HTTPBackend)
		require.True(t, ok)
		require.Equal(t, wantVariant, httpBackend.Variant)
	}
}

func TestBuildAdapterRejectsUnknownBackendType(t *testing.T) {
	cfg := &config.Config{LightningBackends: []config.LightningBackendConfig{
		{Type: "carrier-pigeon", URL: "http://127.0.0.1:1", Default: true},
	}}
	o := &Orchestrator{Mode: ModeClient, Cfg: cfg}
	_, err := o.buildAdapter(context.Background())
	require.ErrorIs(t, err, faults.ErrConfig)
}

func TestRunRejectsUnreachableControlAddrRatherThanHanging(t *testing.T) {
	o := New(ModeClient, &config.Config{ControlAddr: "127.0.0.1:1"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := o.Run(ctx)
	require.Error(t, err)
}
