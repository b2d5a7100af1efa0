package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/paidcircuit/paidcircuitd/internal/faults"
)

func writeTorrc(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "torrc")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadWithNoPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, DefaultControlPort, cfg.ControlAddr)
	require.Equal(t, DefaultDataDir, cfg.DataDir)
	require.Equal(t, uint32(10), cfg.PaymentRounds)
	require.Equal(t, DefaultDNSResolver, cfg.DNSResolverAddr)
	require.Equal(t, DefaultSocksAddr, cfg.SocksAddr)
	require.Equal(t, DefaultProbeTarget, cfg.ProbeTargetAddr)
	require.Equal(t, DefaultMetricsAddr, cfg.MetricsAddr)
}

func TestLoadParsesEveryDirective(t *testing.T) {
	path := writeTorrc(t, `
# comment lines and blank lines are ignored

PaymentBolt12Offer lno1qexampleoffer
PaymentBolt12Bip353 pay@relay.example
PaymentRateMsats 500
PaymentInterval 30
PaymentInvervalRounds 6
PaymentCircuitMaxFee 9000
HandshakeFee 50
PaymentLightningNodeConfig type=offer-a url=http://127.0.0.1:8080 credentials=secret default=true
PaymentProbeThroughput 1
ControlPort 127.0.0.1:9999
RequireGuardFingerprint G1
RequireExitFingerprint E1
DNSResolverAddr 9.9.9.9:53
SocksAddr 127.0.0.1:9150
ProbeTargetAddr example.com:443
MetricsAddr 127.0.0.1:9092
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "lno1qexampleoffer", cfg.PaymentBolt12Offer)
	require.Equal(t, "pay@relay.example", cfg.PaymentBolt12Bip353)
	require.Equal(t, uint64(500), cfg.PaymentRateMsats)
	require.Equal(t, uint32(30), cfg.PaymentInterval)
	require.Equal(t, uint32(6), cfg.PaymentRounds)
	require.Equal(t, uint64(9000), cfg.PaymentCircuitMaxFee)
	require.Equal(t, uint64(50), cfg.HandshakeFee)
	require.True(t, cfg.ProbeThroughput)
	require.Equal(t, "127.0.0.1:9999", cfg.ControlAddr)
	require.Equal(t, "G1", cfg.RequireGuardFingerprint)
	require.Equal(t, "E1", cfg.RequireExitFingerprint)
	require.Equal(t, "9.9.9.9:53", cfg.DNSResolverAddr)
	require.Equal(t, "127.0.0.1:9150", cfg.SocksAddr)
	require.Equal(t, "example.com:443", cfg.ProbeTargetAddr)
	require.Equal(t, "127.0.0.1:9092", cfg.MetricsAddr)

	require.Len(t, cfg.LightningBackends, 1)
	require.Equal(t, "offer-a", cfg.LightningBackends[0].Type)
	require.Equal(t, "http://127.0.0.1:8080", cfg.LightningBackends[0].URL)
	require.Equal(t, "secret", cfg.LightningBackends[0].Credentials)
	require.True(t, cfg.LightningBackends[0].Default)
}

func TestLoadIgnoresUnknownDirectivesForForwardCompatibility(t *testing.T) {
	path := writeTorrc(t, "SomeFutureDirective value\nPaymentRateMsats 10\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, uint64(10), cfg.PaymentRateMsats)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist"))
	require.ErrorIs(t, err, faults.ErrConfig)
}

func TestLoadRejectsMalformedNumericDirective(t *testing.T) {
	path := writeTorrc(t, "PaymentRateMsats not-a-number\n")
	_, err := Load(path)
	require.ErrorIs(t, err, faults.ErrConfig)
}

func TestLoadRejectsPaymentIntervalRoundsAboveProtocolMax(t *testing.T) {
	path := writeTorrc(t, "PaymentInvervalRounds 11\n")
	_, err := Load(path)
	require.ErrorIs(t, err, faults.ErrConfig)
}

func TestLoadRejectsLightningBackendMissingType(t *testing.T) {
	path := writeTorrc(t, "PaymentLightningNodeConfig url=http://x\n")
	_, err := Load(path)
	require.ErrorIs(t, err, faults.ErrConfig)
}

func TestLoadRejectsLightningBackendMalformedField(t *testing.T) {
	path := writeTorrc(t, "PaymentLightningNodeConfig type\n")
	_, err := Load(path)
	require.ErrorIs(t, err, faults.ErrConfig)
}

func TestApplyEnvOverridesFileValues(t *testing.T) {
	path := writeTorrc(t, "ControlPort 127.0.0.1:1111\n")

	t.Setenv(EnvPrefix+EnvControlAddr, "127.0.0.1:2222")
	t.Setenv(EnvPrefix+EnvDataDir, "/tmp/paidcircuit-data")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:2222", cfg.ControlAddr, "env must win over the file directive")
	require.Equal(t, "/tmp/paidcircuit-data", cfg.DataDir)
}

func TestDefaultBackendPrefersTheOneMarkedDefault(t *testing.T) {
	cfg := &Config{LightningBackends: []LightningBackendConfig{
		{Type: "offer-a", URL: "http://a"},
		{Type: "invoice", URL: "http://b", Default: true},
	}}
	backend, ok := cfg.DefaultBackend()
	require.True(t, ok)
	require.Equal(t, "invoice", backend.Type)
}

func TestDefaultBackendFallsBackToFirstWhenNoneMarked(t *testing.T) {
	cfg := &Config{LightningBackends: []LightningBackendConfig{{Type: "offer-a"}}}
	backend, ok := cfg.DefaultBackend()
	require.True(t, ok)
	require.Equal(t, "offer-a", backend.Type)
}

func TestDefaultBackendReturnsFalseWhenNoneConfigured(t *testing.T) {
	cfg := &Config{}
	_, ok := cfg.DefaultBackend()
	require.False(t, ok)
}
