// Package config parses the router's torrc-style directive file (one
// directive per line), applies environment variable overrides, and
// exposes the settings paidcircuitd needs on both the client and relay
// side. Precedence, lowest to highest: file, environment, CLI flag
// (applied by cmd/paidcircuitd after Load returns).
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/paidcircuit/paidcircuitd/internal/faults"
	"github.com/paidcircuit/paidcircuitd/internal/logging"
)

var logger = logging.Named("config")

const (
	EnvPrefix          = "PAIDCIRCUIT_"
	EnvControlAddr     = "CONTROL_ADDR"
	EnvControlPass     = "CONTROL_PASSWORD"
	EnvDataDir         = "DATA_DIR"
	DefaultControlPort = "127.0.0.1:9051"
	DefaultDataDir     = "./data"
	DefaultDNSResolver = "1.1.1.1:53"
	DefaultSocksAddr   = "127.0.0.1:9050"
	DefaultProbeTarget = "cloudflare.com:443"
	DefaultMetricsAddr = "127.0.0.1:9091"
)

// LightningBackendConfig is one PaymentLightningNodeConfig line:
// "type=... url=... credentials=... [default=true]".
type LightningBackendConfig struct {
	Type        string
	URL         string
	Credentials string
	Default     bool
}

// Config holds every directive this daemon recognizes plus the
// connection settings supplied out of band (CLI/env).
type Config struct {
	// Connection to the router's control port.
	ControlAddr     string
	ControlPassword string
	DataDir         string

	// Relay-side advertised payment terms.
	PaymentBolt12Offer  string
	PaymentBolt12Bip353 string
	PaymentRateMsats    uint64
	PaymentInterval     uint32 // seconds
	PaymentRounds       uint32 // PaymentInvervalRounds; Load rejects values above 10 (pcp.MaxRounds)
	HandshakeFee        uint64

	// Client-side fee ceiling.
	PaymentCircuitMaxFee uint64

	// Client-side optional required entry/exit constraints, passed to
	// the selector as-is (spec.md §4.3). Empty means unconstrained.
	RequireGuardFingerprint string
	RequireExitFingerprint  string

	// Lightning backends, in file order; the one with Default=true (or
	// the first, if none is marked) is used when a component needs a
	// single backend handle.
	LightningBackends []LightningBackendConfig

	// DNSResolverAddr is queried directly for PaymentBolt12Bip353
	// resolution (internal/lightning.ResolveBIP353), bypassing the OS
	// resolver the way a Tor client avoids leaking DNS through the
	// local stack.
	DNSResolverAddr string

	// SocksAddr is the router's local SOCKS port C7 dials through for
	// its reachability heartbeat. ProbeTargetAddr is the fixed,
	// lightweight endpoint it dials (spec.md §4.7).
	SocksAddr       string
	ProbeTargetAddr string

	// Probe tuning (supplemented feature, see SPEC_FULL.md).
	ProbeThroughput bool

	// MetricsAddr is where the /metrics (and /health) HTTP endpoint
	// listens; empty disables it entirely.
	MetricsAddr string
}

// Load reads path (a torrc-style file), overlays environment variables,
// and returns the merged config. path may be empty, in which case only
// environment defaults apply.
func Load(path string) (*Config, error) {
	cfg := &Config{
		ControlAddr: DefaultControlPort,
		DataDir:     DefaultDataDir,
		// PaymentInvervalRounds has no directive-level default per
		// spec.md — a relay that omits it gets the protocol max.
		PaymentRounds:   10,
		DNSResolverAddr: DefaultDNSResolver,
		SocksAddr:       DefaultSocksAddr,
		ProbeTargetAddr: DefaultProbeTarget,
		MetricsAddr:     DefaultMetricsAddr,
	}

	if path != "" {
		if err := parseFile(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if cfg.PaymentRounds > 10 {
		return nil, fmt.Errorf("%w: PaymentInvervalRounds=%d exceeds protocol maximum of 10",
			faults.ErrConfig, cfg.PaymentRounds)
	}

	return cfg, nil
}

func parseFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: opening %s: %v", faults.ErrConfig, path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		key := fields[0]
		rest := strings.TrimSpace(strings.TrimPrefix(line, key))

		if err := applyDirective(cfg, key, rest); err != nil {
			return fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
	}
	return scanner.Err()
}

func applyDirective(cfg *Config, key, value string) error {
	switch key {
	case "PaymentBolt12Offer":
		cfg.PaymentBolt12Offer = value
	case "PaymentBolt12Bip353":
		cfg.PaymentBolt12Bip353 = value
	case "PaymentRateMsats":
		v, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: PaymentRateMsats: %v", faults.ErrConfig, err)
		}
		cfg.PaymentRateMsats = v
	case "PaymentInterval":
		v, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("%w: PaymentInterval: %v", faults.ErrConfig, err)
		}
		cfg.PaymentInterval = uint32(v)
	case "PaymentInvervalRounds":
		v, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("%w: PaymentInvervalRounds: %v", faults.ErrConfig, err)
		}
		cfg.PaymentRounds = uint32(v)
	case "PaymentCircuitMaxFee":
		v, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: PaymentCircuitMaxFee: %v", faults.ErrConfig, err)
		}
		cfg.PaymentCircuitMaxFee = v
	case "HandshakeFee":
		v, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: HandshakeFee: %v", faults.ErrConfig, err)
		}
		cfg.HandshakeFee = v
	case "PaymentLightningNodeConfig":
		backend, err := parseBackendLine(value)
		if err != nil {
			return err
		}
		cfg.LightningBackends = append(cfg.LightningBackends, backend)
	case "PaymentProbeThroughput":
		cfg.ProbeThroughput = value == "1"
	case "ControlPort":
		cfg.ControlAddr = value
	case "RequireGuardFingerprint":
		cfg.RequireGuardFingerprint = value
	case "RequireExitFingerprint":
		cfg.RequireExitFingerprint = value
	case "DNSResolverAddr":
		cfg.DNSResolverAddr = value
	case "SocksAddr":
		cfg.SocksAddr = value
	case "ProbeTargetAddr":
		cfg.ProbeTargetAddr = value
	case "MetricsAddr":
		cfg.MetricsAddr = value
	default:
		// Unknown directive: forward-compatible with the router's own
		// config surface, log and ignore per spec.md §7.
		logger.Debug("ignoring unknown directive", "key", key)
	}
	return nil
}

func parseBackendLine(value string) (LightningBackendConfig, error) {
	var b LightningBackendConfig
	for _, kv := range strings.Fields(value) {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return b, fmt.Errorf("%w: malformed PaymentLightningNodeConfig field %q", faults.ErrConfig, kv)
		}
		switch parts[0] {
		case "type":
			b.Type = parts[1]
		case "url":
			b.URL = parts[1]
		case "credentials":
			b.Credentials = parts[1]
		case "default":
			b.Default = parts[1] == "true"
		}
	}
	if b.Type == "" {
		return b, fmt.Errorf("%w: PaymentLightningNodeConfig missing type=", faults.ErrConfig)
	}
	return b, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvPrefix + EnvControlAddr); v != "" {
		cfg.ControlAddr = v
	}
	if v := os.Getenv(EnvPrefix + EnvControlPass); v != "" {
		cfg.ControlPassword = v
	}
	if v := os.Getenv(EnvPrefix + EnvDataDir); v != "" {
		cfg.DataDir = v
	}
}

// DefaultBackend returns the backend marked default=true, or the first
// configured backend if none is marked, or false if none is configured.
func (c *Config) DefaultBackend() (LightningBackendConfig, bool) {
	if len(c.LightningBackends) == 0 {
		return LightningBackendConfig{}, false
	}
	for _, b := range c.LightningBackends {
		if b.Default {
			return b, true
		}
	}
	return c.LightningBackends[0], true
}
