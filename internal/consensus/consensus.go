// Package consensus is the read-only relay-descriptor cache C3 selects
// from. The consensus format itself is an external collaborator
// (spec.md §1: "consumed as a readable cache") — this package parses the
// router's own descriptor cache file into pcp.Relay values and exposes a
// point-in-time snapshot; it does not validate signatures or freshness,
// that is the router's job upstream of this cache file.
package consensus

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/paidcircuit/paidcircuitd/internal/faults"
	"github.com/paidcircuit/paidcircuitd/internal/logging"
	"github.com/paidcircuit/paidcircuitd/pcp"
)

var logger = logging.Named("consensus")

// Cache holds the most recently loaded snapshot of relay descriptors,
// keyed by fingerprint, and supports being refreshed in place from disk.
type Cache struct {
	mu     sync.RWMutex
	relays map[string]pcp.Relay
	path   string
}

// NewCache returns an empty cache reading from path on Refresh.
func NewCache(path string) *Cache {
	return &Cache{relays: make(map[string]pcp.Relay), path: path}
}

// Refresh reloads the descriptor file from disk, replacing the prior
// snapshot atomically (readers never see a partially loaded cache).
func (c *Cache) Refresh() error {
	f, err := os.Open(c.path)
	if err != nil {
		return fmt.Errorf("%w: open consensus cache: %v", faults.ErrConfig, err)
	}
	defer f.Close()

	relays, err := parseDescriptors(f)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.relays = relays
	c.mu.Unlock()

	logger.Info("consensus cache refreshed", "count", len(relays))
	return nil
}

// All returns a snapshot slice of every currently cached relay.
func (c *Cache) All() []pcp.Relay {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]pcp.Relay, 0, len(c.relays))
	for _, r := range c.relays {
		out = append(out, r)
	}
	return out
}

// Get returns the relay with the given fingerprint, if cached.
func (c *Cache) Get(fingerprint string) (pcp.Relay, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.relays[fingerprint]
	return r, ok
}

// parseDescriptors reads a stanza-based descriptor cache: blank-line
// separated blocks of "key value" lines, one block per relay, mirroring
// the torrc-style directive syntax the rest of this daemon's config
// already uses (spec.md §6).
func parseDescriptors(f *os.File) (map[string]pcp.Relay, error) {
	relays := make(map[string]pcp.Relay)
	scanner := bufio.NewScanner(f)

	cur := pcp.Relay{}
	haveAny := false

	flush := func() error {
		if !haveAny {
			return nil
		}
		if cur.Fingerprint == "" {
			return fmt.Errorf("%w: descriptor stanza missing fingerprint", faults.ErrConfig)
		}
		relays[cur.Fingerprint] = cur
		cur = pcp.Relay{}
		haveAny = false
		return nil
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}
		haveAny = true

		key, value, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)

		switch key {
		case "fingerprint":
			cur.Fingerprint = value
		case "nickname":
			cur.Nickname = value
		case "role":
			for _, r := range strings.Fields(value) {
				cur.Roles = append(cur.Roles, pcp.Role(r))
			}
		case "PaymentBolt12Offer":
			cur.PaymentBolt12Offer = value
		case "PaymentBolt12Bip353":
			cur.PaymentBolt12Bip353 = value
		case "PaymentRateMsats":
			n, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: PaymentRateMsats: %v", faults.ErrConfig, err)
			}
			cur.RateMsats = n
		case "PaymentInterval":
			n, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("%w: PaymentInterval: %v", faults.ErrConfig, err)
			}
			cur.IntervalSecs = uint32(n)
		case "PaymentInvervalRounds":
			n, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("%w: PaymentInvervalRounds: %v", faults.ErrConfig, err)
			}
			if n > pcp.MaxRounds {
				return nil, fmt.Errorf("%w: PaymentInvervalRounds %d exceeds protocol limit %d", faults.ErrConfig, n, pcp.MaxRounds)
			}
			cur.MaxRounds = uint32(n)
		case "HandshakeFee":
			n, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: HandshakeFee: %v", faults.ErrConfig, err)
			}
			cur.HandshakeFeeMs = n
		default:
			logger.Debug("unrecognized descriptor field, ignoring", "key", key)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading consensus cache: %v", faults.ErrConfig, err)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return relays, nil
}
