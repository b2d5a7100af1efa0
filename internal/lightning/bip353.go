package lightning

import (
	"context"
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

// ResolveBIP353 resolves a BIP-353 payment address (user@domain) to a
// BOLT-12 offer string by looking up the "user._bitcoin-payment" TXT
// record under domain and extracting its "bitcoin:?lno=" URI, per
// spec.md's PaymentBolt12Bip353 carrier. resolverAddr is a "host:port"
// DNS resolver to query directly rather than the OS resolver, so tests
// can point at a private zone.
func ResolveBIP353(ctx context.Context, address, resolverAddr string) (string, error) {
	user, domain, ok := strings.Cut(address, "@")
	if !ok || user == "" || domain == "" {
		return "", fmt.Errorf("bip353: malformed address %q", address)
	}

	qname := fmt.Sprintf("%s._bitcoin-payment.%s.", user, domain)

	m := new(dns.Msg)
	m.SetQuestion(qname, dns.TypeTXT)
	m.RecursionDesired = true

	client := new(dns.Client)
	resp, _, err := client.ExchangeContext(ctx, m, resolverAddr)
	if err != nil {
		return "", fmt.Errorf("bip353: query %s: %w", qname, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return "", fmt.Errorf("bip353: %s: rcode %d", qname, resp.Rcode)
	}

	for _, rr := range resp.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		joined := strings.Join(txt.Txt, "")
		if offer, ok := extractOfferURI(joined); ok {
			return offer, nil
		}
	}
	return "", fmt.Errorf("bip353: no bitcoin-payment TXT record with lno= found for %s", address)
}

// extractOfferURI pulls the "lno=" parameter out of a "bitcoin:?lno=..."
// BIP-21-style URI, per the BIP-353 convention for carrying BOLT-12
// offers in DNS.
func extractOfferURI(uri string) (string, bool) {
	const marker = "lno="
	idx := strings.Index(uri, marker)
	if idx < 0 {
		return "", false
	}
	rest := uri[idx+len(marker):]
	if amp := strings.IndexByte(rest, '&'); amp >= 0 {
		rest = rest[:amp]
	}
	if rest == "" {
		return "", false
	}
	return rest, true
}
