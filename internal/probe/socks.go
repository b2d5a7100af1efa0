package probe

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/net/proxy"
)

// SocksDialer returns a Dialer that opens a connection to target through
// the router's local SOCKS port, using isolationUser as the SOCKS5
// username so that the primary and backup circuit each land in their own
// stream-isolation group (spec.md §4.7's reachability check, generalized
// from original_source/src/client/bandwidth_test.rs's single-circuit
// heartbeat_check, which had no notion of per-circuit isolation, to the
// dual-circuit case this daemon runs).
func SocksDialer(socksAddr, target, isolationUser string) Dialer {
	auth := &proxy.Auth{User: isolationUser, Password: "paidcircuit-probe"}
	return func(ctx context.Context) (net.Conn, error) {
		d, err := proxy.SOCKS5("tcp", socksAddr, auth, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("probe: socks5 dialer for %s: %w", socksAddr, err)
		}
		if ctxDialer, ok := d.(proxy.ContextDialer); ok {
			return ctxDialer.DialContext(ctx, "tcp", target)
		}
		return d.Dial("tcp", target)
	}
}
