package consensus

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/paidcircuit/paidcircuitd/pcp"
)

func writeCache(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "consensus-cache")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestRefreshParsesStanzas(t *testing.T) {
	path := writeCache(t, `
fingerprint AAAA
nickname guard1
role guard
PaymentRateMsats 100
PaymentInterval 60
PaymentInvervalRounds 10
HandshakeFee 0

fingerprint BBBB
nickname exit1
role exit
PaymentBolt12Offer lno1exit
PaymentRateMsats 200
`)
	c := NewCache(path)
	require.NoError(t, c.Refresh())

	all := c.All()
	require.Len(t, all, 2)

	guard, ok := c.Get("AAAA")
	require.True(t, ok)
	require.Equal(t, "guard1", guard.Nickname)
	require.Equal(t, []pcp.Role{pcp.RoleGuard}, guard.Roles)
	require.Equal(t, uint64(100), guard.RateMsats)
	require.Equal(t, uint32(10), guard.MaxRounds)

	exit, ok := c.Get("BBBB")
	require.True(t, ok)
	require.Equal(t, "lno1exit", exit.PaymentBolt12Offer)
}

func TestRefreshRejectsRoundsAboveProtocolLimit(t *testing.T) {
	path := writeCache(t, `
fingerprint AAAA
PaymentInvervalRounds 11
`)
	c := NewCache(path)
	require.Error(t, c.Refresh())
}

func TestRefreshRejectsMissingFingerprint(t *testing.T) {
	path := writeCache(t, `
nickname noname
PaymentRateMsats 5
`)
	c := NewCache(path)
	require.Error(t, c.Refresh())
}
