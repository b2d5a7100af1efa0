package ledger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/paidcircuit/paidcircuitd/pcp"
)

func TestFileAppendLogRoundTripsThroughLoadSegments(t *testing.T) {
	dir := t.TempDir()
	log, err := NewFileAppendLog(dir)
	require.NoError(t, err)

	row := pcp.LedgerRow{CircuitID: "circ-1", Round: 1, RelayFingerprint: "G1", UpdatedAt: 100, SettlementID: "s1"}
	require.NoError(t, log.Append(row))
	require.NoError(t, log.Close())

	rows, err := LoadSegments(dir)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, row.CircuitID, rows[0].CircuitID)
	require.Equal(t, row.SettlementID, rows[0].SettlementID)
}

func TestFileAppendLogDeduplicatesRepeatSettlements(t *testing.T) {
	dir := t.TempDir()
	log, err := NewFileAppendLog(dir)
	require.NoError(t, err)
	defer log.Close()

	row := pcp.LedgerRow{CircuitID: "circ-1", Round: 1, RelayFingerprint: "G1", UpdatedAt: 100, SettlementID: "dup-settle"}
	require.NoError(t, log.Append(row))
	require.NoError(t, log.Append(row))
	require.Equal(t, 1, log.rowCount)
}

func TestLoadSegmentsSkipsCorruptedSegment(t *testing.T) {
	dir := t.TempDir()
	log, err := NewFileAppendLog(dir)
	require.NoError(t, err)
	require.NoError(t, log.Append(pcp.LedgerRow{CircuitID: "circ-1", Round: 1, RelayFingerprint: "G1", UpdatedAt: 1}))
	require.NoError(t, log.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var segPath string
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".gz" {
			segPath = filepath.Join(dir, e.Name())
		}
	}
	require.NotEmpty(t, segPath)

	// corrupt the checksum sidecar so LoadSegments must skip this segment
	require.NoError(t, os.WriteFile(segPath+".b3", []byte("deadbeef\n"), 0o600))

	rows, err := LoadSegments(dir)
	require.NoError(t, err)
	require.Empty(t, rows)
}
