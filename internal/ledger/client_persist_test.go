package ledger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSentLogAppendsRecordsAsJSONArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payments-sent.json")
	log, err := NewSentLog(path)
	require.NoError(t, err)

	var id [32]byte
	id[0] = 1
	require.NoError(t, log.Append("circ-1", 1, "G1", id, "settle-1", 100))
	require.NoError(t, log.Append("circ-1", 2, "G1", id, "settle-2", 200))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var records []SentRecord
	require.NoError(t, json.Unmarshal(data, &records))
	require.Len(t, records, 2)
	require.Equal(t, "settle-2", records[1].SettlementID)
}
