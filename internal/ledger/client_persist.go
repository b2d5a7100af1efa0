package ledger

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"sync"
)

// SentRecord is one entry in the client's payments-sent.json post-mortem
// log (spec.md §6 "Persisted state").
type SentRecord struct {
	CircuitID        string `json:"circuit_id"`
	Round            int    `json:"round"`
	RelayFingerprint string `json:"relay_fingerprint"`
	PaymentID        string `json:"payment_id"`
	SettlementID     string `json:"settlement_id"`
	At               int64  `json:"at"`
}

// SentLog appends client-side payment outcomes to payments-sent.json for
// post-mortem analysis only; it is not consulted by the ledger itself,
// matching §3's "Client rows are in-memory; persisted only for
// post-mortem analysis."
type SentLog struct {
	mu   sync.Mutex
	path string
}

// NewSentLog opens (creating if absent) the payments-sent.json file at
// path.
func NewSentLog(path string) (*SentLog, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte("[]"), 0o600); err != nil {
			return nil, err
		}
	}
	return &SentLog{path: path}, nil
}

// Append adds one record to the array on disk, per §6's "append-only
// array of records". The whole file is rewritten each call; this is a
// low-throughput post-mortem log (at most K x H entries per circuit),
// not a hot path.
func (s *SentLog) Append(circuitID string, round int, fingerprint string, paymentID [32]byte, settlementID string, at int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readLocked()
	if err != nil {
		return err
	}
	records = append(records, SentRecord{
		CircuitID:        circuitID,
		Round:            round,
		RelayFingerprint: fingerprint,
		PaymentID:        hex.EncodeToString(paymentID[:]),
		SettlementID:     settlementID,
		At:               at,
	})
	return s.writeLocked(records)
}

func (s *SentLog) readLocked() ([]SentRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var records []SentRecord
	if len(data) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *SentLog) writeLocked(records []SentRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}
