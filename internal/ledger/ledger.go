// Package ledger defines the audit ledger's data model: audit records,
// the blocks that batch them into a per-organization hash chain, the
// receipts consumed by the Z-Scan verifier, and witness signatures.
//
// Everything in this package is pure. Persistence lives in the store
// package; the critical section that creates blocks lives in builder.
package ledger

import (
	"encoding/json"
	"fmt"
	"time"
)

// GenesisHash is the previousHash of an organization's first block and
// the previousDigest of a scope's first receipt.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Record is a single audit record. BlockHash is empty until the record is
// included in a block and never changes afterwards.
type Record struct {
	ID             int64          `json:"id"`
	Action         string         `json:"action"`
	Category       string         `json:"category"`
	Status         string         `json:"status"`
	UserID         int64          `json:"userId"`
	OrganizationID int64          `json:"organizationId"`
	LamportClock   int64          `json:"lamportClock"`
	HashPointer    string         `json:"hashPointer,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
	BlockHash      string         `json:"blockHash,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// Pending reports whether the record has not been included in a block yet.
func (r *Record) Pending() bool {
	return r.BlockHash == ""
}

// Block is an immutable batch of records bound to its predecessor.
// CreatedAt is also the build timestamp that went into Hash.
type Block struct {
	ID             int64     `json:"id"`
	Hash           string    `json:"hash"`
	PreviousHash   string    `json:"previousHash"`
	OrganizationID int64     `json:"organizationId"`
	LamportClock   int64     `json:"lamportClock"`
	Metrics        Metrics   `json:"metrics"`
	CreatedAt      time.Time `json:"createdAt"`
}

// MetricsVersion is the current version of the Metrics payload.
const MetricsVersion = 1

// Metrics is the quality-score vector computed once per block.
type Metrics struct {
	Version         int       `json:"version"`
	Consistency     float64   `json:"consistency"`
	Reproducibility float64   `json:"reproducibility"`
	Integrity       float64   `json:"integrity"`
	Explainability  float64   `json:"explainability"`
	Security        float64   `json:"security"`
	Timestamp       time.Time `json:"timestamp"`
	RecordsAnalyzed int       `json:"recordsAnalyzed"`
}

// Score folds the five dimensions into a single 0-100 quality score.
func (m Metrics) Score() float64 {
	sum := m.Consistency + m.Reproducibility + m.Integrity + m.Explainability + m.Security
	return sum / 5 * 100
}

// Validate checks the version tag and that every dimension is in [0,1].
func (m Metrics) Validate() error {
	if m.Version != MetricsVersion {
		return fmt.Errorf("unsupported metrics version %d", m.Version)
	}
	dims := map[string]float64{
		"consistency":     m.Consistency,
		"reproducibility": m.Reproducibility,
		"integrity":       m.Integrity,
		"explainability":  m.Explainability,
		"security":        m.Security,
	}
	for name, v := range dims {
		if v < 0 || v > 1 {
			return fmt.Errorf("metrics %s %.4f out of range [0,1]", name, v)
		}
	}
	if m.RecordsAnalyzed < 0 {
		return fmt.Errorf("metrics recordsAnalyzed must be non-negative")
	}
	return nil
}

// DecodeMetrics parses a stored metrics document and validates it.
func DecodeMetrics(data []byte) (Metrics, error) {
	var m Metrics
	if err := json.Unmarshal(data, &m); err != nil {
		return Metrics{}, fmt.Errorf("parsing metrics: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Metrics{}, err
	}
	return m, nil
}

// Receipt types.
const (
	ReceiptBlockAppend  = "BLOCK_APPEND"
	ReceiptVerification = "VERIFICATION"
)

// Receipt is an entry in a scope's receipt chain. Payload holds the exact
// bytes that were hashed into Digest.
type Receipt struct {
	ID             int64           `json:"id"`
	ScopeID        int64           `json:"scopeId"`
	ReceiptType    string          `json:"receiptType"`
	LamportClock   int64           `json:"lamportClock"`
	PreviousDigest string          `json:"previousDigest"`
	Digest         string          `json:"digest"`
	Payload        json.RawMessage `json:"payload"`
	RealTimestamp  time.Time       `json:"realTimestamp"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// PayloadVersion is the current version of ReceiptPayload.
const PayloadVersion = 1

// Payload kinds.
const (
	PayloadBlock = "block"
	PayloadScan  = "scan"
)

// ReceiptPayload is a tagged union over the receipt payload kinds.
// Exactly one of Block or Scan is set, matching Kind.
type ReceiptPayload struct {
	Version int           `json:"version"`
	Kind    string        `json:"kind"`
	Block   *BlockPayload `json:"block,omitempty"`
	Scan    *ScanPayload  `json:"scan,omitempty"`
}

// BlockPayload describes a block appended to an organization chain.
type BlockPayload struct {
	BlockHash    string  `json:"blockHash"`
	PreviousHash string  `json:"previousHash"`
	LamportClock int64   `json:"lamportClock"`
	Records      int     `json:"records"`
	Score        float64 `json:"score"`
}

// ScanPayload summarizes a completed Z-Scan run.
type ScanPayload struct {
	ScanID     int64 `json:"scanId"`
	TotalRules int   `json:"totalRules"`
	Passed     int   `json:"passed"`
	Warnings   int   `json:"warnings"`
	Critical   int   `json:"critical"`
}

// Validate checks that the payload's tag matches its contents.
func (p ReceiptPayload) Validate() error {
	if p.Version != PayloadVersion {
		return fmt.Errorf("unsupported receipt payload version %d", p.Version)
	}
	switch p.Kind {
	case PayloadBlock:
		if p.Block == nil || p.Scan != nil {
			return fmt.Errorf("block payload must carry only block data")
		}
	case PayloadScan:
		if p.Scan == nil || p.Block != nil {
			return fmt.Errorf("scan payload must carry only scan data")
		}
	default:
		return fmt.Errorf("unknown receipt payload kind %q", p.Kind)
	}
	return nil
}

// Encode validates and serializes the payload.
func (p ReceiptPayload) Encode() (json.RawMessage, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshaling receipt payload: %w", err)
	}
	return data, nil
}

// DecodePayload parses and validates a stored receipt payload.
func DecodePayload(data []byte) (ReceiptPayload, error) {
	var p ReceiptPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return ReceiptPayload{}, fmt.Errorf("parsing receipt payload: %w", err)
	}
	if err := p.Validate(); err != nil {
		return ReceiptPayload{}, err
	}
	return p, nil
}

// WitnessSignature is one witness's attestation over a receipt digest.
type WitnessSignature struct {
	ID            int64     `json:"id"`
	ReceiptDigest string    `json:"receiptDigest"`
	ModelName     string    `json:"modelName"`
	PublicKey     string    `json:"publicKey"`
	Signature     string    `json:"signature"`
	Verified      bool      `json:"verified"`
	CreatedAt     time.Time `json:"createdAt"`
}
