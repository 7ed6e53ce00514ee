package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"time"
)

var hashPattern = regexp.MustCompile(`^[a-f0-9]{64}$`)

// IsHash reports whether s is a 64-char lowercase hex digest.
func IsHash(s string) bool {
	return hashPattern.MatchString(s)
}

// BlockInput is the canonical logical input of a block.
// Records must be in inclusion order; reordering changes the hash.
type BlockInput struct {
	PreviousHash string
	Records      []Record
	LamportClock int64
	Timestamp    time.Time
}

type canonicalRecord struct {
	ID          int64  `json:"id"`
	Action      string `json:"action"`
	Category    string `json:"category"`
	UserID      int64  `json:"userId"`
	Lamport     int64  `json:"lamport"`
	CreatedAt   string `json:"createdAt"`
	HashPointer string `json:"hashPointer"`
}

type canonicalBlock struct {
	PreviousHash string            `json:"previousHash"`
	Records      []canonicalRecord `json:"records"`
	Timestamp    int64             `json:"timestamp"`
	LamportClock int64             `json:"lamportClock"`
}

// BlockHash computes the block digest:
//
//	SHA-256(JSON{previousHash, records[id|action|category|userId|lamport|createdAt|hashPointer], timestamp, lamportClock})
//
// The timestamp is hashed at millisecond precision, so callers should
// truncate the build time before storing it.
func BlockHash(in BlockInput) string {
	cb := canonicalBlock{
		PreviousHash: in.PreviousHash,
		Records:      make([]canonicalRecord, len(in.Records)),
		Timestamp:    in.Timestamp.UnixMilli(),
		LamportClock: in.LamportClock,
	}
	for i, r := range in.Records {
		cb.Records[i] = canonicalRecord{
			ID:          r.ID,
			Action:      r.Action,
			Category:    r.Category,
			UserID:      r.UserID,
			Lamport:     r.LamportClock,
			CreatedAt:   r.CreatedAt.UTC().Format(time.RFC3339Nano),
			HashPointer: r.HashPointer,
		}
	}
	// Marshaling plain structs of strings and ints cannot fail.
	data, _ := json.Marshal(cb)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type canonicalReceipt struct {
	ReceiptType    string          `json:"receiptType"`
	LamportClock   int64           `json:"lamportClock"`
	PreviousDigest string          `json:"previousDigest"`
	Payload        json.RawMessage `json:"payload"`
	RealTimestamp  string          `json:"realTimestamp"`
}

// ReceiptDigest computes a receipt's digest from its stored fields.
func ReceiptDigest(r *Receipt) string {
	payload := r.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	data, err := json.Marshal(canonicalReceipt{
		ReceiptType:    r.ReceiptType,
		LamportClock:   r.LamportClock,
		PreviousDigest: r.PreviousDigest,
		Payload:        payload,
		RealTimestamp:  r.RealTimestamp.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		// Invalid payload JSON: hash the raw bytes so the digest still
		// differs from any well-formed receipt.
		data = append([]byte(r.ReceiptType), r.Payload...)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyResult holds the outcome of a block chain verification.
type VerifyResult struct {
	Valid         bool   `json:"valid"`
	BlocksChecked int    `json:"blocks_checked"`
	BrokenAt      int    `json:"broken_at,omitempty"`
	Reason        string `json:"reason,omitempty"`
	ExpectedHash  string `json:"expected_hash,omitempty"`
	ActualHash    string `json:"actual_hash,omitempty"`
}

// VerifyChain checks an organization's blocks in chain order. Each block
// must link to its predecessor (or genesis) and its hash must match the
// digest recomputed from the records that reference it.
func VerifyChain(blocks []Block, recordsByBlock map[string][]Record) VerifyResult {
	prev := GenesisHash
	for i, b := range blocks {
		if b.PreviousHash != prev {
			return VerifyResult{
				BlocksChecked: i + 1,
				BrokenAt:      i,
				Reason:        "previous hash mismatch",
				ExpectedHash:  prev,
				ActualHash:    b.PreviousHash,
			}
		}
		expected := BlockHash(BlockInput{
			PreviousHash: b.PreviousHash,
			Records:      recordsByBlock[b.Hash],
			LamportClock: b.LamportClock,
			Timestamp:    b.CreatedAt,
		})
		if b.Hash != expected {
			return VerifyResult{
				BlocksChecked: i + 1,
				BrokenAt:      i,
				Reason:        "block hash mismatch",
				ExpectedHash:  expected,
				ActualHash:    b.Hash,
			}
		}
		prev = b.Hash
	}
	return VerifyResult{Valid: true, BlocksChecked: len(blocks)}
}
