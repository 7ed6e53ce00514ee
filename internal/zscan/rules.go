package zscan

import (
	"fmt"
	"strconv"
	"time"

	"github.com/auditchain/auditchain/internal/ledger"
	"github.com/auditchain/auditchain/internal/receipt"
)

// Severity of a finding.
type Severity string

const (
	Critical Severity = "CRITICAL"
	Warning  Severity = "WARNING"
	Info     Severity = "INFO"
)

// Rule categories.
const (
	RuleChainContinuity     = "CHAIN_CONTINUITY"
	RuleHashIntegrity       = "HASH_INTEGRITY"
	RuleLamportMonotonicity = "LAMPORT_MONOTONICITY"
	RuleLatencyBreach       = "LATENCY_BREACH"
	RuleCriesAnomaly        = "CRIES_ANOMALY"
	RuleConsensusFailure    = "CONSENSUS_FAILURE"
)

// Finding is one rule outcome. Findings are data, not errors.
type Finding struct {
	RuleType              string         `json:"ruleType"`
	Severity              Severity       `json:"severity"`
	Passed                bool           `json:"passed"`
	Message               string         `json:"message"`
	AffectedEntityID      string         `json:"affectedEntityId,omitempty"`
	AffectedOrderingIndex *int64         `json:"affectedOrderingIndex,omitempty"`
	Details               map[string]any `json:"details,omitempty"`
}

func pass(rule, msg string) Finding {
	return Finding{RuleType: rule, Severity: Info, Passed: true, Message: msg}
}

func fail(rule string, sev Severity, msg, entity string, index int64, details map[string]any) Finding {
	return Finding{
		RuleType:              rule,
		Severity:              sev,
		Message:               msg,
		AffectedEntityID:      entity,
		AffectedOrderingIndex: &index,
		Details:               details,
	}
}

func receiptID(r ledger.Receipt) string {
	return strconv.FormatInt(r.ID, 10)
}

// checkChainContinuity expects receipts in ascending Lamport order.
func checkChainContinuity(receipts []ledger.Receipt) []Finding {
	if len(receipts) == 0 {
		return []Finding{pass(RuleChainContinuity, "No receipts found to verify")}
	}
	var out []Finding
	for i := 1; i < len(receipts); i++ {
		prev, cur := receipts[i-1], receipts[i]
		expected := prev.LamportClock + 1
		if cur.LamportClock != expected {
			out = append(out, fail(RuleChainContinuity, Critical,
				fmt.Sprintf("Chain gap detected: Lamport %d → %d", prev.LamportClock, cur.LamportClock),
				receiptID(cur), cur.LamportClock,
				map[string]any{
					"expectedClock": expected,
					"actualClock":   cur.LamportClock,
					"gap":           cur.LamportClock - expected,
				}))
		}
	}
	if len(out) == 0 {
		out = append(out, pass(RuleChainContinuity, fmt.Sprintf("Chain continuity verified for %d receipts", len(receipts))))
	}
	return out
}

// checkHashIntegrity verifies receipt links and digests, then block links
// and block hashes. receipts are in ascending Lamport order and blocks in
// chain order. completeChain reports whether blocks starts at the
// organization's first block.
func checkHashIntegrity(receipts []ledger.Receipt, blocks []ledger.Block, recordsByBlock map[string][]ledger.Record, completeChain bool) []Finding {
	if len(receipts) == 0 && len(blocks) == 0 {
		return []Finding{pass(RuleHashIntegrity, "No receipts found to verify")}
	}
	var out []Finding
	for i, cur := range receipts {
		expectedPrev := ""
		switch {
		case i > 0:
			expectedPrev = receipts[i-1].Digest
		case cur.LamportClock == 1:
			expectedPrev = ledger.GenesisHash
		}
		if expectedPrev != "" && cur.PreviousDigest != expectedPrev {
			out = append(out, fail(RuleHashIntegrity, Critical,
				fmt.Sprintf("Hash chain broken at Lamport %d", cur.LamportClock),
				receiptID(cur), cur.LamportClock,
				map[string]any{
					"expectedPrevDigest": expectedPrev,
					"actualPrevDigest":   cur.PreviousDigest,
				}))
		}
		if expected := ledger.ReceiptDigest(&cur); cur.Digest != expected {
			out = append(out, fail(RuleHashIntegrity, Critical,
				fmt.Sprintf("Receipt digest mismatch at Lamport %d", cur.LamportClock),
				receiptID(cur), cur.LamportClock,
				map[string]any{
					"expectedDigest": expected,
					"actualDigest":   cur.Digest,
				}))
		}
	}

	for i, b := range blocks {
		expectedPrev := ""
		switch {
		case i > 0:
			expectedPrev = blocks[i-1].Hash
		case completeChain:
			expectedPrev = ledger.GenesisHash
		}
		if expectedPrev != "" && b.PreviousHash != expectedPrev {
			out = append(out, fail(RuleHashIntegrity, Critical,
				fmt.Sprintf("Block chain broken at block %s", short(b.Hash)),
				b.Hash, b.LamportClock,
				map[string]any{
					"expectedPreviousHash": expectedPrev,
					"actualPreviousHash":   b.PreviousHash,
				}))
		}
		expected := ledger.BlockHash(ledger.BlockInput{
			PreviousHash: b.PreviousHash,
			Records:      recordsByBlock[b.Hash],
			LamportClock: b.LamportClock,
			Timestamp:    b.CreatedAt,
		})
		if expected != b.Hash {
			out = append(out, fail(RuleHashIntegrity, Critical,
				fmt.Sprintf("Block hash mismatch at block %s", short(b.Hash)),
				b.Hash, b.LamportClock,
				map[string]any{
					"expectedHash": expected,
					"actualHash":   b.Hash,
					"records":      len(recordsByBlock[b.Hash]),
				}))
		}
	}

	if len(out) == 0 {
		out = append(out, pass(RuleHashIntegrity,
			fmt.Sprintf("Hash integrity verified for %d receipts and %d blocks", len(receipts), len(blocks))))
	}
	return out
}

// checkLamportMonotonicity expects receipts in ascending creation order.
func checkLamportMonotonicity(receipts []ledger.Receipt) []Finding {
	if len(receipts) == 0 {
		return []Finding{pass(RuleLamportMonotonicity, "No receipts found to verify")}
	}
	var out []Finding
	for i := 1; i < len(receipts); i++ {
		prev, cur := receipts[i-1], receipts[i]
		if cur.LamportClock < prev.LamportClock {
			out = append(out, fail(RuleLamportMonotonicity, Critical,
				fmt.Sprintf("Lamport clock decreased: %d → %d", prev.LamportClock, cur.LamportClock),
				receiptID(cur), cur.LamportClock,
				map[string]any{
					"previousClock":     prev.LamportClock,
					"currentClock":      cur.LamportClock,
					"previousReceiptId": prev.ID,
				}))
		}
	}
	if len(out) == 0 {
		out = append(out, pass(RuleLamportMonotonicity, fmt.Sprintf("Lamport monotonicity verified for %d receipts", len(receipts))))
	}
	return out
}

// checkLatency compares each receipt's persist time with its event time.
func checkLatency(receipts []ledger.Receipt, thresholdSeconds float64) []Finding {
	if len(receipts) == 0 {
		return []Finding{pass(RuleLatencyBreach, "No receipts found to verify")}
	}
	var out []Finding
	for _, r := range receipts {
		if r.RealTimestamp.IsZero() {
			continue
		}
		latency := r.CreatedAt.Sub(r.RealTimestamp).Seconds()
		if latency <= thresholdSeconds {
			continue
		}
		sev := Warning
		if latency > thresholdSeconds*2 {
			sev = Critical
		}
		out = append(out, fail(RuleLatencyBreach, sev,
			fmt.Sprintf("Latency breach: %.1fs (threshold: %gs)", latency, thresholdSeconds),
			receiptID(r), r.LamportClock,
			map[string]any{
				"latencySeconds":   latency,
				"thresholdSeconds": thresholdSeconds,
				"eventTime":        r.RealTimestamp.Format(time.RFC3339Nano),
				"receiptTime":      r.CreatedAt.Format(time.RFC3339Nano),
			}))
	}
	if len(out) == 0 {
		out = append(out, pass(RuleLatencyBreach, fmt.Sprintf("Latency compliance verified for %d receipts", len(receipts))))
	}
	return out
}

// checkCries looks for low and sharply dropping block quality scores.
// blocks are in chain order.
func checkCries(blocks []ledger.Block, minScore, dropThreshold float64) []Finding {
	if len(blocks) == 0 {
		return []Finding{pass(RuleCriesAnomaly, "No block metrics found to verify")}
	}
	var out []Finding
	for _, b := range blocks {
		score := b.Metrics.Score()
		if score >= minScore {
			continue
		}
		sev := Warning
		if score < minScore/2 {
			sev = Critical
		}
		out = append(out, fail(RuleCriesAnomaly, sev,
			fmt.Sprintf("Low quality score: %.1f (min: %g)", score, minScore),
			b.Hash, b.LamportClock,
			map[string]any{"score": score, "minScore": minScore}))
	}
	for i := 1; i < len(blocks); i++ {
		prev, cur := blocks[i-1].Metrics.Score(), blocks[i].Metrics.Score()
		drop := prev - cur
		if drop <= dropThreshold {
			continue
		}
		sev := Warning
		if drop > dropThreshold*2 {
			sev = Critical
		}
		out = append(out, fail(RuleCriesAnomaly, sev,
			fmt.Sprintf("Quality score drop: %.1f → %.1f (-%.1f)", prev, cur, drop),
			blocks[i].Hash, blocks[i].LamportClock,
			map[string]any{
				"previousScore": prev,
				"currentScore":  cur,
				"drop":          drop,
				"dropThreshold": dropThreshold,
				"previousBlock": blocks[i-1].Hash,
			}))
	}
	if len(out) == 0 {
		out = append(out, pass(RuleCriesAnomaly, fmt.Sprintf("Quality scores verified for %d blocks", len(blocks))))
	}
	return out
}

// checkConsensus requires minWitnesses signatures per receipt, each marked
// verified and each re-verifying against the digest.
func checkConsensus(receipts []ledger.Receipt, witnesses map[string][]ledger.WitnessSignature, minWitnesses int) []Finding {
	if len(receipts) == 0 {
		return []Finding{pass(RuleConsensusFailure, "No receipts found to verify")}
	}
	var out []Finding
	for _, r := range receipts {
		sigs := witnesses[r.Digest]
		if len(sigs) < minWitnesses {
			out = append(out, fail(RuleConsensusFailure, Warning,
				fmt.Sprintf("Insufficient witnesses: %d (min: %d)", len(sigs), minWitnesses),
				receiptID(r), r.LamportClock,
				map[string]any{"witnessCount": len(sigs), "minWitnesses": minWitnesses}))
		}
		var unverified []string
		for _, w := range sigs {
			if !w.Verified || receipt.VerifySignature(w) != nil {
				unverified = append(unverified, w.ModelName)
			}
		}
		if len(unverified) > 0 {
			out = append(out, fail(RuleConsensusFailure, Warning,
				fmt.Sprintf("Consensus incomplete: %d unverified witnesses", len(unverified)),
				receiptID(r), r.LamportClock,
				map[string]any{
					"totalWitnesses":   len(sigs),
					"unverifiedCount":  len(unverified),
					"unverifiedModels": unverified,
				}))
		}
	}
	if len(out) == 0 {
		out = append(out, pass(RuleConsensusFailure, fmt.Sprintf("Witness consensus verified for %d receipts", len(receipts))))
	}
	return out
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
