package zscan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auditchain/auditchain/internal/builder"
	"github.com/auditchain/auditchain/internal/ledger"
	"github.com/auditchain/auditchain/internal/lock"
	"github.com/auditchain/auditchain/internal/receipt"
	"github.com/auditchain/auditchain/internal/store"
)

var base = time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)

// chain builds a well-linked receipt chain with the given Lamport values.
func chain(lamports ...int64) []ledger.Receipt {
	prev := ledger.GenesisHash
	var out []ledger.Receipt
	for i, l := range lamports {
		r := ledger.Receipt{
			ID:             int64(i + 1),
			ScopeID:        1,
			ReceiptType:    ledger.ReceiptVerification,
			LamportClock:   l,
			PreviousDigest: prev,
			Payload:        json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
			RealTimestamp:  base.Add(time.Duration(i) * time.Minute),
			CreatedAt:      base.Add(time.Duration(i)*time.Minute + time.Second),
		}
		r.Digest = ledger.ReceiptDigest(&r)
		prev = r.Digest
		out = append(out, r)
	}
	return out
}

func failed(findings []Finding) []Finding {
	var out []Finding
	for _, f := range findings {
		if !f.Passed {
			out = append(out, f)
		}
	}
	return out
}

func TestChainContinuity(t *testing.T) {
	got := checkChainContinuity(chain(1, 2, 3, 4, 5))
	require.Len(t, got, 1)
	assert.True(t, got[0].Passed)
	assert.Equal(t, Info, got[0].Severity)

	got = checkChainContinuity(chain(4, 5, 7))
	require.Len(t, got, 1)
	assert.False(t, got[0].Passed)
	assert.Equal(t, Critical, got[0].Severity)
	require.NotNil(t, got[0].AffectedOrderingIndex)
	assert.Equal(t, int64(7), *got[0].AffectedOrderingIndex)
	assert.Equal(t, int64(1), got[0].Details["gap"])
}

func TestHashIntegrity(t *testing.T) {
	receipts := chain(1, 2, 3)
	got := checkHashIntegrity(receipts, nil, nil, true)
	require.Len(t, got, 1)
	assert.True(t, got[0].Passed)

	tampered := chain(1, 2, 3)
	tampered[1].Payload = json.RawMessage(`{"n":99}`)
	got = failed(checkHashIntegrity(tampered, nil, nil, true))
	require.Len(t, got, 1)
	assert.Equal(t, Critical, got[0].Severity)
	assert.Contains(t, got[0].Message, "digest mismatch")

	relinked := chain(1, 2, 3)
	relinked[2].PreviousDigest = relinked[0].Digest
	relinked[2].Digest = ledger.ReceiptDigest(&relinked[2])
	got = failed(checkHashIntegrity(relinked, nil, nil, true))
	require.Len(t, got, 1)
	assert.Contains(t, got[0].Message, "Hash chain broken")

	// A window that starts mid-chain is not held to genesis.
	window := chain(1, 2, 3)[1:]
	assert.Empty(t, failed(checkHashIntegrity(window, nil, nil, true)))
}

func TestHashIntegrity_Blocks(t *testing.T) {
	records := []ledger.Record{{ID: 1, Action: "A", LamportClock: 1, CreatedAt: base}}
	b := ledger.Block{PreviousHash: ledger.GenesisHash, LamportClock: 1, CreatedAt: base}
	b.Hash = ledger.BlockHash(ledger.BlockInput{PreviousHash: b.PreviousHash, Records: records, LamportClock: 1, Timestamp: base})
	byBlock := map[string][]ledger.Record{b.Hash: records}

	assert.Empty(t, failed(checkHashIntegrity(nil, []ledger.Block{b}, byBlock, true)))

	edited := map[string][]ledger.Record{b.Hash: {{ID: 1, Action: "B", LamportClock: 1, CreatedAt: base}}}
	got := failed(checkHashIntegrity(nil, []ledger.Block{b}, edited, true))
	require.Len(t, got, 1)
	assert.Equal(t, b.Hash, got[0].AffectedEntityID)
}

func TestLamportMonotonicity(t *testing.T) {
	assert.Empty(t, failed(checkLamportMonotonicity(chain(1, 2, 3))))

	byCreation := chain(1, 2, 3)
	byCreation[1], byCreation[2] = byCreation[2], byCreation[1]
	got := failed(checkLamportMonotonicity(byCreation))
	require.Len(t, got, 1)
	assert.Equal(t, Critical, got[0].Severity)
	assert.Equal(t, int64(2), *got[0].AffectedOrderingIndex)
}

func TestLatency(t *testing.T) {
	tests := []struct {
		name    string
		delay   time.Duration
		want    Severity
		passing bool
	}{
		{"30s within threshold", 30 * time.Second, Info, true},
		{"61s warning", 61 * time.Second, Warning, false},
		{"130s critical", 130 * time.Second, Critical, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := ledger.Receipt{ID: 1, LamportClock: 1, RealTimestamp: base, CreatedAt: base.Add(tt.delay)}
			got := checkLatency([]ledger.Receipt{r}, 60)
			require.Len(t, got, 1)
			assert.Equal(t, tt.passing, got[0].Passed)
			assert.Equal(t, tt.want, got[0].Severity)
		})
	}
}

func metricsWithScore(score float64) ledger.Metrics {
	v := score / 100
	return ledger.Metrics{Version: 1, Consistency: v, Reproducibility: v, Integrity: v, Explainability: v, Security: v}
}

func TestCries(t *testing.T) {
	blocks := func(scores ...float64) []ledger.Block {
		var out []ledger.Block
		for i, s := range scores {
			out = append(out, ledger.Block{Hash: fmt.Sprintf("b%d", i), LamportClock: int64(i), Metrics: metricsWithScore(s)})
		}
		return out
	}

	assert.Empty(t, failed(checkCries(blocks(90, 85, 80), 40, 20)))

	got := failed(checkCries(blocks(30), 40, 20))
	require.Len(t, got, 1)
	assert.Equal(t, Warning, got[0].Severity)

	got = failed(checkCries(blocks(10), 40, 20))
	require.Len(t, got, 1)
	assert.Equal(t, Critical, got[0].Severity)

	got = failed(checkCries(blocks(90, 65), 40, 20))
	require.Len(t, got, 1)
	assert.Equal(t, Warning, got[0].Severity, "drop of 25")

	got = failed(checkCries(blocks(95, 50), 40, 20))
	require.Len(t, got, 1)
	assert.Equal(t, Critical, got[0].Severity, "drop of 45")
}

func TestConsensus(t *testing.T) {
	panel, err := receipt.NewWitnesses([]receipt.WitnessKey{{Name: "model-a"}, {Name: "model-b"}})
	require.NoError(t, err)
	receipts := chain(1)
	sigs, err := panel.Sign(receipts[0].Digest)
	require.NoError(t, err)

	one := map[string][]ledger.WitnessSignature{receipts[0].Digest: sigs[:1]}
	got := failed(checkConsensus(receipts, one, 2))
	require.Len(t, got, 1)
	assert.Equal(t, Warning, got[0].Severity)

	two := map[string][]ledger.WitnessSignature{receipts[0].Digest: sigs}
	assert.Empty(t, failed(checkConsensus(receipts, two, 2)))

	forged := append([]ledger.WitnessSignature(nil), sigs...)
	forged[1].Signature = strings.Repeat("0", len(forged[1].Signature))
	got = failed(checkConsensus(receipts, map[string][]ledger.WitnessSignature{receipts[0].Digest: forged}, 2))
	require.Len(t, got, 1)
	assert.Contains(t, got[0].Message, "unverified")
}

func TestEmptyScopeIsComplete(t *testing.T) {
	got := evaluate(&scanData{}, DefaultConfig())
	require.Len(t, got, 6)
	rules := make(map[string]bool)
	for _, f := range got {
		assert.True(t, f.Passed)
		assert.Equal(t, Info, f.Severity)
		rules[f.RuleType] = true
	}
	assert.Len(t, rules, 6)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.LatencyThresholdSeconds = 0
	var cfgErr *ConfigError
	require.True(t, errors.As(bad.Validate(), &cfgErr))
	assert.Equal(t, "latencyThresholdSeconds", cfgErr.Field)

	bad = DefaultConfig()
	bad.MaxReceiptsPerScan = 0
	assert.Error(t, bad.Validate())
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), store.DriverSQLite, filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRun_EndToEnd(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	panel, err := receipt.NewWitnesses([]receipt.WitnessKey{{Name: "model-a"}, {Name: "model-b"}})
	require.NoError(t, err)
	emitter := receipt.NewEmitter(s, panel)
	b := builder.New(s, lock.TxStrategy{}, emitter, builder.Config{}, nil)

	for blk := 0; blk < 2; blk++ {
		for i := 0; i < 10; i++ {
			r := &ledger.Record{Action: "LOGIN", Category: "AUTH", Status: "OK", UserID: 1, OrganizationID: 6,
				Details: map[string]any{"ip": "10.0.0.1"}}
			require.NoError(t, s.InsertRecord(ctx, r))
		}
		require.Equal(t, builder.Built, b.Build(ctx, 6).Outcome)
	}

	scanner := NewScanner(s, emitter, nil)
	rep, err := scanner.Run(ctx, 6, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 6, rep.TotalRules)
	assert.Equal(t, 6, rep.Passed, "%+v", rep.Results)
	assert.Zero(t, rep.Warnings)
	assert.Zero(t, rep.Critical)
	assert.NotZero(t, rep.ScanID)

	// The scan appended its own receipt after the two block receipts.
	receipts, err := s.ReceiptsByLamport(ctx, 6, 10)
	require.NoError(t, err)
	require.Len(t, receipts, 3)
	assert.Equal(t, ledger.ReceiptVerification, receipts[2].ReceiptType)
	assert.Equal(t, rep.ReceiptDigest, receipts[2].Digest)

	// A second scan covers the first scan's receipt too.
	rep2, err := scanner.Run(ctx, 6, DefaultConfig())
	require.NoError(t, err)
	assert.Zero(t, rep2.Critical)

	history, err := scanner.History(ctx, 6, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, rep2.ScanID, history[0].ID)

	stats, err := scanner.Stats(ctx, 6)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalScans)
	require.NotNil(t, stats.LatestScan)
	assert.Equal(t, rep2.ScanID, stats.LatestScan.ID)
}

func TestRun_RejectsBadConfig(t *testing.T) {
	s := openStore(t)
	scanner := NewScanner(s, receipt.NewEmitter(s, nil), nil)
	cfg := DefaultConfig()
	cfg.ConsensusMinWitnesses = 0

	_, err := scanner.Run(context.Background(), 1, cfg)
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))

	history, err := scanner.History(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Empty(t, history, "nothing is persisted for a rejected config")
}

func TestScheduler_UpdateConfig(t *testing.T) {
	s := openStore(t)
	sched := NewScheduler(NewScanner(s, nil, nil), []int64{1, 2}, DefaultConfig())

	bad := DefaultConfig()
	bad.CriesMinScore = 500
	require.Error(t, sched.UpdateConfig(bad))
	assert.Equal(t, 40.0, sched.Config().CriesMinScore)

	next := DefaultConfig()
	next.VerifyConsensus = false
	require.NoError(t, sched.UpdateConfig(next))
	assert.False(t, sched.Config().VerifyConsensus)

	reports := sched.RunOnce(context.Background())
	require.Len(t, reports, 2)
	assert.Equal(t, 5, reports[0].TotalRules)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
