// Package zscan re-derives the ledger's correctness from persisted state.
// A scan reads receipts, blocks and witness signatures of one scope, runs
// every enabled rule, stores the report and appends a VERIFICATION receipt
// so the verifier's own output is auditable.
package zscan

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/auditchain/auditchain/internal/ledger"
	"github.com/auditchain/auditchain/internal/receipt"
	"github.com/auditchain/auditchain/internal/store"
)

// Report is the aggregated outcome of one scan.
type Report struct {
	ScanID        int64     `json:"scanId"`
	ScopeID       int64     `json:"scopeId"`
	TotalRules    int       `json:"totalRules"`
	Passed        int       `json:"passed"`
	Warnings      int       `json:"warnings"`
	Critical      int       `json:"critical"`
	Results       []Finding `json:"results"`
	Config        Config    `json:"config"`
	ReceiptDigest string    `json:"receiptDigest,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Scanner runs scans against the store.
type Scanner struct {
	store    *store.Store
	receipts *receipt.Emitter
	scans    prometheus.Counter
	findings *prometheus.CounterVec
	now      func() time.Time
}

// NewScanner creates a scanner. reg may be nil.
func NewScanner(s *store.Store, receipts *receipt.Emitter, reg prometheus.Registerer) *Scanner {
	f := promauto.With(reg)
	return &Scanner{
		store:    s,
		receipts: receipts,
		scans: f.NewCounter(prometheus.CounterOpts{
			Name: "auditchain_zscan_runs_total",
			Help: "Completed Z-Scan runs",
		}),
		findings: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auditchain_zscan_findings_total",
			Help: "Failed Z-Scan findings by rule and severity",
		}, []string{"rule", "severity"}),
		now: time.Now,
	}
}

// scanData is everything a scan reads, loaded up front.
type scanData struct {
	byLamport      []ledger.Receipt
	byCreation     []ledger.Receipt
	blocks         []ledger.Block
	completeChain  bool
	recordsByBlock map[string][]ledger.Record
	witnesses      map[string][]ledger.WitnessSignature
}

func (s *Scanner) load(ctx context.Context, scope int64, cfg Config) (*scanData, error) {
	limit := cfg.MaxReceiptsPerScan
	d := &scanData{
		recordsByBlock: make(map[string][]ledger.Record),
		witnesses:      make(map[string][]ledger.WitnessSignature),
	}
	var err error
	if d.byLamport, err = s.store.ReceiptsByLamport(ctx, scope, limit); err != nil {
		return nil, err
	}
	if d.byCreation, err = s.store.ReceiptsByCreation(ctx, scope, limit); err != nil {
		return nil, err
	}
	if d.blocks, err = s.store.RecentBlocks(ctx, scope, limit); err != nil {
		return nil, err
	}
	d.completeChain = len(d.blocks) < limit

	if cfg.VerifyHashIntegrity {
		for _, b := range d.blocks {
			recs, err := s.store.RecordsByBlock(ctx, b.Hash)
			if err != nil {
				return nil, err
			}
			d.recordsByBlock[b.Hash] = recs
		}
	}
	if cfg.VerifyConsensus {
		for _, r := range d.byLamport {
			sigs, err := s.store.Witnesses(ctx, r.Digest)
			if err != nil {
				return nil, err
			}
			d.witnesses[r.Digest] = sigs
		}
	}
	return d, nil
}

// evaluate runs the enabled rules over already loaded data.
func evaluate(d *scanData, cfg Config) []Finding {
	var results []Finding
	if cfg.VerifyChainContinuity {
		results = append(results, checkChainContinuity(d.byLamport)...)
	}
	if cfg.VerifyHashIntegrity {
		results = append(results, checkHashIntegrity(d.byLamport, d.blocks, d.recordsByBlock, d.completeChain)...)
	}
	if cfg.VerifyLamportMonotonicity {
		results = append(results, checkLamportMonotonicity(d.byCreation)...)
	}
	results = append(results, checkLatency(d.byLamport, cfg.LatencyThresholdSeconds)...)
	results = append(results, checkCries(d.blocks, cfg.CriesMinScore, cfg.CriesDropThreshold)...)
	if cfg.VerifyConsensus {
		results = append(results, checkConsensus(d.byLamport, d.witnesses, cfg.ConsensusMinWitnesses)...)
	}
	return results
}

// Run scans one scope. An invalid cfg fails with *ConfigError before any
// rule runs.
func (s *Scanner) Run(ctx context.Context, scope int64, cfg Config) (*Report, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	started := s.now().UTC()

	data, err := s.load(ctx, scope, cfg)
	if err != nil {
		return nil, fmt.Errorf("loading scope %d for scan: %w", scope, err)
	}

	rep := &Report{ScopeID: scope, Config: cfg, Results: evaluate(data, cfg), CreatedAt: started}
	rep.TotalRules = len(rep.Results)
	for _, f := range rep.Results {
		switch {
		case f.Passed:
			rep.Passed++
		case f.Severity == Warning:
			rep.Warnings++
		case f.Severity == Critical:
			rep.Critical++
		}
		if !f.Passed {
			s.findings.WithLabelValues(f.RuleType, string(f.Severity)).Inc()
		}
	}

	results, err := json.Marshal(rep.Results)
	if err != nil {
		return nil, fmt.Errorf("marshaling scan results: %w", err)
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshaling scan config: %w", err)
	}
	rec := &store.ScanRecord{
		ScopeID:    scope,
		TotalRules: rep.TotalRules,
		Passed:     rep.Passed,
		Warnings:   rep.Warnings,
		Critical:   rep.Critical,
		Results:    results,
		Config:     cfgJSON,
		CreatedAt:  started,
	}
	if err := s.store.SaveScan(ctx, rec); err != nil {
		return nil, err
	}
	rep.ScanID = rec.ID

	if s.receipts != nil {
		payload := ledger.ReceiptPayload{
			Version: ledger.PayloadVersion,
			Kind:    ledger.PayloadScan,
			Scan: &ledger.ScanPayload{
				ScanID:     rep.ScanID,
				TotalRules: rep.TotalRules,
				Passed:     rep.Passed,
				Warnings:   rep.Warnings,
				Critical:   rep.Critical,
			},
		}
		r, err := s.receipts.Emit(ctx, scope, ledger.ReceiptVerification, payload, started)
		if err != nil {
			return nil, fmt.Errorf("emitting verification receipt: %w", err)
		}
		rep.ReceiptDigest = r.Digest
	}

	s.scans.Inc()
	slog.Info("z-scan completed", "scope", scope, "scan", rep.ScanID,
		"rules", rep.TotalRules, "passed", rep.Passed, "warnings", rep.Warnings, "critical", rep.Critical)
	return rep, nil
}

// History returns the newest stored reports of a scope, newest first.
func (s *Scanner) History(ctx context.Context, scope int64, limit int) ([]store.ScanRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ScanHistory(ctx, scope, limit)
}

// Stats summarizes the last hundred scans of a scope.
type Stats struct {
	TotalScans      int               `json:"totalScans"`
	TotalPassed     int               `json:"totalPassed"`
	TotalWarnings   int               `json:"totalWarnings"`
	TotalCritical   int               `json:"totalCritical"`
	RecentAvgPassed float64           `json:"recentAvgPassed"`
	LatestScan      *store.ScanRecord `json:"latestScan"`
}

// Stats computes scan statistics for a scope.
func (s *Scanner) Stats(ctx context.Context, scope int64) (Stats, error) {
	scans, err := s.store.ScanHistory(ctx, scope, 100)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{TotalScans: len(scans)}
	for _, sc := range scans {
		st.TotalPassed += sc.Passed
		st.TotalWarnings += sc.Warnings
		st.TotalCritical += sc.Critical
	}
	recent := scans
	if len(recent) > 10 {
		recent = recent[:10]
	}
	if len(recent) > 0 {
		sum := 0
		for _, sc := range recent {
			sum += sc.Passed
		}
		st.RecentAvgPassed = float64(sum) / float64(len(recent))
		st.LatestScan = &scans[0]
	}
	return st, nil
}
