package ledger

import "time"

// ComputeMetrics scores a batch of records on the five quality dimensions.
// Records must be in inclusion order. An empty batch scores zero.
func ComputeMetrics(records []Record, at time.Time) Metrics {
	m := Metrics{
		Version:         MetricsVersion,
		Timestamp:       at.UTC(),
		RecordsAnalyzed: len(records),
	}
	if len(records) == 0 {
		return m
	}
	m.Consistency = consistencyScore(records)
	m.Reproducibility = reproducibilityScore(records)
	m.Integrity = integrityScore(records)
	m.Explainability = explainabilityScore(records)
	m.Security = securityScore(records)
	return m
}

// consistencyScore penalizes Lamport and wall-clock order violations
// between consecutive records.
func consistencyScore(records []Record) float64 {
	var lamportViolations, timeViolations int
	for i := 1; i < len(records); i++ {
		if records[i].LamportClock <= records[i-1].LamportClock {
			lamportViolations++
		}
		if records[i].CreatedAt.Before(records[i-1].CreatedAt) {
			timeViolations++
		}
	}
	n := float64(len(records))
	lamportScore := 1 - float64(lamportViolations)/n
	timeScore := 1 - float64(timeViolations)/n
	return (lamportScore + timeScore) / 2
}

func reproducibilityScore(records []Record) float64 {
	var ok int
	for _, r := range records {
		if len(r.Details) > 0 {
			ok++
		}
	}
	return float64(ok) / float64(len(records))
}

// integrityScore counts consecutive pairs whose hash pointers are present
// and well formed.
func integrityScore(records []Record) float64 {
	if len(records) == 1 {
		if IsHash(records[0].HashPointer) {
			return 1
		}
		return 0
	}
	var ok int
	for i := 1; i < len(records); i++ {
		if records[i-1].HashPointer != "" && IsHash(records[i].HashPointer) {
			ok++
		}
	}
	return float64(ok) / float64(len(records)-1)
}

func explainabilityScore(records []Record) float64 {
	var ok int
	for _, r := range records {
		if len(r.Details) > 0 && r.Category != "" && r.Action != "" {
			ok++
		}
	}
	return float64(ok) / float64(len(records))
}

func securityScore(records []Record) float64 {
	var ok int
	for _, r := range records {
		if r.UserID != 0 && r.Category != "" && r.Status != "" {
			ok++
		}
	}
	return float64(ok) / float64(len(records))
}
