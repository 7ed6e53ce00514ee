package zscan

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Scheduler reruns scans for a fixed set of scopes every
// ScanIntervalMinutes. The config can be swapped while it runs.
type Scheduler struct {
	scanner *Scanner
	scopes  []int64

	mu     sync.Mutex
	cfg    Config
	update chan struct{}
}

// NewScheduler creates a scheduler for scopes.
func NewScheduler(scanner *Scanner, scopes []int64, cfg Config) *Scheduler {
	return &Scheduler{
		scanner: scanner,
		scopes:  scopes,
		cfg:     cfg,
		update:  make(chan struct{}, 1),
	}
}

// Config returns the active configuration.
func (s *Scheduler) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// UpdateConfig swaps the configuration. Invalid configs are rejected and
// the previous one stays active.
func (s *Scheduler) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()

	select {
	case s.update <- struct{}{}:
	default:
	}
	return nil
}

// RunOnce scans every scope with the active config. Failures are logged
// per scope.
func (s *Scheduler) RunOnce(ctx context.Context) []*Report {
	cfg := s.Config()
	var reports []*Report
	for _, scope := range s.scopes {
		rep, err := s.scanner.Run(ctx, scope, cfg)
		if err != nil {
			slog.Error("scheduled z-scan failed", "scope", scope, "error", err)
			continue
		}
		reports = append(reports, rep)
	}
	return reports
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	interval := func() time.Duration {
		return time.Duration(s.Config().ScanIntervalMinutes) * time.Minute
	}

	current := interval()
	var ticker *time.Ticker
	var tick <-chan time.Time
	if current > 0 {
		ticker = time.NewTicker(current)
		tick = ticker.C
	}
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()
	slog.Info("z-scan scheduler started", "scopes", s.scopes, "interval", current)

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			s.RunOnce(ctx)
		case <-s.update:
			next := interval()
			if next == current {
				continue
			}
			current = next
			if ticker != nil {
				ticker.Stop()
				ticker, tick = nil, nil
			}
			if current > 0 {
				ticker = time.NewTicker(current)
				tick = ticker.C
			}
			slog.Info("z-scan interval changed", "interval", current)
		}
	}
}
