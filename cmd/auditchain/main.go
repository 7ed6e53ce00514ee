// Package main is the CLI entry point for auditchain, a tamper-evident
// audit ledger.
//
// Records are ingested over HTTP and batched into per-organization blocks,
// each bound to its predecessor by a SHA-256 hash. A distributed lock makes
// sure exactly one builder seals a batch. Every block and every verifier
// run appends a receipt that a witness panel signs, and Z-Scan re-checks
// the whole thing from persisted state.
//
//	client --> POST /api/records --> store (lamport assigned)
//	                                   |
//	                                   +-- builder (lock lease, one tx)
//	                                   |     block + BLOCK_APPEND receipt
//	                                   +-- fanout (websocket, kafka)
//
// CLI commands (cobra):
//
//	auditchain serve        - Run the API server
//	auditchain scan         - Run a Z-Scan against a scope
//	auditchain verify       - Verify an organization's block chain
//	auditchain blocks       - List an organization's blocks
//	auditchain config init  - Write a default config.yaml
//	auditchain config show  - Print the effective configuration
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/auditchain/auditchain/internal/api"
	"github.com/auditchain/auditchain/internal/builder"
	"github.com/auditchain/auditchain/internal/config"
	"github.com/auditchain/auditchain/internal/fanout"
	"github.com/auditchain/auditchain/internal/lock"
	"github.com/auditchain/auditchain/internal/receipt"
	"github.com/auditchain/auditchain/internal/store"
	"github.com/auditchain/auditchain/internal/zscan"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
)

// defaultConfigDir returns ~/.auditchain/, which holds config.yaml and the
// default sqlite ledger.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".auditchain"
	}
	return filepath.Join(home, ".auditchain")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

var (
	configDir string
	debugLog  bool
)

var rootCmd = &cobra.Command{
	Use:   "auditchain",
	Short: "auditchain: tamper-evident audit ledger",
	Long: `auditchain stores audit records in per-organization hash chains.
Blocks are sealed under a distributed lock, receipts are signed by a
witness panel, and Z-Scan re-verifies the ledger from persisted state.

Run 'auditchain config init' once, then 'auditchain serve'.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if debugLog {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", defaultConfigDir(),
		"Path to auditchain config and data directory")
	rootCmd.PersistentFlags().BoolVar(&debugLog, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(blocksCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfig reads <config-dir>/config.yaml, falling back to defaults.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openStore opens the configured ledger database. An empty sqlite DSN
// means ledger.db inside the config directory.
func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	dsn := cfg.Database.DSN
	if cfg.Database.Driver == store.DriverSQLite && dsn == "" {
		if err := os.MkdirAll(configDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create config directory %s: %w", configDir, err)
		}
		dsn = filepath.Join(configDir, "ledger.db")
	}
	st, err := store.Open(ctx, cfg.Database.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger store: %w", err)
	}
	return st, nil
}

// newWitnesses builds the witness panel from config.
func newWitnesses(cfg *config.Config) (*receipt.Witnesses, error) {
	keys := make([]receipt.WitnessKey, 0, len(cfg.Witnesses.Models))
	for _, m := range cfg.Witnesses.Models {
		keys = append(keys, receipt.WitnessKey{Name: m.Name, PrivateKey: m.PrivateKey})
	}
	w, err := receipt.NewWitnesses(keys)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize witness panel: %w", err)
	}
	return w, nil
}

// ============================================================================
// auditchain serve
// ============================================================================

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the auditchain API server",
	Long: `Run the auditchain API server on the host:port from config.yaml
(default 127.0.0.1:3200).

  - Ingest:   POST http://127.0.0.1:3200/api/records
  - Events:   ws://127.0.0.1:3200/ws
  - Metrics:  http://127.0.0.1:3200/metrics

Edits to config.yaml swap the Z-Scan configuration without a restart.`,
	RunE: runServe,
}

// runServe wires the stack together:
//
//  1. Load config and open the ledger store
//  2. Select the lock strategy (redis or database fallback)
//  3. Build the witness panel, receipt emitter and block builder
//  4. Register the Kafka sink, if configured
//  5. Start the Z-Scan scheduler and the config watcher
//  6. Serve HTTP until SIGINT/SIGTERM
func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Step 1: Config and store ---
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	// --- Step 2: Lock strategy ---
	strategy, closeLock, err := lock.Select(ctx, lock.Options{
		Mode:       cfg.Lock.Strategy,
		RedisAddr:  cfg.Lock.RedisAddr,
		TTL:        cfg.Lock.TTL(),
		MaxRetries: cfg.Lock.MaxRetries,
		Backoff:    cfg.Lock.Backoff(),
	})
	if err != nil {
		return fmt.Errorf("failed to select lock strategy: %w", err)
	}
	defer closeLock()

	// --- Step 3: Receipts and builder ---
	witnesses, err := newWitnesses(cfg)
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	emitter := receipt.NewEmitter(st, witnesses)
	b := builder.New(st, strategy, emitter, builder.Config{
		Threshold: cfg.Builder.Threshold,
		MaxBatch:  cfg.Builder.MaxBatch,
	}, reg)

	registry := fanout.NewRegistry()
	notifier := fanout.NewNotifier(registry, b, reg)

	// --- Step 4: Kafka sink ---
	if cfg.Fanout.Kafka.Enabled() {
		sink := fanout.NewKafkaSink(cfg.Fanout.Kafka.Brokers, cfg.Fanout.Kafka.Topic)
		defer sink.Close()
		for _, org := range cfg.Fanout.Kafka.Organizations {
			id := fmt.Sprintf("kafka:%d", org)
			registry.Register(id, sink)
			if err := registry.Join(id, org); err != nil {
				return fmt.Errorf("failed to register kafka sink: %w", err)
			}
		}
		fmt.Printf("[auditchain] Publishing events of %d organizations to kafka topic %s\n",
			len(cfg.Fanout.Kafka.Organizations), cfg.Fanout.Kafka.Topic)
	}

	// --- Step 5: Z-Scan scheduler and config watcher ---
	scanner := zscan.NewScanner(st, emitter, reg)
	sched := zscan.NewScheduler(scanner, cfg.Scheduler.Scopes, cfg.ZScan)
	if cfg.Scheduler.Enabled && len(cfg.Scheduler.Scopes) > 0 {
		go sched.Run(ctx)
	}

	watcher, err := config.NewWatcher(configDir, func(next *config.Config) {
		if updErr := sched.UpdateConfig(next.ZScan); updErr != nil {
			fmt.Fprintf(os.Stderr, "[auditchain] Warning: keeping previous z-scan config: %v\n", updErr)
			return
		}
		fmt.Println("[auditchain] Z-Scan config reloaded")
	})
	if err != nil {
		slog.Warn("config watcher unavailable, hot reload disabled", "dir", configDir, "error", err)
	} else {
		defer watcher.Close()
	}

	// --- Step 6: HTTP ---
	srv := api.New(api.Options{
		Store:       st,
		Notifier:    notifier,
		Registry:    registry,
		Scanner:     scanner,
		ZScanConfig: sched.Config,
		Gatherer:    reg,
	})
	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("[auditchain] Listening on http://%s (lock: %s, store: %s)\n",
			cfg.Server.Addr(), strategy.Name(), st.Driver())
		fmt.Println("[auditchain] Press Ctrl+C to stop")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Println("\n[auditchain] Shutting down (signal received)...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		fmt.Fprintf(os.Stderr, "[auditchain] Shutdown error: %v\n", shutdownErr)
	}

	fmt.Println("[auditchain] Stopped")
	return nil
}

// ============================================================================
// auditchain scan
// ============================================================================

var (
	scanScope int64
	scanJSON  bool
)

// scanCmd runs one Z-Scan with the configured rules. The report is stored
// and a VERIFICATION receipt is appended, exactly as for scans started
// through the API.
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run a Z-Scan against a scope",
	Long: `Run every enabled Z-Scan rule against the receipts and blocks of a
scope (an organization id; 0 is the system scope) and print the findings.

Exits non-zero when any CRITICAL finding is reported.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		witnesses, err := newWitnesses(cfg)
		if err != nil {
			return err
		}
		scanner := zscan.NewScanner(st, receipt.NewEmitter(st, witnesses), nil)
		rep, err := scanner.Run(ctx, scanScope, cfg.ZScan)
		if err != nil {
			return fmt.Errorf("z-scan failed: %w", err)
		}

		if scanJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(rep); err != nil {
				return err
			}
		} else {
			fmt.Printf("[auditchain] Z-Scan #%d of scope %d: %d/%d passed, %d warnings, %d critical\n",
				rep.ScanID, rep.ScopeID, rep.Passed, rep.TotalRules, rep.Warnings, rep.Critical)
			for _, f := range rep.Results {
				status := "PASS"
				if !f.Passed {
					status = string(f.Severity)
				}
				fmt.Printf("  %-8s %-24s %s\n", status, f.RuleType, f.Message)
			}
		}

		if rep.Critical > 0 {
			return fmt.Errorf("z-scan reported %d critical findings", rep.Critical)
		}
		return nil
	},
}

func init() {
	scanCmd.Flags().Int64Var(&scanScope, "scope", 0, "Scope to scan (organization id, 0 = system)")
	scanCmd.Flags().BoolVar(&scanJSON, "json", false, "Print the full report as JSON")
}

// ============================================================================
// auditchain verify / blocks
// ============================================================================

var (
	orgFlag     int64
	blocksLimit int
)

// verifyCmd recomputes every block hash of an organization. A block whose
// stored hash no longer matches its records, or whose previousHash does
// not point at its predecessor, breaks the chain from that point forward.
var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify an organization's block chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if orgFlag <= 0 {
			return fmt.Errorf("--org is required")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		result, err := api.VerifyOrganization(ctx, st, orgFlag)
		if err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}

		if result.Valid {
			fmt.Printf("[auditchain] Block chain VALID (%d blocks verified)\n", result.BlocksChecked)
			return nil
		}
		fmt.Printf("[auditchain] Block chain BROKEN at block #%d: %s\n", result.BrokenAt, result.Reason)
		fmt.Printf("  Expected hash: %s\n", result.ExpectedHash)
		fmt.Printf("  Actual hash:   %s\n", result.ActualHash)
		return fmt.Errorf("block chain integrity violation detected")
	},
}

var blocksCmd = &cobra.Command{
	Use:   "blocks",
	Short: "List an organization's most recent blocks",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if orgFlag <= 0 {
			return fmt.Errorf("--org is required")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		blocks, err := st.RecentBlocks(ctx, orgFlag, blocksLimit)
		if err != nil {
			return fmt.Errorf("failed to list blocks: %w", err)
		}
		if len(blocks) == 0 {
			fmt.Printf("No blocks for organization %d.\n", orgFlag)
			return nil
		}

		fmt.Printf("  %-8s %-16s %-16s %-8s %-6s %s\n", "LAMPORT", "HASH", "PREVIOUS", "RECORDS", "SCORE", "CREATED")
		for _, b := range blocks {
			fmt.Printf("  %-8d %-16s %-16s %-8d %-6.1f %s\n",
				b.LamportClock, b.Hash[:16], b.PreviousHash[:16],
				b.Metrics.RecordsAnalyzed, b.Metrics.Score(), b.CreatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	verifyCmd.Flags().Int64Var(&orgFlag, "org", 0, "Organization id")
	blocksCmd.Flags().Int64Var(&orgFlag, "org", 0, "Organization id")
	blocksCmd.Flags().IntVar(&blocksLimit, "limit", 20, "Maximum number of blocks to show")
}

// ============================================================================
// auditchain config
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the auditchain configuration",
	Long: `Manage <config-dir>/config.yaml: server address, ledger database,
lock strategy, builder batching, Z-Scan rules, witnesses and fanout sinks.`,
}

var configForce bool

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(configDir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
		}
		path := filepath.Join(configDir, "config.yaml")
		if _, err := os.Stat(path); err == nil && !configForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Printf("[auditchain] Wrote %s\n", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration (file merged with defaults)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshaling config: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing config.yaml")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}
