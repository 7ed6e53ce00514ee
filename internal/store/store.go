// Package store persists the ledger in SQL. It provides the two
// guarantees the block builder depends on: all-or-nothing transactions and
// a scope-keyed exclusive lock that lives inside a transaction.
//
// SQLite (pure Go, github.com/glebarez/go-sqlite) is the default backend;
// PostgreSQL (github.com/lib/pq) uses transaction-scoped advisory locks.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/auditchain/auditchain/internal/ledger"
)

// ErrWriteOnce is returned when a record already belongs to another block.
var ErrWriteOnce = errors.New("record already assigned to a different block")

// Store wraps the SQL database holding records, blocks, receipts,
// witness signatures and scan reports.
type Store struct {
	db *sql.DB
	d  *dialect
}

// Open connects to the database and creates the schema if needed.
// For sqlite, a DSN without query parameters gets WAL mode and a busy
// timeout so concurrent writers queue instead of failing.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite && !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to %s database: %w", driver, err)
	}
	if _, err := db.ExecContext(ctx, d.schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating %s schema: %w", driver, err)
	}

	slog.Info("ledger store opened", "driver", driver)
	return &Store{db: db, d: d}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Driver returns the backend name.
func (s *Store) Driver() string {
	return s.d.name
}

// DB exposes the underlying pool for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// WithinTx runs fn inside one write transaction. The transaction commits
// if fn returns nil and rolls back otherwise; nothing fn wrote is visible
// unless the commit succeeds.
func (s *Store) WithinTx(ctx context.Context, fn func(*Tx) error) (err error) {
	q, commit, rollback, err := s.d.begin(ctx, s.db)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	done := false
	defer func() {
		if done {
			return
		}
		if rbErr := rollback(); rbErr != nil {
			slog.Error("transaction rollback failed", "error", rbErr)
		}
	}()

	if err := fn(&Tx{q: q, d: s.d}); err != nil {
		return err
	}
	done = true
	if err := commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// InsertRecord ingests a record, assigning it the next Lamport value of its
// organization. ID, LamportClock and CreatedAt (when zero) are filled in.
func (s *Store) InsertRecord(ctx context.Context, r *ledger.Record) error {
	if r.OrganizationID == 0 {
		return fmt.Errorf("record organizationId is required")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	details, err := json.Marshal(r.Details)
	if err != nil {
		return fmt.Errorf("marshaling record details: %w", err)
	}

	return s.WithinTx(ctx, func(tx *Tx) error {
		if err := tx.LockScope(ctx, fmt.Sprintf("ingest:%d", r.OrganizationID)); err != nil {
			return fmt.Errorf("locking ingest scope: %w", err)
		}
		var last sql.NullInt64
		err := tx.q.QueryRowContext(ctx, s.d.rebind(
			`SELECT MAX(lamport_clock) FROM records WHERE organization_id = ?`),
			r.OrganizationID).Scan(&last)
		if err != nil {
			return fmt.Errorf("reading lamport clock: %w", err)
		}
		r.LamportClock = last.Int64 + 1
		r.BlockHash = ""

		err = tx.q.QueryRowContext(ctx, s.d.rebind(
			`INSERT INTO records (action, category, status, user_id, organization_id, lamport_clock, hash_pointer, details, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
			r.Action, r.Category, r.Status, r.UserID, r.OrganizationID,
			r.LamportClock, r.HashPointer, string(details), r.CreatedAt.UnixNano(),
		).Scan(&r.ID)
		if err != nil {
			return fmt.Errorf("inserting record: %w", err)
		}
		return nil
	})
}

const recordColumns = `id, action, category, status, user_id, organization_id, lamport_clock, hash_pointer, details, block_hash, created_at`

// Records returns an organization's records in arrival order.
func (s *Store) Records(ctx context.Context, org int64) ([]ledger.Record, error) {
	return queryRecords(ctx, s.db, s.d.rebind(
		`SELECT `+recordColumns+` FROM records WHERE organization_id = ? ORDER BY id ASC`), org)
}

// RecordsByBlock returns the records included in a block, in inclusion order.
func (s *Store) RecordsByBlock(ctx context.Context, hash string) ([]ledger.Record, error) {
	return queryRecords(ctx, s.db, s.d.rebind(
		`SELECT `+recordColumns+` FROM records WHERE block_hash = ? ORDER BY id ASC`), hash)
}

const blockColumns = `id, hash, previous_hash, organization_id, lamport_clock, metrics, created_at`

// Blocks returns an organization's blocks in chain order.
func (s *Store) Blocks(ctx context.Context, org int64) ([]ledger.Block, error) {
	return queryBlocks(ctx, s.db, s.d.rebind(
		`SELECT `+blockColumns+` FROM blocks WHERE organization_id = ? ORDER BY created_at ASC, id ASC`), org)
}

// RecentBlocks returns the newest blocks of an organization, newest last.
func (s *Store) RecentBlocks(ctx context.Context, org int64, limit int) ([]ledger.Block, error) {
	blocks, err := queryBlocks(ctx, s.db, s.d.rebind(
		`SELECT `+blockColumns+` FROM blocks WHERE organization_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`), org, limit)
	if err != nil {
		return nil, err
	}
	reverse(blocks)
	return blocks, nil
}

const receiptColumns = `id, scope_id, receipt_type, lamport_clock, previous_digest, digest, payload, real_timestamp, created_at`

// ReceiptsByLamport returns the newest limit receipts of a scope in
// ascending Lamport order.
func (s *Store) ReceiptsByLamport(ctx context.Context, scope int64, limit int) ([]ledger.Receipt, error) {
	receipts, err := queryReceipts(ctx, s.db, s.d.rebind(
		`SELECT `+receiptColumns+` FROM receipts WHERE scope_id = ? ORDER BY lamport_clock DESC, id DESC LIMIT ?`), scope, limit)
	if err != nil {
		return nil, err
	}
	reverse(receipts)
	return receipts, nil
}

// ReceiptsByCreation returns the newest limit receipts of a scope in
// ascending creation (persist) order.
func (s *Store) ReceiptsByCreation(ctx context.Context, scope int64, limit int) ([]ledger.Receipt, error) {
	receipts, err := queryReceipts(ctx, s.db, s.d.rebind(
		`SELECT `+receiptColumns+` FROM receipts WHERE scope_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`), scope, limit)
	if err != nil {
		return nil, err
	}
	reverse(receipts)
	return receipts, nil
}

// InsertWitness stores a witness signature.
func (s *Store) InsertWitness(ctx context.Context, w *ledger.WitnessSignature) error {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx, s.d.rebind(
		`INSERT INTO witness_signatures (receipt_digest, model_name, public_key, signature, verified, created_at)
		 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`),
		w.ReceiptDigest, w.ModelName, w.PublicKey, w.Signature, w.Verified, w.CreatedAt.UnixNano(),
	).Scan(&w.ID)
	if err != nil {
		return fmt.Errorf("inserting witness signature: %w", err)
	}
	return nil
}

// Witnesses returns every signature recorded for a receipt digest.
func (s *Store) Witnesses(ctx context.Context, digest string) ([]ledger.WitnessSignature, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		`SELECT id, receipt_digest, model_name, public_key, signature, verified, created_at
		 FROM witness_signatures WHERE receipt_digest = ? ORDER BY id ASC`), digest)
	if err != nil {
		return nil, fmt.Errorf("querying witnesses: %w", err)
	}
	defer rows.Close()

	var out []ledger.WitnessSignature
	for rows.Next() {
		var w ledger.WitnessSignature
		var created int64
		if err := rows.Scan(&w.ID, &w.ReceiptDigest, &w.ModelName, &w.PublicKey, &w.Signature, &w.Verified, &created); err != nil {
			return nil, fmt.Errorf("scanning witness row: %w", err)
		}
		w.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, w)
	}
	return out, rows.Err()
}

// ScanRecord is a persisted Z-Scan snapshot. Results and Config are the
// JSON documents produced by the scanner.
type ScanRecord struct {
	ID         int64           `json:"scanId"`
	ScopeID    int64           `json:"scopeId"`
	TotalRules int             `json:"totalRules"`
	Passed     int             `json:"passed"`
	Warnings   int             `json:"warnings"`
	Critical   int             `json:"critical"`
	Results    json.RawMessage `json:"results"`
	Config     json.RawMessage `json:"config"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// SaveScan persists a scan snapshot and sets its ID.
func (s *Store) SaveScan(ctx context.Context, sr *ScanRecord) error {
	if sr.CreatedAt.IsZero() {
		sr.CreatedAt = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx, s.d.rebind(
		`INSERT INTO scans (scope_id, total_rules, passed, warnings, critical, results, config, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		sr.ScopeID, sr.TotalRules, sr.Passed, sr.Warnings, sr.Critical,
		string(sr.Results), string(sr.Config), sr.CreatedAt.UnixNano(),
	).Scan(&sr.ID)
	if err != nil {
		return fmt.Errorf("inserting scan report: %w", err)
	}
	return nil
}

// ScanHistory returns the newest scan snapshots of a scope, newest first.
func (s *Store) ScanHistory(ctx context.Context, scope int64, limit int) ([]ScanRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		`SELECT id, scope_id, total_rules, passed, warnings, critical, results, config, created_at
		 FROM scans WHERE scope_id = ? ORDER BY id DESC LIMIT ?`), scope, limit)
	if err != nil {
		return nil, fmt.Errorf("querying scan history: %w", err)
	}
	defer rows.Close()

	var out []ScanRecord
	for rows.Next() {
		var sr ScanRecord
		var results, cfg string
		var created int64
		if err := rows.Scan(&sr.ID, &sr.ScopeID, &sr.TotalRules, &sr.Passed, &sr.Warnings, &sr.Critical, &results, &cfg, &created); err != nil {
			return nil, fmt.Errorf("scanning scan row: %w", err)
		}
		sr.Results = json.RawMessage(results)
		sr.Config = json.RawMessage(cfg)
		sr.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, sr)
	}
	return out, rows.Err()
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
