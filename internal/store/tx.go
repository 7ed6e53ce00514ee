package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/auditchain/auditchain/internal/ledger"
)

// Tx is a write transaction handed out by Store.WithinTx.
type Tx struct {
	q querier
	d *dialect
}

// LockScope takes a scope-keyed exclusive lock held until the transaction
// ends. A second transaction locking the same scope waits for it.
func (tx *Tx) LockScope(ctx context.Context, scope string) error {
	return tx.d.lockScope(ctx, tx.q, scope)
}

// PendingRecords returns up to limit records of org that are not in a
// block yet, in arrival order.
func (tx *Tx) PendingRecords(ctx context.Context, org int64, limit int) ([]ledger.Record, error) {
	return queryRecords(ctx, tx.q, tx.d.rebind(
		`SELECT `+recordColumns+` FROM records
		 WHERE organization_id = ? AND block_hash IS NULL
		 ORDER BY id ASC LIMIT ?`), org, limit)
}

// LatestBlock returns the organization's most recent block, or nil.
func (tx *Tx) LatestBlock(ctx context.Context, org int64) (*ledger.Block, error) {
	blocks, err := queryBlocks(ctx, tx.q, tx.d.rebind(
		`SELECT `+blockColumns+` FROM blocks WHERE organization_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`), org)
	if err != nil {
		return nil, err
	}
	if len(blocks) == 0 {
		return nil, nil
	}
	return &blocks[0], nil
}

// AssignBlock sets blockHash on each record. Re-applying the same hash is a
// no-op; a record that already carries a different hash yields
// ErrWriteOnce.
func (tx *Tx) AssignBlock(ctx context.Context, ids []int64, hash string) error {
	stmt := tx.d.rebind(`UPDATE records SET block_hash = ?
		WHERE id = ? AND (block_hash IS NULL OR block_hash = ?)`)
	for _, id := range ids {
		res, err := tx.q.ExecContext(ctx, stmt, hash, id, hash)
		if err != nil {
			return fmt.Errorf("assigning record %d to block: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("assigning record %d to block: %w", id, err)
		}
		if n != 1 {
			return fmt.Errorf("record %d: %w", id, ErrWriteOnce)
		}
	}
	return nil
}

// InsertBlock stores a new block and sets its ID.
func (tx *Tx) InsertBlock(ctx context.Context, b *ledger.Block) error {
	metrics, err := json.Marshal(b.Metrics)
	if err != nil {
		return fmt.Errorf("marshaling block metrics: %w", err)
	}
	err = tx.q.QueryRowContext(ctx, tx.d.rebind(
		`INSERT INTO blocks (hash, previous_hash, organization_id, lamport_clock, metrics, created_at)
		 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`),
		b.Hash, b.PreviousHash, b.OrganizationID, b.LamportClock, string(metrics), b.CreatedAt.UnixNano(),
	).Scan(&b.ID)
	if err != nil {
		return fmt.Errorf("inserting block: %w", err)
	}
	return nil
}

// LastReceipt returns the highest-Lamport receipt of a scope, or nil.
func (tx *Tx) LastReceipt(ctx context.Context, scope int64) (*ledger.Receipt, error) {
	receipts, err := queryReceipts(ctx, tx.q, tx.d.rebind(
		`SELECT `+receiptColumns+` FROM receipts WHERE scope_id = ?
		 ORDER BY lamport_clock DESC LIMIT 1`), scope)
	if err != nil {
		return nil, err
	}
	if len(receipts) == 0 {
		return nil, nil
	}
	return &receipts[0], nil
}

// InsertReceipt stores a receipt exactly as given and sets its ID.
func (tx *Tx) InsertReceipt(ctx context.Context, r *ledger.Receipt) error {
	err := tx.q.QueryRowContext(ctx, tx.d.rebind(
		`INSERT INTO receipts (scope_id, receipt_type, lamport_clock, previous_digest, digest, payload, real_timestamp, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		r.ScopeID, r.ReceiptType, r.LamportClock, r.PreviousDigest, r.Digest,
		string(r.Payload), r.RealTimestamp.UnixNano(), r.CreatedAt.UnixNano(),
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("inserting receipt: %w", err)
	}
	return nil
}

func queryRecords(ctx context.Context, q querier, query string, args ...any) ([]ledger.Record, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer rows.Close()

	var out []ledger.Record
	for rows.Next() {
		var r ledger.Record
		var details string
		var blockHash sql.NullString
		var created int64
		err := rows.Scan(&r.ID, &r.Action, &r.Category, &r.Status, &r.UserID,
			&r.OrganizationID, &r.LamportClock, &r.HashPointer, &details, &blockHash, &created)
		if err != nil {
			return nil, fmt.Errorf("scanning record row: %w", err)
		}
		if details != "" && details != "null" {
			if jsonErr := json.Unmarshal([]byte(details), &r.Details); jsonErr != nil {
				slog.Warn("skipping malformed record details", "id", r.ID, "error", jsonErr)
			}
		}
		r.BlockHash = blockHash.String
		r.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func queryBlocks(ctx context.Context, q querier, query string, args ...any) ([]ledger.Block, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying blocks: %w", err)
	}
	defer rows.Close()

	var out []ledger.Block
	for rows.Next() {
		var b ledger.Block
		var metrics string
		var created int64
		if err := rows.Scan(&b.ID, &b.Hash, &b.PreviousHash, &b.OrganizationID, &b.LamportClock, &metrics, &created); err != nil {
			return nil, fmt.Errorf("scanning block row: %w", err)
		}
		m, err := ledger.DecodeMetrics([]byte(metrics))
		if err != nil {
			return nil, fmt.Errorf("block %s: %w", b.Hash, err)
		}
		b.Metrics = m
		b.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

func queryReceipts(ctx context.Context, q querier, query string, args ...any) ([]ledger.Receipt, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying receipts: %w", err)
	}
	defer rows.Close()

	var out []ledger.Receipt
	for rows.Next() {
		var r ledger.Receipt
		var payload string
		var realTS, created int64
		err := rows.Scan(&r.ID, &r.ScopeID, &r.ReceiptType, &r.LamportClock,
			&r.PreviousDigest, &r.Digest, &payload, &realTS, &created)
		if err != nil {
			return nil, fmt.Errorf("scanning receipt row: %w", err)
		}
		r.Payload = json.RawMessage(payload)
		r.RealTimestamp = time.Unix(0, realTS).UTC()
		r.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
