// Package builder creates blocks. Build is the only code path that writes
// blocks or assigns records to them, and it does so under a per-organization
// lease so at most one block transaction per organization is in flight.
package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/auditchain/auditchain/internal/ledger"
	"github.com/auditchain/auditchain/internal/lock"
	"github.com/auditchain/auditchain/internal/receipt"
	"github.com/auditchain/auditchain/internal/store"
)

// Defaults.
const (
	DefaultThreshold = 10
	DefaultMaxBatch  = 100
)

// Outcome of a build attempt.
type Outcome int

const (
	Failed Outcome = iota
	Built
	Skipped
	Busy
)

func (o Outcome) String() string {
	switch o {
	case Built:
		return "built"
	case Skipped:
		return "skipped"
	case Busy:
		return "busy"
	default:
		return "failed"
	}
}

// Result describes one Build call. Block is set only when Outcome is Built;
// Err only when it is Failed.
type Result struct {
	Outcome Outcome
	Block   *ledger.Block
	Receipt *ledger.Receipt
	// Pending is the number of pending records seen inside the lease.
	Pending int
	Err     error
}

// TxError wraps a failure inside the block transaction. The transaction
// was rolled back and nothing it wrote is visible.
type TxError struct {
	OrganizationID int64
	Err            error
}

func (e *TxError) Error() string {
	return fmt.Sprintf("block transaction for organization %d: %v", e.OrganizationID, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

// Config tunes batching. Zero values take the defaults.
type Config struct {
	Threshold int
	MaxBatch  int
}

// Builder turns pending records into blocks.
type Builder struct {
	store    *store.Store
	strategy lock.Strategy
	receipts *receipt.Emitter
	cfg      Config
	metrics  *metrics
	now      func() time.Time
}

// New creates a builder. reg may be nil to skip metric registration.
func New(s *store.Store, strategy lock.Strategy, receipts *receipt.Emitter, cfg Config, reg prometheus.Registerer) *Builder {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultMaxBatch
	}
	if cfg.MaxBatch < cfg.Threshold {
		cfg.MaxBatch = cfg.Threshold
	}
	return &Builder{
		store:    s,
		strategy: strategy,
		receipts: receipts,
		cfg:      cfg,
		metrics:  newMetrics(reg),
		now:      time.Now,
	}
}

// Build attempts to create the next block of org. Contention is reported
// as Busy and a short batch as Skipped; neither is an error.
func (b *Builder) Build(ctx context.Context, org int64) Result {
	start := time.Now()
	res := b.build(ctx, org)
	b.metrics.observe(res, time.Since(start))

	switch res.Outcome {
	case Built:
		slog.Info("block created", "org", org, "hash", res.Block.Hash,
			"records", res.Pending, "lamport", res.Block.LamportClock, "strategy", b.strategy.Name())
	case Busy:
		slog.Debug("block build skipped, lock busy", "org", org)
	case Failed:
		slog.Error("block build failed", "org", org, "error", res.Err)
	}
	return res
}

func (b *Builder) build(ctx context.Context, org int64) Result {
	lease, err := b.strategy.Acquire(ctx, strconv.FormatInt(org, 10))
	if err != nil {
		if errors.Is(err, lock.ErrBusy) {
			return Result{Outcome: Busy}
		}
		return Result{Outcome: Failed, Err: fmt.Errorf("acquiring block lock: %w", err)}
	}
	// The lease outlives the transaction: released only once it is final.
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("releasing block lock failed", "org", org, "error", err)
		}
	}()

	var res Result
	err = b.store.WithinTx(ctx, func(tx *store.Tx) error {
		if err := lease.Enter(ctx, tx); err != nil {
			return err
		}
		pending, err := tx.PendingRecords(ctx, org, b.cfg.MaxBatch)
		if err != nil {
			return err
		}
		res.Pending = len(pending)
		if len(pending) < b.cfg.Threshold {
			res.Outcome = Skipped
			return nil
		}

		block, rcpt, err := b.appendBlock(ctx, tx, org, pending)
		if err != nil {
			return err
		}
		res.Outcome, res.Block, res.Receipt = Built, block, rcpt
		return nil
	})
	if err != nil {
		return Result{Outcome: Failed, Pending: res.Pending, Err: &TxError{OrganizationID: org, Err: err}}
	}

	if res.Outcome == Built && b.receipts != nil {
		b.receipts.Attest(ctx, res.Receipt)
	}
	return res
}

func (b *Builder) appendBlock(ctx context.Context, tx *store.Tx, org int64, pending []ledger.Record) (*ledger.Block, *ledger.Receipt, error) {
	prevHash := ledger.GenesisHash
	ts := b.now().UTC().Truncate(time.Millisecond)
	latest, err := tx.LatestBlock(ctx, org)
	if err != nil {
		return nil, nil, err
	}
	if latest != nil {
		prevHash = latest.Hash
		// Blocks are read back in created_at order; never step behind
		// the predecessor even if the wall clock did.
		if ts.Before(latest.CreatedAt) {
			ts = latest.CreatedAt
		}
	}

	var lamport int64
	ids := make([]int64, 0, len(pending))
	for _, r := range pending {
		if r.LamportClock > lamport {
			lamport = r.LamportClock
		}
		ids = append(ids, r.ID)
	}

	hash := ledger.BlockHash(ledger.BlockInput{
		PreviousHash: prevHash,
		Records:      pending,
		LamportClock: lamport,
		Timestamp:    ts,
	})
	if err := tx.AssignBlock(ctx, ids, hash); err != nil {
		return nil, nil, err
	}

	block := &ledger.Block{
		Hash:           hash,
		PreviousHash:   prevHash,
		OrganizationID: org,
		LamportClock:   lamport,
		Metrics:        ledger.ComputeMetrics(pending, ts),
		CreatedAt:      ts,
	}
	if err := tx.InsertBlock(ctx, block); err != nil {
		return nil, nil, err
	}

	var rcpt *ledger.Receipt
	if b.receipts != nil {
		payload := ledger.ReceiptPayload{
			Version: ledger.PayloadVersion,
			Kind:    ledger.PayloadBlock,
			Block: &ledger.BlockPayload{
				BlockHash:    hash,
				PreviousHash: prevHash,
				LamportClock: lamport,
				Records:      len(pending),
				Score:        block.Metrics.Score(),
			},
		}
		rcpt, err = b.receipts.EmitTx(ctx, tx, org, ledger.ReceiptBlockAppend, payload, ts)
		if err != nil {
			return nil, nil, err
		}
	}
	return block, rcpt, nil
}
