// Package receipt appends entries to per-scope receipt chains and collects
// witness signatures over them.
package receipt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/auditchain/auditchain/internal/ledger"
	"github.com/auditchain/auditchain/internal/store"
)

// SystemScope is the scope used for receipts that belong to no organization.
const SystemScope int64 = 0

// Emitter appends receipts. A nil witness panel disables attestation.
type Emitter struct {
	store     *store.Store
	witnesses *Witnesses
	now       func() time.Time
}

// NewEmitter creates an emitter. witnesses may be nil.
func NewEmitter(s *store.Store, witnesses *Witnesses) *Emitter {
	return &Emitter{store: s, witnesses: witnesses, now: time.Now}
}

// EmitTx appends a receipt to scope inside an existing transaction. The
// receipt takes the next Lamport value of the scope and links to the
// scope's previous digest (genesis for the first receipt).
func (e *Emitter) EmitTx(ctx context.Context, tx *store.Tx, scope int64, receiptType string, payload ledger.ReceiptPayload, eventTime time.Time) (*ledger.Receipt, error) {
	raw, err := payload.Encode()
	if err != nil {
		return nil, fmt.Errorf("encoding %s receipt payload: %w", receiptType, err)
	}
	if err := tx.LockScope(ctx, fmt.Sprintf("receipt:%d", scope)); err != nil {
		return nil, fmt.Errorf("locking receipt scope %d: %w", scope, err)
	}

	last, err := tx.LastReceipt(ctx, scope)
	if err != nil {
		return nil, err
	}
	r := &ledger.Receipt{
		ScopeID:        scope,
		ReceiptType:    receiptType,
		LamportClock:   1,
		PreviousDigest: ledger.GenesisHash,
		Payload:        raw,
		RealTimestamp:  eventTime.UTC(),
		CreatedAt:      e.now().UTC(),
	}
	if last != nil {
		r.LamportClock = last.LamportClock + 1
		r.PreviousDigest = last.Digest
	}
	r.Digest = ledger.ReceiptDigest(r)

	if err := tx.InsertReceipt(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Emit appends a receipt in its own transaction and then requests witness
// signatures for it.
func (e *Emitter) Emit(ctx context.Context, scope int64, receiptType string, payload ledger.ReceiptPayload, eventTime time.Time) (*ledger.Receipt, error) {
	var r *ledger.Receipt
	err := e.store.WithinTx(ctx, func(tx *store.Tx) error {
		var err error
		r, err = e.EmitTx(ctx, tx, scope, receiptType, payload, eventTime)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.Attest(ctx, r)
	return r, nil
}

// Attest collects witness signatures for a committed receipt. Failures are
// logged; a receipt without enough witnesses shows up as a consensus
// finding in the next scan.
func (e *Emitter) Attest(ctx context.Context, r *ledger.Receipt) {
	if e.witnesses == nil || r == nil {
		return
	}
	sigs, err := e.witnesses.Sign(r.Digest)
	if err != nil {
		slog.Warn("witness signing failed", "scope", r.ScopeID, "lamport", r.LamportClock, "error", err)
		return
	}
	for i := range sigs {
		if err := e.store.InsertWitness(ctx, &sigs[i]); err != nil {
			slog.Warn("storing witness signature failed", "model", sigs[i].ModelName, "digest", r.Digest, "error", err)
		}
	}
}
