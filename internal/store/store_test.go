package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auditchain/auditchain/internal/ledger"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "x")
	require.Error(t, err)
}

func TestInsertRecord_AssignsLamportPerOrganization(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.InsertRecord(ctx, &ledger.Record{Action: "A", OrganizationID: 1}))
	}
	other := &ledger.Record{Action: "B", OrganizationID: 2}
	require.NoError(t, s.InsertRecord(ctx, other))

	records, err := s.Records(ctx, 1)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, r := range records {
		assert.Equal(t, int64(i+1), r.LamportClock)
		assert.True(t, r.Pending())
	}
	assert.Equal(t, int64(1), other.LamportClock, "each organization has its own clock")
}

func TestInsertRecord_ConcurrentIngestHasNoGaps(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.InsertRecord(ctx, &ledger.Record{Action: "A", OrganizationID: 5}))
		}()
	}
	wg.Wait()

	records, err := s.Records(ctx, 5)
	require.NoError(t, err)
	require.Len(t, records, 20)
	seen := make(map[int64]bool)
	for _, r := range records {
		seen[r.LamportClock] = true
	}
	for l := int64(1); l <= 20; l++ {
		assert.True(t, seen[l], "lamport %d missing", l)
	}
}

func TestInsertRecord_RequiresOrganization(t *testing.T) {
	s := openTestStore(t)
	require.Error(t, s.InsertRecord(context.Background(), &ledger.Record{Action: "A"}))
}

func TestAssignBlock_WriteOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	r := &ledger.Record{Action: "A", OrganizationID: 1, Details: map[string]any{"k": "v"}}
	require.NoError(t, s.InsertRecord(ctx, r))

	hashA := ledger.GenesisHash[:63] + "a"
	hashB := ledger.GenesisHash[:63] + "b"

	require.NoError(t, s.WithinTx(ctx, func(tx *Tx) error {
		return tx.AssignBlock(ctx, []int64{r.ID}, hashA)
	}))
	// Same value again is a no-op.
	require.NoError(t, s.WithinTx(ctx, func(tx *Tx) error {
		return tx.AssignBlock(ctx, []int64{r.ID}, hashA)
	}))
	err := s.WithinTx(ctx, func(tx *Tx) error {
		return tx.AssignBlock(ctx, []int64{r.ID}, hashB)
	})
	require.True(t, errors.Is(err, ErrWriteOnce), "got %v", err)

	records, err := s.RecordsByBlock(ctx, hashA)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "v", records[0].Details["k"])
}

func TestWithinTx_RollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	r := &ledger.Record{Action: "A", OrganizationID: 1}
	require.NoError(t, s.InsertRecord(ctx, r))

	boom := errors.New("boom")
	err := s.WithinTx(ctx, func(tx *Tx) error {
		if err := tx.AssignBlock(ctx, []int64{r.ID}, ledger.GenesisHash); err != nil {
			return err
		}
		b := &ledger.Block{Hash: ledger.GenesisHash, PreviousHash: ledger.GenesisHash, OrganizationID: 1,
			Metrics: ledger.Metrics{Version: ledger.MetricsVersion}, CreatedAt: time.Now()}
		if err := tx.InsertBlock(ctx, b); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	blocks, err := s.Blocks(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, blocks, "block insert must roll back")
	records, err := s.Records(ctx, 1)
	require.NoError(t, err)
	assert.True(t, records[0].Pending(), "record update must roll back")
}

func TestReceipts_Ordering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 12, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.WithinTx(ctx, func(tx *Tx) error {
		// Persisted out of Lamport order on purpose.
		for i, lamport := range []int64{2, 1, 3} {
			r := &ledger.Receipt{
				ScopeID: 9, ReceiptType: ledger.ReceiptVerification, LamportClock: lamport,
				PreviousDigest: ledger.GenesisHash, Digest: ledger.GenesisHash,
				Payload: json.RawMessage(`{}`), RealTimestamp: base, CreatedAt: base.Add(time.Duration(i) * time.Second),
			}
			if err := tx.InsertReceipt(ctx, r); err != nil {
				return err
			}
		}
		return nil
	}))

	byLamport, err := s.ReceiptsByLamport(ctx, 9, 10)
	require.NoError(t, err)
	require.Len(t, byLamport, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{byLamport[0].LamportClock, byLamport[1].LamportClock, byLamport[2].LamportClock})

	byCreation, err := s.ReceiptsByCreation(ctx, 9, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 1, 3}, []int64{byCreation[0].LamportClock, byCreation[1].LamportClock, byCreation[2].LamportClock})

	latest, err := s.ReceiptsByLamport(ctx, 9, 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, int64(2), latest[0].LamportClock, "limit keeps the newest receipts")
}

func TestRebindDollar(t *testing.T) {
	got := rebindDollar("SELECT * FROM t WHERE a = ? AND b = ?")
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", got)
}
