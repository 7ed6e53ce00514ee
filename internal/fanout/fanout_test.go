package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auditchain/auditchain/internal/builder"
	"github.com/auditchain/auditchain/internal/ledger"
	"github.com/auditchain/auditchain/internal/lock"
	"github.com/auditchain/auditchain/internal/store"
)

type collector struct {
	mu     sync.Mutex
	events []Event
	err    error
	panics bool
}

func (c *collector) Deliver(_ context.Context, ev Event) error {
	if c.panics {
		panic("subscriber exploded")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return c.err
}

func (c *collector) count(eventType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

type stubBuilder struct {
	res builder.Result
}

func (s stubBuilder) Build(context.Context, int64) builder.Result { return s.res }

func ptr[T any](v T) *T { return &v }

func TestRegistry_Match(t *testing.T) {
	created := time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)
	rec := &ledger.Record{Action: "LOGIN_SUCCESS", UserID: 3, OrganizationID: 1, CreatedAt: created}

	tests := []struct {
		name    string
		filters Filters
		want    bool
	}{
		{"no organization", Filters{}, false},
		{"other organization", Filters{OrganizationID: 2}, false},
		{"organization only", Filters{OrganizationID: 1}, true},
		{"user match", Filters{OrganizationID: 1, UserID: ptr(int64(3))}, true},
		{"user mismatch", Filters{OrganizationID: 1, UserID: ptr(int64(4))}, false},
		{"exact event type", Filters{OrganizationID: 1, EventType: "LOGIN_SUCCESS"}, true},
		{"event type mismatch", Filters{OrganizationID: 1, EventType: "LOGOUT"}, false},
		{"event type glob", Filters{OrganizationID: 1, EventType: "LOGIN_*"}, true},
		{"inside window", Filters{OrganizationID: 1, StartDate: ptr(created.Add(-time.Hour)), EndDate: ptr(created.Add(time.Hour))}, true},
		{"before window", Filters{OrganizationID: 1, StartDate: ptr(created.Add(time.Minute))}, false},
		{"after window", Filters{OrganizationID: 1, EndDate: ptr(created.Add(-time.Minute))}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			r.Register("s1", &collector{})
			require.NoError(t, r.SetFilters("s1", tt.filters))
			assert.Equal(t, tt.want, len(r.Match(rec)) == 1)
		})
	}
}

func TestRegistry_JoinAndFilters(t *testing.T) {
	r := NewRegistry()
	r.Register("s1", &collector{})

	require.Error(t, r.Join("missing", 1))
	require.Error(t, r.Join("s1", 0))
	require.NoError(t, r.Join("s1", 7))

	// Filters without an organization keep the joined one.
	require.NoError(t, r.SetFilters("s1", Filters{EventType: "X"}))
	f, ok := r.Filters("s1")
	require.True(t, ok)
	assert.Equal(t, int64(7), f.OrganizationID)

	require.Error(t, r.SetFilters("s1", Filters{EventType: "[unclosed"}))
	now := time.Now()
	require.Error(t, r.SetFilters("s1", Filters{StartDate: &now, EndDate: ptr(now.Add(-time.Hour))}))

	r.Remove("s1")
	r.Remove("s1")
	assert.Equal(t, 0, r.Len())
}

func TestNotify_IsolatesDeliveryFailures(t *testing.T) {
	r := NewRegistry()
	good, failing, panicking := &collector{}, &collector{err: errors.New("socket closed")}, &collector{panics: true}
	for id, c := range map[string]*collector{"good": good, "failing": failing, "panicking": panicking} {
		r.Register(id, c)
		require.NoError(t, r.Join(id, 1))
	}

	n := NewNotifier(r, stubBuilder{res: builder.Result{Outcome: builder.Skipped}}, nil)
	res := n.Notify(context.Background(), ledger.Record{ID: 1, Action: "A", OrganizationID: 1})

	assert.Equal(t, builder.Skipped, res.Outcome)
	assert.Equal(t, 1, good.count(RecordCreated))
	assert.Equal(t, 1, failing.count(RecordCreated))
}

func TestNotify_BlockCreatedEvent(t *testing.T) {
	r := NewRegistry()
	c := &collector{}
	r.Register("s1", c)
	require.NoError(t, r.Join("s1", 1))

	block := &ledger.Block{Hash: ledger.GenesisHash[:60] + "abcd", Metrics: ledger.Metrics{Version: 1, Integrity: 1}}
	n := NewNotifier(r, stubBuilder{res: builder.Result{Outcome: builder.Built, Block: block}}, nil)
	n.Notify(context.Background(), ledger.Record{ID: 10, OrganizationID: 1})

	require.Len(t, c.events, 1)
	ev := c.events[0]
	assert.Equal(t, BlockCreated, ev.Type)
	assert.Equal(t, block.Hash, ev.BlockHash)
	require.NotNil(t, ev.Metrics)
	assert.Equal(t, 1.0, ev.Metrics.Integrity)
}

func TestNotify_EndToEnd(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(ctx, store.DriverSQLite, filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	var last ledger.Record
	for i := 1; i <= 10; i++ {
		last = ledger.Record{Action: fmt.Sprintf("EVENT_%d", i), Category: "OPS", Status: "OK", UserID: 1, OrganizationID: 42}
		require.NoError(t, s.InsertRecord(ctx, &last))
	}
	require.Equal(t, int64(10), last.LamportClock)

	r := NewRegistry()
	subs := []*collector{{}, {}}
	for i, c := range subs {
		id := fmt.Sprintf("sub-%d", i)
		r.Register(id, c)
		require.NoError(t, r.Join(id, 42))
	}
	outsider := &collector{}
	r.Register("outsider", outsider)
	require.NoError(t, r.Join("outsider", 43))

	n := NewNotifier(r, builder.New(s, lock.TxStrategy{}, nil, builder.Config{}, nil), nil)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.Notify(ctx, last)
		}()
	}
	wg.Wait()

	blocks, err := s.Blocks(ctx, 42)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, ledger.GenesisHash, blocks[0].PreviousHash)
	assert.Equal(t, int64(10), blocks[0].LamportClock)

	records, err := s.Records(ctx, 42)
	require.NoError(t, err)
	for _, rec := range records {
		assert.Equal(t, blocks[0].Hash, rec.BlockHash)
	}

	for _, c := range subs {
		assert.Equal(t, 1, c.count(BlockCreated))
		assert.LessOrEqual(t, c.count(RecordCreated), 1)
	}
	assert.Empty(t, outsider.events)
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return f.err
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaSink_Deliver(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{writer: w, topic: "ledger-events"}

	ev := Event{Type: RecordCreated, Record: ledger.Record{ID: 5, OrganizationID: 9}}
	require.NoError(t, sink.Deliver(context.Background(), ev))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "9", string(w.msgs[0].Key))

	var got Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, int64(5), got.Record.ID)

	w.err = errors.New("broker down")
	assert.Error(t, sink.Deliver(context.Background(), ev))
}
