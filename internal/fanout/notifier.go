package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/auditchain/auditchain/internal/builder"
	"github.com/auditchain/auditchain/internal/ledger"
)

// BlockBuilder is the part of builder.Builder the notifier drives.
type BlockBuilder interface {
	Build(ctx context.Context, org int64) builder.Result
}

// DeliveryError is a failed delivery to one subscriber. It is logged and
// never affects other subscribers or the committed ledger.
type DeliveryError struct {
	SubscriberID string
	Err          error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivering to subscriber %s: %v", e.SubscriberID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Notifier runs the per-record cycle: match subscribers, let the builder
// try to seal a block for the record's organization, then deliver one
// event per matching subscriber.
type Notifier struct {
	registry   *Registry
	builder    BlockBuilder
	deliveries *prometheus.CounterVec
	now        func() time.Time
}

// NewNotifier creates a notifier. reg may be nil.
func NewNotifier(registry *Registry, b BlockBuilder, reg prometheus.Registerer) *Notifier {
	return &Notifier{
		registry: registry,
		builder:  b,
		deliveries: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditchain_fanout_deliveries_total",
				Help: "Event deliveries by event type and result",
			},
			[]string{"type", "result"},
		),
		now: time.Now,
	}
}

// Notify handles a committed record. It never fails: contention and
// delivery problems are logged, and the build result is returned for
// callers that want to report it.
func (n *Notifier) Notify(ctx context.Context, rec ledger.Record) builder.Result {
	targets := n.registry.Match(&rec)

	// Blocks are built for the record's organization even with no
	// subscribers listening.
	res := n.builder.Build(ctx, rec.OrganizationID)

	ev := Event{Type: RecordCreated, Record: rec, Timestamp: n.now().UTC()}
	if res.Outcome == builder.Built {
		m := res.Block.Metrics
		ev.Type = BlockCreated
		ev.BlockHash = res.Block.Hash
		ev.Metrics = &m
	}

	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			if err := n.deliver(ctx, t, ev); err != nil {
				slog.Warn("event delivery failed", "subscriber", t.ID, "type", ev.Type, "error", err)
				n.deliveries.WithLabelValues(ev.Type, "error").Inc()
				return
			}
			n.deliveries.WithLabelValues(ev.Type, "ok").Inc()
		}(t)
	}
	wg.Wait()
	return res
}

func (n *Notifier) deliver(ctx context.Context, t Target, ev Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &DeliveryError{SubscriberID: t.ID, Err: fmt.Errorf("panic: %v", p)}
		}
	}()
	if err := t.Deliverer.Deliver(ctx, ev); err != nil {
		return &DeliveryError{SubscriberID: t.ID, Err: err}
	}
	return nil
}
