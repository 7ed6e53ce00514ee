// Package fanout delivers ledger events to subscribers after a record has
// been committed and the block builder has had its turn.
package fanout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/auditchain/auditchain/internal/ledger"
)

// Event types.
const (
	RecordCreated = "RECORD_CREATED"
	BlockCreated  = "BLOCK_CREATED"
)

// Event is what a subscriber receives for one ingested record.
type Event struct {
	Type      string          `json:"type"`
	Record    ledger.Record   `json:"record"`
	BlockHash string          `json:"blockHash,omitempty"`
	Metrics   *ledger.Metrics `json:"metrics,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Deliverer sends an event to one subscriber.
type Deliverer interface {
	Deliver(ctx context.Context, ev Event) error
}

// Filters select which records a subscriber hears about. A subscriber
// without an organization receives nothing.
type Filters struct {
	UserID *int64 `json:"userId,omitempty"`
	// EventType is a glob over the record action. A pattern without
	// wildcards is an exact match.
	EventType      string     `json:"eventType,omitempty"`
	StartDate      *time.Time `json:"startDate,omitempty"`
	EndDate        *time.Time `json:"endDate,omitempty"`
	OrganizationID int64      `json:"organizationId,omitempty"`
}

type subscriber struct {
	deliverer Deliverer
	filters   Filters
	eventType glob.Glob
}

func (s *subscriber) matches(r *ledger.Record) bool {
	f := s.filters
	if f.OrganizationID == 0 || f.OrganizationID != r.OrganizationID {
		return false
	}
	if f.UserID != nil && *f.UserID != r.UserID {
		return false
	}
	if s.eventType != nil && !s.eventType.Match(r.Action) {
		return false
	}
	if f.StartDate != nil && r.CreatedAt.Before(*f.StartDate) {
		return false
	}
	if f.EndDate != nil && r.CreatedAt.After(*f.EndDate) {
		return false
	}
	return true
}

// Target is a matched subscriber.
type Target struct {
	ID        string
	Deliverer Deliverer
}

// Registry holds subscriber registrations for one transport. It is safe
// for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]*subscriber
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]*subscriber)}
}

// Register adds a subscriber with empty filters.
func (r *Registry) Register(id string, d Deliverer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[id] = &subscriber{deliverer: d}
}

// SetFilters replaces a subscriber's filters. A zero OrganizationID keeps
// the organization previously joined.
func (r *Registry) SetFilters(id string, f Filters) error {
	var g glob.Glob
	if f.EventType != "" {
		var err error
		g, err = glob.Compile(f.EventType)
		if err != nil {
			return fmt.Errorf("invalid eventType pattern %q: %w", f.EventType, err)
		}
	}
	if f.StartDate != nil && f.EndDate != nil && f.EndDate.Before(*f.StartDate) {
		return fmt.Errorf("endDate is before startDate")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[id]
	if !ok {
		return fmt.Errorf("unknown subscriber %s", id)
	}
	if f.OrganizationID == 0 {
		f.OrganizationID = s.filters.OrganizationID
	}
	s.filters = f
	s.eventType = g
	return nil
}

// Join scopes a subscriber to an organization.
func (r *Registry) Join(id string, org int64) error {
	if org <= 0 {
		return fmt.Errorf("invalid organization id %d", org)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[id]
	if !ok {
		return fmt.Errorf("unknown subscriber %s", id)
	}
	s.filters.OrganizationID = org
	return nil
}

// Remove drops a subscriber. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, id)
}

// Filters returns a subscriber's current filters.
func (r *Registry) Filters(id string) (Filters, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.subs[id]
	if !ok {
		return Filters{}, false
	}
	return s.filters, true
}

// Len returns the number of registered subscribers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Match returns the subscribers whose filters accept the record.
func (r *Registry) Match(rec *ledger.Record) []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Target
	for id, s := range r.subs {
		if s.matches(rec) {
			out = append(out, Target{ID: id, Deliverer: s.deliverer})
		}
	}
	return out
}
