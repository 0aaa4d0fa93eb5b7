// Package memory is the in-process reference implementation of store.Store.
// Update transactions run serially against a copy of the state that replaces
// the committed state only when the function returns nil.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/settld/pkg/contracts"
	"github.com/Mindburn-Labs/settld/pkg/store"
)

var errReadOnly = errors.New("memory: write in read-only transaction")

type state struct {
	heads        map[string]contracts.StreamHead
	events       map[string][]contracts.Event
	entries      map[string]contracts.LedgerEntry
	outbox       map[string]contracts.OutboxMessage
	outboxSeq    int64
	workOrders   map[string]contracts.WorkOrder
	receipts     map[string]contracts.CompletionReceipt
	settlements  map[string]contracts.Settlement
	decisions    map[string][]contracts.SettlementDecisionRecord
	artifacts    map[string]contracts.Artifact
	artifactHash map[string]string
	destinations map[string]contracts.Destination
	deliveries   map[string]contracts.Delivery
	idempotency  map[string]contracts.IdempotencyRecord
	monthCloses  map[string]contracts.MonthClose
	statements   map[string]contracts.PartyStatement
}

func newState() *state {
	return &state{
		heads:        map[string]contracts.StreamHead{},
		events:       map[string][]contracts.Event{},
		entries:      map[string]contracts.LedgerEntry{},
		outbox:       map[string]contracts.OutboxMessage{},
		workOrders:   map[string]contracts.WorkOrder{},
		receipts:     map[string]contracts.CompletionReceipt{},
		settlements:  map[string]contracts.Settlement{},
		decisions:    map[string][]contracts.SettlementDecisionRecord{},
		artifacts:    map[string]contracts.Artifact{},
		artifactHash: map[string]string{},
		destinations: map[string]contracts.Destination{},
		deliveries:   map[string]contracts.Delivery{},
		idempotency:  map[string]contracts.IdempotencyRecord{},
		monthCloses:  map[string]contracts.MonthClose{},
		statements:   map[string]contracts.PartyStatement{},
	}
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// clone copies the maps. Stored values are never mutated in place (records are
// deep-copied on the way in and out), so map-level copies are sufficient.
func (s *state) clone() *state {
	return &state{
		heads:        copyMap(s.heads),
		events:       copyMap(s.events),
		entries:      copyMap(s.entries),
		outbox:       copyMap(s.outbox),
		outboxSeq:    s.outboxSeq,
		workOrders:   copyMap(s.workOrders),
		receipts:     copyMap(s.receipts),
		settlements:  copyMap(s.settlements),
		decisions:    copyMap(s.decisions),
		artifacts:    copyMap(s.artifacts),
		artifactHash: copyMap(s.artifactHash),
		destinations: copyMap(s.destinations),
		deliveries:   copyMap(s.deliveries),
		idempotency:  copyMap(s.idempotency),
		monthCloses:  copyMap(s.monthCloses),
		statements:   copyMap(s.statements),
	}
}

// Store is the memory adapter.
type Store struct {
	mu sync.RWMutex
	st *state
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{st: newState()}
}

func (s *Store) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.st.clone()
	if err := fn(&tx{st: work, writable: true}); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (s *Store) View(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&tx{st: s.st})
}

func (s *Store) Close() error { return nil }

type tx struct {
	st       *state
	writable bool
}

func (t *tx) write() error {
	if !t.writable {
		return errReadOnly
	}
	return nil
}

func key(parts ...string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "\x00"
		}
		out += p
	}
	return out
}

// deep returns an independent copy of v.
func deep[T any](v T) T {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		panic(err)
	}
	return out
}

func sortedValues[V any](m map[string]V, less func(a, b V) bool, keep func(V) bool) []V {
	out := make([]V, 0, len(m))
	for _, v := range m {
		if keep == nil || keep(v) {
			out = append(out, deep(v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}
