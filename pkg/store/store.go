// Package store defines the transactional storage port. Every durable write of
// the engine happens inside Store.Update, and every idempotency guarantee rests
// on the unique keys enforced by the adapters (memory and sqlstore).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Mindburn-Labs/settld/pkg/contracts"
)

var (
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrHeadMismatch is returned when a stream append loses the head compare-and-swap.
	ErrHeadMismatch = errors.New("store: stream head mismatch")
	// ErrRevisionConflict is returned when an optimistic revision check fails.
	ErrRevisionConflict = errors.New("store: revision conflict")
	// ErrDuplicate is returned when a unique key already exists and the write is not an upsert.
	ErrDuplicate = errors.New("store: duplicate key")
)

// Store runs functions inside transactions. A non-nil error from fn rolls the
// transaction back. View transactions must not write.
type Store interface {
	Update(ctx context.Context, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Tx is the set of operations available inside one transaction.
type Tx interface {
	EventTx
	LedgerTx
	OutboxTx
	WorkOrderTx
	SettlementTx
	ArtifactTx
	DeliveryTx
	IdempotencyTx
	MonthCloseTx
}

type EventTx interface {
	// StreamHead returns the zero head (Seq 0, empty ChainHash) for unknown streams.
	StreamHead(ctx context.Context, tenantID, streamID string) (contracts.StreamHead, error)
	// AppendEvent inserts ev and advances the head only if the current head
	// chain hash equals ev.PrevChainHash; otherwise ErrHeadMismatch.
	AppendEvent(ctx context.Context, ev contracts.Event) error
	ListEvents(ctx context.Context, tenantID, streamID string) ([]contracts.Event, error)
}

type LedgerTx interface {
	// InsertLedgerEntry returns false without writing when (tenant, entryId) exists.
	InsertLedgerEntry(ctx context.Context, e contracts.LedgerEntry) (bool, error)
	LedgerEntry(ctx context.Context, tenantID, entryID string) (contracts.LedgerEntry, error)
	CountLedgerEntries(ctx context.Context, tenantID string) (int, error)
	AccountBalance(ctx context.Context, tenantID, accountID string) (int64, error)
	// PostingsBetween returns postings with from <= at < to ordered by entry time.
	PostingsBetween(ctx context.Context, tenantID string, from, to time.Time) ([]contracts.PostingRow, error)
}

type OutboxTx interface {
	// EnqueueOutbox returns false when a message with the same id exists.
	EnqueueOutbox(ctx context.Context, m contracts.OutboxMessage) (bool, error)
	// DueOutbox lists pending messages whose next attempt is due, in insertion order.
	DueOutbox(ctx context.Context, now time.Time, limit int) ([]contracts.OutboxMessage, error)
	// ClaimOutbox re-reads a message for processing and reports whether it is
	// still pending. Relational adapters lock the row for the transaction.
	ClaimOutbox(ctx context.Context, id string) (contracts.OutboxMessage, bool, error)
	MarkOutboxProcessed(ctx context.Context, id string, at time.Time) error
	RecordOutboxFailure(ctx context.Context, id string, attempts int, lastErr string, next, failedAt *time.Time) error
	OutboxMessage(ctx context.Context, id string) (contracts.OutboxMessage, error)
	// ListOutbox filters by tenant (empty for all) and state (empty for all).
	ListOutbox(ctx context.Context, tenantID, state string, limit int) ([]contracts.OutboxMessage, error)
}

type WorkOrderTx interface {
	InsertWorkOrder(ctx context.Context, wo contracts.WorkOrder) error
	// UpdateWorkOrder writes wo with Revision = expectedRevision+1.
	UpdateWorkOrder(ctx context.Context, wo contracts.WorkOrder, expectedRevision int64) error
	WorkOrder(ctx context.Context, tenantID, workOrderID string) (contracts.WorkOrder, error)
	ListWorkOrders(ctx context.Context, tenantID string) ([]contracts.WorkOrder, error)
	InsertReceipt(ctx context.Context, r contracts.CompletionReceipt) error
	Receipt(ctx context.Context, tenantID, receiptID string) (contracts.CompletionReceipt, error)
	ListReceipts(ctx context.Context, tenantID string) ([]contracts.CompletionReceipt, error)
}

type SettlementTx interface {
	InsertSettlement(ctx context.Context, s contracts.Settlement) error
	// UpdateSettlement writes s with Revision = expectedRevision+1.
	UpdateSettlement(ctx context.Context, s contracts.Settlement, expectedRevision int64) error
	SettlementByRun(ctx context.Context, tenantID, runID string) (contracts.Settlement, error)
	InsertDecisionRecord(ctx context.Context, r contracts.SettlementDecisionRecord) error
	DecisionRecords(ctx context.Context, tenantID, settlementID string) ([]contracts.SettlementDecisionRecord, error)
}

type ArtifactTx interface {
	// InsertArtifact returns false when (tenant, artifactHash) exists.
	InsertArtifact(ctx context.Context, a contracts.Artifact) (bool, error)
	Artifact(ctx context.Context, tenantID, artifactID string) (contracts.Artifact, error)
}

type DeliveryTx interface {
	PutDestination(ctx context.Context, d contracts.Destination) error
	Destination(ctx context.Context, tenantID, destinationID string) (contracts.Destination, error)
	ListDestinations(ctx context.Context, tenantID string) ([]contracts.Destination, error)
	// InsertDelivery returns false when the dedupe key exists.
	InsertDelivery(ctx context.Context, d contracts.Delivery) (bool, error)
	UpdateDelivery(ctx context.Context, d contracts.Delivery) error
	Delivery(ctx context.Context, dedupeKey string) (contracts.Delivery, error)
	ListDeliveries(ctx context.Context, tenantID, state string) ([]contracts.Delivery, error)
}

type IdempotencyTx interface {
	IdempotencyRecord(ctx context.Context, tenantID, operation, key string) (contracts.IdempotencyRecord, error)
	// PutIdempotencyRecord returns ErrDuplicate when the key is taken.
	PutIdempotencyRecord(ctx context.Context, r contracts.IdempotencyRecord) error
}

type MonthCloseTx interface {
	// InsertMonthClose returns false when the period was already requested.
	InsertMonthClose(ctx context.Context, mc contracts.MonthClose) (bool, error)
	UpdateMonthClose(ctx context.Context, mc contracts.MonthClose) error
	MonthClose(ctx context.Context, tenantID, period string) (contracts.MonthClose, error)
	// InsertPartyStatement returns false when (tenant, party, period) exists.
	InsertPartyStatement(ctx context.Context, s contracts.PartyStatement) (bool, error)
	ListPartyStatements(ctx context.Context, tenantID, period string) ([]contracts.PartyStatement, error)
}
