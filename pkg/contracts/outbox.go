package contracts

import (
	"encoding/json"
	"time"
)

// Outbox topics.
const (
	TopicLedgerEntryApply    = "LEDGER_ENTRY_APPLY"
	TopicMonthCloseRequested = "MONTH_CLOSE_REQUESTED"
	TopicMonthClosePayouts   = "MONTH_CLOSE_PAYOUTS"
	TopicArtifactGenerate    = "ARTIFACT_GENERATE"
	TopicDeliveryRequested   = "DELIVERY_REQUESTED"
)

// Outbox listing states.
const (
	OutboxPending   = "pending"
	OutboxProcessed = "processed"
	OutboxFailed    = "failed"
)

// OutboxMessage is a durable pending side effect. It is pending while both
// ProcessedAt and FailedAt are nil.
type OutboxMessage struct {
	Seq           int64           `json:"seq"`
	ID            string          `json:"id"`
	TenantID      string          `json:"tenantId"`
	Topic         string          `json:"topic"`
	PayloadJSON   json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"createdAt"`
	ProcessedAt   *time.Time      `json:"processedAt"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"lastError,omitempty"`
	NextAttemptAt *time.Time      `json:"nextAttemptAt,omitempty"`
	FailedAt      *time.Time      `json:"failedAt,omitempty"`
}

// State reports the listing state of the message.
func (m OutboxMessage) State() string {
	switch {
	case m.ProcessedAt != nil:
		return OutboxProcessed
	case m.FailedAt != nil:
		return OutboxFailed
	default:
		return OutboxPending
	}
}
