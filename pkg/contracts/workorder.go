package contracts

import (
	"encoding/json"
	"time"
)

// Work order lifecycle states.
const (
	WorkOrderCreated    = "created"
	WorkOrderAccepted   = "accepted"
	WorkOrderInProgress = "in_progress"
	WorkOrderCompleted  = "completed"
	WorkOrderSettled    = "settled"
)

// Completion receipt outcomes.
const (
	ReceiptSuccess = "success"
	ReceiptPartial = "partial"
	ReceiptFailed  = "failed"
)

// PolicySelector names the settlement policy a work order is bound to.
type PolicySelector struct {
	PolicyID          string `json:"policyId"`
	VersionConstraint string `json:"versionConstraint,omitempty"`
}

// WorkOrder is a unit of paid work between a principal (payer) and a
// sub-agent (payee).
type WorkOrder struct {
	WorkOrderID         string         `json:"workOrderId"`
	TenantID            string         `json:"tenantId"`
	RunID               string         `json:"runId,omitempty"`
	PrincipalAgentID    string         `json:"principalAgentId"`
	SubAgentID          string         `json:"subAgentId"`
	Title               string         `json:"title,omitempty"`
	AmountCents         int64          `json:"amountCents"`
	Currency            string         `json:"currency"`
	Status              string         `json:"status"`
	Policy              PolicySelector `json:"policy"`
	ProgressPct         int            `json:"progressPct"`
	CompletionReceiptID string         `json:"completionReceiptId,omitempty"`
	LastChainHash       string         `json:"lastChainHash"`
	Revision            int64          `json:"revision"`
	CreatedAt           time.Time      `json:"createdAt"`
	UpdatedAt           time.Time      `json:"updatedAt"`
}

// CompletionReceipt is the proof of work a settlement is bound to.
type CompletionReceipt struct {
	ReceiptID    string          `json:"receiptId"`
	ReceiptHash  string          `json:"receiptHash"`
	TenantID     string          `json:"tenantId"`
	WorkOrderID  string          `json:"workOrderId"`
	RunID        string          `json:"runId"`
	Status       string          `json:"status"`
	EvidenceRefs []string        `json:"evidenceRefs"`
	Outputs      json.RawMessage `json:"outputs,omitempty"`
	AmountCents  int64           `json:"amountCents"`
	DeliveredAt  time.Time       `json:"deliveredAt"`
	CompletedAt  time.Time       `json:"completedAt"`
}

// ReceiptBody is the hashed portion of a completion receipt.
func (r CompletionReceipt) ReceiptBody() map[string]any {
	outputs := any(nil)
	if len(r.Outputs) > 0 {
		outputs = r.Outputs
	}
	return map[string]any{
		"schemaVersion": "CompletionReceipt.v1",
		"receiptId":     r.ReceiptID,
		"tenantId":      r.TenantID,
		"workOrderId":   r.WorkOrderID,
		"runId":         r.RunID,
		"status":        r.Status,
		"evidenceRefs":  r.EvidenceRefs,
		"outputs":       outputs,
		"amountCents":   r.AmountCents,
		"deliveredAt":   r.DeliveredAt,
		"completedAt":   r.CompletedAt,
	}
}
