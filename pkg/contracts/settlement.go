package contracts

import "time"

// Settlement status values.
const (
	SettlementLocked   = "locked"
	SettlementReleased = "released"
	SettlementRefunded = "refunded"
	SettlementDisputed = "disputed"
)

// Dispute status values.
const (
	DisputeNone   = "none"
	DisputeOpen   = "open"
	DisputeClosed = "closed"
)

// Decision status values.
const (
	DecisionPending              = "pending"
	DecisionAutoResolved         = "auto_resolved"
	DecisionManualReviewRequired = "manual_review_required"
	DecisionManualResolved       = "manual_resolved"
)

// Escalation levels, in increasing order.
const (
	EscalationCounterparty = "l1_counterparty"
	EscalationArbiter      = "l2_arbiter"
	EscalationExternal     = "l3_external"
)

// Arbitration case states.
const (
	ArbitrationOpen     = "open"
	ArbitrationAssigned = "assigned"
	ArbitrationVerdict  = "verdict_issued"
	ArbitrationClosed   = "closed"
)

// Verdict outcomes.
const (
	VerdictRelease = "release"
	VerdictRefund  = "refund"
)

// PolicyBinding pins the exact policy a settlement is judged under.
type PolicyBinding struct {
	PolicyID      string `json:"policyId"`
	PolicyVersion string `json:"policyVersion"`
	PolicyHash    string `json:"policyHash"`
}

// Settlement is the escrow state of one run.
type Settlement struct {
	SettlementID          string        `json:"settlementId"`
	TenantID              string        `json:"tenantId"`
	RunID                 string        `json:"runId"`
	WorkOrderID           string        `json:"workOrderId"`
	PayerAgentID          string        `json:"payerAgentId"`
	PayeeAgentID          string        `json:"payeeAgentId"`
	AmountCents           int64         `json:"amountCents"`
	Currency              string        `json:"currency"`
	Status                string        `json:"status"`
	DisputeStatus         string        `json:"disputeStatus"`
	DisputeWindowDays     int           `json:"disputeWindowDays"`
	DisputeWindowEndsAt   time.Time     `json:"disputeWindowEndsAt"`
	DecisionStatus        string        `json:"decisionStatus"`
	ReleaseRatePct        *int          `json:"releaseRatePct"`
	ReleasedAmountCents   int64         `json:"releasedAmountCents"`
	RefundedAmountCents   int64         `json:"refundedAmountCents"`
	FeeCents              int64         `json:"feeCents"`
	Policy                PolicyBinding `json:"policy"`
	VerificationSignal    string        `json:"verificationSignal,omitempty"`
	CompletionReceiptID   string        `json:"completionReceiptId"`
	CompletionReceiptHash string        `json:"completionReceiptHash"`
	LockedAt              time.Time     `json:"lockedAt"`
	ResolvedAt            *time.Time    `json:"resolvedAt"`
	ResolutionEventID     string        `json:"resolutionEventId,omitempty"`
	Dispute               *Dispute      `json:"dispute,omitempty"`
	Revision              int64         `json:"revision"`
	UpdatedAt             time.Time     `json:"updatedAt"`
}

// Terminal reports whether funds have moved and no dispute is in flight.
func (s Settlement) Terminal() bool {
	return (s.Status == SettlementReleased || s.Status == SettlementRefunded) && s.DisputeStatus != DisputeOpen
}

// Dispute tracks an open or closed dispute on a settlement.
type Dispute struct {
	DisputeID       string            `json:"disputeId"`
	OpenedBy        string            `json:"openedBy"`
	Reason          string            `json:"reason"`
	OpenedAt        time.Time         `json:"openedAt"`
	EscalationLevel string            `json:"escalationLevel"`
	Evidence        []EvidenceItem    `json:"evidence"`
	Cases           []ArbitrationCase `json:"arbitrationCases"`
	Outcome         *DisputeOutcome   `json:"outcome,omitempty"`
	ClosedAt        *time.Time        `json:"closedAt,omitempty"`
}

// ActiveCase returns the most recent arbitration case, if any.
func (d *Dispute) ActiveCase() *ArbitrationCase {
	if d == nil || len(d.Cases) == 0 {
		return nil
	}
	return &d.Cases[len(d.Cases)-1]
}

// EvidenceItem is a reference submitted in a dispute or arbitration case.
type EvidenceItem struct {
	EvidenceRef string    `json:"evidenceRef"`
	SubmittedBy string    `json:"submittedBy"`
	Note        string    `json:"note,omitempty"`
	At          time.Time `json:"at"`
}

// ArbitrationCase is one round of arbitration. Appeals open a new case.
type ArbitrationCase struct {
	CaseID         string         `json:"caseId"`
	Status         string         `json:"status"`
	ArbiterID      string         `json:"arbiterId,omitempty"`
	AppealOfCaseID string         `json:"appealOfCaseId,omitempty"`
	Evidence       []EvidenceItem `json:"evidence"`
	Verdict        *Verdict       `json:"verdict,omitempty"`
	OpenedAt       time.Time      `json:"openedAt"`
	ClosedAt       *time.Time     `json:"closedAt,omitempty"`
}

// Verdict is a binary arbitration outcome. Partial release is expressed as a
// release with ReleaseRatePct below 100.
type Verdict struct {
	VerdictID      string    `json:"verdictId"`
	Outcome        string    `json:"outcome"`
	ReleaseRatePct int       `json:"releaseRatePct"`
	Rationale      string    `json:"rationale,omitempty"`
	IssuedBy       string    `json:"issuedBy"`
	IssuedAt       time.Time `json:"issuedAt"`
	VerdictHash    string    `json:"verdictHash"`
}

// DisputeOutcome is recorded when a dispute closes. The amounts are optional
// on input and always set once recorded.
type DisputeOutcome struct {
	Status              string `json:"status"`
	ReleaseRatePct      int    `json:"releaseRatePct"`
	ReleasedAmountCents *int64 `json:"releasedAmountCents,omitempty"`
	RefundedAmountCents *int64 `json:"refundedAmountCents,omitempty"`
	VerdictID           string `json:"verdictId,omitempty"`
}

// DecisionPolicyRef binds the policy and verification method of a decision.
type DecisionPolicyRef struct {
	PolicyID               string `json:"policyId"`
	PolicyVersion          string `json:"policyVersion"`
	PolicyHash             string `json:"policyHash"`
	VerificationMethodHash string `json:"verificationMethodHash"`
}

// VerifierRef names who or what produced the decision.
type VerifierRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// WorkRef binds the decision to the completion receipt.
type WorkRef struct {
	ReceiptID   string `json:"receiptId"`
	ReceiptHash string `json:"receiptHash"`
}

// SettlementDecisionRecord is an immutable, hash-chained audit record of one
// settlement decision.
type SettlementDecisionRecord struct {
	DecisionID       string            `json:"decisionId"`
	TenantID         string            `json:"tenantId"`
	SettlementID     string            `json:"settlementId"`
	RunID            string            `json:"runId"`
	Seq              int               `json:"seq"`
	DecisionStatus   string            `json:"decisionStatus"`
	Status           string            `json:"status"`
	Signal           string            `json:"signal,omitempty"`
	ReleaseRatePct   int               `json:"releaseRatePct"`
	PolicyRef        DecisionPolicyRef `json:"policyRef"`
	VerifierRef      VerifierRef       `json:"verifierRef"`
	WorkRef          WorkRef           `json:"workRef"`
	ProfileHash      string            `json:"profileHash"`
	PrevDecisionHash string            `json:"prevDecisionHash"`
	DecisionHash     string            `json:"decisionHash"`
	Signature        string            `json:"signature,omitempty"`
	SignerKeyID      string            `json:"signerKeyId,omitempty"`
	DecidedAt        time.Time         `json:"decidedAt"`
}
