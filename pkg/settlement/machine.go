// Package settlement holds the escrow state machine of a run, the policy
// engine that decides automatic release and the service that persists
// transitions together with their events, ledger entries and artifacts.
//
// The transition functions in this file are pure: they take a settlement
// value and return the next one, or a domain error, without touching storage.
package settlement

import (
	"strings"
	"time"

	"github.com/Mindburn-Labs/settld/pkg/canonicalize"
	"github.com/Mindburn-Labs/settld/pkg/contracts"
	"github.com/Mindburn-Labs/settld/pkg/errs"
)

var escalationRank = map[string]int{
	contracts.EscalationCounterparty: 1,
	contracts.EscalationArbiter:      2,
	contracts.EscalationExternal:     3,
}

// LockInput is everything needed to open escrow for a completed run.
type LockInput struct {
	SettlementID string
	TenantID     string
	RunID        string
	WorkOrderID  string
	PayerAgentID string
	PayeeAgentID string
	AmountCents  int64
	Currency     string
	Policy       Policy
	Receipt      contracts.CompletionReceipt
	At           time.Time
}

// Lock creates a locked settlement bound to the receipt and the policy.
func Lock(in LockInput) (contracts.Settlement, error) {
	if in.SettlementID == "" || in.TenantID == "" || in.RunID == "" {
		return contracts.Settlement{}, errs.Validation("settlementId, tenantId and runId are required")
	}
	if in.AmountCents < 0 {
		return contracts.Settlement{}, errs.Validation("amountCents must not be negative")
	}
	at := in.At.UTC()
	return contracts.Settlement{
		SettlementID:          in.SettlementID,
		TenantID:              in.TenantID,
		RunID:                 in.RunID,
		WorkOrderID:           in.WorkOrderID,
		PayerAgentID:          in.PayerAgentID,
		PayeeAgentID:          in.PayeeAgentID,
		AmountCents:           in.AmountCents,
		Currency:              in.Currency,
		Status:                contracts.SettlementLocked,
		DisputeStatus:         contracts.DisputeNone,
		DisputeWindowDays:     in.Policy.DisputeWindowDays,
		DisputeWindowEndsAt:   at.Add(time.Duration(in.Policy.DisputeWindowDays) * 24 * time.Hour),
		DecisionStatus:        contracts.DecisionPending,
		Policy:                in.Policy.Binding(),
		VerificationSignal:    SignalFromReceipt(in.Receipt.Status),
		CompletionReceiptID:   in.Receipt.ReceiptID,
		CompletionReceiptHash: in.Receipt.ReceiptHash,
		LockedAt:              at,
		UpdatedAt:             at,
	}, nil
}

// EvidenceBinding is what a caller presents to move a settlement out of
// locked. EvidenceRefs, when given, must all appear in the receipt.
type EvidenceBinding struct {
	CompletionReceiptID   string   `json:"completionReceiptId"`
	CompletionReceiptHash string   `json:"completionReceiptHash"`
	EvidenceRefs          []string `json:"evidenceRefs,omitempty"`
}

// ReceiptHash recomputes the canonical hash of a completion receipt body.
func ReceiptHash(r contracts.CompletionReceipt) (string, error) {
	return canonicalize.CanonicalHash(r.ReceiptBody())
}

// CheckEvidenceBinding fails closed unless the binding names the receipt the
// settlement was locked with, and that receipt still hashes to the bound value.
func CheckEvidenceBinding(s contracts.Settlement, receipt *contracts.CompletionReceipt, b EvidenceBinding) error {
	if b.CompletionReceiptID == "" || b.CompletionReceiptHash == "" {
		return errs.BindingBlocked("completionReceiptId and completionReceiptHash are required")
	}
	if receipt == nil {
		return errs.BindingBlocked("no completion receipt recorded for run").With("runId", s.RunID)
	}
	if b.CompletionReceiptID != receipt.ReceiptID || b.CompletionReceiptID != s.CompletionReceiptID {
		return errs.BindingBlocked("completion receipt id does not match").
			With("completionReceiptId", b.CompletionReceiptID)
	}
	got := strings.ToLower(strings.TrimSpace(b.CompletionReceiptHash))
	if got != receipt.ReceiptHash || got != s.CompletionReceiptHash {
		return errs.BindingBlocked("completion receipt hash does not match").
			With("expectedReceiptHash", s.CompletionReceiptHash)
	}
	recomputed, err := ReceiptHash(*receipt)
	if err != nil {
		return err
	}
	if recomputed != receipt.ReceiptHash {
		return errs.BindingBlocked("stored completion receipt fails its own hash")
	}
	if len(receipt.EvidenceRefs) == 0 {
		return errs.BindingBlocked("completion receipt carries no evidence refs")
	}
	known := make(map[string]bool, len(receipt.EvidenceRefs))
	for _, ref := range receipt.EvidenceRefs {
		known[ref] = true
	}
	for _, ref := range b.EvidenceRefs {
		if !known[ref] {
			return errs.BindingBlocked("evidence ref not bound to the completion receipt").With("evidenceRef", ref)
		}
	}
	return nil
}

// MarkManualReview records that the policy did not allow automatic release.
func MarkManualReview(s contracts.Settlement, at time.Time) (contracts.Settlement, error) {
	if s.Status != contracts.SettlementLocked {
		return s, errs.IllegalTransition(s.Status, "mark manual review")
	}
	next := clone(s)
	next.DecisionStatus = contracts.DecisionManualReviewRequired
	next.UpdatedAt = at.UTC()
	return next, nil
}

// AutoResolve applies an automatic decision. A zero release rate refunds.
func AutoResolve(s contracts.Settlement, d Decision, feeBps int, at time.Time) (contracts.Settlement, error) {
	if !d.Auto {
		return s, errs.IllegalTransition(s.Status, "auto resolve")
	}
	status := contracts.SettlementReleased
	if d.ReleaseRatePct == 0 {
		status = contracts.SettlementRefunded
	}
	return settle(s, status, d.ReleaseRatePct, contracts.DecisionAutoResolved, feeBps, at)
}

// Resolve is the explicit operator resolution of a locked settlement.
func Resolve(s contracts.Settlement, status string, pct int, feeBps int, at time.Time) (contracts.Settlement, error) {
	if s.Status != contracts.SettlementLocked {
		return s, errs.IllegalTransition(s.Status, "resolve")
	}
	if err := checkOutcome(status, pct); err != nil {
		return s, err
	}
	return settle(s, status, pct, contracts.DecisionManualResolved, feeBps, at)
}

func checkOutcome(status string, pct int) error {
	switch status {
	case contracts.SettlementReleased:
		if pct < 1 || pct > 100 {
			return errs.Validation("released requires releaseRatePct within 1..100, got %d", pct)
		}
	case contracts.SettlementRefunded:
		if pct != 0 {
			return errs.Validation("refunded requires releaseRatePct 0, got %d", pct)
		}
	default:
		return errs.Validation("status must be released or refunded, got %q", status)
	}
	return nil
}

func settle(s contracts.Settlement, status string, pct int, decision string, feeBps int, at time.Time) (contracts.Settlement, error) {
	if s.Status != contracts.SettlementLocked && s.Status != contracts.SettlementDisputed {
		return s, errs.IllegalTransition(s.Status, "settle")
	}
	next := clone(s)
	released, refunded := Split(s.AmountCents, pct)
	resolvedAt := at.UTC()
	next.Status = status
	next.DecisionStatus = decision
	next.ReleaseRatePct = &pct
	next.ReleasedAmountCents = released
	next.RefundedAmountCents = refunded
	next.FeeCents = Fee(released, feeBps)
	next.ResolvedAt = &resolvedAt
	next.UpdatedAt = resolvedAt
	return next, nil
}

// OpenDispute moves a locked settlement into dispute while the dispute
// window is open.
func OpenDispute(s contracts.Settlement, disputeID, openedBy, reason string, at time.Time) (contracts.Settlement, error) {
	if s.Status != contracts.SettlementLocked || s.DisputeStatus == contracts.DisputeOpen {
		return s, errs.IllegalTransition(s.Status, "open dispute")
	}
	if openedBy == "" {
		return s, errs.Validation("openedBy is required")
	}
	if at.After(s.DisputeWindowEndsAt) {
		return s, errs.Conflict(errs.CodeDisputeWindowClosed, "dispute window closed at %s",
			s.DisputeWindowEndsAt.Format(time.RFC3339)).With("disputeWindowEndsAt", s.DisputeWindowEndsAt)
	}
	next := clone(s)
	next.Status = contracts.SettlementDisputed
	next.DisputeStatus = contracts.DisputeOpen
	next.Dispute = &contracts.Dispute{
		DisputeID:       disputeID,
		OpenedBy:        openedBy,
		Reason:          reason,
		OpenedAt:        at.UTC(),
		EscalationLevel: contracts.EscalationCounterparty,
		Evidence:        []contracts.EvidenceItem{},
		Cases:           []contracts.ArbitrationCase{},
	}
	next.UpdatedAt = at.UTC()
	return next, nil
}

func openDispute(s contracts.Settlement, action string) error {
	if s.Status != contracts.SettlementDisputed || s.DisputeStatus != contracts.DisputeOpen || s.Dispute == nil {
		return errs.IllegalTransition(s.Status, action)
	}
	return nil
}

// SubmitDisputeEvidence appends an evidence reference to the open dispute.
func SubmitDisputeEvidence(s contracts.Settlement, item contracts.EvidenceItem) (contracts.Settlement, error) {
	if err := openDispute(s, "submit dispute evidence"); err != nil {
		return s, err
	}
	if item.EvidenceRef == "" {
		return s, errs.Validation("evidenceRef is required")
	}
	next := clone(s)
	item.At = item.At.UTC()
	next.Dispute.Evidence = append(next.Dispute.Evidence, item)
	next.UpdatedAt = item.At
	return next, nil
}

// EscalateDispute raises the escalation level. Levels only go up.
func EscalateDispute(s contracts.Settlement, level string, at time.Time) (contracts.Settlement, error) {
	if err := openDispute(s, "escalate dispute"); err != nil {
		return s, err
	}
	rank, ok := escalationRank[level]
	if !ok {
		return s, errs.Validation("unknown escalation level %q", level)
	}
	if rank <= escalationRank[s.Dispute.EscalationLevel] {
		return s, errs.IllegalTransition(s.Dispute.EscalationLevel, "escalate to "+level)
	}
	next := clone(s)
	next.Dispute.EscalationLevel = level
	next.UpdatedAt = at.UTC()
	return next, nil
}

// CloseDispute resolves a disputed settlement with a binary outcome. When
// arbitration took place the outcome must agree with the latest verdict.
// Supplied amounts must equal the rounding of the release rate.
func CloseDispute(s contracts.Settlement, o contracts.DisputeOutcome, feeBps int, at time.Time) (contracts.Settlement, error) {
	if err := openDispute(s, "close dispute"); err != nil {
		return s, err
	}
	if err := checkOutcome(o.Status, o.ReleaseRatePct); err != nil {
		return s, err
	}
	if c := s.Dispute.ActiveCase(); c != nil {
		if c.Verdict == nil {
			return s, errs.IllegalTransition(c.Status, "close dispute before verdict")
		}
		want := contracts.SettlementReleased
		if c.Verdict.Outcome == contracts.VerdictRefund {
			want = contracts.SettlementRefunded
		}
		if o.Status != want || o.ReleaseRatePct != c.Verdict.ReleaseRatePct {
			return s, errs.Conflict(errs.CodeDisputeOutcomeStatus, "dispute outcome does not match the arbitration verdict").
				With("verdictId", c.Verdict.VerdictID).
				With("expectedStatus", want).
				With("expectedReleaseRatePct", c.Verdict.ReleaseRatePct)
		}
		if o.VerdictID != "" && o.VerdictID != c.Verdict.VerdictID {
			return s, errs.Conflict(errs.CodeDisputeOutcomeStatus, "dispute outcome names verdict %q, latest is %q",
				o.VerdictID, c.Verdict.VerdictID)
		}
		o.VerdictID = c.Verdict.VerdictID
	}
	released, refunded := Split(s.AmountCents, o.ReleaseRatePct)
	if (o.ReleasedAmountCents != nil && *o.ReleasedAmountCents != released) ||
		(o.RefundedAmountCents != nil && *o.RefundedAmountCents != refunded) {
		return s, errs.Conflict(errs.CodeDisputeOutcomeAmount, "dispute outcome amounts do not match releaseRatePct").
			With("expectedReleasedAmountCents", released).
			With("expectedRefundedAmountCents", refunded)
	}
	o.ReleasedAmountCents, o.RefundedAmountCents = &released, &refunded

	next, err := settle(s, o.Status, o.ReleaseRatePct, contracts.DecisionManualResolved, feeBps, at)
	if err != nil {
		return s, err
	}
	closedAt := at.UTC()
	next.DisputeStatus = contracts.DisputeClosed
	next.Dispute.Outcome = &o
	next.Dispute.ClosedAt = &closedAt
	return next, nil
}

func activeCase(s contracts.Settlement, caseID, action string) (*contracts.ArbitrationCase, error) {
	if err := openDispute(s, action); err != nil {
		return nil, err
	}
	c := s.Dispute.ActiveCase()
	if c == nil || c.CaseID != caseID {
		return nil, errs.NotFound("arbitration case %q is not the active case", caseID)
	}
	return c, nil
}

// OpenArbitration starts the first arbitration case of an open dispute.
func OpenArbitration(s contracts.Settlement, caseID string, at time.Time) (contracts.Settlement, error) {
	if err := openDispute(s, "open arbitration"); err != nil {
		return s, err
	}
	if c := s.Dispute.ActiveCase(); c != nil {
		return s, errs.IllegalTransition(c.Status, "open arbitration")
	}
	next := clone(s)
	next.Dispute.Cases = append(next.Dispute.Cases, newCase(caseID, "", at))
	next.UpdatedAt = at.UTC()
	return next, nil
}

// AssignArbiter assigns or reassigns the arbiter before a verdict.
func AssignArbiter(s contracts.Settlement, caseID, arbiterID string, at time.Time) (contracts.Settlement, error) {
	c, err := activeCase(s, caseID, "assign arbiter")
	if err != nil {
		return s, err
	}
	if c.Status != contracts.ArbitrationOpen && c.Status != contracts.ArbitrationAssigned {
		return s, errs.IllegalTransition(c.Status, "assign arbiter")
	}
	if arbiterID == "" {
		return s, errs.Validation("arbiterId is required")
	}
	next := clone(s)
	nc := next.Dispute.ActiveCase()
	nc.ArbiterID = arbiterID
	nc.Status = contracts.ArbitrationAssigned
	next.UpdatedAt = at.UTC()
	return next, nil
}

// SubmitArbitrationEvidence appends evidence to a case that has no verdict yet.
func SubmitArbitrationEvidence(s contracts.Settlement, caseID string, item contracts.EvidenceItem) (contracts.Settlement, error) {
	c, err := activeCase(s, caseID, "submit arbitration evidence")
	if err != nil {
		return s, err
	}
	if c.Verdict != nil || c.Status == contracts.ArbitrationClosed {
		return s, errs.IllegalTransition(c.Status, "submit arbitration evidence")
	}
	if item.EvidenceRef == "" {
		return s, errs.Validation("evidenceRef is required")
	}
	next := clone(s)
	item.At = item.At.UTC()
	nc := next.Dispute.ActiveCase()
	nc.Evidence = append(nc.Evidence, item)
	next.UpdatedAt = item.At
	return next, nil
}

// VerdictHash is the canonical hash of a verdict without its hash field.
func VerdictHash(caseID string, v contracts.Verdict) (string, error) {
	return canonicalize.CanonicalHash(map[string]any{
		"caseId":         caseID,
		"verdictId":      v.VerdictID,
		"outcome":        v.Outcome,
		"releaseRatePct": v.ReleaseRatePct,
		"rationale":      v.Rationale,
		"issuedBy":       v.IssuedBy,
		"issuedAt":       v.IssuedAt.UTC().Format(time.RFC3339Nano),
	})
}

// IssueVerdict records the assigned arbiter's binary verdict.
func IssueVerdict(s contracts.Settlement, caseID string, v contracts.Verdict) (contracts.Settlement, error) {
	c, err := activeCase(s, caseID, "issue verdict")
	if err != nil {
		return s, err
	}
	if c.Status != contracts.ArbitrationAssigned {
		return s, errs.IllegalTransition(c.Status, "issue verdict")
	}
	switch v.Outcome {
	case contracts.VerdictRelease:
		if v.ReleaseRatePct < 1 || v.ReleaseRatePct > 100 {
			return s, errs.Validation("release verdict requires releaseRatePct within 1..100")
		}
	case contracts.VerdictRefund:
		if v.ReleaseRatePct != 0 {
			return s, errs.Validation("refund verdict requires releaseRatePct 0")
		}
	default:
		return s, errs.Validation("verdict outcome must be release or refund, got %q", v.Outcome)
	}
	if v.VerdictID == "" {
		return s, errs.Validation("verdictId is required")
	}
	if v.IssuedBy == "" {
		v.IssuedBy = c.ArbiterID
	}
	v.IssuedAt = v.IssuedAt.UTC()
	h, err := VerdictHash(caseID, v)
	if err != nil {
		return s, err
	}
	v.VerdictHash = h

	next := clone(s)
	nc := next.Dispute.ActiveCase()
	nc.Verdict = &v
	nc.Status = contracts.ArbitrationVerdict
	next.UpdatedAt = v.IssuedAt
	return next, nil
}

// CloseArbitration closes a case once its verdict is issued.
func CloseArbitration(s contracts.Settlement, caseID string, at time.Time) (contracts.Settlement, error) {
	c, err := activeCase(s, caseID, "close arbitration")
	if err != nil {
		return s, err
	}
	if c.Status != contracts.ArbitrationVerdict {
		return s, errs.IllegalTransition(c.Status, "close arbitration")
	}
	next := clone(s)
	closedAt := at.UTC()
	nc := next.Dispute.ActiveCase()
	nc.Status = contracts.ArbitrationClosed
	nc.ClosedAt = &closedAt
	next.UpdatedAt = closedAt
	return next, nil
}

// AppealArbitration opens a new case against a closed one while the dispute
// is still open. The appeal supersedes the earlier verdict.
func AppealArbitration(s contracts.Settlement, caseID, newCaseID string, at time.Time) (contracts.Settlement, error) {
	c, err := activeCase(s, caseID, "appeal arbitration")
	if err != nil {
		return s, err
	}
	if c.Status != contracts.ArbitrationClosed || c.Verdict == nil {
		return s, errs.IllegalTransition(c.Status, "appeal arbitration")
	}
	if newCaseID == "" || newCaseID == caseID {
		return s, errs.Validation("appeal requires a new caseId")
	}
	next := clone(s)
	next.Dispute.Cases = append(next.Dispute.Cases, newCase(newCaseID, caseID, at))
	next.UpdatedAt = at.UTC()
	return next, nil
}

func newCase(caseID, appealOf string, at time.Time) contracts.ArbitrationCase {
	return contracts.ArbitrationCase{
		CaseID:         caseID,
		Status:         contracts.ArbitrationOpen,
		AppealOfCaseID: appealOf,
		Evidence:       []contracts.EvidenceItem{},
		OpenedAt:       at.UTC(),
	}
}

// clone deep-copies the mutable parts of s so transitions never alias the
// caller's value.
func clone(s contracts.Settlement) contracts.Settlement {
	out := s
	if s.ReleaseRatePct != nil {
		pct := *s.ReleaseRatePct
		out.ReleaseRatePct = &pct
	}
	if s.ResolvedAt != nil {
		t := *s.ResolvedAt
		out.ResolvedAt = &t
	}
	if s.Dispute != nil {
		d := *s.Dispute
		d.Evidence = append([]contracts.EvidenceItem{}, s.Dispute.Evidence...)
		d.Cases = make([]contracts.ArbitrationCase, len(s.Dispute.Cases))
		for i, c := range s.Dispute.Cases {
			c.Evidence = append([]contracts.EvidenceItem{}, c.Evidence...)
			if c.Verdict != nil {
				v := *c.Verdict
				c.Verdict = &v
			}
			d.Cases[i] = c
		}
		if s.Dispute.Outcome != nil {
			o := *s.Dispute.Outcome
			d.Outcome = &o
		}
		out.Dispute = &d
	}
	return out
}
