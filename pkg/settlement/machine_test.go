package settlement

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/settld/pkg/contracts"
	"github.com/Mindburn-Labs/settld/pkg/errs"
)

var lockedAt = time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC)

func testReceipt(t *testing.T, status string) contracts.CompletionReceipt {
	t.Helper()
	r := contracts.CompletionReceipt{
		ReceiptID:    "rcpt_1",
		TenantID:     "tenant_a",
		WorkOrderID:  "wo_1",
		RunID:        "run_1",
		Status:       status,
		EvidenceRefs: []string{"s3://bucket/log.txt", "s3://bucket/out.json"},
		AmountCents:  1001,
		DeliveredAt:  lockedAt.Add(-time.Hour),
		CompletedAt:  lockedAt,
	}
	h, err := ReceiptHash(r)
	require.NoError(t, err)
	r.ReceiptHash = h
	return r
}

func locked(t *testing.T, r contracts.CompletionReceipt) contracts.Settlement {
	t.Helper()
	s, err := Lock(LockInput{
		SettlementID: "stl_run_1",
		TenantID:     "tenant_a",
		RunID:        "run_1",
		WorkOrderID:  "wo_1",
		PayerAgentID: "payer",
		PayeeAgentID: "payee",
		AmountCents:  1001,
		Currency:     "USD",
		Policy:       DefaultPolicy(),
		Receipt:      r,
		At:           lockedAt,
	})
	require.NoError(t, err)
	return s
}

func binding(r contracts.CompletionReceipt) EvidenceBinding {
	return EvidenceBinding{CompletionReceiptID: r.ReceiptID, CompletionReceiptHash: r.ReceiptHash}
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok, "not a domain error: %v", err)
	assert.Equal(t, code, e.Code, e.Message)
}

func TestLock(t *testing.T) {
	r := testReceipt(t, contracts.ReceiptPartial)
	s := locked(t, r)

	assert.Equal(t, contracts.SettlementLocked, s.Status)
	assert.Equal(t, contracts.DisputeNone, s.DisputeStatus)
	assert.Equal(t, contracts.DecisionPending, s.DecisionStatus)
	assert.Equal(t, SignalAmber, s.VerificationSignal)
	assert.Equal(t, lockedAt.Add(72*time.Hour), s.DisputeWindowEndsAt)
	assert.Equal(t, DefaultPolicy().Binding(), s.Policy)
	assert.Equal(t, r.ReceiptHash, s.CompletionReceiptHash)
	assert.Nil(t, s.ReleaseRatePct)

	_, err := Lock(LockInput{TenantID: "tenant_a", RunID: "run_1"})
	assertCode(t, err, errs.CodeValidation)
}

func TestCheckEvidenceBinding(t *testing.T) {
	r := testReceipt(t, contracts.ReceiptSuccess)
	s := locked(t, r)

	require.NoError(t, CheckEvidenceBinding(s, &r, binding(r)))

	upper := binding(r)
	upper.CompletionReceiptHash = " " + strings.ToUpper(r.ReceiptHash) + " "
	require.NoError(t, CheckEvidenceBinding(s, &r, upper))

	withRefs := binding(r)
	withRefs.EvidenceRefs = []string{"s3://bucket/log.txt"}
	require.NoError(t, CheckEvidenceBinding(s, &r, withRefs))

	tampered := r
	tampered.Status = contracts.ReceiptFailed

	noRefs := r
	noRefs.EvidenceRefs = nil
	noRefs.ReceiptHash, _ = ReceiptHash(noRefs)
	noRefsSettlement := locked(t, noRefs)

	cases := []struct {
		name    string
		s       contracts.Settlement
		receipt *contracts.CompletionReceipt
		b       EvidenceBinding
	}{
		{"missing hash", s, &r, EvidenceBinding{CompletionReceiptID: r.ReceiptID}},
		{"missing id", s, &r, EvidenceBinding{CompletionReceiptHash: r.ReceiptHash}},
		{"no receipt", s, nil, binding(r)},
		{"wrong id", s, &r, EvidenceBinding{CompletionReceiptID: "rcpt_other", CompletionReceiptHash: r.ReceiptHash}},
		{"wrong hash", s, &r, EvidenceBinding{CompletionReceiptID: r.ReceiptID, CompletionReceiptHash: "00ff"}},
		{"tampered receipt", s, &tampered, binding(r)},
		{"receipt without evidence", noRefsSettlement, &noRefs, binding(noRefs)},
		{"unbound evidence ref", s, &r, EvidenceBinding{
			CompletionReceiptID:   r.ReceiptID,
			CompletionReceiptHash: r.ReceiptHash,
			EvidenceRefs:          []string{"s3://bucket/elsewhere"},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckEvidenceBinding(tc.s, tc.receipt, tc.b)
			assertCode(t, err, errs.CodeEvidenceBindingBlocked)
			e, _ := errs.As(err)
			assert.Equal(t, 409, e.Status())
		})
	}
}

func TestAutoResolve(t *testing.T) {
	s := locked(t, testReceipt(t, contracts.ReceiptPartial))

	next, err := AutoResolve(s, Decision{Auto: true, Signal: SignalAmber, ReleaseRatePct: 50}, 100, lockedAt.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, contracts.SettlementReleased, next.Status)
	assert.Equal(t, contracts.DecisionAutoResolved, next.DecisionStatus)
	assert.Equal(t, int64(500), next.ReleasedAmountCents)
	assert.Equal(t, int64(501), next.RefundedAmountCents)
	assert.Equal(t, int64(5), next.FeeCents)
	require.NotNil(t, next.ReleaseRatePct)
	assert.Equal(t, 50, *next.ReleaseRatePct)
	assert.Nil(t, s.ReleaseRatePct, "input must not be mutated")

	refunded, err := AutoResolve(s, Decision{Auto: true, ReleaseRatePct: 0}, 0, lockedAt)
	require.NoError(t, err)
	assert.Equal(t, contracts.SettlementRefunded, refunded.Status)
	assert.Equal(t, int64(1001), refunded.RefundedAmountCents)

	_, err = AutoResolve(s, Decision{Auto: false}, 0, lockedAt)
	assertCode(t, err, errs.CodeTransitionIllegal)
}

func TestResolve(t *testing.T) {
	s := locked(t, testReceipt(t, contracts.ReceiptFailed))

	next, err := Resolve(s, contracts.SettlementReleased, 100, 0, lockedAt)
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionManualResolved, next.DecisionStatus)
	assert.Equal(t, int64(1001), next.ReleasedAmountCents)

	_, err = Resolve(s, contracts.SettlementReleased, 0, 0, lockedAt)
	assertCode(t, err, errs.CodeValidation)
	_, err = Resolve(s, contracts.SettlementRefunded, 10, 0, lockedAt)
	assertCode(t, err, errs.CodeValidation)
	_, err = Resolve(s, "cancelled", 0, 0, lockedAt)
	assertCode(t, err, errs.CodeValidation)

	_, err = Resolve(next, contracts.SettlementRefunded, 0, 0, lockedAt)
	assertCode(t, err, errs.CodeTransitionIllegal)
}

func TestOpenDispute_IllegalFromNonLocked(t *testing.T) {
	s := locked(t, testReceipt(t, contracts.ReceiptSuccess))
	released, err := Resolve(s, contracts.SettlementReleased, 100, 0, lockedAt)
	require.NoError(t, err)
	refunded, err := Resolve(s, contracts.SettlementRefunded, 0, 0, lockedAt)
	require.NoError(t, err)
	disputed, err := OpenDispute(s, "dsp_1", "payer", "late", lockedAt)
	require.NoError(t, err)

	for name, st := range map[string]contracts.Settlement{
		"released": released,
		"refunded": refunded,
		"disputed": disputed,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := OpenDispute(st, "dsp_2", "payer", "again", lockedAt)
			assertCode(t, err, errs.CodeTransitionIllegal)
		})
	}
}

func TestOpenDispute_WindowClosed(t *testing.T) {
	s := locked(t, testReceipt(t, contracts.ReceiptSuccess))

	_, err := OpenDispute(s, "dsp_1", "payer", "late", s.DisputeWindowEndsAt)
	require.NoError(t, err, "window end is inclusive")

	_, err = OpenDispute(s, "dsp_1", "payer", "late", s.DisputeWindowEndsAt.Add(time.Second))
	assertCode(t, err, errs.CodeDisputeWindowClosed)
}

func TestEscalateDispute_OnlyUpward(t *testing.T) {
	s := locked(t, testReceipt(t, contracts.ReceiptSuccess))
	s, err := OpenDispute(s, "dsp_1", "payer", "quality", lockedAt)
	require.NoError(t, err)
	assert.Equal(t, contracts.EscalationCounterparty, s.Dispute.EscalationLevel)

	s, err = EscalateDispute(s, contracts.EscalationArbiter, lockedAt)
	require.NoError(t, err)
	_, err = EscalateDispute(s, contracts.EscalationCounterparty, lockedAt)
	assertCode(t, err, errs.CodeTransitionIllegal)
	_, err = EscalateDispute(s, contracts.EscalationArbiter, lockedAt)
	assertCode(t, err, errs.CodeTransitionIllegal)
	_, err = EscalateDispute(s, "l9_moon", lockedAt)
	assertCode(t, err, errs.CodeValidation)

	s, err = SubmitDisputeEvidence(s, contracts.EvidenceItem{EvidenceRef: "ev://1", SubmittedBy: "payer", At: lockedAt})
	require.NoError(t, err)
	assert.Len(t, s.Dispute.Evidence, 1)
}

func cents(v int64) *int64 { return &v }

func TestCloseDispute_WithoutArbitration(t *testing.T) {
	s := locked(t, testReceipt(t, contracts.ReceiptSuccess))
	s, err := OpenDispute(s, "dsp_1", "payer", "quality", lockedAt)
	require.NoError(t, err)

	_, err = CloseDispute(s, contracts.DisputeOutcome{
		Status: contracts.SettlementReleased, ReleaseRatePct: 50,
		ReleasedAmountCents: cents(501), RefundedAmountCents: cents(500),
	}, 0, lockedAt)
	assertCode(t, err, errs.CodeDisputeOutcomeAmount)

	_, err = CloseDispute(s, contracts.DisputeOutcome{
		Status: contracts.SettlementReleased, ReleaseRatePct: 50,
		ReleasedAmountCents: cents(0), RefundedAmountCents: cents(0),
	}, 0, lockedAt)
	assertCode(t, err, errs.CodeDisputeOutcomeAmount)

	_, err = CloseDispute(s, contracts.DisputeOutcome{
		Status: contracts.SettlementReleased, ReleaseRatePct: 50, RefundedAmountCents: cents(500),
	}, 0, lockedAt)
	assertCode(t, err, errs.CodeDisputeOutcomeAmount)

	_, err = CloseDispute(s, contracts.DisputeOutcome{Status: contracts.SettlementRefunded, ReleaseRatePct: 30}, 0, lockedAt)
	assertCode(t, err, errs.CodeValidation)

	closed, err := CloseDispute(s, contracts.DisputeOutcome{
		Status: contracts.SettlementReleased, ReleaseRatePct: 50,
		ReleasedAmountCents: cents(500), RefundedAmountCents: cents(501),
	}, 0, lockedAt)
	require.NoError(t, err)
	assert.Equal(t, contracts.SettlementReleased, closed.Status)
	assert.Equal(t, contracts.DisputeClosed, closed.DisputeStatus)
	assert.Equal(t, contracts.DecisionManualResolved, closed.DecisionStatus)
	require.NotNil(t, closed.Dispute.Outcome)
	assert.Equal(t, cents(500), closed.Dispute.Outcome.ReleasedAmountCents)
	assert.Equal(t, cents(501), closed.Dispute.Outcome.RefundedAmountCents)
	assert.True(t, closed.Terminal())

	_, err = CloseDispute(closed, contracts.DisputeOutcome{Status: contracts.SettlementRefunded}, 0, lockedAt)
	assertCode(t, err, errs.CodeTransitionIllegal)
}

func TestArbitration_VerdictBindsOutcome(t *testing.T) {
	s := locked(t, testReceipt(t, contracts.ReceiptSuccess))
	s, err := OpenDispute(s, "dsp_1", "payer", "quality", lockedAt)
	require.NoError(t, err)

	s, err = OpenArbitration(s, "case_1", lockedAt)
	require.NoError(t, err)
	_, err = OpenArbitration(s, "case_2", lockedAt)
	assertCode(t, err, errs.CodeTransitionIllegal)

	_, err = IssueVerdict(s, "case_1", contracts.Verdict{VerdictID: "v1", Outcome: contracts.VerdictRefund})
	assertCode(t, err, errs.CodeTransitionIllegal)

	s, err = AssignArbiter(s, "case_1", "arb_1", lockedAt)
	require.NoError(t, err)
	s, err = SubmitArbitrationEvidence(s, "case_1", contracts.EvidenceItem{EvidenceRef: "ev://a", SubmittedBy: "payee", At: lockedAt})
	require.NoError(t, err)

	_, err = CloseDispute(s, contracts.DisputeOutcome{Status: contracts.SettlementRefunded}, 0, lockedAt)
	assertCode(t, err, errs.CodeTransitionIllegal)

	_, err = IssueVerdict(s, "case_1", contracts.Verdict{VerdictID: "v1", Outcome: contracts.VerdictRelease, ReleaseRatePct: 0})
	assertCode(t, err, errs.CodeValidation)
	_, err = IssueVerdict(s, "case_x", contracts.Verdict{VerdictID: "v1", Outcome: contracts.VerdictRefund})
	assertCode(t, err, errs.CodeNotFound)

	s, err = IssueVerdict(s, "case_1", contracts.Verdict{VerdictID: "v1", Outcome: contracts.VerdictRefund, IssuedAt: lockedAt})
	require.NoError(t, err)
	v := s.Dispute.ActiveCase().Verdict
	require.NotNil(t, v)
	assert.Equal(t, "arb_1", v.IssuedBy)
	want, err := VerdictHash("case_1", *v)
	require.NoError(t, err)
	assert.Equal(t, want, v.VerdictHash)

	_, err = SubmitArbitrationEvidence(s, "case_1", contracts.EvidenceItem{EvidenceRef: "ev://late", At: lockedAt})
	assertCode(t, err, errs.CodeTransitionIllegal)

	_, err = CloseDispute(s, contracts.DisputeOutcome{Status: contracts.SettlementReleased, ReleaseRatePct: 100}, 0, lockedAt)
	assertCode(t, err, errs.CodeDisputeOutcomeStatus)
	_, err = CloseDispute(s, contracts.DisputeOutcome{Status: contracts.SettlementRefunded, VerdictID: "v0"}, 0, lockedAt)
	assertCode(t, err, errs.CodeDisputeOutcomeStatus)

	closed, err := CloseDispute(s, contracts.DisputeOutcome{Status: contracts.SettlementRefunded}, 0, lockedAt)
	require.NoError(t, err)
	assert.Equal(t, contracts.SettlementRefunded, closed.Status)
	assert.Equal(t, "v1", closed.Dispute.Outcome.VerdictID)
	assert.Equal(t, int64(1001), closed.RefundedAmountCents)
}

func TestArbitration_Appeal(t *testing.T) {
	s := locked(t, testReceipt(t, contracts.ReceiptSuccess))
	s, err := OpenDispute(s, "dsp_1", "payer", "quality", lockedAt)
	require.NoError(t, err)
	s, err = OpenArbitration(s, "case_1", lockedAt)
	require.NoError(t, err)
	s, err = AssignArbiter(s, "case_1", "arb_1", lockedAt)
	require.NoError(t, err)

	_, err = AppealArbitration(s, "case_1", "case_2", lockedAt)
	assertCode(t, err, errs.CodeTransitionIllegal)

	s, err = IssueVerdict(s, "case_1", contracts.Verdict{VerdictID: "v1", Outcome: contracts.VerdictRefund, IssuedAt: lockedAt})
	require.NoError(t, err)
	s, err = CloseArbitration(s, "case_1", lockedAt)
	require.NoError(t, err)
	_, err = CloseArbitration(s, "case_1", lockedAt)
	assertCode(t, err, errs.CodeTransitionIllegal)

	_, err = AppealArbitration(s, "case_1", "case_1", lockedAt)
	assertCode(t, err, errs.CodeValidation)

	appealed, err := AppealArbitration(s, "case_1", "case_2", lockedAt)
	require.NoError(t, err)
	require.Len(t, appealed.Dispute.Cases, 2)
	active := appealed.Dispute.ActiveCase()
	assert.Equal(t, "case_2", active.CaseID)
	assert.Equal(t, "case_1", active.AppealOfCaseID)
	assert.Equal(t, contracts.ArbitrationOpen, active.Status)
	assert.Len(t, s.Dispute.Cases, 1, "input must not be mutated")

	_, err = CloseDispute(appealed, contracts.DisputeOutcome{Status: contracts.SettlementRefunded}, 0, lockedAt)
	assertCode(t, err, errs.CodeTransitionIllegal)

	appealed, err = AssignArbiter(appealed, "case_2", "arb_2", lockedAt)
	require.NoError(t, err)
	appealed, err = IssueVerdict(appealed, "case_2", contracts.Verdict{VerdictID: "v2", Outcome: contracts.VerdictRelease, ReleaseRatePct: 70, IssuedAt: lockedAt})
	require.NoError(t, err)

	closed, err := CloseDispute(appealed, contracts.DisputeOutcome{Status: contracts.SettlementReleased, ReleaseRatePct: 70}, 250, lockedAt)
	require.NoError(t, err)
	assert.Equal(t, int64(700), closed.ReleasedAmountCents)
	assert.Equal(t, int64(301), closed.RefundedAmountCents)
	assert.Equal(t, int64(17), closed.FeeCents)
	assert.Equal(t, "v2", closed.Dispute.Outcome.VerdictID)
}
