package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/settld/pkg/artifacts"
	"github.com/Mindburn-Labs/settld/pkg/contracts"
	"github.com/Mindburn-Labs/settld/pkg/crypto"
	"github.com/Mindburn-Labs/settld/pkg/errs"
	"github.com/Mindburn-Labs/settld/pkg/eventchain"
	"github.com/Mindburn-Labs/settld/pkg/ledger"
	"github.com/Mindburn-Labs/settld/pkg/store"
)

// Meta scopes a settlement mutation. ExpectedPrev is the caller's view of the
// run stream head; ExpectedRevision, when set, must equal the stored revision.
type Meta struct {
	TenantID         string
	RunID            string
	Actor            contracts.Actor
	ExpectedPrev     *string
	ExpectedRevision *int64
}

// Service persists settlement transitions. Every method runs inside the
// caller's transaction so the state change, its run event, decision record,
// ledger entry and artifact jobs commit or roll back together.
type Service struct {
	appender *eventchain.Appender
	policies *PolicyRegistry
	engine   *Engine
	signers  eventchain.TenantSigners
	clock    func() time.Time
	logger   *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

func WithClock(clock func() time.Time) ServiceOption {
	return func(s *Service) { s.clock = clock }
}

func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// NewService wires the settlement service. signers may be nil, in which case
// decision records are not signed.
func NewService(appender *eventchain.Appender, policies *PolicyRegistry, engine *Engine, signers eventchain.TenantSigners, opts ...ServiceOption) *Service {
	s := &Service{
		appender: appender,
		policies: policies,
		engine:   engine,
		signers:  signers,
		clock:    time.Now,
		logger:   slog.Default().With("component", "settlement"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policies exposes the registry the service resolves bindings against.
func (s *Service) Policies() *PolicyRegistry { return s.policies }

func (s *Service) now() time.Time { return s.clock().UTC() }

// SettlementID is the id of the settlement of runID.
func SettlementID(runID string) string { return "stl_" + runID }

// LedgerEntryID is the id of the ledger entry that moves escrowed funds out.
func LedgerEntryID(settlementID string) string { return "settle:" + settlementID }

// Lock inserts a locked settlement and records SETTLEMENT_LOCKED on the run
// stream.
func (s *Service) Lock(ctx context.Context, tx store.Tx, in LockInput, actor contracts.Actor, expectedPrev *string) (contracts.Settlement, error) {
	if in.At.IsZero() {
		in.At = s.now()
	}
	st, err := Lock(in)
	if err != nil {
		return st, err
	}
	if err := tx.InsertSettlement(ctx, st); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return st, errs.IllegalTransition(contracts.SettlementLocked, "lock")
		}
		return st, fmt.Errorf("insert settlement: %w", err)
	}
	_, err = s.appender.Append(ctx, tx, eventchain.AppendRequest{
		TenantID:     st.TenantID,
		StreamID:     eventchain.RunStream(st.RunID),
		ExpectedPrev: expectedPrev,
		Type:         eventchain.TypeSettlementLocked,
		Actor:        actor,
		Payload: map[string]any{
			"settlementId":        st.SettlementID,
			"amountCents":         st.AmountCents,
			"disputeWindowEndsAt": st.DisputeWindowEndsAt.Format(time.RFC3339Nano),
			"receiptHash":         st.CompletionReceiptHash,
			"policyHash":          st.Policy.PolicyHash,
		},
	})
	if err != nil {
		return st, err
	}
	s.logger.InfoContext(ctx, "settlement locked", "tenant", st.TenantID, "run", st.RunID, "amount_cents", st.AmountCents)
	return st, nil
}

// Get returns the settlement of a run.
func (s *Service) Get(ctx context.Context, tx store.SettlementTx, tenantID, runID string) (contracts.Settlement, error) {
	st, err := tx.SettlementByRun(ctx, tenantID, runID)
	if errors.Is(err, store.ErrNotFound) {
		return st, errs.NotFound("no settlement for run %q", runID)
	}
	return st, err
}

// Decisions returns the decision chain of a run's settlement.
func (s *Service) Decisions(ctx context.Context, tx store.SettlementTx, tenantID, runID string) ([]contracts.SettlementDecisionRecord, error) {
	st, err := s.Get(ctx, tx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	return tx.DecisionRecords(ctx, tenantID, st.SettlementID)
}

// SettleResult is the outcome of Settle.
type SettleResult struct {
	Settlement contracts.Settlement               `json:"settlement"`
	Decision   Decision                           `json:"decision"`
	Record     contracts.SettlementDecisionRecord `json:"decisionRecord"`
}

// Settle checks the evidence binding and applies the bound policy. Signals
// the policy allows resolve immediately; the rest wait for manual review.
func (s *Service) Settle(ctx context.Context, tx store.Tx, m Meta, b EvidenceBinding) (SettleResult, error) {
	cur, err := s.load(ctx, tx, m)
	if err != nil {
		return SettleResult{}, err
	}
	if cur.Status != contracts.SettlementLocked {
		return SettleResult{}, errs.IllegalTransition(cur.Status, "settle")
	}
	if err := s.checkBinding(ctx, tx, cur, b); err != nil {
		return SettleResult{}, err
	}
	p, err := s.policies.Exact(cur.Policy.PolicyID, cur.Policy.PolicyVersion)
	if err != nil {
		return SettleResult{}, err
	}
	d, err := s.engine.Decide(p, cur.VerificationSignal, cur.AmountCents)
	if err != nil {
		return SettleResult{}, err
	}
	now := s.now()

	if d.Auto {
		next, err := AutoResolve(cur, d, p.PlatformFeeBps, now)
		if err != nil {
			return SettleResult{}, err
		}
		next, rec, err := s.finalize(ctx, tx, m, cur, next, p, contracts.VerifierRef{Kind: VerifierPolicyEngine, ID: VerificationMethod})
		if err != nil {
			return SettleResult{}, err
		}
		return SettleResult{Settlement: next, Decision: d, Record: rec}, nil
	}

	// No event is appended for manual review, so the precondition is checked
	// against the run stream directly.
	if _, err := eventchain.CheckHead(ctx, tx, m.TenantID, eventchain.RunStream(m.RunID), m.ExpectedPrev); err != nil {
		return SettleResult{}, err
	}
	next, err := MarkManualReview(cur, now)
	if err != nil {
		return SettleResult{}, err
	}
	rec, err := s.record(ctx, tx, next, p, contracts.VerifierRef{Kind: VerifierPolicyEngine, ID: VerificationMethod})
	if err != nil {
		return SettleResult{}, err
	}
	next, err = s.save(ctx, tx, cur, next)
	if err != nil {
		return SettleResult{}, err
	}
	s.logger.InfoContext(ctx, "settlement awaiting manual review", "tenant", next.TenantID, "run", next.RunID, "signal", d.Signal)
	return SettleResult{Settlement: next, Decision: d, Record: rec}, nil
}

// ResolveRequest is the explicit resolution of a locked settlement.
type ResolveRequest struct {
	Meta
	Binding        EvidenceBinding
	Status         string
	ReleaseRatePct *int
}

// Resolve releases or refunds a locked settlement on operator instruction.
func (s *Service) Resolve(ctx context.Context, tx store.Tx, req ResolveRequest) (contracts.Settlement, error) {
	cur, err := s.load(ctx, tx, req.Meta)
	if err != nil {
		return cur, err
	}
	if cur.Status != contracts.SettlementLocked {
		return cur, errs.IllegalTransition(cur.Status, "resolve")
	}
	if err := s.checkBinding(ctx, tx, cur, req.Binding); err != nil {
		return cur, err
	}
	pct := 0
	if req.ReleaseRatePct != nil {
		pct = *req.ReleaseRatePct
	} else if req.Status == contracts.SettlementReleased {
		pct = 100
	}
	p, err := s.policies.Exact(cur.Policy.PolicyID, cur.Policy.PolicyVersion)
	if err != nil {
		return cur, err
	}
	next, err := Resolve(cur, req.Status, pct, p.PlatformFeeBps, s.now())
	if err != nil {
		return cur, err
	}
	next, _, err = s.finalize(ctx, tx, req.Meta, cur, next, p, contracts.VerifierRef{Kind: VerifierOperator, ID: req.Actor.ID})
	return next, err
}

// OpenDispute opens a dispute on a locked settlement.
func (s *Service) OpenDispute(ctx context.Context, tx store.Tx, m Meta, disputeID, reason string) (contracts.Settlement, error) {
	return s.mutate(ctx, tx, m, func(cur contracts.Settlement, now time.Time) (contracts.Settlement, string, map[string]any, error) {
		next, err := OpenDispute(cur, disputeID, m.Actor.ID, reason, now)
		if err != nil {
			return next, "", nil, err
		}
		return next, eventchain.TypeDisputeOpened, map[string]any{
			"settlementId": cur.SettlementID,
			"disputeId":    disputeID,
			"openedBy":     m.Actor.ID,
			"reason":       reason,
		}, nil
	})
}

// SubmitDisputeEvidence attaches evidence to the open dispute.
func (s *Service) SubmitDisputeEvidence(ctx context.Context, tx store.Tx, m Meta, evidenceRef, note string) (contracts.Settlement, error) {
	return s.mutate(ctx, tx, m, func(cur contracts.Settlement, now time.Time) (contracts.Settlement, string, map[string]any, error) {
		next, err := SubmitDisputeEvidence(cur, contracts.EvidenceItem{EvidenceRef: evidenceRef, SubmittedBy: m.Actor.ID, Note: note, At: now})
		if err != nil {
			return next, "", nil, err
		}
		return next, eventchain.TypeDisputeEvidence, map[string]any{
			"disputeId":   cur.Dispute.DisputeID,
			"evidenceRef": evidenceRef,
		}, nil
	})
}

// EscalateDispute raises the dispute escalation level.
func (s *Service) EscalateDispute(ctx context.Context, tx store.Tx, m Meta, level string) (contracts.Settlement, error) {
	return s.mutate(ctx, tx, m, func(cur contracts.Settlement, now time.Time) (contracts.Settlement, string, map[string]any, error) {
		next, err := EscalateDispute(cur, level, now)
		if err != nil {
			return next, "", nil, err
		}
		return next, eventchain.TypeDisputeEscalated, map[string]any{
			"disputeId": cur.Dispute.DisputeID,
			"level":     level,
		}, nil
	})
}

// CloseDispute resolves the disputed settlement with outcome.
func (s *Service) CloseDispute(ctx context.Context, tx store.Tx, m Meta, outcome contracts.DisputeOutcome) (contracts.Settlement, error) {
	cur, err := s.load(ctx, tx, m)
	if err != nil {
		return cur, err
	}
	p, err := s.policies.Exact(cur.Policy.PolicyID, cur.Policy.PolicyVersion)
	if err != nil {
		return cur, err
	}
	next, err := CloseDispute(cur, outcome, p.PlatformFeeBps, s.now())
	if err != nil {
		return cur, err
	}
	o := next.Dispute.Outcome
	payload := map[string]any{
		"disputeId":      next.Dispute.DisputeID,
		"status":         o.Status,
		"releaseRatePct": o.ReleaseRatePct,
	}
	if o.VerdictID != "" {
		payload["verdictId"] = o.VerdictID
	}
	if _, err := s.append(ctx, tx, m, eventchain.TypeDisputeClosed, payload); err != nil {
		return cur, err
	}
	verifier := contracts.VerifierRef{Kind: VerifierOperator, ID: m.Actor.ID}
	if o.VerdictID != "" {
		verifier = contracts.VerifierRef{Kind: VerifierArbiter, ID: next.Dispute.ActiveCase().ArbiterID}
	}
	next, _, err = s.finalize(ctx, tx, Meta{TenantID: m.TenantID, RunID: m.RunID, Actor: m.Actor}, cur, next, p, verifier)
	return next, err
}

// OpenArbitration starts arbitration of the open dispute.
func (s *Service) OpenArbitration(ctx context.Context, tx store.Tx, m Meta, caseID string) (contracts.Settlement, error) {
	return s.mutate(ctx, tx, m, func(cur contracts.Settlement, now time.Time) (contracts.Settlement, string, map[string]any, error) {
		next, err := OpenArbitration(cur, caseID, now)
		if err != nil {
			return next, "", nil, err
		}
		return next, eventchain.TypeArbitrationOpened, map[string]any{
			"disputeId": cur.Dispute.DisputeID,
			"caseId":    caseID,
		}, nil
	})
}

// AssignArbiter assigns an arbiter to the active case.
func (s *Service) AssignArbiter(ctx context.Context, tx store.Tx, m Meta, caseID, arbiterID string) (contracts.Settlement, error) {
	return s.mutate(ctx, tx, m, func(cur contracts.Settlement, now time.Time) (contracts.Settlement, string, map[string]any, error) {
		next, err := AssignArbiter(cur, caseID, arbiterID, now)
		if err != nil {
			return next, "", nil, err
		}
		return next, eventchain.TypeArbitrationAssigned, map[string]any{
			"caseId":    caseID,
			"arbiterId": arbiterID,
		}, nil
	})
}

// SubmitArbitrationEvidence attaches evidence to the active case.
func (s *Service) SubmitArbitrationEvidence(ctx context.Context, tx store.Tx, m Meta, caseID, evidenceRef, note string) (contracts.Settlement, error) {
	return s.mutate(ctx, tx, m, func(cur contracts.Settlement, now time.Time) (contracts.Settlement, string, map[string]any, error) {
		next, err := SubmitArbitrationEvidence(cur, caseID, contracts.EvidenceItem{EvidenceRef: evidenceRef, SubmittedBy: m.Actor.ID, Note: note, At: now})
		if err != nil {
			return next, "", nil, err
		}
		return next, eventchain.TypeArbitrationEvidence, map[string]any{
			"caseId":      caseID,
			"evidenceRef": evidenceRef,
		}, nil
	})
}

// IssueVerdict records the arbiter's verdict on the active case.
func (s *Service) IssueVerdict(ctx context.Context, tx store.Tx, m Meta, caseID string, v contracts.Verdict) (contracts.Settlement, error) {
	return s.mutate(ctx, tx, m, func(cur contracts.Settlement, now time.Time) (contracts.Settlement, string, map[string]any, error) {
		if v.IssuedAt.IsZero() {
			v.IssuedAt = now
		}
		if v.IssuedBy == "" {
			v.IssuedBy = m.Actor.ID
		}
		next, err := IssueVerdict(cur, caseID, v)
		if err != nil {
			return next, "", nil, err
		}
		issued := next.Dispute.ActiveCase().Verdict
		return next, eventchain.TypeArbitrationVerdict, map[string]any{
			"caseId":         caseID,
			"verdictId":      issued.VerdictID,
			"outcome":        issued.Outcome,
			"releaseRatePct": issued.ReleaseRatePct,
			"verdictHash":    issued.VerdictHash,
		}, nil
	})
}

// CloseArbitration closes the active case after its verdict.
func (s *Service) CloseArbitration(ctx context.Context, tx store.Tx, m Meta, caseID string) (contracts.Settlement, error) {
	return s.mutate(ctx, tx, m, func(cur contracts.Settlement, now time.Time) (contracts.Settlement, string, map[string]any, error) {
		next, err := CloseArbitration(cur, caseID, now)
		if err != nil {
			return next, "", nil, err
		}
		return next, eventchain.TypeArbitrationClosed, map[string]any{"caseId": caseID}, nil
	})
}

// AppealArbitration opens an appeal case against the closed active case.
func (s *Service) AppealArbitration(ctx context.Context, tx store.Tx, m Meta, caseID, newCaseID, reason string) (contracts.Settlement, error) {
	return s.mutate(ctx, tx, m, func(cur contracts.Settlement, now time.Time) (contracts.Settlement, string, map[string]any, error) {
		next, err := AppealArbitration(cur, caseID, newCaseID, now)
		if err != nil {
			return next, "", nil, err
		}
		return next, eventchain.TypeArbitrationAppealed, map[string]any{
			"caseId":         newCaseID,
			"appealOfCaseId": caseID,
			"reason":         reason,
		}, nil
	})
}

type transition func(cur contracts.Settlement, now time.Time) (next contracts.Settlement, eventType string, payload map[string]any, err error)

// mutate loads, transitions, appends the run event and saves with the
// revision check.
func (s *Service) mutate(ctx context.Context, tx store.Tx, m Meta, fn transition) (contracts.Settlement, error) {
	cur, err := s.load(ctx, tx, m)
	if err != nil {
		return cur, err
	}
	next, eventType, payload, err := fn(cur, s.now())
	if err != nil {
		return cur, err
	}
	if _, err := s.append(ctx, tx, m, eventType, payload); err != nil {
		return cur, err
	}
	return s.save(ctx, tx, cur, next)
}

func (s *Service) load(ctx context.Context, tx store.Tx, m Meta) (contracts.Settlement, error) {
	if m.TenantID == "" || m.RunID == "" {
		return contracts.Settlement{}, errs.Validation("tenantId and runId are required")
	}
	cur, err := s.Get(ctx, tx, m.TenantID, m.RunID)
	if err != nil {
		return cur, err
	}
	if m.ExpectedRevision != nil && *m.ExpectedRevision != cur.Revision {
		return cur, revisionConflict(*m.ExpectedRevision, cur.Revision)
	}
	return cur, nil
}

func (s *Service) save(ctx context.Context, tx store.SettlementTx, cur, next contracts.Settlement) (contracts.Settlement, error) {
	if err := tx.UpdateSettlement(ctx, next, cur.Revision); err != nil {
		if errors.Is(err, store.ErrRevisionConflict) {
			return cur, revisionConflict(cur.Revision, -1)
		}
		return cur, fmt.Errorf("update settlement: %w", err)
	}
	next.Revision = cur.Revision + 1
	return next, nil
}

func revisionConflict(expected, current int64) *errs.Error {
	e := errs.Conflict(errs.CodeSettlementRevisionConflict, "settlement revision %d is stale", expected).
		With("expectedRevision", expected)
	if current >= 0 {
		e = e.With("currentRevision", current)
	}
	return e
}

func (s *Service) append(ctx context.Context, tx store.EventTx, m Meta, eventType string, payload map[string]any) (contracts.Event, error) {
	return s.appender.Append(ctx, tx, eventchain.AppendRequest{
		TenantID:     m.TenantID,
		StreamID:     eventchain.RunStream(m.RunID),
		ExpectedPrev: m.ExpectedPrev,
		Type:         eventType,
		Actor:        m.Actor,
		Payload:      payload,
	})
}

func (s *Service) checkBinding(ctx context.Context, tx store.WorkOrderTx, cur contracts.Settlement, b EvidenceBinding) error {
	var receipt *contracts.CompletionReceipt
	if cur.CompletionReceiptID != "" {
		r, err := tx.Receipt(ctx, cur.TenantID, cur.CompletionReceiptID)
		switch {
		case err == nil:
			receipt = &r
		case !errors.Is(err, store.ErrNotFound):
			return fmt.Errorf("load receipt: %w", err)
		}
	}
	if err := CheckEvidenceBinding(cur, receipt, b); err != nil {
		s.logger.WarnContext(ctx, "evidence binding blocked", "tenant", cur.TenantID, "run", cur.RunID, "error", err)
		return err
	}
	return nil
}

// finalize persists a transition into released or refunded: the resolution
// event, the decision record, the ledger entry draining escrow and the
// decision artifact job.
func (s *Service) finalize(ctx context.Context, tx store.Tx, m Meta, cur, next contracts.Settlement, p Policy, verifier contracts.VerifierRef) (contracts.Settlement, contracts.SettlementDecisionRecord, error) {
	ev, err := s.append(ctx, tx, m, eventchain.TypeSettlementResolved, map[string]any{
		"settlementId":        next.SettlementID,
		"status":              next.Status,
		"decisionStatus":      next.DecisionStatus,
		"releaseRatePct":      *next.ReleaseRatePct,
		"releasedAmountCents": next.ReleasedAmountCents,
		"refundedAmountCents": next.RefundedAmountCents,
		"feeCents":            next.FeeCents,
	})
	if err != nil {
		return cur, contracts.SettlementDecisionRecord{}, err
	}
	next.ResolutionEventID = ev.ChainHash

	rec, err := s.record(ctx, tx, next, p, verifier)
	if err != nil {
		return cur, rec, err
	}
	if entry, ok := ReleaseEntry(next, s.now()); ok {
		if _, err := ledger.Enqueue(ctx, tx, entry, s.now()); err != nil {
			return cur, rec, err
		}
	}
	_, err = artifacts.Enqueue(ctx, tx, artifacts.Job{
		TenantID:     next.TenantID,
		ArtifactType: contracts.ArtifactSettlementDecision,
		JobID:        rec.DecisionID,
		Document: map[string]any{
			"schemaVersion":  contracts.ArtifactSettlementDecision,
			"settlement":     next,
			"decisionRecord": rec,
		},
	}, s.now())
	if err != nil {
		return cur, rec, err
	}
	saved, err := s.save(ctx, tx, cur, next)
	if err != nil {
		return cur, rec, err
	}
	s.logger.InfoContext(ctx, "settlement resolved",
		"tenant", saved.TenantID, "run", saved.RunID, "status", saved.Status,
		"decision", saved.DecisionStatus, "release_rate_pct", *saved.ReleaseRatePct)
	return saved, rec, nil
}

func (s *Service) record(ctx context.Context, tx store.SettlementTx, st contracts.Settlement, p Policy, verifier contracts.VerifierRef) (contracts.SettlementDecisionRecord, error) {
	existing, err := tx.DecisionRecords(ctx, st.TenantID, st.SettlementID)
	if err != nil {
		return contracts.SettlementDecisionRecord{}, fmt.Errorf("load decisions: %w", err)
	}
	var prev *contracts.SettlementDecisionRecord
	if len(existing) > 0 {
		prev = &existing[len(existing)-1]
	}
	var signer crypto.Signer
	if s.signers != nil {
		k, err := s.signers.ForTenant(st.TenantID)
		if err != nil {
			return contracts.SettlementDecisionRecord{}, err
		}
		signer = k
	}
	rec, err := NewDecisionRecord(prev, st, p, verifier, signer, s.now())
	if err != nil {
		return rec, err
	}
	if err := tx.InsertDecisionRecord(ctx, rec); err != nil {
		return rec, fmt.Errorf("insert decision: %w", err)
	}
	return rec, nil
}

// ReleaseEntry builds the ledger entry that drains escrow of a resolved
// settlement: payee net of fee, platform fee, and refund to the payer.
func ReleaseEntry(st contracts.Settlement, at time.Time) (contracts.LedgerEntry, bool) {
	if st.AmountCents == 0 {
		return contracts.LedgerEntry{}, false
	}
	cause := "settlement:" + st.SettlementID
	postings := []contracts.Posting{{
		AccountID:   ledger.Escrow(st.RunID),
		AmountCents: -st.AmountCents,
		Allocations: []contracts.Allocation{{Cause: cause, AmountCents: -st.AmountCents}},
	}}
	add := func(account string, amount int64) {
		if amount != 0 {
			postings = append(postings, contracts.Posting{
				AccountID:   account,
				AmountCents: amount,
				Allocations: []contracts.Allocation{{Cause: cause, AmountCents: amount}},
			})
		}
	}
	add(ledger.AgentWallet(st.PayeeAgentID), st.ReleasedAmountCents-st.FeeCents)
	add(ledger.AccountPlatformFees, st.FeeCents)
	add(ledger.AgentWallet(st.PayerAgentID), st.RefundedAmountCents)
	return contracts.LedgerEntry{
		TenantID: st.TenantID,
		EntryID:  LedgerEntryID(st.SettlementID),
		Memo:     fmt.Sprintf("settlement %s %s", st.SettlementID, st.Status),
		At:       at,
		Postings: postings,
	}, true
}
