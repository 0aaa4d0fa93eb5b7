package settlement_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/settld/pkg/artifacts"
	"github.com/Mindburn-Labs/settld/pkg/contracts"
	"github.com/Mindburn-Labs/settld/pkg/crypto"
	"github.com/Mindburn-Labs/settld/pkg/errs"
	"github.com/Mindburn-Labs/settld/pkg/eventchain"
	"github.com/Mindburn-Labs/settld/pkg/ledger"
	"github.com/Mindburn-Labs/settld/pkg/outbox"
	"github.com/Mindburn-Labs/settld/pkg/settlement"
	"github.com/Mindburn-Labs/settld/pkg/store"
	"github.com/Mindburn-Labs/settld/pkg/store/memory"
)

var (
	t0       = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	operator = contracts.Actor{Type: "operator", ID: "op_1"}
	payer    = contracts.Actor{Type: "agent", ID: "payer"}
)

type fixture struct {
	store   *memory.Store
	keys    *crypto.Keyring
	svc     *settlement.Service
	receipt contracts.CompletionReceipt
}

func clock() time.Time { return t0 }

func cents(v int64) *int64 { return &v }

func newFixture(t *testing.T, receiptStatus string, policies *settlement.PolicyRegistry, policyID string) *fixture {
	t.Helper()
	ctx := context.Background()
	root, err := crypto.NewEd25519SignerFromSeed(make([]byte, 32), "root")
	require.NoError(t, err)
	keys := crypto.NewKeyring(root)
	engine, err := settlement.NewEngine()
	require.NoError(t, err)
	if policies == nil {
		policies = settlement.NewPolicyRegistry()
	}
	appender := eventchain.NewAppender(eventchain.MustSchemaRegistry(), keys).WithClock(clock)
	f := &fixture{
		store: memory.New(),
		keys:  keys,
		svc:   settlement.NewService(appender, policies, engine, keys, settlement.WithClock(clock)),
	}

	r := contracts.CompletionReceipt{
		ReceiptID:    "rcpt_run_1",
		TenantID:     "tenant_a",
		WorkOrderID:  "wo_1",
		RunID:        "run_1",
		Status:       receiptStatus,
		EvidenceRefs: []string{"s3://evidence/run_1/log.txt"},
		AmountCents:  10_000,
		DeliveredAt:  t0.Add(-time.Minute),
		CompletedAt:  t0,
	}
	r.ReceiptHash, err = settlement.ReceiptHash(r)
	require.NoError(t, err)
	f.receipt = r

	p, err := policies.Resolve(policyID, "")
	require.NoError(t, err)
	require.NoError(t, f.store.Update(ctx, func(tx store.Tx) error {
		if err := tx.InsertReceipt(ctx, r); err != nil {
			return err
		}
		_, err := f.svc.Lock(ctx, tx, settlement.LockInput{
			SettlementID: settlement.SettlementID("run_1"),
			TenantID:     "tenant_a",
			RunID:        "run_1",
			WorkOrderID:  "wo_1",
			PayerAgentID: "payer",
			PayeeAgentID: "payee",
			AmountCents:  10_000,
			Currency:     "USD",
			Policy:       p,
			Receipt:      r,
		}, payer, nil)
		return err
	}))
	return f
}

func (f *fixture) meta() settlement.Meta {
	return settlement.Meta{TenantID: "tenant_a", RunID: "run_1", Actor: operator}
}

func (f *fixture) binding() settlement.EvidenceBinding {
	return settlement.EvidenceBinding{CompletionReceiptID: f.receipt.ReceiptID, CompletionReceiptHash: f.receipt.ReceiptHash}
}

func (f *fixture) settlement(t *testing.T) contracts.Settlement {
	t.Helper()
	var st contracts.Settlement
	require.NoError(t, f.store.View(context.Background(), func(tx store.Tx) error {
		var err error
		st, err = f.svc.Get(context.Background(), tx, "tenant_a", "run_1")
		return err
	}))
	return st
}

func (f *fixture) events(t *testing.T) []contracts.Event {
	t.Helper()
	var evs []contracts.Event
	require.NoError(t, f.store.View(context.Background(), func(tx store.Tx) error {
		var err error
		evs, err = tx.ListEvents(context.Background(), "tenant_a", eventchain.RunStream("run_1"))
		return err
	}))
	return evs
}

func (f *fixture) decisions(t *testing.T) []contracts.SettlementDecisionRecord {
	t.Helper()
	var recs []contracts.SettlementDecisionRecord
	require.NoError(t, f.store.View(context.Background(), func(tx store.Tx) error {
		var err error
		recs, err = f.svc.Decisions(context.Background(), tx, "tenant_a", "run_1")
		return err
	}))
	return recs
}

func (f *fixture) outbox(t *testing.T, state string) []contracts.OutboxMessage {
	t.Helper()
	var msgs []contracts.OutboxMessage
	require.NoError(t, f.store.View(context.Background(), func(tx store.Tx) error {
		var err error
		msgs, err = tx.ListOutbox(context.Background(), "tenant_a", state, 0)
		return err
	}))
	return msgs
}

func topics(msgs []contracts.OutboxMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Topic)
	}
	return out
}

func TestService_LockTwiceIsIllegal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, contracts.ReceiptSuccess, nil, "")

	err := f.store.Update(ctx, func(tx store.Tx) error {
		_, err := f.svc.Lock(ctx, tx, settlement.LockInput{
			SettlementID: settlement.SettlementID("run_1"),
			TenantID:     "tenant_a",
			RunID:        "run_1",
			AmountCents:  1,
			Policy:       settlement.DefaultPolicy(),
			Receipt:      f.receipt,
		}, payer, nil)
		return err
	})
	assert.True(t, errs.HasCode(err, errs.CodeTransitionIllegal))

	evs := f.events(t)
	require.Len(t, evs, 1)
	assert.Equal(t, eventchain.TypeSettlementLocked, evs[0].Type)
	assert.Empty(t, evs[0].PrevChainHash)
}

func TestService_SettleGreenReleasesThroughOutbox(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, contracts.ReceiptSuccess, nil, "")

	var res settlement.SettleResult
	require.NoError(t, f.store.Update(ctx, func(tx store.Tx) error {
		var err error
		res, err = f.svc.Settle(ctx, tx, f.meta(), f.binding())
		return err
	}))
	assert.True(t, res.Decision.Auto)
	assert.Equal(t, contracts.SettlementReleased, res.Settlement.Status)
	assert.Equal(t, contracts.DecisionAutoResolved, res.Settlement.DecisionStatus)
	assert.Equal(t, int64(10_000), res.Settlement.ReleasedAmountCents)
	assert.Equal(t, int64(1), res.Settlement.Revision)
	assert.Equal(t, settlement.VerifierPolicyEngine, res.Record.VerifierRef.Kind)

	evs := f.events(t)
	require.Len(t, evs, 2)
	assert.Equal(t, eventchain.TypeSettlementResolved, evs[1].Type)
	assert.Equal(t, evs[1].ChainHash, f.settlement(t).ResolutionEventID)
	require.NoError(t, eventchain.VerifyChain(evs, f.keys))

	pending := f.outbox(t, contracts.OutboxPending)
	assert.ElementsMatch(t, []string{contracts.TopicLedgerEntryApply, contracts.TopicArtifactGenerate}, topics(pending))

	recs := f.decisions(t)
	require.Len(t, recs, 1)
	assert.Equal(t, "dec_stl_run_1_1", recs[0].DecisionID)
	assert.NotEmpty(t, recs[0].Signature)
	require.NoError(t, settlement.VerifyDecisionChain(recs, f.keys))

	// The ledger only moves when the outbox drains.
	d := outbox.NewDispatcher(f.store, outbox.WithClock(clock))
	d.Register(contracts.TopicLedgerEntryApply, ledger.NewHandler())
	d.Register(contracts.TopicArtifactGenerate, artifacts.NewGenerator(artifacts.NewMemoryStore(), artifacts.WithClock(clock)))
	drained, err := d.Drain(ctx, outbox.DrainOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, drained.Processed)

	require.NoError(t, f.store.View(ctx, func(tx store.Tx) error {
		e, err := tx.LedgerEntry(ctx, "tenant_a", settlement.LedgerEntryID("stl_run_1"))
		require.NoError(t, err)
		assert.Len(t, e.Postings, 2)
		bal, err := tx.AccountBalance(ctx, "tenant_a", ledger.AgentWallet("payee"))
		require.NoError(t, err)
		assert.Equal(t, int64(10_000), bal)
		return nil
	}))

	err = f.store.Update(ctx, func(tx store.Tx) error {
		_, err := f.svc.Settle(ctx, tx, f.meta(), f.binding())
		return err
	})
	assert.True(t, errs.HasCode(err, errs.CodeTransitionIllegal))
}

func TestService_SettleBlockedByBindingWritesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, contracts.ReceiptSuccess, nil, "")

	b := f.binding()
	b.CompletionReceiptHash = "0000000000000000000000000000000000000000000000000000000000000000"
	err := f.store.Update(ctx, func(tx store.Tx) error {
		_, err := f.svc.Settle(ctx, tx, f.meta(), b)
		return err
	})
	assert.True(t, errs.HasCode(err, errs.CodeEvidenceBindingBlocked))

	assert.Equal(t, contracts.SettlementLocked, f.settlement(t).Status)
	assert.Len(t, f.events(t), 1)
	assert.Empty(t, f.outbox(t, ""))
	assert.Empty(t, f.decisions(t))
}

func TestService_RedSignalWaitsForManualResolution(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, contracts.ReceiptFailed, nil, "")

	stale := "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"
	m := f.meta()
	m.ExpectedPrev = &stale
	err := f.store.Update(ctx, func(tx store.Tx) error {
		_, err := f.svc.Settle(ctx, tx, m, f.binding())
		return err
	})
	assert.True(t, errs.HasCode(err, errs.CodeEventChainConflict))
	assert.Empty(t, f.decisions(t), "a stale head records no decision")

	head := f.events(t)[0].ChainHash
	m.ExpectedPrev = &head
	var res settlement.SettleResult
	require.NoError(t, f.store.Update(ctx, func(tx store.Tx) error {
		var err error
		res, err = f.svc.Settle(ctx, tx, m, f.binding())
		return err
	}))
	assert.False(t, res.Decision.Auto)
	assert.Equal(t, contracts.SettlementLocked, res.Settlement.Status)
	assert.Equal(t, contracts.DecisionManualReviewRequired, res.Settlement.DecisionStatus)
	assert.Empty(t, f.outbox(t, ""), "manual review moves no funds")

	pct := 25
	var resolved contracts.Settlement
	require.NoError(t, f.store.Update(ctx, func(tx store.Tx) error {
		var err error
		resolved, err = f.svc.Resolve(ctx, tx, settlement.ResolveRequest{
			Meta:           f.meta(),
			Binding:        f.binding(),
			Status:         contracts.SettlementReleased,
			ReleaseRatePct: &pct,
		})
		return err
	}))
	assert.Equal(t, contracts.DecisionManualResolved, resolved.DecisionStatus)
	assert.Equal(t, int64(2_500), resolved.ReleasedAmountCents)
	assert.Equal(t, int64(7_500), resolved.RefundedAmountCents)

	recs := f.decisions(t)
	require.Len(t, recs, 2)
	assert.Equal(t, recs[0].DecisionHash, recs[1].PrevDecisionHash)
	assert.Equal(t, settlement.VerifierOperator, recs[1].VerifierRef.Kind)
	assert.Equal(t, "op_1", recs[1].VerifierRef.ID)
	require.NoError(t, settlement.VerifyDecisionChain(recs, f.keys))

	tampered := append([]contracts.SettlementDecisionRecord(nil), recs...)
	tampered[0].ReleaseRatePct = 99
	assert.ErrorIs(t, settlement.VerifyDecisionChain(tampered, nil), settlement.ErrDecisionHashMismatch)
	assert.ErrorIs(t, settlement.VerifyDecisionChain(recs[1:], nil), settlement.ErrDecisionChainBroken)
}

func TestService_Preconditions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, contracts.ReceiptSuccess, nil, "")

	stale := int64(7)
	m := f.meta()
	m.ExpectedRevision = &stale
	err := f.store.Update(ctx, func(tx store.Tx) error {
		_, err := f.svc.OpenDispute(ctx, tx, m, "dsp_1", "late delivery")
		return err
	})
	assert.True(t, errs.HasCode(err, errs.CodeSettlementRevisionConflict))

	wrong := "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"
	m = f.meta()
	m.ExpectedPrev = &wrong
	err = f.store.Update(ctx, func(tx store.Tx) error {
		_, err := f.svc.OpenDispute(ctx, tx, m, "dsp_1", "late delivery")
		return err
	})
	assert.True(t, errs.HasCode(err, errs.CodeEventChainConflict))

	head := f.events(t)[0].ChainHash
	current := int64(0)
	m = f.meta()
	m.ExpectedPrev = &head
	m.ExpectedRevision = &current
	require.NoError(t, f.store.Update(ctx, func(tx store.Tx) error {
		_, err := f.svc.OpenDispute(ctx, tx, m, "dsp_1", "late delivery")
		return err
	}))
	assert.Equal(t, contracts.SettlementDisputed, f.settlement(t).Status)
}

func TestService_DisputeArbitrationAndClose(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, contracts.ReceiptSuccess, nil, "")
	m := f.meta()

	steps := []func(tx store.Tx) (contracts.Settlement, error){
		func(tx store.Tx) (contracts.Settlement, error) { return f.svc.OpenDispute(ctx, tx, m, "dsp_1", "incomplete") },
		func(tx store.Tx) (contracts.Settlement, error) {
			return f.svc.SubmitDisputeEvidence(ctx, tx, m, "s3://evidence/run_1/diff.txt", "missing section")
		},
		func(tx store.Tx) (contracts.Settlement, error) {
			return f.svc.EscalateDispute(ctx, tx, m, contracts.EscalationArbiter)
		},
		func(tx store.Tx) (contracts.Settlement, error) { return f.svc.OpenArbitration(ctx, tx, m, "case_1") },
		func(tx store.Tx) (contracts.Settlement, error) { return f.svc.AssignArbiter(ctx, tx, m, "case_1", "arb_1") },
		func(tx store.Tx) (contracts.Settlement, error) {
			return f.svc.SubmitArbitrationEvidence(ctx, tx, m, "case_1", "s3://evidence/run_1/review.md", "")
		},
		func(tx store.Tx) (contracts.Settlement, error) {
			return f.svc.IssueVerdict(ctx, tx, m, "case_1", contracts.Verdict{
				VerdictID: "vrd_1", Outcome: contracts.VerdictRelease, ReleaseRatePct: 60, Rationale: "partially delivered",
			})
		},
	}
	for i, step := range steps {
		require.NoError(t, f.store.Update(ctx, func(tx store.Tx) error {
			_, err := step(tx)
			return err
		}), "step %d", i)
	}

	err := f.store.Update(ctx, func(tx store.Tx) error {
		_, err := f.svc.CloseDispute(ctx, tx, m, contracts.DisputeOutcome{Status: contracts.SettlementRefunded})
		return err
	})
	assert.True(t, errs.HasCode(err, errs.CodeDisputeOutcomeStatus))

	var closed contracts.Settlement
	require.NoError(t, f.store.Update(ctx, func(tx store.Tx) error {
		var err error
		closed, err = f.svc.CloseDispute(ctx, tx, m, contracts.DisputeOutcome{
			Status: contracts.SettlementReleased, ReleaseRatePct: 60,
			ReleasedAmountCents: cents(6_000), RefundedAmountCents: cents(4_000),
		})
		return err
	}))
	assert.Equal(t, contracts.SettlementReleased, closed.Status)
	assert.Equal(t, contracts.DisputeClosed, closed.DisputeStatus)
	assert.Equal(t, "vrd_1", closed.Dispute.Outcome.VerdictID)
	assert.Equal(t, int64(len(steps)+1), closed.Revision)

	evs := f.events(t)
	require.NoError(t, eventchain.VerifyChain(evs, f.keys))
	types := make([]string, 0, len(evs))
	for _, ev := range evs {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{
		eventchain.TypeSettlementLocked,
		eventchain.TypeDisputeOpened,
		eventchain.TypeDisputeEvidence,
		eventchain.TypeDisputeEscalated,
		eventchain.TypeArbitrationOpened,
		eventchain.TypeArbitrationAssigned,
		eventchain.TypeArbitrationEvidence,
		eventchain.TypeArbitrationVerdict,
		eventchain.TypeDisputeClosed,
		eventchain.TypeSettlementResolved,
	}, types)

	recs := f.decisions(t)
	require.Len(t, recs, 1)
	assert.Equal(t, contracts.VerifierRef{Kind: settlement.VerifierArbiter, ID: "arb_1"}, recs[0].VerifierRef)

	err = f.store.Update(ctx, func(tx store.Tx) error {
		_, err := f.svc.OpenDispute(ctx, tx, m, "dsp_2", "again")
		return err
	})
	assert.True(t, errs.HasCode(err, errs.CodeTransitionIllegal))
}

func TestService_PolicyFeeAndCondition(t *testing.T) {
	ctx := context.Background()
	policies := settlement.NewPolicyRegistry()
	p := settlement.DefaultPolicy()
	p.PolicyID = "fees"
	p.PlatformFeeBps = 250
	p.AutoReleaseCondition = "amountCents <= 50000"
	require.NoError(t, policies.Register(p))

	f := newFixture(t, contracts.ReceiptPartial, policies, "fees")
	var res settlement.SettleResult
	require.NoError(t, f.store.Update(ctx, func(tx store.Tx) error {
		var err error
		res, err = f.svc.Settle(ctx, tx, f.meta(), f.binding())
		return err
	}))
	assert.Equal(t, int64(5_000), res.Settlement.ReleasedAmountCents)
	assert.Equal(t, int64(125), res.Settlement.FeeCents)
	assert.Equal(t, p.Hash(), res.Settlement.Policy.PolicyHash)

	entry, ok := settlement.ReleaseEntry(res.Settlement, t0)
	require.True(t, ok)
	sums := map[string]int64{}
	var total int64
	for _, posting := range entry.Postings {
		sums[posting.AccountID] += posting.AmountCents
		total += posting.AmountCents
	}
	assert.Zero(t, total)
	assert.Equal(t, int64(-10_000), sums[ledger.Escrow("run_1")])
	assert.Equal(t, int64(4_875), sums[ledger.AgentWallet("payee")])
	assert.Equal(t, int64(125), sums[ledger.AccountPlatformFees])
	assert.Equal(t, int64(5_000), sums[ledger.AgentWallet("payer")])
}
