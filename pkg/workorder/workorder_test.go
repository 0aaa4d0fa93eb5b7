package workorder_test

import (
	"context"
	"encoding/json"
	"strings"
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
	"github.com/Mindburn-Labs/settld/pkg/wallet"
	"github.com/Mindburn-Labs/settld/pkg/workorder"
)

var (
	t0        = time.Date(2026, 6, 10, 14, 0, 0, 0, time.UTC)
	principal = contracts.Actor{Type: "agent", ID: "alice"}
	subAgent  = contracts.Actor{Type: "agent", ID: "bob"}
)

type env struct {
	store    *memory.Store
	keys     *crypto.Keyring
	settle   *settlement.Service
	orders   *workorder.Service
	dispatch *outbox.Dispatcher
}

func newEnv(t *testing.T) *env {
	t.Helper()
	root, err := crypto.NewEd25519SignerFromSeed(make([]byte, 32), "root")
	require.NoError(t, err)
	keys := crypto.NewKeyring(root)
	engine, err := settlement.NewEngine()
	require.NoError(t, err)
	clock := func() time.Time { return t0 }
	appender := eventchain.NewAppender(eventchain.MustSchemaRegistry(), keys).WithClock(clock)
	e := &env{store: memory.New(), keys: keys}
	e.settle = settlement.NewService(appender, settlement.NewPolicyRegistry(), engine, keys, settlement.WithClock(clock))
	e.orders = workorder.NewService(appender, e.settle,
		workorder.WithClock(clock),
		workorder.WithIDGenerator(func() string { return "gen" }))
	e.dispatch = outbox.NewDispatcher(e.store, outbox.WithClock(clock))
	e.dispatch.Register(contracts.TopicLedgerEntryApply, ledger.NewHandler())
	e.dispatch.Register(contracts.TopicArtifactGenerate, artifacts.NewGenerator(artifacts.NewMemoryStore(), artifacts.WithClock(clock)))
	return e
}

func (e *env) update(t *testing.T, fn func(ctx context.Context, tx store.Tx) error) error {
	t.Helper()
	ctx := context.Background()
	return e.store.Update(ctx, func(tx store.Tx) error { return fn(ctx, tx) })
}

func (e *env) drain(t *testing.T) outbox.DrainResult {
	t.Helper()
	res, err := e.dispatch.Drain(context.Background(), outbox.DrainOptions{})
	require.NoError(t, err)
	return res
}

func (e *env) balance(t *testing.T, account string) int64 {
	t.Helper()
	var bal int64
	require.NoError(t, e.store.View(context.Background(), func(tx store.Tx) error {
		var err error
		bal, err = tx.AccountBalance(context.Background(), "tenant_a", account)
		return err
	}))
	return bal
}

func (e *env) meta(actor contracts.Actor) workorder.Meta {
	return workorder.Meta{TenantID: "tenant_a", WorkOrderID: "wo_1", Actor: actor}
}

func createReq() workorder.CreateRequest {
	return workorder.CreateRequest{
		WorkOrderID:      "wo_1",
		PrincipalAgentID: "alice",
		SubAgentID:       "bob",
		Title:            "translate docs",
		AmountCents:      10_000,
		Currency:         "USD",
	}
}

func (e *env) createAndAccept(t *testing.T) {
	t.Helper()
	require.NoError(t, e.update(t, func(ctx context.Context, tx store.Tx) error {
		if _, err := wallet.EnqueueCredit(ctx, tx, "tenant_a", "alice", wallet.Credit{EntryID: "credit_1", AmountCents: 25_000, Currency: "USD"}, t0); err != nil {
			return err
		}
		if _, err := e.orders.Create(ctx, tx, "tenant_a", createReq(), principal); err != nil {
			return err
		}
		_, err := e.orders.Accept(ctx, tx, e.meta(subAgent))
		return err
	}))
	e.drain(t)
}

func (e *env) complete(t *testing.T, status string) workorder.CompleteResult {
	t.Helper()
	var res workorder.CompleteResult
	require.NoError(t, e.update(t, func(ctx context.Context, tx store.Tx) error {
		var err error
		res, err = e.orders.Complete(ctx, tx, e.meta(subAgent), workorder.CompleteRequest{
			Status:       status,
			EvidenceRefs: []string{"s3://evidence/wo_1/output.tar"},
			Outputs:      json.RawMessage(`{"pages": 12}`),
		})
		return err
	}))
	return res
}

func TestCreate_ValidatesAndRecordsGenesisEvent(t *testing.T) {
	e := newEnv(t)

	var wo contracts.WorkOrder
	require.NoError(t, e.update(t, func(ctx context.Context, tx store.Tx) error {
		var err error
		wo, err = e.orders.Create(ctx, tx, "tenant_a", createReq(), principal)
		return err
	}))
	assert.Equal(t, contracts.WorkOrderCreated, wo.Status)
	assert.Equal(t, settlement.DefaultPolicyID, wo.Policy.PolicyID)
	assert.NotEmpty(t, wo.LastChainHash)

	err := e.update(t, func(ctx context.Context, tx store.Tx) error {
		_, err := e.orders.Create(ctx, tx, "tenant_a", createReq(), principal)
		return err
	})
	assert.True(t, errs.HasCode(err, errs.CodeTransitionIllegal))

	bad := []workorder.CreateRequest{
		{PrincipalAgentID: "alice", SubAgentID: "bob", AmountCents: 0, Currency: "USD"},
		{PrincipalAgentID: "alice", SubAgentID: "bob", AmountCents: 1, Currency: "usd"},
		{PrincipalAgentID: "alice", SubAgentID: "alice", AmountCents: 1, Currency: "USD"},
		{SubAgentID: "bob", AmountCents: 1, Currency: "USD"},
		{PrincipalAgentID: "alice", SubAgentID: "bob", AmountCents: contracts.MaxAmountCents + 1, Currency: "USD"},
	}
	for _, req := range bad {
		err := e.update(t, func(ctx context.Context, tx store.Tx) error {
			_, err := e.orders.Create(ctx, tx, "tenant_a", req, principal)
			return err
		})
		assert.True(t, errs.HasCode(err, errs.CodeValidation), "%+v", req)
	}

	err = e.update(t, func(ctx context.Context, tx store.Tx) error {
		req := createReq()
		req.WorkOrderID = ""
		req.PolicyID = "missing.policy"
		_, err := e.orders.Create(ctx, tx, "tenant_a", req, principal)
		return err
	})
	assert.Error(t, err)

	require.NoError(t, e.update(t, func(ctx context.Context, tx store.Tx) error {
		req := createReq()
		req.WorkOrderID = ""
		wo, err := e.orders.Create(ctx, tx, "tenant_a", req, principal)
		assert.Equal(t, "wo_gen", wo.WorkOrderID)
		return err
	}))
}

func TestLifecycle_GreenCompletionReleasesToSubAgent(t *testing.T) {
	e := newEnv(t)
	e.createAndAccept(t)

	assert.Equal(t, int64(15_000), e.balance(t, ledger.AgentWallet("alice")))
	assert.Equal(t, int64(10_000), e.balance(t, ledger.Escrow(workorder.RunID("wo_1"))))

	require.NoError(t, e.update(t, func(ctx context.Context, tx store.Tx) error {
		wo, err := e.orders.Progress(ctx, tx, e.meta(subAgent), 40, "halfway-ish")
		assert.Equal(t, contracts.WorkOrderInProgress, wo.Status)
		return err
	}))
	err := e.update(t, func(ctx context.Context, tx store.Tx) error {
		_, err := e.orders.Progress(ctx, tx, e.meta(subAgent), 30, "")
		return err
	})
	assert.True(t, errs.HasCode(err, errs.CodeValidation))

	done := e.complete(t, contracts.ReceiptSuccess)
	assert.Equal(t, contracts.WorkOrderCompleted, done.WorkOrder.Status)
	assert.Equal(t, workorder.ReceiptID("wo_1"), done.Receipt.ReceiptID)
	assert.Equal(t, int64(10_000), done.Receipt.AmountCents)
	assert.Equal(t, contracts.SettlementLocked, done.Settlement.Status)
	assert.Equal(t, done.Receipt.ReceiptHash, done.Settlement.CompletionReceiptHash)
	assert.Equal(t, 100, done.WorkOrder.ProgressPct)

	var res workorder.SettleResult
	require.NoError(t, e.update(t, func(ctx context.Context, tx store.Tx) error {
		var err error
		res, err = e.orders.Settle(ctx, tx, e.meta(principal), settlement.EvidenceBinding{
			CompletionReceiptID:   done.Receipt.ReceiptID,
			CompletionReceiptHash: done.Receipt.ReceiptHash,
			EvidenceRefs:          []string{"s3://evidence/wo_1/output.tar"},
		})
		return err
	}))
	assert.Equal(t, contracts.WorkOrderSettled, res.WorkOrder.Status)
	assert.Equal(t, contracts.SettlementReleased, res.Settlement.Status)
	assert.Equal(t, contracts.DecisionAutoResolved, res.Settlement.DecisionStatus)

	e.drain(t)
	assert.Equal(t, int64(10_000), e.balance(t, ledger.AgentWallet("bob")))
	assert.Zero(t, e.balance(t, ledger.Escrow(workorder.RunID("wo_1"))))

	var evs []contracts.Event
	require.NoError(t, e.store.View(context.Background(), func(tx store.Tx) error {
		var err error
		evs, err = tx.ListEvents(context.Background(), "tenant_a", eventchain.WorkOrderStream("wo_1"))
		return err
	}))
	var types []string
	for _, ev := range evs {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{
		eventchain.TypeWorkOrderCreated,
		eventchain.TypeWorkOrderAccepted,
		eventchain.TypeWorkOrderProgress,
		eventchain.TypeWorkOrderCompleted,
		eventchain.TypeWorkOrderSettled,
	}, types)
	require.NoError(t, eventchain.VerifyChain(evs, e.keys))
	assert.Equal(t, evs[len(evs)-1].ChainHash, res.WorkOrder.LastChainHash)

	require.NoError(t, e.store.View(context.Background(), func(tx store.Tx) error {
		receipts, err := e.orders.Receipts(context.Background(), tx, "tenant_a", "wo_1")
		require.NoError(t, err)
		assert.Len(t, receipts, 1)
		none, err := e.orders.Receipts(context.Background(), tx, "tenant_a", "wo_other")
		require.NoError(t, err)
		assert.Empty(t, none)
		return nil
	}))

	err = e.update(t, func(ctx context.Context, tx store.Tx) error {
		_, err := e.orders.Settle(ctx, tx, e.meta(principal), settlement.EvidenceBinding{})
		return err
	})
	assert.True(t, errs.HasCode(err, errs.CodeTransitionIllegal))
}

func TestSettle_MismatchedReceiptHashIsBlocked(t *testing.T) {
	e := newEnv(t)
	e.createAndAccept(t)
	done := e.complete(t, contracts.ReceiptSuccess)

	err := e.update(t, func(ctx context.Context, tx store.Tx) error {
		_, err := e.orders.Settle(ctx, tx, e.meta(principal), settlement.EvidenceBinding{
			CompletionReceiptID:   done.Receipt.ReceiptID,
			CompletionReceiptHash: strings.Repeat("ab", 32),
		})
		return err
	})
	require.Error(t, err)
	e2, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.CodeEvidenceBindingBlocked, e2.Code)
	assert.Equal(t, 409, e2.Status())

	require.NoError(t, e.store.View(context.Background(), func(tx store.Tx) error {
		st, err := e.settle.Get(context.Background(), tx, "tenant_a", workorder.RunID("wo_1"))
		require.NoError(t, err)
		assert.Equal(t, contracts.SettlementLocked, st.Status)
		wo, err := e.orders.Get(context.Background(), tx, "tenant_a", "wo_1")
		require.NoError(t, err)
		assert.Equal(t, contracts.WorkOrderCompleted, wo.Status)
		return nil
	}))
}

func TestSettle_FailedReceiptWaitsForManualReview(t *testing.T) {
	e := newEnv(t)
	e.createAndAccept(t)
	done := e.complete(t, contracts.ReceiptFailed)
	binding := settlement.EvidenceBinding{CompletionReceiptID: done.Receipt.ReceiptID, CompletionReceiptHash: done.Receipt.ReceiptHash}

	var res workorder.SettleResult
	require.NoError(t, e.update(t, func(ctx context.Context, tx store.Tx) error {
		var err error
		res, err = e.orders.Settle(ctx, tx, e.meta(principal), binding)
		return err
	}))
	assert.Equal(t, contracts.WorkOrderCompleted, res.WorkOrder.Status)
	assert.Equal(t, contracts.SettlementLocked, res.Settlement.Status)
	assert.Equal(t, contracts.DecisionManualReviewRequired, res.Settlement.DecisionStatus)

	err := e.update(t, func(ctx context.Context, tx store.Tx) error {
		_, err := e.orders.Settle(ctx, tx, e.meta(principal), binding)
		return err
	})
	assert.True(t, errs.HasCode(err, errs.CodeTransitionIllegal))
}

func TestTransitions_OutOfOrderAreIllegal(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.update(t, func(ctx context.Context, tx store.Tx) error {
		_, err := e.orders.Create(ctx, tx, "tenant_a", createReq(), principal)
		return err
	}))

	for name, fn := range map[string]func(ctx context.Context, tx store.Tx) error{
		"progress": func(ctx context.Context, tx store.Tx) error {
			_, err := e.orders.Progress(ctx, tx, e.meta(subAgent), 10, "")
			return err
		},
		"complete": func(ctx context.Context, tx store.Tx) error {
			_, err := e.orders.Complete(ctx, tx, e.meta(subAgent), workorder.CompleteRequest{Status: "success", EvidenceRefs: []string{"x"}})
			return err
		},
		"settle": func(ctx context.Context, tx store.Tx) error {
			_, err := e.orders.Settle(ctx, tx, e.meta(principal), settlement.EvidenceBinding{})
			return err
		},
	} {
		err := e.update(t, fn)
		assert.True(t, errs.HasCode(err, errs.CodeTransitionIllegal), name)
	}

	err := e.update(t, func(ctx context.Context, tx store.Tx) error {
		_, err := e.orders.Accept(ctx, tx, workorder.Meta{TenantID: "tenant_a", WorkOrderID: "wo_missing", Actor: subAgent})
		return err
	})
	assert.True(t, errs.HasCode(err, errs.CodeNotFound))
}

func TestAccept_StalePreconditionConflicts(t *testing.T) {
	e := newEnv(t)
	var wo contracts.WorkOrder
	require.NoError(t, e.update(t, func(ctx context.Context, tx store.Tx) error {
		var err error
		wo, err = e.orders.Create(ctx, tx, "tenant_a", createReq(), principal)
		return err
	}))

	stale := "0000000000000000000000000000000000000000000000000000000000000000"
	m := e.meta(subAgent)
	m.ExpectedPrev = &stale
	err := e.update(t, func(ctx context.Context, tx store.Tx) error {
		_, err := e.orders.Accept(ctx, tx, m)
		return err
	})
	assert.True(t, errs.HasCode(err, errs.CodeEventChainConflict))

	m.ExpectedPrev = &wo.LastChainHash
	require.NoError(t, e.update(t, func(ctx context.Context, tx store.Tx) error {
		_, err := e.orders.Accept(ctx, tx, m)
		return err
	}))
}

func TestComplete_RejectsBadReports(t *testing.T) {
	e := newEnv(t)
	e.createAndAccept(t)

	for _, req := range []workorder.CompleteRequest{
		{Status: "done", EvidenceRefs: []string{"x"}},
		{Status: contracts.ReceiptSuccess},
		{Status: contracts.ReceiptSuccess, EvidenceRefs: []string{" "}},
		{Status: contracts.ReceiptSuccess, EvidenceRefs: []string{"x"}, Outputs: json.RawMessage(`{`)},
	} {
		err := e.update(t, func(ctx context.Context, tx store.Tx) error {
			_, err := e.orders.Complete(ctx, tx, e.meta(subAgent), req)
			return err
		})
		assert.True(t, errs.HasCode(err, errs.CodeValidation), "%+v", req)
	}
}

func TestList_Filters(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.update(t, func(ctx context.Context, tx store.Tx) error {
		for _, id := range []string{"wo_1", "wo_2"} {
			req := createReq()
			req.WorkOrderID = id
			if id == "wo_2" {
				req.SubAgentID = "carol"
			}
			if _, err := e.orders.Create(ctx, tx, "tenant_a", req, principal); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NoError(t, e.store.View(context.Background(), func(tx store.Tx) error {
		all, err := e.orders.List(context.Background(), tx, "tenant_a", workorder.Filter{})
		require.NoError(t, err)
		assert.Len(t, all, 2)
		carol, err := e.orders.List(context.Background(), tx, "tenant_a", workorder.Filter{SubAgentID: "carol"})
		require.NoError(t, err)
		require.Len(t, carol, 1)
		assert.Equal(t, "wo_2", carol[0].WorkOrderID)
		other, err := e.orders.List(context.Background(), tx, "tenant_b", workorder.Filter{})
		require.NoError(t, err)
		assert.Empty(t, other)
		return nil
	}))
}
