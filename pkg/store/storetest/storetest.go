// Package storetest is the behavioural suite every store.Store adapter must pass.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/settld/pkg/contracts"
	"github.com/Mindburn-Labs/settld/pkg/store"
)

// Opener returns a fresh, empty store.
type Opener func(t *testing.T) store.Store

var t0 = time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)

// Run executes the suite.
func Run(t *testing.T, open Opener) {
	t.Run("StreamHeadCompareAndSwap", func(t *testing.T) { testStreamCAS(t, open(t)) })
	t.Run("LedgerEntryIdempotent", func(t *testing.T) { testLedger(t, open(t)) })
	t.Run("OutboxLifecycle", func(t *testing.T) { testOutbox(t, open(t)) })
	t.Run("RevisionConflict", func(t *testing.T) { testRevisions(t, open(t)) })
	t.Run("UniqueKeys", func(t *testing.T) { testUniqueKeys(t, open(t)) })
	t.Run("KeysAreTenantScoped", func(t *testing.T) { testTenantScopedKeys(t, open(t)) })
	t.Run("RollbackDiscardsWrites", func(t *testing.T) { testRollback(t, open(t)) })
}

func testStreamCAS(t *testing.T, s store.Store) {
	ctx := context.Background()
	ev := func(prev, hash string) contracts.Event {
		return contracts.Event{
			TenantID: "t1", StreamID: "run:r1", Type: "RUN_STARTED",
			Actor: contracts.Actor{Type: "agent", ID: "a1"}, Payload: []byte(`{}`),
			PayloadHash: "ph", PrevChainHash: prev, ChainHash: hash, At: t0,
		}
	}

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error { return tx.AppendEvent(ctx, ev("", "h1")) }))
	err := s.Update(ctx, func(tx store.Tx) error { return tx.AppendEvent(ctx, ev("", "h1b")) })
	assert.ErrorIs(t, err, store.ErrHeadMismatch)
	err = s.Update(ctx, func(tx store.Tx) error { return tx.AppendEvent(ctx, ev("wrong", "h2")) })
	assert.ErrorIs(t, err, store.ErrHeadMismatch)
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error { return tx.AppendEvent(ctx, ev("h1", "h2")) }))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		head, err := tx.StreamHead(ctx, "t1", "run:r1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), head.Seq)
		assert.Equal(t, "h2", head.ChainHash)

		evs, err := tx.ListEvents(ctx, "t1", "run:r1")
		require.NoError(t, err)
		require.Len(t, evs, 2)
		assert.Equal(t, "h1", evs[1].PrevChainHash)
		assert.True(t, evs[0].At.Equal(t0))

		other, err := tx.StreamHead(ctx, "t2", "run:r1")
		require.NoError(t, err)
		assert.Equal(t, "", other.ChainHash)
		return nil
	}))
}

func testLedger(t *testing.T, s store.Store) {
	ctx := context.Background()
	entry := contracts.LedgerEntry{
		TenantID: "t1", EntryID: "e1", Memo: "hold", At: t0,
		Postings: []contracts.Posting{
			{PostingID: "p0", AccountID: "agent:payer:wallet", AmountCents: -500,
				Allocations: []contracts.Allocation{{Cause: "job:1", AmountCents: -300}, {Cause: "job:2", AmountCents: -200}}},
			{PostingID: "p1", AccountID: "escrow:r1", AmountCents: 500,
				Allocations: []contracts.Allocation{{Cause: "job:1", AmountCents: 500}}},
		},
	}
	var first, second bool
	require.NoError(t, s.Update(ctx, func(tx store.Tx) (err error) {
		first, err = tx.InsertLedgerEntry(ctx, entry)
		return err
	}))
	require.NoError(t, s.Update(ctx, func(tx store.Tx) (err error) {
		second, err = tx.InsertLedgerEntry(ctx, entry)
		return err
	}))
	assert.True(t, first)
	assert.False(t, second)

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		n, err := tx.CountLedgerEntries(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := tx.LedgerEntry(ctx, "t1", "e1")
		require.NoError(t, err)
		require.Len(t, got.Postings, 2)
		assert.Equal(t, entry.Postings[0].Allocations, got.Postings[0].Allocations)
		assert.Equal(t, int64(500), got.Postings[1].AmountCents)

		bal, err := tx.AccountBalance(ctx, "t1", "agent:payer:wallet")
		require.NoError(t, err)
		assert.Equal(t, int64(-500), bal)

		rows, err := tx.PostingsBetween(ctx, "t1", t0.Add(-time.Hour), t0.Add(time.Hour))
		require.NoError(t, err)
		assert.Len(t, rows, 2)
		rows, err = tx.PostingsBetween(ctx, "t1", t0.Add(time.Nanosecond), t0.Add(time.Hour))
		require.NoError(t, err)
		assert.Empty(t, rows)

		_, err = tx.LedgerEntry(ctx, "t1", "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	}))
}

func testOutbox(t *testing.T, s store.Store) {
	ctx := context.Background()
	msg := func(id string) contracts.OutboxMessage {
		return contracts.OutboxMessage{ID: id, TenantID: "t1", Topic: contracts.TopicLedgerEntryApply,
			PayloadJSON: []byte(`{"entryId":"` + id + `"}`), CreatedAt: t0}
	}
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		for _, id := range []string{"m1", "m2", "m3"} {
			ok, err := tx.EnqueueOutbox(ctx, msg(id))
			require.NoError(t, err)
			require.True(t, ok)
		}
		ok, err := tx.EnqueueOutbox(ctx, msg("m1"))
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))

	later := t0.Add(time.Minute)
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		m, claimed, err := tx.ClaimOutbox(ctx, "m1")
		require.NoError(t, err)
		require.True(t, claimed)
		assert.Equal(t, "t1", m.TenantID)
		require.NoError(t, tx.MarkOutboxProcessed(ctx, "m1", t0))
		require.NoError(t, tx.RecordOutboxFailure(ctx, "m2", 1, "boom", &later, nil))
		return tx.RecordOutboxFailure(ctx, "m3", 5, "gave up", nil, &t0)
	}))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		due, err := tx.DueOutbox(ctx, t0, 10)
		require.NoError(t, err)
		assert.Empty(t, due)

		due, err = tx.DueOutbox(ctx, later, 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, "m2", due[0].ID)
		assert.Equal(t, 1, due[0].Attempts)
		assert.Equal(t, "boom", due[0].LastError)

		_, claimed, err := tx.ClaimOutbox(ctx, "m1")
		require.NoError(t, err)
		assert.False(t, claimed)

		failed, err := tx.ListOutbox(ctx, "t1", contracts.OutboxFailed, 0)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, "m3", failed[0].ID)

		all, err := tx.ListOutbox(ctx, "", "", 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Less(t, all[0].Seq, all[1].Seq)

		m1, err := tx.OutboxMessage(ctx, "m1")
		require.NoError(t, err)
		require.NotNil(t, m1.ProcessedAt)
		assert.Equal(t, contracts.OutboxProcessed, m1.State())
		return nil
	}))
}

func testRevisions(t *testing.T, s store.Store) {
	ctx := context.Background()
	st := contracts.Settlement{SettlementID: "s1", TenantID: "t1", RunID: "r1", Status: contracts.SettlementLocked,
		DisputeStatus: contracts.DisputeNone, LockedAt: t0}
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error { return tx.InsertSettlement(ctx, st) }))

	st.Status = contracts.SettlementReleased
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error { return tx.UpdateSettlement(ctx, st, 0) }))
	err := s.Update(ctx, func(tx store.Tx) error { return tx.UpdateSettlement(ctx, st, 0) })
	assert.ErrorIs(t, err, store.ErrRevisionConflict)

	missing := st
	missing.RunID = "nope"
	err = s.Update(ctx, func(tx store.Tx) error { return tx.UpdateSettlement(ctx, missing, 0) })
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		got, err := tx.SettlementByRun(ctx, "t1", "r1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Revision)
		assert.Equal(t, contracts.SettlementReleased, got.Status)
		return nil
	}))
}

func testUniqueKeys(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		ok, err := tx.InsertArtifact(ctx, contracts.Artifact{ArtifactID: "a1", ArtifactType: "X", ArtifactHash: "h", TenantID: "t1", CreatedAt: t0})
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = tx.InsertArtifact(ctx, contracts.Artifact{ArtifactID: "a1", ArtifactType: "X", ArtifactHash: "h", TenantID: "t1", CreatedAt: t0})
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = tx.InsertDelivery(ctx, contracts.Delivery{DedupeKey: "d1", TenantID: "t1", State: contracts.DeliveryPending, UpdatedAt: t0})
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = tx.InsertDelivery(ctx, contracts.Delivery{DedupeKey: "d1", TenantID: "t1", State: contracts.DeliveryPending, UpdatedAt: t0})
		require.NoError(t, err)
		assert.False(t, ok)

		stmt := contracts.PartyStatement{TenantID: "t1", PartyID: "agent:a", Period: "2026-03", Status: contracts.StatementClosed, ClosedAt: t0}
		ok, err = tx.InsertPartyStatement(ctx, stmt)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = tx.InsertPartyStatement(ctx, stmt)
		require.NoError(t, err)
		assert.False(t, ok)

		rec := contracts.IdempotencyRecord{TenantID: "t1", Operation: "op", Key: "k", RequestHash: "rh", StatusCode: 201, Body: []byte(`{"ok":true}`), CreatedAt: t0}
		require.NoError(t, tx.PutIdempotencyRecord(ctx, rec))
		assert.ErrorIs(t, tx.PutIdempotencyRecord(ctx, rec), store.ErrDuplicate)
		got, err := tx.IdempotencyRecord(ctx, "t1", "op", "k")
		require.NoError(t, err)
		assert.Equal(t, rec.Body, got.Body)
		return nil
	}))
}

func testTenantScopedKeys(t *testing.T, s store.Store) {
	ctx := context.Background()
	for _, tenant := range []string{"t1", "t2"} {
		require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
			require.NoError(t, tx.InsertWorkOrder(ctx, contracts.WorkOrder{WorkOrderID: "wo_1", TenantID: tenant,
				Status: contracts.WorkOrderCreated, CreatedAt: t0, UpdatedAt: t0}))
			require.NoError(t, tx.InsertSettlement(ctx, contracts.Settlement{SettlementID: "stl_run_wo_1", TenantID: tenant,
				RunID: "wo_1", Status: contracts.SettlementLocked, DisputeStatus: contracts.DisputeNone, LockedAt: t0}))
			require.NoError(t, tx.InsertDecisionRecord(ctx, contracts.SettlementDecisionRecord{DecisionID: "dec_1",
				TenantID: tenant, SettlementID: "stl_run_wo_1", RunID: "wo_1", Seq: 1, DecisionHash: "dh"}))
			ok, err := tx.InsertLedgerEntry(ctx, contracts.LedgerEntry{TenantID: tenant, EntryID: "e1", At: t0,
				Postings: []contracts.Posting{{PostingID: "p0", AccountID: "a", AmountCents: 5}, {PostingID: "p1", AccountID: "b", AmountCents: -5}}})
			require.NoError(t, err)
			assert.True(t, ok, tenant)
			ok, err = tx.InsertPartyStatement(ctx, contracts.PartyStatement{TenantID: tenant, PartyID: "agent:a", Period: "2026-03",
				Status: contracts.StatementClosed, ClosedAt: t0})
			require.NoError(t, err)
			assert.True(t, ok, tenant)
			return tx.PutIdempotencyRecord(ctx, contracts.IdempotencyRecord{TenantID: tenant, Operation: "op", Key: "k",
				RequestHash: "rh", StatusCode: 201, Body: []byte(`{}`), CreatedAt: t0})
		}), tenant)
	}

	err := s.Update(ctx, func(tx store.Tx) error {
		return tx.InsertSettlement(ctx, contracts.Settlement{SettlementID: "stl_run_wo_1", TenantID: "t2",
			RunID: "wo_1", Status: contracts.SettlementLocked, DisputeStatus: contracts.DisputeNone, LockedAt: t0})
	})
	assert.ErrorIs(t, err, store.ErrDuplicate)

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		for _, tenant := range []string{"t1", "t2"} {
			st, err := tx.SettlementByRun(ctx, tenant, "wo_1")
			require.NoError(t, err)
			assert.Equal(t, tenant, st.TenantID)
			recs, err := tx.DecisionRecords(ctx, tenant, "stl_run_wo_1")
			require.NoError(t, err)
			assert.Len(t, recs, 1)
			n, err := tx.CountLedgerEntries(ctx, tenant)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		}
		return nil
	}))
}

func testRollback(t *testing.T, s store.Store) {
	ctx := context.Background()
	boom := errors.New("boom")
	err := s.Update(ctx, func(tx store.Tx) error {
		_, err := tx.InsertLedgerEntry(ctx, contracts.LedgerEntry{TenantID: "t1", EntryID: "e1", At: t0,
			Postings: []contracts.Posting{{PostingID: "p0", AccountID: "a", AmountCents: 5}, {PostingID: "p1", AccountID: "b", AmountCents: -5}}})
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		n, err := tx.CountLedgerEntries(ctx, "t1")
		require.NoError(t, err)
		assert.Zero(t, n)
		return nil
	}))
}
