package artifacts_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/settld/pkg/artifacts"
	"github.com/Mindburn-Labs/settld/pkg/canonicalize"
	"github.com/Mindburn-Labs/settld/pkg/contracts"
	"github.com/Mindburn-Labs/settld/pkg/delivery"
	"github.com/Mindburn-Labs/settld/pkg/outbox"
	"github.com/Mindburn-Labs/settld/pkg/store"
	"github.com/Mindburn-Labs/settld/pkg/store/memory"
)

var t0 = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

func clock() time.Time { return t0 }

func TestBlobStores_ContentAddressed(t *testing.T) {
	fs, err := artifacts.NewFileStore(t.TempDir())
	require.NoError(t, err)

	for name, s := range map[string]artifacts.Store{"file": fs, "memory": artifacts.NewMemoryStore()} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			data := []byte(`{"hello":"world"}`)

			addr, err := s.Store(ctx, data)
			require.NoError(t, err)
			assert.Equal(t, "sha256:"+canonicalize.HashBytes(data), addr)
			assert.Equal(t, artifacts.Address(data), addr)

			again, err := s.Store(ctx, data)
			require.NoError(t, err)
			assert.Equal(t, addr, again)

			got, err := s.Get(ctx, addr)
			require.NoError(t, err)
			assert.Equal(t, data, got)

			ok, err := s.Exists(ctx, addr)
			require.NoError(t, err)
			assert.True(t, ok)

			require.NoError(t, s.Delete(ctx, addr))
			_, err = s.Get(ctx, addr)
			assert.ErrorIs(t, err, artifacts.ErrBlobNotFound)
			ok, err = s.Exists(ctx, addr)
			require.NoError(t, err)
			assert.False(t, ok)

			_, err = s.Get(ctx, "md5:abc")
			assert.Error(t, err)
			_, err = s.Get(ctx, "sha256:../../etc/passwd")
			assert.Error(t, err)
		})
	}
}

func TestJob_BodyIsCanonical(t *testing.T) {
	a := artifacts.Job{ArtifactType: contracts.ArtifactPartyStatement, Document: map[string]any{"b": 2, "a": 1}}
	b := artifacts.Job{ArtifactType: contracts.ArtifactPartyStatement, Document: json.RawMessage(`{"a": 1, "b": 2}`)}

	bodyA, hashA, err := a.Body()
	require.NoError(t, err)
	_, hashB, err := b.Body()
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2}`, string(bodyA))
	assert.Equal(t, hashA, hashB)

	assert.Equal(t, "pstmt_"+hashA[:24], artifacts.ID(contracts.ArtifactPartyStatement, hashA))
	assert.Equal(t, "payout_"+hashA[:24], artifacts.ID(contracts.ArtifactPayoutInstruction, hashA))
}

func TestEnqueue_RejectsUnknownTypeAndDedupes(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	job := artifacts.Job{
		TenantID:     "tenant_a",
		ArtifactType: contracts.ArtifactWorkOrderReceipt,
		JobID:        "wo_1",
		Document:     map[string]any{"receiptId": "rcpt_1"},
	}

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		_, err := artifacts.Enqueue(ctx, tx, artifacts.Job{TenantID: "tenant_a", ArtifactType: "Nope.v1", Document: map[string]any{}}, t0)
		assert.Error(t, err)

		for _, want := range []bool{true, false} {
			created, err := artifacts.Enqueue(ctx, tx, job, t0)
			require.NoError(t, err)
			assert.Equal(t, want, created)
		}
		return nil
	}))

	_, hash, err := job.Body()
	require.NoError(t, err)
	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		m, err := tx.OutboxMessage(ctx, artifacts.MessageID("tenant_a", hash))
		require.NoError(t, err)
		assert.Equal(t, contracts.TopicArtifactGenerate, m.Topic)
		return nil
	}))
}

func TestGenerator_PersistsAndFansOut(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	blobs := artifacts.NewMemoryStore()
	gen := artifacts.NewGenerator(blobs, artifacts.WithClock(clock))

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		for _, d := range []contracts.Destination{
			{DestinationID: "dst_all", TenantID: "tenant_a", URL: "https://a.example/hook", Active: true},
			{DestinationID: "dst_payouts", TenantID: "tenant_a", URL: "https://b.example/hook", Active: true,
				ArtifactTypes: []string{contracts.ArtifactPayoutInstruction}},
			{DestinationID: "dst_off", TenantID: "tenant_a", URL: "https://c.example/hook", Active: false},
			{DestinationID: "dst_other_tenant", TenantID: "tenant_b", URL: "https://d.example/hook", Active: true},
		} {
			if err := delivery.RegisterDestination(ctx, tx, d); err != nil {
				return err
			}
		}
		_, err := artifacts.Enqueue(ctx, tx, artifacts.Job{
			TenantID:     "tenant_a",
			ArtifactType: contracts.ArtifactSettlementDecision,
			JobID:        "dec_stl_run_1_1",
			Document:     map[string]any{"schemaVersion": contracts.ArtifactSettlementDecision, "status": "released"},
		}, t0)
		return err
	}))

	d := outbox.NewDispatcher(s, outbox.WithClock(clock))
	d.Register(contracts.TopicArtifactGenerate, gen)
	res, err := d.Drain(ctx, outbox.DrainOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)

	var pending []contracts.OutboxMessage
	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		var err error
		pending, err = tx.ListOutbox(ctx, "tenant_a", contracts.OutboxPending, 0)
		return err
	}))
	require.Len(t, pending, 1, "only dst_all subscribes to decisions")
	assert.Equal(t, contracts.TopicDeliveryRequested, pending[0].Topic)

	var req delivery.Request
	require.NoError(t, json.Unmarshal(pending[0].PayloadJSON, &req))
	assert.Equal(t, "dst_all", req.DestinationID)
	assert.Equal(t, delivery.MessageID(delivery.DedupeKey("dst_all", req.ArtifactID)), pending[0].ID)

	a, body, err := artifacts.Load(ctx, s, blobs, "tenant_a", req.ArtifactID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"schemaVersion":"SettlementDecision.v1","status":"released"}`, string(body))
	assert.Equal(t, canonicalize.HashBytes(body), a.ArtifactHash)
	assert.Equal(t, "dec_stl_run_1_1", a.JobID)
	assert.Equal(t, int64(len(body)), a.SizeBytes)
	assert.Equal(t, "sha256:"+a.ArtifactHash, req.BlobAddress)

	// Regenerating identical content is a no-op.
	prepared, err := gen.Prepare(ctx, artifacts.Job{
		TenantID:     "tenant_a",
		ArtifactType: contracts.ArtifactSettlementDecision,
		JobID:        "dec_stl_run_1_1",
		Document:     map[string]any{"status": "released", "schemaVersion": contracts.ArtifactSettlementDecision},
	})
	require.NoError(t, err)
	assert.Equal(t, a.ArtifactID, prepared.ArtifactID)
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		created, err := gen.Persist(ctx, tx, prepared)
		assert.False(t, created)
		return err
	}))
	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		all, err := tx.ListOutbox(ctx, "tenant_a", "", 0)
		require.NoError(t, err)
		assert.Len(t, all, 2)
		return nil
	}))
}

func TestGenerator_RejectsTenantMismatch(t *testing.T) {
	gen := artifacts.NewGenerator(artifacts.NewMemoryStore())
	msg := contracts.OutboxMessage{
		ID:          "artifact:tenant_a:x",
		TenantID:    "tenant_b",
		Topic:       contracts.TopicArtifactGenerate,
		PayloadJSON: []byte(`{"tenantId":"tenant_a","artifactType":"PartyStatement.v1","jobId":"j","document":{"a":1}}`),
	}
	_, err := gen.Handle(context.Background(), msg)
	require.Error(t, err)
	assert.True(t, outbox.IsPermanent(err))
}
