package streams_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/settld/pkg/contracts"
	"github.com/Mindburn-Labs/settld/pkg/crypto"
	"github.com/Mindburn-Labs/settld/pkg/errs"
	"github.com/Mindburn-Labs/settld/pkg/eventchain"
	"github.com/Mindburn-Labs/settld/pkg/store"
	"github.com/Mindburn-Labs/settld/pkg/store/memory"
	"github.com/Mindburn-Labs/settld/pkg/streams"
)

var (
	t0    = time.Date(2026, 8, 3, 10, 0, 0, 0, time.UTC)
	alice = contracts.Actor{Type: "agent", ID: "alice"}
	bob   = contracts.Actor{Type: "agent", ID: "bob"}
	eve   = contracts.Actor{Type: "agent", ID: "eve"}
)

func newService(t *testing.T) (*streams.Service, *memory.Store) {
	t.Helper()
	root, err := crypto.NewEd25519SignerFromSeed(make([]byte, 32), "root")
	require.NoError(t, err)
	keys := crypto.NewKeyring(root)
	appender := eventchain.NewAppender(eventchain.MustSchemaRegistry(), keys).
		WithClock(func() time.Time { return t0 })
	return streams.NewService(appender, keys), memory.New()
}

func TestSessions(t *testing.T) {
	ctx := context.Background()
	svc, s := newService(t)

	var sess streams.Session
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		var err error
		sess, err = svc.CreateSession(ctx, tx, "tenant_a", "sess_1", []string{"bob", "alice", "bob", " "}, alice)
		return err
	}))
	assert.Equal(t, []string{"alice", "bob"}, sess.Participants)

	err := s.Update(ctx, func(tx store.Tx) error {
		_, err := svc.CreateSession(ctx, tx, "tenant_a", "sess_1", []string{"alice"}, alice)
		return err
	})
	assert.True(t, errs.HasCode(err, errs.CodeTransitionIllegal))

	err = s.Update(ctx, func(tx store.Tx) error {
		_, err := svc.AppendSessionMessage(ctx, tx, "tenant_a", "sess_1", "hello", "", bob, nil)
		return err
	})
	assert.True(t, errs.HasCode(err, errs.CodePreconditionRequired))

	head := sess.HeadChainHash
	err = s.Update(ctx, func(tx store.Tx) error {
		_, err := svc.AppendSessionMessage(ctx, tx, "tenant_a", "sess_1", "let me in", "", eve, &head)
		return err
	})
	assert.True(t, errs.HasCode(err, errs.CodeUnauthorized))

	var msg contracts.Event
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		var err error
		msg, err = svc.AppendSessionMessage(ctx, tx, "tenant_a", "sess_1", "hello", "", bob, &head)
		return err
	}))
	assert.Equal(t, head, msg.PrevChainHash)

	err = s.Update(ctx, func(tx store.Tx) error {
		_, err := svc.AppendSessionMessage(ctx, tx, "tenant_a", "sess_1", "racing", "", alice, &head)
		return err
	})
	assert.True(t, errs.HasCode(err, errs.CodeEventChainConflict), "the loser of a race must re-read the head")

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		got, err := svc.Session(ctx, tx, "tenant_a", "sess_1")
		require.NoError(t, err)
		assert.Equal(t, 1, got.MessageCount)
		assert.Equal(t, msg.ChainHash, got.HeadChainHash)

		rep, err := svc.Verify(ctx, tx, "tenant_a", eventchain.SessionStream("sess_1"))
		require.NoError(t, err)
		assert.True(t, rep.Valid)
		assert.Equal(t, 2, rep.EventCount)

		_, err = svc.Session(ctx, tx, "tenant_b", "sess_1")
		assert.True(t, errs.HasCode(err, errs.CodeNotFound))
		return nil
	}))
}

func TestRunEvents(t *testing.T) {
	ctx := context.Background()
	svc, s := newService(t)
	genesis := ""

	err := s.Update(ctx, func(tx store.Tx) error {
		_, err := svc.AppendRunEvent(ctx, tx, "tenant_a", "run_1", eventchain.TypeSettlementResolved,
			map[string]any{"settlementId": "stl_run_1"}, alice, &genesis)
		return err
	})
	assert.True(t, errs.HasCode(err, errs.CodeSchemaInvalid), "settlement events are not caller-appendable")

	err = s.Update(ctx, func(tx store.Tx) error {
		_, err := svc.AppendRunEvent(ctx, tx, "tenant_a", "run_1", eventchain.TypeRunNote, map[string]any{}, alice, &genesis)
		return err
	})
	assert.True(t, errs.HasCode(err, errs.CodeSchemaInvalid))

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		ev, err := svc.AppendRunEvent(ctx, tx, "tenant_a", "run_1", eventchain.TypeRunEvidenceAdded,
			map[string]any{"evidenceRef": "s3://bucket/log"}, alice, &genesis)
		if err != nil {
			return err
		}
		_, err = svc.AppendRunEvent(ctx, tx, "tenant_a", "run_1", eventchain.TypeRunNote,
			map[string]any{"note": "checked"}, bob, &ev.ChainHash)
		return err
	}))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		v, err := svc.VerifyRun(ctx, tx, "tenant_a", "run_1")
		require.NoError(t, err)
		assert.True(t, v.Run.Valid)
		assert.Equal(t, 2, v.Run.EventCount)
		assert.Nil(t, v.Decisions, "no settlement yet")

		_, err = svc.VerifyRun(ctx, tx, "tenant_a", "run_missing")
		assert.True(t, errs.HasCode(err, errs.CodeNotFound))
		return nil
	}))
}
