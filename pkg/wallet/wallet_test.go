package wallet_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/settld/pkg/contracts"
	"github.com/Mindburn-Labs/settld/pkg/errs"
	"github.com/Mindburn-Labs/settld/pkg/ledger"
	"github.com/Mindburn-Labs/settld/pkg/outbox"
	"github.com/Mindburn-Labs/settld/pkg/store"
	"github.com/Mindburn-Labs/settld/pkg/store/memory"
	"github.com/Mindburn-Labs/settld/pkg/wallet"
)

var t0 = time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

func TestCredit_AppliesThroughOutbox(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	var res wallet.CreditResult
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		var err error
		res, err = wallet.EnqueueCredit(ctx, tx, "tenant_a", "alice", wallet.Credit{EntryID: "fund_1", AmountCents: 5_000, Currency: "USD"}, t0)
		return err
	}))
	assert.True(t, res.Queued)
	assert.Equal(t, ledger.AgentWallet("alice"), res.AccountID)

	readBalance := func() int64 {
		var b wallet.Balance
		require.NoError(t, s.View(ctx, func(tx store.Tx) error {
			var err error
			b, err = wallet.Get(ctx, tx, "tenant_a", "alice")
			return err
		}))
		return b.BalanceCents
	}
	assert.Zero(t, readBalance(), "credits apply only when the outbox drains")

	d := outbox.NewDispatcher(s, outbox.WithClock(func() time.Time { return t0 }))
	d.Register(contracts.TopicLedgerEntryApply, ledger.NewHandler())
	_, err := d.Drain(ctx, outbox.DrainOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(5_000), readBalance())

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		again, err := wallet.EnqueueCredit(ctx, tx, "tenant_a", "alice", wallet.Credit{EntryID: "fund_1", AmountCents: 5_000, Currency: "USD"}, t0)
		assert.False(t, again.Queued)
		return err
	}))
	_, err = d.Drain(ctx, outbox.DrainOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(5_000), readBalance())

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		bal, err := tx.AccountBalance(ctx, "tenant_a", ledger.AccountExternalFunding)
		assert.Equal(t, int64(-5_000), bal)
		return err
	}))
}

func TestCredit_Validates(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	for _, c := range []struct {
		agent  string
		credit wallet.Credit
	}{
		{"", wallet.Credit{AmountCents: 1, Currency: "USD"}},
		{"alice", wallet.Credit{AmountCents: 0, Currency: "USD"}},
		{"alice", wallet.Credit{AmountCents: -5, Currency: "USD"}},
		{"alice", wallet.Credit{AmountCents: 1, Currency: "dollars"}},
		{"alice", wallet.Credit{AmountCents: contracts.MaxAmountCents + 1, Currency: "USD"}},
	} {
		err := s.Update(ctx, func(tx store.Tx) error {
			_, err := wallet.EnqueueCredit(ctx, tx, "tenant_a", c.agent, c.credit, t0)
			return err
		})
		assert.True(t, errs.HasCode(err, errs.CodeValidation), "%+v", c)
	}
}
