// Package wallet funds agent wallets and reads their applied balances.
package wallet

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/settld/pkg/contracts"
	"github.com/Mindburn-Labs/settld/pkg/errs"
	"github.com/Mindburn-Labs/settld/pkg/ledger"
	"github.com/Mindburn-Labs/settld/pkg/store"
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// Credit is a funding request for one agent.
type Credit struct {
	EntryID     string `json:"entryId,omitempty"`
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency"`
	Memo        string `json:"memo,omitempty"`
}

// CreditResult reports the queued funding entry.
type CreditResult struct {
	AgentID   string `json:"agentId"`
	AccountID string `json:"accountId"`
	EntryID   string `json:"entryId"`
	Queued    bool   `json:"queued"`
}

// Balance is the applied balance of an agent wallet. Pending ledger messages
// are not included.
type Balance struct {
	AgentID      string `json:"agentId"`
	AccountID    string `json:"accountId"`
	BalanceCents int64  `json:"balanceCents"`
}

// EnqueueCredit queues a transfer from external funding into the agent's
// wallet. Reusing an entry id is a no-op.
func EnqueueCredit(ctx context.Context, tx store.OutboxTx, tenantID, agentID string, c Credit, now time.Time) (CreditResult, error) {
	if strings.TrimSpace(agentID) == "" {
		return CreditResult{}, errs.Validation("agentId is required")
	}
	if c.AmountCents <= 0 {
		return CreditResult{}, errs.Validation("amountCents must be positive")
	}
	if c.AmountCents > contracts.MaxAmountCents {
		return CreditResult{}, errs.Validation("amountCents must not exceed %d", contracts.MaxAmountCents)
	}
	if !currencyPattern.MatchString(c.Currency) {
		return CreditResult{}, errs.Validation("currency must be a three-letter code")
	}
	entryID := c.EntryID
	if entryID == "" {
		entryID = "credit:" + uuid.NewString()
	}
	memo := c.Memo
	if memo == "" {
		memo = "wallet credit " + c.Currency
	}
	account := ledger.AgentWallet(agentID)
	e := ledger.Transfer(tenantID, entryID, memo, ledger.AccountExternalFunding, account, c.AmountCents, now)
	queued, err := ledger.Enqueue(ctx, tx, e, now)
	if err != nil {
		return CreditResult{}, err
	}
	return CreditResult{AgentID: agentID, AccountID: account, EntryID: entryID, Queued: queued}, nil
}

// Get reads the applied wallet balance of an agent.
func Get(ctx context.Context, tx store.LedgerTx, tenantID, agentID string) (Balance, error) {
	if strings.TrimSpace(agentID) == "" {
		return Balance{}, errs.Validation("agentId is required")
	}
	account := ledger.AgentWallet(agentID)
	bal, err := tx.AccountBalance(ctx, tenantID, account)
	if err != nil {
		return Balance{}, err
	}
	return Balance{AgentID: agentID, AccountID: account, BalanceCents: bal}, nil
}
