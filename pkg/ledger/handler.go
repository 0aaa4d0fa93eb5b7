package ledger

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/Mindburn-Labs/settld/pkg/contracts"
	"github.com/Mindburn-Labs/settld/pkg/errs"
	"github.com/Mindburn-Labs/settld/pkg/outbox"
	"github.com/Mindburn-Labs/settld/pkg/store"
)

// MessageID is the outbox id of the message applying entryID, which makes
// enqueueing the same entry twice a no-op.
func MessageID(tenantID, entryID string) string {
	return "ledger:" + tenantID + ":" + entryID
}

// Enqueue validates e and schedules it for application. Invalid entries are
// rejected here so they never reach the outbox.
func Enqueue(ctx context.Context, tx store.OutboxTx, e contracts.LedgerEntry, now time.Time) (bool, error) {
	n, err := Validate(e)
	if err != nil {
		return false, err
	}
	return outbox.Enqueue(ctx, tx, outbox.Message{
		ID:       MessageID(n.TenantID, n.EntryID),
		TenantID: n.TenantID,
		Topic:    contracts.TopicLedgerEntryApply,
		Payload:  n,
	}, now)
}

// Handler applies LEDGER_ENTRY_APPLY messages.
type Handler struct {
	logger *slog.Logger
}

func NewHandler() *Handler {
	return &Handler{logger: slog.Default().With("component", "ledger")}
}

func (h *Handler) Handle(_ context.Context, msg contracts.OutboxMessage) (outbox.Commit, error) {
	var e contracts.LedgerEntry
	if err := outbox.Decode(msg, &e); err != nil {
		return nil, err
	}
	if e.TenantID != msg.TenantID {
		return nil, outbox.Permanent(errs.Validation("entry tenant %q does not match message tenant %q", e.TenantID, msg.TenantID))
	}
	if _, err := Validate(e); err != nil {
		return nil, outbox.Permanent(err)
	}
	return func(ctx context.Context, tx store.Tx) error {
		applied, err := Apply(ctx, tx, e)
		if err != nil {
			return err
		}
		h.logger.DebugContext(ctx, "ledger entry applied",
			"tenant", e.TenantID, "entry", e.EntryID, "applied", applied)
		return nil
	}, nil
}

// AccountSummary aggregates the postings of one account.
type AccountSummary struct {
	AccountID    string `json:"accountId"`
	CreditsCents int64  `json:"creditsCents"`
	DebitsCents  int64  `json:"debitsCents"`
	NetCents     int64  `json:"netCents"`
	PostingCount int    `json:"postingCount"`
}

// Summarize groups posting rows by account, ordered by account id. Credits
// are positive postings, debits the absolute value of negative ones.
func Summarize(rows []contracts.PostingRow) []AccountSummary {
	byAccount := map[string]*AccountSummary{}
	for _, r := range rows {
		s, ok := byAccount[r.AccountID]
		if !ok {
			s = &AccountSummary{AccountID: r.AccountID}
			byAccount[r.AccountID] = s
		}
		if r.AmountCents >= 0 {
			s.CreditsCents += r.AmountCents
		} else {
			s.DebitsCents -= r.AmountCents
		}
		s.NetCents += r.AmountCents
		s.PostingCount++
	}
	out := make([]AccountSummary, 0, len(byAccount))
	for _, s := range byAccount {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}
