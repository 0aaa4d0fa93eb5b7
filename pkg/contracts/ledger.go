package contracts

import "time"

// MaxAmountCents bounds every amount the system accepts: postings,
// allocations, work orders and wallet credits. Sums of bounded amounts stay
// far from int64 overflow.
const MaxAmountCents int64 = 1_000_000_000_000_000

// LedgerEntry is a double-entry journal entry. EntryID is unique per tenant.
type LedgerEntry struct {
	TenantID string    `json:"tenantId"`
	EntryID  string    `json:"entryId"`
	Memo     string    `json:"memo,omitempty"`
	At       time.Time `json:"at"`
	Postings []Posting `json:"postings"`
}

// Posting moves AmountCents into (positive) or out of (negative) an account.
type Posting struct {
	PostingID   string       `json:"postingId"`
	AccountID   string       `json:"accountId"`
	AmountCents int64        `json:"amountCents"`
	Allocations []Allocation `json:"allocations,omitempty"`
}

// Allocation attributes part of a posting amount to a cause.
type Allocation struct {
	Cause       string `json:"cause"`
	AmountCents int64  `json:"amountCents"`
}

// PostingRow is a flattened posting used by period aggregation.
type PostingRow struct {
	EntryID     string    `json:"entryId"`
	PostingID   string    `json:"postingId"`
	AccountID   string    `json:"accountId"`
	AmountCents int64     `json:"amountCents"`
	At          time.Time `json:"at"`
}
