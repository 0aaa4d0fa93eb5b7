// Package ledger applies double-entry journal entries.
//
// Entries are never written from an API request. Producers enqueue a
// LEDGER_ENTRY_APPLY outbox message in their own transaction and the Handler
// applies it when the outbox drains. Entry ids are unique per tenant, so a
// replayed message is a no-op.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/settld/pkg/contracts"
	"github.com/Mindburn-Labs/settld/pkg/errs"
	"github.com/Mindburn-Labs/settld/pkg/failpoint"
	"github.com/Mindburn-Labs/settld/pkg/store"
)

// Well-known accounts.
const (
	AccountPlatformFees    = "platform:fees"
	AccountExternalFunding = "external:funding"

	CauseUnattributed = "unattributed"
)

// AgentWallet is the spendable balance of an agent.
func AgentWallet(agentID string) string { return "agent:" + agentID + ":wallet" }

// Escrow holds the funds locked for one run.
func Escrow(runID string) string { return "escrow:" + runID }

// PartyOf returns the party an account belongs to, or "" for accounts that
// have no party (escrow, external).
func PartyOf(accountID string) string {
	switch {
	case strings.HasPrefix(accountID, "agent:") && strings.HasSuffix(accountID, ":wallet"):
		return strings.TrimSuffix(accountID, ":wallet")
	case strings.HasPrefix(accountID, "platform:"):
		return "platform"
	default:
		return ""
	}
}

// Normalize fills posting ids (p0, p1, ...), NFC-normalizes account ids and
// causes, and gives postings without allocations a single unattributed
// allocation of the full amount. Amounts are never changed.
func Normalize(e contracts.LedgerEntry) contracts.LedgerEntry {
	out := e
	out.EntryID = norm.NFC.String(strings.TrimSpace(e.EntryID))
	out.At = e.At.UTC()
	out.Postings = make([]contracts.Posting, len(e.Postings))
	for i, p := range e.Postings {
		np := contracts.Posting{
			PostingID:   fmt.Sprintf("p%d", i),
			AccountID:   norm.NFC.String(strings.TrimSpace(p.AccountID)),
			AmountCents: p.AmountCents,
		}
		if len(p.Allocations) == 0 {
			np.Allocations = []contracts.Allocation{{Cause: CauseUnattributed, AmountCents: p.AmountCents}}
		} else {
			np.Allocations = make([]contracts.Allocation, len(p.Allocations))
			for j, a := range p.Allocations {
				np.Allocations[j] = contracts.Allocation{Cause: norm.NFC.String(a.Cause), AmountCents: a.AmountCents}
			}
		}
		out.Postings[i] = np
	}
	return out
}

// Validate normalizes e and checks the double-entry and allocation
// invariants. The normalized entry is returned for writing.
func Validate(e contracts.LedgerEntry) (contracts.LedgerEntry, error) {
	n := Normalize(e)
	if n.TenantID == "" {
		return n, errs.Validation("ledger entry tenantId is required")
	}
	if n.EntryID == "" {
		return n, errs.Validation("ledger entry entryId is required")
	}
	if n.At.IsZero() {
		return n, errs.Validation("ledger entry %s has no timestamp", n.EntryID)
	}
	if len(n.Postings) < 2 {
		return n, errs.New(errs.KindValidation, errs.CodeLedgerNotBalanced,
			"ledger entry %s needs at least two postings", n.EntryID)
	}

	var sum int64
	for _, p := range n.Postings {
		if p.AccountID == "" {
			return n, errs.Validation("posting %s of %s has no account", p.PostingID, n.EntryID)
		}
		if p.AmountCents == 0 {
			return n, errs.Validation("posting %s of %s has zero amount", p.PostingID, n.EntryID)
		}
		if !inRange(p.AmountCents) {
			return n, errs.Validation("posting %s of %s exceeds %d cents", p.PostingID, n.EntryID, contracts.MaxAmountCents)
		}
		var ok bool
		if sum, ok = addCents(sum, p.AmountCents); !ok {
			return n, errs.New(errs.KindValidation, errs.CodeLedgerNotBalanced,
				"postings of %s overflow", n.EntryID).With("entryId", n.EntryID)
		}

		var allocated int64
		for _, a := range p.Allocations {
			if a.Cause == "" {
				return n, errs.Validation("allocation of posting %s has no cause", p.PostingID)
			}
			if !inRange(a.AmountCents) {
				return n, errs.Validation("allocation of posting %s exceeds %d cents", p.PostingID, contracts.MaxAmountCents)
			}
			if allocated, ok = addCents(allocated, a.AmountCents); !ok {
				return n, errs.New(errs.KindValidation, errs.CodeLedgerAllocationMismatch,
					"allocations of posting %s overflow", p.PostingID).
					With("entryId", n.EntryID).With("postingId", p.PostingID)
			}
		}
		if allocated != p.AmountCents {
			return n, errs.New(errs.KindValidation, errs.CodeLedgerAllocationMismatch,
				"allocations of posting %s sum to %d, posting amount is %d", p.PostingID, allocated, p.AmountCents).
				With("entryId", n.EntryID).With("postingId", p.PostingID).
				With("allocatedCents", allocated).With("amountCents", p.AmountCents)
		}
	}
	if sum != 0 {
		return n, errs.New(errs.KindValidation, errs.CodeLedgerNotBalanced,
			"postings of %s sum to %d", n.EntryID, sum).
			With("entryId", n.EntryID).With("sumCents", sum)
	}
	return n, nil
}

func inRange(cents int64) bool {
	return cents >= -contracts.MaxAmountCents && cents <= contracts.MaxAmountCents
}

// addCents adds a and b, reporting false when the result would overflow.
func addCents(a, b int64) (int64, bool) {
	c := a + b
	if (b > 0 && c < a) || (b < 0 && c > a) {
		return 0, false
	}
	return c, true
}

// Apply validates e and writes it with its postings and allocations inside
// tx. Applying an entry id that already exists writes nothing and returns
// false.
func Apply(ctx context.Context, tx store.LedgerTx, e contracts.LedgerEntry) (bool, error) {
	n, err := Validate(e)
	if err != nil {
		return false, err
	}
	applied, err := tx.InsertLedgerEntry(ctx, n)
	if err != nil {
		return false, fmt.Errorf("apply ledger entry %s: %w", n.EntryID, err)
	}
	if err := failpoint.Inject(failpoint.LedgerAfterPostings); err != nil {
		return false, err
	}
	return applied, nil
}

// Transfer builds a two-posting entry moving amount from one account to another.
func Transfer(tenantID, entryID, memo, from, to string, amountCents int64, at time.Time) contracts.LedgerEntry {
	return contracts.LedgerEntry{
		TenantID: tenantID,
		EntryID:  entryID,
		Memo:     memo,
		At:       at,
		Postings: []contracts.Posting{
			{AccountID: from, AmountCents: -amountCents},
			{AccountID: to, AmountCents: amountCents},
		},
	}
}
