package memory

import (
	"context"
	"sort"
	"time"

	"github.com/Mindburn-Labs/settld/pkg/contracts"
	"github.com/Mindburn-Labs/settld/pkg/store"
)

func (t *tx) InsertLedgerEntry(_ context.Context, e contracts.LedgerEntry) (bool, error) {
	if err := t.write(); err != nil {
		return false, err
	}
	k := key(e.TenantID, e.EntryID)
	if _, ok := t.st.entries[k]; ok {
		return false, nil
	}
	t.st.entries[k] = deep(e)
	return true, nil
}

func (t *tx) LedgerEntry(_ context.Context, tenantID, entryID string) (contracts.LedgerEntry, error) {
	e, ok := t.st.entries[key(tenantID, entryID)]
	if !ok {
		return contracts.LedgerEntry{}, store.ErrNotFound
	}
	return deep(e), nil
}

func (t *tx) CountLedgerEntries(_ context.Context, tenantID string) (int, error) {
	n := 0
	for _, e := range t.st.entries {
		if e.TenantID == tenantID {
			n++
		}
	}
	return n, nil
}

func (t *tx) AccountBalance(_ context.Context, tenantID, accountID string) (int64, error) {
	var sum int64
	for _, e := range t.st.entries {
		if e.TenantID != tenantID {
			continue
		}
		for _, p := range e.Postings {
			if p.AccountID == accountID {
				sum += p.AmountCents
			}
		}
	}
	return sum, nil
}

func (t *tx) PostingsBetween(_ context.Context, tenantID string, from, to time.Time) ([]contracts.PostingRow, error) {
	var rows []contracts.PostingRow
	for _, e := range t.st.entries {
		if e.TenantID != tenantID || e.At.Before(from) || !e.At.Before(to) {
			continue
		}
		for _, p := range e.Postings {
			rows = append(rows, contracts.PostingRow{
				EntryID:     e.EntryID,
				PostingID:   p.PostingID,
				AccountID:   p.AccountID,
				AmountCents: p.AmountCents,
				At:          e.At,
			})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].At.Equal(rows[j].At) {
			return rows[i].At.Before(rows[j].At)
		}
		if rows[i].EntryID != rows[j].EntryID {
			return rows[i].EntryID < rows[j].EntryID
		}
		return rows[i].PostingID < rows[j].PostingID
	})
	return rows, nil
}
