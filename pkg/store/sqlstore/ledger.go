package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/settld/pkg/contracts"
)

func (t *tx) InsertLedgerEntry(ctx context.Context, e contracts.LedgerEntry) (bool, error) {
	at := formatTime(e.At)
	n, err := t.exec(ctx,
		`INSERT INTO ledger_entries (tenant_id, entry_id, memo, at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT DO NOTHING`,
		e.TenantID, e.EntryID, e.Memo, at)
	if err != nil {
		return false, fmt.Errorf("insert ledger entry: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	for i, p := range e.Postings {
		if _, err := t.exec(ctx,
			`INSERT INTO ledger_postings (tenant_id, entry_id, posting_id, idx, account_id, amount_cents, at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			e.TenantID, e.EntryID, p.PostingID, i, p.AccountID, p.AmountCents, at); err != nil {
			return false, fmt.Errorf("insert posting %s: %w", p.PostingID, err)
		}
		for j, a := range p.Allocations {
			if _, err := t.exec(ctx,
				`INSERT INTO ledger_allocations (tenant_id, entry_id, posting_id, idx, cause, amount_cents)
				 VALUES ($1, $2, $3, $4, $5, $6)`,
				e.TenantID, e.EntryID, p.PostingID, j, a.Cause, a.AmountCents); err != nil {
				return false, fmt.Errorf("insert allocation %s/%d: %w", p.PostingID, j, err)
			}
		}
	}
	return true, nil
}

func (t *tx) LedgerEntry(ctx context.Context, tenantID, entryID string) (contracts.LedgerEntry, error) {
	e := contracts.LedgerEntry{TenantID: tenantID, EntryID: entryID}
	var at string
	err := t.tx.QueryRowContext(ctx,
		`SELECT memo, at FROM ledger_entries WHERE tenant_id = $1 AND entry_id = $2`,
		tenantID, entryID).Scan(&e.Memo, &at)
	if err != nil {
		return e, notFound(err)
	}
	if e.At, err = parseTime(at); err != nil {
		return e, err
	}

	rows, err := t.tx.QueryContext(ctx,
		`SELECT posting_id, account_id, amount_cents FROM ledger_postings
		 WHERE tenant_id = $1 AND entry_id = $2 ORDER BY idx`,
		tenantID, entryID)
	if err != nil {
		return e, fmt.Errorf("load postings: %w", err)
	}
	index := map[string]int{}
	for rows.Next() {
		var p contracts.Posting
		if err := rows.Scan(&p.PostingID, &p.AccountID, &p.AmountCents); err != nil {
			_ = rows.Close()
			return e, err
		}
		index[p.PostingID] = len(e.Postings)
		e.Postings = append(e.Postings, p)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return e, err
	}

	rows, err = t.tx.QueryContext(ctx,
		`SELECT posting_id, cause, amount_cents FROM ledger_allocations
		 WHERE tenant_id = $1 AND entry_id = $2 ORDER BY posting_id, idx`,
		tenantID, entryID)
	if err != nil {
		return e, fmt.Errorf("load allocations: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var postingID string
		var a contracts.Allocation
		if err := rows.Scan(&postingID, &a.Cause, &a.AmountCents); err != nil {
			return e, err
		}
		if i, ok := index[postingID]; ok {
			e.Postings[i].Allocations = append(e.Postings[i].Allocations, a)
		}
	}
	return e, rows.Err()
}

func (t *tx) CountLedgerEntries(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_entries WHERE tenant_id = $1`, tenantID).Scan(&n)
	return n, err
}

func (t *tx) AccountBalance(ctx context.Context, tenantID, accountID string) (int64, error) {
	var sum int64
	err := t.tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount_cents), 0) FROM ledger_postings WHERE tenant_id = $1 AND account_id = $2`,
		tenantID, accountID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("account balance: %w", err)
	}
	return sum, nil
}

func (t *tx) PostingsBetween(ctx context.Context, tenantID string, from, to time.Time) ([]contracts.PostingRow, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT entry_id, posting_id, account_id, amount_cents, at FROM ledger_postings
		 WHERE tenant_id = $1 AND at >= $2 AND at < $3
		 ORDER BY at, entry_id, posting_id`,
		tenantID, formatTime(from), formatTime(to))
	if err != nil {
		return nil, fmt.Errorf("postings between: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.PostingRow
	for rows.Next() {
		var r contracts.PostingRow
		var at string
		if err := rows.Scan(&r.EntryID, &r.PostingID, &r.AccountID, &r.AmountCents, &at); err != nil {
			return nil, err
		}
		if r.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
