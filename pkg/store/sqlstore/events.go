package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/settld/pkg/contracts"
	"github.com/Mindburn-Labs/settld/pkg/store"
)

func (t *tx) StreamHead(ctx context.Context, tenantID, streamID string) (contracts.StreamHead, error) {
	head := contracts.StreamHead{TenantID: tenantID, StreamID: streamID}
	err := t.tx.QueryRowContext(ctx,
		`SELECT seq, chain_hash FROM stream_heads WHERE tenant_id = $1 AND stream_id = $2`,
		tenantID, streamID,
	).Scan(&head.Seq, &head.ChainHash)
	if errors.Is(err, sql.ErrNoRows) {
		return head, nil
	}
	if err != nil {
		return head, fmt.Errorf("stream head: %w", err)
	}
	return head, nil
}

// AppendEvent advances the head with a conditional write. Under Postgres a
// concurrent writer blocks on the head row and then fails the chain_hash
// predicate, so exactly one append per head wins.
func (t *tx) AppendEvent(ctx context.Context, ev contracts.Event) error {
	head, err := t.StreamHead(ctx, ev.TenantID, ev.StreamID)
	if err != nil {
		return err
	}
	if head.ChainHash != ev.PrevChainHash {
		return store.ErrHeadMismatch
	}
	ev.Seq = head.Seq + 1

	var n int64
	if head.Seq == 0 {
		n, err = t.exec(ctx,
			`INSERT INTO stream_heads (tenant_id, stream_id, seq, chain_hash) VALUES ($1, $2, $3, $4)
			 ON CONFLICT DO NOTHING`,
			ev.TenantID, ev.StreamID, ev.Seq, ev.ChainHash)
	} else {
		n, err = t.exec(ctx,
			`UPDATE stream_heads SET seq = $1, chain_hash = $2
			 WHERE tenant_id = $3 AND stream_id = $4 AND chain_hash = $5`,
			ev.Seq, ev.ChainHash, ev.TenantID, ev.StreamID, ev.PrevChainHash)
	}
	if err != nil {
		return fmt.Errorf("advance stream head: %w", err)
	}
	if n == 0 {
		return store.ErrHeadMismatch
	}

	_, err = t.exec(ctx,
		`INSERT INTO events (tenant_id, stream_id, seq, type, actor_type, actor_id, payload, payload_hash,
			prev_chain_hash, chain_hash, signature, signer_key_id, at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		ev.TenantID, ev.StreamID, ev.Seq, ev.Type, ev.Actor.Type, ev.Actor.ID, string(ev.Payload), ev.PayloadHash,
		ev.PrevChainHash, ev.ChainHash, ev.Signature, ev.SignerKeyID, formatTime(ev.At))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (t *tx) ListEvents(ctx context.Context, tenantID, streamID string) ([]contracts.Event, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT seq, type, actor_type, actor_id, payload, payload_hash, prev_chain_hash, chain_hash,
			signature, signer_key_id, at
		 FROM events WHERE tenant_id = $1 AND stream_id = $2 ORDER BY seq`,
		tenantID, streamID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Event
	for rows.Next() {
		ev := contracts.Event{TenantID: tenantID, StreamID: streamID}
		var payload, at string
		if err := rows.Scan(&ev.Seq, &ev.Type, &ev.Actor.Type, &ev.Actor.ID, &payload, &ev.PayloadHash,
			&ev.PrevChainHash, &ev.ChainHash, &ev.Signature, &ev.SignerKeyID, &at); err != nil {
			return nil, err
		}
		ev.Payload = []byte(payload)
		if ev.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
