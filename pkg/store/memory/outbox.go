package memory

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/settld/pkg/contracts"
	"github.com/Mindburn-Labs/settld/pkg/store"
)

func (t *tx) EnqueueOutbox(_ context.Context, m contracts.OutboxMessage) (bool, error) {
	if err := t.write(); err != nil {
		return false, err
	}
	if _, ok := t.st.outbox[m.ID]; ok {
		return false, nil
	}
	t.st.outboxSeq++
	m.Seq = t.st.outboxSeq
	t.st.outbox[m.ID] = deep(m)
	return true, nil
}

func bySeq(a, b contracts.OutboxMessage) bool { return a.Seq < b.Seq }

func (t *tx) DueOutbox(_ context.Context, now time.Time, limit int) ([]contracts.OutboxMessage, error) {
	due := sortedValues(t.st.outbox, bySeq, func(m contracts.OutboxMessage) bool {
		return m.State() == contracts.OutboxPending && (m.NextAttemptAt == nil || !m.NextAttemptAt.After(now))
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (t *tx) ClaimOutbox(_ context.Context, id string) (contracts.OutboxMessage, bool, error) {
	m, ok := t.st.outbox[id]
	if !ok {
		return contracts.OutboxMessage{}, false, nil
	}
	return deep(m), m.State() == contracts.OutboxPending, nil
}

func (t *tx) MarkOutboxProcessed(_ context.Context, id string, at time.Time) error {
	if err := t.write(); err != nil {
		return err
	}
	m, ok := t.st.outbox[id]
	if !ok {
		return store.ErrNotFound
	}
	m = deep(m)
	m.ProcessedAt = &at
	m.NextAttemptAt = nil
	t.st.outbox[id] = m
	return nil
}

func (t *tx) RecordOutboxFailure(_ context.Context, id string, attempts int, lastErr string, next, failedAt *time.Time) error {
	if err := t.write(); err != nil {
		return err
	}
	m, ok := t.st.outbox[id]
	if !ok {
		return store.ErrNotFound
	}
	m = deep(m)
	m.Attempts = attempts
	m.LastError = lastErr
	m.NextAttemptAt = next
	m.FailedAt = failedAt
	t.st.outbox[id] = m
	return nil
}

func (t *tx) OutboxMessage(_ context.Context, id string) (contracts.OutboxMessage, error) {
	m, ok := t.st.outbox[id]
	if !ok {
		return contracts.OutboxMessage{}, store.ErrNotFound
	}
	return deep(m), nil
}

func (t *tx) ListOutbox(_ context.Context, tenantID, state string, limit int) ([]contracts.OutboxMessage, error) {
	out := sortedValues(t.st.outbox, bySeq, func(m contracts.OutboxMessage) bool {
		return (tenantID == "" || m.TenantID == tenantID) && (state == "" || m.State() == state)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
