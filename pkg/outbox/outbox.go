// Package outbox drains durable side-effect messages through topic handlers.
//
// Messages are written in the same transaction as the business change that
// produces them. A drain hands each due message to its handler; the durable
// writes the handler returns are committed together with the processed mark,
// so a crash anywhere before that commit leaves the message pending and the
// handler is simply run again. Handlers therefore key every write on a
// natural idempotency key (entry id, artifact hash, dedupe key).
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/settld/pkg/canonicalize"
	"github.com/Mindburn-Labs/settld/pkg/contracts"
	"github.com/Mindburn-Labs/settld/pkg/store"
)

// Commit performs a handler's durable writes. It runs in the transaction
// that marks the message processed.
type Commit func(ctx context.Context, tx store.Tx) error

// Handler executes one message. Network I/O belongs in Handle; the returned
// Commit must only touch the store. A nil Commit marks the message done.
type Handler interface {
	Handle(ctx context.Context, msg contracts.OutboxMessage) (Commit, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg contracts.OutboxMessage) (Commit, error)

func (f HandlerFunc) Handle(ctx context.Context, msg contracts.OutboxMessage) (Commit, error) {
	return f(ctx, msg)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable; the message fails immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Message describes a message to enqueue.
type Message struct {
	ID       string
	TenantID string
	Topic    string
	Payload  any
}

// Enqueue writes m inside tx. The payload is stored as canonical JSON. An
// empty ID gets a random one; a fixed ID makes enqueueing idempotent, and
// the return value reports whether a new row was written.
func Enqueue(ctx context.Context, tx store.OutboxTx, m Message, now time.Time) (bool, error) {
	if m.TenantID == "" || m.Topic == "" {
		return false, fmt.Errorf("outbox: tenant and topic are required")
	}
	payload, err := canonicalize.JCS(m.Payload)
	if err != nil {
		return false, fmt.Errorf("outbox: encode %s payload: %w", m.Topic, err)
	}
	id := m.ID
	if id == "" {
		id = "msg_" + uuid.NewString()
	}
	return tx.EnqueueOutbox(ctx, contracts.OutboxMessage{
		ID:          id,
		TenantID:    m.TenantID,
		Topic:       m.Topic,
		PayloadJSON: payload,
		CreatedAt:   now.UTC(),
	})
}

// Decode unmarshals the message payload into v; a malformed payload is a
// permanent failure.
func Decode(msg contracts.OutboxMessage, v any) error {
	if err := json.Unmarshal(msg.PayloadJSON, v); err != nil {
		return Permanent(fmt.Errorf("decode %s payload of %s: %w", msg.Topic, msg.ID, err))
	}
	return nil
}
