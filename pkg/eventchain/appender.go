package eventchain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/settld/pkg/contracts"
	"github.com/Mindburn-Labs/settld/pkg/crypto"
	"github.com/Mindburn-Labs/settld/pkg/errs"
	"github.com/Mindburn-Labs/settld/pkg/store"
)

// TenantSigners hands out the signing key of a tenant.
type TenantSigners interface {
	ForTenant(tenantID string) (*crypto.Ed25519Signer, error)
}

// AppendRequest describes one event append. A nil ExpectedPrev skips the
// caller precondition; the store still enforces the head compare-and-swap.
type AppendRequest struct {
	TenantID     string
	StreamID     string
	ExpectedPrev *string
	Type         string
	Actor        contracts.Actor
	Payload      any
}

// Appender validates, links, signs and stores events.
type Appender struct {
	schemas *SchemaRegistry
	signers TenantSigners
	clock   func() time.Time
}

// NewAppender creates an appender. signers may be nil for unsigned chains.
func NewAppender(schemas *SchemaRegistry, signers TenantSigners) *Appender {
	return &Appender{schemas: schemas, signers: signers, clock: time.Now}
}

// WithClock overrides the event timestamp source.
func (a *Appender) WithClock(clock func() time.Time) *Appender {
	a.clock = clock
	return a
}

// Append writes the event inside tx. The head read, the precondition check
// and the insert share the transaction, so two writers racing on one stream
// produce exactly one winner.
func (a *Appender) Append(ctx context.Context, tx store.EventTx, req AppendRequest) (contracts.Event, error) {
	if req.TenantID == "" {
		return contracts.Event{}, errs.Validation("tenantId is required")
	}
	if a.schemas != nil {
		if err := a.schemas.Validate(req.Type, req.Payload); err != nil {
			return contracts.Event{}, err
		}
	}

	head, err := CheckHead(ctx, tx, req.TenantID, req.StreamID, req.ExpectedPrev)
	if err != nil {
		return contracts.Event{}, err
	}

	draft, err := CreateEvent(req.StreamID, req.Type, req.Actor, req.Payload, a.clock())
	if err != nil {
		return contracts.Event{}, errs.Validation("%v", err)
	}
	var signer crypto.Signer
	if a.signers != nil {
		s, err := a.signers.ForTenant(req.TenantID)
		if err != nil {
			return contracts.Event{}, fmt.Errorf("tenant signer: %w", err)
		}
		signer = s
	}
	ev, err := FinalizeEvent(draft, head.ChainHash, signer)
	if err != nil {
		return contracts.Event{}, err
	}
	ev.TenantID = req.TenantID

	if err := tx.AppendEvent(ctx, ev); err != nil {
		if errors.Is(err, store.ErrHeadMismatch) {
			current, _ := tx.StreamHead(ctx, req.TenantID, req.StreamID)
			return contracts.Event{}, chainConflict(head.ChainHash, current.ChainHash)
		}
		return contracts.Event{}, fmt.Errorf("append event: %w", err)
	}
	ev.Seq = head.Seq + 1
	return ev, nil
}

// CheckHead reads the stream head and, when expectedPrev is set, fails with
// EVENT_CHAIN_CONFLICT unless it names that head.
func CheckHead(ctx context.Context, tx store.EventTx, tenantID, streamID string, expectedPrev *string) (contracts.StreamHead, error) {
	head, err := tx.StreamHead(ctx, tenantID, streamID)
	if err != nil {
		return head, fmt.Errorf("read stream head: %w", err)
	}
	if expectedPrev != nil && *expectedPrev != head.ChainHash {
		return head, chainConflict(*expectedPrev, head.ChainHash)
	}
	return head, nil
}

func chainConflict(expected, current string) *errs.Error {
	return errs.Conflict(errs.CodeEventChainConflict, "stream head moved").
		With("expectedPrevChainHash", nullable(expected)).
		With("currentChainHash", nullable(current))
}

func nullable(h string) any {
	if h == "" {
		return nil
	}
	return h
}

// ParsePrecondition interprets an expected-prev-chain-hash header value.
// "null" and the empty string name the genesis head.
func ParsePrecondition(value string) string {
	v := strings.TrimSpace(value)
	if v == "null" {
		return ""
	}
	return strings.ToLower(v)
}
