// Package idempotency makes keyed mutations replayable. The stored response is
// written in the same store transaction as the mutation it describes, so a key
// is either bound to a committed result or not bound at all.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/settld/pkg/canonicalize"
	"github.com/Mindburn-Labs/settld/pkg/contracts"
	"github.com/Mindburn-Labs/settld/pkg/errs"
	"github.com/Mindburn-Labs/settld/pkg/store"
)

// HeaderKey is the request header carrying the idempotency key.
const HeaderKey = "x-idempotency-key"

// MaxKeyLength bounds stored keys.
const MaxKeyLength = 200

// Response is what a keyed mutation answered with.
type Response struct {
	StatusCode int
	Body       []byte
}

// RequestHash binds a key to one request: sha256(method ∥ path ∥ canonical(body)).
// An empty body hashes as JSON null.
func RequestHash(method, path string, body []byte) (string, error) {
	canonical := []byte("null")
	if len(body) > 0 {
		var v any
		if err := json.Unmarshal(body, &v); err != nil {
			return "", errs.Validation("request body is not valid JSON")
		}
		c, err := canonicalize.JCS(v)
		if err != nil {
			return "", fmt.Errorf("canonicalize request body: %w", err)
		}
		canonical = c
	}
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Guard looks up and stores responses keyed by (tenant, operation, key).
type Guard struct {
	clock func() time.Time
}

func NewGuard(clock func() time.Time) *Guard {
	if clock == nil {
		clock = time.Now
	}
	return &Guard{clock: clock}
}

// Do runs exec at most once per key. A stored response with the same request
// hash is returned verbatim with replayed=true; a different hash is an
// IDEMPOTENCY_KEY_CONFLICT. Only 2xx responses are stored, so a failed call
// can be retried under the same key and rejected transitions are re-evaluated
// every time. An empty key disables the guard.
//
// When two transactions race on a fresh key, the loser gets store.ErrDuplicate
// and should retry its transaction to observe the winner's record.
func (g *Guard) Do(ctx context.Context, tx store.IdempotencyTx, tenantID, operation, key, requestHash string, exec func() (Response, error)) (Response, bool, error) {
	if key == "" {
		resp, err := exec()
		return resp, false, err
	}
	if len(key) > MaxKeyLength {
		return Response{}, false, errs.Validation("idempotency key exceeds %d characters", MaxKeyLength)
	}

	rec, err := tx.IdempotencyRecord(ctx, tenantID, operation, key)
	switch {
	case err == nil:
		if rec.RequestHash != requestHash {
			return Response{}, false, errs.Conflict(errs.CodeIdempotencyKeyConflict,
				"idempotency key was already used with a different request").
				With("operation", operation)
		}
		return Response{StatusCode: rec.StatusCode, Body: rec.Body}, true, nil
	case !errors.Is(err, store.ErrNotFound):
		return Response{}, false, fmt.Errorf("idempotency lookup: %w", err)
	}

	resp, err := exec()
	if err != nil {
		return resp, false, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, false, nil
	}
	if err := tx.PutIdempotencyRecord(ctx, contracts.IdempotencyRecord{
		TenantID:    tenantID,
		Operation:   operation,
		Key:         key,
		RequestHash: requestHash,
		StatusCode:  resp.StatusCode,
		Body:        resp.Body,
		CreatedAt:   g.clock().UTC(),
	}); err != nil {
		return Response{}, false, fmt.Errorf("idempotency store: %w", err)
	}
	return resp, false, nil
}
