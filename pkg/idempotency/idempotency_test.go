package idempotency_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/settld/pkg/contracts"
	"github.com/Mindburn-Labs/settld/pkg/errs"
	"github.com/Mindburn-Labs/settld/pkg/idempotency"
	"github.com/Mindburn-Labs/settld/pkg/store"
	"github.com/Mindburn-Labs/settld/pkg/store/memory"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func TestRequestHash(t *testing.T) {
	a, err := idempotency.RequestHash("POST", "/runs/r1/settlement/resolve", []byte(`{"b":1, "a":"x"}`))
	require.NoError(t, err)
	b, err := idempotency.RequestHash("POST", "/runs/r1/settlement/resolve", []byte(`{"a":"x","b":1}`))
	require.NoError(t, err)
	assert.Equal(t, a, b, "key order and whitespace do not matter")
	assert.Len(t, a, 64)

	c, err := idempotency.RequestHash("POST", "/runs/r2/settlement/resolve", []byte(`{"a":"x","b":1}`))
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	d, err := idempotency.RequestHash("POST", "/runs/r1/settlement/resolve", []byte(`{"a":"x","b":2}`))
	require.NoError(t, err)
	assert.NotEqual(t, a, d)

	_, err = idempotency.RequestHash("POST", "/x", []byte(`{`))
	assert.True(t, errs.HasCode(err, errs.CodeValidation))

	empty, err := idempotency.RequestHash("POST", "/x", nil)
	require.NoError(t, err)
	null, err := idempotency.RequestHash("POST", "/x", []byte("null"))
	require.NoError(t, err)
	assert.Equal(t, empty, null)
}

type call struct {
	resp     idempotency.Response
	replayed bool
	err      error
}

func do(t *testing.T, s store.Store, g *idempotency.Guard, key, hash string, exec func() (idempotency.Response, error)) call {
	t.Helper()
	var c call
	err := s.Update(context.Background(), func(tx store.Tx) error {
		c.resp, c.replayed, c.err = g.Do(context.Background(), tx, "tenant_a", "settlement.resolve", key, hash, exec)
		return nil
	})
	require.NoError(t, err)
	return c
}

func TestGuard_ReplaysStoredResponse(t *testing.T) {
	s := memory.New()
	g := idempotency.NewGuard(func() time.Time { return t0 })
	runs := 0
	exec := func() (idempotency.Response, error) {
		runs++
		return idempotency.Response{StatusCode: http.StatusOK, Body: []byte(`{"status":"released","revision":1}`)}, nil
	}

	first := do(t, s, g, "k1", "hash_a", exec)
	require.NoError(t, first.err)
	assert.False(t, first.replayed)

	second := do(t, s, g, "k1", "hash_a", exec)
	require.NoError(t, second.err)
	assert.True(t, second.replayed)
	assert.Equal(t, first.resp, second.resp)
	assert.Equal(t, 1, runs)

	require.NoError(t, s.View(context.Background(), func(tx store.Tx) error {
		rec, err := tx.IdempotencyRecord(context.Background(), "tenant_a", "settlement.resolve", "k1")
		require.NoError(t, err)
		assert.Equal(t, "hash_a", rec.RequestHash)
		assert.Equal(t, t0, rec.CreatedAt)
		return nil
	}))
}

func TestGuard_DifferentBodyConflicts(t *testing.T) {
	s := memory.New()
	g := idempotency.NewGuard(nil)
	ok := func() (idempotency.Response, error) {
		return idempotency.Response{StatusCode: http.StatusCreated, Body: []byte(`{}`)}, nil
	}
	require.NoError(t, do(t, s, g, "k1", "hash_a", ok).err)

	c := do(t, s, g, "k1", "hash_b", func() (idempotency.Response, error) {
		t.Fatal("exec must not run on a conflicting key")
		return idempotency.Response{}, nil
	})
	require.Error(t, c.err)
	e, isDomain := errs.As(c.err)
	require.True(t, isDomain)
	assert.Equal(t, errs.CodeIdempotencyKeyConflict, e.Code)
	assert.Equal(t, http.StatusConflict, e.Status())
}

func TestGuard_KeysAreScoped(t *testing.T) {
	s := memory.New()
	g := idempotency.NewGuard(nil)
	runs := 0
	exec := func() (idempotency.Response, error) {
		runs++
		return idempotency.Response{StatusCode: http.StatusOK, Body: []byte(`{}`)}, nil
	}
	ctx := context.Background()
	for _, scope := range []struct{ tenant, op string }{
		{"tenant_a", "dispute.open"},
		{"tenant_a", "dispute.close"},
		{"tenant_b", "dispute.open"},
	} {
		require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
			_, replayed, err := g.Do(ctx, tx, scope.tenant, scope.op, "same-key", "h", exec)
			assert.False(t, replayed)
			return err
		}))
	}
	assert.Equal(t, 3, runs)
}

func TestGuard_FailuresAreNotStored(t *testing.T) {
	s := memory.New()
	g := idempotency.NewGuard(nil)
	illegal := errs.IllegalTransition(contracts.SettlementReleased, "open dispute")

	for i := 0; i < 2; i++ {
		c := do(t, s, g, "k1", "hash_a", func() (idempotency.Response, error) {
			return idempotency.Response{}, illegal
		})
		assert.True(t, errs.HasCode(c.err, errs.CodeTransitionIllegal), "attempt %d", i)
		assert.False(t, c.replayed)
	}

	c := do(t, s, g, "k2", "hash_a", func() (idempotency.Response, error) {
		return idempotency.Response{StatusCode: http.StatusAccepted}, nil
	})
	require.NoError(t, c.err)
	c = do(t, s, g, "k2", "hash_a", func() (idempotency.Response, error) {
		return idempotency.Response{StatusCode: http.StatusTeapot}, nil
	})
	assert.True(t, c.replayed)

	c = do(t, s, g, "k3", "hash_a", func() (idempotency.Response, error) {
		return idempotency.Response{StatusCode: http.StatusBadRequest, Body: []byte(`{"code":"VALIDATION_FAILED"}`)}, nil
	})
	require.NoError(t, c.err)
	assert.Equal(t, http.StatusBadRequest, c.resp.StatusCode)
	require.NoError(t, s.View(context.Background(), func(tx store.Tx) error {
		_, err := tx.IdempotencyRecord(context.Background(), "tenant_a", "settlement.resolve", "k3")
		assert.True(t, errors.Is(err, store.ErrNotFound))
		return nil
	}))
}

func TestGuard_EmptyKeyAlwaysExecutes(t *testing.T) {
	s := memory.New()
	g := idempotency.NewGuard(nil)
	runs := 0
	for i := 0; i < 2; i++ {
		c := do(t, s, g, "", "h", func() (idempotency.Response, error) {
			runs++
			return idempotency.Response{StatusCode: http.StatusOK}, nil
		})
		require.NoError(t, c.err)
	}
	assert.Equal(t, 2, runs)

	long := make([]byte, idempotency.MaxKeyLength+1)
	for i := range long {
		long[i] = 'k'
	}
	c := do(t, s, g, string(long), "h", func() (idempotency.Response, error) {
		return idempotency.Response{StatusCode: http.StatusOK}, nil
	})
	assert.True(t, errs.HasCode(c.err, errs.CodeValidation))
}
