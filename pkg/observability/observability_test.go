package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "settld", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.False(t, config.Enabled)
}

func TestDisabledProviderIsUsable(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)

	ctx, done := p.TrackOperation(context.Background(), "outbox.drain", attribute.Int("max_messages", 10))
	require.NotNil(t, ctx)
	done(errors.New("boom"))
	done2 := func() func(error) { _, d := p.TrackOperation(ctx, "handler"); return d }()
	done2(nil)

	p.OutboxMessage(ctx, "LEDGER_ENTRY_APPLY", "processed")
	p.DeliveryAttempt(ctx, "delivered", 200)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNoop(t *testing.T) {
	require.NotNil(t, Noop())
}
