package memory

import (
	"context"

	"github.com/Mindburn-Labs/settld/pkg/contracts"
	"github.com/Mindburn-Labs/settld/pkg/store"
)

func (t *tx) StreamHead(_ context.Context, tenantID, streamID string) (contracts.StreamHead, error) {
	h, ok := t.st.heads[key(tenantID, streamID)]
	if !ok {
		return contracts.StreamHead{TenantID: tenantID, StreamID: streamID}, nil
	}
	return h, nil
}

func (t *tx) AppendEvent(ctx context.Context, ev contracts.Event) error {
	if err := t.write(); err != nil {
		return err
	}
	head, _ := t.StreamHead(ctx, ev.TenantID, ev.StreamID)
	if head.ChainHash != ev.PrevChainHash {
		return store.ErrHeadMismatch
	}
	ev.Seq = head.Seq + 1
	k := key(ev.TenantID, ev.StreamID)
	old := t.st.events[k]
	next := make([]contracts.Event, len(old), len(old)+1)
	copy(next, old)
	t.st.events[k] = append(next, deep(ev))
	t.st.heads[k] = contracts.StreamHead{TenantID: ev.TenantID, StreamID: ev.StreamID, Seq: ev.Seq, ChainHash: ev.ChainHash}
	return nil
}

func (t *tx) ListEvents(_ context.Context, tenantID, streamID string) ([]contracts.Event, error) {
	evs := t.st.events[key(tenantID, streamID)]
	out := make([]contracts.Event, 0, len(evs))
	for _, ev := range evs {
		out = append(out, deep(ev))
	}
	return out, nil
}
