package memory

import (
	"context"
	"sort"

	"github.com/Mindburn-Labs/settld/pkg/contracts"
	"github.com/Mindburn-Labs/settld/pkg/store"
)

func (t *tx) InsertWorkOrder(_ context.Context, wo contracts.WorkOrder) error {
	if err := t.write(); err != nil {
		return err
	}
	k := key(wo.TenantID, wo.WorkOrderID)
	if _, ok := t.st.workOrders[k]; ok {
		return store.ErrDuplicate
	}
	t.st.workOrders[k] = deep(wo)
	return nil
}

func (t *tx) UpdateWorkOrder(_ context.Context, wo contracts.WorkOrder, expectedRevision int64) error {
	if err := t.write(); err != nil {
		return err
	}
	k := key(wo.TenantID, wo.WorkOrderID)
	cur, ok := t.st.workOrders[k]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Revision != expectedRevision {
		return store.ErrRevisionConflict
	}
	wo.Revision = expectedRevision + 1
	t.st.workOrders[k] = deep(wo)
	return nil
}

func (t *tx) WorkOrder(_ context.Context, tenantID, workOrderID string) (contracts.WorkOrder, error) {
	wo, ok := t.st.workOrders[key(tenantID, workOrderID)]
	if !ok {
		return contracts.WorkOrder{}, store.ErrNotFound
	}
	return deep(wo), nil
}

func (t *tx) ListWorkOrders(_ context.Context, tenantID string) ([]contracts.WorkOrder, error) {
	return sortedValues(t.st.workOrders,
		func(a, b contracts.WorkOrder) bool {
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.WorkOrderID < b.WorkOrderID
		},
		func(wo contracts.WorkOrder) bool { return wo.TenantID == tenantID }), nil
}

func (t *tx) InsertReceipt(_ context.Context, r contracts.CompletionReceipt) error {
	if err := t.write(); err != nil {
		return err
	}
	k := key(r.TenantID, r.ReceiptID)
	if _, ok := t.st.receipts[k]; ok {
		return store.ErrDuplicate
	}
	t.st.receipts[k] = deep(r)
	return nil
}

func (t *tx) Receipt(_ context.Context, tenantID, receiptID string) (contracts.CompletionReceipt, error) {
	r, ok := t.st.receipts[key(tenantID, receiptID)]
	if !ok {
		return contracts.CompletionReceipt{}, store.ErrNotFound
	}
	return deep(r), nil
}

func (t *tx) ListReceipts(_ context.Context, tenantID string) ([]contracts.CompletionReceipt, error) {
	return sortedValues(t.st.receipts,
		func(a, b contracts.CompletionReceipt) bool {
			if !a.CompletedAt.Equal(b.CompletedAt) {
				return a.CompletedAt.Before(b.CompletedAt)
			}
			return a.ReceiptID < b.ReceiptID
		},
		func(r contracts.CompletionReceipt) bool { return r.TenantID == tenantID }), nil
}

func (t *tx) InsertSettlement(_ context.Context, s contracts.Settlement) error {
	if err := t.write(); err != nil {
		return err
	}
	k := key(s.TenantID, s.RunID)
	if _, ok := t.st.settlements[k]; ok {
		return store.ErrDuplicate
	}
	t.st.settlements[k] = deep(s)
	return nil
}

func (t *tx) UpdateSettlement(_ context.Context, s contracts.Settlement, expectedRevision int64) error {
	if err := t.write(); err != nil {
		return err
	}
	k := key(s.TenantID, s.RunID)
	cur, ok := t.st.settlements[k]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Revision != expectedRevision {
		return store.ErrRevisionConflict
	}
	s.Revision = expectedRevision + 1
	t.st.settlements[k] = deep(s)
	return nil
}

func (t *tx) SettlementByRun(_ context.Context, tenantID, runID string) (contracts.Settlement, error) {
	s, ok := t.st.settlements[key(tenantID, runID)]
	if !ok {
		return contracts.Settlement{}, store.ErrNotFound
	}
	return deep(s), nil
}

func (t *tx) InsertDecisionRecord(_ context.Context, r contracts.SettlementDecisionRecord) error {
	if err := t.write(); err != nil {
		return err
	}
	k := key(r.TenantID, r.SettlementID)
	old := t.st.decisions[k]
	for _, d := range old {
		if d.DecisionID == r.DecisionID {
			return store.ErrDuplicate
		}
	}
	next := make([]contracts.SettlementDecisionRecord, len(old), len(old)+1)
	copy(next, old)
	t.st.decisions[k] = append(next, deep(r))
	return nil
}

func (t *tx) DecisionRecords(_ context.Context, tenantID, settlementID string) ([]contracts.SettlementDecisionRecord, error) {
	recs := t.st.decisions[key(tenantID, settlementID)]
	out := make([]contracts.SettlementDecisionRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, deep(r))
	}
	return out, nil
}

func (t *tx) InsertArtifact(_ context.Context, a contracts.Artifact) (bool, error) {
	if err := t.write(); err != nil {
		return false, err
	}
	hk := key(a.TenantID, a.ArtifactHash)
	if _, ok := t.st.artifactHash[hk]; ok {
		return false, nil
	}
	t.st.artifactHash[hk] = a.ArtifactID
	t.st.artifacts[key(a.TenantID, a.ArtifactID)] = deep(a)
	return true, nil
}

func (t *tx) Artifact(_ context.Context, tenantID, artifactID string) (contracts.Artifact, error) {
	a, ok := t.st.artifacts[key(tenantID, artifactID)]
	if !ok {
		return contracts.Artifact{}, store.ErrNotFound
	}
	return deep(a), nil
}

func (t *tx) PutDestination(_ context.Context, d contracts.Destination) error {
	if err := t.write(); err != nil {
		return err
	}
	t.st.destinations[key(d.TenantID, d.DestinationID)] = copyDestination(d)
	return nil
}

// copyDestination copies by hand because the secret is not serialized.
func copyDestination(d contracts.Destination) contracts.Destination {
	d.ArtifactTypes = append([]string(nil), d.ArtifactTypes...)
	return d
}

func (t *tx) Destination(_ context.Context, tenantID, destinationID string) (contracts.Destination, error) {
	d, ok := t.st.destinations[key(tenantID, destinationID)]
	if !ok {
		return contracts.Destination{}, store.ErrNotFound
	}
	return copyDestination(d), nil
}

func (t *tx) ListDestinations(_ context.Context, tenantID string) ([]contracts.Destination, error) {
	out := make([]contracts.Destination, 0)
	for _, d := range t.st.destinations {
		if d.TenantID == tenantID {
			out = append(out, copyDestination(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DestinationID < out[j].DestinationID })
	return out, nil
}

func (t *tx) InsertDelivery(_ context.Context, d contracts.Delivery) (bool, error) {
	if err := t.write(); err != nil {
		return false, err
	}
	if _, ok := t.st.deliveries[d.DedupeKey]; ok {
		return false, nil
	}
	t.st.deliveries[d.DedupeKey] = deep(d)
	return true, nil
}

func (t *tx) UpdateDelivery(_ context.Context, d contracts.Delivery) error {
	if err := t.write(); err != nil {
		return err
	}
	if _, ok := t.st.deliveries[d.DedupeKey]; !ok {
		return store.ErrNotFound
	}
	t.st.deliveries[d.DedupeKey] = deep(d)
	return nil
}

func (t *tx) Delivery(_ context.Context, dedupeKey string) (contracts.Delivery, error) {
	d, ok := t.st.deliveries[dedupeKey]
	if !ok {
		return contracts.Delivery{}, store.ErrNotFound
	}
	return deep(d), nil
}

func (t *tx) ListDeliveries(_ context.Context, tenantID, state string) ([]contracts.Delivery, error) {
	return sortedValues(t.st.deliveries,
		func(a, b contracts.Delivery) bool { return a.DedupeKey < b.DedupeKey },
		func(d contracts.Delivery) bool {
			return d.TenantID == tenantID && (state == "" || d.State == state)
		}), nil
}

func (t *tx) IdempotencyRecord(_ context.Context, tenantID, operation, k string) (contracts.IdempotencyRecord, error) {
	r, ok := t.st.idempotency[key(tenantID, operation, k)]
	if !ok {
		return contracts.IdempotencyRecord{}, store.ErrNotFound
	}
	return deep(r), nil
}

func (t *tx) PutIdempotencyRecord(_ context.Context, r contracts.IdempotencyRecord) error {
	if err := t.write(); err != nil {
		return err
	}
	k := key(r.TenantID, r.Operation, r.Key)
	if _, ok := t.st.idempotency[k]; ok {
		return store.ErrDuplicate
	}
	t.st.idempotency[k] = deep(r)
	return nil
}

func (t *tx) InsertMonthClose(_ context.Context, mc contracts.MonthClose) (bool, error) {
	if err := t.write(); err != nil {
		return false, err
	}
	k := key(mc.TenantID, mc.Period)
	if _, ok := t.st.monthCloses[k]; ok {
		return false, nil
	}
	t.st.monthCloses[k] = deep(mc)
	return true, nil
}

func (t *tx) UpdateMonthClose(_ context.Context, mc contracts.MonthClose) error {
	if err := t.write(); err != nil {
		return err
	}
	k := key(mc.TenantID, mc.Period)
	if _, ok := t.st.monthCloses[k]; !ok {
		return store.ErrNotFound
	}
	t.st.monthCloses[k] = deep(mc)
	return nil
}

func (t *tx) MonthClose(_ context.Context, tenantID, period string) (contracts.MonthClose, error) {
	mc, ok := t.st.monthCloses[key(tenantID, period)]
	if !ok {
		return contracts.MonthClose{}, store.ErrNotFound
	}
	return deep(mc), nil
}

func (t *tx) InsertPartyStatement(_ context.Context, s contracts.PartyStatement) (bool, error) {
	if err := t.write(); err != nil {
		return false, err
	}
	k := key(s.TenantID, s.PartyID, s.Period)
	if _, ok := t.st.statements[k]; ok {
		return false, nil
	}
	t.st.statements[k] = deep(s)
	return true, nil
}

func (t *tx) ListPartyStatements(_ context.Context, tenantID, period string) ([]contracts.PartyStatement, error) {
	return sortedValues(t.st.statements,
		func(a, b contracts.PartyStatement) bool { return a.PartyID < b.PartyID },
		func(s contracts.PartyStatement) bool { return s.TenantID == tenantID && s.Period == period }), nil
}
