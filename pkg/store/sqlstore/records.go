package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/settld/pkg/contracts"
	"github.com/Mindburn-Labs/settld/pkg/store"
)

func (t *tx) queryDocs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func decodeDocs[T any](docs []string) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, d := range docs {
		var v T
		if err := json.Unmarshal([]byte(d), &v); err != nil {
			return nil, fmt.Errorf("corrupt document: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}

func (t *tx) getDoc(ctx context.Context, dst any, query string, args ...any) error {
	var doc string
	if err := t.tx.QueryRowContext(ctx, query, args...).Scan(&doc); err != nil {
		return notFound(err)
	}
	if err := json.Unmarshal([]byte(doc), dst); err != nil {
		return fmt.Errorf("corrupt document: %w", err)
	}
	return nil
}

// revisionMiss distinguishes a missing row from a stale revision after a
// conditional update touched nothing.
func (t *tx) revisionMiss(ctx context.Context, query string, args ...any) error {
	var n int
	if err := t.tx.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return store.ErrRevisionConflict
}

func (t *tx) InsertWorkOrder(ctx context.Context, wo contracts.WorkOrder) error {
	doc, err := json.Marshal(wo)
	if err != nil {
		return err
	}
	n, err := t.exec(ctx,
		`INSERT INTO work_orders (tenant_id, work_order_id, status, revision, created_at, doc)
		 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT DO NOTHING`,
		wo.TenantID, wo.WorkOrderID, wo.Status, wo.Revision, formatTime(wo.CreatedAt), string(doc))
	if err != nil {
		return fmt.Errorf("insert work order: %w", err)
	}
	if n == 0 {
		return store.ErrDuplicate
	}
	return nil
}

func (t *tx) UpdateWorkOrder(ctx context.Context, wo contracts.WorkOrder, expectedRevision int64) error {
	wo.Revision = expectedRevision + 1
	doc, err := json.Marshal(wo)
	if err != nil {
		return err
	}
	n, err := t.exec(ctx,
		`UPDATE work_orders SET status = $1, revision = $2, doc = $3
		 WHERE tenant_id = $4 AND work_order_id = $5 AND revision = $6`,
		wo.Status, wo.Revision, string(doc), wo.TenantID, wo.WorkOrderID, expectedRevision)
	if err != nil {
		return fmt.Errorf("update work order: %w", err)
	}
	if n == 0 {
		return t.revisionMiss(ctx,
			`SELECT COUNT(*) FROM work_orders WHERE tenant_id = $1 AND work_order_id = $2`,
			wo.TenantID, wo.WorkOrderID)
	}
	return nil
}

func (t *tx) WorkOrder(ctx context.Context, tenantID, workOrderID string) (contracts.WorkOrder, error) {
	var wo contracts.WorkOrder
	err := t.getDoc(ctx, &wo,
		`SELECT doc FROM work_orders WHERE tenant_id = $1 AND work_order_id = $2`, tenantID, workOrderID)
	return wo, err
}

func (t *tx) ListWorkOrders(ctx context.Context, tenantID string) ([]contracts.WorkOrder, error) {
	docs, err := t.queryDocs(ctx,
		`SELECT doc FROM work_orders WHERE tenant_id = $1 ORDER BY created_at, work_order_id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list work orders: %w", err)
	}
	return decodeDocs[contracts.WorkOrder](docs)
}

func (t *tx) InsertReceipt(ctx context.Context, r contracts.CompletionReceipt) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return err
	}
	n, err := t.exec(ctx,
		`INSERT INTO completion_receipts (tenant_id, receipt_id, work_order_id, receipt_hash, completed_at, doc)
		 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT DO NOTHING`,
		r.TenantID, r.ReceiptID, r.WorkOrderID, r.ReceiptHash, formatTime(r.CompletedAt), string(doc))
	if err != nil {
		return fmt.Errorf("insert receipt: %w", err)
	}
	if n == 0 {
		return store.ErrDuplicate
	}
	return nil
}

func (t *tx) Receipt(ctx context.Context, tenantID, receiptID string) (contracts.CompletionReceipt, error) {
	var r contracts.CompletionReceipt
	err := t.getDoc(ctx, &r,
		`SELECT doc FROM completion_receipts WHERE tenant_id = $1 AND receipt_id = $2`, tenantID, receiptID)
	return r, err
}

func (t *tx) ListReceipts(ctx context.Context, tenantID string) ([]contracts.CompletionReceipt, error) {
	docs, err := t.queryDocs(ctx,
		`SELECT doc FROM completion_receipts WHERE tenant_id = $1 ORDER BY completed_at, receipt_id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	return decodeDocs[contracts.CompletionReceipt](docs)
}

func (t *tx) InsertSettlement(ctx context.Context, s contracts.Settlement) error {
	doc, err := json.Marshal(s)
	if err != nil {
		return err
	}
	n, err := t.exec(ctx,
		`INSERT INTO settlements (tenant_id, run_id, settlement_id, status, revision, doc)
		 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT DO NOTHING`,
		s.TenantID, s.RunID, s.SettlementID, s.Status, s.Revision, string(doc))
	if err != nil {
		return fmt.Errorf("insert settlement: %w", err)
	}
	if n == 0 {
		return store.ErrDuplicate
	}
	return nil
}

func (t *tx) UpdateSettlement(ctx context.Context, s contracts.Settlement, expectedRevision int64) error {
	s.Revision = expectedRevision + 1
	doc, err := json.Marshal(s)
	if err != nil {
		return err
	}
	n, err := t.exec(ctx,
		`UPDATE settlements SET status = $1, revision = $2, doc = $3
		 WHERE tenant_id = $4 AND run_id = $5 AND revision = $6`,
		s.Status, s.Revision, string(doc), s.TenantID, s.RunID, expectedRevision)
	if err != nil {
		return fmt.Errorf("update settlement: %w", err)
	}
	if n == 0 {
		return t.revisionMiss(ctx,
			`SELECT COUNT(*) FROM settlements WHERE tenant_id = $1 AND run_id = $2`, s.TenantID, s.RunID)
	}
	return nil
}

func (t *tx) SettlementByRun(ctx context.Context, tenantID, runID string) (contracts.Settlement, error) {
	var s contracts.Settlement
	err := t.getDoc(ctx, &s, `SELECT doc FROM settlements WHERE tenant_id = $1 AND run_id = $2`, tenantID, runID)
	return s, err
}

func (t *tx) InsertDecisionRecord(ctx context.Context, r contracts.SettlementDecisionRecord) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return err
	}
	n, err := t.exec(ctx,
		`INSERT INTO settlement_decisions (tenant_id, settlement_id, decision_id, seq, decision_hash, doc)
		 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT DO NOTHING`,
		r.TenantID, r.SettlementID, r.DecisionID, r.Seq, r.DecisionHash, string(doc))
	if err != nil {
		return fmt.Errorf("insert decision record: %w", err)
	}
	if n == 0 {
		return store.ErrDuplicate
	}
	return nil
}

func (t *tx) DecisionRecords(ctx context.Context, tenantID, settlementID string) ([]contracts.SettlementDecisionRecord, error) {
	docs, err := t.queryDocs(ctx,
		`SELECT doc FROM settlement_decisions WHERE tenant_id = $1 AND settlement_id = $2 ORDER BY seq`,
		tenantID, settlementID)
	if err != nil {
		return nil, fmt.Errorf("list decision records: %w", err)
	}
	return decodeDocs[contracts.SettlementDecisionRecord](docs)
}

func (t *tx) InsertArtifact(ctx context.Context, a contracts.Artifact) (bool, error) {
	n, err := t.exec(ctx,
		`INSERT INTO artifacts (tenant_id, artifact_id, artifact_type, artifact_hash, job_id, size_bytes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT DO NOTHING`,
		a.TenantID, a.ArtifactID, a.ArtifactType, a.ArtifactHash, a.JobID, a.SizeBytes, formatTime(a.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("insert artifact: %w", err)
	}
	return n > 0, nil
}

func (t *tx) Artifact(ctx context.Context, tenantID, artifactID string) (contracts.Artifact, error) {
	a := contracts.Artifact{TenantID: tenantID, ArtifactID: artifactID}
	var created string
	err := t.tx.QueryRowContext(ctx,
		`SELECT artifact_type, artifact_hash, job_id, size_bytes, created_at FROM artifacts
		 WHERE tenant_id = $1 AND artifact_id = $2`,
		tenantID, artifactID).Scan(&a.ArtifactType, &a.ArtifactHash, &a.JobID, &a.SizeBytes, &created)
	if err != nil {
		return a, notFound(err)
	}
	a.CreatedAt, err = parseTime(created)
	return a, err
}

func (t *tx) PutDestination(ctx context.Context, d contracts.Destination) error {
	types, err := json.Marshal(d.ArtifactTypes)
	if err != nil {
		return err
	}
	active := 0
	if d.Active {
		active = 1
	}
	_, err = t.exec(ctx,
		`INSERT INTO destinations (tenant_id, destination_id, url, secret, artifact_types, active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (tenant_id, destination_id) DO UPDATE SET
			url = excluded.url, secret = excluded.secret,
			artifact_types = excluded.artifact_types, active = excluded.active`,
		d.TenantID, d.DestinationID, d.URL, d.Secret, string(types), active, formatTime(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("put destination: %w", err)
	}
	return nil
}

const destinationColumns = `destination_id, url, secret, artifact_types, active, created_at`

func scanDestination(row scanner, tenantID string) (contracts.Destination, error) {
	d := contracts.Destination{TenantID: tenantID}
	var types, created string
	var active int
	if err := row.Scan(&d.DestinationID, &d.URL, &d.Secret, &types, &active, &created); err != nil {
		return d, err
	}
	d.Active = active == 1
	if err := json.Unmarshal([]byte(types), &d.ArtifactTypes); err != nil {
		return d, fmt.Errorf("corrupt artifact types: %w", err)
	}
	var err error
	d.CreatedAt, err = parseTime(created)
	return d, err
}

func (t *tx) Destination(ctx context.Context, tenantID, destinationID string) (contracts.Destination, error) {
	d, err := scanDestination(t.tx.QueryRowContext(ctx,
		`SELECT `+destinationColumns+` FROM destinations WHERE tenant_id = $1 AND destination_id = $2`,
		tenantID, destinationID), tenantID)
	return d, notFound(err)
}

func (t *tx) ListDestinations(ctx context.Context, tenantID string) ([]contracts.Destination, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+destinationColumns+` FROM destinations WHERE tenant_id = $1 ORDER BY destination_id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list destinations: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []contracts.Destination
	for rows.Next() {
		d, err := scanDestination(rows, tenantID)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

const deliveryColumns = `dedupe_key, tenant_id, destination_id, artifact_id, artifact_type, state, attempts,
	last_status, last_error, updated_at`

func scanDelivery(row scanner) (contracts.Delivery, error) {
	var d contracts.Delivery
	var updated string
	if err := row.Scan(&d.DedupeKey, &d.TenantID, &d.DestinationID, &d.ArtifactID, &d.ArtifactType, &d.State,
		&d.Attempts, &d.LastStatus, &d.LastError, &updated); err != nil {
		return d, err
	}
	var err error
	d.UpdatedAt, err = parseTime(updated)
	return d, err
}

func (t *tx) InsertDelivery(ctx context.Context, d contracts.Delivery) (bool, error) {
	n, err := t.exec(ctx,
		`INSERT INTO deliveries (`+deliveryColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) ON CONFLICT DO NOTHING`,
		d.DedupeKey, d.TenantID, d.DestinationID, d.ArtifactID, d.ArtifactType, d.State, d.Attempts,
		d.LastStatus, d.LastError, formatTime(d.UpdatedAt))
	if err != nil {
		return false, fmt.Errorf("insert delivery: %w", err)
	}
	return n > 0, nil
}

func (t *tx) UpdateDelivery(ctx context.Context, d contracts.Delivery) error {
	n, err := t.exec(ctx,
		`UPDATE deliveries SET state = $1, attempts = $2, last_status = $3, last_error = $4, updated_at = $5
		 WHERE dedupe_key = $6`,
		d.State, d.Attempts, d.LastStatus, d.LastError, formatTime(d.UpdatedAt), d.DedupeKey)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *tx) Delivery(ctx context.Context, dedupeKey string) (contracts.Delivery, error) {
	d, err := scanDelivery(t.tx.QueryRowContext(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries WHERE dedupe_key = $1`, dedupeKey))
	return d, notFound(err)
}

func (t *tx) ListDeliveries(ctx context.Context, tenantID, state string) ([]contracts.Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE tenant_id = $1`
	args := []any{tenantID}
	if state != "" {
		query += ` AND state = $2`
		args = append(args, state)
	}
	rows, err := t.tx.QueryContext(ctx, query+` ORDER BY dedupe_key`, args...)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []contracts.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (t *tx) IdempotencyRecord(ctx context.Context, tenantID, operation, key string) (contracts.IdempotencyRecord, error) {
	r := contracts.IdempotencyRecord{TenantID: tenantID, Operation: operation, Key: key}
	var created string
	err := t.tx.QueryRowContext(ctx,
		`SELECT request_hash, status_code, body, created_at FROM idempotency_keys
		 WHERE tenant_id = $1 AND operation = $2 AND idem_key = $3`,
		tenantID, operation, key).Scan(&r.RequestHash, &r.StatusCode, &r.Body, &created)
	if err != nil {
		return r, notFound(err)
	}
	r.CreatedAt, err = parseTime(created)
	return r, err
}

func (t *tx) PutIdempotencyRecord(ctx context.Context, r contracts.IdempotencyRecord) error {
	n, err := t.exec(ctx,
		`INSERT INTO idempotency_keys (tenant_id, operation, idem_key, request_hash, status_code, body, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT DO NOTHING`,
		r.TenantID, r.Operation, r.Key, r.RequestHash, r.StatusCode, r.Body, formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("put idempotency record: %w", err)
	}
	if n == 0 {
		return store.ErrDuplicate
	}
	return nil
}

func (t *tx) InsertMonthClose(ctx context.Context, mc contracts.MonthClose) (bool, error) {
	doc, err := json.Marshal(mc)
	if err != nil {
		return false, err
	}
	n, err := t.exec(ctx,
		`INSERT INTO month_closes (tenant_id, period, status, doc) VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
		mc.TenantID, mc.Period, mc.Status, string(doc))
	if err != nil {
		return false, fmt.Errorf("insert month close: %w", err)
	}
	return n > 0, nil
}

func (t *tx) UpdateMonthClose(ctx context.Context, mc contracts.MonthClose) error {
	doc, err := json.Marshal(mc)
	if err != nil {
		return err
	}
	n, err := t.exec(ctx,
		`UPDATE month_closes SET status = $1, doc = $2 WHERE tenant_id = $3 AND period = $4`,
		mc.Status, string(doc), mc.TenantID, mc.Period)
	if err != nil {
		return fmt.Errorf("update month close: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *tx) MonthClose(ctx context.Context, tenantID, period string) (contracts.MonthClose, error) {
	var mc contracts.MonthClose
	err := t.getDoc(ctx, &mc, `SELECT doc FROM month_closes WHERE tenant_id = $1 AND period = $2`, tenantID, period)
	return mc, err
}

func (t *tx) InsertPartyStatement(ctx context.Context, s contracts.PartyStatement) (bool, error) {
	doc, err := json.Marshal(s)
	if err != nil {
		return false, err
	}
	n, err := t.exec(ctx,
		`INSERT INTO party_statements (tenant_id, party_id, period, status, statement_hash, doc)
		 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT DO NOTHING`,
		s.TenantID, s.PartyID, s.Period, s.Status, s.StatementHash, string(doc))
	if err != nil {
		return false, fmt.Errorf("insert party statement: %w", err)
	}
	return n > 0, nil
}

func (t *tx) ListPartyStatements(ctx context.Context, tenantID, period string) ([]contracts.PartyStatement, error) {
	docs, err := t.queryDocs(ctx,
		`SELECT doc FROM party_statements WHERE tenant_id = $1 AND period = $2 ORDER BY party_id`,
		tenantID, period)
	if err != nil {
		return nil, fmt.Errorf("list party statements: %w", err)
	}
	return decodeDocs[contracts.PartyStatement](docs)
}
