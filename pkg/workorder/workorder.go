// Package workorder runs the lifecycle of paid work between a principal agent
// and a sub-agent: create, accept (escrow hold), progress, complete (receipt +
// settlement lock) and settle. Each transition appends to the work order's
// event stream inside the caller's transaction.
package workorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/settld/pkg/artifacts"
	"github.com/Mindburn-Labs/settld/pkg/contracts"
	"github.com/Mindburn-Labs/settld/pkg/errs"
	"github.com/Mindburn-Labs/settld/pkg/eventchain"
	"github.com/Mindburn-Labs/settld/pkg/ledger"
	"github.com/Mindburn-Labs/settld/pkg/settlement"
	"github.com/Mindburn-Labs/settld/pkg/store"
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// HoldEntryID is the ledger entry that moves the work order amount into escrow.
func HoldEntryID(workOrderID string) string { return "hold:" + workOrderID }

// RunID is the run a work order settles under.
func RunID(workOrderID string) string { return "run_" + workOrderID }

// ReceiptID is the default completion receipt id of a work order.
func ReceiptID(workOrderID string) string { return "rcpt_" + workOrderID }

// Meta scopes a transition. ExpectedPrev is the caller's view of the work
// order stream head; nil skips the precondition.
type Meta struct {
	TenantID     string
	WorkOrderID  string
	Actor        contracts.Actor
	ExpectedPrev *string
}

// Service applies work order transitions.
type Service struct {
	appender    *eventchain.Appender
	settlements *settlement.Service
	clock       func() time.Time
	newID       func() string
	logger      *slog.Logger
}

type Option func(*Service)

func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// WithIDGenerator replaces the uuid source of generated work order ids.
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) { s.newID = gen }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func NewService(appender *eventchain.Appender, settlements *settlement.Service, opts ...Option) *Service {
	s := &Service{
		appender:    appender,
		settlements: settlements,
		clock:       time.Now,
		newID:       func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") },
		logger:      slog.Default().With("component", "workorder"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) now() time.Time { return s.clock().UTC() }

// CreateRequest is the body of a new work order.
type CreateRequest struct {
	WorkOrderID      string `json:"workOrderId,omitempty"`
	PrincipalAgentID string `json:"principalAgentId"`
	SubAgentID       string `json:"subAgentId"`
	Title            string `json:"title,omitempty"`
	AmountCents      int64  `json:"amountCents"`
	Currency         string `json:"currency"`
	PolicyID         string `json:"policyId,omitempty"`
	PolicyVersion    string `json:"policyVersion,omitempty"`
}

// Create records a new work order. The bound policy must resolve now so a
// work order can never reach completion without a usable policy.
func (s *Service) Create(ctx context.Context, tx store.Tx, tenantID string, req CreateRequest, actor contracts.Actor) (contracts.WorkOrder, error) {
	if tenantID == "" {
		return contracts.WorkOrder{}, errs.Validation("tenantId is required")
	}
	if req.PrincipalAgentID == "" || req.SubAgentID == "" {
		return contracts.WorkOrder{}, errs.Validation("principalAgentId and subAgentId are required")
	}
	if req.PrincipalAgentID == req.SubAgentID {
		return contracts.WorkOrder{}, errs.Validation("principal and sub-agent must differ")
	}
	if req.AmountCents <= 0 {
		return contracts.WorkOrder{}, errs.Validation("amountCents must be positive")
	}
	if req.AmountCents > contracts.MaxAmountCents {
		return contracts.WorkOrder{}, errs.Validation("amountCents must not exceed %d", contracts.MaxAmountCents)
	}
	if !currencyPattern.MatchString(req.Currency) {
		return contracts.WorkOrder{}, errs.Validation("currency must be a three-letter code")
	}
	p, err := s.settlements.Policies().Resolve(req.PolicyID, req.PolicyVersion)
	if err != nil {
		return contracts.WorkOrder{}, err
	}
	id := req.WorkOrderID
	if id == "" {
		id = "wo_" + s.newID()
	}

	now := s.now()
	payload := map[string]any{
		"workOrderId":      id,
		"principalAgentId": req.PrincipalAgentID,
		"subAgentId":       req.SubAgentID,
		"amountCents":      req.AmountCents,
		"currency":         req.Currency,
		"policyId":         p.PolicyID,
	}
	if req.Title != "" {
		payload["title"] = req.Title
	}
	genesis := ""
	ev, err := s.append(ctx, tx, Meta{TenantID: tenantID, WorkOrderID: id, Actor: actor, ExpectedPrev: &genesis},
		eventchain.TypeWorkOrderCreated, payload)
	if err != nil {
		if errs.HasCode(err, errs.CodeEventChainConflict) {
			return contracts.WorkOrder{}, errs.Conflict(errs.CodeTransitionIllegal, "work order %q already exists", id)
		}
		return contracts.WorkOrder{}, err
	}

	wo := contracts.WorkOrder{
		WorkOrderID:      id,
		TenantID:         tenantID,
		PrincipalAgentID: req.PrincipalAgentID,
		SubAgentID:       req.SubAgentID,
		Title:            req.Title,
		AmountCents:      req.AmountCents,
		Currency:         req.Currency,
		Status:           contracts.WorkOrderCreated,
		Policy:           contracts.PolicySelector{PolicyID: p.PolicyID, VersionConstraint: req.PolicyVersion},
		LastChainHash:    ev.ChainHash,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := tx.InsertWorkOrder(ctx, wo); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return wo, errs.Conflict(errs.CodeTransitionIllegal, "work order %q already exists", id)
		}
		return wo, fmt.Errorf("insert work order: %w", err)
	}
	s.logger.InfoContext(ctx, "work order created", "tenant", tenantID, "work_order", id, "amount_cents", req.AmountCents)
	return wo, nil
}

// Get returns one work order.
func (s *Service) Get(ctx context.Context, tx store.WorkOrderTx, tenantID, workOrderID string) (contracts.WorkOrder, error) {
	wo, err := tx.WorkOrder(ctx, tenantID, workOrderID)
	if errors.Is(err, store.ErrNotFound) {
		return wo, errs.NotFound("work order %q not found", workOrderID)
	}
	return wo, err
}

// Filter narrows List. Empty fields match everything.
type Filter struct {
	PrincipalAgentID string
	SubAgentID       string
	Status           string
}

func (f Filter) match(wo contracts.WorkOrder) bool {
	return (f.PrincipalAgentID == "" || f.PrincipalAgentID == wo.PrincipalAgentID) &&
		(f.SubAgentID == "" || f.SubAgentID == wo.SubAgentID) &&
		(f.Status == "" || f.Status == wo.Status)
}

// List returns the tenant's work orders in creation order.
func (s *Service) List(ctx context.Context, tx store.WorkOrderTx, tenantID string, f Filter) ([]contracts.WorkOrder, error) {
	all, err := tx.ListWorkOrders(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]contracts.WorkOrder, 0, len(all))
	for _, wo := range all {
		if f.match(wo) {
			out = append(out, wo)
		}
	}
	return out, nil
}

// Receipt returns one completion receipt.
func (s *Service) Receipt(ctx context.Context, tx store.WorkOrderTx, tenantID, receiptID string) (contracts.CompletionReceipt, error) {
	r, err := tx.Receipt(ctx, tenantID, receiptID)
	if errors.Is(err, store.ErrNotFound) {
		return r, errs.NotFound("receipt %q not found", receiptID)
	}
	return r, err
}

// Receipts lists completion receipts, optionally for one work order.
func (s *Service) Receipts(ctx context.Context, tx store.WorkOrderTx, tenantID, workOrderID string) ([]contracts.CompletionReceipt, error) {
	all, err := tx.ListReceipts(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if workOrderID == "" {
		return all, nil
	}
	out := all[:0]
	for _, r := range all {
		if r.WorkOrderID == workOrderID {
			out = append(out, r)
		}
	}
	return out, nil
}

// Accept moves the work order amount from the principal's wallet into the
// run escrow. The hold is applied by the ledger outbox handler.
func (s *Service) Accept(ctx context.Context, tx store.Tx, m Meta) (contracts.WorkOrder, error) {
	cur, err := s.load(ctx, tx, m)
	if err != nil {
		return cur, err
	}
	if cur.Status != contracts.WorkOrderCreated {
		return cur, errs.IllegalTransition(cur.Status, "accept")
	}
	now := s.now()
	next := cur
	next.RunID = RunID(cur.WorkOrderID)
	next.Status = contracts.WorkOrderAccepted
	next.UpdatedAt = now

	hold := ledger.Transfer(cur.TenantID, HoldEntryID(cur.WorkOrderID),
		fmt.Sprintf("escrow hold for %s", cur.WorkOrderID),
		ledger.AgentWallet(cur.PrincipalAgentID), ledger.Escrow(next.RunID), cur.AmountCents, now)
	if _, err := ledger.Enqueue(ctx, tx, hold, now); err != nil {
		return cur, err
	}
	return s.transition(ctx, tx, m, cur, next, eventchain.TypeWorkOrderAccepted, map[string]any{
		"workOrderId": cur.WorkOrderID,
		"acceptedBy":  m.Actor.ID,
		"holdEntryId": hold.EntryID,
	})
}

// Progress records a progress report. Progress never goes backwards.
func (s *Service) Progress(ctx context.Context, tx store.Tx, m Meta, pct int, note string) (contracts.WorkOrder, error) {
	cur, err := s.load(ctx, tx, m)
	if err != nil {
		return cur, err
	}
	if cur.Status != contracts.WorkOrderAccepted && cur.Status != contracts.WorkOrderInProgress {
		return cur, errs.IllegalTransition(cur.Status, "report progress")
	}
	if pct < 0 || pct > 100 {
		return cur, errs.Validation("progressPct must be within 0..100")
	}
	if pct < cur.ProgressPct {
		return cur, errs.Validation("progressPct %d is below the reported %d", pct, cur.ProgressPct)
	}
	next := cur
	next.Status = contracts.WorkOrderInProgress
	next.ProgressPct = pct
	next.UpdatedAt = s.now()
	payload := map[string]any{"workOrderId": cur.WorkOrderID, "progressPct": pct}
	if note != "" {
		payload["note"] = note
	}
	return s.transition(ctx, tx, m, cur, next, eventchain.TypeWorkOrderProgress, payload)
}

// CompleteRequest is the sub-agent's completion report.
type CompleteRequest struct {
	ReceiptID    string          `json:"receiptId,omitempty"`
	Status       string          `json:"status"`
	EvidenceRefs []string        `json:"evidenceRefs"`
	Outputs      json.RawMessage `json:"outputs,omitempty"`
	DeliveredAt  *time.Time      `json:"deliveredAt,omitempty"`
}

// CompleteResult carries everything Complete wrote.
type CompleteResult struct {
	WorkOrder  contracts.WorkOrder         `json:"workOrder"`
	Receipt    contracts.CompletionReceipt `json:"completionReceipt"`
	Settlement contracts.Settlement        `json:"settlement"`
}

// Complete records the completion receipt, locks the run settlement against
// its hash and queues the receipt artifact.
func (s *Service) Complete(ctx context.Context, tx store.Tx, m Meta, req CompleteRequest) (CompleteResult, error) {
	cur, err := s.load(ctx, tx, m)
	if err != nil {
		return CompleteResult{}, err
	}
	if cur.Status != contracts.WorkOrderAccepted && cur.Status != contracts.WorkOrderInProgress {
		return CompleteResult{}, errs.IllegalTransition(cur.Status, "complete")
	}
	switch req.Status {
	case contracts.ReceiptSuccess, contracts.ReceiptPartial, contracts.ReceiptFailed:
	default:
		return CompleteResult{}, errs.Validation("receipt status must be success, partial or failed")
	}
	if len(req.EvidenceRefs) == 0 {
		return CompleteResult{}, errs.Validation("evidenceRefs must not be empty")
	}
	for _, ref := range req.EvidenceRefs {
		if strings.TrimSpace(ref) == "" {
			return CompleteResult{}, errs.Validation("evidenceRefs must not contain blanks")
		}
	}
	if len(req.Outputs) > 0 && !json.Valid(req.Outputs) {
		return CompleteResult{}, errs.Validation("outputs must be JSON")
	}

	now := s.now()
	r := contracts.CompletionReceipt{
		ReceiptID:    req.ReceiptID,
		TenantID:     cur.TenantID,
		WorkOrderID:  cur.WorkOrderID,
		RunID:        cur.RunID,
		Status:       req.Status,
		EvidenceRefs: req.EvidenceRefs,
		Outputs:      req.Outputs,
		AmountCents:  cur.AmountCents,
		DeliveredAt:  now,
		CompletedAt:  now,
	}
	if r.ReceiptID == "" {
		r.ReceiptID = ReceiptID(cur.WorkOrderID)
	}
	if req.DeliveredAt != nil {
		r.DeliveredAt = req.DeliveredAt.UTC()
	}
	if r.ReceiptHash, err = settlement.ReceiptHash(r); err != nil {
		return CompleteResult{}, fmt.Errorf("hash receipt: %w", err)
	}
	if err := tx.InsertReceipt(ctx, r); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return CompleteResult{}, errs.Conflict(errs.CodeTransitionIllegal, "receipt %q already exists", r.ReceiptID)
		}
		return CompleteResult{}, fmt.Errorf("insert receipt: %w", err)
	}

	p, err := s.settlements.Policies().Resolve(cur.Policy.PolicyID, cur.Policy.VersionConstraint)
	if err != nil {
		return CompleteResult{}, err
	}
	st, err := s.settlements.Lock(ctx, tx, settlement.LockInput{
		SettlementID: settlement.SettlementID(cur.RunID),
		TenantID:     cur.TenantID,
		RunID:        cur.RunID,
		WorkOrderID:  cur.WorkOrderID,
		PayerAgentID: cur.PrincipalAgentID,
		PayeeAgentID: cur.SubAgentID,
		AmountCents:  cur.AmountCents,
		Currency:     cur.Currency,
		Policy:       p,
		Receipt:      r,
		At:           now,
	}, m.Actor, nil)
	if err != nil {
		return CompleteResult{}, err
	}
	if _, err := artifacts.Enqueue(ctx, tx, artifacts.Job{
		TenantID:     cur.TenantID,
		ArtifactType: contracts.ArtifactWorkOrderReceipt,
		JobID:        r.ReceiptID,
		Document: map[string]any{
			"schemaVersion": contracts.ArtifactWorkOrderReceipt,
			"workOrderId":   cur.WorkOrderID,
			"receipt":       r,
		},
	}, now); err != nil {
		return CompleteResult{}, err
	}

	next := cur
	next.Status = contracts.WorkOrderCompleted
	next.CompletionReceiptID = r.ReceiptID
	next.UpdatedAt = now
	if r.Status == contracts.ReceiptSuccess {
		next.ProgressPct = 100
	}
	wo, err := s.transition(ctx, tx, m, cur, next, eventchain.TypeWorkOrderCompleted, map[string]any{
		"workOrderId": cur.WorkOrderID,
		"runId":       cur.RunID,
		"receiptId":   r.ReceiptID,
		"receiptHash": r.ReceiptHash,
		"status":      r.Status,
	})
	if err != nil {
		return CompleteResult{}, err
	}
	return CompleteResult{WorkOrder: wo, Receipt: r, Settlement: st}, nil
}

// SettleResult is the work order and settlement after Settle.
type SettleResult struct {
	WorkOrder contracts.WorkOrder `json:"workOrder"`
	settlement.SettleResult
}

// Settle presents the evidence binding to the run settlement. The work order
// becomes settled when the policy resolves the settlement automatically and
// stays completed while it waits for manual review.
func (s *Service) Settle(ctx context.Context, tx store.Tx, m Meta, b settlement.EvidenceBinding) (SettleResult, error) {
	cur, err := s.load(ctx, tx, m)
	if err != nil {
		return SettleResult{}, err
	}
	if cur.Status != contracts.WorkOrderCompleted {
		return SettleResult{}, errs.IllegalTransition(cur.Status, "settle")
	}
	st, err := s.settlements.Get(ctx, tx, cur.TenantID, cur.RunID)
	if err != nil {
		return SettleResult{}, err
	}
	if st.DecisionStatus == contracts.DecisionManualReviewRequired {
		return SettleResult{}, errs.IllegalTransition(st.DecisionStatus, "settle")
	}
	res, err :=s.settlements.Settle(ctx, tx, settlement.Meta{TenantID: cur.TenantID, RunID: cur.RunID, Actor: m.Actor}, b)
	if err != nil {
		return SettleResult{}, err
	}
	next := cur
	next.UpdatedAt = s.now()
	if res.Settlement.Status == contracts.SettlementReleased || res.Settlement.Status == contracts.SettlementRefunded {
		next.Status = contracts.WorkOrderSettled
	}
	wo, err := s.transition(ctx, tx, m, cur, next, eventchain.TypeWorkOrderSettled, map[string]any{
		"workOrderId":    cur.WorkOrderID,
		"settlementId":   res.Settlement.SettlementID,
		"status":         res.Settlement.Status,
		"decisionStatus": res.Settlement.DecisionStatus,
	})
	if err != nil {
		return SettleResult{}, err
	}
	return SettleResult{WorkOrder: wo, SettleResult: res}, nil
}

func (s *Service) load(ctx context.Context, tx store.WorkOrderTx, m Meta) (contracts.WorkOrder, error) {
	if m.TenantID == "" || m.WorkOrderID == "" {
		return contracts.WorkOrder{}, errs.Validation("tenantId and workOrderId are required")
	}
	return s.Get(ctx, tx, m.TenantID, m.WorkOrderID)
}

func (s *Service) append(ctx context.Context, tx store.EventTx, m Meta, eventType string, payload map[string]any) (contracts.Event, error) {
	return s.appender.Append(ctx, tx, eventchain.AppendRequest{
		TenantID:     m.TenantID,
		StreamID:     eventchain.WorkOrderStream(m.WorkOrderID),
		ExpectedPrev: m.ExpectedPrev,
		Type:         eventType,
		Actor:        m.Actor,
		Payload:      payload,
	})
}

// transition appends the event and saves next with the revision check.
func (s *Service) transition(ctx context.Context, tx store.Tx, m Meta, cur, next contracts.WorkOrder, eventType string, payload map[string]any) (contracts.WorkOrder, error) {
	ev, err := s.append(ctx, tx, m, eventType, payload)
	if err != nil {
		return cur, err
	}
	next.LastChainHash = ev.ChainHash
	if err := tx.UpdateWorkOrder(ctx, next, cur.Revision); err != nil {
		if errors.Is(err, store.ErrRevisionConflict) {
			return cur, errs.Conflict(errs.CodeEventChainConflict, "work order %q changed concurrently", cur.WorkOrderID)
		}
		return cur, fmt.Errorf("update work order: %w", err)
	}
	next.Revision = cur.Revision + 1
	s.logger.InfoContext(ctx, "work order transition",
		"tenant", next.TenantID, "work_order", next.WorkOrderID, "event", eventType, "status", next.Status)
	return next, nil
}
