package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Mindburn-Labs/settld/pkg/auth"
	"github.com/Mindburn-Labs/settld/pkg/errs"
	"github.com/Mindburn-Labs/settld/pkg/settlement"
	"github.com/Mindburn-Labs/settld/pkg/store"
	"github.com/Mindburn-Labs/settld/pkg/workorder"
)

func (s *Server) workOrderRoutes(r chi.Router) {
	r.Post("/", s.createWorkOrder)
	r.Get("/", s.listWorkOrders)
	r.Get("/receipts", s.listReceipts)
	r.Get("/receipts/{receiptId}", s.getReceipt)
	r.Get("/{workOrderId}", s.getWorkOrder)
	r.Post("/{workOrderId}/accept", s.acceptWorkOrder)
	r.Post("/{workOrderId}/progress", s.progressWorkOrder)
	r.Post("/{workOrderId}/complete", s.completeWorkOrder)
	r.Post("/{workOrderId}/settle", s.settleWorkOrder)
}

func (s *Server) workOrderMeta(r *http.Request, p auth.Principal) workorder.Meta {
	return workorder.Meta{
		TenantID:     p.TenantID,
		WorkOrderID:  chi.URLParam(r, "workOrderId"),
		Actor:        p.Actor,
		ExpectedPrev: precondition(r),
	}
}

func (s *Server) createWorkOrder(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "work_order.create", func(ctx context.Context, tx store.Tx, p auth.Principal, body []byte) (int, any, error) {
		var req workorder.CreateRequest
		if err := decode(body, &req); err != nil {
			return 0, nil, err
		}
		wo, err := s.WorkOrders.Create(ctx, tx, p.TenantID, req, p.Actor)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, map[string]any{"workOrder": wo}, nil
	})
}

func (s *Server) listWorkOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := workorder.Filter{
		PrincipalAgentID: q.Get("principalAgentId"),
		SubAgentID:       q.Get("subAgentId"),
		Status:           q.Get("status"),
	}
	s.view(w, r, func(ctx context.Context, tx store.Tx, p auth.Principal) (any, error) {
		wos, err := s.WorkOrders.List(ctx, tx, p.TenantID, f)
		if err != nil {
			return nil, err
		}
		return map[string]any{"workOrders": wos}, nil
	})
}

func (s *Server) getWorkOrder(w http.ResponseWriter, r *http.Request) {
	s.view(w, r, func(ctx context.Context, tx store.Tx, p auth.Principal) (any, error) {
		wo, err := s.WorkOrders.Get(ctx, tx, p.TenantID, chi.URLParam(r, "workOrderId"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"workOrder": wo}, nil
	})
}

func (s *Server) listReceipts(w http.ResponseWriter, r *http.Request) {
	s.view(w, r, func(ctx context.Context, tx store.Tx, p auth.Principal) (any, error) {
		rs, err := s.WorkOrders.Receipts(ctx, tx, p.TenantID, r.URL.Query().Get("workOrderId"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"receipts": rs}, nil
	})
}

func (s *Server) getReceipt(w http.ResponseWriter, r *http.Request) {
	s.view(w, r, func(ctx context.Context, tx store.Tx, p auth.Principal) (any, error) {
		rc, err := s.WorkOrders.Receipt(ctx, tx, p.TenantID, chi.URLParam(r, "receiptId"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"receipt": rc}, nil
	})
}

func (s *Server) acceptWorkOrder(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "work_order.accept", func(ctx context.Context, tx store.Tx, p auth.Principal, _ []byte) (int, any, error) {
		wo, err := s.WorkOrders.Accept(ctx, tx, s.workOrderMeta(r, p))
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, map[string]any{"workOrder": wo}, nil
	})
}

type progressRequest struct {
	ProgressPct *int   `json:"progressPct"`
	Note        string `json:"note,omitempty"`
}

func (s *Server) progressWorkOrder(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "work_order.progress", func(ctx context.Context, tx store.Tx, p auth.Principal, body []byte) (int, any, error) {
		var req progressRequest
		if err := decode(body, &req); err != nil {
			return 0, nil, err
		}
		if req.ProgressPct == nil {
			return 0, nil, errs.Validation("progressPct is required")
		}
		wo, err := s.WorkOrders.Progress(ctx, tx, s.workOrderMeta(r, p), *req.ProgressPct, req.Note)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, map[string]any{"workOrder": wo}, nil
	})
}

func (s *Server) completeWorkOrder(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "work_order.complete", func(ctx context.Context, tx store.Tx, p auth.Principal, body []byte) (int, any, error) {
		var req workorder.CompleteRequest
		if err := decode(body, &req); err != nil {
			return 0, nil, err
		}
		res, err := s.WorkOrders.Complete(ctx, tx, s.workOrderMeta(r, p), req)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, res, nil
	})
}

func (s *Server) settleWorkOrder(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "work_order.settle", func(ctx context.Context, tx store.Tx, p auth.Principal, body []byte) (int, any, error) {
		var b settlement.EvidenceBinding
		if err := decode(body, &b); err != nil {
			return 0, nil, err
		}
		res, err := s.WorkOrders.Settle(ctx, tx, s.workOrderMeta(r, p), b)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, res, nil
	})
}
