package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Mindburn-Labs/settld/pkg/auth"
	"github.com/Mindburn-Labs/settld/pkg/contracts"
	"github.com/Mindburn-Labs/settld/pkg/errs"
	"github.com/Mindburn-Labs/settld/pkg/eventchain"
	"github.com/Mindburn-Labs/settld/pkg/settlement"
	"github.com/Mindburn-Labs/settld/pkg/store"
)

func runMeta(r *http.Request, p auth.Principal, expectedRevision *int64) settlement.Meta {
	return settlement.Meta{
		TenantID:         p.TenantID,
		RunID:            chi.URLParam(r, "runId"),
		Actor:            p.Actor,
		ExpectedPrev:     precondition(r),
		ExpectedRevision: expectedRevision,
	}
}

func (s *Server) getSettlement(w http.ResponseWriter, r *http.Request) {
	s.view(w, r, func(ctx context.Context, tx store.Tx, p auth.Principal) (any, error) {
		st, err := s.Settlements.Get(ctx, tx, p.TenantID, chi.URLParam(r, "runId"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"settlement": st}, nil
	})
}

func (s *Server) listDecisions(w http.ResponseWriter, r *http.Request) {
	s.view(w, r, func(ctx context.Context, tx store.Tx, p auth.Principal) (any, error) {
		recs, err := s.Settlements.Decisions(ctx, tx, p.TenantID, chi.URLParam(r, "runId"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"decisions": recs}, nil
	})
}

type resolveRequest struct {
	settlement.EvidenceBinding
	Status           string `json:"status"`
	ReleaseRatePct   *int   `json:"releaseRatePct,omitempty"`
	ExpectedRevision *int64 `json:"expectedRevision,omitempty"`
}

func (s *Server) resolveSettlement(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "settlement.resolve", func(ctx context.Context, tx store.Tx, p auth.Principal, body []byte) (int, any, error) {
		var req resolveRequest
		if err := decode(body, &req); err != nil {
			return 0, nil, err
		}
		st, err := s.Settlements.Resolve(ctx, tx, settlement.ResolveRequest{
			Meta:           runMeta(r, p, req.ExpectedRevision),
			Binding:        req.EvidenceBinding,
			Status:         req.Status,
			ReleaseRatePct: req.ReleaseRatePct,
		})
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, map[string]any{"settlement": st}, nil
	})
}

func (s *Server) listRunEvents(w http.ResponseWriter, r *http.Request) {
	s.view(w, r, func(ctx context.Context, tx store.Tx, p auth.Principal) (any, error) {
		evs, err := s.Streams.Events(ctx, tx, p.TenantID, eventchain.RunStream(chi.URLParam(r, "runId")))
		if err != nil {
			return nil, err
		}
		return map[string]any{"events": evs}, nil
	})
}

type appendEventRequest struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

func (s *Server) appendRunEvent(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "run.event.append", func(ctx context.Context, tx store.Tx, p auth.Principal, body []byte) (int, any, error) {
		var req appendEventRequest
		if err := decode(body, &req); err != nil {
			return 0, nil, err
		}
		ev, err := s.Streams.AppendRunEvent(ctx, tx, p.TenantID, chi.URLParam(r, "runId"), req.Type, req.Payload, p.Actor, precondition(r))
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, map[string]any{"event": ev}, nil
	})
}

func (s *Server) verifyRun(w http.ResponseWriter, r *http.Request) {
	s.view(w, r, func(ctx context.Context, tx store.Tx, p auth.Principal) (any, error) {
		return s.Streams.VerifyRun(ctx, tx, p.TenantID, chi.URLParam(r, "runId"))
	})
}

// disputeRequest is the union of the dispute action bodies.
type disputeRequest struct {
	DisputeID        string `json:"disputeId,omitempty"`
	Reason           string `json:"reason,omitempty"`
	EvidenceRef      string `json:"evidenceRef,omitempty"`
	Note             string `json:"note,omitempty"`
	Level            string `json:"level,omitempty"`
	ExpectedRevision *int64 `json:"expectedRevision,omitempty"`
	contracts.DisputeOutcome
}

func (s *Server) disputeAction(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	s.mutate(w, r, "dispute."+action, func(ctx context.Context, tx store.Tx, p auth.Principal, body []byte) (int, any, error) {
		var req disputeRequest
		if err := decode(body, &req); err != nil {
			return 0, nil, err
		}
		m := runMeta(r, p, req.ExpectedRevision)
		var st contracts.Settlement
		var err error
		switch action {
		case "open":
			id := req.DisputeID
			if id == "" {
				id = s.IDGenerator("dsp_")
			}
			st, err = s.Settlements.OpenDispute(ctx, tx, m, id, req.Reason)
		case "evidence":
			st, err = s.Settlements.SubmitDisputeEvidence(ctx, tx, m, req.EvidenceRef, req.Note)
		case "escalate":
			st, err = s.Settlements.EscalateDispute(ctx, tx, m, req.Level)
		case "close":
			st, err = s.Settlements.CloseDispute(ctx, tx, m, req.DisputeOutcome)
		default:
			return 0, nil, errs.NotFound("unknown dispute action %q", action)
		}
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, map[string]any{"settlement": st}, nil
	})
}

// arbitrationRequest is the union of the arbitration action bodies.
type arbitrationRequest struct {
	CaseID           string          `json:"caseId,omitempty"`
	NewCaseID        string          `json:"newCaseId,omitempty"`
	ArbiterID        string          `json:"arbiterId,omitempty"`
	EvidenceRef      string          `json:"evidenceRef,omitempty"`
	Note             string          `json:"note,omitempty"`
	Reason           string          `json:"reason,omitempty"`
	Verdict          json.RawMessage `json:"verdict,omitempty"`
	ExpectedRevision *int64          `json:"expectedRevision,omitempty"`
}

func (s *Server) arbitrationAction(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	s.mutate(w, r, "arbitration."+action, func(ctx context.Context, tx store.Tx, p auth.Principal, body []byte) (int, any, error) {
		var req arbitrationRequest
		if err := decode(body, &req); err != nil {
			return 0, nil, err
		}
		m := runMeta(r, p, req.ExpectedRevision)
		var st contracts.Settlement
		var err error
		switch action {
		case "open":
			id := req.CaseID
			if id == "" {
				id = s.IDGenerator("arb_")
			}
			st, err = s.Settlements.OpenArbitration(ctx, tx, m, id)
		case "assign":
			st, err = s.Settlements.AssignArbiter(ctx, tx, m, req.CaseID, req.ArbiterID)
		case "evidence":
			st, err = s.Settlements.SubmitArbitrationEvidence(ctx, tx, m, req.CaseID, req.EvidenceRef, req.Note)
		case "verdict":
			var v contracts.Verdict
			if len(req.Verdict) == 0 {
				return 0, nil, errs.Validation("verdict is required")
			}
			if err := decode(req.Verdict, &v); err != nil {
				return 0, nil, err
			}
			if v.VerdictID == "" {
				v.VerdictID = s.IDGenerator("vrd_")
			}
			st, err = s.Settlements.IssueVerdict(ctx, tx, m, req.CaseID, v)
		case "close":
			st, err = s.Settlements.CloseArbitration(ctx, tx, m, req.CaseID)
		case "appeal":
			id := req.NewCaseID
			if id == "" {
				id = s.IDGenerator("arb_")
			}
			st, err = s.Settlements.AppealArbitration(ctx, tx, m, req.CaseID, id, req.Reason)
		default:
			return 0, nil, errs.NotFound("unknown arbitration action %q", action)
		}
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, map[string]any{"settlement": st}, nil
	})
}
