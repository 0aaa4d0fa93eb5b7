package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Mindburn-Labs/settld/pkg/auth"
	"github.com/Mindburn-Labs/settld/pkg/contracts"
	"github.com/Mindburn-Labs/settld/pkg/delivery"
	"github.com/Mindburn-Labs/settld/pkg/errs"
	"github.com/Mindburn-Labs/settld/pkg/ledger"
	"github.com/Mindburn-Labs/settld/pkg/monthclose"
	"github.com/Mindburn-Labs/settld/pkg/outbox"
	"github.com/Mindburn-Labs/settld/pkg/store"
)

const defaultDrainPasses = 5

func (s *Server) runOutbox(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	var opts outbox.DrainOptions
	if err := decode(body, &opts); err != nil {
		WriteError(w, err)
		return
	}
	if opts.MaxMessages < 0 || opts.Passes < 0 {
		WriteError(w, errs.Validation("maxMessages and passes must not be negative"))
		return
	}
	if opts.Passes == 0 {
		opts.Passes = defaultDrainPasses
	}
	res, err := s.Dispatcher.Drain(r.Context(), opts)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func queryLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errs.Validation("limit must be a non-negative integer")
	}
	return n, nil
}

func (s *Server) listOutbox(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	switch state {
	case "", contracts.OutboxPending, contracts.OutboxProcessed, contracts.OutboxFailed:
	default:
		WriteError(w, errs.Validation("unknown outbox state %q", state))
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	s.view(w, r, func(ctx context.Context, tx store.Tx, p auth.Principal) (any, error) {
		msgs, err := tx.ListOutbox(ctx, p.TenantID, state, limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"messages": msgs}, nil
	})
}

type monthCloseRequest struct {
	Period string `json:"period"`
}

func (s *Server) requestMonthClose(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "month_close.request", func(ctx context.Context, tx store.Tx, p auth.Principal, body []byte) (int, any, error) {
		var req monthCloseRequest
		if err := decode(body, &req); err != nil {
			return 0, nil, err
		}
		mc, created, err := monthclose.Request(ctx, tx, p.TenantID, req.Period, s.Clock())
		if err != nil {
			return 0, nil, err
		}
		status := http.StatusOK
		if created {
			status = http.StatusAccepted
		}
		return status, map[string]any{"monthClose": mc}, nil
	})
}

func (s *Server) getMonthClose(w http.ResponseWriter, r *http.Request) {
	s.view(w, r, func(ctx context.Context, tx store.Tx, p auth.Principal) (any, error) {
		st, err := monthclose.Get(ctx, tx, p.TenantID, chi.URLParam(r, "period"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"monthClose": st}, nil
	})
}

type destinationRequest struct {
	DestinationID string   `json:"destinationId"`
	URL           string   `json:"url"`
	Secret        string   `json:"secret"`
	ArtifactTypes []string `json:"artifactTypes"`
	Active        *bool    `json:"active,omitempty"`
}

func (s *Server) putDestination(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "destination.put", func(ctx context.Context, tx store.Tx, p auth.Principal, body []byte) (int, any, error) {
		var req destinationRequest
		if err := decode(body, &req); err != nil {
			return 0, nil, err
		}
		if req.Secret == "" {
			return 0, nil, errs.Validation("secret is required")
		}
		d := contracts.Destination{
			DestinationID: req.DestinationID,
			TenantID:      p.TenantID,
			URL:           req.URL,
			Secret:        req.Secret,
			ArtifactTypes: req.ArtifactTypes,
			Active:        req.Active == nil || *req.Active,
			CreatedAt:     s.Clock().UTC(),
		}
		if d.DestinationID == "" {
			d.DestinationID = s.IDGenerator("dst_")
		}
		if err := delivery.RegisterDestination(ctx, tx, d); err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, map[string]any{"destination": d}, nil
	})
}

func (s *Server) listDestinations(w http.ResponseWriter, r *http.Request) {
	s.view(w, r, func(ctx context.Context, tx store.Tx, p auth.Principal) (any, error) {
		ds, err := tx.ListDestinations(ctx, p.TenantID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"destinations": ds}, nil
	})
}

func (s *Server) listDeliveries(w http.ResponseWriter, r *http.Request) {
	s.view(w, r, func(ctx context.Context, tx store.Tx, p auth.Principal) (any, error) {
		ds, err := tx.ListDeliveries(ctx, p.TenantID, r.URL.Query().Get("state"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"deliveries": ds}, nil
	})
}

// postLedgerEntry validates a manual entry and queues it for the ledger
// handler. It is never applied in the request transaction.
func (s *Server) postLedgerEntry(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "ledger.entry", func(ctx context.Context, tx store.Tx, p auth.Principal, body []byte) (int, any, error) {
		var e contracts.LedgerEntry
		if err := decode(body, &e); err != nil {
			return 0, nil, err
		}
		e.TenantID = p.TenantID
		if e.At.IsZero() {
			e.At = s.Clock().UTC()
		}
		e, err := ledger.Validate(e)
		if err != nil {
			return 0, nil, err
		}
		queued, err := ledger.Enqueue(ctx, tx, e, s.Clock().UTC())
		if err != nil {
			return 0, nil, err
		}
		return http.StatusAccepted, map[string]any{"entryId": e.EntryID, "queued": queued}, nil
	})
}

func (s *Server) getLedgerEntry(w http.ResponseWriter, r *http.Request) {
	s.view(w, r, func(ctx context.Context, tx store.Tx, p auth.Principal) (any, error) {
		e, err := tx.LedgerEntry(ctx, p.TenantID, chi.URLParam(r, "entryId"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"entry": e}, nil
	})
}

func (s *Server) listPolicies(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{"policies": s.Settlements.Policies().List()})
}
