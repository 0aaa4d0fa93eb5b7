package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Mindburn-Labs/settld/pkg/artifacts"
	"github.com/Mindburn-Labs/settld/pkg/auth"
	"github.com/Mindburn-Labs/settld/pkg/errs"
	"github.com/Mindburn-Labs/settld/pkg/eventchain"
	"github.com/Mindburn-Labs/settld/pkg/idempotency"
	"github.com/Mindburn-Labs/settld/pkg/store"
	"github.com/Mindburn-Labs/settld/pkg/wallet"
)

var errNoRoute = errs.NotFound("no such route")

func newID(prefix string) string {
	return prefix + uuid.NewString()
}

func encodeResponse(status int, v any) (idempotency.Response, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return idempotency.Response{}, err
	}
	return idempotency.Response{StatusCode: status, Body: b}, nil
}

type createSessionRequest struct {
	SessionID    string   `json:"sessionId,omitempty"`
	Participants []string `json:"participants"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "session.create", func(ctx context.Context, tx store.Tx, p auth.Principal, body []byte) (int, any, error) {
		var req createSessionRequest
		if err := decode(body, &req); err != nil {
			return 0, nil, err
		}
		if req.SessionID == "" {
			req.SessionID = s.IDGenerator("ses_")
		}
		sess, err := s.Streams.CreateSession(ctx, tx, p.TenantID, req.SessionID, req.Participants, p.Actor)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, map[string]any{"session": sess}, nil
	})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	s.view(w, r, func(ctx context.Context, tx store.Tx, p auth.Principal) (any, error) {
		sess, err := s.Streams.Session(ctx, tx, p.TenantID, chi.URLParam(r, "sessionId"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"session": sess}, nil
	})
}

func (s *Server) listSessionEvents(w http.ResponseWriter, r *http.Request) {
	s.view(w, r, func(ctx context.Context, tx store.Tx, p auth.Principal) (any, error) {
		evs, err := s.Streams.Events(ctx, tx, p.TenantID, eventchain.SessionStream(chi.URLParam(r, "sessionId")))
		if err != nil {
			return nil, err
		}
		return map[string]any{"events": evs}, nil
	})
}

type sessionMessageRequest struct {
	Text      string `json:"text"`
	InReplyTo string `json:"inReplyTo,omitempty"`
}

func (s *Server) appendSessionEvent(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "session.event.append", func(ctx context.Context, tx store.Tx, p auth.Principal, body []byte) (int, any, error) {
		var req sessionMessageRequest
		if err := decode(body, &req); err != nil {
			return 0, nil, err
		}
		ev, err := s.Streams.AppendSessionMessage(ctx, tx, p.TenantID, chi.URLParam(r, "sessionId"), req.Text, req.InReplyTo, p.Actor, precondition(r))
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, map[string]any{"event": ev}, nil
	})
}

func (s *Server) verifySession(w http.ResponseWriter, r *http.Request) {
	s.view(w, r, func(ctx context.Context, tx store.Tx, p auth.Principal) (any, error) {
		return s.Streams.Verify(ctx, tx, p.TenantID, eventchain.SessionStream(chi.URLParam(r, "sessionId")))
	})
}

func (s *Server) creditWallet(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "wallet.credit", func(ctx context.Context, tx store.Tx, p auth.Principal, body []byte) (int, any, error) {
		var c wallet.Credit
		if err := decode(body, &c); err != nil {
			return 0, nil, err
		}
		res, err := wallet.EnqueueCredit(ctx, tx, p.TenantID, chi.URLParam(r, "agentId"), c, s.Clock().UTC())
		if err != nil {
			return 0, nil, err
		}
		return http.StatusAccepted, res, nil
	})
}

func (s *Server) getWallet(w http.ResponseWriter, r *http.Request) {
	s.view(w, r, func(ctx context.Context, tx store.Tx, p auth.Principal) (any, error) {
		b, err := wallet.Get(ctx, tx, p.TenantID, chi.URLParam(r, "agentId"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"wallet": b}, nil
	})
}

func (s *Server) getArtifact(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	a, body, err := artifacts.Load(r.Context(), s.Store, s.Blobs, p.TenantID, chi.URLParam(r, "artifactId"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"artifact": a, "document": json.RawMessage(body)})
}
