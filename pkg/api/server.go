package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Mindburn-Labs/settld/pkg/artifacts"
	"github.com/Mindburn-Labs/settld/pkg/auth"
	"github.com/Mindburn-Labs/settld/pkg/eventchain"
	"github.com/Mindburn-Labs/settld/pkg/idempotency"
	"github.com/Mindburn-Labs/settld/pkg/outbox"
	"github.com/Mindburn-Labs/settld/pkg/ratelimit"
	"github.com/Mindburn-Labs/settld/pkg/settlement"
	"github.com/Mindburn-Labs/settld/pkg/store"
	"github.com/Mindburn-Labs/settld/pkg/streams"
	"github.com/Mindburn-Labs/settld/pkg/workorder"
)

// HeaderExpectedPrev carries the caller's view of a stream head.
const HeaderExpectedPrev = "x-proxy-expected-prev-chain-hash"

// Deps are the collaborators of the HTTP surface.
type Deps struct {
	Store       store.Store
	WorkOrders  *workorder.Service
	Settlements *settlement.Service
	Streams     *streams.Service
	Dispatcher  *outbox.Dispatcher
	Blobs       artifacts.Store
	Validator   *auth.JWTValidator
	OpsToken    string
	// IPLimiter applies before tenant resolution, TenantLimiter after it.
	IPLimiter     ratelimit.Limiter
	TenantLimiter ratelimit.Limiter
	Clock         func() time.Time
	IDGenerator   func(prefix string) string
	Logger        *slog.Logger
}

// Server holds the route handlers.
type Server struct {
	Deps
	guard *idempotency.Guard
}

// New builds the router.
func New(d Deps) http.Handler {
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.IDGenerator == nil {
		d.IDGenerator = newID
	}
	if d.Logger == nil {
		d.Logger = slog.Default().With("component", "api")
	}
	s := &Server{Deps: d, guard: idempotency.NewGuard(d.Clock)}

	r := chi.NewRouter()
	r.Use(RequestID, Recoverer, RateLimit(d.IPLimiter, clientIPKey))
	r.Get("/health", s.health)

	r.Group(func(r chi.Router) {
		r.Use(Tenant(d.Validator), RateLimit(d.TenantLimiter, tenantKey))

		r.Route("/work-orders", s.workOrderRoutes)
		r.Route("/jobs", s.workOrderRoutes)

		r.Route("/runs/{runId}", func(r chi.Router) {
			r.Get("/settlement", s.getSettlement)
			r.Post("/settlement/resolve", s.resolveSettlement)
			r.Get("/settlement/decisions", s.listDecisions)
			r.Get("/events", s.listRunEvents)
			r.Post("/events", s.appendRunEvent)
			r.Get("/verification", s.verifyRun)
			r.Post("/dispute/{action}", s.disputeAction)
			r.Post("/arbitration/{action}", s.arbitrationAction)
		})

		r.Post("/sessions", s.createSession)
		r.Route("/sessions/{sessionId}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Get("/events", s.listSessionEvents)
			r.Post("/events", s.appendSessionEvent)
			r.Get("/verification", s.verifySession)
		})

		r.Post("/agents/{agentId}/wallet/credit", s.creditWallet)
		r.Get("/agents/{agentId}/wallet", s.getWallet)

		r.Get("/artifacts/{artifactId}", s.getArtifact)

		r.Route("/ops", func(r chi.Router) {
			r.Use(OpsOnly(d.OpsToken))
			r.Post("/maintenance/outbox/run", s.runOutbox)
			r.Get("/outbox", s.listOutbox)
			r.Post("/month-close", s.requestMonthClose)
			r.Get("/month-close/{period}", s.getMonthClose)
			r.Post("/destinations", s.putDestination)
			r.Get("/destinations", s.listDestinations)
			r.Get("/deliveries", s.listDeliveries)
			r.Post("/ledger/entries", s.postLedgerEntry)
			r.Get("/ledger/entries/{entryId}", s.getLedgerEntry)
			r.Get("/policies", s.listPolicies)
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, errNoRoute)
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.View(r.Context(), func(store.Tx) error { return nil }); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// precondition returns nil when the header is absent. "null" or an empty
// value names the genesis head.
func precondition(r *http.Request) *string {
	if _, ok := r.Header[http.CanonicalHeaderKey(HeaderExpectedPrev)]; !ok {
		return nil
	}
	v := eventchain.ParsePrecondition(r.Header.Get(HeaderExpectedPrev))
	return &v
}

// mutation runs inside the request transaction and returns the status and
// value of a successful response.
type mutation func(ctx context.Context, tx store.Tx, p auth.Principal, body []byte) (int, any, error)

// mutate executes fn under the idempotency guard in one transaction. A
// racing request that stored the same key first makes our insert fail with
// ErrDuplicate; one retry then replays or conflicts against its record.
func (s *Server) mutate(w http.ResponseWriter, r *http.Request, operation string, fn mutation) {
	ctx := r.Context()
	p := principal(r)
	body, err := readBody(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	key := strings.TrimSpace(r.Header.Get(idempotency.HeaderKey))
	var hash string
	if key != "" {
		if hash, err = idempotency.RequestHash(r.Method, r.URL.Path, body); err != nil {
			WriteError(w, err)
			return
		}
	}

	var resp idempotency.Response
	var replayed bool
	for attempt := 0; ; attempt++ {
		err = s.Store.Update(ctx, func(tx store.Tx) error {
			var derr error
			resp, replayed, derr = s.guard.Do(ctx, tx, p.TenantID, operation, key, hash, func() (idempotency.Response, error) {
				status, v, err := fn(ctx, tx, p, body)
				if err != nil {
					return idempotency.Response{}, err
				}
				return encodeResponse(status, v)
			})
			return derr
		})
		if errors.Is(err, store.ErrDuplicate) && key != "" && attempt == 0 {
			continue
		}
		break
	}
	if err != nil {
		WriteError(w, err)
		return
	}
	if replayed {
		w.Header().Set(HeaderReplayed, "true")
	}
	writeRaw(w, resp.StatusCode, resp.Body)
}

// view runs fn in a read-only transaction and writes its value with 200.
func (s *Server) view(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, tx store.Tx, p auth.Principal) (any, error)) {
	ctx := r.Context()
	p := principal(r)
	var out any
	err := s.Store.View(ctx, func(tx store.Tx) error {
		var err error
		out, err = fn(ctx, tx, p)
		return err
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, out)
}
