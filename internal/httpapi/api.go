// Package httpapi is the HTTP shell over the credit core: it authenticates
// the caller, decodes JSON, invokes ledger and approval operations and maps
// their error kinds to status codes.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"creditcore.io/internal/approval"
	"creditcore.io/internal/audit"
	"creditcore.io/internal/auth"
	"creditcore.io/internal/hold"
	"creditcore.io/internal/ledger"
	"creditcore.io/internal/obs"
	"creditcore.io/internal/stream"
)

const serviceName = "creditd"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Pinger is satisfied by store.Store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe reports readiness by pinging the store.
type ReadyProbe struct {
	Store   Pinger
	Timeout time.Duration
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	if rp.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rp.Timeout)
		defer cancel()
	}
	return rp.Store.Ping(ctx)
}

// Services are the core components the API drives.
type Services struct {
	Ledger   *ledger.Service
	Holds    *hold.Manager
	Approval *approval.Engine
	Stream   *stream.Hub
}

// Options tune the shell.
type Options struct {
	Version string
	Logger  zerolog.Logger
	// Signer enables bearer tokens. Without it the caller identity is read
	// from the X-User-ID, X-Company-ID and X-Role headers.
	Signer      *auth.Signer
	RatePerSec  float64
	RateBurst   int
	CORSOrigins []string
	Ready       readinessChecker
}

// API is the HTTP layer.
type API struct {
	svc     Services
	log     zerolog.Logger
	signer  *auth.Signer
	ready   readinessChecker
	version string
	limiter *rateLimiter
	origins []string
	router  chi.Router
}

func New(svc Services, opts Options) *API {
	if opts.Ready == nil {
		opts.Ready = ReadyProbe{}
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 20
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 50
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	a := &API{
		svc:     svc,
		log:     opts.Logger.With().Str("component", "http").Logger(),
		signer:  opts.Signer,
		ready:   opts.Ready,
		version: opts.Version,
		limiter: newRateLimiter(opts.RatePerSec, opts.RateBurst),
		origins: opts.CORSOrigins,
	}
	a.router = a.routes()
	return a
}

// Handler returns the root handler.
func (a *API) Handler() http.Handler { return a.router }

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(func(next http.Handler) http.Handler { return obs.Instrument(next, routePattern) })
	r.Use(Logging(a.log))
	r.Use(middleware.Recoverer)
	r.Use(SecurityHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Idempotency-Key", headerRequestID, headerUserID, headerCompanyID, headerRole},
		ExposedHeaders: []string{headerRequestID, "Idempotency-Key", "Location"},
		MaxAge:         600,
	}))
	r.Use(a.limiter.Middleware)

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(a.withAuth)
		r.Use(middleware.AllowContentType("application/json"))

		r.Route("/requests", func(r chi.Router) {
			r.Post("/", a.createRequest)
			r.Get("/", a.listRequests)
			r.Get("/queue", a.approvalQueue)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", a.getRequest)
				r.Get("/events", a.requestEvents)
				r.Post("/submit", a.submitRequest)
				r.Post("/approve", a.approveRequest)
				r.Post("/deny", a.denyRequest)
				r.Post("/cancel", a.cancelRequest)
				r.Post("/fulfil", a.fulfilRequest)
				r.Post("/comments", a.commentRequest)
				r.Post("/reassign", a.reassignRequest)
			})
		})

		r.Get("/account", a.companyAccount)
		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", a.openAccount)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", a.getAccount)
				r.Get("/balance", a.getBalance)
				r.Get("/entries", a.listEntries)
				r.Post("/spends", a.directSpend)
				r.Post("/adjustments", a.adjust)
				r.Post("/allocations", a.allocate)
			})
		})
		r.Get("/holds/{id}", a.getHold)

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", a.listRules)
			r.Post("/", a.createRule)
			r.Put("/{id}", a.updateRule)
			r.Delete("/{id}", a.deactivateRule)
		})
		r.Route("/assignments", func(r chi.Router) {
			r.Get("/", a.listAssignments)
			r.Put("/", a.upsertAssignment)
			r.Delete("/{id}", a.deactivateAssignment)
		})

		r.Get("/stream", a.Stream)
	})
	return r
}

// routePattern labels metrics and logs with the matched chi pattern.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return obs.CanonicalPath(r.URL.Path)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
		"auth":    a.authMode(),
	})
}

func (a *API) authMode() string {
	if a.signer != nil {
		return "bearer"
	}
	return "header"
}

func (a *API) audit(ctx context.Context, event string, fields map[string]any) {
	if err := audit.LogEvent(ctx, a.log, event, fields); err != nil {
		a.log.Warn().Err(err).Str("event", event).Msg("audit log failed")
	}
}
