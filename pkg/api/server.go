package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Mindburn-Labs/xdomain/pkg/authorization"
	"github.com/Mindburn-Labs/xdomain/pkg/observability"
	"github.com/Mindburn-Labs/xdomain/pkg/processor"
	"github.com/Mindburn-Labs/xdomain/pkg/store/archive"
)

// Server exposes an orchestrator and the processors hosted next to it.
type Server struct {
	orch       *authorization.Orchestrator
	processors map[string]*processor.Processor
	auth       *Authenticator
	tickLimit  *RateLimiter
	timeline   *observability.Timeline
	slo        *observability.SLOTracker
	archiver   *archive.Archiver
	logger     *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithProcessors serves tick, status and queue reads for local processors.
func WithProcessors(ps ...*processor.Processor) Option {
	return func(s *Server) {
		for _, p := range ps {
			s.processors[p.Domain()] = p
		}
	}
}

// WithTickLimiter throttles the unauthenticated tick endpoint.
func WithTickLimiter(rl *RateLimiter) Option { return func(s *Server) { s.tickLimit = rl } }

func WithTimeline(t *observability.Timeline) Option { return func(s *Server) { s.timeline = t } }

func WithSLO(t *observability.SLOTracker) Option { return func(s *Server) { s.slo = t } }

// WithArchive serves archived copies of terminal execution records.
func WithArchive(a *archive.Archiver) Option { return func(s *Server) { s.archiver = a } }

// NewServer builds a server. A nil authenticator rejects every protected
// route.
func NewServer(orch *authorization.Orchestrator, auth *Authenticator, opts ...Option) *Server {
	s := &Server{
		orch:       orch,
		processors: make(map[string]*processor.Processor),
		auth:       auth,
		tickLimit:  NewRateLimiter(5, 10),
		logger:     slog.Default().With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Ticking and queue inspection are open to anyone.
	r.Group(func(r chi.Router) {
		r.Use(s.tickLimit.Middleware)
		r.Post("/v1/processors/{domain}/tick", s.tick)
	})
	r.Get("/v1/processors/{domain}", s.processorStatus)
	r.Get("/v1/processors/{domain}/queue/{priority}", s.processorQueue)

	r.Group(func(r chi.Router) {
		r.Use(Authenticate(s.auth))

		r.Get("/v1/owner", s.getOwner)
		r.Post("/v1/owner/transfer", s.transferOwnership)
		r.Put("/v1/sub-owners/{addr}", s.addSubOwner)
		r.Delete("/v1/sub-owners/{addr}", s.removeSubOwner)

		r.Get("/v1/authorizations", s.listAuthorizations)
		r.Post("/v1/authorizations", s.createAuthorizations)
		r.Route("/v1/authorizations/{label}", func(r chi.Router) {
			r.Patch("/", s.modifyAuthorization)
			r.Post("/enable", s.enableAuthorization)
			r.Post("/disable", s.disableAuthorization)
			r.Post("/mint", s.mint)
			r.Post("/send", s.sendMsgs)
			r.Post("/check", s.check)
		})

		r.Get("/v1/executions", s.listExecutions)
		r.Get("/v1/executions/{id}", s.getExecution)
		r.Get("/v1/executions/{id}/timeline", s.executionTimeline)
		r.Get("/v1/executions/{id}/archive", s.executionArchive)
		r.Post("/v1/executions/{id}/retry", s.retry)
		r.Post("/v1/callbacks", s.callback)

		r.Post("/v1/zk/authorizations", s.addZK)
		r.Delete("/v1/zk/authorizations/{label}", s.removeZK)
		r.Post("/v1/zk/execute", s.executeZK)

		r.Post("/v1/domains/{domain}/pause", s.pause)
		r.Post("/v1/domains/{domain}/resume", s.resume)
		r.Post("/v1/domains/{domain}/evict", s.evict)
		r.Post("/v1/domains/{domain}/evict-awaiting", s.evictAwaiting)
		r.Post("/v1/queue/insert", s.insert)

		r.Post("/v1/processors/{domain}/confirm", s.confirm)
		r.Get("/v1/slo", s.sloStatus)
	})
	return r
}
