package router

import (
	"time"

	"github.com/fasthttp/router"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	apiHandler "github.com/fastygo/escrow/api/handler"
)

type Handlers struct {
	Escrow  *apiHandler.EscrowHandler
	Dispute *apiHandler.DisputeHandler
	Split   *apiHandler.SplitHandler
	Health  *apiHandler.HealthHandler
}

// RequestObserver records per-route HTTP metrics.
type RequestObserver interface {
	ObserveRequest(route string, status int, elapsed time.Duration)
}

// Options controls the optional surfaces of the route table.
type Options struct {
	Metrics  RequestObserver
	Gatherer prometheus.Gatherer
}

func New(handlers Handlers, authMiddleware func(fasthttp.RequestHandler) fasthttp.RequestHandler, opts Options) *router.Router {
	r := router.New()

	route := func(method, path string, h fasthttp.RequestHandler) {
		r.Handle(method, path, instrument(opts.Metrics, path, h))
	}
	protected := func(method, path string, h fasthttp.RequestHandler) {
		route(method, path, authMiddleware(h))
	}

	route(fasthttp.MethodGet, "/health", handlers.Health.Check)
	if opts.Gatherer != nil {
		r.GET("/metrics", fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	// Public
	route(fasthttp.MethodGet, "/api/v1/split", handlers.Split.Preview)

	// Escrows
	protected(fasthttp.MethodPost, "/api/v1/escrows", handlers.Escrow.Initialize)
	protected(fasthttp.MethodGet, "/api/v1/escrows", handlers.Escrow.List)
	protected(fasthttp.MethodGet, "/api/v1/escrows/{id}", handlers.Escrow.Get)
	protected(fasthttp.MethodGet, "/api/v1/escrows/{id}/roles", handlers.Escrow.Roles)
	protected(fasthttp.MethodGet, "/api/v1/escrows/{id}/inflight", handlers.Escrow.InFlight)
	protected(fasthttp.MethodPost, "/api/v1/escrows/{id}/fund", handlers.Escrow.Fund)
	protected(fasthttp.MethodPost, "/api/v1/escrows/{id}/release", handlers.Escrow.Release)

	// Milestones
	protected(fasthttp.MethodPost, "/api/v1/escrows/{id}/milestones/complete", handlers.Escrow.CompleteMilestone)
	protected(fasthttp.MethodPost, "/api/v1/escrows/{id}/milestones/approve", handlers.Escrow.ApproveMilestone)
	protected(fasthttp.MethodPut, "/api/v1/escrows/{id}/milestones", handlers.Escrow.EditMilestones)
	protected(fasthttp.MethodDelete, "/api/v1/escrows/{id}/milestones/{milestoneId}", handlers.Escrow.RemoveMilestone)

	// Disputes
	protected(fasthttp.MethodPost, "/api/v1/escrows/{id}/dispute", handlers.Escrow.StartDispute)
	protected(fasthttp.MethodPost, "/api/v1/escrows/{id}/resolve", handlers.Escrow.ResolveDispute)
	protected(fasthttp.MethodGet, "/api/v1/escrows/{id}/dispute", handlers.Dispute.Get)
	protected(fasthttp.MethodGet, "/api/v1/escrows/{id}/dispute/timeline", handlers.Dispute.Timeline)
	protected(fasthttp.MethodPost, "/api/v1/escrows/{id}/dispute/review", handlers.Dispute.Review)
	protected(fasthttp.MethodPost, "/api/v1/escrows/{id}/dispute/cancel", handlers.Dispute.Cancel)
	protected(fasthttp.MethodPost, "/api/v1/escrows/{id}/dispute/messages", handlers.Dispute.AddMessage)
	protected(fasthttp.MethodPost, "/api/v1/escrows/{id}/dispute/evidence", handlers.Dispute.AddEvidence)

	return r
}

func instrument(metrics RequestObserver, route string, next fasthttp.RequestHandler) fasthttp.RequestHandler {
	if metrics == nil {
		return next
	}
	return func(ctx *fasthttp.RequestCtx) {
		started := time.Now()
		next(ctx)
		metrics.ObserveRequest(route, ctx.Response.StatusCode(), time.Since(started))
	}
}
