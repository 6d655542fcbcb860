package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/fastygo/escrow/api/transport"
	"github.com/fastygo/escrow/domain"
	"github.com/fastygo/escrow/pkg/httpcontext"
	"github.com/fastygo/escrow/repository"
	"github.com/fastygo/escrow/usecase"
	escrowUC "github.com/fastygo/escrow/usecase/escrow"
)

// EscrowHandler exposes the lifecycle engine through the dispatcher.
type EscrowHandler struct {
	baseHandler
	dispatcher *usecase.Dispatcher
}

func NewEscrowHandler(dispatcher *usecase.Dispatcher, adapter *httpcontext.Adapter, logger *zap.Logger) *EscrowHandler {
	return &EscrowHandler{
		baseHandler: newBaseHandler(adapter, logger),
		dispatcher:  dispatcher,
	}
}

// @Summary Initialize escrow
// @Tags escrows
// @Router /api/v1/escrows [post]
func (h *EscrowHandler) Initialize(ctx *fasthttp.RequestCtx) {
	var req transport.InitializeRequest
	h.command(ctx, domain.CommandInitialize, http.StatusCreated, &req, func(caller string) interface{} {
		return req.Command(caller)
	})
}

// @Summary List escrows by role
// @Tags escrows
// @Router /api/v1/escrows [get]
func (h *EscrowHandler) List(ctx *fasthttp.RequestCtx) {
	caller := h.caller(ctx)
	if caller == "" {
		return
	}

	args := ctx.QueryArgs()
	filter := repository.EscrowFilter{
		Address: strings.TrimSpace(string(args.Peek("address"))),
		Limit:   parseInt(string(args.Peek("limit")), 50),
		Offset:  parseInt(string(args.Peek("offset")), 0),
	}
	if filter.Address == "" {
		filter.Address = caller
	}
	if raw := string(args.Peek("role")); raw != "" {
		role, ok := domain.ParseRole(raw)
		if !ok {
			h.respondInvalid(ctx, "unknown role "+raw)
			return
		}
		filter.Role = role
	}

	stdCtx, cancel := h.requestContext(ctx)
	defer cancel()

	escrows, err := usecase.Query[[]domain.Escrow](stdCtx, h.dispatcher, escrowUC.QueryList, filter)
	if err != nil {
		h.respondError(ctx, err)
		return
	}
	h.respondSuccess(ctx, http.StatusOK, transport.NewEscrowViews(escrows))
}

// @Summary Get escrow
// @Tags escrows
// @Router /api/v1/escrows/{id} [get]
func (h *EscrowHandler) Get(ctx *fasthttp.RequestCtx) {
	if h.caller(ctx) == "" {
		return
	}
	stdCtx, cancel := h.requestContext(ctx)
	defer cancel()

	escrow, err := usecase.Query[*domain.Escrow](stdCtx, h.dispatcher, escrowUC.QueryGet, pathParam(ctx, "id"))
	if err != nil {
		h.respondError(ctx, err)
		return
	}
	h.respondSuccess(ctx, http.StatusOK, transport.NewEscrowView(escrow))
}

// @Summary Roles held by an address
// @Tags escrows
// @Router /api/v1/escrows/{id}/roles [get]
func (h *EscrowHandler) Roles(ctx *fasthttp.RequestCtx) {
	caller := h.caller(ctx)
	if caller == "" {
		return
	}
	address := strings.TrimSpace(string(ctx.QueryArgs().Peek("address")))
	if address == "" {
		address = caller
	}

	stdCtx, cancel := h.requestContext(ctx)
	defer cancel()

	roles, err := usecase.Query[domain.RoleSet](stdCtx, h.dispatcher, escrowUC.QueryRoles, escrowUC.RolesQuery{
		EscrowID: pathParam(ctx, "id"),
		Address:  address,
	})
	if err != nil {
		h.respondError(ctx, err)
		return
	}
	if roles == nil {
		roles = domain.RoleSet{}
	}
	h.respondSuccess(ctx, http.StatusOK, map[string]interface{}{
		"address": address,
		"roles":   roles,
	})
}

// @Summary Commands in flight
// @Tags escrows
// @Router /api/v1/escrows/{id}/inflight [get]
func (h *EscrowHandler) InFlight(ctx *fasthttp.RequestCtx) {
	if h.caller(ctx) == "" {
		return
	}
	stdCtx, cancel := h.requestContext(ctx)
	defer cancel()

	inflight, err := usecase.Query[[]escrowUC.InFlight](stdCtx, h.dispatcher, escrowUC.QueryInFlight, pathParam(ctx, "id"))
	if err != nil {
		h.respondError(ctx, err)
		return
	}
	if inflight == nil {
		inflight = []escrowUC.InFlight{}
	}
	h.respondSuccess(ctx, http.StatusOK, inflight)
}

// @Summary Fund escrow
// @Tags escrows
// @Router /api/v1/escrows/{id}/fund [post]
func (h *EscrowHandler) Fund(ctx *fasthttp.RequestCtx) {
	var req transport.FundRequest
	h.command(ctx, domain.CommandFund, http.StatusOK, &req, func(caller string) interface{} {
		return escrowUC.FundCommand{Header: req.Header(pathParam(ctx, "id"), caller), Amount: req.Amount}
	})
}

// @Summary Complete milestone
// @Tags milestones
// @Router /api/v1/escrows/{id}/milestones/complete [post]
func (h *EscrowHandler) CompleteMilestone(ctx *fasthttp.RequestCtx) {
	var req transport.MilestoneRequest
	h.command(ctx, domain.CommandCompleteMilestone, http.StatusOK, &req, func(caller string) interface{} {
		return escrowUC.MilestoneCommand{
			Header:    req.Header(pathParam(ctx, "id"), caller),
			Milestone: req.Ref(),
			Evidence:  req.Evidence,
		}
	})
}

// @Summary Approve milestone
// @Tags milestones
// @Router /api/v1/escrows/{id}/milestones/approve [post]
func (h *EscrowHandler) ApproveMilestone(ctx *fasthttp.RequestCtx) {
	var req transport.MilestoneRequest
	h.command(ctx, domain.CommandApproveMilestone, http.StatusOK, &req, func(caller string) interface{} {
		return escrowUC.MilestoneCommand{
			Header:    req.Header(pathParam(ctx, "id"), caller),
			Milestone: req.Ref(),
		}
	})
}

// @Summary Edit milestones
// @Tags milestones
// @Router /api/v1/escrows/{id}/milestones [put]
func (h *EscrowHandler) EditMilestones(ctx *fasthttp.RequestCtx) {
	var req transport.EditMilestonesRequest
	h.command(ctx, domain.CommandEditMilestones, http.StatusOK, &req, func(caller string) interface{} {
		return escrowUC.EditMilestonesCommand{
			Header:     req.Header(pathParam(ctx, "id"), caller),
			Milestones: req.Milestones,
		}
	})
}

// @Summary Remove milestone
// @Tags milestones
// @Router /api/v1/escrows/{id}/milestones/{milestoneId} [delete]
func (h *EscrowHandler) RemoveMilestone(ctx *fasthttp.RequestCtx) {
	var req transport.VersionedRequest
	h.command(ctx, domain.CommandRemoveMilestone, http.StatusOK, &req, func(caller string) interface{} {
		return escrowUC.RemoveMilestoneCommand{
			Header:    req.Header(pathParam(ctx, "id"), caller),
			Milestone: domain.MilestoneRef{ID: pathParam(ctx, "milestoneId")},
		}
	})
}

// @Summary Start dispute
// @Tags disputes
// @Router /api/v1/escrows/{id}/dispute [post]
func (h *EscrowHandler) StartDispute(ctx *fasthttp.RequestCtx) {
	var req transport.StartDisputeRequest
	h.command(ctx, domain.CommandStartDispute, http.StatusOK, &req, func(caller string) interface{} {
		return escrowUC.StartDisputeCommand{Header: req.Header(pathParam(ctx, "id"), caller), Reason: req.Reason}
	})
}

// @Summary Resolve dispute
// @Tags disputes
// @Router /api/v1/escrows/{id}/resolve [post]
func (h *EscrowHandler) ResolveDispute(ctx *fasthttp.RequestCtx) {
	var req transport.ResolveDisputeRequest
	h.command(ctx, domain.CommandResolveDispute, http.StatusOK, &req, func(caller string) interface{} {
		return escrowUC.ResolveDisputeCommand{
			Header:               req.Header(pathParam(ctx, "id"), caller),
			ApproverFunds:        req.ApproverFunds,
			ServiceProviderFunds: req.ServiceProviderFunds,
			Notes:                req.Notes,
		}
	})
}

// @Summary Release funds
// @Tags escrows
// @Router /api/v1/escrows/{id}/release [post]
func (h *EscrowHandler) Release(ctx *fasthttp.RequestCtx) {
	var req transport.VersionedRequest
	h.command(ctx, domain.CommandRelease, http.StatusOK, &req, func(caller string) interface{} {
		return escrowUC.ReleaseCommand{Header: req.Header(pathParam(ctx, "id"), caller)}
	})
}

// command decodes req, builds the use case command and dispatches it.
// Commands run under the engine's timeout rather than the request deadline.
func (h *EscrowHandler) command(ctx *fasthttp.RequestCtx, name domain.Command, status int, req interface{}, build func(caller string) interface{}) {
	caller := h.caller(ctx)
	if caller == "" {
		return
	}
	if !h.decode(ctx, req) {
		return
	}

	stdCtx, cancel := h.requestContext(ctx)
	defer cancel()

	escrow, err := usecase.Command[*domain.Escrow](context.WithoutCancel(stdCtx), h.dispatcher, escrowUC.CommandName(name), build(caller))
	if err != nil {
		h.log(stdCtx).Info("escrow command rejected",
			zap.String("command", string(name)),
			zap.String("code", string(domain.CodeOf(err))),
			zap.Error(err))
		h.respondError(ctx, err)
		return
	}
	h.respondSuccess(ctx, status, transport.NewEscrowView(escrow))
}
