package handler

import (
	"context"
	"net/http"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/fastygo/escrow/api/transport"
	"github.com/fastygo/escrow/domain"
	"github.com/fastygo/escrow/pkg/httpcontext"
	disputeUC "github.com/fastygo/escrow/usecase/dispute"
)

type DisputeHandler struct {
	baseHandler
	uc *disputeUC.UseCase
}

func NewDisputeHandler(uc *disputeUC.UseCase, adapter *httpcontext.Adapter, logger *zap.Logger) *DisputeHandler {
	return &DisputeHandler{
		baseHandler: newBaseHandler(adapter, logger),
		uc:          uc,
	}
}

// @Summary Current dispute of an escrow
// @Tags disputes
// @Router /api/v1/escrows/{id}/dispute [get]
func (h *DisputeHandler) Get(ctx *fasthttp.RequestCtx) {
	if h.caller(ctx) == "" {
		return
	}
	stdCtx, cancel := h.requestContext(ctx)
	defer cancel()

	dispute, err := h.uc.Get(stdCtx, pathParam(ctx, "id"))
	if err != nil {
		h.respondError(ctx, err)
		return
	}
	h.respondSuccess(ctx, http.StatusOK, dispute)
}

// @Summary Dispute timeline
// @Tags disputes
// @Router /api/v1/escrows/{id}/dispute/timeline [get]
func (h *DisputeHandler) Timeline(ctx *fasthttp.RequestCtx) {
	if h.caller(ctx) == "" {
		return
	}
	stdCtx, cancel := h.requestContext(ctx)
	defer cancel()

	events, err := h.uc.Timeline(stdCtx, pathParam(ctx, "id"))
	if err != nil {
		h.respondError(ctx, err)
		return
	}
	if events == nil {
		events = []domain.DisputeEvent{}
	}
	h.respondSuccess(ctx, http.StatusOK, events)
}

// @Summary Take a dispute into review
// @Tags disputes
// @Router /api/v1/escrows/{id}/dispute/review [post]
func (h *DisputeHandler) Review(ctx *fasthttp.RequestCtx) {
	h.mutate(ctx, nil, func(stdCtx context.Context, escrowID, caller string) (*domain.Dispute, error) {
		return h.uc.MarkInReview(stdCtx, escrowID, caller)
	})
}

// @Summary Cancel a pending dispute
// @Tags disputes
// @Router /api/v1/escrows/{id}/dispute/cancel [post]
func (h *DisputeHandler) Cancel(ctx *fasthttp.RequestCtx) {
	h.mutate(ctx, nil, func(stdCtx context.Context, escrowID, caller string) (*domain.Dispute, error) {
		return h.uc.Cancel(stdCtx, escrowID, caller)
	})
}

// @Summary Post a dispute message
// @Tags disputes
// @Router /api/v1/escrows/{id}/dispute/messages [post]
func (h *DisputeHandler) AddMessage(ctx *fasthttp.RequestCtx) {
	var req transport.DisputeMessageRequest
	h.mutate(ctx, &req, func(stdCtx context.Context, escrowID, caller string) (*domain.Dispute, error) {
		return h.uc.AddMessage(stdCtx, escrowID, caller, req.Message)
	})
}

// @Summary Attach dispute evidence
// @Tags disputes
// @Router /api/v1/escrows/{id}/dispute/evidence [post]
func (h *DisputeHandler) AddEvidence(ctx *fasthttp.RequestCtx) {
	var req transport.DisputeEvidenceRequest
	h.mutate(ctx, &req, func(stdCtx context.Context, escrowID, caller string) (*domain.Dispute, error) {
		return h.uc.AddEvidence(stdCtx, escrowID, caller, req.Evidence, req.Description)
	})
}

func (h *DisputeHandler) mutate(ctx *fasthttp.RequestCtx, req interface{}, fn func(context.Context, string, string) (*domain.Dispute, error)) {
	caller := h.caller(ctx)
	if caller == "" {
		return
	}
	if req != nil && !h.decode(ctx, req) {
		return
	}

	stdCtx, cancel := h.requestContext(ctx)
	defer cancel()

	dispute, err := fn(stdCtx, pathParam(ctx, "id"), caller)
	if err != nil {
		h.respondError(ctx, err)
		return
	}
	h.respondSuccess(ctx, http.StatusOK, dispute)
}
