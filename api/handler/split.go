package handler

import (
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/fastygo/escrow/api/transport"
	"github.com/fastygo/escrow/domain"
	"github.com/fastygo/escrow/pkg/httpcontext"
)

// SplitHandler previews the release split. It needs no authentication.
type SplitHandler struct {
	baseHandler
}

func NewSplitHandler(adapter *httpcontext.Adapter, logger *zap.Logger) *SplitHandler {
	return &SplitHandler{baseHandler: newBaseHandler(adapter, logger)}
}

// @Summary Preview fee split
// @Tags split
// @Router /api/v1/split [get]
func (h *SplitHandler) Preview(ctx *fasthttp.RequestCtx) {
	args := ctx.QueryArgs()
	amount, err := decimal.NewFromString(string(args.Peek("amount")))
	if err != nil {
		h.respondInvalid(ctx, "amount must be a decimal number")
		return
	}
	fee, err := decimal.NewFromString(string(args.Peek("fee")))
	if err != nil {
		h.respondInvalid(ctx, "fee must be a decimal number")
		return
	}
	if err := domain.ValidateAmount("amount", amount); err != nil {
		h.respondError(ctx, err)
		return
	}
	if err := domain.ValidateFeePercent(fee); err != nil {
		h.respondError(ctx, err)
		return
	}
	h.respondSuccess(ctx, http.StatusOK, transport.NewSplitView(amount, fee))
}
