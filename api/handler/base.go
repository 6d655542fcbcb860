package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/fastygo/escrow/api/transport"
	"github.com/fastygo/escrow/domain"
	"github.com/fastygo/escrow/pkg/httpcontext"
	appLogger "github.com/fastygo/escrow/pkg/logger"
)

type baseHandler struct {
	adapter *httpcontext.Adapter
	logger  *zap.Logger
}

func newBaseHandler(adapter *httpcontext.Adapter, logger *zap.Logger) baseHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return baseHandler{adapter: adapter, logger: logger}
}

func (h baseHandler) requestContext(ctx *fasthttp.RequestCtx) (context.Context, context.CancelFunc) {
	if h.adapter != nil {
		return h.adapter.Attach(ctx)
	}
	return context.WithCancel(context.Background())
}

func (h baseHandler) respondJSON(ctx *fasthttp.RequestCtx, status int, payload transport.Envelope) {
	ctx.Response.Header.SetContentType("application/json")
	ctx.SetStatusCode(status)
	body, _ := json.Marshal(payload)
	ctx.SetBody(body)
}

func (h baseHandler) respondSuccess(ctx *fasthttp.RequestCtx, status int, data interface{}) {
	h.respondJSON(ctx, status, transport.NewSuccess(data, nil))
}

func (h baseHandler) respondError(ctx *fasthttp.RequestCtx, err error) {
	status, code := mapError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", string(ctx.Path())),
			zap.String("request_id", string(ctx.Response.Header.Peek("X-Request-ID"))),
			zap.Error(err))
	}
	h.respondJSON(ctx, status, transport.NewError(code, errorDetail(err), nil))
}

func (h baseHandler) respondInvalid(ctx *fasthttp.RequestCtx, message string) {
	h.respondJSON(ctx, http.StatusBadRequest, transport.NewError(string(domain.ErrCodeInvalid), message, nil))
}

// caller returns the authenticated wallet address, answering 401 when absent.
func (h baseHandler) caller(ctx *fasthttp.RequestCtx) string {
	caller := httpcontext.Caller(ctx)
	if caller == "" {
		h.respondError(ctx, domain.ErrUnauthorized)
	}
	return caller
}

func (h baseHandler) decode(ctx *fasthttp.RequestCtx, dst interface{}) bool {
	body := ctx.PostBody()
	if len(body) == 0 {
		body = []byte("{}")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		h.respondInvalid(ctx, "invalid payload")
		return false
	}
	return true
}

func (h baseHandler) log(stdCtx context.Context) *zap.Logger {
	return appLogger.WithRequestID(stdCtx, h.logger)
}

func pathParam(ctx *fasthttp.RequestCtx, name string) string {
	value, _ := ctx.UserValue(name).(string)
	return value
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func mapError(err error) (int, string) {
	switch {
	case domain.IsDomainError(err, domain.ErrCodeUnauthorized):
		return http.StatusUnauthorized, string(domain.ErrCodeUnauthorized)
	case domain.IsDomainError(err, domain.ErrCodeForbidden):
		return http.StatusForbidden, string(domain.ErrCodeForbidden)
	case domain.IsDomainError(err, domain.ErrCodeInvalid):
		return http.StatusBadRequest, string(domain.ErrCodeInvalid)
	case domain.IsDomainError(err, domain.ErrCodeNotFound):
		return http.StatusNotFound, string(domain.ErrCodeNotFound)
	case domain.IsConflict(err):
		return http.StatusConflict, string(domain.ErrCodeConflict)
	case domain.IsLedger(err):
		return http.StatusUnprocessableEntity, string(domain.ErrCodeLedger)
	case domain.IsTimeout(err):
		return http.StatusGatewayTimeout, string(domain.ErrCodeTimeout)
	case domain.IsPersistence(err):
		return http.StatusBadGateway, string(domain.ErrCodePersistence)
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, string(domain.ErrCodeTimeout)
	default:
		return http.StatusInternalServerError, string(domain.ErrCodeInternal)
	}
}

// errorDetail shapes the error body. Ledger, timeout and persistence errors
// carry the transaction context the caller needs to follow up.
func errorDetail(err error) interface{} {
	message := err.Error()
	var dErr *domain.Error
	if errors.As(err, &dErr) && dErr.Message != "" {
		message = dErr.Message
	}

	var ledger *domain.LedgerFailure
	var timeout *domain.ConfirmationTimeout
	var persistence *domain.PersistenceFailure
	switch {
	case errors.As(err, &ledger):
		detail := transport.LedgerErrorDetail{
			Message:       message,
			Hint:          domain.LedgerHint(ledger.Code),
			LedgerCode:    ledger.Code,
			LedgerMessage: ledger.Message,
			TxHash:        ledger.TxHash,
		}
		if detail.Hint == "" && ledger.Message != "" {
			detail.Message = ledger.Message
		}
		return detail
	case errors.As(err, &timeout):
		return transport.TimeoutErrorDetail{Message: message, TxHash: timeout.TxHash, Attempts: timeout.Attempts}
	case errors.As(err, &persistence):
		detail := transport.PersistenceErrorDetail{
			Message:  message,
			EscrowID: persistence.EscrowID,
			Command:  persistence.Command,
			TxHash:   persistence.Result.Hash,
			OutboxID: persistence.OutboxID,
		}
		if raw, mErr := json.Marshal(persistence.Result); mErr == nil {
			detail.Result = raw
		}
		return detail
	}
	if dErr == nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "request timed out"
		}
		return "internal error"
	}
	return message
}
