package handler

import (
	"net/http"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/fastygo/escrow/api/transport"
	"github.com/fastygo/escrow/internal/infrastructure/monitor"
	"github.com/fastygo/escrow/pkg/httpcontext"
)

// HealthSource is satisfied by *monitor.Monitor.
type HealthSource interface {
	GetStatus() monitor.Status
	IsOnline() bool
}

type HealthHandler struct {
	baseHandler
	monitor      HealthSource
	cacheEnabled bool
}

func NewHealthHandler(mon HealthSource, cacheEnabled bool, adapter *httpcontext.Adapter, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		baseHandler:  newBaseHandler(adapter, logger),
		monitor:      mon,
		cacheEnabled: cacheEnabled,
	}
}

// @Summary Health check
// @Tags health
// @Router /health [get]
func (h *HealthHandler) Check(ctx *fasthttp.RequestCtx) {
	status := h.monitor.GetStatus()
	payload := map[string]interface{}{
		"timestamp": time.Now().UTC(),
		"lastCheck": status.LastCheck,
		"services": map[string]interface{}{
			"repository": status.PostgreSQL,
			"redis":      status.Redis,
			"outbox": map[string]interface{}{
				"online":      status.Outbox,
				"size":        status.OutboxSize,
				"deadLetters": status.DeadLetters,
			},
		},
	}

	healthy := h.monitor.IsOnline() && status.Outbox
	if h.cacheEnabled && !status.Redis {
		healthy = false
	}
	if healthy {
		h.respondSuccess(ctx, http.StatusOK, payload)
		return
	}
	h.respondJSON(ctx, http.StatusServiceUnavailable, transport.NewError("DEGRADED", "dependencies unhealthy", payload))
}
