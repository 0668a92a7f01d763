package handlers

import (
	"net/http"

	"github.com/floweave/floweave/gateway"
	"github.com/floweave/floweave/saga"
	"go.uber.org/zap"
)

// AdminHandler serves operator endpoints: compensation audit history and
// circuit breaker state.
type AdminHandler struct {
	compensator *saga.Coordinator
	gateway     *gateway.Gateway
	logger      *zap.Logger
}

// NewAdminHandler creates the admin handler.
func NewAdminHandler(compensator *saga.Coordinator, gw *gateway.Gateway, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		compensator: compensator,
		gateway:     gw,
		logger:      logger.With(zap.String("component", "admin_handler")),
	}
}

// HandleCompensationHistory returns the compensation audit trail for one
// instance, in execution order.
func (h *AdminHandler) HandleCompensationHistory(w http.ResponseWriter, r *http.Request) {
	instanceID := r.PathValue("id")
	records, err := h.compensator.History(r.Context(), instanceID)
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]any{
		"instance_id": instanceID,
		"records":     records,
	})
}

// HandleBreakers returns the state of every known circuit breaker.
func (h *AdminHandler) HandleBreakers(w http.ResponseWriter, r *http.Request) {
	snapshots := h.gateway.Breakers().Snapshots()
	WriteSuccess(w, map[string]any{
		"breakers": snapshots,
		"count":    len(snapshots),
	})
}

// HandleBreakerReset forces one breaker closed. Operator escape hatch after
// a downstream recovers.
func (h *AdminHandler) HandleBreakerReset(w http.ResponseWriter, r *http.Request) {
	target := r.PathValue("target")
	h.gateway.Breakers().GetOrCreate(target).Reset()
	h.logger.Info("circuit breaker reset", zap.String("target", target))
	WriteSuccess(w, map[string]any{"target": target, "state": "closed"})
}
