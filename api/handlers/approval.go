package handlers

import (
	"net/http"

	"github.com/floweave/floweave/approval"
	"github.com/floweave/floweave/types"
	"go.uber.org/zap"
)

// ApprovalHandler serves the approval decision API.
type ApprovalHandler struct {
	approvals *approval.Manager
	logger    *zap.Logger
}

// NewApprovalHandler creates the approval handler.
func NewApprovalHandler(approvals *approval.Manager, logger *zap.Logger) *ApprovalHandler {
	return &ApprovalHandler{
		approvals: approvals,
		logger:    logger.With(zap.String("component", "approval_handler")),
	}
}

// DecideRequest is the approve/reject request body.
type DecideRequest struct {
	ActorID string `json:"actor_id"`
	Approve bool   `json:"approve"`
	Reason  string `json:"reason,omitempty"`
}

// HandlePending lists the tenant's pending approval requests.
func (h *ApprovalHandler) HandlePending(w http.ResponseWriter, r *http.Request) {
	requests, err := h.approvals.Pending(r.Context(), tenantFrom(r))
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]any{
		"requests": requests,
		"count":    len(requests),
	})
}

// HandleGet returns one approval request.
func (h *ApprovalHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	req, err := h.approvals.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	WriteSuccess(w, req)
}

// HandleDecide records an approve or reject decision. The waiting instance
// resumes or fails accordingly.
func (h *ApprovalHandler) HandleDecide(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req DecideRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.ActorID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrValidation, "actor_id is required", h.logger)
		return
	}

	actor := types.Actor{ID: req.ActorID, Tenant: tenantFrom(r)}
	decided, err := h.approvals.Decide(r.Context(), r.PathValue("id"), actor, req.Approve, req.Reason)
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	WriteSuccess(w, decided)
}
