package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/floweave/floweave/dsl"
	"github.com/floweave/floweave/types"
	"github.com/floweave/floweave/version"
	"go.uber.org/zap"
)

// WorkflowHandler serves workflow definition and version management.
type WorkflowHandler struct {
	versions *version.Manager
	logger   *zap.Logger
}

// NewWorkflowHandler creates the workflow handler.
func NewWorkflowHandler(versions *version.Manager, logger *zap.Logger) *WorkflowHandler {
	return &WorkflowHandler{
		versions: versions,
		logger:   logger.With(zap.String("component", "workflow_handler")),
	}
}

// CreateVersionRequest is the create-version request body.
type CreateVersionRequest struct {
	Definition *dsl.Definition `json:"definition"`
	ChangeLog  string          `json:"change_log,omitempty"`
}

// PublishRequest selects the version to publish or roll back to.
type PublishRequest struct {
	Version int `json:"version"`
}

// HandleCreateVersion validates a definition and stores it as a new draft
// version.
func (h *WorkflowHandler) HandleCreateVersion(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req CreateVersionRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Definition == nil {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrValidation, "definition is required", h.logger)
		return
	}
	if tenant := tenantFrom(r); tenant != "" {
		req.Definition.Tenant = tenant
	}

	def, err := h.versions.CreateVersion(r.Context(), req.Definition, req.ChangeLog)
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}

	WriteJSON(w, http.StatusCreated, Response{
		Success:   true,
		Data:      def,
		Timestamp: time.Now(),
	})
}

// HandleListVersions lists version metadata for one workflow.
func (h *WorkflowHandler) HandleListVersions(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("workflow_id")
	status := dsl.DefinitionStatus(r.URL.Query().Get("status"))

	records, err := h.versions.ListVersions(r.Context(), tenantFrom(r), workflowID, status)
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}

	WriteSuccess(w, map[string]any{
		"workflow_id": workflowID,
		"versions":    records,
	})
}

// HandleGetVersion returns one stored definition. Version 0 resolves to the
// active version.
func (h *WorkflowHandler) HandleGetVersion(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("workflow_id")
	versionNum, ok := parseVersion(w, r, h.logger)
	if !ok {
		return
	}

	def, err := h.versions.Get(r.Context(), tenantFrom(r), workflowID, versionNum)
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}

	WriteSuccess(w, def)
}

// HandleGetActive returns the active definition for one workflow.
func (h *WorkflowHandler) HandleGetActive(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("workflow_id")

	def, err := h.versions.Active(r.Context(), tenantFrom(r), workflowID)
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}

	WriteSuccess(w, def)
}

// HandlePublish activates a draft version. The previously active version is
// deprecated in the same swap.
func (h *WorkflowHandler) HandlePublish(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("workflow_id")

	var req PublishRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if err := h.versions.Publish(r.Context(), tenantFrom(r), workflowID, req.Version); err != nil {
		WriteErr(w, err, h.logger)
		return
	}

	WriteSuccess(w, map[string]any{
		"workflow_id": workflowID,
		"version":     req.Version,
		"status":      "active",
	})
}

// HandleRollback reactivates an older version.
func (h *WorkflowHandler) HandleRollback(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("workflow_id")

	var req PublishRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if err := h.versions.Rollback(r.Context(), tenantFrom(r), workflowID, req.Version); err != nil {
		WriteErr(w, err, h.logger)
		return
	}

	WriteSuccess(w, map[string]any{
		"workflow_id": workflowID,
		"version":     req.Version,
		"status":      "active",
	})
}

// HandleDeleteVersion deletes the newest non-active draft version.
func (h *WorkflowHandler) HandleDeleteVersion(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("workflow_id")
	versionNum, ok := parseVersion(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.versions.DeleteVersion(r.Context(), tenantFrom(r), workflowID, versionNum); err != nil {
		WriteErr(w, err, h.logger)
		return
	}

	WriteSuccess(w, map[string]any{
		"workflow_id": workflowID,
		"version":     versionNum,
		"deleted":     true,
	})
}

// tenantFrom resolves the tenant from the X-Tenant-ID header, falling back
// to the tenant query parameter.
func tenantFrom(r *http.Request) string {
	if tenant := r.Header.Get("X-Tenant-ID"); tenant != "" {
		return tenant
	}
	return r.URL.Query().Get("tenant")
}

func parseVersion(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (int, bool) {
	raw := r.PathValue("version")
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrValidation, "version must be a non-negative integer", logger)
		return 0, false
	}
	return v, true
}
