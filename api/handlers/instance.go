package handlers

import (
	"net/http"
	"time"

	"github.com/floweave/floweave/engine"
	"github.com/floweave/floweave/types"
	"go.uber.org/zap"
)

// InstanceHandler serves the instance lifecycle API.
type InstanceHandler struct {
	engine *engine.Engine
	logger *zap.Logger
}

// NewInstanceHandler creates the instance handler.
func NewInstanceHandler(eng *engine.Engine, logger *zap.Logger) *InstanceHandler {
	return &InstanceHandler{
		engine: eng,
		logger: logger.With(zap.String("component", "instance_handler")),
	}
}

// StartRequest is the start-instance request body.
type StartRequest struct {
	WorkflowID string         `json:"workflow_id"`
	Version    int            `json:"version,omitempty"` // 0 means active
	Input      map[string]any `json:"input,omitempty"`
}

// SignalRequest names an external event to deliver.
type SignalRequest struct {
	Event string `json:"event"`
}

// PauseRequest optionally explains why the instance is being paused.
type PauseRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ResumeRequest optionally pins the checkpoint to restore before resuming.
type ResumeRequest struct {
	CheckpointID string `json:"checkpoint_id,omitempty"`
}

// CancelRequest optionally explains why the instance is being cancelled.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// HandleStart starts a new instance of a workflow version.
func (h *InstanceHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req StartRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.WorkflowID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrValidation, "workflow_id is required", h.logger)
		return
	}

	inst, err := h.engine.Start(r.Context(), tenantFrom(r), req.WorkflowID, req.Version, req.Input)
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}

	WriteJSON(w, http.StatusCreated, Response{
		Success:   true,
		Data:      inst,
		Timestamp: time.Now(),
	})
}

// HandleGet returns one instance.
func (h *InstanceHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	inst, err := h.engine.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	WriteSuccess(w, inst)
}

// HandleList lists the tenant's loaded instances.
func (h *InstanceHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	instances := h.engine.List(r.Context(), tenantFrom(r))
	WriteSuccess(w, map[string]any{
		"instances": instances,
		"count":     len(instances),
	})
}

// HandlePause requests a cooperative pause of a running instance. The body is
// optional; a supplied reason is recorded on the instance.
func (h *InstanceHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	var req PauseRequest
	if r.ContentLength != 0 {
		if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
			return
		}
	}

	id := r.PathValue("id")
	if err := h.engine.Pause(r.Context(), id, req.Reason); err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]any{"instance_id": id, "status": engine.StatusPaused})
}

// HandleResume resumes a paused instance. The body is optional; a supplied
// checkpoint_id rewinds the instance to that checkpoint first.
func (h *InstanceHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	var req ResumeRequest
	if r.ContentLength != 0 {
		if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
			return
		}
	}

	inst, err := h.engine.Resume(r.Context(), r.PathValue("id"), req.CheckpointID)
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	WriteSuccess(w, inst)
}

// HandleCancel cancels an instance. In-flight external calls run to
// completion or timeout before the instance settles. The body is optional; a
// supplied reason is recorded on the instance.
func (h *InstanceHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if r.ContentLength != 0 {
		if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
			return
		}
	}

	id := r.PathValue("id")
	if err := h.engine.Cancel(r.Context(), id, req.Reason); err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]any{"instance_id": id, "status": engine.StatusCancelled})
}

// HandleRehydrate loads a suspended instance from its latest checkpoint so
// this worker can resume it.
func (h *InstanceHandler) HandleRehydrate(w http.ResponseWriter, r *http.Request) {
	inst, err := h.engine.Rehydrate(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	WriteSuccess(w, inst)
}

// HandleSignal publishes an external event. Every instance waiting on the
// event within the tenant resumes.
func (h *InstanceHandler) HandleSignal(w http.ResponseWriter, r *http.Request) {
	var req SignalRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Event == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrValidation, "event is required", h.logger)
		return
	}

	if err := h.engine.Signal(r.Context(), tenantFrom(r), req.Event); err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]any{"event": req.Event, "delivered": true})
}
