package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/floweave/floweave/approval"
	"github.com/floweave/floweave/checkpoint"
	"github.com/floweave/floweave/dsl"
	"github.com/floweave/floweave/engine"
	"github.com/floweave/floweave/gateway"
	"github.com/floweave/floweave/saga"
	"github.com/floweave/floweave/version"
)

const testTenant = "acme"

// testServer wires the full handler stack over in-memory stores and the same
// route table the service registers.
type testServer struct {
	mux       *http.ServeMux
	versions  *version.Manager
	approvals *approval.Manager
	audit     *saga.MemoryAuditStore
	eng       *engine.Engine
	gw        *gateway.Gateway
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zap.NewNop()

	ts := &testServer{audit: saga.NewMemoryAuditStore()}
	ts.versions = version.NewManager(version.NewMemoryStore(), logger)
	ts.approvals = approval.NewManager(approval.NewMemoryStore(), logger)
	checkpoints := checkpoint.NewManager(checkpoint.NewMemoryStore(), checkpoint.Config{}, logger)

	breakers := gateway.NewBreakerRegistry(gateway.DefaultBreakerConfig(), nil, logger)
	ts.gw = gateway.New(breakers, logger)
	ts.gw.Register("payment-svc", gateway.CapabilityFunc(
		func(ctx context.Context, op string, params map[string]any) (any, error) {
			return map[string]any{"ok": true, "op": op}, nil
		}))

	compensator := saga.NewCoordinator(ts.gw, ts.audit, logger)

	ts.eng = engine.New(engine.Deps{
		Versions:    ts.versions,
		Gateway:     ts.gw,
		Checkpoints: checkpoints,
		Approvals:   ts.approvals,
		Compensator: compensator,
		Deployers:   version.NewDeployerRegistry(),
		Logger:      logger,
	}, engine.Config{ShutdownGrace: 2 * time.Second})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = ts.eng.Shutdown(ctx)
	})

	workflowHandler := NewWorkflowHandler(ts.versions, logger)
	instanceHandler := NewInstanceHandler(ts.eng, logger)
	approvalHandler := NewApprovalHandler(ts.approvals, logger)
	adminHandler := NewAdminHandler(compensator, ts.gw, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/workflows", workflowHandler.HandleCreateVersion)
	mux.HandleFunc("GET /api/v1/workflows/{workflow_id}", workflowHandler.HandleGetActive)
	mux.HandleFunc("GET /api/v1/workflows/{workflow_id}/versions", workflowHandler.HandleListVersions)
	mux.HandleFunc("GET /api/v1/workflows/{workflow_id}/versions/{version}", workflowHandler.HandleGetVersion)
	mux.HandleFunc("DELETE /api/v1/workflows/{workflow_id}/versions/{version}", workflowHandler.HandleDeleteVersion)
	mux.HandleFunc("POST /api/v1/workflows/{workflow_id}/publish", workflowHandler.HandlePublish)
	mux.HandleFunc("POST /api/v1/workflows/{workflow_id}/rollback", workflowHandler.HandleRollback)
	mux.HandleFunc("POST /api/v1/instances", instanceHandler.HandleStart)
	mux.HandleFunc("GET /api/v1/instances", instanceHandler.HandleList)
	mux.HandleFunc("GET /api/v1/instances/{id}", instanceHandler.HandleGet)
	mux.HandleFunc("POST /api/v1/instances/{id}/pause", instanceHandler.HandlePause)
	mux.HandleFunc("POST /api/v1/instances/{id}/resume", instanceHandler.HandleResume)
	mux.HandleFunc("POST /api/v1/instances/{id}/cancel", instanceHandler.HandleCancel)
	mux.HandleFunc("POST /api/v1/instances/{id}/rehydrate", instanceHandler.HandleRehydrate)
	mux.HandleFunc("GET /api/v1/instances/{id}/compensations", adminHandler.HandleCompensationHistory)
	mux.HandleFunc("POST /api/v1/events", instanceHandler.HandleSignal)
	mux.HandleFunc("GET /api/v1/approvals", approvalHandler.HandlePending)
	mux.HandleFunc("GET /api/v1/approvals/{id}", approvalHandler.HandleGet)
	mux.HandleFunc("POST /api/v1/approvals/{id}/decide", approvalHandler.HandleDecide)
	mux.HandleFunc("GET /api/v1/breakers", adminHandler.HandleBreakers)
	mux.HandleFunc("POST /api/v1/breakers/{target}/reset", adminHandler.HandleBreakerReset)
	ts.mux = mux

	return ts
}

// do issues a request as tenant "acme".
func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return ts.doAs(t, testTenant, method, path, body)
}

func (ts *testServer) doAs(t *testing.T, tenant, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}

	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *ErrorInfo      `json:"error"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), "body: %s", rec.Body.String())
	return env
}

func dataMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	env := decodeEnvelope(t, rec)
	var m map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &m))
	return m
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	env := decodeEnvelope(t, rec)
	require.NotNil(t, env.Error, "expected an error envelope, got: %s", rec.Body.String())
	assert.False(t, env.Success)
	return env.Error.Code
}

func paymentDefinition(id string) *dsl.Definition {
	return &dsl.Definition{
		ID:    id,
		Name:  "Payment Flow",
		Roots: []string{"charge"},
		Nodes: []dsl.Node{
			{
				ID:   "charge",
				Type: dsl.NodeTypeAction,
				Action: &dsl.ActionConfig{
					Target:    "payment-svc",
					Operation: "charge",
					AssignTo:  "receipt",
				},
			},
		},
	}
}

// createAndPublish pushes a definition through the HTTP API and activates
// version 1.
func (ts *testServer) createAndPublish(t *testing.T, def *dsl.Definition) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/v1/workflows", map[string]any{"definition": def})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/v1/workflows/"+def.ID+"/publish", map[string]any{"version": 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func (ts *testServer) awaitInstanceStatus(t *testing.T, id string, status engine.InstanceStatus) map[string]any {
	t.Helper()
	var last map[string]any
	require.Eventually(t, func() bool {
		rec := ts.do(t, http.MethodGet, "/api/v1/instances/"+id, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		last = dataMap(t, rec)
		return last["status"] == string(status)
	}, 5*time.Second, 5*time.Millisecond, "instance never reached %s (last: %v)", status, last)
	return last
}

func TestCreateVersion_HTTP(t *testing.T) {
	ts := newTestServer(t)

	def := paymentDefinition("order-flow")
	def.Tenant = "spoofed" // the header overrides whatever the body claims
	rec := ts.do(t, http.MethodPost, "/api/v1/workflows", map[string]any{
		"definition": def,
		"change_log": "initial",
	})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	env := decodeEnvelope(t, rec)
	assert.True(t, env.Success)

	var created dsl.Definition
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.Equal(t, 1, created.Version)
	assert.Equal(t, dsl.StatusDraft, created.Status)
	assert.Equal(t, testTenant, created.Tenant)
	assert.Equal(t, "initial", created.ChangeLog)
}

func TestCreateVersion_Rejections(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/workflows", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing definition")
	assert.Equal(t, "VALIDATION", errorCode(t, rec))

	rec = ts.do(t, http.MethodPost, "/api/v1/workflows", map[string]any{
		"definition": paymentDefinition("x"),
		"bogus":      true,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown field")

	invalid := paymentDefinition("x")
	invalid.Nodes = nil
	rec = ts.do(t, http.MethodPost, "/api/v1/workflows", map[string]any{"definition": invalid})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "invalid definition")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "text/plain")
	plain := httptest.NewRecorder()
	ts.mux.ServeHTTP(plain, req)
	assert.Equal(t, http.StatusBadRequest, plain.Code, "wrong content type")
}

func TestWorkflowVersionLifecycle_HTTP(t *testing.T) {
	ts := newTestServer(t)
	ts.createAndPublish(t, paymentDefinition("order-flow"))

	// The active definition is reachable by workflow id.
	rec := ts.do(t, http.MethodGet, "/api/v1/workflows/order-flow", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var active dsl.Definition
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &active))
	assert.Equal(t, 1, active.Version)
	assert.Equal(t, dsl.StatusActive, active.Status)

	// A second draft, then a swap to it.
	rec = ts.do(t, http.MethodPost, "/api/v1/workflows", map[string]any{"definition": paymentDefinition("order-flow")})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = ts.do(t, http.MethodPost, "/api/v1/workflows/order-flow/publish", map[string]any{"version": 2})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/workflows/order-flow/versions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := dataMap(t, rec)
	assert.Equal(t, "order-flow", data["workflow_id"])
	assert.Len(t, data["versions"], 2)

	// Version 1 is still fetchable directly.
	rec = ts.do(t, http.MethodGet, "/api/v1/workflows/order-flow/versions/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Roll back to it.
	rec = ts.do(t, http.MethodPost, "/api/v1/workflows/order-flow/rollback", map[string]any{"version": 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/v1/workflows/order-flow", nil)
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &active))
	assert.Equal(t, 1, active.Version)
}

func TestWorkflowHandler_Errors(t *testing.T) {
	ts := newTestServer(t)
	ts.createAndPublish(t, paymentDefinition("order-flow"))

	rec := ts.do(t, http.MethodGet, "/api/v1/workflows/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, rec))

	// Another tenant cannot see the workflow.
	rec = ts.doAs(t, "globex", http.MethodGet, "/api/v1/workflows/order-flow", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/workflows/order-flow/versions/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "non-numeric version")

	// Rolling back to the active version is a conflict.
	rec = ts.do(t, http.MethodPost, "/api/v1/workflows/order-flow/rollback", map[string]any{"version": 1})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Deleting the active version is a conflict too.
	rec = ts.do(t, http.MethodDelete, "/api/v1/workflows/order-flow/versions/1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeleteVersion_HTTP(t *testing.T) {
	ts := newTestServer(t)
	ts.createAndPublish(t, paymentDefinition("order-flow"))

	rec := ts.do(t, http.MethodPost, "/api/v1/workflows", map[string]any{"definition": paymentDefinition("order-flow")})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/v1/workflows/order-flow/versions/2", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data := dataMap(t, rec)
	assert.Equal(t, true, data["deleted"])

	rec = ts.do(t, http.MethodGet, "/api/v1/workflows/order-flow/versions/2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartInstance_HTTP(t *testing.T) {
	ts := newTestServer(t)
	ts.createAndPublish(t, paymentDefinition("order-flow"))

	rec := ts.do(t, http.MethodPost, "/api/v1/instances", map[string]any{
		"workflow_id": "order-flow",
		"input":       map[string]any{"amount": 100},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	inst := dataMap(t, rec)
	id, _ := inst["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, testTenant, inst["tenant"])

	final := ts.awaitInstanceStatus(t, id, engine.StatusCompleted)
	output, _ := final["output"].(map[string]any)
	require.NotNil(t, output)
	assert.Contains(t, output, "receipt")
}

func TestStartInstance_Rejections(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/instances", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing workflow_id")

	rec = ts.do(t, http.MethodPost, "/api/v1/instances", map[string]any{"workflow_id": "ghost"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, rec))
}

func TestListInstances_TenantScoped(t *testing.T) {
	ts := newTestServer(t)
	ts.createAndPublish(t, paymentDefinition("order-flow"))

	rec := ts.do(t, http.MethodPost, "/api/v1/instances", map[string]any{"workflow_id": "order-flow"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/instances", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), dataMap(t, rec)["count"])

	rec = ts.doAs(t, "globex", http.MethodGet, "/api/v1/instances", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), dataMap(t, rec)["count"])
}

func waitEventDefinition(id, event string) *dsl.Definition {
	return &dsl.Definition{
		ID:    id,
		Name:  "Wait Flow",
		Roots: []string{"hold"},
		Nodes: []dsl.Node{
			{
				ID:   "hold",
				Type: dsl.NodeTypeWait,
				Wait: &dsl.WaitConfig{Mode: dsl.WaitModeEvent, Event: event},
				Next: []string{"finish"},
			},
			{
				ID:   "finish",
				Type: dsl.NodeTypeAction,
				Action: &dsl.ActionConfig{
					Target:    "payment-svc",
					Operation: "finish",
				},
			},
		},
	}
}

func TestSignal_HTTP(t *testing.T) {
	ts := newTestServer(t)
	ts.createAndPublish(t, waitEventDefinition("wait-flow", "shipment"))

	rec := ts.do(t, http.MethodPost, "/api/v1/instances", map[string]any{"workflow_id": "wait-flow"})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := dataMap(t, rec)["id"].(string)

	ts.awaitInstanceStatus(t, id, engine.StatusPaused)

	rec = ts.do(t, http.MethodPost, "/api/v1/events", map[string]any{"event": "shipment"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, dataMap(t, rec)["delivered"])

	ts.awaitInstanceStatus(t, id, engine.StatusCompleted)
}

func TestSignal_RequiresEvent(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/events", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION", errorCode(t, rec))
}

func TestCancelAndResume_HTTP(t *testing.T) {
	ts := newTestServer(t)
	ts.createAndPublish(t, waitEventDefinition("wait-flow", "never"))

	rec := ts.do(t, http.MethodPost, "/api/v1/instances", map[string]any{"workflow_id": "wait-flow"})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := dataMap(t, rec)["id"].(string)
	ts.awaitInstanceStatus(t, id, engine.StatusPaused)

	rec = ts.do(t, http.MethodPost, "/api/v1/instances/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ts.awaitInstanceStatus(t, id, engine.StatusCancelled)

	// A cancelled instance cannot resume.
	rec = ts.do(t, http.MethodPost, "/api/v1/instances/"+id+"/resume", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INVALID_TRANSITION", errorCode(t, rec))

	// Nor pause.
	rec = ts.do(t, http.MethodPost, "/api/v1/instances/"+id+"/pause", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelWithReason_HTTP(t *testing.T) {
	ts := newTestServer(t)
	ts.createAndPublish(t, waitEventDefinition("wait-flow", "never"))

	rec := ts.do(t, http.MethodPost, "/api/v1/instances", map[string]any{"workflow_id": "wait-flow"})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := dataMap(t, rec)["id"].(string)
	ts.awaitInstanceStatus(t, id, engine.StatusPaused)

	rec = ts.do(t, http.MethodPost, "/api/v1/instances/"+id+"/cancel",
		map[string]any{"reason": "customer withdrew the order"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got := ts.awaitInstanceStatus(t, id, engine.StatusCancelled)
	assert.Equal(t, "customer withdrew the order", got["status_reason"])
}

func TestInstanceNotFound_HTTP(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/instances/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, rec))

	rec = ts.do(t, http.MethodPost, "/api/v1/instances/ghost/rehydrate", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRehydrateLoadedInstance_Conflicts(t *testing.T) {
	ts := newTestServer(t)
	ts.createAndPublish(t, waitEventDefinition("wait-flow", "never"))

	rec := ts.do(t, http.MethodPost, "/api/v1/instances", map[string]any{"workflow_id": "wait-flow"})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := dataMap(t, rec)["id"].(string)
	ts.awaitInstanceStatus(t, id, engine.StatusPaused)

	rec = ts.do(t, http.MethodPost, "/api/v1/instances/"+id+"/rehydrate", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "CONFLICT", errorCode(t, rec))
}

func approvalDefinition(id string) *dsl.Definition {
	return &dsl.Definition{
		ID:    id,
		Name:  "Approval Flow",
		Roots: []string{"gate"},
		Nodes: []dsl.Node{
			{
				ID:   "gate",
				Type: dsl.NodeTypeApproval,
				Approval: &dsl.ApprovalConfig{
					Approvers:      []string{"alice"},
					TimeoutSeconds: 3600,
					OnTimeout:      dsl.TimeoutFail,
				},
				Next: []string{"finish"},
			},
			{
				ID:   "finish",
				Type: dsl.NodeTypeAction,
				Action: &dsl.ActionConfig{
					Target:    "payment-svc",
					Operation: "finish",
				},
			},
		},
	}
}

func TestApprovalFlow_HTTP(t *testing.T) {
	ts := newTestServer(t)
	ts.createAndPublish(t, approvalDefinition("approve-flow"))

	rec := ts.do(t, http.MethodPost, "/api/v1/instances", map[string]any{"workflow_id": "approve-flow"})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := dataMap(t, rec)["id"].(string)
	ts.awaitInstanceStatus(t, id, engine.StatusWaitingApproval)

	// The pending request shows up for the tenant.
	var requestID string
	require.Eventually(t, func() bool {
		rec := ts.do(t, http.MethodGet, "/api/v1/approvals", nil)
		if rec.Code != http.StatusOK {
			return false
		}
		data := dataMap(t, rec)
		reqs, _ := data["requests"].([]any)
		if len(reqs) != 1 {
			return false
		}
		requestID, _ = reqs[0].(map[string]any)["id"].(string)
		return requestID != ""
	}, 5*time.Second, 5*time.Millisecond)

	rec = ts.do(t, http.MethodGet, "/api/v1/approvals/"+requestID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(approval.StatusPending), dataMap(t, rec)["status"])

	// Only a listed approver may decide.
	rec = ts.do(t, http.MethodPost, "/api/v1/approvals/"+requestID+"/decide", map[string]any{
		"actor_id": "mallory",
		"approve":  true,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/approvals/"+requestID+"/decide", map[string]any{
		"actor_id": "alice",
		"approve":  true,
		"reason":   "lgtm",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decided := dataMap(t, rec)
	assert.Equal(t, string(approval.StatusApproved), decided["status"])
	assert.Equal(t, "alice", decided["decided_by"])

	ts.awaitInstanceStatus(t, id, engine.StatusCompleted)

	// A second decision on the same request is a conflict.
	rec = ts.do(t, http.MethodPost, "/api/v1/approvals/"+requestID+"/decide", map[string]any{
		"actor_id": "alice",
		"approve":  false,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestApprovalHandler_Rejections(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/approvals/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/approvals/ghost/decide", map[string]any{"approve": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing actor_id")
}

func TestBreakerEndpoints_HTTP(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/breakers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), dataMap(t, rec)["count"])

	rec = ts.do(t, http.MethodPost, "/api/v1/breakers/payment-svc/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := dataMap(t, rec)
	assert.Equal(t, "payment-svc", data["target"])
	assert.Equal(t, "closed", data["state"])

	rec = ts.do(t, http.MethodGet, "/api/v1/breakers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data = dataMap(t, rec)
	assert.Equal(t, float64(1), data["count"])
	breakers, _ := data["breakers"].([]any)
	require.Len(t, breakers, 1)
	snapshot, _ := breakers[0].(map[string]any)
	assert.Equal(t, "payment-svc", snapshot["target_id"])
	assert.Equal(t, "closed", snapshot["state"])
}

func TestCompensationHistory_HTTP(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	rec := ts.do(t, http.MethodGet, "/api/v1/instances/inst-1/compensations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "inst-1", dataMap(t, rec)["instance_id"])

	for i, outcome := range []saga.StepOutcome{saga.OutcomeSuccess, saga.OutcomeFailed} {
		require.NoError(t, ts.audit.Append(ctx, &saga.Record{
			ID:         fmt.Sprintf("rec-%d", i),
			InstanceID: "inst-1",
			NodeID:     fmt.Sprintf("node-%d", i),
			Target:     "payment-svc",
			Operation:  "undo_charge",
			Outcome:    outcome,
			CreatedAt:  time.Now().Add(time.Duration(i) * time.Second),
		}))
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/instances/inst-1/compensations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	records, _ := dataMap(t, rec)["records"].([]any)
	require.Len(t, records, 2)
	first, _ := records[0].(map[string]any)
	assert.Equal(t, "node-0", first["node_id"])
}
