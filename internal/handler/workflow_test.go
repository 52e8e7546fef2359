package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/orbitmesh/orbitmesh/internal/definition"
	apperrors "github.com/orbitmesh/orbitmesh/internal/errors"
	"github.com/orbitmesh/orbitmesh/internal/store/memstore"
	"github.com/orbitmesh/orbitmesh/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEngine struct {
	startInstanceID string
	startErr        error
	signalErr       error
	approveErr      error

	lastWorkflowID string
	lastVersion    int
	lastVars       map[string]any
}

func (s *stubEngine) StartInstance(_ context.Context, workflowID string, version int, vars map[string]any) (string, error) {
	s.lastWorkflowID, s.lastVersion, s.lastVars = workflowID, version, vars
	if s.startErr != nil {
		return "", s.startErr
	}
	return s.startInstanceID, nil
}

func (s *stubEngine) SignalEvent(context.Context, string, string, json.RawMessage) error {
	return s.signalErr
}

func (s *stubEngine) ApproveStep(context.Context, string, string, bool, string) error {
	return s.approveErr
}

func newTestRouter(eng EngineAPI) (*gin.Engine, *definition.Registry) {
	gin.SetMode(gin.TestMode)
	defs := definition.NewRegistry()
	instances := memstore.New()
	h := NewWorkflowHandler(defs, instances, eng)
	r := gin.New()
	h.Register(r)
	return r, defs
}

func doRequest(r *gin.Engine, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestRegisterWorkflowThenGetByID(t *testing.T) {
	r, _ := newTestRouter(&stubEngine{})
	body, _ := json.Marshal(workflow.WorkflowDefinition{
		ID: "wf1", Version: 1,
		Steps: []workflow.WorkflowStep{{ID: "a", Type: workflow.StepTransform, Config: workflow.StepConfig{Expression: `"x"`}}},
	})

	rec := doRequest(r, http.MethodPost, "/workflows", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(r, http.MethodGet, "/workflows/wf1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got workflow.WorkflowDefinition
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "wf1", got.ID)
}

func TestRegisterWorkflowInvalidDefinitionReturnsMappedStatus(t *testing.T) {
	r, _ := newTestRouter(&stubEngine{})
	body, _ := json.Marshal(workflow.WorkflowDefinition{
		ID: "bad", Version: 1,
		Steps: []workflow.WorkflowStep{{ID: "a", DependsOn: []string{"ghost"}, Type: workflow.StepTransform}},
	})

	rec := doRequest(r, http.MethodPost, "/workflows", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetWorkflowUnknownReturnsNotFound(t *testing.T) {
	r, _ := newTestRouter(&stubEngine{})
	rec := doRequest(r, http.MethodGet, "/workflows/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartWorkflowWithEmptyBodyIsAccepted(t *testing.T) {
	eng := &stubEngine{startInstanceID: "inst-1"}
	r, _ := newTestRouter(eng)

	rec := doRequest(r, http.MethodPost, "/workflows/wf1/start", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "wf1", eng.lastWorkflowID)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "inst-1", resp["instanceId"])
}

func TestStartWorkflowWithVariablesPassesThem(t *testing.T) {
	eng := &stubEngine{startInstanceID: "inst-2"}
	r, _ := newTestRouter(eng)

	body, _ := json.Marshal(map[string]any{"version": 3, "variables": map[string]any{"x": float64(1)}})
	rec := doRequest(r, http.MethodPost, "/workflows/wf1/start", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 3, eng.lastVersion)
	assert.Equal(t, float64(1), eng.lastVars["x"])
}

func TestStartWorkflowMalformedBodyIsBadRequest(t *testing.T) {
	r, _ := newTestRouter(&stubEngine{})
	rec := doRequest(r, http.MethodPost, "/workflows/wf1/start", []byte(`{"version": `))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartWorkflowEngineErrorMapsToHTTPStatus(t *testing.T) {
	eng := &stubEngine{startErr: apperrors.New(apperrors.DefinitionNotFound, "no such workflow")}
	r, _ := newTestRouter(eng)

	rec := doRequest(r, http.MethodPost, "/workflows/ghost/start", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSignalInstanceDelegatesToEngine(t *testing.T) {
	eng := &stubEngine{}
	r, _ := newTestRouter(eng)

	body, _ := json.Marshal(map[string]any{"eventName": "approved", "payload": map[string]string{"k": "v"}})
	rec := doRequest(r, http.MethodPost, "/instances/i1/signal", body)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestSignalInstanceErrorMapsToHTTPStatus(t *testing.T) {
	eng := &stubEngine{signalErr: apperrors.New(apperrors.InstanceNotFound, "gone")}
	r, _ := newTestRouter(eng)

	body, _ := json.Marshal(map[string]any{"eventName": "x"})
	rec := doRequest(r, http.MethodPost, "/instances/i1/signal", body)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApproveStepDelegatesToEngine(t *testing.T) {
	eng := &stubEngine{}
	r, _ := newTestRouter(eng)

	body, _ := json.Marshal(map[string]any{"approved": true})
	rec := doRequest(r, http.MethodPost, "/instances/i1/steps/gate/approve", body)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestListWorkflowsReturnsRegisteredDefinitions(t *testing.T) {
	r, defs := newTestRouter(&stubEngine{})
	require.NoError(t, defs.Register(&workflow.WorkflowDefinition{
		ID: "wf1", Version: 1,
		Steps: []workflow.WorkflowStep{{ID: "a", Type: workflow.StepTransform, Config: workflow.StepConfig{Expression: `"x"`}}},
	}))

	rec := doRequest(r, http.MethodGet, "/workflows", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []workflow.WorkflowDefinition
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "wf1", list[0].ID)
}

func TestListInstancesFiltersByWorkflowQueryParam(t *testing.T) {
	r, _ := newTestRouter(&stubEngine{})
	rec := doRequest(r, http.MethodGet, "/workflows/instances?workflowId=wf1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []*workflow.WorkflowInstance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Empty(t, list)
}
