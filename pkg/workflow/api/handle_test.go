package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-idm-workflow/pkg/client"
	"github.com/tendant/simple-idm-workflow/pkg/engine"
	"github.com/tendant/simple-idm-workflow/pkg/event"
	"github.com/tendant/simple-idm-workflow/pkg/user"
	"github.com/tendant/simple-idm-workflow/pkg/workflow"
	"github.com/tendant/simple-idm-workflow/pkg/workflow/delegate"
)

const approvalDefinition = `<?xml version="1.0" encoding="UTF-8"?>
<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL" xmlns:flowable="http://flowable.org/bpmn">
  <process id="approval" name="Approval" isExecutable="true">
    <startEvent id="s"/>
    <sequenceFlow id="f1" sourceRef="s" targetRef="review"/>
    <userTask id="review" name="Review"/>
    <sequenceFlow id="f2" sourceRef="review" targetRef="e"/>
    <endEvent id="e"/>
  </process>
</definitions>`

type testServer struct {
	handler http.Handler
	adapter *workflow.UserWorkflowAdapter
	users   *user.InMemoryUserRepository
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	binder := user.NewDataBinder()
	e := engine.NewInMemoryEngine(engine.WithDelegates(delegate.Delegates(delegate.Config{
		Binder:        binder,
		PolicyChecker: user.NewDefaultPasswordPolicyChecker(nil, nil),
	})))
	defs := workflow.NewDefinitions(e)
	require.NoError(t, defs.DeployDefault(context.Background(), nil))

	cipher, err := workflow.NewPasswordCipher("0123456789abcdef-test")
	require.NoError(t, err)
	users := user.NewInMemoryUserRepository()
	adapter := workflow.NewUserWorkflowAdapter(workflow.NewRuntime(e, binder, cipher), users, binder, event.LogPublisher{}, "Master")

	return &testServer{
		handler: Handler(NewHandle(defs, adapter, binder)),
		adapter: adapter,
		users:   users,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	req = req.WithContext(context.WithValue(req.Context(), client.AuthUserKey, &client.AuthUser{Username: "admin"}))
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func TestDefinitionRoutes(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPut, "/definitions/approval", strings.NewReader(approvalDefinition))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var imported workflow.DefinitionTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &imported))
	assert.Equal(t, "approval", imported.Key)
	assert.Equal(t, 1, imported.Version)
	assert.False(t, imported.Main)

	rec = s.do(t, http.MethodGet, "/definitions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var defs []workflow.DefinitionTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &defs))
	keys := make([]string, 0, len(defs))
	for _, d := range defs {
		keys = append(keys, d.Key)
	}
	assert.ElementsMatch(t, []string{workflow.UserWorkflowKey, "approval"}, keys)

	rec = s.do(t, http.MethodGet, "/definitions/approval?format=json", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	exported := rec.Body.Bytes()
	assert.True(t, json.Valid(exported))

	rec = s.do(t, http.MethodPut, "/definitions/approval?format=json", bytes.NewReader(exported))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &imported))
	assert.Equal(t, 2, imported.Version)

	rec = s.do(t, http.MethodGet, "/definitions/approval", nil)
	assert.Equal(t, "application/xml", rec.Header().Get("Content-Type"))

	rec = s.do(t, http.MethodDelete, "/definitions/approval", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(t, http.MethodGet, "/definitions/approval", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDefinitionRoutesReject(t *testing.T) {
	s := newTestServer(t)

	for name, tc := range map[string]struct {
		method string
		path   string
		body   string
		status int
	}{
		"unknown format":     {http.MethodGet, "/definitions/userWorkflow?format=csv", "", http.StatusBadRequest},
		"empty body":         {http.MethodPut, "/definitions/approval", "", http.StatusBadRequest},
		"key mismatch":       {http.MethodPut, "/definitions/other", approvalDefinition, http.StatusBadRequest},
		"malformed":          {http.MethodPut, "/definitions/approval", "<definitions", http.StatusBadRequest},
		"delete main":        {http.MethodDelete, "/definitions/userWorkflow", "", http.StatusForbidden},
		"delete unknown":     {http.MethodDelete, "/definitions/missing", "", http.StatusNotFound},
		"tasks unknown user": {http.MethodGet, "/users/missing/tasks", "", http.StatusNotFound},
	} {
		t.Run(name, func(t *testing.T) {
			rec := s.do(t, tc.method, tc.path, strings.NewReader(tc.body))
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
		})
	}
}

func TestTaskRoutes(t *testing.T) {
	s := newTestServer(t)
	result, err := s.adapter.Create(context.Background(), &user.UserCR{Username: "corelli"}, false, nil, true, "admin", "test")
	require.NoError(t, err)
	key := result.Result.Key

	rec := s.do(t, http.MethodGet, "/users/"+key+"/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var tasks TasksResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tasks))
	assert.Contains(t, tasks.Available, "suspend")
	assert.Equal(t, []string{"active", "autoActivate", "create"}, tasks.Performed)

	rec = s.do(t, http.MethodPost, "/users/"+key+"/tasks", strings.NewReader(`{"variables":{"task":"suspend"},"auditContext":"api"}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var executed workflow.WorkflowResult[string]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &executed))
	assert.Equal(t, key, executed.Result)
	assert.Equal(t, []string{"suspend", "suspended"}, executed.PerformedTasks)

	u, err := s.users.Find(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "suspended", u.Status)

	rec = s.do(t, http.MethodPost, "/users/"+key+"/tasks", strings.NewReader("{"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
