package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-idm-workflow/pkg/client"
	"github.com/tendant/simple-idm-workflow/pkg/engine"
	"github.com/tendant/simple-idm-workflow/pkg/errors"
	"github.com/tendant/simple-idm-workflow/pkg/event"
	"github.com/tendant/simple-idm-workflow/pkg/user"
	"github.com/tendant/simple-idm-workflow/pkg/userrequest"
	"github.com/tendant/simple-idm-workflow/pkg/workflow"
)

const reviewDefinition = `<?xml version="1.0" encoding="UTF-8"?>
<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL" xmlns:flowable="http://flowable.org/bpmn">
  <process id="review" name="Review" isExecutable="true">
    <startEvent id="s"/>
    <sequenceFlow id="f1" sourceRef="s" targetRef="check"/>
    <userTask id="check" name="Check" flowable:candidateGroups="managers">
      <extensionElements>
        <flowable:formProperty id="ok" name="OK?" type="boolean" required="true"/>
      </extensionElements>
    </userTask>
    <sequenceFlow id="f2" sourceRef="check" targetRef="e"/>
    <endEvent id="e"/>
  </process>
</definitions>`

type testServer struct {
	handler http.Handler
	users   *user.InMemoryUserRepository
	bob     *user.User
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	binder := user.NewDataBinder()
	e := engine.NewInMemoryEngine()
	require.NoError(t, workflow.NewDefinitions(e).DeployDefault(ctx, nil))
	_, err := e.Deploy(ctx, "review.bpmn20.xml", []byte(reviewDefinition))
	require.NoError(t, err)

	cipher, err := workflow.NewPasswordCipher("0123456789abcdef-test")
	require.NoError(t, err)
	users := user.NewInMemoryUserRepository()
	for _, u := range []*user.User{
		{Username: "carol", Memberships: []string{"managers"}},
		{Username: "bob", Memberships: []string{"staff"}},
	} {
		_, err := users.Save(ctx, u)
		require.NoError(t, err)
	}
	bob, err := users.FindByUsername(ctx, "bob")
	require.NoError(t, err)

	h := userrequest.NewHandler(workflow.NewRuntime(e, binder, cipher), users, binder, event.LogPublisher{}, "Master", "admin")
	return &testServer{
		handler: Handler(NewHandle(h, binder)),
		users:   users,
		bob:     bob,
	}
}

func (s *testServer) do(t *testing.T, actor, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req = req.WithContext(context.WithValue(req.Context(), client.AuthUserKey, &client.AuthUser{Username: actor}))
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestRequestRoutes(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, "admin", http.MethodPost, "/requests/"+s.bob.Key+"/review", StartRequest{Variables: map[string]any{"origin": "api"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	started := decode[userrequest.UserRequest](t, rec)
	assert.Equal(t, "review", started.BpmnProcess)
	assert.Equal(t, "bob", started.Username)
	assert.True(t, started.HasForm)

	rec = s.do(t, "admin", http.MethodGet, "/requests/"+s.bob.Key, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[RequestsResponse](t, rec)
	assert.Equal(t, 1, page.Count)
	assert.Equal(t, defaultPage, page.Page)
	assert.Equal(t, defaultSize, page.Size)
	require.Len(t, page.Requests, 1)
	assert.Equal(t, started.ExecutionID, page.Requests[0].ExecutionID)

	rec = s.do(t, "admin", http.MethodDelete, "/requests/"+started.ExecutionID+"?reason=obsolete", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, "admin", http.MethodGet, "/requests/"+s.bob.Key, nil)
	assert.Zero(t, decode[RequestsResponse](t, rec).Count)
}

func TestRequestRoutesRejectOtherUsers(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, "carol", http.MethodPost, "/requests/"+s.bob.Key+"/review", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = s.do(t, "carol", http.MethodGet, "/requests/"+s.bob.Key, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, "bob", http.MethodPost, "/requests/"+s.bob.Key+"/review", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	started := decode[userrequest.UserRequest](t, rec)

	rec = s.do(t, "carol", http.MethodDelete, "/requests/"+started.ExecutionID, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = s.do(t, "bob", http.MethodGet, "/requests/"+s.bob.Key, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[RequestsResponse](t, rec).Count)
	rec = s.do(t, "bob", http.MethodDelete, "/requests/"+started.ExecutionID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestStartUserWorkflowIsForbidden(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, "admin", http.MethodPost, "/requests/"+s.bob.Key+"/userWorkflow", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	body := decode[client.ErrorResponse](t, rec)
	assert.Equal(t, "error", body.Status)
	assert.Equal(t, errors.ErrCodeForbidden, body.Code)
}

func TestInvalidPaging(t *testing.T) {
	s := newTestServer(t)
	for _, q := range []string{"page=0", "page=x", "size=0", fmt.Sprintf("size=%d", maxSize+1)} {
		rec := s.do(t, "admin", http.MethodGet, "/requests/"+s.bob.Key+"?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestFormRoutes(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, "admin", http.MethodPost, "/requests/"+s.bob.Key+"/review", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	started := decode[userrequest.UserRequest](t, rec)

	rec = s.do(t, "carol", http.MethodGet, "/forms?userKey="+s.bob.Key, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	forms := decode[FormsResponse](t, rec)
	require.Equal(t, 1, forms.Count)
	assert.Equal(t, started.TaskID, forms.Forms[0].TaskID)

	rec = s.do(t, "bob", http.MethodGet, "/forms?userKey="+s.bob.Key, nil)
	assert.Zero(t, decode[FormsResponse](t, rec).Count)

	rec = s.do(t, "bob", http.MethodPost, "/forms/"+started.TaskID+"/claim", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, "carol", http.MethodPost, "/forms/"+started.TaskID+"/claim", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	form := decode[userrequest.UserRequestForm](t, rec)
	assert.Equal(t, "carol", form.Assignee)

	rec = s.do(t, "carol", http.MethodGet, "/forms/"+s.bob.Key+"/"+started.TaskID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	form = decode[userrequest.UserRequestForm](t, rec)
	prop, ok := form.Property("ok")
	require.True(t, ok)
	prop.Value = "true"

	rec = s.do(t, "carol", http.MethodPost, "/forms", form)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[workflow.WorkflowResult[*user.UserUR]](t, rec)
	assert.Equal(t, []string{"check"}, result.PerformedTasks)

	rec = s.do(t, "admin", http.MethodGet, "/requests/"+s.bob.Key, nil)
	assert.Zero(t, decode[RequestsResponse](t, rec).Count)
}

func TestSubmitFormValidation(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, "carol", http.MethodPost, "/forms", userrequest.UserRequestForm{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/forms", bytes.NewBufferString("{"))
	req = req.WithContext(context.WithValue(req.Context(), client.AuthUserKey, &client.AuthUser{Username: "carol"}))
	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, errors.ErrCodeInvalidFormat, decode[client.ErrorResponse](t, rec).Code)
}

func TestUnknownFormIsNotFound(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, "admin", http.MethodPost, "/forms/missing/claim", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
