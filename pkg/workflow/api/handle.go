package api

import (
	"bytes"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/tendant/simple-idm-workflow/pkg/bpmn"
	"github.com/tendant/simple-idm-workflow/pkg/client"
	"github.com/tendant/simple-idm-workflow/pkg/errors"
	"github.com/tendant/simple-idm-workflow/pkg/user"
	"github.com/tendant/simple-idm-workflow/pkg/workflow"
)

// maxDefinitionSize bounds imported process definitions.
const maxDefinitionSize = 4 << 20

type Handle struct {
	definitions *workflow.Definitions
	adapter     *workflow.UserWorkflowAdapter
	binder      *user.DataBinder
}

func NewHandle(definitions *workflow.Definitions, adapter *workflow.UserWorkflowAdapter, binder *user.DataBinder) *Handle {
	return &Handle{
		definitions: definitions,
		adapter:     adapter,
		binder:      binder,
	}
}

// TasksResponse lists the user workflow tasks of a user.
type TasksResponse struct {
	Available []string `json:"available"`
	Performed []string `json:"performed"`
}

// ExecuteTaskRequest drives the user workflow of a user.
type ExecuteTaskRequest struct {
	TaskID       string         `json:"taskId,omitempty"`
	Variables    map[string]any `json:"variables,omitempty"`
	AuditContext string         `json:"auditContext,omitempty"`
}

// ListDefinitions handles GET /definitions
func (h *Handle) ListDefinitions(w http.ResponseWriter, r *http.Request) {
	defs, err := h.definitions.List(r.Context())
	if err != nil {
		client.RenderError(w, r, err)
		return
	}
	render.JSON(w, r, defs)
}

// ExportDefinition handles GET /definitions/{key}
func (h *Handle) ExportDefinition(w http.ResponseWriter, r *http.Request) {
	format, err := bpmn.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		client.RenderError(w, r, errors.Wrap(err, errors.ErrCodeInvalidInput, "unsupported format"))
		return
	}
	var buf bytes.Buffer
	if err := h.definitions.Export(r.Context(), chi.URLParam(r, "key"), format, &buf); err != nil {
		client.RenderError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// ImportDefinition handles PUT /definitions/{key}
func (h *Handle) ImportDefinition(w http.ResponseWriter, r *http.Request) {
	format, err := bpmn.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		client.RenderError(w, r, errors.Wrap(err, errors.ErrCodeInvalidInput, "unsupported format"))
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDefinitionSize))
	if err != nil {
		client.RenderError(w, r, errors.Wrap(err, errors.ErrCodeInvalidInput, "failed to read definition"))
		return
	}
	if len(data) == 0 {
		client.RenderError(w, r, errors.InvalidInput("body", "definition is empty"))
		return
	}
	def, err := h.definitions.Import(r.Context(), chi.URLParam(r, "key"), format, data)
	if err != nil {
		client.RenderError(w, r, err)
		return
	}
	render.JSON(w, r, def)
}

// DeleteDefinition handles DELETE /definitions/{key}
func (h *Handle) DeleteDefinition(w http.ResponseWriter, r *http.Request) {
	if err := h.definitions.Delete(r.Context(), chi.URLParam(r, "key")); err != nil {
		client.RenderError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetTasks handles GET /users/{userKey}/tasks
func (h *Handle) GetTasks(w http.ResponseWriter, r *http.Request) {
	userKey := chi.URLParam(r, "userKey")
	available, err := h.adapter.GetAvailableTasks(r.Context(), userKey)
	if err != nil {
		client.RenderError(w, r, err)
		return
	}
	performed, err := h.adapter.GetPerformedTasks(r.Context(), userKey)
	if err != nil {
		client.RenderError(w, r, err)
		return
	}
	render.JSON(w, r, TasksResponse{Available: available, Performed: performed})
}

// ExecuteTask handles POST /users/{userKey}/tasks
func (h *Handle) ExecuteTask(w http.ResponseWriter, r *http.Request) {
	var body ExecuteTaskRequest
	if r.ContentLength != 0 {
		if err := render.DecodeJSON(r.Body, &body); err != nil {
			client.RenderError(w, r, errors.Wrap(err, errors.ErrCodeInvalidFormat, "invalid request body"))
			return
		}
	}
	input := workflow.WorkflowTaskExecInput{
		UserKey:   chi.URLParam(r, "userKey"),
		TaskID:    body.TaskID,
		Variables: body.Variables,
	}
	if err := h.binder.Validate(&input); err != nil {
		client.RenderError(w, r, err)
		return
	}
	result, err := h.adapter.ExecuteNextTask(r.Context(), input, client.Actor(r), body.AuditContext)
	if err != nil {
		client.RenderError(w, r, err)
		return
	}
	render.JSON(w, r, result)
}

// Handler mounts the definition and user task routes. Definition changes
// are restricted by the caller, typically with client.RequireAdmin.
func Handler(h *Handle) http.Handler {
	r := chi.NewRouter()

	r.Get("/definitions", h.ListDefinitions)
	r.Get("/definitions/{key}", h.ExportDefinition)
	r.Put("/definitions/{key}", h.ImportDefinition)
	r.Delete("/definitions/{key}", h.DeleteDefinition)

	r.Get("/users/{userKey}/tasks", h.GetTasks)
	r.Post("/users/{userKey}/tasks", h.ExecuteTask)

	return r
}
