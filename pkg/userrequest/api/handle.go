package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/tendant/simple-idm-workflow/pkg/client"
	"github.com/tendant/simple-idm-workflow/pkg/errors"
	"github.com/tendant/simple-idm-workflow/pkg/user"
	"github.com/tendant/simple-idm-workflow/pkg/userrequest"
)

const (
	defaultPage = 1
	defaultSize = 10
	maxSize     = 500
)

type Handle struct {
	handler *userrequest.Handler
	binder  *user.DataBinder
}

func NewHandle(handler *userrequest.Handler, binder *user.DataBinder) *Handle {
	return &Handle{
		handler: handler,
		binder:  binder,
	}
}

// FormsResponse is a page of forms.
type FormsResponse struct {
	Count int                           `json:"count"`
	Page  int                           `json:"page"`
	Size  int                           `json:"size"`
	Forms []userrequest.UserRequestForm `json:"forms"`
}

// RequestsResponse is a page of user requests.
type RequestsResponse struct {
	Count    int                       `json:"count"`
	Page     int                       `json:"page"`
	Size     int                       `json:"size"`
	Requests []userrequest.UserRequest `json:"requests"`
}

// StartRequest carries the variables passed to a new request.
type StartRequest struct {
	Variables map[string]any `json:"variables,omitempty"`
}

type paging struct {
	page    int
	size    int
	orderBy []userrequest.OrderByClause
}

func parsePaging(r *http.Request) (paging, error) {
	p := paging{page: defaultPage, size: defaultSize}
	q := r.URL.Query()
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return p, errors.InvalidInput("page", "must be a positive integer")
		}
		p.page = n
	}
	if v := q.Get("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxSize {
			return p, errors.InvalidInput("size", "must be between 1 and "+strconv.Itoa(maxSize))
		}
		p.size = n
	}
	p.orderBy = userrequest.ParseOrderBy(q.Get("orderBy"))
	return p, nil
}

// ListForms handles GET /forms
func (h *Handle) ListForms(w http.ResponseWriter, r *http.Request) {
	p, err := parsePaging(r)
	if err != nil {
		client.RenderError(w, r, err)
		return
	}
	count, forms, err := h.handler.GetForms(r.Context(), client.Actor(r), r.URL.Query().Get("userKey"), p.page, p.size, p.orderBy)
	if err != nil {
		client.RenderError(w, r, err)
		return
	}
	render.JSON(w, r, FormsResponse{Count: count, Page: p.page, Size: p.size, Forms: forms})
}

// GetForm handles GET /forms/{userKey}/{taskId}
func (h *Handle) GetForm(w http.ResponseWriter, r *http.Request) {
	form, err := h.handler.GetForm(r.Context(), client.Actor(r), chi.URLParam(r, "userKey"), chi.URLParam(r, "taskId"))
	if err != nil {
		client.RenderError(w, r, err)
		return
	}
	render.JSON(w, r, form)
}

// ClaimForm handles POST /forms/{taskId}/claim
func (h *Handle) ClaimForm(w http.ResponseWriter, r *http.Request) {
	form, err := h.handler.ClaimForm(r.Context(), client.Actor(r), chi.URLParam(r, "taskId"))
	if err != nil {
		client.RenderError(w, r, err)
		return
	}
	render.JSON(w, r, form)
}

// UnclaimForm handles POST /forms/{taskId}/unclaim
func (h *Handle) UnclaimForm(w http.ResponseWriter, r *http.Request) {
	form, err := h.handler.UnclaimForm(r.Context(), client.Actor(r), chi.URLParam(r, "taskId"))
	if err != nil {
		client.RenderError(w, r, err)
		return
	}
	render.JSON(w, r, form)
}

// SubmitForm handles POST /forms?context=
func (h *Handle) SubmitForm(w http.ResponseWriter, r *http.Request) {
	var form userrequest.UserRequestForm
	if err := render.DecodeJSON(r.Body, &form); err != nil {
		client.RenderError(w, r, errors.Wrap(err, errors.ErrCodeInvalidFormat, "invalid request body"))
		return
	}
	if err := h.binder.Validate(&form); err != nil {
		client.RenderError(w, r, err)
		return
	}
	result, err := h.handler.SubmitForm(r.Context(), client.Actor(r), form, r.URL.Query().Get("context"))
	if err != nil {
		client.RenderError(w, r, err)
		return
	}
	render.JSON(w, r, result)
}

// ListRequests handles GET /requests/{userKey}
func (h *Handle) ListRequests(w http.ResponseWriter, r *http.Request) {
	p, err := parsePaging(r)
	if err != nil {
		client.RenderError(w, r, err)
		return
	}
	count, requests, err := h.handler.GetUserRequests(r.Context(), client.Actor(r), chi.URLParam(r, "userKey"), p.page, p.size, p.orderBy)
	if err != nil {
		client.RenderError(w, r, err)
		return
	}
	render.JSON(w, r, RequestsResponse{Count: count, Page: p.page, Size: p.size, Requests: requests})
}

// StartRequest handles POST /requests/{userKey}/{bpmnProcess}
func (h *Handle) StartRequest(w http.ResponseWriter, r *http.Request) {
	var body StartRequest
	if r.ContentLength != 0 {
		if err := render.DecodeJSON(r.Body, &body); err != nil {
			client.RenderError(w, r, errors.Wrap(err, errors.ErrCodeInvalidFormat, "invalid request body"))
			return
		}
	}
	req, err := h.handler.Start(r.Context(), client.Actor(r), chi.URLParam(r, "bpmnProcess"), chi.URLParam(r, "userKey"), body.Variables)
	if err != nil {
		client.RenderError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, req)
}

// CancelRequest handles DELETE /requests/{executionId}
func (h *Handle) CancelRequest(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "Canceled by " + client.Actor(r)
	}
	if err := h.handler.Cancel(r.Context(), client.Actor(r), chi.URLParam(r, "executionId"), reason); err != nil {
		client.RenderError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Handler mounts the form and request routes. The caller is expected to
// have authenticated the request with client.AuthUserMiddleware.
func Handler(h *Handle) http.Handler {
	r := chi.NewRouter()

	r.Get("/forms", h.ListForms)
	r.Post("/forms", h.SubmitForm)
	r.Get("/forms/{userKey}/{taskId}", h.GetForm)
	r.Post("/forms/{taskId}/claim", h.ClaimForm)
	r.Post("/forms/{taskId}/unclaim", h.UnclaimForm)

	r.Get("/requests/{userKey}", h.ListRequests)
	r.Post("/requests/{userKey}/{bpmnProcess}", h.StartRequest)
	r.Delete("/requests/{executionId}", h.CancelRequest)

	return r
}
