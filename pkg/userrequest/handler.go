// Package userrequest manages the auxiliary processes started for users and
// the forms that user tasks expose to approvers.
package userrequest

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/tendant/simple-idm-workflow/pkg/engine"
	"github.com/tendant/simple-idm-workflow/pkg/errors"
	"github.com/tendant/simple-idm-workflow/pkg/event"
	"github.com/tendant/simple-idm-workflow/pkg/propagation"
	"github.com/tendant/simple-idm-workflow/pkg/user"
	"github.com/tendant/simple-idm-workflow/pkg/workflow"
)

const submitTask = "submit"

type Handler struct {
	engine    engine.ProcessEngine
	runtime   *workflow.Runtime
	users     user.UserRepository
	binder    *user.DataBinder
	publisher event.Publisher
	adminUser string
	domain    string
	dropdowns map[string]DropdownValueProvider
	logger    *slog.Logger
}

type Option func(*Handler)

// WithDropdownProvider serves the values of the dropdown property id.
func WithDropdownProvider(id string, provider DropdownValueProvider) Option {
	return func(h *Handler) {
		h.dropdowns[id] = provider
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

func NewHandler(
	rt *workflow.Runtime,
	users user.UserRepository,
	binder *user.DataBinder,
	publisher event.Publisher,
	domain, adminUser string,
	opts ...Option,
) *Handler {
	h := &Handler{
		engine:    rt.Engine(),
		runtime:   rt,
		users:     users,
		binder:    binder,
		publisher: publisher,
		adminUser: adminUser,
		domain:    domain,
		dropdowns: make(map[string]DropdownValueProvider),
		logger:    slog.Default().With("component", "user-request"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) isAdmin(actor string) bool {
	return actor == h.adminUser
}

// authorize lets the admin act on any user's requests, and everyone else
// on their own only. An empty userKey means every user.
func (h *Handler) authorize(ctx context.Context, actor, userKey string) error {
	if h.isAdmin(actor) {
		return nil
	}
	if userKey == "" {
		return errors.Forbidden("only the administrator can see the requests of every user")
	}
	u, err := h.users.Find(ctx, userKey)
	if errors.IsCode(err, errors.ErrCodeNotFound) || (err == nil && u.Username != actor) {
		return errors.Forbidden(fmt.Sprintf("%s cannot act on the requests of user %s", actor, userKey))
	}
	return err
}

// groups returns the memberships of actor, none when actor is not a user.
func (h *Handler) groups(ctx context.Context, actor string) ([]string, error) {
	u, err := h.users.FindByUsername(ctx, actor)
	if errors.IsCode(err, errors.ErrCodeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return u.Memberships, nil
}

func offset(page, size int) int {
	if page <= 0 || size <= 0 {
		return 0
	}
	return size * (page - 1)
}

// Start runs bpmnProcess for the user identified by userKey.
func (h *Handler) Start(ctx context.Context, actor, bpmnProcess, userKey string, input map[string]any) (*UserRequest, error) {
	if bpmnProcess == workflow.UserWorkflowKey {
		return nil, errors.Forbidden("cannot start a " + workflow.UserWorkflowKey + " request")
	}
	if err := h.authorize(ctx, actor, userKey); err != nil {
		return nil, err
	}
	if _, err := h.engine.LatestProcessDefinition(ctx, bpmnProcess); err != nil {
		return nil, err
	}
	u, err := h.users.Find(ctx, userKey)
	if err != nil {
		return nil, err
	}

	vars := make(map[string]any, len(input)+3)
	maps.Copy(vars, input)
	vars[workflow.VarWfExecutor.Name()] = actor
	vars[workflow.VarUser.Name()] = u
	vars[workflow.VarUserTO.Name()] = h.binder.GetUserTO(u, true)

	pi, err := h.engine.StartProcessInstanceByKey(ctx, bpmnProcess, "", vars)
	if err != nil {
		return nil, workflow.TranslateError(err, fmt.Sprintf("while starting %s instance", bpmnProcess))
	}
	if err := h.engine.UpdateBusinessKey(ctx, pi.ID, workflow.BusinessKey(bpmnProcess, u.Key)); err != nil {
		return nil, err
	}
	pi, err = h.engine.ProcessInstance(ctx, pi.ID)
	if errors.IsCode(err, errors.ErrCodeNotFound) {
		h.logger.Info("User request completed on start", "process", bpmnProcess, "userKey", u.Key)
		return &UserRequest{BpmnProcess: bpmnProcess, Username: u.Username, StartTime: time.Now().UTC()}, nil
	}
	if err != nil {
		return nil, err
	}
	h.logger.Info("User request started", "process", bpmnProcess, "userKey", u.Key, "executionId", pi.ID, "actor", actor)
	return h.userRequest(ctx, pi)
}

// Parse resolves a running instance and the user key of its business key.
func (h *Handler) Parse(ctx context.Context, executionID string) (*engine.ProcessInstance, string, error) {
	pi, err := h.engine.ProcessInstance(ctx, executionID)
	if err != nil {
		return nil, "", err
	}
	return pi, workflow.UserKeyOf(pi.BusinessKey), nil
}

// Cancel deletes an auxiliary instance on behalf of actor.
func (h *Handler) Cancel(ctx context.Context, actor, executionID, reason string) error {
	pi, userKey, err := h.Parse(ctx, executionID)
	if err != nil {
		return err
	}
	if pi.ProcessDefinitionKey == workflow.UserWorkflowKey {
		return errors.Forbidden("cannot cancel a " + workflow.UserWorkflowKey + " execution")
	}
	if err := h.authorize(ctx, actor, userKey); err != nil {
		return err
	}
	if err := h.engine.DeleteProcessInstance(ctx, pi.ID, reason); err != nil {
		return err
	}
	h.logger.Info("User request canceled", "executionId", pi.ID, "actor", actor, "reason", reason)
	return nil
}

// CancelByProcessDefinition deletes every running instance of a definition.
func (h *Handler) CancelByProcessDefinition(ctx context.Context, processDefinitionID string) error {
	instances, err := h.engine.QueryProcessInstances(ctx, engine.ProcessInstanceQuery{ProcessDefinitionID: processDefinitionID})
	if err != nil {
		return err
	}
	for _, pi := range instances {
		if err := h.engine.DeleteProcessInstance(ctx, pi.ID, "Cascade Delete process definition "+processDefinitionID); err != nil {
			return err
		}
	}
	return nil
}

// CancelByUser deletes the requests of a user removed in this domain. It is
// meant to be subscribed to DELETE lifecycle events.
func (h *Handler) CancelByUser(ctx context.Context, ev event.LifecycleEvent) error {
	if ev.Type != event.Delete || ev.Domain != h.domain {
		return nil
	}
	instances, err := h.requests(ctx, ev.Key)
	if err != nil {
		return err
	}
	for _, pi := range instances {
		if err := h.engine.DeleteProcessInstance(ctx, pi.ID, "Cascade Delete user "+ev.Username); err != nil {
			return err
		}
	}
	if len(instances) > 0 {
		h.logger.Info("Canceled requests of deleted user", "userKey", ev.Key, "count", len(instances))
	}
	return nil
}

// requests lists the running auxiliary instances, of one user when userKey
// is set.
func (h *Handler) requests(ctx context.Context, userKey string) ([]*engine.ProcessInstance, error) {
	q := engine.ProcessInstanceQuery{ExcludeProcessDefinitionKey: workflow.UserWorkflowKey}
	if userKey != "" {
		q.BusinessKeySuffix = ":" + userKey
	}
	instances, err := h.engine.QueryProcessInstances(ctx, q)
	if err != nil {
		return nil, err
	}
	if userKey == "" {
		return instances, nil
	}
	return slices.DeleteFunc(instances, func(pi *engine.ProcessInstance) bool {
		return workflow.UserKeyOf(pi.BusinessKey) != userKey
	}), nil
}

// GetUserRequests pages the running requests visible to actor. Sort fields
// are bpmnProcess, startTime and executionId.
func (h *Handler) GetUserRequests(ctx context.Context, actor, userKey string, page, size int, orderBy []OrderByClause) (int, []UserRequest, error) {
	if err := h.authorize(ctx, actor, userKey); err != nil {
		return 0, nil, err
	}
	instances, err := h.requests(ctx, userKey)
	if err != nil {
		return 0, nil, err
	}

	var comparators []func(a, b *engine.ProcessInstance) int
	for _, clause := range orderBy {
		var c func(a, b *engine.ProcessInstance) int
		switch strings.TrimSpace(clause.Field) {
		case "bpmnProcess":
			c = func(a, b *engine.ProcessInstance) int { return cmp.Compare(a.ProcessDefinitionKey, b.ProcessDefinitionKey) }
		case "startTime":
			c = func(a, b *engine.ProcessInstance) int { return a.StartTime.Compare(b.StartTime) }
		case "executionId":
			c = func(a, b *engine.ProcessInstance) int { return cmp.Compare(a.ID, b.ID) }
		default:
			h.logger.Warn("User request sort request unsupported, ignoring", "field", clause.Field)
			continue
		}
		if clause.Direction == Desc {
			asc := c
			c = func(a, b *engine.ProcessInstance) int { return -asc(a, b) }
		}
		comparators = append(comparators, c)
	}
	slices.SortStableFunc(instances, func(a, b *engine.ProcessInstance) int {
		for _, c := range comparators {
			if r := c(a, b); r != 0 {
				return r
			}
		}
		return 0
	})

	count := len(instances)
	if from := offset(page, size); from < len(instances) {
		instances = instances[from:]
	} else {
		instances = nil
	}
	if size > 0 && size < len(instances) {
		instances = instances[:size]
	}

	out := make([]UserRequest, 0, len(instances))
	for _, pi := range instances {
		req, err := h.userRequest(ctx, pi)
		if err != nil {
			return 0, nil, err
		}
		out = append(out, *req)
	}
	return count, out, nil
}

func (h *Handler) userRequest(ctx context.Context, pi *engine.ProcessInstance) (*UserRequest, error) {
	req := &UserRequest{
		BpmnProcess: pi.ProcessDefinitionKey,
		StartTime:   pi.StartTime,
		ExecutionID: pi.ID,
	}
	userKey := workflow.UserKeyOf(pi.BusinessKey)
	u, err := h.users.Find(ctx, userKey)
	switch {
	case err == nil:
		req.Username = u.Username
	case errors.IsCode(err, errors.ErrCodeNotFound):
		h.logger.Warn("User of request not found", "executionId", pi.ID, "userKey", userKey)
	default:
		return nil, err
	}

	tasks, err := h.runtime.CurrentTasks(ctx, pi.ID)
	if err != nil {
		return nil, err
	}
	if len(tasks) > 0 {
		req.ActivityID = tasks[0].TaskDefinitionKey
		req.TaskID = tasks[0].ID
		req.HasForm = tasks[0].HasForm
	}
	return req, nil
}

var taskOrder = map[string]engine.TaskProperty{
	"bpmnProcess": engine.TaskByProcessDefinitionKey,
	"executionId": engine.TaskByExecutionID,
	"taskId":      engine.TaskByID,
	"createTime":  engine.TaskByCreateTime,
	"dueDate":     engine.TaskByDueDate,
	"assignee":    engine.TaskByAssignee,
	"owner":       engine.TaskByAssignee,
}

// formQuery selects the form tasks actor may see: all of them for the
// admin, otherwise those assigned to actor or open to actor or its groups.
func (h *Handler) formQuery(ctx context.Context, actor, userKey string) (engine.TaskQuery, error) {
	q := engine.TaskQuery{WithForm: true}
	if userKey != "" {
		q.BusinessKeySuffix = ":" + userKey
	}
	if !h.isAdmin(actor) {
		groups, err := h.groups(ctx, actor)
		if err != nil {
			return q, err
		}
		q.CandidateOrAssigned = actor
		q.CandidateGroups = groups
	}
	return q, nil
}

// GetForms pages the pending forms visible to actor and returns their total
// count.
func (h *Handler) GetForms(ctx context.Context, actor, userKey string, page, size int, orderBy []OrderByClause) (int, []UserRequestForm, error) {
	q, err := h.formQuery(ctx, actor, userKey)
	if err != nil {
		return 0, nil, err
	}
	count, err := h.engine.CountTasks(ctx, q)
	if err != nil {
		return 0, nil, err
	}

	for _, clause := range orderBy {
		property, ok := taskOrder[strings.TrimSpace(clause.Field)]
		if !ok {
			h.logger.Warn("Form sort request unsupported, ignoring", "field", clause.Field)
			continue
		}
		q.OrderBy = append(q.OrderBy, engine.TaskOrder{Property: property, Descending: clause.Direction == Desc})
	}
	q.Offset = offset(page, size)
	q.Limit = size

	tasks, err := h.engine.QueryTasks(ctx, q)
	if err != nil {
		return 0, nil, err
	}
	out := make([]UserRequestForm, 0, len(tasks))
	for _, t := range tasks {
		form, err := h.form(ctx, t)
		if err != nil {
			return 0, nil, err
		}
		out = append(out, *form)
	}
	return count, out, nil
}

// GetForm returns the form of a task visible to actor. A task that already
// completed is rendered from the values submitted for it.
func (h *Handler) GetForm(ctx context.Context, actor, userKey, taskID string) (*UserRequestForm, error) {
	q, err := h.formQuery(ctx, actor, userKey)
	if err != nil {
		return nil, err
	}
	q.TaskID = taskID
	tasks, err := h.engine.QueryTasks(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(tasks) > 0 {
		return h.form(ctx, tasks[0])
	}
	return h.historicForm(ctx, actor, userKey, taskID)
}

// ClaimForm assigns a form task to actor, taking it over from any previous
// assignee.
func (h *Handler) ClaimForm(ctx context.Context, actor, taskID string) (*UserRequestForm, error) {
	t, err := h.formTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !h.isAdmin(actor) {
		q, err := h.formQuery(ctx, actor, "")
		if err != nil {
			return nil, err
		}
		q.TaskID = taskID
		n, err := h.engine.CountTasks(ctx, q)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, errors.Forbidden(actor + " is not candidate nor assignee of task " + taskID).
				WithDetail("taskId", taskID)
		}
	}

	if t.Assignee != "" {
		if err := h.engine.UnclaimTask(ctx, taskID); err != nil {
			return nil, workflow.TranslateError(err, "while unclaiming task "+taskID)
		}
	}
	if err := h.engine.ClaimTask(ctx, taskID, actor); err != nil {
		return nil, workflow.TranslateError(err, "while claiming task "+taskID)
	}
	h.logger.Info("Form claimed", "taskId", taskID, "actor", actor, "previous", t.Assignee)
	return h.reload(ctx, taskID)
}

// UnclaimForm releases a form task. Only its assignee or the admin may do so.
func (h *Handler) UnclaimForm(ctx context.Context, actor, taskID string) (*UserRequestForm, error) {
	t, err := h.formTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !h.isAdmin(actor) && t.Assignee != actor {
		return nil, errors.Forbidden("task " + taskID + " is not assigned to " + actor)
	}
	if err := h.engine.UnclaimTask(ctx, taskID); err != nil {
		return nil, workflow.TranslateError(err, "while unclaiming task "+taskID)
	}
	return h.reload(ctx, taskID)
}

// SubmitForm completes the form task assigned to actor and hands back what
// provisioning has to do for the user. An empty auditContext records the
// submitted task.
func (h *Handler) SubmitForm(ctx context.Context, actor string, form UserRequestForm, auditContext string) (*workflow.WorkflowResult[*user.UserUR], error) {
	t, err := h.formTask(ctx, form.TaskID)
	if err != nil {
		return nil, err
	}
	if t.Assignee != actor {
		return nil, errors.Forbidden(fmt.Sprintf("task %s assigned to %s but submitted by %s", t.ID, t.Assignee, actor)).
			WithDetail("taskId", t.ID)
	}

	pid := t.ProcessInstanceID
	u, err := h.users.Find(ctx, workflow.UserKeyOf(t.BusinessKey))
	if err != nil {
		return nil, err
	}
	mark, err := h.runtime.ActivityMark(ctx, pid)
	if err != nil {
		return nil, err
	}

	if auditContext == "" {
		auditContext = "form " + t.TaskDefinitionKey
	}
	if _, err := h.runtime.RestoreParkedPassword(ctx, pid); err != nil {
		return nil, err
	}
	if err := workflow.VarTask.Set(ctx, h.engine, pid, submitTask); err != nil {
		return nil, err
	}
	if err := workflow.VarFormSubmitter.Set(ctx, h.engine, pid, actor); err != nil {
		return nil, err
	}
	if err := workflow.VarUser.Set(ctx, h.engine, pid, u); err != nil {
		return nil, err
	}
	if err := h.engine.SubmitTaskFormData(ctx, t.ID, form.writable()); err != nil {
		if cleanup := h.runtime.RemoveVariables(ctx, pid, workflow.VarTask.Name(), workflow.VarFormSubmitter.Name(), workflow.VarUser.Name()); cleanup != nil {
			h.logger.Warn("Failed to clean up after form submit", "processInstance", pid, "err", cleanup)
		}
		if _, cleanup := h.runtime.ScrubPassword(ctx, pid); cleanup != nil {
			h.logger.Warn("Failed to scrub pending password after form submit", "processInstance", pid, "err", cleanup)
		}
		return nil, workflow.TranslateError(err, "while submitting form for task "+t.ID)
	}

	performed, err := h.runtime.PerformedTasks(ctx, pid, mark)
	if err != nil {
		return nil, err
	}
	performed = append(performed, t.TaskDefinitionKey)
	slices.Sort(performed)
	performed = slices.Compact(performed)

	vars, err := h.runtime.Variables(ctx, pid)
	if err != nil {
		return nil, err
	}
	if driven, ok, err := workflow.VarUser.Of(vars); err != nil {
		return nil, err
	} else if ok {
		u = driven
	}
	active, err := h.runtime.IsActive(ctx, pid)
	if err != nil {
		return nil, err
	}
	canonical := t.ProcessDefinitionKey == workflow.UserWorkflowKey

	if canonical && !active {
		if err := h.users.Delete(ctx, u.Key); err != nil {
			return nil, err
		}
		h.publish(ctx, event.Delete, u)
	} else {
		if canonical {
			if err := h.runtime.UpdateStatus(ctx, pid, u); err != nil {
				return nil, err
			}
		}
		u.LastModifier = actor
		u.LastChangeContext = auditContext
		u.LastChangeDate = time.Now().UTC()
		if u, err = h.users.Save(ctx, u); err != nil {
			return nil, err
		}
		h.publish(ctx, event.Update, u)
	}

	propByRes, _, err := workflow.VarPropByResource.Of(vars)
	if err != nil {
		return nil, err
	}
	propByLinkedAccount, _, err := workflow.VarPropByLinkedAccount.Of(vars)
	if err != nil {
		return nil, err
	}
	var clearPassword string
	if encrypted, _, err := workflow.VarEncryptedPwd.Of(vars); err != nil {
		return nil, err
	} else if encrypted != "" {
		if clearPassword, err = h.runtime.Cipher().Decrypt(encrypted); err != nil {
			return nil, errors.InternalWrap(err, "failed to decrypt parked password")
		}
	}

	var ur *user.UserUR
	parkedAgain := false
	if !active {
		if ur, _, err = workflow.VarUserUR.Of(vars); err != nil {
			return nil, err
		}
	} else {
		if err := h.runtime.RemoveVariables(ctx, pid,
			workflow.VarTask.Name(),
			workflow.VarFormSubmitter.Name(),
			workflow.VarUser.Name(),
			workflow.VarUserTO.Name(),
			workflow.VarPropByResource.Name(),
			workflow.VarPropByLinkedAccount.Name(),
			workflow.VarEncryptedPwd.Name(),
		); err != nil {
			return nil, err
		}
		var enabled *bool
		if v, ok, err := workflow.VarEnabled.Of(vars); err != nil {
			return nil, err
		} else if ok {
			enabled = &v
		}
		if err := h.runtime.RemoveVariables(ctx, pid, workflow.VarEnabled.Name()); err != nil {
			return nil, err
		}

		// approval chains park again on the next form
		propByRes = propByRes.Clone()
		propByLinkedAccount = propByLinkedAccount.Clone()
		if err := h.runtime.SaveForFormSubmit(ctx, pid, u, clearPassword, enabled, propByRes, propByLinkedAccount); err != nil {
			return nil, err
		}

		if _, parkedAgain, err = h.runtime.FormTask(ctx, pid); err != nil {
			return nil, err
		}
		if ur, _, err = workflow.VarUserUR.Get(ctx, h.engine, pid); err != nil {
			return nil, err
		}
		// the next form resumes the request, so it stays parked
		if !parkedAgain {
			if err := h.runtime.RemoveVariables(ctx, pid, workflow.VarUserUR.Name()); err != nil {
				return nil, err
			}
		}
	}
	if !parkedAgain && ur != nil && ur.Password != nil && ur.Password.Value == "" && clearPassword != "" {
		applied := *ur
		pwd := *ur.Password
		pwd.Value = clearPassword
		applied.Password = &pwd
		ur = &applied
	}

	if ur == nil {
		resources := propByRes.Get(propagation.Create)
		for _, ref := range propByLinkedAccount.Get(propagation.Create) {
			resources = append(resources, ref.Resource)
		}
		slices.Sort(resources)
		if parkedAgain {
			clearPassword = ""
		}
		ur = &user.UserUR{
			Key: u.Key,
			Password: &user.PasswordPatch{
				Value:     clearPassword,
				Local:     true,
				Resources: slices.Compact(resources),
			},
		}
	}

	result := &workflow.WorkflowResult[*user.UserUR]{
		Result:              ur,
		PropByRes:           propagation.New[string](),
		PropByLinkedAccount: propagation.New[propagation.LinkedAccountRef](),
		PerformedTasks:      performed,
	}
	result.PropByRes.Merge(propByRes)
	result.PropByLinkedAccount.Merge(propByLinkedAccount)
	h.logger.Info("Form submitted", "taskId", t.ID, "actor", actor, "userKey", u.Key, "performed", performed)
	return result, nil
}

// formTask returns an active task that carries a form.
func (h *Handler) formTask(ctx context.Context, taskID string) (*engine.Task, error) {
	t, err := h.engine.Task(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !t.HasForm {
		return nil, errors.NotFound("form for task", taskID)
	}
	return t, nil
}

func (h *Handler) reload(ctx context.Context, taskID string) (*UserRequestForm, error) {
	t, err := h.engine.Task(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return h.form(ctx, t)
}

func (h *Handler) form(ctx context.Context, t *engine.Task) (*UserRequestForm, error) {
	data, err := h.engine.TaskFormData(ctx, t.ID)
	if err != nil {
		if errors.IsCode(err, errors.ErrCodeNotFound) {
			return nil, errors.Wrap(err, errors.ErrCodeNotFound, "form for task "+t.ID)
		}
		return nil, workflow.TranslateError(err, "while reading form of task "+t.ID)
	}
	form, err := h.newForm(ctx, t, nil)
	if err != nil {
		return nil, err
	}
	form.FormKey = data.FormKey

	for _, p := range data.Properties {
		prop := UserRequestFormProperty{
			ID:       p.ID,
			Name:     p.Name,
			Type:     propertyType(p.Type),
			Readable: p.Readable,
			Writable: p.Writable,
			Required: p.Required,
			Value:    p.Value,
		}
		switch prop.Type {
		case PropertyDate:
			prop.DatePattern = p.DatePattern
		case PropertyEnum:
			for _, v := range p.Values {
				prop.EnumValues = append(prop.EnumValues, PropertyValue{Key: v.ID, Value: v.Name})
			}
		case PropertyDropdown:
			prop.DropdownValues = h.dropdownValues(p)
		case PropertyPassword:
			prop.Value = ""
		}
		form.Properties = append(form.Properties, prop)
	}
	return form, nil
}

func (h *Handler) dropdownValues(p engine.FormProperty) []PropertyValue {
	provider, ok := h.dropdowns[p.ID]
	if !ok {
		values := make([]PropertyValue, 0, len(p.Values))
		for _, v := range p.Values {
			values = append(values, PropertyValue{Key: v.ID, Value: v.Name})
		}
		if len(values) == 0 {
			h.logger.Warn("No dropdown values for form property", "property", p.ID)
		}
		return values
	}
	choices := provider.Values()
	values := make([]PropertyValue, 0, len(choices))
	for _, key := range slices.Sorted(maps.Keys(choices)) {
		values = append(values, PropertyValue{Key: key, Value: choices[key]})
	}
	return values
}

// newForm fills the request side of a form. vars are read from the live
// instance when nil.
func (h *Handler) newForm(ctx context.Context, t *engine.Task, vars map[string]any) (*UserRequestForm, error) {
	form := &UserRequestForm{
		BpmnProcess: t.ProcessDefinitionKey,
		ExecutionID: t.ExecutionID,
		TaskID:      t.ID,
		FormKey:     t.FormKey,
		CreateTime:  t.CreateTime,
		DueDate:     t.DueDate,
		Assignee:    t.Assignee,
		Properties:  []UserRequestFormProperty{},
	}
	if vars == nil {
		var err error
		if vars, err = h.runtime.Variables(ctx, t.ProcessInstanceID); err != nil {
			return nil, err
		}
	}
	var err error
	if form.UserTO, _, err = workflow.VarUserTO.Of(vars); err != nil {
		return nil, err
	}
	if form.UserUR, _, err = workflow.VarUserUR.Of(vars); err != nil {
		return nil, err
	}

	userKey := workflow.UserKeyOf(t.BusinessKey)
	u, err := h.users.Find(ctx, userKey)
	switch {
	case err == nil:
		form.Username = u.Username
	case errors.IsCode(err, errors.ErrCodeNotFound) && form.UserTO != nil:
		form.Username = form.UserTO.Username
	default:
		return nil, errors.NotFound("user for process instance", t.ProcessInstanceID)
	}
	return form, nil
}

// historicForm renders a completed task with the values submitted for it.
func (h *Handler) historicForm(ctx context.Context, actor, userKey, taskID string) (*UserRequestForm, error) {
	finished := true
	tasks, err := h.engine.HistoricTasks(ctx, engine.HistoricTaskQuery{TaskID: taskID, Finished: &finished})
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 || !tasks[0].HasForm {
		return nil, errors.NotFound("form for task", taskID)
	}
	t := tasks[0]
	if userKey != "" && workflow.UserKeyOf(t.BusinessKey) != userKey {
		return nil, errors.NotFound("form for task", taskID)
	}
	if !h.isAdmin(actor) && t.Assignee != actor {
		return nil, errors.NotFound("form for task", taskID)
	}

	vars, err := h.engine.HistoricVariables(ctx, t.ProcessInstanceID)
	if err != nil {
		return nil, err
	}
	form, err := h.newForm(ctx, &t.Task, vars)
	if err != nil {
		return nil, err
	}
	form.EndTime = t.EndTime

	props, err := h.engine.HistoricFormProperties(ctx, taskID)
	if err != nil {
		return nil, err
	}
	for _, p := range props {
		form.Properties = append(form.Properties, UserRequestFormProperty{
			ID:       p.PropertyID,
			Name:     p.PropertyID,
			Type:     PropertyString,
			Readable: true,
			Value:    p.Value,
		})
	}
	return form, nil
}

func (h *Handler) publish(ctx context.Context, t event.Type, u *user.User) {
	if h.publisher == nil {
		return
	}
	ev := event.LifecycleEvent{
		Type:     t,
		Domain:   h.domain,
		Key:      u.Key,
		Username: u.Username,
		User:     h.binder.GetUserTO(u, true),
		Time:     time.Now().UTC(),
	}
	if err := h.publisher.Publish(ctx, ev); err != nil {
		h.logger.Warn("Failed to publish lifecycle event", "type", t, "key", u.Key, "err", err)
	}
}
