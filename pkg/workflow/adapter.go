package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/tendant/simple-idm-workflow/pkg/bpmn"
	"github.com/tendant/simple-idm-workflow/pkg/engine"
	"github.com/tendant/simple-idm-workflow/pkg/errors"
	"github.com/tendant/simple-idm-workflow/pkg/event"
	"github.com/tendant/simple-idm-workflow/pkg/propagation"
	"github.com/tendant/simple-idm-workflow/pkg/user"
)

// UserWorkflowAdapter drives the canonical process instance of each user.
// Callers must not run two lifecycle operations on the same user at once.
type UserWorkflowAdapter struct {
	engine    engine.ProcessEngine
	runtime   *Runtime
	users     user.UserRepository
	binder    *user.DataBinder
	publisher event.Publisher
	domain    string
	logger    *slog.Logger
}

func NewUserWorkflowAdapter(rt *Runtime, users user.UserRepository, binder *user.DataBinder, publisher event.Publisher, domain string) *UserWorkflowAdapter {
	return &UserWorkflowAdapter{
		engine:    rt.Engine(),
		runtime:   rt,
		users:     users,
		binder:    binder,
		publisher: publisher,
		domain:    domain,
		logger:    slog.Default().With("component", "user-workflow"),
	}
}

// variables that only live for the duration of one step
var stepVariables = []string{
	VarWfExecutor.Name(),
	VarTask.Name(),
	VarUser.Name(),
	VarAuditContext.Name(),
	VarToken.Name(),
	VarPassword.Name(),
	VarEvent.Name(),
}

// variables that only survive while a form is pending
var formVariables = []string{
	VarUserUR.Name(),
	VarUserTO.Name(),
	VarEncryptedPwd.Name(),
	VarEnabled.Name(),
	VarPropagateEnable.Name(),
	VarPropByResource.Name(),
	VarPropByLinkedAccount.Name(),
}

// step is the state of an instance right after the engine was driven.
type step struct {
	pid       string
	user      *user.User
	vars      map[string]any
	active    bool
	performed []string
}

func (a *UserWorkflowAdapter) Create(
	ctx context.Context,
	req *user.UserCR,
	disablePwdPolicyCheck bool,
	enabled *bool,
	storePassword bool,
	actor, auditContext string,
) (*WorkflowResult[CreateResult], error) {
	vars := map[string]any{
		VarWfExecutor.Name():            actor,
		VarUserCR.Name():                req,
		VarStorePassword.Name():         storePassword,
		VarDisablePwdPolicyCheck.Name(): disablePwdPolicyCheck,
		VarAuditContext.Name():          auditContext,
	}
	if enabled != nil {
		vars[VarEnabled.Name()] = *enabled
	}

	pi, err := a.engine.StartProcessInstanceByKey(ctx, UserWorkflowKey, "", vars)
	if err != nil {
		return nil, TranslateError(err, fmt.Sprintf("while creating user %s", req.Username))
	}
	st, err := a.collect(ctx, pi.ID, nil, 0)
	if err != nil {
		return nil, err
	}

	u := st.user
	enabledOut := enabled
	if v, ok, err := VarEnabled.Of(st.vars); err != nil {
		return nil, err
	} else if ok {
		enabledOut = &v
		u.SetSuspended(!v)
	}
	propagateEnable, err := a.propagateEnable(st, enabledOut)
	if err != nil {
		return nil, err
	}

	if err := a.runtime.RemoveVariables(ctx, st.pid, VarUserCR.Name(), VarStorePassword.Name(), VarDisablePwdPolicyCheck.Name()); err != nil {
		return nil, err
	}
	parked, err := a.settle(ctx, st)
	if err != nil {
		return nil, err
	}
	if st.active {
		if err := a.runtime.UpdateStatus(ctx, st.pid, u); err != nil {
			return nil, err
		}
	}
	saved, err := a.users.Save(ctx, u)
	if err != nil {
		return nil, err
	}
	a.publish(ctx, event.Create, saved)

	if err := a.engine.UpdateBusinessKey(ctx, st.pid, BusinessKey(UserWorkflowKey, saved.Key)); err != nil {
		return nil, TranslateError(err, "while binding user workflow to "+saved.Key)
	}

	resources, err := a.users.FindAllResourceKeys(ctx, saved.Key)
	if err != nil {
		return nil, err
	}
	result := newResult(CreateResult{Key: saved.Key, PropagateEnable: propagateEnable}, st.performed)
	result.PropByRes.AddAll(propagation.Create, resources)
	for _, la := range saved.LinkedAccounts {
		result.PropByLinkedAccount.Add(propagation.Create, la.Ref())
	}

	if parked {
		if err := a.runtime.SaveForFormSubmit(ctx, st.pid, saved, req.Password, enabledOut, result.PropByRes, result.PropByLinkedAccount); err != nil {
			return nil, err
		}
	}
	a.logger.Info("User created", "key", saved.Key, "username", saved.Username, "status", saved.Status, "actor", actor)
	return result, nil
}

func (a *UserWorkflowAdapter) Activate(ctx context.Context, u *user.User, token, actor, auditContext string) (*WorkflowResult[string], error) {
	return a.simple(ctx, u, TaskActivate, map[string]any{VarToken.Name(): token}, actor, auditContext)
}

func (a *UserWorkflowAdapter) Suspend(ctx context.Context, u *user.User, actor, auditContext string) (*WorkflowResult[string], error) {
	return a.simple(ctx, u, TaskSuspend, nil, actor, auditContext)
}

func (a *UserWorkflowAdapter) Reactivate(ctx context.Context, u *user.User, actor, auditContext string) (*WorkflowResult[string], error) {
	return a.simple(ctx, u, TaskReactivate, nil, actor, auditContext)
}

func (a *UserWorkflowAdapter) simple(ctx context.Context, u *user.User, task string, extra map[string]any, actor, auditContext string) (*WorkflowResult[string], error) {
	st, err := a.execute(ctx, u, task, "", extra, actor, auditContext)
	if err != nil {
		return nil, err
	}
	result := newResult(st.user.Key, st.performed)
	if err := readPropagation(st, result); err != nil {
		return nil, err
	}
	if _, err := a.settle(ctx, st); err != nil {
		return nil, err
	}
	if _, err := a.store(ctx, st, actor, auditContext); err != nil {
		return nil, err
	}
	return result, nil
}

// Update applies ur. When the instance was already waiting on a form and
// still is afterwards, the request and propagation the form was opened for
// stay parked and the result carries what this update produced.
func (a *UserWorkflowAdapter) Update(ctx context.Context, u *user.User, ur *user.UserUR, actor, auditContext string) (*WorkflowResult[UpdateResult], error) {
	pid, err := a.runtime.ProcInstID(ctx, u.Key)
	if err != nil {
		return nil, err
	}
	before, err := a.runtime.Variables(ctx, pid)
	if err != nil {
		return nil, TranslateError(err, "while reading user workflow variables")
	}
	beforeUR, hadUR, err := VarUserUR.Of(before)
	if err != nil {
		return nil, err
	}
	beforeProp, hadProp, err := VarPropByResource.Of(before)
	if err != nil {
		return nil, err
	}
	beforeLinked, hadLinked, err := VarPropByLinkedAccount.Of(before)
	if err != nil {
		return nil, err
	}
	_, wasParked, err := a.runtime.FormTask(ctx, pid)
	if err != nil {
		return nil, err
	}

	st, err := a.execute(ctx, u, TaskUpdate, "", map[string]any{VarUserUR.Name(): ur}, actor, auditContext)
	if err != nil {
		return nil, err
	}

	updated := ur
	if v, ok, err := VarUserUR.Of(st.vars); err != nil {
		return nil, err
	} else if ok && v != nil {
		updated = v
	}
	propagateEnable, err := a.propagateEnable(st, nil)
	if err != nil {
		return nil, err
	}
	result := newResult(UpdateResult{Request: updated, PropagateEnable: propagateEnable}, st.performed)
	if err := readPropagation(st, result); err != nil {
		return nil, err
	}

	stillParked := false
	if st.active {
		if _, stillParked, err = a.runtime.FormTask(ctx, st.pid); err != nil {
			return nil, err
		}
	}
	keepParked := wasParked && stillParked
	if keepParked {
		if err := restore(ctx, a.engine, st.pid, VarUserUR, beforeUR, hadUR); err != nil {
			return nil, err
		}
		if err := restore(ctx, a.engine, st.pid, VarPropByResource, beforeProp, hadProp); err != nil {
			return nil, err
		}
		if err := restore(ctx, a.engine, st.pid, VarPropByLinkedAccount, beforeLinked, hadLinked); err != nil {
			return nil, err
		}
	}

	parked, err := a.settle(ctx, st)
	if err != nil {
		return nil, err
	}
	saved, err := a.store(ctx, st, actor, auditContext)
	if err != nil {
		return nil, err
	}
	password := ""
	if ur.Password != nil {
		password = ur.Password.Value
	}
	if keepParked {
		// the latest password is the one applied when the pending form is approved
		err = a.runtime.SaveForFormSubmit(ctx, st.pid, saved, password, nil, nil, nil)
	} else if parked {
		err = a.runtime.SaveForFormSubmit(ctx, st.pid, saved, password, nil, result.PropByRes, result.PropByLinkedAccount)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RequestPasswordReset lets the workflow issue a reset token.
func (a *UserWorkflowAdapter) RequestPasswordReset(ctx context.Context, u *user.User, actor, auditContext string) error {
	st, err := a.execute(ctx, u, TaskRequestPasswordReset, "", map[string]any{VarEvent.Name(): TaskRequestPasswordReset}, actor, auditContext)
	if err != nil {
		return err
	}
	if _, err := a.settle(ctx, st); err != nil {
		return err
	}
	_, err = a.store(ctx, st, actor, auditContext)
	return err
}

// ConfirmPasswordReset sets password when token matches the one issued.
func (a *UserWorkflowAdapter) ConfirmPasswordReset(ctx context.Context, u *user.User, token, password, actor, auditContext string) (*WorkflowResult[UpdateResult], error) {
	st, err := a.execute(ctx, u, TaskConfirmPasswordReset, "", map[string]any{
		VarToken.Name():    token,
		VarPassword.Name(): password,
		VarEvent.Name():    TaskConfirmPasswordReset,
	}, actor, auditContext)
	if err != nil {
		return nil, err
	}

	ur, _, err := VarUserUR.Of(st.vars)
	if err != nil {
		return nil, err
	}
	propagateEnable, err := a.propagateEnable(st, nil)
	if err != nil {
		return nil, err
	}
	result := newResult(UpdateResult{Request: ur, PropagateEnable: propagateEnable}, st.performed)
	if err := readPropagation(st, result); err != nil {
		return nil, err
	}
	if _, err := a.settle(ctx, st); err != nil {
		return nil, err
	}
	if _, err := a.store(ctx, st, actor, auditContext); err != nil {
		return nil, err
	}
	return result, nil
}

// Delete removes the user once its workflow has ended; otherwise the
// deletion waits on approval with its propagation parked.
func (a *UserWorkflowAdapter) Delete(ctx context.Context, u *user.User, actor, auditContext string) (*WorkflowResult[string], error) {
	st, err := a.execute(ctx, u, TaskDelete, "", nil, actor, auditContext)
	if err != nil {
		return nil, err
	}
	return a.conclude(ctx, st, actor, auditContext, true)
}

// ExecuteNextTask completes the task named by input, or the single pending
// task, with the given variables.
func (a *UserWorkflowAdapter) ExecuteNextTask(ctx context.Context, input WorkflowTaskExecInput, actor, auditContext string) (*WorkflowResult[string], error) {
	u, err := a.users.Find(ctx, input.UserKey)
	if err != nil {
		return nil, err
	}
	st, err := a.execute(ctx, u, "", input.TaskID, input.Variables, actor, auditContext)
	if err != nil {
		return nil, err
	}
	return a.conclude(ctx, st, actor, auditContext, false)
}

// conclude deletes the user when its workflow ended, and otherwise stores
// it and parks the step result for a pending form.
func (a *UserWorkflowAdapter) conclude(ctx context.Context, st *step, actor, auditContext string, primeDelete bool) (*WorkflowResult[string], error) {
	result := newResult(st.user.Key, st.performed)
	if err := readPropagation(st, result); err != nil {
		return nil, err
	}

	if !st.active || primeDelete {
		resources, err := a.users.FindAllResourceKeys(ctx, st.user.Key)
		if errors.IsCode(err, errors.ErrCodeNotFound) {
			resources = st.user.Resources
		} else if err != nil {
			return nil, err
		}
		result.PropByRes.AddAll(propagation.Delete, resources)
		for _, la := range st.user.LinkedAccounts {
			result.PropByLinkedAccount.Add(propagation.Delete, la.Ref())
		}
	}

	if !st.active {
		if err := a.users.Delete(ctx, st.user.Key); err != nil && !errors.IsCode(err, errors.ErrCodeNotFound) {
			return nil, err
		}
		a.publish(ctx, event.Delete, st.user)
		if err := a.engine.DeleteHistoricProcessInstance(ctx, st.pid); err != nil {
			a.logger.Warn("Failed to purge historic user workflow", "processInstance", st.pid, "err", err)
		}
		a.logger.Info("User deleted", "key", st.user.Key, "actor", actor)
		return result, nil
	}

	parked, err := a.settle(ctx, st)
	if err != nil {
		return nil, err
	}
	saved, err := a.store(ctx, st, actor, auditContext)
	if err != nil {
		return nil, err
	}
	if parked {
		if err := a.runtime.SaveForFormSubmit(ctx, st.pid, saved, "", nil, result.PropByRes, result.PropByLinkedAccount); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// GetAvailableTasks lists the tasks reachable from the pending tasks of a
// user through gateways, without executing anything.
func (a *UserWorkflowAdapter) GetAvailableTasks(ctx context.Context, userKey string) ([]string, error) {
	pid, err := a.runtime.ProcInstID(ctx, userKey)
	if err != nil {
		return nil, err
	}
	pi, err := a.engine.ProcessInstance(ctx, pid)
	if err != nil {
		return nil, TranslateError(err, "while reading user workflow")
	}
	model, err := a.engine.ProcessModel(ctx, pi.ProcessDefinitionID)
	if err != nil {
		return nil, TranslateError(err, "while reading user workflow definition")
	}
	tasks, err := a.runtime.CurrentTasks(ctx, pid)
	if err != nil {
		return nil, err
	}

	visited := make(map[string]bool)
	found := make(map[string]bool)
	for _, t := range tasks {
		visited[t.TaskDefinitionKey] = true
		for _, f := range model.Outgoing(t.TaskDefinitionKey) {
			a.walk(model, f.TargetRef, visited, found)
		}
	}
	out := make([]string, 0, len(found))
	for id := range found {
		out = append(out, id)
	}
	slices.Sort(out)
	return out, nil
}

func (a *UserWorkflowAdapter) walk(model *bpmn.Process, id string, visited, found map[string]bool) {
	if visited[id] {
		return
	}
	visited[id] = true

	el, ok := model.Element(id)
	if !ok {
		a.logger.Debug("Unknown flow target", "id", id)
		return
	}
	switch {
	case el.Kind().IsGateway():
		for _, f := range model.Outgoing(id) {
			a.walk(model, f.TargetRef, visited, found)
		}
	case el.Kind().IsTask():
		found[id] = true
	default:
		a.logger.Debug("Ignoring flow node", "id", id, "kind", el.Kind())
	}
}

// GetPerformedTasks lists every task the user workflow has executed.
func (a *UserWorkflowAdapter) GetPerformedTasks(ctx context.Context, userKey string) ([]string, error) {
	pid, err := a.runtime.ProcInstID(ctx, userKey)
	if err != nil {
		return nil, err
	}
	return a.runtime.PerformedTasks(ctx, pid, 0)
}

// InternalSuspend suspends u when the workflow currently allows it and
// returns nil otherwise.
func (a *UserWorkflowAdapter) InternalSuspend(ctx context.Context, u *user.User, actor string) (*WorkflowResult[string], error) {
	available, err := a.GetAvailableTasks(ctx, u.Key)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(available, TaskSuspend) {
		a.logger.Debug("Suspend not available", "key", u.Key, "available", available)
		return nil, nil
	}
	return a.Suspend(ctx, u, actor, "internal")
}

// execute completes one task of the user workflow with the step variables
// set.
func (a *UserWorkflowAdapter) execute(ctx context.Context, u *user.User, task, taskID string, extra map[string]any, actor, auditContext string) (*step, error) {
	pid, err := a.runtime.ProcInstID(ctx, u.Key)
	if err != nil {
		return nil, err
	}
	current, err := a.pendingTask(ctx, pid, taskID)
	if err != nil {
		return nil, err
	}
	mark, err := a.runtime.ActivityMark(ctx, pid)
	if err != nil {
		return nil, TranslateError(err, "while reading user workflow history")
	}

	vars := map[string]any{
		VarWfExecutor.Name():   actor,
		VarUser.Name():         u.Clone(),
		VarAuditContext.Name(): auditContext,
	}
	if task != "" {
		vars[VarTask.Name()] = task
	}
	maps.Copy(vars, extra)

	a.logger.Debug("Executing user workflow task", "userKey", u.Key, "task", task, "current", current.TaskDefinitionKey, "actor", actor)
	if err := a.engine.CompleteTask(ctx, current.ID, vars); err != nil {
		what := task
		if what == "" {
			what = current.TaskDefinitionKey
		}
		return nil, TranslateError(err, fmt.Sprintf("while executing %s on user %s", what, u.Key))
	}
	return a.collect(ctx, pid, u, mark)
}

func (a *UserWorkflowAdapter) pendingTask(ctx context.Context, pid, taskID string) (*engine.Task, error) {
	if taskID == "" {
		return a.runtime.CurrentTask(ctx, pid)
	}
	t, err := a.engine.Task(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.ProcessInstanceID != pid {
		return nil, errors.NotFound("task", taskID)
	}
	return t, nil
}

func (a *UserWorkflowAdapter) collect(ctx context.Context, pid string, fallback *user.User, mark int) (*step, error) {
	vars, err := a.runtime.Variables(ctx, pid)
	if err != nil {
		return nil, TranslateError(err, "while reading user workflow variables")
	}
	active, err := a.runtime.IsActive(ctx, pid)
	if err != nil {
		return nil, TranslateError(err, "while reading user workflow")
	}
	u, ok, err := VarUser.Of(vars)
	if err != nil {
		return nil, err
	}
	if !ok || u == nil {
		if fallback == nil {
			return nil, errors.Workflow(nil, "user workflow did not provide a user")
		}
		u = fallback.Clone()
	}
	performed, err := a.runtime.PerformedTasks(ctx, pid, mark)
	if err != nil {
		return nil, TranslateError(err, "while reading user workflow history")
	}
	return &step{pid: pid, user: u, vars: vars, active: active, performed: performed}, nil
}

// settle drops the step variables, and the form variables unless a form is
// pending. It reports whether one is.
func (a *UserWorkflowAdapter) settle(ctx context.Context, st *step) (bool, error) {
	if !st.active {
		return false, nil
	}
	if err := a.runtime.RemoveVariables(ctx, st.pid, stepVariables...); err != nil {
		return false, err
	}
	_, parked, err := a.runtime.FormTask(ctx, st.pid)
	if err != nil {
		return false, err
	}
	if !parked {
		if err := a.runtime.RemoveVariables(ctx, st.pid, formVariables...); err != nil {
			return false, err
		}
	}
	return parked, nil
}

// store synchronizes the status and persists the user.
func (a *UserWorkflowAdapter) store(ctx context.Context, st *step, actor, auditContext string) (*user.User, error) {
	u := st.user
	if st.active {
		if err := a.runtime.UpdateStatus(ctx, st.pid, u); err != nil {
			return nil, err
		}
	}
	u.LastModifier = actor
	u.LastChangeContext = auditContext
	u.LastChangeDate = time.Now().UTC()
	saved, err := a.users.Save(ctx, u)
	if err != nil {
		return nil, err
	}
	a.publish(ctx, event.Update, saved)
	return saved, nil
}

func (a *UserWorkflowAdapter) propagateEnable(st *step, fallback *bool) (*bool, error) {
	v, ok, err := VarPropagateEnable.Of(st.vars)
	if err != nil {
		return nil, err
	}
	if ok {
		return &v, nil
	}
	return fallback, nil
}

func (a *UserWorkflowAdapter) publish(ctx context.Context, t event.Type, u *user.User) {
	if a.publisher == nil {
		return
	}
	ev := event.LifecycleEvent{
		Type:     t,
		Domain:   a.domain,
		Key:      u.Key,
		Username: u.Username,
		User:     a.binder.GetUserTO(u, true),
		Time:     time.Now().UTC(),
	}
	if err := a.publisher.Publish(ctx, ev); err != nil {
		a.logger.Warn("Failed to publish lifecycle event", "type", t, "key", u.Key, "err", err)
	}
}

func readPropagation[T any](st *step, result *WorkflowResult[T]) error {
	propByRes, _, err := VarPropByResource.Of(st.vars)
	if err != nil {
		return err
	}
	propByLinkedAccount, _, err := VarPropByLinkedAccount.Of(st.vars)
	if err != nil {
		return err
	}
	result.PropByRes.Merge(propByRes)
	result.PropByLinkedAccount.Merge(propByLinkedAccount)
	return nil
}

func restore[T any](ctx context.Context, rt engine.RuntimeService, pid string, v Var[T], value T, present bool) error {
	if present {
		return v.Set(ctx, rt, pid, value)
	}
	return v.Remove(ctx, rt, pid)
}
