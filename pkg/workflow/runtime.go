// Package workflow drives the per-user BPMN process that governs the user
// lifecycle, and manages the process definitions it runs.
package workflow

import (
	"context"
	stderrors "errors"
	"log/slog"
	"slices"
	"strings"

	"github.com/tendant/simple-idm-workflow/pkg/bpmn"
	"github.com/tendant/simple-idm-workflow/pkg/engine"
	"github.com/tendant/simple-idm-workflow/pkg/errors"
	"github.com/tendant/simple-idm-workflow/pkg/propagation"
	"github.com/tendant/simple-idm-workflow/pkg/user"
)

// UserWorkflowKey is the definition key of the canonical per-user process.
const UserWorkflowKey = "userWorkflow"

// BusinessKey correlates a process instance with a user.
func BusinessKey(processDefinitionKey, userKey string) string {
	return processDefinitionKey + ":" + userKey
}

// UserKeyOf returns what follows the first colon of a business key, or ""
// when there is none.
func UserKeyOf(businessKey string) string {
	_, userKey, found := strings.Cut(businessKey, ":")
	if !found {
		return ""
	}
	return userKey
}

// Runtime holds the helpers shared by the lifecycle adapter and the
// request handler.
type Runtime struct {
	engine engine.ProcessEngine
	binder *user.DataBinder
	cipher *PasswordCipher
	logger *slog.Logger
}

func NewRuntime(e engine.ProcessEngine, binder *user.DataBinder, cipher *PasswordCipher) *Runtime {
	return &Runtime{
		engine: e,
		binder: binder,
		cipher: cipher,
		logger: slog.Default().With("component", "workflow-runtime"),
	}
}

func (r *Runtime) Engine() engine.ProcessEngine { return r.engine }

func (r *Runtime) Cipher() *PasswordCipher { return r.cipher }

// ProcInstID returns the active canonical instance of a user.
func (r *Runtime) ProcInstID(ctx context.Context, userKey string) (string, error) {
	instances, err := r.engine.QueryProcessInstances(ctx, engine.ProcessInstanceQuery{
		BusinessKey: BusinessKey(UserWorkflowKey, userKey),
	})
	if err != nil {
		return "", TranslateError(err, "while looking up user workflow")
	}
	if len(instances) == 0 {
		return "", errors.NotFound("user workflow instance", userKey)
	}
	if len(instances) > 1 {
		r.logger.Warn("Found more than one user workflow instance", "userKey", userKey, "count", len(instances))
	}
	return instances[0].ID, nil
}

// IsActive reports whether an instance is still running.
func (r *Runtime) IsActive(ctx context.Context, processInstanceID string) (bool, error) {
	_, err := r.engine.ProcessInstance(ctx, processInstanceID)
	if errors.IsCode(err, errors.ErrCodeNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Variables returns the variables of an instance, falling back to history
// once it has ended.
func (r *Runtime) Variables(ctx context.Context, processInstanceID string) (map[string]any, error) {
	vars, err := r.engine.Variables(ctx, processInstanceID)
	if errors.IsCode(err, errors.ErrCodeNotFound) {
		return r.engine.HistoricVariables(ctx, processInstanceID)
	}
	return vars, err
}

// RemoveVariables drops names from an active instance and does nothing on
// an ended one.
func (r *Runtime) RemoveVariables(ctx context.Context, processInstanceID string, names ...string) error {
	for _, name := range names {
		err := r.engine.RemoveVariable(ctx, processInstanceID, name)
		if errors.IsCode(err, errors.ErrCodeNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// CurrentTasks lists the pending tasks of an instance.
func (r *Runtime) CurrentTasks(ctx context.Context, processInstanceID string) ([]*engine.Task, error) {
	return r.engine.QueryTasks(ctx, engine.TaskQuery{ProcessInstanceID: processInstanceID})
}

// CurrentTask returns the single pending task, or a conflict when there is
// not exactly one.
func (r *Runtime) CurrentTask(ctx context.Context, processInstanceID string) (*engine.Task, error) {
	tasks, err := r.CurrentTasks(ctx, processInstanceID)
	if err != nil {
		return nil, err
	}
	if len(tasks) != 1 {
		return nil, errors.Newf(errors.ErrCodeConflict, "expected exactly one current task for process instance %s, found %d", processInstanceID, len(tasks)).
			WithDetail("tasks", len(tasks))
	}
	return tasks[0], nil
}

// FormTask returns the pending task that carries a form, if any.
func (r *Runtime) FormTask(ctx context.Context, processInstanceID string) (*engine.Task, bool, error) {
	tasks, err := r.engine.QueryTasks(ctx, engine.TaskQuery{ProcessInstanceID: processInstanceID, WithForm: true})
	if err != nil {
		return nil, false, err
	}
	if len(tasks) == 0 {
		return nil, false, nil
	}
	return tasks[0], true, nil
}

// UpdateStatus sets the user status to the id of the single pending task.
func (r *Runtime) UpdateStatus(ctx context.Context, processInstanceID string, u *user.User) error {
	tasks, err := r.CurrentTasks(ctx, processInstanceID)
	if err != nil {
		return err
	}
	if len(tasks) != 1 {
		r.logger.Warn("Could not find a unique active task", "processInstance", processInstanceID, "tasks", len(tasks))
		return nil
	}
	u.Status = tasks[0].TaskDefinitionKey
	return nil
}

// ActivityMark is the position in the activity history of an instance, to
// be passed to PerformedTasks after driving it.
func (r *Runtime) ActivityMark(ctx context.Context, processInstanceID string) (int, error) {
	activities, err := r.engine.HistoricActivities(ctx, processInstanceID)
	if err != nil {
		return 0, err
	}
	return len(activities), nil
}

// PerformedTasks returns the sorted ids of tasks executed since mark.
func (r *Runtime) PerformedTasks(ctx context.Context, processInstanceID string, mark int) ([]string, error) {
	activities, err := r.engine.HistoricActivities(ctx, processInstanceID)
	if err != nil {
		return nil, err
	}
	var out []string
	for i, a := range activities {
		if i < mark {
			continue
		}
		if bpmn.MapElementKind(a.ActivityType).IsTask() {
			out = append(out, a.ActivityID)
		}
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// SaveForFormSubmit parks what a pending form needs to resume the request:
// the user projection, the password encrypted, the enablement and the
// propagation not yet performed. It does nothing unless the instance sits
// on a form task. The accumulators passed in are cleared once parked.
func (r *Runtime) SaveForFormSubmit(
	ctx context.Context,
	processInstanceID string,
	u *user.User,
	password string,
	enabled *bool,
	propByRes *propagation.PropagationByResource[string],
	propByLinkedAccount *propagation.PropagationByResource[propagation.LinkedAccountRef],
) error {
	_, parked, err := r.FormTask(ctx, processInstanceID)
	if err != nil || !parked {
		return err
	}

	if err := VarUserTO.Set(ctx, r.engine, processInstanceID, r.binder.GetUserTO(u, true)); err != nil {
		return err
	}

	pending, err := r.ScrubPassword(ctx, processInstanceID)
	if err != nil {
		return err
	}
	if password == "" {
		password = pending
	}
	if password != "" {
		encrypted, err := r.cipher.Encrypt(password)
		if err != nil {
			return errors.InternalWrap(err, "failed to encrypt password")
		}
		if err := VarEncryptedPwd.Set(ctx, r.engine, processInstanceID, encrypted); err != nil {
			return err
		}
	}

	if enabled != nil {
		if err := VarEnabled.Set(ctx, r.engine, processInstanceID, *enabled); err != nil {
			return err
		}
	}
	if propByRes != nil {
		if err := VarPropByResource.Set(ctx, r.engine, processInstanceID, propByRes.Clone()); err != nil {
			return err
		}
	}
	if propByLinkedAccount != nil {
		if err := VarPropByLinkedAccount.Set(ctx, r.engine, processInstanceID, propByLinkedAccount.Clone()); err != nil {
			return err
		}
	}
	propByRes.Clear()
	propByLinkedAccount.Clear()
	r.logger.Debug("Saved state for form submit", "processInstance", processInstanceID, "userKey", u.Key)
	return nil
}

// ScrubPassword blanks the password of the pending update request and
// returns the value it held.
func (r *Runtime) ScrubPassword(ctx context.Context, processInstanceID string) (string, error) {
	return r.replacePassword(ctx, processInstanceID, "", func(current string) bool { return current != "" })
}

// RestoreParkedPassword puts the parked password back on the pending update
// request so the update delegate applies it when the form is submitted. It
// returns the parked password, or "" when none was parked.
func (r *Runtime) RestoreParkedPassword(ctx context.Context, processInstanceID string) (string, error) {
	password, ok, err := r.ParkedPassword(ctx, processInstanceID)
	if err != nil || !ok {
		return "", err
	}
	if _, err := r.replacePassword(ctx, processInstanceID, password, func(current string) bool { return current == "" }); err != nil {
		return "", err
	}
	return password, nil
}

func (r *Runtime) replacePassword(ctx context.Context, processInstanceID, value string, when func(current string) bool) (string, error) {
	ur, ok, err := VarUserUR.Get(ctx, r.engine, processInstanceID)
	if err != nil || !ok || ur == nil || ur.Password == nil || !when(ur.Password.Value) {
		return "", err
	}
	previous := ur.Password.Value
	replaced := *ur
	pwd := *ur.Password
	pwd.Value = value
	replaced.Password = &pwd
	if err := VarUserUR.Set(ctx, r.engine, processInstanceID, &replaced); err != nil {
		return "", err
	}
	return previous, nil
}

// ParkedPassword decrypts the password saved for a pending form.
func (r *Runtime) ParkedPassword(ctx context.Context, processInstanceID string) (string, bool, error) {
	encrypted, ok, err := VarEncryptedPwd.Get(ctx, r.engine, processInstanceID)
	if err != nil || !ok || encrypted == "" {
		return "", false, err
	}
	password, err := r.cipher.Decrypt(encrypted)
	if err != nil {
		return "", false, errors.InternalWrap(err, "failed to decrypt parked password")
	}
	return password, true, nil
}

// TranslateError maps an engine failure to the error returned to callers.
// A validation error raised anywhere below is returned as is so callers can
// tell bad input from a broken workflow.
func TranslateError(err error, message string) error {
	if err == nil {
		return nil
	}
	if v := errors.FindValidation(err); v != nil {
		return v
	}
	var engineErr *engine.EngineError
	if stderrors.As(err, &engineErr) {
		return errors.Workflow(err, message)
	}
	var e *errors.Error
	if stderrors.As(err, &e) {
		return err
	}
	return errors.Workflow(err, message)
}
