package workflow

import (
	"context"

	"github.com/tendant/simple-idm-workflow/pkg/engine"
	"github.com/tendant/simple-idm-workflow/pkg/errors"
	"github.com/tendant/simple-idm-workflow/pkg/propagation"
	"github.com/tendant/simple-idm-workflow/pkg/user"
)

// Var names a process variable and fixes its Go type.
type Var[T any] struct {
	name string
}

// NewVar declares a variable.
func NewVar[T any](name string) Var[T] {
	return Var[T]{name: name}
}

func (v Var[T]) Name() string { return v.name }

// Of reads the variable out of a variable map. A nil value reads as absent.
func (v Var[T]) Of(vars map[string]any) (T, bool, error) {
	return v.cast(vars[v.name])
}

// In reads the variable from a running execution.
func (v Var[T]) In(scope engine.VariableScope) (T, bool, error) {
	raw, _ := scope.Variable(v.name)
	return v.cast(raw)
}

// Put writes the variable into a running execution.
func (v Var[T]) Put(scope engine.VariableScope, value T) {
	scope.SetVariable(v.name, value)
}

// Clear removes the variable from a running execution.
func (v Var[T]) Clear(scope engine.VariableScope) {
	scope.RemoveVariable(v.name)
}

// Get reads the variable of a process instance.
func (v Var[T]) Get(ctx context.Context, rt engine.RuntimeService, processInstanceID string) (T, bool, error) {
	raw, _, err := rt.Variable(ctx, processInstanceID, v.name)
	if err != nil {
		var zero T
		return zero, false, err
	}
	return v.cast(raw)
}

// Set writes the variable of a process instance.
func (v Var[T]) Set(ctx context.Context, rt engine.RuntimeService, processInstanceID string, value T) error {
	return rt.SetVariable(ctx, processInstanceID, v.name, value)
}

// Remove deletes the variable of a process instance.
func (v Var[T]) Remove(ctx context.Context, rt engine.RuntimeService, processInstanceID string) error {
	return rt.RemoveVariable(ctx, processInstanceID, v.name)
}

func (v Var[T]) cast(raw any) (T, bool, error) {
	var zero T
	if raw == nil {
		return zero, false, nil
	}
	value, ok := raw.(T)
	if !ok {
		return zero, false, errors.Newf(errors.ErrCodeVariableType, "variable %s holds %T, expected %T", v.name, raw, zero)
	}
	return value, true, nil
}

// Well known variables of the user workflow.
var (
	VarWfExecutor            = NewVar[string]("wfExecutor")
	VarFormSubmitter         = NewVar[string]("formSubmitter")
	VarUser                  = NewVar[*user.User]("user")
	VarUserCR                = NewVar[*user.UserCR]("userCR")
	VarUserUR                = NewVar[*user.UserUR]("userUR")
	VarUserTO                = NewVar[*user.UserTO]("userTO")
	VarEnabled               = NewVar[bool]("enabled")
	VarPropagateEnable       = NewVar[bool]("propagateEnable")
	VarTask                  = NewVar[string]("task")
	VarToken                 = NewVar[string]("token")
	VarPassword              = NewVar[string]("password")
	VarEncryptedPwd          = NewVar[string]("encryptedPwd")
	VarPropByResource        = NewVar[*propagation.PropagationByResource[string]]("propByResource")
	VarPropByLinkedAccount   = NewVar[*propagation.PropagationByResource[propagation.LinkedAccountRef]]("propByLinkedAccount")
	VarStorePassword         = NewVar[bool]("storePassword")
	VarDisablePwdPolicyCheck = NewVar[bool]("disablePwdPolicyCheck")
	VarEvent                 = NewVar[string]("event")
	VarAuditContext          = NewVar[string]("auditContext")

	// form fields of the default definition
	VarApproveCreate = NewVar[bool]("approveCreate")
	VarApproveUpdate = NewVar[bool]("approveUpdate")
	VarApproveDelete = NewVar[bool]("approveDelete")
	VarRejectReason  = NewVar[string]("rejectReason")
)

// Task discriminators set before driving the user workflow.
const (
	TaskActivate             = "activate"
	TaskUpdate               = "update"
	TaskSuspend              = "suspend"
	TaskReactivate           = "reactivate"
	TaskDelete               = "delete"
	TaskRequestPasswordReset = "requestPasswordReset"
	TaskConfirmPasswordReset = "confirmPasswordReset"
)
