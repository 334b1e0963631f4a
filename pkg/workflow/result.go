package workflow

import (
	"github.com/tendant/simple-idm-workflow/pkg/propagation"
	"github.com/tendant/simple-idm-workflow/pkg/user"
)

// WorkflowResult is what a lifecycle step hands back to provisioning.
type WorkflowResult[T any] struct {
	Result              T                                                                `json:"result"`
	PropByRes           *propagation.PropagationByResource[string]                       `json:"propByRes"`
	PropByLinkedAccount *propagation.PropagationByResource[propagation.LinkedAccountRef] `json:"propByLinkedAccount"`
	PerformedTasks      []string                                                         `json:"performedTasks"`
}

func newResult[T any](result T, performed []string) *WorkflowResult[T] {
	return &WorkflowResult[T]{
		Result:              result,
		PropByRes:           propagation.New[string](),
		PropByLinkedAccount: propagation.New[propagation.LinkedAccountRef](),
		PerformedTasks:      performed,
	}
}

// CreateResult carries the key of a new user.
type CreateResult struct {
	Key             string `json:"key"`
	PropagateEnable *bool  `json:"propagateEnable,omitempty"`
}

// UpdateResult carries the update request as the workflow left it.
type UpdateResult struct {
	Request         *user.UserUR `json:"request"`
	PropagateEnable *bool        `json:"propagateEnable,omitempty"`
}

// WorkflowTaskExecInput drives a user workflow task directly. TaskID may
// name the pending task to complete; otherwise exactly one must be pending.
type WorkflowTaskExecInput struct {
	UserKey   string         `json:"userKey" validate:"required"`
	TaskID    string         `json:"taskId,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
}
