package engine

import (
	"context"
	"maps"
	"slices"
	"strings"

	"github.com/tendant/simple-idm-workflow/pkg/errors"
)

func (e *InMemoryEngine) HistoricActivities(ctx context.Context, processInstanceID string) ([]*HistoricActivity, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	h, ok := e.history[processInstanceID]
	if !ok {
		return nil, errors.NotFound("historic process instance", processInstanceID)
	}
	out := make([]*HistoricActivity, 0, len(h.activities))
	for _, a := range h.activities {
		copied := *a
		out = append(out, &copied)
	}
	return out, nil
}

func (e *InMemoryEngine) HistoricProcessInstance(ctx context.Context, id string) (*HistoricProcessInstance, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	h, ok := e.history[id]
	if !ok {
		return nil, errors.NotFound("historic process instance", id)
	}
	out := h.instance
	return &out, nil
}

func (e *InMemoryEngine) HistoricVariables(ctx context.Context, processInstanceID string) (map[string]any, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	h, ok := e.history[processInstanceID]
	if !ok {
		return nil, errors.NotFound("historic process instance", processInstanceID)
	}
	return maps.Clone(h.vars), nil
}

func (e *InMemoryEngine) HistoricTasks(ctx context.Context, q HistoricTaskQuery) ([]*HistoricTask, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	var out []*HistoricTask
	for _, ht := range e.taskHistory {
		switch {
		case q.TaskID != "" && ht.ID != q.TaskID,
			q.ProcessInstanceID != "" && ht.ProcessInstanceID != q.ProcessInstanceID,
			q.Finished != nil && *q.Finished != (ht.EndTime != nil):
			continue
		}
		copied := *ht
		copied.Task = *cloneTask(&ht.Task)
		out = append(out, &copied)
	}
	slices.SortFunc(out, func(a, b *HistoricTask) int {
		if c := a.CreateTime.Compare(b.CreateTime); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (e *InMemoryEngine) HistoricFormProperties(ctx context.Context, taskID string) ([]*HistoricFormProperty, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	ht, ok := e.taskHistory[taskID]
	if !ok {
		return nil, errors.NotFound("historic task", taskID)
	}
	h, ok := e.history[ht.ProcessInstanceID]
	if !ok {
		return nil, nil
	}
	out := make([]*HistoricFormProperty, 0, len(h.formProps[taskID]))
	for _, p := range h.formProps[taskID] {
		copied := *p
		out = append(out, &copied)
	}
	return out, nil
}

// DeleteHistoricProcessInstance drops the history of a finished instance.
func (e *InMemoryEngine) DeleteHistoricProcessInstance(ctx context.Context, id string) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if _, ok := e.history[id]; !ok {
		return errors.NotFound("historic process instance", id)
	}
	if _, running := e.instances[id]; running {
		return errors.Newf(errors.ErrCodeConflict, "process instance %s is still running", id)
	}
	delete(e.history, id)
	e.purgeTasks(id)
	return nil
}
