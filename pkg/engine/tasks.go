package engine

import (
	"context"
	"slices"
	"strings"

	"github.com/tendant/simple-idm-workflow/pkg/errors"
)

func (e *InMemoryEngine) Task(ctx context.Context, id string) (*Task, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	t, ok := e.tasks[id]
	if !ok {
		return nil, errors.NotFound("task", id)
	}
	return cloneTask(t), nil
}

func (e *InMemoryEngine) QueryTasks(ctx context.Context, q TaskQuery) ([]*Task, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	out := e.matchTasks(q)
	sortTasks(out, q.OrderBy)
	return page(out, q.Offset, q.Limit), nil
}

func (e *InMemoryEngine) CountTasks(ctx context.Context, q TaskQuery) (int, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	return len(e.matchTasks(q)), nil
}

func (e *InMemoryEngine) matchTasks(q TaskQuery) []*Task {
	var out []*Task
	for _, t := range e.tasks {
		switch {
		case q.TaskID != "" && t.ID != q.TaskID,
			q.ProcessInstanceID != "" && t.ProcessInstanceID != q.ProcessInstanceID,
			q.BusinessKey != "" && t.BusinessKey != q.BusinessKey,
			q.BusinessKeySuffix != "" && !strings.HasSuffix(t.BusinessKey, q.BusinessKeySuffix),
			q.ProcessDefinitionKey != "" && t.ProcessDefinitionKey != q.ProcessDefinitionKey,
			q.TaskDefinitionKey != "" && t.TaskDefinitionKey != q.TaskDefinitionKey,
			q.Assignee != "" && t.Assignee != q.Assignee,
			q.WithForm && !t.HasForm:
			continue
		}
		if q.CandidateOrAssigned != "" {
			assigned := t.Assignee == q.CandidateOrAssigned
			candidate := t.Assignee == "" && t.IsCandidate(q.CandidateOrAssigned, q.CandidateGroups)
			if !assigned && !candidate {
				continue
			}
		}
		out = append(out, cloneTask(t))
	}
	return out
}

// sortTasks orders by the requested properties, then by creation time and
// id so results are stable.
func sortTasks(tasks []*Task, order []TaskOrder) {
	slices.SortFunc(tasks, func(a, b *Task) int {
		for _, o := range order {
			c := compareTasks(a, b, o.Property)
			if o.Descending {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		if c := a.CreateTime.Compare(b.CreateTime); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

func compareTasks(a, b *Task, p TaskProperty) int {
	switch p {
	case TaskByID:
		return strings.Compare(a.ID, b.ID)
	case TaskByName:
		return strings.Compare(a.Name, b.Name)
	case TaskByCreateTime:
		return a.CreateTime.Compare(b.CreateTime)
	case TaskByDueDate:
		switch {
		case a.DueDate == nil && b.DueDate == nil:
			return 0
		case a.DueDate == nil:
			return 1
		case b.DueDate == nil:
			return -1
		}
		return a.DueDate.Compare(*b.DueDate)
	case TaskByAssignee:
		return strings.Compare(a.Assignee, b.Assignee)
	case TaskByProcessDefinitionKey:
		return strings.Compare(a.ProcessDefinitionKey, b.ProcessDefinitionKey)
	case TaskByExecutionID:
		return strings.Compare(a.ExecutionID, b.ExecutionID)
	}
	return 0
}

func (e *InMemoryEngine) CompleteTask(ctx context.Context, taskID string, variables map[string]any) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	t, ok := e.tasks[taskID]
	if !ok {
		return errors.NotFound("task", taskID)
	}
	e.logger.Debug("Completing task", "task", taskID, "definition", t.TaskDefinitionKey)
	return e.completeTask(ctx, t, variables)
}

func (e *InMemoryEngine) ClaimTask(ctx context.Context, taskID, userID string) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	t, ok := e.tasks[taskID]
	if !ok {
		return errors.NotFound("task", taskID)
	}
	if t.Assignee != "" && t.Assignee != userID {
		return errors.Newf(errors.ErrCodeConflict, "task %s is already claimed by %s", taskID, t.Assignee)
	}
	e.assign(t, userID)
	return nil
}

func (e *InMemoryEngine) UnclaimTask(ctx context.Context, taskID string) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	t, ok := e.tasks[taskID]
	if !ok {
		return errors.NotFound("task", taskID)
	}
	e.assign(t, "")
	return nil
}

func (e *InMemoryEngine) assign(t *Task, userID string) {
	t.Assignee = userID
	if ht, ok := e.taskHistory[t.ID]; ok {
		ht.Assignee = userID
	}
}

func cloneTask(t *Task) *Task {
	out := *t
	out.CandidateUsers = slices.Clone(t.CandidateUsers)
	out.CandidateGroups = slices.Clone(t.CandidateGroups)
	if t.DueDate != nil {
		due := *t.DueDate
		out.DueDate = &due
	}
	return &out
}
