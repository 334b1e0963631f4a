package engine

import (
	"context"
	"maps"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/tendant/simple-idm-workflow/pkg/errors"
)

type instance struct {
	ProcessInstance
	def   *definition
	vars  map[string]any
	joins map[string]int
}

type history struct {
	instance   HistoricProcessInstance
	activities []*HistoricActivity
	vars       map[string]any
	formProps  map[string][]*HistoricFormProperty
}

func (e *InMemoryEngine) StartProcessInstanceByKey(ctx context.Context, key, businessKey string, variables map[string]any) (*ProcessInstance, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	def := e.latest(key)
	if def == nil {
		return nil, errors.NotFound("process definition", key)
	}
	start, err := def.model.StartEvent()
	if err != nil {
		return nil, &EngineError{Op: "start", ActivityID: key, Err: err}
	}

	now := e.now()
	inst := &instance{
		ProcessInstance: ProcessInstance{
			ID:                   uuid.NewString(),
			ProcessDefinitionID:  def.ID,
			ProcessDefinitionKey: def.Key,
			BusinessKey:          businessKey,
			StartTime:            now,
		},
		def:   def,
		vars:  make(map[string]any, len(variables)),
		joins: make(map[string]int),
	}
	if executor, ok := variables["wfExecutor"].(string); ok {
		inst.StartUserID = executor
	}
	maps.Copy(inst.vars, variables)

	e.instances[inst.ID] = inst
	e.history[inst.ID] = &history{
		instance: HistoricProcessInstance{
			ID:                   inst.ID,
			ProcessDefinitionID:  def.ID,
			ProcessDefinitionKey: def.Key,
			BusinessKey:          businessKey,
			StartTime:            now,
		},
		vars:      maps.Clone(inst.vars),
		formProps: make(map[string][]*HistoricFormProperty),
	}

	if err := e.execute(ctx, inst, []string{start.ID}); err != nil {
		delete(e.instances, inst.ID)
		delete(e.history, inst.ID)
		e.purgeTasks(inst.ID)
		return nil, err
	}

	out := inst.ProcessInstance
	return &out, nil
}

func (e *InMemoryEngine) UpdateBusinessKey(ctx context.Context, processInstanceID, businessKey string) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	h, ok := e.history[processInstanceID]
	if !ok {
		return errors.NotFound("process instance", processInstanceID)
	}
	h.instance.BusinessKey = businessKey
	if inst, ok := e.instances[processInstanceID]; ok {
		inst.BusinessKey = businessKey
	}
	for _, t := range e.tasks {
		if t.ProcessInstanceID == processInstanceID {
			t.BusinessKey = businessKey
		}
	}
	for _, ht := range e.taskHistory {
		if ht.ProcessInstanceID == processInstanceID {
			ht.BusinessKey = businessKey
		}
	}
	return nil
}

func (e *InMemoryEngine) ProcessInstance(ctx context.Context, id string) (*ProcessInstance, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	inst, ok := e.instances[id]
	if !ok {
		return nil, errors.NotFound("process instance", id)
	}
	out := inst.ProcessInstance
	return &out, nil
}

func (e *InMemoryEngine) QueryProcessInstances(ctx context.Context, q ProcessInstanceQuery) ([]*ProcessInstance, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	var out []*ProcessInstance
	for _, inst := range e.instances {
		switch {
		case q.BusinessKey != "" && inst.BusinessKey != q.BusinessKey,
			q.BusinessKeyPrefix != "" && !strings.HasPrefix(inst.BusinessKey, q.BusinessKeyPrefix),
			q.BusinessKeySuffix != "" && !strings.HasSuffix(inst.BusinessKey, q.BusinessKeySuffix),
			q.ProcessDefinitionKey != "" && inst.ProcessDefinitionKey != q.ProcessDefinitionKey,
			q.ProcessDefinitionID != "" && inst.ProcessDefinitionID != q.ProcessDefinitionID,
			q.ExcludeProcessDefinitionKey != "" && inst.ProcessDefinitionKey == q.ExcludeProcessDefinitionKey:
			continue
		}
		pi := inst.ProcessInstance
		out = append(out, &pi)
	}
	slices.SortFunc(out, func(a, b *ProcessInstance) int {
		if c := a.StartTime.Compare(b.StartTime); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return page(out, q.Offset, q.Limit), nil
}

func (e *InMemoryEngine) DeleteProcessInstance(ctx context.Context, id, reason string) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	inst, ok := e.instances[id]
	if !ok {
		return errors.NotFound("process instance", id)
	}
	e.deleteInstance(inst, reason)
	return nil
}

// deleteInstance ends an instance without completing it.
func (e *InMemoryEngine) deleteInstance(inst *instance, reason string) {
	now := e.now()
	for id, t := range e.tasks {
		if t.ProcessInstanceID == inst.ID {
			if ht, ok := e.taskHistory[id]; ok {
				ht.EndTime = &now
			}
			delete(e.tasks, id)
		}
	}
	if h, ok := e.history[inst.ID]; ok {
		h.instance.EndTime = &now
		h.instance.DeleteReason = reason
		for _, a := range h.activities {
			if a.EndTime == nil {
				a.EndTime = &now
			}
		}
	}
	delete(e.instances, inst.ID)
	e.logger.Debug("Process instance deleted", "id", inst.ID, "reason", reason)
}

func (e *InMemoryEngine) active(id string) (*instance, error) {
	inst, ok := e.instances[id]
	if !ok {
		return nil, errors.NotFound("process instance", id)
	}
	return inst, nil
}

func (e *InMemoryEngine) Variable(ctx context.Context, processInstanceID, name string) (any, bool, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	inst, err := e.active(processInstanceID)
	if err != nil {
		return nil, false, err
	}
	v, ok := inst.vars[name]
	return v, ok, nil
}

func (e *InMemoryEngine) Variables(ctx context.Context, processInstanceID string) (map[string]any, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	inst, err := e.active(processInstanceID)
	if err != nil {
		return nil, err
	}
	return maps.Clone(inst.vars), nil
}

func (e *InMemoryEngine) SetVariable(ctx context.Context, processInstanceID, name string, value any) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	inst, err := e.active(processInstanceID)
	if err != nil {
		return err
	}
	e.setVar(inst, name, value)
	return nil
}

func (e *InMemoryEngine) RemoveVariable(ctx context.Context, processInstanceID, name string) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	inst, err := e.active(processInstanceID)
	if err != nil {
		return err
	}
	e.removeVar(inst, name)
	return nil
}

func (e *InMemoryEngine) setVar(inst *instance, name string, value any) {
	inst.vars[name] = value
	if h, ok := e.history[inst.ID]; ok {
		h.vars[name] = value
	}
}

func (e *InMemoryEngine) removeVar(inst *instance, name string) {
	delete(inst.vars, name)
	if h, ok := e.history[inst.ID]; ok {
		delete(h.vars, name)
	}
}

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
