package engine

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/google/uuid"
	"github.com/sosodev/duration"
	"github.com/tendant/simple-idm-workflow/pkg/bpmn"
)

// Delegate is the logic behind a service task.
type Delegate interface {
	Execute(ctx context.Context, exec *Execution) error
}

// DelegateFunc adapts a function to Delegate.
type DelegateFunc func(ctx context.Context, exec *Execution) error

func (f DelegateFunc) Execute(ctx context.Context, exec *Execution) error {
	return f(ctx, exec)
}

// VariableScope reads and writes process variables.
type VariableScope interface {
	Variable(name string) (any, bool)
	SetVariable(name string, value any)
	RemoveVariable(name string)
}

// Execution is the view a delegate gets of the instance it runs in.
type Execution struct {
	engine     *InMemoryEngine
	inst       *instance
	activityID string
}

func (x *Execution) ProcessInstanceID() string    { return x.inst.ID }
func (x *Execution) ProcessDefinitionKey() string { return x.inst.ProcessDefinitionKey }
func (x *Execution) BusinessKey() string          { return x.inst.BusinessKey }
func (x *Execution) ActivityID() string           { return x.activityID }

func (x *Execution) Variable(name string) (any, bool) {
	v, ok := x.inst.vars[name]
	return v, ok
}

func (x *Execution) SetVariable(name string, value any) {
	x.engine.setVar(x.inst, name, value)
}

func (x *Execution) RemoveVariable(name string) {
	x.engine.removeVar(x.inst, name)
}

// Variables returns a copy of all variables.
func (x *Execution) Variables() map[string]any {
	return maps.Clone(x.inst.vars)
}

// EngineError reports a failure while executing a process. Err holds the
// cause, which may be a domain error raised by a delegate.
type EngineError struct {
	Op         string
	ActivityID string
	Err        error
}

func (e *EngineError) Error() string {
	if e.ActivityID != "" {
		return fmt.Sprintf("engine %s at %s: %v", e.Op, e.ActivityID, e.Err)
	}
	return fmt.Sprintf("engine %s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// execute runs tokens from the given nodes until every path reaches a wait
// state or an end. The instance ends when no task is left.
func (e *InMemoryEngine) execute(ctx context.Context, inst *instance, queue []string) error {
	model := inst.def.model
	for steps := 0; len(queue) > 0; steps++ {
		if steps > maxSteps {
			return &EngineError{Op: "execute", Err: fmt.Errorf("exceeded %d steps without reaching a wait state", maxSteps)}
		}
		if err := ctx.Err(); err != nil {
			return &EngineError{Op: "execute", Err: err}
		}

		id := queue[0]
		queue = queue[1:]
		el, ok := model.Element(id)
		if !ok {
			return &EngineError{Op: "execute", ActivityID: id, Err: fmt.Errorf("unknown node")}
		}

		var next []string
		var err error
		switch n := el.(type) {
		case *bpmn.StartEvent:
			e.closeActivity(e.recordActivity(inst, n, ""))
			next, err = e.leave(inst, n.ID)
		case *bpmn.EndEvent:
			e.closeActivity(e.recordActivity(inst, n, ""))
		case *bpmn.ServiceTask:
			act := e.recordActivity(inst, n, "")
			d, ok := e.delegates[n.DelegateName()]
			if !ok {
				return &EngineError{Op: "execute", ActivityID: n.ID, Err: fmt.Errorf("no delegate registered as %q", n.DelegateName())}
			}
			e.logger.Debug("Executing service task", "instance", inst.ID, "activity", n.ID, "delegate", n.DelegateName())
			if err := d.Execute(ctx, &Execution{engine: e, inst: inst, activityID: n.ID}); err != nil {
				return &EngineError{Op: "execute", ActivityID: n.ID, Err: err}
			}
			e.closeActivity(act)
			next, err = e.leave(inst, n.ID)
		case *bpmn.UserTask:
			err = e.createTask(inst, n)
		case *bpmn.Gateway:
			if n.Kind() == bpmn.ParallelGatewayKind {
				if incoming := len(model.Incoming(n.ID)); incoming > 1 {
					inst.joins[n.ID]++
					if inst.joins[n.ID] < incoming {
						continue
					}
					inst.joins[n.ID] = 0
				}
				e.closeActivity(e.recordActivity(inst, n, ""))
				for _, f := range model.Outgoing(n.ID) {
					next = append(next, f.TargetRef)
				}
			} else {
				e.closeActivity(e.recordActivity(inst, n, ""))
				next, err = e.choose(inst, n)
			}
		default:
			err = &EngineError{Op: "execute", ActivityID: id, Err: fmt.Errorf("unsupported node kind %s", el.Kind())}
		}
		if err != nil {
			return err
		}
		queue = append(queue, next...)
	}

	if !e.hasTasks(inst.ID) {
		e.end(inst)
	}
	return nil
}

// leave selects the flows out of an activity: unconditional flows and
// flows whose condition holds.
func (e *InMemoryEngine) leave(inst *instance, nodeID string) ([]string, error) {
	outgoing := inst.def.model.Outgoing(nodeID)
	var next []string
	for _, f := range outgoing {
		ok, err := e.condition(inst, f)
		if err != nil {
			return nil, err
		}
		if ok {
			next = append(next, f.TargetRef)
		}
	}
	if len(outgoing) > 0 && len(next) == 0 {
		return nil, &EngineError{Op: "leave", ActivityID: nodeID, Err: fmt.Errorf("no outgoing sequence flow could be selected")}
	}
	return next, nil
}

// choose takes the first non-default flow of an exclusive gateway whose
// condition holds, then the default flow.
func (e *InMemoryEngine) choose(inst *instance, g *bpmn.Gateway) ([]string, error) {
	var fallback *bpmn.SequenceFlow
	for _, f := range inst.def.model.Outgoing(g.ID) {
		if f.ID == g.Default {
			fallback = f
			continue
		}
		ok, err := e.condition(inst, f)
		if err != nil {
			return nil, err
		}
		if ok {
			return []string{f.TargetRef}, nil
		}
	}
	if fallback != nil {
		return []string{fallback.TargetRef}, nil
	}
	return nil, &EngineError{Op: "choose", ActivityID: g.ID, Err: fmt.Errorf("no outgoing sequence flow could be selected")}
}

func (e *InMemoryEngine) condition(inst *instance, f *bpmn.SequenceFlow) (bool, error) {
	body := f.ConditionBody()
	if body == "" {
		return true, nil
	}
	env := maps.Clone(inst.vars)
	program, err := expr.Compile(body, expr.Env(env), expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return false, &EngineError{Op: "condition", ActivityID: f.ID, Err: err}
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, &EngineError{Op: "condition", ActivityID: f.ID, Err: err}
	}
	return out.(bool), nil
}

// evaluate resolves a ${...} value expression; plain text is returned as is.
func (e *InMemoryEngine) evaluate(inst *instance, raw string) (any, error) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "${") {
		return raw, nil
	}
	env := maps.Clone(inst.vars)
	program, err := expr.Compile(bpmn.StripExpression(trimmed), expr.Env(env), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	return expr.Run(program, env)
}

func (e *InMemoryEngine) resolveList(inst *instance, raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := e.evaluate(inst, raw)
	if err != nil {
		return nil, err
	}
	switch list := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return slices.Clone(list), nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			out = append(out, fmt.Sprint(item))
		}
		return out, nil
	default:
		var out []string
		for _, part := range strings.Split(fmt.Sprint(list), ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	}
}

func (e *InMemoryEngine) createTask(inst *instance, ut *bpmn.UserTask) error {
	candidateUsers, err := e.resolveList(inst, ut.CandidateUsers)
	if err != nil {
		return &EngineError{Op: "task", ActivityID: ut.ID, Err: err}
	}
	candidateGroups, err := e.resolveList(inst, ut.CandidateGroups)
	if err != nil {
		return &EngineError{Op: "task", ActivityID: ut.ID, Err: err}
	}
	assignee := ""
	if ut.Assignee != "" {
		v, err := e.evaluate(inst, ut.Assignee)
		if err != nil {
			return &EngineError{Op: "task", ActivityID: ut.ID, Err: err}
		}
		if v != nil {
			assignee = fmt.Sprint(v)
		}
	}

	now := e.now()
	t := &Task{
		ID:                   uuid.NewString(),
		Name:                 ut.Name,
		TaskDefinitionKey:    ut.ID,
		ProcessInstanceID:    inst.ID,
		ExecutionID:          inst.ID,
		ProcessDefinitionID:  inst.ProcessDefinitionID,
		ProcessDefinitionKey: inst.ProcessDefinitionKey,
		BusinessKey:          inst.BusinessKey,
		Assignee:             assignee,
		CandidateUsers:       candidateUsers,
		CandidateGroups:      candidateGroups,
		FormKey:              ut.FormKey,
		HasForm:              len(ut.FormProperties()) > 0,
		CreateTime:           now,
	}
	if ut.DueDate != "" {
		due, err := e.dueDate(inst, ut.DueDate, now)
		if err != nil {
			return &EngineError{Op: "task", ActivityID: ut.ID, Err: err}
		}
		t.DueDate = due
	}

	e.tasks[t.ID] = t
	ht := &HistoricTask{Task: *t}
	e.taskHistory[t.ID] = ht
	e.recordActivity(inst, ut, t.ID)
	e.logger.Debug("Task created", "instance", inst.ID, "task", t.ID, "definition", ut.ID)
	return nil
}

// dueDate accepts an ISO-8601 duration relative to now or an RFC 3339
// timestamp, either literal or as expression result.
func (e *InMemoryEngine) dueDate(inst *instance, raw string, now time.Time) (*time.Time, error) {
	v, err := e.evaluate(inst, raw)
	if err != nil {
		return nil, err
	}
	switch d := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return &d, nil
	case string:
		if strings.HasPrefix(d, "P") {
			parsed, err := duration.Parse(d)
			if err != nil {
				return nil, err
			}
			due := now.Add(parsed.ToTimeDuration())
			return &due, nil
		}
		due, err := time.Parse(time.RFC3339, d)
		if err != nil {
			return nil, err
		}
		return &due, nil
	}
	return nil, fmt.Errorf("unsupported due date %v", v)
}

func (e *InMemoryEngine) hasTasks(processInstanceID string) bool {
	for _, t := range e.tasks {
		if t.ProcessInstanceID == processInstanceID {
			return true
		}
	}
	return false
}

func (e *InMemoryEngine) end(inst *instance) {
	now := e.now()
	inst.Ended = true
	if h, ok := e.history[inst.ID]; ok {
		h.instance.EndTime = &now
	}
	delete(e.instances, inst.ID)
	e.logger.Debug("Process instance ended", "id", inst.ID, "businessKey", inst.BusinessKey)
}

func (e *InMemoryEngine) recordActivity(inst *instance, el bpmn.Element, taskID string) *HistoricActivity {
	a := &HistoricActivity{
		ActivityID:        el.ElementID(),
		ActivityName:      el.ElementName(),
		ActivityType:      el.Kind().String(),
		ProcessInstanceID: inst.ID,
		TaskID:            taskID,
		StartTime:         e.now(),
	}
	if h, ok := e.history[inst.ID]; ok {
		h.activities = append(h.activities, a)
	}
	return a
}

func (e *InMemoryEngine) closeActivity(a *HistoricActivity) {
	now := e.now()
	a.EndTime = &now
}

// completeTask stores variables, leaves the task and runs to the next wait
// state. On failure the instance is restored to its state before the call.
func (e *InMemoryEngine) completeTask(ctx context.Context, t *Task, variables map[string]any) error {
	inst, err := e.active(t.ProcessInstanceID)
	if err != nil {
		return err
	}
	snap := e.snapshot(inst)

	for name, value := range variables {
		e.setVar(inst, name, value)
	}
	now := e.now()
	delete(e.tasks, t.ID)
	if ht, ok := e.taskHistory[t.ID]; ok {
		ht.EndTime = &now
		ht.Assignee = t.Assignee
	}
	if h, ok := e.history[inst.ID]; ok {
		for _, a := range h.activities {
			if a.TaskID == t.ID {
				a.EndTime = &now
			}
		}
	}

	next, err := e.leave(inst, t.TaskDefinitionKey)
	if err == nil {
		err = e.execute(ctx, inst, next)
	}
	if err != nil {
		e.restore(inst, snap)
		return err
	}
	return nil
}

type snapshot struct {
	vars        map[string]any
	historyVars map[string]any
	joins       map[string]int
	activities  []HistoricActivity
	tasks       map[string]Task
	taskHistory map[string]HistoricTask
	formProps   map[string][]*HistoricFormProperty
}

func (e *InMemoryEngine) snapshot(inst *instance) *snapshot {
	s := &snapshot{
		vars:        maps.Clone(inst.vars),
		joins:       maps.Clone(inst.joins),
		tasks:       make(map[string]Task),
		taskHistory: make(map[string]HistoricTask),
	}
	if h, ok := e.history[inst.ID]; ok {
		s.historyVars = maps.Clone(h.vars)
		for _, a := range h.activities {
			s.activities = append(s.activities, *a)
		}
		s.formProps = make(map[string][]*HistoricFormProperty, len(h.formProps))
		for k, v := range h.formProps {
			s.formProps[k] = slices.Clone(v)
		}
	}
	for id, t := range e.tasks {
		if t.ProcessInstanceID == inst.ID {
			s.tasks[id] = *t
		}
	}
	for id, ht := range e.taskHistory {
		if ht.ProcessInstanceID == inst.ID {
			s.taskHistory[id] = *ht
		}
	}
	return s
}

func (e *InMemoryEngine) restore(inst *instance, s *snapshot) {
	inst.vars = s.vars
	inst.joins = s.joins
	inst.Ended = false
	e.instances[inst.ID] = inst
	if h, ok := e.history[inst.ID]; ok {
		h.vars = s.historyVars
		h.instance.EndTime = nil
		h.activities = h.activities[:0]
		for _, a := range s.activities {
			h.activities = append(h.activities, &a)
		}
		h.formProps = s.formProps
	}
	for id, t := range e.tasks {
		if t.ProcessInstanceID == inst.ID {
			delete(e.tasks, id)
		}
	}
	for id, t := range s.tasks {
		e.tasks[id] = &t
	}
	for id, ht := range e.taskHistory {
		if ht.ProcessInstanceID == inst.ID {
			delete(e.taskHistory, id)
		}
	}
	for id, ht := range s.taskHistory {
		e.taskHistory[id] = &ht
	}
	e.logger.Debug("Process instance restored after failure", "id", inst.ID)
}

func (e *InMemoryEngine) purgeTasks(processInstanceID string) {
	for id, t := range e.tasks {
		if t.ProcessInstanceID == processInstanceID {
			delete(e.tasks, id)
		}
	}
	for id, ht := range e.taskHistory {
		if ht.ProcessInstanceID == processInstanceID {
			delete(e.taskHistory, id)
		}
	}
}
