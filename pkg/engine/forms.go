package engine

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/tendant/simple-idm-workflow/pkg/bpmn"
	"github.com/tendant/simple-idm-workflow/pkg/errors"
)

// Form property types understood by the engine. Any other type is kept as a
// string.
const (
	FormTypeString  = "string"
	FormTypeLong    = "long"
	FormTypeBoolean = "boolean"
	FormTypeEnum    = "enum"
	FormTypeDate    = "date"
)

const defaultDatePattern = "dd/MM/yyyy"

var datePatternReplacer = strings.NewReplacer(
	"yyyy", "2006",
	"yy", "06",
	"MM", "01",
	"dd", "02",
	"HH", "15",
	"mm", "04",
	"ss", "05",
	"SSS", "000",
)

// DateLayout converts a form date pattern such as dd/MM/yyyy into a time
// layout.
func DateLayout(pattern string) string {
	if pattern == "" {
		pattern = defaultDatePattern
	}
	return datePatternReplacer.Replace(pattern)
}

func (e *InMemoryEngine) TaskFormData(ctx context.Context, taskID string) (*TaskFormData, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	t, ok := e.tasks[taskID]
	if !ok {
		return nil, errors.NotFound("task", taskID)
	}
	inst, err := e.active(t.ProcessInstanceID)
	if err != nil {
		return nil, err
	}
	ut, ok := inst.def.model.UserTask(t.TaskDefinitionKey)
	if !ok {
		return nil, errors.NotFound("user task", t.TaskDefinitionKey)
	}

	data := &TaskFormData{FormKey: ut.FormKey, Task: cloneTask(t)}
	for _, p := range ut.FormProperties() {
		prop := FormProperty{
			ID:          p.ID,
			Name:        p.Name,
			Type:        formType(p),
			Readable:    p.IsReadable(),
			Writable:    p.IsWritable(),
			Required:    p.Required,
			DatePattern: p.DatePattern,
		}
		for _, v := range p.Values {
			prop.Values = append(prop.Values, FormValue{ID: v.ID, Name: v.Name})
		}
		if prop.Readable {
			value, err := e.formValue(inst, p)
			if err != nil {
				return nil, &EngineError{Op: "form", ActivityID: ut.ID, Err: err}
			}
			prop.Value = value
		}
		data.Properties = append(data.Properties, prop)
	}
	return data, nil
}

func (e *InMemoryEngine) formValue(inst *instance, p bpmn.FormProperty) (string, error) {
	var v any
	if p.Expression != "" {
		var err error
		if v, err = e.evaluate(inst, p.Expression); err != nil {
			return "", err
		}
	} else {
		v = inst.vars[p.VariableName()]
	}
	switch value := v.(type) {
	case nil:
		return "", nil
	case string:
		return value, nil
	case time.Time:
		return value.Format(DateLayout(p.DatePattern)), nil
	case *time.Time:
		if value == nil {
			return "", nil
		}
		return value.Format(DateLayout(p.DatePattern)), nil
	default:
		return fmt.Sprint(value), nil
	}
}

func (e *InMemoryEngine) SubmitTaskFormData(ctx context.Context, taskID string, properties map[string]string) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	t, ok := e.tasks[taskID]
	if !ok {
		return errors.NotFound("task", taskID)
	}
	inst, err := e.active(t.ProcessInstanceID)
	if err != nil {
		return err
	}
	ut, ok := inst.def.model.UserTask(t.TaskDefinitionKey)
	if !ok {
		return errors.NotFound("user task", t.TaskDefinitionKey)
	}

	variables, err := convertForm(ut.FormProperties(), properties)
	if err != nil {
		return err
	}
	if err := e.completeTask(ctx, t, variables); err != nil {
		return err
	}

	if h, ok := e.history[inst.ID]; ok {
		now := e.now()
		ids := make([]string, 0, len(properties))
		for id := range properties {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		for _, id := range ids {
			h.formProps[taskID] = append(h.formProps[taskID], &HistoricFormProperty{
				TaskID:     taskID,
				PropertyID: id,
				Value:      properties[id],
				Time:       now,
			})
		}
	}
	return nil
}

// convertForm turns submitted strings into typed variables. Submitted
// properties the form does not declare are stored as strings.
func convertForm(declared []bpmn.FormProperty, submitted map[string]string) (map[string]any, error) {
	variables := make(map[string]any, len(submitted))
	known := make(map[string]bool, len(declared))
	for _, p := range declared {
		known[p.ID] = true
	}
	for id := range submitted {
		if !known[id] {
			return nil, errors.InvalidInput(id, "not a property of this form")
		}
	}
	for _, p := range declared {
		raw, present := submitted[p.ID]
		if !present || raw == "" {
			if p.Required && p.IsWritable() {
				return nil, errors.Newf(errors.ErrCodeMissingRequired, "form property %s is required", p.ID)
			}
			if !present {
				continue
			}
		}
		if !p.IsWritable() {
			return nil, errors.InvalidInput(p.ID, "form property is not writable")
		}
		value, err := convertValue(p, raw)
		if err != nil {
			return nil, err
		}
		variables[p.VariableName()] = value
	}
	return variables, nil
}

func convertValue(p bpmn.FormProperty, raw string) (any, error) {
	if raw == "" {
		return nil, nil
	}
	switch formType(p) {
	case FormTypeLong:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, errors.InvalidInput(p.ID, "not a long value: "+raw)
		}
		return n, nil
	case FormTypeBoolean:
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return nil, errors.InvalidInput(p.ID, "not a boolean value: "+raw)
		}
		return b, nil
	case FormTypeEnum:
		if !slices.ContainsFunc(p.Values, func(v bpmn.FormValue) bool { return v.ID == raw }) {
			return nil, errors.InvalidInput(p.ID, "not an allowed value: "+raw)
		}
		return raw, nil
	case FormTypeDate:
		d, err := time.Parse(DateLayout(p.DatePattern), strings.TrimSpace(raw))
		if err != nil {
			return nil, errors.InvalidInput(p.ID, "not a date matching "+DateLayout(p.DatePattern)+": "+raw)
		}
		return d, nil
	}
	return raw, nil
}

func formType(p bpmn.FormProperty) string {
	if p.Type == "" {
		return FormTypeString
	}
	return p.Type
}
