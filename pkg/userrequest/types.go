package userrequest

import (
	"strings"
	"time"

	"github.com/tendant/simple-idm-workflow/pkg/user"
)

// UserRequest is a running auxiliary process started on behalf of a user.
type UserRequest struct {
	BpmnProcess string    `json:"bpmnProcess"`
	StartTime   time.Time `json:"startTime"`
	Username    string    `json:"username"`
	ExecutionID string    `json:"executionId"`
	ActivityID  string    `json:"activityId,omitempty"`
	TaskID      string    `json:"taskId,omitempty"`
	HasForm     bool      `json:"hasForm"`
}

// PropertyType is the rendering type of a form property.
type PropertyType string

const (
	PropertyString   PropertyType = "string"
	PropertyLong     PropertyType = "long"
	PropertyEnum     PropertyType = "enum"
	PropertyDate     PropertyType = "date"
	PropertyBoolean  PropertyType = "boolean"
	PropertyDropdown PropertyType = "dropdown"
	PropertyPassword PropertyType = "password"
)

// propertyType maps a declared form type, defaulting to string.
func propertyType(declared string) PropertyType {
	switch t := PropertyType(declared); t {
	case PropertyLong, PropertyEnum, PropertyDate, PropertyBoolean, PropertyDropdown, PropertyPassword:
		return t
	}
	return PropertyString
}

type PropertyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type UserRequestFormProperty struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Type           PropertyType    `json:"type"`
	Readable       bool            `json:"readable"`
	Writable       bool            `json:"writable"`
	Required       bool            `json:"required"`
	Value          string          `json:"value,omitempty"`
	DatePattern    string          `json:"datePattern,omitempty"`
	EnumValues     []PropertyValue `json:"enumValues,omitempty"`
	DropdownValues []PropertyValue `json:"dropdownValues,omitempty"`
}

// UserRequestForm is a user task awaiting input, together with the state of
// the request it belongs to.
type UserRequestForm struct {
	BpmnProcess string                    `json:"bpmnProcess"`
	Username    string                    `json:"username"`
	ExecutionID string                    `json:"executionId"`
	TaskID      string                    `json:"taskId" validate:"required"`
	FormKey     string                    `json:"formKey,omitempty"`
	CreateTime  time.Time                 `json:"createTime"`
	DueDate     *time.Time                `json:"dueDate,omitempty"`
	EndTime     *time.Time                `json:"endTime,omitempty"`
	Assignee    string                    `json:"assignee,omitempty"`
	UserTO      *user.UserTO              `json:"userTO,omitempty"`
	UserUR      *user.UserUR              `json:"userUR,omitempty"`
	Properties  []UserRequestFormProperty `json:"properties"`
}

// Property returns the property with id.
func (f *UserRequestForm) Property(id string) (*UserRequestFormProperty, bool) {
	for i := range f.Properties {
		if f.Properties[i].ID == id {
			return &f.Properties[i], true
		}
	}
	return nil, false
}

// writable collects the values to submit.
func (f *UserRequestForm) writable() map[string]string {
	out := make(map[string]string, len(f.Properties))
	for _, p := range f.Properties {
		if p.Writable {
			out[p.ID] = p.Value
		}
	}
	return out
}

type Direction string

const (
	Asc  Direction = "ASC"
	Desc Direction = "DESC"
)

type OrderByClause struct {
	Field     string    `json:"field"`
	Direction Direction `json:"direction"`
}

// ParseOrderBy reads clauses such as "createTime DESC,taskId". The
// direction defaults to ascending.
func ParseOrderBy(s string) []OrderByClause {
	var out []OrderByClause
	for _, part := range strings.Split(s, ",") {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			continue
		}
		clause := OrderByClause{Field: fields[0], Direction: Asc}
		if len(fields) > 1 && strings.EqualFold(fields[1], string(Desc)) {
			clause.Direction = Desc
		}
		out = append(out, clause)
	}
	return out
}

// DropdownValueProvider supplies the choices of a dropdown property.
type DropdownValueProvider interface {
	Values() map[string]string
}

// DropdownValues adapts a static map to DropdownValueProvider.
type DropdownValues map[string]string

func (d DropdownValues) Values() map[string]string { return d }
