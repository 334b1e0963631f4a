// Package bpmn holds the subset of the BPMN 2.0 model the workflow engine
// executes, with XML, JSON and YAML codecs.
package bpmn

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// Namespaces written on export.
const (
	ModelNamespace    = "http://www.omg.org/spec/BPMN/20100524/MODEL"
	FlowableNamespace = "http://flowable.org/bpmn"
)

// ElementKind identifies the kind of a flow node.
type ElementKind int

const (
	StartEventKind ElementKind = iota + 1
	EndEventKind
	UserTaskKind
	ServiceTaskKind
	ExclusiveGatewayKind
	ParallelGatewayKind
	SequenceFlowKind
)

func MapElementKind(s string) ElementKind {
	switch s {
	case "startEvent":
		return StartEventKind
	case "endEvent":
		return EndEventKind
	case "userTask":
		return UserTaskKind
	case "serviceTask":
		return ServiceTaskKind
	case "exclusiveGateway":
		return ExclusiveGatewayKind
	case "parallelGateway":
		return ParallelGatewayKind
	case "sequenceFlow":
		return SequenceFlowKind
	default:
		return 0
	}
}

func (k ElementKind) String() string {
	switch k {
	case StartEventKind:
		return "startEvent"
	case EndEventKind:
		return "endEvent"
	case UserTaskKind:
		return "userTask"
	case ServiceTaskKind:
		return "serviceTask"
	case ExclusiveGatewayKind:
		return "exclusiveGateway"
	case ParallelGatewayKind:
		return "parallelGateway"
	case SequenceFlowKind:
		return "sequenceFlow"
	default:
		return ""
	}
}

func (k ElementKind) MarshalJSON() ([]byte, error) {
	s := k.String()
	if s == "" {
		return []byte("null"), nil
	}
	return []byte(fmt.Sprintf("%q", s)), nil
}

// IsTask reports whether nodes of this kind are activities.
func (k ElementKind) IsTask() bool {
	return k == UserTaskKind || k == ServiceTaskKind
}

// IsGateway reports whether nodes of this kind are gateways.
func (k ElementKind) IsGateway() bool {
	return k == ExclusiveGatewayKind || k == ParallelGatewayKind
}

// Element is any node or flow of a process.
type Element interface {
	ElementID() string
	ElementName() string
	Kind() ElementKind
}

// Definitions is the root of a BPMN document.
type Definitions struct {
	XMLName         xml.Name   `xml:"definitions" json:"-" yaml:"-"`
	FlowableNS      string     `xml:"xmlns:flowable,attr,omitempty" json:"-" yaml:"-"`
	TargetNamespace string     `xml:"targetNamespace,attr,omitempty" json:"targetNamespace,omitempty" yaml:"targetNamespace,omitempty"`
	Processes       []*Process `xml:"process" json:"processes" yaml:"processes"`
}

// Process is an executable process definition.
type Process struct {
	ID                string          `xml:"id,attr" json:"id" yaml:"id"`
	Name              string          `xml:"name,attr,omitempty" json:"name,omitempty" yaml:"name,omitempty"`
	IsExecutable      bool            `xml:"isExecutable,attr" json:"isExecutable" yaml:"isExecutable"`
	StartEvents       []*StartEvent   `xml:"startEvent" json:"startEvents,omitempty" yaml:"startEvents,omitempty"`
	EndEvents         []*EndEvent     `xml:"endEvent" json:"endEvents,omitempty" yaml:"endEvents,omitempty"`
	UserTasks         []*UserTask     `xml:"userTask" json:"userTasks,omitempty" yaml:"userTasks,omitempty"`
	ServiceTasks      []*ServiceTask  `xml:"serviceTask" json:"serviceTasks,omitempty" yaml:"serviceTasks,omitempty"`
	ExclusiveGateways []*Gateway      `xml:"exclusiveGateway" json:"exclusiveGateways,omitempty" yaml:"exclusiveGateways,omitempty"`
	ParallelGateways  []*Gateway      `xml:"parallelGateway" json:"parallelGateways,omitempty" yaml:"parallelGateways,omitempty"`
	SequenceFlows     []*SequenceFlow `xml:"sequenceFlow" json:"sequenceFlows,omitempty" yaml:"sequenceFlows,omitempty"`

	index    map[string]Element
	outgoing map[string][]*SequenceFlow
	incoming map[string][]*SequenceFlow
}

type StartEvent struct {
	ID   string `xml:"id,attr" json:"id" yaml:"id"`
	Name string `xml:"name,attr,omitempty" json:"name,omitempty" yaml:"name,omitempty"`
}

func (e *StartEvent) ElementID() string   { return e.ID }
func (e *StartEvent) ElementName() string { return e.Name }
func (e *StartEvent) Kind() ElementKind   { return StartEventKind }

type EndEvent struct {
	ID   string `xml:"id,attr" json:"id" yaml:"id"`
	Name string `xml:"name,attr,omitempty" json:"name,omitempty" yaml:"name,omitempty"`
}

func (e *EndEvent) ElementID() string   { return e.ID }
func (e *EndEvent) ElementName() string { return e.Name }
func (e *EndEvent) Kind() ElementKind   { return EndEventKind }

// FormValue is one option of an enum form property.
type FormValue struct {
	ID   string `xml:"id,attr" json:"id" yaml:"id"`
	Name string `xml:"name,attr,omitempty" json:"name,omitempty" yaml:"name,omitempty"`
}

// FormProperty declares one field of a user task form.
type FormProperty struct {
	ID          string      `xml:"id,attr" json:"id" yaml:"id"`
	Name        string      `xml:"name,attr,omitempty" json:"name,omitempty" yaml:"name,omitempty"`
	Type        string      `xml:"type,attr,omitempty" json:"type,omitempty" yaml:"type,omitempty"`
	Variable    string      `xml:"variable,attr,omitempty" json:"variable,omitempty" yaml:"variable,omitempty"`
	Expression  string      `xml:"expression,attr,omitempty" json:"expression,omitempty" yaml:"expression,omitempty"`
	Required    bool        `xml:"required,attr,omitempty" json:"required,omitempty" yaml:"required,omitempty"`
	Readable    *bool       `xml:"readable,attr,omitempty" json:"readable,omitempty" yaml:"readable,omitempty"`
	Writable    *bool       `xml:"writable,attr,omitempty" json:"writable,omitempty" yaml:"writable,omitempty"`
	DatePattern string      `xml:"datePattern,attr,omitempty" json:"datePattern,omitempty" yaml:"datePattern,omitempty"`
	Values      []FormValue `xml:"value" json:"values,omitempty" yaml:"values,omitempty"`
}

// IsReadable defaults to true.
func (p FormProperty) IsReadable() bool { return p.Readable == nil || *p.Readable }

// IsWritable defaults to true.
func (p FormProperty) IsWritable() bool { return p.Writable == nil || *p.Writable }

// VariableName is the process variable the property reads and writes.
func (p FormProperty) VariableName() string {
	if p.Variable != "" {
		return p.Variable
	}
	return p.ID
}

type ExtensionElements struct {
	FormProperties []FormProperty `xml:"formProperty" json:"formProperties,omitempty" yaml:"formProperties,omitempty"`
}

// UserTask is a human task, optionally carrying a form.
type UserTask struct {
	ID                string             `xml:"id,attr" json:"id" yaml:"id"`
	Name              string             `xml:"name,attr,omitempty" json:"name,omitempty" yaml:"name,omitempty"`
	Assignee          string             `xml:"assignee,attr,omitempty" json:"assignee,omitempty" yaml:"assignee,omitempty"`
	CandidateUsers    string             `xml:"candidateUsers,attr,omitempty" json:"candidateUsers,omitempty" yaml:"candidateUsers,omitempty"`
	CandidateGroups   string             `xml:"candidateGroups,attr,omitempty" json:"candidateGroups,omitempty" yaml:"candidateGroups,omitempty"`
	FormKey           string             `xml:"formKey,attr,omitempty" json:"formKey,omitempty" yaml:"formKey,omitempty"`
	DueDate           string             `xml:"dueDate,attr,omitempty" json:"dueDate,omitempty" yaml:"dueDate,omitempty"`
	ExtensionElements *ExtensionElements `xml:"extensionElements,omitempty" json:"extensionElements,omitempty" yaml:"extensionElements,omitempty"`
}

func (t *UserTask) ElementID() string   { return t.ID }
func (t *UserTask) ElementName() string { return t.Name }
func (t *UserTask) Kind() ElementKind   { return UserTaskKind }

// FormProperties returns the declared form fields.
func (t *UserTask) FormProperties() []FormProperty {
	if t.ExtensionElements == nil {
		return nil
	}
	return t.ExtensionElements.FormProperties
}

// CandidateUserList splits the comma separated candidate users.
func (t *UserTask) CandidateUserList() []string { return splitList(t.CandidateUsers) }

// CandidateGroupList splits the comma separated candidate groups.
func (t *UserTask) CandidateGroupList() []string { return splitList(t.CandidateGroups) }

// ServiceTask runs a registered delegate, referenced as ${name}.
type ServiceTask struct {
	ID                 string `xml:"id,attr" json:"id" yaml:"id"`
	Name               string `xml:"name,attr,omitempty" json:"name,omitempty" yaml:"name,omitempty"`
	DelegateExpression string `xml:"delegateExpression,attr,omitempty" json:"delegateExpression,omitempty" yaml:"delegateExpression,omitempty"`
}

func (t *ServiceTask) ElementID() string   { return t.ID }
func (t *ServiceTask) ElementName() string { return t.Name }
func (t *ServiceTask) Kind() ElementKind   { return ServiceTaskKind }

// DelegateName strips the ${...} wrapper of the delegate expression.
func (t *ServiceTask) DelegateName() string {
	return StripExpression(t.DelegateExpression)
}

// Gateway is an exclusive or parallel gateway.
type Gateway struct {
	ID      string `xml:"id,attr" json:"id" yaml:"id"`
	Name    string `xml:"name,attr,omitempty" json:"name,omitempty" yaml:"name,omitempty"`
	Default string `xml:"default,attr,omitempty" json:"default,omitempty" yaml:"default,omitempty"`

	kind ElementKind
}

func (g *Gateway) ElementID() string   { return g.ID }
func (g *Gateway) ElementName() string { return g.Name }
func (g *Gateway) Kind() ElementKind   { return g.kind }

// Expression is a condition body, as ${...}.
type Expression struct {
	Type string `xml:"type,attr,omitempty" json:"type,omitempty" yaml:"type,omitempty"`
	Body string `xml:",chardata" json:"body" yaml:"body"`
}

// SequenceFlow connects two nodes, optionally guarded by a condition.
type SequenceFlow struct {
	ID        string      `xml:"id,attr" json:"id" yaml:"id"`
	Name      string      `xml:"name,attr,omitempty" json:"name,omitempty" yaml:"name,omitempty"`
	SourceRef string      `xml:"sourceRef,attr" json:"sourceRef" yaml:"sourceRef"`
	TargetRef string      `xml:"targetRef,attr" json:"targetRef" yaml:"targetRef"`
	Condition *Expression `xml:"conditionExpression,omitempty" json:"condition,omitempty" yaml:"condition,omitempty"`
}

func (f *SequenceFlow) ElementID() string   { return f.ID }
func (f *SequenceFlow) ElementName() string { return f.Name }
func (f *SequenceFlow) Kind() ElementKind   { return SequenceFlowKind }

// ConditionBody returns the trimmed expression without the ${...} wrapper,
// or "" when the flow is unconditional.
func (f *SequenceFlow) ConditionBody() string {
	if f.Condition == nil {
		return ""
	}
	return StripExpression(f.Condition.Body)
}

// StripExpression removes surrounding whitespace and a ${...} or #{...}
// wrapper.
func StripExpression(s string) string {
	s = strings.TrimSpace(s)
	if (strings.HasPrefix(s, "${") || strings.HasPrefix(s, "#{")) && strings.HasSuffix(s, "}") {
		s = s[2 : len(s)-1]
	}
	return strings.TrimSpace(s)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
