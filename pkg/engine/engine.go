// Package engine defines the process engine capability the workflow layer
// drives, and an in-memory BPMN interpreter implementing it.
package engine

import (
	"context"
	"time"

	"github.com/tendant/simple-idm-workflow/pkg/bpmn"
)

// ProcessEngine is the full engine capability.
type ProcessEngine interface {
	RepositoryService
	RuntimeService
	TaskService
	FormService
	HistoryService
}

// RepositoryService manages deployed definitions.
type RepositoryService interface {
	// Deploy parses a BPMN XML resource and registers a new version of every
	// process it declares.
	Deploy(ctx context.Context, name string, resource []byte) (*Deployment, error)
	LatestProcessDefinition(ctx context.Context, key string) (*ProcessDefinition, error)
	ProcessDefinition(ctx context.Context, id string) (*ProcessDefinition, error)
	ListLatestProcessDefinitions(ctx context.Context) ([]*ProcessDefinition, error)
	ProcessDefinitionsByKey(ctx context.Context, key string) ([]*ProcessDefinition, error)
	ProcessModel(ctx context.Context, processDefinitionID string) (*bpmn.Process, error)
	DeploymentResource(ctx context.Context, deploymentID string) ([]byte, error)
	// DeleteDeployment removes a deployment. With cascade, running
	// instances of its definitions are deleted too; without, their
	// presence is an error.
	DeleteDeployment(ctx context.Context, deploymentID string, cascade bool) error
}

// RuntimeService manages running instances and their variables.
type RuntimeService interface {
	StartProcessInstanceByKey(ctx context.Context, key, businessKey string, variables map[string]any) (*ProcessInstance, error)
	UpdateBusinessKey(ctx context.Context, processInstanceID, businessKey string) error
	// ProcessInstance returns an active instance.
	ProcessInstance(ctx context.Context, id string) (*ProcessInstance, error)
	QueryProcessInstances(ctx context.Context, query ProcessInstanceQuery) ([]*ProcessInstance, error)
	DeleteProcessInstance(ctx context.Context, id, reason string) error

	Variable(ctx context.Context, processInstanceID, name string) (any, bool, error)
	Variables(ctx context.Context, processInstanceID string) (map[string]any, error)
	SetVariable(ctx context.Context, processInstanceID, name string, value any) error
	RemoveVariable(ctx context.Context, processInstanceID, name string) error
}

// TaskService queries and drives pending tasks.
type TaskService interface {
	Task(ctx context.Context, id string) (*Task, error)
	QueryTasks(ctx context.Context, query TaskQuery) ([]*Task, error)
	CountTasks(ctx context.Context, query TaskQuery) (int, error)
	CompleteTask(ctx context.Context, taskID string, variables map[string]any) error
	ClaimTask(ctx context.Context, taskID, userID string) error
	UnclaimTask(ctx context.Context, taskID string) error
}

// FormService reads and submits user task forms.
type FormService interface {
	TaskFormData(ctx context.Context, taskID string) (*TaskFormData, error)
	// SubmitTaskFormData converts the submitted values by declared type,
	// stores them as variables and completes the task. Ids the form does not
	// declare are rejected.
	SubmitTaskFormData(ctx context.Context, taskID string, properties map[string]string) error
}

// HistoryService reads what already happened.
type HistoryService interface {
	// HistoricActivities lists executed nodes in execution order.
	HistoricActivities(ctx context.Context, processInstanceID string) ([]*HistoricActivity, error)
	HistoricProcessInstance(ctx context.Context, id string) (*HistoricProcessInstance, error)
	HistoricVariables(ctx context.Context, processInstanceID string) (map[string]any, error)
	HistoricTasks(ctx context.Context, query HistoricTaskQuery) ([]*HistoricTask, error)
	HistoricFormProperties(ctx context.Context, taskID string) ([]*HistoricFormProperty, error)
	DeleteHistoricProcessInstance(ctx context.Context, id string) error
}

type Deployment struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Time     time.Time `json:"deploymentTime"`
	Resource []byte    `json:"-"`
}

type ProcessDefinition struct {
	ID           string `json:"id"`
	Key          string `json:"key"`
	Name         string `json:"name"`
	Version      int    `json:"version"`
	DeploymentID string `json:"deploymentId"`
}

type ProcessInstance struct {
	ID                   string    `json:"id"`
	ProcessDefinitionID  string    `json:"processDefinitionId"`
	ProcessDefinitionKey string    `json:"processDefinitionKey"`
	BusinessKey          string    `json:"businessKey"`
	StartTime            time.Time `json:"startTime"`
	StartUserID          string    `json:"startUserId,omitempty"`
	Ended                bool      `json:"ended"`
}

// ProcessInstanceQuery filters active instances. Empty fields match all.
type ProcessInstanceQuery struct {
	BusinessKey          string
	BusinessKeyPrefix    string
	BusinessKeySuffix    string
	ProcessDefinitionKey string
	ProcessDefinitionID  string
	// ExcludeProcessDefinitionKey skips instances of that key.
	ExcludeProcessDefinitionKey string
	Offset                      int
	Limit                       int
}

type Task struct {
	ID                   string     `json:"id"`
	Name                 string     `json:"name"`
	TaskDefinitionKey    string     `json:"taskDefinitionKey"`
	ProcessInstanceID    string     `json:"processInstanceId"`
	ExecutionID          string     `json:"executionId"`
	ProcessDefinitionID  string     `json:"processDefinitionId"`
	ProcessDefinitionKey string     `json:"processDefinitionKey"`
	BusinessKey          string     `json:"businessKey"`
	Assignee             string     `json:"assignee,omitempty"`
	CandidateUsers       []string   `json:"candidateUsers,omitempty"`
	CandidateGroups      []string   `json:"candidateGroups,omitempty"`
	FormKey              string     `json:"formKey,omitempty"`
	HasForm              bool       `json:"hasForm"`
	CreateTime           time.Time  `json:"createTime"`
	DueDate              *time.Time `json:"dueDate,omitempty"`
}

// IsCandidate reports whether userID or one of groups may act on the task.
func (t *Task) IsCandidate(userID string, groups []string) bool {
	for _, u := range t.CandidateUsers {
		if u == userID {
			return true
		}
	}
	for _, g := range t.CandidateGroups {
		for _, mine := range groups {
			if g == mine {
				return true
			}
		}
	}
	return false
}

// TaskProperty is a sortable task attribute.
type TaskProperty string

const (
	TaskByID                   TaskProperty = "id"
	TaskByName                 TaskProperty = "name"
	TaskByCreateTime           TaskProperty = "createTime"
	TaskByDueDate              TaskProperty = "dueDate"
	TaskByAssignee             TaskProperty = "assignee"
	TaskByProcessDefinitionKey TaskProperty = "processDefinitionKey"
	TaskByExecutionID          TaskProperty = "executionId"
)

type TaskOrder struct {
	Property   TaskProperty
	Descending bool
}

// TaskQuery filters active tasks. Empty fields match all.
type TaskQuery struct {
	TaskID               string
	ProcessInstanceID    string
	BusinessKey          string
	BusinessKeySuffix    string
	ProcessDefinitionKey string
	TaskDefinitionKey    string
	Assignee             string
	// CandidateOrAssigned matches tasks assigned to the user, and
	// unassigned tasks where the user or one of CandidateGroups is a
	// candidate.
	CandidateOrAssigned string
	CandidateGroups     []string
	// WithForm keeps only tasks that declare form properties.
	WithForm bool
	OrderBy  []TaskOrder
	Offset   int
	Limit    int
}

// FormValue is one option of an enum form property.
type FormValue struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// FormProperty is a rendered form field.
type FormProperty struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Value       string      `json:"value,omitempty"`
	Readable    bool        `json:"readable"`
	Writable    bool        `json:"writable"`
	Required    bool        `json:"required"`
	DatePattern string      `json:"datePattern,omitempty"`
	Values      []FormValue `json:"enumValues,omitempty"`
}

type TaskFormData struct {
	FormKey    string         `json:"formKey,omitempty"`
	Task       *Task          `json:"task"`
	Properties []FormProperty `json:"properties"`
}

type HistoricActivity struct {
	ActivityID        string     `json:"activityId"`
	ActivityName      string     `json:"activityName,omitempty"`
	ActivityType      string     `json:"activityType"`
	ProcessInstanceID string     `json:"processInstanceId"`
	TaskID            string     `json:"taskId,omitempty"`
	StartTime         time.Time  `json:"startTime"`
	EndTime           *time.Time `json:"endTime,omitempty"`
}

type HistoricProcessInstance struct {
	ID                   string     `json:"id"`
	ProcessDefinitionID  string     `json:"processDefinitionId"`
	ProcessDefinitionKey string     `json:"processDefinitionKey"`
	BusinessKey          string     `json:"businessKey"`
	StartTime            time.Time  `json:"startTime"`
	EndTime              *time.Time `json:"endTime,omitempty"`
	DeleteReason         string     `json:"deleteReason,omitempty"`
}

type HistoricTask struct {
	Task
	EndTime *time.Time `json:"endTime,omitempty"`
}

// HistoricTaskQuery filters tasks, finished or not.
type HistoricTaskQuery struct {
	TaskID            string
	ProcessInstanceID string
	Finished          *bool
}

type HistoricFormProperty struct {
	TaskID     string    `json:"taskId"`
	PropertyID string    `json:"propertyId"`
	Value      string    `json:"value"`
	Time       time.Time `json:"time"`
}
