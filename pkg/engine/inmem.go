package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-idm-workflow/pkg/bpmn"
	"github.com/tendant/simple-idm-workflow/pkg/errors"
)

// maxSteps bounds the nodes one command may execute without reaching a
// wait state.
const maxSteps = 10000

// InMemoryEngine interprets BPMN definitions in process memory. Every
// command runs under a single mutex; delegates run inside that critical
// section and must use the Execution they receive instead of calling back
// into the engine.
type InMemoryEngine struct {
	mutex sync.Mutex

	delegates map[string]Delegate
	now       func() time.Time
	logger    *slog.Logger

	deployments map[string]*Deployment
	definitions map[string]*definition
	instances   map[string]*instance
	tasks       map[string]*Task
	history     map[string]*history
	taskHistory map[string]*HistoricTask
}

type definition struct {
	ProcessDefinition
	model *bpmn.Process
}

// Option configures an InMemoryEngine.
type Option func(*InMemoryEngine)

// WithDelegate registers the delegate service tasks reference as ${name}.
func WithDelegate(name string, d Delegate) Option {
	return func(e *InMemoryEngine) {
		e.delegates[name] = d
	}
}

// WithDelegates registers several delegates.
func WithDelegates(delegates map[string]Delegate) Option {
	return func(e *InMemoryEngine) {
		for name, d := range delegates {
			e.delegates[name] = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *InMemoryEngine) {
		e.now = now
	}
}

// WithLogger replaces the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *InMemoryEngine) {
		e.logger = logger
	}
}

// NewInMemoryEngine creates an engine with no deployments.
func NewInMemoryEngine(opts ...Option) *InMemoryEngine {
	e := &InMemoryEngine{
		delegates:   make(map[string]Delegate),
		now:         func() time.Time { return time.Now().UTC() },
		logger:      slog.Default(),
		deployments: make(map[string]*Deployment),
		definitions: make(map[string]*definition),
		instances:   make(map[string]*instance),
		tasks:       make(map[string]*Task),
		history:     make(map[string]*history),
		taskHistory: make(map[string]*HistoricTask),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterDelegate adds or replaces a delegate after construction.
func (e *InMemoryEngine) RegisterDelegate(name string, d Delegate) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.delegates[name] = d
}

// ActiveProcessInstanceCount returns the number of running instances.
func (e *InMemoryEngine) ActiveProcessInstanceCount() int {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return len(e.instances)
}

// ActiveTaskCount returns the number of pending tasks.
func (e *InMemoryEngine) ActiveTaskCount() int {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return len(e.tasks)
}

func (e *InMemoryEngine) Deploy(ctx context.Context, name string, resource []byte) (*Deployment, error) {
	defs, err := bpmn.ParseXML(resource)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidFormat, "invalid BPMN resource")
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	deployment := &Deployment{
		ID:       uuid.NewString(),
		Name:     name,
		Time:     e.now(),
		Resource: slices.Clone(resource),
	}
	e.deployments[deployment.ID] = deployment

	for _, p := range defs.Processes {
		version := 1
		if latest := e.latest(p.ID); latest != nil {
			version = latest.Version + 1
		}
		def := &definition{
			ProcessDefinition: ProcessDefinition{
				ID:           fmt.Sprintf("%s:%d:%s", p.ID, version, deployment.ID),
				Key:          p.ID,
				Name:         p.Name,
				Version:      version,
				DeploymentID: deployment.ID,
			},
			model: p,
		}
		e.definitions[def.ID] = def
		e.logger.Info("Process definition deployed", "key", def.Key, "version", def.Version, "deployment", deployment.ID)
	}
	return deployment, nil
}

func (e *InMemoryEngine) latest(key string) *definition {
	var found *definition
	for _, d := range e.definitions {
		if d.Key == key && (found == nil || d.Version > found.Version) {
			found = d
		}
	}
	return found
}

func (e *InMemoryEngine) LatestProcessDefinition(ctx context.Context, key string) (*ProcessDefinition, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	d := e.latest(key)
	if d == nil {
		return nil, errors.NotFound("process definition", key)
	}
	pd := d.ProcessDefinition
	return &pd, nil
}

func (e *InMemoryEngine) ProcessDefinition(ctx context.Context, id string) (*ProcessDefinition, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	d, ok := e.definitions[id]
	if !ok {
		return nil, errors.NotFound("process definition", id)
	}
	pd := d.ProcessDefinition
	return &pd, nil
}

func (e *InMemoryEngine) ListLatestProcessDefinitions(ctx context.Context) ([]*ProcessDefinition, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	keys := make(map[string]bool)
	var out []*ProcessDefinition
	for _, d := range e.definitions {
		if keys[d.Key] {
			continue
		}
		keys[d.Key] = true
		pd := e.latest(d.Key).ProcessDefinition
		out = append(out, &pd)
	}
	slices.SortFunc(out, func(a, b *ProcessDefinition) int { return strings.Compare(a.Key, b.Key) })
	return out, nil
}

func (e *InMemoryEngine) ProcessDefinitionsByKey(ctx context.Context, key string) ([]*ProcessDefinition, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	var out []*ProcessDefinition
	for _, d := range e.definitions {
		if d.Key == key {
			pd := d.ProcessDefinition
			out = append(out, &pd)
		}
	}
	slices.SortFunc(out, func(a, b *ProcessDefinition) int { return a.Version - b.Version })
	return out, nil
}

func (e *InMemoryEngine) ProcessModel(ctx context.Context, processDefinitionID string) (*bpmn.Process, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	d, ok := e.definitions[processDefinitionID]
	if !ok {
		return nil, errors.NotFound("process definition", processDefinitionID)
	}
	return d.model, nil
}

func (e *InMemoryEngine) DeploymentResource(ctx context.Context, deploymentID string) ([]byte, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	d, ok := e.deployments[deploymentID]
	if !ok {
		return nil, errors.NotFound("deployment", deploymentID)
	}
	return slices.Clone(d.Resource), nil
}

func (e *InMemoryEngine) DeleteDeployment(ctx context.Context, deploymentID string, cascade bool) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if _, ok := e.deployments[deploymentID]; !ok {
		return errors.NotFound("deployment", deploymentID)
	}

	var running []*instance
	for _, inst := range e.instances {
		if inst.def.DeploymentID == deploymentID {
			running = append(running, inst)
		}
	}
	if len(running) > 0 && !cascade {
		return errors.Newf(errors.ErrCodeConflict, "deployment %s has %d running process instances", deploymentID, len(running))
	}
	for _, inst := range running {
		e.deleteInstance(inst, "deployment deleted")
		delete(e.history, inst.ID)
		e.purgeTasks(inst.ID)
	}
	for id, d := range e.definitions {
		if d.DeploymentID == deploymentID {
			delete(e.definitions, id)
		}
	}
	delete(e.deployments, deploymentID)
	e.logger.Info("Deployment deleted", "deployment", deploymentID, "cascade", cascade)
	return nil
}
