package workflow

import (
	"context"
	_ "embed"
	"io"
	"log/slog"
	"slices"

	"github.com/tendant/simple-idm-workflow/pkg/bpmn"
	"github.com/tendant/simple-idm-workflow/pkg/engine"
	"github.com/tendant/simple-idm-workflow/pkg/errors"
)

//go:embed userWorkflow.bpmn20.xml
var defaultUserWorkflow []byte

// DefaultUserWorkflow returns the built-in user workflow definition.
func DefaultUserWorkflow() []byte {
	return slices.Clone(defaultUserWorkflow)
}

// DefinitionTO describes the latest version of a deployed process.
type DefinitionTO struct {
	ID           string `json:"id"`
	Key          string `json:"key"`
	Name         string `json:"name"`
	Version      int    `json:"version"`
	DeploymentID string `json:"deploymentId"`
	Main         bool   `json:"main"`
}

// Definitions manages the deployed process definitions.
type Definitions struct {
	engine engine.RepositoryService
	logger *slog.Logger
}

func NewDefinitions(e engine.RepositoryService) *Definitions {
	return &Definitions{
		engine: e,
		logger: slog.Default().With("component", "workflow-definitions"),
	}
}

// List returns the latest version of every definition.
func (d *Definitions) List(ctx context.Context) ([]DefinitionTO, error) {
	defs, err := d.engine.ListLatestProcessDefinitions(ctx)
	if err != nil {
		return nil, TranslateError(err, "while listing process definitions")
	}
	out := make([]DefinitionTO, 0, len(defs))
	for _, def := range defs {
		out = append(out, DefinitionTO{
			ID:           def.ID,
			Key:          def.Key,
			Name:         def.Name,
			Version:      def.Version,
			DeploymentID: def.DeploymentID,
			Main:         def.Key == UserWorkflowKey,
		})
	}
	return out, nil
}

// Export writes the latest version of key in format to w.
func (d *Definitions) Export(ctx context.Context, key string, format bpmn.Format, w io.Writer) error {
	def, err := d.engine.LatestProcessDefinition(ctx, key)
	if err != nil {
		return err
	}
	model, err := d.engine.ProcessModel(ctx, def.ID)
	if err != nil {
		return err
	}
	data, err := bpmn.Encode(format, &bpmn.Definitions{Processes: []*bpmn.Process{model}})
	if err != nil {
		return errors.Wrapf(err, errors.ErrCodeInternal, "failed to export %s as %s", key, format)
	}
	_, err = w.Write(data)
	return err
}

// Import deploys data as a new version of key. The document must declare
// exactly the process key.
func (d *Definitions) Import(ctx context.Context, key string, format bpmn.Format, data []byte) (*DefinitionTO, error) {
	defs, err := bpmn.Parse(format, data)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidFormat, "invalid process definition")
	}
	if len(defs.Processes) != 1 || defs.Processes[0].ID != key {
		return nil, errors.InvalidInput("key", "definition does not declare process "+key)
	}

	resource, err := bpmn.EncodeXML(defs)
	if err != nil {
		return nil, errors.InternalWrap(err, "failed to encode process definition")
	}
	if _, err := d.engine.Deploy(ctx, key+".bpmn20.xml", resource); err != nil {
		return nil, err
	}
	def, err := d.engine.LatestProcessDefinition(ctx, key)
	if err != nil {
		return nil, err
	}
	d.logger.Info("Process definition imported", "key", key, "version", def.Version, "format", format)
	return &DefinitionTO{
		ID:           def.ID,
		Key:          def.Key,
		Name:         def.Name,
		Version:      def.Version,
		DeploymentID: def.DeploymentID,
		Main:         key == UserWorkflowKey,
	}, nil
}

// Delete removes every deployment of key along with its running instances.
// The user workflow cannot be deleted.
func (d *Definitions) Delete(ctx context.Context, key string) error {
	if key == UserWorkflowKey {
		return errors.Forbidden("cannot delete the main user workflow definition")
	}
	defs, err := d.engine.ProcessDefinitionsByKey(ctx, key)
	if err != nil {
		return err
	}
	if len(defs) == 0 {
		return errors.NotFound("process definition", key)
	}
	deployments := make([]string, 0, len(defs))
	for _, def := range defs {
		if !slices.Contains(deployments, def.DeploymentID) {
			deployments = append(deployments, def.DeploymentID)
		}
	}
	for _, id := range deployments {
		if err := d.engine.DeleteDeployment(ctx, id, true); err != nil {
			return err
		}
	}
	d.logger.Info("Process definition deleted", "key", key, "deployments", len(deployments))
	return nil
}

// DeployDefault deploys resource, or the built-in definition when nil, as
// the user workflow unless one is already deployed.
func (d *Definitions) DeployDefault(ctx context.Context, resource []byte) error {
	_, err := d.engine.LatestProcessDefinition(ctx, UserWorkflowKey)
	if err == nil {
		return nil
	}
	if !errors.IsCode(err, errors.ErrCodeNotFound) {
		return err
	}
	if resource == nil {
		resource = defaultUserWorkflow
	}
	if _, err := d.engine.Deploy(ctx, UserWorkflowKey+".bpmn20.xml", resource); err != nil {
		return err
	}
	d.logger.Info("Default user workflow deployed")
	return nil
}
