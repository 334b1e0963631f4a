package workflow_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-idm-workflow/pkg/bpmn"
	"github.com/tendant/simple-idm-workflow/pkg/engine"
	"github.com/tendant/simple-idm-workflow/pkg/errors"
	"github.com/tendant/simple-idm-workflow/pkg/workflow"
)

const approvalDefinition = `<?xml version="1.0" encoding="UTF-8"?>
<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL" xmlns:flowable="http://flowable.org/bpmn">
  <process id="approval" name="Approval" isExecutable="true">
    <startEvent id="s"/>
    <sequenceFlow id="f1" sourceRef="s" targetRef="review"/>
    <userTask id="review" name="Review" flowable:candidateGroups="managers">
      <extensionElements>
        <flowable:formProperty id="approve" name="Approve?" type="boolean" required="true"/>
      </extensionElements>
    </userTask>
    <sequenceFlow id="f2" sourceRef="review" targetRef="e"/>
    <endEvent id="e"/>
  </process>
</definitions>`

func newDefinitions(t *testing.T) (*engine.InMemoryEngine, *workflow.Definitions) {
	t.Helper()
	e := engine.NewInMemoryEngine()
	defs := workflow.NewDefinitions(e)
	require.NoError(t, defs.DeployDefault(context.Background(), nil))
	return e, defs
}

func TestDeployDefaultOnce(t *testing.T) {
	e, defs := newDefinitions(t)
	ctx := context.Background()
	require.NoError(t, defs.DeployDefault(ctx, nil))

	all, err := e.ProcessDefinitionsByKey(ctx, workflow.UserWorkflowKey)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	list, err := defs.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Main)
	assert.Equal(t, 1, list[0].Version)
}

func TestExportImportRoundTrip(t *testing.T) {
	for _, format := range []bpmn.Format{bpmn.FormatXML, bpmn.FormatJSON, bpmn.FormatYAML} {
		t.Run(string(format), func(t *testing.T) {
			e, defs := newDefinitions(t)
			ctx := context.Background()

			var buf bytes.Buffer
			require.NoError(t, defs.Export(ctx, workflow.UserWorkflowKey, format, &buf))

			imported, err := defs.Import(ctx, workflow.UserWorkflowKey, format, buf.Bytes())
			require.NoError(t, err)
			assert.Equal(t, 2, imported.Version)
			assert.True(t, imported.Main)

			before, err := e.ProcessDefinitionsByKey(ctx, workflow.UserWorkflowKey)
			require.NoError(t, err)
			require.Len(t, before, 2)
			first, err := e.ProcessModel(ctx, before[0].ID)
			require.NoError(t, err)
			second, err := e.ProcessModel(ctx, imported.ID)
			require.NoError(t, err)

			assert.Len(t, second.UserTasks, len(first.UserTasks))
			assert.Len(t, second.ServiceTasks, len(first.ServiceTasks))
			assert.Len(t, second.SequenceFlows, len(first.SequenceFlows))
			task, ok := second.UserTask("updateApproval")
			require.True(t, ok)
			assert.Equal(t, []string{"managers"}, task.CandidateGroupList())
			assert.Len(t, task.FormProperties(), 3)
		})
	}
}

func TestImportRejects(t *testing.T) {
	_, defs := newDefinitions(t)
	ctx := context.Background()

	_, err := defs.Import(ctx, "approval", bpmn.FormatXML, []byte("<definitions"))
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidFormat))

	_, err = defs.Import(ctx, "other", bpmn.FormatXML, []byte(approvalDefinition))
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))

	imported, err := defs.Import(ctx, "approval", bpmn.FormatXML, []byte(approvalDefinition))
	require.NoError(t, err)
	assert.False(t, imported.Main)
	assert.Equal(t, "Approval", imported.Name)
}

func TestDeleteDefinition(t *testing.T) {
	e, defs := newDefinitions(t)
	ctx := context.Background()

	err := defs.Delete(ctx, workflow.UserWorkflowKey)
	assert.True(t, errors.IsCode(err, errors.ErrCodeForbidden))

	err = defs.Delete(ctx, "approval")
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))

	_, err = defs.Import(ctx, "approval", bpmn.FormatXML, []byte(approvalDefinition))
	require.NoError(t, err)
	_, err = defs.Import(ctx, "approval", bpmn.FormatXML, []byte(approvalDefinition))
	require.NoError(t, err)
	_, err = e.StartProcessInstanceByKey(ctx, "approval", "approval:1", nil)
	require.NoError(t, err)

	require.NoError(t, defs.Delete(ctx, "approval"))
	remaining, err := e.ProcessDefinitionsByKey(ctx, "approval")
	require.NoError(t, err)
	assert.Empty(t, remaining)
	assert.Zero(t, e.ActiveProcessInstanceCount())

	list, err := defs.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestPasswordCipher(t *testing.T) {
	_, err := workflow.NewPasswordCipher("short")
	assert.Error(t, err)

	c, err := workflow.NewPasswordCipher(cipherKey)
	require.NoError(t, err)
	first, err := c.Encrypt(strongPwd)
	require.NoError(t, err)
	second, err := c.Encrypt(strongPwd)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	firstRaw, err := base64.StdEncoding.DecodeString(first)
	require.NoError(t, err)
	secondRaw, err := base64.StdEncoding.DecodeString(second)
	require.NoError(t, err)
	assert.NotEqual(t, firstRaw[:16], secondRaw[:16], "each value carries its own salt")

	tampered := slices.Clone(firstRaw)
	tampered[0] ^= 0xff
	_, err = c.Decrypt(base64.StdEncoding.EncodeToString(tampered))
	assert.Error(t, err)
	_, err = c.Decrypt(base64.StdEncoding.EncodeToString(firstRaw[:10]))
	assert.Error(t, err)

	plain, err := c.Decrypt(first)
	require.NoError(t, err)
	assert.Equal(t, strongPwd, plain)

	other, err := workflow.NewPasswordCipher("another-secret-of-length")
	require.NoError(t, err)
	_, err = other.Decrypt(first)
	assert.Error(t, err)

	_, err = c.Encrypt("")
	assert.Error(t, err)
}
