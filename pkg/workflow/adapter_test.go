package workflow_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-idm-workflow/pkg/engine"
	"github.com/tendant/simple-idm-workflow/pkg/errors"
	"github.com/tendant/simple-idm-workflow/pkg/event"
	"github.com/tendant/simple-idm-workflow/pkg/notification"
	"github.com/tendant/simple-idm-workflow/pkg/propagation"
	"github.com/tendant/simple-idm-workflow/pkg/user"
	"github.com/tendant/simple-idm-workflow/pkg/workflow"
	"github.com/tendant/simple-idm-workflow/pkg/workflow/delegate"
)

const (
	admin       = "admin"
	strongPwd   = "Str0ng!Pass1"
	testDomain  = "Master"
	cipherKey   = "0123456789abcdef-test"
	emailSchema = "email"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []event.LifecycleEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, ev event.LifecycleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []event.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []event.Type
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	engine  *engine.InMemoryEngine
	runtime *workflow.Runtime
	users   *user.InMemoryUserRepository
	adapter *workflow.UserWorkflowAdapter
	events  *recordingPublisher
	mail    *notification.MockNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mail := &notification.MockNotifier{}
	nm, err := notification.NewNotificationManagerWithOptions("", notification.WithNotifier(mail), notification.WithDefaultTemplates())
	require.NoError(t, err)

	binder := user.NewDataBinder()
	e := engine.NewInMemoryEngine(engine.WithDelegates(delegate.Delegates(delegate.Config{
		Binder:        binder,
		PolicyChecker: user.NewDefaultPasswordPolicyChecker(nil, nil),
		Sender:        nm,
	})))
	require.NoError(t, workflow.NewDefinitions(e).DeployDefault(context.Background(), nil))

	cipher, err := workflow.NewPasswordCipher(cipherKey)
	require.NoError(t, err)
	rt := workflow.NewRuntime(e, binder, cipher)
	users := user.NewInMemoryUserRepository()
	events := &recordingPublisher{}

	return &fixture{
		engine:  e,
		runtime: rt,
		users:   users,
		adapter: workflow.NewUserWorkflowAdapter(rt, users, binder, events, testDomain),
		events:  events,
		mail:    mail,
	}
}

func (f *fixture) create(t *testing.T, cr *user.UserCR, actor string) (*user.User, *workflow.WorkflowResult[workflow.CreateResult]) {
	t.Helper()
	result, err := f.adapter.Create(context.Background(), cr, false, nil, true, actor, "test")
	require.NoError(t, err)
	u, err := f.users.Find(context.Background(), result.Result.Key)
	require.NoError(t, err)
	return u, result
}

func (f *fixture) reload(t *testing.T, key string) *user.User {
	t.Helper()
	u, err := f.users.Find(context.Background(), key)
	require.NoError(t, err)
	return u
}

func (f *fixture) vars(t *testing.T, key string) map[string]any {
	t.Helper()
	pid, err := f.runtime.ProcInstID(context.Background(), key)
	require.NoError(t, err)
	vars, err := f.engine.Variables(context.Background(), pid)
	require.NoError(t, err)
	return vars
}

func assertClean(t *testing.T, vars map[string]any) {
	t.Helper()
	for _, name := range []string{
		workflow.VarUser.Name(),
		workflow.VarWfExecutor.Name(),
		workflow.VarTask.Name(),
		workflow.VarPropByResource.Name(),
		workflow.VarPropByLinkedAccount.Name(),
	} {
		assert.NotContains(t, vars, name)
	}
}

func TestBusinessKeyRoundTrip(t *testing.T) {
	for _, key := range []string{"1417acbe-cbf6-4277-9372-e75e04f97000", "plain", "with:colon", ""} {
		for _, proc := range []string{workflow.UserWorkflowKey, "approval"} {
			assert.Equal(t, key, workflow.UserKeyOf(workflow.BusinessKey(proc, key)))
		}
	}
	assert.Equal(t, "", workflow.UserKeyOf("nocolon"))
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	u, result := f.create(t, &user.UserCR{
		Username:  "rossini",
		Password:  strongPwd,
		Resources: []string{"ws-target-resource-1", "ws-target-resource-2", "resource-ldap"},
		LinkedAccounts: []user.LinkedAccount{
			{Resource: "resource-ldap", ConnObjectKeyValue: "uid=rossini"},
		},
	}, admin)

	assert.Equal(t, "active", u.Status)
	assert.False(t, u.IsSuspended())
	assert.True(t, u.CheckPassword(strongPwd))
	assert.Equal(t, admin, u.Creator)
	assert.Nil(t, result.Result.PropagateEnable)
	assert.Equal(t, []string{"active", "autoActivate", "create"}, result.PerformedTasks)

	assert.Equal(t,
		[]string{"resource-ldap", "ws-target-resource-1", "ws-target-resource-2"},
		propagation.SortedResources(result.PropByRes, propagation.Create))
	assert.Empty(t, result.PropByRes.Get(propagation.Update))
	assert.Empty(t, result.PropByRes.Get(propagation.Delete))
	assert.True(t, result.PropByLinkedAccount.Contains(propagation.Create,
		propagation.LinkedAccountRef{Resource: "resource-ldap", ConnObjectKeyValue: "uid=rossini"}))

	pid, err := f.runtime.ProcInstID(context.Background(), u.Key)
	require.NoError(t, err)
	pi, err := f.engine.ProcessInstance(context.Background(), pid)
	require.NoError(t, err)
	assert.Equal(t, "userWorkflow:"+u.Key, pi.BusinessKey)

	assertClean(t, f.vars(t, u.Key))
	assert.Equal(t, []event.Type{event.Create}, f.events.types())
}

func TestCreateDisabled(t *testing.T) {
	f := newFixture(t)
	enabled := false
	result, err := f.adapter.Create(context.Background(), &user.UserCR{Username: "verdi"}, false, &enabled, true, admin, "test")
	require.NoError(t, err)

	u := f.reload(t, result.Result.Key)
	assert.Equal(t, "suspended", u.Status)
	assert.True(t, u.IsSuspended())
	require.NotNil(t, result.Result.PropagateEnable)
	assert.False(t, *result.Result.PropagateEnable)
	assertClean(t, f.vars(t, u.Key))
}

func TestCreatePasswordPolicy(t *testing.T) {
	f := newFixture(t)
	_, err := f.adapter.Create(context.Background(), &user.UserCR{Username: "puccini", Password: "weak"}, false, nil, true, admin, "test")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodePasswordComplexity))

	all, err := f.users.FindAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)

	_, err = f.adapter.Create(context.Background(), &user.UserCR{Username: "puccini", Password: "weak"}, true, nil, true, admin, "test")
	assert.NoError(t, err)
}

func TestCreateInvalidRequest(t *testing.T) {
	f := newFixture(t)
	_, err := f.adapter.Create(context.Background(), &user.UserCR{Username: "a:b"}, false, nil, true, admin, "test")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeValidationFailed))
}

func TestCreateThenDelete(t *testing.T) {
	f := newFixture(t)
	u, _ := f.create(t, &user.UserCR{Username: "bellini", Resources: []string{"resource-csv"}}, admin)

	result, err := f.adapter.Delete(context.Background(), u, admin, "test")
	require.NoError(t, err)
	assert.Equal(t, []string{"resource-csv"}, propagation.SortedResources(result.PropByRes, propagation.Delete))
	assert.Contains(t, result.PerformedTasks, "delete")

	_, err = f.runtime.ProcInstID(context.Background(), u.Key)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
	_, err = f.users.Find(context.Background(), u.Key)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
	assert.Equal(t, []event.Type{event.Create, event.Delete}, f.events.types())
}

func TestSuspendReactivate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u, _ := f.create(t, &user.UserCR{Username: "donizetti"}, admin)

	result, err := f.adapter.Suspend(ctx, u, admin, "test")
	require.NoError(t, err)
	assert.Equal(t, []string{"suspend", "suspended"}, result.PerformedTasks)
	u = f.reload(t, u.Key)
	assert.Equal(t, "suspended", u.Status)
	assert.True(t, u.IsSuspended())
	assert.Equal(t, admin, u.LastModifier)
	assertClean(t, f.vars(t, u.Key))

	_, err = f.adapter.Suspend(ctx, u, admin, "test")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeWorkflow))
	assert.Equal(t, "suspended", f.reload(t, u.Key).Status)

	_, err = f.adapter.Reactivate(ctx, u, admin, "test")
	require.NoError(t, err)
	u = f.reload(t, u.Key)
	assert.Equal(t, "active", u.Status)
	assert.False(t, u.IsSuspended())
	assertClean(t, f.vars(t, u.Key))
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	u, _ := f.create(t, &user.UserCR{Username: "mascagni", Resources: []string{"resource-ldap"}}, admin)

	result, err := f.adapter.Update(context.Background(), u, &user.UserUR{
		Key:       u.Key,
		Resources: []user.StringPatch{{Operation: user.PatchAddReplace, Value: "resource-csv"}},
		Password:  &user.PasswordPatch{Value: "N3w!Passw0rd", Local: true},
	}, admin, "test")
	require.NoError(t, err)

	assert.Equal(t, []string{"resource-csv"}, propagation.SortedResources(result.PropByRes, propagation.Create))
	assert.Equal(t, []string{"resource-ldap"}, propagation.SortedResources(result.PropByRes, propagation.Update))
	require.NotNil(t, result.Result.Request)
	assert.Equal(t, u.Key, result.Result.Request.Key)

	u = f.reload(t, u.Key)
	assert.Equal(t, "active", u.Status)
	assert.True(t, u.CheckPassword("N3w!Passw0rd"))
	assert.ElementsMatch(t, []string{"resource-ldap", "resource-csv"}, u.Resources)
	assertClean(t, f.vars(t, u.Key))
	assert.NotContains(t, f.vars(t, u.Key), workflow.VarUserUR.Name())
}

func TestSelfRegistrationParksPassword(t *testing.T) {
	f := newFixture(t)
	u, result := f.create(t, &user.UserCR{Username: "anonymous-signup", Password: strongPwd, Resources: []string{"resource-ldap"}}, "anonymous")

	assert.Equal(t, "createApproval", u.Status)
	assert.True(t, result.PropByRes.IsEmpty())

	vars := f.vars(t, u.Key)
	encrypted, ok, err := workflow.VarEncryptedPwd.Of(vars)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, strongPwd, encrypted)
	decrypted, err := f.runtime.Cipher().Decrypt(encrypted)
	require.NoError(t, err)
	assert.Equal(t, strongPwd, decrypted)

	parked, ok, err := workflow.VarPropByResource.Of(vars)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, parked.Contains(propagation.Create, "resource-ldap"))

	to, ok, err := workflow.VarUserTO.Of(vars)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "anonymous-signup", to.Username)
	assert.NotContains(t, vars, workflow.VarUser.Name())
	assert.NotContains(t, vars, workflow.VarWfExecutor.Name())
}

func TestSaveForFormSubmitOutsideFormIsNoop(t *testing.T) {
	f := newFixture(t)
	u, _ := f.create(t, &user.UserCR{Username: "cherubini"}, admin)
	pid, err := f.runtime.ProcInstID(context.Background(), u.Key)
	require.NoError(t, err)

	props := propagation.New[string]()
	props.Add(propagation.Update, "resource-ldap")
	require.NoError(t, f.runtime.SaveForFormSubmit(context.Background(), pid, u, strongPwd, nil, props, nil))

	assert.True(t, props.Contains(propagation.Update, "resource-ldap"))
	vars := f.vars(t, u.Key)
	assert.NotContains(t, vars, workflow.VarEncryptedPwd.Name())
	assert.NotContains(t, vars, workflow.VarUserTO.Name())
}

func TestUpdateWhileParkedKeepsPendingRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u, _ := f.create(t, &user.UserCR{Username: "vivaldi", Resources: []string{"resource-ldap"}}, admin)

	selfUpdate := &user.UserUR{
		Key:         u.Key,
		Memberships: []user.StringPatch{{Operation: user.PatchAddReplace, Value: "additional"}},
		Password:    &user.PasswordPatch{Value: "S3lf!Chosen", Local: true},
	}
	result, err := f.adapter.Update(ctx, u, selfUpdate, "vivaldi", "self")
	require.NoError(t, err)
	assert.True(t, result.PropByRes.IsEmpty())
	u = f.reload(t, u.Key)
	assert.Equal(t, "updateApproval", u.Status)
	assert.NotContains(t, u.Memberships, "additional")

	adminUpdate := &user.UserUR{
		Key:       u.Key,
		Resources: []user.StringPatch{{Operation: user.PatchAddReplace, Value: "resource-csv"}},
	}
	result, err = f.adapter.Update(ctx, u, adminUpdate, admin, "test")
	require.NoError(t, err)
	assert.True(t, result.PropByRes.Contains(propagation.Create, "resource-csv"))

	u = f.reload(t, u.Key)
	assert.Equal(t, "updateApproval", u.Status)
	assert.Contains(t, u.Resources, "resource-csv")

	vars := f.vars(t, u.Key)
	pending, ok, err := workflow.VarUserUR.Of(vars)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, selfUpdate.Memberships, pending.Memberships)
	require.NotNil(t, pending.Password)
	assert.Empty(t, pending.Password.Value)

	parked, ok, err := workflow.VarPropByResource.Of(vars)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, parked.Contains(propagation.Create, "resource-csv"))

	password, ok, err := f.runtime.ParkedPassword(ctx, pendingPID(t, f, u.Key))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "S3lf!Chosen", password)

	to, ok, err := workflow.VarUserTO.Of(vars)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, to.Resources, "resource-csv")
}

func TestUpdateWhileParkedParksLatestPassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u, _ := f.create(t, &user.UserCR{Username: "locatelli", Resources: []string{"resource-ldap"}}, admin)

	_, err := f.adapter.Update(ctx, u, &user.UserUR{
		Key:         u.Key,
		Memberships: []user.StringPatch{{Operation: user.PatchAddReplace, Value: "additional"}},
		Password:    &user.PasswordPatch{Value: "S3lf!Chosen", Local: true},
	}, "locatelli", "self")
	require.NoError(t, err)
	u = f.reload(t, u.Key)
	require.Equal(t, "updateApproval", u.Status)

	result, err := f.adapter.Update(ctx, u, &user.UserUR{
		Key:      u.Key,
		Password: &user.PasswordPatch{Value: "Adm1n!Reset", Local: true},
	}, admin, "test")
	require.NoError(t, err)
	assert.Equal(t, "Adm1n!Reset", result.Result.Request.Password.Value)
	assert.True(t, f.reload(t, u.Key).CheckPassword("Adm1n!Reset"))

	password, ok, err := f.runtime.ParkedPassword(ctx, pendingPID(t, f, u.Key))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Adm1n!Reset", password)

	pending, ok, err := workflow.VarUserUR.Of(f.vars(t, u.Key))
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, pending.Password)
	assert.Empty(t, pending.Password.Value)
}

func pendingPID(t *testing.T, f *fixture, key string) string {
	t.Helper()
	pid, err := f.runtime.ProcInstID(context.Background(), key)
	require.NoError(t, err)
	return pid
}

func TestSelfDeleteWaitsForApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u, _ := f.create(t, &user.UserCR{Username: "paganini", Resources: []string{"resource-ldap"}}, admin)

	result, err := f.adapter.Delete(ctx, u, "paganini", "self")
	require.NoError(t, err)
	assert.True(t, result.PropByRes.IsEmpty())

	u = f.reload(t, u.Key)
	assert.Equal(t, "deleteApproval", u.Status)
	parked, ok, err := workflow.VarPropByResource.Of(f.vars(t, u.Key))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, parked.Contains(propagation.Delete, "resource-ldap"))

	_, err = f.adapter.Delete(ctx, u, admin, "test")
	require.NoError(t, err)
	_, err = f.users.Find(ctx, u.Key)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}

func TestActivation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u, result := f.create(t, &user.UserCR{
		Username:          "boccherini",
		RequireActivation: true,
		PlainAttrs:        map[string][]string{emailSchema: {"boccherini@example.com"}},
	}, admin)

	assert.Equal(t, "created", u.Status)
	assert.Equal(t, []string{"create", "created", "generateToken", "notify"}, result.PerformedTasks)
	require.NotEmpty(t, u.Token)
	require.Len(t, f.mail.Sent(), 1)
	assert.Equal(t, u.Token, f.mail.Sent()[0].Data["Token"])
	assert.Equal(t, []notification.NoticeType{notification.UserActivation}, f.mail.SentTypes)

	_, err := f.adapter.Activate(ctx, u, "wrong", admin, "test")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeTokenInvalid))
	assert.Equal(t, "created", f.reload(t, u.Key).Status)

	_, err = f.adapter.Activate(ctx, u, u.Token, admin, "test")
	require.NoError(t, err)
	u = f.reload(t, u.Key)
	assert.Equal(t, "active", u.Status)
	assert.Empty(t, u.Token)
	assertClean(t, f.vars(t, u.Key))
}

func TestPasswordReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u, _ := f.create(t, &user.UserCR{
		Username:   "albinoni",
		Password:   strongPwd,
		Resources:  []string{"resource-ldap"},
		PlainAttrs: map[string][]string{emailSchema: {"albinoni@example.com"}},
	}, admin)

	require.NoError(t, f.adapter.RequestPasswordReset(ctx, u, "albinoni", "self"))
	u = f.reload(t, u.Key)
	require.NotEmpty(t, u.Token)
	assert.Equal(t, "active", u.Status)
	assert.Equal(t, []notification.NoticeType{notification.PasswordResetInit}, f.mail.SentTypes)

	_, err := f.adapter.ConfirmPasswordReset(ctx, u, "wrong", "R3set!Passw0rd", "albinoni", "self")
	assert.True(t, errors.IsCode(err, errors.ErrCodeTokenInvalid))

	result, err := f.adapter.ConfirmPasswordReset(ctx, u, u.Token, "R3set!Passw0rd", "albinoni", "self")
	require.NoError(t, err)
	require.NotNil(t, result.Result.Request)
	assert.Equal(t, "R3set!Passw0rd", result.Result.Request.Password.Value)
	assert.True(t, result.PropByRes.Contains(propagation.Update, "resource-ldap"))

	u = f.reload(t, u.Key)
	assert.True(t, u.CheckPassword("R3set!Passw0rd"))
	assert.Empty(t, u.Token)
	assert.Equal(t, "active", u.Status)
	assertClean(t, f.vars(t, u.Key))
	assert.Equal(t,
		[]notification.NoticeType{notification.PasswordResetInit, notification.PasswordResetConfirm},
		f.mail.SentTypes)
}

func TestAvailableAndPerformedTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u, _ := f.create(t, &user.UserCR{Username: "corelli"}, admin)

	available, err := f.adapter.GetAvailableTasks(ctx, u.Key)
	require.NoError(t, err)
	assert.Equal(t, []string{"delete", "deleteApproval", "generateToken", "passwordReset", "suspend", "update", "updateApproval"}, available)

	_, err = f.adapter.Suspend(ctx, u, admin, "test")
	require.NoError(t, err)
	available, err = f.adapter.GetAvailableTasks(ctx, u.Key)
	require.NoError(t, err)
	assert.Equal(t, []string{"delete", "reactivate", "update"}, available)

	performed, err := f.adapter.GetPerformedTasks(ctx, u.Key)
	require.NoError(t, err)
	assert.Equal(t, []string{"active", "autoActivate", "create", "suspend", "suspended"}, performed)
}

func TestInternalSuspend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u, _ := f.create(t, &user.UserCR{Username: "tartini"}, admin)

	result, err := f.adapter.InternalSuspend(ctx, u, "policy")
	require.NoError(t, err)
	require.NotNil(t, result)
	u = f.reload(t, u.Key)
	assert.True(t, u.IsSuspended())
	assert.Equal(t, "internal", u.LastChangeContext)

	result, err = f.adapter.InternalSuspend(ctx, u, "policy")
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestUnknownUser(t *testing.T) {
	f := newFixture(t)
	_, err := f.adapter.GetAvailableTasks(context.Background(), "missing")
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))

	_, err = f.adapter.ExecuteNextTask(context.Background(), workflow.WorkflowTaskExecInput{UserKey: "missing"}, admin, "test")
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}
