package delegate_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-idm-workflow/pkg/engine"
	"github.com/tendant/simple-idm-workflow/pkg/errors"
	"github.com/tendant/simple-idm-workflow/pkg/notification"
	"github.com/tendant/simple-idm-workflow/pkg/propagation"
	"github.com/tendant/simple-idm-workflow/pkg/user"
	"github.com/tendant/simple-idm-workflow/pkg/workflow"
	"github.com/tendant/simple-idm-workflow/pkg/workflow/delegate"
)

type sent struct {
	noticeType notification.NoticeType
	data       notification.NotificationData
}

type recordingSender struct {
	sent []sent
}

func (s *recordingSender) Send(noticeType notification.NoticeType, data notification.NotificationData) error {
	s.sent = append(s.sent, sent{noticeType: noticeType, data: data})
	return nil
}

// run executes the named delegate in a single service task process and
// returns the variables it left behind.
func run(t *testing.T, cfg delegate.Config, name string, vars map[string]any) (map[string]any, error) {
	t.Helper()
	definition := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL" xmlns:flowable="http://flowable.org/bpmn">
  <process id="single" isExecutable="true">
    <startEvent id="s"/>
    <sequenceFlow id="f1" sourceRef="s" targetRef="run"/>
    <serviceTask id="run" flowable:delegateExpression="${%s}"/>
    <sequenceFlow id="f2" sourceRef="run" targetRef="wait"/>
    <userTask id="wait"/>
    <sequenceFlow id="f3" sourceRef="wait" targetRef="e"/>
    <endEvent id="e"/>
  </process>
</definitions>`, name)

	ctx := context.Background()
	e := engine.NewInMemoryEngine(engine.WithDelegates(delegate.Delegates(cfg)))
	_, err := e.Deploy(ctx, "single.bpmn20.xml", []byte(definition))
	require.NoError(t, err)

	pi, err := e.StartProcessInstanceByKey(ctx, "single", "single:1", vars)
	if err != nil {
		return nil, err
	}
	out, err := e.Variables(ctx, pi.ID)
	require.NoError(t, err)
	return out, nil
}

func userOf(t *testing.T, vars map[string]any) *user.User {
	t.Helper()
	u, ok, err := workflow.VarUser.Of(vars)
	require.NoError(t, err)
	require.True(t, ok)
	return u
}

func withToken(token string, ttl time.Duration) *user.User {
	u := &user.User{Key: "k", Username: "rossini", Resources: []string{"resource-ldap"}}
	u.GenerateToken(token, ttl)
	return u
}

func TestCreate(t *testing.T) {
	cfg := delegate.Config{PolicyChecker: user.NewDefaultPasswordPolicyChecker(nil, nil)}

	vars, err := run(t, cfg, "create", map[string]any{
		"userCR":        &user.UserCR{Username: "rossini", Password: "Str0ng!Pass1", RequireActivation: true},
		"storePassword": true,
		"wfExecutor":    "admin",
	})
	require.NoError(t, err)
	u := userOf(t, vars)
	assert.Equal(t, "rossini", u.Username)
	assert.Equal(t, "/", u.Realm)
	assert.True(t, u.CheckPassword("Str0ng!Pass1"))
	assert.Equal(t, delegate.EventCreate, vars["event"])

	_, err = run(t, cfg, "create", map[string]any{"userCR": &user.UserCR{Username: "rossini", Password: "weak"}})
	assert.True(t, errors.IsCode(err, errors.ErrCodePasswordComplexity))

	vars, err = run(t, cfg, "create", map[string]any{
		"userCR":                &user.UserCR{Username: "rossini", Password: "weak"},
		"disablePwdPolicyCheck": true,
	})
	require.NoError(t, err)
	assert.Empty(t, userOf(t, vars).PasswordHash)
	assert.NotContains(t, vars, "event")

	_, err = run(t, cfg, "create", nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))
}

func TestActivateChecksToken(t *testing.T) {
	_, err := run(t, delegate.Config{}, "activate", map[string]any{
		"user":  withToken("secret", time.Hour),
		"token": "other",
	})
	assert.True(t, errors.IsCode(err, errors.ErrCodeTokenInvalid))

	_, err = run(t, delegate.Config{}, "activate", map[string]any{
		"user":  withToken("secret", -time.Hour),
		"token": "secret",
	})
	assert.True(t, errors.IsCode(err, errors.ErrCodeTokenExpired))

	suspended := withToken("secret", time.Hour)
	suspended.SetSuspended(true)
	vars, err := run(t, delegate.Config{}, "activate", map[string]any{"user": suspended, "token": "secret"})
	require.NoError(t, err)
	u := userOf(t, vars)
	assert.Empty(t, u.Token)
	assert.False(t, u.IsSuspended())
}

func TestAutoActivate(t *testing.T) {
	vars, err := run(t, delegate.Config{}, "autoActivate", map[string]any{"user": &user.User{Key: "k"}})
	require.NoError(t, err)
	assert.False(t, userOf(t, vars).IsSuspended())

	vars, err = run(t, delegate.Config{}, "autoActivate", map[string]any{"user": &user.User{Key: "k"}, "enabled": false})
	require.NoError(t, err)
	assert.True(t, userOf(t, vars).IsSuspended())
}

func TestSuspendAndReactivate(t *testing.T) {
	vars, err := run(t, delegate.Config{}, "suspend", map[string]any{"user": &user.User{Key: "k"}})
	require.NoError(t, err)
	assert.True(t, userOf(t, vars).IsSuspended())
	assert.Equal(t, false, vars["propagateEnable"])

	vars, err = run(t, delegate.Config{}, "reactivate", map[string]any{"user": &user.User{Key: "k"}})
	require.NoError(t, err)
	assert.False(t, userOf(t, vars).IsSuspended())
	assert.Equal(t, true, vars["propagateEnable"])

	_, err = run(t, delegate.Config{}, "suspend", nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeWorkflow))
}

func TestUpdate(t *testing.T) {
	vars, err := run(t, delegate.Config{}, "update", map[string]any{
		"user": &user.User{Key: "k", Username: "rossini", Resources: []string{"resource-ldap"}},
		"userUR": &user.UserUR{
			Key:       "k",
			Resources: []user.StringPatch{{Operation: user.PatchAddReplace, Value: "resource-csv"}},
		},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"resource-ldap", "resource-csv"}, userOf(t, vars).Resources)
	props, ok, err := workflow.VarPropByResource.Of(vars)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"resource-csv"}, propagation.SortedResources(props, propagation.Create))

	_, err = run(t, delegate.Config{}, "update", map[string]any{"user": &user.User{Key: "k"}})
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))
}

func TestGenerateTokenAndNotify(t *testing.T) {
	vars, err := run(t, delegate.Config{TokenTTL: time.Minute}, "generateToken", map[string]any{"user": &user.User{Key: "k"}})
	require.NoError(t, err)
	u := userOf(t, vars)
	assert.NotEmpty(t, u.Token)
	require.NotNil(t, u.TokenExpireTime)
	assert.WithinDuration(t, time.Now().Add(time.Minute), *u.TokenExpireTime, 5*time.Second)

	sender := &recordingSender{}
	u.PlainAttrs = map[string][]string{"email": {"rossini@example.com"}}
	_, err = run(t, delegate.Config{Sender: sender}, "notify", map[string]any{"user": u, "event": "requestPasswordReset"})
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, notification.PasswordResetInit, sender.sent[0].noticeType)
	assert.Equal(t, "rossini@example.com", sender.sent[0].data.To)
	assert.Equal(t, u.Token, sender.sent[0].data.Data["Token"])
	assert.NotEmpty(t, sender.sent[0].data.Data["ExpireTime"])

	_, err = run(t, delegate.Config{Sender: sender}, "notify", map[string]any{"user": u, "event": "unknown"})
	require.NoError(t, err)
	_, err = run(t, delegate.Config{Sender: sender}, "notify", map[string]any{"user": &user.User{Key: "k"}, "event": delegate.EventCreate})
	require.NoError(t, err)
	assert.Len(t, sender.sent, 1)
}

func TestPasswordReset(t *testing.T) {
	cfg := delegate.Config{PolicyChecker: user.NewDefaultPasswordPolicyChecker(nil, nil)}

	_, err := run(t, cfg, "passwordReset", map[string]any{
		"user":     withToken("secret", time.Hour),
		"token":    "secret",
		"password": "",
	})
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))

	_, err = run(t, cfg, "passwordReset", map[string]any{
		"user":     withToken("secret", time.Hour),
		"token":    "secret",
		"password": "weak",
	})
	assert.True(t, errors.IsCode(err, errors.ErrCodePasswordComplexity))

	vars, err := run(t, cfg, "passwordReset", map[string]any{
		"user":     withToken("secret", time.Hour),
		"token":    "secret",
		"password": "R3set!Passw0rd",
	})
	require.NoError(t, err)
	u := userOf(t, vars)
	assert.True(t, u.CheckPassword("R3set!Passw0rd"))
	assert.Empty(t, u.Token)

	ur, ok, err := workflow.VarUserUR.Of(vars)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "R3set!Passw0rd", ur.Password.Value)
	props, _, err := workflow.VarPropByResource.Of(vars)
	require.NoError(t, err)
	assert.True(t, props.Contains(propagation.Update, "resource-ldap"))
}

func TestRejections(t *testing.T) {
	vars, err := run(t, delegate.Config{}, "reject", map[string]any{
		"user":         &user.User{Key: "k"},
		"rejectReason": "unknown applicant",
	})
	require.NoError(t, err)
	assert.True(t, userOf(t, vars).IsSuspended())

	props := propagation.New[string]()
	props.Add(propagation.Update, "resource-ldap")
	vars, err = run(t, delegate.Config{}, "rejectUpdate", map[string]any{
		"userUR":         &user.UserUR{Key: "k", Password: &user.PasswordPatch{Local: true}},
		"encryptedPwd":   "sealed",
		"propByResource": props,
	})
	require.NoError(t, err)
	assert.NotContains(t, vars, "userUR")
	assert.NotContains(t, vars, "encryptedPwd")
	parked, ok, err := workflow.VarPropByResource.Of(vars)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, parked.IsEmpty())
}

func TestDeleteClearsToken(t *testing.T) {
	vars, err := run(t, delegate.Config{}, "delete", map[string]any{"user": withToken("secret", time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, userOf(t, vars).Token)
}
