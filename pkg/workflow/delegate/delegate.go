// Package delegate implements the service tasks of the default user
// workflow. Each delegate reads and writes the well known variables of
// package workflow.
package delegate

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/tendant/simple-idm-workflow/pkg/engine"
	"github.com/tendant/simple-idm-workflow/pkg/errors"
	"github.com/tendant/simple-idm-workflow/pkg/notification"
	"github.com/tendant/simple-idm-workflow/pkg/propagation"
	"github.com/tendant/simple-idm-workflow/pkg/user"
	"github.com/tendant/simple-idm-workflow/pkg/workflow"
)

// Sender delivers a notice, see notification.NotificationManager.
type Sender interface {
	Send(noticeType notification.NoticeType, data notification.NotificationData) error
}

// Config holds what the delegates depend on. Sender and PolicyChecker may
// be nil.
type Config struct {
	Binder        *user.DataBinder
	PolicyChecker user.PasswordPolicyChecker
	Sender        Sender
	TokenTTL      time.Duration
}

// DefaultTokenTTL applies when Config.TokenTTL is zero.
const DefaultTokenTTL = 24 * time.Hour

// Delegates returns the delegates by the name service tasks reference.
func Delegates(cfg Config) map[string]engine.Delegate {
	if cfg.Binder == nil {
		cfg.Binder = user.NewDataBinder()
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	logger := slog.Default().With("component", "workflow-delegate")

	return map[string]engine.Delegate{
		"create":        &Create{binder: cfg.Binder, checker: cfg.PolicyChecker},
		"autoActivate":  engine.DelegateFunc(autoActivate),
		"activate":      engine.DelegateFunc(activate),
		"update":        &Update{binder: cfg.Binder, checker: cfg.PolicyChecker},
		"suspend":       engine.DelegateFunc(suspend),
		"reactivate":    engine.DelegateFunc(reactivate),
		"delete":        &Delete{logger: logger},
		"generateToken": &GenerateToken{ttl: cfg.TokenTTL},
		"notify":        &Notify{sender: cfg.Sender, logger: logger},
		"passwordReset": &PasswordReset{binder: cfg.Binder, checker: cfg.PolicyChecker},
		"reject":        &Reject{logger: logger},
		"rejectUpdate":  &RejectUpdate{logger: logger},
	}
}

// Create builds the user entity from the creation request.
type Create struct {
	binder  *user.DataBinder
	checker user.PasswordPolicyChecker
}

func (d *Create) Execute(ctx context.Context, exec *engine.Execution) error {
	cr, ok, err := workflow.VarUserCR.In(exec)
	if err != nil {
		return err
	}
	if !ok || cr == nil {
		return errors.InvalidInput("userCR", "missing creation request")
	}
	storePassword, _, err := workflow.VarStorePassword.In(exec)
	if err != nil {
		return err
	}
	disableCheck, _, err := workflow.VarDisablePwdPolicyCheck.In(exec)
	if err != nil {
		return err
	}
	actor, _, _ := workflow.VarWfExecutor.In(exec)
	auditContext, _, _ := workflow.VarAuditContext.In(exec)

	if cr.Password != "" && !disableCheck && d.checker != nil {
		if err := d.checker.CheckPasswordComplexity(cr.Password); err != nil {
			return err
		}
	}

	u, err := d.binder.Create(cr, storePassword, actor, auditContext)
	if err != nil {
		return err
	}
	if cr.RequireActivation {
		workflow.VarEvent.Put(exec, EventCreate)
	}
	workflow.VarUser.Put(exec, u)
	return nil
}

func autoActivate(ctx context.Context, exec *engine.Execution) error {
	u, err := currentUser(exec)
	if err != nil {
		return err
	}
	enabled, ok, err := workflow.VarEnabled.In(exec)
	if err != nil {
		return err
	}
	u.SetSuspended(ok && !enabled)
	workflow.VarUser.Put(exec, u)
	return nil
}

func activate(ctx context.Context, exec *engine.Execution) error {
	u, err := currentUser(exec)
	if err != nil {
		return err
	}
	token, _, err := workflow.VarToken.In(exec)
	if err != nil {
		return err
	}
	if err := checkToken(u, token); err != nil {
		return err
	}
	u.RemoveToken()
	u.SetSuspended(false)
	workflow.VarUser.Put(exec, u)
	return nil
}

// Update applies the update request and replaces the propagation
// variables with what it requires.
type Update struct {
	binder  *user.DataBinder
	checker user.PasswordPolicyChecker
}

func (d *Update) Execute(ctx context.Context, exec *engine.Execution) error {
	u, err := currentUser(exec)
	if err != nil {
		return err
	}
	ur, ok, err := workflow.VarUserUR.In(exec)
	if err != nil {
		return err
	}
	if !ok || ur == nil {
		return errors.InvalidInput("userUR", "missing update request")
	}
	disableCheck, _, err := workflow.VarDisablePwdPolicyCheck.In(exec)
	if err != nil {
		return err
	}
	if ur.Password != nil && ur.Password.Value != "" && !disableCheck && d.checker != nil {
		if err := d.checker.CheckPasswordComplexity(ur.Password.Value); err != nil {
			return err
		}
	}

	propByRes, propByLinkedAccount, err := d.binder.Update(u, ur)
	if err != nil {
		return err
	}
	workflow.VarUser.Put(exec, u)
	workflow.VarPropByResource.Put(exec, propByRes)
	workflow.VarPropByLinkedAccount.Put(exec, propByLinkedAccount)
	return nil
}

func suspend(ctx context.Context, exec *engine.Execution) error {
	u, err := currentUser(exec)
	if err != nil {
		return err
	}
	u.SetSuspended(true)
	workflow.VarUser.Put(exec, u)
	workflow.VarPropagateEnable.Put(exec, false)
	return nil
}

func reactivate(ctx context.Context, exec *engine.Execution) error {
	u, err := currentUser(exec)
	if err != nil {
		return err
	}
	u.SetSuspended(false)
	workflow.VarUser.Put(exec, u)
	workflow.VarPropagateEnable.Put(exec, true)
	return nil
}

// Delete clears what should not outlive the user; the entity itself is
// removed once the instance has ended.
type Delete struct {
	logger *slog.Logger
}

func (d *Delete) Execute(ctx context.Context, exec *engine.Execution) error {
	u, err := currentUser(exec)
	if err != nil {
		return err
	}
	u.RemoveToken()
	workflow.VarUser.Put(exec, u)
	d.logger.Info("User marked for deletion", "key", u.Key, "processInstance", exec.ProcessInstanceID())
	return nil
}

// GenerateToken issues a random token valid for ttl.
type GenerateToken struct {
	ttl time.Duration
}

func (d *GenerateToken) Execute(ctx context.Context, exec *engine.Execution) error {
	u, err := currentUser(exec)
	if err != nil {
		return err
	}
	token, err := generateToken()
	if err != nil {
		return err
	}
	u.GenerateToken(token, d.ttl)
	workflow.VarUser.Put(exec, u)
	return nil
}

// generateToken generates a cryptographically secure random token
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// Events the notify delegate knows how to announce.
const (
	EventCreate = "create"
)

var notices = map[string]notification.NoticeType{
	EventCreate:                       notification.UserActivation,
	workflow.TaskRequestPasswordReset: notification.PasswordResetInit,
	workflow.TaskConfirmPasswordReset: notification.PasswordResetConfirm,
}

// Notify mails the user about the event named by the event variable.
// Users without an e-mail address and unknown events are skipped.
type Notify struct {
	sender Sender
	logger *slog.Logger
}

func (d *Notify) Execute(ctx context.Context, exec *engine.Execution) error {
	u, err := currentUser(exec)
	if err != nil {
		return err
	}
	event, _, err := workflow.VarEvent.In(exec)
	if err != nil {
		return err
	}
	noticeType, ok := notices[event]
	if !ok {
		d.logger.Debug("No notice for event", "event", event, "key", u.Key)
		return nil
	}
	if d.sender == nil || u.Email() == "" {
		d.logger.Debug("Skipping notification", "event", event, "key", u.Key, "hasSender", d.sender != nil)
		return nil
	}

	data := map[string]string{
		"Username": u.Username,
		"Token":    u.Token,
	}
	if u.TokenExpireTime != nil {
		data["ExpireTime"] = u.TokenExpireTime.Format(time.RFC1123)
	}
	if err := d.sender.Send(noticeType, notification.NotificationData{To: u.Email(), Data: data}); err != nil {
		return errors.Wrapf(err, errors.ErrCodeInternal, "failed to send %s notification", noticeType)
	}
	return nil
}

// PasswordReset sets the password when the token matches, and leaves the
// update request and propagation for provisioning.
type PasswordReset struct {
	binder  *user.DataBinder
	checker user.PasswordPolicyChecker
}

func (d *PasswordReset) Execute(ctx context.Context, exec *engine.Execution) error {
	u, err := currentUser(exec)
	if err != nil {
		return err
	}
	token, _, err := workflow.VarToken.In(exec)
	if err != nil {
		return err
	}
	password, _, err := workflow.VarPassword.In(exec)
	if err != nil {
		return err
	}
	if err := checkToken(u, token); err != nil {
		return err
	}
	if password == "" {
		return errors.InvalidInput("password", "cannot be empty")
	}
	if d.checker != nil {
		if err := d.checker.CheckPasswordComplexity(password); err != nil {
			return err
		}
	}

	ur := &user.UserUR{
		Key:      u.Key,
		Password: &user.PasswordPatch{Value: password, Local: true},
	}
	propByRes, _, err := d.binder.Update(u, ur)
	if err != nil {
		return err
	}
	u.RemoveToken()
	workflow.VarUser.Put(exec, u)
	workflow.VarUserUR.Put(exec, ur)
	workflow.VarPropByResource.Put(exec, propByRes)
	return nil
}

// Reject records why a self registration was refused.
type Reject struct {
	logger *slog.Logger
}

func (d *Reject) Execute(ctx context.Context, exec *engine.Execution) error {
	u, err := currentUser(exec)
	if err != nil {
		return err
	}
	reason, _, _ := workflow.VarRejectReason.In(exec)
	submitter, _, _ := workflow.VarFormSubmitter.In(exec)
	u.SetSuspended(true)
	workflow.VarUser.Put(exec, u)
	d.logger.Info("User creation rejected", "key", u.Key, "by", submitter, "reason", reason)
	return nil
}

// RejectUpdate drops the update request awaiting approval.
type RejectUpdate struct {
	logger *slog.Logger
}

func (d *RejectUpdate) Execute(ctx context.Context, exec *engine.Execution) error {
	reason, _, _ := workflow.VarRejectReason.In(exec)
	submitter, _, _ := workflow.VarFormSubmitter.In(exec)
	workflow.VarUserUR.Clear(exec)
	workflow.VarEncryptedPwd.Clear(exec)
	workflow.VarPropByResource.Put(exec, propagation.New[string]())
	workflow.VarPropByLinkedAccount.Put(exec, propagation.New[propagation.LinkedAccountRef]())
	d.logger.Info("User update rejected", "processInstance", exec.ProcessInstanceID(), "by", submitter, "reason", reason)
	return nil
}

func currentUser(exec *engine.Execution) (*user.User, error) {
	u, ok, err := workflow.VarUser.In(exec)
	if err != nil {
		return nil, err
	}
	if !ok || u == nil {
		return nil, errors.Workflow(nil, fmt.Sprintf("no user bound to %s", exec.ActivityID()))
	}
	return u, nil
}

func checkToken(u *user.User, token string) error {
	if u.Token == "" || u.Token != token {
		return errors.New(errors.ErrCodeTokenInvalid, "token is not valid")
	}
	if u.HasTokenExpired() {
		return errors.New(errors.ErrCodeTokenExpired, "token has expired")
	}
	return nil
}
