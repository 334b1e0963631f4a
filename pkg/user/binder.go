package user

import (
	stderrors "errors"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jinzhu/copier"
	"github.com/tendant/simple-idm-workflow/pkg/errors"
	"github.com/tendant/simple-idm-workflow/pkg/propagation"
)

var validate = validator.New()

// DataBinder maps between user entities, requests and transfer objects.
type DataBinder struct{}

// NewDataBinder creates a binder.
func NewDataBinder() *DataBinder {
	return &DataBinder{}
}

// Validate checks the struct tags of a request.
func (b *DataBinder) Validate(req any) error {
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if stderrors.As(err, &verrs) {
			details := make(map[string]interface{}, len(verrs))
			for _, fe := range verrs {
				details[fe.Namespace()] = fe.Tag()
			}
			return errors.ValidationFailed(details)
		}
		return errors.InvalidInput("request", err.Error())
	}
	return nil
}

// GetUserTO projects u. Linked accounts are only included with details.
func (b *DataBinder) GetUserTO(u *User, details bool) *UserTO {
	to := &UserTO{}
	if err := copier.Copy(to, u); err != nil {
		// same-named fields share types, so copier has nothing to reject
		panic(err)
	}
	to.Resources = slices.Clone(u.Resources)
	to.Memberships = slices.Clone(u.Memberships)
	to.Roles = slices.Clone(u.Roles)
	if details {
		to.LinkedAccounts = slices.Clone(u.LinkedAccounts)
	} else {
		to.LinkedAccounts = nil
	}
	return to
}

// Create builds a new user entity from a validated creation request. The
// password is hashed onto the entity only when storePassword is set.
func (b *DataBinder) Create(cr *UserCR, storePassword bool, creator, auditContext string) (*User, error) {
	if err := b.Validate(cr); err != nil {
		return nil, err
	}

	u := &User{}
	if err := copier.Copy(u, cr); err != nil {
		return nil, errors.InternalWrap(err, "failed to bind user")
	}
	u.Key = uuid.NewString()
	u.Realm = realmOrRoot(cr.Realm)
	u.MustChangePassword = cr.MustChangePwd
	u.Resources = dedup(cr.Resources)
	u.Memberships = dedup(cr.Memberships)
	u.Roles = dedup(cr.Roles)
	u.LinkedAccounts = slices.Clone(cr.LinkedAccounts)

	now := time.Now().UTC()
	u.CreationDate = now
	u.Creator = creator
	u.CreationContext = auditContext
	u.LastChangeDate = now
	u.LastModifier = creator
	u.LastChangeContext = auditContext

	if storePassword && cr.Password != "" {
		if err := u.SetPassword(cr.Password); err != nil {
			return nil, errors.InternalWrap(err, "failed to hash password")
		}
	}
	return u, nil
}

// Update applies ur to u and returns the propagation the change requires.
func (b *DataBinder) Update(u *User, ur *UserUR) (*propagation.PropagationByResource[string], *propagation.PropagationByResource[propagation.LinkedAccountRef], error) {
	propByRes := propagation.New[string]()
	propByLinkedAccount := propagation.New[propagation.LinkedAccountRef]()

	if err := b.Validate(ur); err != nil {
		return nil, nil, err
	}

	for _, p := range ur.Resources {
		switch p.Operation {
		case PatchAddReplace:
			if !slices.Contains(u.Resources, p.Value) {
				u.Resources = append(u.Resources, p.Value)
				propByRes.Add(propagation.Create, p.Value)
			}
		case PatchDelete:
			if i := slices.Index(u.Resources, p.Value); i >= 0 {
				u.Resources = slices.Delete(u.Resources, i, i+1)
				propByRes.Add(propagation.Delete, p.Value)
			}
		}
	}

	updateAll := false
	if ur.Username != nil && *ur.Username != u.Username {
		u.Username = *ur.Username
		updateAll = true
	}
	if ur.Realm != nil && *ur.Realm != u.Realm {
		u.Realm = realmOrRoot(*ur.Realm)
		updateAll = true
	}
	if ur.MustChangePwd != nil {
		u.MustChangePassword = *ur.MustChangePwd
	}
	if len(ur.Memberships) > 0 {
		u.Memberships = applyStringPatches(u.Memberships, ur.Memberships)
		updateAll = true
	}
	if len(ur.Roles) > 0 {
		u.Roles = applyStringPatches(u.Roles, ur.Roles)
		updateAll = true
	}
	if len(ur.PlainAttrs) > 0 {
		if u.PlainAttrs == nil {
			u.PlainAttrs = make(map[string][]string)
		}
		for _, p := range ur.PlainAttrs {
			switch p.Operation {
			case PatchAddReplace:
				u.PlainAttrs[p.Schema] = slices.Clone(p.Values)
			case PatchDelete:
				delete(u.PlainAttrs, p.Schema)
			}
		}
		updateAll = true
	}
	if updateAll {
		propByRes.AddAll(propagation.Update, u.Resources)
	}

	if ur.Password != nil && ur.Password.Value != "" {
		if ur.Password.Local {
			if err := u.SetPassword(ur.Password.Value); err != nil {
				return nil, nil, errors.InternalWrap(err, "failed to hash password")
			}
			u.MustChangePassword = false
		}
		targets := ur.Password.Resources
		if len(targets) == 0 {
			targets = u.Resources
		}
		for _, r := range targets {
			if slices.Contains(u.Resources, r) {
				propByRes.Add(propagation.Update, r)
			}
		}
	}

	for _, p := range ur.LinkedAccounts {
		ref := p.Account.Ref()
		i := slices.IndexFunc(u.LinkedAccounts, func(a LinkedAccount) bool { return a.Ref() == ref })
		switch p.Operation {
		case PatchAddReplace:
			if i >= 0 {
				u.LinkedAccounts[i] = p.Account
				propByLinkedAccount.Add(propagation.Update, ref)
			} else {
				u.LinkedAccounts = append(u.LinkedAccounts, p.Account)
				propByLinkedAccount.Add(propagation.Create, ref)
			}
		case PatchDelete:
			if i >= 0 {
				u.LinkedAccounts = slices.Delete(u.LinkedAccounts, i, i+1)
				propByLinkedAccount.Add(propagation.Delete, ref)
			}
		}
	}

	propByRes.Purge()
	propByLinkedAccount.Purge()
	return propByRes, propByLinkedAccount, nil
}

func applyStringPatches(values []string, patches []StringPatch) []string {
	for _, p := range patches {
		i := slices.Index(values, p.Value)
		switch {
		case p.Operation == PatchAddReplace && i < 0:
			values = append(values, p.Value)
		case p.Operation == PatchDelete && i >= 0:
			values = slices.Delete(values, i, i+1)
		}
	}
	return values
}

func dedup(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}
