package user

import "time"

// PatchOperation is the operation of a single patch item.
type PatchOperation string

const (
	PatchAddReplace PatchOperation = "ADD_REPLACE"
	PatchDelete     PatchOperation = "DELETE"
)

// UserCR is a user creation request.
type UserCR struct {
	Username          string              `json:"username" validate:"required,min=3,max=255,excludesall=:"`
	Password          string              `json:"password,omitempty"`
	Realm             string              `json:"realm" validate:"omitempty,startswith=/"`
	Resources         []string            `json:"resources,omitempty" validate:"dive,required"`
	Memberships       []string            `json:"memberships,omitempty" validate:"dive,required"`
	Roles             []string            `json:"roles,omitempty" validate:"dive,required"`
	PlainAttrs        map[string][]string `json:"plainAttrs,omitempty"`
	LinkedAccounts    []LinkedAccount     `json:"linkedAccounts,omitempty" validate:"dive"`
	MustChangePwd     bool                `json:"mustChangePassword"`
	RequireActivation bool                `json:"requireActivation"`
}

// PasswordPatch replaces the password, optionally only on some resources.
type PasswordPatch struct {
	Value     string   `json:"value,omitempty"`
	Local     bool     `json:"local"`
	Resources []string `json:"resources,omitempty"`
}

// StringPatch adds or removes a single value.
type StringPatch struct {
	Operation PatchOperation `json:"operation" validate:"oneof=ADD_REPLACE DELETE"`
	Value     string         `json:"value" validate:"required"`
}

// AttrPatch adds, replaces or removes a plain attribute.
type AttrPatch struct {
	Operation PatchOperation `json:"operation" validate:"oneof=ADD_REPLACE DELETE"`
	Schema    string         `json:"schema" validate:"required"`
	Values    []string       `json:"values,omitempty"`
}

// LinkedAccountPatch adds, replaces or removes a linked account.
type LinkedAccountPatch struct {
	Operation PatchOperation `json:"operation" validate:"oneof=ADD_REPLACE DELETE"`
	Account   LinkedAccount  `json:"linkedAccount"`
}

// UserUR is a user update request. Nil and empty fields leave the user
// unchanged.
type UserUR struct {
	Key            string               `json:"key" validate:"required"`
	Username       *string              `json:"username,omitempty" validate:"omitempty,min=3,max=255,excludesall=:"`
	Realm          *string              `json:"realm,omitempty"`
	Password       *PasswordPatch       `json:"password,omitempty"`
	MustChangePwd  *bool                `json:"mustChangePassword,omitempty"`
	Resources      []StringPatch        `json:"resources,omitempty" validate:"dive"`
	Memberships    []StringPatch        `json:"memberships,omitempty" validate:"dive"`
	Roles          []StringPatch        `json:"roles,omitempty" validate:"dive"`
	PlainAttrs     []AttrPatch          `json:"plainAttrs,omitempty" validate:"dive"`
	LinkedAccounts []LinkedAccountPatch `json:"linkedAccounts,omitempty" validate:"dive"`
}

// IsEmpty reports whether applying the request would change nothing.
func (ur *UserUR) IsEmpty() bool {
	return ur.Username == nil && ur.Realm == nil && ur.Password == nil && ur.MustChangePwd == nil &&
		len(ur.Resources) == 0 && len(ur.Memberships) == 0 && len(ur.Roles) == 0 &&
		len(ur.PlainAttrs) == 0 && len(ur.LinkedAccounts) == 0
}

// AddsMemberships reports whether the request adds at least one group
// membership.
func (ur *UserUR) AddsMemberships() bool {
	for _, m := range ur.Memberships {
		if m.Operation == PatchAddReplace {
			return true
		}
	}
	return false
}

// UserTO is the transfer projection of a user. It never carries the
// password hash.
type UserTO struct {
	Key                string              `json:"key"`
	Username           string              `json:"username"`
	Realm              string              `json:"realm"`
	Status             string              `json:"status,omitempty"`
	Suspended          *bool               `json:"suspended,omitempty"`
	MustChangePassword bool                `json:"mustChangePassword"`
	Resources          []string            `json:"resources,omitempty"`
	Memberships        []string            `json:"memberships,omitempty"`
	Roles              []string            `json:"roles,omitempty"`
	PlainAttrs         map[string][]string `json:"plainAttrs,omitempty"`
	LinkedAccounts     []LinkedAccount     `json:"linkedAccounts,omitempty"`
	CreationDate       time.Time           `json:"creationDate"`
	Creator            string              `json:"creator,omitempty"`
	LastChangeDate     time.Time           `json:"lastChangeDate"`
	LastModifier       string              `json:"lastModifier,omitempty"`
}
