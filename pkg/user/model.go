package user

import (
	"slices"
	"time"

	"github.com/tendant/simple-idm-workflow/pkg/propagation"
	"golang.org/x/crypto/bcrypt"
)

// LinkedAccount is an account of the user on an external resource that is
// managed alongside the main account.
type LinkedAccount struct {
	Resource           string `json:"resource" validate:"required"`
	ConnObjectKeyValue string `json:"connObjectKeyValue" validate:"required"`
	Username           string `json:"username,omitempty"`
	Suspended          *bool  `json:"suspended,omitempty"`
}

// Ref returns the propagation key of the linked account.
func (a LinkedAccount) Ref() propagation.LinkedAccountRef {
	return propagation.LinkedAccountRef{Resource: a.Resource, ConnObjectKeyValue: a.ConnObjectKeyValue}
}

// User is the persistent user entity.
type User struct {
	Key                string              `json:"key"`
	Username           string              `json:"username"`
	Realm              string              `json:"realm"`
	Status             string              `json:"status,omitempty"`
	Suspended          *bool               `json:"suspended,omitempty"`
	PasswordHash       string              `json:"passwordHash,omitempty"`
	MustChangePassword bool                `json:"mustChangePassword"`
	Token              string              `json:"token,omitempty"`
	TokenExpireTime    *time.Time          `json:"tokenExpireTime,omitempty"`
	Resources          []string            `json:"resources,omitempty"`
	Memberships        []string            `json:"memberships,omitempty"`
	Roles              []string            `json:"roles,omitempty"`
	PlainAttrs         map[string][]string `json:"plainAttrs,omitempty"`
	LinkedAccounts     []LinkedAccount     `json:"linkedAccounts,omitempty"`
	CreationDate       time.Time           `json:"creationDate"`
	Creator            string              `json:"creator,omitempty"`
	CreationContext    string              `json:"creationContext,omitempty"`
	LastChangeDate     time.Time           `json:"lastChangeDate"`
	LastModifier       string              `json:"lastModifier,omitempty"`
	LastChangeContext  string              `json:"lastChangeContext,omitempty"`
}

// SetPassword stores the bcrypt hash of password.
func (u *User) SetPassword(password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.PasswordHash = string(hash)
	return nil
}

// CheckPassword reports whether password matches the stored hash.
func (u *User) CheckPassword(password string) bool {
	if u.PasswordHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
}

// GenerateToken sets a token valid for ttl.
func (u *User) GenerateToken(token string, ttl time.Duration) {
	expire := time.Now().UTC().Add(ttl)
	u.Token = token
	u.TokenExpireTime = &expire
}

// CheckToken reports whether token matches and has not expired.
func (u *User) CheckToken(token string) bool {
	if u.Token == "" || u.Token != token {
		return false
	}
	return u.TokenExpireTime == nil || time.Now().UTC().Before(*u.TokenExpireTime)
}

// HasTokenExpired reports whether a token is set and past its expiry.
func (u *User) HasTokenExpired() bool {
	return u.TokenExpireTime != nil && !time.Now().UTC().Before(*u.TokenExpireTime)
}

// RemoveToken clears token and expiry.
func (u *User) RemoveToken() {
	u.Token = ""
	u.TokenExpireTime = nil
}

// IsSuspended reports the suspended flag, false when unset.
func (u *User) IsSuspended() bool {
	return u.Suspended != nil && *u.Suspended
}

// SetSuspended sets the suspended flag.
func (u *User) SetSuspended(suspended bool) {
	u.Suspended = &suspended
}

// Email returns the first value of the email attribute.
func (u *User) Email() string {
	if v := u.PlainAttrs["email"]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// LinkedAccount finds a linked account by resource and object key.
func (u *User) LinkedAccount(resource, connObjectKeyValue string) (LinkedAccount, bool) {
	i := slices.IndexFunc(u.LinkedAccounts, func(a LinkedAccount) bool {
		return a.Resource == resource && a.ConnObjectKeyValue == connObjectKeyValue
	})
	if i < 0 {
		return LinkedAccount{}, false
	}
	return u.LinkedAccounts[i], true
}
