package user

import (
	"context"
	"maps"
	"slices"
)

// UserRepository persists user entities. Find and FindByUsername return a
// NOT_FOUND error from pkg/errors when nothing matches.
type UserRepository interface {
	Save(ctx context.Context, u *User) (*User, error)
	Find(ctx context.Context, key string) (*User, error)
	FindByUsername(ctx context.Context, username string) (*User, error)
	FindAll(ctx context.Context) ([]*User, error)
	Delete(ctx context.Context, key string) error
	// FindAllResourceKeys returns the sorted keys of every resource the
	// user is assigned to.
	FindAllResourceKeys(ctx context.Context, key string) ([]string, error)
}

// clone deep-copies a user so repositories never share state with callers.
func clone(u *User) *User {
	c := *u
	if u.Suspended != nil {
		suspended := *u.Suspended
		c.Suspended = &suspended
	}
	if u.TokenExpireTime != nil {
		expire := *u.TokenExpireTime
		c.TokenExpireTime = &expire
	}
	c.Resources = slices.Clone(u.Resources)
	c.Memberships = slices.Clone(u.Memberships)
	c.Roles = slices.Clone(u.Roles)
	if u.PlainAttrs != nil {
		c.PlainAttrs = make(map[string][]string, len(u.PlainAttrs))
		for k, v := range maps.All(u.PlainAttrs) {
			c.PlainAttrs[k] = slices.Clone(v)
		}
	}
	c.LinkedAccounts = slices.Clone(u.LinkedAccounts)
	return &c
}

// Clone returns a deep copy of u.
func (u *User) Clone() *User {
	return clone(u)
}

func resourceKeys(u *User) []string {
	keys := slices.Clone(u.Resources)
	slices.Sort(keys)
	return slices.Compact(keys)
}
