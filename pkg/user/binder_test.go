package user

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-idm-workflow/pkg/errors"
	"github.com/tendant/simple-idm-workflow/pkg/propagation"
)

func TestDataBinder_Create(t *testing.T) {
	b := NewDataBinder()

	u, err := b.Create(&UserCR{
		Username:    "vivaldi",
		Password:    "password123",
		Resources:   []string{"ldap", "csv", "ldap"},
		Memberships: []string{"staff"},
		PlainAttrs:  map[string][]string{"email": {"vivaldi@example.com"}},
	}, true, "admin", "REST")
	require.NoError(t, err)

	assert.NotEmpty(t, u.Key)
	assert.Equal(t, "/", u.Realm)
	assert.Equal(t, []string{"ldap", "csv"}, u.Resources)
	assert.Equal(t, "admin", u.Creator)
	assert.True(t, u.CheckPassword("password123"))
	assert.NotEqual(t, "password123", u.PasswordHash)

	noPwd, err := b.Create(&UserCR{Username: "tartini", Password: "secret"}, false, "admin", "REST")
	require.NoError(t, err)
	assert.Empty(t, noPwd.PasswordHash)
}

func TestDataBinder_CreateValidation(t *testing.T) {
	b := NewDataBinder()

	_, err := b.Create(&UserCR{Username: "a:b"}, false, "admin", "REST")
	assert.True(t, errors.IsCode(err, errors.ErrCodeValidationFailed))

	_, err = b.Create(&UserCR{Username: "ok-name", Realm: "noslash"}, false, "admin", "REST")
	assert.True(t, errors.IsCode(err, errors.ErrCodeValidationFailed))
}

func TestDataBinder_GetUserTO(t *testing.T) {
	b := NewDataBinder()
	u := newTestUser("corelli", "ldap")
	u.PasswordHash = "hash"

	to := b.GetUserTO(u, false)
	assert.Equal(t, u.Key, to.Key)
	assert.Equal(t, []string{"ldap"}, to.Resources)
	assert.Nil(t, to.LinkedAccounts)

	full := b.GetUserTO(u, true)
	assert.Len(t, full.LinkedAccounts, 1)

	// the projection does not alias the entity
	to.Resources[0] = "other"
	assert.Equal(t, "ldap", u.Resources[0])
}

func TestDataBinder_Update(t *testing.T) {
	b := NewDataBinder()
	u := newTestUser("albinoni", "ldap", "csv")

	newName := "albinoni2"
	propByRes, propByLA, err := b.Update(u, &UserUR{
		Key:      u.Key,
		Username: &newName,
		Resources: []StringPatch{
			{Operation: PatchAddReplace, Value: "db"},
			{Operation: PatchDelete, Value: "csv"},
		},
		Password: &PasswordPatch{Value: "newPassword123", Local: true},
		LinkedAccounts: []LinkedAccountPatch{
			{Operation: PatchDelete, Account: LinkedAccount{Resource: "ldap", ConnObjectKeyValue: "uid=albinoni"}},
			{Operation: PatchAddReplace, Account: LinkedAccount{Resource: "db", ConnObjectKeyValue: "42"}},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "albinoni2", u.Username)
	assert.ElementsMatch(t, []string{"ldap", "db"}, u.Resources)
	assert.True(t, u.CheckPassword("newPassword123"))

	assert.Equal(t, []string{"db"}, propagation.SortedResources(propByRes, propagation.Create))
	assert.Equal(t, []string{"csv"}, propagation.SortedResources(propByRes, propagation.Delete))
	assert.Equal(t, []string{"ldap"}, propagation.SortedResources(propByRes, propagation.Update))

	assert.True(t, propByLA.Contains(propagation.Delete, propagation.LinkedAccountRef{Resource: "ldap", ConnObjectKeyValue: "uid=albinoni"}))
	assert.True(t, propByLA.Contains(propagation.Create, propagation.LinkedAccountRef{Resource: "db", ConnObjectKeyValue: "42"}))
}

func TestDataBinder_UpdateMemberships(t *testing.T) {
	b := NewDataBinder()
	u := newTestUser("locatelli", "ldap")
	u.Memberships = []string{"staff"}

	ur := &UserUR{Key: u.Key, Memberships: []StringPatch{
		{Operation: PatchAddReplace, Value: "additional"},
		{Operation: PatchDelete, Value: "staff"},
	}}
	assert.True(t, ur.AddsMemberships())
	assert.False(t, ur.IsEmpty())

	propByRes, _, err := b.Update(u, ur)
	require.NoError(t, err)
	assert.Equal(t, []string{"additional"}, u.Memberships)
	assert.Equal(t, []string{"ldap"}, propagation.SortedResources(propByRes, propagation.Update))

	_, _, err = b.Update(u, &UserUR{})
	assert.True(t, errors.IsCode(err, errors.ErrCodeValidationFailed))
}

func TestUserToken(t *testing.T) {
	u := newTestUser("geminiani")
	assert.False(t, u.CheckToken(""))

	u.GenerateToken("abc", time.Hour)
	assert.True(t, u.CheckToken("abc"))
	assert.False(t, u.CheckToken("abd"))
	assert.False(t, u.HasTokenExpired())

	u.GenerateToken("abc", -time.Minute)
	assert.False(t, u.CheckToken("abc"))
	assert.True(t, u.HasTokenExpired())

	u.RemoveToken()
	assert.Empty(t, u.Token)
	assert.Nil(t, u.TokenExpireTime)
}
