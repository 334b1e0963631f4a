package user

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tendant/simple-idm-workflow/pkg/errors"
)

func TestCheckPasswordComplexity(t *testing.T) {
	checker := NewDefaultPasswordPolicyChecker(nil, nil)

	tests := []struct {
		name     string
		password string
		valid    bool
	}{
		{"valid", "Str0ng!Pass", true},
		{"too short", "S0!a", false},
		{"no uppercase", "str0ng!pass", false},
		{"no lowercase", "STR0NG!PASS", false},
		{"no digit", "Strong!Pass", false},
		{"no special", "Str0ngPass1", false},
		{"repeated", "Str0ng!Paaas", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checker.CheckPasswordComplexity(tt.password)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.IsCode(err, errors.ErrCodePasswordComplexity))
		})
	}
}

func TestCommonPasswordRejected(t *testing.T) {
	checker := NewDefaultPasswordPolicyChecker(&PasswordPolicy{DisallowCommonPwds: true}, nil)
	assert.Error(t, checker.CheckPasswordComplexity("Password"))
	assert.NoError(t, checker.CheckPasswordComplexity("correct-horse"))
}

func TestNoOpPolicy(t *testing.T) {
	checker := NewDefaultPasswordPolicyChecker(NoOpPasswordPolicy(), nil)
	assert.NoError(t, checker.CheckPasswordComplexity("a"))
}
