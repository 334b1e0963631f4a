package user

import (
	"regexp"
	"strings"

	"github.com/tendant/simple-idm-workflow/pkg/errors"
)

// PasswordPolicy defines the requirements for password complexity
type PasswordPolicy struct {
	MinLength          int
	RequireUppercase   bool
	RequireLowercase   bool
	RequireDigit       bool
	RequireSpecialChar bool
	DisallowCommonPwds bool
	MaxRepeatedChars   int
}

// PasswordPolicyChecker checks a password before it is set on a user.
type PasswordPolicyChecker interface {
	CheckPasswordComplexity(password string) error
}

var (
	upperRe   = regexp.MustCompile(`[A-Z]`)
	lowerRe   = regexp.MustCompile(`[a-z]`)
	digitRe   = regexp.MustCompile(`[0-9]`)
	specialRe = regexp.MustCompile(`[^a-zA-Z0-9]`)
)

// DefaultPasswordPolicyChecker implements PasswordPolicyChecker
type DefaultPasswordPolicyChecker struct {
	policy          *PasswordPolicy
	commonPasswords map[string]bool
}

// NewDefaultPasswordPolicyChecker creates a checker. A nil policy uses
// DefaultPasswordPolicy and nil commonPasswords a small built-in list.
func NewDefaultPasswordPolicyChecker(policy *PasswordPolicy, commonPasswords map[string]bool) *DefaultPasswordPolicyChecker {
	if policy == nil {
		policy = DefaultPasswordPolicy()
	}
	if commonPasswords == nil {
		commonPasswords = defaultCommonPasswords()
	}
	return &DefaultPasswordPolicyChecker{
		policy:          policy,
		commonPasswords: commonPasswords,
	}
}

// CheckPasswordComplexity verifies that a password meets the complexity requirements
func (pc *DefaultPasswordPolicyChecker) CheckPasswordComplexity(password string) error {
	p := pc.policy
	if len(password) < p.MinLength {
		return complexity("password must be at least %d characters long", p.MinLength)
	}
	if p.RequireUppercase && !upperRe.MatchString(password) {
		return complexity("password must contain at least one uppercase letter")
	}
	if p.RequireLowercase && !lowerRe.MatchString(password) {
		return complexity("password must contain at least one lowercase letter")
	}
	if p.RequireDigit && !digitRe.MatchString(password) {
		return complexity("password must contain at least one digit")
	}
	if p.RequireSpecialChar && !specialRe.MatchString(password) {
		return complexity("password must contain at least one special character")
	}
	if p.DisallowCommonPwds && pc.commonPasswords[strings.ToLower(password)] {
		return complexity("password is too common, please choose a more secure password")
	}
	if p.MaxRepeatedChars > 0 && hasRepeatedChars(password, p.MaxRepeatedChars) {
		return complexity("password cannot contain more than %d consecutive repeated characters", p.MaxRepeatedChars)
	}
	return nil
}

func (pc *DefaultPasswordPolicyChecker) GetPolicy() *PasswordPolicy {
	return pc.policy
}

func complexity(format string, args ...interface{}) error {
	return errors.Newf(errors.ErrCodePasswordComplexity, format, args...)
}

func hasRepeatedChars(password string, maxRepeated int) bool {
	for i := 0; i < len(password)-maxRepeated+1; i++ {
		if strings.Count(password[i:i+maxRepeated], string(password[i])) == maxRepeated {
			return true
		}
	}
	return false
}

// DefaultPasswordPolicy returns a default password policy
func DefaultPasswordPolicy() *PasswordPolicy {
	return &PasswordPolicy{
		MinLength:          8,
		RequireUppercase:   true,
		RequireLowercase:   true,
		RequireDigit:       true,
		RequireSpecialChar: true,
		DisallowCommonPwds: true,
		MaxRepeatedChars:   3,
	}
}

// NoOpPasswordPolicy accepts any password.
func NoOpPasswordPolicy() *PasswordPolicy {
	return &PasswordPolicy{}
}

func defaultCommonPasswords() map[string]bool {
	common := []string{
		"password", "123456", "12345678", "qwerty", "admin",
		"welcome", "login", "abc123", "letmein", "monkey",
	}
	result := make(map[string]bool, len(common))
	for _, pwd := range common {
		result[pwd] = true
	}
	return result
}
