package config

import (
	"log/slog"

	"github.com/tendant/simple-idm-workflow/pkg/user"
)

// PasswordComplexityConfig holds the password policy enforced by the
// create, update and password reset steps.
type PasswordComplexityConfig struct {
	Enabled                 bool   `env:"PASSWORD_POLICY_ENABLED" env-default:"true"`
	RequiredDigit           bool   `env:"PASSWORD_COMPLEXITY_REQUIRE_DIGIT" env-default:"true"`
	RequiredLowercase       bool   `env:"PASSWORD_COMPLEXITY_REQUIRE_LOWERCASE" env-default:"true"`
	RequiredNonAlphanumeric bool   `env:"PASSWORD_COMPLEXITY_REQUIRE_NON_ALPHANUMERIC" env-default:"true"`
	RequiredUppercase       bool   `env:"PASSWORD_COMPLEXITY_REQUIRE_UPPERCASE" env-default:"true"`
	RequiredLength          int    `env:"PASSWORD_COMPLEXITY_REQUIRED_LENGTH" env-default:"8"`
	DisallowCommonPwds      bool   `env:"PASSWORD_COMPLEXITY_DISALLOW_COMMON_PWDS" env-default:"true"`
	MaxRepeatedChars        int    `env:"PASSWORD_COMPLEXITY_MAX_REPEATED_CHARS" env-default:"3"`
}

// ToPasswordPolicy converts the configuration to a user.PasswordPolicy
func (c *PasswordComplexityConfig) ToPasswordPolicy() *user.PasswordPolicy {
	if c == nil {
		return user.DefaultPasswordPolicy()
	}
	if !c.Enabled {
		return user.NoOpPasswordPolicy()
	}

	slog.Info("Password policy configuration",
		"enabled", c.Enabled,
		"minLength", c.RequiredLength,
		"maxRepeatedChars", c.MaxRepeatedChars,
	)

	return &user.PasswordPolicy{
		MinLength:          c.RequiredLength,
		RequireUppercase:   c.RequiredUppercase,
		RequireLowercase:   c.RequiredLowercase,
		RequireDigit:       c.RequiredDigit,
		RequireSpecialChar: c.RequiredNonAlphanumeric,
		DisallowCommonPwds: c.DisallowCommonPwds,
		MaxRepeatedChars:   c.MaxRepeatedChars,
	}
}
