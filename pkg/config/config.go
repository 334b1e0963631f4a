// Package config holds the configuration of the workflow service.
//
// Every section is read from the environment with cleanenv struct tags:
//
//	var cfg config.Config
//	if err := config.Load(&cfg); err != nil {
//		...
//	}
package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/sosodev/duration"
	"github.com/tendant/simple-idm-workflow/pkg/event"
)

const (
	PersistenceInMemory = "inmem"
	PersistenceFile     = "file"
	PersistencePostgres = "postgres"
)

// WorkflowConfig configures the lifecycle workflow itself.
type WorkflowConfig struct {
	Domain         string `env:"WORKFLOW_DOMAIN" env-default:"Master"`
	AdminUser      string `env:"WORKFLOW_ADMIN_USER" env-default:"admin"`
	AdminRoles     string `env:"WORKFLOW_ADMIN_ROLES" env-default:"admin"`
	EncryptionKey  string `env:"WORKFLOW_ENCRYPTION_KEY" env-default:"change-me-workflow-encryption-key"`
	Persistence    string `env:"WORKFLOW_PERSISTENCE" env-default:"inmem"`
	DataDir        string `env:"WORKFLOW_DATA_DIR" env-default:"./data"`
	DefinitionFile string `env:"WORKFLOW_DEFINITION_FILE"`
	TokenTTL       string `env:"WORKFLOW_TOKEN_TTL" env-default:"P1D"`
	BaseURL        string `env:"BASE_URL" env-default:"http://localhost:4000"`
}

// ParseTokenTTL parses the validity of activation and reset tokens.
func (w WorkflowConfig) ParseTokenTTL() (time.Duration, error) {
	return parseDurationISO8601(w.TokenTTL)
}

// Roles splits AdminRoles.
func (w WorkflowConfig) Roles() []string {
	return splitAndTrim(w.AdminRoles, ",")
}

// NATSConfig configures the optional NATS event publisher.
type NATSConfig struct {
	Enabled       bool   `env:"NATS_ENABLED" env-default:"false"`
	URL           string `env:"NATS_URL" env-default:"nats://localhost:4222"`
	Username      string `env:"NATS_USERNAME"`
	Password      string `env:"NATS_PASSWORD"`
	Token         string `env:"NATS_TOKEN"`
	SubjectPrefix string `env:"NATS_SUBJECT_PREFIX" env-default:"idm"`
	MaxReconnect  int    `env:"NATS_MAX_RECONNECT" env-default:"10"`
	ReconnectWait string `env:"NATS_RECONNECT_WAIT" env-default:"PT2S"`
	Timeout       string `env:"NATS_TIMEOUT" env-default:"PT5S"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `env:"METRICS_ENABLED" env-default:"true"`
	Path    string `env:"METRICS_PATH" env-default:"/metrics"`
}

// Config is the whole service configuration.
type Config struct {
	Workflow WorkflowConfig
	Database DatabaseConfig
	Email    EmailConfig
	NATS     NATSConfig
	Metrics  MetricsConfig
	JWT      JWTConfig
	Password PasswordComplexityConfig
	Prefix   PrefixConfig
}

// Load reads cfg from the environment and validates it.
func Load(cfg *Config) error {
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return fmt.Errorf("failed to read configuration: %w", err)
	}
	return cfg.Validate()
}

// Validate checks the settings the service cannot start without.
func (c *Config) Validate() error {
	return Validate(
		func() ValidationErrors {
			return CollectErrors(
				RequireNonEmpty("WORKFLOW_DOMAIN", c.Workflow.Domain),
				RequireNonEmpty("WORKFLOW_ADMIN_USER", c.Workflow.AdminUser),
				RequireMinLength("WORKFLOW_ENCRYPTION_KEY", c.Workflow.EncryptionKey, 16),
				RequireOneOf("WORKFLOW_PERSISTENCE", c.Workflow.Persistence,
					[]string{PersistenceInMemory, PersistenceFile, PersistencePostgres}),
				RequireISO8601("WORKFLOW_TOKEN_TTL", c.Workflow.TokenTTL),
				RequireValidURL("BASE_URL", c.Workflow.BaseURL),
			)
		},
		func() ValidationErrors {
			if c.Workflow.Persistence != PersistenceFile {
				return nil
			}
			return CollectErrors(RequireNonEmpty("WORKFLOW_DATA_DIR", c.Workflow.DataDir))
		},
		func() ValidationErrors {
			if c.Workflow.Persistence != PersistencePostgres {
				return nil
			}
			return CollectErrors(
				RequireNonEmpty("WORKFLOW_PG_HOST", c.Database.Host),
				RequireValidPort("WORKFLOW_PG_PORT", c.Database.Port),
				RequireNonEmpty("WORKFLOW_PG_DATABASE", c.Database.Database),
			)
		},
		func() ValidationErrors {
			if !c.NATS.Enabled {
				return nil
			}
			return CollectErrors(
				RequireValidURL("NATS_URL", c.NATS.URL),
				RequireISO8601("NATS_RECONNECT_WAIT", c.NATS.ReconnectWait),
				RequireISO8601("NATS_TIMEOUT", c.NATS.Timeout),
			)
		},
		func() ValidationErrors {
			return CollectErrors(
				RequireMinLength("JWT_SECRET", c.JWT.Secret, 16),
				RequireOneOf("JWT_ALGORITHM", c.JWT.Algorithm, []string{"HS256", "HS384", "HS512"}),
				WhenSet(c.Workflow.DefinitionFile, func() *ValidationError {
					return RequireFile("WORKFLOW_DEFINITION_FILE", c.Workflow.DefinitionFile)
				}),
			)
		},
		c.Prefix.validators,
	)
}

// parseDurationISO8601 parses ISO 8601 durations such as "P1D" or "PT15M".
func parseDurationISO8601(s string) (time.Duration, error) {
	d, err := duration.Parse(s)
	if err != nil {
		return 0, fmt.Errorf("invalid ISO 8601 duration %q: %w", s, err)
	}
	return d.ToTimeDuration(), nil
}

// MustParseDuration is parseDurationISO8601 for values Validate accepted.
func MustParseDuration(s string) time.Duration {
	d, err := parseDurationISO8601(s)
	if err != nil {
		panic(err)
	}
	return d
}

// ToEventConfig converts the config to an event.NATSConfig.
func (n NATSConfig) ToEventConfig() event.NATSConfig {
	return event.NATSConfig{
		URL:           n.URL,
		Username:      n.Username,
		Password:      n.Password,
		Token:         n.Token,
		SubjectPrefix: n.SubjectPrefix,
		MaxReconnect:  n.MaxReconnect,
		ReconnectWait: MustParseDuration(n.ReconnectWait),
		Timeout:       MustParseDuration(n.Timeout),
	}
}
