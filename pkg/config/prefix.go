package config

import "strings"

// PrefixConfig holds the mount points of the route groups, allowing API
// gateway routing and versioning.
//
// Example environment variables:
//
//	API_PREFIX_USER_REQUESTS=/api/v1/idm/user-requests
//	API_PREFIX_WORKFLOW=/api/v1/idm/workflow
type PrefixConfig struct {
	UserRequests string `env:"API_PREFIX_USER_REQUESTS" env-default:"/api/v1/idm/user-requests"` // Forms and requests of auxiliary processes
	Workflow     string `env:"API_PREFIX_WORKFLOW" env-default:"/api/v1/idm/workflow"`           // Definitions and user workflow tasks (admin)
}

// BuildPrefixesFromBase creates the prefixes under a single base path.
//
// Example:
//
//	prefixes := BuildPrefixesFromBase("/api/v2/idm")
//	// prefixes.Workflow == "/api/v2/idm/workflow"
func BuildPrefixesFromBase(basePath string) PrefixConfig {
	basePath = strings.TrimSuffix(basePath, "/")
	return PrefixConfig{
		UserRequests: basePath + "/user-requests",
		Workflow:     basePath + "/workflow",
	}
}

// validators checks that all prefix paths are non-empty and start with /
func (p PrefixConfig) validators() ValidationErrors {
	var errs ValidationErrors
	for name, prefix := range map[string]string{
		"API_PREFIX_USER_REQUESTS": p.UserRequests,
		"API_PREFIX_WORKFLOW":      p.Workflow,
	} {
		switch {
		case prefix == "":
			errs = append(errs, ValidationError{Field: name, Message: "is required"})
		case prefix[0] != '/':
			errs = append(errs, ValidationError{Field: name, Message: "must start with '/'"})
		}
	}
	return errs
}
