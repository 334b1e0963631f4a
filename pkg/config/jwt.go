package config

// JWTConfig holds the settings used to verify access tokens. Tokens are
// issued elsewhere; the subject claim names the acting user.
type JWTConfig struct {
	Secret    string `env:"JWT_SECRET" env-default:"very-secure-jwt-secret"`
	Algorithm string `env:"JWT_ALGORITHM" env-default:"HS256"`
}
