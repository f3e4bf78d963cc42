package config

import "time"

// AuthConfig configures the HTTP surface's auth mode (spec §6.5):
// disabled, remote (localhost bypass), or always.
type AuthConfig struct {
	Mode        string         `yaml:"mode"`
	JWTSecret   string         `yaml:"jwt_secret"`
	TokenExpiry time.Duration  `yaml:"token_expiry"`
	APIKeys     []APIKeyConfig `yaml:"api_keys"`
}

type APIKeyConfig struct {
	Key    string `yaml:"key"`
	UserID string `yaml:"user_id"`
	Email  string `yaml:"email"`
	Name   string `yaml:"name"`
}
