package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is shared by runtime settings and CLI flag overrides.
const EnvPrefix = "SERVICEBAY"

// Env holds process settings and secrets that never live in the shop config.
type Env struct {
	DBDriver           string `envconfig:"DB_DRIVER" default:"sqlite"`
	DBDSN              string `envconfig:"DB_DSN"`
	JWTSecret          string `envconfig:"JWT_SECRET"`
	PaymentKeyID       string `envconfig:"PAYMENT_KEY_ID"`
	PaymentKeySecret   string `envconfig:"PAYMENT_KEY_SECRET"`
	RedisAddr          string `envconfig:"REDIS_ADDR"`
	LogLevel           string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat          string `envconfig:"LOG_FORMAT" default:"text"`
	AllowLegacyHeaders bool   `envconfig:"ALLOW_LEGACY_HEADERS"`
}

// LoadEnv reads SERVICEBAY_* variables.
func LoadEnv() (Env, error) {
	var env Env
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return Env{}, fmt.Errorf("load env: %w", err)
	}
	if env.LogFormat != "text" && env.LogFormat != "json" {
		return Env{}, fmt.Errorf("%s_LOG_FORMAT must be text or json", EnvPrefix)
	}
	return env, nil
}
