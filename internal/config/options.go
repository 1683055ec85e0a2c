package config

import (
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Options holds process-level settings taken from the environment. The
// consumer's behavior is driven by the JSON config file; these only control
// where that file lives and how the process itself presents (logging, the
// health/metrics listener).
type Options struct {
	ConfigPath string `env:"CONFIG_PATH" envDefault:"etc/config.json"`
	HTTPAddr   string `env:"HTTP_ADDR" envDefault:":9090"`
	LogLevel   string `env:"LOG_LEVEL"`
	LogFormat  string `env:"LOG_FORMAT" envDefault:"json"`
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile    string
	ConfigPath string
	HTTPAddr   string
	LogLevel   string
}

// LoadOptions reads process options from .env file, environment variables,
// and CLI overrides. Priority: CLI flags > environment variables > .env file
// > struct defaults.
func LoadOptions(overrides Overrides) (*Options, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	opts := &Options{}
	if err := env.Parse(opts); err != nil {
		return nil, err
	}

	if overrides.ConfigPath != "" {
		opts.ConfigPath = overrides.ConfigPath
	}
	if overrides.HTTPAddr != "" {
		opts.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		opts.LogLevel = overrides.LogLevel
	}

	return opts, nil
}
