package config

import (
	"fmt"
	"log/slog"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// fromEnv builds a layer from REMORA_-prefixed environment variables. A
// .env file in the working directory is loaded first; real environment
// variables win over it.
func fromEnv() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, relying on environment variables")
	}

	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "REMORA_"}); err != nil {
		return nil, fmt.Errorf("config: reading environment: %w", err)
	}
	return cfg, nil
}
