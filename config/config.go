package config

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/compute/metadata"
	"github.com/ilyakaznacheev/cleanenv"
)

// Functions configures the deployed remote procedures.
type Functions struct {
	ProjectID        string `env:"GOOGLE_CLOUD_PROJECT"`
	StorageBucket    string `env:"STORAGE_BUCKET"`
	LogLevel         string `env:"LOG_LEVEL" env-default:"info"`
	MaxMessageLength int    `env:"MAX_MESSAGE_LENGTH" env-default:"4000"`
	PreviewLength    int    `env:"PUSH_PREVIEW_LENGTH" env-default:"120"`
}

// Client configures the terminal client.
type Client struct {
	APIKey          string        `env:"FIREBASE_API_KEY" env-required:"true"`
	ProjectID       string        `env:"FIREBASE_PROJECT_ID" env-required:"true"`
	StorageBucket   string        `env:"FIREBASE_STORAGE_BUCKET" env-required:"true"`
	FunctionsRegion string        `env:"FUNCTIONS_REGION" env-default:"us-central1"`
	FunctionsURL    string        `env:"FUNCTIONS_URL"`
	MessageLimit    int           `env:"MESSAGE_LIMIT" env-default:"50"`
	Timeout         time.Duration `env:"REQUEST_TIMEOUT" env-default:"15s"`
}

func LoadFunctions(ctx context.Context) (*Functions, error) {
	const op = "config.LoadFunctions"

	cfg := &Functions{}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if cfg.ProjectID == "" && metadata.OnGCE() {
		projectID, err := metadata.ProjectIDWithContext(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		cfg.ProjectID = projectID
	}
	if cfg.StorageBucket == "" && cfg.ProjectID != "" {
		cfg.StorageBucket = cfg.ProjectID + ".appspot.com"
	}
	if cfg.MaxMessageLength <= 0 {
		return nil, fmt.Errorf("%s: MAX_MESSAGE_LENGTH must be positive", op)
	}
	return cfg, nil
}

func LoadClient() (*Client, error) {
	const op = "config.LoadClient"

	cfg := &Client{}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if cfg.APIKey == "" || cfg.ProjectID == "" || cfg.StorageBucket == "" {
		return nil, fmt.Errorf("%s: FIREBASE_API_KEY, FIREBASE_PROJECT_ID and FIREBASE_STORAGE_BUCKET must be set", op)
	}
	if cfg.FunctionsURL == "" {
		cfg.FunctionsURL = fmt.Sprintf("https://%s-%s.cloudfunctions.net", cfg.FunctionsRegion, cfg.ProjectID)
	}
	if cfg.MessageLimit <= 0 {
		return nil, fmt.Errorf("%s: MESSAGE_LIMIT must be positive", op)
	}
	return cfg, nil
}
