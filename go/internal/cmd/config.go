package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the server configuration file. Database settings come from DB_*
// environment variables instead (see dbconfig).
type Config struct {
	Server struct {
		Port           string   `yaml:"port"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"server"`

	NATS struct {
		Enabled       bool          `yaml:"enabled"`
		URL           string        `yaml:"url"`
		StreamName    string        `yaml:"stream_name"`
		SubjectPrefix string        `yaml:"subject_prefix"`
		ReconnectWait time.Duration `yaml:"reconnect_wait"`
	} `yaml:"nats"`
}

func defaultConfig() *Config {
	var cfg Config
	cfg.Server.Port = getEnv("PORT", "8080")
	cfg.Server.AllowedOrigins = []string{"*"}
	cfg.NATS.URL = "nats://localhost:4222"
	cfg.NATS.StreamName = "QUIZ_EVENTS"
	cfg.NATS.SubjectPrefix = "quiz.events"
	cfg.NATS.ReconnectWait = 2 * time.Second
	return &cfg
}

func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Server.Port == "" {
		cfg.Server.Port = getEnv("PORT", "8080")
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
