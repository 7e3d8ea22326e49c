package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config represents runtime configuration for the service.
type Config struct {
	Server        ServerConfig              `json:"server"`
	Databases     map[string]DatabaseConfig `json:"databases"`
	Redis         RedisConfig               `json:"redis"`
	Collaborators CollaboratorConfig        `json:"collaborators"`
	Pruner        PrunerConfig              `json:"pruner"`
}

type ServerConfig struct {
	Address       string `json:"address"`
	TokenTTLHours int    `json:"token_ttl_hours"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// CollaboratorConfig points at the external summarization and query services.
type CollaboratorConfig struct {
	TitleURL       string `json:"title_url"`
	QueryURL       string `json:"query_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type PrunerConfig struct {
	IntervalMinutes int `json:"interval_minutes"`
	GraceMinutes    int `json:"grace_minutes"`
	PageSize        int `json:"page_size"`
}

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if len(cfg.Databases) == 0 {
		return nil, fmt.Errorf("at least one database must be configured")
	}

	return &cfg, nil
}
