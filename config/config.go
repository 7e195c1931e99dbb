package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config is the root configuration loaded from config.yaml, with database
// credentials optionally overridden from the environment (.env supported).
type Config struct {
	Http struct {
		Port    int           `yaml:"port"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"http"`
	Database struct {
		Driver   string `yaml:"driver"` // "sqlite3" or "postgres"
		Path     string `yaml:"path"`   // sqlite file path
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"name"`
	} `yaml:"database"`
	Model struct {
		Path        string  `yaml:"path"`
		Trees       int     `yaml:"trees"`
		MaxDepth    int     `yaml:"max_depth"`
		MinLeaf     int     `yaml:"min_leaf"`
		TestRatio   float64 `yaml:"test_ratio"`
		Seed        int64   `yaml:"seed"`
		MinRows     int     `yaml:"min_rows"`
		WatchReload bool    `yaml:"watch_reload"`
	} `yaml:"model"`
	Log struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"log"`
}

// Load reads the yaml config at path and applies environment overrides.
// A .env file next to the working directory is honored when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	cfg := defaults()
	if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnv(cfg)
	return cfg, nil
}

func defaults() *Config {
	cfg := &Config{}
	cfg.Http.Port = 8080
	cfg.Http.Timeout = 30 * time.Second
	cfg.Database.Driver = "sqlite3"
	cfg.Database.Path = "./data/attendance.db"
	cfg.Database.Port = 5432
	cfg.Model.Path = "./models/attendance.model"
	cfg.Model.Trees = 150
	cfg.Model.MaxDepth = 12
	cfg.Model.MinLeaf = 5
	cfg.Model.TestRatio = 0.25
	cfg.Model.Seed = 42
	cfg.Model.MinRows = 10
	cfg.Model.WatchReload = true
	cfg.Log.Level = "info"
	cfg.Log.MaxSizeMB = 50
	cfg.Log.MaxBackups = 5
	cfg.Log.MaxAgeDays = 14
	return cfg
}

// applyEnv lets deployment environments override database settings without
// editing config.yaml. Credentials in particular should come from the env.
func applyEnv(cfg *Config) {
	if v := os.Getenv("DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = p
		}
	}
	if v := os.Getenv("DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("MODEL_PATH"); v != "" {
		cfg.Model.Path = v
	}
}

// DSN builds the driver-specific connection string.
func (c *Config) DSN() string {
	if c.Database.Driver == "postgres" {
		return fmt.Sprintf("postgresql://%s:%s@%s:%d/%s?sslmode=disable",
			c.Database.User, c.Database.Password, c.Database.Host, c.Database.Port, c.Database.Name)
	}
	return c.Database.Path
}
