package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port            string        `mapstructure:"PORT"`
	Env             string        `mapstructure:"ENV"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32         `mapstructure:"DB_MIN_CONNS"`
	MatchPolicyFile string        `mapstructure:"MATCH_POLICY_FILE"`
	ScoringWorkers  int           `mapstructure:"SCORING_WORKERS"`
	ScoringInterval time.Duration `mapstructure:"SCORING_INTERVAL"`
	ScoringTimeout  time.Duration `mapstructure:"SCORING_TIMEOUT"`
	CORSOrigins     []string      `mapstructure:"CORS_ORIGINS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("MATCH_POLICY_FILE", "./match_policy.yaml")
	v.SetDefault("SCORING_WORKERS", 4)
	v.SetDefault("SCORING_INTERVAL", "5m")
	v.SetDefault("SCORING_TIMEOUT", "10m")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("MATCH_POLICY_FILE")
	v.BindEnv("SCORING_WORKERS")
	v.BindEnv("SCORING_INTERVAL")
	v.BindEnv("SCORING_TIMEOUT")
	v.BindEnv("CORS_ORIGINS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is safe to run. The scoring policy
// file itself is validated separately when loaded; this covers the runtime
// knobs that would otherwise fail deep inside the batch job.
func (c *Config) Validate() error {
	if c.ScoringWorkers < 1 {
		return fmt.Errorf("SCORING_WORKERS must be at least 1, got %d", c.ScoringWorkers)
	}
	if c.ScoringInterval < time.Second {
		return fmt.Errorf("SCORING_INTERVAL must be at least 1s, got %s", c.ScoringInterval)
	}
	if c.ScoringTimeout < time.Second {
		return fmt.Errorf("SCORING_TIMEOUT must be at least 1s, got %s", c.ScoringTimeout)
	}
	return nil
}
