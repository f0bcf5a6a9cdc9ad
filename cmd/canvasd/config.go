package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds canvasd configuration. Environment variables provide the
// defaults and flags override them.
type Config struct {
	Addr          string        `env:"PIXELCANVAS_ADDR" envDefault:":8080"`
	DBPath        string        `env:"PIXELCANVAS_DB_PATH"` // Empty keeps the canvas in memory
	TokenSecret   string        `env:"PIXELCANVAS_TOKEN_SECRET"`
	Retention     time.Duration `env:"PIXELCANVAS_RETENTION" envDefault:"720h"`
	SweepInterval time.Duration `env:"PIXELCANVAS_SWEEP_INTERVAL" envDefault:"1s"`
	TokenTTL      time.Duration `env:"PIXELCANVAS_TOKEN_TTL" envDefault:"8760h"`
}

// parseConfig loads the environment, then applies flags from args.
func parseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "path to sqlite database (empty keeps the canvas in memory)")
	fs.DurationVar(&cfg.Retention, "retention", cfg.Retention, "how long a pixel lives after its last write")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "cleanup interval used when the schedule is first created")
	fs.DurationVar(&cfg.TokenTTL, "token-ttl", cfg.TokenTTL, "identity token lifetime (0 = never expires)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if cfg.Retention <= 0 {
		return Config{}, fmt.Errorf("retention must be positive, got %v", cfg.Retention)
	}
	if cfg.SweepInterval <= 0 {
		return Config{}, fmt.Errorf("sweep interval must be positive, got %v", cfg.SweepInterval)
	}
	if cfg.TokenTTL < 0 {
		return Config{}, fmt.Errorf("token ttl must not be negative, got %v", cfg.TokenTTL)
	}
	return cfg, nil
}
