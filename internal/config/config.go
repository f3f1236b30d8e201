// Package config содержит логику чтения конфигурации сервиса вознаграждений репетиторов.
package config

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultRunAddress        = "localhost:8080"
	defaultStoreTimeout      = 5 * time.Second
	defaultReconcileInterval = time.Minute
	defaultCORSOrigins       = "*"
)

// Config содержит параметры конфигурации сервиса вознаграждений.
// Пустой DatabaseURI включает хранилище в памяти.
type Config struct {
	RunAddress        string        `env:"RUN_ADDRESS"`
	DatabaseURI       string        `env:"DATABASE_URI"`
	NotifierAddress   string        `env:"NOTIFIER_ADDRESS"`
	StoreTimeout      time.Duration `env:"STORE_TIMEOUT"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL"`
	CORSOrigins       []string      `env:"CORS_ORIGINS" envSeparator:","`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envCfg := *cfg

	var origins string
	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.NotifierAddress, "n", "", "achievement notifier address")
	flag.DurationVar(&cfg.StoreTimeout, "t", defaultStoreTimeout, "timeout of one unit of work against the store")
	flag.DurationVar(&cfg.ReconcileInterval, "i", defaultReconcileInterval, "rate reconciliation interval")
	flag.StringVar(&origins, "o", defaultCORSOrigins, "comma separated list of allowed CORS origins")

	flag.Parse()

	cfg.CORSOrigins = splitList(origins)

	if envCfg.RunAddress != "" {
		cfg.RunAddress = envCfg.RunAddress
	}
	if envCfg.DatabaseURI != "" {
		cfg.DatabaseURI = envCfg.DatabaseURI
	}
	if envCfg.NotifierAddress != "" {
		cfg.NotifierAddress = envCfg.NotifierAddress
	}
	if envCfg.StoreTimeout > 0 {
		cfg.StoreTimeout = envCfg.StoreTimeout
	}
	if envCfg.ReconcileInterval > 0 {
		cfg.ReconcileInterval = envCfg.ReconcileInterval
	}
	if len(envCfg.CORSOrigins) > 0 {
		cfg.CORSOrigins = envCfg.CORSOrigins
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.StoreTimeout <= 0 {
		return nil, fmt.Errorf("store timeout must be positive, got %s", cfg.StoreTimeout)
	}
	if cfg.ReconcileInterval <= 0 {
		return nil, fmt.Errorf("reconcile interval must be positive, got %s", cfg.ReconcileInterval)
	}

	return cfg, nil
}

func splitList(v string) []string {
	var res []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			res = append(res, p)
		}
	}
	return res
}
