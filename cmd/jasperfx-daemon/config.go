package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/JasperFx/jasperfx-sub002/core/events/daemon"
)

type config struct {
	DB          string     `env:"JASPERFX_DB"           envDefault:"jasperfx.db"`
	MetricsAddr string     `env:"JASPERFX_METRICS_ADDR" envDefault:":2112"`
	LogLevel    slog.Level `env:"JASPERFX_LOG_LEVEL"    envDefault:"info"`
	BatchSize   int        `env:"JASPERFX_BATCH_SIZE"   envDefault:"500"`
	DemoTrips   int        `env:"JASPERFX_DEMO_TRIPS"   envDefault:"25"`

	StaleThreshold time.Duration `env:"JASPERFX_STALE_THRESHOLD" envDefault:"3s"`
	SlowPolling    time.Duration `env:"JASPERFX_SLOW_POLLING"    envDefault:"1s"`
	FastPolling    time.Duration `env:"JASPERFX_FAST_POLLING"    envDefault:"250ms"`
	AgentPauseTime time.Duration `env:"JASPERFX_AGENT_PAUSE"     envDefault:"0s"`
	RebuildTimeout time.Duration `env:"JASPERFX_REBUILD_TIMEOUT" envDefault:"5m"`
}

func loadConfig() (config, error) {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	if cfg.BatchSize <= 0 {
		return cfg, fmt.Errorf("JASPERFX_BATCH_SIZE must be positive, got %d", cfg.BatchSize)
	}
	return cfg, nil
}

func (c config) settings() daemon.DaemonSettings {
	s := daemon.DefaultDaemonSettings()
	s.StaleSequenceThreshold = c.StaleThreshold
	s.SlowPollingTime = c.SlowPolling
	s.FastPollingTime = c.FastPolling
	s.AgentPauseTime = c.AgentPauseTime
	return s
}
