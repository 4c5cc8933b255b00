package app

import (
	"fmt"
	"strings"
	"time"

	"remindd/internal/config"
	"remindd/internal/notify"
	"remindd/internal/observability/pprof"
	"remindd/internal/server"
	"remindd/internal/storage"
	"remindd/internal/sweep"
)

// The map* helpers translate the string-typed config file sections into
// component configs. Each one validates as it parses so the config watcher
// can reject a bad hot-reload before anything is applied.

func mapServerConfig(cfg *config.Config) (server.Config, error) {
	if cfg == nil {
		return server.Config{}, nil
	}
	rt, err := config.ParseDurationField("server.read_timeout", cfg.Server.ReadTimeout)
	if err != nil {
		return server.Config{}, err
	}
	wt, err := config.ParseDurationField("server.write_timeout", cfg.Server.WriteTimeout)
	if err != nil {
		return server.Config{}, err
	}
	it, err := config.ParseDurationField("server.idle_timeout", cfg.Server.IdleTimeout)
	if err != nil {
		return server.Config{}, err
	}
	tokens := make([]server.APIToken, 0, len(cfg.Server.APITokens))
	for i, t := range cfg.Server.APITokens {
		if strings.TrimSpace(t.Token) == "" {
			return server.Config{}, fmt.Errorf("server.api_tokens[%d]: token is empty", i)
		}
		if strings.TrimSpace(t.Caller) == "" {
			return server.Config{}, fmt.Errorf("server.api_tokens[%d]: caller is empty", i)
		}
		tokens = append(tokens, server.APIToken{Token: t.Token, Caller: t.Caller})
	}
	return server.Config{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  rt,
		WriteTimeout: wt,
		IdleTimeout:  it,
		APITokens:    tokens,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil {
		return storage.Config{}, nil
	}
	bt, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: bt,
	}, nil
}

func mapSweepConfig(cfg *config.Config) (sweep.Config, error) {
	if cfg == nil {
		return sweep.Config{}, nil
	}
	cadence, err := config.ParseDurationOrDefault("sweep.cadence", cfg.Sweep.Cadence, time.Minute)
	if err != nil {
		return sweep.Config{}, err
	}
	taskTimeout, err := config.ParseDurationOrDefault("sweep.task_timeout", cfg.Sweep.TaskTimeout, 30*time.Second)
	if err != nil {
		return sweep.Config{}, err
	}
	if cfg.Sweep.Workers < 0 {
		return sweep.Config{}, fmt.Errorf("sweep.workers must be >= 0")
	}
	if cfg.Sweep.HistorySize < 0 {
		return sweep.Config{}, fmt.Errorf("sweep.history_size must be >= 0")
	}
	return sweep.Config{
		Enabled:     cfg.Sweep.Enabled,
		Cadence:     cadence,
		Workers:     cfg.Sweep.Workers,
		HistorySize: cfg.Sweep.HistorySize,
		TaskTimeout: taskTimeout,
	}, nil
}

func mapNotifyConfig(cfg *config.Config) (notify.Config, error) {
	if cfg == nil {
		return notify.Config{}, nil
	}
	retryBase, err := config.ParseDurationField("notify.retry_base", cfg.Notify.RetryBase)
	if err != nil {
		return notify.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationField("notify.retry_max_delay", cfg.Notify.RetryMaxDelay)
	if err != nil {
		return notify.Config{}, err
	}
	sendTimeout, err := config.ParseDurationField("notify.send_timeout", cfg.Notify.SendTimeout)
	if err != nil {
		return notify.Config{}, err
	}
	if cfg.Notify.Workers < 0 {
		return notify.Config{}, fmt.Errorf("notify.workers must be >= 0")
	}
	if cfg.Notify.QueueSize < 0 {
		return notify.Config{}, fmt.Errorf("notify.queue_size must be >= 0")
	}
	if cfg.Notify.RetryMax < 0 {
		return notify.Config{}, fmt.Errorf("notify.retry_max must be >= 0")
	}
	if cfg.Notify.Enabled && strings.TrimSpace(cfg.Notify.Telegram.Token) == "" {
		return notify.Config{}, fmt.Errorf("notify.telegram.token is required when notify is enabled")
	}
	return notify.Config{
		Enabled:       cfg.Notify.Enabled,
		Workers:       cfg.Notify.Workers,
		QueueSize:     cfg.Notify.QueueSize,
		RatePerSec:    cfg.Notify.RatePerSec,
		RetryMax:      cfg.Notify.RetryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMaxDelay,
		SendTimeout:   sendTimeout,
	}, nil
}

func mapPprofConfig(cfg *config.Config) (pprof.Config, error) {
	if cfg == nil || cfg.Pprof == nil {
		return pprof.Config{}, nil
	}
	return pprof.Config{
		Enabled: cfg.Pprof.Enabled,
		Addr:    cfg.Pprof.Addr,
	}, nil
}
