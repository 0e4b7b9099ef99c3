package app

import (
	"fmt"
	"strings"
	"time"

	"reportpulse/internal/config"
	"reportpulse/internal/history"
	"reportpulse/internal/httpapi"
	"reportpulse/internal/model"
	"reportpulse/internal/notify"
	"reportpulse/internal/progress"
	"reportpulse/internal/reconcile"
	"reportpulse/internal/reports"
	"reportpulse/internal/storage"
	"reportpulse/internal/stream"
	logx "reportpulse/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    cfg.Logging.Alerts.Enabled,
			MinLevel:   cfg.Logging.Alerts.MinLevel,
			RatePerSec: cfg.Logging.Alerts.RatePerSec,
		},
	}
}

func mapStreamConfig(cfg *config.Config) (stream.Config, error) {
	reqTimeout, err := config.ParseDurationField("server.request_timeout", cfg.Server.RequestTimeout)
	if err != nil {
		return stream.Config{}, err
	}
	delay, err := config.DurationOr("stream.reconnect_delay", cfg.Stream.ReconnectDelay, stream.DefaultReconnectDelay)
	if err != nil {
		return stream.Config{}, err
	}
	logEvery, err := config.ParseDurationField("stream.decode_log_every", cfg.Stream.DecodeLogEvery)
	if err != nil {
		return stream.Config{}, err
	}
	return stream.Config{
		BaseURL:        cfg.Server.BaseURL,
		Path:           cfg.Server.EventsPath,
		ReconnectDelay: delay,
		RequestTimeout: reqTimeout,
		MaxFrameBytes:  cfg.Stream.MaxFrameBytes,
		Headers:        cfg.Server.Headers,
		DecodeLogEvery: logEvery,
	}, nil
}

func mapProgressConfig(cfg *config.Config) (progress.Config, error) {
	ret, err := config.DurationOr("progress.retention", cfg.Progress.Retention, progress.DefaultRetention)
	if err != nil {
		return progress.Config{}, err
	}
	return progress.Config{Retention: ret}, nil
}

func mapReportsConfig(cfg *config.Config) (reports.Config, error) {
	timeout, err := config.ParseDurationField("server.request_timeout", cfg.Server.RequestTimeout)
	if err != nil {
		return reports.Config{}, err
	}
	return reports.Config{
		BaseURL: cfg.Server.BaseURL,
		Path:    cfg.Server.ListPath,
		Timeout: timeout,
		Headers: cfg.Server.Headers,
	}, nil
}

func mapReconcileConfig(cfg *config.Config) (reconcile.Config, bool, error) {
	rc := cfg.Reconcile
	if !rc.IsEnabled() {
		return reconcile.Config{}, false, nil
	}
	debounce, err := config.DurationOr("reconcile.debounce", rc.Debounce, reconcile.DefaultDebounce)
	if err != nil {
		return reconcile.Config{}, false, err
	}
	timeout, err := config.DurationOr("reconcile.timeout", rc.Timeout, reconcile.DefaultTimeout)
	if err != nil {
		return reconcile.Config{}, false, err
	}
	if err := reconcile.ValidateSchedule(rc.Schedule); err != nil {
		return reconcile.Config{}, false, err
	}
	loc := time.Local
	if tz := strings.TrimSpace(rc.Timezone); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return reconcile.Config{}, false, fmt.Errorf("reconcile.timezone: invalid %q: %w", tz, err)
		}
	}
	return reconcile.Config{Debounce: debounce, Timeout: timeout, Schedule: rc.Schedule, Location: loc}, true, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if !config.StorageEnabled(cfg) {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path, Keep: sc.Keep}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.DurationOr("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, Keep: sc.Keep}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapHistoryConfig(cfg *config.Config) (history.Config, bool, error) {
	h := cfg.History
	if h == nil || !h.Enabled {
		return history.Config{}, false, nil
	}
	window, err := config.ParseDurationField("history.dedup_window", h.DedupWindow)
	if err != nil {
		return history.Config{}, false, err
	}
	return history.Config{QueueSize: h.QueueSize, DedupWindow: window}, true, nil
}

func mapNotifyConfig(cfg *config.Config) (notify.Config, notify.TelegramConfig, error) {
	n := cfg.Notify
	if n == nil || !n.Enabled {
		return notify.Config{}, notify.TelegramConfig{}, nil
	}
	retryBase, err := config.ParseDurationField("notify.retry_base", n.RetryBase)
	if err != nil {
		return notify.Config{}, notify.TelegramConfig{}, err
	}
	retryMax, err := config.ParseDurationField("notify.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notify.Config{}, notify.TelegramConfig{}, err
	}
	window, err := config.DurationOr("notify.dedup_window", n.DedupWindow, 10*time.Minute)
	if err != nil {
		return notify.Config{}, notify.TelegramConfig{}, err
	}
	tg, err := mapTelegramConfig(cfg)
	if err != nil {
		return notify.Config{}, notify.TelegramConfig{}, err
	}
	statuses := make([]model.JobStatus, 0, len(n.Statuses))
	for _, s := range n.Statuses {
		statuses = append(statuses, model.JobStatus(s))
	}
	retries := n.RetryMax
	if retries == 0 {
		retries = 3
	}
	nc := notify.Config{
		Enabled:         true,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        retries,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMax,
		DedupWindow:     window,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
		Statuses:        statuses,
	}
	return nc, tg, nil
}

// mapTelegramConfig is shared by job notifications and log alerts.
func mapTelegramConfig(cfg *config.Config) (notify.TelegramConfig, error) {
	n := cfg.Notify
	if n == nil {
		return notify.TelegramConfig{}, nil
	}
	timeout, err := config.ParseDurationField("notify.telegram.timeout", n.Telegram.Timeout)
	if err != nil {
		return notify.TelegramConfig{}, err
	}
	return notify.TelegramConfig{
		Token:     n.Telegram.Token,
		ChatID:    n.Telegram.ChatID,
		ThreadID:  n.Telegram.ThreadID,
		ParseMode: n.Telegram.ParseMode,
		APIURL:    n.Telegram.APIURL,
		Timeout:   timeout,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, bool, error) {
	h := cfg.HTTP
	if h == nil || !h.Enabled {
		return httpapi.Config{}, false, nil
	}
	shutdown, err := config.ParseDurationField("http.shutdown_timeout", h.ShutdownTimeout)
	if err != nil {
		return httpapi.Config{}, false, err
	}
	ping, err := config.ParseDurationField("http.relay.ping_interval", h.Relay.PingInterval)
	if err != nil {
		return httpapi.Config{}, false, err
	}
	return httpapi.Config{
		Addr:            h.Addr,
		ShutdownTimeout: shutdown,
		Pprof: httpapi.PprofConfig{
			Enabled:              h.Pprof.Enabled,
			Prefix:               h.Pprof.Prefix,
			Token:                h.Pprof.Token,
			AllowInsecure:        h.Pprof.AllowInsecure,
			MutexProfileFraction: h.Pprof.MutexProfileFraction,
			BlockProfileRate:     h.Pprof.BlockProfileRate,
		},
		Relay: httpapi.RelayConfig{
			Enabled:      h.Relay.Enabled,
			Buffer:       h.Relay.Buffer,
			MaxClients:   h.Relay.MaxClients,
			PingInterval: ping,
		},
	}, true, nil
}

// validateMapped runs every mapper so a hot reload is rejected for anything
// the components would refuse at start-up.
func validateMapped(cfg *config.Config) error {
	if _, err := mapStreamConfig(cfg); err != nil {
		return err
	}
	if _, err := mapProgressConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapReconcileConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapHistoryConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapNotifyConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, err := (stream.Config{BaseURL: cfg.Server.BaseURL, Path: cfg.Server.EventsPath}).EventsURL(); err != nil {
		return err
	}
	return nil
}
