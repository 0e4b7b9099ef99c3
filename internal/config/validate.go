package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		// Report json paths ("server.base_url") instead of Go field names.
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Validate runs tag validation and the cross-field checks tags can't express.
// It never touches the network or the filesystem.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := structValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, describe(fe))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return err
	}

	durations := []struct{ path, raw string }{
		{"server.request_timeout", cfg.Server.RequestTimeout},
		{"stream.reconnect_delay", cfg.Stream.ReconnectDelay},
		{"stream.decode_log_every", cfg.Stream.DecodeLogEvery},
		{"progress.retention", cfg.Progress.Retention},
		{"reconcile.debounce", cfg.Reconcile.Debounce},
		{"reconcile.timeout", cfg.Reconcile.Timeout},
	}
	if s := cfg.Storage; s != nil {
		durations = append(durations, struct{ path, raw string }{"storage.busy_timeout", s.BusyTimeout})
	}
	if h := cfg.History; h != nil {
		durations = append(durations, struct{ path, raw string }{"history.dedup_window", h.DedupWindow})
	}
	if n := cfg.Notify; n != nil {
		durations = append(durations,
			struct{ path, raw string }{"notify.retry_base", n.RetryBase},
			struct{ path, raw string }{"notify.retry_max_delay", n.RetryMaxDelay},
			struct{ path, raw string }{"notify.dedup_window", n.DedupWindow},
			struct{ path, raw string }{"notify.telegram.timeout", n.Telegram.Timeout},
		)
	}
	if h := cfg.HTTP; h != nil {
		durations = append(durations,
			struct{ path, raw string }{"http.shutdown_timeout", h.ShutdownTimeout},
			struct{ path, raw string }{"http.relay.ping_interval", h.Relay.PingInterval},
		)
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	if tz := strings.TrimSpace(cfg.Reconcile.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("reconcile.timezone: invalid %q: %w", tz, err)
		}
	}
	if s := cfg.Storage; s != nil {
		d := strings.ToLower(strings.TrimSpace(s.Driver))
		if (d == "sqlite" || d == "sqlite3") && strings.TrimSpace(s.Path) == "" {
			return fmt.Errorf("storage.path is required when storage.driver=%s", d)
		}
	}
	if h := cfg.History; h != nil && h.Enabled && !StorageEnabled(cfg) {
		return fmt.Errorf("history.enabled requires a storage driver")
	}
	if cfg.Logging.Alerts.Enabled && !TelegramConfigured(cfg) {
		return fmt.Errorf("logging.alerts.enabled requires notify.telegram.token and chat_id")
	}
	if n := cfg.Notify; n != nil && n.Enabled {
		if strings.TrimSpace(n.Telegram.Token) == "" {
			return fmt.Errorf("notify.telegram.token is required when notify.enabled is true")
		}
		if n.Telegram.ChatID == 0 {
			return fmt.Errorf("notify.telegram.chat_id is required when notify.enabled is true")
		}
		if n.PersistDedup && !StorageEnabled(cfg) {
			return fmt.Errorf("notify.persist_dedup requires a storage driver")
		}
	}
	return nil
}

// TelegramConfigured reports whether chat credentials are present, whether
// or not job notifications are enabled.
func TelegramConfigured(cfg *Config) bool {
	if cfg == nil || cfg.Notify == nil {
		return false
	}
	return strings.TrimSpace(cfg.Notify.Telegram.Token) != "" && cfg.Notify.Telegram.ChatID != 0
}

// StorageEnabled reports whether a storage driver other than none is set.
func StorageEnabled(cfg *Config) bool {
	if cfg == nil || cfg.Storage == nil {
		return false
	}
	d := strings.TrimSpace(cfg.Storage.Driver)
	return d != "" && !strings.EqualFold(d, "none")
}

func describe(fe validator.FieldError) string {
	// Namespace is "Config.server.base_url"; drop the root type.
	path := fe.Namespace()
	if _, rest, ok := strings.Cut(path, "."); ok {
		path = rest
	}
	switch fe.Tag() {
	case "required", "required_if":
		return path + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", path, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be >= %s", path, fe.Param())
	case "http_url":
		return path + " must be an http(s) URL"
	case "hostname_port":
		return path + " must be host:port"
	default:
		return fmt.Sprintf("%s failed %q", path, fe.Tag())
	}
}
