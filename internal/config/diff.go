package config

import (
	"reflect"
	"strings"

	logx "reportpulse/pkg/logx"
)

// LiveSections are applied without a restart; every other changed section
// is reported as needing one.
var LiveSections = map[string]bool{"logging": true}

// SummarizeChange lists the changed top-level sections and safe log fields
// describing them. Tokens are never included, only whether one is set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.Server, newCfg.Server) {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.base_url", strings.TrimSpace(newCfg.Server.BaseURL)),
			logx.Int("server.header_count", len(newCfg.Server.Headers)),
		)
	}
	if oldCfg.Stream != newCfg.Stream {
		changed = append(changed, "stream")
		attrs = append(attrs, logx.String("stream.reconnect_delay", newCfg.Stream.ReconnectDelay))
	}
	if oldCfg.Progress != newCfg.Progress {
		changed = append(changed, "progress")
		attrs = append(attrs, logx.String("progress.retention", newCfg.Progress.Retention))
	}
	if !reflect.DeepEqual(oldCfg.Reconcile, newCfg.Reconcile) {
		changed = append(changed, "reconcile")
		attrs = append(attrs,
			logx.Bool("reconcile.enabled", newCfg.Reconcile.IsEnabled()),
			logx.String("reconcile.schedule", newCfg.Reconcile.Schedule),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.Bool("storage.enabled", StorageEnabled(newCfg)))
	}
	if !reflect.DeepEqual(oldCfg.History, newCfg.History) {
		changed = append(changed, "history")
		attrs = append(attrs, logx.Bool("history.enabled", newCfg.History != nil && newCfg.History.Enabled))
	}
	if !reflect.DeepEqual(oldCfg.Notify, newCfg.Notify) {
		changed = append(changed, "notify")
		if n := newCfg.Notify; n != nil {
			attrs = append(attrs,
				logx.Bool("notify.enabled", n.Enabled),
				logx.Bool("notify.token_set", strings.TrimSpace(n.Telegram.Token) != ""),
				logx.Int64("notify.chat_id", n.Telegram.ChatID),
			)
		}
	}
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		if h := newCfg.HTTP; h != nil {
			attrs = append(attrs,
				logx.Bool("http.enabled", h.Enabled),
				logx.String("http.addr", h.Addr),
				logx.Bool("http.pprof", h.Pprof.Enabled),
				logx.Bool("http.pprof_token_set", h.Pprof.Token != ""),
				logx.Bool("http.relay", h.Relay.Enabled),
			)
		}
	}
	return changed, attrs
}

// RestartRequired filters sections down to those not applied live.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if !LiveSections[s] {
			out = append(out, s)
		}
	}
	return out
}
