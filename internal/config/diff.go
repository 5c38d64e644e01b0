package config

import (
	"reflect"
	"sort"
	"strings"

	logx "failuredetector/pkg/logx"
)

var defaultNotifier = NotifierConfig{
	Enabled:         true,
	Workers:         2,
	QueueSize:       256,
	RatePerSec:      1,
	RetryMax:        3,
	RetryBase:       "500ms",
	RetryMaxDelay:   "10s",
	DedupWindow:     "10m",
	DedupMaxEntries: 1000,
}

// NotifierOrDefault returns the notifier section, or runtime defaults when omitted.
func (c *Config) NotifierOrDefault() NotifierConfig {
	if c == nil || c.Notifier == nil {
		return defaultNotifier
	}
	return *c.Notifier
}

// SummarizeConfigChange returns the changed section names, log fields that never include
// secrets, and the names of plugins whose enable flag or config changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	op, np := oldCfg.Printer, newCfg.Printer
	if strings.TrimSpace(op.BaseURL) != strings.TrimSpace(np.BaseURL) ||
		op.PollInterval != np.PollInterval ||
		op.RequestTimeout != np.RequestTimeout ||
		op.APIKey != np.APIKey {
		changed = append(changed, "printer")
		attrs = append(attrs,
			logx.String("printer.base_url", strings.TrimSpace(np.BaseURL)),
			logx.String("printer.poll_interval", np.PollInterval),
			logx.Bool("printer.api_key_set", np.APIKey != ""),
		)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token ||
		strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		ot.AlertChatID != nt.AlertChatID || ot.AlertThreadID != nt.AlertThreadID {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.alert_chat_set", nt.AlertChatID != 0),
			logx.Bool("telegram.token_set", nt.Token != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.chat_enabled", newCfg.Logging.Chat.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
		)
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", newCfg.Metrics.Addr),
			logx.Bool("metrics.pprof", newCfg.Metrics.Pprof),
			logx.Bool("metrics.token_set", newCfg.Metrics.Token != ""),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if on, nn := oldCfg.NotifierOrDefault(), newCfg.NotifierOrDefault(); on != nn {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", nn.Enabled),
			logx.Int("notifier.workers", nn.Workers),
			logx.Int("notifier.rate_per_sec", nn.RatePerSec),
			logx.Bool("notifier.persist_dedup", nn.PersistDedup),
		)
	}

	var oldS, newS StorageConfig
	if oldCfg.Storage != nil {
		oldS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		newS = *newCfg.Storage
	}
	if oldS != newS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""),
		)
	}

	plugins := diffPlugins(oldCfg.Plugins, newCfg.Plugins)
	if len(plugins) > 0 {
		changed = append(changed, "plugins")
		attrs = append(attrs, logx.Int("plugins.changed_count", len(plugins)))
	}

	sort.Strings(changed)
	return changed, attrs, plugins
}

func diffPlugins(oldM, newM map[string]PluginConfigRaw) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		o, n := oldM[name], newM[name]
		if o.Enabled != n.Enabled || CanonicalHashJSON(o.Config) != CanonicalHashJSON(n.Config) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
