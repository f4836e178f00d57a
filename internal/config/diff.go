package config

import (
	"reflect"
	"strings"

	logx "planbot/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs and
// returns safe log fields describing the new values. Secrets (bot token,
// api key, oauth client secret) are only reported as set/unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)
	section := func(name string, differs bool, fields ...logx.Field) {
		if !differs {
			return
		}
		changed = append(changed, name)
		attrs = append(attrs, fields...)
	}

	o, n := oldCfg, newCfg
	section("logging", !reflect.DeepEqual(o.Logging, n.Logging),
		logx.String("logging.level", n.Logging.Level),
		logx.Bool("logging.console", n.Logging.Console),
		logx.Bool("logging.file", n.Logging.File.Enabled),
	)
	section("telegram",
		o.Telegram.Token != n.Telegram.Token ||
			!reflect.DeepEqual(o.Telegram.OwnerUserIDs, n.Telegram.OwnerUserIDs) ||
			o.Telegram.ChatID != n.Telegram.ChatID ||
			o.Telegram.ThreadID != n.Telegram.ThreadID ||
			trim(o.Telegram.PollTimeout) != trim(n.Telegram.PollTimeout),
		logx.Int("telegram.owner_count", len(n.Telegram.OwnerUserIDs)),
		logx.Bool("telegram.token_changed", o.Telegram.Token != n.Telegram.Token),
		logx.Int64("telegram.chat_id", n.Telegram.ChatID),
	)
	section("storage", o.Storage != n.Storage,
		logx.String("storage.driver", n.Storage.Driver),
		logx.String("storage.path", n.Storage.Path),
	)
	section("scheduler", !reflect.DeepEqual(o.Scheduler, n.Scheduler),
		logx.String("scheduler.daily_at", n.Scheduler.DailyAt),
		logx.String("scheduler.timezone", n.Scheduler.Timezone),
		logx.Int("scheduler.horizon_days", n.Scheduler.HorizonDays),
		logx.String("scheduler.dedup_policy", n.Scheduler.DedupPolicy),
	)
	section("notifier", o.Notifier != n.Notifier,
		logx.String("notifier.surface", n.Notifier.Surface),
		logx.Int("notifier.rate_per_sec", n.Notifier.RatePerSec),
		logx.Int("notifier.retry_max", n.Notifier.RetryMax),
	)
	section("engine", o.Engine != n.Engine,
		logx.String("engine.driver", n.Engine.Driver),
		logx.String("engine.model", n.Engine.Model),
		logx.Bool("engine.api_key_set", trim(n.Engine.APIKey) != ""),
	)
	section("calendar", !reflect.DeepEqual(o.Calendar, n.Calendar),
		logx.String("calendar.commit", n.Calendar.Commit),
		logx.Int("calendar.busy_ics", len(n.Calendar.BusyICS)),
		logx.Bool("calendar.google.client_secret_set", trim(n.Calendar.Google.ClientSecret) != ""),
	)
	section("goals", !reflect.DeepEqual(o.Goals, n.Goals),
		logx.Int("goals.count", len(n.Goals)),
	)
	section("systemd", o.Systemd != n.Systemd,
		logx.Bool("systemd.notify", n.Systemd.Notify),
	)
	return changed, attrs
}

// RequiresRestart reports sections that cannot be applied to a running
// process.
func RequiresRestart(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if oldCfg.Telegram.Token != newCfg.Telegram.Token || trim(oldCfg.Telegram.PollTimeout) != trim(newCfg.Telegram.PollTimeout) {
		out = append(out, "telegram.token")
	}
	if oldCfg.Storage != newCfg.Storage {
		out = append(out, "storage")
	}
	if oldCfg.Engine != newCfg.Engine {
		out = append(out, "engine")
	}
	if oldCfg.Calendar.Commit != newCfg.Calendar.Commit ||
		oldCfg.Calendar.ICSPath != newCfg.Calendar.ICSPath ||
		oldCfg.Calendar.Google != newCfg.Calendar.Google {
		out = append(out, "calendar.commit")
	}
	if !strings.EqualFold(trim(oldCfg.Notifier.Surface), trim(newCfg.Notifier.Surface)) {
		out = append(out, "notifier.surface")
	}
	return out
}

func trim(s string) string { return strings.TrimSpace(s) }
