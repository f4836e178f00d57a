package app

import (
	"fmt"
	"strings"
	"time"

	"planbot/internal/calendar"
	"planbot/internal/config"
	"planbot/internal/engine"
	"planbot/internal/lifecycle"
	"planbot/internal/notifier"
	"planbot/internal/storage"
	"planbot/internal/suggest"
	kit "planbot/internal/transport"
	logx "planbot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "sqlite", "sqlite3":
		if path == "" {
			path = "./planbot.db"
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "file":
		if path == "" {
			path = "./planbot.json"
		}
		return storage.Config{Driver: "file", Path: path}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapLifecycleConfig(cfg *config.Config) (lifecycle.Config, error) {
	sc := cfg.Scheduler
	loc, err := config.LoadLocation("scheduler.timezone", sc.Timezone)
	if err != nil {
		return lifecycle.Config{}, err
	}
	policy, err := suggest.ParseKeyPolicy(sc.DedupPolicy)
	if err != nil {
		return lifecycle.Config{}, fmt.Errorf("scheduler.dedup_policy: %w", err)
	}
	out := lifecycle.Config{
		DailyAt:        strings.TrimSpace(sc.DailyAt),
		Location:       loc,
		HorizonDays:    sc.HorizonDays,
		RunOnStart:     sc.RunOnStart == nil || *sc.RunOnStart,
		DedupPolicy:    policy,
		MaxSuggestions: cfg.Engine.MaxSuggestions,
	}
	durations := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"scheduler.engine_timeout", sc.EngineTimeout, &out.EngineTimeout},
		{"scheduler.retention", sc.Retention, &out.Retention},
		{"scheduler.purge_after", sc.PurgeAfter, &out.PurgeAfter},
		{"scheduler.slot_granularity", sc.SlotGranularity, &out.SlotGranularity},
	}
	for _, d := range durations {
		v, err := config.ParseDurationField(d.path, d.raw)
		if err != nil {
			return lifecycle.Config{}, err
		}
		*d.dst = v
	}
	return out, nil
}

func mapAlarmPoll(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("scheduler.alarm_poll", cfg.Scheduler.AlarmPoll, 30*time.Second)
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	loc, err := config.LoadLocation("scheduler.timezone", cfg.Scheduler.Timezone)
	if err != nil {
		return notifier.Config{}, err
	}
	base, err := config.ParseDurationOrDefault("notifier.retry_base", nc.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("notifier.retry_max_delay", nc.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	sendTimeout, err := config.ParseDurationOrDefault("notifier.send_timeout", nc.SendTimeout, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	if nc.RatePerSec < 0 || nc.RetryMax < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: rate_per_sec and retry_max must be >= 0")
	}
	return notifier.Config{
		RatePerSec:    nc.RatePerSec,
		RetryMax:      nc.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		SendTimeout:   sendTimeout,
		Location:      loc,
		MaxListed:     nc.MaxListed,
	}, nil
}

// notifyTarget is where suggestion messages go: chat_id, or the first
// owner's private chat.
func notifyTarget(cfg *config.Config) (kit.ChatTarget, error) {
	chat := cfg.Telegram.ChatID
	if chat == 0 && len(cfg.Telegram.OwnerUserIDs) > 0 {
		chat = cfg.Telegram.OwnerUserIDs[0]
	}
	if chat == 0 {
		return kit.ChatTarget{}, fmt.Errorf("telegram.chat_id: no target chat (set chat_id or owner_user_ids)")
	}
	return kit.ChatTarget{ChatID: chat, ThreadID: cfg.Telegram.ThreadID}, nil
}

func mapEngineConfig(cfg *config.Config) engine.Config {
	ec := cfg.Engine
	driver := strings.ToLower(strings.TrimSpace(ec.Driver))
	if driver == "llm" {
		driver = "remote"
	}
	return engine.Config{
		Driver:         driver,
		Endpoint:       strings.TrimSpace(ec.Endpoint),
		APIKey:         strings.TrimSpace(ec.APIKey),
		Model:          strings.TrimSpace(ec.Model),
		Temperature:    ec.Temperature,
		MaxSuggestions: ec.MaxSuggestions,
	}
}

func mapCalendarConfig(cfg *config.Config) calendar.Config {
	cc := cfg.Calendar
	return calendar.Config{
		Commit:  cc.Commit,
		ICSPath: strings.TrimSpace(cc.ICSPath),
		Google: calendar.GoogleConfig{
			CalendarID:   strings.TrimSpace(cc.Google.CalendarID),
			TokenFile:    strings.TrimSpace(cc.Google.TokenFile),
			ClientID:     strings.TrimSpace(cc.Google.ClientID),
			ClientSecret: strings.TrimSpace(cc.Google.ClientSecret),
		},
	}
}

func mapGoals(cfg *config.Config) ([]suggest.Goal, error) {
	out := make([]suggest.Goal, 0, len(cfg.Goals))
	for i, g := range cfg.Goals {
		d, err := config.ParseDurationField(fmt.Sprintf("goals[%d].duration", i), g.Duration)
		if err != nil {
			return nil, err
		}
		windows := make([]suggest.Window, 0, len(g.Preferred))
		for _, w := range g.Preferred {
			windows = append(windows, suggest.Window{Weekday: w.Weekday, Start: w.Start, End: w.End})
		}
		out = append(out, suggest.Goal{
			ID:          strings.TrimSpace(g.ID),
			Title:       strings.TrimSpace(g.Title),
			Description: strings.TrimSpace(g.Description),
			Duration:    d,
			RRule:       strings.TrimSpace(g.RRule),
			Preferred:   windows,
			Active:      g.Active == nil || *g.Active,
		})
	}
	return out, nil
}
