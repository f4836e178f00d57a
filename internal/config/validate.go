package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"planbot/internal/suggest"

	"github.com/teambition/rrule-go"
)

// Validate checks the parts of cfg that would otherwise fail late, at
// wiring time or on the first cycle. All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" && surface(cfg) == "telegram" {
		add(errors.New("telegram.token: required when notifier.surface is telegram"))
	}
	if len(cfg.Telegram.OwnerUserIDs) == 0 && surface(cfg) == "telegram" {
		add(errors.New("telegram.owner_user_ids: at least one owner is required"))
	}
	_, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	add(err)

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "file", "sqlite", "sqlite3":
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	_, err = ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	add(err)

	sc := cfg.Scheduler
	if strings.TrimSpace(sc.DailyAt) != "" {
		if _, _, err := suggest.ParseHHMM(sc.DailyAt); err != nil {
			add(fmt.Errorf("scheduler.daily_at: %w", err))
		}
	}
	_, err = LoadLocation("scheduler.timezone", sc.Timezone)
	add(err)
	if sc.HorizonDays < 0 || sc.HorizonDays > 60 {
		add(fmt.Errorf("scheduler.horizon_days: %d out of range 0..60", sc.HorizonDays))
	}
	for path, raw := range map[string]string{
		"scheduler.engine_timeout":   sc.EngineTimeout,
		"scheduler.retention":        sc.Retention,
		"scheduler.purge_after":      sc.PurgeAfter,
		"scheduler.slot_granularity": sc.SlotGranularity,
		"scheduler.alarm_poll":       sc.AlarmPoll,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	if _, err := suggest.ParseKeyPolicy(sc.DedupPolicy); err != nil {
		add(fmt.Errorf("scheduler.dedup_policy: %w", err))
	}

	switch surface(cfg) {
	case "telegram", "log":
	default:
		add(fmt.Errorf("notifier.surface: unknown surface %q", cfg.Notifier.Surface))
	}
	if cfg.Notifier.RatePerSec < 0 || cfg.Notifier.RetryMax < 0 {
		add(errors.New("notifier: rate_per_sec and retry_max must be >= 0"))
	}
	for path, raw := range map[string]string{
		"notifier.retry_base":      cfg.Notifier.RetryBase,
		"notifier.retry_max_delay": cfg.Notifier.RetryMaxDelay,
		"notifier.send_timeout":    cfg.Notifier.SendTimeout,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Engine.Driver)) {
	case "", "rules":
	case "remote", "llm":
		if ep := strings.TrimSpace(cfg.Engine.Endpoint); ep != "" {
			u, err := url.Parse(ep)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
				add(fmt.Errorf("engine.endpoint: %q is not an http(s) url", ep))
			}
		}
		if strings.TrimSpace(cfg.Engine.APIKey) == "" && strings.TrimSpace(cfg.Engine.Endpoint) == "" {
			add(errors.New("engine.api_key: required for the default remote endpoint"))
		}
	default:
		add(fmt.Errorf("engine.driver: unknown driver %q", cfg.Engine.Driver))
	}
	if cfg.Engine.Temperature < 0 || cfg.Engine.Temperature > 2 {
		add(fmt.Errorf("engine.temperature: %.2f out of range 0..2", cfg.Engine.Temperature))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Calendar.Commit)) {
	case "", "none":
	case "ics":
		if strings.TrimSpace(cfg.Calendar.ICSPath) == "" {
			add(errors.New("calendar.ics_path: required when calendar.commit is ics"))
		}
	case "google":
		if strings.TrimSpace(cfg.Calendar.Google.TokenFile) == "" {
			add(errors.New("calendar.google.token_file: required when calendar.commit is google"))
		}
	default:
		add(fmt.Errorf("calendar.commit: unknown target %q", cfg.Calendar.Commit))
	}

	seen := make(map[string]bool, len(cfg.Goals))
	for i, g := range cfg.Goals {
		add(validateGoal(i, g, seen))
	}
	return errors.Join(errs...)
}

func validateGoal(i int, g GoalConfig, seen map[string]bool) error {
	path := fmt.Sprintf("goals[%d]", i)
	id := strings.TrimSpace(g.ID)
	if id == "" {
		return fmt.Errorf("%s.id: required", path)
	}
	if seen[id] {
		return fmt.Errorf("%s.id: duplicate goal id %q", path, id)
	}
	seen[id] = true
	if strings.TrimSpace(g.Title) == "" {
		return fmt.Errorf("%s.title: required", path)
	}
	if _, err := ParseDurationField(path+".duration", g.Duration); err != nil {
		return err
	}
	if r := strings.TrimSpace(g.RRule); r != "" {
		if _, err := rrule.StrToROption(r); err != nil {
			return fmt.Errorf("%s.rrule: %w", path, err)
		}
	}
	for j, w := range g.Preferred {
		wp := fmt.Sprintf("%s.preferred[%d]", path, j)
		if wd := strings.TrimSpace(w.Weekday); wd != "" && wd != "*" {
			if _, ok := suggest.ParseWeekday(wd); !ok {
				return fmt.Errorf("%s.weekday: unknown weekday %q", wp, w.Weekday)
			}
		}
		sw := suggest.Window{Weekday: w.Weekday, Start: w.Start, End: w.End}
		if _, _, err := sw.Bounds(); err != nil {
			return fmt.Errorf("%s: %w", wp, err)
		}
	}
	return nil
}

func surface(cfg *Config) string {
	s := strings.ToLower(strings.TrimSpace(cfg.Notifier.Surface))
	if s == "" {
		return "telegram"
	}
	return s
}
