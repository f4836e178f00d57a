package lifecycle

import (
	"fmt"
	"time"

	"planbot/internal/alarm"
	"planbot/internal/suggest"
)

// AlarmKey identifies the daily check; re-arming under it replaces the
// previous arm.
const AlarmKey = "suggestion-check"

type Config struct {
	DailyAt       string
	Location      *time.Location
	HorizonDays   int
	RunOnStart    bool
	EngineTimeout time.Duration
	// Retention is the maximum age of a PENDING suggestion.
	Retention time.Duration
	// PurgeAfter is how long terminal records are kept.
	PurgeAfter      time.Duration
	DedupPolicy     suggest.KeyPolicy
	SlotGranularity time.Duration
	MaxSuggestions  int
}

func (c Config) withDefaults() Config {
	if c.DailyAt == "" {
		c.DailyAt = "08:00"
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = 7
	}
	if c.EngineTimeout <= 0 {
		c.EngineTimeout = 60 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 72 * time.Hour
	}
	if c.PurgeAfter <= 0 {
		c.PurgeAfter = 30 * 24 * time.Hour
	}
	if c.DedupPolicy == "" {
		c.DedupPolicy = suggest.KeyGoalSlot
	}
	if c.SlotGranularity <= 0 {
		c.SlotGranularity = 15 * time.Minute
	}
	return c
}

// policy is the hot-swappable part of Config.
type policy struct {
	cfg   Config
	daily *alarm.Daily
	keyer suggest.Keyer
}

func newPolicy(cfg Config) (policy, error) {
	cfg = cfg.withDefaults()
	if _, err := suggest.ParseKeyPolicy(string(cfg.DedupPolicy)); err != nil {
		return policy{}, err
	}
	daily, err := alarm.NewDaily(cfg.DailyAt, cfg.Location)
	if err != nil {
		return policy{}, fmt.Errorf("scheduler.daily_at: %w", err)
	}
	return policy{
		cfg:   cfg,
		daily: daily,
		keyer: suggest.Keyer{Policy: cfg.DedupPolicy, Slot: cfg.SlotGranularity, Loc: cfg.Location},
	}, nil
}
