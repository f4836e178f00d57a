package config

// Config is the on-disk configuration. Durations are Go duration strings
// (e.g. "500ms", "60s", "72h").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Telegram  TelegramConfig  `json:"telegram"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Notifier  NotifierConfig  `json:"notifier"`
	Engine    EngineConfig    `json:"engine"`
	Calendar  CalendarConfig  `json:"calendar"`
	Goals     []GoalConfig    `json:"goals"`
	Systemd   SystemdConfig   `json:"systemd,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// TelegramConfig configures the chat surface. ChatID is where suggestion
// notifications go; it defaults to the first owner (a private chat).
type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	ChatID       int64   `json:"chat_id,omitempty"`
	ThreadID     int     `json:"thread_id,omitempty"`
	PollTimeout  string  `json:"poll_timeout"`
}

// StorageConfig selects the suggestion store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./planbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// SchedulerConfig controls the daily check cycle.
//
// Defaults:
//   - daily_at: "08:00" in timezone (default: local)
//   - horizon_days: 7
//   - run_on_start: true
//   - engine_timeout: "60s"
//   - retention: "72h" (max age of a pending suggestion)
//   - purge_after: "720h" (how long resolved records are kept)
//   - dedup_policy: "goal_slot"
//   - slot_granularity: "15m"
//   - alarm_poll: "30s"
type SchedulerConfig struct {
	DailyAt         string `json:"daily_at"`
	Timezone        string `json:"timezone,omitempty"`
	HorizonDays     int    `json:"horizon_days,omitempty"`
	RunOnStart      *bool  `json:"run_on_start,omitempty"`
	EngineTimeout   string `json:"engine_timeout,omitempty"`
	Retention       string `json:"retention,omitempty"`
	PurgeAfter      string `json:"purge_after,omitempty"`
	DedupPolicy     string `json:"dedup_policy,omitempty"`
	SlotGranularity string `json:"slot_granularity,omitempty"`
	AlarmPoll       string `json:"alarm_poll,omitempty"`
}

// NotifierConfig controls how notifications are delivered.
type NotifierConfig struct {
	Surface       string `json:"surface"` // telegram | log
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
	SendTimeout   string `json:"send_timeout,omitempty"`
	MaxListed     int    `json:"max_listed,omitempty"`
}

type EngineConfig struct {
	Driver         string  `json:"driver"` // rules | remote
	Endpoint       string  `json:"endpoint,omitempty"`
	APIKey         string  `json:"api_key,omitempty"`
	Model          string  `json:"model,omitempty"`
	Temperature    float64 `json:"temperature,omitempty"`
	MaxSuggestions int     `json:"max_suggestions,omitempty"`
}

type CalendarConfig struct {
	Commit  string         `json:"commit"` // google | ics | none
	ICSPath string         `json:"ics_path,omitempty"`
	Google  GoogleCalendar `json:"google,omitempty"`
	// BusyICS lists local .ics files read as existing events.
	BusyICS []string `json:"busy_ics,omitempty"`
}

type GoogleCalendar struct {
	CalendarID   string `json:"calendar_id,omitempty"`
	TokenFile    string `json:"token_file,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
}

type GoalConfig struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Duration    string         `json:"duration,omitempty"`
	RRule       string         `json:"rrule,omitempty"`
	Preferred   []WindowConfig `json:"preferred,omitempty"`
	Active      *bool          `json:"active,omitempty"`
}

type WindowConfig struct {
	Weekday string `json:"weekday,omitempty"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

type SystemdConfig struct {
	Notify bool `json:"notify"`
}
