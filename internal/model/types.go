package model

import "time"

// Config is the complete runtime configuration: listen address, storage,
// scheduler policy, notification channels and logging.
type Config struct {
	HTTPAddr  string          `json:"http_addr"`
	Database  DatabaseConfig  `json:"database"`
	Scheduler SchedulerConfig `json:"scheduler"`
	SMTP      SMTPConfig      `json:"smtp"`
	Telegram  TelegramConfig  `json:"telegram"`
	Log       LogConfig       `json:"log"`
}

// DatabaseConfig selects the gorm dialector. Driver is "sqlite" or "postgres".
type DatabaseConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// SchedulerConfig holds the worker pool size, polling cadence, retry policy
// and the availability policy constants.
type SchedulerConfig struct {
	Workers             int    `json:"workers"`
	PollInterval        string `json:"poll_interval"`
	MaxAttempts         int    `json:"max_attempts"`
	RetryBase           string `json:"retry_base"`
	PingTimeout         string `json:"ping_timeout"`
	AutoRemoveThreshold int    `json:"auto_remove_threshold"`
	NotifyRecovery      bool   `json:"notify_recovery"`
}

// SMTPConfig contains the mail server credentials and sender address.
type SMTPConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	From     string `json:"from"`
	// To receives the self-check mail sent at startup.
	To string `json:"to"`
}

// TelegramConfig enables the optional chat channel for owners with a chat ID.
type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
}

// LogConfig controls the zap level and extra file sinks.
type LogConfig struct {
	Level string   `json:"level"`
	Files []string `json:"files"`
}

// Availability is the observed state of a website.
type Availability string

const (
	AvailabilityUnknown Availability = ""
	AvailabilityOnline  Availability = "online"
	AvailabilityOffline Availability = "offline"
)

// User owns websites and decides whether offline alerts are delivered.
type User struct {
	ID                   string    `gorm:"primaryKey;size:36" json:"id"`
	Email                string    `gorm:"uniqueIndex;size:255;not null" json:"email"`
	WebsiteOfflineAlerts bool      `gorm:"not null" json:"website_offline_alerts"`
	TelegramChatID       int64     `json:"telegram_chat_id,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Website is a monitored URL. The owner email is denormalized so the ping
// pipeline can re-fetch the record from the job payload alone. Boolean
// columns carry no gorm default so that false survives Create.
type Website struct {
	ID                      string       `gorm:"primaryKey;size:36" json:"id"`
	URL                     string       `gorm:"uniqueIndex;size:2048;not null" json:"url"`
	OwnerID                 string       `gorm:"index;size:36" json:"owner_id"`
	OwnerEmail              string       `gorm:"index;size:255;not null" json:"owner_email"`
	CheckInterval           string       `gorm:"size:64;not null" json:"check_interval"`
	Availability            Availability `gorm:"size:16" json:"availability"`
	ConsecutiveOfflinePings int          `gorm:"not null;default:0" json:"consecutive_offline_pings"`
	NotifyOnNextOffline     bool         `gorm:"not null" json:"notify_on_next_offline"`
	OfflineSince            *time.Time   `json:"offline_since,omitempty"`
	LastStatusCode          int          `json:"last_status_code"`
	LastCheckedAt           *time.Time   `json:"last_checked_at,omitempty"`
	CreatedAt               time.Time    `json:"created_at"`
	UpdatedAt               time.Time    `json:"updated_at"`
}

// PingLog is one immutable check record. StatusCode 0 marks a transport failure.
type PingLog struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	URL        string    `gorm:"index:idx_ping_logs_url_checked,priority:1;size:2048;not null" json:"url"`
	StatusCode int       `json:"status_code"`
	LatencyMs  int64     `json:"latency_ms"`
	CheckedAt  time.Time `gorm:"index:idx_ping_logs_url_checked,priority:2" json:"checked_at"`
}

// ScheduleEntry is the recurring job registration for one website, keyed by
// the query-escaped URL.
type ScheduleEntry struct {
	Key        string     `gorm:"primaryKey;size:2048" json:"key"`
	Spec       string     `gorm:"size:64;not null" json:"spec"`
	URL        string     `gorm:"size:2048;not null" json:"url"`
	OwnerEmail string     `gorm:"size:255;not null" json:"owner_email"`
	TargetID   string     `gorm:"size:36" json:"target_id"`
	NextRunAt  time.Time  `gorm:"index" json:"next_run_at"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// JobState is the lifecycle of a single job instance.
type JobState string

const (
	JobScheduled      JobState = "scheduled"
	JobDequeued       JobState = "dequeued"
	JobExecuting      JobState = "executing"
	JobCompleted      JobState = "completed"
	JobRetrying       JobState = "failed-will-retry"
	JobFailedTerminal JobState = "failed-terminal"
)

// JobRun is one instance of a recurring job. Completed runs are deleted;
// terminal failures stay for operator inspection.
type JobRun struct {
	ID         string     `gorm:"primaryKey;size:36" json:"id"`
	Key        string     `gorm:"index;size:2048;not null" json:"key"`
	URL        string     `gorm:"size:2048;not null" json:"url"`
	OwnerEmail string     `gorm:"size:255;not null" json:"owner_email"`
	State      JobState   `gorm:"index;size:32;not null" json:"state"`
	Attempts   int        `gorm:"not null;default:0" json:"attempts"`
	RetryAt    *time.Time `gorm:"index" json:"retry_at,omitempty"`
	LastError  string     `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}
