package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"sitewatch/internal/model"
)

// Defaults applied when the config file omits a value or carries an invalid one.
const (
	DefaultHTTPAddr            = ":9091"
	DefaultDBDriver            = "sqlite"
	DefaultDBDSN               = "sitewatch.db"
	DefaultWorkers             = 8
	DefaultPollInterval        = 5 * time.Second
	DefaultMaxAttempts         = 3
	DefaultRetryBase           = 2 * time.Second
	DefaultPingTimeout         = 10 * time.Second
	DefaultAutoRemoveThreshold = 864
	DefaultLogLevel            = "info"
)

// Manager owns the configuration file. file is what is persisted; cfg is
// file with environment overrides applied and is what Get returns.
type Manager struct {
	mu   sync.RWMutex
	path string
	file model.Config
	cfg  model.Config
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// LoadOrDefault reads the JSON config file, writing a default one when it does
// not exist. A .env file next to the binary is loaded into the environment
// first, and SITEWATCH_* variables override file values without being saved.
func (m *Manager) LoadOrDefault() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	data, err := os.ReadFile(m.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		m.file = model.Config{}
		applyDefaults(&m.file)
		if err := m.saveLocked(); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		m.file = model.Config{}
		if err := json.Unmarshal(data, &m.file); err != nil {
			return fmt.Errorf("parse %s: %w", m.path, err)
		}
		applyDefaults(&m.file)
	}

	m.refreshLocked()
	return nil
}

func (m *Manager) Get() model.Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Update applies fn to the persisted configuration and saves it. Environment
// overrides stay in effect and are never written to the file.
func (m *Manager) Update(fn func(*model.Config)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.file
	next.Log.Files = append([]string(nil), m.file.Log.Files...)
	fn(&next)
	applyDefaults(&next)
	prev := m.file
	m.file = next
	if err := m.saveLocked(); err != nil {
		m.file = prev
		return err
	}
	m.refreshLocked()
	return nil
}

func (m *Manager) refreshLocked() {
	m.cfg = m.file
	m.cfg.Log.Files = append([]string(nil), m.file.Log.Files...)
	applyEnv(&m.cfg)
}

// saveLocked writes the persisted config as indented JSON. Caller holds mu.
func (m *Manager) saveLocked() error {
	data, err := json.MarshalIndent(m.file, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.path, data, 0600)
}

func applyDefaults(c *model.Config) {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		c.HTTPAddr = DefaultHTTPAddr
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDBDriver
	}
	if c.Database.DSN == "" && c.Database.Driver == DefaultDBDriver {
		c.Database.DSN = DefaultDBDSN
	}

	s := &c.Scheduler
	if s.Workers <= 0 {
		s.Workers = DefaultWorkers
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = DefaultMaxAttempts
	}
	if s.AutoRemoveThreshold <= 0 {
		s.AutoRemoveThreshold = DefaultAutoRemoveThreshold
	}
	s.PollInterval = normalizeDuration(s.PollInterval, DefaultPollInterval)
	s.RetryBase = normalizeDuration(s.RetryBase, DefaultRetryBase)
	s.PingTimeout = normalizeDuration(s.PingTimeout, DefaultPingTimeout)

	if c.SMTP.Port <= 0 {
		c.SMTP.Port = 587
	}
	if c.SMTP.From == "" {
		c.SMTP.From = c.SMTP.Username
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
}

func applyEnv(c *model.Config) {
	if v, ok := os.LookupEnv("SITEWATCH_HTTP_ADDR"); ok && v != "" {
		c.HTTPAddr = v
	}
	if v, ok := os.LookupEnv("SITEWATCH_DB_DRIVER"); ok && v != "" {
		c.Database.Driver = v
	}
	if v, ok := os.LookupEnv("SITEWATCH_DB_DSN"); ok && v != "" {
		c.Database.DSN = v
	}
	if v, ok := os.LookupEnv("SITEWATCH_SMTP_PASSWORD"); ok && v != "" {
		c.SMTP.Password = v
	}
	if v, ok := os.LookupEnv("SITEWATCH_TELEGRAM_TOKEN"); ok && v != "" {
		c.Telegram.Token = v
	}
	if v, ok := os.LookupEnv("SITEWATCH_LOG_LEVEL"); ok && v != "" {
		c.Log.Level = v
	}
	if v, ok := os.LookupEnv("SITEWATCH_WORKERS"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Scheduler.Workers = n
		}
	}
}

func normalizeDuration(s string, fallback time.Duration) string {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return s
	}
	return fallback.String()
}

// Duration parses a normalized duration string, returning fallback when the
// value is empty or malformed.
func Duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
