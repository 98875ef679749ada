package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"klikocal/internal/filex"
)

// Defaults for the Uithoorn Kliko container manager, the municipality the
// service was first built for.
const (
	DefaultHost       = "cp-uithoorn.klikocontainermanager.com"
	DefaultClientName = "uithoorn"
	DefaultApp        = "cp-uithoorn.kcm.com"

	DefaultListen       = "127.0.0.1:8080"
	DefaultTimezone     = "Europe/Amsterdam"
	DefaultRefreshCron  = "0 5 * * *"
	DefaultHorizonDays  = 60
	DefaultCalendarPath = "/var/lib/klikocal/afvalkalender.ics"
)

// AccountConfig holds the credentials of the single configured Kliko account.
type AccountConfig struct {
	CardNumber string `yaml:"card_number" json:"card_number"`
	Password   string `yaml:"password" json:"-"`
	Host       string `yaml:"host" json:"host"`
	ClientName string `yaml:"client_name" json:"client_name"`
	App        string `yaml:"app" json:"app"`

	// TargetCalendarID names the external calendar new pickups are mirrored
	// into. Empty disables the write-through.
	TargetCalendarID string `yaml:"target_calendar_id" json:"target_calendar_id"`

	// Title is a human-friendly label derived during setup.
	Title string `yaml:"title,omitempty" json:"title,omitempty"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the HTTP API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the query API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone pickup windows are expressed in.
	Timezone string `yaml:"timezone" json:"timezone"`

	// RefreshCron is a standard 5-field cron spec for the periodic refresh.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// HorizonDays bounds how far ahead events are written to the target calendar.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days"`

	// LedgerRetentionDays, if positive, prunes synced keys whose date is
	// older than that many days. Zero keeps every key forever.
	LedgerRetentionDays int `yaml:"ledger_retention_days" json:"ledger_retention_days"`

	// CalendarPath is the iCalendar file backing the target calendar.
	CalendarPath string `yaml:"calendar_path" json:"calendar_path"`

	Account AccountConfig `yaml:"account" json:"account"`

	// SyncedEventKeys is the persisted sync ledger, each entry "{isoDate}|{fractionId}".
	SyncedEventKeys []string `yaml:"synced_event_keys" json:"synced_event_keys"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:       DefaultListen,
		Timezone:     DefaultTimezone,
		RefreshCron:  DefaultRefreshCron,
		HorizonDays:  DefaultHorizonDays,
		CalendarPath: DefaultCalendarPath,
		Account: AccountConfig{
			Host:       DefaultHost,
			ClientName: DefaultClientName,
			App:        DefaultApp,
		},
		SyncedEventKeys: []string{},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Timezone == "" {
		c.Timezone = DefaultTimezone
	}
	if c.RefreshCron == "" {
		c.RefreshCron = DefaultRefreshCron
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = DefaultHorizonDays
	}
	if c.LedgerRetentionDays < 0 {
		c.LedgerRetentionDays = 0
	}
	if c.CalendarPath == "" {
		c.CalendarPath = DefaultCalendarPath
	}
	if c.Account.Host == "" {
		c.Account.Host = DefaultHost
	}
	if c.Account.ClientName == "" {
		c.Account.ClientName = DefaultClientName
	}
	if c.Account.App == "" {
		c.Account.App = DefaultApp
	}
	if c.SyncedEventKeys == nil {
		c.SyncedEventKeys = []string{}
	}
}

// Validate reports configuration that would make every refresh cycle fail.
func (c *Config) Validate() error {
	var errs []error
	if c.Account.CardNumber == "" {
		errs = append(errs, errors.New("account.card_number is required"))
	}
	if c.Account.Password == "" {
		errs = append(errs, errors.New("account.password is required"))
	}
	if c.Account.Host == "" || c.Account.ClientName == "" || c.Account.App == "" {
		errs = append(errs, errors.New("account.host, account.client_name and account.app are required"))
	}
	if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
		errs = append(errs, fmt.Errorf("refresh %q: %w", c.RefreshCron, err))
	}
	return errors.Join(errs...)
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename, so a reader only ever
//     sees the previous or the new content.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return filex.WriteAtomic(path, data, ".klikocal-config-*.tmp")
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}

// Store owns the on-disk config for the running process. The sync ledger is
// part of the account's configuration state, so every ledger update goes
// through here and rewrites the whole file.
type Store struct {
	mu   sync.Mutex
	path string
	cfg  *Config
}

// NewStore wraps an already loaded config.
func NewStore(path string, cfg *Config) *Store {
	return &Store{path: path, cfg: cfg}
}

// Path returns the config file location.
func (s *Store) Path() string {
	return s.path
}

// Snapshot returns a copy of the current config.
func (s *Store) Snapshot() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *s.cfg
	c.SyncedEventKeys = append([]string(nil), s.cfg.SyncedEventKeys...)
	if s.cfg.BasicAuth != nil {
		ba := *s.cfg.BasicAuth
		c.BasicAuth = &ba
	}
	return c
}

// SyncedKeys returns the persisted ledger keys.
func (s *Store) SyncedKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cfg.SyncedEventKeys...)
}

// SaveSyncedKeys replaces the persisted ledger with keys and writes the
// file. On failure the in-memory config keeps its previous value.
func (s *Store) SaveSyncedKeys(keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := *s.cfg
	next.SyncedEventKeys = append([]string(nil), keys...)
	if err := Save(s.path, &next); err != nil {
		return err
	}
	s.cfg.SyncedEventKeys = next.SyncedEventKeys
	return nil
}

// SaveAccount replaces the account section and writes the file.
func (s *Store) SaveAccount(acc AccountConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := *s.cfg
	next.Account = acc
	if err := Save(s.path, &next); err != nil {
		return err
	}
	s.cfg.Account = next.Account
	return nil
}
