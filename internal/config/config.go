// Package config provides YAML configuration loading and validation for the
// chainwatch daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"
)

// Notification backends.
const (
	BackendFSNotify = "fsnotify"
	BackendPoll     = "poll"
)

// Watch kinds.
const (
	KindConfig = "config"
	KindPeers  = "peers"
	KindPlain  = "plain"
)

// Config is the top-level configuration structure for chainwatch.
type Config struct {
	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// HTTPAddr is the listen address of the status API. Defaults to
	// "127.0.0.1:9631".
	HTTPAddr string `yaml:"http_addr"`

	// APIAuth protects the /api/v1 routes with RS256 bearer tokens when a
	// public key is configured. /healthz stays open.
	APIAuth APIAuthConfig `yaml:"api_auth"`

	// JournalPath is the SQLite file events are recorded in. ":memory:"
	// keeps the journal in memory. Defaults to "chainwatch.db".
	JournalPath string `yaml:"journal_path"`

	// Debounce is the notification coalescing window (e.g. "2s").
	Debounce time.Duration `yaml:"debounce"`

	// PollInterval is how often each watch is polled for notifications.
	PollInterval time.Duration `yaml:"poll_interval"`

	// NotifyBackend selects "fsnotify" (default) or "poll". The polling
	// backend needs no kernel watches, for hosts where the inotify watch
	// limit is exhausted.
	NotifyBackend string `yaml:"notify_backend"`

	// ScanInterval is the directory rescan period of the poll backend.
	// Defaults to 100ms.
	ScanInterval time.Duration `yaml:"scan_interval"`

	// RestartBackoff bounds the delay before a failed watch is recreated.
	RestartBackoff BackoffConfig `yaml:"restart_backoff"`

	// IgnoreDirs are glob patterns of directories whose activity is not
	// counted.
	IgnoreDirs []string `yaml:"ignore_dirs"`

	// Watches is the list of files to follow. At least one is required.
	Watches []WatchConfig `yaml:"watches"`
}

// APIAuthConfig configures bearer-token verification.
type APIAuthConfig struct {
	// PublicKeyPath is a PEM-encoded RSA public key (PKIX or PKCS#1).
	PublicKeyPath string `yaml:"public_key_path"`
	// Issuer, if set, must match the token's "iss" claim.
	Issuer string `yaml:"issuer"`
	// Audience, if set, must appear in the token's "aud" claim.
	Audience string `yaml:"audience"`
}

// BackoffConfig is an exponential backoff range.
type BackoffConfig struct {
	Initial time.Duration `yaml:"initial"`
	Max     time.Duration `yaml:"max"`
}

// WatchConfig describes a single watched file.
type WatchConfig struct {
	// Name identifies the watch in logs, the journal and the API. Required
	// and unique.
	Name string `yaml:"name"`

	// Path is the file to follow; it may not exist yet. Required.
	Path string `yaml:"path"`

	// Kind is one of "config", "peers" or "plain". Defaults to "plain".
	Kind string `yaml:"kind"`

	// InitialEvent reports a file that already exists when the watch starts.
	// Defaults to true.
	InitialEvent *bool `yaml:"initial_event"`

	// ReloadCommand is run, as argv, when the file appears or changes.
	ReloadCommand []string `yaml:"reload_command"`

	// UserConfigDir, when set, is the directory of the service's user.toml
	// override. A change to that file also runs ReloadCommand.
	UserConfigDir string `yaml:"user_config_dir"`

	// UserConfigDeprecated marks UserConfigDir as a legacy location that the
	// service still reads but that is not watched.
	UserConfigDeprecated bool `yaml:"user_config_deprecated"`
}

// WantsInitialEvent reports whether an existing file is announced on start.
func (w WatchConfig) WantsInitialEvent() bool {
	return w.InitialEvent == nil || *w.InitialEvent
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validKinds is the set of accepted watch kinds.
var validKinds = map[string]bool{
	KindConfig: true,
	KindPeers:  true,
	KindPlain:  true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	ApplyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// ApplyDefaults fills in zero-value optional fields. LoadConfig calls it;
// callers building a Config in code may too.
func ApplyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = "127.0.0.1:9631"
	}
	if cfg.JournalPath == "" {
		cfg.JournalPath = "chainwatch.db"
	}
	if cfg.Debounce == 0 {
		cfg.Debounce = 2 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.NotifyBackend == "" {
		cfg.NotifyBackend = BackendFSNotify
	}
	if cfg.ScanInterval == 0 {
		cfg.ScanInterval = 100 * time.Millisecond
	}
	if cfg.RestartBackoff.Initial == 0 {
		cfg.RestartBackoff.Initial = time.Second
	}
	if cfg.RestartBackoff.Max == 0 {
		cfg.RestartBackoff.Max = 30 * time.Second
	}
	for i := range cfg.Watches {
		if cfg.Watches[i].Kind == "" {
			cfg.Watches[i].Kind = KindPlain
		}
	}
}

// validate checks that all required fields are populated and that enumerated
// fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.Debounce < 0 {
		errs = append(errs, fmt.Errorf("debounce %s must not be negative", cfg.Debounce))
	}
	if cfg.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("poll_interval %s must not be negative", cfg.PollInterval))
	}
	if cfg.NotifyBackend != BackendFSNotify && cfg.NotifyBackend != BackendPoll {
		errs = append(errs, fmt.Errorf("notify_backend %q must be one of: fsnotify, poll", cfg.NotifyBackend))
	}
	if cfg.ScanInterval < 0 {
		errs = append(errs, fmt.Errorf("scan_interval %s must not be negative", cfg.ScanInterval))
	}
	if cfg.RestartBackoff.Initial < 0 || cfg.RestartBackoff.Max < cfg.RestartBackoff.Initial {
		errs = append(errs, fmt.Errorf("restart_backoff: need 0 <= initial (%s) <= max (%s)",
			cfg.RestartBackoff.Initial, cfg.RestartBackoff.Max))
	}
	if cfg.APIAuth.PublicKeyPath == "" && (cfg.APIAuth.Issuer != "" || cfg.APIAuth.Audience != "") {
		errs = append(errs, errors.New("api_auth: issuer and audience need public_key_path"))
	}
	for i, pattern := range cfg.IgnoreDirs {
		if _, err := glob.Compile(pattern, '/'); err != nil {
			errs = append(errs, fmt.Errorf("ignore_dirs[%d]: %q: %w", i, pattern, err))
		}
	}

	if len(cfg.Watches) == 0 {
		errs = append(errs, errors.New("watches: at least one watch is required"))
	}
	names := make(map[string]bool, len(cfg.Watches))
	for i, w := range cfg.Watches {
		prefix := fmt.Sprintf("watches[%d]", i)
		if w.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", prefix))
		} else if names[w.Name] {
			errs = append(errs, fmt.Errorf("%s: name %q is used twice", prefix, w.Name))
		}
		names[w.Name] = true
		if w.Path == "" {
			errs = append(errs, fmt.Errorf("%s: path is required", prefix))
		}
		if !validKinds[w.Kind] {
			errs = append(errs, fmt.Errorf("%s: kind %q must be one of: config, peers, plain", prefix, w.Kind))
		}
		if w.UserConfigDeprecated && w.UserConfigDir == "" {
			errs = append(errs, fmt.Errorf("%s: user_config_deprecated needs user_config_dir", prefix))
		}
	}

	return errors.Join(errs...)
}
