// Package config provides configuration management for the mail acceptance harness.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Role identifies how a mailbox user participates in the suite.
type Role string

const (
	// RoleArchive receives a copy of every message delivered by the service.
	RoleArchive Role = "archive"
	// RoleDirect only receives messages addressed to it.
	RoleDirect Role = "direct"
)

// FileConfig is the top-level wrapper for the shared configuration file.
// This allows the harness to live next to other tools' sections in one file.
type FileConfig struct {
	Mailcheck Config `toml:"mailcheck"`
}

// Config holds the complete harness configuration.
type Config struct {
	Host      string          `toml:"host"`
	Domain    string          `toml:"domain"`
	LogLevel  string          `toml:"log_level"`
	IMAP      IMAPConfig      `toml:"imap"`
	SMTP      SMTPConfig      `toml:"smtp"`
	Users     []UserConfig    `toml:"users"`
	Negative  []Credential    `toml:"negative_logins"`
	Message   MessageConfig   `toml:"message"`
	Readiness ReadinessConfig `toml:"readiness"`
	Delivery  DeliveryConfig  `toml:"delivery"`
	Compose   ComposeConfig   `toml:"compose"`
	Release   ReleaseConfig   `toml:"release"`
	Timeouts  TimeoutsConfig  `toml:"timeouts"`
	DKIM      DKIMConfig      `toml:"dkim"`
	Lock      LockConfig      `toml:"lock"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Watch     WatchConfig     `toml:"watch"`
}

// IMAPConfig defines how mailboxes are inspected.
type IMAPConfig struct {
	Port          int    `toml:"port"`
	TLS           *bool  `toml:"tls"`
	SkipVerify    *bool  `toml:"tls_skip_verify"`
	Mailbox       string `toml:"mailbox"`
	TraceProtocol bool   `toml:"trace"`
}

// SMTPConfig defines the submission endpoints messages are injected through.
type SMTPConfig struct {
	Ports    []int  `toml:"ports"`
	Sender   string `toml:"sender"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// UserConfig is one mailbox account with known-good credentials.
type UserConfig struct {
	Username string `toml:"username"`
	Password string `toml:"password"`
	Role     Role   `toml:"role"`
}

// Credential is a username/password pair that must be rejected by the service.
type Credential struct {
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// MessageConfig defines the content of injected test messages.
type MessageConfig struct {
	// SubjectTemplate is formatted with the submission port.
	SubjectTemplate string `toml:"subject_template"`
	Body            string `toml:"body"`
}

// ReadinessConfig defines the log sentinel poll that gates the suite.
type ReadinessConfig struct {
	Sentinel string `toml:"sentinel"`
	Attempts int    `toml:"attempts"`
	Interval string `toml:"interval"`
}

// DeliveryConfig bounds how long the suite waits for injected mail to
// become visible over IMAP.
type DeliveryConfig struct {
	Attempts int    `toml:"attempts"`
	Interval string `toml:"interval"`
}

// ComposeConfig identifies the orchestrated environment under test.
type ComposeConfig struct {
	Enabled           *bool  `toml:"enabled"`
	Project           string `toml:"project"`
	Service           string `toml:"service"`
	ExpectedInstances int    `toml:"expected_instances"`
	DockerHost        string `toml:"docker_host"`
}

// ReleaseConfig gates the release-only scenarios.
type ReleaseConfig struct {
	Tag          string `toml:"tag"`
	VersionFile  string `toml:"version_file"`
	VersionLabel string `toml:"version_label"`
}

// TimeoutsConfig defines network timeout durations.
type TimeoutsConfig struct {
	Dial    string `toml:"dial"`
	Command string `toml:"command"`
}

// DKIMConfig enables signing of injected messages.
type DKIMConfig struct {
	Domain   string `toml:"domain"`
	Selector string `toml:"selector"`
	KeyFile  string `toml:"key_file"`
}

// LockConfig holds configuration for the cross-run mailbox lock.
type LockConfig struct {
	Enabled  bool   `toml:"enabled"`
	RedisURL string `toml:"redis_url"`
	Prefix   string `toml:"prefix"`
	TTL      string `toml:"ttl"`
}

// MetricsConfig holds configuration for Prometheus metrics.
type MetricsConfig struct {
	Enabled  bool   `toml:"enabled"`
	Address  string `toml:"address"`
	Path     string `toml:"path"`
	Textfile string `toml:"textfile"`
}

// WatchConfig configures repeated runs.
type WatchConfig struct {
	Interval string `toml:"interval"`
}

// Default returns a Config matching the reference mail container.
func Default() Config {
	return Config{
		Host:     "localhost",
		Domain:   "example.com",
		LogLevel: "info",
		IMAP: IMAPConfig{
			Port:       1993,
			TLS:        boolPtr(true),
			SkipVerify: boolPtr(true),
			Mailbox:    "INBOX",
		},
		SMTP: SMTPConfig{
			Ports:  []int{1025, 1587},
			Sender: "test",
		},
		Users: []UserConfig{
			{Username: "archive", Password: "foobar", Role: RoleArchive},
			{Username: "testsender1", Password: "testpassword", Role: RoleDirect},
		},
		Negative: []Credential{
			{Username: "archive", Password: "testpassword"},
			{Username: "your_mom", Password: "so_fat"},
		},
		Message: MessageConfig{
			SubjectTemplate: "Test Message on port %d",
			Body:            "This is a test message sent during the unit tests.",
		},
		Readiness: ReadinessConfig{
			Sentinel: "daemon started",
			Attempts: 10,
			Interval: "1s",
		},
		Delivery: DeliveryConfig{
			Attempts: 10,
			Interval: "1s",
		},
		Compose: ComposeConfig{
			Enabled:           boolPtr(true),
			Service:           "postfix",
			ExpectedInstances: 1,
		},
		Release: ReleaseConfig{
			VersionFile:  "src/version.txt",
			VersionLabel: "org.opencontainers.image.version",
		},
		Timeouts: TimeoutsConfig{
			Dial:    "10s",
			Command: "30s",
		},
		Lock: LockConfig{
			Prefix: "mailcheck:lock:",
			TTL:    "2m",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9101",
			Path:    "/metrics",
		},
		Watch: WatchConfig{
			Interval: "5m",
		},
	}
}

// Validate checks that the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New("host is required")
	}

	if c.Domain == "" {
		return errors.New("domain is required")
	}

	if !validPort(c.IMAP.Port) {
		return fmt.Errorf("invalid imap port %d", c.IMAP.Port)
	}

	if len(c.SMTP.Ports) == 0 {
		return errors.New("at least one smtp port is required")
	}

	for i, p := range c.SMTP.Ports {
		if !validPort(p) {
			return fmt.Errorf("smtp port %d: invalid port %d", i, p)
		}
	}

	if c.SMTP.Sender == "" {
		return errors.New("smtp sender is required")
	}

	if len(c.Users) == 0 {
		return errors.New("at least one user is required")
	}

	seen := make(map[string]bool, len(c.Users))
	for i, u := range c.Users {
		if u.Username == "" || u.Password == "" {
			return fmt.Errorf("user %d: username and password are required", i)
		}
		if seen[u.Username] {
			return fmt.Errorf("user %d: duplicate username %q", i, u.Username)
		}
		seen[u.Username] = true
		if u.Role != RoleArchive && u.Role != RoleDirect {
			return fmt.Errorf("user %d: invalid role %q", i, u.Role)
		}
	}

	for i, n := range c.Negative {
		if n.Username == "" {
			return fmt.Errorf("negative login %d: username is required", i)
		}
		for _, u := range c.Users {
			if u.Username == n.Username && u.Password == n.Password {
				return fmt.Errorf("negative login %d: %q uses valid credentials", i, n.Username)
			}
		}
	}

	if c.Message.SubjectTemplate == "" {
		return errors.New("message subject_template is required")
	}

	if c.Readiness.Sentinel == "" {
		return errors.New("readiness sentinel is required")
	}

	if c.Readiness.Attempts < 1 {
		return errors.New("readiness attempts must be positive")
	}

	if c.Delivery.Attempts < 1 {
		return errors.New("delivery attempts must be positive")
	}

	durations := map[string]string{
		"readiness interval": c.Readiness.Interval,
		"delivery interval":  c.Delivery.Interval,
		"dial timeout":       c.Timeouts.Dial,
		"command timeout":    c.Timeouts.Command,
		"lock ttl":           c.Lock.TTL,
		"watch interval":     c.Watch.Interval,
	}
	for name, v := range durations {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	if c.ComposeEnabled() && c.Compose.ExpectedInstances < 1 {
		return errors.New("compose expected_instances must be positive")
	}

	if (c.DKIM.Domain != "" || c.DKIM.Selector != "" || c.DKIM.KeyFile != "") &&
		(c.DKIM.Domain == "" || c.DKIM.Selector == "" || c.DKIM.KeyFile == "") {
		return errors.New("dkim requires domain, selector and key_file together")
	}

	if c.Lock.Enabled && c.Lock.RedisURL == "" {
		return errors.New("lock redis_url is required when the lock is enabled")
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics address is required when metrics are enabled")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics path is required when metrics are enabled")
		}
	}

	return nil
}

// ComposeEnabled reports whether container scenarios should run.
func (c *Config) ComposeEnabled() bool {
	return c.Compose.Enabled == nil || *c.Compose.Enabled
}

// UseTLS reports whether IMAP connections use implicit TLS.
func (c *IMAPConfig) UseTLS() bool {
	return c.TLS == nil || *c.TLS
}

// InsecureSkipVerify reports whether the IMAP server certificate is left unverified.
func (c *IMAPConfig) InsecureSkipVerify() bool {
	return c.SkipVerify == nil || *c.SkipVerify
}

// Address returns the email address for a local part under the configured domain.
func (c *Config) Address(localpart string) string {
	return localpart + "@" + c.Domain
}

// IsRelease reports whether release-only scenarios should run.
func (c *ReleaseConfig) IsRelease() bool {
	return c.Tag != ""
}

// PollInterval returns the readiness poll interval.
// Returns 1 second if not configured or invalid.
func (c *ReadinessConfig) PollInterval() time.Duration {
	return parseDuration(c.Interval, time.Second)
}

// PollInterval returns the delivery poll interval.
// Returns 1 second if not configured or invalid.
func (c *DeliveryConfig) PollInterval() time.Duration {
	return parseDuration(c.Interval, time.Second)
}

// DialTimeout returns the dial timeout as a time.Duration.
// Returns 10 seconds if not configured or invalid.
func (c *TimeoutsConfig) DialTimeout() time.Duration {
	return parseDuration(c.Dial, 10*time.Second)
}

// CommandTimeout returns the per-command timeout as a time.Duration.
// Returns 30 seconds if not configured or invalid.
func (c *TimeoutsConfig) CommandTimeout() time.Duration {
	return parseDuration(c.Command, 30*time.Second)
}

// LockTTL returns how long a mailbox lock is held before it expires.
func (c *LockConfig) LockTTL() time.Duration {
	return parseDuration(c.TTL, 2*time.Minute)
}

// Every returns the watch interval.
func (c *WatchConfig) Every() time.Duration {
	return parseDuration(c.Interval, 5*time.Minute)
}

func parseDuration(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func validPort(p int) bool {
	return p > 0 && p < 65536
}

func boolPtr(b bool) *bool {
	return &b
}
