package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// Flags holds command-line flag values.
type Flags struct {
	ConfigPath    string
	LogLevel      string
	Host          string
	Domain        string
	IMAPPort      int
	SMTPPorts     string
	Project       string
	SkipContainer bool
	Textfile      string
}

// ParseFlags parses command-line flags and returns a Flags struct.
func ParseFlags(name string, args []string) (*Flags, error) {
	f := &Flags{}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)

	fs.StringVar(&f.ConfigPath, "config", "./mailcheck.toml", "Path to configuration file")
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.Host, "host", "", "Host running the mail service")
	fs.StringVar(&f.Domain, "domain", "", "Mail domain of the test users")
	fs.IntVar(&f.IMAPPort, "imap-port", 0, "IMAP port")
	fs.StringVar(&f.SMTPPorts, "smtp-ports", "", "Comma separated SMTP submission ports")
	fs.StringVar(&f.Project, "project", "", "Compose project under test")
	fs.BoolVar(&f.SkipContainer, "skip-container", false, "Skip container count and log readiness scenarios")
	fs.StringVar(&f.Textfile, "textfile", "", "Write metrics to this file after the run")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

// Load parses a TOML configuration file and returns the Config.
// If the file does not exist, returns the default configuration.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	var fileConfig FileConfig
	if err := toml.Unmarshal(data, &fileConfig); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	cfg = mergeConfig(cfg, fileConfig.Mailcheck)

	return cfg, nil
}

// ApplyFlags merges command-line flag values into the config.
// Non-zero/non-empty flag values override config file values.
func ApplyFlags(cfg Config, f *Flags) (Config, error) {
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}

	if f.Host != "" {
		cfg.Host = f.Host
	}

	if f.Domain != "" {
		cfg.Domain = f.Domain
	}

	if f.IMAPPort > 0 {
		cfg.IMAP.Port = f.IMAPPort
	}

	if f.SMTPPorts != "" {
		ports, err := parsePorts(f.SMTPPorts)
		if err != nil {
			return cfg, err
		}
		cfg.SMTP.Ports = ports
	}

	if f.Project != "" {
		cfg.Compose.Project = f.Project
	}

	if f.SkipContainer {
		cfg.Compose.Enabled = boolPtr(false)
	}

	if f.Textfile != "" {
		cfg.Metrics.Textfile = f.Textfile
	}

	return cfg, nil
}

// LoadWithFlags loads configuration from the path specified in flags,
// applies environment overrides and then flag overrides.
func LoadWithFlags(f *Flags) (Config, error) {
	cfg, err := Load(f.ConfigPath)
	if err != nil {
		return cfg, err
	}
	cfg, err = ApplyEnv(cfg)
	if err != nil {
		return cfg, err
	}
	return ApplyFlags(cfg, f)
}

// parsePorts parses a comma separated port list such as "1025,1587".
func parsePorts(v string) ([]int, error) {
	var ports []int
	for _, field := range strings.Split(v, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		p, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", field, err)
		}
		ports = append(ports, p)
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("no ports in %q", v)
	}
	return ports, nil
}

// mergeConfig merges non-zero values from src into dst.
func mergeConfig(dst, src Config) Config {
	if src.Host != "" {
		dst.Host = src.Host
	}

	if src.Domain != "" {
		dst.Domain = src.Domain
	}

	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}

	if src.IMAP.Port > 0 {
		dst.IMAP.Port = src.IMAP.Port
	}

	if src.IMAP.TLS != nil {
		dst.IMAP.TLS = src.IMAP.TLS
	}

	if src.IMAP.SkipVerify != nil {
		dst.IMAP.SkipVerify = src.IMAP.SkipVerify
	}

	if src.IMAP.Mailbox != "" {
		dst.IMAP.Mailbox = src.IMAP.Mailbox
	}

	if src.IMAP.TraceProtocol {
		dst.IMAP.TraceProtocol = true
	}

	if len(src.SMTP.Ports) > 0 {
		dst.SMTP.Ports = src.SMTP.Ports
	}

	if src.SMTP.Sender != "" {
		dst.SMTP.Sender = src.SMTP.Sender
	}

	if src.SMTP.Username != "" {
		dst.SMTP.Username = src.SMTP.Username
	}

	if src.SMTP.Password != "" {
		dst.SMTP.Password = src.SMTP.Password
	}

	// Users and negative logins replace the defaults wholesale; merging
	// individual entries would mix two credential sets.
	if len(src.Users) > 0 {
		dst.Users = src.Users
	}

	if src.Negative != nil {
		dst.Negative = src.Negative
	}

	if src.Message.SubjectTemplate != "" {
		dst.Message.SubjectTemplate = src.Message.SubjectTemplate
	}

	if src.Message.Body != "" {
		dst.Message.Body = src.Message.Body
	}

	if src.Readiness.Sentinel != "" {
		dst.Readiness.Sentinel = src.Readiness.Sentinel
	}

	if src.Readiness.Attempts > 0 {
		dst.Readiness.Attempts = src.Readiness.Attempts
	}

	if src.Readiness.Interval != "" {
		dst.Readiness.Interval = src.Readiness.Interval
	}

	if src.Delivery.Attempts > 0 {
		dst.Delivery.Attempts = src.Delivery.Attempts
	}

	if src.Delivery.Interval != "" {
		dst.Delivery.Interval = src.Delivery.Interval
	}

	if src.Compose.Enabled != nil {
		dst.Compose.Enabled = src.Compose.Enabled
	}

	if src.Compose.Project != "" {
		dst.Compose.Project = src.Compose.Project
	}

	if src.Compose.Service != "" {
		dst.Compose.Service = src.Compose.Service
	}

	if src.Compose.ExpectedInstances > 0 {
		dst.Compose.ExpectedInstances = src.Compose.ExpectedInstances
	}

	if src.Compose.DockerHost != "" {
		dst.Compose.DockerHost = src.Compose.DockerHost
	}

	if src.Release.Tag != "" {
		dst.Release.Tag = src.Release.Tag
	}

	if src.Release.VersionFile != "" {
		dst.Release.VersionFile = src.Release.VersionFile
	}

	if src.Release.VersionLabel != "" {
		dst.Release.VersionLabel = src.Release.VersionLabel
	}

	if src.Timeouts.Dial != "" {
		dst.Timeouts.Dial = src.Timeouts.Dial
	}

	if src.Timeouts.Command != "" {
		dst.Timeouts.Command = src.Timeouts.Command
	}

	if src.DKIM.Domain != "" {
		dst.DKIM.Domain = src.DKIM.Domain
	}

	if src.DKIM.Selector != "" {
		dst.DKIM.Selector = src.DKIM.Selector
	}

	if src.DKIM.KeyFile != "" {
		dst.DKIM.KeyFile = src.DKIM.KeyFile
	}

	if src.Lock.Enabled {
		dst.Lock.Enabled = true
	}

	if src.Lock.RedisURL != "" {
		dst.Lock.RedisURL = src.Lock.RedisURL
	}

	if src.Lock.Prefix != "" {
		dst.Lock.Prefix = src.Lock.Prefix
	}

	if src.Lock.TTL != "" {
		dst.Lock.TTL = src.Lock.TTL
	}

	// Metrics: enabled is explicitly set (boolean), so we merge if source has any non-zero value
	if src.Metrics.Enabled {
		dst.Metrics.Enabled = src.Metrics.Enabled
	}

	if src.Metrics.Address != "" {
		dst.Metrics.Address = src.Metrics.Address
	}

	if src.Metrics.Path != "" {
		dst.Metrics.Path = src.Metrics.Path
	}

	if src.Metrics.Textfile != "" {
		dst.Metrics.Textfile = src.Metrics.Textfile
	}

	if src.Watch.Interval != "" {
		dst.Watch.Interval = src.Watch.Interval
	}

	return dst
}
