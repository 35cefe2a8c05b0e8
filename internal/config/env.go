package config

import (
	"fmt"
	"os"
	"strconv"
)

// ApplyEnv applies environment variable overrides to the configuration.
// Environment variables take precedence over TOML config but are overridden by command-line flags.
func ApplyEnv(cfg Config) (Config, error) {
	if v := os.Getenv("MAILCHECK_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("MAILCHECK_DOMAIN"); v != "" {
		cfg.Domain = v
	}
	if v := os.Getenv("MAILCHECK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MAILCHECK_IMAP_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("MAILCHECK_IMAP_PORT: %w", err)
		}
		cfg.IMAP.Port = p
	}
	if v := os.Getenv("MAILCHECK_SMTP_PORTS"); v != "" {
		ports, err := parsePorts(v)
		if err != nil {
			return cfg, fmt.Errorf("MAILCHECK_SMTP_PORTS: %w", err)
		}
		cfg.SMTP.Ports = ports
	}
	if v := os.Getenv("MAILCHECK_COMPOSE_PROJECT"); v != "" {
		cfg.Compose.Project = v
	}
	if v := os.Getenv("MAILCHECK_LOCK_REDIS_URL"); v != "" {
		cfg.Lock.RedisURL = v
		cfg.Lock.Enabled = true
	}

	// RELEASE_TAG is set by the release pipeline, not by us, so it keeps its
	// bare name.
	if v := os.Getenv("MAILCHECK_RELEASE_TAG"); v != "" {
		cfg.Release.Tag = v
	} else if v := os.Getenv("RELEASE_TAG"); v != "" {
		cfg.Release.Tag = v
	}

	return cfg, nil
}
