package config

import (
	"os"
	"path/filepath"
	"testing"
)

func createTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mailcheck.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.toml")
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}

	expected := Default()
	if cfg.Host != expected.Host {
		t.Errorf("expected host %q, got %q", expected.Host, cfg.Host)
	}
}

func TestLoadValidTOML(t *testing.T) {
	content := `
[mailcheck]
host = "mail.internal"
domain = "corp.test"
log_level = "debug"

[mailcheck.imap]
port = 993
tls_skip_verify = false

[mailcheck.smtp]
ports = [25, 587]
sender = "probe"

[[mailcheck.users]]
username = "archive"
password = "s3cret"
role = "archive"

[[mailcheck.negative_logins]]
username = "archive"
password = "wrong"

[mailcheck.readiness]
sentinel = "ready"
attempts = 30
interval = "2s"

[mailcheck.compose]
project = "postfix-test"
expected_instances = 2
`

	path := createTempConfig(t, content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Host != "mail.internal" {
		t.Errorf("host = %q, want 'mail.internal'", cfg.Host)
	}
	if cfg.Domain != "corp.test" {
		t.Errorf("domain = %q, want 'corp.test'", cfg.Domain)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log_level = %q, want 'debug'", cfg.LogLevel)
	}
	if cfg.IMAP.Port != 993 {
		t.Errorf("imap port = %d, want 993", cfg.IMAP.Port)
	}
	if cfg.IMAP.InsecureSkipVerify() {
		t.Error("expected tls_skip_verify = false to be honored")
	}
	if !cfg.IMAP.UseTLS() {
		t.Error("expected TLS default to survive the merge")
	}
	if len(cfg.SMTP.Ports) != 2 || cfg.SMTP.Ports[1] != 587 {
		t.Errorf("smtp ports = %v, want [25 587]", cfg.SMTP.Ports)
	}
	if cfg.SMTP.Sender != "probe" {
		t.Errorf("sender = %q, want 'probe'", cfg.SMTP.Sender)
	}
	if len(cfg.Users) != 1 || cfg.Users[0].Password != "s3cret" {
		t.Errorf("users = %+v, want the single configured user", cfg.Users)
	}
	if len(cfg.Negative) != 1 || cfg.Negative[0].Password != "wrong" {
		t.Errorf("negative logins = %+v", cfg.Negative)
	}
	if cfg.Readiness.Sentinel != "ready" || cfg.Readiness.Attempts != 30 {
		t.Errorf("readiness = %+v", cfg.Readiness)
	}
	if cfg.Compose.Project != "postfix-test" || cfg.Compose.ExpectedInstances != 2 {
		t.Errorf("compose = %+v", cfg.Compose)
	}
	// Untouched sections keep their defaults.
	if cfg.Compose.Service != "postfix" {
		t.Errorf("compose service = %q, want default 'postfix'", cfg.Compose.Service)
	}
	if cfg.Message.SubjectTemplate != "Test Message on port %d" {
		t.Errorf("subject template = %q", cfg.Message.SubjectTemplate)
	}
}

func TestLoadEmptyNegativeListDisablesDefaults(t *testing.T) {
	content := `
[mailcheck]
negative_logins = []
`
	cfg, err := Load(createTempConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Negative) != 0 {
		t.Errorf("expected no negative logins, got %+v", cfg.Negative)
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	path := createTempConfig(t, "[mailcheck\nhost = ")
	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid TOML")
	}
}

func TestParseFlags(t *testing.T) {
	f, err := ParseFlags("run", []string{
		"-config", "/etc/mailcheck.toml",
		"-host", "10.0.0.5",
		"-smtp-ports", "2525, 2587",
		"-imap-port", "9993",
		"-skip-container",
	})
	if err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}
	if f.ConfigPath != "/etc/mailcheck.toml" {
		t.Errorf("config path = %q", f.ConfigPath)
	}

	cfg, err := ApplyFlags(Default(), f)
	if err != nil {
		t.Fatalf("ApplyFlags() error = %v", err)
	}
	if cfg.Host != "10.0.0.5" {
		t.Errorf("host = %q, want 10.0.0.5", cfg.Host)
	}
	if len(cfg.SMTP.Ports) != 2 || cfg.SMTP.Ports[0] != 2525 || cfg.SMTP.Ports[1] != 2587 {
		t.Errorf("smtp ports = %v", cfg.SMTP.Ports)
	}
	if cfg.IMAP.Port != 9993 {
		t.Errorf("imap port = %d", cfg.IMAP.Port)
	}
	if cfg.ComposeEnabled() {
		t.Error("expected -skip-container to disable compose scenarios")
	}
}

func TestApplyFlagsInvalidPorts(t *testing.T) {
	_, err := ApplyFlags(Default(), &Flags{SMTPPorts: "25,smtp"})
	if err == nil {
		t.Error("expected error for non-numeric port")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("MAILCHECK_HOST", "mail")
	t.Setenv("MAILCHECK_SMTP_PORTS", "25")
	t.Setenv("RELEASE_TAG", "v0.4.0")
	t.Setenv("MAILCHECK_LOCK_REDIS_URL", "redis://localhost:6379/0")

	cfg, err := ApplyEnv(Default())
	if err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}
	if cfg.Host != "mail" {
		t.Errorf("host = %q, want 'mail'", cfg.Host)
	}
	if len(cfg.SMTP.Ports) != 1 || cfg.SMTP.Ports[0] != 25 {
		t.Errorf("smtp ports = %v", cfg.SMTP.Ports)
	}
	if cfg.Release.Tag != "v0.4.0" {
		t.Errorf("release tag = %q", cfg.Release.Tag)
	}
	if !cfg.Lock.Enabled {
		t.Error("expected redis url to enable the lock")
	}
}

func TestApplyEnvPrefersPrefixedReleaseTag(t *testing.T) {
	t.Setenv("RELEASE_TAG", "v1")
	t.Setenv("MAILCHECK_RELEASE_TAG", "v2")

	cfg, err := ApplyEnv(Default())
	if err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}
	if cfg.Release.Tag != "v2" {
		t.Errorf("release tag = %q, want v2", cfg.Release.Tag)
	}
}

func TestApplyEnvInvalidPort(t *testing.T) {
	t.Setenv("MAILCHECK_IMAP_PORT", "imaps")
	if _, err := ApplyEnv(Default()); err == nil {
		t.Error("expected error for invalid MAILCHECK_IMAP_PORT")
	}
}
