package suite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/elnissi-io/postfix/internal/compose"
	"github.com/elnissi-io/postfix/internal/config"
	"github.com/elnissi-io/postfix/internal/lock"
	"github.com/elnissi-io/postfix/internal/logging"
	"github.com/elnissi-io/postfix/internal/mailbox"
	"github.com/elnissi-io/postfix/internal/message"
	"github.com/elnissi-io/postfix/internal/metrics"
	"github.com/elnissi-io/postfix/internal/readiness"
	"github.com/elnissi-io/postfix/internal/retry"
)

// Instances enumerates the composition hosting the service.
type Instances interface {
	Count(ctx context.Context) (int, error)
	Main(ctx context.Context) (compose.Instance, error)
}

// Sender injects one message through a submission port.
type Sender interface {
	Send(ctx context.Context, m message.Message) error
}

// Deps are the collaborators a Suite drives.
type Deps struct {
	// Instances is nil when container scenarios are disabled.
	Instances Instances
	// Logs is the service log polled for readiness. Nil skips the wait.
	Logs   readiness.LogSource
	Sender Sender
	Opener mailbox.Opener
	// Locker defaults to lock.NoopLocker.
	Locker  lock.Locker
	Logger  *slog.Logger
	Metrics metrics.Collector
	// RunID fixes the run identifier. By default every Run gets a new one.
	RunID string
	// ReadVersion defaults to ReadVersion.
	ReadVersion func(path string) (string, error)
}

// Suite is the acceptance scenario catalogue for one mail service.
type Suite struct {
	cfg      config.Config
	deps     Deps
	verifier *mailbox.Verifier
}

// New returns a Suite checking the service described by cfg.
func New(cfg config.Config, deps Deps) *Suite {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = &metrics.NoopCollector{}
	}
	if deps.Locker == nil {
		deps.Locker = lock.NoopLocker{}
	}
	if deps.ReadVersion == nil {
		deps.ReadVersion = ReadVersion
	}
	delivery := retry.Policy{Attempts: cfg.Delivery.Attempts, Interval: cfg.Delivery.PollInterval()}
	return &Suite{
		cfg:      cfg,
		deps:     deps,
		verifier: mailbox.NewVerifier(deps.Opener, delivery, deps.Logger),
	}
}

// Run holds every user's mailbox lock, runs the scenarios and releases the
// locks.
func (s *Suite) Run(ctx context.Context) Report {
	runID := s.deps.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	logger := logging.WithRun(s.deps.Logger, runID)

	unlock, err := s.lockMailboxes(ctx)
	if err != nil {
		logger.Error("acquiring mailbox locks", slog.String("error", err.Error()))
		s.deps.Metrics.SuiteCompleted(false, 0)
		return Report{RunID: runID, Aborted: err}
	}
	defer unlock()

	logger.Info("starting suite",
		slog.String("host", s.cfg.Host),
		slog.Int("users", len(s.cfg.Users)),
		slog.Any("smtp_ports", s.cfg.SMTP.Ports))

	runner := &Runner{Logger: s.deps.Logger, Metrics: s.deps.Metrics}
	report := runner.Run(ctx, runID, s.Scenarios(runID))

	logger.Info("suite finished",
		slog.Bool("passed", report.Passed()),
		slog.Duration("duration", report.Duration))
	return report
}

// lockMailboxes takes the locks in configuration order so that concurrent
// runs cannot deadlock. Waiting up to the TTL outlasts a holder that died
// without releasing.
func (s *Suite) lockMailboxes(ctx context.Context) (func(), error) {
	ttl := s.cfg.Lock.LockTTL()
	wait := retry.Policy{Attempts: int(ttl/time.Second) + 1, Interval: time.Second}

	var releases []lock.Release
	unlock := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			if err := releases[i](context.WithoutCancel(ctx)); err != nil {
				s.deps.Logger.Warn("releasing mailbox lock", slog.String("error", err.Error()))
			}
		}
	}
	for _, u := range s.cfg.Users {
		release, err := lock.Wait(ctx, s.deps.Locker, s.cfg.Address(u.Username), wait)
		if err != nil {
			unlock()
			return nil, err
		}
		releases = append(releases, release)
	}
	return unlock, nil
}

// Scenarios returns the catalogue in execution order.
func (s *Suite) Scenarios(runID string) []Scenario {
	sent := newLedger(s.archiveUsers())

	var scenarios []Scenario
	scenarios = append(scenarios, s.containerCount(), s.waitForReady())
	for _, u := range s.cfg.Users {
		for _, port := range s.cfg.SMTP.Ports {
			scenarios = append(scenarios, s.sendingMail(runID, sent, u, port))
		}
	}
	for _, u := range s.cfg.Users {
		scenarios = append(scenarios, s.imapLogin(mailbox.Credentials{Username: u.Username, Password: u.Password}, false))
	}
	for _, n := range s.cfg.Negative {
		scenarios = append(scenarios, s.imapLogin(mailbox.Credentials{Username: n.Username, Password: n.Password}, true))
	}
	for _, u := range s.cfg.Users {
		scenarios = append(scenarios, s.messagesExist(sent, u))
	}
	for _, u := range s.cfg.Users {
		scenarios = append(scenarios, s.reading(runID, sent, u))
	}
	for _, u := range s.cfg.Users {
		scenarios = append(scenarios, s.deleteAll(u))
	}
	for _, u := range s.cfg.Users {
		scenarios = append(scenarios, s.messagesCleared(u))
	}
	return append(scenarios, s.releaseVersion(), s.containerVersionLabel())
}

func (s *Suite) archiveUsers() []string {
	var names []string
	for _, u := range s.cfg.Users {
		if u.Role == config.RoleArchive {
			names = append(names, u.Username)
		}
	}
	return names
}

func (s *Suite) containerCount() Scenario {
	sc := Scenario{Name: "container_count", Fatal: true}
	if s.deps.Instances == nil {
		sc.Skip = "container checks disabled"
		return sc
	}
	sc.Run = func(ctx context.Context) error {
		n, err := s.deps.Instances.Count(ctx)
		if err != nil {
			return err
		}
		if n != s.cfg.Compose.ExpectedInstances {
			return fmt.Errorf("wrong number of instances: expected %d, found %d", s.cfg.Compose.ExpectedInstances, n)
		}
		return nil
	}
	return sc
}

func (s *Suite) waitForReady() Scenario {
	sc := Scenario{Name: "wait_for_ready", Fatal: true}
	if s.deps.Logs == nil {
		sc.Skip = "no service log source"
		return sc
	}
	sc.Run = func(ctx context.Context) error {
		w := &readiness.Waiter{
			Source:   s.deps.Logs,
			Sentinel: s.cfg.Readiness.Sentinel,
			Policy:   retry.Policy{Attempts: s.cfg.Readiness.Attempts, Interval: s.cfg.Readiness.PollInterval()},
			Logger:   logging.FromContext(ctx),
			Metrics:  s.deps.Metrics,
		}
		return w.Wait(ctx)
	}
	return sc
}

func (s *Suite) sendingMail(runID string, sent *ledger, u config.UserConfig, port int) Scenario {
	return Scenario{
		Name:  fmt.Sprintf("sending_mail[%s-%d]", u.Username, port),
		Group: "sending_mail",
		Run: func(ctx context.Context) error {
			m := message.Message{
				Subject: s.subject(port),
				From:    s.cfg.Address(s.cfg.SMTP.Sender),
				To:      s.cfg.Address(u.Username),
				Body:    s.cfg.Message.Body,
				Port:    port,
				RunID:   runID,
			}
			if err := s.deps.Sender.Send(ctx, m); err != nil {
				return err
			}
			sent.add(u.Username, m)
			return nil
		},
	}
}

func (s *Suite) subject(port int) string {
	if strings.Contains(s.cfg.Message.SubjectTemplate, "%d") {
		return fmt.Sprintf(s.cfg.Message.SubjectTemplate, port)
	}
	return s.cfg.Message.SubjectTemplate
}

func (s *Suite) imapLogin(creds mailbox.Credentials, expectFailure bool) Scenario {
	sc := Scenario{
		Name:          fmt.Sprintf("imap_login[%s-%s]", creds.Username, creds.Password),
		ExpectFailure: expectFailure,
		Run: func(ctx context.Context) error {
			return s.verifier.Login(ctx, creds)
		},
	}
	if expectFailure {
		sc.ExpectErr = mailbox.ErrAuthentication
	}
	return sc
}

func (s *Suite) messagesExist(sent *ledger, u config.UserConfig) Scenario {
	return Scenario{
		Name: fmt.Sprintf("imap_messages_exist[%s]", u.Username),
		Run: func(ctx context.Context) error {
			want := uint32(len(sent.expected(u.Username)))
			count, err := s.verifier.WaitFor(ctx, credentials(u), want)
			if err != nil {
				return err
			}
			logging.FromContext(ctx).Info("inbox message count", slog.Uint64("count", uint64(count)))
			return nil
		},
	}
}

func (s *Suite) reading(runID string, sent *ledger, u config.UserConfig) Scenario {
	return Scenario{
		Name: fmt.Sprintf("imap_reading[%s]", u.Username),
		Run: func(ctx context.Context) error {
			logger := logging.FromContext(ctx)
			m := newMatcher(runID, sent.expected(u.Username))
			report, err := s.verifier.Run(ctx, credentials(u), mailbox.Options{
				RequireMessages: true,
				Inspect: func(id uint32, raw []byte) error {
					logger.Debug("message", slog.Uint64("id", uint64(id)), slog.String("content", string(raw)))
					if err := m.inspect(raw); err != nil {
						return fmt.Errorf("message %d: %w", id, err)
					}
					return nil
				},
			})
			if err != nil {
				return err
			}
			if m.foreign > 0 || m.extra > 0 {
				logger.Info("mailbox held messages not sent by this run",
					slog.Int("foreign", m.foreign), slog.Int("extra", m.extra))
			}
			if report.Fetched != len(report.IDs) {
				return fmt.Errorf("fetched %d of %d messages", report.Fetched, len(report.IDs))
			}
			return m.missing()
		},
	}
}

func (s *Suite) deleteAll(u config.UserConfig) Scenario {
	return Scenario{
		Name: fmt.Sprintf("imap_delete_all[%s]", u.Username),
		Run: func(ctx context.Context) error {
			_, err := s.verifier.DeleteAll(ctx, credentials(u))
			return err
		},
	}
}

func (s *Suite) messagesCleared(u config.UserConfig) Scenario {
	return Scenario{
		Name: fmt.Sprintf("imap_messages_cleared[%s]", u.Username),
		Run: func(ctx context.Context) error {
			return s.verifier.CheckEmpty(ctx, credentials(u))
		},
	}
}

func (s *Suite) releaseVersion() Scenario {
	sc := Scenario{Name: "release_version"}
	if !s.cfg.Release.IsRelease() {
		sc.Skip = "this is not a release (RELEASE_TAG not set)"
		return sc
	}
	sc.Run = func(ctx context.Context) error {
		version, err := s.deps.ReadVersion(s.cfg.Release.VersionFile)
		if err != nil {
			return err
		}
		if want := "v" + version; s.cfg.Release.Tag != want {
			return fmt.Errorf("release tag %q does not match project version %q", s.cfg.Release.Tag, want)
		}
		return nil
	}
	return sc
}

func (s *Suite) containerVersionLabel() Scenario {
	sc := Scenario{Name: "container_version_label"}
	switch {
	case !s.cfg.Release.IsRelease():
		sc.Skip = "this is not a release (RELEASE_TAG not set)"
		return sc
	case s.deps.Instances == nil:
		sc.Skip = "container checks disabled"
		return sc
	}
	sc.Run = func(ctx context.Context) error {
		version, err := s.deps.ReadVersion(s.cfg.Release.VersionFile)
		if err != nil {
			return err
		}
		inst, err := s.deps.Instances.Main(ctx)
		if err != nil {
			return err
		}
		label, ok := inst.Label(s.cfg.Release.VersionLabel)
		if !ok {
			return fmt.Errorf("instance %s has no %s label", inst.Name, s.cfg.Release.VersionLabel)
		}
		if label != version {
			return fmt.Errorf("instance %s label %s = %q, want %q", inst.Name, s.cfg.Release.VersionLabel, label, version)
		}
		return nil
	}
	return sc
}

func credentials(u config.UserConfig) mailbox.Credentials {
	return mailbox.Credentials{Username: u.Username, Password: u.Password}
}

// IsNotReady reports whether err means the service never became ready.
func IsNotReady(err error) bool {
	var nre *readiness.NotReadyError
	return errors.As(err, &nre)
}
