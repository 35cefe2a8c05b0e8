package suite

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elnissi-io/postfix/internal/compose"
	"github.com/elnissi-io/postfix/internal/config"
	"github.com/elnissi-io/postfix/internal/inject"
	"github.com/elnissi-io/postfix/internal/lock"
	"github.com/elnissi-io/postfix/internal/mailbox"
	"github.com/elnissi-io/postfix/internal/message"
	"github.com/elnissi-io/postfix/internal/readiness"
	"github.com/elnissi-io/postfix/internal/testutil"
)

type fakeInstances struct {
	count int
	main  compose.Instance
	err   error
}

func (f *fakeInstances) Count(context.Context) (int, error) { return f.count, f.err }

func (f *fakeInstances) Main(context.Context) (compose.Instance, error) { return f.main, f.err }

// countingSender wraps a Sender and counts calls.
type countingSender struct {
	next Sender
	fail map[int]error

	mu    sync.Mutex
	calls int
}

func (s *countingSender) Send(ctx context.Context, m message.Message) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if err := s.fail[m.Port]; err != nil {
		return err
	}
	return s.next.Send(ctx, m)
}

type fixture struct {
	svc    *testutil.MailService
	cfg    config.Config
	deps   Deps
	sender *countingSender
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	svc := testutil.StartMailService(t, testutil.Options{})
	cfg := svc.Config()
	cfg.Readiness.Attempts = 3

	sender := &countingSender{next: inject.New(inject.Config{
		Host:        svc.Host,
		DialTimeout: 2 * time.Second,
	})}
	return &fixture{
		svc: svc,
		cfg: cfg,
		deps: Deps{
			Instances: &fakeInstances{count: 1, main: compose.Instance{Name: "postfix-1", Labels: map[string]string{}}},
			Logs:      svc,
			Sender:    sender,
			Opener:    mailbox.NewDialer(mailbox.FromConfig(cfg, nil, nil)),
			RunID:     "run-test",
		},
		sender: sender,
	}
}

func (f *fixture) run(t *testing.T) Report {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return New(f.cfg, f.deps).Run(ctx)
}

func outcomes(r Report) map[string]Outcome {
	m := make(map[string]Outcome, len(r.Results))
	for _, res := range r.Results {
		m[res.Name] = res.Outcome
	}
	return m
}

func TestSuitePassesAgainstMailService(t *testing.T) {
	f := newFixture(t)

	report := f.run(t)

	var failed []string
	for _, res := range report.Results {
		if res.Outcome.Failed() {
			failed = append(failed, res.Name+": "+errString(res.Err))
		}
	}
	require.True(t, report.Passed(), strings.Join(failed, "\n"))
	assert.Equal(t, "run-test", report.RunID)
	assert.Equal(t, map[Outcome]int{Pass: 16, XFail: 2, Skipped: 2}, report.Counts())

	got := outcomes(report)
	assert.Equal(t, XFail, got["imap_login[archive-testpassword]"])
	assert.Equal(t, XFail, got["imap_login[your_mom-so_fat]"])
	assert.Equal(t, Pass, got["imap_reading[archive]"])
	assert.Equal(t, Skipped, got["release_version"])

	assert.Len(t, f.svc.Deliveries(), 4)
	assert.Equal(t, 4, f.sender.calls)

	// The suite leaves every mailbox empty, so a second run passes too.
	f.deps.RunID = "run-again"
	again := f.run(t)
	assert.True(t, again.Passed())
}

func TestSuiteScenarioOrder(t *testing.T) {
	f := newFixture(t)
	scenarios := New(f.cfg, f.deps).Scenarios("run")

	names := make([]string, len(scenarios))
	for i, sc := range scenarios {
		names[i] = sc.Name
	}
	p1, p2 := f.cfg.SMTP.Ports[0], f.cfg.SMTP.Ports[1]
	assert.Equal(t, []string{
		"container_count",
		"wait_for_ready",
		sendName("archive", p1), sendName("archive", p2),
		sendName("testsender1", p1), sendName("testsender1", p2),
		"imap_login[archive-foobar]",
		"imap_login[testsender1-testpassword]",
		"imap_login[archive-testpassword]",
		"imap_login[your_mom-so_fat]",
		"imap_messages_exist[archive]",
		"imap_messages_exist[testsender1]",
		"imap_reading[archive]",
		"imap_reading[testsender1]",
		"imap_delete_all[archive]",
		"imap_delete_all[testsender1]",
		"imap_messages_cleared[archive]",
		"imap_messages_cleared[testsender1]",
		"release_version",
		"container_version_label",
	}, names)
}

func TestSuiteAbortsWhenNotReady(t *testing.T) {
	f := newFixture(t)
	f.cfg.Readiness.Interval = "1ms"
	f.deps.Logs = readiness.LogSourceFunc(func(context.Context) (string, error) {
		return "postfix/postfix-script: starting the Postfix mail system\n", nil
	})

	report := f.run(t)

	assert.True(t, IsNotReady(report.Aborted))
	assert.False(t, report.Passed())
	assert.Equal(t, Fail, outcomes(report)["wait_for_ready"])
	assert.Zero(t, f.sender.calls)
	assert.Equal(t, len(report.Results)-2, report.Counts()[Skipped])
}

func TestSuiteContainerCountMismatch(t *testing.T) {
	f := newFixture(t)
	f.deps.Instances = &fakeInstances{count: 2}

	report := f.run(t)

	require.Error(t, report.Aborted)
	assert.Contains(t, report.Aborted.Error(), "expected 1, found 2")
	assert.Zero(t, f.sender.calls)
}

func TestSuiteWithoutContainers(t *testing.T) {
	f := newFixture(t)
	f.deps.Instances = nil
	f.deps.Logs = nil

	report := f.run(t)

	got := outcomes(report)
	assert.Equal(t, Skipped, got["container_count"])
	assert.Equal(t, Skipped, got["wait_for_ready"])
	assert.True(t, report.Passed())
}

func TestSuiteValidNegativeLoginIsXPass(t *testing.T) {
	f := newFixture(t)
	f.cfg.Negative = []config.Credential{{Username: "archive", Password: "foobar"}}

	report := f.run(t)

	assert.Equal(t, XPass, outcomes(report)["imap_login[archive-foobar]"])
	assert.False(t, report.Passed())
}

func TestSuiteDeliveryFailure(t *testing.T) {
	f := newFixture(t)
	port := f.cfg.SMTP.Ports[1]
	f.sender.fail = map[int]error{port: &inject.DeliveryError{Port: port, Stage: "dial", Err: errors.New("connection refused")}}

	report := f.run(t)
	got := outcomes(report)

	assert.Equal(t, Fail, got[sendName("archive", port)])
	assert.Equal(t, Pass, got[sendName("archive", f.cfg.SMTP.Ports[0])])
	// Reading only expects what was delivered.
	assert.Equal(t, Pass, got["imap_reading[archive]"])
	assert.False(t, report.Passed())
}

func TestSuiteReleaseScenarios(t *testing.T) {
	tests := []struct {
		name      string
		tag       string
		label     string
		wantTag   Outcome
		wantLabel Outcome
	}{
		{"matching release", "v0.4.0", "0.4.0", Pass, Pass},
		{"tag mismatch", "v0.5.0", "0.4.0", Fail, Pass},
		{"label mismatch", "v0.4.0", "0.3.9", Pass, Fail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.cfg.Release.Tag = tt.tag
			f.deps.ReadVersion = func(string) (string, error) { return "0.4.0", nil }
			f.deps.Instances = &fakeInstances{count: 1, main: compose.Instance{
				Name:   "postfix-1",
				Labels: map[string]string{"org.opencontainers.image.version": tt.label},
			}}

			got := outcomes(f.run(t))
			assert.Equal(t, tt.wantTag, got["release_version"])
			assert.Equal(t, tt.wantLabel, got["container_version_label"])
		})
	}
}

func TestSuiteLockedMailbox(t *testing.T) {
	f := newFixture(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	locker := lock.NewRedisLocker(client, "mailcheck:lock:", time.Minute, nil)
	t.Cleanup(func() { _ = locker.Close() })

	f.deps.Locker = locker
	f.cfg.Lock.TTL = "1ms"

	held, err := locker.Acquire(context.Background(), "testsender1@example.com")
	require.NoError(t, err)

	report := f.run(t)
	assert.ErrorIs(t, report.Aborted, lock.ErrLocked)
	assert.Empty(t, report.Results)
	// The lock taken before the failure was given back.
	assert.False(t, mr.Exists("mailcheck:lock:archive@example.com"))

	require.NoError(t, held(context.Background()))
	report = f.run(t)
	assert.True(t, report.Passed())
	assert.Empty(t, mr.Keys())
}

func sendName(user string, port int) string {
	return "sending_mail[" + user + "-" + strconv.Itoa(port) + "]"
}

func errString(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}
