// Package testutil provides an in-process stand-in for the mail container:
// SMTP submission listeners delivering into in-memory IMAP mailboxes served
// over implicit TLS.
package testutil

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
	"github.com/emersion/go-smtp"

	"github.com/elnissi-io/postfix/internal/config"
)

// ReadyLine is written to the fake service's log once all listeners are up.
const ReadyLine = "postfix/master[1]: daemon started -- version 3.7.11, configuration /etc/postfix\n"

// Options configures a MailService.
type Options struct {
	// Domain defaults to example.com.
	Domain string
	// Users defaults to the users of config.Default().
	Users []config.UserConfig
	// SMTPListeners is the number of submission ports opened. Defaults to 2.
	SMTPListeners int
	// SMTPAuth advertises AUTH PLAIN and requires it before MAIL FROM.
	SMTPAuth bool
	Logger   *slog.Logger
}

// Delivery records one accepted SMTP transaction.
type Delivery struct {
	Port       int
	From       string
	Recipients []string
	Size       int
}

// MailService is a running fake mail service bound to 127.0.0.1.
type MailService struct {
	Host      string
	SMTPPorts []int
	IMAPPort  int
	// RootCAs trusts the IMAP server certificate.
	RootCAs *x509.CertPool

	opts    Options
	users   map[string]*imapmemserver.User
	archive []string

	mu         sync.Mutex
	deliveries []Delivery

	smtpServers []*smtp.Server
	imapServer  *imapserver.Server
}

// StartMailService starts the fake service and stops it when t finishes.
func StartMailService(t testing.TB, opts Options) *MailService {
	t.Helper()

	if opts.Domain == "" {
		opts.Domain = "example.com"
	}
	if len(opts.Users) == 0 {
		opts.Users = config.Default().Users
	}
	if opts.SMTPListeners == 0 {
		opts.SMTPListeners = 2
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	svc := &MailService{
		Host:  "127.0.0.1",
		opts:  opts,
		users: make(map[string]*imapmemserver.User, len(opts.Users)),
	}

	mem := imapmemserver.New()
	for _, u := range opts.Users {
		user := imapmemserver.NewUser(u.Username, u.Password)
		if err := user.Create("INBOX", nil); err != nil {
			t.Fatalf("creating INBOX for %s: %v", u.Username, err)
		}
		mem.AddUser(user)
		svc.users[u.Username] = user
		if u.Role == config.RoleArchive {
			svc.archive = append(svc.archive, u.Username)
		}
	}

	serverTLS, pool := GenerateTLS(t, svc.Host)
	svc.RootCAs = pool

	svc.imapServer = imapserver.New(&imapserver.Options{
		NewSession: func(conn *imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return mem.NewSession(), nil, nil
		},
		Caps: imap.CapSet{
			imap.CapIMAP4rev1: {},
			imap.CapIMAP4rev2: {},
		},
		TLSConfig:    serverTLS,
		InsecureAuth: true,
	})
	imapLn, err := tls.Listen("tcp", net.JoinHostPort(svc.Host, "0"), serverTLS)
	if err != nil {
		t.Fatalf("listening for IMAP: %v", err)
	}
	svc.IMAPPort = imapLn.Addr().(*net.TCPAddr).Port
	go func() { _ = svc.imapServer.Serve(imapLn) }()
	t.Cleanup(func() { _ = svc.imapServer.Close() })

	be := &smtpBackend{svc: svc, logger: opts.Logger}
	for i := 0; i < opts.SMTPListeners; i++ {
		s := smtp.NewServer(be)
		s.Domain = "localhost"
		s.AllowInsecureAuth = true
		s.ReadTimeout = 10 * time.Second
		s.WriteTimeout = 10 * time.Second
		s.MaxRecipients = 10

		ln, err := net.Listen("tcp", net.JoinHostPort(svc.Host, "0"))
		if err != nil {
			t.Fatalf("listening for SMTP: %v", err)
		}
		svc.SMTPPorts = append(svc.SMTPPorts, ln.Addr().(*net.TCPAddr).Port)
		svc.smtpServers = append(svc.smtpServers, s)
		go func() { _ = s.Serve(ln) }()
		t.Cleanup(func() { _ = s.Close() })
	}

	return svc
}

// Config returns a harness configuration pointed at the service. Container
// scenarios are disabled and delivery polling is shortened.
func (s *MailService) Config() config.Config {
	cfg := config.Default()
	cfg.Host = s.Host
	cfg.Domain = s.opts.Domain
	cfg.IMAP.Port = s.IMAPPort
	cfg.SMTP.Ports = append([]int(nil), s.SMTPPorts...)
	cfg.Users = append([]config.UserConfig(nil), s.opts.Users...)
	cfg.Compose.Enabled = new(bool)
	cfg.Delivery.Attempts = 20
	cfg.Delivery.Interval = "50ms"
	cfg.Readiness.Interval = "10ms"
	cfg.Timeouts.Dial = "2s"
	cfg.Timeouts.Command = "5s"
	return cfg
}

// Logs implements readiness.LogSource. The service is ready as soon as it
// has been started.
func (s *MailService) Logs(ctx context.Context) (string, error) {
	return "postfix/postfix-script: starting the Postfix mail system\n" + ReadyLine, nil
}

// Deliveries returns the accepted SMTP transactions in arrival order.
func (s *MailService) Deliveries() []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Delivery(nil), s.deliveries...)
}

// Seed appends raw to username's INBOX without going through SMTP.
func (s *MailService) Seed(username string, raw []byte) error {
	user, ok := s.users[username]
	if !ok {
		return fmt.Errorf("unknown user %q", username)
	}
	_, err := user.Append("INBOX", bytes.NewReader(raw), &imap.AppendOptions{Time: time.Now()})
	return err
}

func (s *MailService) hasUser(username string) bool {
	_, ok := s.users[username]
	return ok
}

func (s *MailService) checkPassword(username, password string) bool {
	for _, u := range s.opts.Users {
		if u.Username == username {
			return u.Password == password
		}
	}
	return false
}

// deliver stores data in each recipient's inbox plus each archive inbox,
// at most once per mailbox.
func (s *MailService) deliver(port int, from string, recipients []string, data []byte) error {
	targets := make(map[string]bool, len(recipients)+len(s.archive))
	for _, r := range recipients {
		targets[r] = true
	}
	for _, a := range s.archive {
		targets[a] = true
	}
	for name := range targets {
		if err := s.Seed(name, data); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.deliveries = append(s.deliveries, Delivery{
		Port:       port,
		From:       from,
		Recipients: append([]string(nil), recipients...),
		Size:       len(data),
	})
	s.mu.Unlock()
	return nil
}
