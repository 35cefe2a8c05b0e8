// Package mailbox inspects and empties user mailboxes over IMAP.
package mailbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/elnissi-io/postfix/internal/config"
	"github.com/elnissi-io/postfix/internal/logging"
	"github.com/elnissi-io/postfix/internal/metrics"
)

// State is the protocol state of a Session.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateSelected
	StateSearched
	StateModified
	StateExpunged
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateSelected:
		return "selected"
	case StateSearched:
		return "searched"
	case StateModified:
		return "modified"
	case StateExpunged:
		return "expunged"
	case StateClosed:
		return "closed"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// selected reports whether a mailbox is open in state s.
func (s State) selected() bool {
	return s >= StateSelected && s < StateClosed
}

// Credentials identify a mailbox user.
type Credentials struct {
	Username string
	Password string
}

// Config describes how sessions reach the IMAP service.
type Config struct {
	Host string
	Port int
	// TLS selects implicit TLS. TLSConfig is used when set, otherwise a
	// default configuration for Host.
	TLS       bool
	TLSConfig *tls.Config
	// Mailbox defaults to INBOX.
	Mailbox        string
	DialTimeout    time.Duration
	CommandTimeout time.Duration
	// Trace logs the raw protocol exchange at debug level.
	Trace   bool
	Logger  *slog.Logger
	Metrics metrics.Collector
}

// FromConfig derives the session settings from the harness configuration.
func FromConfig(cfg config.Config, logger *slog.Logger, collector metrics.Collector) Config {
	return Config{
		Host: cfg.Host,
		Port: cfg.IMAP.Port,
		TLS:  cfg.IMAP.UseTLS(),
		TLSConfig: &tls.Config{
			ServerName:         cfg.Host,
			InsecureSkipVerify: cfg.IMAP.InsecureSkipVerify(),
		},
		Mailbox:        cfg.IMAP.Mailbox,
		DialTimeout:    cfg.Timeouts.DialTimeout(),
		CommandTimeout: cfg.Timeouts.CommandTimeout(),
		Trace:          cfg.IMAP.TraceProtocol,
		Logger:         logger,
		Metrics:        collector,
	}
}

// Opener opens authenticated sessions.
type Opener interface {
	Open(ctx context.Context, creds Credentials) (*Session, error)
}

// Dialer opens sessions against one IMAP endpoint.
type Dialer struct {
	cfg       Config
	newClient func(ctx context.Context, logger *slog.Logger) (imapClient, net.Conn, error)
}

// NewDialer returns a Dialer for cfg.
func NewDialer(cfg Config) *Dialer {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &metrics.NoopCollector{}
	}
	d := &Dialer{cfg: cfg}
	d.newClient = d.dial
	return d
}

func (d *Dialer) dial(ctx context.Context, logger *slog.Logger) (imapClient, net.Conn, error) {
	addr := net.JoinHostPort(d.cfg.Host, strconv.Itoa(d.cfg.Port))
	dialer := &net.Dialer{Timeout: d.cfg.DialTimeout}

	var conn net.Conn
	var err error
	if d.cfg.TLS {
		tlsConfig := d.cfg.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{ServerName: d.cfg.Host}
		}
		td := &tls.Dialer{NetDialer: dialer, Config: tlsConfig}
		conn, err = td.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, nil, err
	}

	opts := &imapclient.Options{}
	if d.cfg.Trace {
		opts.DebugWriter = logging.NewTransactionWriter(io.Discard, logger, "imap")
	}
	c := imapclient.New(conn, opts)
	return &imapClientWrapper{Client: c}, conn, nil
}

// Open dials the service and logs in. On any failure the connection is
// closed and no session is returned.
func (d *Dialer) Open(ctx context.Context, creds Credentials) (*Session, error) {
	addr := net.JoinHostPort(d.cfg.Host, strconv.Itoa(d.cfg.Port))
	logger := logging.WithSession(logging.WithUser(d.cfg.Logger, creds.Username), "imap", addr)

	client, conn, err := d.newClient(ctx, logger)
	if err != nil {
		d.cfg.Metrics.IMAPCommand("CONNECT", false)
		return nil, newCommandError(ErrConnect, "CONNECT", creds.Username, "", 0, err)
	}

	s := &Session{
		ctx:     ctx,
		client:  client,
		conn:    conn,
		user:    creds.Username,
		mailbox: d.cfg.Mailbox,
		timeout: d.cfg.CommandTimeout,
		logger:  logger,
		metrics: d.cfg.Metrics,
		state:   StateUnauthenticated,
	}
	if conn != nil {
		s.stop = context.AfterFunc(ctx, func() {
			_ = conn.SetDeadline(time.Now())
		})
	}

	s.arm()
	err = client.Login(creds.Username, creds.Password).Wait()
	s.record("LOGIN", err)
	if err != nil {
		kind := ErrAuthentication
		var imapErr *imap.Error
		if !errors.As(err, &imapErr) {
			kind = ErrConnect
		}
		s.shutdown()
		return nil, newCommandError(kind, "LOGIN", creds.Username, "", 0, err)
	}

	s.state = StateAuthenticated
	logger.Debug("logged in")
	return s, nil
}

// Status is the result of selecting a mailbox.
type Status struct {
	Mailbox     string
	Messages    uint32
	UIDValidity uint32
}

// Session is one authenticated IMAP connection. It is not safe for
// concurrent use.
type Session struct {
	ctx     context.Context
	client  imapClient
	conn    net.Conn
	user    string
	mailbox string
	timeout time.Duration
	logger  *slog.Logger
	metrics metrics.Collector
	stop    func() bool

	state     State
	closeOnce sync.Once
	closeErr  error
}

// State returns the session's current protocol state.
func (s *Session) State() State {
	return s.state
}

// User returns the username the session is authenticated as.
func (s *Session) User() string {
	return s.user
}

// Select opens the session's mailbox and reports its message count.
func (s *Session) Select() (Status, error) {
	if s.state == StateClosed {
		return Status{}, s.misuse("SELECT", ErrSessionClosed)
	}

	s.arm()
	data, err := s.client.Select(s.mailbox, nil).Wait()
	s.record("SELECT", err)
	if err != nil {
		return Status{}, newCommandError(ErrSelect, "SELECT", s.user, s.mailbox, 0, err)
	}

	s.state = StateSelected
	st := Status{Mailbox: s.mailbox, Messages: data.NumMessages, UIDValidity: data.UIDValidity}
	s.logger.Info("mailbox selected",
		slog.String("mailbox", st.Mailbox),
		slog.Uint64("messages", uint64(st.Messages)))
	return st, nil
}

// SearchAll returns the sequence numbers of every message in ascending
// order. An empty mailbox yields an empty slice.
func (s *Session) SearchAll() ([]uint32, error) {
	if err := s.requireSelected("SEARCH"); err != nil {
		return nil, err
	}

	s.arm()
	data, err := s.client.Search(&imap.SearchCriteria{}, nil).Wait()
	s.record("SEARCH", err)
	if err != nil {
		return nil, newCommandError(ErrSearch, "SEARCH", s.user, s.mailbox, 0, err)
	}

	ids := data.AllSeqNums()
	if ids == nil {
		ids = []uint32{}
	}
	if s.state != StateModified {
		s.state = StateSearched
	}
	s.logger.Debug("search complete", slog.Int("messages", len(ids)))
	return ids, nil
}

// Fetch returns the full raw content of message id.
func (s *Session) Fetch(id uint32) ([]byte, error) {
	if err := s.requireSelected("FETCH"); err != nil {
		return nil, err
	}

	section := &imap.FetchItemBodySection{}
	s.arm()
	msgs, err := s.client.Fetch(imap.SeqSetNum(id), &imap.FetchOptions{
		BodySection: []*imap.FetchItemBodySection{section},
	}).Collect()
	if err == nil && len(msgs) == 0 {
		err = fmt.Errorf("no message with sequence number %d", id)
	}
	var body []byte
	if err == nil {
		if body = msgs[0].FindBodySection(section); body == nil {
			err = errors.New("server returned no body")
		}
	}
	s.record("FETCH", err)
	if err != nil {
		return nil, newCommandError(ErrFetch, "FETCH", s.user, s.mailbox, id, err)
	}

	s.logger.Debug("message fetched", slog.Uint64("id", uint64(id)), slog.Int("size", len(body)))
	return body, nil
}

// MarkDeleted sets the \Deleted flag on message id.
func (s *Session) MarkDeleted(id uint32) error {
	if err := s.requireSelected("STORE"); err != nil {
		return err
	}

	s.arm()
	err := s.client.Store(imap.SeqSetNum(id), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}, nil).Close()
	s.record("STORE", err)
	if err != nil {
		return newCommandError(ErrStore, "STORE", s.user, s.mailbox, id, err)
	}

	s.state = StateModified
	return nil
}

// Expunge permanently removes every message flagged \Deleted and returns
// how many were removed.
func (s *Session) Expunge() (int, error) {
	if err := s.requireSelected("EXPUNGE"); err != nil {
		return 0, err
	}

	s.arm()
	removed, err := s.client.Expunge().Collect()
	s.record("EXPUNGE", err)
	if err != nil {
		return 0, newCommandError(ErrExpunge, "EXPUNGE", s.user, s.mailbox, 0, err)
	}

	s.state = StateExpunged
	s.logger.Debug("expunged", slog.Int("messages", len(removed)))
	return len(removed), nil
}

// Close logs out and releases the connection. Only the first call has any
// effect; later calls return the first call's result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.arm()
		err := s.client.Logout().Wait()
		s.record("LOGOUT", err)
		if cerr := s.shutdown(); err == nil {
			err = cerr
		}
		s.closeErr = err
	})
	return s.closeErr
}

// shutdown closes the transport without logging out.
func (s *Session) shutdown() error {
	s.state = StateClosed
	if s.stop != nil {
		s.stop()
	}
	return s.client.Close()
}

func (s *Session) requireSelected(command string) error {
	switch {
	case s.state == StateClosed:
		return s.misuse(command, ErrSessionClosed)
	case !s.state.selected():
		return s.misuse(command, ErrNotSelected)
	}
	return nil
}

func (s *Session) misuse(command string, kind error) error {
	return &CommandError{Kind: kind, Command: command, User: s.user, Mailbox: s.mailbox}
}

// arm bounds the next command by the command timeout, or fails it at once
// when the session's context has ended.
func (s *Session) arm() {
	if s.conn == nil {
		return
	}
	if s.ctx.Err() != nil {
		_ = s.conn.SetDeadline(time.Now())
		return
	}
	if s.timeout > 0 {
		_ = s.conn.SetDeadline(time.Now().Add(s.timeout))
	}
}

func (s *Session) record(command string, err error) {
	s.metrics.IMAPCommand(command, err == nil)
	if err != nil {
		s.logger.Debug("command failed", slog.String("command", command), slog.String("error", err.Error()))
	}
}
