// Package inject delivers test messages to the service's SMTP submission ports.
package inject

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/elnissi-io/postfix/internal/logging"
	"github.com/elnissi-io/postfix/internal/message"
	"github.com/elnissi-io/postfix/internal/metrics"
)

// ErrDelivery matches every *DeliveryError.
var ErrDelivery = errors.New("delivery failed")

// DeliveryError reports a connection failure or SMTP rejection. It is never
// retried.
type DeliveryError struct {
	Port      int
	Recipient string
	// Stage is the SMTP step that failed, e.g. "dial", "AUTH" or "DATA".
	Stage string
	// Code and EnhancedCode are set when the server replied with an error.
	Code         int
	EnhancedCode string
	Err          error
}

func (e *DeliveryError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("delivery to %s on port %d failed at %s: %d %s: %v",
			e.Recipient, e.Port, e.Stage, e.Code, e.EnhancedCode, e.Err)
	}
	return fmt.Sprintf("delivery to %s on port %d failed at %s: %v", e.Recipient, e.Port, e.Stage, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrDelivery.
func (e *DeliveryError) Is(target error) bool {
	return target == ErrDelivery
}

// Config holds the settings shared by every injection.
type Config struct {
	Host string
	// HeloName is announced in EHLO. Defaults to "localhost".
	HeloName       string
	DialTimeout    time.Duration
	CommandTimeout time.Duration
	// Username and Password enable AUTH PLAIN when the server offers it.
	Username string
	Password string
	Signer   *message.Signer
	Logger   *slog.Logger
	Metrics  metrics.Collector
}

// Injector sends messages. It holds no per-message state, so one Injector
// may be used from many goroutines.
type Injector struct {
	cfg Config
}

// New creates an Injector.
func New(cfg Config) *Injector {
	if cfg.HeloName == "" {
		cfg.HeloName = "localhost"
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
	return &Injector{cfg: cfg}
}

// Send delivers m to m.To through the submission port m.Port. The connection
// is closed on every return path.
func (inj *Injector) Send(ctx context.Context, m message.Message) (err error) {
	logger := logging.WithPort(inj.cfg.Logger, m.Port).With(slog.String("recipient", m.To))

	defer func() {
		inj.cfg.Metrics.MessageInjected(m.Port, err == nil)
	}()

	fail := func(stage string, err error) error {
		de := &DeliveryError{Port: m.Port, Recipient: m.To, Stage: stage, Err: err}
		var se *smtp.SMTPError
		if errors.As(err, &se) {
			de.Code = se.Code
			de.EnhancedCode = fmt.Sprintf("%d.%d.%d", se.EnhancedCode[0], se.EnhancedCode[1], se.EnhancedCode[2])
		}
		logger.Warn("delivery failed", slog.String("stage", stage), slog.String("error", err.Error()))
		return de
	}

	raw, err := m.Compose()
	if err != nil {
		return fail("compose", err)
	}
	if inj.cfg.Signer != nil {
		if raw, err = inj.cfg.Signer.Sign(raw); err != nil {
			return fail("sign", err)
		}
	}

	addr := net.JoinHostPort(inj.cfg.Host, strconv.Itoa(m.Port))
	dialer := net.Dialer{Timeout: inj.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fail("dial", err)
	}

	// Unblock any pending read or write when ctx ends.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	sessionLogger := logging.WithSession(logger, "smtp", addr)
	c := smtp.NewClient(logging.TraceConn(conn, sessionLogger))
	defer c.Close()
	if inj.cfg.CommandTimeout > 0 {
		c.CommandTimeout = inj.cfg.CommandTimeout
		c.SubmissionTimeout = inj.cfg.CommandTimeout
	}

	if err := c.Hello(inj.cfg.HeloName); err != nil {
		return fail("EHLO", err)
	}

	if inj.cfg.Username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(sasl.NewPlainClient("", inj.cfg.Username, inj.cfg.Password)); err != nil {
				return fail("AUTH", err)
			}
		} else {
			sessionLogger.Debug("server does not offer AUTH, sending unauthenticated")
		}
	}

	if err := c.Mail(m.From, nil); err != nil {
		return fail("MAIL", err)
	}
	if err := c.Rcpt(m.To, nil); err != nil {
		return fail("RCPT", err)
	}
	w, err := c.Data()
	if err != nil {
		return fail("DATA", err)
	}
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return fail("DATA", err)
	}
	if err := w.Close(); err != nil {
		return fail("DATA", err)
	}

	// The message is accepted at this point; a failed QUIT does not undo it.
	if err := c.Quit(); err != nil {
		sessionLogger.Debug("quit failed", slog.String("error", err.Error()))
	}

	sessionLogger.Info("message injected", slog.String("subject", m.Subject))
	return nil
}
