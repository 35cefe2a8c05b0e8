package testutil

import (
	"io"
	"log/slog"
	"net"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// smtpBackend implements the go-smtp Backend interface on top of the fake
// service's mailboxes.
type smtpBackend struct {
	svc    *MailService
	logger *slog.Logger
}

// NewSession is called for each new connection.
func (b *smtpBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	port := 0
	if addr, ok := c.Conn().LocalAddr().(*net.TCPAddr); ok {
		port = addr.Port
	}
	return &smtpSession{
		svc:    b.svc,
		port:   port,
		logger: b.logger.With(slog.Int("port", port)),
	}, nil
}

// smtpSession implements smtp.Session and smtp.AuthSession.
type smtpSession struct {
	svc        *MailService
	port       int
	from       string
	recipients []string
	authUser   string
	logger     *slog.Logger
}

// AuthMechanisms returns the available authentication mechanisms.
func (s *smtpSession) AuthMechanisms() []string {
	if !s.svc.opts.SMTPAuth {
		return nil
	}
	return []string{sasl.Plain}
}

// Auth handles authentication against the configured users.
func (s *smtpSession) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		return nil, smtp.ErrAuthUnknownMechanism
	}
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if !s.svc.checkPassword(username, password) {
			s.logger.Debug("authentication failed", slog.String("username", username))
			return &smtp.SMTPError{
				Code:         535,
				EnhancedCode: smtp.EnhancedCode{5, 7, 8},
				Message:      "Authentication credentials invalid",
			}
		}
		s.authUser = username
		return nil
	}), nil
}

// Mail handles the MAIL FROM command.
func (s *smtpSession) Mail(from string, opts *smtp.MailOptions) error {
	if s.svc.opts.SMTPAuth && s.authUser == "" {
		return &smtp.SMTPError{
			Code:         530,
			EnhancedCode: smtp.EnhancedCode{5, 7, 0},
			Message:      "Authentication required",
		}
	}
	s.from = from
	return nil
}

// Rcpt accepts only mailbox users of the service's domain.
func (s *smtpSession) Rcpt(to string, opts *smtp.RcptOptions) error {
	local, domain, ok := strings.Cut(to, "@")
	if !ok || !strings.EqualFold(domain, s.svc.opts.Domain) || !s.svc.hasUser(local) {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "Recipient address rejected: User unknown",
		}
	}
	s.recipients = append(s.recipients, local)
	return nil
}

// Data stores the message in every recipient's inbox and in every archive
// inbox.
func (s *smtpSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Error reading message",
		}
	}

	if err := s.svc.deliver(s.port, s.from, s.recipients, data); err != nil {
		s.logger.Debug("delivery failed", slog.String("error", err.Error()))
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Delivery failed",
		}
	}

	s.logger.Debug("message delivered",
		slog.Int("size", len(data)),
		slog.Int("recipients", len(s.recipients)))
	return nil
}

// Reset is called when the client sends RSET.
func (s *smtpSession) Reset() {
	s.from = ""
	s.recipients = nil
}

// Logout is called when the client quits or the connection closes.
func (s *smtpSession) Logout() error {
	return nil
}
