package suite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/elnissi-io/postfix/internal/compose"
	"github.com/elnissi-io/postfix/internal/config"
	"github.com/elnissi-io/postfix/internal/inject"
	"github.com/elnissi-io/postfix/internal/lock"
	"github.com/elnissi-io/postfix/internal/mailbox"
	"github.com/elnissi-io/postfix/internal/message"
	"github.com/elnissi-io/postfix/internal/metrics"
)

// FromConfig builds a Suite with production collaborators: the docker daemon
// for container scenarios, SMTP and IMAP against cfg.Host, and the Redis
// lock when enabled. The returned close function releases them.
func FromConfig(ctx context.Context, cfg config.Config, logger *slog.Logger, collector metrics.Collector) (*Suite, func() error, error) {
	var closers []func() error
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}

	deps := Deps{Logger: logger, Metrics: collector}

	if cfg.ComposeEnabled() {
		cc, err := compose.New(cfg.Compose, logger)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, cc.Close)
		deps.Instances = cc
		deps.Logs = cc.ServiceLogs()
	}

	var signer *message.Signer
	if cfg.DKIM.KeyFile != "" {
		var err error
		signer, err = message.LoadSigner(cfg.DKIM.Domain, cfg.DKIM.Selector, cfg.DKIM.KeyFile)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("loading dkim key: %w", err)
		}
	}

	deps.Sender = inject.New(inject.Config{
		Host:           cfg.Host,
		DialTimeout:    cfg.Timeouts.DialTimeout(),
		CommandTimeout: cfg.Timeouts.CommandTimeout(),
		Username:       cfg.SMTP.Username,
		Password:       cfg.SMTP.Password,
		Signer:         signer,
		Logger:         logger,
		Metrics:        collector,
	})
	deps.Opener = mailbox.NewDialer(mailbox.FromConfig(cfg, logger, collector))

	locker, err := lock.New(ctx, cfg.Lock, logger)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	closers = append(closers, locker.Close)
	deps.Locker = locker

	return New(cfg, deps), closeAll, nil
}
