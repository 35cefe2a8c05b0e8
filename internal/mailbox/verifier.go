package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/elnissi-io/postfix/internal/logging"
	"github.com/elnissi-io/postfix/internal/retry"
)

// Report summarizes one pass over a mailbox.
type Report struct {
	User string
	// Initial is the message count seen by the first SELECT.
	Initial uint32
	// IDs are the sequence numbers returned by SEARCH ALL.
	IDs      []uint32
	Fetched  int
	Deleted  int
	Expunged int
	// Final is the message count seen by the closing SELECT, when one ran.
	Final uint32
}

// InspectFunc is called with every fetched message. A non-nil error aborts
// the pass before the message is flagged for deletion.
type InspectFunc func(id uint32, raw []byte) error

// Options tune a lifecycle run.
type Options struct {
	// RequireMessages fails the run with ErrMailboxEmpty when the first
	// SELECT reports no messages. Set it only when mail was injected before
	// the run.
	RequireMessages bool
	// Fetch retrieves every message before flagging it. Inspect implies it.
	Fetch   bool
	Inspect InspectFunc
}

// Verifier runs the mailbox lifecycle checks. Each check opens its own
// session and closes it before returning.
type Verifier struct {
	opener   Opener
	delivery retry.Policy
	logger   *slog.Logger
}

// NewVerifier returns a Verifier. delivery bounds how long CheckExists waits
// for injected mail to appear.
func NewVerifier(opener Opener, delivery retry.Policy, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{opener: opener, delivery: delivery, logger: logger}
}

// Login opens and closes a session, reporting whether creds authenticate.
func (v *Verifier) Login(ctx context.Context, creds Credentials) error {
	s, err := v.opener.Open(ctx, creds)
	if err != nil {
		return err
	}
	return s.Close()
}

// CheckExists waits until the mailbox holds at least one message and
// returns the count.
func (v *Verifier) CheckExists(ctx context.Context, creds Credentials) (uint32, error) {
	return v.WaitFor(ctx, creds, 1)
}

// WaitFor waits until the mailbox holds at least want messages and returns
// the count. Only a short mailbox is polled again; any protocol error ends
// the wait at once.
func (v *Verifier) WaitFor(ctx context.Context, creds Credentials, want uint32) (uint32, error) {
	if want == 0 {
		want = 1
	}
	var count uint32
	_, err := retry.Until(ctx, v.delivery, func(ctx context.Context) (bool, error) {
		s, err := v.opener.Open(ctx, creds)
		if err != nil {
			return false, err
		}
		defer s.Close()

		st, err := s.Select()
		if err != nil {
			return false, err
		}
		count = st.Messages
		return count >= want, nil
	})
	if errors.Is(err, retry.ErrExhausted) {
		return count, &CommandError{
			Kind:    ErrMailboxEmpty,
			Command: "SELECT",
			User:    creds.Username,
			Err:     fmt.Errorf("%d of %d expected messages present", count, want),
		}
	}
	if err != nil {
		return 0, err
	}

	logging.WithUser(v.logger, creds.Username).Info("messages present", slog.Uint64("count", uint64(count)))
	return count, nil
}

// CheckEmpty fails with ErrMailboxNotEmpty unless the mailbox holds no
// messages.
func (v *Verifier) CheckEmpty(ctx context.Context, creds Credentials) error {
	s, err := v.opener.Open(ctx, creds)
	if err != nil {
		return err
	}
	defer s.Close()

	st, err := s.Select()
	if err != nil {
		return err
	}
	if st.Messages != 0 {
		return &CommandError{Kind: ErrMailboxNotEmpty, Command: "SELECT", User: creds.Username, Mailbox: st.Mailbox}
	}
	return nil
}

// Read fetches every message, hands it to inspect, flags it deleted and
// finally expunges.
func (v *Verifier) Read(ctx context.Context, creds Credentials, inspect InspectFunc) (Report, error) {
	return v.pass(ctx, creds, Options{Fetch: true, Inspect: inspect}, false)
}

// DeleteAll flags every message deleted without fetching it, then expunges.
func (v *Verifier) DeleteAll(ctx context.Context, creds Credentials) (Report, error) {
	return v.pass(ctx, creds, Options{}, false)
}

// Run performs the full lifecycle on one session: select, search, fetch and
// flag every message, expunge, then select again and require an empty
// mailbox. On an already empty mailbox it is a no-op apart from a harmless
// expunge.
func (v *Verifier) Run(ctx context.Context, creds Credentials, opts Options) (Report, error) {
	opts.Fetch = true
	return v.pass(ctx, creds, opts, true)
}

func (v *Verifier) pass(ctx context.Context, creds Credentials, opts Options, verify bool) (Report, error) {
	logger := logging.WithUser(v.logger, creds.Username)
	report := Report{User: creds.Username}

	s, err := v.opener.Open(ctx, creds)
	if err != nil {
		return report, err
	}
	defer s.Close()

	st, err := s.Select()
	if err != nil {
		return report, err
	}
	report.Initial = st.Messages
	if opts.RequireMessages && st.Messages == 0 {
		return report, &CommandError{Kind: ErrMailboxEmpty, Command: "SELECT", User: creds.Username, Mailbox: st.Mailbox}
	}

	ids, err := s.SearchAll()
	if err != nil {
		return report, err
	}
	report.IDs = ids

	for _, id := range ids {
		if opts.Fetch || opts.Inspect != nil {
			raw, err := s.Fetch(id)
			if err != nil {
				return report, err
			}
			report.Fetched++
			logger.Debug("fetched message", slog.Uint64("id", uint64(id)), slog.Int("size", len(raw)))
			if opts.Inspect != nil {
				if err := opts.Inspect(id, raw); err != nil {
					return report, err
				}
			}
		}
		if err := s.MarkDeleted(id); err != nil {
			return report, err
		}
		report.Deleted++
	}

	n, err := s.Expunge()
	if err != nil {
		return report, err
	}
	report.Expunged = n

	if verify {
		st, err := s.Select()
		if err != nil {
			return report, err
		}
		report.Final = st.Messages
		if st.Messages != 0 {
			return report, &CommandError{Kind: ErrMailboxNotEmpty, Command: "SELECT", User: creds.Username, Mailbox: st.Mailbox}
		}
	}

	if err := s.Close(); err != nil {
		logger.Debug("logout failed", slog.String("error", err.Error()))
	}

	logger.Info("mailbox pass complete",
		slog.Int("fetched", report.Fetched),
		slog.Int("deleted", report.Deleted),
		slog.Int("expunged", report.Expunged))
	return report, nil
}
