package mailbox

import (
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-imap/v2"
)

// Failure kinds. Every error returned by this package matches exactly one
// of them through errors.Is.
var (
	ErrConnect        = errors.New("connection failed")
	ErrAuthentication = errors.New("authentication failed")
	ErrSelect         = errors.New("select failed")
	ErrSearch         = errors.New("search failed")
	ErrFetch          = errors.New("fetch failed")
	ErrStore          = errors.New("store failed")
	ErrExpunge        = errors.New("expunge failed")

	// Misuse of a session.
	ErrNotSelected   = errors.New("no mailbox selected")
	ErrSessionClosed = errors.New("session closed")

	// Lifecycle assertions.
	ErrMailboxEmpty    = errors.New("mailbox is empty")
	ErrMailboxNotEmpty = errors.New("mailbox is not empty")
)

// CommandError describes a failed IMAP command or lifecycle assertion.
type CommandError struct {
	Kind    error
	Command string
	User    string
	Mailbox string
	// ID is the message sequence number the command targeted, if any.
	ID uint32
	// Status is the server's tagged response type ("NO" or "BAD") when the
	// server rejected the command.
	Status string
	Err    error
}

func (e *CommandError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Command, e.Kind)
	fmt.Fprintf(&b, " (user %s", e.User)
	if e.Mailbox != "" {
		fmt.Fprintf(&b, ", mailbox %s", e.Mailbox)
	}
	if e.ID != 0 {
		fmt.Fprintf(&b, ", message %d", e.ID)
	}
	b.WriteString(")")
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *CommandError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// newCommandError classifies err and records the server status if any.
func newCommandError(kind error, command, user, mailbox string, id uint32, err error) *CommandError {
	ce := &CommandError{
		Kind:    kind,
		Command: command,
		User:    user,
		Mailbox: mailbox,
		ID:      id,
		Err:     err,
	}
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		ce.Status = string(imapErr.Type)
	}
	return ce
}
