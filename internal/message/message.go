// Package message composes the test messages injected over SMTP and parses
// them back out of fetched IMAP bodies.
package message

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// RunHeader carries the suite run identifier on every injected message.
const RunHeader = "X-Mailcheck-Run"

// Message is one test message. It is never persisted by the harness.
type Message struct {
	Subject string
	From    string
	To      string
	Body    string
	// Port is the submission port the message is injected through.
	Port  int
	RunID string
	Date  time.Time
}

// Compose renders m as an RFC 5322 message with a single text/plain part.
func (m Message) Compose() ([]byte, error) {
	if m.From == "" || m.To == "" {
		return nil, errors.New("message: sender and recipient are required")
	}

	from, err := mail.ParseAddress(m.From)
	if err != nil {
		return nil, fmt.Errorf("message: invalid sender %q: %w", m.From, err)
	}
	to, err := mail.ParseAddress(m.To)
	if err != nil {
		return nil, fmt.Errorf("message: invalid recipient %q: %w", m.To, err)
	}

	date := m.Date
	if date.IsZero() {
		date = time.Now()
	}

	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{from})
	h.SetAddressList("To", []*mail.Address{to})
	h.SetSubject(m.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("message: generating message id: %w", err)
	}
	if m.RunID != "" {
		h.Set(RunHeader, m.RunID)
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("message: creating writer: %w", err)
	}
	body := strings.ReplaceAll(m.Body, "\r\n", "\n")
	body = strings.ReplaceAll(body, "\n", "\r\n")
	if _, err := io.WriteString(w, "\r\n"+body+"\r\n"); err != nil {
		return nil, fmt.Errorf("message: writing body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("message: closing writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Parsed is the view of a fetched message the suite asserts on.
type Parsed struct {
	Subject   string
	From      string
	To        []string
	MessageID string
	RunID     string
	Body      string
	Signed    bool
}

// Parse decodes a raw fetched message. Only the first text/plain part is
// kept as the body.
func Parse(raw []byte) (Parsed, error) {
	r, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return Parsed{}, fmt.Errorf("message: parsing: %w", err)
	}
	defer r.Close()

	var p Parsed
	if p.Subject, err = r.Header.Subject(); err != nil {
		return Parsed{}, fmt.Errorf("message: decoding subject: %w", err)
	}
	if from, err := r.Header.AddressList("From"); err == nil && len(from) > 0 {
		p.From = from[0].Address
	}
	if to, err := r.Header.AddressList("To"); err == nil {
		for _, a := range to {
			p.To = append(p.To, a.Address)
		}
	}
	p.MessageID, _ = r.Header.MessageID()
	p.RunID = r.Header.Get(RunHeader)
	p.Signed = r.Header.Has("DKIM-Signature")

	for {
		part, err := r.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Parsed{}, fmt.Errorf("message: reading part: %w", err)
		}
		inline, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		// A missing or malformed Content-Type defaults to text/plain.
		if mediaType, _, err := inline.ContentType(); err == nil && mediaType != "text/plain" {
			continue
		}
		data, err := io.ReadAll(part.Body)
		if err != nil {
			return Parsed{}, fmt.Errorf("message: reading body: %w", err)
		}
		p.Body = strings.ReplaceAll(string(data), "\r\n", "\n")
		break
	}

	return p, nil
}

// Verify reports whether p carries m's exact subject and body.
func (p Parsed) Verify(m Message) error {
	if p.Subject != m.Subject {
		return fmt.Errorf("subject mismatch: got %q, want %q", p.Subject, m.Subject)
	}
	want := strings.TrimSpace(strings.ReplaceAll(m.Body, "\r\n", "\n"))
	if !strings.Contains(p.Body, want) {
		return fmt.Errorf("body does not contain %q", want)
	}
	return nil
}
