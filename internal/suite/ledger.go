package suite

import (
	"fmt"
	"sync"

	"github.com/elnissi-io/postfix/internal/message"
)

// ledger records which messages each mailbox should hold after the send
// matrix. Send scenarios run concurrently, so it is guarded.
type ledger struct {
	mu      sync.Mutex
	byUser  map[string][]message.Message
	archive []string
}

func newLedger(archive []string) *ledger {
	return &ledger{byUser: make(map[string][]message.Message), archive: archive}
}

// add records a delivered message for its recipient and every archive user,
// once per mailbox.
func (l *ledger) add(recipient string, m message.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := map[string]bool{recipient: true}
	l.byUser[recipient] = append(l.byUser[recipient], m)
	for _, a := range l.archive {
		if !seen[a] {
			seen[a] = true
			l.byUser[a] = append(l.byUser[a], m)
		}
	}
}

func (l *ledger) expected(user string) []message.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]message.Message(nil), l.byUser[user]...)
}

// matcher ticks off expected messages as fetched ones are inspected.
type matcher struct {
	runID   string
	pending []message.Message
	foreign int
	extra   int
}

func newMatcher(runID string, expected []message.Message) *matcher {
	return &matcher{runID: runID, pending: expected}
}

// inspect checks one fetched message. Messages from other runs, and surplus
// copies from this one, are counted but not checked.
func (m *matcher) inspect(raw []byte) error {
	p, err := message.Parse(raw)
	if err != nil {
		return err
	}
	if p.RunID != m.runID {
		m.foreign++
		return nil
	}
	var mismatch error
	for i, want := range m.pending {
		if p.Subject != want.Subject {
			continue
		}
		if err := p.Verify(want); err != nil {
			mismatch = err
			continue
		}
		m.pending = append(m.pending[:i], m.pending[i+1:]...)
		return nil
	}
	if mismatch != nil {
		return fmt.Errorf("message %q: %w", p.Subject, mismatch)
	}
	m.extra++
	return nil
}

// missing reports any expected message that was never fetched.
func (m *matcher) missing() error {
	if len(m.pending) == 0 {
		return nil
	}
	subjects := make([]string, len(m.pending))
	for i, p := range m.pending {
		subjects[i] = p.Subject
	}
	return fmt.Errorf("%d sent messages not found: %q", len(m.pending), subjects)
}
