package mailbox

import (
	"context"
	"log/slog"
	"net"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// fakeServer holds mailbox contents shared by every fakeClient it hands out,
// so state survives across sessions the way it does on a real server.
type fakeServer struct {
	passwords map[string]string
	boxes     map[string]*fakeBox

	// Injected failures, keyed by command name.
	errs map[string]error
	// fetchFail makes FETCH of that sequence number fail.
	fetchFail uint32
	// fetchEmpty makes FETCH return no body for that sequence number.
	fetchEmpty uint32
	dialErr    error

	opened  int
	clients []*fakeClient
}

type fakeBox struct {
	msgs []*fakeMsg
}

type fakeMsg struct {
	body    []byte
	deleted bool
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		passwords: map[string]string{"archive": "foobar", "testsender1": "testpassword"},
		boxes:     map[string]*fakeBox{"archive": {}, "testsender1": {}},
		errs:      map[string]error{},
	}
}

func (s *fakeServer) add(user string, bodies ...string) {
	for _, b := range bodies {
		s.boxes[user].msgs = append(s.boxes[user].msgs, &fakeMsg{body: []byte(b)})
	}
}

func (s *fakeServer) count(user string) int {
	return len(s.boxes[user].msgs)
}

func (s *fakeServer) dialer() *Dialer {
	d := NewDialer(Config{Host: "mail.test", Port: 993, TLS: true})
	d.newClient = func(ctx context.Context, logger *slog.Logger) (imapClient, net.Conn, error) {
		if s.dialErr != nil {
			return nil, nil, s.dialErr
		}
		s.opened++
		c := &fakeClient{srv: s}
		s.clients = append(s.clients, c)
		return c, nil, nil
	}
	return d
}

type fakeClient struct {
	srv  *fakeServer
	user string

	commands    []string
	logoutCalls int
	closeCalls  int
}

func (c *fakeClient) box() *fakeBox { return c.srv.boxes[c.user] }

func (c *fakeClient) Login(username, password string) commandWaiter {
	c.commands = append(c.commands, "LOGIN")
	if err := c.srv.errs["LOGIN"]; err != nil {
		return &fakeCommand{err: err}
	}
	if pw, ok := c.srv.passwords[username]; !ok || pw != password {
		return &fakeCommand{err: &imap.Error{
			Type: imap.StatusResponseTypeNo,
			Code: imap.ResponseCodeAuthenticationFailed,
			Text: "Authentication failed.",
		}}
	}
	c.user = username
	return &fakeCommand{}
}

func (c *fakeClient) Select(mailbox string, _ *imap.SelectOptions) selectWaiter {
	c.commands = append(c.commands, "SELECT")
	if err := c.srv.errs["SELECT"]; err != nil {
		return &fakeSelect{err: err}
	}
	return &fakeSelect{data: &imap.SelectData{NumMessages: uint32(len(c.box().msgs)), UIDValidity: 1}}
}

func (c *fakeClient) Search(_ *imap.SearchCriteria, _ *imap.SearchOptions) searchWaiter {
	c.commands = append(c.commands, "SEARCH")
	if err := c.srv.errs["SEARCH"]; err != nil {
		return &fakeSearch{err: err}
	}
	var seqs []uint32
	for i := range c.box().msgs {
		seqs = append(seqs, uint32(i+1))
	}
	data := &imap.SearchData{}
	if len(seqs) > 0 {
		data.All = imap.SeqSetNum(seqs...)
	}
	return &fakeSearch{data: data}
}

func (c *fakeClient) Fetch(numSet imap.NumSet, _ *imap.FetchOptions) fetchWaiter {
	c.commands = append(c.commands, "FETCH")
	id := firstNum(numSet)
	if err := c.srv.errs["FETCH"]; err != nil {
		return &fakeFetch{err: err}
	}
	if id == c.srv.fetchFail {
		return &fakeFetch{err: &imap.Error{Type: imap.StatusResponseTypeNo, Text: "Fetch failed"}}
	}
	msgs := c.box().msgs
	if id == 0 || int(id) > len(msgs) {
		return &fakeFetch{}
	}
	buf := &imapclient.FetchMessageBuffer{SeqNum: id}
	if id != c.srv.fetchEmpty {
		buf.BodySection = []imapclient.FetchBodySectionBuffer{{
			Section: &imap.FetchItemBodySection{},
			Bytes:   append([]byte(nil), msgs[id-1].body...),
		}}
	}
	return &fakeFetch{bufs: []*imapclient.FetchMessageBuffer{buf}}
}

func (c *fakeClient) Store(numSet imap.NumSet, store *imap.StoreFlags, _ *imap.StoreOptions) fetchWaiter {
	c.commands = append(c.commands, "STORE")
	if err := c.srv.errs["STORE"]; err != nil {
		return &fakeFetch{err: err}
	}
	id := firstNum(numSet)
	msgs := c.box().msgs
	if id == 0 || int(id) > len(msgs) {
		return &fakeFetch{err: &imap.Error{Type: imap.StatusResponseTypeBad, Text: "Invalid messageset"}}
	}
	for _, f := range store.Flags {
		if f == imap.FlagDeleted {
			msgs[id-1].deleted = true
		}
	}
	return &fakeFetch{}
}

func (c *fakeClient) Expunge() expungeWaiter {
	c.commands = append(c.commands, "EXPUNGE")
	if err := c.srv.errs["EXPUNGE"]; err != nil {
		return &fakeExpunge{err: err}
	}
	var kept []*fakeMsg
	var removed []uint32
	for i, m := range c.box().msgs {
		if m.deleted {
			// Sequence numbers shift down as earlier messages go away.
			removed = append(removed, uint32(i+1-len(removed)))
			continue
		}
		kept = append(kept, m)
	}
	c.box().msgs = kept
	return &fakeExpunge{removed: removed}
}

func (c *fakeClient) Logout() commandWaiter {
	c.commands = append(c.commands, "LOGOUT")
	c.logoutCalls++
	return &fakeCommand{err: c.srv.errs["LOGOUT"]}
}

func (c *fakeClient) Close() error {
	c.closeCalls++
	return nil
}

func firstNum(numSet imap.NumSet) uint32 {
	seqs, ok := numSet.(imap.SeqSet)
	if !ok {
		return 0
	}
	nums, _ := seqs.Nums()
	if len(nums) == 0 {
		return 0
	}
	return nums[0]
}

type fakeCommand struct{ err error }

func (f *fakeCommand) Wait() error { return f.err }

type fakeSelect struct {
	data *imap.SelectData
	err  error
}

func (f *fakeSelect) Wait() (*imap.SelectData, error) { return f.data, f.err }

type fakeSearch struct {
	data *imap.SearchData
	err  error
}

func (f *fakeSearch) Wait() (*imap.SearchData, error) { return f.data, f.err }

type fakeFetch struct {
	bufs []*imapclient.FetchMessageBuffer
	err  error
}

func (f *fakeFetch) Collect() ([]*imapclient.FetchMessageBuffer, error) { return f.bufs, f.err }
func (f *fakeFetch) Close() error                                       { return f.err }

type fakeExpunge struct {
	removed []uint32
	err     error
}

func (f *fakeExpunge) Collect() ([]uint32, error) { return f.removed, f.err }
func (f *fakeExpunge) Close() error               { return f.err }
