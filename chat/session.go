package chat

import (
	"context"
	"errors"
	"sort"
	"sync"

	zlog "github.com/semihalev/zlog/v2"

	"github.com/dnschat/dnschat/dnsutil"
	"github.com/dnschat/dnschat/qname"
	"github.com/dnschat/dnschat/transport"
)

// Exchanger sends one composed query and returns the validated reply.
type Exchanger interface {
	Exchange(ctx context.Context, qname string) (*transport.Reply, error)
}

// HistoryStore persists the conversation history.
type HistoryStore interface {
	SaveChats(chats []Chat) error
}

// Options configure a Session.
type Options struct {
	// Zone is the suffix composed onto sanitized text.
	Zone string
	// LabelOnly and AllowPlus mirror the composer/sanitizer contract knobs.
	LabelOnly bool
	AllowPlus bool
}

// Session drives conversations through the pipeline: sanitize, compose,
// exchange, decode, persist. Sends within one chat are serialized so
// replies cannot arrive out of order; separate chats query concurrently.
type Session struct {
	mu sync.RWMutex

	exchanger Exchanger
	history   HistoryStore
	opts      Options

	chats map[string]*conversation

	// snapmu guards the committed per-chat snapshots persist saves from.
	// Persisting from snapshots means a send never takes another
	// conversation's lock while it still holds its own.
	snapmu    sync.Mutex
	snapshots map[string]Chat
}

type conversation struct {
	mu   sync.Mutex
	chat *Chat
}

// NewSession returns a session over the given transport and store,
// seeded with previously loaded history.
func NewSession(e Exchanger, history HistoryStore, loaded []Chat, opts Options) *Session {
	s := &Session{
		exchanger: e,
		history:   history,
		opts:      opts,
		chats:     make(map[string]*conversation),
		snapshots: make(map[string]Chat),
	}

	for i := range loaded {
		c := loaded[i]
		s.chats[c.ID] = &conversation{chat: &c}
		s.snapshots[c.ID] = copyChat(&c)
	}

	return s
}

// NewChat starts an empty conversation and returns its id.
func (s *Session) NewChat() string {
	c := NewChat()

	s.mu.Lock()
	s.chats[c.ID] = &conversation{chat: c}
	s.mu.Unlock()

	s.snapmu.Lock()
	s.snapshots[c.ID] = copyChat(c)
	s.snapmu.Unlock()

	return c.ID
}

// Chat returns a copy of one conversation.
func (s *Session) Chat(id string) (Chat, bool) {
	s.mu.RLock()
	conv, ok := s.chats[id]
	s.mu.RUnlock()

	if !ok {
		return Chat{}, false
	}

	conv.mu.Lock()
	defer conv.mu.Unlock()

	return copyChat(conv.chat), true
}

// Chats returns copies of all conversations, most recently updated last.
func (s *Session) Chats() []Chat {
	s.mu.RLock()
	convs := make([]*conversation, 0, len(s.chats))
	for _, c := range s.chats {
		convs = append(convs, c)
	}
	s.mu.RUnlock()

	out := make([]Chat, 0, len(convs))
	for _, conv := range convs {
		conv.mu.Lock()
		out = append(out, copyChat(conv.chat))
		conv.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })

	return out
}

// ErrUnknownChat is returned for sends into a conversation that does
// not exist.
var ErrUnknownChat = errors.New("unknown chat id")

// Send runs one user message through the pipeline and returns the
// resulting assistant message, or the failed user message with a
// displayable reason. It blocks while an earlier send in the same chat
// is still in flight.
func (s *Session) Send(ctx context.Context, chatID, text string) (*Message, error) {
	s.mu.RLock()
	conv, ok := s.chats[chatID]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrUnknownChat
	}

	// serializes sends within this chat
	conv.mu.Lock()
	defer conv.mu.Unlock()

	userMsg := newMessage(RoleUser, text, StatusPending)
	conv.chat.Append(userMsg)
	userIdx := len(conv.chat.Messages) - 1

	fail := func(reason string, err error) (*Message, error) {
		conv.chat.Messages[userIdx].Status = StatusFailed
		conv.chat.Messages[userIdx].FailReason = reason
		s.persist(conv)
		failed := conv.chat.Messages[userIdx]
		return &failed, err
	}

	sanitized := qname.Sanitize(text, qname.Options{AllowPlus: s.opts.AllowPlus})

	name, err := qname.Compose(sanitized, s.opts.Zone, qname.Options{LabelOnly: s.opts.LabelOnly})
	if err != nil {
		return fail(composeReason(err), err)
	}

	reply, err := s.exchanger.Exchange(ctx, name)
	if err != nil {
		return fail(exchangeReason(err), err)
	}

	payload, err := dnsutil.JoinTXT(reply.Msg)
	if err != nil {
		return fail("The resolver reply could not be decoded.", err)
	}

	conv.chat.Messages[userIdx].Status = StatusComplete

	assistant := newMessage(RoleAssistant, payload, StatusComplete)
	conv.chat.Append(assistant)

	s.persist(conv)

	return &assistant, nil
}

// persist commits a snapshot of the held conversation and writes the
// full history from the snapshot map; failures are logged, not fatal,
// the conversation lives on in memory. Snapshots of the other chats are
// read without touching their locks, so concurrent sends in different
// chats can both persist without waiting on each other.
func (s *Session) persist(held *conversation) {
	if s.history == nil {
		return
	}

	snap := copyChat(held.chat)

	// snapmu stays held through the save so snapshots reach the store
	// in commit order
	s.snapmu.Lock()
	defer s.snapmu.Unlock()

	s.snapshots[snap.ID] = snap

	out := make([]Chat, 0, len(s.snapshots))
	for _, c := range s.snapshots {
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })

	if err := s.history.SaveChats(out); err != nil {
		zlog.Error("Chat history save failed", "error", err.Error())
	}
}

func copyChat(c *Chat) Chat {
	out := *c
	out.Messages = append([]Message{}, c.Messages...)
	return out
}

func composeReason(err error) string {
	switch {
	case errors.Is(err, qname.ErrEmptyQuery):
		return "Nothing sendable is left after removing unsupported characters."
	case errors.Is(err, qname.ErrQueryTooLong):
		return "The message is too long to fit in a DNS query."
	default:
		return "The message could not be turned into a query."
	}
}

func exchangeReason(err error) string {
	switch {
	case errors.Is(err, transport.ErrTimeout):
		return "The resolver did not answer in time."
	case errors.Is(err, transport.ErrNetworkUnavailable):
		return "The network is unavailable."
	case errors.Is(err, transport.ErrInvalidServer):
		return "The configured resolver is not on the allowlist."
	case errors.Is(err, context.Canceled):
		return "The request was cancelled."
	default:
		return "The query failed."
	}
}
