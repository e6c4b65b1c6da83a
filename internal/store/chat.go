package store

import (
	"sync"
	"time"
)

// MessageRole is the author of a chat message
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// Source is a document passage cited by an assistant answer
type Source struct {
	DocumentID string  `json:"documentId"`
	Title      string  `json:"title,omitempty"`
	Snippet    string  `json:"snippet,omitempty"`
	Score      float64 `json:"score,omitempty"`
}

// Message is one chat transcript entry
type Message struct {
	ID        string      `json:"id"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Sources   []Source    `json:"sources,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

// ChatState is the full chat store state
type ChatState struct {
	Messages        []Message `json:"messages"`
	ConversationID  *string   `json:"conversationId"`
	Loading         bool      `json:"loading"`
	Error           *string   `json:"error"`
	CurrentSectorID *string   `json:"currentSectorId"`
}

func (s ChatState) clone() ChatState {
	out := ChatState{
		Messages:        make([]Message, len(s.Messages)),
		Loading:         s.Loading,
		ConversationID:  clonePtr(s.ConversationID),
		Error:           clonePtr(s.Error),
		CurrentSectorID: clonePtr(s.CurrentSectorID),
	}
	for i, m := range s.Messages {
		m.Sources = append([]Source(nil), m.Sources...)
		out.Messages[i] = m
	}
	return out
}

// ChatStore is the in-memory state of one mounted chat. It is never persisted.
type ChatStore struct {
	mu    sync.Mutex
	state ChatState
}

// NewChatStore creates an empty chat store
func NewChatStore() *ChatStore {
	return &ChatStore{state: ChatState{Messages: []Message{}}}
}

// State returns a copy of the whole state
func (s *ChatStore) State() ChatState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

func (s *ChatStore) Messages() []Message      { return s.State().Messages }
func (s *ChatStore) ConversationID() *string  { return s.State().ConversationID }
func (s *ChatStore) Loading() bool            { return s.State().Loading }
func (s *ChatStore) Error() *string           { return s.State().Error }
func (s *ChatStore) CurrentSectorID() *string { return s.State().CurrentSectorID }

// AddMessage appends m to the transcript
func (s *ChatStore) AddMessage(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.Sources = append([]Source(nil), m.Sources...)
	s.state.Messages = append(s.state.Messages, m)
}

// SetLoading sets the loading flag
func (s *ChatStore) SetLoading(loading bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Loading = loading
}

// SetError sets or clears (nil) the error message
func (s *ChatStore) SetError(msg *string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Error = clonePtr(msg)
}

// SetConversationID records the backend conversation id
func (s *ChatStore) SetConversationID(id *string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.ConversationID = clonePtr(id)
}

// SetCurrentSector switches the chat to another sector. A different sector
// starts a new conversation: messages, conversation id and error are cleared.
// It reports whether the sector changed.
func (s *ChatStore) SetCurrentSector(id *string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if equalPtr(s.state.CurrentSectorID, id) {
		return false
	}
	s.state.CurrentSectorID = clonePtr(id)
	s.state.Messages = []Message{}
	s.state.ConversationID = nil
	s.state.Error = nil
	return true
}

// Reset returns the store to its initial state
func (s *ChatStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = ChatState{Messages: []Message{}}
}

func clonePtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
