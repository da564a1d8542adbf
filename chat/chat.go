// Package chat owns the conversation model and the pipeline that turns a
// user message into a resolver round trip and back into an assistant reply.
package chat

import (
	"time"

	"github.com/google/uuid"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message statuses. A message starts pending and ends complete or failed.
const (
	StatusPending  = "pending"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Message is one chat bubble.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	Status    string    `json:"status"`
	// FailReason carries the user-displayable reason when Status is failed.
	FailReason string `json:"fail_reason,omitempty"`
}

// Chat is an ordered, append-only conversation.
type Chat struct {
	ID        string    `json:"id"`
	Messages  []Message `json:"messages"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewChat returns an empty conversation.
func NewChat() *Chat {
	return &Chat{
		ID:        uuid.NewString(),
		UpdatedAt: time.Now(),
	}
}

// Append adds a message, keeping insertion order.
func (c *Chat) Append(m Message) {
	c.Messages = append(c.Messages, m)
	c.UpdatedAt = time.Now()
}

func newMessage(role, text, status string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Text:      text,
		CreatedAt: time.Now(),
		Status:    status,
	}
}
