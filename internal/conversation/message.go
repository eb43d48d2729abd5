package conversation

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message or context turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ValidRole reports whether r is one of the three defined roles.
func ValidRole(r Role) bool {
	return r == RoleUser || r == RoleAssistant || r == RoleSystem
}

// Message is one conversational turn in the session history. Content, role,
// and creation time never change after creation; only the Processed flag is
// flipped once the message has been included in a completed batch.
type Message struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	Processed bool      `json:"processed"`
}

// NewUserMessage creates an unprocessed user message with a fresh id.
func NewUserMessage(content string) Message {
	return Message{
		ID:        uuid.New().String(),
		Content:   content,
		Role:      RoleUser,
		CreatedAt: time.Now().UTC(),
	}
}

// NewAssistantMessage creates an assistant message. Assistant messages are
// born processed: they are never queued.
func NewAssistantMessage(content string) Message {
	return Message{
		ID:        uuid.New().String(),
		Content:   content,
		Role:      RoleAssistant,
		CreatedAt: time.Now().UTC(),
		Processed: true,
	}
}

// NewSystemMessage creates a processed system message (used by transcript
// import and fixed instructions).
func NewSystemMessage(content string) Message {
	return Message{
		ID:        uuid.New().String(),
		Content:   content,
		Role:      RoleSystem,
		CreatedAt: time.Now().UTC(),
		Processed: true,
	}
}
