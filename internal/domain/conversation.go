package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrConversationNotFound is returned by the store when a conversation does
// not exist or is not owned by the requesting user. The two cases are
// deliberately indistinguishable.
var ErrConversationNotFound = errors.New("conversation not found")

// AssistantType selects which remote assistant configuration and
// context-enrichment rules apply to a conversation.
type AssistantType string

const (
	AssistantHealthCoach      AssistantType = "health_coach"
	AssistantExcursionCreator AssistantType = "excursion_creator"
)

// ParseAssistantType validates a raw assistant-type string.
func ParseAssistantType(s string) (AssistantType, error) {
	switch AssistantType(s) {
	case AssistantHealthCoach:
		return AssistantHealthCoach, nil
	case AssistantExcursionCreator:
		return AssistantExcursionCreator, nil
	}
	return "", fmt.Errorf("unknown assistant type %q", s)
}

// Role identifies which side of a conversation authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Conversation pairs a user with a remote assistant thread. ThreadID is
// immutable once assigned; exactly one conversation maps to a given thread.
type Conversation struct {
	ID            string
	UserID        string
	AssistantType AssistantType
	ThreadID      string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewConversation builds a conversation owned by userID around an existing
// remote thread. CreatedAt and UpdatedAt start equal.
func NewConversation(id, userID string, assistantType AssistantType, threadID string, ts time.Time) Conversation {
	return Conversation{
		ID:            id,
		UserID:        userID,
		AssistantType: assistantType,
		ThreadID:      threadID,
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}
}

// Message is a single immutable conversation entry, ordered by CreatedAt
// within its conversation.
type Message struct {
	ID             string
	ConversationID string
	Role           Role
	Content        string
	CreatedAt      time.Time
}
