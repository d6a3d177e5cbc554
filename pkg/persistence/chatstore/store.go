package chatstore

import (
	"context"
	"time"

	"github.com/go-go-golems/jiminy/pkg/chat"
)

// ConversationUpdate is a partial update applied to a conversation row.
// Nil fields are left untouched.
type ConversationUpdate struct {
	Title     *string
	Summary   *string
	PersonaID *string
	Provider  *string
	Model     *string
	UpdatedAt *time.Time
}

// MessageUpdate is a partial update applied to a message row. Nil fields are
// left untouched.
type MessageUpdate struct {
	Content   *string
	PersonaID *string
	CreatedAt *time.Time
}

// SearchResult pairs a matching message with its owning conversation.
type SearchResult struct {
	ConvID  string       `json:"conv_id"`
	Message chat.Message `json:"message"`
}

// ChatStore is the async persistence boundary consumed by the engine. All
// write verbs are idempotent by id so the session synchronizer can retry a
// failed diff cycle by simply recomputing and replaying it.
type ChatStore interface {
	CreateConversation(ctx context.Context, conv chat.Conversation) error
	GetConversation(ctx context.Context, convID string) (chat.Conversation, bool, error)
	// ListConversations returns conversation rows without messages, most
	// recently updated first.
	ListConversations(ctx context.Context) ([]chat.Conversation, error)
	UpdateConversation(ctx context.Context, convID string, upd ConversationUpdate) error
	DeleteConversation(ctx context.Context, convID string) error

	AppendMessages(ctx context.Context, convID string, msgs []chat.Message) error
	UpdateMessage(ctx context.Context, msgID string, upd MessageUpdate) error

	SearchMessages(ctx context.Context, query string) ([]SearchResult, error)

	UpsertPersona(ctx context.Context, p chat.Persona) error
	GetPersona(ctx context.Context, id string) (chat.Persona, bool, error)
	ListPersonas(ctx context.Context) ([]chat.Persona, error)
	DeletePersona(ctx context.Context, id string) error

	Close() error
}
