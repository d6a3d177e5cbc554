package engine

import (
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"
)

// ConversationsTopic carries conversation-list changes (created, updated,
// deleted, error banners).
const ConversationsTopic = "chat.conversations"

// SnapshotTopic is the per-conversation topic carrying throttled content
// snapshots for streaming assistant messages.
func SnapshotTopic(convID string) string { return "chat.conv." + convID }

// SnapshotEvent is one coalesced content snapshot for a streaming message.
// Content is the full message content so far, never a delta; consecutive
// snapshots for one generation never shrink.
type SnapshotEvent struct {
	ConvID    string `json:"conv_id"`
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
	Final     bool   `json:"final"`
	Seq       uint64 `json:"seq"`
}

// ConversationEvent signals a conversation-list change to subscribers.
type ConversationEvent struct {
	ConvID    string    `json:"conv_id"`
	Kind      string    `json:"kind"` // created | updated | deleted | error
	Title     string    `json:"title,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func publishJSON(pub message.Publisher, topic string, v any) {
	if pub == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		log.Warn().Err(err).Str("component", "engine").Str("topic", topic).Msg("failed to marshal event")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := pub.Publish(topic, msg); err != nil {
		log.Warn().Err(err).Str("component", "engine").Str("topic", topic).Msg("failed to publish event")
	}
}
