package chat

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// Role identifies who authored a turn or message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Turn is one role+content prompt entry fed to a backend.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Message is a single entry in a conversation. Content is mutable while an
// assistant message is streaming and frozen once the generation ends.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	PersonaID string    `json:"persona_id,omitempty"`
}

// Fingerprint returns a stable digest of the mutable fields of a message.
// The session synchronizer compares fingerprints against the persisted
// snapshot to decide which messages need an update write.
func (m Message) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(string(m.Role)))
	h.Write([]byte{0})
	h.Write([]byte(m.Content))
	h.Write([]byte{0})
	h.Write([]byte(m.PersonaID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(m.CreatedAt.UnixMilli(), 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// Conversation is the durable record of one chat: its messages, an optional
// persona binding, an optional provider/model binding, and a rolling summary
// used to bound prompt size.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	PersonaID string    `json:"persona_id,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Model     string    `json:"model,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	Messages  []Message `json:"messages,omitempty"`
}

// Persona is a named character that can be bound to a conversation. When
// bound, the context window builder prepends an in-character system turn.
type Persona struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	AvatarPath  string `json:"avatar_path,omitempty" yaml:"avatar,omitempty"`
	Default     bool   `json:"default,omitempty" yaml:"default,omitempty"`
}

// TitleFromPrompt derives a conversation title from its first user message.
func TitleFromPrompt(prompt string) string {
	const maxTitleRunes = 100
	runes := []rune(prompt)
	if len(runes) > maxTitleRunes {
		return string(runes[:maxTitleRunes])
	}
	return prompt
}
