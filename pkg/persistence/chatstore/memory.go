package chatstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/jiminy/pkg/chat"
)

// InMemoryChatStore is a mutex-guarded, map-backed ChatStore. It mirrors the
// ordering semantics of the SQLite store so engine behavior is identical in
// tests and embedded use.
type InMemoryChatStore struct {
	mu       sync.Mutex
	convs    map[string]*chat.Conversation
	personas map[string]chat.Persona
}

var _ ChatStore = &InMemoryChatStore{}

func NewInMemoryChatStore() *InMemoryChatStore {
	return &InMemoryChatStore{
		convs:    map[string]*chat.Conversation{},
		personas: map[string]chat.Persona{},
	}
}

func (s *InMemoryChatStore) Close() error { return nil }

func (s *InMemoryChatStore) CreateConversation(_ context.Context, conv chat.Conversation) error {
	if strings.TrimSpace(conv.ID) == "" {
		return errors.New("in-memory chat store: conversation id is empty")
	}
	now := time.Now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.CreatedAt
	}
	cp := conv
	cp.Messages = append([]chat.Message(nil), conv.Messages...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[conv.ID] = &cp
	return nil
}

func (s *InMemoryChatStore) GetConversation(_ context.Context, convID string) (chat.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[convID]
	if !ok {
		return chat.Conversation{}, false, nil
	}
	cp := *conv
	cp.Messages = append([]chat.Message(nil), conv.Messages...)
	sort.SliceStable(cp.Messages, func(i, j int) bool {
		if !cp.Messages[i].CreatedAt.Equal(cp.Messages[j].CreatedAt) {
			return cp.Messages[i].CreatedAt.Before(cp.Messages[j].CreatedAt)
		}
		return cp.Messages[i].ID < cp.Messages[j].ID
	})
	return cp, true, nil
}

func (s *InMemoryChatStore) ListConversations(_ context.Context) ([]chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Conversation, 0, len(s.convs))
	for _, conv := range s.convs {
		cp := *conv
		cp.Messages = nil
		out = append(out, cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *InMemoryChatStore) UpdateConversation(_ context.Context, convID string, upd ConversationUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[convID]
	if !ok {
		return errors.Wrapf(chat.ErrStorage, "conversation not found: %s", convID)
	}
	if upd.Title != nil {
		conv.Title = *upd.Title
	}
	if upd.Summary != nil {
		conv.Summary = *upd.Summary
	}
	if upd.PersonaID != nil {
		conv.PersonaID = *upd.PersonaID
	}
	if upd.Provider != nil {
		conv.Provider = *upd.Provider
	}
	if upd.Model != nil {
		conv.Model = *upd.Model
	}
	if upd.UpdatedAt != nil {
		conv.UpdatedAt = *upd.UpdatedAt
	}
	return nil
}

func (s *InMemoryChatStore) DeleteConversation(_ context.Context, convID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, convID)
	return nil
}

func (s *InMemoryChatStore) AppendMessages(_ context.Context, convID string, msgs []chat.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[convID]
	if !ok {
		return errors.Wrapf(chat.ErrStorage, "conversation not found: %s", convID)
	}
	for _, m := range msgs {
		if strings.TrimSpace(m.ID) == "" {
			return errors.New("in-memory chat store: message id is empty")
		}
		if idx := indexOfMessage(conv.Messages, m.ID); idx >= 0 {
			conv.Messages[idx] = m
			continue
		}
		conv.Messages = append(conv.Messages, m)
	}
	return nil
}

func (s *InMemoryChatStore) UpdateMessage(_ context.Context, msgID string, upd MessageUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conv := range s.convs {
		idx := indexOfMessage(conv.Messages, msgID)
		if idx < 0 {
			continue
		}
		if upd.Content != nil {
			conv.Messages[idx].Content = *upd.Content
		}
		if upd.PersonaID != nil {
			conv.Messages[idx].PersonaID = *upd.PersonaID
		}
		if upd.CreatedAt != nil {
			conv.Messages[idx].CreatedAt = *upd.CreatedAt
		}
		return nil
	}
	return errors.Wrapf(chat.ErrStorage, "message not found: %s", msgID)
}

func (s *InMemoryChatStore) SearchMessages(_ context.Context, query string) ([]SearchResult, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SearchResult
	for convID, conv := range s.convs {
		for _, m := range conv.Messages {
			if strings.Contains(strings.ToLower(m.Content), query) {
				out = append(out, SearchResult{ConvID: convID, Message: m})
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Message.CreatedAt.After(out[j].Message.CreatedAt)
	})
	return out, nil
}

func (s *InMemoryChatStore) UpsertPersona(_ context.Context, p chat.Persona) error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("in-memory chat store: persona id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.personas[p.ID] = p
	return nil
}

func (s *InMemoryChatStore) GetPersona(_ context.Context, id string) (chat.Persona, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.personas[id]
	return p, ok, nil
}

func (s *InMemoryChatStore) ListPersonas(_ context.Context) ([]chat.Persona, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Persona, 0, len(s.personas))
	for _, p := range s.personas {
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *InMemoryChatStore) DeletePersona(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.personas, id)
	return nil
}

func indexOfMessage(msgs []chat.Message, id string) int {
	for i := range msgs {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}
