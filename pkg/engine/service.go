package engine

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/jiminy/pkg/chat"
	"github.com/go-go-golems/jiminy/pkg/persistence/chatstore"
	"github.com/go-go-golems/jiminy/pkg/providers"
)

// Config wires the engine's collaborators and tuning knobs.
type Config struct {
	Store     chatstore.ChatStore
	Registry  *providers.Registry
	Publisher message.Publisher

	// DefaultProvider/DefaultModel apply when a conversation carries no
	// provider+model binding of its own.
	DefaultProvider string
	DefaultModel    string

	Policy     ContextPolicy
	Controller ControllerConfig
	Summarizer SummarizerConfig
	Syncer     SyncerConfig
}

// Service drives a chat turn from submission through incremental delivery,
// cancellation/supersession, background summarization, and eventually
// consistent persistence. It is the only entry point the UI layer talks to.
type Service struct {
	cfg     Config
	baseCtx context.Context
	cancel  context.CancelFunc

	cm         *ConvManager
	ctrl       *Controller
	syncer     *Syncer
	summarizer *Summarizer
}

func New(ctx context.Context, cfg Config) (*Service, error) {
	if ctx == nil {
		return nil, errors.New("engine: ctx is nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("engine: store is nil")
	}
	if cfg.Registry == nil {
		return nil, errors.New("engine: provider registry is nil")
	}

	baseCtx, cancel := context.WithCancel(ctx)
	s := &Service{
		cfg:     cfg,
		baseCtx: baseCtx,
		cancel:  cancel,
		cm:      NewConvManager(),
	}
	s.ctrl = NewController(baseCtx, cfg.Controller, s.handleSnapshot, s.handleFinished)
	s.syncer = NewSyncer(baseCtx, cfg.Store, cfg.Syncer)
	s.summarizer = NewSummarizer(baseCtx, cfg.Summarizer)
	return s, nil
}

// SendResult reports what one SendTurn call did.
type SendResult struct {
	ConvID             string `json:"conv_id"`
	Created            bool   `json:"created"`
	UserMessageID      string `json:"user_message_id"`
	AssistantMessageID string `json:"assistant_message_id"`
	Seq                uint64 `json:"seq"`
}

// SendTurn submits one user turn. An empty convID creates a fresh
// conversation. A generation still running for the conversation is
// superseded: the newest user intent always wins.
func (s *Service) SendTurn(ctx context.Context, convID string, text string) (*SendResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.Wrap(chat.ErrRequest, "empty prompt")
	}
	conv, created, err := s.ensureConversation(ctx, convID)
	if err != nil {
		return nil, err
	}

	conv.mu.Lock()
	conv.lastError = "" // a new send clears the previous error banner
	personaID := conv.conv.PersonaID
	providerName := conv.conv.Provider
	model := conv.conv.Model
	conv.mu.Unlock()

	if providerName == "" {
		providerName = s.cfg.DefaultProvider
	}
	if model == "" {
		model = s.cfg.DefaultModel
	}

	var persona *chat.Persona
	if personaID != "" {
		p, ok, err := s.cfg.Store.GetPersona(ctx, personaID)
		if err != nil {
			log.Warn().Err(err).
				Str("component", "engine").
				Str("conv_id", conv.ID).
				Str("persona_id", personaID).
				Msg("persona lookup failed, sending without persona preamble")
		} else if ok {
			persona = &p
		}
	}

	provider, err := s.cfg.Registry.Resolve(providerName)
	if err != nil {
		err = errors.Wrap(chat.ErrRequest, err.Error())
		s.setBanner(conv, err)
		return nil, err
	}

	now := time.Now()
	userMsg := chat.Message{
		ID:        uuid.NewString(),
		Role:      chat.RoleUser,
		Content:   text,
		CreatedAt: now,
	}
	conv.mu.Lock()
	// A superseded generation may leave an empty assistant placeholder
	// behind; content-free messages carry nothing for the prompt.
	history := make([]chat.Message, 0, len(conv.conv.Messages))
	for _, m := range conv.conv.Messages {
		if m.Content == "" {
			continue
		}
		history = append(history, m)
	}
	summary := conv.conv.Summary
	conv.conv.Messages = append(conv.conv.Messages, userMsg)
	if conv.conv.Title == "" {
		conv.conv.Title = chat.TitleFromPrompt(text)
	}
	conv.conv.UpdatedAt = now
	title := conv.conv.Title
	conv.mu.Unlock()

	turns := BuildContextWindow(history, persona, summary, text, s.cfg.Policy)

	h, err := s.ctrl.Start(conv, provider, model, turns)
	if err != nil {
		s.setBanner(conv, err)
		return nil, err
	}

	kind := "updated"
	if created {
		kind = "created"
	}
	publishJSON(s.cfg.Publisher, ConversationsTopic, ConversationEvent{
		ConvID:    conv.ID,
		Kind:      kind,
		Title:     title,
		UpdatedAt: now,
	})

	return &SendResult{
		ConvID:             conv.ID,
		Created:            created,
		UserMessageID:      userMsg.ID,
		AssistantMessageID: h.MessageID,
		Seq:                h.Seq,
	}, nil
}

// CancelActiveGeneration cancels the running generation for convID, if any.
func (s *Service) CancelActiveGeneration(convID string) bool {
	conv, ok := s.cm.Get(convID)
	if !ok {
		return false
	}
	conv.mu.Lock()
	h := conv.active
	conv.mu.Unlock()
	if h == nil {
		return false
	}
	h.Cancel()
	return true
}

// QueryState reports the generation state for convID.
func (s *Service) QueryState(convID string) GenerationState {
	conv, ok := s.cm.Get(convID)
	if !ok {
		return StateIdle
	}
	return conv.State()
}

// LastError returns the error banner for convID, or "" when none.
func (s *Service) LastError(convID string) string {
	conv, ok := s.cm.Get(convID)
	if !ok {
		return ""
	}
	return conv.LastError()
}

// OpenConversation bootstraps convID into memory (loading it from the store
// when needed) and returns its current state.
func (s *Service) OpenConversation(ctx context.Context, convID string) (chat.Conversation, error) {
	if strings.TrimSpace(convID) == "" {
		return chat.Conversation{}, errors.New("engine: convID is empty")
	}
	if conv, ok := s.cm.Get(convID); ok {
		return conv.Snapshot(), nil
	}
	stored, found, err := s.cfg.Store.GetConversation(ctx, convID)
	if err != nil {
		return chat.Conversation{}, err
	}
	if !found {
		return chat.Conversation{}, errors.Errorf("conversation not found: %s", convID)
	}
	conv, existed := s.cm.GetOrCreate(stored)
	if !existed {
		conv.mu.Lock()
		conv.persisted = true
		for _, m := range conv.conv.Messages {
			conv.snapshot[m.ID] = m.Fingerprint()
		}
		conv.mu.Unlock()
	}
	return conv.Snapshot(), nil
}

// ListConversations merges the persisted conversation list with live
// not-yet-persisted ones, most recently updated first.
func (s *Service) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	stored, err := s.cfg.Store.ListConversations(ctx)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	for _, c := range stored {
		seen[c.ID] = true
	}
	out := stored
	for _, live := range s.cm.All() {
		if seen[live.ID] {
			continue
		}
		cp := live.Snapshot()
		cp.Messages = nil
		out = append(out, cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// DeleteConversation cancels any running generation, drops the live state,
// and cascades the delete through the store.
func (s *Service) DeleteConversation(ctx context.Context, convID string) error {
	if conv, ok := s.cm.Get(convID); ok {
		conv.mu.Lock()
		h := conv.active
		// A flush that already fired may be waiting on the lock. Stopping the
		// timer is not enough, so flag the state and let the flush bail out.
		conv.switchInProgress = true
		if conv.saveTimer != nil {
			conv.saveTimer.Stop()
			conv.saveTimer = nil
		}
		conv.mu.Unlock()
		if h != nil {
			h.Cancel()
			select {
			case <-h.Done():
			case <-time.After(s.ctrl.cfg.SupersedeGrace):
			}
		}
		s.cm.Remove(convID)
	}
	if err := s.cfg.Store.DeleteConversation(ctx, convID); err != nil {
		return err
	}
	publishJSON(s.cfg.Publisher, ConversationsTopic, ConversationEvent{
		ConvID:    convID,
		Kind:      "deleted",
		UpdatedAt: time.Now(),
	})
	return nil
}

// SearchMessages searches message content across all conversations.
func (s *Service) SearchMessages(ctx context.Context, query string) ([]chatstore.SearchResult, error) {
	return s.cfg.Store.SearchMessages(ctx, query)
}

// ListModels aggregates the models of every available provider.
func (s *Service) ListModels(ctx context.Context) ([]providers.ModelDescriptor, error) {
	return s.cfg.Registry.ListAllModels(ctx)
}

// ListPersonas returns the stored personas.
func (s *Service) ListPersonas(ctx context.Context) ([]chat.Persona, error) {
	return s.cfg.Store.ListPersonas(ctx)
}

// BindPersona binds (or with an empty personaID, unbinds) a persona to a
// conversation. Takes effect on the next send.
func (s *Service) BindPersona(ctx context.Context, convID, personaID string) error {
	if strings.TrimSpace(convID) == "" {
		return errors.New("engine: convID is empty")
	}
	conv, _, err := s.ensureConversation(ctx, convID)
	if err != nil {
		return err
	}
	if personaID != "" {
		if _, found, err := s.cfg.Store.GetPersona(ctx, personaID); err != nil {
			return err
		} else if !found {
			return errors.Errorf("persona not found: %s", personaID)
		}
	}
	conv.mu.Lock()
	conv.conv.PersonaID = personaID
	conv.conv.UpdatedAt = time.Now()
	conv.mu.Unlock()
	s.syncer.Arm(conv)
	return nil
}

// BindModel binds a provider+model to a conversation, overriding the
// defaults on subsequent sends.
func (s *Service) BindModel(ctx context.Context, convID, provider, model string) error {
	if strings.TrimSpace(convID) == "" {
		return errors.New("engine: convID is empty")
	}
	conv, _, err := s.ensureConversation(ctx, convID)
	if err != nil {
		return err
	}
	if provider != "" {
		if _, err := s.cfg.Registry.Resolve(provider); err != nil {
			return err
		}
	}
	conv.mu.Lock()
	conv.conv.Provider = provider
	conv.conv.Model = model
	conv.conv.UpdatedAt = time.Now()
	conv.mu.Unlock()
	s.syncer.Arm(conv)
	return nil
}

// Close cancels active generations, waits briefly for teardown, and runs one
// final synchronous flush per conversation.
func (s *Service) Close(ctx context.Context) error {
	var handles []*GenerationHandle
	for _, conv := range s.cm.All() {
		conv.mu.Lock()
		if conv.active != nil {
			handles = append(handles, conv.active)
		}
		conv.mu.Unlock()
	}
	for _, h := range handles {
		h.Cancel()
	}
	deadline := time.After(time.Second)
	for _, h := range handles {
		select {
		case <-h.Done():
		case <-deadline:
		}
	}

	var firstErr error
	for _, conv := range s.cm.All() {
		if err := s.syncer.FlushNow(ctx, conv); err != nil {
			log.Warn().Err(err).
				Str("component", "engine").
				Str("conv_id", conv.ID).
				Msg("final flush failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	s.cancel()
	return firstErr
}

func (s *Service) ensureConversation(ctx context.Context, convID string) (*ConvState, bool, error) {
	convID = strings.TrimSpace(convID)
	if convID == "" {
		now := time.Now()
		conv := chat.Conversation{
			ID:        uuid.NewString(),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if p, err := s.defaultPersona(ctx); err == nil && p != nil {
			conv.PersonaID = p.ID
		}
		state, _ := s.cm.GetOrCreate(conv)
		return state, true, nil
	}

	if state, ok := s.cm.Get(convID); ok {
		return state, false, nil
	}

	stored, found, err := s.cfg.Store.GetConversation(ctx, convID)
	if err != nil {
		return nil, false, err
	}
	if found {
		state, existed := s.cm.GetOrCreate(stored)
		if !existed {
			state.mu.Lock()
			state.persisted = true
			for _, m := range state.conv.Messages {
				state.snapshot[m.ID] = m.Fingerprint()
			}
			state.mu.Unlock()
		}
		return state, false, nil
	}

	now := time.Now()
	state, _ := s.cm.GetOrCreate(chat.Conversation{
		ID:        convID,
		CreatedAt: now,
		UpdatedAt: now,
	})
	return state, true, nil
}

func (s *Service) defaultPersona(ctx context.Context) (*chat.Persona, error) {
	personas, err := s.cfg.Store.ListPersonas(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range personas {
		if p.Default {
			p := p
			return &p, nil
		}
	}
	return nil, nil
}

func (s *Service) setBanner(conv *ConvState, err error) {
	conv.mu.Lock()
	conv.lastError = err.Error()
	conv.mu.Unlock()
	publishJSON(s.cfg.Publisher, ConversationsTopic, ConversationEvent{
		ConvID:    conv.ID,
		Kind:      "error",
		Error:     err.Error(),
		UpdatedAt: time.Now(),
	})
}

func (s *Service) handleSnapshot(conv *ConvState, ev SnapshotEvent) {
	publishJSON(s.cfg.Publisher, SnapshotTopic(conv.ID), ev)
}

func (s *Service) handleFinished(conv *ConvState, h *GenerationHandle, out generationOutcome) {
	switch out.State {
	case StateCompleted:
		if out.FinalContent != "" {
			s.scheduleSummary(conv, h)
		}
		s.publishConvUpdated(conv)
	case StateFailed:
		conv.mu.Lock()
		conv.eventSeq++
		seq := conv.eventSeq
		banner := conv.lastError
		conv.mu.Unlock()
		publishJSON(s.cfg.Publisher, SnapshotTopic(conv.ID), SnapshotEvent{
			ConvID:    conv.ID,
			MessageID: h.MessageID,
			Content:   out.FinalContent,
			Final:     true,
			Seq:       seq,
		})
		publishJSON(s.cfg.Publisher, ConversationsTopic, ConversationEvent{
			ConvID:    conv.ID,
			Kind:      "error",
			Error:     banner,
			UpdatedAt: time.Now(),
		})
	case StateCancelled:
		s.publishConvUpdated(conv)
	}
	s.syncer.Arm(conv)
}

func (s *Service) scheduleSummary(conv *ConvState, h *GenerationHandle) {
	conv.mu.Lock()
	providerName := conv.conv.Provider
	model := conv.conv.Model
	history := make([]chat.Turn, 0, len(conv.conv.Messages))
	for _, m := range conv.conv.Messages {
		if m.Content == "" {
			continue
		}
		history = append(history, chat.Turn{Role: m.Role, Content: m.Content})
	}
	conv.mu.Unlock()

	if providerName == "" {
		providerName = s.cfg.DefaultProvider
	}
	if model == "" {
		model = s.cfg.DefaultModel
	}
	provider, err := s.cfg.Registry.Resolve(providerName)
	if err != nil {
		return
	}
	s.summarizer.Schedule(conv, h.Seq, provider, model, history, s.applySummary)
}

func (s *Service) applySummary(conv *ConvState, summary string) {
	conv.mu.Lock()
	conv.conv.Summary = summary
	conv.conv.UpdatedAt = time.Now()
	conv.mu.Unlock()
	s.syncer.Arm(conv)
	s.publishConvUpdated(conv)
}

func (s *Service) publishConvUpdated(conv *ConvState) {
	conv.mu.Lock()
	title := conv.conv.Title
	updatedAt := conv.conv.UpdatedAt
	conv.mu.Unlock()
	publishJSON(s.cfg.Publisher, ConversationsTopic, ConversationEvent{
		ConvID:    conv.ID,
		Kind:      "updated",
		Title:     title,
		UpdatedAt: updatedAt,
	})
}
