package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/jiminy/pkg/chat"
	"github.com/go-go-golems/jiminy/pkg/persistence/chatstore"
)

// SyncerConfig tunes the session synchronizer.
type SyncerConfig struct {
	// Quiet is the debounce window: a save fires after this long without
	// further mutations.
	Quiet time.Duration
	// WriteTimeout bounds one store flush.
	WriteTimeout time.Duration
}

func (c SyncerConfig) withDefaults() SyncerConfig {
	if c.Quiet <= 0 {
		c.Quiet = 500 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// Syncer keeps the persisted store eventually consistent with in-memory
// conversation state without saturating it during active streaming. Saves
// are debounced per conversation, suppressed entirely (not queued) while a
// generation is running or a conversation switch is in progress, and
// serialized so no two writes for one conversation overlap. Writes are
// idempotent by id, so a failed cycle is retried by simply recomputing the
// same diff.
type Syncer struct {
	baseCtx context.Context
	store   chatstore.ChatStore
	cfg     SyncerConfig
}

func NewSyncer(baseCtx context.Context, store chatstore.ChatStore, cfg SyncerConfig) *Syncer {
	return &Syncer{baseCtx: baseCtx, store: store, cfg: cfg.withDefaults()}
}

// Arm (re)arms the debounced save timer for conv. Mutations during an active
// generation or a conversation switch are dropped here; the terminal
// transition re-arms once streaming ends.
func (s *Syncer) Arm(conv *ConvState) {
	conv.mu.Lock()
	defer conv.mu.Unlock()
	if conv.active != nil || conv.switchInProgress {
		return
	}
	if conv.saveTimer != nil {
		conv.saveTimer.Stop()
	}
	conv.saveTimer = time.AfterFunc(s.cfg.Quiet, func() { s.flush(conv) })
}

func (s *Syncer) flush(conv *ConvState) {
	if s.baseCtx.Err() != nil {
		return
	}
	conv.mu.Lock()
	conv.saveTimer = nil
	if conv.active != nil || conv.switchInProgress {
		conv.mu.Unlock()
		return
	}
	if conv.syncing {
		// A write for this conversation is still in flight; try again
		// after another quiet period rather than racing it.
		conv.saveTimer = time.AfterFunc(s.cfg.Quiet, func() { s.flush(conv) })
		conv.mu.Unlock()
		return
	}
	conv.syncing = true
	convCopy := conv.conv
	convCopy.Messages = append([]chat.Message(nil), conv.conv.Messages...)
	persisted := conv.persisted
	prev := make(map[string]string, len(conv.snapshot))
	for id, fp := range conv.snapshot {
		prev[id] = fp
	}
	conv.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.WriteTimeout)
	next, err := s.write(ctx, convCopy, persisted, prev)
	cancel()

	conv.mu.Lock()
	conv.syncing = false
	if err != nil {
		// Snapshot left stale; the next cycle recomputes the same deltas.
		conv.saveTimer = time.AfterFunc(s.cfg.Quiet, func() { s.flush(conv) })
		conv.mu.Unlock()
		log.Warn().Err(err).
			Str("component", "syncer").
			Str("conv_id", conv.ID).
			Msg("autosave failed, will retry")
		return
	}
	conv.persisted = true
	conv.snapshot = next
	conv.mu.Unlock()
}

// FlushNow writes conv synchronously, bypassing the debounce. Used for the
// final sync on shutdown, after active generations have been cancelled.
func (s *Syncer) FlushNow(ctx context.Context, conv *ConvState) error {
	conv.mu.Lock()
	for {
		if conv.saveTimer != nil {
			conv.saveTimer.Stop()
			conv.saveTimer = nil
		}
		if !conv.syncing {
			break
		}
		// A debounced write is still in flight; wait for it so writes for
		// one conversation stay serialized.
		conv.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
		conv.mu.Lock()
	}
	if conv.active != nil {
		conv.mu.Unlock()
		return nil
	}
	conv.syncing = true
	convCopy := conv.conv
	convCopy.Messages = append([]chat.Message(nil), conv.conv.Messages...)
	persisted := conv.persisted
	prev := make(map[string]string, len(conv.snapshot))
	for id, fp := range conv.snapshot {
		prev[id] = fp
	}
	conv.mu.Unlock()

	next, err := s.write(ctx, convCopy, persisted, prev)

	conv.mu.Lock()
	conv.syncing = false
	if err != nil {
		conv.mu.Unlock()
		return err
	}
	conv.persisted = true
	conv.snapshot = next
	conv.mu.Unlock()
	return nil
}

// write diffs the in-memory messages against the persisted snapshot: unseen
// ids are batch-inserted, ids whose fingerprint changed are updated
// individually. It returns the refreshed snapshot on success.
func (s *Syncer) write(ctx context.Context, conv chat.Conversation, persisted bool, prev map[string]string) (map[string]string, error) {
	next := make(map[string]string, len(conv.Messages))

	if !persisted {
		full := conv
		if err := s.store.CreateConversation(ctx, full); err != nil {
			return nil, err
		}
		for _, m := range conv.Messages {
			next[m.ID] = m.Fingerprint()
		}
		return next, nil
	}

	var inserts []chat.Message
	var updates []chat.Message
	for _, m := range conv.Messages {
		fp := m.Fingerprint()
		next[m.ID] = fp
		prevFP, seen := prev[m.ID]
		switch {
		case !seen:
			inserts = append(inserts, m)
		case prevFP != fp:
			updates = append(updates, m)
		}
	}

	if len(inserts) > 0 {
		if err := s.store.AppendMessages(ctx, conv.ID, inserts); err != nil {
			return nil, err
		}
	}
	for _, m := range updates {
		m := m
		upd := chatstore.MessageUpdate{
			Content:   &m.Content,
			PersonaID: &m.PersonaID,
			CreatedAt: &m.CreatedAt,
		}
		if err := s.store.UpdateMessage(ctx, m.ID, upd); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	upd := chatstore.ConversationUpdate{
		Title:     &conv.Title,
		Summary:   &conv.Summary,
		PersonaID: &conv.PersonaID,
		Provider:  &conv.Provider,
		Model:     &conv.Model,
		UpdatedAt: &now,
	}
	if err := s.store.UpdateConversation(ctx, conv.ID, upd); err != nil {
		return nil, err
	}

	log.Debug().
		Str("component", "syncer").
		Str("conv_id", conv.ID).
		Int("inserted", len(inserts)).
		Int("updated", len(updates)).
		Msg("autosave flushed")
	return next, nil
}
