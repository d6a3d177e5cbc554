package engine

import (
	"context"
	stderrors "errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/jiminy/pkg/chat"
	"github.com/go-go-golems/jiminy/pkg/providers"
)

// GenerationHandle identifies one streaming completion attempt for one
// conversation. Sequence numbers increase monotonically per conversation;
// the newest handle always wins.
type GenerationHandle struct {
	ConvID    string
	Seq       uint64
	MessageID string

	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel cooperatively signals the generation to stop. The read loop notices
// between delta reads and exits promptly.
func (h *GenerationHandle) Cancel() {
	if h != nil && h.cancel != nil {
		h.cancel()
	}
}

// Done is closed once the generation's teardown has finished.
func (h *GenerationHandle) Done() <-chan struct{} { return h.done }

// ControllerConfig tunes the generation state machine.
type ControllerConfig struct {
	Coalescer CoalescerConfig
	// ReadTimeout bounds the wait for each delta so a stalled backend
	// transitions to Failed instead of wedging the controller.
	ReadTimeout time.Duration
	// SupersedeGrace bounds the wait for a superseded generation's teardown
	// before the new one starts.
	SupersedeGrace time.Duration
}

func (c ControllerConfig) withDefaults() ControllerConfig {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.SupersedeGrace <= 0 {
		c.SupersedeGrace = 50 * time.Millisecond
	}
	return c
}

type generationOutcome struct {
	State GenerationState
	Err   error
	// FinalContent is the message content after the terminal transition
	// (full streamed content, or the error marker on failure).
	FinalContent string
	// PlaceholderRemoved is set when cancellation happened before any
	// content was committed and the placeholder message was discarded.
	PlaceholderRemoved bool
}

// Controller is the per-conversation generation state machine:
// Idle -> Generating -> {Completed, Cancelled, Failed} -> Idle. It enforces
// single-active-generation and supersession: starting while Generating
// cancels the prior generation first.
type Controller struct {
	baseCtx context.Context
	cfg     ControllerConfig

	onSnapshot func(conv *ConvState, ev SnapshotEvent)
	onFinished func(conv *ConvState, h *GenerationHandle, out generationOutcome)
}

func NewController(
	baseCtx context.Context,
	cfg ControllerConfig,
	onSnapshot func(conv *ConvState, ev SnapshotEvent),
	onFinished func(conv *ConvState, h *GenerationHandle, out generationOutcome),
) *Controller {
	return &Controller{
		baseCtx:    baseCtx,
		cfg:        cfg.withDefaults(),
		onSnapshot: onSnapshot,
		onFinished: onFinished,
	}
}

// Start begins a generation for conv against the given provider and model.
// A still-active generation is superseded: cancelled, then granted a bounded
// grace period to tear down before the new one starts.
func (c *Controller) Start(conv *ConvState, provider providers.Provider, model string, turns []chat.Turn) (*GenerationHandle, error) {
	if conv == nil {
		return nil, errors.New("controller: conversation state is nil")
	}
	if provider == nil {
		return nil, errors.New("controller: provider is nil")
	}

	conv.mu.Lock()
	for prev := conv.active; prev != nil; prev = conv.active {
		conv.mu.Unlock()
		log.Debug().
			Str("component", "controller").
			Str("conv_id", conv.ID).
			Uint64("superseded_seq", prev.Seq).
			Msg("superseding active generation")
		prev.Cancel()
		select {
		case <-prev.done:
		case <-time.After(c.cfg.SupersedeGrace):
			log.Warn().
				Str("component", "controller").
				Str("conv_id", conv.ID).
				Uint64("seq", prev.Seq).
				Msg("superseded generation did not tear down within grace period")
		}
		conv.mu.Lock()
		if conv.active == prev {
			// Teardown overran the grace period; detach it so the new
			// generation can start. Its terminal transition becomes a no-op.
			conv.active = nil
			break
		}
	}

	genCtx, cancel := context.WithCancel(c.baseCtx)
	placeholder := chat.Message{
		ID:        uuid.NewString(),
		Role:      chat.RoleAssistant,
		CreatedAt: time.Now(),
		PersonaID: conv.conv.PersonaID,
	}
	conv.conv.Messages = append(conv.conv.Messages, placeholder)
	conv.genSeq++
	h := &GenerationHandle{
		ConvID:    conv.ID,
		Seq:       conv.genSeq,
		MessageID: placeholder.ID,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	conv.active = h
	conv.genState = StateGenerating
	conv.mu.Unlock()

	log.Info().
		Str("component", "controller").
		Str("conv_id", conv.ID).
		Uint64("seq", h.Seq).
		Str("provider", provider.Name()).
		Str("model", model).
		Msg("starting generation")

	go c.run(genCtx, conv, h, provider, model, turns)
	return h, nil
}

func (c *Controller) run(ctx context.Context, conv *ConvState, h *GenerationHandle, provider providers.Provider, model string, turns []chat.Turn) {
	defer close(h.done)

	coal := NewCoalescer(c.cfg.Coalescer, func(content string, final bool) {
		c.applySnapshot(conv, h, content, final)
	})

	stream, err := provider.StreamCompletion(ctx, model, turns)
	if err != nil {
		coal.Abort()
		if ctx.Err() != nil {
			c.finish(conv, h, StateCancelled, chat.ErrCancelled)
			return
		}
		c.finish(conv, h, StateFailed, err)
		return
	}

	for {
		readCtx, cancelRead := context.WithTimeout(ctx, c.cfg.ReadTimeout)
		delta, err := stream.Recv(readCtx)
		cancelRead()
		if err == nil {
			coal.Add(delta)
			continue
		}

		switch {
		case stderrors.Is(err, io.EOF):
			coal.Finish()
			c.finish(conv, h, StateCompleted, nil)
		case ctx.Err() != nil || stderrors.Is(err, chat.ErrCancelled):
			stream.Cancel()
			if coal.Content() == "" {
				coal.Abort()
			} else {
				// Already-committed content is kept; cancellation only
				// stops further growth.
				coal.Finish()
			}
			c.finish(conv, h, StateCancelled, chat.ErrCancelled)
		case stderrors.Is(err, context.DeadlineExceeded):
			stream.Cancel()
			coal.Abort()
			c.finish(conv, h, StateFailed,
				errors.Wrapf(chat.ErrConnection, "no delta within %s", c.cfg.ReadTimeout))
		default:
			stream.Cancel()
			coal.Abort()
			c.finish(conv, h, StateFailed, err)
		}
		return
	}
}

// applySnapshot commits one coalesced snapshot to the in-memory message and
// forwards it to the snapshot hook. Content only grows while streaming.
func (c *Controller) applySnapshot(conv *ConvState, h *GenerationHandle, content string, final bool) {
	conv.mu.Lock()
	idx := conv.messageIndexLocked(h.MessageID)
	if idx < 0 {
		conv.mu.Unlock()
		return
	}
	if len(content) < len(conv.conv.Messages[idx].Content) {
		// Never shrink a streaming message.
		conv.mu.Unlock()
		return
	}
	conv.conv.Messages[idx].Content = content
	conv.eventSeq++
	ev := SnapshotEvent{
		ConvID:    conv.ID,
		MessageID: h.MessageID,
		Content:   content,
		Final:     final,
		Seq:       conv.eventSeq,
	}
	conv.mu.Unlock()

	if c.onSnapshot != nil {
		c.onSnapshot(conv, ev)
	}
}

func (c *Controller) finish(conv *ConvState, h *GenerationHandle, outcome GenerationState, genErr error) {
	conv.mu.Lock()
	if conv.active == h {
		conv.active = nil
		conv.genState = outcome
	}
	out := generationOutcome{State: outcome, Err: genErr}
	idx := conv.messageIndexLocked(h.MessageID)
	switch outcome {
	case StateCancelled:
		if idx >= 0 && conv.conv.Messages[idx].Content == "" {
			// Cancelled before any content was committed: discard the
			// placeholder entirely.
			conv.conv.Messages = append(conv.conv.Messages[:idx], conv.conv.Messages[idx+1:]...)
			out.PlaceholderRemoved = true
		} else if idx >= 0 {
			out.FinalContent = conv.conv.Messages[idx].Content
		}
	case StateFailed:
		marker := chat.ErrorMarker(genErr)
		if idx >= 0 {
			conv.conv.Messages[idx].Content = marker
		}
		conv.lastError = chat.BannerText(genErr)
		out.FinalContent = marker
	case StateCompleted:
		if idx >= 0 {
			out.FinalContent = conv.conv.Messages[idx].Content
		}
	}
	conv.conv.UpdatedAt = time.Now()
	conv.mu.Unlock()

	evt := log.Info()
	if genErr != nil && outcome == StateFailed {
		evt = log.Warn().Err(genErr)
	}
	evt.
		Str("component", "controller").
		Str("conv_id", conv.ID).
		Uint64("seq", h.Seq).
		Str("outcome", string(outcome)).
		Int("content_len", len(out.FinalContent)).
		Msg("generation finished")

	if c.onFinished != nil {
		c.onFinished(conv, h, out)
	}
}
