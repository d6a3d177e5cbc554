package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/jiminy/pkg/chat"
	"github.com/go-go-golems/jiminy/pkg/providers"
)

// SummarizerConfig tunes the background summarization job.
type SummarizerConfig struct {
	// Delay defers the job so it does not contend with the just-finished
	// response for backend capacity.
	Delay time.Duration
	// WordLimit is the requested summary length.
	WordLimit int
	// RequestTimeout bounds the whole summary request.
	RequestTimeout time.Duration
}

func (c SummarizerConfig) withDefaults() SummarizerConfig {
	if c.Delay <= 0 {
		c.Delay = 1500 * time.Millisecond
	}
	if c.WordLimit <= 0 {
		c.WordLimit = 100
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
	return c
}

// Summarizer produces the rolling summary after a successful turn. The job
// is deferred, cancellable, and never awaited by the send flow; a result
// arriving after the conversation advanced (or during shutdown) is discarded
// silently.
type Summarizer struct {
	baseCtx context.Context
	cfg     SummarizerConfig
}

func NewSummarizer(baseCtx context.Context, cfg SummarizerConfig) *Summarizer {
	return &Summarizer{baseCtx: baseCtx, cfg: cfg.withDefaults()}
}

// Schedule queues the summary job for the generation identified by seq.
// apply is invoked with the new summary only if the conversation has not
// advanced by the time the result arrives.
func (s *Summarizer) Schedule(conv *ConvState, seq uint64, provider providers.Provider, model string, history []chat.Turn, apply func(conv *ConvState, summary string)) {
	time.AfterFunc(s.cfg.Delay, func() {
		s.run(conv, seq, provider, model, history, apply)
	})
}

func (s *Summarizer) run(conv *ConvState, seq uint64, provider providers.Provider, model string, history []chat.Turn, apply func(conv *ConvState, summary string)) {
	if s.baseCtx.Err() != nil {
		return
	}
	if s.stale(conv, seq) {
		log.Debug().
			Str("component", "summarizer").
			Str("conv_id", conv.ID).
			Uint64("seq", seq).
			Msg("conversation advanced before summary started, skipping")
		return
	}

	instruction := fmt.Sprintf(
		"Summarize the conversation below in roughly %d words. Capture the topics discussed, decisions reached, and open questions. Respond with the summary text only.",
		s.cfg.WordLimit)
	turns := make([]chat.Turn, 0, len(history)+1)
	turns = append(turns, chat.Turn{Role: chat.RoleSystem, Content: instruction})
	turns = append(turns, history...)

	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.RequestTimeout)
	defer cancel()

	stream, err := provider.StreamCompletion(ctx, model, turns)
	if err != nil {
		log.Warn().Err(err).
			Str("component", "summarizer").
			Str("conv_id", conv.ID).
			Msg("summary request failed")
		return
	}
	var b strings.Builder
	for {
		delta, err := stream.Recv(ctx)
		if err != nil {
			if stderrors.Is(err, io.EOF) {
				break
			}
			stream.Cancel()
			log.Warn().Err(err).
				Str("component", "summarizer").
				Str("conv_id", conv.ID).
				Msg("summary stream failed")
			return
		}
		b.WriteString(delta)
	}

	summary := strings.TrimSpace(b.String())
	if summary == "" {
		return
	}
	// Freshness is re-checked on arrival: a newer generation may have
	// started while the summary streamed.
	if s.baseCtx.Err() != nil || s.stale(conv, seq) {
		log.Debug().
			Str("component", "summarizer").
			Str("conv_id", conv.ID).
			Uint64("seq", seq).
			Msg("discarding stale summary result")
		return
	}
	log.Debug().
		Str("component", "summarizer").
		Str("conv_id", conv.ID).
		Int("summary_len", len(summary)).
		Msg("rolling summary updated")
	apply(conv, summary)
}

func (s *Summarizer) stale(conv *ConvState, seq uint64) bool {
	conv.mu.Lock()
	defer conv.mu.Unlock()
	return conv.genSeq != seq || conv.active != nil
}
