package openai

import (
	"context"
	stderrors "errors"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	goopenai "github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/jiminy/pkg/chat"
	"github.com/go-go-golems/jiminy/pkg/providers"
)

// Adapter speaks the OpenAI-compatible chat completions API through the
// go-openai SDK. The SDK owns the SSE framing; this adapter normalizes its
// native delta objects into plain text deltas. A custom base URL points it
// at any compatible backend (OpenRouter, vLLM, Azure, ...).
type Adapter struct {
	name   string
	client *goopenai.Client
}

var _ providers.Provider = &Adapter{}

type Options struct {
	// Name overrides the registry key, e.g. "openrouter". Default "openai".
	Name string
	// BaseURL overrides the API endpoint for compatible backends.
	BaseURL string
}

func New(apiKey string, opts Options) *Adapter {
	cfg := goopenai.DefaultConfig(apiKey)
	if strings.TrimSpace(opts.BaseURL) != "" {
		cfg.BaseURL = strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = "openai"
	}
	return &Adapter{
		name:   name,
		client: goopenai.NewClientWithConfig(cfg),
	}
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) CheckAvailability(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := a.client.ListModels(probeCtx)
	return err == nil
}

func (a *Adapter) ListModels(ctx context.Context) ([]providers.ModelDescriptor, error) {
	list, err := a.client.ListModels(ctx)
	if err != nil {
		return nil, normalizeError(err)
	}
	out := make([]providers.ModelDescriptor, 0, len(list.Models))
	for _, m := range list.Models {
		out = append(out, providers.ModelDescriptor{
			ID:       m.ID,
			Name:     m.ID,
			Provider: a.name,
		})
	}
	return out, nil
}

func (a *Adapter) StreamCompletion(ctx context.Context, model string, turns []chat.Turn) (*providers.Stream, error) {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    string(t.Role),
			Content: t.Content,
		})
	}

	streamCtx, cancel := context.WithCancel(ctx)
	sdkStream, err := a.client.CreateChatCompletionStream(streamCtx, goopenai.ChatCompletionRequest{
		Model:    model,
		Messages: msgs,
		Stream:   true,
	})
	if err != nil {
		cancel()
		return nil, normalizeError(err)
	}

	stream := providers.NewStream(cancel)
	go a.consume(streamCtx, sdkStream, stream)
	return stream, nil
}

func (a *Adapter) consume(ctx context.Context, sdkStream *goopenai.ChatCompletionStream, stream *providers.Stream) {
	defer func() { _ = sdkStream.Close() }()
	for {
		resp, err := sdkStream.Recv()
		if err != nil {
			if stderrors.Is(err, io.EOF) {
				stream.CloseSend(nil)
				return
			}
			if ctx.Err() != nil {
				stream.CloseSend(errors.WithStack(chat.ErrCancelled))
				return
			}
			// The SDK surfaces per-chunk unmarshal failures as fatal; keep
			// streaming on those and only terminate on transport errors.
			if isChunkDecodeError(err) {
				log.Warn().Err(err).
					Str("component", a.name).
					Msg("skipping malformed stream chunk")
				continue
			}
			stream.CloseSend(normalizeError(err))
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if !stream.Send(ctx, delta) {
			stream.CloseSend(errors.WithStack(chat.ErrCancelled))
			return
		}
	}
}

func isChunkDecodeError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unmarshal") || strings.Contains(msg, "invalid character")
}

// normalizeError maps SDK error shapes onto the engine taxonomy.
func normalizeError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *goopenai.APIError
	if stderrors.As(err, &apiErr) {
		return providers.ClassifyHTTPStatus(apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *goopenai.RequestError
	if stderrors.As(err, &reqErr) {
		return providers.ClassifyHTTPStatus(reqErr.HTTPStatusCode, reqErr.Error())
	}
	return errors.Wrap(chat.ErrConnection, err.Error())
}
