package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/jiminy/pkg/chat"
	"github.com/go-go-golems/jiminy/pkg/providers"
)

const DefaultBaseURL = "http://localhost:11434"

// Adapter speaks Ollama's line-delimited JSON streaming API. Each response
// line is one event object; malformed or partial lines are logged and
// skipped, never fatal.
type Adapter struct {
	baseURL string
	client  *http.Client
}

var _ providers.Provider = &Adapter{}

func New(baseURL string) *Adapter {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Adapter{
		baseURL: baseURL,
		// No global timeout: streaming responses are long-lived. Stall
		// detection is the consumer's per-read deadline.
		client: &http.Client{},
	}
}

func (a *Adapter) Name() string { return "ollama" }

func (a *Adapter) CheckAvailability(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, a.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func (a *Adapter) ListModels(ctx context.Context) ([]providers.ModelDescriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, errors.Wrap(err, "build tags request")
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(chat.ErrConnection, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, providers.ClassifyHTTPStatus(resp.StatusCode, readErrorBody(resp.Body))
	}
	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, errors.Wrap(err, "decode tags response")
	}
	out := make([]providers.ModelDescriptor, 0, len(tags.Models))
	for _, m := range tags.Models {
		out = append(out, providers.ModelDescriptor{
			ID:       m.Name,
			Name:     m.Name,
			Provider: a.Name(),
		})
	}
	return out, nil
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
}

func (a *Adapter) StreamCompletion(ctx context.Context, model string, turns []chat.Turn) (*providers.Stream, error) {
	msgs := make([]wireMessage, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, wireMessage{Role: string(t.Role), Content: t.Content})
	}
	body, err := json.Marshal(chatRequest{Model: model, Messages: msgs, Stream: true})
	if err != nil {
		return nil, errors.Wrap(err, "marshal chat request")
	}

	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost, a.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "build chat request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		cancel()
		return nil, errors.Wrap(chat.ErrConnection, err.Error())
	}
	if resp.StatusCode != http.StatusOK {
		detail := readErrorBody(resp.Body)
		_ = resp.Body.Close()
		cancel()
		return nil, providers.ClassifyHTTPStatus(resp.StatusCode, detail)
	}

	stream := providers.NewStream(cancel)
	go a.consume(streamCtx, resp.Body, stream)
	return stream, nil
}

func (a *Adapter) consume(ctx context.Context, body io.ReadCloser, stream *providers.Stream) {
	defer func() { _ = body.Close() }()
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var chunk chatChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			log.Warn().Err(err).
				Str("component", "ollama").
				Int("line_len", len(line)).
				Msg("skipping malformed stream line")
			continue
		}
		if chunk.Error != "" {
			stream.CloseSend(errors.Wrap(chat.ErrRequest, chunk.Error))
			return
		}
		if chunk.Message.Content != "" {
			if !stream.Send(ctx, chunk.Message.Content) {
				stream.CloseSend(errors.WithStack(chat.ErrCancelled))
				return
			}
		}
		if chunk.Done {
			stream.CloseSend(nil)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			stream.CloseSend(errors.WithStack(chat.ErrCancelled))
			return
		}
		stream.CloseSend(errors.Wrap(chat.ErrConnection, err.Error()))
		return
	}
	// EOF without a done marker: treat as a clean end.
	stream.CloseSend(nil)
}

func readErrorBody(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, 4*1024))
	if err != nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(b, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(b))
}
