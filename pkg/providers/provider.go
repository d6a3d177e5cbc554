package providers

import (
	"context"

	"github.com/go-go-golems/jiminy/pkg/chat"
)

// ModelDescriptor describes one model offered by a provider.
type ModelDescriptor struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
}

// Provider normalizes a heterogeneous streaming backend into one capability
// surface. Each concrete adapter owns its wire framing (line-delimited event
// objects for local backends, SDK-native deltas for cloud backends) and
// normalizes it to plain text deltas. Adapters never mutate conversation
// state; their only side effect is network I/O.
type Provider interface {
	// Name is the registry key for this provider ("ollama", "openai", ...).
	Name() string

	// CheckAvailability probes whether the backend is reachable. It never
	// returns an error: an unreachable backend is simply unavailable.
	CheckAvailability(ctx context.Context) bool

	// ListModels enumerates the models the backend currently serves.
	ListModels(ctx context.Context) ([]ModelDescriptor, error)

	// StreamCompletion starts one streaming completion for the given turns.
	// The returned stream is finite and not restartable; each call is a
	// fresh request. Cancelling ctx (or calling Stream.Cancel) signals the
	// producer to stop cooperatively.
	StreamCompletion(ctx context.Context, model string, turns []chat.Turn) (*Stream, error)
}
