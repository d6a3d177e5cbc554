package webchat

import (
	"context"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/gorilla/websocket"

	"github.com/go-go-golems/jiminy/pkg/engine"
)

// Config wires the HTTP layer to the chat engine and the event bus.
type Config struct {
	Addr       string
	Service    *engine.Service
	Subscriber message.Subscriber
	StaticFS   fs.FS

	// IdleTimeout evicts a conversation's websocket pool (and its event
	// subscription) after the last client disconnects.
	IdleTimeout time.Duration
}

// Router wires HTTP endpoints, websocket pools and event forwarding.
type Router struct {
	baseCtx  context.Context
	cfg      Config
	svc      *engine.Service
	mux      *http.ServeMux
	staticFS fs.FS
	upgrader websocket.Upgrader

	mu    sync.Mutex
	pools map[string]*poolEntry
}

type poolEntry struct {
	pool   *ConnectionPool
	cancel context.CancelFunc
}

type sendRequest struct {
	ConvID string `json:"conv_id"`
	Prompt string `json:"prompt"`
}

type cancelRequest struct {
	ConvID string `json:"conv_id"`
}

type bindPersonaRequest struct {
	PersonaID string `json:"persona_id"`
}

type bindModelRequest struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// wsFrame is the envelope for every websocket payload.
type wsFrame struct {
	Type   string `json:"type"` // hello | snapshot | conversation
	ConvID string `json:"conv_id,omitempty"`
	Event  any    `json:"event,omitempty"`
}
