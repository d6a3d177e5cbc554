package webchat

import (
	"context"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/jiminy/pkg/engine"
)

// NewRouter builds the HTTP surface over a chat engine. It registers UI and
// API handlers on an internal mux and starts forwarding conversation-list
// events to all connected websocket clients.
func NewRouter(ctx context.Context, cfg Config) (*Router, error) {
	if ctx == nil {
		return nil, errors.New("ctx is nil")
	}
	if cfg.Service == nil {
		return nil, errors.New("chat service is nil")
	}
	if cfg.Subscriber == nil {
		return nil, errors.New("event subscriber is nil")
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	r := &Router{
		baseCtx:  ctx,
		cfg:      cfg,
		svc:      cfg.Service,
		mux:      http.NewServeMux(),
		staticFS: cfg.StaticFS,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		pools: map[string]*poolEntry{},
	}
	r.registerAPIHandlers(r.mux)
	r.registerUIHandlers(r.mux)
	if err := r.startConversationsForwarder(); err != nil {
		return nil, errors.Wrap(err, "subscribe conversations feed")
	}
	return r, nil
}

// Handler returns the router mux.
func (r *Router) Handler() http.Handler { return r.mux }

// Mount attaches all handlers to a parent mux with the given prefix.
// http.ServeMux does not strip prefixes, so we must use StripPrefix explicitly.
func (r *Router) Mount(mux *http.ServeMux, prefix string) {
	if prefix == "" || prefix == "/" {
		mux.Handle("/", r.mux)
		return
	}
	prefix = strings.TrimRight(prefix, "/")
	mux.Handle(prefix+"/", http.StripPrefix(prefix, r.mux))
	mux.HandleFunc(prefix, func(w http.ResponseWriter, r0 *http.Request) {
		http.Redirect(w, r0, prefix+"/", http.StatusPermanentRedirect)
	})
}

// BuildHTTPServer constructs an http.Server around the router mux.
func (r *Router) BuildHTTPServer() *http.Server {
	return &http.Server{
		Addr:              r.cfg.Addr,
		Handler:           r.mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func (r *Router) registerAPIHandlers(mux *http.ServeMux) {
	mux.Handle("POST /api/chat", NewChatHTTPHandler(r.svc))
	mux.Handle("POST /api/chat/cancel", NewCancelHTTPHandler(r.svc))
	mux.Handle("GET /api/conversations", NewListConversationsHandler(r.svc))
	mux.Handle("GET /api/conversations/{id}", NewGetConversationHandler(r.svc))
	mux.Handle("DELETE /api/conversations/{id}", NewDeleteConversationHandler(r.svc))
	mux.Handle("GET /api/conversations/{id}/state", NewStateHandler(r.svc))
	mux.Handle("POST /api/conversations/{id}/persona", NewBindPersonaHandler(r.svc))
	mux.Handle("POST /api/conversations/{id}/model", NewBindModelHandler(r.svc))
	mux.Handle("GET /api/search", NewSearchHandler(r.svc))
	mux.Handle("GET /api/personas", NewListPersonasHandler(r.svc))
	mux.Handle("GET /api/models", NewListModelsHandler(r.svc))
	mux.HandleFunc("GET /ws", r.handleWS)
}

func (r *Router) registerUIHandlers(mux *http.ServeMux) {
	logger := log.With().Str("component", "webchat").Logger()
	if r.staticFS == nil {
		logger.Warn().Msg("static FS not configured; UI handler disabled")
		return
	}
	if staticSub, err := fs.Sub(r.staticFS, "static"); err == nil {
		mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))
		logger.Info().Msg("mounted /static/ asset handler")
	} else {
		logger.Warn().Err(err).Msg("failed to mount /static/ asset handler")
	}
	mux.HandleFunc("/{$}", func(w http.ResponseWriter, _ *http.Request) {
		b, err := fs.ReadFile(r.staticFS, "static/index.html")
		if err != nil {
			logger.Error().Msg("index not found in embedded FS")
			http.Error(w, "index not found", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(b)
	})
}

// handleWS upgrades the connection and joins it to the conversation's
// websocket pool. An empty conv_id is rejected; clients create conversations
// through POST /api/chat first.
func (r *Router) handleWS(w http.ResponseWriter, req *http.Request) {
	convID := strings.TrimSpace(req.URL.Query().Get("conv_id"))
	if convID == "" {
		http.Error(w, "missing conv_id", http.StatusBadRequest)
		return
	}
	if _, err := r.svc.OpenConversation(req.Context(), convID); err != nil {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	pool, err := r.poolFor(convID)
	if err != nil {
		log.Warn().Err(err).Str("component", "webchat").Str("conv_id", convID).Msg("failed to join conversation stream")
		_ = conn.WriteJSON(wsFrame{Type: "error", ConvID: convID})
		_ = conn.Close()
		return
	}
	pool.Add(conn)
	pool.SendJSON(conn, wsFrame{Type: "hello", ConvID: convID})
	go r.readLoop(pool, conn)
}

// readLoop drains client frames so control messages are processed and the
// connection's close is observed.
func (r *Router) readLoop(pool *ConnectionPool, conn *websocket.Conn) {
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	})
	_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			pool.Remove(conn)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	}
}

// poolFor returns the conversation's websocket pool, creating it and its
// snapshot-event subscription on first use.
func (r *Router) poolFor(convID string) (*ConnectionPool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.pools[convID]; ok {
		return e.pool, nil
	}

	subCtx, cancel := context.WithCancel(r.baseCtx)
	pool := NewConnectionPool(convID, r.cfg.IdleTimeout, func() {
		r.dropPool(convID)
	})
	msgs, err := r.cfg.Subscriber.Subscribe(subCtx, engine.SnapshotTopic(convID))
	if err != nil {
		cancel()
		return nil, err
	}
	go forwardSnapshots(convID, msgs, pool)
	r.pools[convID] = &poolEntry{pool: pool, cancel: cancel}
	log.Debug().Str("component", "webchat").Str("conv_id", convID).Msg("created websocket pool")
	return pool, nil
}

func (r *Router) dropPool(convID string) {
	r.mu.Lock()
	e, ok := r.pools[convID]
	if ok {
		delete(r.pools, convID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	e.cancel()
	e.pool.CloseAll()
	log.Debug().Str("component", "webchat").Str("conv_id", convID).Msg("evicted idle websocket pool")
}

func (r *Router) allPools() []*ConnectionPool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*ConnectionPool, 0, len(r.pools))
	for _, e := range r.pools {
		out = append(out, e.pool)
	}
	return out
}

// Close tears down every websocket pool and its subscription.
func (r *Router) Close() {
	r.mu.Lock()
	entries := make([]*poolEntry, 0, len(r.pools))
	for id, e := range r.pools {
		entries = append(entries, e)
		delete(r.pools, id)
	}
	r.mu.Unlock()
	for _, e := range entries {
		e.cancel()
		e.pool.CloseAll()
	}
}
