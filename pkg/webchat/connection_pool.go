package webchat

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const wsWriteTimeout = 10 * time.Second

// ConnectionPool manages the websocket connections of one conversation.
// It centralizes broadcasting, error handling and idle detection so the
// router logic stays small.
type ConnectionPool struct {
	convID      string
	mu          sync.Mutex
	conns       map[*websocket.Conn]struct{}
	idleTimer   *time.Timer
	idleTimeout time.Duration
	onIdle      func()
}

func NewConnectionPool(convID string, idleTimeout time.Duration, onIdle func()) *ConnectionPool {
	return &ConnectionPool{
		convID:      convID,
		conns:       map[*websocket.Conn]struct{}{},
		idleTimeout: idleTimeout,
		onIdle:      onIdle,
	}
}

func (cp *ConnectionPool) Add(conn *websocket.Conn) {
	if cp == nil || conn == nil {
		return
	}
	cp.mu.Lock()
	cp.conns[conn] = struct{}{}
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
}

func (cp *ConnectionPool) Remove(conn *websocket.Conn) {
	if cp == nil || conn == nil {
		return
	}
	cp.mu.Lock()
	delete(cp.conns, conn)
	cp.scheduleIdleTimerLocked()
	cp.mu.Unlock()
	_ = conn.Close()
}

// Broadcast writes data to every connection, dropping the ones that fail.
func (cp *ConnectionPool) Broadcast(data []byte) {
	if cp == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	for conn := range cp.conns {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Warn().Err(err).Str("component", "webchat").Str("conv_id", cp.convID).Msg("ws broadcast failed, dropping connection")
			delete(cp.conns, conn)
			_ = conn.Close()
		}
	}
	cp.scheduleIdleTimerLocked()
	cp.mu.Unlock()
}

// SendJSON writes a single frame to one connection, dropping it on failure.
func (cp *ConnectionPool) SendJSON(conn *websocket.Conn, v any) {
	if cp == nil || conn == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if _, ok := cp.conns[conn]; !ok {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Warn().Err(err).Str("component", "webchat").Str("conv_id", cp.convID).Msg("ws send failed, dropping connection")
		delete(cp.conns, conn)
		_ = conn.Close()
	}
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.conns)
}

func (cp *ConnectionPool) CloseAll() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	for conn := range cp.conns {
		_ = conn.Close()
		delete(cp.conns, conn)
	}
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
}

func (cp *ConnectionPool) stopIdleTimerLocked() {
	if cp.idleTimer != nil {
		cp.idleTimer.Stop()
		cp.idleTimer = nil
	}
}

func (cp *ConnectionPool) scheduleIdleTimerLocked() {
	cp.stopIdleTimerLocked()
	if len(cp.conns) != 0 || cp.idleTimeout <= 0 || cp.onIdle == nil {
		return
	}
	cp.idleTimer = time.AfterFunc(cp.idleTimeout, cp.triggerIdle)
}

func (cp *ConnectionPool) triggerIdle() {
	if cp == nil {
		return
	}
	var callback func()
	cp.mu.Lock()
	if len(cp.conns) == 0 {
		callback = cp.onIdle
	}
	cp.idleTimer = nil
	cp.mu.Unlock()
	if callback != nil {
		callback()
	}
}
