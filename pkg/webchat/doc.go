// Package webchat serves the chat engine over HTTP and websockets.
//
// The Router owns the transport surface: JSON endpoints for submitting
// turns and managing conversations, a websocket endpoint that streams
// coalesced snapshot events per conversation, and the embedded static UI.
// Event delivery rides the engine's message bus: one long-lived
// subscription fans conversation lifecycle events to every client, and
// each open conversation gets a lazily created snapshot subscription tied
// to its connection pool, torn down when the last client goes idle.
//
// Typical setup builds an engine.Service, wraps it with NewServer, and
// calls Run, which handles signal-driven graceful shutdown.
package webchat
