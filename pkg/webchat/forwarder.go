package webchat

import (
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/jiminy/pkg/engine"
)

// startConversationsForwarder subscribes to the global conversation feed and
// fans every event out to all connected pools. The subscription lives for the
// router's whole lifetime.
func (r *Router) startConversationsForwarder() error {
	msgs, err := r.cfg.Subscriber.Subscribe(r.baseCtx, engine.ConversationsTopic)
	if err != nil {
		return err
	}
	go func() {
		for msg := range msgs {
			frame, ok := encodeFrame("conversation", "", msg)
			msg.Ack()
			if !ok {
				continue
			}
			for _, pool := range r.allPools() {
				pool.Broadcast(frame)
			}
		}
	}()
	return nil
}

// forwardSnapshots relays one conversation's snapshot events to its pool
// until the subscription channel closes.
func forwardSnapshots(convID string, msgs <-chan *message.Message, pool *ConnectionPool) {
	for msg := range msgs {
		frame, ok := encodeFrame("snapshot", convID, msg)
		msg.Ack()
		if !ok {
			continue
		}
		pool.Broadcast(frame)
	}
}

func encodeFrame(kind, convID string, msg *message.Message) ([]byte, bool) {
	frame, err := json.Marshal(wsFrame{
		Type:   kind,
		ConvID: convID,
		Event:  json.RawMessage(msg.Payload),
	})
	if err != nil {
		log.Warn().Err(err).Str("component", "webchat").Str("kind", kind).Msg("dropping unencodable event frame")
		return nil, false
	}
	return frame, true
}
