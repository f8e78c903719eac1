package realtime

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"go.uber.org/zap"
)

const clientBuffer = 16

// NewHandler serves the SockJS endpoint under prefix. Observers send
// subscribe/unsubscribe messages and receive event envelopes as text frames.
func NewHandler(prefix string, hub *Hub, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("realtime")
	return sockjs.NewHandler(prefix, sockjs.DefaultOptions, func(session sockjs.Session) {
		client := NewClient(uuid.NewString(), clientBuffer)
		hub.Register(client)
		defer hub.Unregister(client)
		logger.Debug("client connected", zap.String("client", client.ID), zap.String("session", session.ID()))

		go func() {
			for msg := range client.Send {
				if err := session.Send(string(msg)); err != nil {
					return
				}
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				logger.Debug("client disconnected", zap.String("client", client.ID))
				return
			}
			parsed, ok := ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			if parsed.Action == "unsubscribe" {
				hub.Unsubscribe(client, parsed.Topic)
				continue
			}
			hub.Subscribe(client, parsed.Topic)
		}
	})
}
