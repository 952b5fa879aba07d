package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	log "github.com/sirupsen/logrus"
)

const writeTimeout = 5 * time.Second

// serveEvents streams every loss event to the client as a JSON text message.
// Messages from the client are discarded.
func (s *Service) serveEvents(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.WithError(err).Error("Failed to accept websocket client")
		return
	}
	defer c.CloseNow()

	events, unsub := s.events.Subscribe()
	defer unsub()

	logger := log.WithField("remote", r.RemoteAddr)
	logger.Debug("Loss event subscriber connected")

	ctx := c.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			logger.Debug("Loss event subscriber disconnected")
			return
		case ev, ok := <-events:
			if !ok {
				c.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			b, err := json.Marshal(ev)
			if err != nil {
				logger.WithError(err).Error("Failed to encode loss event")
				continue
			}
			if err := write(ctx, c, b); err != nil {
				logger.WithError(err).Debug("Failed to send loss event")
				return
			}
		}
	}
}

func write(ctx context.Context, c *websocket.Conn, b []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.Write(ctx, websocket.MessageText, b)
}
