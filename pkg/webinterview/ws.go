package webinterview

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// NewEventsWSHandler streams a session's lifecycle events as JSON frames
// until the client disconnects.
func NewEventsWSHandler(svc InterviewService, upgrader websocket.Upgrader, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		id := req.PathValue("id")
		ctx, cancel := context.WithCancel(req.Context())
		defer cancel()

		// Subscribe before upgrading so unknown sessions get a proper 404.
		evs, err := svc.Subscribe(ctx, id)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			logger.Debug().Err(err).Str("session_id", id).Msg("websocket upgrade failed")
			return
		}
		defer func() { _ = conn.Close() }()
		_ = conn.SetReadDeadline(time.Time{})

		// Reader: only needed to notice the close frame.
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(wsPingPeriod)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case ev, ok := <-evs:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteJSON(ev); err != nil {
					logger.Debug().Err(err).Str("session_id", id).Msg("websocket write failed")
					return
				}
			}
		}
	}
}
