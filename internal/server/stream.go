package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Access is decided by the session check in handleStream.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStream upgrades to a WebSocket and streams library events as
// JSON frames. With a cursor, events after it are replayed first. With
// sessions enabled the stream is per-fid only and needs that fid's access
// token, in the Authorization header or the access_token parameter.
// GET /api/stream?fid=&cursor=&access_token=
func (s *Server) handleStream(c echo.Context) error {
	var fid int64
	if raw := c.QueryParam("fid"); raw != "" {
		var ok bool
		if fid, ok = parseFID(raw); !ok {
			return jsonError(c, http.StatusBadRequest, "InvalidRequest", "fid must be a positive integer")
		}
	}

	var since *int64
	if raw := c.QueryParam("cursor"); raw != "" {
		cursor, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || cursor < 0 {
			return jsonError(c, http.StatusBadRequest, "InvalidRequest", "cursor must be a non-negative integer")
		}
		since = &cursor
	}

	if s.Sessions != nil {
		if fid == 0 {
			return jsonError(c, http.StatusBadRequest, "InvalidRequest", "fid is required when sessions are enabled")
		}
		// Browsers cannot set headers on a WebSocket handshake.
		if tok := c.QueryParam("access_token"); tok != "" && extractBearer(c) == "" {
			c.Request().Header.Set(echo.HeaderAuthorization, "Bearer "+tok)
		}
		if ok, err := s.authorizeFID(c, fid); !ok {
			return err
		}
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		log.Printf("Warning: websocket upgrade failed: %v", err)
		return nil
	}
	defer conn.Close()

	ctx := c.Request().Context()
	evts, cancel := s.Events.Subscribe(ctx, fid, since)
	defer cancel()

	// The read loop only handles control frames; it ends the stream when
	// the client goes away.
	go func() {
		defer cancel()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-evts:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"),
					time.Now().Add(writeWait))
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(evt); err != nil {
				return nil
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return nil
			}
		}
	}
}
