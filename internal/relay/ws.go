package relay

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/nfrund/remora/internal/wire"
)

// writeWait bounds how long a single frame write may take before the
// peer is considered gone.
const writeWait = 10 * time.Second

// handleWS upgrades the request and runs the read and write pumps until
// the peer leaves or the hub drops it.
func (s *Server) handleWS(c echo.Context) error {
	conn, err := websocket.Accept(c.Response().Writer, c.Request(), &websocket.AcceptOptions{
		// The relay fronts local tooling and tests; origin checks only
		// get in the way there.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Error("WebSocket accept failed", "error", err)
		return err
	}

	cl := &client{
		id:   uuid.NewString(),
		send: make(chan []byte, sendBuffer),
	}
	if !s.hub.add(cl) {
		return conn.Close(websocket.StatusGoingAway, "relay shutting down")
	}

	ctx := c.Request().Context()
	go s.writePump(ctx, conn, cl)
	s.readPump(ctx, conn, cl)
	return nil
}

// readPump consumes subscribe frames until the connection dies. Frames
// that do not decode are dropped; a sync client retransmits its full
// set the next time it changes anyway.
func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, cl *client) {
	defer s.hub.remove(cl)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway ||
				errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				s.logger.Debug("Client left", "client_id", cl.id)
			} else {
				s.logger.Warn("Client read failed", "client_id", cl.id, "error", err)
			}
			return
		}

		set, err := wire.DecodeSubscribe(data)
		if err != nil {
			s.logger.Warn("Ignoring undecodable frame", "client_id", cl.id, "error", err)
			continue
		}
		s.hub.announce(cl, set)
	}
}

// writePump drains the hub's frames to the socket. A closed send
// channel, whether from a clean unregister, a slow-client drop, or
// relay shutdown, ends the session.
func (s *Server) writePump(ctx context.Context, conn *websocket.Conn, cl *client) {
	for frame := range cl.send {
		writeCtx, cancel := context.WithTimeout(ctx, writeWait)
		err := conn.Write(writeCtx, websocket.MessageText, frame)
		cancel()
		if err != nil {
			s.logger.Debug("Client write failed", "client_id", cl.id, "error", err)
			conn.Close(websocket.StatusAbnormalClosure, "write failed")
			// Keep draining so the hub never blocks on this client.
			for range cl.send {
			}
			return
		}
	}
	conn.Close(websocket.StatusNormalClosure, "")
}
