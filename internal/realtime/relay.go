package realtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"santinel/internal/protocol"
	"santinel/internal/session"
)

// termConn is one terminal channel: a websocket bound to one shell.
type termConn struct {
	ws        *websocket.Conn
	server    *Server
	sessionID string
	logger    *slog.Logger

	send       chan []byte
	finish     chan struct{}
	finishOnce sync.Once
	closed     chan struct{}
	closeOnce  sync.Once
}

// handleTerminal upgrades the connection and spawns the session's shell.
// The shell lives exactly as long as the connection.
func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r, true) {
		s.logger.Warn("auth denied", "remote", clientIP(r), "path", r.URL.Path)
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", clientIP(r), "error", err)
		return
	}
	ws.SetReadLimit(maxFrameSize)

	sess, err := s.sessions.Create(session.Options{
		Shell: s.shell,
		Cols:  s.initialCols,
		Rows:  s.initialRows,
	})
	if err != nil {
		code := protocol.ErrSpawnFailed
		if errors.Is(err, session.ErrLimitReached) {
			code = protocol.ErrMaxSessions
		}
		s.logger.Error("session spawn failed", "remote", clientIP(r), "error", err)
		rejectConn(ws, code, err.Error())
		return
	}

	stream, err := s.sessions.Subscribe(sess.ID)
	if err != nil {
		s.sessions.Remove(sess.ID)
		rejectConn(ws, protocol.ErrSpawnFailed, err.Error())
		return
	}

	c := &termConn{
		ws:        ws,
		server:    s,
		sessionID: sess.ID,
		logger:    s.logger.With("session_id", sess.ID),
		send:      make(chan []byte, sendBuffer),
		finish:    make(chan struct{}),
		closed:    make(chan struct{}),
	}
	c.logger.Info("terminal connected", "remote", clientIP(r))

	go c.writePump()

	// session.ready goes out before any output.
	c.sendFrame(protocol.TypeSessionReady, protocol.SessionReadyPayload{
		SessionID: sess.ID,
		Cols:      sess.Cols,
		Rows:      sess.Rows,
	})
	go c.pumpOutput(stream)

	c.readPump()

	c.shutdown()
	s.sessions.Remove(sess.ID)
	c.logger.Info("terminal disconnected")
}

// rejectConn reports a fatal error on a connection that never got a
// session, then closes it.
func rejectConn(ws *websocket.Conn, code, message string) {
	defer ws.Close()
	msg, err := protocol.NewErrorMessage(code, message)
	if err != nil {
		return
	}
	data, _ := json.Marshal(msg)
	ws.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return
	}
	ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseInternalServerErr, code))
}

// shutdown closes the socket once; both pumps then stop.
func (c *termConn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()
	})
}

// enqueue hands a frame to the writer, waiting while the buffer is full.
// It returns false once the connection is closed.
func (c *termConn) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	case <-c.closed:
		return false
	}
}

func (c *termConn) sendFrame(msgType string, payload interface{}) bool {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		c.logger.Error("encode frame", "type", msgType, "error", err)
		return false
	}
	return c.enqueue(data)
}

func (c *termConn) sendError(code, message string) {
	c.sendFrame(protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message})
}

// readPump applies client frames to the session in arrival order until
// the socket fails.
func (c *termConn) readPump() {
	c.ws.SetReadDeadline(time.Now().Add(readDeadline))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(readDeadline))
		c.handleMessage(raw)
	}
}

func (c *termConn) handleMessage(raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		c.sendError(protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeInput:
		var p protocol.InputPayload
		json.Unmarshal(msg.Payload, &p)
		data, _ := p.Bytes()
		if err := c.server.sessions.Write(c.sessionID, data); err != nil {
			c.sendError(errorCode(err), err.Error())
		}

	case protocol.TypeResize:
		var p protocol.ResizePayload
		json.Unmarshal(msg.Payload, &p)
		if err := c.server.sessions.Resize(c.sessionID, uint16(p.Cols), uint16(p.Rows)); err != nil {
			c.sendError(errorCode(err), err.Error())
		}
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return protocol.ErrSessionNotFound
	case errors.Is(err, session.ErrTerminated):
		return protocol.ErrSessionTerminated
	default:
		return protocol.ErrInvalidMessage
	}
}

// pumpOutput forwards shell output in order. When the shell exits it
// sends the exit frame after the last output and asks the writer to close.
func (c *termConn) pumpOutput(stream *session.Stream) {
	var carry []byte
	for chunk := range stream.Output {
		var data []byte
		data, carry = protocol.SplitUTF8(append(carry, chunk...))
		if len(data) == 0 {
			continue
		}
		if !c.sendFrame(protocol.TypeOutput, protocol.OutputPayload{Data: string(data)}) {
			return
		}
	}

	select {
	case <-stream.Done:
	case <-c.closed:
		return
	}
	if len(carry) > 0 {
		c.sendFrame(protocol.TypeOutput, protocol.OutputPayload{Data: string(carry)})
	}

	exitCode := -1
	if sess, err := c.server.sessions.Get(c.sessionID); err == nil {
		exitCode = sess.ExitCode
	}
	c.logger.Info("shell exited", "exit_code", exitCode)
	if c.sendFrame(protocol.TypeExit, protocol.ExitPayload{SessionID: c.sessionID, ExitCode: exitCode}) {
		c.finishOnce.Do(func() { close(c.finish) })
	}
}

// writePump is the only writer on the socket.
func (c *termConn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case message := <-c.send:
			if !c.write(websocket.TextMessage, message) {
				return
			}

		case <-ticker.C:
			if !c.write(websocket.PingMessage, nil) {
				return
			}

		case <-c.finish:
			// The exit frame was queued before finish closed.
			for len(c.send) > 0 {
				if !c.write(websocket.TextMessage, <-c.send) {
					return
				}
			}
			c.write(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "process exited"))
			return

		case <-c.closed:
			return
		}
	}
}

func (c *termConn) write(messageType int, data []byte) bool {
	c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := c.ws.WriteMessage(messageType, data); err != nil {
		c.logger.Debug("websocket write failed", "error", err)
		return false
	}
	return true
}
