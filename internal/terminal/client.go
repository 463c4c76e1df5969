// Package terminal is the client end of the terminal channel: it forwards
// keystrokes and geometry to the server and writes the shell's output.
package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"santinel/internal/protocol"
)

const (
	DefaultMaxReconnects  = 5
	DefaultReconnectDelay = time.Second

	writeDeadline = 10 * time.Second
	inputBufSize  = 4096
)

var (
	// ErrInputClosed is returned when the input stream ends.
	ErrInputClosed = errors.New("input closed")
	// ErrReconnectsExhausted is returned when the channel keeps dropping.
	ErrReconnectsExhausted = errors.New("terminal channel lost")
)

// SizeSource reports the local terminal geometry and signals changes.
type SizeSource interface {
	Size() (cols, rows int, err error)
	Changes() <-chan struct{}
}

// ServerError is an error frame sent by the server.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string { return e.Code + ": " + e.Message }

// Config configures a Client.
type Config struct {
	URL            string
	Token          string
	InitialCommand string
	Sizes          SizeSource
	MaxReconnects  int
	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer
	Logger         *slog.Logger
}

// Client runs one logical terminal, across reconnects.
type Client struct {
	cfg         Config
	initialSent atomic.Bool
	sessionID   atomic.Value
}

// NewClient applies defaults to cfg.
func NewClient(cfg Config) *Client {
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = DefaultMaxReconnects
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{cfg: cfg}
}

// SessionID is the server session of the most recent connection.
func (c *Client) SessionID() string {
	id, _ := c.sessionID.Load().(string)
	return id
}

// Run relays until the shell exits, the input ends, ctx is cancelled or
// the channel cannot be re-established. It returns the shell's exit code
// when the server reported one.
func (c *Client) Run(ctx context.Context, in io.Reader, out io.Writer) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	inputCh := make(chan []byte)
	inputErr := make(chan error, 1)
	go readInput(ctx, in, inputCh, inputErr)

	var pending []byte
	failures := 0
	for {
		code, exited, err := c.connect(ctx, inputCh, inputErr, out, &pending)
		if exited {
			return code, nil
		}
		var serr *ServerError
		if errors.As(err, &serr) || errors.Is(err, ErrInputClosed) || ctx.Err() != nil {
			if ctx.Err() != nil {
				return -1, ctx.Err()
			}
			return -1, err
		}
		if err == nil {
			// Connected, then dropped. Count from scratch.
			failures = 0
		}

		failures++
		if failures > c.cfg.MaxReconnects {
			return -1, fmt.Errorf("%w after %d attempts", ErrReconnectsExhausted, c.cfg.MaxReconnects)
		}
		c.cfg.Logger.Warn("terminal channel dropped, reconnecting", "attempt", failures, "error", err)

		select {
		case <-time.After(c.cfg.ReconnectDelay):
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	}
}

// readInput forwards input chunks in order. It lives for the Client's Run
// so no keystroke is lost across reconnects. When a read fills the buffer
// more bytes are already waiting, so a multi-byte character cut at the
// end is held back and joined with the next read. A short read is sent
// as is, leaving a lone lead byte such as a meta key to the lossless
// input encoding.
func readInput(ctx context.Context, in io.Reader, ch chan<- []byte, errc chan<- error) {
	buf := make([]byte, inputBufSize)
	var carry []byte
	for {
		n, err := in.Read(buf)
		if n > 0 || (err != nil && len(carry) > 0) {
			chunk := append(carry, buf[:n]...)
			carry = nil
			if n == len(buf) && err == nil {
				chunk, carry = protocol.SplitUTF8(chunk)
			}
			if len(chunk) > 0 {
				select {
				case ch <- chunk:
				case <-ctx.Done():
					return
				}
			}
		}
		if err != nil {
			errc <- err
			return
		}
	}
}

type connResult struct {
	exitCode int
	exited   bool
	err      error
}

// connect runs one websocket connection. A nil error with exited false
// means the session became ready and the connection later dropped; a
// non-nil plain error means no session was established. pending holds
// input whose write failed on a previous connection; it is sent once the
// session is ready.
func (c *Client) connect(ctx context.Context, inputCh <-chan []byte, inputErr <-chan error, out io.Writer, pending *[]byte) (int, bool, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return -1, false, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	defer conn.Close()

	ready := make(chan protocol.SessionReadyPayload, 1)
	done := make(chan connResult, 1)
	go c.readLoop(conn, out, ready, done)

	var sizeChanges <-chan struct{}
	if c.cfg.Sizes != nil {
		sizeChanges = c.cfg.Sizes.Changes()
	}
	// Input is held until the session exists and has its geometry.
	var input <-chan []byte

	for {
		select {
		case <-ctx.Done():
			closeGracefully(conn)
			return -1, false, ctx.Err()

		case res := <-done:
			if input == nil && !res.exited && res.err == nil {
				return -1, false, errors.New("channel closed before session was ready")
			}
			return res.exitCode, res.exited, res.err

		case <-ready:
			if err := c.sendSize(conn); err != nil {
				return -1, false, nil
			}
			if c.cfg.InitialCommand != "" && c.initialSent.CompareAndSwap(false, true) {
				if err := sendInput(conn, []byte(c.cfg.InitialCommand+"\r")); err != nil {
					// Not delivered; the next session gets it.
					c.initialSent.Store(false)
					return -1, false, nil
				}
			}
			if len(*pending) > 0 {
				if err := sendInput(conn, *pending); err != nil {
					return -1, false, nil
				}
				*pending = nil
			}
			input = inputCh

		case <-sizeChanges:
			if err := c.sendSize(conn); err != nil {
				return -1, false, nil
			}

		case chunk := <-input:
			if err := sendInput(conn, chunk); err != nil {
				*pending = append(*pending, chunk...)
				return -1, false, nil
			}

		case err := <-inputErr:
			closeGracefully(conn)
			if errors.Is(err, io.EOF) {
				return -1, false, ErrInputClosed
			}
			return -1, false, fmt.Errorf("%w: %v", ErrInputClosed, err)
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn, out io.Writer, ready chan<- protocol.SessionReadyPayload, done chan<- connResult) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			done <- connResult{exitCode: -1}
			return
		}
		msg, err := protocol.DecodeServerMessage(raw)
		if err != nil {
			c.cfg.Logger.Debug("ignoring malformed frame", "error", err)
			continue
		}

		switch msg.Type {
		case protocol.TypeOutput:
			var p protocol.OutputPayload
			if json.Unmarshal(msg.Payload, &p) == nil {
				out.Write([]byte(p.Data))
			}

		case protocol.TypeSessionReady:
			var p protocol.SessionReadyPayload
			if json.Unmarshal(msg.Payload, &p) == nil {
				c.sessionID.Store(p.SessionID)
				select {
				case ready <- p:
				default:
				}
			}

		case protocol.TypeExit:
			var p protocol.ExitPayload
			json.Unmarshal(msg.Payload, &p)
			done <- connResult{exitCode: p.ExitCode, exited: true}
			return

		case protocol.TypeError:
			var p protocol.ErrorPayload
			json.Unmarshal(msg.Payload, &p)
			if p.Code == protocol.ErrInvalidMessage {
				c.cfg.Logger.Warn("server rejected frame", "message", p.Message)
				continue
			}
			done <- connResult{exitCode: -1, err: &ServerError{Code: p.Code, Message: p.Message}}
			return
		}
	}
}

func (c *Client) sendSize(conn *websocket.Conn) error {
	if c.cfg.Sizes == nil {
		return nil
	}
	cols, rows, err := c.cfg.Sizes.Size()
	if err != nil {
		c.cfg.Logger.Debug("terminal size unavailable", "error", err)
		return nil
	}
	return send(conn, protocol.TypeResize, protocol.ResizePayload{Cols: cols, Rows: rows})
}

func sendInput(conn *websocket.Conn, data []byte) error {
	return send(conn, protocol.TypeInput, protocol.InputFromBytes(data))
}

func send(conn *websocket.Conn, msgType string, payload interface{}) error {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func closeGracefully(conn *websocket.Conn) {
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}
