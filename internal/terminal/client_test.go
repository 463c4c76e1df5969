package terminal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"santinel/internal/protocol"
)

var testUpgrader = websocket.Upgrader{}

type fixedSize struct {
	cols, rows int
	changes    chan struct{}
}

func (f *fixedSize) Size() (int, int, error)  { return f.cols, f.rows, nil }
func (f *fixedSize) Changes() <-chan struct{} { return f.changes }

// fakeRelay is a scripted terminal endpoint. handle is called once per
// accepted connection with the connection index.
type fakeRelay struct {
	mu       sync.Mutex
	conns    int
	received []*protocol.Message
	handle   func(idx int, conn *websocket.Conn, r *fakeRelay)
}

func (f *fakeRelay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	f.mu.Lock()
	idx := f.conns
	f.conns++
	f.mu.Unlock()
	f.handle(idx, conn, f)
}

// next reads one client frame and records it.
func (f *fakeRelay) next(conn *websocket.Conn) (*protocol.Message, error) {
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var msg protocol.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.received = append(f.received, &msg)
	f.mu.Unlock()
	return &msg, nil
}

func (f *fakeRelay) inputs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.received {
		if m.Type == protocol.TypeInput {
			var p protocol.InputPayload
			json.Unmarshal(m.Payload, &p)
			data, _ := p.Bytes()
			out = append(out, string(data))
		}
	}
	return out
}

func (f *fakeRelay) count(msgType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.received {
		if m.Type == msgType {
			n++
		}
	}
	return n
}

func serverSend(t *testing.T, conn *websocket.Conn, msgType string, payload interface{}) {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		t.Errorf("encode: %v", err)
		return
	}
	conn.WriteMessage(websocket.TextMessage, data)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRun_OutputInOrderAndExitCode(t *testing.T) {
	relay := &fakeRelay{handle: func(idx int, conn *websocket.Conn, r *fakeRelay) {
		serverSend(t, conn, protocol.TypeSessionReady, protocol.SessionReadyPayload{SessionID: "s1", Cols: 80, Rows: 30})
		for i := 0; i < 50; i++ {
			serverSend(t, conn, protocol.TypeOutput, protocol.OutputPayload{Data: string(rune('a' + i%26))})
		}
		serverSend(t, conn, protocol.TypeExit, protocol.ExitPayload{SessionID: "s1", ExitCode: 3})
	}}
	srv := httptest.NewServer(relay)
	defer srv.Close()

	in, inW := io.Pipe()
	defer inW.Close()
	out := &syncBuffer{}

	c := NewClient(Config{URL: wsURL(srv)})
	code, err := c.Run(context.Background(), in, out)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if code != 3 {
		t.Errorf("expected exit code 3, got %d", code)
	}
	var want strings.Builder
	for i := 0; i < 50; i++ {
		want.WriteRune(rune('a' + i%26))
	}
	if out.String() != want.String() {
		t.Errorf("output out of order:\n got %q\nwant %q", out.String(), want.String())
	}
	if c.SessionID() != "s1" {
		t.Errorf("expected session id s1, got %q", c.SessionID())
	}
}

func TestRun_ForwardsInputAndResizeOnReady(t *testing.T) {
	relay := &fakeRelay{handle: func(idx int, conn *websocket.Conn, r *fakeRelay) {
		serverSend(t, conn, protocol.TypeSessionReady, protocol.SessionReadyPayload{SessionID: "s1"})
		var got strings.Builder
		for got.String() != "abc" {
			msg, err := r.next(conn)
			if err != nil {
				return
			}
			if msg.Type == protocol.TypeInput {
				var p protocol.InputPayload
				json.Unmarshal(msg.Payload, &p)
				got.WriteString(p.Data)
			}
		}
		serverSend(t, conn, protocol.TypeExit, protocol.ExitPayload{ExitCode: 0})
	}}
	srv := httptest.NewServer(relay)
	defer srv.Close()

	in, inW := io.Pipe()
	defer inW.Close()
	go func() {
		for _, k := range []string{"a", "b", "c"} {
			inW.Write([]byte(k))
		}
	}()

	sizes := &fixedSize{cols: 120, rows: 40, changes: make(chan struct{})}
	c := NewClient(Config{URL: wsURL(srv), Sizes: sizes})
	if _, err := c.Run(context.Background(), in, io.Discard); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	relay.mu.Lock()
	first := relay.received[0]
	relay.mu.Unlock()
	if first.Type != protocol.TypeResize {
		t.Fatalf("expected resize right after session.ready, got %s", first.Type)
	}
	var rp protocol.ResizePayload
	json.Unmarshal(first.Payload, &rp)
	if rp.Cols != 120 || rp.Rows != 40 {
		t.Errorf("unexpected resize %+v", rp)
	}
	if n := relay.count(protocol.TypeResize); n != 1 {
		t.Errorf("expected exactly one resize, got %d", n)
	}
	if got := strings.Join(relay.inputs(), ""); got != "abc" {
		t.Errorf("expected inputs in order, got %q", got)
	}
}

func TestRun_InitialCommandExactlyOnceAcrossReconnect(t *testing.T) {
	relay := &fakeRelay{handle: func(idx int, conn *websocket.Conn, r *fakeRelay) {
		serverSend(t, conn, protocol.TypeSessionReady, protocol.SessionReadyPayload{SessionID: "s"})
		if idx == 0 {
			// Wait for the initial command, then drop without an exit frame.
			for {
				msg, err := r.next(conn)
				if err != nil {
					return
				}
				if msg.Type == protocol.TypeInput {
					return
				}
			}
		}
		// Second connection: give the client time to misbehave, then exit.
		conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
		for {
			if _, err := r.next(conn); err != nil {
				break
			}
		}
		serverSend(t, conn, protocol.TypeExit, protocol.ExitPayload{ExitCode: 0})
	}}
	srv := httptest.NewServer(relay)
	defer srv.Close()

	in, inW := io.Pipe()
	defer inW.Close()

	c := NewClient(Config{
		URL:            wsURL(srv),
		InitialCommand: "python3 tool.py",
		ReconnectDelay: 10 * time.Millisecond,
	})
	if _, err := c.Run(context.Background(), in, io.Discard); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	relay.mu.Lock()
	conns := relay.conns
	relay.mu.Unlock()
	if conns != 2 {
		t.Fatalf("expected a reconnect (2 connections), got %d", conns)
	}
	inputs := relay.inputs()
	if len(inputs) != 1 || inputs[0] != "python3 tool.py\r" {
		t.Errorf("expected initial command exactly once, got %q", inputs)
	}
}

func TestRun_SpawnFailureIsNotRetried(t *testing.T) {
	relay := &fakeRelay{handle: func(idx int, conn *websocket.Conn, r *fakeRelay) {
		serverSend(t, conn, protocol.TypeError, protocol.ErrorPayload{Code: protocol.ErrSpawnFailed, Message: "no shell"})
	}}
	srv := httptest.NewServer(relay)
	defer srv.Close()

	in, inW := io.Pipe()
	defer inW.Close()

	c := NewClient(Config{URL: wsURL(srv), ReconnectDelay: 10 * time.Millisecond})
	_, err := c.Run(context.Background(), in, io.Discard)
	var serr *ServerError
	if !errors.As(err, &serr) || serr.Code != protocol.ErrSpawnFailed {
		t.Fatalf("expected SPAWN_FAILED server error, got %v", err)
	}
	relay.mu.Lock()
	defer relay.mu.Unlock()
	if relay.conns != 1 {
		t.Errorf("spawn failure should not reconnect, got %d connections", relay.conns)
	}
}

func TestRun_GivesUpAfterMaxReconnects(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	in, inW := io.Pipe()
	defer inW.Close()

	c := NewClient(Config{URL: wsURL(srv), MaxReconnects: 2, ReconnectDelay: time.Millisecond})
	_, err := c.Run(context.Background(), in, io.Discard)
	if !errors.Is(err, ErrReconnectsExhausted) {
		t.Fatalf("expected ErrReconnectsExhausted, got %v", err)
	}
}

func TestRun_InputEOFEnds(t *testing.T) {
	relay := &fakeRelay{handle: func(idx int, conn *websocket.Conn, r *fakeRelay) {
		serverSend(t, conn, protocol.TypeSessionReady, protocol.SessionReadyPayload{SessionID: "s"})
		for {
			if _, err := r.next(conn); err != nil {
				return
			}
		}
	}}
	srv := httptest.NewServer(relay)
	defer srv.Close()

	c := NewClient(Config{URL: wsURL(srv)})
	_, err := c.Run(context.Background(), strings.NewReader(""), io.Discard)
	if !errors.Is(err, ErrInputClosed) {
		t.Fatalf("expected ErrInputClosed, got %v", err)
	}
}

func TestRun_SendsBearerToken(t *testing.T) {
	auth := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth <- r.Header.Get("Authorization")
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		serverSend(t, conn, protocol.TypeExit, protocol.ExitPayload{})
	}))
	defer srv.Close()

	in, inW := io.Pipe()
	defer inW.Close()

	c := NewClient(Config{URL: wsURL(srv), Token: "t0ken"})
	if _, err := c.Run(context.Background(), in, io.Discard); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if gotAuth := <-auth; gotAuth != "Bearer t0ken" {
		t.Errorf("expected bearer header, got %q", gotAuth)
	}
}

func TestRun_InputBytesSurviveSplitReads(t *testing.T) {
	// A two-byte character, then a lone meta byte that is not UTF-8.
	want := []byte("é\xe1x")
	got := make(chan []byte, 1)
	relay := &fakeRelay{handle: func(idx int, conn *websocket.Conn, r *fakeRelay) {
		serverSend(t, conn, protocol.TypeSessionReady, protocol.SessionReadyPayload{SessionID: "s"})
		var buf []byte
		for len(buf) < len(want) {
			msg, err := r.next(conn)
			if err != nil {
				break
			}
			if msg.Type != protocol.TypeInput {
				continue
			}
			var p protocol.InputPayload
			json.Unmarshal(msg.Payload, &p)
			data, err := p.Bytes()
			if err != nil {
				t.Errorf("undecodable input frame: %v", err)
			}
			buf = append(buf, data...)
		}
		got <- buf
		serverSend(t, conn, protocol.TypeExit, protocol.ExitPayload{})
	}}
	srv := httptest.NewServer(relay)
	defer srv.Close()

	in, inW := io.Pipe()
	defer inW.Close()
	go inW.Write(want)

	c := NewClient(Config{URL: wsURL(srv)})
	if _, err := c.Run(context.Background(), iotest.OneByteReader(in), io.Discard); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if b := <-got; !bytes.Equal(b, want) {
		t.Errorf("sent %q, server received %q", want, b)
	}
}

func TestReadInput_JoinsCharacterCutByFullBuffer(t *testing.T) {
	data := strings.Repeat("a", inputBufSize-1) + "é" + "b"
	ch := make(chan []byte)
	errc := make(chan error, 1)
	go readInput(context.Background(), strings.NewReader(data), ch, errc)

	var joined []byte
	for {
		select {
		case chunk := <-ch:
			if !utf8.Valid(chunk) {
				t.Errorf("chunk split a character: %q", chunk[len(chunk)-1:])
			}
			joined = append(joined, chunk...)
			continue
		case err := <-errc:
			if !errors.Is(err, io.EOF) {
				t.Fatalf("expected EOF, got %v", err)
			}
		}
		break
	}
	if string(joined) != data {
		t.Errorf("input altered: got %d bytes, want %d", len(joined), len(data))
	}
}

// brokenFirstConn fails every websocket frame written on the first dialed
// connection, after its handshake succeeded.
type brokenFirstConn struct {
	net.Conn
	broken bool
}

func (c *brokenFirstConn) Write(p []byte) (int, error) {
	if c.broken && len(p) > 0 && p[0] != 'G' {
		return 0, errors.New("broken pipe")
	}
	return c.Conn.Write(p)
}

func TestRun_InitialCommandResentAfterFailedWrite(t *testing.T) {
	relay := &fakeRelay{handle: func(idx int, conn *websocket.Conn, r *fakeRelay) {
		serverSend(t, conn, protocol.TypeSessionReady, protocol.SessionReadyPayload{SessionID: "s"})
		for {
			msg, err := r.next(conn)
			if err != nil {
				return
			}
			if msg.Type == protocol.TypeInput {
				break
			}
		}
		serverSend(t, conn, protocol.TypeExit, protocol.ExitPayload{})
	}}
	srv := httptest.NewServer(relay)
	defer srv.Close()

	var dials atomic.Int32
	dialer := &websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := (&net.Dialer{}).DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return &brokenFirstConn{Conn: conn, broken: dials.Add(1) == 1}, nil
		},
	}

	in, inW := io.Pipe()
	defer inW.Close()

	c := NewClient(Config{
		URL:            wsURL(srv),
		InitialCommand: "make watch",
		ReconnectDelay: 10 * time.Millisecond,
		Dialer:         dialer,
	})
	if _, err := c.Run(context.Background(), in, io.Discard); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if n := dials.Load(); n != 2 {
		t.Fatalf("expected a reconnect after the failed write, got %d dials", n)
	}
	inputs := relay.inputs()
	if len(inputs) != 1 || inputs[0] != "make watch\r" {
		t.Errorf("expected the initial command delivered once, got %q", inputs)
	}
}
