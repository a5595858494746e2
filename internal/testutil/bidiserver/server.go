// Package bidiserver is a scripted WebDriver BiDi endpoint used as a test
// alternative to a real browser.
package bidiserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Command is a command frame as received by the server.
type Command struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Handler answers one command. It runs on the connection's read goroutine;
// handlers that need to delay a reply should do so in their own goroutine.
type Handler func(c *Conn, cmd *Command)

// DefaultHandler answers every command with an empty result.
func DefaultHandler(c *Conn, cmd *Command) {
	_ = c.Reply(cmd.ID, struct{}{})
}

// Server can be used as a test alternative to a BiDi capable browser.
type Server struct {
	HTTP *httptest.Server

	handler Handler

	mu       sync.Mutex
	received []string
	commands []Command
	conns    []*Conn
	connCh   chan *Conn
}

// New returns a running server; it is closed when the test ends.
func New(t testing.TB, h Handler) *Server {
	t.Helper()

	if h == nil {
		h = DefaultHandler
	}
	s := &Server{
		handler: h,
		connCh:  make(chan *Conn, 16),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/session", s.serveWS)
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"Browser":              "FakeBrowser/1.0",
			"webSocketDebuggerUrl": s.URL(),
		})
	})
	s.HTTP = httptest.NewServer(mux)
	t.Cleanup(func() {
		s.CloseConnections()
		s.HTTP.Close()
	})
	return s
}

// URL returns the websocket endpoint of the server.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.HTTP.URL, "http") + "/session"
}

// Received returns the methods of all commands received so far, in order.
func (s *Server) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

// Commands returns the received commands with the given method, in order.
func (s *Server) Commands(method string) []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Command
	for _, cmd := range s.commands {
		if cmd.Method == method {
			out = append(out, cmd)
		}
	}
	return out
}

// Count returns how many commands with the given method were received.
func (s *Server) Count(method string) int {
	n := 0
	for _, m := range s.Received() {
		if m == method {
			n++
		}
	}
	return n
}

// NextConn blocks until a client connects, or returns nil after the timeout.
func (s *Server) NextConn(timeout time.Duration) *Conn {
	select {
	case c := <-s.connCh:
		return c
	case <-time.After(timeout):
		return nil
	}
}

// CloseConnections drops every client connection without a close handshake.
func (s *Server) CloseConnections() {
	s.mu.Lock()
	conns := append([]*Conn(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (s *Server) serveWS(w http.ResponseWriter, req *http.Request) {
	ws, err := (&websocket.Upgrader{}).Upgrade(w, req, nil)
	if err != nil {
		return
	}
	c := &Conn{ws: ws}
	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()
	select {
	case s.connCh <- c:
	default:
	}

	for {
		_, buf, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var cmd Command
		if err := json.Unmarshal(buf, &cmd); err != nil {
			continue
		}
		s.mu.Lock()
		s.received = append(s.received, cmd.Method)
		s.commands = append(s.commands, cmd)
		s.mu.Unlock()
		s.handler(c, &cmd)
	}
}

// Conn is one client connection as seen by the server.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

// Reply sends a success response for command id.
func (c *Conn) Reply(id uint64, result any) error {
	return c.write(map[string]any{"type": "success", "id": id, "result": result})
}

// Fail sends an error response for command id.
func (c *Conn) Fail(id uint64, code, message string) error {
	return c.write(map[string]any{"type": "error", "id": id, "error": code, "message": message})
}

// Emit sends an event.
func (c *Conn) Emit(method string, params any) error {
	return c.write(map[string]any{"type": "event", "method": method, "params": params})
}

// WriteRaw sends data as a single text frame.
func (c *Conn) WriteRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close drops the connection without a close handshake.
func (c *Conn) Close() error {
	return c.ws.Close()
}

func (c *Conn) write(v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.WriteRaw(buf)
}
