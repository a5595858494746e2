package bidi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dhruvsoni1802/browser-bidi/internal/errext"
	"github.com/dhruvsoni1802/browser-bidi/internal/log"
)

const wsWriteBufferSize = 1 << 20

// errClosedByClient is the transport failure cause after a local Close.
var errClosedByClient = errors.New("closed by client")

// Handler receives what the transport reads off the socket.
type Handler interface {
	// HandleMessage is called once per frame, each call in its own goroutine.
	HandleMessage(msg *Message)
	// HandleClose is called exactly once when the transport stops.
	HandleClose(err error)
}

// Transport moves frames between the Connection and the remote end.
type Transport interface {
	Send(data []byte) error
	Start(h Handler)
	Close() error
}

// WebSocketTransport is a Transport over a gorilla websocket.
type WebSocketTransport struct {
	url    string
	conn   *websocket.Conn
	logger *log.Logger

	handler   Handler
	startOnce sync.Once
	writeMu   sync.Mutex

	shutdownOnce sync.Once
	done         chan struct{}
	closeErr     error
}

var _ Transport = &WebSocketTransport{}

// Dial opens a websocket to url.
func Dial(ctx context.Context, url string, logger *log.Logger) (*WebSocketTransport, error) {
	wsd := websocket.Dialer{
		HandshakeTimeout: time.Second * 60,
		Proxy:            http.ProxyFromEnvironment,
		WriteBufferSize:  wsWriteBufferSize,
	}
	conn, _, err := wsd.DialContext(ctx, url, nil)
	if err != nil {
		return nil, &errext.TransportError{Err: fmt.Errorf("dialing %s: %w", url, err)}
	}

	return &WebSocketTransport{
		url:    url,
		conn:   conn,
		logger: logger,
		done:   make(chan struct{}),
	}, nil
}

// Start begins reading frames and handing them to h.
func (t *WebSocketTransport) Start(h Handler) {
	t.startOnce.Do(func() {
		t.handler = h
		go t.recvLoop()
	})
}

func (t *WebSocketTransport) recvLoop() {
	t.logger.Debugf("bidi:recvLoop", "wsURL:%q", t.url)

	for {
		_, buf, err := t.conn.ReadMessage()
		if err != nil {
			t.shutdown(err)
			return
		}
		t.logger.Tracef("bidi:recv", "<- %s", buf)

		msg, err := decodeMessage(buf)
		if err != nil {
			t.logger.Errorf("bidi:recvLoop", "wsURL:%q %v", t.url, err)
			t.shutdown(err)
			return
		}
		go t.handler.HandleMessage(msg)
	}
}

// Send writes data as one text frame.
func (t *WebSocketTransport) Send(data []byte) error {
	select {
	case <-t.done:
		return &errext.TransportError{Err: t.closeErr}
	default:
	}

	t.writeMu.Lock()
	t.logger.Tracef("bidi:send", "-> %s", data)
	err := t.conn.WriteMessage(websocket.TextMessage, data)
	t.writeMu.Unlock()
	if err != nil {
		t.shutdown(err)
		return &errext.TransportError{Err: err}
	}
	return nil
}

// Close sends a close frame and tears the socket down.
func (t *WebSocketTransport) Close() error {
	var err error
	t.shutdownOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		err = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		t.finish(errClosedByClient)
	})
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

func (t *WebSocketTransport) shutdown(cause error) {
	t.shutdownOnce.Do(func() {
		t.finish(cause)
	})
}

// finish runs once, under shutdownOnce.
func (t *WebSocketTransport) finish(cause error) {
	var closeErr *websocket.CloseError
	if errors.As(cause, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
		t.logger.Debugf("bidi:shutdown", "wsURL:%q normal closure", t.url)
	} else if !errors.Is(cause, errClosedByClient) {
		t.logger.Warnf("bidi:shutdown", "wsURL:%q err:%v", t.url, cause)
	}

	t.closeErr = cause
	close(t.done)
	_ = t.conn.Close()

	if t.handler != nil {
		t.handler.HandleClose(&errext.TransportError{Err: cause})
	}
}
