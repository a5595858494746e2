// Package browser models the BiDi resource tree: a Session owns a Browser,
// which owns UserContexts, which own BrowsingContexts with their Realms,
// remote object Handles and UserPrompts.
//
// Resources are created by commands or by unsolicited events, whichever is
// seen first, and are disposed by close commands, destroy events, cascade or
// connection loss. Every operation on a disposed resource fails with its
// errext.DisposedError.
package browser

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dhruvsoni1802/browser-bidi/internal/bidi"
	"github.com/dhruvsoni1802/browser-bidi/internal/errext"
	"github.com/dhruvsoni1802/browser-bidi/internal/log"
	"github.com/dhruvsoni1802/browser-bidi/internal/resource"
)

// Session is the root of the resource tree for one negotiated session.
type Session struct {
	conn   *bidi.Connection
	logger *log.Logger
	node   *resource.Node

	id           string
	capabilities json.RawMessage
	browser      *Browser
	listeners    []*bidi.Listener
}

// NewSession negotiates a session over conn. capabilities are sent as
// alwaysMatch and may be nil.
func NewSession(ctx context.Context, conn *bidi.Connection, logger *log.Logger, capabilities map[string]any) (*Session, error) {
	if capabilities == nil {
		capabilities = map[string]any{}
	}

	var res struct {
		SessionID    string          `json:"sessionId"`
		Capabilities json.RawMessage `json:"capabilities"`
	}
	params := map[string]any{"capabilities": map[string]any{"alwaysMatch": capabilities}}
	if err := conn.Execute(ctx, "session.new", params, &res); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	s := &Session{
		conn:         conn,
		logger:       logger,
		node:         resource.NewNode(errext.ResourceSession, res.SessionID, nil),
		id:           res.SessionID,
		capabilities: res.Capabilities,
	}
	s.browser = newBrowser(s)
	s.listeners = s.browser.listen(conn)
	s.node.OnDispose(func(reason string) {
		conn.Off(s.listeners...)
		logger.Debugf("Session:dispose", "sid:%s reason:%q", s.id, reason)
	})
	conn.OnClose(func(error) {
		s.node.Dispose(resource.ReasonConnectionClosed)
	})

	if err := conn.Subscribe(ctx, sessionEvents...); err != nil {
		s.node.Dispose(err.Error())
		return nil, fmt.Errorf("subscribing session events: %w", err)
	}

	return s, nil
}

func (s *Session) ID() string                    { return s.id }
func (s *Session) Capabilities() json.RawMessage { return s.capabilities }
func (s *Session) Browser() *Browser             { return s.browser }

// Connection returns the connection the session runs on.
func (s *Session) Connection() *bidi.Connection { return s.conn }

// Node returns the session's node in the resource graph.
func (s *Session) Node() *resource.Node { return s.node }

func (s *Session) Err() error              { return s.node.Err() }
func (s *Session) Done() <-chan struct{}   { return s.node.Done() }
func (s *Session) OnDispose(fn func(string)) { s.node.OnDispose(fn) }

// Subscribe subscribes the session to additional events.
func (s *Session) Subscribe(ctx context.Context, events ...string) error {
	return resource.Run(ctx, s.node, func(ctx context.Context) error {
		return s.conn.Subscribe(ctx, events...)
	})
}

// Unsubscribe releases events taken with Subscribe.
func (s *Session) Unsubscribe(ctx context.Context, events ...string) error {
	return resource.Run(ctx, s.node, func(ctx context.Context) error {
		return s.conn.Unsubscribe(ctx, events...)
	})
}

// End ends the session and disposes the tree.
func (s *Session) End(ctx context.Context) error {
	err := resource.Run(ctx, s.node, func(ctx context.Context) error {
		return s.conn.Execute(ctx, "session.end", nil, nil)
	})
	s.node.Dispose(resource.ReasonSessionEnded)
	return err
}

// execute runs a command bound to node.
func (s *Session) execute(ctx context.Context, node *resource.Node, method string, params, res any) error {
	return resource.Run(ctx, node, func(ctx context.Context) error {
		return s.conn.Execute(ctx, method, params, res)
	})
}
