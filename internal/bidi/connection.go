package bidi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dhruvsoni1802/browser-bidi/internal/errext"
	"github.com/dhruvsoni1802/browser-bidi/internal/log"
)

// Executor sends commands and decodes their results.
type Executor interface {
	Execute(ctx context.Context, method string, params, res any) error
}

// Observer is notified of command and event traffic. Implementations must
// be safe for concurrent use.
type Observer interface {
	CommandSent(method string)
	CommandDone(method string, elapsed time.Duration, err error)
	EventReceived(method string)
	PendingChanged(n int)
}

type nopObserver struct{}

func (nopObserver) CommandSent(string)                        {}
func (nopObserver) CommandDone(string, time.Duration, error) {}
func (nopObserver) EventReceived(string)                      {}
func (nopObserver) PendingChanged(int)                        {}

// EventHandler handles one event. A returned error is logged.
type EventHandler func(ev *Event) error

// Listener is a registered event handler.
type Listener struct {
	method string
	fn     EventHandler
}

// Method returns the event method the listener is registered for.
func (l *Listener) Method() string { return l.method }

type outcome struct {
	result json.RawMessage
	err    error
}

type pendingCommand struct {
	method string
	ch     chan outcome
}

// Option configures a Connection.
type Option func(*Connection)

// WithObserver sets the traffic observer.
func WithObserver(o Observer) Option {
	return func(c *Connection) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithTimeoutSettings sets the timeouts used for commands sent without a
// context deadline.
func WithTimeoutSettings(ts *TimeoutSettings) Option {
	return func(c *Connection) {
		c.timeouts = ts
	}
}

/*
Connection correlates commands with their responses and fans events out to
listeners. It owns the pending command table, the listener table and the
remote subscription counts.

	caller ──Send──▶ pending[id] ──▶ Transport ──▶ socket
	socket ──▶ Transport ──HandleMessage──▶ pending[id] | listeners[method]
*/
type Connection struct {
	transport Transport
	logger    *log.Logger
	observer  Observer
	timeouts  *TimeoutSettings

	msgID atomic.Uint64

	mu        sync.Mutex
	pending   map[uint64]*pendingCommand
	listeners map[string][]*Listener
	closeFns  []func(error)
	closed    bool
	closeErr  error
	done      chan struct{}

	// subMu serializes remote subscription changes; subs is guarded by mu.
	subMu sync.Mutex
	subs  map[string]int
}

var _ Executor = &Connection{}

// NewConnection wires a Connection to t and starts the transport.
func NewConnection(t Transport, logger *log.Logger, opts ...Option) *Connection {
	c := &Connection{
		transport: t,
		logger:    logger,
		observer:  nopObserver{},
		timeouts:  NewTimeoutSettings(nil),
		pending:   make(map[uint64]*pendingCommand),
		listeners: make(map[string][]*Listener),
		subs:      make(map[string]int),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	t.Start(c)
	return c
}

// Connect dials url and returns a Connection over it.
func Connect(ctx context.Context, url string, logger *log.Logger, opts ...Option) (*Connection, error) {
	t, err := Dial(ctx, url, logger)
	if err != nil {
		return nil, err
	}
	return NewConnection(t, logger, opts...), nil
}

// Timeouts returns the connection's timeout settings.
func (c *Connection) Timeouts() *TimeoutSettings { return c.timeouts }

// Send sends a command and waits for its outcome. Without a deadline on ctx
// the command times out after the connection's default timeout.
func (c *Connection) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if params == nil {
		params = struct{}{}
	}
	id := c.msgID.Add(1)
	buf, err := json.Marshal(command{ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encoding %s params: %w", method, err)
	}

	pc := &pendingCommand{method: method, ch: make(chan outcome, 1)}
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = pc
	n := len(c.pending)
	c.mu.Unlock()
	c.observer.PendingChanged(n)

	start := time.Now()
	var timeout time.Duration
	if dl, ok := ctx.Deadline(); ok {
		timeout = dl.Sub(start)
	} else if timeout = c.timeouts.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	c.observer.CommandSent(method)
	if err := c.transport.Send(buf); err != nil {
		if c.forget(id) {
			c.observer.CommandDone(method, time.Since(start), err)
			return nil, err
		}
		// HandleClose got there first and delivered the outcome.
		out := <-pc.ch
		return out.result, out.err
	}

	select {
	case out := <-pc.ch:
		c.observer.CommandDone(method, time.Since(start), out.err)
		return out.result, out.err
	case <-ctx.Done():
	}

	if !c.forget(id) {
		out := <-pc.ch
		c.observer.CommandDone(method, time.Since(start), out.err)
		return out.result, out.err
	}

	elapsed := time.Since(start)
	err = context.Cause(ctx)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = &errext.TimeoutError{Op: method, Timeout: timeout, Elapsed: elapsed}
	}
	c.logger.Debugf("Connection:Send", "id:%d method:%q abandoned: %v", id, method, err)
	c.observer.CommandDone(method, elapsed, err)
	return nil, err
}

// Execute sends a command and decodes its result into res, if res is not nil.
func (c *Connection) Execute(ctx context.Context, method string, params, res any) error {
	raw, err := c.Send(ctx, method, params)
	if err != nil {
		return err
	}
	if res == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, res); err != nil {
		return fmt.Errorf("decoding %s result: %w", method, err)
	}
	return nil
}

// forget removes a pending command and reports whether it was still there.
func (c *Connection) forget(id uint64) bool {
	c.mu.Lock()
	_, ok := c.pending[id]
	delete(c.pending, id)
	n := len(c.pending)
	c.mu.Unlock()
	if ok {
		c.observer.PendingChanged(n)
	}
	return ok
}

// HandleMessage implements Handler.
func (c *Connection) HandleMessage(msg *Message) {
	switch {
	case msg.IsResponse():
		c.resolve(*msg.ID, msg)
	case msg.IsEvent():
		c.dispatch(&Event{Method: msg.Method, Params: msg.Params})
	default:
		c.logger.Errorf("Connection:HandleMessage", "error without command id: %s: %s", msg.Error, msg.Message)
	}
}

func (c *Connection) resolve(id uint64, msg *Message) {
	c.mu.Lock()
	pc, ok := c.pending[id]
	delete(c.pending, id)
	n := len(c.pending)
	c.mu.Unlock()

	if !ok {
		c.logger.Debugf("Connection:resolve", "dropping response for unknown or expired command id:%d", id)
		return
	}
	c.observer.PendingChanged(n)

	if msg.IsError() {
		pc.ch <- outcome{err: &errext.ProtocolError{
			Method:     pc.method,
			Code:       msg.Error,
			Message:    msg.Message,
			Stacktrace: msg.Stacktrace,
		}}
		return
	}
	res := msg.Result
	if len(res) == 0 {
		res = json.RawMessage("{}")
	}
	pc.ch <- outcome{result: res}
}

func (c *Connection) dispatch(ev *Event) {
	c.observer.EventReceived(ev.Method)

	c.mu.Lock()
	ls := make([]*Listener, len(c.listeners[ev.Method]))
	copy(ls, c.listeners[ev.Method])
	c.mu.Unlock()

	for _, l := range ls {
		c.invoke(l, ev)
	}
}

func (c *Connection) invoke(l *Listener, ev *Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorf("Connection:dispatch", "method:%q listener panicked: %v", ev.Method, r)
		}
	}()
	if err := l.fn(ev); err != nil {
		c.logger.Warnf("Connection:dispatch", "method:%q listener: %v", ev.Method, err)
	}
}

// On registers fn for events with the given method.
func (c *Connection) On(method string, fn EventHandler) *Listener {
	l := &Listener{method: method, fn: fn}
	c.mu.Lock()
	c.listeners[method] = append(c.listeners[method], l)
	c.mu.Unlock()
	return l
}

// OnEvent registers fn for events with the given method, decoding the event
// params into T first.
func OnEvent[T any](c *Connection, method string, fn func(T)) *Listener {
	return c.On(method, func(ev *Event) error {
		var params T
		if err := json.Unmarshal(ev.Params, &params); err != nil {
			return fmt.Errorf("decoding %s params: %w", method, err)
		}
		fn(params)
		return nil
	})
}

// Off removes listeners registered with On. Unknown listeners are ignored.
func (c *Connection) Off(listeners ...*Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range listeners {
		if l == nil {
			continue
		}
		ls := c.listeners[l.method]
		for i, cand := range ls {
			if cand == l {
				c.listeners[l.method] = append(ls[:i:i], ls[i+1:]...)
				break
			}
		}
		if len(c.listeners[l.method]) == 0 {
			delete(c.listeners, l.method)
		}
	}
}

// OnClose registers fn to run once the connection is closed. If it already
// is, fn runs right away.
func (c *Connection) OnClose(fn func(err error)) {
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		fn(err)
		return
	}
	c.closeFns = append(c.closeFns, fn)
	c.mu.Unlock()
}

// HandleClose implements Handler. Every pending command fails with err.
func (c *Connection) HandleClose(err error) {
	var te *errext.TransportError
	if !errors.As(err, &te) {
		err = &errext.TransportError{Err: err}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	pending := c.pending
	c.pending = make(map[uint64]*pendingCommand)
	fns := c.closeFns
	c.closeFns = nil
	close(c.done)
	c.mu.Unlock()

	if len(pending) > 0 {
		c.logger.Debugf("Connection:HandleClose", "failing %d pending commands: %v", len(pending), err)
		c.observer.PendingChanged(0)
	}
	for _, pc := range pending {
		pc.ch <- outcome{err: err}
	}
	for _, fn := range fns {
		c.runCloseFn(fn, err)
	}
}

func (c *Connection) runCloseFn(fn func(error), err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorf("Connection:HandleClose", "close handler panicked: %v", r)
		}
	}()
	fn(err)
}

// Close closes the transport and fails everything still pending.
func (c *Connection) Close() error {
	err := c.transport.Close()
	c.HandleClose(&errext.TransportError{Err: errClosedByClient})
	return err
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns the TransportError the connection was closed with, or nil.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Subscribe makes the remote end send the given events. Only events without
// an existing subscription are sent in session.subscribe.
func (c *Connection) Subscribe(ctx context.Context, events ...string) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	events = dedupe(events)
	var add []string
	c.mu.Lock()
	for _, e := range events {
		if c.subs[e] == 0 {
			add = append(add, e)
		}
	}
	c.mu.Unlock()

	if len(add) > 0 {
		if _, err := c.Send(ctx, "session.subscribe", map[string]any{"events": add}); err != nil {
			return fmt.Errorf("subscribing to %v: %w", add, err)
		}
	}

	c.mu.Lock()
	for _, e := range events {
		c.subs[e]++
	}
	c.mu.Unlock()
	return nil
}

// Unsubscribe releases subscriptions taken with Subscribe. Events whose
// count drops to zero are sent in session.unsubscribe.
func (c *Connection) Unsubscribe(ctx context.Context, events ...string) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	events = dedupe(events)
	var remove, held []string
	c.mu.Lock()
	for _, e := range events {
		switch c.subs[e] {
		case 0:
		case 1:
			remove = append(remove, e)
			held = append(held, e)
		default:
			held = append(held, e)
		}
	}
	c.mu.Unlock()

	if len(remove) > 0 {
		if _, err := c.Send(ctx, "session.unsubscribe", map[string]any{"events": remove}); err != nil {
			return fmt.Errorf("unsubscribing from %v: %w", remove, err)
		}
	}

	c.mu.Lock()
	for _, e := range held {
		if c.subs[e]--; c.subs[e] <= 0 {
			delete(c.subs, e)
		}
	}
	c.mu.Unlock()
	return nil
}

// Subscriptions returns the events currently subscribed on the remote end.
func (c *Connection) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for e := range c.subs {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

func dedupe(events []string) []string {
	seen := make(map[string]struct{}, len(events))
	out := events[:0:0]
	for _, e := range events {
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out
}
