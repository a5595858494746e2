package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dhruvsoni1802/browser-bidi/internal/bidi"
	"github.com/dhruvsoni1802/browser-bidi/internal/errext"
	"github.com/dhruvsoni1802/browser-bidi/internal/log"
	"github.com/dhruvsoni1802/browser-bidi/internal/resource"
)

// DefaultPhaseTimeout bounds how long subscribers may take to vote.
const DefaultPhaseTimeout = 10 * time.Second

// maxEndedRequests bounds the ids of ended requests kept to absorb phase
// events handled after the request's end event.
const maxEndedRequests = 1024

// Disposal reasons of request nodes.
const (
	ReasonCompleted = "completed"
	ReasonFailed    = "failed"
)

const (
	eventBeforeRequestSent = "network.beforeRequestSent"
	eventResponseStarted   = "network.responseStarted"
	eventAuthRequired      = "network.authRequired"
	eventResponseCompleted = "network.responseCompleted"
	eventFetchError        = "network.fetchError"
)

var networkEvents = []string{
	eventBeforeRequestSent,
	eventResponseStarted,
	eventAuthRequired,
	eventResponseCompleted,
	eventFetchError,
}

// InterceptOptions select which requests are blocked by Enable.
type InterceptOptions struct {
	Phases      []Phase
	Contexts    []string
	URLPatterns []string
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithPhaseTimeout sets how long a phase waits for votes before resolving
// with what it has.
func WithPhaseTimeout(d time.Duration) Option {
	return func(i *Interceptor) {
		if d > 0 {
			i.phaseTimeout = d
		}
	}
}

// WithContextLookup lets request nodes hang off their browsing context, so
// that requests are abandoned when the context goes away.
func WithContextLookup(fn func(contextID string) *resource.Node) Option {
	return func(i *Interceptor) { i.lookup = fn }
}

// WithResolved sets a function called with the final state of every
// arbitration of a blocked request.
func WithResolved(fn func(req *Request, st ResolutionState)) Option {
	return func(i *Interceptor) { i.resolved = fn }
}

// Interceptor arbitrates intercepted requests between subscribers.
type Interceptor struct {
	conn         *bidi.Connection
	logger       *log.Logger
	phaseTimeout time.Duration
	lookup       func(contextID string) *resource.Node
	resolved     func(req *Request, st ResolutionState)
	listeners    []*bidi.Listener

	mu         sync.Mutex
	seq        uint64
	subs       []*Subscription
	requests   map[string]*resource.Node
	ended      *resource.Ledger[string]
	active     map[*arbitration]struct{}
	intercepts []string
	subscribed bool
}

// NewInterceptor registers the network event listeners on conn. Requests
// are only blocked after Enable.
func NewInterceptor(conn *bidi.Connection, logger *log.Logger, opts ...Option) *Interceptor {
	i := &Interceptor{
		conn:         conn,
		logger:       logger,
		phaseTimeout: DefaultPhaseTimeout,
		requests:     make(map[string]*resource.Node),
		ended:        resource.NewLedger[string](maxEndedRequests),
		active:       make(map[*arbitration]struct{}),
	}
	for _, opt := range opts {
		opt(i)
	}

	i.listeners = []*bidi.Listener{
		conn.On(eventBeforeRequestSent, i.phaseHandler(PhaseBeforeRequestSent)),
		conn.On(eventResponseStarted, i.phaseHandler(PhaseResponseStarted)),
		conn.On(eventAuthRequired, i.phaseHandler(PhaseAuthRequired)),
		conn.On(eventResponseCompleted, i.endHandler(ReasonCompleted)),
		conn.On(eventFetchError, i.endHandler(ReasonFailed)),
	}
	conn.OnClose(func(error) { i.disposeRequests(resource.ReasonConnectionClosed) })
	return i
}

// Enable adds a network intercept on the remote end and subscribes to the
// network events.
func (i *Interceptor) Enable(ctx context.Context, opts InterceptOptions) error {
	phases := opts.Phases
	if len(phases) == 0 {
		phases = []Phase{PhaseBeforeRequestSent}
	}
	params := map[string]any{"phases": phases}
	if len(opts.Contexts) > 0 {
		params["contexts"] = opts.Contexts
	}
	if len(opts.URLPatterns) > 0 {
		patterns := make([]map[string]string, 0, len(opts.URLPatterns))
		for _, p := range opts.URLPatterns {
			patterns = append(patterns, map[string]string{"type": "string", "pattern": p})
		}
		params["urlPatterns"] = patterns
	}

	var res struct {
		Intercept string `json:"intercept"`
	}
	if err := i.conn.Execute(ctx, "network.addIntercept", params, &res); err != nil {
		return fmt.Errorf("adding intercept: %w", err)
	}

	i.mu.Lock()
	i.intercepts = append(i.intercepts, res.Intercept)
	subscribe := !i.subscribed
	i.subscribed = true
	i.mu.Unlock()

	if subscribe {
		if err := i.conn.Subscribe(ctx, networkEvents...); err != nil {
			i.mu.Lock()
			i.subscribed = false
			i.mu.Unlock()
			return err
		}
	}
	i.logger.Debugf("Interceptor:Enable", "intercept:%s phases:%v", res.Intercept, phases)
	return nil
}

// Disable removes every intercept added by Enable.
func (i *Interceptor) Disable(ctx context.Context) error {
	i.mu.Lock()
	intercepts := i.intercepts
	i.intercepts = nil
	unsubscribe := i.subscribed
	i.subscribed = false
	i.mu.Unlock()

	var errs []error
	for _, id := range intercepts {
		if _, err := i.conn.Send(ctx, "network.removeIntercept", map[string]string{"intercept": id}); err != nil {
			errs = append(errs, fmt.Errorf("removing intercept %s: %w", id, err))
		}
	}
	if unsubscribe {
		if err := i.conn.Unsubscribe(ctx, networkEvents...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close removes the event listeners. Arbitrations already running still
// resolve.
func (i *Interceptor) Close() {
	i.conn.Off(i.listeners...)
}

// Subscription is a registered interception handler.
type Subscription struct {
	i       *Interceptor
	seq     uint64
	handler func(*Interception)

	once sync.Once
}

// Subscribe registers handler for every intercepted phase. Handlers run in
// their own goroutine; a handler that returns without voting abstains.
func (i *Interceptor) Subscribe(handler func(*Interception)) *Subscription {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.seq++
	s := &Subscription{i: i, seq: i.seq, handler: handler}
	i.subs = append(i.subs, s)
	return s
}

// Cancel unregisters the subscription. Arbitrations still waiting for its
// vote stop waiting.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		i := s.i
		i.mu.Lock()
		for idx, cand := range i.subs {
			if cand == s {
				i.subs = append(i.subs[:idx:idx], i.subs[idx+1:]...)
				break
			}
		}
		active := make([]*arbitration, 0, len(i.active))
		for a := range i.active {
			active = append(active, a)
		}
		i.mu.Unlock()

		for _, a := range active {
			a.abstain(s.seq)
		}
	})
}

func (i *Interceptor) phaseHandler(phase Phase) bidi.EventHandler {
	return func(ev *bidi.Event) error {
		nev, err := decodeEvent(ev.Params)
		if err != nil {
			return fmt.Errorf("decoding %s: %w", ev.Method, err)
		}
		i.intercept(i.newRequest(phase, nev))
		return nil
	}
}

func (i *Interceptor) endHandler(reason string) bidi.EventHandler {
	return func(ev *bidi.Event) error {
		nev, err := decodeEvent(ev.Params)
		if err != nil {
			return fmt.Errorf("decoding %s: %w", ev.Method, err)
		}
		i.mu.Lock()
		n := i.requests[nev.Request.Request]
		delete(i.requests, nev.Request.Request)
		i.ended.Set(endedKey(nev.Request.Request, nev.RedirectCount), reason)
		i.mu.Unlock()
		if n != nil {
			n.Dispose(reason)
		}
		return nil
	}
}

func (i *Interceptor) newRequest(phase Phase, ev *networkEvent) *Request {
	req := &Request{
		ID:        ev.Request.Request,
		URL:       ev.Request.URL,
		Method:    ev.Request.Method,
		Headers:   headersToMap(ev.Request.Headers),
		Phase:     phase,
		IsBlocked: ev.IsBlocked,
	}
	if ev.Context != nil {
		req.Context = *ev.Context
	}
	if r := ev.Response; r != nil {
		req.Response = &Response{
			URL:        r.URL,
			Status:     r.Status,
			StatusText: r.StatusText,
			Headers:    headersToMap(r.Headers),
		}
	}
	if req.Context != "" && i.lookup != nil {
		req.ctxNode = i.lookup(req.Context)
	}
	req.node = i.requestNode(req.ID, ev.RedirectCount, req.ctxNode)
	return req
}

// endedKey identifies one hop of a request; redirects reuse the request id.
func endedKey(id string, redirects int) string {
	return id + "/" + strconv.Itoa(redirects)
}

// requestNode returns the live node of request id, creating it under
// parent on first sight. A hop whose end event was already handled gets a
// node that is disposed with the end reason.
func (i *Interceptor) requestNode(id string, redirects int, parent *resource.Node) *resource.Node {
	i.mu.Lock()
	if reason, ok := i.ended.Get(endedKey(id, redirects)); ok {
		i.mu.Unlock()
		n := resource.NewNode(errext.ResourceRequest, id, nil)
		n.Dispose(reason)
		return n
	}
	if n, ok := i.requests[id]; ok {
		i.mu.Unlock()
		return n
	}
	n := resource.NewNode(errext.ResourceRequest, id, parent)
	i.requests[id] = n
	i.mu.Unlock()

	n.OnDispose(func(string) {
		i.mu.Lock()
		if i.requests[id] == n {
			delete(i.requests, id)
		}
		i.mu.Unlock()
	})
	return n
}

func (i *Interceptor) disposeRequests(reason string) {
	i.mu.Lock()
	nodes := make([]*resource.Node, 0, len(i.requests))
	for _, n := range i.requests {
		nodes = append(nodes, n)
	}
	i.requests = make(map[string]*resource.Node)
	i.mu.Unlock()

	for _, n := range nodes {
		n.Dispose(reason)
	}
}

// intercept starts an arbitration for req among the current subscribers.
func (i *Interceptor) intercept(req *Request) {
	i.mu.Lock()
	subs := make([]*Subscription, len(i.subs))
	copy(subs, i.subs)
	i.mu.Unlock()

	a := newArbitration(i, req, subs)
	if !req.IsBlocked {
		a.settle(ResolutionState{Action: ActionNone})
	} else if len(subs) == 0 {
		a.resolve()
	} else {
		i.mu.Lock()
		i.active[a] = struct{}{}
		i.mu.Unlock()
		a.mu.Lock()
		a.timer = time.AfterFunc(i.phaseTimeout, a.expire)
		a.mu.Unlock()
		req.node.OnDispose(func(string) { a.abandon() })
	}

	for _, s := range subs {
		go a.run(s)
	}
}

func (i *Interceptor) release(a *arbitration) {
	i.mu.Lock()
	delete(i.active, a)
	i.mu.Unlock()
}

// ResolutionState is what became of one phase of a request.
type ResolutionState struct {
	Action   Action
	Priority int
	// Handled is set once the resulting command was sent successfully.
	Handled bool
	// Reason is the abort reason of the winning vote.
	Reason string
	Err    error
}

// arbitration collects the votes of one phase of one request.
type arbitration struct {
	i     *Interceptor
	req   *Request
	timer *time.Timer

	mu       sync.Mutex
	expected map[uint64]struct{}
	voted    map[uint64]struct{}
	votes    []vote
	resolved bool
	state    ResolutionState
	done     chan struct{}
}

func newArbitration(i *Interceptor, req *Request, subs []*Subscription) *arbitration {
	a := &arbitration{
		i:        i,
		req:      req,
		expected: make(map[uint64]struct{}, len(subs)),
		voted:    make(map[uint64]struct{}, len(subs)),
		done:     make(chan struct{}),
	}
	for _, s := range subs {
		a.expected[s.seq] = struct{}{}
	}
	return a
}

func (a *arbitration) run(s *Subscription) {
	defer a.abstain(s.seq)
	defer func() {
		if r := recover(); r != nil {
			a.i.logger.Errorf("Interceptor:run", "request:%s phase:%s handler panicked: %v", a.req.ID, a.req.Phase, r)
		}
	}()
	s.handler(&Interception{req: a.req, arb: a, seq: s.seq})
}

// cast records a vote. The arbitration resolves once no votes are expected.
func (a *arbitration) cast(v vote) error {
	if !a.req.IsBlocked {
		return &errext.InterceptionDisabledError{RequestID: a.req.ID}
	}
	a.mu.Lock()
	if _, ok := a.voted[v.seq]; ok || a.resolved {
		a.mu.Unlock()
		return &errext.AlreadyHandledError{RequestID: a.req.ID, Phase: string(a.req.Phase)}
	}
	a.voted[v.seq] = struct{}{}
	a.votes = append(a.votes, v)
	delete(a.expected, v.seq)
	ready := len(a.expected) == 0
	a.mu.Unlock()

	if ready {
		a.resolve()
	}
	return nil
}

func (a *arbitration) abstain(seq uint64) {
	a.mu.Lock()
	_, waiting := a.expected[seq]
	delete(a.expected, seq)
	ready := waiting && len(a.expected) == 0 && !a.resolved
	a.mu.Unlock()

	if ready {
		a.resolve()
	}
}

func (a *arbitration) expire() {
	a.mu.Lock()
	missing := len(a.expected)
	a.mu.Unlock()
	a.i.logger.Debugf("Interceptor:expire", "request:%s phase:%s resolving without %d votes", a.req.ID, a.req.Phase, missing)
	a.resolve()
}

// abandon settles the arbitration without sending anything because the
// request or its browsing context is gone.
func (a *arbitration) abandon() {
	a.settle(ResolutionState{Err: a.req.Err()})
}

// claim marks the arbitration resolved and returns its votes. Only the
// first caller gets ok.
func (a *arbitration) claim() ([]vote, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.resolved {
		return nil, false
	}
	a.resolved = true
	return a.votes, true
}

func (a *arbitration) settle(st ResolutionState) {
	if _, ok := a.claim(); !ok {
		return
	}
	a.finish(st)
}

func (a *arbitration) finish(st ResolutionState) {
	a.mu.Lock()
	a.state = st
	t := a.timer
	a.mu.Unlock()
	if t != nil {
		t.Stop()
	}
	a.i.release(a)
	close(a.done)
	if a.req.IsBlocked && a.i.resolved != nil {
		a.i.resolved(a.req, st)
	}
}

// resolve decides the phase and sends exactly one command for it.
func (a *arbitration) resolve() {
	votes, ok := a.claim()
	if !ok {
		return
	}
	d := decide(votes)
	st := ResolutionState{Action: d.action, Priority: d.priority, Reason: d.reason}

	method, params := a.command(d)
	err := resource.Run(context.Background(), a.req.node, func(ctx context.Context) error {
		_, err := a.i.conn.Send(ctx, method, params)
		return err
	})
	if err != nil && errors.Is(err, errext.ErrRequestDisposed) && a.req.node.Reason() == ReasonCompleted {
		// The request finished before the command's response was read.
		err = nil
	}
	if err != nil {
		if derr := a.req.Err(); derr != nil {
			err = derr
		}
		a.i.logger.Warnf("Interceptor:resolve", "request:%s phase:%s %s: %v", a.req.ID, a.req.Phase, method, err)
	}
	st.Handled = err == nil
	st.Err = err
	a.finish(st)
}

func (a *arbitration) command(d decision) (string, map[string]any) {
	params := map[string]any{"request": a.req.ID}

	switch d.action {
	case ActionRespond:
		r := d.respond
		if r.StatusCode != 0 {
			params["statusCode"] = r.StatusCode
		}
		if r.ReasonPhrase != "" {
			params["reasonPhrase"] = r.ReasonPhrase
		}
		if len(r.Headers) > 0 {
			params["headers"] = headersFromMap(r.Headers)
		}
		if r.Body != "" {
			params["body"] = bytesValue{Type: "string", Value: r.Body}
		}
		return "network.provideResponse", params

	case ActionAbort:
		if a.req.Phase == PhaseAuthRequired {
			params["action"] = "cancel"
			return "network.continueWithAuth", params
		}
		return "network.failRequest", params
	}

	o := d.cont
	switch a.req.Phase {
	case PhaseAuthRequired:
		if o.Credentials == nil {
			params["action"] = "default"
		} else {
			params["action"] = "provideCredentials"
			params["credentials"] = map[string]string{
				"type":     "password",
				"username": o.Credentials.Username,
				"password": o.Credentials.Password,
			}
		}
		return "network.continueWithAuth", params

	case PhaseResponseStarted:
		if len(o.Headers) > 0 {
			params["headers"] = headersFromMap(o.Headers)
		}
		if o.Credentials != nil {
			params["credentials"] = map[string]string{
				"type":     "password",
				"username": o.Credentials.Username,
				"password": o.Credentials.Password,
			}
		}
		return "network.continueResponse", params
	}

	if o.URL != "" {
		params["url"] = o.URL
	}
	if o.Method != "" {
		params["method"] = o.Method
	}
	if len(o.Headers) > 0 {
		params["headers"] = headersFromMap(o.Headers)
	}
	if o.Body != nil {
		params["body"] = bytesValue{Type: "string", Value: *o.Body}
	}
	return "network.continueRequest", params
}

// Interception is one subscriber's view of an intercepted phase.
type Interception struct {
	req *Request
	arb *arbitration
	seq uint64
}

// Request returns the intercepted request.
func (in *Interception) Request() *Request { return in.req }

// Continue votes to let the request proceed with o applied.
func (in *Interception) Continue(o ContinueOverrides, priority int) error {
	return in.arb.cast(vote{seq: in.seq, action: ActionContinue, priority: priority, cont: o})
}

// Respond votes to answer the request with o.
func (in *Interception) Respond(o RespondOverrides, priority int) error {
	return in.arb.cast(vote{seq: in.seq, action: ActionRespond, priority: priority, respond: o})
}

// Abort votes to fail the request.
func (in *Interception) Abort(reason string, priority int) error {
	return in.arb.cast(vote{seq: in.seq, action: ActionAbort, priority: priority, reason: reason})
}

// ResolutionState returns the outcome so far. Before resolution the zero
// state is returned.
func (in *Interception) ResolutionState() ResolutionState {
	in.arb.mu.Lock()
	defer in.arb.mu.Unlock()
	return in.arb.state
}

// Wait blocks until the phase is resolved and its command sent, then
// returns the resolution error, if any.
func (in *Interception) Wait(ctx context.Context) error {
	select {
	case <-in.arb.done:
		return in.ResolutionState().Err
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// MarshalJSON renders the request for logs and diagnostics.
func (r *Request) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID      string `json:"id"`
		URL     string `json:"url"`
		Method  string `json:"method"`
		Context string `json:"context,omitempty"`
		Phase   Phase  `json:"phase"`
		Blocked bool   `json:"isBlocked"`
	}{r.ID, r.URL, r.Method, r.Context, r.Phase, r.IsBlocked})
}
