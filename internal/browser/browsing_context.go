package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dhruvsoni1802/browser-bidi/internal/bidi"
	"github.com/dhruvsoni1802/browser-bidi/internal/errext"
	"github.com/dhruvsoni1802/browser-bidi/internal/resource"
	"github.com/dhruvsoni1802/browser-bidi/internal/wait"
)

// ReadinessState is how far a document got in loading.
type ReadinessState string

const (
	ReadinessNone        ReadinessState = "none"
	ReadinessInteractive ReadinessState = "interactive"
	ReadinessComplete    ReadinessState = "complete"
)

func (r ReadinessState) rank() int {
	switch r {
	case ReadinessInteractive:
		return 1
	case ReadinessComplete:
		return 2
	}
	return 0
}

// DefaultPolling is the interval WaitForFunction re-evaluates at.
const DefaultPolling = 100 * time.Millisecond

// Navigation is the result of a navigate or reload.
type Navigation struct {
	Navigation string `json:"navigation"`
	URL        string `json:"url"`
}

// BrowsingContext is a tab, a window or a frame.
type BrowsingContext struct {
	browser     *Browser
	node        *resource.Node
	id          string
	userContext *UserContext
	parent      *BrowsingContext
	timeouts    *bidi.TimeoutSettings
	events      *bidi.Emitter[ContextEvent]

	mu        sync.Mutex
	url       string
	readiness ReadinessState
	prompt    *UserPrompt
	// loaded is the last navigation that fired load; its late
	// navigationStarted must not reset readiness.
	loaded string
}

func newBrowsingContext(b *Browser, info contextInfo, uc *UserContext, parent *BrowsingContext, parentNode *resource.Node) *BrowsingContext {
	return &BrowsingContext{
		browser:     b,
		node:        resource.NewNode(errext.ResourceBrowsingContext, info.Context, parentNode),
		id:          info.Context,
		userContext: uc,
		parent:      parent,
		timeouts:    bidi.NewTimeoutSettings(b.session.conn.Timeouts()),
		events:      bidi.NewEmitter[ContextEvent](b.logger),
		url:         info.URL,
		readiness:   ReadinessComplete,
	}
}

func (bc *BrowsingContext) ID() string                  { return bc.id }
func (bc *BrowsingContext) UserContext() *UserContext   { return bc.userContext }
func (bc *BrowsingContext) Parent() *BrowsingContext    { return bc.parent }
func (bc *BrowsingContext) Timeouts() *bidi.TimeoutSettings { return bc.timeouts }

// Node returns the context's node in the resource graph.
func (bc *BrowsingContext) Node() *resource.Node { return bc.node }

func (bc *BrowsingContext) Err() error                { return bc.node.Err() }
func (bc *BrowsingContext) Disposed() bool            { return bc.node.Disposed() }
func (bc *BrowsingContext) Done() <-chan struct{}     { return bc.node.Done() }
func (bc *BrowsingContext) OnDispose(fn func(string)) { bc.node.OnDispose(fn) }

// OnEvent subscribes fn to the context's events.
func (bc *BrowsingContext) OnEvent(fn func(ContextEvent)) (unsubscribe func()) {
	return bc.events.Subscribe(fn)
}

func (bc *BrowsingContext) URL() string {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.url
}

func (bc *BrowsingContext) setURL(url string) {
	bc.mu.Lock()
	bc.url = url
	bc.mu.Unlock()
}

// Readiness returns the load state of the current document.
func (bc *BrowsingContext) Readiness() ReadinessState {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.readiness
}

// Prompt returns the open user prompt, if any.
func (bc *BrowsingContext) Prompt() *UserPrompt {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.prompt
}

// Children returns the live child frames.
func (bc *BrowsingContext) Children() []*BrowsingContext {
	return bc.browser.filterContexts(func(c *BrowsingContext) bool { return c.parent == bc })
}

// Realms returns the live realms of the context.
func (bc *BrowsingContext) Realms() []*Realm {
	return bc.browser.realmsOf(bc)
}

func (bc *BrowsingContext) navigationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, bc.timeouts.NavigationTimeout())
}

// Navigate loads url and returns once the document reached until.
func (bc *BrowsingContext) Navigate(ctx context.Context, url string, until ReadinessState) (*Navigation, error) {
	if until == "" {
		until = ReadinessComplete
	}
	ctx, cancel := bc.navigationContext(ctx)
	defer cancel()

	var res Navigation
	params := map[string]any{"context": bc.id, "url": url, "wait": until}
	if err := bc.browser.session.execute(ctx, bc.node, "browsingContext.navigate", params, &res); err != nil {
		return nil, fmt.Errorf("navigating %s to %q: %w", bc.id, url, err)
	}
	if res.URL != "" {
		bc.setURL(res.URL)
	}
	return &res, nil
}

// Reload reloads the current document.
func (bc *BrowsingContext) Reload(ctx context.Context, until ReadinessState) (*Navigation, error) {
	if until == "" {
		until = ReadinessComplete
	}
	ctx, cancel := bc.navigationContext(ctx)
	defer cancel()

	var res Navigation
	params := map[string]any{"context": bc.id, "wait": until}
	if err := bc.browser.session.execute(ctx, bc.node, "browsingContext.reload", params, &res); err != nil {
		return nil, fmt.Errorf("reloading %s: %w", bc.id, err)
	}
	return &res, nil
}

// Close closes the context and disposes it with its subtree.
func (bc *BrowsingContext) Close(ctx context.Context) error {
	if err := bc.node.Err(); err != nil {
		return err
	}
	err := bc.browser.session.execute(ctx, bc.node, "browsingContext.close", map[string]any{"context": bc.id}, nil)
	// The destroyed event may beat the command result.
	if err != nil && !(errors.Is(err, errext.ErrBrowsingContextDisposed) && bc.node.Reason() == resource.ReasonDestroyed) {
		return fmt.Errorf("closing %s: %w", bc.id, err)
	}
	bc.node.Dispose(resource.ReasonClosed)
	return nil
}

// Activate brings the context to the foreground.
func (bc *BrowsingContext) Activate(ctx context.Context) error {
	return bc.browser.session.execute(ctx, bc.node, "browsingContext.activate", map[string]any{"context": bc.id}, nil)
}

// SetViewport resizes the viewport. Zero sizes reset it to the default.
func (bc *BrowsingContext) SetViewport(ctx context.Context, width, height int) error {
	var viewport any
	if width > 0 && height > 0 {
		viewport = map[string]int{"width": width, "height": height}
	}
	params := map[string]any{"context": bc.id, "viewport": viewport}
	return bc.browser.session.execute(ctx, bc.node, "browsingContext.setViewport", params, nil)
}

func (bc *BrowsingContext) script() script {
	return script{
		browser:   bc.browser,
		node:      bc.node,
		target:    map[string]string{"context": bc.id},
		contextID: bc.id,
	}
}

// Evaluate evaluates expression in the context's window realm.
func (bc *BrowsingContext) Evaluate(ctx context.Context, expression string, awaitPromise bool) (RemoteValue, error) {
	return bc.script().evaluate(ctx, expression, awaitPromise, false)
}

// EvaluateHandle is Evaluate keeping object results alive behind a Handle.
func (bc *BrowsingContext) EvaluateHandle(ctx context.Context, expression string) (RemoteValue, error) {
	return bc.script().evaluate(ctx, expression, true, true)
}

// CallFunction calls the function declaration fn with args.
func (bc *BrowsingContext) CallFunction(ctx context.Context, fn string, awaitPromise bool, args ...any) (RemoteValue, error) {
	return bc.script().callFunction(ctx, fn, awaitPromise, false, args)
}

// Content returns the serialized document.
func (bc *BrowsingContext) Content(ctx context.Context) (string, error) {
	v, err := bc.Evaluate(ctx, "document.documentElement ? document.documentElement.outerHTML : ''", false)
	if err != nil {
		return "", err
	}
	p, ok := v.(Primitive)
	if !ok {
		return "", fmt.Errorf("unexpected content value %T", v)
	}
	s, _ := p.Value.(string)
	return s, nil
}

// WaitForLoad blocks until the current document reached state.
func (bc *BrowsingContext) WaitForLoad(ctx context.Context, state ReadinessState) error {
	if state == "" {
		state = ReadinessComplete
	}
	return resource.Run(ctx, bc.node, func(ctx context.Context) error {
		task := wait.Start(ctx, func(context.Context) (struct{}, bool, error) {
			return struct{}{}, bc.Readiness().rank() >= state.rank(), nil
		}, wait.ExternalSignal(func(notify func()) func() {
			return bc.events.Subscribe(func(ContextEvent) { notify() })
		}), wait.WithTimeout(bc.timeouts.NavigationTimeout()), wait.WithName("waiting for "+string(state)))

		out := task.Outcome()
		if out.Status == wait.Cancelled {
			return context.Cause(ctx)
		}
		return out.Err
	})
}

// WaitForFunction evaluates expression every polling interval until its
// result is truthy, and returns that result.
func (bc *BrowsingContext) WaitForFunction(ctx context.Context, expression string, polling time.Duration) (RemoteValue, error) {
	if polling <= 0 {
		polling = DefaultPolling
	}
	return resource.Do(ctx, bc.node, func(ctx context.Context) (RemoteValue, error) {
		task := wait.Start(ctx, func(ctx context.Context) (RemoteValue, bool, error) {
			v, err := bc.Evaluate(ctx, expression, true)
			if err != nil {
				return nil, false, err
			}
			return v, Truthy(v), nil
		}, wait.Interval(polling), wait.WithTimeout(bc.timeouts.Timeout()), wait.WithName("waitForFunction"))

		out := task.Outcome()
		if out.Status == wait.Cancelled {
			return nil, context.Cause(ctx)
		}
		return out.Value, out.Err
	})
}

func (bc *BrowsingContext) onNavigationStarted(ev navigationInfo) {
	bc.mu.Lock()
	if ev.Navigation == "" || ev.Navigation != bc.loaded {
		bc.url = ev.URL
		bc.readiness = ReadinessNone
	}
	bc.mu.Unlock()
	bc.events.Emit(NavigationStarted{Navigation: ev.Navigation, URL: ev.URL})
}

func (bc *BrowsingContext) onFragmentNavigated(ev navigationInfo) {
	bc.setURL(ev.URL)
	bc.events.Emit(FragmentNavigated{Navigation: ev.Navigation, URL: ev.URL})
}

func (bc *BrowsingContext) onDOMContentLoaded(ev navigationInfo) {
	bc.mu.Lock()
	if bc.loaded != ev.Navigation && bc.readiness.rank() < ReadinessInteractive.rank() {
		bc.readiness = ReadinessInteractive
	}
	bc.mu.Unlock()
	bc.events.Emit(DOMContentLoaded{Navigation: ev.Navigation, URL: ev.URL})
}

func (bc *BrowsingContext) onLoad(ev navigationInfo) {
	bc.mu.Lock()
	bc.readiness = ReadinessComplete
	bc.loaded = ev.Navigation
	if ev.URL != "" {
		bc.url = ev.URL
	}
	bc.mu.Unlock()
	bc.events.Emit(Loaded{Navigation: ev.Navigation, URL: ev.URL})
}

func (bc *BrowsingContext) onUserPromptOpened(ev userPromptOpened) {
	p := newUserPrompt(bc, ev)
	bc.mu.Lock()
	prev := bc.prompt
	bc.prompt = p
	bc.mu.Unlock()
	if prev != nil {
		prev.node.Dispose(ReasonPromptClosed)
	}
	bc.events.Emit(PromptOpened{Prompt: p})
}

func (bc *BrowsingContext) onUserPromptClosed(ev userPromptClosed) {
	bc.mu.Lock()
	p := bc.prompt
	bc.prompt = nil
	bc.mu.Unlock()
	if p != nil {
		p.node.Dispose(ReasonPromptClosed)
	}
	bc.events.Emit(PromptClosed{Accepted: ev.Accepted, UserText: ev.UserText})
}
