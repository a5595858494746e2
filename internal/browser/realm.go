package browser

import (
	"context"
	"sync"

	"github.com/dhruvsoni1802/browser-bidi/internal/errext"
	"github.com/dhruvsoni1802/browser-bidi/internal/resource"
)

// Realm is a JavaScript execution environment: a window or a worker.
type Realm struct {
	browser *Browser
	node    *resource.Node
	id      string
	context *BrowsingContext

	mu     sync.Mutex
	origin string
	typ    string
}

func newRealm(b *Browser, info realmInfo, bc *BrowsingContext, parent *resource.Node) *Realm {
	return &Realm{
		browser: b,
		node:    resource.NewNode(errext.ResourceRealm, info.Realm, parent),
		id:      info.Realm,
		context: bc,
		origin:  info.Origin,
		typ:     info.Type,
	}
}

func (r *Realm) update(info realmInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info.Origin != "" {
		r.origin = info.Origin
	}
	if info.Type != "" {
		r.typ = info.Type
	}
}

func (r *Realm) ID() string { return r.id }

// Context returns the browsing context of a window realm, nil otherwise.
func (r *Realm) Context() *BrowsingContext { return r.context }

func (r *Realm) Origin() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.origin
}

func (r *Realm) Type() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.typ
}

func (r *Realm) Err() error     { return r.node.Err() }
func (r *Realm) Disposed() bool { return r.node.Disposed() }

func (r *Realm) script() script {
	s := script{
		browser: r.browser,
		node:    r.node,
		target:  map[string]string{"realm": r.id},
	}
	if r.context != nil {
		s.contextID = r.context.id
	}
	return s
}

func (r *Realm) Evaluate(ctx context.Context, expression string, awaitPromise bool) (RemoteValue, error) {
	return r.script().evaluate(ctx, expression, awaitPromise, false)
}

func (r *Realm) EvaluateHandle(ctx context.Context, expression string) (RemoteValue, error) {
	return r.script().evaluate(ctx, expression, true, true)
}

func (r *Realm) CallFunction(ctx context.Context, fn string, awaitPromise bool, args ...any) (RemoteValue, error) {
	return r.script().callFunction(ctx, fn, awaitPromise, false, args)
}

// Handle keeps a remote object alive until it is disposed or its realm goes
// away.
type Handle struct {
	realm *Realm
	node  *resource.Node
	id    string
}

func newHandle(r *Realm, id string) *Handle {
	return &Handle{
		realm: r,
		node:  resource.NewNode(errext.ResourceHandle, id, r.node),
		id:    id,
	}
}

func (h *Handle) ID() string      { return h.id }
func (h *Handle) Realm() *Realm   { return h.realm }
func (h *Handle) Err() error      { return h.node.Err() }
func (h *Handle) Disposed() bool  { return h.node.Disposed() }

// Dispose releases the remote object. Disposing a handle twice, or one whose
// realm is gone, is a no-op.
func (h *Handle) Dispose(ctx context.Context) error {
	if h.node.Disposed() {
		return nil
	}
	params := map[string]any{
		"handles": []string{h.id},
		"target":  map[string]string{"realm": h.realm.id},
	}
	err := h.realm.browser.session.execute(ctx, h.node, "script.disown", params, nil)
	h.node.Dispose("disowned")
	return err
}
